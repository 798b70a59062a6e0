package lineio

import (
	"bufio"
	"strings"
	"testing"
)

func TestReadLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		max     int
		want    string
		wantErr error
	}{
		{
			name:  "simple line",
			input: "request=sign\r\n",
			max:   1024,
			want:  "request=sign",
		},
		{
			name:  "blank line terminator",
			input: "\r\n",
			max:   1024,
			want:  "",
		},
		{
			name:    "bad line ending",
			input:   "request=sign\n",
			max:     1024,
			wantErr: ErrBadLineEnding,
		},
		{
			name:    "line too long",
			input:   "candidate=" + strings.Repeat("a", 64) + "\r\n",
			max:     16,
			wantErr: ErrLineTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReaderSize(strings.NewReader(tt.input), 8)
			got, err := ReadLine(r, tt.max)
			if tt.wantErr != nil {
				if err != tt.wantErr {
					t.Fatalf("ReadLine() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadLine() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("ReadLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadLineAcrossSmallBuffer(t *testing.T) {
	line := "sig." + strings.Repeat("x", 200) + "=1\r\n"
	r := bufio.NewReaderSize(strings.NewReader(line), 16)
	got, err := ReadLine(r, 4096)
	if err != nil {
		t.Fatalf("ReadLine() unexpected error: %v", err)
	}
	want := strings.TrimSuffix(line, "\r\n")
	if got != want {
		t.Fatalf("ReadLine() = %q, want %q", got, want)
	}
}

func TestReadLinePipelined(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("request=choose_key\r\n\r\nrequest=sign\r\n\r\n"))

	var lines []string
	for i := 0; i < 4; i++ {
		got, err := ReadLine(r, 4096)
		if err != nil {
			t.Fatalf("ReadLine() unexpected error: %v", err)
		}
		lines = append(lines, got)
	}

	want := []string{"request=choose_key", "", "request=sign", ""}
	for i, w := range want {
		if lines[i] != w {
			t.Fatalf("line %d = %q, want %q", i, lines[i], w)
		}
	}
}
