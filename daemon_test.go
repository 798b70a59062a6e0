package dkimsignd

import (
	"log/syslog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestSyslogLevelMapping(t *testing.T) {
	tests := []struct {
		level int
		want  syslog.Priority
	}{
		{0, syslog.LOG_ERR},
		{1, syslog.LOG_WARNING},
		{2, syslog.LOG_NOTICE},
		{3, syslog.LOG_INFO},
		{4, syslog.LOG_INFO},
		{5, syslog.LOG_DEBUG},
	}
	for _, tc := range tests {
		if got := syslogLevel(tc.level); got != tc.want {
			t.Errorf("syslogLevel(%d) = %v, want %v", tc.level, got, tc.want)
		}
	}
}

func TestSyslogFacilityMapping(t *testing.T) {
	if got := syslogFacility("mail"); got != syslog.LOG_MAIL {
		t.Errorf("syslogFacility(mail) = %v, want LOG_MAIL", got)
	}
	if got := syslogFacility(""); got != syslog.LOG_MAIL {
		t.Errorf("syslogFacility(\"\") = %v, want LOG_MAIL default", got)
	}
	if got := syslogFacility("daemon"); got != syslog.LOG_DAEMON {
		t.Errorf("syslogFacility(daemon) = %v, want LOG_DAEMON", got)
	}
}

func TestWriteAndRemovePIDFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dkimsignd.pid")

	if err := WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading pid file: %v", err)
	}
	if _, err := strconv.Atoi(string(data[:len(data)-1])); err != nil {
		t.Fatalf("pid file does not contain a plain integer: %q", data)
	}

	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile() error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pid file still exists after RemovePIDFile")
	}
}

func TestWritePIDFileEmptyPathIsNoop(t *testing.T) {
	if err := WritePIDFile(""); err != nil {
		t.Fatalf("WritePIDFile(\"\") error: %v", err)
	}
	if err := RemovePIDFile(""); err != nil {
		t.Fatalf("RemovePIDFile(\"\") error: %v", err)
	}
}
