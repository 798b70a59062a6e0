// Package lineio reads the CRLF-terminated lines that make up the PDP wire
// protocol's attribute lines and blank-line terminators.
package lineio

import (
	"bufio"
	"errors"
)

var (
	ErrLineTooLong   = errors.New("lineio: line too long")
	ErrBadLineEnding = errors.New("lineio: line not terminated by CRLF")
)

// ReadLine reads a single CRLF-terminated line, without the trailing CRLF,
// enforcing a maximum length of max bytes.
func ReadLine(reader *bufio.Reader, max int) (string, error) {
	// FAST PATH: the whole line is already buffered.
	line, err := reader.ReadSlice('\n')
	if err == nil {
		return validateAndConvert(line, max)
	}

	if err != bufio.ErrBufferFull {
		return "", err
	}

	// SLOW PATH: the line is larger than the bufio buffer; accumulate chunks.
	var buf []byte
	buf = append(buf, line...)

	for {
		line, err = reader.ReadSlice('\n')

		if len(buf)+len(line) > max {
			drainLine(reader)
			return "", ErrLineTooLong
		}

		buf = append(buf, line...)

		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			return "", err
		}
	}

	return validateAndConvert(buf, max)
}

func validateAndConvert(b []byte, max int) (string, error) {
	if len(b) > max {
		return "", ErrLineTooLong
	}
	if len(b) < 2 || b[len(b)-2] != '\r' {
		return "", ErrBadLineEnding
	}
	return string(b[:len(b)-2]), nil
}

// drainLine discards the rest of the current line to recover synchronization
// after ErrLineTooLong.
func drainLine(reader *bufio.Reader) {
	for {
		_, err := reader.ReadSlice('\n')
		if err == nil {
			return
		}
		if err != bufio.ErrBufferFull {
			return
		}
	}
}
