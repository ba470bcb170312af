package util

import (
	"bytes"
	"strings"
)

// defaultTailLimit bounds how much subprocess output a TailBuffer retains.
// The interesting part of a failing tool run is almost always at the end.
const defaultTailLimit = 8 * 1024

// TailBuffer is an io.Writer that keeps only the last Limit bytes written to
// it. It is used to capture stderr from long-running subprocesses without
// holding their full output in memory.
type TailBuffer struct {
	// Limit is the maximum number of bytes retained. Zero means the
	// default of 8 KiB.
	Limit int

	buf bytes.Buffer
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	limit := t.Limit
	if limit <= 0 {
		limit = defaultTailLimit
	}
	t.buf.Write(p)
	if t.buf.Len() > limit {
		data := t.buf.Bytes()
		trimmed := append([]byte(nil), data[len(data)-limit:]...)
		t.buf.Reset()
		t.buf.Write(trimmed)
	}
	return len(p), nil
}

func (t *TailBuffer) String() string {
	return t.buf.String()
}

// LastLine returns the final non-empty line of tool output, which is where
// command line tools put their actual error message.
func LastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "unknown error"
}
