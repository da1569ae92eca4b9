package log

import (
	"testing"
)

// TestingLogger returns a debug-level Logger writing to the test log when the
// tests run with -v, and a nop Logger otherwise.
func TestingLogger(t testing.TB) Logger {
	if !testing.Verbose() {
		return NewNopLogger()
	}

	logger, err := NewLogger(testWriter{t}, LogFormatPlain, LogLevelDebug)
	if err != nil {
		t.Fatal(err)
	}
	return logger
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}
