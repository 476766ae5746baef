package testutil

import (
	"io"
	"log"
	"os"
	"testing"
)

func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(os.Stdout, "[test] ", log.LstdFlags|log.Lmicroseconds)
	t.Cleanup(func() {
		logger.SetOutput(io.Discard)
	})
	return logger
}

// Inline runs posted funcs immediately, standing in for the engine loop
// in single-goroutine tests.
func Inline(f func()) {
	f()
}
