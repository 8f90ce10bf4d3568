package testutil

import (
	"log"
	"os"
	"testing"
)

// TestLogger returns a logger prefixed with the test name. Output is sent to
// stdout so that it is shown by go test -v next to the test it belongs to.
func TestLogger(t *testing.T) *log.Logger {
	t.Helper()

	logger := log.New(os.Stdout, "["+t.Name()+"] ", log.LstdFlags|log.Lmicroseconds)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
	})
	return logger
}
