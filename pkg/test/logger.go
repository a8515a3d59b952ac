package test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/go-kit/log"
)

type testingLogger struct {
	t testing.TB
}

// NewTestingLogger forwards log lines to t.Log.
func NewTestingLogger(t testing.TB) log.Logger {
	return &testingLogger{
		t: t,
	}
}

func (l *testingLogger) Log(keyvals ...interface{}) error {
	l.t.Log(keyvals...)
	return nil
}

// CapturingLogger keeps every log line as a key/value map so tests can assert
// on what was logged.
type CapturingLogger struct {
	mu    sync.Mutex
	lines []map[string]string
}

func NewCapturingLogger() *CapturingLogger {
	return &CapturingLogger{}
}

func (l *CapturingLogger) Log(keyvals ...interface{}) error {
	line := make(map[string]string, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		line[fmt.Sprint(keyvals[i])] = fmt.Sprint(keyvals[i+1])
	}
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
	return nil
}

// Lines returns the lines whose key equals value.
func (l *CapturingLogger) Lines(key, value string) []map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var res []map[string]string
	for _, line := range l.lines {
		if line[key] == value {
			res = append(res, line)
		}
	}
	return res
}
