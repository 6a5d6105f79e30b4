package testutil

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestTimeout provides timeout context for tests.
func TestTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

// TestContext creates a test context with reasonable timeout.
func TestContext() (context.Context, context.CancelFunc) {
	return TestTimeout(30 * time.Second)
}

// WaitForCondition waits for a condition to be true with timeout.
func WaitForCondition(t testing.TB, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			t.Fatalf("Timeout waiting for condition: %s", message)
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}

// SkipIfShort skips test if testing.Short() is true.
func SkipIfShort(t testing.TB, reason string) {
	if testing.Short() {
		t.Skipf("Skipping test in short mode: %s", reason)
	}
}

// LogEntry is one captured JSON log line.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

// LogOutput captures JSON log output for assertions.
type LogOutput struct {
	mu      sync.RWMutex
	entries []LogEntry
	raw     strings.Builder
}

// NewLogOutput creates a new log output capturer.
func NewLogOutput() *LogOutput {
	return &LogOutput{}
}

// Write implements io.Writer. The logger writes one JSON object per call.
func (lo *LogOutput) Write(p []byte) (int, error) {
	lo.mu.Lock()
	defer lo.mu.Unlock()

	lo.raw.Write(p)

	var fields map[string]interface{}
	if err := json.Unmarshal(p, &fields); err == nil {
		level, _ := fields["level"].(string)
		msg, _ := fields["msg"].(string)
		lo.entries = append(lo.entries, LogEntry{Level: level, Message: msg, Fields: fields})
	}
	return len(p), nil
}

// Entries returns captured log entries.
func (lo *LogOutput) Entries() []LogEntry {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	entries := make([]LogEntry, len(lo.entries))
	copy(entries, lo.entries)
	return entries
}

// HasMessage checks if any log entry contains the message.
func (lo *LogOutput) HasMessage(message string) bool {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	for _, entry := range lo.entries {
		if strings.Contains(entry.Message, message) {
			return true
		}
	}
	return false
}

// Contains reports whether s appears anywhere in the raw output.
func (lo *LogOutput) Contains(s string) bool {
	lo.mu.RLock()
	defer lo.mu.RUnlock()
	return strings.Contains(lo.raw.String(), s)
}
