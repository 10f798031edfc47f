// Package testutil provides shared test doubles for the gateway.
package testutil

import (
	"strings"
	"sync"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
)

// MockLogger implements logging.Logger and records every entry, so
// tests can assert that a code path logged what it should.
type MockLogger struct {
	mu       sync.Mutex
	messages []LogMessage
}

// LogMessage is one captured log entry.
type LogMessage struct {
	Level   string
	Message string
	Fields  []logging.Field
}

// NewMockLogger returns an empty recording logger.
func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

func (m *MockLogger) log(level, msg string, fields []logging.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, LogMessage{
		Level:   level,
		Message: msg,
		Fields:  fields,
	})
}

func (m *MockLogger) Debug(msg string, fields ...logging.Field) { m.log("debug", msg, fields) }
func (m *MockLogger) Info(msg string, fields ...logging.Field)  { m.log("info", msg, fields) }
func (m *MockLogger) Warn(msg string, fields ...logging.Field)  { m.log("warn", msg, fields) }
func (m *MockLogger) Error(msg string, fields ...logging.Field) { m.log("error", msg, fields) }

// Fatal records instead of exiting, so tests can cover fatal paths.
func (m *MockLogger) Fatal(msg string, fields ...logging.Field) { m.log("fatal", msg, fields) }

// With and Named return the same recorder: child entries land in the
// parent's capture buffer.
func (m *MockLogger) With(fields ...logging.Field) logging.Logger { return m }
func (m *MockLogger) Named(name string) logging.Logger            { return m }

// Messages returns a copy of every captured entry.
func (m *MockLogger) Messages() []LogMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// Clear drops all captured entries.
func (m *MockLogger) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = m.messages[:0]
}

// HasMessage reports whether an entry with the level and exact message
// was logged.
func (m *MockLogger) HasMessage(level, msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.messages {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}

// HasMessageContaining reports whether an entry with the level carries
// the substring.
func (m *MockLogger) HasMessageContaining(level, substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.messages {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}
