package obs

import (
	"fmt"
	"sync"
)

// Message is one warning or error accumulated during a batch run.
type Message struct {
	Level string
	Text  string
}

// Messages collects warnings and errors across a batch operation so a single
// bad rule or data row degrades that row, not the whole run. The collection
// is surfaced to the invoking report rather than thrown past the batch
// boundary.
type Messages struct {
	mu      sync.Mutex
	entries []Message
}

// Warnf records a warning.
func (m *Messages) Warnf(format string, args ...any) {
	m.add("warn", format, args...)
}

// Errorf records an error.
func (m *Messages) Errorf(format string, args ...any) {
	m.add("error", format, args...)
}

func (m *Messages) add(level, format string, args ...any) {
	m.mu.Lock()
	m.entries = append(m.entries, Message{Level: level, Text: fmt.Sprintf(format, args...)})
	m.mu.Unlock()
}

// All returns the accumulated messages in order.
func (m *Messages) All() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.entries...)
}

// Errors returns only the error-level messages.
func (m *Messages) Errors() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, e := range m.entries {
		if e.Level == "error" {
			out = append(out, e)
		}
	}
	return out
}
