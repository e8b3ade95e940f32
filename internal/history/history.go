package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"
	EventStop        EventType = "stop"
	EventStartFailed EventType = "start_failed"
	EventExit        EventType = "exit"
)

// DefaultTable is the table every SQL sink writes to.
const DefaultTable = "server_history"

// Record is the server session snapshot attached to an event.
type Record struct {
	Backend  string `json:"backend"`
	Port     int    `json:"port"`
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can list what they stored.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Multi fans an event out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NullString maps an empty string to SQL NULL.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
