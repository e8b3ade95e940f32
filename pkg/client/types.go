package client

import "time"

// StartRequest asks the control API to start or restart the server. Zero
// Port and nil DevMode fall back to the daemon's configured defaults.
type StartRequest struct {
	Port    int   `json:"port,omitempty"`
	DevMode *bool `json:"dev_mode,omitempty"`
}

// State mirrors the supervisor snapshot served by GET /state.
type State struct {
	Running      bool      `json:"running"`
	Status       string    `json:"status"`
	Port         int       `json:"port"`
	ReachableURL string    `json:"reachable_url,omitempty"`
	BackendName  string    `json:"backend_name,omitempty"`
	ExitCode     int       `json:"exit_code"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
	PID          int       `json:"pid"`
}

// LogEntry is one operational log line.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// String formats the entry as "15:04:05 | message".
func (e LogEntry) String() string {
	return e.Time.Format("15:04:05") + " | " + e.Message
}

// HistoryEvent is one recorded lifecycle event.
type HistoryEvent struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     struct {
		Backend  string `json:"backend"`
		Port     int    `json:"port"`
		Status   string `json:"status"`
		ExitCode int    `json:"exit_code"`
		Error    string `json:"error,omitempty"`
	} `json:"record"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	State *State `json:"state,omitempty"`
}
