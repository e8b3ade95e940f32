package supervisor

import "time"

// Status is the lifecycle phase of the supervised server.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// AllStatuses lists every Status, used for the current_state gauge.
var AllStatuses = []string{string(StatusStopped), string(StatusStarting), string(StatusRunning), string(StatusError)}

// State is an immutable snapshot of the supervisor. Running is true only
// while Status is StatusRunning.
type State struct {
	Running      bool      `json:"running"`
	Status       Status    `json:"status"`
	Port         int       `json:"port"`
	ReachableURL string    `json:"reachable_url,omitempty"`
	BackendName  string    `json:"backend_name,omitempty"`
	ExitCode     int       `json:"exit_code"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
