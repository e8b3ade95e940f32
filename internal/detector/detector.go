// Package detector recognises a game server process left running by an
// earlier host run, from the PID file written when it was spawned.
package detector

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}
