package install

import "errors"

var (
	// ErrUnsupportedPlatform means no bundled executable matches any supported tag.
	ErrUnsupportedPlatform = errors.New("no bundled server executable for this platform")
	// ErrMarkersMissing means the bundle lacks a required runtime marker.
	ErrMarkersMissing = errors.New("required runtime markers missing from bundle")
	// ErrVerifyFailed means a staged tree failed marker verification after copy.
	ErrVerifyFailed = errors.New("staged runtime failed verification")
)

// StagingError reports a failed installer step. It wraps the cause so callers
// can match the sentinels above with errors.Is.
type StagingError struct {
	Step string // "platform", "executable", "runtime"
	Path string
	Err  error
}

func (e *StagingError) Error() string {
	msg := "staging " + e.Step
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StagingError) Unwrap() error { return e.Err }
