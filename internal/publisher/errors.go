package publisher

import "fmt"

// Phase names the orchestrator step an error was raised in
type Phase string

const (
	PhaseVersionCheck Phase = "version-check"
	PhaseIsolation    Phase = "isolation"
	PhaseChangeWindow Phase = "change-window"
	PhaseDependencies Phase = "dependencies"
	PhaseKeyChanges   Phase = "key-changes"
	PhaseUpserts      Phase = "upserts"
	PhaseDeletes      Phase = "deletes"
	PhaseFinalize     Phase = "finalize"
)

// Error represents a failed publishing run with the step that failed
type Error struct {
	Err     error
	Message string
	Phase   Phase
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Phase, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Phase, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(phase Phase, err error, format string, args ...any) *Error {
	return &Error{Err: err, Message: fmt.Sprintf(format, args...), Phase: phase}
}
