package lifecycle

import "errors"

var (
	// ErrNotFound reports an unknown job id.
	ErrNotFound = errors.New("lifecycle: job not found")
	// ErrJobInProgress reports that another create for the same file holds
	// the creation lock.
	ErrJobInProgress = errors.New("lifecycle: job creation already in progress for file")
	// ErrJobBusy reports that a concurrent update kept the job locked.
	ErrJobBusy = errors.New("lifecycle: job is being updated concurrently")
	// ErrUpgradeNotNeeded reports that an upgrade request was skipped because
	// the tier is already on its way or another upgrade holds the dedupe lock.
	ErrUpgradeNotNeeded = errors.New("lifecycle: upgrade not needed")
)

// ValidationError describes bad caller input. It is never persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
