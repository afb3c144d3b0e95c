package incidents

import "errors"

// Repository errors.
var (
	ErrNotFound      = errors.New("incident not found")
	ErrDuplicateRun  = errors.New("incident already exists for run id")
	ErrAttemptExists = errors.New("remediation attempt already recorded")
	ErrAlreadyClosed = errors.New("incident already acknowledged")
)

// Service errors.
var (
	ErrInvalidStatus = errors.New("invalid incident status")
	ErrInvalidSource = errors.New("invalid alert source")
)
