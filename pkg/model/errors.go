package model

import "errors"

// Error kinds shared by every gate component. Callers wrap these with
// context and test with errors.Is.
var (
	ErrNotFound         = errors.New("command not found")
	ErrIllegalState     = errors.New("illegal state transition")
	ErrDuplicate        = errors.New("duplicate command")
	ErrContention       = errors.New("lock acquisition timed out")
	ErrAutonomyDenied   = errors.New("autonomy denied")
	ErrCheckpointDenied = errors.New("checkpoint not approved")
	ErrTransport        = errors.New("transport error")
	ErrHandlerFailure   = errors.New("handler failure")
	ErrConfig           = errors.New("configuration error")
	ErrTimeout          = errors.New("approval timeout")
)
