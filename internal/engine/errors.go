package engine

import "errors"

var (
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrAgentBusy           = errors.New("agent already holds an active task")
	ErrAlreadyReviewed     = errors.New("proposal already reviewed")
	ErrFeedbackRequired    = errors.New("feedback required for rejection")
	ErrExternalUnavailable = errors.New("external service unavailable")
	ErrConflict            = errors.New("conflicting concurrent update")
)
