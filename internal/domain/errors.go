package domain

import "errors"

// Error kinds surfaced by the session engine. Callers match them with
// errors.Is; implementations wrap them with context.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrUpstreamConnection = errors.New("upstream connection error")
	ErrStreamTimeout      = errors.New("stream timeout")
	ErrPersistence        = errors.New("persistence failure")
	ErrInvalidInput       = errors.New("invalid input")
)
