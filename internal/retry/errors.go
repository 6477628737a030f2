package retry

import "errors"

var (
	// ErrNegativeDelay is returned when a delay is below zero
	ErrNegativeDelay = errors.New("retry delays must not be negative")

	// ErrDelayBounds is returned when the initial delay exceeds the cap
	ErrDelayBounds = errors.New("initial delay exceeds max delay")

	// ErrMultiplier is returned for a backoff multiplier below 1
	ErrMultiplier = errors.New("backoff multiplier must be at least 1")
)
