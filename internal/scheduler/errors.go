package scheduler

import "errors"

var (
	// ErrInvalidSchedule is returned when a maintenance schedule cannot be parsed
	ErrInvalidSchedule = errors.New("invalid maintenance schedule")

	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("maintenance already started")
)
