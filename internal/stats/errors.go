package stats

import "errors"

var (
	// ErrInvalidReport is returned when a report carries negative counts or durations
	ErrInvalidReport = errors.New("invalid report")

	// ErrInvalidDecayFactor is returned when a decay factor is outside [0,1]
	ErrInvalidDecayFactor = errors.New("decay factor must be within [0,1]")
)
