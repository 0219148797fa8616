package backfill

import "errors"

var (
	// ErrInvalidRange is returned when a range ends before it starts.
	ErrInvalidRange = errors.New("invalid block range")
	// ErrIncomplete is returned when some blocks could not be imported.
	ErrIncomplete = errors.New("range import incomplete")
)
