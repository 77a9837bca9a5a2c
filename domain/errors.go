package domain

import "errors"

var (
	// ErrNotFound is returned when an item, list or board does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTarget is returned for moves and edits that would break the
	// board hierarchy or the ordering of a container.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrTransientStorage marks storage failures that are safe to retry.
	ErrTransientStorage = errors.New("transient storage failure")
	// ErrUnavailable is surfaced once transient failures outlast the retry budget.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrPositionExhausted is returned when no float64 lies strictly between two keys.
	ErrPositionExhausted = errors.New("order key space exhausted")
)
