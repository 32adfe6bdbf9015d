package progress

import "errors"

var (
	ErrInvalidExpected = errors.New("expected participants must not be negative")
	ErrConflict        = errors.New("survey progress kept changing during update")
	ErrCorruptProgress = errors.New("stored survey progress is unreadable")
)
