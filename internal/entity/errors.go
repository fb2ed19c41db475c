package entity

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrLeaseLost is returned by conditional writes whose guard no longer
	// holds: the job changed status, or its lease went to someone else.
	ErrLeaseLost    = errors.New("lease lost")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
)
