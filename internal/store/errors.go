package store

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrUnknownTable  = errors.New("unknown sync table")
	ErrStateConflict = errors.New("state conflict")
	ErrForbidden     = errors.New("forbidden")
	ErrValidation    = errors.New("validation failed")
)
