package protocol

import "errors"

var (
	ErrMalformed = errors.New("malformed")
	ErrTooLarge  = errors.New("too large")
)
