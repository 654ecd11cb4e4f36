package model

import (
	"errors"
)

var (
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrNoMatch           = errors.New("no match")
	ErrUnknownAction     = errors.New("unknown action")
)
