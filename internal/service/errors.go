package service

import "errors"

var (
	ErrInvalidConcurrency = errors.New("max fast processes must be at least 1")
	ErrNotWaiting         = errors.New("job is not waiting")
	ErrUnknownRun         = errors.New("unknown staged run")
	ErrStageNotStarted    = errors.New("staged scan stage not started")
	ErrClosed             = errors.New("supervisor is not running")

	ErrEmptyCommand = errors.New("empty command")
	ErrMissingValue = errors.New("missing placeholder value")

	ErrNotStarted = errors.New("process not started")
	ErrInProgress = errors.New("process in progress")
)
