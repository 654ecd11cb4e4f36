package model

import (
	"fmt"
	"time"
)

// JobState is the lifecycle state of a single tool invocation.
type JobState string

const (
	JobWaiting   JobState = "Waiting"
	JobRunning   JobState = "Running"
	JobFinished  JobState = "Finished"
	JobCrashed   JobState = "Crashed"
	JobKilled    JobState = "Killed"
	JobCancelled JobState = "Cancelled"
)

func (s JobState) String() string { return string(s) }

// Terminal reports whether no further transition can leave the state.
func (s JobState) Terminal() bool {
	switch s {
	case JobFinished, JobCrashed, JobKilled, JobCancelled:
		return true
	default:
		return false
	}
}

// ParseJobState converts a persisted string back to a JobState.
func ParseJobState(s string) (JobState, error) {
	switch st := JobState(s); st {
	case JobWaiting, JobRunning, JobFinished, JobCrashed, JobKilled, JobCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown job state %q", s)
	}
}

// ValidateTransition checks if a state transition is valid and returns an error if not.
func (s JobState) ValidateTransition(target JobState) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, target)
	}
	return nil
}

func (s JobState) isValidTransition(target JobState) bool {
	switch s {
	case JobWaiting:
		// Cancelled is reachable only before the process was started.
		return target == JobRunning || target == JobCancelled
	case JobRunning:
		return target == JobFinished || target == JobCrashed || target == JobKilled
	default:
		return false
	}
}

// Job describes one external-tool invocation. The Command is fully
// substituted before a Job is constructed.
type Job struct {
	ID         int64
	Name       string
	TabTitle   string
	Target     string
	Port       string
	Protocol   string
	Command    string
	StartTime  time.Time
	EndTime    time.Time
	OutputFile string
	State      JobState
	Output     string
	Closed     bool

	PID       int
	Slow      bool
	Cancelled bool
	Killed    bool
}

// Active reports whether the job still occupies the scheduler.
func (j Job) Active() bool {
	return j.State == JobWaiting || j.State == JobRunning
}
