package service

import "fmt"

// Queue is the admission control for fast jobs: a FIFO of waiting job
// ids and the number of fast jobs currently running. It is owned by the
// supervisor loop and is not safe for concurrent use.
type Queue struct {
	max     int
	running int
	pending []int64
}

func NewQueue(limit int) (*Queue, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidConcurrency, limit)
	}
	return &Queue{max: limit}, nil
}

// Enqueue appends a job to the tail. It never blocks.
func (q *Queue) Enqueue(id int64) {
	q.pending = append(q.pending, id)
}

// Admit pops jobs from the head while a fast slot is free. Jobs for which
// cancelled returns true are discarded without using a slot. start
// returns false when the job could not be started; the slot stays free.
// Each call looks at most at the jobs pending when it was entered, so a
// start that enqueues more work cannot loop forever.
func (q *Queue) Admit(cancelled func(int64) bool, start func(int64) bool) int {
	var started int
	for n := len(q.pending); n > 0 && q.running < q.max; n-- {
		id := q.pending[0]
		q.pending = q.pending[1:]
		if cancelled(id) {
			continue
		}
		if start(id) {
			q.running++
			started++
		}
	}
	if len(q.pending) == 0 {
		q.pending = nil
	}
	return started
}

// Drain removes and returns all waiting jobs.
func (q *Queue) Drain() []int64 {
	ret := q.pending
	q.pending = nil
	return ret
}

// Release frees the slot of a terminated fast job.
func (q *Queue) Release() {
	if q.running > 0 {
		q.running--
	}
}

// Len is the number of waiting jobs, including cancelled ones not yet
// discarded.
func (q *Queue) Len() int {
	return len(q.pending)
}

// Running is the number of fast jobs holding a slot.
func (q *Queue) Running() int {
	return q.running
}

func (q *Queue) Max() int {
	return q.max
}
