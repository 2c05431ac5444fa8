// Package progress tracks completed steps and log messages of a test run.
//
// A Tracker has a single writer (the worker executing the run) and any number
// of readers polling it. The log is append-only: a position once handed out
// to a reader stays valid for the lifetime of the Tracker, so readers pass the
// number of messages they have already seen and get only the new ones.
package progress

import (
	"sync"
	"time"
)

// Delta is the answer to "what changed since cursor".
type Delta struct {
	Completed int
	Max       int
	Messages  []string
}

// Progress is a point in time view of a Tracker.
type Progress struct {
	Started   time.Time
	Completed int
	Max       int
	Len       int
}

// Percent returns the completed ratio in the range [0, 1].
func (p Progress) Percent() float64 {
	return float64(p.Completed) / float64(max(p.Max, 1))
}

type Tracker struct {
	mx        sync.RWMutex
	started   time.Time
	completed int
	max       int
	log       []string
}

func New(maxSteps int) *Tracker {
	return &Tracker{max: max(maxSteps, 0)}
}

// Start records the start timestamp, only the first call has an effect.
func (t *Tracker) Start(now time.Time) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.started.IsZero() {
		t.started = now
	}
}

// SetMax revises the expected number of steps. The value never shrinks.
func (t *Tracker) SetMax(n int) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if n > t.max {
		t.max = n
	}
}

// Step marks one step as completed and appends msg to the log unless it is empty.
// Exceeding the estimated number of steps revises the estimate.
func (t *Tracker) Step(msg string) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.completed++
	if t.completed > t.max {
		t.max = t.completed
	}
	if msg != "" {
		t.log = append(t.log, msg)
	}
}

// Log appends a message without counting a step.
func (t *Tracker) Log(msg string) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.log = append(t.log, msg)
}

// Complete sets completed steps to the maximum.
func (t *Tracker) Complete() {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.completed < t.max {
		t.completed = t.max
	}
}

// Read returns counters and log messages at or after cursor. A negative
// cursor reads from the beginning, a cursor past the end returns no messages.
func (t *Tracker) Read(cursor int) Delta {
	t.mx.RLock()
	defer t.mx.RUnlock()
	d := Delta{
		Completed: t.completed,
		Max:       t.max,
	}
	cursor = max(cursor, 0)
	if cursor < len(t.log) {
		d.Messages = append([]string(nil), t.log[cursor:]...)
	}
	return d
}

func (t *Tracker) Snapshot() Progress {
	t.mx.RLock()
	defer t.mx.RUnlock()
	return Progress{
		Started:   t.started,
		Completed: t.completed,
		Max:       t.max,
		Len:       len(t.log),
	}
}
