// Package testrun implements a test run: the state machine executing test
// tasks against a test object, recording progress and producing a result.
//
// A Run is executed by exactly one worker which is the only one changing its
// state. Other goroutines observe it through read-only accessors, ask it to
// stop via Cancel and learn about transitions through a Bus.
package testrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/etf-validator/etfd/internal/log"
	"github.com/etf-validator/etfd/internal/progress"
)

// Log markers appended to the progress log.
const (
	MsgStarted    = "Test Run started"
	MsgTerminated = "Terminated"
)

var (
	ErrCanceled = errors.New("test run canceled")
	// ErrInternal marks a fault not reported by the driver, such as a panic.
	ErrInternal = errors.New("internal execution error")
)

// NewID returns a new identifier in a form of EID followed by random UUID.
func NewID() string {
	return "EID" + uuid.NewString()
}

// TestObject is a resource test runs are executed against.
type TestObject struct {
	ID         string            `json:"id"`
	Label      string            `json:"label"`
	Resources  map[string]string `json:"resources,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Task is one executable test suite of a run.
type Task struct {
	ID        string            `json:"id"`
	SuiteID   string            `json:"suite_id"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// Recorder receives the progress of a driver.
type Recorder interface {
	SetMax(n int)
	Step(msg string)
	Log(msg string)
}

// Driver executes test tasks. All methods are called from the worker owning
// the run and must return once ctx is done.
type Driver interface {
	// Init prepares the test object and returns an estimated number of steps.
	Init(ctx context.Context, obj TestObject, tasks []Task) (int, error)
	RunTask(ctx context.Context, obj TestObject, task Task, rec Recorder) error
	Finalize(ctx context.Context, obj TestObject, rec Recorder) error
}

// Result is produced once a run reaches a terminal state.
type Result struct {
	RunID     string
	Label     string
	ObjectID  string
	State     State
	Completed int
	Max       int
	Started   time.Time
	Finished  time.Time
	Err       error
}

type Option func(*Run)

// WithBus makes the run publish its transitions.
func WithBus(b *Bus) Option {
	return func(r *Run) { r.bus = b }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Run) { r.now = now }
}

type Run struct {
	id      string
	label   string
	object  TestObject
	tasks   []Task
	driver  Driver
	bus     *Bus
	now     func() time.Time
	tracker *progress.Tracker

	token  context.Context
	cancel context.CancelCauseFunc

	mx     sync.RWMutex
	state  State
	result Result
	done   chan struct{}
}

func New(id, label string, obj TestObject, tasks []Task, driver Driver, opts ...Option) *Run {
	token, cancel := context.WithCancelCause(context.Background())
	r := &Run{
		id:      id,
		label:   label,
		object:  obj,
		tasks:   slices.Clone(tasks),
		driver:  driver,
		now:     time.Now,
		tracker: progress.New(len(tasks)),
		token:   token,
		cancel:  cancel,
		state:   Created,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Run) ID() string    { return r.id }
func (r *Run) Label() string { return r.label }

func (r *Run) TestObject() TestObject {
	obj := r.object
	obj.Resources = maps.Clone(obj.Resources)
	obj.Properties = maps.Clone(obj.Properties)
	return obj
}

func (r *Run) Tasks() []Task { return slices.Clone(r.tasks) }

func (r *Run) State() State {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.state
}

// Terminal reports whether the run reached COMPLETED, FAILED or CANCELED.
func (r *Run) Terminal() bool {
	return r.State().IsTerminal()
}

// ResourceIDs returns ids of test objects the run holds while active.
func (r *Run) ResourceIDs() []string {
	return []string{r.object.ID}
}

// ResourceLabel returns a human readable name of a held resource.
func (r *Run) ResourceLabel(id string) string {
	if id == r.object.ID && r.object.Label != "" {
		return r.object.Label
	}
	return id
}

// Read returns the progress since cursor.
func (r *Run) Read(cursor int) progress.Delta {
	return r.tracker.Read(cursor)
}

func (r *Run) Progress() progress.Progress {
	return r.tracker.Snapshot()
}

// Result returns the final result once the run is terminal.
func (r *Run) Result() (Result, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result, r.state.IsTerminal()
}

// Done is closed once the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Cancel asks the run to stop at the next checkpoint. The state is changed
// by the worker executing the run, a run which was not picked by a worker
// yet is canceled once it is.
func (r *Run) Cancel() {
	r.cancel(ErrCanceled)
}

// Wait blocks until the run is terminal or ctx is done. The error is the
// failure of a FAILED run or ErrCanceled for a CANCELED one.
func (r *Run) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-r.done:
	}
	res, _ := r.Result()
	switch res.State {
	case Failed:
		return res, res.Err
	case Canceled:
		return res, ErrCanceled
	default:
		return res, nil
	}
}

// Execute runs the state machine to a terminal state. It returns nil for a
// completed run, ErrCanceled for a canceled one or the failure otherwise.
// Only the first call has an effect.
func (r *Run) Execute(ctx context.Context) (err error) {
	if r.State() != Created {
		return fmt.Errorf("test run %s already executed", r.id)
	}
	ctx = log.WithRun(ctx, r.id)
	ctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	unregister := context.AfterFunc(r.token, func() {
		stop(context.Cause(r.token))
	})
	defer unregister()

	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "test run panicked",
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("%w: panic: %v", ErrInternal, p)
			r.fail(ctx, err)
		}
	}()

	if r.canceled(ctx) {
		return r.terminate(ctx)
	}

	r.transition(ctx, Initializing, nil)
	steps, err := r.driver.Init(ctx, r.TestObject(), r.Tasks())
	if err != nil {
		return r.fail(ctx, fmt.Errorf("initializing: %w", err))
	}
	r.tracker.SetMax(steps)
	if r.canceled(ctx) {
		return r.terminate(ctx)
	}

	r.tracker.Start(r.now())
	r.tracker.Log(MsgStarted)
	r.transition(ctx, Running, nil)
	for _, task := range r.tasks {
		if r.canceled(ctx) {
			return r.terminate(ctx)
		}
		slog.DebugContext(ctx, "running task", "task_id", task.ID, "suite_id", task.SuiteID)
		if err := r.driver.RunTask(ctx, r.TestObject(), task, r.tracker); err != nil {
			return r.fail(ctx, fmt.Errorf("task %s: %w", task.ID, err))
		}
	}

	if r.canceled(ctx) {
		return r.terminate(ctx)
	}
	r.transition(ctx, Finalizing, nil)
	if err := r.driver.Finalize(ctx, r.TestObject(), r.tracker); err != nil {
		return r.fail(ctx, fmt.Errorf("finalizing: %w", err))
	}
	if r.canceled(ctx) {
		return r.terminate(ctx)
	}

	r.tracker.Complete()
	r.transition(ctx, Completed, nil)
	return nil
}

// canceled reads the token itself, the AfterFunc propagating it into ctx may
// not have run yet.
func (r *Run) canceled(ctx context.Context) bool {
	return r.token.Err() != nil || ctx.Err() != nil
}

func (r *Run) terminate(ctx context.Context) error {
	r.tracker.Log(MsgTerminated)
	r.transition(ctx, Canceled, ErrCanceled)
	return ErrCanceled
}

// fail records err as a failure, unless it was caused by a cancellation.
func (r *Run) fail(ctx context.Context, err error) error {
	if r.canceled(ctx) {
		return r.terminate(ctx)
	}
	r.tracker.Log("Test Run failed: " + err.Error())
	r.transition(ctx, Failed, err)
	return err
}

func (r *Run) transition(ctx context.Context, to State, cause error) bool {
	r.mx.Lock()
	from := r.state
	if !from.CanTransition(to) {
		r.mx.Unlock()
		slog.ErrorContext(ctx, "state transition refused", "from", from.String(), "to", to.String())
		return false
	}
	at := r.now()
	r.state = to
	var result *Result
	if to.IsTerminal() {
		snap := r.tracker.Snapshot()
		r.result = Result{
			RunID:     r.id,
			Label:     r.label,
			ObjectID:  r.object.ID,
			State:     to,
			Completed: snap.Completed,
			Max:       snap.Max,
			Started:   snap.Started,
			Finished:  at,
			Err:       cause,
		}
		res := r.result
		result = &res
		close(r.done)
	}
	r.mx.Unlock()

	slog.DebugContext(ctx, "state changed", "from", from.String(), "to", to.String())
	if r.bus != nil {
		r.bus.Publish(ctx, Event{RunID: r.id, Label: r.label, Old: from, New: to, At: at, Result: result})
	}
	return true
}
