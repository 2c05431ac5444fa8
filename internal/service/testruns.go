package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/etf-validator/etfd/internal/log"
	"github.com/etf-validator/etfd/internal/model"
	"github.com/etf-validator/etfd/internal/store"
	"github.com/etf-validator/etfd/internal/testrun"
)

// MsgAlreadyCompleted is the log of a run known only from its durable record.
const MsgAlreadyCompleted = "Already completed"

var ErrNotFound = fmt.Errorf("test run %w", model.ErrNotFound)

// Definition is a submission of a test run. Exactly one of TestObjectID and
// TestObject must be set.
type Definition struct {
	Label string
	// TestObjectID refers to a durable or a transient test object.
	TestObjectID string
	// TestObject is an inline test object, it gets a new id if it has none.
	TestObject *testrun.TestObject
	Tasks      []testrun.Task
}

func (d Definition) validate() error {
	var errs []error
	if d.Label == "" {
		errs = append(errs, errors.New("label is required"))
	}
	if len(d.Tasks) == 0 {
		errs = append(errs, errors.New("at least one test task is required"))
	}
	for i, t := range d.Tasks {
		if t.SuiteID == "" {
			errs = append(errs, fmt.Errorf("task %d: suite id is required", i))
		}
	}
	switch {
	case d.TestObjectID == "" && d.TestObject == nil:
		errs = append(errs, errors.New("test object is required"))
	case d.TestObjectID != "" && d.TestObject != nil:
		errs = append(errs, errors.New("test object id and inline test object are mutually exclusive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", model.ErrValidation, err)
	}
	return nil
}

// ProgressView is the answer to a progress poll.
type ProgressView struct {
	RunID     string
	State     testrun.State
	Completed int
	Max       int
	Messages  []string
	// AlreadyCompleted marks a run which is not tracked anymore, but its
	// durable record exists.
	AlreadyCompleted bool
}

type Action string

const (
	ActionCanceled Action = "canceled"
	ActionDeleted  Action = "deleted"
)

// Summary describes an active test run.
type Summary struct {
	ID        string
	Label     string
	TaskCount int
	Started   time.Time
	Percent   float64
	State     testrun.State
}

// SubmitJob admits a new test run and queues it for execution.
//
// It fails with model.ErrValidation for a malformed definition,
// model.ErrNotFound for an unknown test object, *guard.ConflictError if the
// test object is used by an active run and model.ErrCapacity if the queue is
// full.
func (s *Service) SubmitJob(ctx context.Context, def Definition) (string, error) {
	if err := def.validate(); err != nil {
		return "", err
	}
	if n := s.pool.RemoveDone(); n > 0 {
		slog.DebugContext(ctx, "removed finished test runs", "count", n)
	}
	obj, source, err := s.resolve(ctx, def)
	if err != nil {
		return "", err
	}

	tasks := make([]testrun.Task, len(def.Tasks))
	for i, t := range def.Tasks {
		if t.ID == "" {
			t.ID = testrun.NewID()
		}
		tasks[i] = t
	}

	run := testrun.New(testrun.NewID(), def.Label, obj, tasks, s.cfg.Driver, testrun.WithBus(s.bus))
	ctx = log.WithRun(ctx, run.ID())

	persisted := source == sourceDurable
	err = s.guard.Admit(run, func() error {
		if !persisted {
			if err := store.AddTestObject(ctx, s.db, toRecord(obj)); err != nil {
				if errors.Is(err, store.ErrAlreadyExists) {
					return fmt.Errorf("%w: test object %s already exists", model.ErrValidation, obj.ID)
				}
				return fmt.Errorf("persisting test object: %w", err)
			}
			persisted = true
		}
		err := store.AddRun(ctx, s.db, store.Run{
			UUID:       run.ID(),
			Label:      run.Label(),
			ObjectUUID: obj.ID,
			Tasks:      len(tasks),
			State:      testrun.Created.String(),
		})
		if err != nil {
			return fmt.Errorf("persisting test run: %w", err)
		}
		if _, err := s.pool.Submit(run); err != nil {
			if derr := store.DeleteRun(ctx, s.db, run.ID()); derr != nil {
				slog.ErrorContext(ctx, "deleting rejected test run failed", "error", derr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		if source == sourceTransient && !persisted {
			s.staged.Put(obj.ID, obj)
		}
		slog.DebugContext(ctx, "test run rejected", "error", err)
		return "", err
	}

	slog.InfoContext(ctx, "test run submitted",
		"label", run.Label(),
		"test_object_id", obj.ID,
		"tasks", len(tasks),
	)
	return run.ID(), nil
}

type objectSource int

const (
	sourceDurable objectSource = iota
	sourceTransient
	sourceInline
)

func (s *Service) resolve(ctx context.Context, def Definition) (testrun.TestObject, objectSource, error) {
	if def.TestObject != nil {
		obj := cloneObject(*def.TestObject)
		if obj.ID == "" {
			obj.ID = testrun.NewID()
		}
		if obj.Label == "" {
			obj.Label = def.Label
		}
		return obj, sourceInline, nil
	}

	// a staged object is promoted by its first run
	if obj, err := s.staged.Take(def.TestObjectID); err == nil {
		return obj, sourceTransient, nil
	}
	row, err := store.GetTestObject(ctx, s.db, def.TestObjectID)
	if err != nil {
		return testrun.TestObject{}, 0, fmt.Errorf("test object %s: %w", def.TestObjectID, err)
	}
	return fromRecord(row.TestObject), sourceDurable, nil
}

// GetProgress returns the progress of a test run since cursor, the number of
// log messages the client has already seen.
func (s *Service) GetProgress(ctx context.Context, id string, cursor int) (ProgressView, error) {
	run, err := s.pool.Get(id)
	if err != nil {
		return s.recordedProgress(ctx, id)
	}

	switch state := run.State(); state {
	case testrun.Failed, testrun.Canceled:
		res, _ := run.Result()
		if s.pool.Release(id) {
			ctx := log.WithRun(ctx, id)
			if res.Err != nil && state == testrun.Failed {
				slog.ErrorContext(ctx, "test run failed", "error", res.Err)
			} else {
				slog.InfoContext(ctx, "test run canceled")
			}
		}
		delta := run.Read(cursor)
		messages := delta.Messages
		if len(messages) == 0 || messages[len(messages)-1] != testrun.MsgTerminated {
			messages = append(messages, testrun.MsgTerminated)
		}
		return ProgressView{
			RunID:     id,
			State:     state,
			Completed: delta.Completed,
			Max:       delta.Max,
			Messages:  messages,
		}, nil
	case testrun.Completed, testrun.Finalizing:
		if err := pause(ctx, s.cfg.TerminalPause); err != nil {
			return ProgressView{}, err
		}
		p := run.Progress()
		return ProgressView{
			RunID:     id,
			State:     state,
			Completed: p.Max,
			Max:       p.Max,
			Messages:  []string{},
		}, nil
	default:
		delta := run.Read(cursor)
		return ProgressView{
			RunID:     id,
			State:     state,
			Completed: delta.Completed,
			Max:       delta.Max,
			Messages:  delta.Messages,
		}, nil
	}
}

func (s *Service) recordedProgress(ctx context.Context, id string) (ProgressView, error) {
	row, err := store.GetRun(ctx, s.db, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ProgressView{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	case err != nil:
		return ProgressView{}, err
	}
	state, err := testrun.ParseState(row.State)
	if err != nil {
		slog.WarnContext(ctx, "invalid test run record", "run", row.String(), "error", err)
	}
	return ProgressView{
		RunID:            id,
		State:            state,
		Completed:        row.Completed,
		Max:              row.Max,
		Messages:         []string{MsgAlreadyCompleted},
		AlreadyCompleted: true,
	}, nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CancelOrDelete cancels a tracked test run or deletes the durable record of
// a finished one. The durable record of a canceled run is deleted too.
func (s *Service) CancelOrDelete(ctx context.Context, id string) (Action, error) {
	ctx = log.WithRun(ctx, id)
	action := ActionDeleted
	if err := s.pool.Cancel(id); err == nil {
		action = ActionCanceled
	}

	err := store.DeleteRun(ctx, s.db, id)
	switch {
	case errors.Is(err, store.ErrNotFound) && action == ActionCanceled:
		// deleted by a concurrent request
	case errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	case err != nil:
		return "", err
	}
	slog.InfoContext(ctx, "test run removed", "action", string(action))
	return action, nil
}

// Exists reports whether the test run is tracked or has a durable record.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	if s.pool.Contains(id) {
		return true, nil
	}
	return store.RunExists(ctx, s.db, id)
}

// ListActiveSummaries returns the runs tracked by the pool sorted by id.
// Terminal runs are listed until they are swept or released.
func (s *Service) ListActiveSummaries() []Summary {
	runs := s.pool.List()
	ret := make([]Summary, 0, len(runs))
	for _, run := range runs {
		p := run.Progress()
		ret = append(ret, Summary{
			ID:        run.ID(),
			Label:     run.Label(),
			TaskCount: len(run.Tasks()),
			Started:   p.Started,
			Percent:   p.Percent(),
			State:     run.State(),
		})
	}
	return ret
}

// Running returns the number of runs executed at the moment.
func (s *Service) Running() int {
	return s.pool.Running()
}
