package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/etf-validator/etfd/internal/testrun"
)

// FailArgument makes Simulated fail a task at the given step.
const FailArgument = "fail_at"

// Simulated pretends to execute tests. It makes Steps steps per task, one per
// Interval, which makes it useful for demos and tests.
type Simulated struct {
	Steps    int
	Interval time.Duration
}

func (s Simulated) Init(_ context.Context, _ testrun.TestObject, tasks []testrun.Task) (int, error) {
	return max(s.Steps, 1) * len(tasks), nil
}

func (s Simulated) RunTask(ctx context.Context, _ testrun.TestObject, task testrun.Task, rec testrun.Recorder) error {
	steps := max(s.Steps, 1)
	failAt := -1
	if v, ok := task.Arguments[FailArgument]; ok {
		if _, err := fmt.Sscanf(v, "%d", &failAt); err != nil {
			return fmt.Errorf("invalid %s argument %q: %w", FailArgument, v, err)
		}
	}

	var timer *time.Timer
	if s.Interval > 0 {
		timer = time.NewTimer(s.Interval)
		defer timer.Stop()
	}
	for i := 1; i <= steps; i++ {
		if timer != nil {
			select {
			case <-ctx.Done():
				return context.Cause(ctx)
			case <-timer.C:
				timer.Reset(s.Interval)
			}
		} else if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		if i == failAt {
			return errors.New("simulated assertion failure")
		}
		rec.Step(fmt.Sprintf("%s: step %d/%d", task.SuiteID, i, steps))
	}
	return nil
}

func (s Simulated) Finalize(_ context.Context, _ testrun.TestObject, rec testrun.Recorder) error {
	rec.Log("Report generated")
	return nil
}
