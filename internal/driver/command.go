package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os/exec"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/etf-validator/etfd/internal/testrun"
)

// Command executes every task by an external test driver binary.
//
// The binary gets the task in ETF_* environment variables. Every line on
// its stdout is a completed step, every line on stderr a log message. A non
// zero exit code fails the task.
type Command struct {
	Path string
	Args []string
	Env  []string
	// Timeout limits a single task, zero means no limit.
	Timeout time.Duration
	// Steps is the estimated number of steps of each task.
	Steps int
}

func (c Command) Init(ctx context.Context, _ testrun.TestObject, tasks []testrun.Task) (int, error) {
	if _, err := exec.LookPath(c.Path); err != nil {
		return 0, err
	}
	if c.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", c.Path)
	}
	return max(c.Steps, 1) * len(tasks), nil
}

func (c Command) RunTask(ctx context.Context, obj testrun.TestObject, task testrun.Task, rec testrun.Recorder) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Env = append(slices.Clone(c.Env), taskEnv(obj, task)...)
	cmd.WaitDelay = time.Second
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		return lines(outR, rec.Step)
	})
	g.Go(func() error {
		return lines(errR, rec.Log)
	})

	err := cmd.Wait()
	_ = outW.Close()
	_ = errW.Close()
	scanErr := g.Wait()

	slog.DebugContext(ctx, "task command finished",
		"path", c.Path,
		"task_id", task.ID,
		"duration", time.Since(started).String(),
		"error", err,
	)
	if ctx.Err() != nil {
		return fmt.Errorf("task %s: %w", task.ID, context.Cause(ctx))
	}
	if err != nil {
		return err
	}
	if scanErr != nil {
		return fmt.Errorf("reading driver output: %w", scanErr)
	}
	return nil
}

func (c Command) Finalize(_ context.Context, _ testrun.TestObject, rec testrun.Recorder) error {
	rec.Log("Test driver finished")
	return nil
}

func lines(r io.Reader, fn func(string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		// keep the writer unblocked
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

func taskEnv(obj testrun.TestObject, task testrun.Task) []string {
	env := []string{
		"ETF_TEST_OBJECT_ID=" + obj.ID,
		"ETF_TEST_OBJECT_LABEL=" + obj.Label,
		"ETF_TASK_ID=" + task.ID,
		"ETF_SUITE_ID=" + task.SuiteID,
	}
	for _, k := range slices.Sorted(maps.Keys(obj.Resources)) {
		env = append(env, "ETF_RESOURCE_"+envName(k)+"="+obj.Resources[k])
	}
	for _, k := range slices.Sorted(maps.Keys(task.Arguments)) {
		env = append(env, "ETF_ARG_"+envName(k)+"="+task.Arguments[k])
	}
	return env
}

func envName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}
