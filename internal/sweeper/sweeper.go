// Package sweeper periodically evicts terminal test runs from the registry
// and expired entries from the transient cache. It only reclaims memory,
// nothing depends on it for correctness.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/etf-validator/etfd/internal/model"
)

// DefaultEvery is the default interval between two sweeps.
const DefaultEvery = 7*time.Minute + 30*time.Second

// Schedule defines when sweeps run. Cron has a precedence over Every.
type Schedule struct {
	Cron  string
	Every time.Duration
}

// Target is one thing to sweep, Sweep returns the number of evicted items.
type Target struct {
	Name  string
	Sweep func() int
}

type Sweeper struct {
	scheduler gocron.Scheduler
	targets   []Target
}

func New(ctx context.Context, schedule Schedule, targets ...Target) (*Sweeper, error) {
	s := &Sweeper{targets: targets}
	scheduler, err := newScheduler(ctx, schedule, func() { s.Sweep(ctx) })
	if err != nil {
		return nil, err
	}
	s.scheduler = scheduler
	return s, nil
}

func (s *Sweeper) Start() {
	s.scheduler.Start()
}

func (s *Sweeper) Shutdown() error {
	return s.scheduler.Shutdown()
}

// Sweep runs all targets now. A failing target does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) {
	for _, t := range s.targets {
		n, err := sweep(t)
		if err != nil {
			slog.ErrorContext(ctx, "sweep failed", "target", t.Name, "error", err)
			continue
		}
		if n > 0 {
			slog.DebugContext(ctx, "swept", "target", t.Name, "evicted", n)
		}
	}
}

func sweep(t Target) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Sweep(), nil
}

func newScheduler(ctx context.Context, cfg Schedule, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		if _, err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing sweeper.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	case cfg.Every > 0:
		job = gocron.DurationJob(cfg.Every)
		slog.DebugContext(ctx, "successfully parsed", "duration", cfg.Every.String())
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("sweeper"),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
