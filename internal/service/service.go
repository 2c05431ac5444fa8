package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/etf-validator/etfd/internal/driver"
	"github.com/etf-validator/etfd/internal/guard"
	"github.com/etf-validator/etfd/internal/model"
	"github.com/etf-validator/etfd/internal/registry"
	"github.com/etf-validator/etfd/internal/report"
	"github.com/etf-validator/etfd/internal/store"
	"github.com/etf-validator/etfd/internal/sweeper"
	"github.com/etf-validator/etfd/internal/testrun"
	"github.com/etf-validator/etfd/internal/transient"
)

const (
	DefaultTerminalPause   = 1500 * time.Millisecond
	DefaultShutdownTimeout = 30 * time.Second

	// eventBuffer is the buffer of the subscription persisting results
	eventBuffer = 1024
	// uploadBuffer is the buffer of the subscription uploading reports,
	// reports of a slow uploader are dropped once it is full
	uploadBuffer = 4096
)

type Config struct {
	PoolSize int
	QueueLen int
	// TransientTTL is a lifetime of staged test objects.
	TransientTTL time.Duration
	// TerminalPause delays the first response about a completed run.
	TerminalPause time.Duration
	// ShutdownTimeout limits how long Do waits for active runs on exit.
	ShutdownTimeout time.Duration
	Sweep           sweeper.Schedule
	Driver          testrun.Driver
	Uploaders       []report.Uploader
}

type Service struct {
	db        *sql.DB
	cfg       Config
	pool      *registry.Pool[*testrun.Run]
	guard     *guard.Guard[*testrun.Run]
	staged    *transient.Cache[string, testrun.TestObject]
	bus       *testrun.Bus
	events    *testrun.Subscription
	uploads   *testrun.Subscription
	sweeper   *sweeper.Sweeper
	uploaders []report.Uploader
}

// New returns a service storing records in db. The pool does not execute
// anything until Do is called.
func New(ctx context.Context, db *sql.DB, cfg Config) (*Service, error) {
	if db == nil {
		return nil, errors.New("database is nil")
	}
	if cfg.Driver == nil {
		return nil, errors.New("test driver is nil")
	}
	if cfg.TerminalPause < 0 {
		cfg.TerminalPause = 0
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Sweep.Cron == "" && cfg.Sweep.Every <= 0 {
		cfg.Sweep.Every = sweeper.DefaultEvery
	}

	pool := registry.New[*testrun.Run](
		registry.WithSize(cfg.PoolSize),
		registry.WithQueue(cfg.QueueLen),
	)
	s := &Service{
		db:        db,
		cfg:       cfg,
		pool:      pool,
		guard:     guard.New[*testrun.Run](pool, 0),
		staged:    transient.New[string, testrun.TestObject](cfg.TransientTTL),
		bus:       testrun.NewBus(),
		uploaders: cfg.Uploaders,
	}

	sw, err := sweeper.New(ctx, cfg.Sweep,
		sweeper.Target{Name: "testruns", Sweep: pool.RemoveDone},
		sweeper.Target{Name: "testobjects", Sweep: s.staged.Evict},
	)
	if err != nil {
		return nil, fmt.Errorf("initializing sweeper: %w", err)
	}
	s.sweeper = sw
	s.events = s.bus.SubscribeResults(eventBuffer)
	s.uploads = s.bus.Subscribe(uploadBuffer)
	return s, nil
}

// FromConfig builds the service, its test driver and report uploaders from
// the configuration file.
func FromConfig(ctx context.Context, db *sql.DB, cfg model.Config) (*Service, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	rt, err := cfg.Runtime()
	if err != nil {
		return nil, err
	}
	drv, err := driver.New(cfg.Driver, rt)
	if err != nil {
		return nil, fmt.Errorf("initializing driver: %w", err)
	}
	uploaders, err := report.Uploaders(ctx, cfg.Service)
	if err != nil {
		return nil, fmt.Errorf("initializing uploaders: %w", err)
	}
	s, err := New(ctx, db, Config{
		PoolSize:      rt.PoolSize,
		QueueLen:      rt.QueueLen,
		TransientTTL:  rt.TransientTTL,
		TerminalPause: rt.TerminalPause,
		Sweep: sweeper.Schedule{
			Cron:  rt.SweepCron,
			Every: rt.SweepEvery,
		},
		Driver:    drv,
		Uploaders: uploaders,
	})
	if err != nil {
		return nil, errors.Join(err, report.Close(ctx, uploaders))
	}
	return s, nil
}

// Do runs the service event loop until ctx is canceled.
//
// Startup: starts the worker pool, the sweeper and the report uploads.
// Loop: on every terminal transition the final result is stored, failures
// are only logged. Reports are uploaded by a separate goroutine, so a slow
// uploader never holds results back.
// Shutdown: stops the pool (queued runs are canceled, active ones get
// ShutdownTimeout to finish), stores the remaining results, waits for the
// pending uploads and closes uploaders and the sweeper.
func (s *Service) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a service")

	s.pool.Start(context.WithoutCancel(ctx))
	s.sweeper.Start()
	var uploads sync.WaitGroup
	uploads.Go(func() {
		s.upload(context.WithoutCancel(ctx))
	})
	defer s.shutdown(ctx, &uploads)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-s.events.C():
			if !ok {
				return nil
			}
			// a consumed result is stored even when ctx ends meanwhile
			s.persist(context.WithoutCancel(ctx), e)
		}
	}
}

// Sweep evicts terminal runs and expired transient test objects now.
func (s *Service) Sweep(ctx context.Context) {
	s.sweeper.Sweep(ctx)
}

func (s *Service) shutdown(ctx context.Context, uploads *sync.WaitGroup) {
	ctx = context.WithoutCancel(ctx)

	// workers publishing results must not wait for a reader forever
	persisted := make(chan struct{})
	go func() {
		defer close(persisted)
		for e := range s.events.C() {
			s.persist(ctx, e)
		}
	}()

	stopCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.pool.Stop(stopCtx); err != nil {
		slog.ErrorContext(ctx, "stopping worker pool has failed", "error", err)
	}

	// all runs are terminal now, no more events are published
	s.events.Close()
	<-persisted
	s.uploads.Close()
	uploads.Wait()

	_ = report.Close(ctx, s.uploaders)
	if err := s.sweeper.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	slog.DebugContext(ctx, "service stopped")
}

// persist stores the final result of a run.
func (s *Service) persist(ctx context.Context, e testrun.Event) {
	if e.Result == nil {
		return
	}
	res := *e.Result
	slog.InfoContext(ctx, "test run finished",
		"run_id", res.RunID,
		"state", res.State.String(),
		"completed", res.Completed,
		"max", res.Max,
	)

	finish := store.Finish{
		State:     res.State.String(),
		Completed: res.Completed,
		Max:       res.Max,
		Started:   res.Started,
		Finished:  res.Finished,
	}
	if res.Err != nil && res.State == testrun.Failed {
		reason := res.Err.Error()
		finish.FailureReason = &reason
	}
	err := store.FinishRun(ctx, s.db, res.RunID, finish)
	switch {
	case errors.Is(err, store.ErrNotFound):
		slog.DebugContext(ctx, "test run record deleted: not persisting", "run_id", res.RunID)
	case err != nil:
		slog.ErrorContext(ctx, "persisting test run result failed", "run_id", res.RunID, "error", err)
	}
}

// upload exports final results until the uploads subscription is closed.
func (s *Service) upload(ctx context.Context) {
	for e := range s.uploads.C() {
		if e.Result == nil {
			continue
		}
		if err := report.Upload(ctx, s.uploaders, report.FromResult(*e.Result)); err != nil {
			slog.ErrorContext(ctx, "upload failed", "run_id", e.RunID, "error", err)
		}
	}
}
