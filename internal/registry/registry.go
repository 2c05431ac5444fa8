// Package registry is a bounded worker pool with a concurrent membership map
// of the tasks it executes.
//
// Submitted tasks wait in a bounded FIFO queue until one of a fixed number of
// workers picks them. A task stays a member of the registry after it
// finishes, so clients can read its final state, until RemoveDone or Release
// evicts it.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/etf-validator/etfd/internal/log"
	"github.com/etf-validator/etfd/internal/model"
)

const tracerName = "github.com/etf-validator/etfd/internal/registry"

var (
	ErrDuplicate = errors.New("task already registered")
	ErrCapacity  = fmt.Errorf("task queue is full: %w", model.ErrCapacity)
	ErrStopped   = fmt.Errorf("pool stopped: %w", model.ErrUnavailable)
	ErrNotFound  = fmt.Errorf("task %w", model.ErrNotFound)
)

// Task is a unit of work executed by the pool.
type Task interface {
	ID() string
	// Terminal reports whether the task finished and can be evicted.
	Terminal() bool
	Execute(ctx context.Context) error
	// Cancel asks the task to stop. It must not block.
	Cancel()
}

type config struct {
	size   int
	queue  int
	tracer trace.Tracer
}

type Option func(*config)

// WithSize sets the number of workers, values < 1 mean runtime.NumCPU().
func WithSize(n int) Option {
	return func(c *config) { c.size = n }
}

// WithQueue sets the number of tasks waiting for a worker, values < 1 mean
// the number of workers.
func WithQueue(n int) Option {
	return func(c *config) { c.queue = n }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *config) { c.tracer = t }
}

type Pool[T Task] struct {
	size   int
	tracer trace.Tracer

	members sync.Map // id -> T
	queue   chan T
	running atomic.Int32

	mx       sync.RWMutex
	started  bool
	stopped  bool
	stopping atomic.Bool
	cancel   context.CancelFunc
	g        *errgroup.Group
}

func New[T Task](opts ...Option) *Pool[T] {
	c := config{}
	for _, opt := range opts {
		opt(&c)
	}
	if c.size < 1 {
		c.size = runtime.NumCPU()
	}
	if c.queue < 1 {
		c.queue = c.size
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	return &Pool[T]{
		size:   c.size,
		tracer: c.tracer,
		queue:  make(chan T, c.queue),
	}
}

// Size returns the number of workers.
func (p *Pool[T]) Size() int {
	return p.size
}

// Start launches the workers and returns immediately. Workers stop once
// Stop is called or ctx is canceled, both stop the pool for good.
func (p *Pool[T]) Start(ctx context.Context) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.g, ctx = errgroup.WithContext(ctx)
	slog.InfoContext(ctx, "worker pool starting", "size", p.size, "queue", cap(p.queue))
	for range p.size {
		p.g.Go(func() error {
			p.work(ctx)
			return nil
		})
	}
}

// Stop stops accepting new tasks, cancels the queued ones and waits for
// workers. Active tasks are canceled when ctx is done.
func (p *Pool[T]) Stop(ctx context.Context) error {
	p.close()
	p.mx.RLock()
	started := p.started
	p.mx.RUnlock()

	if !started {
		return nil
	}
	slog.InfoContext(ctx, "worker pool stopping")
	done := make(chan struct{})
	go func() {
		_ = p.g.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.InfoContext(ctx, "worker pool stopped gracefully")
	case <-ctx.Done():
		slog.WarnContext(ctx, "worker pool shutdown timed out, cancelling active tasks")
		p.cancel()
		<-done
	}
	p.cancel()
	return nil
}

// Submit registers the task and queues it for execution. It never blocks.
func (p *Pool[T]) Submit(t T) (string, error) {
	p.mx.RLock()
	defer p.mx.RUnlock()
	if p.stopped {
		return "", ErrStopped
	}
	id := t.ID()
	if _, loaded := p.members.LoadOrStore(id, t); loaded {
		return "", fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	select {
	case p.queue <- t:
		return id, nil
	default:
		p.members.CompareAndDelete(id, t)
		return "", ErrCapacity
	}
}

// Cancel asks a task to stop, the task remains registered.
func (p *Pool[T]) Cancel(id string) error {
	t, err := p.Get(id)
	if err != nil {
		return err
	}
	t.Cancel()
	return nil
}

func (p *Pool[T]) Get(id string) (T, error) {
	v, ok := p.members.Load(id)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return v.(T), nil
}

func (p *Pool[T]) Contains(id string) bool {
	_, ok := p.members.Load(id)
	return ok
}

// List returns a snapshot of the registered tasks sorted by id.
func (p *Pool[T]) List() []T {
	var ret []T
	p.members.Range(func(_, v any) bool {
		ret = append(ret, v.(T))
		return true
	})
	slices.SortFunc(ret, func(a, b T) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	return ret
}

// Len returns the number of registered tasks.
func (p *Pool[T]) Len() int {
	var n int
	p.members.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// RemoveDone evicts all terminal tasks and returns their number.
func (p *Pool[T]) RemoveDone() int {
	var n int
	p.members.Range(func(k, v any) bool {
		if v.(T).Terminal() && p.members.CompareAndDelete(k, v) {
			n++
		}
		return true
	})
	return n
}

// Release evicts a task regardless of its state. It returns true only for
// the caller which actually removed it.
func (p *Pool[T]) Release(id string) bool {
	_, loaded := p.members.LoadAndDelete(id)
	return loaded
}

// Running returns the number of tasks executed at the moment.
func (p *Pool[T]) Running() int {
	return int(p.running.Load())
}

// close stops accepting new tasks.
func (p *Pool[T]) close() {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	p.stopping.Store(true)
	close(p.queue)
}

func (p *Pool[T]) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.close()
			p.drain()
			return
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			if p.stopping.Load() {
				t.Cancel()
			}
			p.execute(ctx, t)
		}
	}
}

// drain cancels the tasks left in a queue of a stopped pool, so they reach
// a terminal state.
func (p *Pool[T]) drain() {
	for t := range p.queue {
		t.Cancel()
		_ = t.Execute(context.Background())
	}
}

func (p *Pool[T]) execute(ctx context.Context, t T) {
	ctx = log.WithRun(ctx, t.ID())
	ctx, span := p.tracer.Start(ctx, "etfd.testrun.execute",
		trace.WithAttributes(
			attribute.String("etfd.testrun.id", t.ID()),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	p.running.Add(1)
	defer p.running.Add(-1)

	err := p.safeExecute(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.DebugContext(ctx, "task finished", "error", err)
		return
	}
	span.SetStatus(codes.Ok, "")
}

func (p *Pool[T]) safeExecute(ctx context.Context, t T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "task panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in task %s: %v", t.ID(), r)
		}
	}()
	return t.Execute(ctx)
}
