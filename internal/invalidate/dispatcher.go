// Package invalidate runs tag invalidations off the caller's path, with a
// bounded queue and retries.
package invalidate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wudi/tagcache/internal/config"
	"github.com/wudi/tagcache/internal/logging"
)

var (
	// ErrQueueFull is delivered when a task is rejected because the queue is full.
	ErrQueueFull = errors.New("invalidation queue full")
	// ErrClosed is delivered for tasks submitted after Close.
	ErrClosed = errors.New("invalidation dispatcher closed")
)

// Invalidator performs a single invalidation attempt.
type Invalidator interface {
	TryInvalidateByTags(ctx context.Context, tags []string) (int, error)
}

// Result is the outcome of one submitted task.
type Result struct {
	Tags        []string
	Invalidated int
	Attempts    int
	Err         error
}

// DropRecorder receives queue-full rejections, e.g. a metrics collector.
type DropRecorder interface {
	RecordQueueDropped()
}

type task struct {
	tags   []string
	result chan Result
}

// Dispatcher executes invalidations on a pool of workers.
type Dispatcher struct {
	target  Invalidator
	cfg     config.InvalidationConfig
	queue   chan *task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex // guards closed against concurrent Submit
	closed  bool
	metrics *Metrics
	drops   DropRecorder
	log     *zap.Logger
}

// NewDispatcher creates a dispatcher and starts its workers.
func NewDispatcher(target Invalidator, cfg config.InvalidationConfig, drops DropRecorder) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		target:  target,
		cfg:     cfg,
		queue:   make(chan *task, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		metrics: &Metrics{},
		drops:   drops,
		log:     logging.With(zap.String("component", "invalidate")),
	}

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Submit queues an invalidation of tags. It never blocks: when the queue is
// full or the dispatcher is closed the returned channel already holds the
// error. The channel receives exactly one Result.
func (d *Dispatcher) Submit(tags []string) <-chan Result {
	t := &task{tags: tags, result: make(chan Result, 1)}
	d.metrics.TotalSubmitted.Add(1)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.metrics.TotalDropped.Add(1)
		t.result <- Result{Tags: tags, Err: ErrClosed}
		return t.result
	}

	select {
	case d.queue <- t:
	default:
		d.metrics.TotalDropped.Add(1)
		if d.drops != nil {
			d.drops.RecordQueueDropped()
		}
		d.log.Warn("invalidation dropped, queue full", zap.Strings("tags", tags))
		t.result <- Result{Tags: tags, Err: ErrQueueFull}
	}
	return t.result
}

// Close stops accepting tasks and waits until queued tasks are processed.
// Retries still pending when ctx ends are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats returns a snapshot of dispatcher state and metrics.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Workers:   d.cfg.Workers,
		QueueSize: d.cfg.QueueSize,
		QueueUsed: len(d.queue),
		Metrics:   d.metrics.Snapshot(),
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for t := range d.queue {
		r := d.run(t.tags)
		t.result <- r
	}
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.Backoff
	bo.MaxInterval = d.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(d.cfg.MaxRetries)), d.ctx)
}

// run invalidates tags, retrying with exponential backoff.
func (d *Dispatcher) run(tags []string) Result {
	r := Result{Tags: tags}
	op := func() error {
		r.Attempts++
		n, err := d.target.TryInvalidateByTags(d.ctx, tags)
		if err != nil {
			return err
		}
		r.Invalidated = n
		return nil
	}
	notify := func(err error, wait time.Duration) {
		d.metrics.TotalRetries.Add(1)
		d.log.Debug("retrying invalidation",
			zap.Strings("tags", tags),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, d.newBackOff(), notify); err != nil {
		r.Err = err
		d.metrics.TotalFailed.Add(1)
		d.log.Warn("invalidation failed",
			zap.Strings("tags", tags),
			zap.Int("attempts", r.Attempts),
			zap.Error(err),
		)
		return r
	}

	d.metrics.TotalCompleted.Add(1)
	d.metrics.TotalInvalidated.Add(int64(r.Invalidated))
	d.log.Debug("invalidation completed",
		zap.Strings("tags", tags),
		zap.Int("invalidated", r.Invalidated),
		zap.Int("attempts", r.Attempts),
	)
	return r
}
