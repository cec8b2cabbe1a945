package signbot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"signbot/internal/metrics"
	"signbot/internal/model"
)

// Dispatcher errors.
var (
	ErrFeedTimeout = errors.New("no change received within the feed timeout")
	ErrFeedClosed  = errors.New("change feed closed")
)

// Runner runs the pipeline for one change.
type Runner interface {
	Run(ctx context.Context, ev model.ChangeEvent) Outcome
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Accepted  int64
	Rejected  int64
	Dropped   int64
	Signed    int64
	Notified  int64
	Skipped   int64
	Failed    int64
	InFlight  int64
	Paused    bool
	LastEvent time.Time
}

// Dispatcher reads changes from a feed and runs one pipeline per eligible
// change, up to a fixed number at a time.
type Dispatcher struct {
	runner  Runner
	sem     *semaphore.Weighted
	timeout time.Duration
	log     *slog.Logger

	wg        sync.WaitGroup
	paused    atomic.Bool
	lastEvent atomic.Int64

	accepted atomic.Int64
	rejected atomic.Int64
	dropped  atomic.Int64
	signed   atomic.Int64
	notified atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
	inFlight atomic.Int64
}

// NewDispatcher creates a Dispatcher running at most maxWorkers pipelines at
// once and failing when the feed is silent for longer than timeout.
func NewDispatcher(r Runner, maxWorkers int, timeout time.Duration, log *slog.Logger) *Dispatcher {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Dispatcher{
		runner:  r,
		sem:     semaphore.NewWeighted(int64(maxWorkers)),
		timeout: timeout,
		log:     log,
	}
}

// Run consumes events until ctx is cancelled, the feed closes or the feed
// stays silent past the timeout. It does not wait for running pipelines; use
// Wait for that.
func (d *Dispatcher) Run(ctx context.Context, events <-chan model.ChangeEvent) error {
	watchdog := time.NewTimer(d.timeout)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-watchdog.C:
			return ErrFeedTimeout
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrFeedClosed
			}
			watchdog.Reset(d.timeout)
			d.lastEvent.Store(time.Now().UnixNano())
			d.dispatch(ctx, ev)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev model.ChangeEvent) {
	if !Eligible(ev) {
		d.rejected.Add(1)
		metrics.Events.WithLabelValues("rejected").Inc()
		return
	}
	if d.paused.Load() {
		metrics.Events.WithLabelValues("paused").Inc()
		return
	}
	if !d.sem.TryAcquire(1) {
		d.dropped.Add(1)
		metrics.Events.WithLabelValues("dropped").Inc()
		d.log.Warn("all workers busy, dropping change", "page", ev.Title, "rev", ev.RevNew)
		return
	}
	d.accepted.Add(1)
	metrics.Events.WithLabelValues("accepted").Inc()

	d.wg.Add(1)
	d.inFlight.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		defer d.inFlight.Add(-1)
		d.record(d.runner.Run(ctx, ev))
	}()
}

func (d *Dispatcher) record(out Outcome) {
	switch out.State {
	case StateSigned:
		d.signed.Add(1)
	case StateFailed:
		d.failed.Add(1)
	default:
		d.skipped.Add(1)
	}
	if out.Notified {
		d.notified.Add(1)
	}
}

// Wait blocks until all started pipelines have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Pause makes the dispatcher ignore eligible changes until Resume.
func (d *Dispatcher) Pause() { d.paused.Store(true) }

// Resume undoes Pause.
func (d *Dispatcher) Resume() { d.paused.Store(false) }

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Accepted: d.accepted.Load(),
		Rejected: d.rejected.Load(),
		Dropped:  d.dropped.Load(),
		Signed:   d.signed.Load(),
		Notified: d.notified.Load(),
		Skipped:  d.skipped.Load(),
		Failed:   d.failed.Load(),
		InFlight: d.inFlight.Load(),
		Paused:   d.paused.Load(),
	}
	if ns := d.lastEvent.Load(); ns != 0 {
		s.LastEvent = time.Unix(0, ns)
	}
	return s
}
