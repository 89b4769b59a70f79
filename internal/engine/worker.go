package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"sceneforge/internal/domain"
	"sceneforge/internal/queue"
	"sceneforge/internal/steps"
)

// Worker polls the queue and advances iterations one claimed task at a time.
// Several workers may run against the same database; the lease and the
// ledger compare-and-swap keep them from double-applying a step.
type Worker struct {
	Engine        Engine
	ID            string
	PollInterval  time.Duration
	LeaseSeconds  int
	MaxDeliveries int
	Logger        *log.Logger
}

func NewWorker(e Engine) *Worker {
	return &Worker{
		Engine:        e,
		ID:            "worker-" + uuid.New().String()[:8],
		PollInterval:  500 * time.Millisecond,
		LeaseSeconds:  e.Config.Pipeline.LeaseSeconds,
		MaxDeliveries: e.Config.Pipeline.MaxDeliveries,
		Logger:        log.Default(),
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		task, err := w.Engine.Queue.Claim(ctx, w.ID, w.LeaseSeconds)
		if errors.Is(err, queue.ErrEmpty) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.PollInterval):
				continue
			}
		}
		if err != nil {
			return err
		}
		w.processOne(ctx, task)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Drain processes tasks until the queue is empty, then returns. Used by the
// CLI drain command and by tests that want a run driven to completion.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		task, err := w.Engine.Queue.Claim(ctx, w.ID, w.LeaseSeconds)
		if errors.Is(err, queue.ErrEmpty) {
			return nil
		}
		if err != nil {
			return err
		}
		w.processOne(ctx, task)
	}
}

// processOne runs the step and classifies the outcome. Stale transitions and
// lost leases mean another delivery of the same work already won; those are
// dropped without noise. Permanent errors and exhausted delivery budgets
// fail the run; everything else goes back to the queue.
func (w *Worker) processOne(ctx context.Context, task domain.Task) {
	renewCtx, stopRenew := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.renewLoop(renewCtx, task.ID)
	}()

	err := w.Engine.Advance(ctx, task, w.ID)
	stopRenew()
	<-done

	switch {
	case err == nil:
	case errors.Is(err, ErrStaleTransition), errors.Is(err, queue.ErrLeaseLost):
		// Lost a redelivery race; the winning delivery owns the result.
	case !steps.IsTransient(err):
		w.logf("task %s step %s permanent failure: %v", task.ID, task.Step, err)
		if ferr := w.Engine.FailRun(ctx, task, w.ID, err); ferr != nil && !errors.Is(ferr, queue.ErrLeaseLost) {
			w.logf("task %s fail: %v", task.ID, ferr)
		}
	case task.Deliveries >= w.MaxDeliveries:
		w.logf("task %s step %s failed %d deliveries, aborting run: %v", task.ID, task.Step, task.Deliveries, err)
		if ferr := w.Engine.FailRun(ctx, task, w.ID, err); ferr != nil && !errors.Is(ferr, queue.ErrLeaseLost) {
			w.logf("task %s fail: %v", task.ID, ferr)
		}
	default:
		w.logf("task %s step %s transient failure (delivery %d): %v", task.ID, task.Step, task.Deliveries, err)
		if rerr := w.Engine.Queue.Release(ctx, task.ID, w.ID, err.Error()); rerr != nil && !errors.Is(rerr, queue.ErrLeaseLost) {
			w.logf("task %s release: %v", task.ID, rerr)
		}
	}
}

// renewLoop extends the lease at half its duration while the step runs, so
// slow generator backends do not trip redelivery.
func (w *Worker) renewLoop(ctx context.Context, taskID string) {
	interval := time.Duration(w.LeaseSeconds) * time.Second / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Engine.Queue.Renew(ctx, taskID, w.ID, w.LeaseSeconds); err != nil {
				return
			}
		}
	}
}

func (w *Worker) logf(format string, args ...any) {
	if w.Logger != nil {
		w.Logger.Printf(format, args...)
	}
}

// Pool runs n workers against one engine until ctx is cancelled.
type Pool struct {
	Engine Engine
	Size   int
	Logger *log.Logger
}

func (p Pool) Run(ctx context.Context) error {
	n := p.Size
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		w := NewWorker(p.Engine)
		if p.Logger != nil {
			w.Logger = p.Logger
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}
