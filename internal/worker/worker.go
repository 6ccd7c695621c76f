// Package worker runs the polling loop that fires due schedules.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tbsched/tbs/internal/dispatch"
	"github.com/tbsched/tbs/internal/schedules"
)

// Store is the slice of the schedule store the worker needs.
type Store interface {
	PeekDue(ctx context.Context, batch int, now time.Time) ([]string, error)
	Claim(ctx context.Context, ids []string, leaseUntil, now time.Time) ([]schedules.ClaimedRow, error)
	GetByID(ctx context.Context, id string) (*schedules.Schedule, error)
	RecordOutcome(ctx context.Context, id string, o schedules.Outcome) error
}

// Firer delivers one claimed schedule to the upstream API.
type Firer interface {
	Fire(ctx context.Context, row schedules.ClaimedRow) dispatch.Result
}

// Config holds runtime parameters for the worker.
type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	LeaseDuration time.Duration
	MaxConcurrent int64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:  30 * time.Second,
		BatchSize:     200,
		LeaseDuration: 120 * time.Second,
		MaxConcurrent: 100,
	}
}

// Worker polls for due schedules, leases them, and fans out dispatches
// under a concurrency cap. A single Worker goroutine owns the tick loop;
// multiple process instances coordinate through row leases alone.
type Worker struct {
	store  Store
	firer  Firer
	logger *slog.Logger
	cfg    Config
	sem    *semaphore.Weighted
	now    func() time.Time // injectable for tests

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Worker.
func New(store Store, firer Firer, logger *slog.Logger, cfg Config) *Worker {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	return &Worker{
		store:  store,
		firer:  firer,
		logger: logger,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		now:    time.Now,
	}
}

// Start launches the tick loop.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("worker started",
		"poll_interval", w.cfg.PollInterval,
		"batch_size", w.cfg.BatchSize,
		"lease", w.cfg.LeaseDuration,
		"max_concurrent", w.cfg.MaxConcurrent,
	)
}

// Stop signals the loop to stop and waits for the in-progress tick to
// finish, including its writebacks.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		start := w.now()
		w.tick(ctx)

		// A slow tick eats into the next sleep rather than shifting the
		// whole cadence.
		sleep := w.cfg.PollInterval - w.now().Sub(start)
		if sleep < 0 {
			sleep = 0
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	now := w.now().UTC()

	ids, err := w.store.PeekDue(ctx, w.cfg.BatchSize, now)
	if err != nil {
		if ctx.Err() != nil {
			return // shutting down
		}
		w.logger.Error("failed to peek due schedules", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	claimed, err := w.store.Claim(ctx, ids, now.Add(w.cfg.LeaseDuration), now)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("failed to claim schedules", "error", err)
		return
	}
	if len(claimed) == 0 {
		return // another instance got there first
	}
	w.logger.Debug("claimed schedules", "count", len(claimed))

	var fires sync.WaitGroup
	for _, row := range claimed {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			break // shutting down; unfired leases expire on their own
		}
		fires.Add(1)
		go func(row schedules.ClaimedRow) {
			defer fires.Done()
			defer w.sem.Release(1)
			w.fireOne(row, now)
		}(row)
	}
	fires.Wait()
}

// fireOne dispatches a single claimed schedule and writes the outcome
// back. It runs on its own context so in-flight fires can finish their
// writebacks during graceful shutdown; the lease duration bounds total
// execution either way.
func (w *Worker) fireOne(row schedules.ClaimedRow, tickNow time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.LeaseDuration)
	defer cancel()

	res := w.firer.Fire(ctx, row)

	out := schedules.Outcome{
		FiredAt:    tickNow,
		StatusCode: res.StatusCode,
		Error:      res.ErrText,
	}
	if row.Type == schedules.TypeOnce {
		// One-shot schedules retire after a fire, successful or not.
		out.Active = false
	} else {
		sched, err := w.store.GetByID(ctx, row.ID)
		if err != nil {
			// Deleted mid-flight; nothing to write back to.
			w.logger.Warn("schedule vanished during fire",
				"schedule_id", row.ID, "error", err)
			return
		}
		out.Active = sched.Active
		out.NextRunAt = schedules.NextRunAt(sched, w.now().UTC())
	}

	if err := w.store.RecordOutcome(ctx, row.ID, out); err != nil {
		w.logger.Error("failed to record fire outcome",
			"schedule_id", row.ID, "error", err)
		return
	}

	if res.ErrText != nil {
		w.logger.Warn("schedule fire failed",
			"schedule_id", row.ID, "type", row.Type, "error", *res.ErrText)
	} else {
		w.logger.Info("schedule fired",
			"schedule_id", row.ID, "type", row.Type, "status", derefStatus(res.StatusCode))
	}
}

func derefStatus(code *int) int {
	if code == nil {
		return 0
	}
	return *code
}
