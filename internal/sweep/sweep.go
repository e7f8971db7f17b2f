// Package sweep settles pending donations whose confirmations never arrived.
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"demosplus/internal/model"
	"demosplus/internal/service"
)

type Source interface {
	StalePending(ctx context.Context, before time.Time, limit int) ([]model.Candidate, error)
}

type Backfiller interface {
	Backfill(ctx context.Context, cand model.Candidate, expireBefore time.Time) (service.Result, error)
}

type Config struct {
	// Interval between periodic runs. Zero disables Run.
	Interval time.Duration
	// OlderThan selects donations created before now minus OlderThan.
	OlderThan time.Duration
	// ExpireAfter is the age at which an unpaid donation is rejected.
	ExpireAfter time.Duration
	Batch       int
	Workers     int
}

type Report struct {
	Scanned  int
	Applied  int
	Expired  int
	Pending  int
	Rejected int
	Failed   int
}

type Sweeper struct {
	src     Source
	settler Backfiller
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

func New(src Source, settler Backfiller, cfg Config, log *slog.Logger) *Sweeper {
	if cfg.OlderThan <= 0 {
		cfg.OlderThan = 2 * time.Hour
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = 72 * time.Hour
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Sweeper{src: src, settler: settler, cfg: cfg, log: log, now: time.Now}
}

// RunOnce loads one batch of stale donations and settles them on the worker pool.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	now := s.now()
	cands, err := s.src.StalePending(ctx, now.Add(-s.cfg.OlderThan), s.cfg.Batch)
	if err != nil {
		return Report{}, err
	}

	var (
		mu  sync.Mutex
		rep = Report{Scanned: len(cands)}
	)
	pool := NewWorkerPool(ctx, s.cfg.Workers, func(ctx context.Context, task Task) {
		res, err := s.settler.Backfill(ctx, task.Candidate, task.ExpireBefore)

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			rep.Failed++
			s.log.Warn("Failed to settle stale donation", "donation_id", task.Candidate.Donation.ID, "error", err)
			return
		}
		switch res.Outcome {
		case service.OutcomeApplied:
			rep.Applied++
		case service.OutcomeExpired:
			rep.Expired++
		case service.OutcomeProviderPending:
			rep.Pending++
		case service.OutcomeProviderRejected:
			rep.Rejected++
		}
	})
	pool.Start()

	expireBefore := now.Add(-s.cfg.ExpireAfter)
	for _, c := range cands {
		if !pool.AddTask(Task{Candidate: c, ExpireBefore: expireBefore}) {
			break
		}
	}
	pool.Wait()
	pool.Stop()

	s.log.Info("Sweep finished",
		"scanned", rep.Scanned,
		"applied", rep.Applied,
		"expired", rep.Expired,
		"pending", rep.Pending,
		"failed", rep.Failed,
	)
	return rep, ctx.Err()
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("Sweep failed", "error", err)
			}
		}
	}
}
