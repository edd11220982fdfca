// Package monitor sweeps records that stopped moving: it polls the vendor
// tasks they wait on and restarts steps whose claim expired.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/adflow/adflow/pkg/metrics"
	"github.com/adflow/adflow/pkg/model"
	"github.com/adflow/adflow/pkg/workflow"
)

type Candidates interface {
	ListSweepCandidates(ctx context.Context, before time.Time, limit int) ([]model.WorkflowRecord, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, id uuid.UUID) (workflow.Outcome, error)
}

// Locker takes per-record soft locks so overlapping sweeps from several
// instances do not poll the same record twice.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, key, token string) error
}

type Options struct {
	// Debounce skips records processed more recently than this.
	Debounce      time.Duration
	BatchSize     int
	Concurrency   int
	RecordTimeout time.Duration
	LockTTL       time.Duration
}

type Report struct {
	Scanned   int `json:"scanned"`
	Advanced  int `json:"advanced"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

type Sweeper struct {
	records    Candidates
	reconciler Reconciler
	locker     Locker
	logger     *zap.Logger
	opts       Options
	now        func() time.Time
}

// NewSweeper builds a sweeper. locker may be nil.
func NewSweeper(records Candidates, reconciler Reconciler, locker Locker, opts Options, logger *zap.Logger) *Sweeper {
	if opts.Debounce <= 0 {
		opts.Debounce = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = 60 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * opts.RecordTimeout
	}
	return &Sweeper{
		records:    records,
		reconciler: reconciler,
		locker:     locker,
		logger:     logger,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Sweep runs one pass. Failures are isolated per record and counted in the
// report; only failing to list candidates returns an error.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	records, err := s.records.ListSweepCandidates(ctx, s.now().Add(-s.opts.Debounce), s.opts.BatchSize)
	if err != nil {
		return Report{}, err
	}

	var (
		mu     sync.Mutex
		report = Report{Scanned: len(records)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, rec := range records {
		id := rec.ID
		g.Go(func() error {
			outcome, err := s.sweepOne(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors++
				metrics.SweepRecords.WithLabelValues("error").Inc()
				s.logger.Warn("sweep record failed", zap.String("workflow_id", id.String()), zap.Error(err))
				return nil
			}
			metrics.SweepRecords.WithLabelValues(string(outcome)).Inc()
			switch outcome {
			case workflow.OutcomeAdvanced:
				report.Advanced++
			case workflow.OutcomeCompleted:
				report.Completed++
			case workflow.OutcomeFailed:
				report.Failed++
			case workflow.OutcomePending:
				report.Pending++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("advanced", report.Advanced),
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed),
		zap.Int("pending", report.Pending),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", report.Errors),
		zap.Duration("elapsed", time.Since(start)),
	)
	return report, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, id uuid.UUID) (workflow.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RecordTimeout)
	defer cancel()

	if s.locker != nil {
		key := "adflow:sweep:" + id.String()
		token, ok, err := s.locker.TryLock(ctx, key, s.opts.LockTTL)
		switch {
		case err != nil:
			// Proceed unlocked.
			s.logger.Debug("sweep lock unavailable", zap.String("workflow_id", id.String()), zap.Error(err))
		case !ok:
			return workflow.OutcomeSkipped, nil
		default:
			defer func() {
				if err := s.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
					s.logger.Debug("sweep unlock failed", zap.String("workflow_id", id.String()), zap.Error(err))
				}
			}()
		}
	}

	return s.reconciler.Reconcile(ctx, id)
}
