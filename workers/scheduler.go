package workers

import (
	"context"
	"fmt"
	"time"

	"bounty-escrow-service/chain"
	"bounty-escrow-service/services"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Reconciler is what the background jobs drive.
type Reconciler interface {
	BackfillMissingContractIDs(ctx context.Context) (*services.BackfillReport, error)
	RefreshActive(ctx context.Context) (int, error)
	SweepExpired(ctx context.Context, signer *chain.LocalSigner) (*services.SweepReport, error)
}

type SchedulerConfig struct {
	BackfillInterval    time.Duration
	ExpirySweepInterval time.Duration
	JobTimeout          time.Duration
}

// Scheduler runs the periodic mirror jobs. The expiry sweep only runs when a
// service signer is configured.
type Scheduler struct {
	sched      gocron.Scheduler
	reconciler Reconciler
	signer     *chain.LocalSigner
	cfg        SchedulerConfig
	logger     *zap.Logger
	ctx        context.Context
}

func NewScheduler(reconciler Reconciler, signer *chain.LocalSigner, cfg SchedulerConfig, logger *zap.Logger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	return &Scheduler{
		sched:      sched,
		reconciler: reconciler,
		signer:     signer,
		cfg:        cfg,
		logger:     logger.Named("scheduler"),
		ctx:        context.Background(),
	}, nil
}

// Start registers the jobs and starts them. Jobs stop picking up work once
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx

	// a slow run is rescheduled instead of overlapping itself
	opts := func(name string) []gocron.JobOption {
		return []gocron.JobOption{
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		}
	}

	if _, err := s.sched.NewJob(
		gocron.DurationJob(s.cfg.BackfillInterval),
		gocron.NewTask(s.syncMirror),
		opts("mirror-sync")...,
	); err != nil {
		return fmt.Errorf("failed to schedule mirror sync: %w", err)
	}

	if s.signer != nil {
		if _, err := s.sched.NewJob(
			gocron.DurationJob(s.cfg.ExpirySweepInterval),
			gocron.NewTask(s.sweepExpired),
			opts("expiry-sweep")...,
		); err != nil {
			return fmt.Errorf("failed to schedule expiry sweep: %w", err)
		}
	} else {
		s.logger.Info("⏭️ no service signer configured, expiry sweep disabled")
	}

	s.sched.Start()
	s.logger.Info("⏰ scheduler started",
		zap.Duration("backfill_interval", s.cfg.BackfillInterval),
		zap.Duration("expiry_sweep_interval", s.cfg.ExpirySweepInterval))
	return nil
}

func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}

func (s *Scheduler) syncMirror() {
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()

	report, err := s.reconciler.BackfillMissingContractIDs(ctx)
	if err != nil {
		s.logger.Error("❌ backfill failed", zap.Error(err))
	} else if report.Missing > 0 {
		s.logger.Info("📥 backfill finished",
			zap.Int("missing", report.Missing),
			zap.Int("filled", report.Filled),
			zap.Int("unmatched", len(report.Unmatched)))
	}

	changed, err := s.reconciler.RefreshActive(ctx)
	if err != nil {
		s.logger.Error("❌ mirror refresh failed", zap.Error(err))
		return
	}
	if changed > 0 {
		s.logger.Info("✅ refreshed stale mirrors", zap.Int("changed", changed))
	}
}

func (s *Scheduler) sweepExpired() {
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()

	report, err := s.reconciler.SweepExpired(ctx, s.signer)
	if err != nil {
		s.logger.Error("❌ expiry sweep failed", zap.Error(err))
		return
	}
	if report.Expired > 0 {
		s.logger.Info("💸 expiry sweep finished",
			zap.Int("expired", report.Expired),
			zap.Int("refunded", report.Refunded),
			zap.Int("pending", report.Pending),
			zap.Int("failed", report.Failed))
	}
}
