package referrals

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const (
	// DefaultReconcileInterval spaces scheduled count repairs.
	DefaultReconcileInterval = 15 * time.Minute
	reconcileRunTimeout      = time.Minute
)

var errMissingCoordinator = errors.New("coordinator is required")

// ReconcilerConfig describes the scheduled count repair job.
type ReconcilerConfig struct {
	Coordinator *Coordinator
	Interval    time.Duration
	Logger      *zap.Logger
}

// Reconciler periodically raises referral counts that fell behind the ledger, e.g. rows written
// before edge insertion and counting were made atomic.
type Reconciler struct {
	coordinator *Coordinator
	scheduler   gocron.Scheduler
	interval    time.Duration
	logger      *zap.Logger
}

func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	reconciler := &Reconciler{
		coordinator: cfg.Coordinator,
		scheduler:   scheduler,
		interval:    interval,
		logger:      logger,
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(reconciler.runScheduled),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, err
	}
	return reconciler, nil
}

// Start begins running the job every interval.
func (r *Reconciler) Start() {
	r.logger.Info("referral count reconciler starting", zap.Duration("interval", r.interval))
	r.scheduler.Start()
}

// Stop waits for a running job to finish and stops the scheduler.
func (r *Reconciler) Stop() error {
	return r.scheduler.Shutdown()
}

// RunOnce performs a single repair pass.
func (r *Reconciler) RunOnce(ctx context.Context) (int64, error) {
	return r.coordinator.Reconcile(ctx)
}

func (r *Reconciler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileRunTimeout)
	defer cancel()
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Warn("scheduled referral count reconcile failed", zap.Error(err))
	}
}
