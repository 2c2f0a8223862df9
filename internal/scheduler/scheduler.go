// Package scheduler runs the store's periodic housekeeping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"messenger/internal/logging"
)

const (
	JobExpireClientTokens = "expire-client-tokens"
	JobMaintainStore      = "maintain-store"
)

// Store is the housekeeping surface of db.Store.
type Store interface {
	ExpireClientTokens(ctx context.Context, before time.Time) (int64, error)
	Maintain(ctx context.Context) error
}

type Options struct {
	Interval time.Duration
	// TokenTTL is how long a client token stays usable for deduplication.
	TokenTTL time.Duration
	// JobTimeout bounds a single run.
	JobTimeout time.Duration
}

type Scheduler struct {
	s      gocron.Scheduler
	store  Store
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, opts Options, logger *zap.Logger) (*Scheduler, error) {
	if opts.Interval <= 0 {
		return nil, errors.New("scheduler interval must be positive")
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = opts.Interval
	}

	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(logging.NewGocronLogger(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	sch := &Scheduler{s: s, store: store, opts: opts, logger: logger.Named("scheduler"), now: time.Now}

	jobs := []struct {
		name string
		run  func(context.Context) error
	}{
		{name: JobExpireClientTokens, run: sch.expireClientTokens},
		{name: JobMaintainStore, run: sch.store.Maintain},
	}
	for _, job := range jobs {
		if err := sch.add(job.name, job.run); err != nil {
			_ = s.Shutdown()
			return nil, err
		}
	}
	return sch, nil
}

func (s *Scheduler) add(name string, run func(context.Context) error) error {
	_, err := s.s.NewJob(
		gocron.DurationJob(s.opts.Interval),
		gocron.NewTask(func() { s.runJob(name, run) }),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", name, err)
	}
	s.logger.Info("job scheduled", zap.String("name", name), zap.Duration("interval", s.opts.Interval))
	return nil
}

func (s *Scheduler) runJob(name string, run func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.JobTimeout)
	defer cancel()

	start := time.Now()
	if err := run(ctx); err != nil {
		s.logger.Error("job failed", zap.String("name", name), zap.Error(err))
		return
	}
	s.logger.Debug("job finished", zap.String("name", name), zap.Duration("took", time.Since(start)))
}

func (s *Scheduler) expireClientTokens(ctx context.Context) error {
	n, err := s.store.ExpireClientTokens(ctx, s.now().Add(-s.opts.TokenTTL))
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("expired client tokens", zap.Int64("count", n))
	}
	return nil
}

func (s *Scheduler) Start() {
	s.s.Start()
}

// RunOnce runs every job immediately on the caller's goroutine.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if err := s.expireClientTokens(ctx); err != nil {
		return fmt.Errorf("%s: %w", JobExpireClientTokens, err)
	}
	if err := s.store.Maintain(ctx); err != nil {
		return fmt.Errorf("%s: %w", JobMaintainStore, err)
	}
	return nil
}

// Stop waits for running jobs and stops the scheduler.
func (s *Scheduler) Stop() error {
	if err := s.s.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}
