package feeds

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultInterval is the feed pass interval when none is configured.
const DefaultInterval = time.Hour

// Scheduler runs IngestAndStream on a fixed interval.
type Scheduler struct {
	service  *Service
	interval time.Duration
	logger   *zap.Logger
	cron     *cron.Cron
}

// NewScheduler registers the feed pass with an "@every" cron schedule.
// Overlapping runs are skipped.
func NewScheduler(service *Service, interval time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger = logger.With(zap.String("component", "feed_scheduler"))

	cl := cronLogger{logger: logger}
	s := &Scheduler{
		service:  service,
		interval: interval,
		logger:   logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	schedule := fmt.Sprintf("@every %s", interval)
	if _, err := s.cron.AddFunc(schedule, s.runOnce); err != nil {
		return nil, fmt.Errorf("scheduling feed pass %q: %w", schedule, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for an
// in-flight pass to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Feed scheduler started", zap.Duration("interval", s.interval))
	s.cron.Start()

	<-ctx.Done()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Feed scheduler stopped")
	return nil
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()
	s.service.IngestAndStream(ctx)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("cron", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("cron", keysAndValues))
}
