package daemon

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Purger deletes expired tokens.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Sweeper periodically removes expired session tokens.
type Sweeper struct {
	scheduler gocron.Scheduler
	logger    *zap.Logger
}

// NewSweeper schedules a purge every interval, starting immediately once
// Start is called.
func NewSweeper(tokens Purger, interval time.Duration, clock clockwork.Clock, logger *zap.Logger) (*Sweeper, error) {
	logger = logger.With(zap.String("component", "sweeper"))
	s, err := gocron.NewScheduler(
		gocron.WithClock(clock),
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, err
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			n, err := tokens.PurgeExpired(ctx)
			if err != nil {
				logger.Error("token sweep failed", zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("expired tokens removed", zap.Int64("count", n))
			}
		}),
		gocron.WithName("token-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, err
	}
	return &Sweeper{scheduler: s, logger: logger}, nil
}

// Start begins running the sweep.
func (s *Sweeper) Start() {
	s.scheduler.Start()
	s.logger.Info("token sweep scheduled")
}

// Stop shuts the scheduler down, waiting for a running sweep.
func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}
