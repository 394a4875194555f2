package games

import (
	"context"
	"errors"
	"time"

	"casino-table-engine/internal/models"
	"casino-table-engine/internal/services"

	"go.uber.org/zap"
)

const defaultSchedulerInterval = 500 * time.Millisecond

// Scheduler drives the timed parts of every local table and publishes what
// they produce.
type Scheduler struct {
	registry    *Registry
	broadcaster services.Broadcaster
	interval    time.Duration
	logger      *zap.Logger
	clock       func() time.Time
}

func NewScheduler(registry *Registry, broadcaster services.Broadcaster, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultSchedulerInterval
	}
	return &Scheduler{
		registry:    registry,
		broadcaster: broadcaster,
		interval:    interval,
		logger:      logger.Named("scheduler"),
		clock:       time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.TickOnce(ctx)
		}
	}
}

// TickOnce gives every local Ticker one pass.
func (s *Scheduler) TickOnce(ctx context.Context) {
	now := s.clock()
	for _, engine := range s.registry.Local() {
		t, ok := engine.(Ticker)
		if !ok {
			continue
		}
		stored, err := s.registry.Stored(ctx, engine.TableID())
		if err != nil {
			s.logger.Warn("failed to check table", zap.String("table", engine.TableID()), zap.Error(err))
			continue
		}
		if !stored {
			s.logger.Info("table evicted elsewhere", zap.String("table", engine.TableID()))
			s.registry.Forget(engine.TableID())
			continue
		}
		effects, err := t.Tick(ctx, now)
		if err != nil {
			// Another process got there first, or the table moved on.
			if errors.Is(err, models.ErrInvalidState) || errors.Is(err, models.ErrSystemBusy) {
				s.logger.Debug("tick skipped", zap.String("table", engine.TableID()), zap.Error(err))
				continue
			}
			s.logger.Warn("tick failed", zap.String("table", engine.TableID()), zap.Error(err))
			continue
		}
		if len(effects) == 0 {
			continue
		}
		if err := s.broadcaster.Publish(ctx, engine.TableID(), effects); err != nil {
			s.logger.Warn("failed to publish effects", zap.String("table", engine.TableID()), zap.Error(err))
		}
	}
}
