package games

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"casino-table-engine/internal/models"

	"github.com/stretchr/testify/require"
)

func TestRegistryCreateAndGet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := NewRegistry(env.deps)

	cfg := tableConfig(models.GameTypeBlackjack, func(cfg *models.TableConfig) { cfg.ID = "" })
	g, err := reg.Create(ctx, cfg)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(g.TableID(), string(models.GameTypeBlackjack)))

	_, err = reg.Create(ctx, models.TableConfig{GameType: "roulette", MinBet: 1, MaxBet: 1, MaxSeats: 1})
	require.ErrorIs(t, err, models.ErrInvalidAction)

	// A second process sees the table through the stored config.
	other := NewRegistry(env.deps)
	got, err := other.Get(ctx, g.TableID())
	require.NoError(t, err)
	require.Equal(t, models.GameTypeBlackjack, got.GameType())
	require.Equal(t, g.Config(), got.Config())

	_, err = other.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrTableNotFound)

	_, err = reg.Create(ctx, tableConfig(models.GameTypeBingo, nil))
	require.NoError(t, err)
	configs, err := other.List(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 2)

	require.Empty(t, NewRegistry(env.deps).Local())
	fresh := NewRegistry(env.deps)
	require.NoError(t, fresh.LoadAll(ctx))
	require.Len(t, fresh.Local(), 2)
}

func TestRegistryEvict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := NewRegistry(env.deps)

	g, err := reg.Create(ctx, tableConfig(models.GameTypeHighCard, nil))
	require.NoError(t, err)
	ok, _, err := g.AddPlayer(ctx, "alice", 0)
	require.NoError(t, err)
	require.True(t, ok)

	err = reg.Evict(ctx, g.TableID())
	require.ErrorIs(t, err, models.ErrInvalidState)

	_, err = g.RemovePlayer(ctx, "alice", 0)
	require.NoError(t, err)
	require.NoError(t, reg.Evict(ctx, g.TableID()))

	_, err = reg.Get(ctx, g.TableID())
	require.ErrorIs(t, err, ErrTableNotFound)
	require.Empty(t, reg.Local())
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	effects map[string][]models.Effect
}

func (b *recordingBroadcaster) Publish(_ context.Context, tableID string, effects []models.Effect) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.effects == nil {
		b.effects = map[string][]models.Effect{}
	}
	b.effects[tableID] = append(b.effects[tableID], effects...)
	return nil
}

func TestSchedulerDrivesTables(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := NewRegistry(env.deps)

	g, err := reg.Create(ctx, tableConfig(models.GameTypeHighCard, func(cfg *models.TableConfig) {
		cfg.AutoStartDelay = 2 * time.Second
	}))
	require.NoError(t, err)
	idle, err := reg.Create(ctx, tableConfig(models.GameTypeLetItRide, nil))
	require.NoError(t, err)
	seatAndBet(t, g, "alice", 0, 100)

	rec := &recordingBroadcaster{}
	s := NewScheduler(reg, rec, time.Second, env.deps.Logger)
	s.clock = env.clock.Now

	s.TickOnce(ctx)
	require.Empty(t, rec.effects)

	env.clock.Advance(2 * time.Second)
	s.TickOnce(ctx)
	require.True(t, hasEffect(rec.effects[g.TableID()], models.EventCardsDealt))

	s.TickOnce(ctx)
	require.True(t, hasEffect(rec.effects[g.TableID()], models.EventHandResolved))
	require.Empty(t, rec.effects[idle.TableID()])
	requirePhase(t, g, models.PhasePlacingBets)
}

func TestSchedulerForgetsTablesEvictedElsewhere(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := NewRegistry(env.deps)

	g, err := reg.Create(ctx, tableConfig(models.GameTypeBingo, nil))
	require.NoError(t, err)
	require.NotZero(t, g.Config().CreatedAt)

	other := NewRegistry(env.deps)
	_, err = other.Get(ctx, g.TableID())
	require.NoError(t, err)
	require.NoError(t, reg.Evict(ctx, g.TableID()))

	s := NewScheduler(other, &recordingBroadcaster{}, time.Second, env.deps.Logger)
	s.clock = env.clock.Now
	require.Len(t, other.Local(), 1)
	s.TickOnce(ctx)
	require.Empty(t, other.Local())
}

func TestSchedulerRunStops(t *testing.T) {
	env := newTestEnv(t)
	s := NewScheduler(NewRegistry(env.deps), &recordingBroadcaster{}, 10*time.Millisecond, env.deps.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
}
