package games

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"casino-table-engine/internal/fairness"
	"casino-table-engine/internal/ledger"
	"casino-table-engine/internal/models"
	"casino-table-engine/internal/services"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type testEnv struct {
	mr     *miniredis.Miniredis
	redis  *services.RedisService
	ledger *ledger.SQLLedger
	clock  *fakeClock
	deps   services.Deps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rs := services.NewRedisServiceFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rs.Close() })

	dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db") + "?_txlock=immediate&_busy_timeout=5000"
	l, err := ledger.Open(dsn, 1000, "treasury", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return &testEnv{
		mr:     mr,
		redis:  rs,
		ledger: l,
		clock:  clock,
		deps: services.Deps{
			Redis:  rs,
			Locks:  services.NewLockManager(rs, zap.NewNop()),
			Ledger: l,
			Seeds:  fairness.NewGenerator(nil, 0, zap.NewNop()),
			Logger: zap.NewNop(),
			Clock:  clock.Now,
		},
	}
}

func tableConfig(game models.GameType, mutate func(cfg *models.TableConfig)) models.TableConfig {
	cfg := models.TableConfig{
		ID:       models.GenerateTableID(game),
		GameType: game,
		MinBet:   10,
		MaxBet:   500,
		MaxSeats: 4,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return cfg
}

func (e *testEnv) engine(t *testing.T, game models.GameType, mutate func(cfg *models.TableConfig)) GameEngine {
	t.Helper()
	g, err := New(context.Background(), tableConfig(game, mutate), e.deps)
	require.NoError(t, err)
	return g
}

func (e *testEnv) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

// seatAndBet seats userID at seat and places amount.
func seatAndBet(t *testing.T, g GameEngine, userID string, seat int, amount int64) {
	t.Helper()
	ctx := context.Background()
	ok, _, err := g.AddPlayer(ctx, userID, seat)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = g.PlaceBet(ctx, userID, seat, amount)
	require.NoError(t, err)
}

func requirePhase(t *testing.T, g GameEngine, want models.Phase) {
	t.Helper()
	snap, err := g.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, snap.Phase)
}

func card(s string) models.Card {
	ranks := map[byte]models.Rank{'T': 10, 'J': models.Jack, 'Q': models.Queen, 'K': models.King, 'A': models.Ace}
	r, ok := ranks[s[0]]
	if !ok {
		r = models.Rank(s[0] - '0')
	}
	return models.Card{Rank: r, Suit: models.Suit(s[1:])}
}

func cards(ss ...string) []models.Card {
	out := make([]models.Card, len(ss))
	for i, s := range ss {
		out[i] = card(s)
	}
	return out
}

func hasEffect(effects []models.Effect, typ models.EventType) bool {
	for _, e := range effects {
		if e.Type == typ {
			return true
		}
	}
	return false
}
