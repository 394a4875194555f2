package services_test

import (
	"context"
	"path/filepath"
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

type testEnv struct {
	mr     *miniredis.Miniredis
	redis  *services.RedisService
	locks  *services.LockManager
	ledger *ledger.SQLLedger
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

	locks := services.NewLockManager(rs, zap.NewNop())
	return &testEnv{
		mr:     mr,
		redis:  rs,
		locks:  locks,
		ledger: l,
		deps: services.Deps{
			Redis:  rs,
			Locks:  locks,
			Ledger: l,
			Seeds:  fairness.NewGenerator(nil, 0, zap.NewNop()),
			Logger: zap.NewNop(),
		},
	}
}

func (e *testEnv) newBase(t *testing.T, mutate func(cfg *models.TableConfig)) *services.Base {
	t.Helper()
	cfg := models.TableConfig{
		ID:       models.GenerateTableID(models.GameTypeHighCard),
		GameType: models.GameTypeHighCard,
		MinBet:   10,
		MaxBet:   500,
		MaxSeats: 4,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := services.NewBase(context.Background(), cfg, e.deps)
	require.NoError(t, err)
	return b
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := env.redis.CheckRateLimit(ctx, "alice", "bet", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, err := env.redis.CheckRateLimit(ctx, "alice", "bet", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, allowed)

	// Other users and actions have their own counters.
	allowed, err = env.redis.CheckRateLimit(ctx, "bob", "bet", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)

	env.mr.FastForward(time.Minute + time.Second)
	allowed, err = env.redis.CheckRateLimit(ctx, "alice", "bet", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestTableConfigIndex(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cfg := models.TableConfig{ID: "bingo_1", GameType: models.GameTypeBingo, MinBet: 5, MaxBet: 5, MaxSeats: 10}
	require.NoError(t, env.redis.SaveTableConfig(ctx, cfg))

	got, err := env.redis.GetTableConfig(ctx, "bingo_1")
	require.NoError(t, err)
	require.Equal(t, cfg, *got)

	ids, err := env.redis.ListTableIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"bingo_1"}, ids)

	require.NoError(t, env.redis.DeleteTableConfig(ctx, "bingo_1"))
	_, err = env.redis.GetTableConfig(ctx, "bingo_1")
	require.ErrorIs(t, err, services.ErrTableNotFound)

	ids, err = env.redis.ListTableIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}
