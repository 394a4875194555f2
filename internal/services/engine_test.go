package services_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"casino-table-engine/internal/models"
	"casino-table-engine/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestAddPlayerMovesToBetting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.newBase(t, nil)

	ok, effects, err := b.AddPlayer(ctx, "alice", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, effects, 2)
	assert.Equal(t, models.EventPlayerSeated, effects[0].Type)
	assert.Equal(t, models.EventPhaseChanged, effects[1].Type)

	phase, err := b.Phase(ctx)
	require.NoError(t, err)
	require.Equal(t, models.PhasePlacingBets, phase)
	require.Equal(t, models.PhasePlacingBets, b.CachedPhase())

	players, err := b.Store().GetPlayers(ctx)
	require.NoError(t, err)
	p, found := players.Get("alice", 0)
	require.True(t, found)
	require.Equal(t, int64(1000), p.Chips)
	require.NotEmpty(t, p.ClientSeed)
}

func TestAddPlayerRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.newBase(t, func(cfg *models.TableConfig) {
		cfg.MaxSeats = 2
		cfg.MinBet = 100
	})

	ok, _, err := b.AddPlayer(ctx, "alice", 0)
	require.NoError(t, err)
	require.True(t, ok)

	cases := []struct {
		name string
		user string
		seat int
	}{
		{"seat taken", "bob", 0},
		{"seat out of range", "bob", 5},
		{"second seat", "alice", 1},
	}
	for _, tc := range cases {
		ok, effects, err := b.AddPlayer(ctx, tc.user, tc.seat)
		require.NoError(t, err, tc.name)
		assert.False(t, ok, tc.name)
		assert.Empty(t, effects, tc.name)
	}

	// Drain carol below the minimum bet before she sits.
	_, err = env.ledger.Debit(ctx, models.LedgerEntry{UserID: "carol", Amount: 950, Type: models.TransactionTypeBet}, nil)
	require.NoError(t, err)
	ok, _, err = b.AddPlayer(ctx, "carol", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	players, err := b.Store().GetPlayers(ctx)
	require.NoError(t, err)
	assert.Len(t, players, 1)
}

func TestConcurrentAddPlayerSameSeat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.newBase(t, nil)

	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	var wins int32
	var g errgroup.Group
	for _, u := range users {
		g.Go(func() error {
			ok, _, err := b.AddPlayer(ctx, u, 2)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), wins)

	players, err := b.Store().GetPlayers(ctx)
	require.NoError(t, err)
	require.Len(t, players, 1)
}

func TestConcurrentDeductNoOverdraft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.newBase(t, nil)

	ok, _, err := b.AddPlayer(ctx, "alice", 0)
	require.NoError(t, err)
	require.True(t, ok)

	var successes int32
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := b.DeductChips(ctx, "alice", 0, 300, "bet")
			if err == nil {
				atomic.AddInt32(&successes, 1)
				return nil
			}
			if errors.Is(err, models.ErrInsufficientFunds) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(3), successes)

	balance, err := env.ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)

	pot, err := b.Store().GetPot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(900), pot)

	players, err := b.Store().GetPlayers(ctx)
	require.NoError(t, err)
	p, _ := players.Get("alice", 0)
	require.Equal(t, int64(100), p.Chips)
	require.Equal(t, int64(900), p.CurrentBet)
}

func TestConcurrentDeductAcrossTables(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tables := []*services.Base{env.newBase(t, nil), env.newBase(t, nil)}
	for _, b := range tables {
		ok, _, err := b.AddPlayer(ctx, "alice", 0)
		require.NoError(t, err)
		require.True(t, ok)
	}

	var debited [2]int32
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		n := i % 2
		g.Go(func() error {
			_, err := tables[n].DeductChips(ctx, "alice", 0, 300, "bet")
			if err == nil {
				atomic.AddInt32(&debited[n], 1)
				return nil
			}
			if errors.Is(err, models.ErrInsufficientFunds) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	total := int64(debited[0]+debited[1]) * 300
	require.LessOrEqual(t, total, int64(1000))
	require.Equal(t, int64(900), total)

	balance, err := env.ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1000-total, balance)

	for i, b := range tables {
		pot, err := b.Store().GetPot(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(debited[i])*300, pot, "table %d", i)
		players, err := b.Store().GetPlayers(ctx)
		require.NoError(t, err)
		p, _ := players.Get("alice", 0)
		require.Equal(t, int64(debited[i])*300, p.CurrentBet, "table %d", i)
	}
}

func TestKeyedDebitMovesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.newBase(t, nil)

	ok, _, err := b.AddPlayer(ctx, "alice", 0)
	require.NoError(t, err)
	require.True(t, ok)

	raise := services.Movement{UserID: "alice", Seat: 0, Amount: 100, Ref: "war", Description: "War raise"}
	for i := 0; i < 2; i++ {
		balance, err := b.Debit(ctx, raise)
		require.NoError(t, err)
		require.Equal(t, int64(900), balance)
	}
	pot, err := b.Store().GetPot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(100), pot)

	// Unkeyed movements are independent.
	_, err = b.DeductChips(ctx, "alice", 0, 100, "bet")
	require.NoError(t, err)
	balance, err := env.ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(800), balance)

	p, err := b.Pay(ctx, services.Payout{UserID: "alice", Seat: 0, Amount: 50, Outcome: "push", Refund: true, Ref: "payout"})
	require.NoError(t, err)
	require.Equal(t, models.EventPayout, p.Type)
	_, err = b.Pay(ctx, services.Payout{UserID: "alice", Seat: 0, Amount: 50, Outcome: "push", Refund: true, Ref: "payout"})
	require.NoError(t, err)
	balance, err = env.ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(850), balance)
}

func TestAddPlayerFailureSeatsNobody(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.newBase(t, nil)

	// A phase that cannot be read fails the call before the seat is written.
	key := fmt.Sprintf(services.KeyTablePhase, b.Config().ID)
	env.mr.Del(key)
	_, err := env.mr.Lpush(key, "x")
	require.NoError(t, err)

	ok, _, err := b.AddPlayer(ctx, "alice", 0)
	require.ErrorIs(t, err, models.ErrSystemBusy)
	require.False(t, ok)

	players, err := b.Store().GetPlayers(ctx)
	require.NoError(t, err)
	require.Empty(t, players)
}

func TestInsufficientFundsLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.newBase(t, nil)

	ok, _, err := b.AddPlayer(ctx, "alice", 0)
	require.NoError(t, err)
	require.True(t, ok)
	before, err := b.Store().GetPlayers(ctx)
	require.NoError(t, err)

	_, err = b.DeductChips(ctx, "alice", 0, 5000, "bet")
	require.ErrorIs(t, err, models.ErrInsufficientFunds)

	after, err := b.Store().GetPlayers(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
	pot, err := b.Store().GetPot(ctx)
	require.NoError(t, err)
	require.Zero(t, pot)
}

func TestPotAccounting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.newBase(t, nil)

	for seat, u := range []string{"alice", "bob"} {
		ok, _, err := b.AddPlayer(ctx, u, seat)
		require.NoError(t, err)
		require.True(t, ok)
		_, err = b.DeductChips(ctx, u, seat, 100, "bet")
		require.NoError(t, err)
	}

	res, err := b.AwardChips(ctx, "alice", 0, 150, "win")
	require.NoError(t, err)
	require.Equal(t, int64(150), res.Net)
	require.Equal(t, int64(1050), res.Chips)

	pot, err := b.Store().GetPot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(50), pot)

	// The house covers anything beyond the pot; it never goes negative.
	_, err = b.AwardChips(ctx, "bob", 1, 200, "win")
	require.NoError(t, err)
	pot, err = b.Store().GetPot(ctx)
	require.NoError(t, err)
	require.Zero(t, pot)
}

func TestAwardTax(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Tax = services.TaxPolicy{Threshold: 100, Percent: 10, Minimum: 5, TreasuryID: "treasury"}
	ctx := context.Background()
	b := env.newBase(t, nil)

	ok, _, err := b.AddPlayer(ctx, "alice", 0)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := b.AwardChips(ctx, "alice", 0, 500, "win")
	require.NoError(t, err)
	require.Equal(t, int64(50), res.Tax)
	require.Equal(t, int64(450), res.Net)

	// At or below the threshold nothing is taken.
	res, err = b.AwardChips(ctx, "alice", 0, 100, "win")
	require.NoError(t, err)
	require.Zero(t, res.Tax)

	treasury, err := env.ledger.Balance(ctx, "treasury")
	require.NoError(t, err)
	require.Equal(t, int64(50), treasury)

	balance, err := env.ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1550), balance)
}

func TestTaxPolicyCompute(t *testing.T) {
	tax := services.TaxPolicy{Threshold: 100, Percent: 3, Minimum: 10, TreasuryID: "treasury"}
	assert.Zero(t, tax.Compute(100))
	assert.Equal(t, int64(10), tax.Compute(101))
	assert.Equal(t, int64(30), tax.Compute(1000))
	assert.Equal(t, int64(31), tax.Compute(1050))

	small := services.TaxPolicy{Threshold: 0, Percent: 50, Minimum: 100, TreasuryID: "treasury"}
	assert.Equal(t, int64(20), small.Compute(20))

	assert.Zero(t, services.TaxPolicy{}.Compute(1_000_000))
}

func TestRemovePlayerRefundsAndResets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.newBase(t, nil)

	ok, _, err := b.AddPlayer(ctx, "alice", 0)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = b.DeductChips(ctx, "alice", 0, 200, "bet")
	require.NoError(t, err)

	effects, err := b.RemovePlayer(ctx, "alice", 0)
	require.NoError(t, err)
	require.NotEmpty(t, effects)

	balance, err := env.ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance)

	phase, err := b.Phase(ctx)
	require.NoError(t, err)
	require.Equal(t, models.PhaseWaiting, phase)
	pot, err := b.Store().GetPot(ctx)
	require.NoError(t, err)
	require.Zero(t, pot)

	_, err = b.RemovePlayer(ctx, "alice", 0)
	require.ErrorIs(t, err, models.ErrInvalidAction)
}

func TestRemovePlayerMidHandRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.newBase(t, nil)

	ok, _, err := b.AddPlayer(ctx, "alice", 0)
	require.NoError(t, err)
	require.True(t, ok)
	_, _, err = b.BeginHand(ctx)
	require.NoError(t, err)

	_, err = b.RemovePlayer(ctx, "alice", 0)
	require.ErrorIs(t, err, models.ErrInvalidState)
}

func TestHandLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.newBase(t, nil)

	path := []models.Phase{models.PhaseWaiting}
	record := func(effects []models.Effect) {
		for _, e := range effects {
			if e.Type == models.EventPhaseChanged {
				path = append(path, e.Data["phase"].(models.Phase))
			}
		}
	}

	ok, effects, err := b.AddPlayer(ctx, "alice", 0)
	require.NoError(t, err)
	require.True(t, ok)
	record(effects)

	_, err = b.DeductChips(ctx, "alice", 0, 100, "bet")
	require.NoError(t, err)

	hand, effects, err := b.BeginHand(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), hand)
	record(effects)

	// DEALING cannot jump straight to COMPLETE.
	_, err = b.Transition(ctx, models.PhaseComplete)
	require.ErrorIs(t, err, models.ErrInvalidState)

	eff, err := b.Transition(ctx, models.PhaseResolving)
	require.NoError(t, err)
	record([]models.Effect{eff})

	effects, err = b.FinishHand(ctx, fakeState{Round: 2})
	require.NoError(t, err)
	record(effects)

	require.NoError(t, models.ValidatePhasePath(path))
	require.Equal(t, models.PhasePlacingBets, path[len(path)-1])

	players, err := b.Store().GetPlayers(ctx)
	require.NoError(t, err)
	p, _ := players.Get("alice", 0)
	require.Zero(t, p.CurrentBet)

	state, ok, err := services.LoadCustomState[fakeState](ctx, b.Store())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, state.Round)

	hand, _, err = b.BeginHand(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), hand)
}

func TestSystemBusyWhenTableLocked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.newBase(t, nil)

	held, err := env.locks.Acquire(ctx, services.TableLockName(b.TableID()), services.PresetShort)
	require.NoError(t, err)
	defer held.Release(ctx)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, _, err = b.AddPlayer(short, "alice", 0)
	require.ErrorIs(t, err, models.ErrSystemBusy)

	var ge *models.GameError
	require.ErrorAs(t, err, &ge)
	require.True(t, ge.Retryable())
}

func TestSetClientSeed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.newBase(t, nil)

	ok, _, err := b.AddPlayer(ctx, "alice", 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.SetClientSeed(ctx, "alice", 0, "lucky"))
	require.ErrorIs(t, b.SetClientSeed(ctx, "alice", 0, ""), models.ErrInvalidAction)
	require.ErrorIs(t, b.SetClientSeed(ctx, "bob", 1, "x"), models.ErrInvalidAction)

	players, err := b.Store().GetPlayers(ctx)
	require.NoError(t, err)
	pair, err := b.NewSeedPair(ctx, players, 3)
	require.NoError(t, err)
	require.Equal(t, "lucky:3", pair.PlayerSeed)
	require.Len(t, pair.ServerSeed, 64)
}
