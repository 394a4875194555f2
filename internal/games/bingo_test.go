package games

import (
	"context"
	"testing"
	"time"

	"casino-table-engine/internal/models"
	"casino-table-engine/internal/services"

	"github.com/stretchr/testify/require"
)

func bingoTable(t *testing.T, env *testEnv) *Bingo {
	t.Helper()
	return env.engine(t, models.GameTypeBingo, func(cfg *models.TableConfig) {
		cfg.MaxBet = 10
		cfg.Options.BuyInDuration = 10 * time.Second
		cfg.Options.DrawInterval = time.Second
	}).(*Bingo)
}

func bingoState(t *testing.T, g *Bingo) BingoState {
	t.Helper()
	st, ok, err := services.LoadCustomState[BingoState](context.Background(), g.Store())
	require.NoError(t, err)
	require.True(t, ok)
	return st
}

func cardOf(t *testing.T, st BingoState, userID string) *BingoCard {
	t.Helper()
	for _, c := range st.Cards {
		if c.UserID == userID {
			return c
		}
	}
	t.Fatalf("no card for %s", userID)
	return nil
}

func TestBingoCardLayout(t *testing.T) {
	c := newBingoCard("alice", 0, time.Now())
	seen := map[int]bool{}
	for r := 0; r < bingoSize; r++ {
		for col := 0; col < bingoSize; col++ {
			n := c.Numbers[r][col]
			if r == 2 && col == 2 {
				require.Zero(t, n)
				require.True(t, c.Marked[r][col])
				continue
			}
			require.GreaterOrEqual(t, n, col*15+1)
			require.LessOrEqual(t, n, col*15+15)
			require.False(t, seen[n])
			seen[n] = true
		}
	}

	_, ok := c.winningPattern(map[int]bool{})
	require.False(t, ok)

	drawn := map[int]bool{}
	for r := 0; r < bingoSize; r++ {
		if r != 2 {
			drawn[c.Numbers[r][2]] = true
		}
	}
	pattern, ok := c.winningPattern(drawn)
	require.True(t, ok)
	require.Equal(t, "column_3", pattern)
}

func TestBingoBuyIn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := bingoTable(t, env)

	ok, _, err := g.AddPlayer(ctx, "alice", 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = g.PlaceBet(ctx, "alice", 0, 20)
	require.ErrorIs(t, err, models.ErrInvalidAction)

	for i := 0; i < maxCardsPerSeat; i++ {
		_, err = g.Act(ctx, models.ActionRequest{UserID: "alice", Seat: 0, Action: actionBuyCard})
		require.NoError(t, err)
	}
	_, err = g.PlaceBet(ctx, "alice", 0, 10)
	require.ErrorIs(t, err, models.ErrInvalidAction)
	require.EqualValues(t, 960, env.balance(t, "alice"))

	st := bingoState(t, g)
	require.Len(t, st.Cards, maxCardsPerSeat)
	require.True(t, st.BuyInEndsAt.Equal(env.clock.Now().Add(10*time.Second)))

	// Leaving during the buy-in refunds every card and drops them.
	_, err = g.RemovePlayer(ctx, "alice", 0)
	require.NoError(t, err)
	require.EqualValues(t, 1000, env.balance(t, "alice"))
	requirePhase(t, g, models.PhaseWaiting)
}

// startBingo buys one card each for alice and bob, a second apart, and
// starts the round.
func startBingo(t *testing.T, env *testEnv) *Bingo {
	t.Helper()
	ctx := context.Background()
	g := bingoTable(t, env)
	seatAndBet(t, g, "alice", 0, 10)
	env.clock.Advance(time.Second)
	seatAndBet(t, g, "bob", 1, 10)

	_, err := g.StartHand(ctx)
	require.NoError(t, err)
	requirePhase(t, g, models.PhasePlaying)
	return g
}

func TestBingoClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := startBingo(t, env)

	st := bingoState(t, g)
	require.Len(t, st.Pool, bingoBalls)
	alice := cardOf(t, st, "alice")
	bob := cardOf(t, st, "bob")

	res, effects, err := g.ClaimBingo(ctx, "alice", alice.ID)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Empty(t, effects)
	requirePhase(t, g, models.PhasePlaying)

	_, _, err = g.ClaimBingo(ctx, "alice", bob.ID)
	require.ErrorIs(t, err, models.ErrInvalidAction)

	st.Drawn = alice.Numbers[0][:]
	require.NoError(t, services.SaveCustomState(ctx, g.Store(), st))

	res, effects, err = g.ClaimBingo(ctx, "alice", alice.ID)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, "row_1", res.Pattern)
	require.EqualValues(t, 20, res.Payout)
	require.True(t, hasEffect(effects, models.EventBingoClaimed))
	require.True(t, hasEffect(effects, models.EventSeedRevealed))

	require.EqualValues(t, 1010, env.balance(t, "alice"))
	require.EqualValues(t, 990, env.balance(t, "bob"))
	requirePhase(t, g, models.PhasePlacingBets)

	st = bingoState(t, g)
	require.NotNil(t, st.Winner)
	require.Equal(t, alice.ID, st.Winner.CardID)

	// The next purchase opens a fresh round.
	_, err = g.PlaceBet(ctx, "bob", 1, 10)
	require.NoError(t, err)
	st = bingoState(t, g)
	require.Nil(t, st.Winner)
	require.Len(t, st.Cards, 1)
}

func TestBingoDrawLoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := startBingo(t, env)
	start := env.clock.Now()

	effects, err := g.Tick(ctx, start)
	require.NoError(t, err)
	require.Empty(t, effects)

	effects, err = g.Tick(ctx, start.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, effects, 1)
	require.Equal(t, models.EventBallDrawn, effects[0].Type)

	// A second scheduler arriving at the same moment draws nothing.
	effects, err = g.Tick(ctx, start.Add(time.Second))
	require.NoError(t, err)
	require.Empty(t, effects)

	st := bingoState(t, g)
	require.Equal(t, st.Pool[:1], st.Drawn)

	snap, err := g.Snapshot(ctx)
	require.NoError(t, err)
	view := snap.Game.(bingoView)
	require.Equal(t, bingoBalls-1, view.BallsLeft)
}

func TestBingoExhaustedPool(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := startBingo(t, env)

	st := bingoState(t, g)
	st.Drawn = append([]int(nil), st.Pool...)
	now := env.clock.Now()
	st.ExhaustedAt = now
	require.NoError(t, services.SaveCustomState(ctx, g.Store(), st))

	effects, err := g.Tick(ctx, now)
	require.NoError(t, err)
	require.Empty(t, effects)

	effects, err = g.Tick(ctx, now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, hasEffect(effects, models.EventHandResolved))

	// Every card holds a line; alice bought first.
	st = bingoState(t, g)
	require.Equal(t, "alice", st.Winner.UserID)
	require.EqualValues(t, 1010, env.balance(t, "alice"))
}

func TestBingoBuyInLapses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := bingoTable(t, env)
	seatAndBet(t, g, "alice", 0, 10)

	effects, err := g.Tick(ctx, env.clock.Now().Add(5*time.Second))
	require.NoError(t, err)
	require.Empty(t, effects)

	effects, err = g.Tick(ctx, env.clock.Now().Add(10*time.Second))
	require.NoError(t, err)
	require.True(t, hasEffect(effects, models.EventShoeShuffled))
	requirePhase(t, g, models.PhasePlaying)
}
