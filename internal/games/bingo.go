package games

import (
	"context"
	"fmt"
	"sort"
	"time"

	"casino-table-engine/internal/fairness"
	"casino-table-engine/internal/models"
	"casino-table-engine/internal/services"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	bingoBalls       = 75
	bingoSize        = 5
	maxCardsPerSeat  = 4
	actionBuyCard    = "buy"
	actionClaimBingo = "claim"
)

// BingoCard is a US 75-ball card. Numbers[row][col]; column c holds
// 15c+1..15c+15 and the centre square is free (0).
type BingoCard struct {
	ID       string                     `json:"id"`
	UserID   string                     `json:"user_id"`
	Seat     int                        `json:"seat"`
	Numbers  [bingoSize][bingoSize]int  `json:"numbers"`
	Marked   [bingoSize][bingoSize]bool `json:"marked"`
	BoughtAt time.Time                  `json:"bought_at"`
}

func newBingoCard(userID string, seat int, boughtAt time.Time) *BingoCard {
	card := &BingoCard{ID: uuid.NewString(), UserID: userID, Seat: seat, BoughtAt: boughtAt}
	for col := 0; col < bingoSize; col++ {
		column := make([]int, 15)
		for i := range column {
			column[i] = col*15 + i + 1
		}
		// The card id is random, so the layout needs no secret seed.
		picked := fairness.Shuffle(column, fairness.SeedPair{PlayerSeed: card.ID, ServerSeed: fmt.Sprint(col)})
		for row := 0; row < bingoSize; row++ {
			card.Numbers[row][col] = picked[row]
		}
	}
	card.Numbers[2][2] = 0
	card.Marked[2][2] = true
	return card
}

// mark flags ball on the card and reports whether it was there.
func (c *BingoCard) mark(ball int) bool {
	for r := 0; r < bingoSize; r++ {
		for col := 0; col < bingoSize; col++ {
			if c.Numbers[r][col] == ball {
				c.Marked[r][col] = true
				return true
			}
		}
	}
	return false
}

// winningPattern checks the card against the drawn balls, not the stored
// marks, and names the first complete line found.
func (c *BingoCard) winningPattern(drawn map[int]bool) (string, bool) {
	hit := func(r, col int) bool {
		n := c.Numbers[r][col]
		return n == 0 || drawn[n]
	}
	line := func(cell func(i int) (int, int)) bool {
		for i := 0; i < bingoSize; i++ {
			if !hit(cell(i)) {
				return false
			}
		}
		return true
	}

	for r := 0; r < bingoSize; r++ {
		if line(func(i int) (int, int) { return r, i }) {
			return fmt.Sprintf("row_%d", r+1), true
		}
	}
	for col := 0; col < bingoSize; col++ {
		if line(func(i int) (int, int) { return i, col }) {
			return fmt.Sprintf("column_%d", col+1), true
		}
	}
	if line(func(i int) (int, int) { return i, i }) {
		return "diagonal", true
	}
	if line(func(i int) (int, int) { return i, bingoSize - 1 - i }) {
		return "anti_diagonal", true
	}
	return "", false
}

type BingoWin struct {
	CardID  string `json:"card_id"`
	UserID  string `json:"user_id"`
	Seat    int    `json:"seat"`
	Pattern string `json:"pattern"`
	Payout  int64  `json:"payout"`
}

// BingoState covers one round from the first card bought to the winning
// claim. Pool holds the shuffled balls; Drawn is the prefix already called.
type BingoState struct {
	Round       int64                 `json:"round"`
	Cards       map[string]*BingoCard `json:"cards"`
	Pool        []int                 `json:"pool,omitempty"`
	Drawn       []int                 `json:"drawn"`
	Seeds       fairness.SeedPair     `json:"seeds"`
	BuyInEndsAt time.Time             `json:"buy_in_ends_at,omitempty"`
	NextDrawAt  time.Time             `json:"next_draw_at,omitempty"`
	ExhaustedAt time.Time             `json:"exhausted_at,omitempty"`
	Winner      *BingoWin             `json:"winner,omitempty"`
}

func (BingoState) StateKind() models.GameType { return models.GameTypeBingo }

func (st *BingoState) drawnSet() map[int]bool {
	set := make(map[int]bool, len(st.Drawn))
	for _, n := range st.Drawn {
		set[n] = true
	}
	return set
}

func (st *BingoState) cardsOf(userID string, seat int) int {
	n := 0
	for _, c := range st.Cards {
		if c.UserID == userID && c.Seat == seat {
			n++
		}
	}
	return n
}

// orderedCards returns cards by purchase time, ties broken by id.
func (st *BingoState) orderedCards() []*BingoCard {
	out := make([]*BingoCard, 0, len(st.Cards))
	for _, c := range st.Cards {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BoughtAt.Equal(out[j].BoughtAt) {
			return out[i].BoughtAt.Before(out[j].BoughtAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type ClaimResult struct {
	Valid   bool   `json:"valid"`
	Pattern string `json:"pattern,omitempty"`
	Payout  int64  `json:"payout"`
}

// Bingo sells cards at the table minimum during a timed buy-in, then draws a
// ball every interval until someone claims a full line. The first valid
// claim takes the whole pot.
type Bingo struct {
	*services.Base
	buyIn    time.Duration
	interval time.Duration
}

func NewBingo(ctx context.Context, cfg models.TableConfig, deps services.Deps) (*Bingo, error) {
	base, err := services.NewBase(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	g := &Bingo{Base: base, buyIn: cfg.Options.BuyInDuration, interval: cfg.Options.DrawInterval}
	if g.buyIn <= 0 {
		g.buyIn = defaultBuyInDuration
	}
	if g.interval <= 0 {
		g.interval = defaultDrawInterval
	}
	return g, nil
}

func (g *Bingo) GameType() models.GameType { return models.GameTypeBingo }

// PlaceBet buys one card. amount must be the card price.
func (g *Bingo) PlaceBet(ctx context.Context, userID string, seat int, amount int64) ([]models.Effect, error) {
	price := g.Config().MinBet
	if amount != price {
		return nil, models.InvalidAction("a card costs %d", price)
	}

	return services.RunLocked(ctx, g.Base, services.PresetMoney, func(ctx context.Context) ([]models.Effect, error) {
		if _, err := g.RequirePhase(ctx, models.PhasePlacingBets); err != nil {
			return nil, err
		}
		players, err := g.Store().GetPlayers(ctx)
		if err != nil {
			return nil, err
		}
		if _, ok := players.Get(userID, seat); !ok {
			return nil, models.InvalidAction("user %s is not seated at %d", userID, seat)
		}

		st, err := g.roundState(ctx)
		if err != nil {
			return nil, err
		}
		if st.cardsOf(userID, seat) >= maxCardsPerSeat {
			return nil, models.InvalidAction("at most %d cards per seat", maxCardsPerSeat)
		}

		now := g.Now()
		card := newBingoCard(userID, seat, now)
		st.Cards[card.ID] = card
		if st.BuyInEndsAt.IsZero() {
			st.BuyInEndsAt = now.Add(g.buyIn)
		}
		// The card is stored inside the debit: no card without its price,
		// no price without its card.
		_, err = g.Debit(ctx, services.Movement{
			UserID:      userID,
			Seat:        seat,
			Amount:      price,
			Description: "Bingo card",
			Also: func(ctx context.Context) error {
				return services.SaveCustomState(ctx, g.Store(), *st)
			},
		})
		if err != nil {
			return nil, err
		}

		return []models.Effect{
			g.Effect(models.EventCardBought, map[string]interface{}{
				"card":           card,
				"price":          price,
				"buy_in_ends_at": st.BuyInEndsAt,
			}).ForSeat(userID, seat),
		}, nil
	})
}

// roundState loads the open round, starting a fresh one when the last has
// been won.
func (g *Bingo) roundState(ctx context.Context) (*BingoState, error) {
	st, ok, err := services.LoadCustomState[BingoState](ctx, g.Store())
	if err != nil {
		return nil, err
	}
	if !ok || st.Winner != nil || st.Cards == nil {
		return &BingoState{Cards: map[string]*BingoCard{}}, nil
	}
	return &st, nil
}

// StartHand closes the buy-in and shuffles the ball pool. A table left in
// DEALING by a failed call reuses the pool stored for the round.
func (g *Bingo) StartHand(ctx context.Context) ([]models.Effect, error) {
	return services.RunLocked(ctx, g.Base, services.PresetMoney, func(ctx context.Context) ([]models.Effect, error) {
		phase, err := g.RequirePhase(ctx, models.PhasePlacingBets, models.PhaseDealing)
		if err != nil {
			return nil, err
		}
		st, err := g.roundState(ctx)
		if err != nil {
			return nil, err
		}
		if len(st.Cards) == 0 {
			return nil, models.InvalidState("no cards bought")
		}

		var (
			hand    int64
			effects []models.Effect
		)
		if phase == models.PhasePlacingBets {
			if hand, effects, err = g.BeginHand(ctx); err != nil {
				return nil, err
			}
		} else if hand, err = g.Store().GetHandNumber(ctx); err != nil {
			return nil, err
		}

		if st.Round == hand && len(st.Pool) > 0 {
			g.Logger().Info("resuming bingo round", zap.Int64("round", hand))
		} else {
			players, err := g.Store().GetPlayers(ctx)
			if err != nil {
				return nil, err
			}
			pair, err := g.NewSeedPair(ctx, players, hand)
			if err != nil {
				return nil, err
			}
			balls := make([]int, bingoBalls)
			for i := range balls {
				balls[i] = i + 1
			}
			st.Round = hand
			st.Seeds = pair
			st.Pool = fairness.Shuffle(balls, pair)
			st.Drawn = nil
			st.NextDrawAt = g.Now().Add(g.interval)
			if err := services.SaveCustomState(ctx, g.Store(), *st); err != nil {
				return nil, err
			}
		}

		eff, err := g.Transition(ctx, models.PhasePlaying)
		if err != nil {
			return nil, err
		}
		effects = append(effects, eff, g.Effect(models.EventShoeShuffled, map[string]interface{}{
			"balls":            bingoBalls,
			"player_seed":      st.Seeds.PlayerSeed,
			"server_seed_hash": st.Seeds.ServerSeedHash(),
			"cards":            len(st.Cards),
		}))

		g.Logger().Info("bingo round started", zap.Int64("round", hand), zap.Int("cards", len(st.Cards)))
		return stamp(effects, hand), nil
	})
}

// DrawBall calls the next ball and marks every card. It is a no-op before
// NextDrawAt, so concurrent schedulers never double draw.
func (g *Bingo) DrawBall(ctx context.Context, now time.Time) ([]models.Effect, error) {
	return services.RunLocked(ctx, g.Base, services.PresetMoney, func(ctx context.Context) ([]models.Effect, error) {
		if _, err := g.RequirePhase(ctx, models.PhasePlaying); err != nil {
			return nil, err
		}
		st, err := g.playingState(ctx)
		if err != nil {
			return nil, err
		}
		if now.Before(st.NextDrawAt) || len(st.Drawn) >= len(st.Pool) {
			return nil, nil
		}

		ball := st.Pool[len(st.Drawn)]
		st.Drawn = append(st.Drawn, ball)
		marked := 0
		for _, c := range st.Cards {
			if c.mark(ball) {
				marked++
			}
		}
		st.NextDrawAt = now.Add(g.interval)
		if len(st.Drawn) == len(st.Pool) {
			st.ExhaustedAt = now
		}
		if err := services.SaveCustomState(ctx, g.Store(), *st); err != nil {
			return nil, err
		}

		eff := g.Effect(models.EventBallDrawn, map[string]interface{}{
			"ball":   ball,
			"count":  len(st.Drawn),
			"marked": marked,
		})
		eff.HandNumber = st.Round
		return []models.Effect{eff}, nil
	})
}

// ClaimBingo checks cardID for a complete line. A valid claim pays the whole
// pot and ends the round; an invalid one changes nothing.
func (g *Bingo) ClaimBingo(ctx context.Context, userID, cardID string) (ClaimResult, []models.Effect, error) {
	type claim struct {
		res     ClaimResult
		effects []models.Effect
	}
	out, err := services.RunLocked(ctx, g.Base, services.PresetMoney, func(ctx context.Context) (claim, error) {
		if _, err := g.RequirePhase(ctx, models.PhasePlaying); err != nil {
			return claim{}, err
		}
		st, err := g.playingState(ctx)
		if err != nil {
			return claim{}, err
		}
		card, ok := st.Cards[cardID]
		if !ok || card.UserID != userID {
			return claim{}, models.InvalidAction("card %s is not yours", cardID)
		}
		pattern, ok := card.winningPattern(st.drawnSet())
		if !ok {
			return claim{res: ClaimResult{}}, nil
		}
		effects, win, err := g.settleRound(ctx, st, card, pattern)
		if err != nil {
			return claim{}, err
		}
		return claim{res: ClaimResult{Valid: true, Pattern: pattern, Payout: win.Payout}, effects: effects}, nil
	})
	if err != nil {
		return ClaimResult{}, nil, err
	}
	return out.res, out.effects, nil
}

func (g *Bingo) settleRound(ctx context.Context, st *BingoState, card *BingoCard, pattern string) ([]models.Effect, *BingoWin, error) {
	pot, err := g.Store().GetPot(ctx)
	if err != nil {
		return nil, nil, err
	}
	win := &BingoWin{CardID: card.ID, UserID: card.UserID, Seat: card.Seat, Pattern: pattern, Payout: pot}
	effects := []models.Effect{g.Effect(models.EventBingoClaimed, map[string]interface{}{
		"card_id": card.ID,
		"pattern": pattern,
		"balls":   len(st.Drawn),
	}).ForSeat(card.UserID, card.Seat)}

	var payouts []services.Payout
	if pot > 0 {
		payouts = append(payouts, services.Payout{
			UserID:  card.UserID,
			Seat:    card.Seat,
			Amount:  pot,
			Outcome: outcomeWin,
			Ref:     "bingo",
		})
	}
	after := []models.Effect{
		g.Effect(models.EventHandResolved, map[string]interface{}{"winner": win}),
		g.Effect(models.EventSeedRevealed, map[string]interface{}{
			"balls":            bingoBalls,
			"player_seed":      st.Seeds.PlayerSeed,
			"server_seed":      st.Seeds.ServerSeed,
			"server_seed_hash": st.Seeds.ServerSeedHash(),
		}),
	}

	st.Winner = win
	more, err := g.Settle(ctx, st.Round, payouts, after, *st)
	if err != nil {
		return nil, nil, err
	}
	g.Logger().Info("bingo claimed", zap.Int64("round", st.Round), zap.String("user", card.UserID), zap.String("pattern", pattern), zap.Int64("pot", pot))
	return stamp(append(effects, more...), st.Round), win, nil
}

// ResolveHand ends a round whose pool ran out with nobody claiming: the
// earliest bought card holding a line wins. It also finishes a settlement a
// failed claim left behind.
func (g *Bingo) ResolveHand(ctx context.Context) ([]models.Effect, error) {
	return services.RunLocked(ctx, g.Base, services.PresetMoney, func(ctx context.Context) ([]models.Effect, error) {
		if effects, ok, err := g.ResumeSettlement(ctx); ok || err != nil {
			return effects, err
		}
		if _, err := g.RequirePhase(ctx, models.PhasePlaying); err != nil {
			return nil, err
		}
		st, err := g.playingState(ctx)
		if err != nil {
			return nil, err
		}
		if len(st.Drawn) < len(st.Pool) {
			return nil, models.InvalidState("balls are still being drawn")
		}
		drawn := st.drawnSet()
		for _, card := range st.orderedCards() {
			if pattern, ok := card.winningPattern(drawn); ok {
				effects, _, err := g.settleRound(ctx, st, card, pattern)
				return effects, err
			}
		}
		return nil, models.InvalidState("no card holds a line")
	})
}

func (g *Bingo) Act(ctx context.Context, req models.ActionRequest) ([]models.Effect, error) {
	switch req.Action {
	case actionBuyCard:
		return g.PlaceBet(ctx, req.UserID, req.Seat, g.Config().MinBet)
	case actionClaimBingo:
		res, effects, err := g.ClaimBingo(ctx, req.UserID, req.CardID)
		if err != nil {
			return nil, err
		}
		if !res.Valid {
			return nil, models.InvalidAction("card %s has no complete line", req.CardID)
		}
		return effects, nil
	default:
		return nil, models.InvalidAction("unknown action %q", req.Action)
	}
}

// RemovePlayer drops the seat's unplayed cards along with the refund of
// their price.
func (g *Bingo) RemovePlayer(ctx context.Context, userID string, seat int) ([]models.Effect, error) {
	return g.RemovePlayerWith(ctx, userID, seat, func(ctx context.Context, p *models.SeatedPlayer) error {
		st, ok, err := services.LoadCustomState[BingoState](ctx, g.Store())
		if err != nil || !ok || st.Winner != nil {
			return err
		}
		for id, c := range st.Cards {
			if c.UserID == userID && c.Seat == seat {
				delete(st.Cards, id)
			}
		}
		if len(st.Cards) == 0 {
			st.BuyInEndsAt = time.Time{}
		}
		return services.SaveCustomState(ctx, g.Store(), st)
	})
}

// Tick closes the buy-in when it lapses, draws due balls, and settles an
// exhausted pool one interval after the last ball.
func (g *Bingo) Tick(ctx context.Context, now time.Time) ([]models.Effect, error) {
	if effects, ok, err := g.ResumeSettlement(ctx); ok || err != nil {
		return effects, err
	}
	phase, err := g.Phase(ctx)
	if err != nil {
		return nil, err
	}
	switch phase {
	case models.PhasePlacingBets:
		st, ok, err := services.LoadCustomState[BingoState](ctx, g.Store())
		if err != nil || !ok || st.Winner != nil || len(st.Cards) == 0 {
			return nil, err
		}
		if now.Before(st.BuyInEndsAt) {
			return nil, nil
		}
		return g.StartHand(ctx)
	case models.PhaseDealing:
		return g.StartHand(ctx)
	case models.PhasePlaying:
		st, err := g.playingState(ctx)
		if err != nil {
			return nil, err
		}
		if !st.ExhaustedAt.IsZero() {
			if now.Before(st.ExhaustedAt.Add(g.interval)) {
				return nil, nil
			}
			return g.ResolveHand(ctx)
		}
		return g.DrawBall(ctx, now)
	}
	return nil, nil
}

func (g *Bingo) playingState(ctx context.Context) (*BingoState, error) {
	st, ok, err := services.LoadCustomState[BingoState](ctx, g.Store())
	if err != nil {
		return nil, err
	}
	if !ok || len(st.Pool) == 0 || st.Winner != nil {
		return nil, models.InvalidState("no round in progress")
	}
	return &st, nil
}

type bingoView struct {
	Round       int64        `json:"round"`
	Cards       []*BingoCard `json:"cards"`
	Drawn       []int        `json:"drawn"`
	BallsLeft   int          `json:"balls_left"`
	BuyInEndsAt time.Time    `json:"buy_in_ends_at,omitempty"`
	NextDrawAt  time.Time    `json:"next_draw_at,omitempty"`
	Winner      *BingoWin    `json:"winner,omitempty"`
}

// Snapshot never shows the undrawn part of the pool.
func (g *Bingo) Snapshot(ctx context.Context) (*models.TableSnapshot, error) {
	snap, err := g.Base.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	st, ok, err := services.LoadCustomState[BingoState](ctx, g.Store())
	if err != nil || !ok {
		return snap, nil
	}
	snap.Game = bingoView{
		Round:       st.Round,
		Cards:       st.orderedCards(),
		Drawn:       st.Drawn,
		BallsLeft:   len(st.Pool) - len(st.Drawn),
		BuyInEndsAt: st.BuyInEndsAt,
		NextDrawAt:  st.NextDrawAt,
		Winner:      st.Winner,
	}
	if len(st.Pool) > 0 {
		snap.ServerSeedHash = st.Seeds.ServerSeedHash()
	}
	return snap, nil
}
