package games

import (
	"context"
	"fmt"
	"time"

	"casino-table-engine/internal/fairness"
	"casino-table-engine/internal/models"
	"casino-table-engine/internal/services"

	"go.uber.org/zap"
)

const (
	defaultBlackjackDecks = 6
	reshuffleThreshold    = 0.75
	maxSplitHands         = 4

	actionHit         = "hit"
	actionStand       = "stand"
	actionDouble      = "double"
	actionSplit       = "split"
	actionInsurance   = "insurance"
	actionNoInsurance = "no_insurance"

	outcomeBlackjack = "blackjack"
	outcomeBust      = "bust"
	outcomeInsurance = "insurance"
)

type BlackjackHand struct {
	Cards   []models.Card `json:"cards"`
	Bet     int64         `json:"bet"`
	Doubled bool          `json:"doubled,omitempty"`
	Stood   bool          `json:"stood,omitempty"`
	Split   bool          `json:"split,omitempty"`
	Outcome string        `json:"outcome,omitempty"`
}

func (h *BlackjackHand) Total() int {
	total, _ := handTotal(h.Cards)
	return total
}

// Natural is an untouched two-card 21. Split hands never count.
func (h *BlackjackHand) Natural() bool {
	return !h.Split && len(h.Cards) == 2 && h.Total() == 21
}

func (h *BlackjackHand) finished() bool {
	return h.Stood || h.Doubled || h.Total() >= 21
}

type BlackjackSeat struct {
	UserID           string           `json:"user_id"`
	Seat             int              `json:"seat"`
	Hands            []*BlackjackHand `json:"hands"`
	Active           int              `json:"active"`
	Insurance        int64            `json:"insurance,omitempty"`
	InsuranceDecided bool             `json:"insurance_decided,omitempty"`
}

func (s *BlackjackSeat) current() *BlackjackHand {
	if s.Active < len(s.Hands) {
		return s.Hands[s.Active]
	}
	return nil
}

// BlackjackState persists the shoe across hands; everything else is per hand.
type BlackjackState struct {
	Hand          int64            `json:"hand"`
	Shoe          *Shoe            `json:"shoe"`
	Dealer        []models.Card    `json:"dealer"`
	HoleHidden    bool             `json:"hole_hidden"`
	Seats         []*BlackjackSeat `json:"seats"`
	Turn          int              `json:"turn"`
	InsuranceOpen bool             `json:"insurance_open"`
	TurnDeadline  time.Time        `json:"turn_deadline,omitempty"`
	Settled       bool             `json:"settled"`
	// Shuffled marks a shoe put into play for this hand; Retired keeps the
	// seeds of the one it replaced.
	Shuffled bool  `json:"shuffled,omitempty"`
	Retired  *Shoe `json:"retired,omitempty"`
}

func (BlackjackState) StateKind() models.GameType { return models.GameTypeBlackjack }

func (st *BlackjackState) seat(userID string, seat int) *BlackjackSeat {
	for _, s := range st.Seats {
		if s.UserID == userID && s.Seat == seat {
			return s
		}
	}
	return nil
}

// advance moves Turn to the first seat with an unfinished hand and reports
// whether any player still has to act.
func (st *BlackjackState) advance() bool {
	for st.Turn < len(st.Seats) {
		s := st.Seats[st.Turn]
		for s.Active < len(s.Hands) && s.Hands[s.Active].finished() {
			s.Active++
		}
		if s.Active < len(s.Hands) {
			return true
		}
		st.Turn++
	}
	return false
}

// handTotal counts aces as one, then promotes a single ace to eleven when
// that does not bust. soft reports the promotion.
func handTotal(cards []models.Card) (total int, soft bool) {
	aces := 0
	for _, c := range cards {
		switch {
		case c.Rank == models.Ace:
			aces++
			total++
		case c.Rank >= 10:
			total += 10
		default:
			total += int(c.Rank)
		}
	}
	if aces > 0 && total+10 <= 21 {
		return total + 10, true
	}
	return total, false
}

// dealerDraw draws until the dealer stands: always below 17, and on a soft
// 17 when hitSoft17 is set.
func dealerDraw(cards []models.Card, hitSoft17 bool, draw func() (models.Card, error)) ([]models.Card, error) {
	for {
		total, soft := handTotal(cards)
		if total > 17 || (total == 17 && !(soft && hitSoft17)) {
			return cards, nil
		}
		c, err := draw()
		if err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
}

// Blackjack plays a multi-deck shoe that survives across hands. The dealer
// peeks for blackjack, blackjack pays 3:2 and insurance 2:1.
type Blackjack struct {
	*services.Base
	decks     int
	hitSoft17 bool
}

func NewBlackjack(ctx context.Context, cfg models.TableConfig, deps services.Deps) (*Blackjack, error) {
	base, err := services.NewBase(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	decks := cfg.Options.Decks
	if decks <= 0 {
		decks = defaultBlackjackDecks
	}
	return &Blackjack{Base: base, decks: decks, hitSoft17: !cfg.Options.StandSoft17}, nil
}

func (g *Blackjack) GameType() models.GameType { return models.GameTypeBlackjack }

func (g *Blackjack) PlaceBet(ctx context.Context, userID string, seat int, amount int64) ([]models.Effect, error) {
	return placeBet(ctx, g.Base, userID, seat, amount, 0)
}

// StartHand deals two cards to every bet and to the dealer. A table left in
// DEALING by a failed call picks up the stored deal for the hand.
func (g *Blackjack) StartHand(ctx context.Context) ([]models.Effect, error) {
	return services.RunLocked(ctx, g.Base, services.PresetMoney, func(ctx context.Context) ([]models.Effect, error) {
		phase, err := g.RequirePhase(ctx, models.PhasePlacingBets, models.PhaseDealing)
		if err != nil {
			return nil, err
		}
		players, err := g.Store().GetPlayers(ctx)
		if err != nil {
			return nil, err
		}
		bettors := players.Bettors()
		if len(bettors) == 0 {
			return nil, models.InvalidState("no bets placed")
		}

		prev, ok, err := services.LoadCustomState[BlackjackState](ctx, g.Store())
		if err != nil {
			return nil, err
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

		var st *BlackjackState
		if ok && prev.Hand == hand && prev.Shoe != nil && !prev.Settled {
			g.Logger().Info("resuming deal", zap.Int64("hand", hand))
			st = &prev
			if st.Retired != nil {
				effects = append(effects, st.Retired.reveal(g.Base))
			}
			if st.Shuffled {
				effects = append(effects, st.Shoe.announce(g.Base))
			}
		} else {
			var more []models.Effect
			if st, more, err = g.deal(ctx, hand, prev.Shoe, bettors); err != nil {
				return nil, err
			}
			effects = append(effects, more...)
			if err := services.SaveCustomState(ctx, g.Store(), *st); err != nil {
				return nil, err
			}
		}

		hands := make(map[string][]models.Card, len(st.Seats))
		for _, s := range st.Seats {
			hands[models.PlayerKey(s.UserID, s.Seat)] = s.Hands[0].Cards
		}
		effects = append(effects, g.Effect(models.EventCardsDealt, map[string]interface{}{
			"dealer_upcard": st.Dealer[0],
			"hands":         hands,
		}))

		if upcard := st.Dealer[0]; upcard.Rank >= 10 && upcard.Rank != models.Ace && g.dealerNatural(st) {
			st.HoleHidden = false
			more, err := g.settle(ctx, st)
			if err != nil {
				return nil, err
			}
			return stamp(append(effects, more...), hand), nil
		}

		more, err := g.proceed(ctx, st)
		if err != nil {
			return nil, err
		}
		g.Logger().Info("hand dealt", zap.Int64("hand", hand), zap.Int("seats", len(st.Seats)), zap.Int("shoe_remaining", st.Shoe.Remaining()))
		return stamp(append(effects, more...), hand), nil
	})
}

// deal builds the hand from the persistent shoe, replacing it first when it
// has passed the cut.
func (g *Blackjack) deal(ctx context.Context, hand int64, shoe *Shoe, bettors []*models.SeatedPlayer) (*BlackjackState, []models.Effect, error) {
	var effects []models.Effect
	st := &BlackjackState{Hand: hand, Shoe: shoe, HoleHidden: true}
	if st.Shoe == nil || st.Shoe.Consumed() >= reshuffleThreshold {
		if st.Shoe != nil {
			effects = append(effects, st.Shoe.reveal(g.Base))
			st.Retired = &Shoe{Decks: st.Shoe.Decks, Seeds: st.Shoe.Seeds}
		}
		fresh, eff, err := newShoe(ctx, g.Base, g.decks)
		if err != nil {
			return nil, nil, err
		}
		st.Shoe = fresh
		st.Shuffled = true
		effects = append(effects, eff)
	}

	for _, p := range bettors {
		st.Seats = append(st.Seats, &BlackjackSeat{
			UserID: p.UserID,
			Seat:   p.Seat,
			Hands:  []*BlackjackHand{{Bet: p.CurrentBet}},
		})
	}
	for round := 0; round < 2; round++ {
		for _, s := range st.Seats {
			c, err := g.draw(ctx, st, &effects)
			if err != nil {
				return nil, nil, err
			}
			s.Hands[0].Cards = append(s.Hands[0].Cards, c)
		}
		c, err := g.draw(ctx, st, &effects)
		if err != nil {
			return nil, nil, err
		}
		st.Dealer = append(st.Dealer, c)
	}
	st.InsuranceOpen = st.Dealer[0].Rank == models.Ace
	return st, effects, nil
}

// proceed hands the turn to the next player or, when nobody is left to act,
// plays the dealer and settles. The state is stored before the phase moves.
func (g *Blackjack) proceed(ctx context.Context, st *BlackjackState) ([]models.Effect, error) {
	var effects []models.Effect
	if st.InsuranceOpen || st.advance() {
		st.TurnDeadline = g.Now().Add(decisionWindow(g.Config()))
		if err := services.SaveCustomState(ctx, g.Store(), *st); err != nil {
			return nil, err
		}
		if g.CachedPhase() != models.PhasePlayerTurn {
			eff, err := g.Transition(ctx, models.PhasePlayerTurn)
			if err != nil {
				return nil, err
			}
			effects = append(effects, eff)
		}
		return effects, nil
	}

	if err := services.SaveCustomState(ctx, g.Store(), *st); err != nil {
		return nil, err
	}
	eff, err := g.Transition(ctx, models.PhaseDealerTurn)
	if err != nil {
		return nil, err
	}
	effects = append(effects, eff)
	more, err := g.playDealer(ctx, st)
	if err != nil {
		return nil, err
	}
	return append(effects, more...), nil
}

func (g *Blackjack) Act(ctx context.Context, req models.ActionRequest) ([]models.Effect, error) {
	switch req.Action {
	case actionHit, actionStand, actionDouble, actionSplit, actionInsurance, actionNoInsurance:
	default:
		return nil, models.InvalidAction("unknown action %q", req.Action)
	}

	return services.RunLocked(ctx, g.Base, services.PresetMoney, func(ctx context.Context) ([]models.Effect, error) {
		if _, err := g.RequirePhase(ctx, models.PhasePlayerTurn); err != nil {
			return nil, err
		}
		st, err := g.loadState(ctx)
		if err != nil {
			return nil, err
		}
		s := st.seat(req.UserID, req.Seat)
		if s == nil {
			return nil, models.InvalidAction("seat %d has no hand", req.Seat)
		}
		effects, err := g.act(ctx, st, s, req.Action)
		if err != nil {
			return nil, err
		}
		return stamp(effects, st.Hand), nil
	})
}

func (g *Blackjack) act(ctx context.Context, st *BlackjackState, s *BlackjackSeat, action string) ([]models.Effect, error) {
	var effects []models.Effect
	actionEffect := func(data map[string]interface{}) {
		data["action"] = action
		effects = append(effects, g.Effect(models.EventPlayerAction, data).ForSeat(s.UserID, s.Seat))
	}

	if action == actionInsurance || action == actionNoInsurance {
		if !st.InsuranceOpen || s.InsuranceDecided {
			return nil, models.InvalidAction("insurance is not on offer")
		}
		if action == actionInsurance {
			stake := s.Hands[0].Bet / 2
			if stake <= 0 {
				return nil, models.InvalidAction("bet too small to insure")
			}
			if _, err := g.Debit(ctx, services.Movement{
				UserID:      s.UserID,
				Seat:        s.Seat,
				Amount:      stake,
				Ref:         actionInsurance,
				Description: "Insurance",
			}); err != nil {
				return nil, err
			}
			s.Insurance = stake
		}
		s.InsuranceDecided = true
		actionEffect(map[string]interface{}{"insurance": s.Insurance})

		for _, other := range st.Seats {
			if !other.InsuranceDecided {
				if err := services.SaveCustomState(ctx, g.Store(), *st); err != nil {
					return nil, err
				}
				return effects, nil
			}
		}
		more, done, err := g.closeInsurance(ctx, st)
		if err != nil {
			return nil, err
		}
		effects = append(effects, more...)
		if done {
			return effects, nil
		}
		more, err = g.proceed(ctx, st)
		if err != nil {
			return nil, err
		}
		return append(effects, more...), nil
	}

	// The first play action ends the insurance window for everyone.
	if st.InsuranceOpen {
		more, done, err := g.closeInsurance(ctx, st)
		if err != nil {
			return nil, err
		}
		effects = append(effects, more...)
		if done {
			return effects, nil
		}
		st.advance()
	}

	if st.Turn >= len(st.Seats) || st.Seats[st.Turn] != s {
		return nil, models.InvalidAction("not your turn")
	}
	h := s.current()

	switch action {
	case actionHit:
		c, err := g.draw(ctx, st, &effects)
		if err != nil {
			return nil, err
		}
		h.Cards = append(h.Cards, c)
		actionEffect(map[string]interface{}{"card": c, "total": h.Total()})

	case actionStand:
		h.Stood = true
		actionEffect(map[string]interface{}{"total": h.Total()})

	case actionDouble:
		if len(h.Cards) != 2 {
			return nil, models.InvalidAction("double is only allowed on two cards")
		}
		if _, err := g.Debit(ctx, services.Movement{
			UserID:      s.UserID,
			Seat:        s.Seat,
			Amount:      h.Bet,
			Ref:         fmt.Sprintf("double%d", s.Active),
			Description: "Double down",
		}); err != nil {
			return nil, err
		}
		h.Bet *= 2
		h.Doubled = true
		c, err := g.draw(ctx, st, &effects)
		if err != nil {
			return nil, err
		}
		h.Cards = append(h.Cards, c)
		actionEffect(map[string]interface{}{"card": c, "total": h.Total(), "bet": h.Bet})

	case actionSplit:
		if len(h.Cards) != 2 || h.Cards[0].Rank != h.Cards[1].Rank {
			return nil, models.InvalidAction("only a pair can be split")
		}
		if len(s.Hands) >= maxSplitHands {
			return nil, models.InvalidAction("at most %d hands per seat", maxSplitHands)
		}
		if _, err := g.Debit(ctx, services.Movement{
			UserID:      s.UserID,
			Seat:        s.Seat,
			Amount:      h.Bet,
			Ref:         fmt.Sprintf("split%d", len(s.Hands)),
			Description: "Split",
		}); err != nil {
			return nil, err
		}
		aces := h.Cards[0].Rank == models.Ace
		second := &BlackjackHand{Cards: []models.Card{h.Cards[1]}, Bet: h.Bet, Split: true}
		h.Cards = h.Cards[:1]
		h.Split = true

		for _, sh := range []*BlackjackHand{h, second} {
			c, err := g.draw(ctx, st, &effects)
			if err != nil {
				return nil, err
			}
			sh.Cards = append(sh.Cards, c)
			// Split aces take one card each and stand.
			sh.Stood = aces
		}
		s.Hands = append(s.Hands[:s.Active+1], append([]*BlackjackHand{second}, s.Hands[s.Active+1:]...)...)
		actionEffect(map[string]interface{}{"hands": s.Hands})

	default:
		return nil, models.InvalidAction("unknown action %q", action)
	}

	more, err := g.proceed(ctx, st)
	if err != nil {
		return nil, err
	}
	return append(effects, more...), nil
}

// closeInsurance ends the insurance window and peeks at the hole card. done is
// true when the dealer had blackjack and the hand has been settled.
func (g *Blackjack) closeInsurance(ctx context.Context, st *BlackjackState) ([]models.Effect, bool, error) {
	st.InsuranceOpen = false
	for _, s := range st.Seats {
		s.InsuranceDecided = true
	}
	if !g.dealerNatural(st) {
		return nil, false, nil
	}
	st.HoleHidden = false
	effects, err := g.settle(ctx, st)
	if err != nil {
		return nil, false, err
	}
	return effects, true, nil
}

func (g *Blackjack) dealerNatural(st *BlackjackState) bool {
	total, _ := handTotal(st.Dealer)
	return len(st.Dealer) == 2 && total == 21
}

// ResolveHand finishes a hand left in DEALER_TURN, or a settlement a failed
// call left behind.
func (g *Blackjack) ResolveHand(ctx context.Context) ([]models.Effect, error) {
	return services.RunLocked(ctx, g.Base, services.PresetMoney, func(ctx context.Context) ([]models.Effect, error) {
		if effects, ok, err := g.ResumeSettlement(ctx); ok || err != nil {
			return effects, err
		}
		if _, err := g.RequirePhase(ctx, models.PhaseDealerTurn); err != nil {
			return nil, err
		}
		st, err := g.loadState(ctx)
		if err != nil {
			return nil, err
		}
		effects, err := g.playDealer(ctx, st)
		if err != nil {
			return nil, err
		}
		return stamp(effects, st.Hand), nil
	})
}

// playDealer reveals the hole card and draws, unless every player hand has
// already busted or is a blackjack, then settles.
func (g *Blackjack) playDealer(ctx context.Context, st *BlackjackState) ([]models.Effect, error) {
	var effects []models.Effect
	st.HoleHidden = false

	live := false
	for _, s := range st.Seats {
		for _, h := range s.Hands {
			if h.Total() <= 21 && !h.Natural() {
				live = true
			}
		}
	}
	if live {
		cards, err := dealerDraw(st.Dealer, g.hitSoft17, func() (models.Card, error) {
			return g.draw(ctx, st, &effects)
		})
		if err != nil {
			return nil, err
		}
		st.Dealer = cards
	}
	total, _ := handTotal(st.Dealer)
	effects = append(effects, g.Effect(models.EventDealerPlayed, map[string]interface{}{
		"cards": st.Dealer,
		"total": total,
	}))

	more, err := g.settle(ctx, st)
	if err != nil {
		return nil, err
	}
	return append(effects, more...), nil
}

func (g *Blackjack) settle(ctx context.Context, st *BlackjackState) ([]models.Effect, error) {
	dealerTotal, _ := handTotal(st.Dealer)
	dealerNatural := g.dealerNatural(st)

	var payouts []services.Payout
	results := make(map[string][]string, len(st.Seats))
	for _, s := range st.Seats {
		key := models.PlayerKey(s.UserID, s.Seat)
		if s.Insurance > 0 && dealerNatural {
			payouts = append(payouts, services.Payout{
				UserID:  s.UserID,
				Seat:    s.Seat,
				Amount:  3 * s.Insurance,
				Outcome: outcomeInsurance,
				Ref:     "insurance_win",
			})
		}

		for i, h := range s.Hands {
			var (
				amount int64
				refund bool
			)
			total := h.Total()
			switch {
			case total > 21:
				h.Outcome = outcomeBust
			case h.Natural() && dealerNatural:
				h.Outcome, amount, refund = outcomePush, h.Bet, true
			case h.Natural():
				h.Outcome, amount = outcomeBlackjack, h.Bet+h.Bet*3/2
			case dealerNatural:
				h.Outcome = outcomeLose
			case dealerTotal > 21 || total > dealerTotal:
				h.Outcome, amount = outcomeWin, 2*h.Bet
			case total == dealerTotal:
				h.Outcome, amount, refund = outcomePush, h.Bet, true
			default:
				h.Outcome = outcomeLose
			}
			results[key] = append(results[key], h.Outcome)

			if amount == 0 {
				continue
			}
			payouts = append(payouts, services.Payout{
				UserID:  s.UserID,
				Seat:    s.Seat,
				Amount:  amount,
				Outcome: h.Outcome,
				Refund:  refund,
				Ref:     fmt.Sprintf("hand%d", i),
			})
		}
	}

	after := []models.Effect{g.Effect(models.EventHandResolved, map[string]interface{}{
		"dealer":       st.Dealer,
		"dealer_total": dealerTotal,
		"results":      results,
	})}

	st.Settled = true
	st.InsuranceOpen = false
	effects, err := g.Settle(ctx, st.Hand, payouts, after, *st)
	if err != nil {
		return nil, err
	}
	g.Logger().Info("hand resolved", zap.Int64("hand", st.Hand), zap.Int("dealer_total", dealerTotal))
	return effects, nil
}

func (g *Blackjack) draw(ctx context.Context, st *BlackjackState, effects *[]models.Effect) (models.Card, error) {
	c, more, err := drawCard(ctx, g.Base, st.Shoe)
	if err != nil {
		return models.Card{}, err
	}
	*effects = append(*effects, more...)
	return c, nil
}

// Tick auto-starts betting rounds and, once a turn has timed out, declines
// open insurance or stands the current hand.
func (g *Blackjack) Tick(ctx context.Context, now time.Time) ([]models.Effect, error) {
	if effects, ok, err := g.ResumeSettlement(ctx); ok || err != nil {
		return effects, err
	}
	phase, err := g.Phase(ctx)
	if err != nil {
		return nil, err
	}
	switch phase {
	case models.PhasePlacingBets:
		due, err := autoStartDue(ctx, g.Base, now)
		if err != nil || !due {
			return nil, err
		}
		return g.StartHand(ctx)
	case models.PhaseDealing:
		return g.StartHand(ctx)
	case models.PhaseDealerTurn:
		return g.ResolveHand(ctx)
	case models.PhasePlayerTurn:
		return services.RunLocked(ctx, g.Base, services.PresetMoney, func(ctx context.Context) ([]models.Effect, error) {
			if _, err := g.RequirePhase(ctx, models.PhasePlayerTurn); err != nil {
				return nil, err
			}
			st, err := g.loadState(ctx)
			if err != nil {
				return nil, err
			}
			if now.Before(st.TurnDeadline) {
				return nil, nil
			}

			if st.InsuranceOpen {
				effects, done, err := g.closeInsurance(ctx, st)
				if err != nil {
					return nil, err
				}
				if !done {
					more, err := g.proceed(ctx, st)
					if err != nil {
						return nil, err
					}
					effects = append(effects, more...)
				}
				return stamp(effects, st.Hand), nil
			}
			if !st.advance() {
				// Every hand was finished when the dealer's turn failed to start.
				effects, err := g.proceed(ctx, st)
				if err != nil {
					return nil, err
				}
				return stamp(effects, st.Hand), nil
			}
			effects, err := g.act(ctx, st, st.Seats[st.Turn], actionStand)
			if err != nil {
				return nil, err
			}
			return stamp(effects, st.Hand), nil
		})
	}
	return nil, nil
}

func (g *Blackjack) loadState(ctx context.Context) (*BlackjackState, error) {
	st, ok, err := services.LoadCustomState[BlackjackState](ctx, g.Store())
	if err != nil {
		return nil, err
	}
	if !ok || st.Shoe == nil || st.Settled {
		return nil, models.InvalidState("no hand in progress")
	}
	return &st, nil
}

type blackjackView struct {
	Hand           int64              `json:"hand"`
	Dealer         []models.Card      `json:"dealer"`
	DealerTotal    int                `json:"dealer_total,omitempty"`
	Seats          []*BlackjackSeat   `json:"seats"`
	Turn           int                `json:"turn"`
	InsuranceOpen  bool               `json:"insurance_open"`
	TurnDeadline   time.Time          `json:"turn_deadline,omitempty"`
	Settled        bool               `json:"settled"`
	ShoeRemaining  int                `json:"shoe_remaining"`
	ShoeDecks      int                `json:"shoe_decks"`
	ShoePlayerSeed string             `json:"shoe_player_seed"`
	RetiredSeeds   *fairness.SeedPair `json:"retired_seeds,omitempty"`
}

// Snapshot hides the hole card while it is face down and never exposes the
// shoe order or its server seed.
func (g *Blackjack) Snapshot(ctx context.Context) (*models.TableSnapshot, error) {
	snap, err := g.Base.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	st, ok, err := services.LoadCustomState[BlackjackState](ctx, g.Store())
	if err != nil || !ok || st.Shoe == nil {
		return snap, nil
	}
	view := blackjackView{
		Hand:           st.Hand,
		Dealer:         st.Dealer,
		Seats:          st.Seats,
		Turn:           st.Turn,
		InsuranceOpen:  st.InsuranceOpen,
		TurnDeadline:   st.TurnDeadline,
		Settled:        st.Settled,
		ShoeRemaining:  st.Shoe.Remaining(),
		ShoeDecks:      st.Shoe.Decks,
		ShoePlayerSeed: st.Shoe.Seeds.PlayerSeed,
	}
	if st.Retired != nil {
		view.RetiredSeeds = &st.Retired.Seeds
	}
	if st.HoleHidden && len(st.Dealer) > 0 {
		view.Dealer = st.Dealer[:1]
	} else {
		view.DealerTotal, _ = handTotal(st.Dealer)
	}
	snap.ServerSeedHash = st.Shoe.Seeds.ServerSeedHash()
	snap.Game = view
	return snap, nil
}
