package games

import (
	"context"
	"time"

	"casino-table-engine/internal/fairness"
	"casino-table-engine/internal/models"
	"casino-table-engine/internal/services"

	"go.uber.org/zap"
)

const (
	outcomeWin       = "win"
	outcomeLose      = "lose"
	outcomePush      = "push"
	outcomeTie       = "tie"
	outcomeSurrender = "surrender"
	outcomeWarWin    = "war_win"
	outcomeWarLose   = "war_lose"
	outcomeWarPush   = "war_push"

	decisionWar       = "war"
	decisionSurrender = "surrender"
)

type HighCardSeat struct {
	UserID   string       `json:"user_id"`
	Seat     int          `json:"seat"`
	Bet      int64        `json:"bet"`
	Card     models.Card  `json:"card"`
	Outcome  string       `json:"outcome"`
	Decision string       `json:"decision,omitempty"`
	WarBet   int64        `json:"war_bet,omitempty"`
	WarCard  *models.Card `json:"war_card,omitempty"`
}

// HighCardState is one hand: a single deck shuffled for the hand, the house
// card and one card per bet.
type HighCardState struct {
	Hand             int64           `json:"hand"`
	Shoe             *Shoe           `json:"shoe"`
	House            models.Card     `json:"house"`
	HouseWar         *models.Card    `json:"house_war,omitempty"`
	Seats            []*HighCardSeat `json:"seats"`
	DecisionDeadline time.Time       `json:"decision_deadline,omitempty"`
	Settled          bool            `json:"settled"`
}

func (HighCardState) StateKind() models.GameType { return models.GameTypeHighCard }

func (st *HighCardState) seat(userID string, seat int) *HighCardSeat {
	for _, s := range st.Seats {
		if s.UserID == userID && s.Seat == seat {
			return s
		}
	}
	return nil
}

func (st *HighCardState) undecided() int {
	n := 0
	for _, s := range st.Seats {
		if s.Outcome == outcomeTie && s.Decision == "" {
			n++
		}
	}
	return n
}

// HighCard deals one card per bet against one house card. Higher rank wins
// even money; ties push, or with the war option offer a second round.
type HighCard struct {
	*services.Base
	tieMode string
}

func NewHighCard(ctx context.Context, cfg models.TableConfig, deps services.Deps) (*HighCard, error) {
	base, err := services.NewBase(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	tieMode := cfg.Options.TieMode
	if tieMode == "" {
		tieMode = models.TieModePush
	}
	return &HighCard{Base: base, tieMode: tieMode}, nil
}

func (g *HighCard) GameType() models.GameType { return models.GameTypeHighCard }

func (g *HighCard) PlaceBet(ctx context.Context, userID string, seat int, amount int64) ([]models.Effect, error) {
	return placeBet(ctx, g.Base, userID, seat, amount, 0)
}

// StartHand deals the hand. A table left in DEALING by a failed call deals
// again from the stored hand, or from scratch if it never got stored.
func (g *HighCard) StartHand(ctx context.Context) ([]models.Effect, error) {
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

		st, ok, err := services.LoadCustomState[HighCardState](ctx, g.Store())
		if err != nil {
			return nil, err
		}
		if ok && st.Hand == hand && st.Shoe != nil && !st.Settled {
			g.Logger().Info("resuming deal", zap.Int64("hand", hand))
			effects = append(effects, st.Shoe.announce(g.Base))
		} else {
			var more []models.Effect
			if st, more, err = g.deal(ctx, hand, bettors); err != nil {
				return nil, err
			}
			effects = append(effects, more...)
			if err := services.SaveCustomState(ctx, g.Store(), st); err != nil {
				return nil, err
			}
		}

		dealt := make(map[string]models.Card, len(st.Seats))
		for _, s := range st.Seats {
			dealt[models.PlayerKey(s.UserID, s.Seat)] = s.Card
		}
		effects = append(effects, g.Effect(models.EventCardsDealt, map[string]interface{}{
			"house": st.House,
			"cards": dealt,
		}))

		next := models.PhasePlaying
		if st.undecided() > 0 {
			next = models.PhasePlayerTurn
		}
		eff, err := g.Transition(ctx, next)
		if err != nil {
			return nil, err
		}
		effects = append(effects, eff)

		g.Logger().Info("hand dealt", zap.Int64("hand", hand), zap.Int("bets", len(bettors)), zap.String("house", st.House.String()))
		return stamp(effects, hand), nil
	})
}

func (g *HighCard) deal(ctx context.Context, hand int64, bettors []*models.SeatedPlayer) (HighCardState, []models.Effect, error) {
	shoe, eff, err := newShoe(ctx, g.Base, 1)
	if err != nil {
		return HighCardState{}, nil, err
	}
	effects := []models.Effect{eff}

	st := HighCardState{Hand: hand, Shoe: shoe}
	house, more, err := drawCard(ctx, g.Base, shoe)
	if err != nil {
		return HighCardState{}, nil, err
	}
	effects = append(effects, more...)
	st.House = house

	for _, p := range bettors {
		c, more, err := drawCard(ctx, g.Base, shoe)
		if err != nil {
			return HighCardState{}, nil, err
		}
		effects = append(effects, more...)

		s := &HighCardSeat{UserID: p.UserID, Seat: p.Seat, Bet: p.CurrentBet, Card: c}
		switch {
		case c.Rank > house.Rank:
			s.Outcome = outcomeWin
		case c.Rank < house.Rank:
			s.Outcome = outcomeLose
		case g.tieMode == models.TieModeWar:
			s.Outcome = outcomeTie
		default:
			s.Outcome = outcomePush
		}
		st.Seats = append(st.Seats, s)
	}
	if st.undecided() > 0 {
		st.DecisionDeadline = g.Now().Add(decisionWindow(g.Config()))
	}
	return st, effects, nil
}

// Act handles the tie decisions: "war" doubles the stake for one more card
// each, "surrender" takes back half the original bet.
func (g *HighCard) Act(ctx context.Context, req models.ActionRequest) ([]models.Effect, error) {
	if req.Action != decisionWar && req.Action != decisionSurrender {
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
		if s == nil || s.Outcome != outcomeTie || s.Decision != "" {
			return nil, models.InvalidAction("no tie decision pending for seat %d", req.Seat)
		}

		var effects []models.Effect
		switch req.Action {
		case decisionWar:
			_, err := g.Debit(ctx, services.Movement{
				UserID:      s.UserID,
				Seat:        s.Seat,
				Amount:      s.Bet,
				Ref:         decisionWar,
				Description: "War raise",
			})
			if err != nil {
				return nil, err
			}
			s.WarBet = s.Bet
		case decisionSurrender:
			eff, err := g.Pay(ctx, surrenderPayout(s))
			if err != nil {
				return nil, err
			}
			s.Outcome = outcomeSurrender
			effects = append(effects, eff)
		}
		s.Decision = req.Action
		effects = append([]models.Effect{
			g.Effect(models.EventPlayerAction, map[string]interface{}{"action": req.Action}).ForSeat(s.UserID, s.Seat),
		}, effects...)

		if err := services.SaveCustomState(ctx, g.Store(), st); err != nil {
			return nil, err
		}
		if st.undecided() == 0 {
			more, err := g.resolve(ctx, st)
			if err != nil {
				return nil, err
			}
			effects = append(effects, more...)
		}
		return stamp(effects, st.Hand), nil
	})
}

// surrenderPayout returns half the original stake. Made from Act or from the
// timeout, it is the same ledger movement.
func surrenderPayout(s *HighCardSeat) services.Payout {
	return services.Payout{
		UserID:  s.UserID,
		Seat:    s.Seat,
		Amount:  s.Bet / 2,
		Outcome: outcomeSurrender,
		Refund:  true,
		Ref:     decisionSurrender,
	}
}

// ResolveHand settles the hand, or finishes a settlement a failed call left
// behind.
func (g *HighCard) ResolveHand(ctx context.Context) ([]models.Effect, error) {
	return services.RunLocked(ctx, g.Base, services.PresetMoney, func(ctx context.Context) ([]models.Effect, error) {
		if effects, ok, err := g.ResumeSettlement(ctx); ok || err != nil {
			return effects, err
		}
		if _, err := g.RequirePhase(ctx, models.PhasePlaying, models.PhasePlayerTurn); err != nil {
			return nil, err
		}
		st, err := g.loadState(ctx)
		if err != nil {
			return nil, err
		}
		return g.resolve(ctx, st)
	})
}

// resolve runs under the table lock. Undecided ties are surrendered and war
// rounds dealt; the result goes to Settle, which pays every seat and closes
// the hand.
func (g *HighCard) resolve(ctx context.Context, st *HighCardState) ([]models.Effect, error) {
	var (
		effects []models.Effect
		payouts []services.Payout
	)

	for _, s := range st.Seats {
		if s.Outcome == outcomeTie && s.Decision == "" {
			s.Decision = decisionSurrender
			s.Outcome = outcomeSurrender
			if p := surrenderPayout(s); p.Amount > 0 {
				payouts = append(payouts, p)
			}
		}
	}

	for _, s := range st.Seats {
		if s.Decision != decisionWar {
			continue
		}
		if st.HouseWar == nil {
			c, more, err := drawCard(ctx, g.Base, st.Shoe)
			if err != nil {
				return nil, err
			}
			effects = append(effects, more...)
			st.HouseWar = &c
		}
		c, more, err := drawCard(ctx, g.Base, st.Shoe)
		if err != nil {
			return nil, err
		}
		effects = append(effects, more...)
		s.WarCard = &c
		switch {
		case c.Rank > st.HouseWar.Rank:
			s.Outcome = outcomeWarWin
		case c.Rank < st.HouseWar.Rank:
			s.Outcome = outcomeWarLose
		default:
			s.Outcome = outcomeWarPush
		}
	}
	if st.HouseWar != nil {
		effects = append(effects, g.Effect(models.EventCardsDealt, map[string]interface{}{
			"house_war": st.HouseWar,
			"war":       true,
		}))
	}

	results := make(map[string]string, len(st.Seats))
	for _, s := range st.Seats {
		results[models.PlayerKey(s.UserID, s.Seat)] = s.Outcome

		var (
			amount int64
			refund bool
		)
		switch s.Outcome {
		case outcomeWin:
			amount = 2 * s.Bet
		case outcomePush:
			amount, refund = s.Bet, true
		case outcomeWarWin:
			amount = 2 * (s.Bet + s.WarBet)
		case outcomeWarPush:
			amount, refund = s.Bet+s.WarBet, true
		}
		if amount == 0 {
			continue
		}
		payouts = append(payouts, services.Payout{
			UserID:  s.UserID,
			Seat:    s.Seat,
			Amount:  amount,
			Outcome: s.Outcome,
			Refund:  refund,
			Ref:     "payout",
		})
	}

	after := []models.Effect{
		g.Effect(models.EventHandResolved, map[string]interface{}{"house": st.House, "results": results}),
		st.Shoe.reveal(g.Base),
	}

	st.Settled = true
	more, err := g.Settle(ctx, st.Hand, payouts, after, *st)
	if err != nil {
		return nil, err
	}
	effects = append(effects, more...)
	g.Logger().Info("hand resolved", zap.Int64("hand", st.Hand))
	return stamp(effects, st.Hand), nil
}

func (g *HighCard) Tick(ctx context.Context, now time.Time) ([]models.Effect, error) {
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
	case models.PhasePlaying:
		return g.ResolveHand(ctx)
	case models.PhasePlayerTurn:
		st, err := g.loadState(ctx)
		if err != nil {
			return nil, err
		}
		if now.Before(st.DecisionDeadline) {
			return nil, nil
		}
		return g.ResolveHand(ctx)
	}
	return nil, nil
}

func (g *HighCard) loadState(ctx context.Context) (*HighCardState, error) {
	st, ok, err := services.LoadCustomState[HighCardState](ctx, g.Store())
	if err != nil {
		return nil, err
	}
	if !ok || st.Shoe == nil {
		return nil, models.InvalidState("no hand in progress")
	}
	return &st, nil
}

type highCardView struct {
	Hand             int64              `json:"hand"`
	House            models.Card        `json:"house"`
	HouseWar         *models.Card       `json:"house_war,omitempty"`
	Seats            []*HighCardSeat    `json:"seats"`
	DecisionDeadline time.Time          `json:"decision_deadline,omitempty"`
	Settled          bool               `json:"settled"`
	Seeds            *fairness.SeedPair `json:"seeds,omitempty"`
}

// Snapshot adds the current or last hand. The server seed is only shown for
// a settled hand.
func (g *HighCard) Snapshot(ctx context.Context) (*models.TableSnapshot, error) {
	snap, err := g.Base.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	st, ok, err := services.LoadCustomState[HighCardState](ctx, g.Store())
	if err != nil || !ok || st.Shoe == nil {
		return snap, nil
	}
	view := highCardView{
		Hand:             st.Hand,
		House:            st.House,
		HouseWar:         st.HouseWar,
		Seats:            st.Seats,
		DecisionDeadline: st.DecisionDeadline,
		Settled:          st.Settled,
	}
	if st.Settled {
		view.Seeds = &st.Shoe.Seeds
	}
	snap.ServerSeedHash = st.Shoe.Seeds.ServerSeedHash()
	snap.Game = view
	return snap, nil
}
