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
	letItRideSubBets   = 3
	letItRideCommunity = 2

	actionWithdraw = "withdraw"
	actionRide     = "ride"
)

type LetItRideSeat struct {
	UserID  string                   `json:"user_id"`
	Seat    int                      `json:"seat"`
	Unit    int64                    `json:"unit"`
	Cards   []models.Card            `json:"cards"`
	Active  [letItRideSubBets]bool   `json:"active"`
	Decided [letItRideCommunity]bool `json:"decided"`
	Hand    string                   `json:"hand,omitempty"`
	Payout  int64                    `json:"payout,omitempty"`
}

func (s *LetItRideSeat) activeBets() int64 {
	var n int64
	for _, a := range s.Active {
		if a {
			n++
		}
	}
	return n
}

// LetItRideState is one hand. Revealed counts the shared cards turned so
// far; while it is k the window for sub-bet k is open.
type LetItRideState struct {
	Hand             int64            `json:"hand"`
	Shoe             *Shoe            `json:"shoe"`
	Community        []models.Card    `json:"community"`
	Revealed         int              `json:"revealed"`
	Seats            []*LetItRideSeat `json:"seats"`
	DecisionDeadline time.Time        `json:"decision_deadline,omitempty"`
	Settled          bool             `json:"settled"`
}

func (LetItRideState) StateKind() models.GameType { return models.GameTypeLetItRide }

func (st *LetItRideState) seat(userID string, seat int) *LetItRideSeat {
	for _, s := range st.Seats {
		if s.UserID == userID && s.Seat == seat {
			return s
		}
	}
	return nil
}

func (st *LetItRideState) windowClosed() bool {
	stage := st.Revealed - 1
	for _, s := range st.Seats {
		if !s.Decided[stage] {
			return false
		}
	}
	return true
}

// LetItRide takes three equal sub-bets per seat against a fixed paytable.
// Each shared card reveal lets the player pull back one more sub-bet; the
// third always rides.
type LetItRide struct {
	*services.Base
}

func NewLetItRide(ctx context.Context, cfg models.TableConfig, deps services.Deps) (*LetItRide, error) {
	base, err := services.NewBase(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	return &LetItRide{Base: base}, nil
}

func (g *LetItRide) GameType() models.GameType { return models.GameTypeLetItRide }

// PlaceBet places the three sub-bets of amount each.
func (g *LetItRide) PlaceBet(ctx context.Context, userID string, seat int, amount int64) ([]models.Effect, error) {
	req := models.BetRequest{Seat: seat, Amount: amount}
	if err := req.Validate(g.Config()); err != nil {
		return nil, err
	}

	return services.RunLocked(ctx, g.Base, services.PresetMoney, func(ctx context.Context) ([]models.Effect, error) {
		if _, err := g.RequirePhase(ctx, models.PhasePlacingBets); err != nil {
			return nil, err
		}
		players, err := g.Store().GetPlayers(ctx)
		if err != nil {
			return nil, err
		}
		p, ok := players.Get(userID, seat)
		if !ok {
			return nil, models.InvalidAction("user %s is not seated at %d", userID, seat)
		}
		if p.CurrentBet > 0 {
			return nil, models.InvalidAction("seat %d already has a bet", seat)
		}

		total := amount * letItRideSubBets
		chips, err := g.DeductChips(ctx, userID, seat, total, "Let It Ride sub-bets")
		if err != nil {
			return nil, err
		}
		return []models.Effect{
			g.Effect(models.EventBetPlaced, map[string]interface{}{
				"amount": amount,
				"total":  total,
				"chips":  chips,
			}).ForSeat(userID, seat),
		}, nil
	})
}

// StartHand deals three cards per seat and two shared cards, then opens the
// first decision window. A table left in DEALING picks up the stored deal.
func (g *LetItRide) StartHand(ctx context.Context) ([]models.Effect, error) {
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

		st, ok, err := services.LoadCustomState[LetItRideState](ctx, g.Store())
		if err != nil {
			return nil, err
		}
		if ok && st.Hand == hand && st.Shoe != nil && st.Revealed > 0 && !st.Settled {
			g.Logger().Info("resuming deal", zap.Int64("hand", hand))
			effects = append(effects, st.Shoe.announce(g.Base))
		} else {
			var more []models.Effect
			if st, more, err = g.deal(ctx, hand, bettors); err != nil {
				return nil, err
			}
			effects = append(effects, more...)
			g.reveal(&st)
			if err := services.SaveCustomState(ctx, g.Store(), st); err != nil {
				return nil, err
			}
		}

		for _, s := range st.Seats {
			effects = append(effects, g.Effect(models.EventCardsDealt, map[string]interface{}{
				"cards": s.Cards,
			}).ForSeat(s.UserID, s.Seat))
		}
		eff, err := g.Transition(ctx, models.PhasePlayerTurn)
		if err != nil {
			return nil, err
		}
		effects = append(effects, eff, g.shown(&st))

		g.Logger().Info("hand dealt", zap.Int64("hand", hand), zap.Int("seats", len(st.Seats)))
		return stamp(effects, hand), nil
	})
}

func (g *LetItRide) deal(ctx context.Context, hand int64, bettors []*models.SeatedPlayer) (LetItRideState, []models.Effect, error) {
	shoe, eff, err := newShoe(ctx, g.Base, 1)
	if err != nil {
		return LetItRideState{}, nil, err
	}
	effects := []models.Effect{eff}
	draw := func() (models.Card, error) {
		c, more, err := drawCard(ctx, g.Base, shoe)
		effects = append(effects, more...)
		return c, err
	}

	st := LetItRideState{Hand: hand, Shoe: shoe}
	for _, p := range bettors {
		s := &LetItRideSeat{UserID: p.UserID, Seat: p.Seat, Unit: p.CurrentBet / letItRideSubBets}
		for i := range s.Active {
			s.Active[i] = true
		}
		for i := 0; i < 3; i++ {
			c, err := draw()
			if err != nil {
				return LetItRideState{}, nil, err
			}
			s.Cards = append(s.Cards, c)
		}
		st.Seats = append(st.Seats, s)
	}
	for i := 0; i < letItRideCommunity; i++ {
		c, err := draw()
		if err != nil {
			return LetItRideState{}, nil, err
		}
		st.Community = append(st.Community, c)
	}
	return st, effects, nil
}

// reveal turns the next shared card and opens its decision window.
func (g *LetItRide) reveal(st *LetItRideState) models.Effect {
	st.Revealed++
	st.DecisionDeadline = g.Now().Add(decisionWindow(g.Config()))
	return g.shown(st)
}

// shown announces the latest shared card turned.
func (g *LetItRide) shown(st *LetItRideState) models.Effect {
	return g.Effect(models.EventCommunityShown, map[string]interface{}{
		"index":    st.Revealed,
		"card":     st.Community[st.Revealed-1],
		"sub_bet":  st.Revealed,
		"deadline": st.DecisionDeadline,
	})
}

func (g *LetItRide) Act(ctx context.Context, req models.ActionRequest) ([]models.Effect, error) {
	if req.Action != actionWithdraw && req.Action != actionRide {
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
		stage := st.Revealed - 1
		if s.Decided[stage] {
			return nil, models.InvalidAction("sub-bet %d is already decided", stage+1)
		}

		var effects []models.Effect
		if req.Action == actionWithdraw {
			_, err := g.Refund(ctx, services.Movement{
				UserID:      s.UserID,
				Seat:        s.Seat,
				Amount:      s.Unit,
				Ref:         fmt.Sprintf("withdraw%d", stage+1),
				Description: "Withdrawn sub-bet",
			})
			if err != nil {
				return nil, err
			}
			s.Active[stage] = false
			effects = append(effects, g.Effect(models.EventBetWithdrawn, map[string]interface{}{
				"sub_bet": stage + 1,
				"amount":  s.Unit,
			}).ForSeat(s.UserID, s.Seat))
		} else {
			effects = append(effects, g.Effect(models.EventPlayerAction, map[string]interface{}{
				"action":  actionRide,
				"sub_bet": stage + 1,
			}).ForSeat(s.UserID, s.Seat))
		}
		s.Decided[stage] = true

		if st.windowClosed() {
			more, err := g.advance(ctx, st)
			if err != nil {
				return nil, err
			}
			return stamp(append(effects, more...), st.Hand), nil
		}
		if err := services.SaveCustomState(ctx, g.Store(), *st); err != nil {
			return nil, err
		}
		return stamp(effects, st.Hand), nil
	})
}

// advance closes the current window, letting undecided sub-bets ride, then
// reveals the next shared card or settles after the last one.
func (g *LetItRide) advance(ctx context.Context, st *LetItRideState) ([]models.Effect, error) {
	stage := st.Revealed - 1
	for _, s := range st.Seats {
		s.Decided[stage] = true
	}
	if st.Revealed < letItRideCommunity {
		eff := g.reveal(st)
		if err := services.SaveCustomState(ctx, g.Store(), *st); err != nil {
			return nil, err
		}
		return []models.Effect{eff}, nil
	}
	return g.settle(ctx, st)
}

func (g *LetItRide) settle(ctx context.Context, st *LetItRideState) ([]models.Effect, error) {
	var payouts []services.Payout
	results := make(map[string]string, len(st.Seats))
	for _, s := range st.Seats {
		five := append(append([]models.Card(nil), s.Cards...), st.Community...)
		s.Hand = classifyFive(five)
		results[models.PlayerKey(s.UserID, s.Seat)] = s.Hand

		pays, ok := letItRidePays[s.Hand]
		active := s.activeBets()
		if !ok || active == 0 {
			continue
		}
		s.Payout = active * s.Unit * (pays + 1)
		payouts = append(payouts, services.Payout{
			UserID:  s.UserID,
			Seat:    s.Seat,
			Amount:  s.Payout,
			Outcome: s.Hand,
			Ref:     "payout",
		})
	}

	after := []models.Effect{
		g.Effect(models.EventHandResolved, map[string]interface{}{
			"community": st.Community,
			"results":   results,
		}),
		st.Shoe.reveal(g.Base),
	}

	st.Settled = true
	effects, err := g.Settle(ctx, st.Hand, payouts, after, *st)
	if err != nil {
		return nil, err
	}
	g.Logger().Info("hand resolved", zap.Int64("hand", st.Hand))
	return effects, nil
}

// ResolveHand lets every open sub-bet ride and plays the hand out, or
// finishes a settlement a failed call left behind.
func (g *LetItRide) ResolveHand(ctx context.Context) ([]models.Effect, error) {
	return services.RunLocked(ctx, g.Base, services.PresetMoney, func(ctx context.Context) ([]models.Effect, error) {
		if effects, ok, err := g.ResumeSettlement(ctx); ok || err != nil {
			return effects, err
		}
		if _, err := g.RequirePhase(ctx, models.PhasePlayerTurn); err != nil {
			return nil, err
		}
		st, err := g.loadState(ctx)
		if err != nil {
			return nil, err
		}
		var effects []models.Effect
		for !st.Settled {
			more, err := g.advance(ctx, st)
			if err != nil {
				return nil, err
			}
			effects = append(effects, more...)
		}
		return stamp(effects, st.Hand), nil
	})
}

// Tick auto-starts betting and closes decision windows that have lapsed.
func (g *LetItRide) Tick(ctx context.Context, now time.Time) ([]models.Effect, error) {
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
	case models.PhasePlayerTurn:
		return services.RunLocked(ctx, g.Base, services.PresetMoney, func(ctx context.Context) ([]models.Effect, error) {
			if _, err := g.RequirePhase(ctx, models.PhasePlayerTurn); err != nil {
				return nil, err
			}
			st, err := g.loadState(ctx)
			if err != nil {
				return nil, err
			}
			if now.Before(st.DecisionDeadline) {
				return nil, nil
			}
			effects, err := g.advance(ctx, st)
			if err != nil {
				return nil, err
			}
			return stamp(effects, st.Hand), nil
		})
	}
	return nil, nil
}

func (g *LetItRide) loadState(ctx context.Context) (*LetItRideState, error) {
	st, ok, err := services.LoadCustomState[LetItRideState](ctx, g.Store())
	if err != nil {
		return nil, err
	}
	if !ok || st.Shoe == nil || st.Settled || st.Revealed == 0 {
		return nil, models.InvalidState("no hand in progress")
	}
	return &st, nil
}

type letItRideView struct {
	Hand             int64               `json:"hand"`
	Community        []models.Card       `json:"community"`
	Revealed         int                 `json:"revealed"`
	Seats            []letItRideSeatView `json:"seats"`
	DecisionDeadline time.Time           `json:"decision_deadline,omitempty"`
	Settled          bool                `json:"settled"`
	Seeds            *fairness.SeedPair  `json:"seeds,omitempty"`
}

// letItRideSeatView carries a seat's cards only once the hand is settled.
type letItRideSeatView struct {
	UserID  string                   `json:"user_id"`
	Seat    int                      `json:"seat"`
	Unit    int64                    `json:"unit"`
	Cards   []models.Card            `json:"cards,omitempty"`
	Active  [letItRideSubBets]bool   `json:"active"`
	Decided [letItRideCommunity]bool `json:"decided"`
	Hand    string                   `json:"hand,omitempty"`
	Payout  int64                    `json:"payout,omitempty"`
}

// Snapshot shows only the shared cards already turned, and no seat's own
// cards before settlement. Owners read theirs through PrivateView.
func (g *LetItRide) Snapshot(ctx context.Context) (*models.TableSnapshot, error) {
	snap, err := g.Base.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	st, ok, err := services.LoadCustomState[LetItRideState](ctx, g.Store())
	if err != nil || !ok || st.Shoe == nil {
		return snap, nil
	}
	view := letItRideView{
		Hand:             st.Hand,
		Revealed:         st.Revealed,
		DecisionDeadline: st.DecisionDeadline,
		Settled:          st.Settled,
	}
	for _, s := range st.Seats {
		sv := letItRideSeatView{
			UserID:  s.UserID,
			Seat:    s.Seat,
			Unit:    s.Unit,
			Active:  s.Active,
			Decided: s.Decided,
			Hand:    s.Hand,
			Payout:  s.Payout,
		}
		if st.Settled {
			sv.Cards = s.Cards
		}
		view.Seats = append(view.Seats, sv)
	}
	if st.Settled {
		view.Community = st.Community
		view.Seeds = &st.Shoe.Seeds
	} else {
		view.Community = st.Community[:st.Revealed]
	}
	snap.ServerSeedHash = st.Shoe.Seeds.ServerSeedHash()
	snap.Game = view
	return snap, nil
}

// PrivateView returns the cards of userID's seats in the current hand, keyed
// by seat key, or nil when the user holds none.
func (g *LetItRide) PrivateView(ctx context.Context, userID string) (interface{}, error) {
	st, ok, err := services.LoadCustomState[LetItRideState](ctx, g.Store())
	if err != nil {
		return nil, models.NewGameError(models.CodeSystemBusy, "failed to load hand")
	}
	if !ok || st.Shoe == nil {
		return nil, nil
	}
	cards := map[string][]models.Card{}
	for _, s := range st.Seats {
		if s.UserID == userID {
			cards[models.PlayerKey(s.UserID, s.Seat)] = s.Cards
		}
	}
	if len(cards) == 0 {
		return nil, nil
	}
	return cards, nil
}
