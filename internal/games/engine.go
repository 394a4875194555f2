// Package games holds the concrete table games. Each embeds *services.Base
// for seating, phases and money, and keeps its own tagged custom state.
package games

import (
	"context"
	"time"

	"casino-table-engine/internal/models"
	"casino-table-engine/internal/services"
)

// GameEngine is what the transport and the registry see of a table. Every
// state-changing call returns the effects to broadcast once it has returned.
type GameEngine interface {
	GameType() models.GameType
	TableID() string
	Config() models.TableConfig

	AddPlayer(ctx context.Context, userID string, seat int) (bool, []models.Effect, error)
	RemovePlayer(ctx context.Context, userID string, seat int) ([]models.Effect, error)
	SetClientSeed(ctx context.Context, userID string, seat int, seed string) error
	SetConnected(ctx context.Context, userID string, connected bool) error

	PlaceBet(ctx context.Context, userID string, seat int, amount int64) ([]models.Effect, error)
	StartHand(ctx context.Context) ([]models.Effect, error)
	ResolveHand(ctx context.Context) ([]models.Effect, error)
	Act(ctx context.Context, req models.ActionRequest) ([]models.Effect, error)

	Snapshot(ctx context.Context) (*models.TableSnapshot, error)
}

// Ticker is implemented by games with timed progress: auto-start, draw
// loops and decision windows. Tick must be safe to call from every process
// holding the table; all progress happens under the table lock.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) ([]models.Effect, error)
}

// PrivateViewer is implemented by games that deal cards only their owner may
// see. The result is added to that user's table view.
type PrivateViewer interface {
	PrivateView(ctx context.Context, userID string) (interface{}, error)
}

const (
	defaultDecisionWindow = 15 * time.Second
	defaultBuyInDuration  = 20 * time.Second
	defaultDrawInterval   = 3 * time.Second
)

func decisionWindow(cfg models.TableConfig) time.Duration {
	if cfg.Options.DecisionWindow > 0 {
		return cfg.Options.DecisionWindow
	}
	return defaultDecisionWindow
}

// placeBet adds amount to the seat's bet for the next hand. maxTotal caps
// the seat's accumulated bet; zero means the table maximum.
func placeBet(ctx context.Context, b *services.Base, userID string, seat int, amount, maxTotal int64) ([]models.Effect, error) {
	cfg := b.Config()
	if maxTotal == 0 {
		maxTotal = cfg.MaxBet
	}
	req := models.BetRequest{Seat: seat, Amount: amount}
	if err := req.Validate(cfg); err != nil {
		return nil, err
	}

	return services.RunLocked(ctx, b, services.PresetMoney, func(ctx context.Context) ([]models.Effect, error) {
		if _, err := b.RequirePhase(ctx, models.PhasePlacingBets); err != nil {
			return nil, err
		}
		players, err := b.Store().GetPlayers(ctx)
		if err != nil {
			return nil, err
		}
		p, ok := players.Get(userID, seat)
		if !ok {
			return nil, models.InvalidAction("user %s is not seated at %d", userID, seat)
		}
		if p.CurrentBet+amount > maxTotal {
			return nil, models.InvalidAction("bet would exceed the limit of %d", maxTotal)
		}

		chips, err := b.DeductChips(ctx, userID, seat, amount, "Bet")
		if err != nil {
			return nil, err
		}
		return []models.Effect{
			b.Effect(models.EventBetPlaced, map[string]interface{}{
				"amount": amount,
				"total":  p.CurrentBet + amount,
				"chips":  chips,
			}).ForSeat(userID, seat),
		}, nil
	})
}

// autoStartDue reports whether betting has been open long enough, counted
// from the oldest pending bet, for the scheduler to start the hand. The
// caller has already seen PLACING_BETS.
func autoStartDue(ctx context.Context, b *services.Base, now time.Time) (bool, error) {
	delay := b.Config().AutoStartDelay
	if delay <= 0 {
		return false, nil
	}
	players, err := b.Store().GetPlayers(ctx)
	if err != nil {
		return false, err
	}
	bettors := players.Bettors()
	if len(bettors) == 0 {
		return false, nil
	}
	oldest := bettors[0].LastActionAt
	for _, p := range bettors[1:] {
		if p.LastActionAt.Before(oldest) {
			oldest = p.LastActionAt
		}
	}
	return !now.Before(oldest.Add(delay)), nil
}

func stamp(effects []models.Effect, hand int64) []models.Effect {
	for i := range effects {
		if effects[i].HandNumber == 0 {
			effects[i].HandNumber = hand
		}
	}
	return effects
}

// New builds the engine for cfg.GameType.
func New(ctx context.Context, cfg models.TableConfig, deps services.Deps) (GameEngine, error) {
	switch cfg.GameType {
	case models.GameTypeHighCard:
		return NewHighCard(ctx, cfg, deps)
	case models.GameTypeBlackjack:
		return NewBlackjack(ctx, cfg, deps)
	case models.GameTypeBingo:
		return NewBingo(ctx, cfg, deps)
	case models.GameTypeLetItRide:
		return NewLetItRide(ctx, cfg, deps)
	default:
		return nil, models.InvalidAction("unsupported game type: %s", cfg.GameType)
	}
}
