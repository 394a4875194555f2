package games

import (
	"context"
	"errors"

	"casino-table-engine/internal/fairness"
	"casino-table-engine/internal/models"
	"casino-table-engine/internal/services"

	"go.uber.org/zap"
)

// Shoe is a shuffled run of one or more decks consumed from the front. The
// seed pair behind it stays in the stored state and is revealed when the
// shoe is retired.
type Shoe struct {
	Cards []models.Card     `json:"cards"`
	Next  int               `json:"next"`
	Decks int               `json:"decks"`
	Seeds fairness.SeedPair `json:"seeds"`
}

func (s *Shoe) Remaining() int {
	return len(s.Cards) - s.Next
}

// Consumed is the dealt fraction of the shoe.
func (s *Shoe) Consumed() float64 {
	if len(s.Cards) == 0 {
		return 1
	}
	return float64(s.Next) / float64(len(s.Cards))
}

// Draw takes the next card, or fails with RESHUFFLE_REQUIRED when the shoe is
// empty. Callers go through drawCard, which handles that case.
func (s *Shoe) Draw() (models.Card, error) {
	if s.Next >= len(s.Cards) {
		return models.Card{}, models.ErrReshuffleRequired
	}
	c := s.Cards[s.Next]
	s.Next++
	return c, nil
}

// Commitment is the public face of the shoe while it is in play.
func (s *Shoe) Commitment() fairness.Commitment {
	return s.Seeds.Commitment()
}

// newShoe shuffles decks fresh decks with a new seed pair built from the
// seated players' client seeds and the current hand number.
func newShoe(ctx context.Context, b *services.Base, decks int) (*Shoe, models.Effect, error) {
	players, err := b.Store().GetPlayers(ctx)
	if err != nil {
		return nil, models.Effect{}, err
	}
	hand, err := b.Store().GetHandNumber(ctx)
	if err != nil {
		return nil, models.Effect{}, err
	}
	pair, err := b.NewSeedPair(ctx, players, hand)
	if err != nil {
		return nil, models.Effect{}, err
	}

	shoe := &Shoe{
		Cards: fairness.Shuffle(models.NewShoe(decks), pair),
		Decks: decks,
		Seeds: pair,
	}
	return shoe, shoe.announce(b), nil
}

// announce publishes the commitment of a shoe going into play.
func (s *Shoe) announce(b *services.Base) models.Effect {
	return b.Effect(models.EventShoeShuffled, map[string]interface{}{
		"decks":            s.Decks,
		"player_seed":      s.Seeds.PlayerSeed,
		"server_seed_hash": s.Seeds.ServerSeedHash(),
	})
}

// reveal publishes the seed pair of a retired shoe so its order can be
// verified against NewShoe(decks).
func (s *Shoe) reveal(b *services.Base) models.Effect {
	return b.Effect(models.EventSeedRevealed, map[string]interface{}{
		"decks":            s.Decks,
		"player_seed":      s.Seeds.PlayerSeed,
		"server_seed":      s.Seeds.ServerSeed,
		"server_seed_hash": s.Seeds.ServerSeedHash(),
	})
}

// drawCard draws from shoe, replacing it in place with a freshly shuffled one
// when it runs out.
func drawCard(ctx context.Context, b *services.Base, shoe *Shoe) (models.Card, []models.Effect, error) {
	c, err := shoe.Draw()
	if err == nil {
		return c, nil, nil
	}
	if !errors.Is(err, models.ErrReshuffleRequired) {
		return models.Card{}, nil, err
	}

	effects := []models.Effect{shoe.reveal(b)}
	fresh, eff, err := newShoe(ctx, b, shoe.Decks)
	if err != nil {
		return models.Card{}, nil, err
	}
	*shoe = *fresh
	effects = append(effects, eff)
	b.Logger().Info("shoe exhausted mid-hand, reshuffled", zap.Int("decks", shoe.Decks))

	c, err = shoe.Draw()
	if err != nil {
		return models.Card{}, nil, err
	}
	return c, effects, nil
}
