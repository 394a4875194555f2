package services

import (
	"context"
	"encoding/json"
	"fmt"

	"casino-table-engine/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Payout is one credit owed when a hand settles. Ref keys it in the ledger.
type Payout struct {
	UserID  string `json:"user_id"`
	Seat    int    `json:"seat"`
	Amount  int64  `json:"amount"`
	Outcome string `json:"outcome"`
	Refund  bool   `json:"refund,omitempty"`
	Ref     string `json:"ref"`
}

// Settlement is the decided result of a hand, written before the first
// payout. While it is stored the hand can only be finished from it.
type Settlement struct {
	Hand    int64           `json:"hand"`
	Payouts []Payout        `json:"payouts"`
	Effects []models.Effect `json:"effects,omitempty"`
	// State is the encoded custom state the table keeps after the hand.
	State json.RawMessage `json:"state,omitempty"`
}

func (s *TableStore) SaveSettlement(ctx context.Context, st Settlement) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement: %w", err)
	}
	if err := s.client.Set(ctx, s.key(KeyTableSettle), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save settlement: %w", err)
	}
	return nil
}

func (s *TableStore) LoadSettlement(ctx context.Context) (Settlement, bool, error) {
	var st Settlement
	data, err := s.client.Get(ctx, s.key(KeyTableSettle)).Bytes()
	if err == redis.Nil {
		return st, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("failed to load settlement: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, false, fmt.Errorf("failed to unmarshal settlement: %w", err)
	}
	return st, true, nil
}

func (s *TableStore) ClearSettlement(ctx context.Context) error {
	return s.client.Del(ctx, s.key(KeyTableSettle)).Err()
}

// Settle stores the hand's payouts, the effects to emit after them and the
// state to keep, then carries them out: RESOLVING, every payout, and the
// close of the hand. If any step fails the stored settlement is finished by
// ResumeSettlement, and keyed payouts already made are not made again.
func (b *Base) Settle(ctx context.Context, hand int64, payouts []Payout, after []models.Effect, next CustomState) ([]models.Effect, error) {
	st := Settlement{Hand: hand, Payouts: payouts, Effects: after}
	if next != nil {
		data, err := EncodeCustomState(next)
		if err != nil {
			return nil, err
		}
		st.State = data
	}
	if err := b.store.SaveSettlement(ctx, st); err != nil {
		return nil, err
	}
	return b.runSettlement(ctx, st)
}

// ResumeSettlement finishes a settlement left behind by a failed call. It
// reports false when there was nothing to resume.
func (b *Base) ResumeSettlement(ctx context.Context) ([]models.Effect, bool, error) {
	if _, ok, err := b.store.LoadSettlement(ctx); err != nil || !ok {
		if err != nil {
			return nil, false, b.boundaryError(err)
		}
		return nil, false, nil
	}

	type result struct {
		effects []models.Effect
		resumed bool
	}
	res, err := RunLocked(ctx, b, PresetMoney, func(ctx context.Context) (result, error) {
		st, ok, err := b.store.LoadSettlement(ctx)
		if err != nil || !ok {
			return result{}, err
		}
		hand, err := b.store.GetHandNumber(ctx)
		if err != nil {
			return result{}, err
		}
		if st.Hand != hand {
			b.logger.Warn("dropping stale settlement", zap.Int64("hand", st.Hand), zap.Int64("current", hand))
			return result{}, b.store.ClearSettlement(ctx)
		}

		b.logger.Info("resuming settlement", zap.Int64("hand", hand), zap.Int("payouts", len(st.Payouts)))
		effects, err := b.runSettlement(ctx, st)
		if err != nil {
			return result{}, err
		}
		return result{effects: effects, resumed: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return res.effects, res.resumed, nil
}

// runSettlement picks up wherever the phase shows the last attempt stopped.
func (b *Base) runSettlement(ctx context.Context, st Settlement) ([]models.Effect, error) {
	phase, err := b.Phase(ctx)
	if err != nil {
		return nil, err
	}

	var effects []models.Effect
	switch phase {
	case models.PhaseWaiting, models.PhasePlacingBets:
	case models.PhaseComplete:
		eff, err := b.reopen(ctx)
		if err != nil {
			return nil, err
		}
		effects = append(effects, eff)
	default:
		if phase != models.PhaseResolving {
			eff, err := b.Transition(ctx, models.PhaseResolving)
			if err != nil {
				return nil, err
			}
			effects = append(effects, eff)
		}
		for _, p := range st.Payouts {
			eff, err := b.Pay(ctx, p)
			if err != nil {
				return nil, err
			}
			effects = append(effects, eff)
		}
		effects = append(effects, st.Effects...)

		more, err := b.finish(ctx, st.State)
		if err != nil {
			return nil, err
		}
		effects = append(effects, more...)
	}

	if err := b.store.ClearSettlement(ctx); err != nil {
		b.logger.Warn("failed to clear settlement", zap.Int64("hand", st.Hand), zap.Error(err))
	}
	for i := range effects {
		if effects[i].HandNumber == 0 {
			effects[i].HandNumber = st.Hand
		}
	}
	return effects, nil
}

// settling reports whether the current hand has a stored settlement.
func (b *Base) settling(ctx context.Context) (bool, error) {
	st, ok, err := b.store.LoadSettlement(ctx)
	if err != nil || !ok {
		return false, err
	}
	hand, err := b.store.GetHandNumber(ctx)
	if err != nil {
		return false, err
	}
	return st.Hand == hand, nil
}
