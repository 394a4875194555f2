package services

import (
	"context"
	"fmt"

	"casino-table-engine/internal/models"

	"go.uber.org/zap"
)

// TaxPolicy skims a share of large awards into the treasury account.
type TaxPolicy struct {
	Threshold  int64
	Percent    int64
	Minimum    int64
	TreasuryID string
}

// Compute returns the tax owed on an award: floor(amount*Percent/100), at
// least Minimum, at most amount, and only for awards above Threshold.
func (t TaxPolicy) Compute(amount int64) int64 {
	if t.Percent <= 0 || t.TreasuryID == "" || amount <= t.Threshold {
		return 0
	}
	tax := amount * t.Percent / 100
	if tax < t.Minimum {
		tax = t.Minimum
	}
	if tax > amount {
		tax = amount
	}
	return tax
}

type AwardResult struct {
	Gross int64 `json:"gross"`
	Tax   int64 `json:"tax"`
	Net   int64 `json:"net"`
	Chips int64 `json:"chips"`
}

// Movement is one chip movement for a seat. A non-empty Ref names it within
// the hand ("war", "double1", "payout") so that repeating the operation that
// made it never moves chips twice.
type Movement struct {
	UserID      string
	Seat        int
	Amount      int64
	Ref         string
	Description string
	// Also runs inside the ledger transaction after the seat and pot are
	// written, for game state that must land together with the chips.
	Also func(ctx context.Context) error
}

// DeductChips debits amount from the user and moves it to the pot.
func (b *Base) DeductChips(ctx context.Context, userID string, seat int, amount int64, description string) (int64, error) {
	return b.Debit(ctx, Movement{UserID: userID, Seat: seat, Amount: amount, Description: description})
}

// Debit runs a deduction. The ledger transaction re-checks the balance, and
// the player entry and pot are only written from inside it, so a rejected
// debit leaves both untouched. Locks are taken table first, then user
// balance; the user lock serialises the same user's movements across tables.
func (b *Base) Debit(ctx context.Context, m Movement) (int64, error) {
	if m.Amount <= 0 {
		return 0, models.InvalidAction("amount must be positive")
	}

	return RunLocked(ctx, b, PresetMoney, func(ctx context.Context) (int64, error) {
		return WithLock(ctx, b.locks, BalanceLockName(m.UserID), PresetMoney, func(ctx context.Context) (int64, error) {
			snap, err := b.snapshotMoney(ctx, m.Also != nil)
			if err != nil {
				return 0, err
			}
			if _, ok := snap.players.Get(m.UserID, m.Seat); !ok {
				return 0, models.InvalidAction("user %s is not seated at %d", m.UserID, m.Seat)
			}

			applied := false
			balance, err := b.ledger.Debit(ctx, models.LedgerEntry{
				UserID:      m.UserID,
				Amount:      m.Amount,
				Type:        models.TransactionTypeBet,
				TableID:     b.cfg.ID,
				HandNumber:  snap.hand,
				Description: m.Description,
				Reference:   b.reference(snap.hand, m),
			}, func(ctx context.Context, balance int64) error {
				applied = true
				current, err := b.store.GetPlayers(ctx)
				if err != nil {
					return err
				}
				p, ok := current.Get(m.UserID, m.Seat)
				if !ok {
					return models.InvalidAction("user %s left seat %d", m.UserID, m.Seat)
				}
				p.Chips = balance
				p.CurrentBet += m.Amount
				p.LastActionAt = b.Now()
				if err := b.store.SavePlayers(ctx, current); err != nil {
					return err
				}
				if _, err := b.store.AddToPot(ctx, m.Amount); err != nil {
					return err
				}
				if m.Also != nil {
					return m.Also(ctx)
				}
				return nil
			})
			if err != nil {
				if applied {
					b.restore(ctx, snap)
				}
				return 0, err
			}
			if !applied {
				b.logger.Info("debit already recorded", zap.String("user", m.UserID), zap.Int("seat", m.Seat), zap.String("ref", m.Ref))
				return balance, nil
			}

			b.logger.Debug("chips deducted", zap.String("user", m.UserID), zap.Int("seat", m.Seat), zap.Int64("amount", m.Amount))
			return balance, nil
		})
	})
}

// AwardChips credits a payout, less any tax, and takes it out of the pot
// (never below zero: the house covers winnings beyond the stakes).
func (b *Base) AwardChips(ctx context.Context, userID string, seat int, amount int64, description string) (AwardResult, error) {
	return b.credit(ctx, Movement{UserID: userID, Seat: seat, Amount: amount, Description: description}, models.TransactionTypeWin, true)
}

// RefundChips returns a stake untaxed.
func (b *Base) RefundChips(ctx context.Context, userID string, seat int, amount int64, description string) (AwardResult, error) {
	return b.Refund(ctx, Movement{UserID: userID, Seat: seat, Amount: amount, Description: description})
}

// Refund is RefundChips for a keyed movement, e.g. a withdrawn sub-bet.
func (b *Base) Refund(ctx context.Context, m Movement) (AwardResult, error) {
	return b.credit(ctx, m, models.TransactionTypeRefund, false)
}

// Pay credits p and returns its payout effect. Refunds go through RefundChips
// semantics so they are never taxed.
func (b *Base) Pay(ctx context.Context, p Payout) (models.Effect, error) {
	m := Movement{UserID: p.UserID, Seat: p.Seat, Amount: p.Amount, Ref: p.Ref, Description: p.Outcome}
	typ, taxable := models.TransactionTypeWin, true
	if p.Refund {
		typ, taxable = models.TransactionTypeRefund, false
	}
	res, err := b.credit(ctx, m, typ, taxable)
	if err != nil {
		return models.Effect{}, err
	}
	return b.Effect(models.EventPayout, map[string]interface{}{
		"outcome": p.Outcome,
		"amount":  p.Amount,
		"tax":     res.Tax,
		"net":     res.Net,
		"chips":   res.Chips,
	}).ForSeat(p.UserID, p.Seat), nil
}

func (b *Base) credit(ctx context.Context, m Movement, typ models.TransactionType, taxable bool) (AwardResult, error) {
	if m.Amount < 0 {
		return AwardResult{}, models.InvalidAction("amount must not be negative")
	}
	if m.Amount == 0 {
		return AwardResult{}, nil
	}

	return RunLocked(ctx, b, PresetMoney, func(ctx context.Context) (AwardResult, error) {
		return WithLock(ctx, b.locks, BalanceLockName(m.UserID), PresetMoney, func(ctx context.Context) (AwardResult, error) {
			snap, err := b.snapshotMoney(ctx, m.Also != nil)
			if err != nil {
				return AwardResult{}, err
			}

			ref := b.reference(snap.hand, m)
			res := AwardResult{Gross: m.Amount}
			if taxable {
				res.Tax = b.tax.Compute(m.Amount)
			}
			res.Net = m.Amount - res.Tax

			var taxEntry *models.LedgerEntry
			if res.Tax > 0 {
				taxEntry = &models.LedgerEntry{
					UserID:      b.tax.TreasuryID,
					Amount:      res.Tax,
					Type:        models.TransactionTypeTax,
					TableID:     b.cfg.ID,
					HandNumber:  snap.hand,
					Description: fmt.Sprintf("Tax on %d won by %s", m.Amount, m.UserID),
				}
				if ref != "" {
					taxEntry.Reference = ref + "/tax"
				}
			}

			applied := false
			balance, err := b.ledger.Credit(ctx, models.LedgerEntry{
				UserID:      m.UserID,
				Amount:      res.Net,
				Type:        typ,
				TableID:     b.cfg.ID,
				HandNumber:  snap.hand,
				Description: m.Description,
				Reference:   ref,
			}, taxEntry, func(ctx context.Context, balance int64) error {
				applied = true
				current, err := b.store.GetPlayers(ctx)
				if err != nil {
					return err
				}
				if p, ok := current.Get(m.UserID, m.Seat); ok {
					p.Chips = balance
					if typ == models.TransactionTypeRefund {
						p.CurrentBet -= m.Amount
						if p.CurrentBet < 0 {
							p.CurrentBet = 0
						}
					}
					if err := b.store.SavePlayers(ctx, current); err != nil {
						return err
					}
				}
				if _, err := b.store.TakeFromPot(ctx, m.Amount); err != nil {
					return err
				}
				if m.Also != nil {
					return m.Also(ctx)
				}
				return nil
			})
			if err != nil {
				if applied {
					b.restore(ctx, snap)
				}
				return AwardResult{}, err
			}
			res.Chips = balance
			if !applied {
				b.logger.Info("credit already recorded", zap.String("user", m.UserID), zap.Int("seat", m.Seat), zap.String("ref", m.Ref))
				return res, nil
			}

			b.logger.Info("chips credited",
				zap.String("user", m.UserID),
				zap.Int("seat", m.Seat),
				zap.String("type", string(typ)),
				zap.Int64("gross", res.Gross),
				zap.Int64("tax", res.Tax))
			return res, nil
		})
	})
}

// reference keys a movement by table incarnation, hand and seat. Unkeyed
// movements return "".
func (b *Base) reference(hand int64, m Movement) string {
	if m.Ref == "" {
		return ""
	}
	var epoch int64
	if !b.cfg.CreatedAt.IsZero() {
		epoch = b.cfg.CreatedAt.UnixMilli()
	}
	return fmt.Sprintf("%s/%d/%d/%s/%s", b.cfg.ID, epoch, hand, models.PlayerKey(m.UserID, m.Seat), m.Ref)
}

// moneySnapshot is what a failed movement puts back.
type moneySnapshot struct {
	players models.Players
	pot     int64
	hand    int64
	// custom is only captured for movements that carry game state.
	tracked   bool
	custom    []byte
	hadCustom bool
}

func (b *Base) snapshotMoney(ctx context.Context, withCustom bool) (moneySnapshot, error) {
	var snap moneySnapshot
	var err error
	if snap.players, err = b.store.GetPlayers(ctx); err != nil {
		return snap, err
	}
	if snap.pot, err = b.store.GetPot(ctx); err != nil {
		return snap, err
	}
	if snap.hand, err = b.store.GetHandNumber(ctx); err != nil {
		return snap, err
	}
	if withCustom {
		snap.tracked = true
		if snap.custom, snap.hadCustom, err = b.store.loadCustomRaw(ctx); err != nil {
			return snap, err
		}
	}
	return snap, nil
}

// restore puts back the players blob and pot (and the custom state when the
// movement carried game state) after the ledger rolled back a movement whose
// store writes had already gone through.
func (b *Base) restore(ctx context.Context, snap moneySnapshot) {
	if err := b.store.SavePlayers(ctx, snap.players); err != nil {
		b.logger.Error("failed to restore players after rollback", zap.Error(err))
	}
	if err := b.store.setPot(ctx, snap.pot); err != nil {
		b.logger.Error("failed to restore pot after rollback", zap.Error(err))
	}
	if !snap.tracked {
		return
	}
	var err error
	if snap.hadCustom {
		err = b.store.saveCustomRaw(ctx, snap.custom)
	} else {
		err = b.store.ClearCustomState(ctx)
	}
	if err != nil {
		b.logger.Error("failed to restore game state after rollback", zap.Error(err))
	}
}
