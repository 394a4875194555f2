package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"casino-table-engine/internal/fairness"
	"casino-table-engine/internal/models"

	"go.uber.org/zap"
)

// Ledger is the relational store of record. Debit and Credit run apply
// inside their transaction; an error from apply rolls the movement back.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Debit(ctx context.Context, e models.LedgerEntry, apply func(ctx context.Context, balance int64) error) (int64, error)
	Credit(ctx context.Context, e models.LedgerEntry, tax *models.LedgerEntry, apply func(ctx context.Context, balance int64) error) (int64, error)
}

type Deps struct {
	Redis  *RedisService
	Locks  *LockManager
	Ledger Ledger
	Seeds  *fairness.Generator
	Tax    TaxPolicy
	Logger *zap.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Base is the state handle every game embeds: seating, phase transitions and
// money movement, all through the lock manager and the table store.
type Base struct {
	cfg    models.TableConfig
	store  *TableStore
	locks  *LockManager
	ledger Ledger
	seeds  *fairness.Generator
	tax    TaxPolicy
	logger *zap.Logger
	clock  func() time.Time

	mu    sync.RWMutex
	phase models.Phase
}

func NewBase(ctx context.Context, cfg models.TableConfig, deps Deps) (*Base, error) {
	if err := cfg.Validate(); err != nil {
		return nil, models.InvalidAction("%v", err)
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	b := &Base{
		cfg:    cfg,
		store:  NewTableStore(deps.Redis, cfg.ID),
		locks:  deps.Locks,
		ledger: deps.Ledger,
		seeds:  deps.Seeds,
		tax:    deps.Tax,
		logger: deps.Logger.With(zap.String("table", cfg.ID), zap.String("game", string(cfg.GameType))),
		clock:  clock,
	}

	if err := b.store.Init(ctx); err != nil {
		return nil, err
	}
	if _, err := b.Phase(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Base) Config() models.TableConfig { return b.cfg }
func (b *Base) TableID() string { return b.cfg.ID }
func (b *Base) Store() *TableStore { return b.store }
func (b *Base) Logger() *zap.Logger { return b.logger }
func (b *Base) Seeds() *fairness.Generator { return b.seeds }
func (b *Base) Now() time.Time { return b.clock() }
func (b *Base) Locks() *LockManager { return b.locks }

func (b *Base) Effect(typ models.EventType, data map[string]interface{}) models.Effect {
	return models.NewEffect(b.cfg.ID, typ, data)
}

// CachedPhase is the in-process mirror. It is never used to decide anything
// that must be authoritative.
func (b *Base) CachedPhase() models.Phase {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.phase
}

func (b *Base) setCachedPhase(p models.Phase) {
	b.mu.Lock()
	b.phase = p
	b.mu.Unlock()
}

// Phase reads the authoritative phase and refreshes the mirror.
func (b *Base) Phase(ctx context.Context) (models.Phase, error) {
	p, err := b.store.GetPhase(ctx)
	if err != nil {
		return "", err
	}
	b.setCachedPhase(p)
	return p, nil
}

// SetPhase moves the table along a legal edge. The store is written first,
// the mirror second.
func (b *Base) SetPhase(ctx context.Context, to models.Phase, expiry time.Duration) error {
	from, err := b.store.GetPhase(ctx)
	if err != nil {
		return err
	}
	if !from.CanTransition(to) {
		return models.InvalidState("cannot move from %s to %s", from, to)
	}
	if err := b.store.SetPhase(ctx, to, expiry); err != nil {
		return err
	}
	b.setCachedPhase(to)
	return nil
}

// Transition is SetPhase plus the phase_changed effect.
func (b *Base) Transition(ctx context.Context, to models.Phase) (models.Effect, error) {
	if err := b.SetPhase(ctx, to, 0); err != nil {
		return models.Effect{}, err
	}
	return b.Effect(models.EventPhaseChanged, map[string]interface{}{"phase": to}), nil
}

// RequirePhase rejects with INVALID_STATE unless the table is in one of
// allowed. A hand with a stored settlement accepts nothing until it is done.
func (b *Base) RequirePhase(ctx context.Context, allowed ...models.Phase) (models.Phase, error) {
	p, err := b.Phase(ctx)
	if err != nil {
		return "", err
	}
	for _, a := range allowed {
		if p != a {
			continue
		}
		if p.InHand() {
			pending, err := b.settling(ctx)
			if err != nil {
				return "", err
			}
			if pending {
				return p, models.InvalidState("hand is settling")
			}
		}
		return p, nil
	}
	return p, models.InvalidState("action not allowed during %s", p)
}

// RunLocked runs fn under the table lock and converts every failure into a
// typed GameError. It is the engine boundary: nothing above it sees raw
// Redis or SQL errors.
func RunLocked[T any](ctx context.Context, b *Base, preset LockPreset, fn func(ctx context.Context) (T, error)) (T, error) {
	out, err := WithLock(ctx, b.locks, TableLockName(b.cfg.ID), preset, fn)
	if err != nil {
		var zero T
		return zero, b.boundaryError(err)
	}
	return out, nil
}

func (b *Base) boundaryError(err error) error {
	var ge *models.GameError
	switch {
	case errors.As(err, &ge):
		if ge.Code == models.CodeReshuffleRequired {
			b.logger.Error("reshuffle signal escaped the card helpers")
			return models.NewGameError(models.CodeSystemBusy, "shoe unavailable")
		}
		return ge
	case errors.Is(err, ErrAcquisitionTimeout):
		return models.NewGameError(models.CodeSystemBusy, "table is busy, retry")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return models.NewGameError(models.CodeSystemBusy, "request cancelled")
	default:
		b.logger.Error("operation failed", zap.Error(err))
		return models.NewGameError(models.CodeSystemBusy, "temporary failure, retry")
	}
}

// AddPlayer seats userID at seat with their current ledger balance. It
// returns false, with nothing written, when the table is full, the seat is
// taken, the user may not take another seat, or the balance is below the
// minimum bet.
func (b *Base) AddPlayer(ctx context.Context, userID string, seat int) (bool, []models.Effect, error) {
	type result struct {
		ok      bool
		effects []models.Effect
	}

	res, err := RunLocked(ctx, b, PresetShort, func(ctx context.Context) (result, error) {
		if userID == "" {
			return result{}, models.InvalidAction("user id is required")
		}
		if seat < 0 || seat >= b.cfg.MaxSeats {
			return result{}, nil
		}

		players, err := b.store.GetPlayers(ctx)
		if err != nil {
			return result{}, err
		}
		if len(players) >= b.cfg.MaxSeats || players.SeatTaken(seat) {
			return result{}, nil
		}
		if !b.cfg.AllowMultiSeat && players.HasUser(userID) {
			return result{}, nil
		}

		balance, err := b.ledger.Balance(ctx, userID)
		if err != nil {
			return result{}, err
		}
		if balance < b.cfg.MinBet {
			return result{}, nil
		}

		clientSeed, err := models.GenerateClientSeed()
		if err != nil {
			return result{}, err
		}

		// Betting opens before the seat is written; a failure here leaves
		// nobody seated.
		var opened []models.Effect
		phase, err := b.Phase(ctx)
		if err != nil {
			return result{}, err
		}
		if phase == models.PhaseWaiting {
			eff, err := b.Transition(ctx, models.PhasePlacingBets)
			if err != nil {
				return result{}, err
			}
			opened = append(opened, eff)
		}

		p := &models.SeatedPlayer{
			UserID:       userID,
			Seat:         seat,
			Chips:        balance,
			Connected:    true,
			ClientSeed:   clientSeed,
			LastActionAt: b.Now(),
		}
		players[p.Key()] = p
		if err := b.store.SavePlayers(ctx, players); err != nil {
			return result{}, err
		}

		effects := []models.Effect{
			b.Effect(models.EventPlayerSeated, map[string]interface{}{"chips": balance}).ForSeat(userID, seat),
		}
		effects = append(effects, opened...)

		b.logger.Info("player seated", zap.String("user", userID), zap.Int("seat", seat), zap.Int64("chips", balance))
		return result{ok: true, effects: effects}, nil
	})
	if err != nil {
		return false, nil, err
	}
	return res.ok, res.effects, nil
}

// RemovePlayer frees a seat between hands. Any bet already placed for the
// next hand is refunded first. The last player leaving resets the table.
func (b *Base) RemovePlayer(ctx context.Context, userID string, seat int) ([]models.Effect, error) {
	return b.RemovePlayerWith(ctx, userID, seat, nil)
}

// RemovePlayerWith lets a game drop its own per-seat data (under the same
// lock) before the seat is deleted.
func (b *Base) RemovePlayerWith(ctx context.Context, userID string, seat int, onRemove func(ctx context.Context, p *models.SeatedPlayer) error) ([]models.Effect, error) {
	return RunLocked(ctx, b, PresetMoney, func(ctx context.Context) ([]models.Effect, error) {
		phase, err := b.RequirePhase(ctx, models.PhaseWaiting, models.PhasePlacingBets, models.PhaseComplete)
		if err != nil {
			return nil, err
		}

		players, err := b.store.GetPlayers(ctx)
		if err != nil {
			return nil, err
		}
		p, ok := players.Get(userID, seat)
		if !ok {
			return nil, models.InvalidAction("user %s is not seated at %d", userID, seat)
		}

		var effects []models.Effect
		if p.CurrentBet > 0 {
			if _, err := b.RefundChips(ctx, userID, seat, p.CurrentBet, "Left table before the hand"); err != nil {
				return nil, err
			}
			effects = append(effects, b.Effect(models.EventPayout, map[string]interface{}{
				"amount": p.CurrentBet,
				"reason": "refund",
			}).ForSeat(userID, seat))
		}
		if onRemove != nil {
			if err := onRemove(ctx, p); err != nil {
				return nil, err
			}
		}

		// Re-read: the refund rewrote the players blob.
		players, err = b.store.GetPlayers(ctx)
		if err != nil {
			return nil, err
		}
		delete(players, models.PlayerKey(userID, seat))
		if err := b.store.SavePlayers(ctx, players); err != nil {
			return nil, err
		}
		effects = append(effects, b.Effect(models.EventPlayerLeft, nil).ForSeat(userID, seat))

		if len(players) == 0 {
			if err := b.resetEmptyTable(ctx, phase); err != nil {
				return nil, err
			}
			effects = append(effects, b.Effect(models.EventPhaseChanged, map[string]interface{}{"phase": models.PhaseWaiting}))
		}

		b.logger.Info("player left", zap.String("user", userID), zap.Int("seat", seat))
		return effects, nil
	})
}

// resetEmptyTable deletes the per-table entities. The hand counter is kept so
// hand numbers stay unique audit keys for the table's whole life.
func (b *Base) resetEmptyTable(ctx context.Context, phase models.Phase) error {
	if phase != models.PhaseWaiting {
		if err := b.SetPhase(ctx, models.PhaseWaiting, 0); err != nil {
			return err
		}
	}
	if err := b.store.ResetPot(ctx); err != nil {
		return err
	}
	return b.store.ClearCustomState(ctx)
}

// BeginHand moves betting to dealing and bumps the hand counter once.
func (b *Base) BeginHand(ctx context.Context) (int64, []models.Effect, error) {
	if _, err := b.RequirePhase(ctx, models.PhasePlacingBets); err != nil {
		return 0, nil, err
	}
	hand, err := b.store.IncrementHandNumber(ctx)
	if err != nil {
		return 0, nil, err
	}
	eff, err := b.Transition(ctx, models.PhaseDealing)
	if err != nil {
		return 0, nil, err
	}
	eff.HandNumber = hand
	return hand, []models.Effect{eff}, nil
}

// FinishHand closes a resolved hand: per-hand player fields and the pot are
// reset, next replaces the custom state (nil clears it), then RESOLVING ->
// COMPLETE, and betting reopens if anyone is still seated.
func (b *Base) FinishHand(ctx context.Context, next CustomState) ([]models.Effect, error) {
	var data []byte
	if next != nil {
		var err error
		if data, err = EncodeCustomState(next); err != nil {
			return nil, err
		}
	}
	return b.finish(ctx, data)
}

// finish writes everything the closed hand leaves behind before the phase
// moves, so a failed call can run again from RESOLVING.
func (b *Base) finish(ctx context.Context, state []byte) ([]models.Effect, error) {
	players, err := b.store.GetPlayers(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range players {
		p.CurrentBet = 0
	}
	if err := b.store.SavePlayers(ctx, players); err != nil {
		return nil, err
	}

	pot, err := b.store.GetPot(ctx)
	if err != nil {
		return nil, err
	}
	if pot != 0 {
		b.logger.Info("pot retained by house", zap.Int64("amount", pot))
	}
	if err := b.store.ResetPot(ctx); err != nil {
		return nil, err
	}

	if state == nil {
		err = b.store.ClearCustomState(ctx)
	} else {
		err = b.store.saveCustomRaw(ctx, state)
	}
	if err != nil {
		return nil, err
	}

	eff, err := b.Transition(ctx, models.PhaseComplete)
	if err != nil {
		return nil, err
	}
	next, err := b.reopen(ctx)
	if err != nil {
		return nil, err
	}
	return []models.Effect{eff, next}, nil
}

// reopen leaves COMPLETE for betting, or for WAITING at an empty table.
func (b *Base) reopen(ctx context.Context) (models.Effect, error) {
	players, err := b.store.GetPlayers(ctx)
	if err != nil {
		return models.Effect{}, err
	}
	to := models.PhasePlacingBets
	if len(players) == 0 {
		to = models.PhaseWaiting
	}
	return b.Transition(ctx, to)
}

// SetClientSeed stores the player's contribution to future shuffles.
func (b *Base) SetClientSeed(ctx context.Context, userID string, seat int, seed string) error {
	_, err := RunLocked(ctx, b, PresetShort, func(ctx context.Context) (struct{}, error) {
		if seed == "" || len(seed) > 128 {
			return struct{}{}, models.InvalidAction("client seed must be 1-128 characters")
		}
		players, err := b.store.GetPlayers(ctx)
		if err != nil {
			return struct{}{}, err
		}
		p, ok := players.Get(userID, seat)
		if !ok {
			return struct{}{}, models.InvalidAction("user %s is not seated at %d", userID, seat)
		}
		p.ClientSeed = seed
		return struct{}{}, b.store.SavePlayers(ctx, players)
	})
	return err
}

// SetConnected flips the connection flag on every seat the user holds.
func (b *Base) SetConnected(ctx context.Context, userID string, connected bool) error {
	_, err := RunLocked(ctx, b, PresetShort, func(ctx context.Context) (struct{}, error) {
		players, err := b.store.GetPlayers(ctx)
		if err != nil {
			return struct{}{}, err
		}
		changed := false
		for _, p := range players {
			if p.UserID == userID && p.Connected != connected {
				p.Connected = connected
				changed = true
			}
		}
		if !changed {
			return struct{}{}, nil
		}
		return struct{}{}, b.store.SavePlayers(ctx, players)
	})
	return err
}

// NewSeedPair derives the player seed from every seated player's client seed
// and the hand number, and pairs it with a fresh server seed.
func (b *Base) NewSeedPair(ctx context.Context, players models.Players, hand int64) (fairness.SeedPair, error) {
	var seeds []string
	for _, p := range players.Ordered() {
		seeds = append(seeds, p.ClientSeed)
	}
	pair, err := b.seeds.NewSeedPair(ctx, fairness.CombinePlayerSeeds(hand, seeds...))
	if err != nil {
		return fairness.SeedPair{}, fmt.Errorf("failed to create seed pair: %w", err)
	}
	return pair, nil
}

// Snapshot is the shared part of a table's public view.
func (b *Base) Snapshot(ctx context.Context) (*models.TableSnapshot, error) {
	phase, err := b.Phase(ctx)
	if err != nil {
		return nil, b.boundaryError(err)
	}
	players, err := b.store.GetPlayers(ctx)
	if err != nil {
		return nil, b.boundaryError(err)
	}
	pot, err := b.store.GetPot(ctx)
	if err != nil {
		return nil, b.boundaryError(err)
	}
	hand, err := b.store.GetHandNumber(ctx)
	if err != nil {
		return nil, b.boundaryError(err)
	}
	return &models.TableSnapshot{
		Config:     b.cfg,
		Phase:      phase,
		Players:    players.Ordered(),
		Pot:        pot,
		HandNumber: hand,
	}, nil
}
