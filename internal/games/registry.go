package games

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"casino-table-engine/internal/models"
	"casino-table-engine/internal/services"

	"go.uber.org/zap"
)

var ErrTableNotFound = services.ErrTableNotFound

// Registry owns the engines this process has loaded. Table configs live in
// Redis, so any process can rebuild an engine for a table another created.
type Registry struct {
	deps   services.Deps
	logger *zap.Logger

	mu     sync.RWMutex
	tables map[string]GameEngine
}

func NewRegistry(deps services.Deps) *Registry {
	return &Registry{
		deps:   deps,
		logger: deps.Logger.Named("registry"),
		tables: make(map[string]GameEngine),
	}
}

func (r *Registry) now() time.Time {
	if r.deps.Clock != nil {
		return r.deps.Clock()
	}
	return time.Now()
}

// Create stores cfg and builds its engine. An empty ID is generated.
func (r *Registry) Create(ctx context.Context, cfg models.TableConfig) (GameEngine, error) {
	if cfg.ID == "" {
		cfg.ID = models.GenerateTableID(cfg.GameType)
	}
	if err := cfg.Validate(); err != nil {
		return nil, models.InvalidAction("%v", err)
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = r.now().UTC()
	}

	engine, err := New(ctx, cfg, r.deps)
	if err != nil {
		return nil, err
	}
	if err := r.deps.Redis.SaveTableConfig(ctx, cfg); err != nil {
		return nil, models.NewGameError(models.CodeSystemBusy, "failed to store table")
	}

	r.mu.Lock()
	r.tables[cfg.ID] = engine
	r.mu.Unlock()

	r.logger.Info("table created",
		zap.String("table", cfg.ID),
		zap.String("game", string(cfg.GameType)),
		zap.Int64("min_bet", cfg.MinBet),
		zap.Int64("max_bet", cfg.MaxBet))
	return engine, nil
}

// Get returns the local engine, rebuilding it from the stored config when
// this process has not seen the table yet.
func (r *Registry) Get(ctx context.Context, tableID string) (GameEngine, error) {
	r.mu.RLock()
	engine, ok := r.tables[tableID]
	r.mu.RUnlock()
	if ok {
		return engine, nil
	}

	cfg, err := r.deps.Redis.GetTableConfig(ctx, tableID)
	if err != nil {
		if errors.Is(err, services.ErrTableNotFound) {
			return nil, err
		}
		r.logger.Error("failed to load table config", zap.String("table", tableID), zap.Error(err))
		return nil, models.NewGameError(models.CodeSystemBusy, "failed to load table")
	}
	engine, err = New(ctx, *cfg, r.deps)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tables[tableID]; ok {
		return existing, nil
	}
	r.tables[tableID] = engine
	return engine, nil
}

// List returns every stored table config, sorted by id.
func (r *Registry) List(ctx context.Context) ([]models.TableConfig, error) {
	ids, err := r.deps.Redis.ListTableIDs(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	configs := make([]models.TableConfig, 0, len(ids))
	for _, id := range ids {
		cfg, err := r.deps.Redis.GetTableConfig(ctx, id)
		if errors.Is(err, services.ErrTableNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, nil
}

// LoadAll brings every stored table into this process so the scheduler
// ticks it too.
func (r *Registry) LoadAll(ctx context.Context) error {
	configs, err := r.List(ctx)
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		if _, err := r.Get(ctx, cfg.ID); err != nil {
			r.logger.Warn("failed to load table", zap.String("table", cfg.ID), zap.Error(err))
		}
	}
	return nil
}

// Local returns the engines loaded in this process.
func (r *Registry) Local() []GameEngine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]GameEngine, 0, len(r.tables))
	for _, e := range r.tables {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableID() < out[j].TableID() })
	return out
}

// Evict deletes an empty table everywhere. Tables with seated players are
// refused with INVALID_STATE.
func (r *Registry) Evict(ctx context.Context, tableID string) error {
	engine, err := r.Get(ctx, tableID)
	if err != nil {
		return err
	}

	store := services.NewTableStore(r.deps.Redis, tableID)
	_, err = services.WithLock(ctx, r.deps.Locks, services.TableLockName(tableID), services.PresetShort, func(ctx context.Context) (struct{}, error) {
		players, err := store.GetPlayers(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if len(players) > 0 {
			return struct{}{}, models.InvalidState("table has %d seated players", len(players))
		}
		if err := store.ClearAll(ctx); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, r.deps.Redis.DeleteTableConfig(ctx, tableID)
	})
	if err != nil {
		var ge *models.GameError
		if errors.As(err, &ge) {
			return ge
		}
		r.logger.Error("failed to evict table", zap.String("table", tableID), zap.Error(err))
		return models.NewGameError(models.CodeSystemBusy, "failed to evict table")
	}

	r.mu.Lock()
	delete(r.tables, tableID)
	r.mu.Unlock()
	r.logger.Info("table evicted", zap.String("table", tableID), zap.String("game", string(engine.GameType())))
	return nil
}

// Stored reports whether the table's config still exists. Another process
// may have evicted it.
func (r *Registry) Stored(ctx context.Context, tableID string) (bool, error) {
	return r.deps.Redis.TableExists(ctx, tableID)
}

// Forget drops a table from this process only.
func (r *Registry) Forget(tableID string) {
	r.mu.Lock()
	delete(r.tables, tableID)
	r.mu.Unlock()
}
