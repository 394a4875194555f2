package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"casino-table-engine/internal/models"

	"github.com/redis/go-redis/v9"
)

// TableStore maps one table to its durable keys. Each write replaces its key
// whole, so callers read-modify-write under the table lock.
type TableStore struct {
	client  *redis.Client
	tableID string
}

func NewTableStore(redisService *RedisService, tableID string) *TableStore {
	return &TableStore{client: redisService.Client(), tableID: tableID}
}

func (s *TableStore) key(format string) string {
	return fmt.Sprintf(format, s.tableID)
}

// Init seeds defaults for keys that do not exist yet and leaves existing
// values alone, so a second process joining a live table changes nothing.
func (s *TableStore) Init(ctx context.Context) error {
	pipe := s.client.Pipeline()
	pipe.SetNX(ctx, s.key(KeyTablePhase), string(models.PhaseWaiting), 0)
	pipe.SetNX(ctx, s.key(KeyTablePlayers), "{}", 0)
	pipe.SetNX(ctx, s.key(KeyTablePot), 0, 0)
	pipe.SetNX(ctx, s.key(KeyTableHand), 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to initialise table %s: %w", s.tableID, err)
	}
	return nil
}

func (s *TableStore) GetPhase(ctx context.Context) (models.Phase, error) {
	data, err := s.client.Get(ctx, s.key(KeyTablePhase)).Result()
	if err == redis.Nil {
		return models.PhaseWaiting, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get phase: %w", err)
	}
	return models.Phase(data), nil
}

// SetPhase overwrites the phase. A non-zero expiry makes the phase revert to
// WAITING if nothing rewrites it in time.
func (s *TableStore) SetPhase(ctx context.Context, phase models.Phase, expiry time.Duration) error {
	if err := s.client.Set(ctx, s.key(KeyTablePhase), string(phase), expiry).Err(); err != nil {
		return fmt.Errorf("failed to set phase: %w", err)
	}
	return nil
}

func (s *TableStore) GetPlayers(ctx context.Context) (models.Players, error) {
	data, err := s.client.Get(ctx, s.key(KeyTablePlayers)).Result()
	if err == redis.Nil {
		return models.Players{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get players: %w", err)
	}

	players := models.Players{}
	if err := json.Unmarshal([]byte(data), &players); err != nil {
		return nil, fmt.Errorf("failed to unmarshal players: %w", err)
	}
	return players, nil
}

func (s *TableStore) SavePlayers(ctx context.Context, players models.Players) error {
	if players == nil {
		players = models.Players{}
	}
	data, err := json.Marshal(players)
	if err != nil {
		return fmt.Errorf("failed to marshal players: %w", err)
	}
	if err := s.client.Set(ctx, s.key(KeyTablePlayers), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save players: %w", err)
	}
	return nil
}

func (s *TableStore) GetPot(ctx context.Context) (int64, error) {
	return s.getInt(ctx, KeyTablePot)
}

func (s *TableStore) setPot(ctx context.Context, pot int64) error {
	if err := s.client.Set(ctx, s.key(KeyTablePot), pot, 0).Err(); err != nil {
		return fmt.Errorf("failed to save pot: %w", err)
	}
	return nil
}

// AddToPot adds a non-negative amount and returns the new pot.
func (s *TableStore) AddToPot(ctx context.Context, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("negative pot increment %d", amount)
	}
	pot, err := s.GetPot(ctx)
	if err != nil {
		return 0, err
	}
	pot += amount
	return pot, s.setPot(ctx, pot)
}

// TakeFromPot removes up to amount and returns how much was taken. The pot
// never goes below zero.
func (s *TableStore) TakeFromPot(ctx context.Context, amount int64) (int64, error) {
	pot, err := s.GetPot(ctx)
	if err != nil {
		return 0, err
	}
	taken := amount
	if taken > pot {
		taken = pot
	}
	if taken <= 0 {
		return 0, nil
	}
	return taken, s.setPot(ctx, pot-taken)
}

func (s *TableStore) ResetPot(ctx context.Context) error {
	return s.setPot(ctx, 0)
}

func (s *TableStore) GetHandNumber(ctx context.Context) (int64, error) {
	return s.getInt(ctx, KeyTableHand)
}

func (s *TableStore) IncrementHandNumber(ctx context.Context) (int64, error) {
	n, err := s.client.Incr(ctx, s.key(KeyTableHand)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment hand number: %w", err)
	}
	return n, nil
}

func (s *TableStore) saveCustomRaw(ctx context.Context, data []byte) error {
	if err := s.client.Set(ctx, s.key(KeyTableCustom), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save custom state: %w", err)
	}
	return nil
}

func (s *TableStore) loadCustomRaw(ctx context.Context) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.key(KeyTableCustom)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load custom state: %w", err)
	}
	return data, true, nil
}

func (s *TableStore) ClearCustomState(ctx context.Context) error {
	return s.client.Del(ctx, s.key(KeyTableCustom)).Err()
}

// ClearAll deletes the table state keys. The stored config is removed separately.
func (s *TableStore) ClearAll(ctx context.Context) error {
	keys := []string{
		s.key(KeyTablePhase),
		s.key(KeyTablePlayers),
		s.key(KeyTablePot),
		s.key(KeyTableHand),
		s.key(KeyTableCustom),
		s.key(KeyTableSettle),
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear table %s: %w", s.tableID, err)
	}
	return nil
}

func (s *TableStore) getInt(ctx context.Context, format string) (int64, error) {
	data, err := s.client.Get(ctx, s.key(format)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", s.key(format), err)
	}
	n, err := strconv.ParseInt(data, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt integer at %s: %w", s.key(format), err)
	}
	return n, nil
}

// CustomState is implemented by each game's state struct (value receiver).
// The kind tags the stored blob so one game can never decode another's.
type CustomState interface {
	StateKind() models.GameType
}

type customEnvelope struct {
	Kind models.GameType `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func EncodeCustomState(state CustomState) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal custom state: %w", err)
	}
	return json.Marshal(customEnvelope{Kind: state.StateKind(), Data: data})
}

func DecodeCustomState[S CustomState](data []byte) (S, error) {
	var out S
	var env customEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return out, fmt.Errorf("failed to unmarshal custom state: %w", err)
	}
	if env.Kind != out.StateKind() {
		return out, fmt.Errorf("custom state kind %q does not match %q", env.Kind, out.StateKind())
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("failed to unmarshal %s state: %w", env.Kind, err)
	}
	return out, nil
}

func SaveCustomState[S CustomState](ctx context.Context, s *TableStore, state S) error {
	data, err := EncodeCustomState(state)
	if err != nil {
		return err
	}
	return s.saveCustomRaw(ctx, data)
}

// LoadCustomState returns ok=false when the table has no custom state yet.
func LoadCustomState[S CustomState](ctx context.Context, s *TableStore) (S, bool, error) {
	var zero S
	data, ok, err := s.loadCustomRaw(ctx)
	if err != nil || !ok {
		return zero, false, err
	}
	state, err := DecodeCustomState[S](data)
	if err != nil {
		return zero, false, err
	}
	return state, true, nil
}

var ErrTableNotFound = errors.New("table not found")

func (s *RedisService) SaveTableConfig(ctx context.Context, cfg models.TableConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal table config: %v", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(KeyTableConfig, cfg.ID), data, TTLTableConfig)
	pipe.SAdd(ctx, KeyTableIndex, cfg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save table config: %v", err)
	}
	return nil
}

func (s *RedisService) GetTableConfig(ctx context.Context, tableID string) (*models.TableConfig, error) {
	data, err := s.client.Get(ctx, fmt.Sprintf(KeyTableConfig, tableID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, tableID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get table config: %v", err)
	}

	var cfg models.TableConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal table config: %v", err)
	}
	return &cfg, nil
}

func (s *RedisService) TableExists(ctx context.Context, tableID string) (bool, error) {
	n, err := s.client.Exists(ctx, fmt.Sprintf(KeyTableConfig, tableID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check table config: %v", err)
	}
	return n > 0, nil
}

func (s *RedisService) DeleteTableConfig(ctx context.Context, tableID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, fmt.Sprintf(KeyTableConfig, tableID))
	pipe.SRem(ctx, KeyTableIndex, tableID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisService) ListTableIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, KeyTableIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %v", err)
	}
	return ids, nil
}
