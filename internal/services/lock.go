package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrAcquisitionTimeout is returned when a lock could not be taken within the
// preset's retry budget. The critical section did not run.
var ErrAcquisitionTimeout = errors.New("ACQUISITION_TIMEOUT")

// LockPreset is a TTL/retry tier. Critical sections must finish well inside
// TTL: there is no renewal, expiry is the only crash recovery.
type LockPreset struct {
	Name       string
	TTL        time.Duration
	Retries    int
	RetryDelay time.Duration
}

var (
	// PresetShort covers seating and other low risk read-modify-writes.
	PresetShort = LockPreset{Name: "short", TTL: 5 * time.Second, Retries: 40, RetryDelay: 25 * time.Millisecond}
	// PresetMoney covers balance movements and hand transitions.
	PresetMoney = LockPreset{Name: "money", TTL: 15 * time.Second, Retries: 120, RetryDelay: 25 * time.Millisecond}
)

var releaseLockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

type LockManager struct {
	client *redis.Client
	logger *zap.Logger
}

func NewLockManager(redisService *RedisService, logger *zap.Logger) *LockManager {
	return &LockManager{
		client: redisService.Client(),
		logger: logger.Named("lock"),
	}
}

type Lock struct {
	name     string
	key      string
	token    string
	preset   LockPreset
	acquired time.Time
	lm       *LockManager
}

func (l *Lock) Name() string { return l.name }

// Acquire takes the named lock with SET NX PX, retrying per preset.
func (lm *LockManager) Acquire(ctx context.Context, name string, preset LockPreset) (*Lock, error) {
	key := fmt.Sprintf(KeyLock, name)
	token := uuid.NewString()

	for attempt := 0; ; attempt++ {
		ok, err := lm.client.SetNX(ctx, key, token, preset.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
		}
		if ok {
			return &Lock{name: name, key: key, token: token, preset: preset, acquired: time.Now(), lm: lm}, nil
		}
		if attempt >= preset.Retries {
			break
		}

		timer := time.NewTimer(preset.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	lm.logger.Warn("lock acquisition timed out",
		zap.String("lock", name),
		zap.String("preset", preset.Name),
		zap.Int("retries", preset.Retries))
	return nil, fmt.Errorf("%w: %s", ErrAcquisitionTimeout, name)
}

// Release deletes the lock only if this holder still owns it, so an expired
// holder cannot free a lock someone else has since taken.
func (l *Lock) Release(ctx context.Context) error {
	held := time.Since(l.acquired)
	if held > l.preset.TTL {
		l.lm.logger.Error("critical section outlived lock ttl",
			zap.String("lock", l.name),
			zap.Duration("held", held),
			zap.Duration("ttl", l.preset.TTL))
	}

	n, err := releaseLockScript.Run(ctx, l.lm.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.name, err)
	}
	if n == 0 {
		l.lm.logger.Warn("lock already expired on release", zap.String("lock", l.name))
	}
	return nil
}

type heldLocksKey struct{}

func holdsLock(ctx context.Context, name string) bool {
	held, _ := ctx.Value(heldLocksKey{}).(map[string]struct{})
	_, ok := held[name]
	return ok
}

func withHeldLock(ctx context.Context, name string) context.Context {
	prev, _ := ctx.Value(heldLocksKey{}).(map[string]struct{})
	next := make(map[string]struct{}, len(prev)+1)
	for k := range prev {
		next[k] = struct{}{}
	}
	next[name] = struct{}{}
	return context.WithValue(ctx, heldLocksKey{}, next)
}

// WithLock runs fn while holding the named lock and releases it afterwards,
// whether fn fails or not. When ctx already carries the lock (a nested call
// from inside another section for the same name) fn runs directly.
func WithLock[T any](ctx context.Context, lm *LockManager, name string, preset LockPreset, fn func(ctx context.Context) (T, error)) (T, error) {
	if holdsLock(ctx, name) {
		return fn(ctx)
	}

	lock, err := lm.Acquire(ctx, name, preset)
	if err != nil {
		var zero T
		return zero, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			lm.logger.Error("failed to release lock", zap.String("lock", name), zap.Error(err))
		}
	}()

	return fn(withHeldLock(ctx, name))
}

func TableLockName(tableID string) string {
	return fmt.Sprintf(LockTable, tableID)
}

func BalanceLockName(userID string) string {
	return fmt.Sprintf(LockBalance, userID)
}
