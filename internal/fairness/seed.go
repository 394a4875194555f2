package fairness

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SeedPair is the dual seed behind one shuffle. The server seed stays secret
// until the shuffled set is retired; only its hash is published before.
type SeedPair struct {
	PlayerSeed string `json:"player_seed"`
	ServerSeed string `json:"server_seed"`
}

// Commitment is what may be shown while the shuffle is still in use.
type Commitment struct {
	PlayerSeed     string `json:"player_seed"`
	ServerSeedHash string `json:"server_seed_hash"`
}

func (p SeedPair) ServerSeedHash() string {
	hash := sha256.Sum256([]byte(p.ServerSeed))
	return hex.EncodeToString(hash[:])
}

func (p SeedPair) Commitment() Commitment {
	return Commitment{PlayerSeed: p.PlayerSeed, ServerSeedHash: p.ServerSeedHash()}
}

// Digest is SHA-256(playerSeed || serverSeed).
func (p SeedPair) Digest() [32]byte {
	return sha256.Sum256([]byte(p.PlayerSeed + p.ServerSeed))
}

// EntropySource supplies server seed material from outside the process.
type EntropySource interface {
	Fetch(ctx context.Context) (string, error)
}

type Generator struct {
	source  EntropySource
	timeout time.Duration
	logger  *zap.Logger
}

// NewGenerator builds a seed generator. source may be nil, in which case only
// local randomness is used.
func NewGenerator(source EntropySource, timeout time.Duration, logger *zap.Logger) *Generator {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &Generator{source: source, timeout: timeout, logger: logger.Named("fairness")}
}

// NewSeedPair pairs playerSeed with a fresh server seed. The beacon is tried
// first under a short deadline; any failure falls back to crypto/rand.
func (g *Generator) NewSeedPair(ctx context.Context, playerSeed string) (SeedPair, error) {
	if playerSeed == "" {
		seed, err := randomHex(16)
		if err != nil {
			return SeedPair{}, err
		}
		playerSeed = seed
	}

	local, err := randomHex(32)
	if err != nil {
		return SeedPair{}, err
	}

	serverSeed := local
	if g.source != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, g.timeout)
		external, err := g.source.Fetch(fetchCtx)
		cancel()
		if err != nil {
			g.logger.Warn("randomness beacon unavailable, using local entropy", zap.Error(err))
		} else {
			// Beacon output is public, so it is mixed with local entropy
			// to keep the server seed unpredictable until reveal.
			mixed := sha256.Sum256([]byte(external + local))
			serverSeed = hex.EncodeToString(mixed[:])
		}
	}

	return SeedPair{PlayerSeed: playerSeed, ServerSeed: serverSeed}, nil
}

func randomHex(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %v", err)
	}
	return hex.EncodeToString(bytes), nil
}

// CombinePlayerSeeds folds every seated player's seed and the hand number into
// the single player seed of a shuffle.
func CombinePlayerSeeds(handNumber int64, seeds ...string) string {
	return fmt.Sprintf("%s:%d", strings.Join(seeds, ":"), handNumber)
}
