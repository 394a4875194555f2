package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func GenerateTableID(gameType GameType) string {
	return fmt.Sprintf("%s_%s_%d",
		gameType,
		time.Now().Format("20060102"),
		uuid.New().ID())
}

func GenerateTransactionID() string {
	return "tx_" + uuid.NewString()
}

func GenerateClientSeed() (string, error) {
	bytes := make([]byte, 16) // 128 bits of entropy
	_, err := rand.Read(bytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate client seed: %v", err)
	}
	return hex.EncodeToString(bytes), nil
}

// BetRequest is the transport-level bet payload.
type BetRequest struct {
	Seat   int   `json:"seat"`
	Amount int64 `json:"amount" binding:"required"`
}

// Validate checks the amount against the table limits.
func (br *BetRequest) Validate(cfg TableConfig) error {
	if br.Seat < 0 || br.Seat >= cfg.MaxSeats {
		return InvalidAction("seat %d out of range", br.Seat)
	}
	if br.Amount < cfg.MinBet {
		return InvalidAction("minimum bet is %d", cfg.MinBet)
	}
	if br.Amount > cfg.MaxBet {
		return InvalidAction("maximum bet is %d", cfg.MaxBet)
	}
	return nil
}

// ActionRequest carries a game specific player action.
type ActionRequest struct {
	UserID string `json:"-"`
	Seat   int    `json:"seat"`
	Action string `json:"action" binding:"required"`
	CardID string `json:"card_id,omitempty"`
	Amount int64  `json:"amount,omitempty"`
}
