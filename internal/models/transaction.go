package models

import "time"

type TransactionType string

const (
	TransactionTypeBet     TransactionType = "bet"
	TransactionTypeWin     TransactionType = "win"
	TransactionTypeRefund  TransactionType = "refund"
	TransactionTypeTax     TransactionType = "tax"
	TransactionTypeDeposit TransactionType = "deposit"
)

// Transaction is one audit row in the ledger.
type Transaction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Type          TransactionType `json:"type"`
	Amount        int64           `json:"amount"`
	BalanceBefore int64           `json:"balance_before"`
	BalanceAfter  int64           `json:"balance_after"`
	TableID       string          `json:"table_id,omitempty"`
	HandNumber    int64           `json:"hand_number,omitempty"`
	Description   string          `json:"description"`
	Reference     string          `json:"reference,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// LedgerEntry describes a single chip movement requested by the engine.
type LedgerEntry struct {
	UserID      string
	Amount      int64
	Type        TransactionType
	TableID     string
	HandNumber  int64
	Description string
	// Reference, when set, makes the movement happen at most once.
	Reference string
}

type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}
