// Package ledger is the relational store of record for chip balances. Every
// movement runs in one serializable transaction that checks the balance,
// applies the change and writes an audit row.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"casino-table-engine/internal/models"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ApplyFunc runs inside the ledger transaction after the balance change and
// before commit. An error rolls the whole movement back.
type ApplyFunc = func(ctx context.Context, balance int64) error

type SQLLedger struct {
	db              *sql.DB
	startingBalance int64
	treasuryID      string
	logger          *zap.Logger
}

func Open(dsn string, startingBalance int64, treasuryID string, logger *zap.Logger) (*SQLLedger, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %v", err)
	}
	// SQLite has one writer; a single pooled connection keeps transactions
	// from tripping over each other with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger tables: %v", err)
	}

	return &SQLLedger{
		db:              db,
		startingBalance: startingBalance,
		treasuryID:      treasuryID,
		logger:          logger.Named("ledger"),
	}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			user_id TEXT PRIMARY KEY,
			balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			amount INTEGER NOT NULL,
			balance_before INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			table_id TEXT,
			hand_number INTEGER,
			description TEXT,
			reference TEXT,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (user_id) REFERENCES accounts(user_id)
		)
	`)
	if err != nil {
		return err
	}

	if err := addColumn(db, "transactions", "reference", "TEXT"); err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions (user_id, created_at)`)
	if err != nil {
		return err
	}

	// NULL references are never equal, so unkeyed movements are unaffected.
	_, err = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_reference ON transactions (reference)`)
	return err
}

// addColumn upgrades ledgers created before column existed.
func addColumn(db *sql.DB, table, column, typ string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, ct   string
			notNull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &ct, &notNull, &dflt, &primaryKey); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ))
	return err
}

func (l *SQLLedger) Close() error {
	return l.db.Close()
}

func (l *SQLLedger) TreasuryID() string {
	return l.treasuryID
}

func (l *SQLLedger) begin(ctx context.Context) (*sql.Tx, error) {
	return l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// Balance returns the user's balance, opening the account on first sight.
func (l *SQLLedger) Balance(ctx context.Context, userID string) (int64, error) {
	tx, err := l.begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin ledger transaction: %v", err)
	}
	defer tx.Rollback()

	balance, err := l.accountBalance(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit ledger transaction: %v", err)
	}
	return balance, nil
}

func (l *SQLLedger) accountBalance(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, "SELECT balance FROM accounts WHERE user_id = ?", userID).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to read balance: %v", err)
	}

	opening := l.startingBalance
	if userID == l.treasuryID {
		opening = 0
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO accounts (user_id, balance) VALUES (?, ?)", userID, opening); err != nil {
		return 0, fmt.Errorf("failed to open account: %v", err)
	}
	if opening > 0 {
		err := insertTransaction(ctx, tx, models.Transaction{
			UserID:        userID,
			Type:          models.TransactionTypeDeposit,
			Amount:        opening,
			BalanceBefore: 0,
			BalanceAfter:  opening,
			Description:   "Opening balance",
		})
		if err != nil {
			return 0, err
		}
	}
	return opening, nil
}

func (l *SQLLedger) setBalance(ctx context.Context, tx *sql.Tx, userID string, balance int64) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE accounts SET balance = ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?",
		balance, userID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %v", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t models.Transaction) error {
	if t.ID == "" {
		t.ID = "tx_" + uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	ref := sql.NullString{String: t.Reference, Valid: t.Reference != ""}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, type, amount, balance_before, balance_after, table_id, hand_number, description, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, string(t.Type), t.Amount, t.BalanceBefore, t.BalanceAfter, t.TableID, t.HandNumber, t.Description, ref, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %v", err)
	}
	return nil
}

// recorded reports whether a movement carrying ref has already committed.
func recorded(ctx context.Context, tx *sql.Tx, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions WHERE reference = ?", ref).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up reference: %v", err)
	}
	return n > 0, nil
}

// replay commits a transaction that found its reference already recorded.
// Only a lazily opened account can have been written.
func (l *SQLLedger) replay(tx *sql.Tx, e models.LedgerEntry, balance int64) (int64, error) {
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit ledger transaction: %v", err)
	}
	l.logger.Info("movement already recorded", zap.String("user", e.UserID), zap.String("reference", e.Reference))
	return balance, nil
}

// Debit removes e.Amount from the user's balance. It fails with
// INSUFFICIENT_FUNDS and no effects when the balance is short. A debit whose
// Reference is already recorded changes nothing, skips apply and returns the
// current balance.
func (l *SQLLedger) Debit(ctx context.Context, e models.LedgerEntry, apply ApplyFunc) (int64, error) {
	if e.Amount <= 0 {
		return 0, models.InvalidAction("debit amount must be positive")
	}

	tx, err := l.begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin ledger transaction: %v", err)
	}
	defer tx.Rollback()

	before, err := l.accountBalance(ctx, tx, e.UserID)
	if err != nil {
		return 0, err
	}
	done, err := recorded(ctx, tx, e.Reference)
	if err != nil {
		return 0, err
	}
	if done {
		return l.replay(tx, e, before)
	}
	if before < e.Amount {
		return before, models.NewGameError(models.CodeInsufficientFunds,
			"balance %d is below %d", before, e.Amount)
	}

	after := before - e.Amount
	if err := l.setBalance(ctx, tx, e.UserID, after); err != nil {
		return 0, err
	}
	err = insertTransaction(ctx, tx, models.Transaction{
		UserID:        e.UserID,
		Type:          e.Type,
		Amount:        -e.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		TableID:       e.TableID,
		HandNumber:    e.HandNumber,
		Description:   e.Description,
		Reference:     e.Reference,
	})
	if err != nil {
		return 0, err
	}

	if apply != nil {
		if err := apply(ctx, after); err != nil {
			return before, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit debit: %v", err)
	}
	return after, nil
}

// Credit adds e.Amount to the user. A non-nil tax entry is credited to its
// own account (the treasury) with a separate audit row in the same
// transaction. References replay the same way as for Debit.
func (l *SQLLedger) Credit(ctx context.Context, e models.LedgerEntry, tax *models.LedgerEntry, apply ApplyFunc) (int64, error) {
	if e.Amount < 0 {
		return 0, models.InvalidAction("credit amount must not be negative")
	}

	tx, err := l.begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin ledger transaction: %v", err)
	}
	defer tx.Rollback()

	before, err := l.accountBalance(ctx, tx, e.UserID)
	if err != nil {
		return 0, err
	}
	done, err := recorded(ctx, tx, e.Reference)
	if err != nil {
		return 0, err
	}
	if done {
		return l.replay(tx, e, before)
	}
	after := before + e.Amount
	if err := l.setBalance(ctx, tx, e.UserID, after); err != nil {
		return 0, err
	}
	err = insertTransaction(ctx, tx, models.Transaction{
		UserID:        e.UserID,
		Type:          e.Type,
		Amount:        e.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		TableID:       e.TableID,
		HandNumber:    e.HandNumber,
		Description:   e.Description,
		Reference:     e.Reference,
	})
	if err != nil {
		return 0, err
	}

	if tax != nil && tax.Amount > 0 {
		tBefore, err := l.accountBalance(ctx, tx, tax.UserID)
		if err != nil {
			return 0, err
		}
		tAfter := tBefore + tax.Amount
		if err := l.setBalance(ctx, tx, tax.UserID, tAfter); err != nil {
			return 0, err
		}
		err = insertTransaction(ctx, tx, models.Transaction{
			UserID:        tax.UserID,
			Type:          models.TransactionTypeTax,
			Amount:        tax.Amount,
			BalanceBefore: tBefore,
			BalanceAfter:  tAfter,
			TableID:       tax.TableID,
			HandNumber:    tax.HandNumber,
			Description:   tax.Description,
			Reference:     tax.Reference,
		})
		if err != nil {
			return 0, err
		}
	}

	if apply != nil {
		if err := apply(ctx, after); err != nil {
			return before, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit credit: %v", err)
	}
	return after, nil
}

// Deposit tops up an account outside of play.
func (l *SQLLedger) Deposit(ctx context.Context, userID string, amount int64, description string) (int64, error) {
	return l.Credit(ctx, models.LedgerEntry{
		UserID:      userID,
		Amount:      amount,
		Type:        models.TransactionTypeDeposit,
		Description: description,
	}, nil, nil)
}

func (l *SQLLedger) Transactions(ctx context.Context, userID string, limit int) ([]*models.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, balance_before, balance_after,
		       COALESCE(table_id, ''), COALESCE(hand_number, 0), COALESCE(description, ''), COALESCE(reference, ''), created_at
		FROM transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %v", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		var typ string
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
			&t.TableID, &t.HandNumber, &t.Description, &t.Reference, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %v", err)
		}
		t.Type = models.TransactionType(typ)
		out = append(out, &t)
	}
	return out, rows.Err()
}
