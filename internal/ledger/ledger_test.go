package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"casino-table-engine/internal/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func openTestLedger(t *testing.T) *SQLLedger {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db") + "?_txlock=immediate&_busy_timeout=5000"
	l, err := Open(dsn, 1000, "treasury", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpeningBalance(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	balance, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance)

	treasury, err := l.Balance(ctx, "treasury")
	require.NoError(t, err)
	require.Zero(t, treasury)

	txs, err := l.Transactions(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, models.TransactionTypeDeposit, txs[0].Type)
}

func TestDebitInsufficientFunds(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	applied := false
	_, err := l.Debit(ctx, models.LedgerEntry{UserID: "bob", Amount: 5000, Type: models.TransactionTypeBet},
		func(ctx context.Context, balance int64) error {
			applied = true
			return nil
		})
	require.True(t, errors.Is(err, models.ErrInsufficientFunds))
	require.False(t, applied, "apply must not run when funds are short")

	balance, err := l.Balance(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance)
}

func TestDebitRollsBackWhenApplyFails(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	_, err := l.Debit(ctx, models.LedgerEntry{UserID: "carol", Amount: 100, Type: models.TransactionTypeBet},
		func(ctx context.Context, balance int64) error {
			require.Equal(t, int64(900), balance)
			return errors.New("store unavailable")
		})
	require.Error(t, err)

	balance, err := l.Balance(ctx, "carol")
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance)

	txs, err := l.Transactions(ctx, "carol", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1, "only the opening deposit should be recorded")
}

func TestCreditWithTax(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	after, err := l.Credit(ctx,
		models.LedgerEntry{UserID: "dave", Amount: 950, Type: models.TransactionTypeWin, TableID: "t1", HandNumber: 3},
		&models.LedgerEntry{UserID: "treasury", Amount: 50, TableID: "t1", HandNumber: 3, Description: "tax"},
		nil)
	require.NoError(t, err)
	require.Equal(t, int64(1950), after)

	treasury, err := l.Balance(ctx, "treasury")
	require.NoError(t, err)
	require.Equal(t, int64(50), treasury)

	txs, err := l.Transactions(ctx, "treasury", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, models.TransactionTypeTax, txs[0].Type)
	require.Equal(t, "t1", txs[0].TableID)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	var g errgroup.Group
	wins := make(chan struct{}, 20)
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := l.Debit(ctx, models.LedgerEntry{UserID: "erin", Amount: 150, Type: models.TransactionTypeBet}, nil)
			if err == nil {
				wins <- struct{}{}
				return nil
			}
			if errors.Is(err, models.ErrInsufficientFunds) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	close(wins)

	require.Len(t, wins, 6)
	balance, err := l.Balance(ctx, "erin")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)
}

func TestReferencedMovementsHappenOnce(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	calls := 0
	apply := func(ctx context.Context, balance int64) error {
		calls++
		return nil
	}
	debit := models.LedgerEntry{UserID: "frank", Amount: 200, Type: models.TransactionTypeBet, Reference: "t1/0/1/frank:0/war"}
	for i := 0; i < 2; i++ {
		balance, err := l.Debit(ctx, debit, apply)
		require.NoError(t, err)
		require.Equal(t, int64(800), balance)
	}
	require.Equal(t, 1, calls)

	win := models.LedgerEntry{UserID: "frank", Amount: 400, Type: models.TransactionTypeWin, Reference: "t1/0/1/frank:0/payout"}
	tax := &models.LedgerEntry{UserID: "treasury", Amount: 40, Reference: win.Reference + "/tax"}
	for i := 0; i < 2; i++ {
		balance, err := l.Credit(ctx, win, tax, apply)
		require.NoError(t, err)
		require.Equal(t, int64(1200), balance)
	}
	require.Equal(t, 2, calls)

	treasury, err := l.Balance(ctx, "treasury")
	require.NoError(t, err)
	require.Equal(t, int64(40), treasury)

	// Unkeyed movements never collide with each other.
	for i := 0; i < 2; i++ {
		_, err := l.Debit(ctx, models.LedgerEntry{UserID: "frank", Amount: 100, Type: models.TransactionTypeBet}, nil)
		require.NoError(t, err)
	}
	txs, err := l.Transactions(ctx, "frank", 10)
	require.NoError(t, err)
	require.Len(t, txs, 5)
	require.Equal(t, "t1/0/1/frank:0/payout", txs[2].Reference)
}

func TestDeposit(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	balance, err := l.Deposit(ctx, "gina", 500, "Top-up")
	require.NoError(t, err)
	require.Equal(t, int64(1500), balance)

	_, err = l.Deposit(ctx, "gina", -5, "Top-up")
	require.ErrorIs(t, err, models.ErrInvalidAction)
}
