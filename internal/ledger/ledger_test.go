package ledger

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaysms/gateway/internal/apperr"
	"github.com/relaysms/gateway/internal/durablestore"
	"github.com/relaysms/gateway/internal/hotstore"
	"github.com/relaysms/gateway/internal/model"
)

func TestBalance_AvailableIsBalanceMinusPending(t *testing.T) {
	b := &Balance{
		Balance: model.Money(10000),
		Pending: model.Money(2500),
	}
	b.Available = b.Balance - b.Pending
	assert.Equal(t, model.Money(7500), b.Available)
}

func TestReserveScript_RejectsNonPositiveCost(t *testing.T) {
	l := &Ledger{}
	err := l.Reserve(nil, "tenant-1", model.Money(0))
	assert.Error(t, err)
}

func TestRefund_RejectsNonPositiveAmount(t *testing.T) {
	l := &Ledger{}
	err := l.Refund(nil, "tenant-1", model.Money(-100))
	assert.Error(t, err)
}

func newTestLedger(t *testing.T) (*Ledger, *hotstore.Store, sqlmock.Sqlmock) {
	t.Helper()
	mr := miniredis.RunT(t)
	hot, err := hotstore.New(context.Background(), hotstore.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { hot.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	durable := durablestore.NewWithDB(db)
	l := New(hot, durable, zerolog.Nop())
	return l, hot, mock
}

// Reserve's balance(u) - pending(u) >= cost check never touches
// Postgres, so a real miniredis instance exercises the Lua script
// honestly without needing sqlmock at all.
func TestReserve_ConcurrentOverdraw(t *testing.T) {
	l, hot, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, hot.Set(ctx, balanceKey("tenant-1"), "100.00", 0))
	require.NoError(t, hot.Set(ctx, pendingKey("tenant-1"), "0", 0))

	// Two concurrent reservations for 60 each against a balance of 100:
	// exactly one must succeed, the other must see insufficient funds.
	results := make(chan error, 2)
	go func() { results <- l.Reserve(ctx, "tenant-1", model.Money(6000)) }()
	go func() { results <- l.Reserve(ctx, "tenant-1", model.Money(6000)) }()

	first := <-results
	second := <-results
	successes := 0
	for _, err := range []error{first, second} {
		if err == nil {
			successes++
		} else {
			assert.Equal(t, apperr.KindInsufficient, apperr.KindOf(err))
		}
	}
	assert.Equal(t, 1, successes, "exactly one of two overlapping reservations should succeed against a balance that only covers one")
}

func TestRefund_CancelledThenSettledMatchesNeverReserved(t *testing.T) {
	l, hot, mock := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, hot.Set(ctx, balanceKey("tenant-1"), "100.00", 0))
	require.NoError(t, hot.Set(ctx, pendingKey("tenant-1"), "0", 0))

	require.NoError(t, l.Reserve(ctx, "tenant-1", model.Money(3000)))
	require.NoError(t, l.Refund(ctx, "tenant-1", model.Money(3000)))

	bal, err := l.GetBalance(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, model.Money(0), bal.Pending, "a cancelled-then-refunded reservation must leave pending back at zero")
	assert.Equal(t, model.Money(10000), bal.Balance)
	assert.Equal(t, bal.Balance, bal.Available)

	// Nothing pending left to settle; Settle should touch no durable state.
	require.NoError(t, l.Settle(ctx, "tenant-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettle_ReconcilesPendingIntoDurableBalance(t *testing.T) {
	l, hot, mock := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, hot.Set(ctx, balanceKey("tenant-1"), "100.00", 0))
	require.NoError(t, hot.Set(ctx, pendingKey("tenant-1"), "25.00", 0))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT balance_cents FROM accounts WHERE tenant_id").
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(int64(10000)))
	mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO credit_transactions").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), time.Now()))
	mock.ExpectCommit()

	require.NoError(t, l.Settle(ctx, "tenant-1"))

	pendingStr, ok, err := hot.Get(ctx, pendingKey("tenant-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0", pendingStr)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyIntegrity_RepopulatesOnMismatch(t *testing.T) {
	l, hot, mock := newTestLedger(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT tenant_id, balance_cents").
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"tenant_id", "balance_cents", "lifetime_charged_cents", "lifetime_spent_cents",
				"rate_limit_per_min", "api_key_fingerprint", "created_at", "updated_at"},
		).AddRow("tenant-1", int64(10000), int64(10000), int64(0), 100, "fp", time.Now(), time.Now()))

	require.NoError(t, hot.Set(ctx, balanceKey("tenant-1"), "50.00", 0))

	mismatch, err := l.VerifyIntegrity(ctx, "tenant-1")
	require.NoError(t, err)
	assert.True(t, mismatch)

	fixed, ok, err := hot.Get(ctx, balanceKey("tenant-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "100.00", fixed)

	assert.NoError(t, mock.ExpectationsWereMet())
}
