package acceptor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaysms/gateway/internal/apperr"
	"github.com/relaysms/gateway/internal/hotstore"
	"github.com/relaysms/gateway/internal/ledger"
	"github.com/relaysms/gateway/internal/model"
)

func TestValidate_RejectsMalformedRecipient(t *testing.T) {
	req := Request{TenantID: "t1", Recipient: "12345", Body: "hi", Priority: model.PriorityNormal}
	err := validate(req)
	assert.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestValidate_AcceptsWellFormedRecipient(t *testing.T) {
	req := Request{TenantID: "t1", Recipient: "09123456789", Body: "hi", Priority: model.PriorityNormal}
	assert.NoError(t, validate(req))
}

func TestNormalizePhone_StripsSpacesAndHyphens(t *testing.T) {
	assert.Equal(t, "09123456789", normalizePhone("0912-345-6789"))
	assert.Equal(t, "09123456789", normalizePhone("0912 345 6789"))
	assert.Equal(t, "09123456789", normalizePhone("09123456789"))
}

func TestValidate_AcceptsRecipientWithSpacesAndHyphensAfterNormalization(t *testing.T) {
	req := Request{TenantID: "t1", Recipient: normalizePhone("0912-345-6789"), Body: "hi", Priority: model.PriorityNormal}
	assert.NoError(t, validate(req))
}

func TestValidate_RejectsOversizedBody(t *testing.T) {
	body := make([]byte, maxBodyLen+1)
	for i := range body {
		body[i] = 'a'
	}
	req := Request{TenantID: "t1", Recipient: "09123456789", Body: string(body), Priority: model.PriorityNormal}
	err := validate(req)
	assert.Error(t, err)
}

func TestValidate_RejectsPastScheduledTime(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	req := Request{TenantID: "t1", Recipient: "09123456789", Body: "hi", Priority: model.PriorityNormal, ScheduledAt: &past}
	err := validate(req)
	assert.Error(t, err)
}

func TestValidate_RejectsUnknownPriority(t *testing.T) {
	req := Request{TenantID: "t1", Recipient: "09123456789", Body: "hi", Priority: "urgent"}
	err := validate(req)
	assert.Error(t, err)
}

func TestCalculateCost_ExpressAppliesMultiplier(t *testing.T) {
	a := &Acceptor{baseCost: model.Money(500), expressCostMultiplier: 2.0}
	assert.Equal(t, model.Money(500), a.CalculateCost(model.PriorityNormal))
	assert.Equal(t, model.Money(1000), a.CalculateCost(model.PriorityExpress))
}

func newTestAcceptor(t *testing.T) (*Acceptor, *hotstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	hot, err := hotstore.New(context.Background(), hotstore.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { hot.Close() })

	ldgr := ledger.New(hot, nil, zerolog.Nop())
	return New(hot, ldgr, zerolog.Nop(), model.Money(5000), 2.0), hot
}

func TestAccept_DuplicateRequestIDRejected(t *testing.T) {
	a, hot := newTestAcceptor(t)
	ctx := context.Background()
	require.NoError(t, hot.Set(ctx, "balance:t1", "1000.00", 0))
	require.NoError(t, hot.Set(ctx, "pending:t1", "0", 0))

	req := Request{TenantID: "t1", RequestID: "req-1", Recipient: "09123456789", Body: "hi", Priority: model.PriorityNormal}

	id, err := a.Accept(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = a.Accept(ctx, req)
	assert.Error(t, err)
	assert.Equal(t, apperr.KindDuplicate, apperr.KindOf(err))
}

func TestAccept_InsufficientBalanceRejected(t *testing.T) {
	a, hot := newTestAcceptor(t)
	ctx := context.Background()
	require.NoError(t, hot.Set(ctx, "balance:t1", "10.00", 0))
	require.NoError(t, hot.Set(ctx, "pending:t1", "0", 0))

	req := Request{TenantID: "t1", RequestID: "req-2", Recipient: "09123456789", Body: "hi", Priority: model.PriorityNormal}

	_, err := a.Accept(ctx, req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInsufficient, apperr.KindOf(err))

	// The idempotency key must be released on rejection so a retry after
	// topping up the balance isn't wrongly treated as a duplicate.
	held, err := hot.Exists(ctx, idempotencyKey("t1", "req-2"))
	require.NoError(t, err)
	assert.False(t, held, "idempotency key should be deleted after an insufficient-balance rejection")
}

func TestAccept_SucceedsReservesAndEnqueuesExactlyOnce(t *testing.T) {
	a, hot := newTestAcceptor(t)
	ctx := context.Background()
	require.NoError(t, hot.Set(ctx, "balance:t1", "1000.00", 0))
	require.NoError(t, hot.Set(ctx, "pending:t1", "0", 0))

	req := Request{TenantID: "t1", RequestID: "req-3", Recipient: "0912-345-6789", Body: "hi", Priority: model.PriorityExpress}

	id, err := a.Accept(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	n, err := hot.LLen(ctx, ingestBufferKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "exactly one item should land on the ingest buffer")

	pendingStr, ok, err := hot.Get(ctx, "pending:t1")
	require.NoError(t, err)
	require.True(t, ok)
	pending, err := model.ParseMoney(pendingStr)
	require.NoError(t, err)
	assert.Equal(t, model.Money(10000), pending, "express priority reserves baseCost * expressCostMultiplier")
}

func TestAccept_ValidationFailureReleasesIdempotencyKey(t *testing.T) {
	a, hot := newTestAcceptor(t)
	ctx := context.Background()

	req := Request{TenantID: "t1", RequestID: "req-4", Recipient: "not-a-phone", Body: "hi", Priority: model.PriorityNormal}
	_, err := a.Accept(ctx, req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))

	held, err := hot.Exists(ctx, idempotencyKey("t1", "req-4"))
	require.NoError(t, err)
	assert.False(t, held, "idempotency key should be deleted after a validation rejection")
}
