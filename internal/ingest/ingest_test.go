package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaysms/gateway/internal/durablestore"
	"github.com/relaysms/gateway/internal/hotstore"
	"github.com/relaysms/gateway/internal/model"
)

// fakeDispatcher records every submission handed to it, standing in for
// the dispatcher's worker pools.
type fakeDispatcher struct {
	mu   sync.Mutex
	subs []model.Submission
}

func (f *fakeDispatcher) Submit(ctx context.Context, sub model.Submission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
}

func (f *fakeDispatcher) submitted() []model.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Submission, len(f.subs))
	copy(out, f.subs)
	return out
}

func pushItem(t *testing.T, hot *hotstore.Store, item model.IngestItem) {
	t.Helper()
	payload, err := json.Marshal(item)
	require.NoError(t, err)
	require.NoError(t, hot.RPush(context.Background(), bufferKey, string(payload)))
}

func TestDrain_BulkInsertsAndDispatchesNonScheduledItems(t *testing.T) {
	mr := miniredis.RunT(t)
	hot, err := hotstore.New(context.Background(), hotstore.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { hot.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	durable := durablestore.NewWithDB(db)

	pushItem(t, hot, model.IngestItem{ID: "sub-1", TenantID: "t1", Recipient: "09100000001", Body: "hi", Priority: model.PriorityNormal, Cost: "50.00"})
	pushItem(t, hot, model.IngestItem{ID: "sub-2", TenantID: "t1", Recipient: "09100000002", Body: "hi", Priority: model.PriorityExpress, Cost: "100.00"})

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO messages")
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	disp := &fakeDispatcher{}
	b := New(hot, durable, disp, zerolog.Nop(), 100)

	inserted, err := b.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	subs := disp.submitted()
	require.Len(t, subs, 2, "both non-scheduled items should be handed to the dispatcher")
	assert.ElementsMatch(t, []string{"sub-1", "sub-2"}, []string{subs[0].ID, subs[1].ID})

	n, err := hot.LLen(context.Background(), bufferKey)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "drained items must be removed from the buffer")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrain_RequeuesOnInsertFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	hot, err := hotstore.New(context.Background(), hotstore.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { hot.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	durable := durablestore.NewWithDB(db)

	pushItem(t, hot, model.IngestItem{ID: "sub-1", TenantID: "t1", Recipient: "09100000001", Body: "hi", Priority: model.PriorityNormal, Cost: "50.00"})

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO messages")
	mock.ExpectExec("INSERT INTO messages").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	disp := &fakeDispatcher{}
	b := New(hot, durable, disp, zerolog.Nop(), 100)

	_, err = b.Drain(context.Background())
	assert.Error(t, err)
	assert.Empty(t, disp.submitted(), "nothing should be dispatched when the insert fails")

	n, err := hot.LLen(context.Background(), bufferKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "the failed batch should be pushed back onto the buffer for retry")

	assert.NoError(t, mock.ExpectationsWereMet())
}
