package statuswriteback

import (
	"context"
	"encoding/json"
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

// collapse mirrors the last-write-wins reduction Flush applies, pulled
// out here so it can be unit tested without a live Redis/Postgres pair.
func collapse(raw []string) []model.StatusUpdate {
	byID := make(map[string]model.StatusUpdate, len(raw))
	order := make([]string, 0, len(raw))
	for _, r := range raw {
		var u model.StatusUpdate
		if err := json.Unmarshal([]byte(r), &u); err != nil {
			continue
		}
		if _, seen := byID[u.ID]; !seen {
			order = append(order, u.ID)
		}
		byID[u.ID] = u
	}
	out := make([]model.StatusUpdate, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

func mustJSON(u model.StatusUpdate) string {
	b, _ := json.Marshal(u)
	return string(b)
}

func TestCollapse_LastWriteWinsPerID(t *testing.T) {
	raw := []string{
		mustJSON(model.StatusUpdate{ID: "a", Status: model.StatusSending}),
		mustJSON(model.StatusUpdate{ID: "b", Status: model.StatusSent}),
		mustJSON(model.StatusUpdate{ID: "a", Status: model.StatusSent}),
	}
	out := collapse(raw)
	assert.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, model.StatusSent, out[0].Status)
	assert.Equal(t, "b", out[1].ID)
}

func TestCollapse_DropsMalformedEntries(t *testing.T) {
	raw := []string{"not json", mustJSON(model.StatusUpdate{ID: "a", Status: model.StatusSent})}
	out := collapse(raw)
	assert.Len(t, out, 1)
}

func pushRaw(t *testing.T, hot *hotstore.Store, u model.StatusUpdate) {
	t.Helper()
	require.NoError(t, hot.RPush(context.Background(), bufferKey, mustJSON(u)))
}

func TestFlush_CollapsesAndAppliesBulkUpdate(t *testing.T) {
	mr := miniredis.RunT(t)
	hot, err := hotstore.New(context.Background(), hotstore.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { hot.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	durable := durablestore.NewWithDB(db)

	ctx := context.Background()
	pushRaw(t, hot, model.StatusUpdate{ID: "sub-1", Status: model.StatusSending})
	pushRaw(t, hot, model.StatusUpdate{ID: "sub-2", Status: model.StatusSent})
	pushRaw(t, hot, model.StatusUpdate{ID: "sub-1", Status: model.StatusSent})

	mock.ExpectBegin()
	mock.ExpectPrepare("UPDATE messages")
	mock.ExpectExec("UPDATE messages").WithArgs(model.StatusSent, "", "sub-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE messages").WithArgs(model.StatusSent, "", "sub-2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	f := New(hot, durable, zerolog.Nop(), 100)
	applied, err := f.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, applied, "sub-1's two updates collapse to its last-seen state before reaching Postgres")

	n, err := hot.LLen(ctx, bufferKey)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "buffer should be empty after a successful flush")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlush_EmptyBufferIsNoop(t *testing.T) {
	mr := miniredis.RunT(t)
	hot, err := hotstore.New(context.Background(), hotstore.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { hot.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	durable := durablestore.NewWithDB(db)

	f := New(hot, durable, zerolog.Nop(), 100)
	applied, err := f.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.NoError(t, mock.ExpectationsWereMet(), "an empty buffer must not touch Postgres at all")
}
