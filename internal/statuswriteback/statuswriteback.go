// Package statuswriteback drains the hot-store status buffer and
// applies bulk status updates to the durable store. Dispatcher workers
// never write status directly to Postgres; they push onto this buffer
// instead, so a burst of outcomes never opens one row-lock per worker
// per message. Grounded on apps/sms/tasks.py's SMSStatusBuffer /
// flush_buffer.
package statuswriteback

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaysms/gateway/internal/durablestore"
	"github.com/relaysms/gateway/internal/hotstore"
	"github.com/relaysms/gateway/internal/model"
)

const bufferKey = "status:buffer"

// DefaultBatchSize mirrors the original's flush_buffer chunk size.
const DefaultBatchSize = 1000

// DefaultFlushInterval matches config/celery.py's beat schedule for the
// analogous task.
const DefaultFlushInterval = 5 * time.Second

// Flusher drains the status buffer on demand.
type Flusher struct {
	hot       *hotstore.Store
	durable   *durablestore.Store
	log       zerolog.Logger
	batchSize int64
}

// New constructs a Flusher.
func New(hot *hotstore.Store, durable *durablestore.Store, log zerolog.Logger, batchSize int64) *Flusher {
	return &Flusher{
		hot:       hot,
		durable:   durable,
		log:       log.With().Str("component", "statuswriteback").Logger(),
		batchSize: batchSize,
	}
}

// Flush pops up to the configured batch size off the status buffer and
// applies the updates. Multiple updates for the same submission id
// within one batch collapse to the last one seen (last-write-wins),
// matching the original buffer's dict-keyed-by-id accumulation; only
// the final state for each id in this batch needs to reach Postgres.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	raw, err := f.hot.LPopN(ctx, bufferKey, f.batchSize)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, nil
	}

	byID := make(map[string]model.StatusUpdate, len(raw))
	order := make([]string, 0, len(raw))
	for _, r := range raw {
		var u model.StatusUpdate
		if err := json.Unmarshal([]byte(r), &u); err != nil {
			f.log.Warn().Err(err).Msg("dropping malformed status update")
			continue
		}
		if _, seen := byID[u.ID]; !seen {
			order = append(order, u.ID)
		}
		byID[u.ID] = u
	}

	updates := make([]model.StatusUpdate, 0, len(order))
	for _, id := range order {
		updates = append(updates, byID[id])
	}

	applied, err := f.durable.BulkUpdateStatus(ctx, updates)
	if err != nil {
		return 0, err
	}
	return applied, nil
}
