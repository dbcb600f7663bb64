// Package ingest drains the hot-store ingest buffer in batches, inserts
// the durable submission rows, and hands off non-scheduled items to the
// dispatcher's queue. Grounded on apps/sms/tasks.py's
// process_ingest_buffer / batch_ingest_sms.
package ingest

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaysms/gateway/internal/durablestore"
	"github.com/relaysms/gateway/internal/hotstore"
	"github.com/relaysms/gateway/internal/model"
)

const bufferKey = "ingest:buffer"

// Dispatchable receives submissions ready for immediate dispatch (not
// scheduled for later).
type Dispatchable interface {
	Submit(ctx context.Context, sub model.Submission)
}

// Batcher drains the ingest buffer on demand.
type Batcher struct {
	hot        *hotstore.Store
	durable    *durablestore.Store
	dispatcher Dispatchable
	log        zerolog.Logger
	batchSize  int64
}

// New constructs a Batcher.
func New(hot *hotstore.Store, durable *durablestore.Store, dispatcher Dispatchable, log zerolog.Logger, batchSize int64) *Batcher {
	return &Batcher{
		hot:        hot,
		durable:    durable,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "ingest").Logger(),
		batchSize:  batchSize,
	}
}

// Drain pops up to the configured batch size off the ingest buffer,
// bulk-inserts them as durable submission rows, and submits every
// non-scheduled item to the dispatcher. Items that fail to parse are
// dropped with a logged warning rather than requeued, since a malformed
// payload will never become well-formed on retry; items that parse but
// fail to insert are pushed back onto the head of the buffer (LIFO
// re-queue, matching the original's retry-on-failure behavior) so they
// are retried on the next tick ahead of newly arrived work.
func (b *Batcher) Drain(ctx context.Context) (int, error) {
	raw, err := b.hot.LPopN(ctx, bufferKey, b.batchSize)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, nil
	}

	now := time.Now()
	submissions := make([]model.Submission, 0, len(raw))
	parsed := make([]string, 0, len(raw))
	for _, r := range raw {
		var item model.IngestItem
		if err := json.Unmarshal([]byte(r), &item); err != nil {
			b.log.Warn().Err(err).Msg("dropping malformed ingest item")
			continue
		}
		cost, err := model.ParseMoney(item.Cost)
		if err != nil {
			b.log.Warn().Err(err).Str("id", item.ID).Msg("dropping ingest item with unparseable cost")
			continue
		}
		// created_at comes from the UUIDv7's embedded millisecond
		// timestamp, so a re-delivered id carries the same (id,
		// created_at) key and the insert's conflict clause ignores it.
		createdAt := now
		if uid, err := uuid.Parse(item.ID); err == nil && uid.Version() == 7 {
			createdAt = time.UnixMilli(int64(binary.BigEndian.Uint64(uid[:8]) >> 16))
		}
		parsed = append(parsed, r)
		// Scheduled items still land with status "queued"; the
		// scheduled-send gate promotes them to dispatch once due.
		submissions = append(submissions, model.Submission{
			ID:          item.ID,
			TenantID:    item.TenantID,
			Recipient:   item.Recipient,
			Body:        item.Body,
			Priority:    item.Priority,
			Cost:        cost,
			ScheduledAt: item.ScheduledAt,
			Status:      model.StatusQueued,
			CreatedAt:   createdAt,
			UpdatedAt:   now,
		})
	}

	if len(submissions) == 0 {
		return 0, nil
	}

	inserted, err := b.durable.InsertSubmissions(ctx, submissions)
	if err != nil {
		b.requeue(ctx, parsed)
		return 0, err
	}

	for _, sub := range submissions {
		if sub.ScheduledAt == nil || !sub.ScheduledAt.After(now) {
			b.dispatcher.Submit(ctx, sub)
		}
	}

	return inserted, nil
}

// requeue pushes raw payloads back onto the head of the buffer so they
// are retried ahead of newly arrived work (LIFO), matching the
// original's behavior of re-queuing a batch that failed to persist.
func (b *Batcher) requeue(ctx context.Context, raw []string) {
	reversed := make([]string, len(raw))
	for i, v := range raw {
		reversed[len(raw)-1-i] = v
	}
	if err := b.hot.LPush(ctx, bufferKey, reversed...); err != nil {
		b.log.Error().Err(err).Msg("failed to requeue ingest items after insert failure; items may be lost")
	}
}

// DefaultInterval is the cadence the scheduler drains the ingest buffer
// at, matching config/celery.py's beat schedule for the analogous task.
const DefaultInterval = 2 * time.Second

// DefaultBatchSize mirrors the original's batch_ingest_sms chunk size.
const DefaultBatchSize = 5000
