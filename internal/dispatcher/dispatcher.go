// Package dispatcher runs the priority-queued worker pools that hand
// submissions to the downstream provider, gate calls behind a circuit
// breaker, and retry failures with exponential backoff. It also hosts
// the scheduled-send gate (component K), which promotes submissions
// whose scheduled time has arrived into the same dispatch path.
// Grounded on apps/sms/tasks.py's process_sms_sending,
// process_scheduled_sms, and retry_failed_sms.
package dispatcher

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaysms/gateway/internal/breaker"
	"github.com/relaysms/gateway/internal/durablestore"
	"github.com/relaysms/gateway/internal/hotstore"
	"github.com/relaysms/gateway/internal/model"
	"github.com/relaysms/gateway/internal/provider"
)

const statusBufferKey = "status:buffer"

// DefaultMaxRetries mirrors the original's retry budget.
const DefaultMaxRetries = 3

// breakerOpenRetryDelay is how long handle defers a submission when the
// circuit breaker is open, mirroring the original's
// self.retry(countdown=60) on breaker-open. A var, not a const, so
// tests can shrink it rather than waiting out a real 60s.
var breakerOpenRetryDelay = 60 * time.Second

// Dispatcher owns two priority worker pools (express drains ahead of
// normal) that call the downstream provider and write outcomes onto the
// status buffer for the write-back job to flush. Workers never write
// directly to the durable store: that would race with a concurrent
// cancellation locking the same row.
type Dispatcher struct {
	hot        *hotstore.Store
	durable    *durablestore.Store
	provider   provider.Provider
	breaker    *breaker.Breaker
	log        zerolog.Logger
	maxRetries int

	express chan model.Submission
	normal  chan model.Submission
}

// Config configures worker pool sizing for each priority lane.
type Config struct {
	ExpressWorkers int
	NormalWorkers  int
	QueueDepth     int
	MaxRetries     int
}

// DefaultConfig sizes a small fixed worker pool per lane, with generous
// channel buffering so a burst of submissions doesn't block the ingest
// batcher that feeds Submit.
func DefaultConfig() Config {
	return Config{
		ExpressWorkers: 4,
		NormalWorkers:  8,
		QueueDepth:     1000,
		MaxRetries:     DefaultMaxRetries,
	}
}

// New constructs a Dispatcher. Call Start to launch its worker pools.
func New(hot *hotstore.Store, durable *durablestore.Store, prov provider.Provider, brk *breaker.Breaker, log zerolog.Logger, cfg Config) *Dispatcher {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Dispatcher{
		hot:        hot,
		durable:    durable,
		provider:   prov,
		breaker:    brk,
		log:        log.With().Str("component", "dispatcher").Logger(),
		maxRetries: cfg.MaxRetries,
		express:    make(chan model.Submission, cfg.QueueDepth),
		normal:     make(chan model.Submission, cfg.QueueDepth),
	}
}

// Start launches the express and normal worker pools. It returns
// immediately; workers run until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context, cfg Config) {
	for i := 0; i < cfg.ExpressWorkers; i++ {
		go d.worker(ctx, "express")
	}
	for i := 0; i < cfg.NormalWorkers; i++ {
		go d.worker(ctx, "normal")
	}
}

// Submit routes a submission into the appropriate priority lane. A full
// lane drops the submission from this attempt and logs loudly rather
// than blocking the caller (the ingest batcher, or the scheduled-send
// gate); the submission stays in durable storage at status "queued".
// The scheduled gate re-picks only queued rows with a scheduled_at and
// the retry sweep only failed rows, so a non-scheduled submission
// dropped here stays queued and is not resubmitted.
func (d *Dispatcher) Submit(ctx context.Context, sub model.Submission) {
	ch := d.normal
	if sub.Priority == model.PriorityExpress {
		ch = d.express
	}
	select {
	case ch <- sub:
	default:
		d.log.Error().Str("id", sub.ID).Str("priority", string(sub.Priority)).
			Msg("dispatch queue full, submission dropped from this attempt")
	}
}

// worker drains express ahead of normal: a non-blocking check of the
// express channel first, falling back to a blocking select across both
// when express is empty, so express submissions never wait behind a
// long normal backlog.
func (d *Dispatcher) worker(ctx context.Context, lane string) {
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-d.express:
			d.handle(ctx, sub)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case sub := <-d.express:
			d.handle(ctx, sub)
		case sub := <-d.normal:
			d.handle(ctx, sub)
		}
	}
}

// handle gates a single submission through the breaker, calls the
// provider, and records the outcome on the status buffer.
func (d *Dispatcher) handle(ctx context.Context, sub model.Submission) {
	open, err := d.breaker.IsOpen(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("breaker check failed")
		return
	}
	if open {
		d.deferForBreakerOpen(ctx, sub)
		return
	}

	d.recordStatus(ctx, sub.ID, model.StatusSending, "")

	outcome, err := d.provider.Send(ctx, sub.Recipient, sub.Body)
	if err != nil {
		if brkErr := d.breaker.RecordFailure(ctx); brkErr != nil {
			d.log.Error().Err(brkErr).Msg("record breaker failure")
		}
		d.recordStatus(ctx, sub.ID, model.StatusFailed, err.Error())
		return
	}

	if !outcome.Accepted {
		if brkErr := d.breaker.RecordFailure(ctx); brkErr != nil {
			d.log.Error().Err(brkErr).Msg("record breaker failure")
		}
		d.recordStatus(ctx, sub.ID, model.StatusFailed, outcome.Reason)
		return
	}

	if err := d.breaker.RecordSuccess(ctx); err != nil {
		d.log.Error().Err(err).Msg("record breaker success")
	}
	d.recordStatus(ctx, sub.ID, model.StatusSent, "")
}

// deferForBreakerOpen re-enqueues sub after breakerOpenRetryDelay rather
// than recording a terminal failure: the breaker is expected to recover
// within that window, and the submission never reached the provider, so
// this costs it nothing from its retry budget. The wait runs in its own
// goroutine so the worker immediately picks up its next submission.
func (d *Dispatcher) deferForBreakerOpen(ctx context.Context, sub model.Submission) {
	d.log.Warn().Str("id", sub.ID).Dur("delay", breakerOpenRetryDelay).Msg("circuit breaker open, deferring dispatch")
	go func() {
		timer := time.NewTimer(breakerOpenRetryDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			d.Submit(ctx, sub)
		}
	}()
}

func (d *Dispatcher) recordStatus(ctx context.Context, id string, status model.Status, reason string) {
	update := model.StatusUpdate{ID: id, Status: status, Reason: reason}
	payload, err := json.Marshal(update)
	if err != nil {
		d.log.Error().Err(err).Str("id", id).Msg("marshal status update")
		return
	}
	if err := d.hot.RPush(ctx, statusBufferKey, string(payload)); err != nil {
		d.log.Error().Err(err).Str("id", id).Msg("push status update")
	}
}

// backoff returns 60 * 2^attempt seconds, matching the original's
// exponential retry schedule.
func backoff(attempt int) time.Duration {
	return time.Duration(60*math.Pow(2, float64(attempt))) * time.Second
}

// RetrySweep re-submits failed submissions that still have retry
// budget and whose backoff window has elapsed. Grounded on
// apps/sms/tasks.py::retry_failed_sms.
func (d *Dispatcher) RetrySweep(ctx context.Context, limit int) (int, error) {
	candidates, err := d.durable.ListRetryable(ctx, d.maxRetries, limit)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	resubmitted := 0
	for _, sub := range candidates {
		if !sub.CanRetry(d.maxRetries) {
			continue
		}
		if now.Sub(sub.UpdatedAt) < backoff(sub.RetryCount) {
			continue
		}
		d.Submit(ctx, sub)
		resubmitted++
	}
	return resubmitted, nil
}

// ScheduledGate promotes queued submissions whose scheduled time has
// arrived into the dispatch path. Grounded on
// apps/sms/tasks.py::process_scheduled_sms.
func (d *Dispatcher) ScheduledGate(ctx context.Context, limit int) (int, error) {
	due, err := d.durable.ListDueScheduled(ctx, time.Now(), limit)
	if err != nil {
		return 0, err
	}
	for _, sub := range due {
		d.Submit(ctx, sub)
	}
	return len(due), nil
}

// DefaultRetrySweepInterval and DefaultScheduledGateInterval mirror the
// original's beat schedule entries for these tasks.
const (
	DefaultRetrySweepInterval     = 60 * time.Second
	DefaultScheduledGateInterval  = 30 * time.Second
)
