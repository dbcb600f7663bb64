// Package acceptor implements the submission admission path: an
// idempotency gate, input validation, cost calculation, a ledger
// reservation, and a push onto the hot-store ingest buffer. Grounded
// on apps/sms/services.py::SMSService.create_sms and
// validate_phone_number/calculate_sms_cost.
package acceptor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaysms/gateway/internal/apperr"
	"github.com/relaysms/gateway/internal/hotstore"
	"github.com/relaysms/gateway/internal/ledger"
	"github.com/relaysms/gateway/internal/model"
)

const ingestBufferKey = "ingest:buffer"

// phonePattern matches an 11-digit local number with the "09" prefix,
// matching validate_phone_number's regex.
var phonePattern = regexp.MustCompile(`^09\d{9}$`)

const maxBodyLen = 1000

// Request is the caller-supplied submission input.
type Request struct {
	TenantID    string
	RequestID   string // idempotency key, opaque to the caller
	Recipient   string
	Body        string
	Priority    model.Priority
	ScheduledAt *time.Time
}

// Acceptor is the submission admission service.
type Acceptor struct {
	hot                   *hotstore.Store
	ledger                *ledger.Ledger
	log                   zerolog.Logger
	baseCost              model.Money
	expressCostMultiplier float64
}

// New constructs an Acceptor. baseCost is the per-message cost for
// normal priority; express priority costs baseCost *
// expressCostMultiplier.
func New(hot *hotstore.Store, ldgr *ledger.Ledger, log zerolog.Logger, baseCost model.Money, expressCostMultiplier float64) *Acceptor {
	return &Acceptor{
		hot:                   hot,
		ledger:                ldgr,
		log:                   log.With().Str("component", "acceptor").Logger(),
		baseCost:              baseCost,
		expressCostMultiplier: expressCostMultiplier,
	}
}

// CalculateCost returns the cost of sending a message at the given
// priority.
func (a *Acceptor) CalculateCost(priority model.Priority) model.Money {
	if priority == model.PriorityExpress {
		return model.MoneyFromFloat(a.baseCost.Float64() * a.expressCostMultiplier)
	}
	return a.baseCost
}

func idempotencyKey(tenantID, requestID string) string {
	return fmt.Sprintf("idempotency:%s:%s", tenantID, requestID)
}

const idempotencyTTL = 24 * time.Hour

// Accept validates req, reserves its cost against the tenant's
// balance, and enqueues it for ingest. It returns the durable
// submission id (a time-ordered UUIDv7) on success.
//
// The idempotency gate runs first: a duplicate RequestID within the
// 24h window is rejected outright, before validation or reservation,
// so a retried request never double-charges even if the first attempt
// is still in flight.
func (a *Acceptor) Accept(ctx context.Context, req Request) (string, error) {
	if req.RequestID != "" {
		acquired, err := a.hot.SetNX(ctx, idempotencyKey(req.TenantID, req.RequestID), "processing", idempotencyTTL)
		if err != nil {
			return "", apperr.Wrap(apperr.KindInternal, "idempotency check", err)
		}
		if !acquired {
			return "", apperr.New(apperr.KindDuplicate, "duplicate request")
		}
	}

	req.Recipient = normalizePhone(req.Recipient)

	if err := validate(req); err != nil {
		a.releaseIdempotencyKey(ctx, req)
		return "", err
	}

	cost := a.CalculateCost(req.Priority)
	if err := a.ledger.Reserve(ctx, req.TenantID, cost); err != nil {
		a.releaseIdempotencyKey(ctx, req)
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "generate submission id", err)
	}

	item := model.IngestItem{
		ID:          id.String(),
		TenantID:    req.TenantID,
		Recipient:   req.Recipient,
		Body:        req.Body,
		Priority:    req.Priority,
		Cost:        cost.String(),
		ScheduledAt: req.ScheduledAt,
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "marshal ingest item", err)
	}
	if err := a.hot.RPush(ctx, ingestBufferKey, string(payload)); err != nil {
		// The reservation already succeeded; a failed enqueue here would
		// strand a hold against the tenant's balance with nothing to
		// settle it. Refund immediately rather than leaving pending stuck.
		if refundErr := a.ledger.Refund(ctx, req.TenantID, cost); refundErr != nil {
			a.log.Error().Err(refundErr).Str("tenant_id", req.TenantID).Msg("failed to refund after enqueue failure; pending is stranded")
		}
		return "", apperr.Wrap(apperr.KindUnavailable, "enqueue submission", err)
	}

	return id.String(), nil
}

// releaseIdempotencyKey deletes the idempotency hold taken at the top
// of Accept so a request rejected by validation or an insufficient
// balance can be legitimately retried instead of being poisoned as a
// duplicate for the rest of the 24h window.
func (a *Acceptor) releaseIdempotencyKey(ctx context.Context, req Request) {
	if req.RequestID == "" {
		return
	}
	if err := a.hot.Del(ctx, idempotencyKey(req.TenantID, req.RequestID)); err != nil {
		a.log.Warn().Err(err).Str("tenant_id", req.TenantID).Msg("failed to release idempotency key after rejection")
	}
}

// normalizePhone strips spaces and hyphens before the recipient is
// validated or stored, matching validate_phone_number's
// phone.replace(' ', '').replace('-', '') so "0912-345 6789" and
// "09123456789" are treated as the same number.
func normalizePhone(recipient string) string {
	recipient = strings.ReplaceAll(recipient, " ", "")
	recipient = strings.ReplaceAll(recipient, "-", "")
	return recipient
}

func validate(req Request) error {
	if req.TenantID == "" {
		return apperr.New(apperr.KindInvalidInput, "tenant id is required")
	}
	if !phonePattern.MatchString(req.Recipient) {
		return apperr.New(apperr.KindInvalidInput, "recipient must be an 11-digit number starting with 09")
	}
	if req.Body == "" {
		return apperr.New(apperr.KindInvalidInput, "body is required")
	}
	if utf8.RuneCountInString(req.Body) > maxBodyLen {
		return apperr.New(apperr.KindInvalidInput, fmt.Sprintf("body must be at most %d characters", maxBodyLen))
	}
	if req.Priority != model.PriorityNormal && req.Priority != model.PriorityExpress {
		return apperr.New(apperr.KindInvalidInput, "priority must be normal or express")
	}
	if req.ScheduledAt != nil && req.ScheduledAt.Before(time.Now()) {
		return apperr.New(apperr.KindInvalidInput, "scheduled_at must be in the future")
	}
	return nil
}
