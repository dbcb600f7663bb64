package model

import "time"

// Account is a billing tenant. It is provisioned once, explicitly, at
// tenant creation, replacing the original's implicit post_save signal,
// and never destroyed while submissions reference it.
type Account struct {
	TenantID          string
	Balance           Money
	LifetimeCharged   Money
	LifetimeSpent     Money
	RateLimitPerMin   int
	APIKeyFingerprint string // sha256(raw api key), hex-encoded
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TransactionKind is the closed set of ledger transaction kinds.
type TransactionKind string

const (
	TransactionCharge TransactionKind = "charge"
	TransactionDeduct TransactionKind = "deduct"
	TransactionRefund TransactionKind = "refund"
)

// LedgerTransaction is an append-only audit row. Charges are written
// synchronously; deductions are written in aggregate at settlement
// time. A cancellation refund writes no row.
type LedgerTransaction struct {
	ID            int64
	TenantID      string
	Kind          TransactionKind
	Amount        Money
	BalanceBefore Money
	BalanceAfter  Money
	Description   string
	ReferenceID   string
	CreatedAt     time.Time
}

// Status is the closed sum type for submission lifecycle state. Parsed
// at the boundary (durable-store scan, buffer decode) and kept as this
// variant everywhere else, rather than carried around as a bare string
// that only gets validated on late field access.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status represents a final state that
// write-back must never regress out of implicitly.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// ValidTransition reports whether moving from s to next is allowed by
// the submission lifecycle state machine.
func (s Status) ValidTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusQueued || next == StatusCancelled
	case StatusQueued:
		return next == StatusSending || next == StatusCancelled || next == StatusSent || next == StatusFailed
	case StatusSending:
		return next == StatusSent || next == StatusFailed
	case StatusFailed:
		return next == StatusQueued
	default:
		return false
	}
}

// Priority is the closed set of dispatch priorities.
type Priority string

const (
	PriorityNormal  Priority = "normal"
	PriorityExpress Priority = "express"
)

// Submission is a single outbound SMS request.
type Submission struct {
	ID            string // time-ordered 128-bit id (UUIDv7), chosen by the acceptor
	TenantID      string
	Recipient     string
	Body          string
	Priority      Priority
	Cost          Money
	ScheduledAt   *time.Time
	SentAt        *time.Time
	Status        Status
	FailedReason  string
	RetryCount    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CanRetry reports whether the submission has retry budget remaining.
func (s *Submission) CanRetry(maxRetries int) bool {
	return s.RetryCount < maxRetries
}

// IngestItem is the wire shape pushed onto the hot-store ingest buffer
// by the acceptor and consumed by the ingest batcher.
type IngestItem struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Recipient   string     `json:"recipient"`
	Body        string     `json:"body"`
	Priority    Priority   `json:"priority"`
	Cost        string     `json:"cost"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// StatusUpdate is the wire shape pushed onto the hot-store status
// buffer by dispatcher workers and consumed by the write-back job.
type StatusUpdate struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}
