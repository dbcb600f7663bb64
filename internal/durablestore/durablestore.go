// Package durablestore wraps the Postgres connection pool and the
// hand-written SQL the gateway runs against the partitioned messages
// table, the accounts table, and the credit_transactions table. It is
// the durable source of truth behind internal/ledger and the
// ingest/dispatcher/statuswriteback pipeline.
package durablestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/relaysms/gateway/internal/model"
)

// Store wraps a *sql.DB configured for the gateway's durable path.
type Store struct {
	db *sql.DB
}

// Open opens a Postgres connection pool sized for a data-plane service:
// enough headroom for the scheduler jobs and request path to run
// concurrently without exhausting connections.
func Open(postgresURL string) (*Store, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("durablestore: open: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("durablestore: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the pool for callers (migrations, seeder) that need raw
// access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// NewWithDB wraps an already-open *sql.DB, bypassing Open's dialing and
// pool tuning. It exists for tests that substitute a sqlmock-backed
// *sql.DB for a real Postgres connection.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// GetAccount loads an account row by tenant id.
func (s *Store) GetAccount(ctx context.Context, tenantID string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, balance_cents, lifetime_charged_cents, lifetime_spent_cents,
		       rate_limit_per_min, api_key_fingerprint, created_at, updated_at
		FROM accounts WHERE tenant_id = $1`, tenantID)
	return scanAccount(row)
}

// GetAccountByFingerprint loads an account by its API key fingerprint,
// the durable-store fallback path for auth lookups that miss the hot
// store.
func (s *Store) GetAccountByFingerprint(ctx context.Context, fingerprint string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, balance_cents, lifetime_charged_cents, lifetime_spent_cents,
		       rate_limit_per_min, api_key_fingerprint, created_at, updated_at
		FROM accounts WHERE api_key_fingerprint = $1`, fingerprint)
	return scanAccount(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	var balance, charged, spent int64
	if err := row.Scan(&a.TenantID, &balance, &charged, &spent,
		&a.RateLimitPerMin, &a.APIKeyFingerprint, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("durablestore: scan account: %w", err)
	}
	a.Balance = model.Money(balance)
	a.LifetimeCharged = model.Money(charged)
	a.LifetimeSpent = model.Money(spent)
	return &a, nil
}

// ProvisionAccount inserts a new account row. Explicit replacement for
// the original's post_save signal: the caller of tenant creation is
// responsible for invoking this, nothing fires implicitly off a
// database write.
func (s *Store) ProvisionAccount(ctx context.Context, tenantID, apiKeyFingerprint string, rateLimitPerMin int) (*model.Account, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (tenant_id, balance_cents, lifetime_charged_cents, lifetime_spent_cents,
		                       rate_limit_per_min, api_key_fingerprint, created_at, updated_at)
		VALUES ($1, 0, 0, 0, $2, $3, $4, $4)`,
		tenantID, rateLimitPerMin, apiKeyFingerprint, now)
	if err != nil {
		return nil, fmt.Errorf("durablestore: provision account: %w", err)
	}
	return &model.Account{
		TenantID:          tenantID,
		RateLimitPerMin:   rateLimitPerMin,
		APIKeyFingerprint: apiKeyFingerprint,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// ChargeAccount applies a durable balance change and appends an audit
// row inside one transaction: the two must never be observed apart.
func (s *Store) ChargeAccount(ctx context.Context, tenantID string, amount model.Money, kind model.TransactionKind, description, referenceID string) (*model.LedgerTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("durablestore: begin: %w", err)
	}
	defer tx.Rollback()

	var before int64
	if err := tx.QueryRowContext(ctx, `SELECT balance_cents FROM accounts WHERE tenant_id = $1 FOR UPDATE`, tenantID).Scan(&before); err != nil {
		return nil, fmt.Errorf("durablestore: lock account: %w", err)
	}

	after := before + int64(amount)
	chargedDelta := int64(0)
	if kind == model.TransactionCharge && amount > 0 {
		chargedDelta = int64(amount)
	}
	spentDelta := int64(0)
	if kind == model.TransactionDeduct {
		spentDelta = int64(-amount)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance_cents = $1, lifetime_charged_cents = lifetime_charged_cents + $2,
		    lifetime_spent_cents = lifetime_spent_cents + $3, updated_at = now()
		WHERE tenant_id = $4`, after, chargedDelta, spentDelta, tenantID); err != nil {
		return nil, fmt.Errorf("durablestore: update balance: %w", err)
	}

	var txn model.LedgerTransaction
	err = tx.QueryRowContext(ctx, `
		INSERT INTO credit_transactions (tenant_id, kind, amount_cents, balance_before_cents,
		                                  balance_after_cents, description, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING id, created_at`, tenantID, kind, int64(amount), before, after, description, referenceID).
		Scan(&txn.ID, &txn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("durablestore: insert transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("durablestore: commit: %w", err)
	}

	txn.TenantID = tenantID
	txn.Kind = kind
	txn.Amount = amount
	txn.BalanceBefore = model.Money(before)
	txn.BalanceAfter = model.Money(after)
	txn.Description = description
	txn.ReferenceID = referenceID
	return &txn, nil
}

// ListTransactions returns the most recent transactions for a tenant,
// newest first.
func (s *Store) ListTransactions(ctx context.Context, tenantID string, limit int) ([]model.LedgerTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, amount_cents, balance_before_cents, balance_after_cents,
		       description, reference_id, created_at
		FROM credit_transactions
		WHERE tenant_id = $1
		ORDER BY id DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("durablestore: list transactions: %w", err)
	}
	defer rows.Close()

	var out []model.LedgerTransaction
	for rows.Next() {
		var t model.LedgerTransaction
		var amount, before, after int64
		if err := rows.Scan(&t.ID, &t.Kind, &amount, &before, &after, &t.Description, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("durablestore: scan transaction: %w", err)
		}
		t.TenantID = tenantID
		t.Amount = model.Money(amount)
		t.BalanceBefore = model.Money(before)
		t.BalanceAfter = model.Money(after)
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertSubmissions bulk-inserts a batch of submissions, ignoring any
// whose id already exists (the acceptor may have retried a push onto
// the ingest buffer that already landed durably).
func (s *Store) InsertSubmissions(ctx context.Context, items []model.Submission) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("durablestore: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, tenant_id, recipient, body, priority, cost_cents,
		                       scheduled_at, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (id, created_at) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("durablestore: prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, it := range items {
		res, err := stmt.ExecContext(ctx, it.ID, it.TenantID, it.Recipient, it.Body, it.Priority,
			int64(it.Cost), it.ScheduledAt, it.Status, it.RetryCount, it.CreatedAt)
		if err != nil {
			return inserted, fmt.Errorf("durablestore: insert submission %s: %w", it.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return inserted, fmt.Errorf("durablestore: commit: %w", err)
	}
	return inserted, nil
}

// GetSubmission loads a single submission by id.
func (s *Store) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, recipient, body, priority, cost_cents, scheduled_at, sent_at,
		       status, failed_reason, retry_count, created_at, updated_at
		FROM messages WHERE id = $1`, id)
	return scanSubmission(row)
}

func scanSubmission(row rowScanner) (*model.Submission, error) {
	var sub model.Submission
	var cost int64
	if err := row.Scan(&sub.ID, &sub.TenantID, &sub.Recipient, &sub.Body, &sub.Priority, &cost,
		&sub.ScheduledAt, &sub.SentAt, &sub.Status, &sub.FailedReason, &sub.RetryCount,
		&sub.CreatedAt, &sub.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("durablestore: scan submission: %w", err)
	}
	sub.Cost = model.Money(cost)
	return &sub, nil
}

// ListSubmissions returns a tenant's submissions newest first, optionally
// filtered by status, for the GET /api/sms/messages surface.
func (s *Store) ListSubmissions(ctx context.Context, tenantID string, status model.Status, limit, offset int) ([]model.Submission, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, tenant_id, recipient, body, priority, cost_cents, scheduled_at, sent_at,
			       status, failed_reason, retry_count, created_at, updated_at
			FROM messages
			WHERE tenant_id = $1 AND status = $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3 OFFSET $4`, tenantID, status, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, tenant_id, recipient, body, priority, cost_cents, scheduled_at, sent_at,
			       status, failed_reason, retry_count, created_at, updated_at
			FROM messages
			WHERE tenant_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("durablestore: list submissions: %w", err)
	}
	defer rows.Close()

	var out []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// Statistics is the aggregate behind GET /api/sms/statistics.
type Statistics struct {
	Total   int64
	Sent    int64
	Failed  int64
	Pending int64
}

// GetStatistics aggregates a tenant's submission counts by status.
func (s *Store) GetStatistics(ctx context.Context, tenantID string) (*Statistics, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = 'sent'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE status IN ('pending', 'queued', 'sending'))
		FROM messages WHERE tenant_id = $1`, tenantID)
	var st Statistics
	if err := row.Scan(&st.Total, &st.Sent, &st.Failed, &st.Pending); err != nil {
		return nil, fmt.Errorf("durablestore: statistics: %w", err)
	}
	return &st, nil
}

// ClaimForCancel locks a submission row (SELECT ... FOR UPDATE) and
// returns it in whatever status it has; the caller checks whether that
// status is still cancellable while holding the lock, so cancellation
// and a dispatcher worker claiming the same row never race.
func (s *Store) ClaimForCancel(ctx context.Context, tx *sql.Tx, id string) (*model.Submission, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, recipient, body, priority, cost_cents, scheduled_at, sent_at,
		       status, failed_reason, retry_count, created_at, updated_at
		FROM messages WHERE id = $1 FOR UPDATE`, id)
	return scanSubmission(row)
}

// BeginTx exposes transaction control to callers (cancellation) that
// need row locks spanning more than one statement.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// UpdateStatusTx moves a submission to a new status within an
// in-progress transaction.
func (s *Store) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id string, status model.Status, reason string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE messages SET status = $1, failed_reason = $2, updated_at = now() WHERE id = $3`,
		status, reason, id)
	if err != nil {
		return fmt.Errorf("durablestore: update status: %w", err)
	}
	return nil
}

// BulkUpdateStatus applies a batch of status updates, skipping any
// update to a row already "sent" or "cancelled" ("failed" rows are
// still updated). Used by
// the status write-back job, which must never let a stale "sending"
// overwrite a "cancelled" that raced ahead of it.
func (s *Store) BulkUpdateStatus(ctx context.Context, updates []model.StatusUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("durablestore: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE messages
		SET status = $1, failed_reason = $2, sent_at = CASE WHEN $1 = 'sent' THEN now() ELSE sent_at END,
		    retry_count = CASE WHEN $1 = 'failed' THEN retry_count + 1 ELSE retry_count END,
		    updated_at = now()
		WHERE id = $3 AND status NOT IN ('sent', 'cancelled')`)
	if err != nil {
		return 0, fmt.Errorf("durablestore: prepare update: %w", err)
	}
	defer stmt.Close()

	applied := 0
	for _, u := range updates {
		res, err := stmt.ExecContext(ctx, u.Status, u.Reason, u.ID)
		if err != nil {
			return applied, fmt.Errorf("durablestore: update %s: %w", u.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			applied++
		}
	}

	if err := tx.Commit(); err != nil {
		return applied, fmt.Errorf("durablestore: commit: %w", err)
	}
	return applied, nil
}

// ListRetryable returns failed submissions that still have retry budget,
// for the dispatcher's retry sweep.
func (s *Store) ListRetryable(ctx context.Context, maxRetries int, limit int) ([]model.Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, recipient, body, priority, cost_cents, scheduled_at, sent_at,
		       status, failed_reason, retry_count, created_at, updated_at
		FROM messages
		WHERE status = 'failed' AND retry_count < $1
		ORDER BY updated_at ASC
		LIMIT $2`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("durablestore: list retryable: %w", err)
	}
	defer rows.Close()

	var out []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// ListDueScheduled returns queued submissions whose scheduled_at has
// arrived, for the scheduled-send gate.
func (s *Store) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]model.Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, recipient, body, priority, cost_cents, scheduled_at, sent_at,
		       status, failed_reason, retry_count, created_at, updated_at
		FROM messages
		WHERE status = 'queued' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("durablestore: list due scheduled: %w", err)
	}
	defer rows.Close()

	var out []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// EnsurePartition creates the yearly partition and its indexes if they
// do not already exist. Grounded on the original migration's DDL shape;
// `messages_default` is created once at migration time and is never
// touched here.
func (s *Store) EnsurePartition(ctx context.Context, year int) error {
	partName := fmt.Sprintf("messages_y%d", year)
	lower := fmt.Sprintf("%d-01-01", year)
	upper := fmt.Sprintf("%d-01-01", year+1)

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s PARTITION OF messages
		FOR VALUES FROM ('%s') TO ('%s')`, partName, lower, upper))
	if err != nil {
		return fmt.Errorf("durablestore: create partition %s: %w", partName, err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_tenant_idx ON %s (tenant_id, created_at DESC)`, partName, partName))
	if err != nil {
		return fmt.Errorf("durablestore: index partition %s: %w", partName, err)
	}
	return nil
}
