package httpapi

import (
	"context"

	"github.com/relaysms/gateway/internal/apperr"
	"github.com/relaysms/gateway/internal/durablestore"
	"github.com/relaysms/gateway/internal/ledger"
	"github.com/relaysms/gateway/internal/model"
)

// Cancel implements submission cancellation, grounded on
// apps/sms/views.py's cancel action and apps/sms/services.py's
// cancel_message: it locks the submission row so a dispatcher worker
// cannot claim it mid-cancel, refuses to cancel anything past
// "queued", flips the row to cancelled, and refunds the reserved cost
// by releasing it from pending (see internal/ledger's Refund).
func Cancel(ctx context.Context, durable *durablestore.Store, ldgr *ledger.Ledger, tenantID, id string) (*model.Submission, error) {
	tx, err := durable.BeginTx(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "begin cancel transaction", err)
	}
	defer tx.Rollback()

	sub, err := durable.ClaimForCancel(ctx, tx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "claim submission for cancel", err)
	}
	if sub == nil || sub.TenantID != tenantID {
		return nil, apperr.New(apperr.KindNotFound, "message not found")
	}
	if sub.Status != model.StatusPending && sub.Status != model.StatusQueued {
		return nil, apperr.New(apperr.KindConflict, "message is no longer cancellable")
	}

	if err := durable.UpdateStatusTx(ctx, tx, id, model.StatusCancelled, ""); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "update status to cancelled", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "commit cancel", err)
	}

	if err := ldgr.Refund(ctx, tenantID, sub.Cost); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "refund cancelled submission", err)
	}

	sub.Status = model.StatusCancelled
	return sub, nil
}
