package httptransport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"receiptflow/internal/gate"
	"receiptflow/internal/identity"
	"receiptflow/internal/receipts"
	"receiptflow/internal/receipts/models"
	id "receiptflow/pkg/domain"
	dErrors "receiptflow/pkg/domain-errors"
	"receiptflow/pkg/platform/httputil"
	"receiptflow/pkg/platform/sentinel"
	"receiptflow/pkg/requestcontext"
)

const listTimeout = 10 * time.Second

// handleListReceipts handles GET /receipts: one snapshot of the caller's
// scoped live query.
func (h *Handler) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	rs, err := h.listOnce(ctx, identity.SessionFrom(ctx))
	if err != nil {
		h.cfg.Logger.ErrorContext(ctx, "failed to list receipts",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, receiptsResponse{Receipts: rs})
}

func (h *Handler) listOnce(ctx context.Context, session *identity.Session) ([]models.Receipt, error) {
	scope, err := receipts.ScopeFor(session)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	sub, err := h.cfg.Backend.Subscribe(ctx, scope)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeSubscription, "failed to open receipt query")
	}
	defer sub.Close()

	select {
	case snap, ok := <-sub.Updates():
		if !ok {
			return nil, dErrors.New(dErrors.CodeSubscription, "receipt query ended")
		}
		if snap.Err != nil {
			return nil, dErrors.Wrap(snap.Err, dErrors.CodeSubscription, "receipt query failed")
		}
		if snap.Receipts == nil {
			return []models.Receipt{}, nil
		}
		return snap.Receipts, nil
	case <-ctx.Done():
		return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "receipt query timed out")
	}
}

// handleCreateReceipt handles POST /receipts. The receipt is owned by the
// caller.
func (h *Handler) handleCreateReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[CreateReceiptRequest](w, r, h.cfg.Logger, ctx, requestID)
	if !ok {
		return
	}
	sender, err := id.ParseSenderID(req.SenderID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	session := identity.SessionFrom(ctx)
	receipt, err := h.cfg.Backend.Insert(ctx, models.Draft{
		OwnerID:   session.SubjectID,
		SenderID:  sender,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Documents: req.Documents,
	})
	if err != nil {
		if !dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			err = dErrors.Wrap(err, dErrors.CodeStoreWrite, "failed to store receipt")
		}
		h.cfg.Logger.WarnContext(ctx, "receipt submission failed",
			"request_id", requestID,
			"subject_id", session.SubjectID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.cfg.Logger.InfoContext(ctx, "receipt submitted",
		"request_id", requestID,
		"subject_id", session.SubjectID,
		"receipt_id", receipt.ID,
	)
	httputil.WriteJSON(w, http.StatusCreated, receipt)
}

// handleReceiptAction handles POST /receipts/{id}/{approve|reject}. It goes
// through the caller's confirmation gate so it never overlaps a desk action.
func (h *Handler) handleReceiptAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	receiptID, err := id.ParseReceiptID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	kind, err := gate.ParseKind(chi.URLParam(r, "action"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeNotFound, "unknown receipt action"))
		return
	}
	receipt, err := h.cfg.Backend.Get(ctx, receiptID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "receipt not found"))
			return
		}
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load receipt"))
		return
	}

	session := identity.SessionFrom(ctx)
	err = h.gateFor(session.SubjectID).Execute(ctx, kind, *receipt, func(ctx context.Context, action gate.PendingAction) error {
		if action.Kind == gate.KindApprove {
			return h.cfg.Coordinator.Approve(ctx, action.Target)
		}
		return h.cfg.Coordinator.Reject(ctx, action.Target)
	})
	if err != nil {
		err = actionError(err)
		h.cfg.Logger.WarnContext(ctx, "receipt action failed",
			"request_id", requestID,
			"actor_id", session.SubjectID,
			"receipt_id", receiptID,
			"action", kind,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	status := models.StatusRejected
	if kind == gate.KindApprove {
		status = models.StatusApproved
	}
	httputil.WriteJSON(w, http.StatusOK, actionResponse{
		ReceiptID: receiptID.String(),
		Action:    string(kind),
		Status:    string(status),
	})
}

func actionError(err error) error {
	switch {
	case errors.Is(err, gate.ErrBusy):
		return dErrors.Wrap(err, dErrors.CodeConflict, "another action is executing")
	case errors.Is(err, gate.ErrNotPending):
		return dErrors.Wrap(err, dErrors.CodeInvariantViolation, "receipt is not pending")
	case errors.Is(err, gate.ErrNotArmed):
		return dErrors.Wrap(err, dErrors.CodeConflict, "action was withdrawn")
	default:
		return err
	}
}
