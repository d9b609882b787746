// Package callable serves the privileged approveReceipt procedure. It is the
// only path that moves a receipt to approved and credits the sender.
package callable

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"receiptflow/internal/approval"
	"receiptflow/internal/approval/metrics"
	"receiptflow/internal/identity"
	id "receiptflow/pkg/domain"
	audit "receiptflow/pkg/platform/audit"
	"receiptflow/pkg/platform/sentinel"
	"receiptflow/pkg/requestcontext"
)

const maxBodyBytes = 64 << 10

// Ledger approves a receipt and credits its sender atomically.
type Ledger interface {
	ApproveAndCredit(ctx context.Context, receiptID id.ReceiptID, senderID id.SenderID, amount float64) (float64, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, base audit.Event) error
}

// Handler expects identity.WithSession to have run; a missing session is
// UNAUTHENTICATED.
type Handler struct {
	ledger         Ledger
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

type Option func(*Handler)

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(h *Handler) {
		h.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

func New(ledger Ledger, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		ledger: ledger,
		logger: logger,
		tracer: otel.Tracer("receiptflow/internal/approval/callable"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the callable on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/rpc/approveReceipt", h.HandleApproveReceipt)
}

// HandleApproveReceipt handles POST /rpc/approveReceipt.
func (h *Handler) HandleApproveReceipt(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "callable.approveReceipt")
	defer span.End()
	requestID := requestcontext.RequestID(ctx)

	session := identity.SessionFrom(ctx)
	if session == nil {
		h.deny(ctx, w, span, http.StatusUnauthorized, approval.StatusUnauthenticated, "authentication required", "")
		return
	}
	if !session.CanReview() {
		h.deny(ctx, w, span, http.StatusForbidden, approval.StatusPermissionDenied, "admin role required", session.SubjectID)
		return
	}

	var call approval.CallRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&call); err != nil {
		h.fail(ctx, w, span, http.StatusBadRequest, approval.StatusInvalidArgument, "invalid json payload", "invalid")
		return
	}
	req := call.Data
	if msg := validate(req); msg != "" {
		h.fail(ctx, w, span, http.StatusBadRequest, approval.StatusInvalidArgument, msg, "invalid")
		return
	}
	span.SetAttributes(
		attribute.String("receipt.id", req.ReceiptID.String()),
		attribute.String("receipt.sender_id", req.SenderID.String()),
	)

	balance, err := h.ledger.ApproveAndCredit(ctx, req.ReceiptID, req.SenderID, req.Amount)
	if err != nil {
		status, callStatus, msg := classify(err)
		h.logger.WarnContext(ctx, "approveReceipt failed",
			"request_id", requestID,
			"receipt_id", req.ReceiptID,
			"actor_id", session.SubjectID,
			"error", err,
		)
		span.RecordError(err)
		h.fail(ctx, w, span, status, callStatus, msg, "failed")
		return
	}

	h.metrics.IncrementCallable(metrics.OutcomeSucceeded)
	h.logAudit(ctx, audit.EventBalanceCredited, session.SubjectID, req, "")
	writeEnvelope(w, http.StatusOK, approval.CallResponse{
		Result: &approval.ApproveResult{ReceiptID: req.ReceiptID, Balance: balance},
	})
}

func validate(req approval.ApproveRequest) string {
	switch {
	case req.ReceiptID.IsNil():
		return "receiptId is required"
	case req.SenderID.IsNil():
		return "senderId is required"
	case req.Amount <= 0:
		return "amount must be positive"
	}
	if _, err := id.ParseReceiptID(req.ReceiptID.String()); err != nil {
		return err.Error()
	}
	return ""
}

// classify maps ledger sentinels to callable statuses.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return http.StatusNotFound, approval.StatusNotFound, "receipt not found"
	case errors.Is(err, sentinel.ErrInvalidState):
		return http.StatusConflict, approval.StatusFailedPrecond, "receipt is not pending"
	case errors.Is(err, sentinel.ErrConflict):
		return http.StatusConflict, approval.StatusAborted, "receipt does not match sender or amount"
	case errors.Is(err, sentinel.ErrUnavailable):
		return http.StatusServiceUnavailable, approval.StatusUnavailable, "ledger unavailable"
	default:
		return http.StatusInternalServerError, approval.StatusInternal, "internal error"
	}
}

func (h *Handler) deny(ctx context.Context, w http.ResponseWriter, span trace.Span, status int, callStatus, msg string, actor id.SubjectID) {
	h.logAudit(ctx, audit.EventCallableDenied, actor, approval.ApproveRequest{}, callStatus)
	h.fail(ctx, w, span, status, callStatus, msg, "denied")
}

func (h *Handler) fail(_ context.Context, w http.ResponseWriter, span trace.Span, status int, callStatus, msg, outcome string) {
	h.metrics.IncrementCallable(outcome)
	span.SetStatus(codes.Error, callStatus)
	writeEnvelope(w, status, approval.CallResponse{
		Error: &approval.CallError{Status: callStatus, Message: msg},
	})
}

func writeEnvelope(w http.ResponseWriter, status int, body approval.CallResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) logAudit(ctx context.Context, event audit.AuditEvent, actor id.SubjectID, req approval.ApproveRequest, reason string) {
	requestID := requestcontext.RequestID(ctx)
	args := []any{
		"event", string(event),
		"log_type", "audit",
		"actor_id", actor,
	}
	if !req.ReceiptID.IsNil() {
		args = append(args, "receipt_id", req.ReceiptID, "sender_id", req.SenderID, "amount", req.Amount)
	}
	if requestID != "" {
		args = append(args, "request_id", requestID)
	}
	if reason != "" {
		args = append(args, "reason", reason)
	}
	if h.logger != nil {
		h.logger.InfoContext(ctx, string(event), args...)
	}
	if h.auditPublisher == nil {
		return
	}
	_ = h.auditPublisher.Emit(ctx, audit.Event{
		SubjectID: actor,
		ActorID:   actor.String(),
		Action:    string(event),
		ReceiptID: req.ReceiptID.String(),
		Decision:  approvalDecision(event),
		Reason:    reason,
		RequestID: requestID,
	})
}

func approvalDecision(event audit.AuditEvent) string {
	if event == audit.EventBalanceCredited {
		return "approved"
	}
	return "denied"
}
