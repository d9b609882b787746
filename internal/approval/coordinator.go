// Package approval runs reviewer decisions. Approval is delegated to a
// privileged remote callable that also credits the sender; rejection is a
// direct status write on the receipt store.
package approval

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"receiptflow/internal/approval/metrics"
	"receiptflow/internal/receipts/models"
	id "receiptflow/pkg/domain"
	dErrors "receiptflow/pkg/domain-errors"
	audit "receiptflow/pkg/platform/audit"
	"receiptflow/pkg/requestcontext"
)

const tracerName = "receiptflow/internal/approval"

// Gateway invokes the privileged approveReceipt callable.
type Gateway interface {
	ApproveReceipt(ctx context.Context, req ApproveRequest) (*ApproveResult, error)
}

// StatusWriter performs the direct rejection write.
type StatusWriter interface {
	UpdateStatus(ctx context.Context, receiptID id.ReceiptID, status models.Status) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, base audit.Event) error
}

// Coordinator never changes a receipt locally; the live query reflects the
// outcome once the backend has it. It does not deduplicate calls.
type Coordinator struct {
	gateway        Gateway
	writer         StatusWriter
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(c *Coordinator) {
		c.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithTracer overrides the global otel tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = tracer
	}
}

func New(gateway Gateway, writer StatusWriter, opts ...Option) *Coordinator {
	c := &Coordinator{
		gateway: gateway,
		writer:  writer,
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Approve asks the callable to approve r and credit its sender.
func (c *Coordinator) Approve(ctx context.Context, r models.Receipt) error {
	start := time.Now()
	defer c.metrics.ObserveAction(metrics.ActionApprove, start)

	ctx, span := c.startSpan(ctx, "approval.approve", r)
	defer span.End()

	if err := validateForApproval(r); err != nil {
		c.metrics.IncrementAction(metrics.ActionApprove, metrics.OutcomeInvalid)
		span.SetStatus(codes.Error, "invalid receipt")
		return err
	}

	result, err := c.gateway.ApproveReceipt(ctx, ApproveRequest{
		ReceiptID: r.ID,
		SenderID:  r.SenderID,
		Amount:    r.Amount,
	})
	if err != nil {
		c.metrics.IncrementAction(metrics.ActionApprove, metrics.OutcomeFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "approveReceipt failed")
		c.logAudit(ctx, audit.EventReceiptActionFailed, r, "approve: "+err.Error())
		return dErrors.Wrap(err, dErrors.CodeRemoteAction, "failed to approve receipt")
	}

	c.metrics.IncrementAction(metrics.ActionApprove, metrics.OutcomeSucceeded)
	if result != nil {
		span.SetAttributes(attribute.Float64("receipt.sender_balance", result.Balance))
	}
	c.logAudit(ctx, audit.EventReceiptApproved, r, "")
	return nil
}

// Reject writes the rejected status directly.
func (c *Coordinator) Reject(ctx context.Context, r models.Receipt) error {
	start := time.Now()
	defer c.metrics.ObserveAction(metrics.ActionReject, start)

	ctx, span := c.startSpan(ctx, "approval.reject", r)
	defer span.End()

	if r.ID.IsNil() {
		c.metrics.IncrementAction(metrics.ActionReject, metrics.OutcomeInvalid)
		span.SetStatus(codes.Error, "invalid receipt")
		return dErrors.New(dErrors.CodeValidation, "receipt id is required")
	}

	if err := c.writer.UpdateStatus(ctx, r.ID, models.StatusRejected); err != nil {
		c.metrics.IncrementAction(metrics.ActionReject, metrics.OutcomeFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "status write failed")
		c.logAudit(ctx, audit.EventReceiptActionFailed, r, "reject: "+err.Error())
		return dErrors.Wrap(err, dErrors.CodeStoreWrite, "failed to reject receipt")
	}

	c.metrics.IncrementAction(metrics.ActionReject, metrics.OutcomeSucceeded)
	c.logAudit(ctx, audit.EventReceiptRejected, r, "")
	return nil
}

func validateForApproval(r models.Receipt) error {
	switch {
	case r.ID.IsNil():
		return dErrors.New(dErrors.CodeValidation, "receipt id is required")
	case r.SenderID.IsNil():
		return dErrors.New(dErrors.CodeValidation, "sender id is required")
	case r.Amount <= 0:
		return dErrors.New(dErrors.CodeValidation, "amount must be positive")
	}
	return nil
}

func (c *Coordinator) startSpan(ctx context.Context, name string, r models.Receipt) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("receipt.id", r.ID.String()),
		attribute.String("receipt.sender_id", r.SenderID.String()),
		attribute.Float64("receipt.amount", r.Amount),
	)
	return ctx, span
}

func (c *Coordinator) logAudit(ctx context.Context, event audit.AuditEvent, r models.Receipt, reason string) {
	requestID := requestcontext.RequestID(ctx)
	actor := requestcontext.SubjectID(ctx)
	args := []any{
		"event", string(event),
		"log_type", "audit",
		"receipt_id", r.ID,
		"actor_id", actor,
	}
	if requestID != "" {
		args = append(args, "request_id", requestID)
	}
	if reason != "" {
		args = append(args, "reason", reason)
	}
	if c.logger != nil {
		c.logger.InfoContext(ctx, string(event), args...)
	}
	if c.auditPublisher == nil {
		return
	}
	_ = c.auditPublisher.Emit(ctx, audit.Event{
		SubjectID: r.OwnerID,
		ActorID:   actor.String(),
		Action:    string(event),
		ReceiptID: r.ID.String(),
		Decision:  string(r.Status),
		Reason:    reason,
		RequestID: requestID,
	})
}
