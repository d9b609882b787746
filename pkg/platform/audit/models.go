package audit

import (
	"context"
	"time"

	id "receiptflow/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers money movement: approvals and balance credits.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers identity resolution failures and privileged calls
	// refused for lack of role.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity such as session changes and
	// failed reviewer actions that will be retried.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory
	Timestamp time.Time
	// SubjectID is the principal the event is about (receipt owner, signed-in user).
	SubjectID id.SubjectID
	// ActorID is the reviewer who acted when different from SubjectID.
	ActorID   string
	Action    string
	ReceiptID string
	Decision  string
	Reason    string
	RequestID string
}

type AuditEvent string

const (
	// Identity events
	EventSessionResolved      AuditEvent = "session_resolved"
	EventSessionCleared       AuditEvent = "session_cleared"
	EventAuthResolutionFailed AuditEvent = "auth_resolution_failed"
	EventSignInLocked         AuditEvent = "sign_in_locked"

	// Receipt workflow events
	EventReceiptApproved     AuditEvent = "receipt_approved"
	EventReceiptRejected     AuditEvent = "receipt_rejected"
	EventReceiptActionFailed AuditEvent = "receipt_action_failed"

	// Privileged callable events
	EventBalanceCredited AuditEvent = "balance_credited"
	EventCallableDenied  AuditEvent = "callable_denied"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventReceiptApproved: CategoryCompliance,
	EventReceiptRejected: CategoryCompliance,
	EventBalanceCredited: CategoryCompliance,

	EventAuthResolutionFailed: CategorySecurity,
	EventCallableDenied:       CategorySecurity,
	EventSignInLocked:         CategorySecurity,

	EventSessionResolved:     CategoryOperations,
	EventSessionCleared:      CategoryOperations,
	EventReceiptActionFailed: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}
