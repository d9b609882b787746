package models

import (
	"slices"
	"strings"
	"time"

	id "receiptflow/pkg/domain"
	dErrors "receiptflow/pkg/domain-errors"
)

// Status is the review state of a receipt. Approved and rejected are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusApproved, StatusRejected:
		return st, nil
	default:
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown status: "+s)
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Receipt is a submitted expense awaiting or past review. JSON names follow
// the document store's field names.
type Receipt struct {
	ID        id.ReceiptID `json:"id"`
	OwnerID   id.SubjectID `json:"ambassadorId"`
	SenderID  id.SenderID  `json:"senderTgId"`
	Amount    float64      `json:"amount"`
	Currency  string       `json:"currency"`
	Status    Status       `json:"status"`
	Documents []string     `json:"documents"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Draft is a submission before the store assigns an id.
type Draft struct {
	OwnerID   id.SubjectID `json:"ambassadorId"`
	SenderID  id.SenderID  `json:"senderTgId"`
	Amount    float64      `json:"amount"`
	Currency  string       `json:"currency"`
	Documents []string     `json:"documents"`
}

// NewReceipt validates a draft and builds a pending receipt.
func NewReceipt(receiptID id.ReceiptID, d Draft, now time.Time) (*Receipt, error) {
	if receiptID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "receipt id is required")
	}
	if d.OwnerID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "ambassador id is required")
	}
	if !(d.Amount > 0) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "amount must be greater than zero")
	}
	currency := strings.ToUpper(strings.TrimSpace(d.Currency))
	if len(currency) != 3 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "currency must be a three letter code")
	}
	return &Receipt{
		ID:        receiptID,
		OwnerID:   d.OwnerID,
		SenderID:  d.SenderID,
		Amount:    d.Amount,
		Currency:  currency,
		Status:    StatusPending,
		Documents: slices.Clone(d.Documents),
		CreatedAt: now,
	}, nil
}

// IsPending reports whether review actions may be offered.
func (r *Receipt) IsPending() bool {
	return r.Status == StatusPending
}

// CanTransition reports whether the receipt may move to status.
func (r *Receipt) CanTransition(to Status) bool {
	return r.Status == StatusPending && to.IsTerminal()
}

// ApplyStatus moves a pending receipt to a terminal status.
func (r *Receipt) ApplyStatus(to Status) error {
	if !r.CanTransition(to) {
		return dErrors.New(dErrors.CodeInvariantViolation, "receipt "+r.ID.String()+" cannot move from "+string(r.Status)+" to "+string(to))
	}
	r.Status = to
	return nil
}

// WithDefaults fills fields a backing record may lack so consumers never see
// a zero createdAt.
func (r Receipt) WithDefaults(now time.Time) Receipt {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.Documents == nil {
		r.Documents = []string{}
	}
	return r
}
