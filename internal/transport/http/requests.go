package httptransport

import (
	"strings"
	"time"

	"receiptflow/internal/identity"
	"receiptflow/internal/receipts/models"
	id "receiptflow/pkg/domain"
	dErrors "receiptflow/pkg/domain-errors"
	"receiptflow/pkg/email"
)

const maxPasswordLength = 72

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *LoginRequest) Validate() error {
	r.Email = email.Normalize(r.Email)
	if r.Email == "" || r.Password == "" {
		return dErrors.New(dErrors.CodeValidation, "email and password are required")
	}
	return nil
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`

	role identity.Role
}

func (r *RegisterRequest) Validate() error {
	r.Email = email.Normalize(r.Email)
	if r.Email == "" || !strings.Contains(r.Email, "@") {
		return dErrors.New(dErrors.CodeValidation, "a valid email is required")
	}
	if r.Password == "" || len(r.Password) > maxPasswordLength {
		return dErrors.New(dErrors.CodeValidation, "password is required and must be at most 72 bytes")
	}
	if r.Role == "" {
		r.Role = string(identity.RoleAmbassador)
	}
	role, err := identity.ParseRole(r.Role)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "unknown role")
	}
	r.role = role
	return nil
}

type SetRoleRequest struct {
	Role string `json:"role"`

	role identity.Role
}

func (r *SetRoleRequest) Validate() error {
	role, err := identity.ParseRole(r.Role)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "unknown role")
	}
	r.role = role
	return nil
}

// CreateReceiptRequest submits a receipt for the signed-in ambassador.
type CreateReceiptRequest struct {
	SenderID  string   `json:"senderTgId"`
	Amount    float64  `json:"amount"`
	Currency  string   `json:"currency"`
	Documents []string `json:"documents"`
}

func (r *CreateReceiptRequest) Validate() error {
	r.Currency = strings.TrimSpace(r.Currency)
	if strings.TrimSpace(r.SenderID) == "" {
		return dErrors.New(dErrors.CodeValidation, "senderTgId is required")
	}
	if r.Amount <= 0 {
		return dErrors.New(dErrors.CodeValidation, "amount must be positive")
	}
	if r.Currency == "" {
		return dErrors.New(dErrors.CodeValidation, "currency is required")
	}
	return nil
}

type receiptsResponse struct {
	Receipts []models.Receipt `json:"receipts"`
}

type meResponse struct {
	*identity.Session
	DisplayName string `json:"displayName"`
	CanReview   bool   `json:"canReview"`
}

type actionResponse struct {
	ReceiptID string `json:"receiptId"`
	Action    string `json:"action"`
	Status    string `json:"status"`
}

type accountResponse struct {
	SubjectID id.SubjectID  `json:"uid"`
	Email     string        `json:"email"`
	Role      identity.Role `json:"role"`
	CreatedAt time.Time     `json:"createdAt"`
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
