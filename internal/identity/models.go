package identity

import (
	"context"

	id "receiptflow/pkg/domain"
	dErrors "receiptflow/pkg/domain-errors"
	"receiptflow/pkg/email"
)

// Role is the authorization level derived from identity claims.
type Role string

const (
	RoleAmbassador Role = "ambassador"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

// ParseRole accepts the three known role names.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAmbassador, RoleAdmin, RoleSuperadmin:
		return r, nil
	default:
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown role: "+s)
	}
}

// IsReviewer reports whether the role may approve or reject receipts.
func (r Role) IsReviewer() bool {
	return r == RoleAdmin || r == RoleSuperadmin
}

// Session is the resolved identity of the signed-in user. A nil *Session means
// signed out.
type Session struct {
	SubjectID id.SubjectID `json:"uid"`
	// Email is empty when the provider has none.
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role"`
}

// DisplayName is a best-effort name for headers and audit logs.
func (s *Session) DisplayName() string {
	if s == nil {
		return ""
	}
	return email.DisplayName(s.Email, s.SubjectID.String())
}

// CanReview reports whether the session may act on receipts.
func (s *Session) CanReview() bool {
	return s != nil && s.Role.IsReviewer()
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// User is an authenticated principal as exposed by an identity provider.
type User interface {
	SubjectID() id.SubjectID
	Email() string
	// ForceRefresh obtains a fresh identity token so that Claims reflects
	// server-side role changes.
	ForceRefresh(ctx context.Context) error
	Claims(ctx context.Context) (map[string]any, error)
}

// AuthEvent is a sign-in state change. A nil User means signed out.
type AuthEvent struct {
	User User
}

// SignedOut reports whether the event carries no user.
func (e AuthEvent) SignedOut() bool {
	return e.User == nil
}

// Provider is the sign-out side of an identity provider.
type Provider interface {
	SignOut(ctx context.Context) error
}

type sessionKey struct{}

// WithSession stores a resolved session in ctx.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session stored by WithSession, or nil.
func SessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}
