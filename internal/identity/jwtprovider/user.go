package jwtprovider

import (
	"context"
	"sync"

	id "receiptflow/pkg/domain"
	dErrors "receiptflow/pkg/domain-errors"
)

// TokenSource mints a fresh identity token for a subject.
type TokenSource interface {
	Refresh(ctx context.Context, subject id.SubjectID) (string, error)
}

// User implements identity.User over a TokenSource and an Issuer.
type User struct {
	subject  id.SubjectID
	email    string
	source   TokenSource
	verifier *Issuer

	mu    sync.Mutex
	token string
}

func NewUser(subject id.SubjectID, email string, source TokenSource, verifier *Issuer) *User {
	return &User{subject: subject, email: email, source: source, verifier: verifier}
}

func (u *User) SubjectID() id.SubjectID { return u.subject }
func (u *User) Email() string           { return u.email }

// ForceRefresh replaces the held token with a freshly minted one.
func (u *User) ForceRefresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	token, err := u.source.Refresh(ctx, u.subject)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.token = token
	u.mu.Unlock()
	return nil
}

// Claims validates the last refreshed token and returns its claim set.
func (u *User) Claims(_ context.Context) (map[string]any, error) {
	token := u.Token()
	if token == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "identity token not refreshed")
	}
	claims, err := u.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	subject, err := SubjectOf(claims)
	if err != nil {
		return nil, err
	}
	if subject != u.subject {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token subject mismatch")
	}
	return claims, nil
}

// Token returns the last refreshed token, or "" before the first refresh.
func (u *User) Token() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.token
}
