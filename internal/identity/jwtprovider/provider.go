package jwtprovider

import (
	"context"
	"errors"
	"log/slog"

	"receiptflow/internal/identity"
	id "receiptflow/pkg/domain"
	dErrors "receiptflow/pkg/domain-errors"
	"receiptflow/pkg/platform/sentinel"
	"receiptflow/pkg/requestcontext"
)

// SessionResolver is satisfied by *identity.Resolver.
type SessionResolver interface {
	Resolve(ctx context.Context, event identity.AuthEvent) (*identity.Session, error)
}

// SignInResult is returned by a successful password sign-in.
type SignInResult struct {
	Token   string            `json:"token"`
	Session *identity.Session `json:"session"`
}

// Provider ties the directory, the issuer and session resolution together.
type Provider struct {
	issuer    *Issuer
	directory *Directory
	resolver  SessionResolver
	logger    *slog.Logger
}

type Option func(*Provider)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

func NewProvider(issuer *Issuer, directory *Directory, resolver SessionResolver, opts ...Option) *Provider {
	p := &Provider{issuer: issuer, directory: directory, resolver: resolver}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// UserFor builds an identity.User for a known subject.
func (p *Provider) UserFor(ctx context.Context, subject id.SubjectID) (*User, error) {
	account, err := p.directory.Lookup(ctx, subject)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "unknown subject")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load account")
	}
	return NewUser(account.SubjectID, account.Email, p.directory, p.issuer), nil
}

// SignIn checks credentials, resolves the session and returns the fresh token
// the resolution minted.
func (p *Provider) SignIn(ctx context.Context, address, password string) (*SignInResult, error) {
	account, err := p.directory.Authenticate(ctx, address, password)
	if err != nil {
		return nil, err
	}
	user := NewUser(account.SubjectID, account.Email, p.directory, p.issuer)
	session, err := p.resolver.Resolve(ctx, identity.AuthEvent{User: user})
	if err != nil {
		return nil, err
	}
	return &SignInResult{Token: user.Token(), Session: session}, nil
}

// Authenticate verifies a bearer token and resolves the caller's current
// session. Role changes since the token was minted are picked up because
// resolution force-refreshes from the directory.
func (p *Provider) Authenticate(ctx context.Context, raw string) (*identity.Session, error) {
	claims, err := p.issuer.Verify(raw)
	if err != nil {
		return nil, err
	}
	subject, err := SubjectOf(claims)
	if err != nil {
		return nil, err
	}
	account, err := p.directory.Lookup(ctx, subject)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "unknown subject")
	}
	if EpochOf(claims) != account.Epoch {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token has been revoked")
	}
	user := NewUser(account.SubjectID, account.Email, p.directory, p.issuer)
	session, err := p.resolver.Resolve(ctx, identity.AuthEvent{User: user})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// SignOut revokes every token of the subject in ctx.
func (p *Provider) SignOut(ctx context.Context) error {
	subject := requestcontext.SubjectID(ctx)
	if subject.IsNil() {
		return nil
	}
	if err := p.directory.Revoke(ctx, subject); err != nil {
		if p.logger != nil {
			p.logger.WarnContext(ctx, "sign-out revoke failed",
				"subject_id", subject,
				"error", err,
				"request_id", requestcontext.RequestID(ctx),
			)
		}
		return err
	}
	return nil
}

// Register creates an account. Only superadmins may create reviewer accounts;
// anyone may be registered as an ambassador by a reviewer.
func (p *Provider) Register(ctx context.Context, caller *identity.Session, address, password string, role identity.Role) (*Account, error) {
	switch {
	case caller == nil:
		return nil, dErrors.New(dErrors.CodeUnauthorized, "sign-in required")
	case role.IsReviewer() && caller.Role != identity.RoleSuperadmin:
		return nil, dErrors.New(dErrors.CodeForbidden, "only a superadmin can register reviewers")
	case !caller.Role.IsReviewer():
		return nil, dErrors.New(dErrors.CodeForbidden, "only reviewers can register ambassadors")
	}
	account, err := p.directory.Create(ctx, address, password, role)
	if err != nil {
		return nil, err
	}
	account.PasswordHash = ""
	return account, nil
}

// SetRole replaces the custom claims of subject. Superadmin only. The change is
// visible on the subject's next resolution.
func (p *Provider) SetRole(ctx context.Context, caller *identity.Session, subject id.SubjectID, role identity.Role) error {
	if caller == nil || caller.Role != identity.RoleSuperadmin {
		return dErrors.New(dErrors.CodeForbidden, "only a superadmin can change roles")
	}
	if err := p.directory.SetClaims(ctx, subject, ClaimsForRole(role)); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "account not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to set role")
	}
	return nil
}

// Bootstrap creates the first superadmin when the directory is empty. It
// returns the account, or nil when the directory was already populated.
func (p *Provider) Bootstrap(ctx context.Context, address, password string) (*Account, error) {
	if p.directory.Count() > 0 {
		return nil, nil
	}
	return p.directory.Create(ctx, address, password, identity.RoleSuperadmin)
}
