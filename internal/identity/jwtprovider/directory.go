package jwtprovider

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"receiptflow/internal/identity"
	id "receiptflow/pkg/domain"
	dErrors "receiptflow/pkg/domain-errors"
	"receiptflow/pkg/email"
	"receiptflow/pkg/platform/secrets"
	"receiptflow/pkg/platform/sentinel"
)

// Account is a directory entry. Claims are the server-side custom claims that
// end up in every freshly minted token.
type Account struct {
	SubjectID    id.SubjectID
	Email        string
	PasswordHash string
	Claims       RoleClaims
	Epoch        uint64
	CreatedAt    time.Time
}

// ClaimsForRole returns the custom claims an operator sets for role.
func ClaimsForRole(role identity.Role) RoleClaims {
	t := true
	switch role {
	case identity.RoleSuperadmin:
		return RoleClaims{Role: string(role), Superadmin: &t}
	case identity.RoleAdmin:
		return RoleClaims{Role: string(role), Admin: &t}
	default:
		return RoleClaims{Role: string(identity.RoleAmbassador)}
	}
}

// Directory stores accounts in memory and mints tokens from their current
// claims. It is the TokenSource behind every User.
type Directory struct {
	mu        sync.RWMutex
	bySubject map[id.SubjectID]*Account
	byEmail   map[string]id.SubjectID

	issuer *Issuer
	ttl    time.Duration
}

func NewDirectory(issuer *Issuer, tokenTTL time.Duration) *Directory {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &Directory{
		bySubject: make(map[id.SubjectID]*Account),
		byEmail:   make(map[string]id.SubjectID),
		issuer:    issuer,
		ttl:       tokenTTL,
	}
}

// Create registers an account with the claims for role. Duplicate emails are
// a CodeConflict.
func (d *Directory) Create(_ context.Context, address, password string, role identity.Role) (*Account, error) {
	address = email.Normalize(address)
	if address == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "email is required")
	}
	hash, err := secrets.Hash(password)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid password")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.byEmail[address]; exists {
		return nil, dErrors.New(dErrors.CodeConflict, "email already registered")
	}
	account := &Account{
		SubjectID:    id.SubjectID(uuid.NewString()),
		Email:        address,
		PasswordHash: hash,
		Claims:       ClaimsForRole(role),
		CreatedAt:    time.Now(),
	}
	d.bySubject[account.SubjectID] = account
	d.byEmail[address] = account.SubjectID
	c := *account
	return &c, nil
}

// Authenticate checks credentials and returns the account.
func (d *Directory) Authenticate(_ context.Context, address, password string) (*Account, error) {
	d.mu.RLock()
	subject, ok := d.byEmail[email.Normalize(address)]
	var account Account
	if ok {
		account = *d.bySubject[subject]
	}
	d.mu.RUnlock()

	if !ok {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid credentials")
	}
	if err := secrets.Verify(password, account.PasswordHash); err != nil {
		return nil, err
	}
	return &account, nil
}

// Lookup returns a copy of the account for subject.
func (d *Directory) Lookup(_ context.Context, subject id.SubjectID) (*Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	account, ok := d.bySubject[subject]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *account
	return &c, nil
}

// SetClaims replaces the custom claims on an account. Existing tokens keep
// their old claims until the holder force-refreshes.
func (d *Directory) SetClaims(_ context.Context, subject id.SubjectID, claims RoleClaims) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	account, ok := d.bySubject[subject]
	if !ok {
		return sentinel.ErrNotFound
	}
	account.Claims = claims
	return nil
}

// Revoke bumps the subject's epoch so every token minted so far stops
// verifying.
func (d *Directory) Revoke(_ context.Context, subject id.SubjectID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	account, ok := d.bySubject[subject]
	if !ok {
		return sentinel.ErrNotFound
	}
	account.Epoch++
	return nil
}

// Refresh mints a fresh token from the account's current claims.
func (d *Directory) Refresh(ctx context.Context, subject id.SubjectID) (string, error) {
	account, err := d.Lookup(ctx, subject)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeUnauthorized, "account not found")
	}
	return d.issuer.Issue(account.SubjectID, account.Email, account.Claims, account.Epoch, d.ttl)
}

// Count returns the number of accounts.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.bySubject)
}
