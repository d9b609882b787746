// Package jwtprovider is an identity provider backed by HS256 JWTs and an
// account directory holding each subject's custom role claims.
package jwtprovider

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	id "receiptflow/pkg/domain"
	dErrors "receiptflow/pkg/domain-errors"
)

// ClaimEpoch carries the subject's sign-out epoch; tokens minted before the
// latest sign-out no longer verify against the directory.
const ClaimEpoch = "sev"

// RoleClaims are the custom claims an operator sets on an account.
type RoleClaims struct {
	Role       string `json:"role,omitempty"`
	Admin      *bool  `json:"admin,omitempty"`
	Superadmin *bool  `json:"superadmin,omitempty"`
}

type tokenClaims struct {
	Email string `json:"email,omitempty"`
	RoleClaims
	Epoch uint64 `json:"sev"`
	jwt.RegisteredClaims
}

// Issuer mints and validates identity tokens.
type Issuer struct {
	signingKey []byte
	issuer     string
	audience   string
	now        func() time.Time
}

func NewIssuer(signingKey string, issuer string, audience string) *Issuer {
	return &Issuer{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   audience,
		now:        time.Now,
	}
}

// Issue signs a token for subject carrying the given custom claims.
func (s *Issuer) Issue(subject id.SubjectID, email string, claims RoleClaims, epoch uint64, expiresIn time.Duration) (string, error) {
	now := s.now()
	newToken := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Email:      email,
		RoleClaims: claims,
		Epoch:      epoch,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Audience:  []string{s.audience},
			ID:        uuid.NewString(),
		},
	})

	signedToken, err := newToken.SignedString(s.signingKey)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign token")
	}
	return signedToken, nil
}

// Verify validates signature, issuer, audience and expiry and returns the raw
// claim set. Every failure is CodeUnauthorized.
func (s *Issuer) Verify(tokenString string) (map[string]any, error) {
	parsed, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// SubjectOf extracts the validated subject from a claim set.
func SubjectOf(claims map[string]any) (id.SubjectID, error) {
	sub, _ := claims["sub"].(string)
	subject, err := id.ParseSubjectID(sub)
	if err != nil {
		return "", dErrors.New(dErrors.CodeUnauthorized, "token has no valid subject")
	}
	return subject, nil
}

// EpochOf reads the sign-out epoch. JSON numbers decode as float64.
func EpochOf(claims map[string]any) uint64 {
	v, _ := claims[ClaimEpoch].(float64)
	if v < 0 {
		return 0
	}
	return uint64(v)
}
