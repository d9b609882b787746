package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"receiptflow/internal/identity"
	dErrors "receiptflow/pkg/domain-errors"
	"receiptflow/pkg/platform/httputil"
	"receiptflow/pkg/requestcontext"
)

// Authenticator resolves a bearer token into the caller's current session.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*identity.Session, error)
}

// BearerToken extracts the token from an Authorization header. Websocket
// clients that cannot set headers may pass it as the access_token query
// parameter.
func BearerToken(r *http.Request) (string, bool) {
	const bearerPrefix = "Bearer "
	if after, ok := strings.CutPrefix(r.Header.Get("Authorization"), bearerPrefix); ok && after != "" {
		return after, true
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, true
	}
	return "", false
}

// RequireSession authenticates the request and stores the session, subject
// and raw token in the context.
func RequireSession(auth Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestID(ctx)

			token, ok := BearerToken(r)
			if !ok {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "Missing or invalid Authorization header"))
				return
			}

			session, err := auth.Authenticate(ctx, token)
			if err != nil || session == nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "Invalid or expired token"))
				return
			}

			ctx = identity.WithSession(ctx, session)
			ctx = requestcontext.WithSubjectID(ctx, session.SubjectID)
			ctx = requestcontext.WithBearerToken(ctx, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalSession attaches the session when the request carries a valid
// token and passes every request through. Handlers that answer in their own
// error format check identity.SessionFrom themselves.
func OptionalSession(auth Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := BearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			session, err := auth.Authenticate(ctx, token)
			if err != nil || session == nil {
				logger.WarnContext(ctx, "ignoring invalid token",
					"error", err,
					"request_id", GetRequestID(ctx),
				)
				next.ServeHTTP(w, r)
				return
			}
			ctx = identity.WithSession(ctx, session)
			ctx = requestcontext.WithSubjectID(ctx, session.SubjectID)
			ctx = requestcontext.WithBearerToken(ctx, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireReviewer admits admins and superadmins. Must run after
// RequireSession.
func RequireReviewer(logger *slog.Logger) func(http.Handler) http.Handler {
	return requireRole(logger, "reviewer role required", (*identity.Session).CanReview)
}

// RequireSuperadmin admits superadmins only.
func RequireSuperadmin(logger *slog.Logger) func(http.Handler) http.Handler {
	return requireRole(logger, "superadmin role required", func(s *identity.Session) bool {
		return s != nil && s.Role == identity.RoleSuperadmin
	})
}

func requireRole(logger *slog.Logger, msg string, allowed func(*identity.Session) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			session := identity.SessionFrom(ctx)
			if !allowed(session) {
				attrs := []any{"request_id", GetRequestID(ctx)}
				if session != nil {
					attrs = append(attrs, "subject_id", session.SubjectID, "role", session.Role)
				}
				logger.WarnContext(ctx, "forbidden - "+msg, attrs...)
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, msg))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
