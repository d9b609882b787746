package httptransport

import (
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"receiptflow/internal/identity"
	"receiptflow/internal/platform/middleware"
	id "receiptflow/pkg/domain"
	dErrors "receiptflow/pkg/domain-errors"
	"receiptflow/pkg/platform/httputil"
	"receiptflow/pkg/requestcontext"
)

// handleLogin handles POST /auth/login.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[LoginRequest](w, r, h.cfg.Logger, ctx, requestID)
	if !ok {
		return
	}
	ip := requestcontext.ClientIP(ctx)
	if !h.allowSignIn(w, r, req.Email, ip) {
		return
	}
	result, err := h.cfg.Accounts.SignIn(ctx, req.Email, req.Password)
	if err != nil {
		h.cfg.Logger.WarnContext(ctx, "sign-in failed",
			"request_id", requestID,
			"error", err,
		)
		if h.cfg.SignIns != nil && dErrors.HasCode(err, dErrors.CodeUnauthorized) {
			if _, lerr := h.cfg.SignIns.RecordFailure(ctx, req.Email, ip); lerr != nil {
				h.cfg.Logger.ErrorContext(ctx, "failed to record sign-in failure",
					"request_id", requestID,
					"error", lerr,
				)
			}
		}
		httputil.WriteError(w, err)
		return
	}
	if h.cfg.SignIns != nil {
		if err := h.cfg.SignIns.Clear(ctx, req.Email, ip); err != nil {
			h.cfg.Logger.WarnContext(ctx, "failed to clear sign-in failures",
				"request_id", requestID,
				"error", err,
			)
		}
	}
	h.cfg.Logger.InfoContext(ctx, "signed in",
		"request_id", requestID,
		"subject_id", result.Session.SubjectID,
		"role", result.Session.Role,
		"client", middleware.DescribeClient(requestcontext.UserAgent(ctx)),
	)
	httputil.WriteJSON(w, http.StatusOK, result)
}

// allowSignIn writes 429 with Retry-After for a locked pair. A limiter error
// is logged and the attempt proceeds.
func (h *Handler) allowSignIn(w http.ResponseWriter, r *http.Request, address, ip string) bool {
	if h.cfg.SignIns == nil {
		return true
	}
	ctx := r.Context()
	res, err := h.cfg.SignIns.Check(ctx, address, ip)
	if err != nil {
		h.cfg.Logger.ErrorContext(ctx, "sign-in lockout check failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return true
	}
	if res.Allowed {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
	httputil.WriteError(w, dErrors.New(dErrors.CodeRateLimited, "too many failed sign-in attempts"))
	return false
}

// handleLogout handles POST /auth/logout. Only the token revocation has an
// effect here; open streams drop the session on their next re-auth tick. A
// provider failure is logged and the call still succeeds for the client.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.cfg.Sessions.Logout(ctx); err != nil {
		h.cfg.Logger.WarnContext(ctx, "logout completed with provider error",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMe handles GET /me.
func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	session := identity.SessionFrom(r.Context())
	httputil.WriteJSON(w, http.StatusOK, meResponse{
		Session:     session,
		DisplayName: session.DisplayName(),
		CanReview:   session.CanReview(),
	})
}

// handleRegister handles POST /admin/users.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[RegisterRequest](w, r, h.cfg.Logger, ctx, requestID)
	if !ok {
		return
	}
	caller := identity.SessionFrom(ctx)
	account, err := h.cfg.Accounts.Register(ctx, caller, req.Email, req.Password, req.role)
	if err != nil {
		h.cfg.Logger.WarnContext(ctx, "registration refused",
			"request_id", requestID,
			"actor_id", caller.SubjectID,
			"role", req.role,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.cfg.Logger.InfoContext(ctx, "account registered",
		"request_id", requestID,
		"actor_id", caller.SubjectID,
		"subject_id", account.SubjectID,
		"role", req.role,
	)
	httputil.WriteJSON(w, http.StatusCreated, accountResponse{
		SubjectID: account.SubjectID,
		Email:     account.Email,
		Role:      req.role,
		CreatedAt: account.CreatedAt,
	})
}

// handleSetRole handles PUT /admin/users/{id}/role.
func (h *Handler) handleSetRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	subject, err := id.ParseSubjectID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[SetRoleRequest](w, r, h.cfg.Logger, ctx, requestID)
	if !ok {
		return
	}
	caller := identity.SessionFrom(ctx)
	if err := h.cfg.Accounts.SetRole(ctx, caller, subject, req.role); err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.cfg.Logger.InfoContext(ctx, "role changed",
		"request_id", requestID,
		"actor_id", caller.SubjectID,
		"subject_id", subject,
		"role", req.role,
	)
	w.WriteHeader(http.StatusNoContent)
}
