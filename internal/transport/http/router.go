// Package httptransport is the HTTP and websocket surface. Handlers delegate
// to the identity, receipts, review and approval packages and keep no
// business rules of their own.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"receiptflow/internal/gate"
	"receiptflow/internal/identity"
	"receiptflow/internal/identity/jwtprovider"
	"receiptflow/internal/platform/metrics"
	"receiptflow/internal/platform/middleware"
	"receiptflow/internal/ratelimit"
	"receiptflow/internal/receipts"
	"receiptflow/internal/review"
	id "receiptflow/pkg/domain"
	"receiptflow/pkg/platform/httputil"
)

const (
	requestTimeout         = 30 * time.Second
	defaultRefreshInterval = time.Minute
	probeTimeout           = 2 * time.Second
)

// Accounts is satisfied by *jwtprovider.Provider.
type Accounts interface {
	middleware.Authenticator
	SignIn(ctx context.Context, address, password string) (*jwtprovider.SignInResult, error)
	Register(ctx context.Context, caller *identity.Session, address, password string, role identity.Role) (*jwtprovider.Account, error)
	SetRole(ctx context.Context, caller *identity.Session, subject id.SubjectID, role identity.Role) error
	UserFor(ctx context.Context, subject id.SubjectID) (*jwtprovider.User, error)
}

// SessionEnder is satisfied by *identity.Resolver configured with a provider.
type SessionEnder interface {
	Logout(ctx context.Context) error
}

// SignInLimiter is satisfied by *ratelimit.Service.
type SignInLimiter interface {
	Check(ctx context.Context, identifier, ip string) (*ratelimit.Result, error)
	RecordFailure(ctx context.Context, identifier, ip string) (*ratelimit.Lockout, error)
	Clear(ctx context.Context, identifier, ip string) error
}

// RouteRegistrar mounts extra routes such as the approveReceipt callable.
type RouteRegistrar interface {
	Register(r chi.Router)
}

// Config carries the router's collaborators.
type Config struct {
	Accounts    Accounts
	Sessions    SessionEnder
	Backend     receipts.Backend
	Coordinator review.Coordinator
	Callable    RouteRegistrar
	// TrustProxyHeaders takes the client address from X-Forwarded-For.
	TrustProxyHeaders bool
	// Probes are checked by /healthz, keyed by dependency name.
	Probes map[string]func(context.Context) error
	// SignIns locks out repeated failed sign-ins. Nil disables the check.
	SignIns SignInLimiter

	// ResolverOptions configure the per-connection resolvers behind websocket
	// streams.
	ResolverOptions []identity.Option
	// RefreshInterval is how often an open stream re-checks its token so role
	// changes and sign-outs reach it.
	RefreshInterval time.Duration
	NoticeTTL       time.Duration
	Clock           clockwork.Clock

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Handler holds per-process transport state: one confirmation gate per
// reviewer, shared by their HTTP actions and desk connections.
type Handler struct {
	cfg   Config
	gates sync.Map // id.SubjectID -> *gate.Gate
}

func NewHandler(cfg Config) *Handler {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.NoticeTTL <= 0 {
		cfg.NoticeTTL = review.NoticeTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{cfg: cfg}
}

func (h *Handler) gateFor(subject id.SubjectID) *gate.Gate {
	g, _ := h.gates.LoadOrStore(subject, gate.New())
	return g.(*gate.Gate)
}

// NewRouter wires every endpoint.
func NewRouter(h *Handler) chi.Router {
	logger := h.cfg.Logger
	r := chi.NewRouter()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.ClientMetadata(h.cfg.TrustProxyHeaders))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.LatencyMiddleware(h.cfg.Metrics))

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// websocket routes: no request timeout and no forced content type
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(h.cfg.Accounts, logger))
		r.Get("/receipts/stream", h.handleStream)
		r.With(middleware.RequireReviewer(logger)).Get("/desk", h.handleDesk)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(middleware.ContentTypeJSON)

		r.Post("/auth/login", h.handleLogin)

		if h.cfg.Callable != nil {
			r.Group(func(r chi.Router) {
				r.Use(middleware.OptionalSession(h.cfg.Accounts, logger))
				h.cfg.Callable.Register(r)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSession(h.cfg.Accounts, logger))
			r.Post("/auth/logout", h.handleLogout)
			r.Get("/me", h.handleMe)
			r.Get("/receipts", h.handleListReceipts)
			r.Post("/receipts", h.handleCreateReceipt)
			r.Post("/admin/users", h.handleRegister)

			r.With(middleware.RequireReviewer(logger)).Post("/receipts/{id}/{action}", h.handleReceiptAction)
			r.With(middleware.RequireSuperadmin(logger)).Put("/admin/users/{id}/role", h.handleSetRole)
		})
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(h.cfg.Probes))
	for name, probe := range h.cfg.Probes {
		if err := probe(ctx); err != nil {
			h.cfg.Logger.WarnContext(ctx, "health probe failed", "dependency", name, "error", err)
			checks[name] = "unavailable"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	httputil.WriteJSON(w, code, healthResponse{Status: status, Checks: checks})
}
