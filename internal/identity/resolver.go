package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"receiptflow/internal/identity/metrics"
	dErrors "receiptflow/pkg/domain-errors"
	"receiptflow/pkg/platform/audit"
	"receiptflow/pkg/requestcontext"
)

type AuditPublisher interface {
	Emit(ctx context.Context, base audit.Event) error
}

// Resolver turns auth events into sessions and is the only writer of its
// Holder. Each event starts a new generation; a result is published only if
// no newer event arrived while it was being resolved.
type Resolver struct {
	holder         *Holder
	provider       Provider
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	strictRoles    bool

	mu       sync.Mutex
	gen      uint64
	inflight context.CancelFunc
}

type Option func(*Resolver)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(r *Resolver) {
		r.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithProvider sets the provider Logout signs out of.
func WithProvider(p Provider) Option {
	return func(r *Resolver) {
		r.provider = p
	}
}

// WithStrictRoles makes Resolve fail when the token has no role claim at all
// instead of defaulting to ambassador.
func WithStrictRoles(strict bool) Option {
	return func(r *Resolver) {
		r.strictRoles = strict
	}
}

// New constructs a Resolver writing to holder.
func New(holder *Holder, opts ...Option) *Resolver {
	r := &Resolver{holder: holder}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Holder returns the session holder this resolver writes to.
func (r *Resolver) Holder() *Holder {
	return r.holder
}

// Resolve maps an auth event to a session. The token is force-refreshed before
// claims are read so that role changes made server-side take effect. Any
// failure yields a nil session and a CodeAuthResolution error.
func (r *Resolver) Resolve(ctx context.Context, event AuthEvent) (*Session, error) {
	if event.SignedOut() {
		r.incrementOutcome(metrics.OutcomeSignedOut)
		return nil, nil
	}
	start := time.Now()
	defer r.observeResolve(start)

	user := event.User
	if err := user.ForceRefresh(ctx); err != nil {
		return nil, r.resolutionFailed(ctx, user, dErrors.Wrap(err, dErrors.CodeAuthResolution, "failed to refresh identity token"))
	}
	claims, err := user.Claims(ctx)
	if err != nil {
		return nil, r.resolutionFailed(ctx, user, dErrors.Wrap(err, dErrors.CodeAuthResolution, "failed to read identity claims"))
	}

	role, present := roleFromClaims(claims)
	if r.strictRoles && !present {
		return nil, r.resolutionFailed(ctx, user, dErrors.New(dErrors.CodeAuthResolution, "identity token carries no role claim"))
	}

	session := &Session{
		SubjectID: user.SubjectID(),
		Email:     user.Email(),
		Role:      role,
	}
	r.incrementOutcome(metrics.OutcomeResolved)
	if r.metrics != nil {
		r.metrics.IncrementRole(string(role))
	}
	return session, nil
}

// Run resolves events until ctx is cancelled or events is closed, publishing
// each result to the holder. Sign-out is published immediately and discards
// any resolution still in flight. Run waits for in-flight resolutions before
// returning.
func (r *Resolver) Run(ctx context.Context, events <-chan AuthEvent) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.supersedeLocked()
			r.mu.Unlock()
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			gen, rctx, cancel := r.begin(ctx)
			if event.SignedOut() {
				cancel()
				r.incrementOutcome(metrics.OutcomeSignedOut)
				if r.publish(gen, nil) {
					r.logAudit(ctx, audit.EventSessionCleared, nil)
				}
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer cancel()
				session, err := r.Resolve(rctx, event)
				if err != nil && r.logger != nil {
					r.logger.WarnContext(ctx, "session resolution failed",
						"subject_id", event.User.SubjectID(),
						"error", err,
					)
				}
				if !r.publish(gen, session) {
					r.incrementOutcome(metrics.OutcomeSuperseded)
					return
				}
				if session != nil {
					r.logAudit(ctx, audit.EventSessionResolved, session)
				}
			}()
		}
	}
}

// Logout signs out of the provider and clears the session whether or not
// sign-out succeeded. A provider error is returned for logging only.
func (r *Resolver) Logout(ctx context.Context) error {
	var signOutErr error
	if r.provider != nil {
		signOutErr = r.provider.SignOut(ctx)
	}

	previous := r.holder.Current()
	r.mu.Lock()
	r.supersedeLocked()
	r.holder.set(nil)
	r.mu.Unlock()

	r.logAudit(ctx, audit.EventSessionCleared, previous)
	if signOutErr != nil {
		if r.logger != nil {
			r.logger.WarnContext(ctx, "provider sign-out failed; session cleared anyway",
				"error", signOutErr,
				"request_id", requestcontext.RequestID(ctx),
			)
		}
		return dErrors.Wrap(signOutErr, dErrors.CodeUnavailable, "identity provider sign-out failed")
	}
	return nil
}

// begin starts a new generation and cancels the previous in-flight resolution.
func (r *Resolver) begin(parent context.Context) (uint64, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.supersedeLocked()
	r.inflight = cancel
	return r.gen, ctx, cancel
}

func (r *Resolver) supersedeLocked() {
	r.gen++
	if r.inflight != nil {
		r.inflight()
		r.inflight = nil
	}
}

// publish writes s to the holder if gen is still the latest generation.
func (r *Resolver) publish(gen uint64, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return false
	}
	r.holder.set(s)
	return true
}

func (r *Resolver) resolutionFailed(ctx context.Context, user User, err error) error {
	r.incrementOutcome(metrics.OutcomeFailed)
	if r.logger != nil {
		r.logger.WarnContext(ctx, string(audit.EventAuthResolutionFailed),
			"subject_id", user.SubjectID(),
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
			"log_type", "audit",
		)
	}
	if r.auditPublisher != nil {
		_ = r.auditPublisher.Emit(ctx, audit.Event{
			SubjectID: user.SubjectID(),
			Action:    string(audit.EventAuthResolutionFailed),
			Reason:    err.Error(),
			RequestID: requestcontext.RequestID(ctx),
		})
	}
	return err
}

func (r *Resolver) logAudit(ctx context.Context, event audit.AuditEvent, s *Session) {
	args := []any{"event", string(event), "log_type", "audit"}
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		args = append(args, "request_id", requestID)
	}
	base := audit.Event{Action: string(event), RequestID: requestcontext.RequestID(ctx)}
	if s != nil {
		args = append(args, "subject_id", s.SubjectID, "role", s.Role)
		base.SubjectID = s.SubjectID
		base.Decision = string(s.Role)
	}
	if r.logger != nil {
		r.logger.InfoContext(ctx, string(event), args...)
	}
	if r.auditPublisher != nil {
		_ = r.auditPublisher.Emit(ctx, base)
	}
}

func (r *Resolver) incrementOutcome(outcome string) {
	if r.metrics != nil {
		r.metrics.IncrementOutcome(outcome)
	}
}

func (r *Resolver) observeResolve(start time.Time) {
	if r.metrics != nil {
		r.metrics.ObserveResolve(start)
	}
}
