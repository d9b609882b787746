package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	dErrors "receiptflow/pkg/domain-errors"
	"receiptflow/pkg/platform/audit"
	"receiptflow/pkg/requestcontext"
)

// Store persists lockout records. It is pure I/O; lock decisions belong to
// the Service.
type Store interface {
	Get(ctx context.Context, key string) (*Lockout, error)
	// RecordFailure counts one failure, restarting the count when the window
	// that began at the record's WindowStart has elapsed.
	RecordFailure(ctx context.Context, key string, now time.Time, window time.Duration) (*Lockout, error)
	// Lock sets LockedUntil on an existing record.
	Lock(ctx context.Context, key string, until time.Time) error
	Clear(ctx context.Context, key string) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Service struct {
	store          Store
	config         Config
	logger         *slog.Logger
	auditPublisher AuditPublisher
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithConfig(cfg Config) Option {
	return func(s *Service) {
		s.config = cfg
	}
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("lockout store is required")
	}
	s := &Service{store: store, config: DefaultConfig()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Check runs before a sign-in attempt.
func (s *Service) Check(ctx context.Context, identifier, ip string) (*Result, error) {
	record, err := s.store.Get(ctx, Key(identifier, ip))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to get lockout record")
	}
	now := requestcontext.Now(ctx)
	if record == nil {
		return &Result{Allowed: true, Remaining: s.config.AttemptsPerWindow}, nil
	}
	if record.IsLockedAt(now) {
		return &Result{RetryAfter: record.LockedUntil.Sub(now)}, nil
	}
	failures := record.FailureCount
	if now.Sub(record.WindowStart) >= s.config.Window {
		failures = 0
	}
	return &Result{Allowed: true, Remaining: max(s.config.AttemptsPerWindow-failures, 0)}, nil
}

// RecordFailure counts a rejected password and locks the pair once the
// window's attempts are spent.
func (s *Service) RecordFailure(ctx context.Context, identifier, ip string) (*Lockout, error) {
	key := Key(identifier, ip)
	now := requestcontext.Now(ctx)
	record, err := s.store.RecordFailure(ctx, key, now, s.config.Window)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record sign-in failure")
	}
	if record.FailureCount < s.config.AttemptsPerWindow || record.IsLockedAt(now) {
		return record, nil
	}

	until := now.Add(s.config.LockDuration)
	if err := s.store.Lock(ctx, key, until); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to lock sign-in")
	}
	record.LockedUntil = &until
	s.logAudit(ctx, identifier, "locked after "+record.LastFailureAt.Sub(record.WindowStart).Round(time.Second).String())
	return record, nil
}

// Clear forgets failures after a successful sign-in.
func (s *Service) Clear(ctx context.Context, identifier, ip string) error {
	if err := s.store.Clear(ctx, Key(identifier, ip)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to clear sign-in failures")
	}
	return nil
}

func (s *Service) logAudit(ctx context.Context, identifier, reason string) {
	event := audit.EventSignInLocked
	requestID := requestcontext.RequestID(ctx)
	if s.logger != nil {
		s.logger.InfoContext(ctx, string(event),
			"event", string(event),
			"log_type", "audit",
			"identifier", identifier,
			"reason", reason,
			"request_id", requestID,
		)
	}
	if s.auditPublisher == nil {
		return
	}
	_ = s.auditPublisher.Emit(ctx, audit.Event{
		Category:  event.Category(),
		Action:    string(event),
		ActorID:   identifier,
		Reason:    reason,
		RequestID: requestID,
	})
}
