package receipts

import (
	"context"
	"log/slog"

	"receiptflow/internal/identity"
	"receiptflow/internal/receipts/models"
	dErrors "receiptflow/pkg/domain-errors"
)

// Feed keeps exactly one live query open for whoever is signed in. Each
// session change closes the previous subscription and opens one scoped to
// the new session; with no session nothing is subscribed.
type Feed struct {
	backend Backend
	holder  *identity.Holder
	logger  *slog.Logger

	out   chan models.Snapshot
	resub chan struct{}
}

type FeedOption func(*Feed)

func WithFeedLogger(logger *slog.Logger) FeedOption {
	return func(f *Feed) {
		f.logger = logger
	}
}

func NewFeed(backend Backend, holder *identity.Holder, opts ...FeedOption) *Feed {
	f := &Feed{
		backend: backend,
		holder:  holder,
		out:     make(chan models.Snapshot, 1),
		resub:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Snapshots yields the latest snapshot for the current session. A snapshot
// with NoSession set follows sign-out.
func (f *Feed) Snapshots() <-chan models.Snapshot {
	return f.out
}

// Resubscribe asks Run to reopen the query after a subscription error. It
// never blocks.
func (f *Feed) Resubscribe() {
	select {
	case f.resub <- struct{}{}:
	default:
	}
}

// Run drives the feed until ctx is cancelled or the holder closes. The
// Snapshots channel is closed on return.
func (f *Feed) Run(ctx context.Context) error {
	sessions, unsubscribe := f.holder.Subscribe()
	defer unsubscribe()
	defer close(f.out)

	var (
		current *Subscription
		updates <-chan models.Snapshot
		session *identity.Session
	)
	stop := func() {
		if current != nil {
			current.Close()
			current, updates = nil, nil
		}
	}
	defer stop()

	open := func() {
		stop()
		if session == nil {
			f.push(models.Snapshot{NoSession: true})
			return
		}
		scope, err := ScopeFor(session)
		if err != nil {
			f.push(models.Snapshot{Err: err})
			return
		}
		sub, err := f.backend.Subscribe(ctx, scope)
		if err != nil {
			if f.logger != nil {
				f.logger.WarnContext(ctx, "receipt subscription failed",
					"subject_id", session.SubjectID,
					"error", err,
				)
			}
			f.push(models.Snapshot{Err: dErrors.Wrap(err, dErrors.CodeSubscription, "failed to open receipt subscription")})
			return
		}
		current, updates = sub, sub.Updates()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-sessions:
			if !ok {
				return nil
			}
			session = s
			open()
		case <-f.resub:
			if current == nil {
				open()
			}
		case snap, ok := <-updates:
			if !ok {
				// the subscription ended after an error; wait for Resubscribe
				stop()
				continue
			}
			f.push(snap)
		}
	}
}

func (f *Feed) push(snap models.Snapshot) {
	select {
	case <-f.out:
	default:
	}
	f.out <- snap
}
