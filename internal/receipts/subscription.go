// Package receipts implements live, scoped receipt queries over pluggable
// document store backends.
package receipts

import (
	"context"
	"sync"
	"time"

	"receiptflow/internal/receipts/metrics"
	"receiptflow/internal/receipts/models"
	id "receiptflow/pkg/domain"
	dErrors "receiptflow/pkg/domain-errors"
)

// Backend is a document store holding the receipts collection.
type Backend interface {
	// Subscribe opens a live query. The first snapshot is the current result
	// set; a new one follows every write that could affect it.
	Subscribe(ctx context.Context, scope models.Scope) (*Subscription, error)
	// UpdateStatus is the direct field write used for rejection. Approval goes
	// through the ledger instead.
	UpdateStatus(ctx context.Context, receiptID id.ReceiptID, status models.Status) error
	Insert(ctx context.Context, draft models.Draft) (*models.Receipt, error)
	Get(ctx context.Context, receiptID id.ReceiptID) (*models.Receipt, error)
}

// QueryFunc returns the full, insertion-ordered result set for scope.
type QueryFunc func(ctx context.Context, scope models.Scope) ([]models.Receipt, error)

// Subscription is a running live query. Close is idempotent and safe to call
// from any goroutine at any time.
type Subscription struct {
	updates chan models.Snapshot
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// Updates yields snapshots until the subscription is closed or fails. A slow
// reader sees only the latest snapshot.
func (s *Subscription) Updates() <-chan models.Snapshot {
	return s.updates
}

// Close stops the query and waits for its goroutine to exit.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed once the query goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// WatchConfig describes one live query for Watch.
type WatchConfig struct {
	// Backend labels metrics.
	Backend string
	Scope   models.Scope
	Query   QueryFunc
	// Changes signals that the underlying data may have changed. A closed
	// channel ends the subscription with an error.
	Changes <-chan struct{}
	// Release frees backend resources when the query stops.
	Release func()
	Now     func() time.Time
	Metrics *metrics.Metrics
}

// Watch runs a live query until ctx is cancelled, the subscription is closed,
// or the backend fails. On failure it emits one snapshot carrying a
// CodeSubscription error and then closes Updates.
func Watch(ctx context.Context, cfg WatchConfig) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		updates: make(chan models.Snapshot, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	cfg.Metrics.SubscriptionOpened()
	go func() {
		defer close(sub.done)
		defer close(sub.updates)
		defer cfg.Metrics.SubscriptionClosed()
		defer cancel()
		if cfg.Release != nil {
			defer cfg.Release()
		}

		emit := func() bool {
			rs, err := cfg.Query(ctx, cfg.Scope)
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				cfg.Metrics.IncrementSubscriptionError(cfg.Backend)
				sub.push(models.Snapshot{Err: dErrors.Wrap(err, dErrors.CodeSubscription, "live receipt query failed")})
				return false
			}
			ts := now()
			out := make([]models.Receipt, len(rs))
			for i, r := range rs {
				out[i] = r.WithDefaults(ts)
			}
			cfg.Metrics.IncrementSnapshot(cfg.Backend)
			sub.push(models.Snapshot{Receipts: out})
			return true
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-cfg.Changes:
				if !ok {
					if ctx.Err() == nil {
						cfg.Metrics.IncrementSubscriptionError(cfg.Backend)
						sub.push(models.Snapshot{Err: dErrors.New(dErrors.CodeSubscription, "receipt change feed closed")})
					}
					return
				}
				if !emit() {
					return
				}
			}
		}
	}()
	return sub
}

// push replaces any unread snapshot. Only the Watch goroutine calls it.
func (s *Subscription) push(snap models.Snapshot) {
	select {
	case <-s.updates:
	default:
	}
	s.updates <- snap
}
