// Package memory is the in-process receipt backend. It keeps insertion order
// in a slice and wakes every live query after each write.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"receiptflow/internal/receipts"
	"receiptflow/internal/receipts/metrics"
	"receiptflow/internal/receipts/models"
	id "receiptflow/pkg/domain"
	dErrors "receiptflow/pkg/domain-errors"
	"receiptflow/pkg/platform/sentinel"
)

const backendName = "memory"

// Store is a mutex-guarded receipts collection plus sender balances.
type Store struct {
	mu       sync.RWMutex
	byID     map[id.ReceiptID]*models.Receipt
	order    []id.ReceiptID
	balances map[id.SenderID]float64

	watchMu  sync.Mutex
	watchers map[uint64]chan struct{}
	nextKey  uint64

	now     func() time.Time
	metrics *metrics.Metrics
}

type Option func(*Store)

// WithClock sets the clock used for createdAt on insert and for records
// stored without one.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		byID:     make(map[id.ReceiptID]*models.Receipt),
		balances: make(map[id.SenderID]float64),
		watchers: make(map[uint64]chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Insert stores a new pending receipt under a fresh id.
func (s *Store) Insert(_ context.Context, draft models.Draft) (*models.Receipt, error) {
	r, err := models.NewReceipt(id.ReceiptID(uuid.NewString()), draft, s.now())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid receipt")
	}
	s.Put(*r)
	out := cloneReceipt(*r)
	return &out, nil
}

// Put writes a record as-is, appending it to the order when new. It bypasses
// validation so fixtures can model records written by other clients.
func (s *Store) Put(r models.Receipt) {
	s.mu.Lock()
	if _, exists := s.byID[r.ID]; !exists {
		s.order = append(s.order, r.ID)
	}
	c := cloneReceipt(r)
	s.byID[r.ID] = &c
	s.mu.Unlock()
	s.notify()
}

// Delete removes a record. Missing ids are ignored.
func (s *Store) Delete(_ context.Context, receiptID id.ReceiptID) error {
	s.mu.Lock()
	if _, ok := s.byID[receiptID]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.byID, receiptID)
	s.order = slices.DeleteFunc(s.order, func(v id.ReceiptID) bool { return v == receiptID })
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Store) Get(_ context.Context, receiptID id.ReceiptID) (*models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[receiptID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	out := cloneReceipt(*r)
	return &out, nil
}

// UpdateStatus writes a rejection. Approval is refused here; it must go
// through ApproveAndCredit.
func (s *Store) UpdateStatus(_ context.Context, receiptID id.ReceiptID, status models.Status) error {
	if status != models.StatusRejected {
		s.metrics.IncrementStatusWrite(string(status), "refused")
		return sentinel.ErrInvalidState
	}
	s.mu.Lock()
	r, ok := s.byID[receiptID]
	if !ok {
		s.mu.Unlock()
		return sentinel.ErrNotFound
	}
	if err := r.ApplyStatus(status); err != nil {
		s.mu.Unlock()
		s.metrics.IncrementStatusWrite(string(status), "invalid_state")
		return sentinel.ErrInvalidState
	}
	s.mu.Unlock()
	s.metrics.IncrementStatusWrite(string(status), "ok")
	s.notify()
	return nil
}

// ApproveAndCredit flips a pending receipt to approved and credits the
// sender in one critical section.
func (s *Store) ApproveAndCredit(_ context.Context, receiptID id.ReceiptID, senderID id.SenderID, amount float64) (float64, error) {
	s.mu.Lock()
	r, ok := s.byID[receiptID]
	if !ok {
		s.mu.Unlock()
		return 0, sentinel.ErrNotFound
	}
	if r.SenderID != senderID || r.Amount != amount {
		s.mu.Unlock()
		return 0, sentinel.ErrConflict
	}
	if err := r.ApplyStatus(models.StatusApproved); err != nil {
		s.mu.Unlock()
		s.metrics.IncrementStatusWrite(string(models.StatusApproved), "invalid_state")
		return 0, sentinel.ErrInvalidState
	}
	s.balances[senderID] += amount
	balance := s.balances[senderID]
	s.mu.Unlock()

	s.metrics.IncrementStatusWrite(string(models.StatusApproved), "ok")
	s.notify()
	return balance, nil
}

// Balance returns the credited total for a sender; unknown senders have zero.
func (s *Store) Balance(_ context.Context, senderID id.SenderID) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[senderID], nil
}

// Subscribe opens a live query over the in-memory collection.
func (s *Store) Subscribe(ctx context.Context, scope models.Scope) (*receipts.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	changes := make(chan struct{}, 1)
	s.watchMu.Lock()
	key := s.nextKey
	s.nextKey++
	s.watchers[key] = changes
	s.watchMu.Unlock()

	return receipts.Watch(ctx, receipts.WatchConfig{
		Backend: backendName,
		Scope:   scope,
		Query:   s.query,
		Changes: changes,
		Release: func() {
			s.watchMu.Lock()
			delete(s.watchers, key)
			s.watchMu.Unlock()
		},
		Now:     s.now,
		Metrics: s.metrics,
	}), nil
}

// Watchers reports open live queries.
func (s *Store) Watchers() int {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	return len(s.watchers)
}

func (s *Store) query(_ context.Context, scope models.Scope) ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Receipt, 0, len(s.order))
	for _, receiptID := range s.order {
		r := s.byID[receiptID]
		if scope.Matches(*r) {
			out = append(out, cloneReceipt(*r))
		}
	}
	return out, nil
}

// notify wakes every watcher. A pending wake-up already covers this write.
func (s *Store) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func cloneReceipt(r models.Receipt) models.Receipt {
	r.Documents = slices.Clone(r.Documents)
	return r
}
