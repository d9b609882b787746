// Package redis is the Redis receipt backend. Records are JSON strings,
// insertion order lives in a sorted set scored by a counter, and every write
// is announced on a pub/sub channel that live queries listen to.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"receiptflow/internal/receipts"
	"receiptflow/internal/receipts/metrics"
	"receiptflow/internal/receipts/models"
	id "receiptflow/pkg/domain"
	dErrors "receiptflow/pkg/domain-errors"
	"receiptflow/pkg/platform/sentinel"
)

const (
	backendName = "redis"

	receiptKeyPrefix = "receipt:"
	orderKey         = "receipts:order"
	seqKey           = "receipts:seq"
	balancesKey      = "balances"
	changesChannel   = "receipts:changes"

	// maxTxRetries bounds optimistic transaction retries under contention.
	maxTxRetries = 5
)

func receiptKey(receiptID id.ReceiptID) string {
	return receiptKeyPrefix + receiptID.String()
}

// Store is a Redis-backed receipts collection.
type Store struct {
	client  *redis.Client
	now     func() time.Time
	metrics *metrics.Metrics
}

type Option func(*Store)

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

// New wraps a client whose lifecycle is managed by the caller.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Insert(ctx context.Context, draft models.Draft) (*models.Receipt, error) {
	r, err := models.NewReceipt(id.ReceiptID(uuid.NewString()), draft, s.now())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid receipt")
	}
	if err := s.Put(ctx, *r); err != nil {
		return nil, err
	}
	return r, nil
}

// Put writes a record as-is and appends it to the order when new.
func (s *Store) Put(ctx context.Context, r models.Receipt) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	seq, err := s.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("next receipt sequence: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, receiptKey(r.ID), payload, 0)
		pipe.ZAddNX(ctx, orderKey, redis.Z{Score: float64(seq), Member: r.ID.String()})
		pipe.Publish(ctx, changesChannel, r.ID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("store receipt: %w", err)
	}
	return nil
}

// Delete removes a record and its order entry.
func (s *Store) Delete(ctx context.Context, receiptID id.ReceiptID) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, receiptKey(receiptID))
		pipe.ZRem(ctx, orderKey, receiptID.String())
		pipe.Publish(ctx, changesChannel, receiptID.String())
		return nil
	})
	return err
}

func (s *Store) Get(ctx context.Context, receiptID id.ReceiptID) (*models.Receipt, error) {
	raw, err := s.client.Get(ctx, receiptKey(receiptID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r models.Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode receipt %s: %w", receiptID, err)
	}
	return &r, nil
}

// UpdateStatus writes a rejection under WATCH so a concurrent approval cannot
// be overwritten.
func (s *Store) UpdateStatus(ctx context.Context, receiptID id.ReceiptID, status models.Status) error {
	if status != models.StatusRejected {
		s.metrics.IncrementStatusWrite(string(status), "refused")
		return sentinel.ErrInvalidState
	}
	err := s.transition(ctx, receiptID, func(r *models.Receipt, pipe redis.Pipeliner) error {
		return r.ApplyStatus(status)
	})
	s.metrics.IncrementStatusWrite(string(status), outcome(err))
	return err
}

// ApproveAndCredit flips a pending receipt to approved and credits the
// sender's balance in one MULTI/EXEC.
func (s *Store) ApproveAndCredit(ctx context.Context, receiptID id.ReceiptID, senderID id.SenderID, amount float64) (float64, error) {
	var credit *redis.FloatCmd
	err := s.transition(ctx, receiptID, func(r *models.Receipt, pipe redis.Pipeliner) error {
		if r.SenderID != senderID || r.Amount != amount {
			return sentinel.ErrConflict
		}
		if err := r.ApplyStatus(models.StatusApproved); err != nil {
			return err
		}
		credit = pipe.HIncrByFloat(ctx, balancesKey, senderID.String(), amount)
		return nil
	})
	s.metrics.IncrementStatusWrite(string(models.StatusApproved), outcome(err))
	if err != nil {
		return 0, err
	}
	return credit.Val(), nil
}

func (s *Store) Balance(ctx context.Context, senderID id.SenderID) (float64, error) {
	v, err := s.client.HGet(ctx, balancesKey, senderID.String()).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// transition runs mutate against the current record inside WATCH and writes
// the result. mutate may queue extra commands on pipe.
func (s *Store) transition(ctx context.Context, receiptID id.ReceiptID, mutate func(*models.Receipt, redis.Pipeliner) error) error {
	key := receiptKey(receiptID)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return sentinel.ErrNotFound
		}
		if err != nil {
			return err
		}
		var r models.Receipt
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("decode receipt %s: %w", receiptID, err)
		}

		var mutateErr error
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if mutateErr = mutate(&r, pipe); mutateErr != nil {
				return mutateErr
			}
			payload, err := json.Marshal(r)
			if err != nil {
				return err
			}
			pipe.Set(ctx, key, payload, 0)
			pipe.Publish(ctx, changesChannel, receiptID.String())
			return nil
		})
		if mutateErr != nil {
			return mutateErr
		}
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return sentinel.ErrInvalidState
		}
		return err
	}
	return sentinel.ErrConflict
}

// Subscribe listens on the change channel before the first query so no write
// between the two is missed.
func (s *Store) Subscribe(ctx context.Context, scope models.Scope) (*receipts.Subscription, error) {
	pubsub := s.client.Subscribe(ctx, changesChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to receipt changes: %w", err)
	}

	messages := pubsub.Channel()
	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		for range messages {
			select {
			case changes <- struct{}{}:
			default:
			}
		}
	}()

	return receipts.Watch(ctx, receipts.WatchConfig{
		Backend: backendName,
		Scope:   scope,
		Query:   s.query,
		Changes: changes,
		Release: func() { _ = pubsub.Close() },
		Now:     s.now,
		Metrics: s.metrics,
	}), nil
}

func (s *Store) query(ctx context.Context, scope models.Scope) ([]models.Receipt, error) {
	ids, err := s.client.ZRange(ctx, orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read receipt order: %w", err)
	}
	if len(ids) == 0 {
		return []models.Receipt{}, nil
	}
	keys := make([]string, len(ids))
	for i, v := range ids {
		keys[i] = receiptKeyPrefix + v
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read receipts: %w", err)
	}

	out := make([]models.Receipt, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// deleted between ZRANGE and MGET
			continue
		}
		var r models.Receipt
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode receipt %s: %w", ids[i], err)
		}
		if r.ID.IsNil() {
			r.ID = id.ReceiptID(ids[i])
		}
		out = append(out, r)
	}
	return slices.Clip(scope.Filter(out)), nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, sentinel.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, sentinel.ErrConflict):
		return "conflict"
	case errors.Is(err, sentinel.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
