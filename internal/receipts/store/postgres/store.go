// Package postgres is the Postgres receipt backend. Writes run in a
// transaction that also sends NOTIFY on receipts_changed; live queries LISTEN
// on a dedicated connection and re-query on every notification.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"receiptflow/internal/receipts"
	"receiptflow/internal/receipts/metrics"
	"receiptflow/internal/receipts/models"
	id "receiptflow/pkg/domain"
	dErrors "receiptflow/pkg/domain-errors"
	audit "receiptflow/pkg/platform/audit"
	"receiptflow/pkg/platform/sentinel"
	txcontext "receiptflow/pkg/platform/tx"
)

const (
	backendName   = "postgres"
	notifyChannel = "receipts_changed"

	minReconnect = 100 * time.Millisecond
	maxReconnect = 10 * time.Second
)

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AuditStore receives outbox events inside the write transaction.
type AuditStore interface {
	Append(ctx context.Context, event audit.Event) error
}

// Store is a Postgres-backed receipts collection.
type Store struct {
	db        *sql.DB
	dsn       string
	runner    *txcontext.Runner
	txTimeout time.Duration
	outbox    AuditStore
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *slog.Logger
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

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithTxTimeout bounds write transactions whose context has no deadline.
func WithTxTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.txTimeout = d
	}
}

// WithOutbox records approvals and rejections in the audit outbox in the same
// transaction as the status write.
func WithOutbox(outbox AuditStore) Option {
	return func(s *Store) {
		s.outbox = outbox
	}
}

// New needs the DSN as well as the pool because LISTEN holds its own
// connection outside database/sql.
func New(db *sql.DB, dsn string, opts ...Option) *Store {
	s := &Store{
		db:     db,
		dsn:    dsn,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.runner = txcontext.NewRunner(db, s.txTimeout)
	return s
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply receipts schema: %w", err)
	}
	return nil
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *Store) notify(ctx context.Context, receiptID id.ReceiptID) error {
	_, err := s.execer(ctx).ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, receiptID.String())
	if err != nil {
		return fmt.Errorf("notify receipt change: %w", err)
	}
	return nil
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

// Put upserts a record as-is. An existing row keeps its position.
func (s *Store) Put(ctx context.Context, r models.Receipt) error {
	docs, err := json.Marshal(r.Documents)
	if err != nil {
		return fmt.Errorf("marshal documents: %w", err)
	}
	if r.Documents == nil {
		docs = []byte("[]")
	}
	var createdAt sql.NullTime
	if !r.CreatedAt.IsZero() {
		createdAt = sql.NullTime{Time: r.CreatedAt, Valid: true}
	}
	status := r.Status
	if status == "" {
		status = models.StatusPending
	}

	return s.runner.RunInTx(ctx, func(ctx context.Context) error {
		query := `
			INSERT INTO receipts (id, owner_id, sender_id, amount, currency, status, documents, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				owner_id = EXCLUDED.owner_id,
				sender_id = EXCLUDED.sender_id,
				amount = EXCLUDED.amount,
				currency = EXCLUDED.currency,
				status = EXCLUDED.status,
				documents = EXCLUDED.documents,
				created_at = EXCLUDED.created_at
		`
		_, err := s.execer(ctx).ExecContext(ctx, query,
			r.ID.String(), r.OwnerID.String(), r.SenderID.String(),
			r.Amount, r.Currency, string(status), docs, createdAt,
		)
		if err != nil {
			return fmt.Errorf("store receipt: %w", err)
		}
		return s.notify(ctx, r.ID)
	})
}

func (s *Store) Delete(ctx context.Context, receiptID id.ReceiptID) error {
	return s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM receipts WHERE id = $1`, receiptID.String()); err != nil {
			return fmt.Errorf("delete receipt: %w", err)
		}
		return s.notify(ctx, receiptID)
	})
}

const selectColumns = `id, owner_id, sender_id, amount, currency, status, documents, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*models.Receipt, error) {
	var (
		r         models.Receipt
		receiptID string
		owner     string
		sender    string
		status    string
		docs      []byte
		createdAt sql.NullTime
	)
	if err := row.Scan(&receiptID, &owner, &sender, &r.Amount, &r.Currency, &status, &docs, &createdAt); err != nil {
		return nil, err
	}
	r.ID = id.ReceiptID(receiptID)
	r.OwnerID = id.SubjectID(owner)
	r.SenderID = id.SenderID(sender)
	r.Status = models.Status(status)
	if createdAt.Valid {
		r.CreatedAt = createdAt.Time
	}
	if len(docs) > 0 {
		if err := json.Unmarshal(docs, &r.Documents); err != nil {
			return nil, fmt.Errorf("decode documents for %s: %w", receiptID, err)
		}
	}
	return &r, nil
}

func (s *Store) Get(ctx context.Context, receiptID id.ReceiptID) (*models.Receipt, error) {
	row := s.execer(ctx).QueryRowContext(ctx, `SELECT `+selectColumns+` FROM receipts WHERE id = $1`, receiptID.String())
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return r, nil
}

// lockPending loads a receipt FOR UPDATE inside the caller's transaction.
func (s *Store) lockPending(ctx context.Context, receiptID id.ReceiptID) (*models.Receipt, error) {
	row := s.execer(ctx).QueryRowContext(ctx, `SELECT `+selectColumns+` FROM receipts WHERE id = $1 FOR UPDATE`, receiptID.String())
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock receipt: %w", err)
	}
	return r, nil
}

func (s *Store) writeStatus(ctx context.Context, r *models.Receipt) error {
	_, err := s.execer(ctx).ExecContext(ctx, `UPDATE receipts SET status = $2 WHERE id = $1`, r.ID.String(), string(r.Status))
	if err != nil {
		return fmt.Errorf("update receipt status: %w", err)
	}
	return nil
}

func (s *Store) appendOutbox(ctx context.Context, r *models.Receipt, action audit.AuditEvent) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.Append(ctx, audit.Event{
		SubjectID: r.OwnerID,
		Action:    string(action),
		ReceiptID: r.ID.String(),
		Decision:  string(r.Status),
		Timestamp: s.now(),
	})
}

// UpdateStatus rejects a pending receipt. Any other status is refused.
func (s *Store) UpdateStatus(ctx context.Context, receiptID id.ReceiptID, status models.Status) error {
	if status != models.StatusRejected {
		s.metrics.IncrementStatusWrite(string(status), "refused")
		return sentinel.ErrInvalidState
	}
	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		r, err := s.lockPending(ctx, receiptID)
		if err != nil {
			return err
		}
		if err := r.ApplyStatus(status); err != nil {
			return sentinel.ErrInvalidState
		}
		if err := s.writeStatus(ctx, r); err != nil {
			return err
		}
		if err := s.appendOutbox(ctx, r, audit.EventReceiptRejected); err != nil {
			return err
		}
		return s.notify(ctx, receiptID)
	})
	s.metrics.IncrementStatusWrite(string(status), outcome(err))
	return err
}

// ApproveAndCredit approves a pending receipt and adds amount to the sender's
// balance in one transaction. The row lock serialises racing approvals.
func (s *Store) ApproveAndCredit(ctx context.Context, receiptID id.ReceiptID, senderID id.SenderID, amount float64) (float64, error) {
	var balance float64
	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		r, err := s.lockPending(ctx, receiptID)
		if err != nil {
			return err
		}
		if r.SenderID != senderID || r.Amount != amount {
			return sentinel.ErrConflict
		}
		if err := r.ApplyStatus(models.StatusApproved); err != nil {
			return sentinel.ErrInvalidState
		}
		if err := s.writeStatus(ctx, r); err != nil {
			return err
		}
		query := `
			INSERT INTO balances (sender_id, amount) VALUES ($1, $2)
			ON CONFLICT (sender_id) DO UPDATE SET amount = balances.amount + EXCLUDED.amount
			RETURNING amount
		`
		if err := s.execer(ctx).QueryRowContext(ctx, query, senderID.String(), amount).Scan(&balance); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
		if err := s.appendOutbox(ctx, r, audit.EventBalanceCredited); err != nil {
			return err
		}
		return s.notify(ctx, receiptID)
	})
	s.metrics.IncrementStatusWrite(string(models.StatusApproved), outcome(err))
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *Store) Balance(ctx context.Context, senderID id.SenderID) (float64, error) {
	var amount float64
	err := s.execer(ctx).QueryRowContext(ctx, `SELECT amount FROM balances WHERE sender_id = $1`, senderID.String()).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return amount, nil
}

// Subscribe starts listening before the first query so a write committed in
// between still triggers a fresh snapshot.
func (s *Store) Subscribe(ctx context.Context, scope models.Scope) (*receipts.Subscription, error) {
	listener := pq.NewListener(s.dsn, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.WarnContext(ctx, "receipt listener event", "event", int(ev), "error", err)
		}
	})
	if err := listener.Listen(notifyChannel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen for receipt changes: %w", err)
	}

	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		// A nil notification follows a reconnect; re-query since events may
		// have been missed.
		for range listener.Notify {
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
		Release: func() { _ = listener.Close() },
		Now:     s.now,
		Metrics: s.metrics,
	}), nil
}

func (s *Store) query(ctx context.Context, scope models.Scope) ([]models.Receipt, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case scope.IsAll():
		rows, err = s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM receipts ORDER BY seq`)
	default:
		column, ok := scopeColumns[scope.Field]
		if !ok || len(scope.Values) == 0 {
			return []models.Receipt{}, nil
		}
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+selectColumns+` FROM receipts WHERE `+column+` = ANY($1) ORDER BY seq`,
			pq.Array(scope.Values),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	out := []models.Receipt{}
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipts: %w", err)
	}
	return out, nil
}

// scopeColumns maps scope fields to columns. Fields outside it match nothing.
var scopeColumns = map[string]string{
	models.FieldOwner:  "owner_id",
	models.FieldSender: "sender_id",
	models.FieldStatus: "status",
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
