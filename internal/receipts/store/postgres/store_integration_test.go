//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"receiptflow/internal/receipts"
	"receiptflow/internal/receipts/metrics"
	"receiptflow/internal/receipts/models"
	receiptpg "receiptflow/internal/receipts/store/postgres"
	id "receiptflow/pkg/domain"
	auditpg "receiptflow/pkg/platform/audit/store/postgres"
	"receiptflow/pkg/platform/sentinel"
	"receiptflow/pkg/testutil/containers"
)

// =============================================================================
// Postgres Receipt Store Integration Suite
// =============================================================================
// Justification: LISTEN/NOTIFY delivery, row locking and the outbox
// transaction need a real server.

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *receiptpg.Store
	clock    time.Time
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.Require().NoError(receiptpg.New(s.postgres.DB, s.postgres.DSN).Migrate(context.Background()))
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "outbox", "balances", "receipts"))
	s.clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.store = receiptpg.New(s.postgres.DB, s.postgres.DSN,
		receiptpg.WithClock(func() time.Time { return s.clock }),
		receiptpg.WithMetrics(metrics.New(prometheus.NewRegistry())),
		receiptpg.WithOutbox(auditpg.New(s.postgres.DB)),
	)
}

func (s *PostgresStoreSuite) next(sub *receipts.Subscription) models.Snapshot {
	select {
	case snap, ok := <-sub.Updates():
		s.Require().True(ok, "subscription closed")
		return snap
	case <-time.After(5 * time.Second):
		s.FailNow("timed out waiting for snapshot")
		return models.Snapshot{}
	}
}

func (s *PostgresStoreSuite) insert(owner id.SubjectID, sender id.SenderID, amount float64) *models.Receipt {
	r, err := s.store.Insert(context.Background(), models.Draft{
		OwnerID:   owner,
		SenderID:  sender,
		Amount:    amount,
		Currency:  "USD",
		Documents: []string{"https://files.example/" + string(owner)},
	})
	s.Require().NoError(err)
	return r
}

func (s *PostgresStoreSuite) countOutbox(eventType string) int {
	var n int
	err := s.postgres.DB.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM outbox WHERE event_type = $1`, eventType).Scan(&n)
	s.Require().NoError(err)
	return n
}

func (s *PostgresStoreSuite) TestInsertAndGet_RoundTripsDocuments() {
	r := s.insert("amb-1", "t1", 12.5)

	got, err := s.store.Get(context.Background(), r.ID)
	s.Require().NoError(err)
	s.Equal(r.Documents, got.Documents)
	s.Equal(models.StatusPending, got.Status)
	s.True(s.clock.Equal(got.CreatedAt))

	_, err = s.store.Get(context.Background(), "missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestSubscribe_ScopedInsertionOrder() {
	first := s.insert("amb-1", "t1", 10)
	s.insert("amb-2", "t2", 20)
	third := s.insert("amb-1", "t1", 30)

	sub, err := s.store.Subscribe(context.Background(), models.Equal(models.FieldOwner, "amb-1"))
	s.Require().NoError(err)
	defer sub.Close()

	snap := s.next(sub)
	s.Require().Len(snap.Receipts, 2)
	s.Equal(first.ID, snap.Receipts[0].ID)
	s.Equal(third.ID, snap.Receipts[1].ID)

	unknown, err := s.store.Subscribe(context.Background(), models.Equal("nope", "amb-1"))
	s.Require().NoError(err)
	defer unknown.Close()
	s.Empty(s.next(unknown).Receipts)
}

func (s *PostgresStoreSuite) TestSubscribe_MissingCreatedAtIsSubstituted() {
	s.Require().NoError(s.store.Put(context.Background(), models.Receipt{
		ID: "legacy", OwnerID: "amb-1", Amount: 5, Currency: "USD",
	}))

	sub, err := s.store.Subscribe(context.Background(), models.Scope{})
	s.Require().NoError(err)
	defer sub.Close()

	snap := s.next(sub)
	s.Require().Len(snap.Receipts, 1)
	s.Equal(s.clock, snap.Receipts[0].CreatedAt)
}

func (s *PostgresStoreSuite) TestReject_NotifiesAndWritesOutbox() {
	r := s.insert("amb-1", "t1", 50)
	sub, err := s.store.Subscribe(context.Background(), models.Scope{})
	s.Require().NoError(err)
	defer sub.Close()
	s.Equal(models.StatusPending, s.next(sub).Receipts[0].Status)

	s.Require().NoError(s.store.UpdateStatus(context.Background(), r.ID, models.StatusRejected))

	s.Equal(models.StatusRejected, s.next(sub).Receipts[0].Status)
	s.Equal(1, s.countOutbox("receipt_rejected"))
}

func (s *PostgresStoreSuite) TestUpdateStatus_Guards() {
	ctx := context.Background()
	r := s.insert("amb-1", "t1", 50)

	s.ErrorIs(s.store.UpdateStatus(ctx, r.ID, models.StatusApproved), sentinel.ErrInvalidState)
	s.ErrorIs(s.store.UpdateStatus(ctx, "missing", models.StatusRejected), sentinel.ErrNotFound)
	s.Require().NoError(s.store.UpdateStatus(ctx, r.ID, models.StatusRejected))
	s.ErrorIs(s.store.UpdateStatus(ctx, r.ID, models.StatusRejected), sentinel.ErrInvalidState)
}

func (s *PostgresStoreSuite) TestApproveAndCredit() {
	ctx := context.Background()
	r := s.insert("amb-1", "t1", 50)
	other := s.insert("amb-1", "t1", 25)

	_, err := s.store.ApproveAndCredit(ctx, r.ID, "t1", 49)
	s.ErrorIs(err, sentinel.ErrConflict)
	s.Zero(s.countOutbox("balance_credited"), "rolled back")

	balance, err := s.store.ApproveAndCredit(ctx, r.ID, "t1", 50)
	s.Require().NoError(err)
	s.Equal(50.0, balance)

	balance, err = s.store.ApproveAndCredit(ctx, other.ID, "t1", 25)
	s.Require().NoError(err)
	s.Equal(75.0, balance)

	_, err = s.store.ApproveAndCredit(ctx, r.ID, "t1", 50)
	s.ErrorIs(err, sentinel.ErrInvalidState)
	s.Equal(2, s.countOutbox("balance_credited"))
}

// TestConcurrentApprovalCreditsOnce verifies the row lock serialises racing
// approvals.
func (s *PostgresStoreSuite) TestConcurrentApprovalCreditsOnce() {
	ctx := context.Background()
	r := s.insert("amb-1", "t1", 25)
	const goroutines = 20

	var wg sync.WaitGroup
	var successes, invalid atomic.Int32
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.ApproveAndCredit(ctx, r.ID, "t1", 25)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, sentinel.ErrInvalidState):
				invalid.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), successes.Load())
	s.Equal(int32(goroutines-1), invalid.Load())
	balance, err := s.store.Balance(ctx, "t1")
	s.Require().NoError(err)
	s.Equal(25.0, balance)
}

func (s *PostgresStoreSuite) TestDeleteEmitsSnapshot() {
	r := s.insert("amb-1", "t1", 50)
	sub, err := s.store.Subscribe(context.Background(), models.Scope{})
	s.Require().NoError(err)
	defer sub.Close()
	s.Len(s.next(sub).Receipts, 1)

	s.Require().NoError(s.store.Delete(context.Background(), r.ID))
	s.Empty(s.next(sub).Receipts)
}
