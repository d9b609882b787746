package memory

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"receiptflow/internal/receipts"
	"receiptflow/internal/receipts/metrics"
	"receiptflow/internal/receipts/models"
	id "receiptflow/pkg/domain"
	dErrors "receiptflow/pkg/domain-errors"
	"receiptflow/pkg/platform/sentinel"
)

// =============================================================================
// In-memory Receipt Store Test Suite
// =============================================================================
// Justification: the memory backend is the reference implementation of the
// live query contract; the redis and postgres suites mirror these cases.

type StoreSuite struct {
	suite.Suite
	store *Store
	clock time.Time
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.store = New(
		WithClock(func() time.Time { return s.clock }),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
	)
}

func (s *StoreSuite) next(sub *receipts.Subscription) models.Snapshot {
	select {
	case snap, ok := <-sub.Updates():
		s.Require().True(ok, "subscription closed")
		return snap
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for snapshot")
		return models.Snapshot{}
	}
}

func (s *StoreSuite) insert(owner id.SubjectID, sender id.SenderID, amount float64) *models.Receipt {
	r, err := s.store.Insert(context.Background(), models.Draft{
		OwnerID:  owner,
		SenderID: sender,
		Amount:   amount,
		Currency: "usd",
	})
	s.Require().NoError(err)
	return r
}

func (s *StoreSuite) TestInsert() {
	s.Run("assigns id, pending status and createdAt", func() {
		r := s.insert("amb-1", "t1", 50)
		s.NotEmpty(r.ID)
		s.Equal(models.StatusPending, r.Status)
		s.Equal("USD", r.Currency)
		s.Equal(s.clock, r.CreatedAt)
	})

	s.Run("rejects non-positive amount", func() {
		_, err := s.store.Insert(context.Background(), models.Draft{OwnerID: "amb-1", Amount: 0, Currency: "USD"})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *StoreSuite) TestSubscribe_EmptyScopeEmitsEmptySnapshot() {
	sub, err := s.store.Subscribe(context.Background(), models.Equal(models.FieldOwner, "amb-1"))
	s.Require().NoError(err)
	defer sub.Close()

	snap := s.next(sub)
	s.NoError(snap.Err)
	s.NotNil(snap.Receipts)
	s.Empty(snap.Receipts)
}

func (s *StoreSuite) TestSubscribe_ScopedInsertionOrder() {
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

	all, err := s.store.Subscribe(context.Background(), models.Scope{})
	s.Require().NoError(err)
	defer all.Close()
	s.Len(s.next(all).Receipts, 3)

	some, err := s.store.Subscribe(context.Background(), models.In(models.FieldOwner, "amb-2", "amb-3"))
	s.Require().NoError(err)
	defer some.Close()
	s.Len(s.next(some).Receipts, 1)
}

func (s *StoreSuite) TestSubscribe_MissingCreatedAtIsSubstituted() {
	s.store.Put(models.Receipt{ID: "legacy", OwnerID: "amb-1", Amount: 5, Currency: "USD", Status: models.StatusPending})

	sub, err := s.store.Subscribe(context.Background(), models.Scope{})
	s.Require().NoError(err)
	defer sub.Close()

	snap := s.next(sub)
	s.Require().Len(snap.Receipts, 1)
	s.Equal(s.clock, snap.Receipts[0].CreatedAt)
}

func (s *StoreSuite) TestReject_NextSnapshotShowsOnlyStatusChange() {
	r := s.insert("amb-1", "t1", 50)
	sub, err := s.store.Subscribe(context.Background(), models.Scope{})
	s.Require().NoError(err)
	defer sub.Close()
	before := s.next(sub).Receipts[0]

	s.Require().NoError(s.store.UpdateStatus(context.Background(), r.ID, models.StatusRejected))

	after := s.next(sub).Receipts[0]
	s.Equal(models.StatusRejected, after.Status)
	after.Status = before.Status
	s.Equal(before, after, "no other field altered")
}

func (s *StoreSuite) TestUpdateStatus_Guards() {
	ctx := context.Background()
	r := s.insert("amb-1", "t1", 50)

	s.ErrorIs(s.store.UpdateStatus(ctx, r.ID, models.StatusApproved), sentinel.ErrInvalidState, "approval is ledger-only")
	s.ErrorIs(s.store.UpdateStatus(ctx, "missing", models.StatusRejected), sentinel.ErrNotFound)

	s.Require().NoError(s.store.UpdateStatus(ctx, r.ID, models.StatusRejected))
	s.ErrorIs(s.store.UpdateStatus(ctx, r.ID, models.StatusRejected), sentinel.ErrInvalidState, "terminal")
}

func (s *StoreSuite) TestApproveAndCredit() {
	ctx := context.Background()
	r := s.insert("amb-1", "t1", 50)

	_, err := s.store.ApproveAndCredit(ctx, r.ID, "t2", 50)
	s.ErrorIs(err, sentinel.ErrConflict)
	_, err = s.store.ApproveAndCredit(ctx, r.ID, "t1", 49)
	s.ErrorIs(err, sentinel.ErrConflict)
	_, err = s.store.ApproveAndCredit(ctx, "missing", "t1", 50)
	s.ErrorIs(err, sentinel.ErrNotFound)

	balance, err := s.store.ApproveAndCredit(ctx, r.ID, "t1", 50)
	s.Require().NoError(err)
	s.Equal(50.0, balance)

	_, err = s.store.ApproveAndCredit(ctx, r.ID, "t1", 50)
	s.ErrorIs(err, sentinel.ErrInvalidState, "no double credit")

	got, err := s.store.Get(ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, got.Status)

	balance, err = s.store.Balance(ctx, "t1")
	s.Require().NoError(err)
	s.Equal(50.0, balance)
}

func (s *StoreSuite) TestDeleteEmitsSnapshot() {
	r := s.insert("amb-1", "t1", 50)
	sub, err := s.store.Subscribe(context.Background(), models.Scope{})
	s.Require().NoError(err)
	defer sub.Close()
	s.Len(s.next(sub).Receipts, 1)

	s.Require().NoError(s.store.Delete(context.Background(), r.ID))
	s.Empty(s.next(sub).Receipts)
}

func (s *StoreSuite) TestClose_IdempotentAndReleasesWatcher() {
	sub, err := s.store.Subscribe(context.Background(), models.Scope{})
	s.Require().NoError(err)
	s.Equal(1, s.store.Watchers())

	sub.Close()
	sub.Close()

	s.Equal(0, s.store.Watchers())
	for range sub.Updates() {
	}
}

func (s *StoreSuite) TestSubscribe_CancelledContext() {
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := s.store.Subscribe(ctx, models.Scope{})
	s.Require().NoError(err)
	s.next(sub)

	cancel()
	<-sub.Done()
	s.Equal(0, s.store.Watchers())
}
