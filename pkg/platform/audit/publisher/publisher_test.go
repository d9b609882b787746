package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	id "receiptflow/pkg/domain"
	audit "receiptflow/pkg/platform/audit"
	"receiptflow/pkg/platform/audit/store/memory"
)

// PublisherSuite covers the sync and buffered paths that every approval,
// rejection and sign-in event goes through.
//
// Justification: a dropped or reordered approval event is a compliance gap,
// and buffer overflow must surface as an error rather than block the caller.
type PublisherSuite struct {
	suite.Suite
	store   *memory.InMemoryStore
	subject id.SubjectID
}

func TestPublisherSuite(t *testing.T) {
	suite.Run(t, new(PublisherSuite))
}

func (s *PublisherSuite) SetupTest() {
	s.store = memory.NewInMemoryStore()
	s.subject = id.SubjectID("reviewer-7")
}

func (s *PublisherSuite) event(action audit.AuditEvent) audit.Event {
	return audit.Event{SubjectID: s.subject, Action: string(action)}
}

func (s *PublisherSuite) actions(pub *Publisher) []string {
	events, err := pub.List(context.Background(), s.subject)
	s.Require().NoError(err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}

// =============================================================================
// Synchronous mode
// =============================================================================

func (s *PublisherSuite) TestSyncKeepsOrderPerSubject() {
	pub := NewPublisher(s.store)
	defer pub.Close()
	ctx := context.Background()

	s.Require().NoError(pub.Emit(ctx, s.event(audit.EventSessionResolved)))
	s.Require().NoError(pub.Emit(ctx, s.event(audit.EventReceiptApproved)))
	s.Require().NoError(pub.Emit(ctx, audit.Event{SubjectID: "someone-else", Action: string(audit.EventReceiptRejected)}))
	s.Require().NoError(pub.Emit(ctx, s.event(audit.EventBalanceCredited)))

	s.Equal([]string{
		string(audit.EventSessionResolved),
		string(audit.EventReceiptApproved),
		string(audit.EventBalanceCredited),
	}, s.actions(pub))
}

func (s *PublisherSuite) TestFillsTimestampAndCategory() {
	pub := NewPublisher(s.store)
	defer pub.Close()

	before := time.Now()
	s.Require().NoError(pub.Emit(context.Background(), s.event(audit.EventSignInLocked)))

	events, err := pub.List(context.Background(), s.subject)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.False(events[0].Timestamp.Before(before))
	s.Equal(audit.CategorySecurity, events[0].Category)
}

func (s *PublisherSuite) TestKeepsCallerTimestampAndCategory() {
	pub := NewPublisher(s.store)
	defer pub.Close()

	at := time.Date(2025, 6, 30, 9, 0, 0, 0, time.UTC)
	e := s.event(audit.EventReceiptApproved)
	e.Timestamp = at
	e.Category = audit.CategoryOperations
	s.Require().NoError(pub.Emit(context.Background(), e))

	events, err := pub.List(context.Background(), s.subject)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(at, events[0].Timestamp)
	s.Equal(audit.CategoryOperations, events[0].Category)
}

func (s *PublisherSuite) TestListNeedsListingStore() {
	pub := NewPublisher(appendOnly{})
	_, err := pub.List(context.Background(), s.subject)
	s.Error(err)
}

// =============================================================================
// Buffered mode
// =============================================================================

func (s *PublisherSuite) TestCloseDrainsBuffer() {
	pub := NewPublisher(s.store, WithAsyncBuffer(16))
	for range 12 {
		s.Require().NoError(pub.Emit(context.Background(), s.event(audit.EventReceiptApproved)))
	}
	pub.Close()

	events, err := s.store.ListBySubject(context.Background(), s.subject)
	s.Require().NoError(err)
	s.Len(events, 12)
}

func (s *PublisherSuite) TestFullBufferDropsEvent() {
	store := newGatedStore()
	pub := NewPublisher(store, WithAsyncBuffer(1))

	// First event parks the drain goroutine inside Append.
	s.Require().NoError(pub.Emit(context.Background(), s.event(audit.EventReceiptApproved)))
	<-store.entered
	// Second one sits in the buffer.
	s.Require().NoError(pub.Emit(context.Background(), s.event(audit.EventReceiptApproved)))

	err := pub.Emit(context.Background(), s.event(audit.EventReceiptRejected))
	s.ErrorIs(err, ErrBufferFull)

	close(store.release)
	pub.Close()
	s.Equal(2, store.count)
}

func (s *PublisherSuite) TestCancelledContextIsRejected() {
	pub := NewPublisher(s.store, WithAsyncBuffer(4))
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.ErrorIs(pub.Emit(ctx, s.event(audit.EventReceiptApproved)), context.Canceled)
}

func (s *PublisherSuite) TestEmitAfterCloseFails() {
	pub := NewPublisher(s.store, WithAsyncBuffer(4))
	pub.Close()
	pub.Close()

	s.Error(pub.Emit(context.Background(), s.event(audit.EventReceiptRejected)))
}

type appendOnly struct{}

func (appendOnly) Append(context.Context, audit.Event) error { return nil }

// gatedStore blocks every Append until release is closed.
type gatedStore struct {
	entered chan struct{}
	release chan struct{}
	count   int
}

func newGatedStore() *gatedStore {
	return &gatedStore{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gatedStore) Append(ctx context.Context, _ audit.Event) error {
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.count++
	return nil
}

func TestAppendErrorsAreLoggedNotReturned(t *testing.T) {
	pub := NewPublisher(failing{}, WithAsyncBuffer(2))
	require.NoError(t, pub.Emit(context.Background(), audit.Event{Action: string(audit.EventReceiptApproved)}))
	pub.Close()
}

type failing struct{}

func (failing) Append(context.Context, audit.Event) error { return errors.New("disk full") }
