package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"receiptflow/internal/ratelimit"
	"receiptflow/internal/ratelimit/store/memory"
	"receiptflow/pkg/platform/audit"
	"receiptflow/pkg/requestcontext"
)

// =============================================================================
// Sign-in Lockout Service Suite
// =============================================================================
// Justification: lock decisions depend on request-scoped time across several
// calls; the suite pins the clock through the context.

type recordingAuditor struct {
	events []audit.Event
}

func (r *recordingAuditor) Emit(_ context.Context, event audit.Event) error {
	r.events = append(r.events, event)
	return nil
}

type LockoutServiceSuite struct {
	suite.Suite
	service *ratelimit.Service
	auditor *recordingAuditor
	now     time.Time
}

func TestLockoutServiceSuite(t *testing.T) {
	suite.Run(t, new(LockoutServiceSuite))
}

func (s *LockoutServiceSuite) SetupTest() {
	s.auditor = &recordingAuditor{}
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var err error
	s.service, err = ratelimit.New(memory.New(),
		ratelimit.WithAuditPublisher(s.auditor),
		ratelimit.WithConfig(ratelimit.Config{
			AttemptsPerWindow: 3,
			Window:            time.Minute,
			LockDuration:      5 * time.Minute,
		}),
	)
	s.Require().NoError(err)
}

func (s *LockoutServiceSuite) ctx() context.Context {
	return requestcontext.WithTime(context.Background(), s.now)
}

func (s *LockoutServiceSuite) fail(times int) {
	for range times {
		_, err := s.service.RecordFailure(s.ctx(), "amb@example.com", "10.0.0.1")
		s.Require().NoError(err)
	}
}

func (s *LockoutServiceSuite) TestNewRequiresStore() {
	_, err := ratelimit.New(nil)
	s.Error(err)
}

func (s *LockoutServiceSuite) TestUnknownPairIsAllowed() {
	res, err := s.service.Check(s.ctx(), "amb@example.com", "10.0.0.1")
	s.Require().NoError(err)
	s.True(res.Allowed)
	s.Equal(3, res.Remaining)
}

func (s *LockoutServiceSuite) TestLocksAfterWindowAttempts() {
	s.fail(2)
	res, err := s.service.Check(s.ctx(), "amb@example.com", "10.0.0.1")
	s.Require().NoError(err)
	s.True(res.Allowed)
	s.Equal(1, res.Remaining)
	s.Empty(s.auditor.events)

	s.fail(1)
	res, err = s.service.Check(s.ctx(), "amb@example.com", "10.0.0.1")
	s.Require().NoError(err)
	s.False(res.Allowed)
	s.Equal(5*time.Minute, res.RetryAfter)

	s.Require().Len(s.auditor.events, 1)
	s.Equal(string(audit.EventSignInLocked), s.auditor.events[0].Action)
	s.Equal(audit.CategorySecurity, s.auditor.events[0].Category)
}

func (s *LockoutServiceSuite) TestLockIsPerAddress() {
	s.fail(3)
	res, err := s.service.Check(s.ctx(), "amb@example.com", "10.0.0.2")
	s.Require().NoError(err)
	s.True(res.Allowed)
}

func (s *LockoutServiceSuite) TestLockExpires() {
	s.fail(3)
	s.now = s.now.Add(5 * time.Minute)
	res, err := s.service.Check(s.ctx(), "amb@example.com", "10.0.0.1")
	s.Require().NoError(err)
	s.True(res.Allowed)
	s.Equal(3, res.Remaining, "the window has also elapsed")
}

func (s *LockoutServiceSuite) TestWindowRestartsCount() {
	s.fail(2)
	s.now = s.now.Add(2 * time.Minute)
	s.fail(2)
	res, err := s.service.Check(s.ctx(), "amb@example.com", "10.0.0.1")
	s.Require().NoError(err)
	s.True(res.Allowed)
	s.Equal(1, res.Remaining)
}

func (s *LockoutServiceSuite) TestClear() {
	s.fail(3)
	s.Require().NoError(s.service.Clear(s.ctx(), "amb@example.com", "10.0.0.1"))
	res, err := s.service.Check(s.ctx(), "amb@example.com", "10.0.0.1")
	s.Require().NoError(err)
	s.True(res.Allowed)
}

type failingStore struct{ memory.Store }

func (*failingStore) Get(context.Context, string) (*ratelimit.Lockout, error) {
	return nil, errors.New("store down")
}

func (s *LockoutServiceSuite) TestStoreErrorIsInternal() {
	svc, err := ratelimit.New(&failingStore{})
	s.Require().NoError(err)
	_, err = svc.Check(s.ctx(), "amb@example.com", "10.0.0.1")
	s.Error(err)
}
