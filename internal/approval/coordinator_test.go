package approval_test

//go:generate mockgen -source=coordinator.go -destination=mocks/coordinator-mocks.go -package=mocks Gateway,StatusWriter,AuditPublisher

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"receiptflow/internal/approval"
	"receiptflow/internal/approval/metrics"
	"receiptflow/internal/approval/mocks"
	"receiptflow/internal/platform/logger"
	"receiptflow/internal/receipts/models"
	dErrors "receiptflow/pkg/domain-errors"
	audit "receiptflow/pkg/platform/audit"
	"receiptflow/pkg/requestcontext"
)

// =============================================================================
// Approval Coordinator Test Suite
// =============================================================================
// Justification: the coordinator is the boundary between reviewer intent and
// two very different backends; these tests pin which one each action reaches
// and how failures are classified.

type CoordinatorSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	gateway *mocks.MockGateway
	writer  *mocks.MockStatusWriter
	auditor *mocks.MockAuditPublisher
	metrics *metrics.Metrics
	coord   *approval.Coordinator
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.gateway = mocks.NewMockGateway(s.ctrl)
	s.writer = mocks.NewMockStatusWriter(s.ctrl)
	s.auditor = mocks.NewMockAuditPublisher(s.ctrl)
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.coord = approval.New(s.gateway, s.writer,
		approval.WithLogger(logger.Discard()),
		approval.WithAuditPublisher(s.auditor),
		approval.WithMetrics(s.metrics),
	)
}

func (s *CoordinatorSuite) TearDownTest() {
	s.ctrl.Finish()
}

func pendingReceipt() models.Receipt {
	return models.Receipt{
		ID:       "r1",
		OwnerID:  "amb-1",
		SenderID: "t1",
		Amount:   50,
		Currency: "USD",
		Status:   models.StatusPending,
	}
}

func (s *CoordinatorSuite) expectAudit(action audit.AuditEvent) {
	s.auditor.EXPECT().Emit(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, ev audit.Event) error {
			s.Equal(string(action), ev.Action)
			s.Equal("r1", ev.ReceiptID)
			s.Equal("reviewer-1", ev.ActorID)
			return nil
		})
}

func (s *CoordinatorSuite) ctx() context.Context {
	return requestcontext.WithSubjectID(context.Background(), "reviewer-1")
}

func (s *CoordinatorSuite) TestApprove() {
	s.Run("calls the gateway with id, sender and amount only", func() {
		s.gateway.EXPECT().ApproveReceipt(gomock.Any(), approval.ApproveRequest{
			ReceiptID: "r1", SenderID: "t1", Amount: 50,
		}).Return(&approval.ApproveResult{ReceiptID: "r1", Balance: 50}, nil)
		s.expectAudit(audit.EventReceiptApproved)

		r := pendingReceipt()
		s.Require().NoError(s.coord.Approve(s.ctx(), r))
		s.Equal(models.StatusPending, r.Status, "no local mutation")
	})

	s.Run("gateway failure is a remote action error", func() {
		s.gateway.EXPECT().ApproveReceipt(gomock.Any(), gomock.Any()).
			Return(nil, &approval.CallError{Status: approval.StatusPermissionDenied, Message: "admin role required"})
		s.expectAudit(audit.EventReceiptActionFailed)

		err := s.coord.Approve(s.ctx(), pendingReceipt())
		s.True(dErrors.Is(err, dErrors.CodeRemoteAction))
		var callErr *approval.CallError
		s.ErrorAs(err, &callErr)
	})

	s.Run("invalid receipts never reach the gateway", func() {
		for name, mutate := range map[string]func(*models.Receipt){
			"missing id":      func(r *models.Receipt) { r.ID = "" },
			"missing sender":  func(r *models.Receipt) { r.SenderID = "" },
			"zero amount":     func(r *models.Receipt) { r.Amount = 0 },
			"negative amount": func(r *models.Receipt) { r.Amount = -1 },
		} {
			r := pendingReceipt()
			mutate(&r)
			err := s.coord.Approve(s.ctx(), r)
			s.True(dErrors.Is(err, dErrors.CodeValidation), name)
		}
	})

	s.Equal(1.0, testutil.ToFloat64(s.metrics.Actions.WithLabelValues(metrics.ActionApprove, metrics.OutcomeSucceeded)))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Actions.WithLabelValues(metrics.ActionApprove, metrics.OutcomeFailed)))
	s.Equal(4.0, testutil.ToFloat64(s.metrics.Actions.WithLabelValues(metrics.ActionApprove, metrics.OutcomeInvalid)))
}

func (s *CoordinatorSuite) TestReject() {
	s.Run("writes rejected directly", func() {
		s.writer.EXPECT().UpdateStatus(gomock.Any(), gomock.Eq(pendingReceipt().ID), models.StatusRejected).Return(nil)
		s.expectAudit(audit.EventReceiptRejected)

		s.Require().NoError(s.coord.Reject(s.ctx(), pendingReceipt()))
	})

	s.Run("store failure is a store write error", func() {
		s.writer.EXPECT().UpdateStatus(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("permission denied"))
		s.expectAudit(audit.EventReceiptActionFailed)

		err := s.coord.Reject(s.ctx(), pendingReceipt())
		s.True(dErrors.Is(err, dErrors.CodeStoreWrite))
	})

	s.Run("missing id is a validation error", func() {
		r := pendingReceipt()
		r.ID = ""
		err := s.coord.Reject(s.ctx(), r)
		s.True(dErrors.Is(err, dErrors.CodeValidation))
	})
}

func (s *CoordinatorSuite) TestNoDeduplication() {
	s.gateway.EXPECT().ApproveReceipt(gomock.Any(), gomock.Any()).
		Return(&approval.ApproveResult{}, nil).Times(2)
	s.auditor.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	s.Require().NoError(s.coord.Approve(s.ctx(), pendingReceipt()))
	s.Require().NoError(s.coord.Approve(s.ctx(), pendingReceipt()))
}
