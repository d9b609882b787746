package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receiptflow/internal/approval"
	"receiptflow/internal/approval/metrics"
	"receiptflow/internal/platform/logger"
	dErrors "receiptflow/pkg/domain-errors"
	"receiptflow/pkg/platform/circuit"
	"receiptflow/pkg/requestcontext"
)

var approveReq = approval.ApproveRequest{ReceiptID: "r1", SenderID: "t1", Amount: 50}

func TestApproveReceipt_SendsEnvelopeAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rpc/approveReceipt", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var call approval.CallRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		assert.Equal(t, approveReq, call.Data)

		_ = json.NewEncoder(w).Encode(approval.CallResponse{
			Result: &approval.ApproveResult{ReceiptID: "r1", Balance: 75},
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/rpc", WithLogger(logger.Discard()))
	ctx := requestcontext.WithBearerToken(context.Background(), "tok-1")

	res, err := c.ApproveReceipt(ctx, approveReq)
	require.NoError(t, err)
	assert.Equal(t, 75.0, res.Balance)
}

func TestApproveReceipt_CallableErrorDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(approval.CallResponse{
			Error: &approval.CallError{Status: approval.StatusPermissionDenied, Message: "admin role required"},
		})
	}))
	defer srv.Close()

	breaker := circuit.New("test", circuit.WithFailureThreshold(1))
	c := New(srv.URL, WithBreaker(breaker), WithLogger(logger.Discard()))

	for range 3 {
		_, err := c.ApproveReceipt(context.Background(), approveReq)
		var callErr *approval.CallError
		require.ErrorAs(t, err, &callErr)
		assert.Equal(t, approval.StatusPermissionDenied, callErr.Status)
	}
	assert.False(t, breaker.IsOpen())
}

func TestApproveReceipt_OpenCircuitFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry())
	c := New(srv.URL,
		WithBreaker(circuit.New("test", circuit.WithFailureThreshold(2))),
		WithLogger(logger.Discard()),
		WithMetrics(m),
	)

	for range 2 {
		_, err := c.ApproveReceipt(context.Background(), approveReq)
		require.Error(t, err)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GatewayCircuit))

	_, err := c.ApproveReceipt(context.Background(), approveReq)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnavailable))
	assert.Equal(t, int32(2), calls.Load(), "open circuit must not reach the server")
}
