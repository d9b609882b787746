// Package gateway calls the privileged approveReceipt callable over HTTP.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"receiptflow/internal/approval"
	"receiptflow/internal/approval/metrics"
	dErrors "receiptflow/pkg/domain-errors"
	"receiptflow/pkg/platform/circuit"
	"receiptflow/pkg/requestcontext"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
	callablePath   = "/approveReceipt"
)

// Client is an approval.Gateway. Transport failures and 5xx responses count
// against the circuit breaker; callable errors such as PERMISSION_DENIED do
// not.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuit.Breaker
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(cl *Client) {
		cl.breaker = b
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) {
		cl.metrics = m
	}
}

// New targets the callable mounted at baseURL, e.g. http://host/rpc.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		breaker:    circuit.New("approve-receipt"),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ApproveReceipt forwards the caller's bearer token from the request context.
func (c *Client) ApproveReceipt(ctx context.Context, req approval.ApproveRequest) (*approval.ApproveResult, error) {
	if !c.breaker.Allow() {
		return nil, dErrors.New(dErrors.CodeUnavailable, "approval gateway circuit open")
	}

	result, err := c.call(ctx, req)
	var callErr *approval.CallError
	switch {
	case err == nil:
		c.recordSuccess(ctx)
	case errors.As(err, &callErr) && !isServerFault(callErr.Status):
		// the callable answered; the dependency is healthy
		c.recordSuccess(ctx)
	default:
		c.recordFailure(ctx, err)
	}
	return result, err
}

func (c *Client) call(ctx context.Context, req approval.ApproveRequest) (*approval.ApproveResult, error) {
	body, err := json.Marshal(approval.CallRequest{Data: req})
	if err != nil {
		return nil, fmt.Errorf("encode callable request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+callablePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build callable request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token := requestcontext.BearerToken(ctx); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		httpReq.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call approveReceipt: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read callable response: %w", err)
	}
	var envelope approval.CallResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode callable response (status %d): %w", resp.StatusCode, err)
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("approveReceipt returned status %d", resp.StatusCode)
	}
	if envelope.Result == nil {
		return nil, errors.New("approveReceipt returned no result")
	}
	return envelope.Result, nil
}

func isServerFault(status string) bool {
	return status == approval.StatusInternal || status == approval.StatusUnavailable
}

func (c *Client) recordSuccess(ctx context.Context) {
	_, change := c.breaker.RecordSuccess()
	if change.Closed {
		c.logger.InfoContext(ctx, "approval gateway circuit closed", "breaker", c.breaker.Name())
		c.metrics.SetCircuitOpen(false)
	}
}

func (c *Client) recordFailure(ctx context.Context, err error) {
	_, change := c.breaker.RecordFailure()
	if change.Opened {
		c.logger.WarnContext(ctx, "approval gateway circuit opened",
			"breaker", c.breaker.Name(),
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		c.metrics.SetCircuitOpen(true)
	}
}
