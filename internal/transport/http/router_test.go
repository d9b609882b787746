package httptransport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"receiptflow/internal/identity"
	"receiptflow/internal/identity/jwtprovider"
	"receiptflow/internal/ratelimit"
	lockoutmemory "receiptflow/internal/ratelimit/store/memory"
	"receiptflow/internal/receipts/models"
	"receiptflow/internal/receipts/store/memory"
	"receiptflow/internal/review/mocks"
	httptransport "receiptflow/internal/transport/http"
	dErrors "receiptflow/pkg/domain-errors"
)

// =============================================================================
// Router Test Suite
// =============================================================================
// Justification: the router's value is in how middleware, the account
// provider, the receipt store and the confirmation gate compose; the suite
// drives a real server with only the approval coordinator mocked.

type RouterSuite struct {
	suite.Suite
	ctrl        *gomock.Controller
	coordinator *mocks.MockCoordinator
	store       *memory.Store
	provider    *jwtprovider.Provider
	clock       *clockwork.FakeClock
	server      *httptest.Server

	superadminToken string
	adminToken      string
	ambassadorToken string
	ambassadorID    string
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	ctx := context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.coordinator = mocks.NewMockCoordinator(s.ctrl)
	s.store = memory.New()
	s.clock = clockwork.NewFakeClock()

	issuer := jwtprovider.NewIssuer("test-signing-key", "receiptflow-test", "receiptflow")
	dir := jwtprovider.NewDirectory(issuer, time.Hour)
	s.provider = jwtprovider.NewProvider(issuer, dir, identity.New(identity.NewHolder()))
	sessions := identity.New(identity.NewHolder(), identity.WithProvider(s.provider))

	root, err := s.provider.Bootstrap(ctx, "root@example.com", "root-pw")
	s.Require().NoError(err)
	superadmin := &identity.Session{SubjectID: root.SubjectID, Role: identity.RoleSuperadmin}
	_, err = s.provider.Register(ctx, superadmin, "admin@example.com", "admin-pw", identity.RoleAdmin)
	s.Require().NoError(err)
	amb, err := s.provider.Register(ctx, superadmin, "amb@example.com", "amb-pw", identity.RoleAmbassador)
	s.Require().NoError(err)
	s.ambassadorID = amb.SubjectID.String()

	signIns, err := ratelimit.New(lockoutmemory.New(), ratelimit.WithConfig(ratelimit.Config{
		AttemptsPerWindow: 3,
		Window:            time.Minute,
		LockDuration:      time.Minute,
	}))
	s.Require().NoError(err)

	h := httptransport.NewHandler(httptransport.Config{
		Accounts:        s.provider,
		SignIns:         signIns,
		Sessions:        sessions,
		Backend:         s.store,
		Coordinator:     s.coordinator,
		RefreshInterval: time.Minute,
		Clock:           s.clock,
	})
	s.server = httptest.NewServer(httptransport.NewRouter(h))

	s.superadminToken = s.login("root@example.com", "root-pw")
	s.adminToken = s.login("admin@example.com", "admin-pw")
	s.ambassadorToken = s.login("amb@example.com", "amb-pw")
}

func (s *RouterSuite) TearDownTest() {
	s.server.Close()
}

func (s *RouterSuite) do(method, path, token string, body any) (*http.Response, map[string]any) {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.server.URL+path, &buf)
	s.Require().NoError(err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (s *RouterSuite) login(address, password string) string {
	resp, body := s.do(http.MethodPost, "/auth/login", "", map[string]string{"email": address, "password": password})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	token, _ := body["token"].(string)
	s.Require().NotEmpty(token)
	return token
}

func (s *RouterSuite) submit(token string, amount float64) string {
	resp, body := s.do(http.MethodPost, "/receipts", token, map[string]any{
		"senderTgId": "tg-1",
		"amount":     amount,
		"currency":   "usd",
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	receiptID, _ := body["id"].(string)
	return receiptID
}

func (s *RouterSuite) TestHealth() {
	resp, body := s.do(http.MethodGet, "/healthz", "", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("ok", body["status"])
}

func (s *RouterSuite) TestLogin() {
	s.Run("wrong password is unauthorized", func() {
		resp, body := s.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "admin@example.com", "password": "nope"})
		s.Equal(http.StatusUnauthorized, resp.StatusCode)
		s.Equal(string(dErrors.CodeUnauthorized), body["error"])
	})

	s.Run("missing fields are rejected before the provider", func() {
		resp, _ := s.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "admin@example.com"})
		s.Equal(http.StatusBadRequest, resp.StatusCode)
	})

	s.Run("unknown fields are rejected", func() {
		resp, _ := s.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "a@b.c", "password": "x", "extra": "y"})
		s.Equal(http.StatusBadRequest, resp.StatusCode)
	})
}

func (s *RouterSuite) TestLoginLockout() {
	for range 3 {
		resp, _ := s.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "amb@example.com", "password": "wrong"})
		s.Require().Equal(http.StatusUnauthorized, resp.StatusCode)
	}

	resp, body := s.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "amb@example.com", "password": "amb-pw"})
	s.Equal(http.StatusTooManyRequests, resp.StatusCode)
	s.Equal(string(dErrors.CodeRateLimited), body["error"])
	s.Equal("60", resp.Header.Get("Retry-After"))

	s.Run("other accounts are unaffected", func() {
		s.NotEmpty(s.login("admin@example.com", "admin-pw"))
	})
}

func (s *RouterSuite) TestMe() {
	s.Run("requires a token", func() {
		resp, _ := s.do(http.MethodGet, "/me", "", nil)
		s.Equal(http.StatusUnauthorized, resp.StatusCode)
	})

	s.Run("returns the session with its display name", func() {
		resp, body := s.do(http.MethodGet, "/me", s.adminToken, nil)
		s.Equal(http.StatusOK, resp.StatusCode)
		s.Equal(string(identity.RoleAdmin), body["role"])
		s.Equal("Admin", body["displayName"])
		s.Equal(true, body["canReview"])
	})
}

func (s *RouterSuite) TestReceiptsAreScopedByRole() {
	s.submit(s.ambassadorToken, 10)
	s.submit(s.adminToken, 20)

	resp, body := s.do(http.MethodGet, "/receipts", s.ambassadorToken, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Len(body["receipts"], 1)

	resp, body = s.do(http.MethodGet, "/receipts", s.adminToken, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Len(body["receipts"], 2)
}

func (s *RouterSuite) TestCreateReceiptValidation() {
	resp, body := s.do(http.MethodPost, "/receipts", s.ambassadorToken, map[string]any{
		"senderTgId": "tg-1",
		"amount":     -5,
		"currency":   "USD",
	})
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal(string(dErrors.CodeValidation), body["error"])
}

func (s *RouterSuite) TestReceiptActions() {
	receiptID := s.submit(s.ambassadorToken, 12.5)

	s.Run("ambassadors cannot act", func() {
		resp, _ := s.do(http.MethodPost, "/receipts/"+receiptID+"/approve", s.ambassadorToken, nil)
		s.Equal(http.StatusForbidden, resp.StatusCode)
	})

	s.Run("unknown action is not found", func() {
		resp, _ := s.do(http.MethodPost, "/receipts/"+receiptID+"/archive", s.adminToken, nil)
		s.Equal(http.StatusNotFound, resp.StatusCode)
	})

	s.Run("unknown receipt is not found", func() {
		resp, _ := s.do(http.MethodPost, "/receipts/missing/approve", s.adminToken, nil)
		s.Equal(http.StatusNotFound, resp.StatusCode)
	})

	s.Run("remote failure is a bad gateway", func() {
		s.coordinator.EXPECT().Approve(gomock.Any(), gomock.Any()).
			Return(dErrors.New(dErrors.CodeRemoteAction, "approval failed"))
		resp, body := s.do(http.MethodPost, "/receipts/"+receiptID+"/approve", s.adminToken, nil)
		s.Equal(http.StatusBadGateway, resp.StatusCode)
		s.Equal("approval failed", body["error_description"])
	})

	s.Run("reject runs through the coordinator", func() {
		s.coordinator.EXPECT().Reject(gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, r models.Receipt) error {
				return s.store.UpdateStatus(ctx, r.ID, models.StatusRejected)
			})
		resp, body := s.do(http.MethodPost, "/receipts/"+receiptID+"/reject", s.adminToken, nil)
		s.Equal(http.StatusOK, resp.StatusCode)
		s.Equal(string(models.StatusRejected), body["status"])
	})

	s.Run("terminal receipts cannot be acted on again", func() {
		resp, _ := s.do(http.MethodPost, "/receipts/"+receiptID+"/approve", s.adminToken, nil)
		s.Equal(http.StatusConflict, resp.StatusCode)
	})
}

func (s *RouterSuite) TestAdminEndpoints() {
	s.Run("reviewers may register ambassadors", func() {
		resp, body := s.do(http.MethodPost, "/admin/users", s.adminToken, map[string]string{
			"email":    "new@example.com",
			"password": "pw",
		})
		s.Equal(http.StatusCreated, resp.StatusCode)
		s.Equal(string(identity.RoleAmbassador), body["role"])
		s.NotContains(body, "PasswordHash")
	})

	s.Run("only superadmins may register reviewers", func() {
		resp, _ := s.do(http.MethodPost, "/admin/users", s.adminToken, map[string]string{
			"email":    "rev@example.com",
			"password": "pw",
			"role":     "admin",
		})
		s.Equal(http.StatusForbidden, resp.StatusCode)
	})

	s.Run("only superadmins may change roles", func() {
		resp, _ := s.do(http.MethodPut, "/admin/users/"+s.ambassadorID+"/role", s.adminToken, map[string]string{"role": "admin"})
		s.Equal(http.StatusForbidden, resp.StatusCode)

		resp, _ = s.do(http.MethodPut, "/admin/users/"+s.ambassadorID+"/role", s.superadminToken, map[string]string{"role": "admin"})
		s.Equal(http.StatusNoContent, resp.StatusCode)

		resp, body := s.do(http.MethodGet, "/me", s.ambassadorToken, nil)
		s.Require().Equal(http.StatusOK, resp.StatusCode)
		s.Equal(string(identity.RoleAdmin), body["role"])
	})
}

func (s *RouterSuite) TestLogoutRevokesToken() {
	resp, _ := s.do(http.MethodPost, "/auth/logout", s.adminToken, nil)
	s.Equal(http.StatusNoContent, resp.StatusCode)

	resp, _ = s.do(http.MethodGet, "/me", s.adminToken, nil)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

type streamMessage struct {
	Type      string           `json:"type"`
	Receipts  []models.Receipt `json:"receipts"`
	NoSession bool             `json:"noSession"`
	Message   string           `json:"message"`
}

func (s *RouterSuite) dial(path, token string) *websocket.Conn {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + path
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	s.Require().NoError(err)
	return conn
}

func readUntil[T any](s *RouterSuite, conn *websocket.Conn, done func(T) bool) T {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var msg T
		s.Require().NoError(wsjson.Read(ctx, conn, &msg))
		if done(msg) {
			return msg
		}
	}
}

func (s *RouterSuite) TestStreamFollowsWrites() {
	conn := s.dial("/receipts/stream", s.ambassadorToken)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readUntil(s, conn, func(m streamMessage) bool { return m.Type == "snapshot" && !m.NoSession })

	receiptID := s.submit(s.ambassadorToken, 3)
	msg := readUntil(s, conn, func(m streamMessage) bool { return len(m.Receipts) == 1 })
	s.Equal(receiptID, msg.Receipts[0].ID.String())
}

func (s *RouterSuite) TestStreamSignsOutAfterLogout() {
	conn := s.dial("/receipts/stream", s.ambassadorToken)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readUntil(s, conn, func(m streamMessage) bool { return m.Type == "snapshot" && !m.NoSession })

	resp, _ := s.do(http.MethodPost, "/auth/logout", s.ambassadorToken, nil)
	s.Require().Equal(http.StatusNoContent, resp.StatusCode)

	s.clock.Advance(time.Minute)
	readUntil(s, conn, func(m streamMessage) bool { return m.NoSession })
}

func (s *RouterSuite) TestDeskRequiresReviewer() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/desk"
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + s.ambassadorToken}},
	})
	s.Require().Error(err)
	s.Equal(http.StatusForbidden, resp.StatusCode)
}

type deskMessage struct {
	Type string `json:"type"`
	View struct {
		Loading bool `json:"loading"`
		Rows    []struct {
			Receipt models.Receipt `json:"receipt"`
			Actions []string       `json:"actions"`
		} `json:"rows"`
		Confirmation *struct {
			Kind string `json:"kind"`
		} `json:"confirmation"`
		Notice *struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"notice"`
	} `json:"view"`
	Error string `json:"error"`
}

func (s *RouterSuite) TestDeskConfirmFlow() {
	receiptID := s.submit(s.ambassadorToken, 8)
	conn := s.dial("/desk", s.adminToken)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	view := readUntil(s, conn, func(m deskMessage) bool { return m.Type == "view" && len(m.View.Rows) == 1 })
	s.ElementsMatch([]string{"approve", "reject"}, view.View.Rows[0].Actions)

	s.coordinator.EXPECT().Approve(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, r models.Receipt) error {
			_, err := s.store.ApproveAndCredit(ctx, r.ID, r.SenderID, r.Amount)
			return err
		})

	s.Require().NoError(wsjson.Write(ctx, conn, map[string]string{
		"type": "open_confirmation", "receiptId": receiptID, "action": "approve",
	}))
	readUntil(s, conn, func(m deskMessage) bool { return m.View.Confirmation != nil })

	s.Require().NoError(wsjson.Write(ctx, conn, map[string]string{"type": "confirm"}))
	done := readUntil(s, conn, func(m deskMessage) bool {
		return m.View.Notice != nil && m.View.Confirmation == nil
	})
	s.Equal("Receipt approved", done.View.Notice.Message)

	balance, err := s.store.Balance(ctx, "tg-1")
	s.Require().NoError(err)
	s.InDelta(8.0, balance, 1e-9)
}

func (s *RouterSuite) TestActionWaitsForOpenDeskConfirmation() {
	receiptID := s.submit(s.ambassadorToken, 4)
	other := s.submit(s.ambassadorToken, 6)
	conn := s.dial("/desk", s.adminToken)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	readUntil(s, conn, func(m deskMessage) bool { return m.Type == "view" && len(m.View.Rows) == 2 })

	s.Require().NoError(wsjson.Write(ctx, conn, map[string]string{
		"type": "open_confirmation", "receiptId": receiptID, "action": "approve",
	}))
	readUntil(s, conn, func(m deskMessage) bool { return m.View.Confirmation != nil })

	resp, _ := s.do(http.MethodPost, "/receipts/"+other+"/reject", s.adminToken, nil)
	s.Equal(http.StatusConflict, resp.StatusCode)

	s.coordinator.EXPECT().Approve(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, r models.Receipt) error {
			s.Equal(receiptID, r.ID.String())
			_, err := s.store.ApproveAndCredit(ctx, r.ID, r.SenderID, r.Amount)
			return err
		})
	s.Require().NoError(wsjson.Write(ctx, conn, map[string]string{"type": "confirm"}))
	done := readUntil(s, conn, func(m deskMessage) bool {
		return m.View.Notice != nil && m.View.Confirmation == nil
	})
	s.Equal("Receipt approved", done.View.Notice.Message)
}

func (s *RouterSuite) TestDeskReportsBadCommands() {
	conn := s.dial("/desk", s.adminToken)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(wsjson.Write(ctx, conn, map[string]string{"type": "open_detail", "receiptId": "missing"}))
	msg := readUntil(s, conn, func(m deskMessage) bool { return m.Type == "error" })
	s.Equal(string(dErrors.CodeNotFound), msg.Error)
}

func TestHealthReportsFailingProbe(t *testing.T) {
	h := httptransport.NewHandler(httptransport.Config{
		Backend: memory.New(),
		Probes: map[string]func(context.Context) error{
			"redis": func(context.Context) error { return nil },
			"kafka": func(context.Context) error { return errors.New("no brokers") },
		},
	})
	rec := httptest.NewRecorder()
	httptransport.NewRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, map[string]string{"redis": "ok", "kafka": "unavailable"}, body.Checks)
}
