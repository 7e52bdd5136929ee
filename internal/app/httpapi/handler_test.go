package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	app "github.com/R3E-Network/token_economy/internal/app"
	"github.com/R3E-Network/token_economy/internal/app/epoch"
	"github.com/R3E-Network/token_economy/internal/app/governance"
	"github.com/R3E-Network/token_economy/pkg/logger"
)

var testSecret = []byte("test-governance-secret")

type testServer struct {
	handler http.Handler
	clock   *epoch.Manual
	issuer  *governance.Issuer
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	clock := epoch.NewManual(0)
	application, err := app.New(app.Stores{}, app.Options{
		Clock:      clock,
		Authorizer: governance.NewVerifier(testSecret, "test"),
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	opts.Log = logger.NewNop()
	handler, err := NewHandler(application, opts)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return &testServer{
		handler: handler,
		clock:   clock,
		issuer:  governance.NewIssuer(testSecret, "test", time.Hour),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	return resp
}

// operatorToken signs an operator approval for action.
func (s *testServer) operatorToken(t *testing.T, action governance.Action) string {
	t.Helper()
	token, err := s.issuer.Issue("ops", governance.RoleOperator, action, "")
	if err != nil {
		t.Fatalf("issue operator token: %v", err)
	}
	return token
}

func expectStatus(t *testing.T, resp *httptest.ResponseRecorder, want int) {
	t.Helper()
	if resp.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, resp.Code, resp.Body.String())
	}
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHandlerLifecycle(t *testing.T) {
	s := newTestServer(t, Options{})
	deposit := s.operatorToken(t, governance.ActionDeposit)

	expectStatus(t, s.do(t, http.MethodPost, "/v1/accounts/alice/deposit", map[string]any{"amount": 2}, deposit), http.StatusOK)

	resp := s.do(t, http.MethodPost, "/v1/accounts/alice/convert", map[string]any{"amount": 1}, "")
	expectStatus(t, resp, http.StatusOK)
	converted := decode[struct {
		Credits uint64 `json:"credits"`
	}](t, resp)
	if converted.Credits != 1000 {
		t.Fatalf("expected 1000 credits, got %d", converted.Credits)
	}

	expectStatus(t, s.do(t, http.MethodPost, "/v1/targets", map[string]any{"id": "svc", "owner": "ops"}, s.operatorToken(t, governance.ActionTarget)), http.StatusCreated)
	expectStatus(t, s.do(t, http.MethodPost, "/v1/accounts/alice/stakes/svc", map[string]any{"amount": 500}, ""), http.StatusOK)

	s.clock.Advance(time.Minute)
	expectStatus(t, s.do(t, http.MethodPost, "/v1/accounts/alice/spend", map[string]any{"target": "svc", "amount": 100}, ""), http.StatusOK)

	resp = s.do(t, http.MethodPost, "/v1/distribution/rounds/r1", nil, "")
	expectStatus(t, resp, http.StatusOK)
	result := decode[struct {
		RunID    string `json:"run_id"`
		Credited uint64 `json:"credited"`
	}](t, resp)
	// One usage event at base rate 1000; alice holds the whole target, kappa 2.
	if result.Credited != 2000 {
		t.Fatalf("expected 2000 credited, got %+v", result)
	}

	resp = s.do(t, http.MethodGet, "/v1/accounts/alice", nil, "")
	expectStatus(t, resp, http.StatusOK)
	acct := decode[map[string]any](t, resp)
	if acct["spendable_credits"].(float64) != 1000-500-100+2000 {
		t.Fatalf("unexpected spendable credits: %v", acct)
	}
	if acct["rewards_earned"].(float64) != 2000 {
		t.Fatalf("unexpected rewards earned: %v", acct)
	}

	resp = s.do(t, http.MethodGet, "/v1/accounts/alice/rewards", nil, "")
	expectStatus(t, resp, http.StatusOK)
	if receipts := decode[[]map[string]any](t, resp); len(receipts) != 1 {
		t.Fatalf("expected one receipt, got %d", len(receipts))
	}

	resp = s.do(t, http.MethodGet, "/v1/distribution/rounds/r1", nil, "")
	expectStatus(t, resp, http.StatusOK)

	resp = s.do(t, http.MethodGet, "/v1/accounts/alice/activity?category=reward", nil, "")
	expectStatus(t, resp, http.StatusOK)
	if entries := decode[[]map[string]any](t, resp); len(entries) != 1 {
		t.Fatalf("expected one reward entry, got %d", len(entries))
	}

	resp = s.do(t, http.MethodDelete, "/v1/accounts/alice/stakes/svc", nil, "")
	expectStatus(t, resp, http.StatusOK)
	if pos := decode[map[string]any](t, resp); pos["status"] != "closed" {
		t.Fatalf("expected closed position, got %v", pos)
	}

	resp = s.do(t, http.MethodGet, "/v1/audit?limit=3", nil, "")
	expectStatus(t, resp, http.StatusOK)
	if entries := decode[[]auditEntry](t, resp); len(entries) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(entries))
	}
}

func TestHandlerErrorMapping(t *testing.T) {
	s := newTestServer(t, Options{})
	targets := s.operatorToken(t, governance.ActionTarget)
	deposit := s.operatorToken(t, governance.ActionDeposit)
	expectStatus(t, s.do(t, http.MethodPost, "/v1/targets", map[string]any{"id": "svc"}, targets), http.StatusCreated)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		token  string
		status int
		code   string
	}{
		{"zero convert", http.MethodPost, "/v1/accounts/alice/convert", map[string]any{"amount": 0}, "", http.StatusBadRequest, "InvalidAmount"},
		{"unknown field", http.MethodPost, "/v1/accounts/alice/deposit", map[string]any{"amount": 1, "bogus": true}, deposit, http.StatusBadRequest, "BadRequest"},
		{"unknown account", http.MethodPost, "/v1/accounts/nobody/stakes/svc", map[string]any{"amount": 500}, "", http.StatusNotFound, "UnknownAccount"},
		{"unknown target", http.MethodGet, "/v1/targets/missing", nil, "", http.StatusNotFound, "UnknownTarget"},
		{"duplicate target", http.MethodPost, "/v1/targets", map[string]any{"id": "svc"}, targets, http.StatusConflict, "AlreadyApplied"},
		{"unknown run", http.MethodGet, "/v1/distribution/rounds/none", nil, "", http.StatusNotFound, "UnknownRun"},
		{"no approval", http.MethodPost, "/v1/exchange/rate", map[string]any{"rate": 5}, "", http.StatusUnauthorized, "Unauthorized"},
		{"bad ratio", http.MethodGet, "/v1/kappa?ratio=-1", nil, "", http.StatusBadRequest, "InvalidAmount"},
		{"bad epoch", http.MethodGet, "/v1/emission/policy?epoch=x", nil, "", http.StatusBadRequest, "BadRequest"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := s.do(t, tc.method, tc.path, tc.body, tc.token)
			expectStatus(t, resp, tc.status)
			body := decode[map[string]string](t, resp)
			if body["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body)
			}
		})
	}

	expectStatus(t, s.do(t, http.MethodPost, "/v1/accounts/bob/deposit", map[string]any{"amount": 1}, deposit), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodPost, "/v1/accounts/bob/convert", map[string]any{"amount": 1}, ""), http.StatusOK)
	resp := s.do(t, http.MethodPost, "/v1/accounts/bob/stakes/svc", map[string]any{"amount": 5000}, "")
	expectStatus(t, resp, http.StatusPaymentRequired)
}

func TestHandlerGovernance(t *testing.T) {
	s := newTestServer(t, Options{})

	rateToken, err := s.issuer.Issue("gov", governance.RoleApprover, governance.ActionUpdateRate, "")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	expectStatus(t, s.do(t, http.MethodPost, "/v1/exchange/rate", map[string]any{"rate": 2_000_000_000}, rateToken), http.StatusOK)

	resp := s.do(t, http.MethodGet, "/v1/exchange/quote?amount=3", nil, "")
	expectStatus(t, resp, http.StatusOK)
	if q := decode[map[string]uint64](t, resp); q["credits"] != 6000 {
		t.Fatalf("expected 6000 credits at the new rate, got %v", q)
	}

	proposeToken, err := s.issuer.Issue("alice", governance.RoleProposer, governance.ActionPropose, "")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	resp = s.do(t, http.MethodPost, "/v1/emission/proposals", map[string]any{"epoch": 0, "epoch_cap": 5000}, proposeToken)
	expectStatus(t, resp, http.StatusCreated)
	proposal := decode[map[string]any](t, resp)
	id := proposal["id"].(string)

	// A proposer token cannot apply.
	expectStatus(t, s.do(t, http.MethodPost, "/v1/emission/proposals/"+id+"/apply", nil, proposeToken), http.StatusUnauthorized)

	applyToken, err := s.issuer.Issue("bob", governance.RoleApprover, governance.ActionApply, id)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	expectStatus(t, s.do(t, http.MethodPost, "/v1/emission/proposals/"+id+"/apply", nil, applyToken), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodPost, "/v1/emission/proposals/"+id+"/apply", nil, applyToken), http.StatusConflict)

	resp = s.do(t, http.MethodGet, "/v1/emission/policy", nil, "")
	expectStatus(t, resp, http.StatusOK)
	if policy := decode[map[string]any](t, resp); policy["epoch_cap"].(float64) != 5000 {
		t.Fatalf("expected applied cap, got %v", policy)
	}

	resp = s.do(t, http.MethodGet, "/v1/emission/audit", nil, "")
	expectStatus(t, resp, http.StatusOK)
	if entries := decode[[]map[string]any](t, resp); len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}

	resp = s.do(t, http.MethodGet, "/v1/kappa?ratio=0.9", nil, "")
	expectStatus(t, resp, http.StatusOK)
	if k := decode[map[string]float64](t, resp); k["kappa"] != 2.0 {
		t.Fatalf("expected kappa 2.0, got %v", k)
	}
}

func TestHandlerGrants(t *testing.T) {
	s := newTestServer(t, Options{})
	grants := s.operatorToken(t, governance.ActionGrant)

	resp := s.do(t, http.MethodPost, "/v1/grants", map[string]any{"recipient": "carol", "total": 12000, "vesting_epochs": 12}, grants)
	expectStatus(t, resp, http.StatusCreated)
	id := decode[map[string]any](t, resp)["id"].(string)

	s.clock.Set(6)
	resp = s.do(t, http.MethodPost, "/v1/grants/"+id+"/claim", nil, "")
	expectStatus(t, resp, http.StatusOK)
	claimed := decode[struct {
		Claimed uint64 `json:"claimed"`
	}](t, resp)
	if claimed.Claimed != 6000 {
		t.Fatalf("expected 6000 claimed at epoch 6, got %d", claimed.Claimed)
	}
	expectStatus(t, s.do(t, http.MethodPost, "/v1/accounts/carol/grants/claim", nil, ""), http.StatusConflict)

	resp = s.do(t, http.MethodGet, "/v1/accounts/carol/grants", nil, "")
	expectStatus(t, resp, http.StatusOK)
	if grants := decode[[]map[string]any](t, resp); len(grants) != 1 {
		t.Fatalf("expected one grant, got %d", len(grants))
	}

	expectStatus(t, s.do(t, http.MethodPost, "/v1/grants/"+id+"/cancel", nil, grants), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodGet, "/v1/grants/missing", nil, ""), http.StatusNotFound)
}

func TestHandlerSubscriptionAndUsage(t *testing.T) {
	s := newTestServer(t, Options{})
	subs := s.operatorToken(t, governance.ActionSubscription)
	usage := s.operatorToken(t, governance.ActionUsage)

	expectStatus(t, s.do(t, http.MethodPut, "/v1/accounts/alice/subscription", map[string]any{"tier": "premium"}, subs), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodPut, "/v1/accounts/alice/subscription", map[string]any{"tier": "gold"}, subs), http.StatusBadRequest)

	expectStatus(t, s.do(t, http.MethodPost, "/v1/targets", map[string]any{"id": "svc"}, s.operatorToken(t, governance.ActionTarget)), http.StatusCreated)
	expectStatus(t, s.do(t, http.MethodPost, "/v1/usage", map[string]any{"target": "svc", "identity": "x", "cost": 3}, usage), http.StatusAccepted)
	expectStatus(t, s.do(t, http.MethodPost, "/v1/usage", map[string]any{"identity": "x"}, usage), http.StatusBadRequest)

	resp := s.do(t, http.MethodGet, "/healthz", nil, "")
	expectStatus(t, resp, http.StatusOK)
	resp = s.do(t, http.MethodGet, "/metrics", nil, "")
	expectStatus(t, resp, http.StatusOK)
}

func TestOperatorRoutesRequireApproval(t *testing.T) {
	s := newTestServer(t, Options{})
	grantToken := s.operatorToken(t, governance.ActionGrant)
	approver, err := s.issuer.Issue("gov", governance.RoleApprover, governance.ActionDeposit, "")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		token  string
	}{
		{"deposit without token", http.MethodPost, "/v1/accounts/mallory/deposit", map[string]any{"amount": 1_000_000}, ""},
		{"deposit with grant token", http.MethodPost, "/v1/accounts/mallory/deposit", map[string]any{"amount": 1_000_000}, grantToken},
		{"deposit with approver token", http.MethodPost, "/v1/accounts/mallory/deposit", map[string]any{"amount": 1_000_000}, approver},
		{"grant without token", http.MethodPost, "/v1/grants", map[string]any{"recipient": "mallory", "total": 5_000_000}, ""},
		{"cancel without token", http.MethodPost, "/v1/grants/g-1/cancel", nil, ""},
		{"subscription without token", http.MethodPut, "/v1/accounts/mallory/subscription", map[string]any{"tier": "enterprise"}, ""},
		{"target without token", http.MethodPost, "/v1/targets", map[string]any{"id": "svc"}, ""},
		{"usage without token", http.MethodPost, "/v1/usage", map[string]any{"target": "svc", "identity": "x"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := s.do(t, tc.method, tc.path, tc.body, tc.token)
			expectStatus(t, resp, http.StatusUnauthorized)
			if body := decode[map[string]string](t, resp); body["error"] != "Unauthorized" {
				t.Fatalf("expected Unauthorized, got %v", body)
			}
		})
	}

	expectStatus(t, s.do(t, http.MethodGet, "/v1/accounts/mallory", nil, ""), http.StatusNotFound)
	resp := s.do(t, http.MethodGet, "/v1/accounts/mallory/grants", nil, "")
	expectStatus(t, resp, http.StatusOK)
	if grants := decode[[]map[string]any](t, resp); len(grants) != 0 {
		t.Fatalf("rejected grant was created: %v", grants)
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, Options{RateLimit: 1, Burst: 1})
	expectStatus(t, s.do(t, http.MethodGet, "/healthz", nil, ""), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodGet, "/healthz", nil, ""), http.StatusTooManyRequests)
}

func TestApplicationLifecycle(t *testing.T) {
	application, err := app.New(app.Stores{}, app.Options{Clock: epoch.NewManual(0)}, logger.NewNop())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		t.Fatalf("start application: %v", err)
	}
	if err := application.Stop(ctx); err != nil {
		t.Fatalf("stop application: %v", err)
	}
	restored, err := application.Restore(ctx)
	if err != nil || !restored {
		t.Fatalf("expected the final snapshot to restore, got %v %v", restored, err)
	}
}
