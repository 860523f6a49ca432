package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"nhooyr.io/websocket"

	"communityloans/config"
	"communityloans/core/events"
	"communityloans/core/types"
	"communityloans/native/loanpool"
	"communityloans/services/loanpool/journal"
	"communityloans/services/loanpool/middleware"
	"communityloans/services/loanpool/node"
	"communityloans/storage"
)

const (
	proposerHex = "0x1111111111111111111111111111111111111111"
	borrowerHex = "0x2222222222222222222222222222222222222222"
	adminHex    = "0x3333333333333333333333333333333333333333"
)

type clock struct{ now uint64 }

func (c *clock) Now() uint64 { return c.now }

type testEnv struct {
	t       *testing.T
	server  *httptest.Server
	auth    middleware.AuthConfig
	cfg     *config.Config
	clock   *clock
	journal *journal.Journal
	hub     *Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := journal.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	j, err := journal.New(db, logger)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	hub := NewHub()

	cfg := config.Default()
	cfg.Genesis.PoolFunding = big.NewInt(50_000)
	cfg.Genesis.Balances = []config.GenesisBalance{
		{Account: proposerHex, Amount: big.NewInt(10_000)},
		{Account: borrowerHex, Amount: big.NewInt(1_000)},
	}
	c := &clock{now: 1_700_000_000}
	n, err := node.New(node.Options{
		Config: cfg,
		DB:     storage.NewMemDB(),
		Clock:  c,
		Sink:   events.Fanout{j, hub},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	auth := middleware.AuthConfig{Enabled: true, HMACSecret: "test-secret", Audience: "loanpoold"}
	srv := New(n, j, hub, Config{
		Auth:          auth,
		StreamOrigins: []string{"*"},
		RateLimits:    map[string]middleware.RateLimit{"write": {RequestsPerMinute: 6000, Burst: 100}},
	}, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{t: t, server: ts, auth: auth, cfg: cfg, clock: c, journal: j, hub: hub}
}

func (e *testEnv) token(subject string, scopes ...string) string {
	e.t.Helper()
	token, err := middleware.IssueToken(e.auth, subject, scopes, time.Hour)
	if err != nil {
		e.t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) do(method, path, token string, body any, out any) int {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		e.t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			e.t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) approveBody() approveRequest {
	return approveRequest{
		CollectionID:    5,
		ItemID:          2,
		CollateralPrice: "8000",
		Admin:           adminHex,
		Contract:        e.cfg.Contract.Address,
		Value:           "5000",
		APY:             20,
	}
}

func TestProposeApproveRepayOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	proposerToken := env.token(proposerHex)

	var proposal proposalView
	if code := env.do(http.MethodPost, "/v1/proposals", proposerToken, proposeRequest{Amount: "5000", Beneficiary: borrowerHex}, &proposal); code != http.StatusCreated {
		t.Fatalf("propose: expected 201, got %d", code)
	}
	if proposal.Bond != "250" || proposal.Index != 0 {
		t.Fatalf("unexpected proposal %+v", proposal)
	}

	if code := env.do(http.MethodPost, "/v1/proposals/0/approve", proposerToken, env.approveBody(), nil); code != http.StatusForbidden {
		t.Fatalf("approve without scope: expected 403, got %d", code)
	}
	var loan loanView
	approver := env.token(adminHex, middleware.ScopeApprove)
	if code := env.do(http.MethodPost, "/v1/proposals/0/approve", approver, env.approveBody(), &loan); code != http.StatusCreated {
		t.Fatalf("approve: expected 201, got %d", code)
	}
	if loan.Amount != "5000" || loan.CollectionID != 5 || loan.LastTimestamp != env.clock.now {
		t.Fatalf("unexpected loan %+v", loan)
	}

	env.clock.now += 365 * 24 * 60 * 60
	var sweep sweepView
	if code := env.do(http.MethodPost, "/v1/accrual", env.token(adminHex, middleware.ScopeSweep), nil, &sweep); code != http.StatusOK {
		t.Fatalf("sweep: expected 200, got %d", code)
	}
	if sweep.Interest != "1000" || len(sweep.Accrued) != 1 {
		t.Fatalf("unexpected sweep %+v", sweep)
	}

	var repaid map[string]string
	if code := env.do(http.MethodPost, "/v1/loans/repay", env.token(borrowerHex), repayRequest{CollectionID: 5, ItemID: 2}, &repaid); code != http.StatusOK {
		t.Fatalf("repay: expected 200, got %d", code)
	}
	if repaid["settled"] != "6000" {
		t.Fatalf("unexpected settlement %v", repaid)
	}
	if code := env.do(http.MethodGet, "/v1/loans/0", "", nil, nil); code != http.StatusNotFound {
		t.Fatalf("repaid loan should be gone, got %d", code)
	}

	var pool poolView
	if code := env.do(http.MethodGet, "/v1/pool", "", nil, &pool); code != http.StatusOK {
		t.Fatalf("pool: expected 200, got %d", code)
	}
	if pool.FreeBalance != "51000" || pool.LoanCount != 1 || pool.OngoingLoans != 0 {
		t.Fatalf("unexpected pool view %+v", pool)
	}

	var entries []journal.Entry
	if code := env.do(http.MethodGet, "/v1/events?type="+loanpool.EventTypeApproved, "", nil, &entries); code != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", code)
	}
	if len(entries) != 1 || entries[0].Attributes["loanIndex"] != "0" {
		t.Fatalf("unexpected journal entries %+v", entries)
	}
}

func TestErrorStatuses(t *testing.T) {
	env := newTestEnv(t)
	rejecter := env.token(adminHex, middleware.ScopeReject)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
	}{
		{"unauthenticated", http.MethodPost, "/v1/proposals", "", proposeRequest{Amount: "1"}, http.StatusUnauthorized},
		{"zero amount", http.MethodPost, "/v1/proposals", env.token(proposerHex), proposeRequest{Amount: "0", Beneficiary: borrowerHex}, http.StatusBadRequest},
		{"bad amount", http.MethodPost, "/v1/proposals", env.token(proposerHex), proposeRequest{Amount: "ten", Beneficiary: borrowerHex}, http.StatusBadRequest},
		{"poor proposer", http.MethodPost, "/v1/proposals", env.token(adminHex), proposeRequest{Amount: "5000", Beneficiary: borrowerHex}, http.StatusUnprocessableEntity},
		{"unknown proposal", http.MethodPost, "/v1/proposals/9/reject", rejecter, nil, http.StatusNotFound},
		{"bad index", http.MethodGet, "/v1/proposals/abc", "", nil, http.StatusBadRequest},
		{"delete without contract scope", http.MethodDelete, "/v1/loans/0", rejecter, nil, http.StatusForbidden},
	}
	for _, tc := range cases {
		if code := env.do(tc.method, tc.path, tc.token, tc.body, nil); code != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, code)
		}
	}
}

func TestRejectSlashesBond(t *testing.T) {
	env := newTestEnv(t)
	if code := env.do(http.MethodPost, "/v1/proposals", env.token(proposerHex), proposeRequest{Amount: "5000", Beneficiary: borrowerHex}, nil); code != http.StatusCreated {
		t.Fatalf("propose: got %d", code)
	}
	if code := env.do(http.MethodPost, "/v1/proposals/0/reject", env.token(adminHex, middleware.ScopeReject), nil, nil); code != http.StatusNoContent {
		t.Fatalf("reject: expected 204, got %d", code)
	}
	var bal balanceView
	if code := env.do(http.MethodGet, "/v1/accounts/"+proposerHex, "", nil, &bal); code != http.StatusOK {
		t.Fatalf("balance: got %d", code)
	}
	if bal.Free != "9750" || bal.Reserved != "0" {
		t.Fatalf("expected bond of 250 slashed, got %+v", bal)
	}
	if code := env.do(http.MethodGet, "/v1/proposals/0", "", nil, nil); code != http.StatusNotFound {
		t.Fatalf("rejected proposal should be gone, got %d", code)
	}
}

func TestEventStreamDeliversCommittedEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/events/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if code := env.do(http.MethodPost, "/v1/proposals", env.token(proposerHex), proposeRequest{Amount: "5000", Beneficiary: borrowerHex}, nil); code != http.StatusCreated {
		t.Fatalf("propose: got %d", code)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var evt types.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Type != loanpool.EventTypeProposed || evt.Attr("bond") != "250" {
		t.Fatalf("unexpected streamed event %+v", evt)
	}
}
