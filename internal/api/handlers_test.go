package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"copytrader/internal/config"
	"copytrader/internal/poller"
	"copytrader/internal/state"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type capCall struct {
	id  string
	cap float64
}

type orderQuery struct {
	childID string
	limit   int
}

type fakeBackend struct {
	dryRun bool
	uptime time.Duration
	events chan types.ReplicationEvent

	accounts    []types.Account
	accountsErr error

	registered  []types.Account
	registerErr error

	removed   []string
	removeErr error

	loginURL    string
	loginURLErr error

	completed   *types.Account
	completeErr error

	capCalls []capCall
	capErr   error

	funds    *types.Margins
	fundsErr error

	orders       []types.OrderLogEntry
	ordersErr    error
	orderQueries []orderQuery

	strategy   state.Snapshot
	pollStatus poller.Status

	resets   int
	resetErr error
}

func (b *fakeBackend) DryRun() bool                          { return b.dryRun }
func (b *fakeBackend) Uptime() time.Duration                 { return b.uptime }
func (b *fakeBackend) Events() <-chan types.ReplicationEvent { return b.events }
func (b *fakeBackend) StrategySnapshot() state.Snapshot      { return b.strategy }
func (b *fakeBackend) PollerStatus() poller.Status           { return b.pollStatus }

func (b *fakeBackend) Accounts(context.Context) ([]types.Account, error) {
	return b.accounts, b.accountsErr
}

func (b *fakeBackend) RegisterAccount(_ context.Context, a types.Account) error {
	if b.registerErr != nil {
		return b.registerErr
	}
	b.registered = append(b.registered, a)
	return nil
}

func (b *fakeBackend) RemoveAccount(_ context.Context, id string) error {
	if b.removeErr != nil {
		return b.removeErr
	}
	b.removed = append(b.removed, id)
	return nil
}

func (b *fakeBackend) LoginURL(context.Context, string) (string, error) {
	return b.loginURL, b.loginURLErr
}

func (b *fakeBackend) CompleteLogin(_ context.Context, id, requestToken string) (*types.Account, error) {
	if b.completeErr != nil {
		return nil, b.completeErr
	}
	return b.completed, nil
}

func (b *fakeBackend) SetAccountCap(_ context.Context, id string, maxUsage float64) error {
	if b.capErr != nil {
		return b.capErr
	}
	b.capCalls = append(b.capCalls, capCall{id: id, cap: maxUsage})
	return nil
}

func (b *fakeBackend) AccountFunds(context.Context, string) (*types.Margins, error) {
	return b.funds, b.fundsErr
}

func (b *fakeBackend) OrderLog(_ context.Context, childID string, limit int) ([]types.OrderLogEntry, error) {
	if b.ordersErr != nil {
		return nil, b.ordersErr
	}
	b.orderQueries = append(b.orderQueries, orderQuery{childID: childID, limit: limit})
	return b.orders, nil
}

func (b *fakeBackend) ResetStrategy(context.Context) error {
	if b.resetErr != nil {
		return b.resetErr
	}
	b.resets++
	return nil
}

type fixture struct {
	backend *fakeBackend
	srv     *Server
	ts      *httptest.Server
}

func newFixture(t *testing.T, backend *fakeBackend) *fixture {
	t.Helper()
	srv := NewServer(config.AdminConfig{Listen: ":0"}, backend, testLogger())
	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)
	return &fixture{backend: backend, srv: srv, ts: ts}
}

// startHub runs the websocket hub for tests that open /ws connections.
func (f *fixture) startHub(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.srv.hub.Run(ctx)
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func (f *fixture) send(t *testing.T, method, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func TestHealthReportsDryRunAndUptime(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeBackend{dryRun: true, uptime: 90 * time.Second})

	resp, body := f.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got struct {
		Status        string  `json:"status"`
		DryRun        bool    `json:"dry_run"`
		UptimeSeconds float64 `json:"uptime_seconds"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "ok" || !got.DryRun || got.UptimeSeconds != 90 {
		t.Fatalf("unexpected health payload: %+v", got)
	}
}

func TestSnapshotRedactsSecrets(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeBackend{
		accounts: []types.Account{{
			ID:          "ZD0001",
			APIKey:      "abcd1234efgh",
			APISecret:   "super-secret-value",
			Role:        types.RoleMaster,
			AccessToken: "live-access-token",
			Status:      types.StatusConnected,
		}},
	})

	resp, body := f.get(t, "/api/snapshot")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	text := string(body)
	if strings.Contains(text, "super-secret-value") {
		t.Error("api secret leaked into snapshot")
	}
	if strings.Contains(text, "live-access-token") {
		t.Error("access token leaked into snapshot")
	}

	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Accounts) != 1 {
		t.Fatalf("accounts = %d, want 1", len(snap.Accounts))
	}
	if snap.Accounts[0].APIKey != "abcd****" {
		t.Errorf("masked key = %q, want %q", snap.Accounts[0].APIKey, "abcd****")
	}
}

func TestRegisterAccountValidatesPayload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeBackend{loginURL: "https://broker.example/connect/login?api_key=abcd"})

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing credentials", map[string]any{"account_id": "ZD0002"}},
		{"bad role", map[string]any{"account_id": "ZD0002", "api_key": "k", "api_secret": "s", "role": "admin"}},
		{"negative capital", map[string]any{"account_id": "ZD0002", "api_key": "k", "api_secret": "s", "capital": -1.0}},
	}
	for _, tc := range cases {
		resp, _ := f.send(t, http.MethodPost, "/api/accounts", tc.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, resp.StatusCode)
		}
	}
	if len(f.backend.registered) != 0 {
		t.Fatalf("invalid payloads reached the backend: %+v", f.backend.registered)
	}
}

func TestRegisterAccountDefaultsToChildRole(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeBackend{loginURL: "https://broker.example/connect/login?api_key=abcd"})

	resp, body := f.send(t, http.MethodPost, "/api/accounts", map[string]any{
		"account_id": "ZD0002",
		"api_key":    "abcd1234",
		"api_secret": "efgh5678",
		"capital":    500000.0,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", resp.StatusCode, body)
	}

	var got registerAccountResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "registered" || got.AccountID != "ZD0002" || got.LoginURL == "" {
		t.Fatalf("unexpected response: %+v", got)
	}

	if len(f.backend.registered) != 1 {
		t.Fatalf("registered = %d accounts, want 1", len(f.backend.registered))
	}
	acct := f.backend.registered[0]
	if acct.Role != types.RoleChild {
		t.Errorf("role = %q, want child", acct.Role)
	}
	if acct.Status != types.StatusPending {
		t.Errorf("status = %q, want pending", acct.Status)
	}
	if acct.Capital != 500000 {
		t.Errorf("capital = %v, want 500000", acct.Capital)
	}
}

func TestLoginRedirectsToBroker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeBackend{loginURL: "https://broker.example/connect/login?api_key=abcd"})

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(f.ts.URL + "/api/accounts/ZD0001/login")
	if err != nil {
		t.Fatalf("GET login: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != f.backend.loginURL {
		t.Errorf("Location = %q, want %q", loc, f.backend.loginURL)
	}
}

func TestCallbackRequiresParams(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeBackend{})

	resp, _ := f.get(t, "/api/callback?account_id=ZD0001")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCallbackReturnsConnectedAccount(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeBackend{
		completed: &types.Account{
			ID:          "ZD0001",
			APIKey:      "abcd1234",
			APISecret:   "hidden",
			AccessToken: "fresh-token",
			Role:        types.RoleMaster,
			Capital:     3700000,
			Status:      types.StatusConnected,
		},
	})

	resp, body := f.get(t, "/api/callback?account_id=ZD0001&request_token=rt123")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, body)
	}

	var view AccountView
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != types.StatusConnected || view.Capital != 3700000 {
		t.Fatalf("unexpected view: %+v", view)
	}
	if strings.Contains(string(body), "fresh-token") {
		t.Error("access token leaked in callback response")
	}
}

func TestUnknownAccountMapsToNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeBackend{
		fundsErr: fmt.Errorf("store: account ZD9999: %w", store.ErrNotFound),
	})

	resp, _ := f.get(t, "/api/accounts/ZD9999/funds")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUpdateCapParsesBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeBackend{})

	resp, _ := f.send(t, http.MethodPut, "/api/accounts/ZD0002/cap", updateCapRequest{MaxCapitalUsage: 250000})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(f.backend.capCalls) != 1 {
		t.Fatalf("cap calls = %d, want 1", len(f.backend.capCalls))
	}
	if got := f.backend.capCalls[0]; got.id != "ZD0002" || got.cap != 250000 {
		t.Fatalf("cap call = %+v", got)
	}

	resp, _ = f.send(t, http.MethodPut, "/api/accounts/ZD0002/cap", updateCapRequest{MaxCapitalUsage: -1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative cap: status = %d, want 400", resp.StatusCode)
	}
}

func TestRemoveAccount(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeBackend{})

	resp, _ := f.send(t, http.MethodDelete, "/api/accounts/ZD0003", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(f.backend.removed) != 1 || f.backend.removed[0] != "ZD0003" {
		t.Fatalf("removed = %v, want [ZD0003]", f.backend.removed)
	}
}

func TestOrdersQueryPassesFilters(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeBackend{})

	if resp, _ := f.get(t, "/api/orders?child_id=ZD0002&limit=10"); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp, _ := f.get(t, "/api/orders"); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp, _ := f.get(t, "/api/orders?limit=99999"); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	want := []orderQuery{
		{childID: "ZD0002", limit: 10},
		{childID: "", limit: recentOrdersLimit},
		{childID: "", limit: 500},
	}
	if len(f.backend.orderQueries) != len(want) {
		t.Fatalf("queries = %+v, want %+v", f.backend.orderQueries, want)
	}
	for i, q := range want {
		if f.backend.orderQueries[i] != q {
			t.Errorf("query[%d] = %+v, want %+v", i, f.backend.orderQueries[i], q)
		}
	}

	if resp, _ := f.get(t, "/api/orders?limit=abc"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: status = %d, want 400", resp.StatusCode)
	}
}

func TestResetStrategyInvokesBackend(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeBackend{})

	resp, body := f.send(t, http.MethodPost, "/api/strategy/reset", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, body)
	}
	if f.backend.resets != 1 {
		t.Fatalf("resets = %d, want 1", f.backend.resets)
	}
}

func TestWebSocketStreamsSnapshotThenEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeBackend{dryRun: true})
	f.startHub(t)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, first, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var env snapshotEnvelope
	if err := json.Unmarshal(first, &env); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if env.Kind != "snapshot" || !env.Snapshot.DryRun {
		t.Fatalf("unexpected first message: %s", first)
	}

	f.srv.hub.BroadcastEvent(types.ReplicationEvent{
		Kind:     types.EventEntry,
		At:       time.Now().UTC(),
		ChildID:  "ZD0002",
		Quantity: 65,
	})

	_, second, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var evt types.ReplicationEvent
	if err := json.Unmarshal(second, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Kind != types.EventEntry || evt.ChildID != "ZD0002" || evt.Quantity != 65 {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestCheckOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"empty origin is allowed", []string{"https://ops.example"}, "", true},
		{"wildcard allows anything", []string{"*"}, "https://anywhere.example", true},
		{"exact match", []string{"https://ops.example"}, "https://ops.example", true},
		{"match is case-insensitive", []string{"https://OPS.example"}, "https://ops.example", true},
		{"mismatch is denied", []string{"https://ops.example"}, "https://evil.example", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			check := checkOrigin(tt.allowed)
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := check(req); got != tt.want {
				t.Errorf("checkOrigin(%v) with origin %q = %v, want %v", tt.allowed, tt.origin, got, tt.want)
			}
		})
	}
}
