package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/relay"
)

type fakeDeliverer struct {
	mu     sync.Mutex
	calls  []string
	result relay.DeliveryStatus
	err    error
}

func (f *fakeDeliverer) Deliver(ctx context.Context, target relay.Target, text string) relay.DeliveryResult {
	f.mu.Lock()
	f.calls = append(f.calls, target.Key().String()+"="+text)
	f.mu.Unlock()
	status := f.result
	if status == "" {
		status = relay.Delivered
	}
	return relay.DeliveryResult{Target: target, Status: status, Err: f.err}
}

func testTargets() relay.TargetSource {
	return relay.TargetSourceFunc(func(context.Context) ([]relay.Target, error) {
		return []relay.Target{
			{ProjectID: "web", AgentID: "claude", ChannelID: "100", Session: "relay-web", Window: "claude"},
			{ProjectID: "web", AgentID: "codex", ChannelID: "100", Session: "relay-web", Window: "codex", VerifySubmit: true},
			{ProjectID: "api", AgentID: "claude", Session: "relay-api", Window: "claude", EventHooks: true},
		}, nil
	})
}

func tmuxOK() error { return nil }

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	if cfg.TmuxCheck == nil {
		cfg.TmuxCheck = tmuxOK
	}
	return NewServer(cfg)
}

func serve(srv *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthzEndpoint(t *testing.T) {
	states := relay.NewStateStore()
	states.Put(relay.KeyOf("web", "claude"), relay.PollState{StableCount: 1})
	srv := newTestServer(t, Config{States: states})

	rr := serve(srv, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"ok":true`) {
		t.Fatalf("expected health response to contain ok=true, got: %s", body)
	}
	if !strings.Contains(body, `"tmux":true`) || !strings.Contains(body, `"tracked":1`) {
		t.Fatalf("expected tmux and tracked fields, got: %s", body)
	}
}

func TestHealthzMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, Config{})

	rr := serve(srv, http.MethodPost, "/healthz", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rr.Code)
	}
}

func TestTargetsEndpointIncludesPollState(t *testing.T) {
	states := relay.NewStateStore()
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	states.Put(relay.KeyOf("web", "claude"), relay.PollState{
		StableCount:        2,
		LastClassification: relay.Stopped,
		UpdatedAt:          updated,
	})
	srv := newTestServer(t, Config{Targets: testTargets(), States: states})

	rr := serve(srv, http.MethodGet, "/api/targets", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var resp targetsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Targets) != 3 {
		t.Fatalf("expected 3 targets, got %d", len(resp.Targets))
	}
	first := resp.Targets[0]
	if first.State == nil || first.State.Classification != string(relay.Stopped) || first.State.StableCount != 2 {
		t.Fatalf("expected poll state on first target, got %+v", first.State)
	}
	if first.State.UpdatedAt == nil || !first.State.UpdatedAt.Equal(updated) {
		t.Fatalf("expected updatedAt %v, got %v", updated, first.State.UpdatedAt)
	}
	if resp.Targets[1].State != nil {
		t.Fatalf("expected no state for an unpolled target")
	}
	if !resp.Targets[2].EventHooks {
		t.Fatalf("expected eventHooks flag on api:claude")
	}
}

func TestTargetsEndpointLoadError(t *testing.T) {
	srv := newTestServer(t, Config{Targets: relay.TargetSourceFunc(func(context.Context) ([]relay.Target, error) {
		return nil, errors.New("db locked")
	})})

	rr := serve(srv, http.MethodGet, "/api/targets", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"code":"INTERNAL_ERROR"`) {
		t.Fatalf("expected INTERNAL_ERROR body, got: %s", rr.Body.String())
	}
}

func TestTargetsEndpointUnauthorizedWhenTokenEnabled(t *testing.T) {
	srv := newTestServer(t, Config{Targets: testTargets(), Token: "secret-token"})

	rr := serve(srv, http.MethodGet, "/api/targets", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}

	rr = serve(srv, http.MethodGet, "/api/targets", "", "Authorization", "Bearer secret-token")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected bearer token to be accepted, got %d", rr.Code)
	}

	rr = serve(srv, http.MethodGet, "/api/targets?token=secret-token", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected query token to be accepted, got %d", rr.Code)
	}

	rr = serve(srv, http.MethodGet, "/api/targets", "", "Authorization", "Bearer wrong")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected wrong token to be rejected, got %d", rr.Code)
	}
}

func TestSendEndpointDeliversToAgent(t *testing.T) {
	sender := &fakeDeliverer{}
	srv := newTestServer(t, Config{Targets: testTargets(), Sender: sender})

	rr := serve(srv, http.MethodPost, "/api/send", `{"project":"web","agent":"codex","text":"run the tests"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d body=%s", http.StatusOK, rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"status":"delivered"`) {
		t.Fatalf("expected delivered status, got: %s", rr.Body.String())
	}
	if len(sender.calls) != 1 || sender.calls[0] != "web:codex=run the tests" {
		t.Fatalf("unexpected deliveries %v", sender.calls)
	}
}

func TestSendEndpointDefaultsToFirstAgent(t *testing.T) {
	sender := &fakeDeliverer{}
	srv := newTestServer(t, Config{Targets: testTargets(), Sender: sender})

	rr := serve(srv, http.MethodPost, "/api/send", `{"project":"web","text":"hi"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if len(sender.calls) != 1 || sender.calls[0] != "web:claude=hi" {
		t.Fatalf("unexpected deliveries %v", sender.calls)
	}
}

func TestSendEndpointStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		sender *fakeDeliverer
		tmux   func() error
		want   int
		code   string
	}{
		{"unknown agent", `{"project":"web","agent":"gemini","text":"hi"}`, &fakeDeliverer{}, tmuxOK, http.StatusNotFound, "NOT_FOUND"},
		{"missing text", `{"project":"web","text":"  "}`, &fakeDeliverer{}, tmuxOK, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad json", `{`, &fakeDeliverer{}, tmuxOK, http.StatusBadRequest, "INVALID_REQUEST"},
		{"tmux unavailable", `{"project":"web","text":"hi"}`, &fakeDeliverer{}, func() error { return errors.New("tmux not found in PATH") }, http.StatusServiceUnavailable, "TMUX_UNAVAILABLE"},
		{"unconfirmed", `{"project":"web","text":"hi"}`, &fakeDeliverer{result: relay.Unconfirmed}, tmuxOK, http.StatusAccepted, ""},
		{"failed", `{"project":"web","text":"hi"}`, &fakeDeliverer{result: relay.Failed, err: errors.New("session gone")}, tmuxOK, http.StatusBadGateway, ""},
		{"timed out", `{"project":"web","text":"hi"}`, &fakeDeliverer{result: relay.Failed, err: context.DeadlineExceeded}, tmuxOK, http.StatusGatewayTimeout, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, Config{Targets: testTargets(), Sender: tt.sender, TmuxCheck: tt.tmux})
			rr := serve(srv, http.MethodPost, "/api/send", tt.body)
			if rr.Code != tt.want {
				t.Fatalf("expected status %d, got %d body=%s", tt.want, rr.Code, rr.Body.String())
			}
			if tt.code != "" && !strings.Contains(rr.Body.String(), `"code":"`+tt.code+`"`) {
				t.Fatalf("expected code %s, got: %s", tt.code, rr.Body.String())
			}
		})
	}
}

func TestSendEndpointMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, Config{Targets: testTargets(), Sender: &fakeDeliverer{}})

	rr := serve(srv, http.MethodGet, "/api/send", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rr.Code)
	}
	if rr.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("expected Allow header, got %q", rr.Header().Get("Allow"))
	}
}

func TestSendEndpointAppliesTimeout(t *testing.T) {
	var deadline time.Time
	sender := deliverFunc(func(ctx context.Context, target relay.Target, text string) relay.DeliveryResult {
		deadline, _ = ctx.Deadline()
		return relay.DeliveryResult{Target: target, Status: relay.Delivered}
	})
	srv := newTestServer(t, Config{Targets: testTargets(), Sender: sender, SendTimeout: 3 * time.Second})

	before := time.Now()
	rr := serve(srv, http.MethodPost, "/api/send", `{"project":"web","text":"hi"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if deadline.IsZero() || deadline.Sub(before) > 3*time.Second+time.Second {
		t.Fatalf("expected a bounded deadline, got %v", deadline)
	}
}

type deliverFunc func(ctx context.Context, target relay.Target, text string) relay.DeliveryResult

func (f deliverFunc) Deliver(ctx context.Context, target relay.Target, text string) relay.DeliveryResult {
	return f(ctx, target, text)
}

func TestLogsEndpointValidatesLines(t *testing.T) {
	srv := newTestServer(t, Config{})

	rr := serve(srv, http.MethodGet, "/api/logs?lines=abc", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}

	rr = serve(srv, http.MethodGet, "/api/logs?lines=10", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"lines":[`) {
		t.Fatalf("expected lines array, got: %s", rr.Body.String())
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := withRecover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rr.Code)
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearer":       "",
		"":             "",
	}
	for header, want := range tests {
		if got := bearerToken(header); got != want {
			t.Fatalf("bearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}
