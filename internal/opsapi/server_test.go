package opsapi

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentwarden/soc-sentry/internal/approval"
	"github.com/agentwarden/soc-sentry/internal/audit"
	"github.com/agentwarden/soc-sentry/internal/auth"
	"github.com/agentwarden/soc-sentry/internal/bus"
	"github.com/agentwarden/soc-sentry/internal/config"
	"github.com/agentwarden/soc-sentry/internal/memory"
	"github.com/agentwarden/soc-sentry/internal/remediate"
)

// fakeStore embeds the full Store interface and overrides only what the
// ops API exercises, following the same pattern as remediate.fakeStore and
// builder.fakeStore.
type fakeStore struct {
	memory.Store
	alerts []*memory.Alert
}

func (f *fakeStore) ListAlerts(filter memory.AlertFilter) ([]*memory.Alert, int, error) {
	return f.alerts, len(f.alerts), nil
}

func testChain(t *testing.T) *audit.Chain {
	t.Helper()
	signer, err := audit.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	chain, err := audit.NewChain(filepath.Join(t.TempDir(), "audit.log"), signer, nil)
	if err != nil {
		t.Fatal(err)
	}
	return chain
}

func newTestServer(t *testing.T, authEnabled bool) (*Server, *auth.TokenManager) {
	t.Helper()
	store := &fakeStore{alerts: []*memory.Alert{{ID: "a1", Severity: "high"}}}
	chain := testChain(t)
	appendFn := func(eventType, actor string, payload []byte) error {
		_, err := chain.Append(eventType, actor, payload)
		return err
	}
	workflow := approval.New(time.Hour, appendFn, nil)
	t.Cleanup(workflow.Stop)

	killSwitch := remediate.NewKillSwitch("", nil)
	queue := remediate.NewQueue(4, nil)
	b := bus.New(nil)
	tokenManager := auth.NewTokenManager(time.Hour, nil)

	cfg := config.ServerConfig{Auth: config.AuthConfig{Enabled: authEnabled, TokenTTL: time.Hour}}

	s := NewServer(cfg, store, nil, workflow, nil, chain, killSwitch, queue, b, tokenManager, nil)
	return s, tokenManager
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHealthNeverRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (health is always public)", rec.Code)
	}
}

func TestAuthRequiredRejectsMissingToken(t *testing.T) {
	s, _ := newTestServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/api/detections", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthRequiredAcceptsValidToken(t *testing.T) {
	s, tm := newTestServer(t, true)
	token, err := tm.CreateToken(auth.RoleAnalyst, "tester", "")
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/detections", nil)
	req.Header.Set("Authorization", "Bearer "+token.Secret)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestAuthRequiredRejectsInsufficientRole(t *testing.T) {
	s, tm := newTestServer(t, true)
	token, err := tm.CreateToken(auth.RoleAnalyst, "tester", "")
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/killswitch/global", nil)
	req.Header.Set("Authorization", "Bearer "+token.Secret)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (analyst cannot approve)", rec.Code)
	}
}

func TestAuthDisabledSkipsCheck(t *testing.T) {
	s, _ := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/api/detections", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 when auth disabled", rec.Code)
	}
}

func TestHandleListAlerts(t *testing.T) {
	s, _ := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/api/detections?limit=10", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleKillSwitchTriggerAndReset(t *testing.T) {
	s, _ := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodPost, "/api/killswitch/global", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger status = %d, want 200", rec.Code)
	}
	if !s.killSwitch.IsBlocked("any-agent", "any-session") {
		t.Fatal("expected global kill to block everything")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/killswitch/global/reset", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d, want 200", rec.Code)
	}
	if s.killSwitch.IsBlocked("any-agent", "any-session") {
		t.Fatal("expected reset to clear the block")
	}
}

func TestWebSocketHubBridgesBusTopics(t *testing.T) {
	b := bus.New(nil)
	hub := NewWebSocketHub(nil, true)
	hub.Bridge(b, "test.topic")

	b.Publish("test.topic", map[string]string{"hello": "world"})
	time.Sleep(10 * time.Millisecond) // allow the bridge goroutine to run

	hub.Close()
}
