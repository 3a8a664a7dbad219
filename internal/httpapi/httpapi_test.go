package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bbureau12/echonet/internal/registry"
	"github.com/bbureau12/echonet/internal/router"
	"github.com/bbureau12/echonet/internal/statemgr"
	"github.com/bbureau12/echonet/internal/store"
	transcribermock "github.com/bbureau12/echonet/internal/transcriber/mock"
	audiomock "github.com/bbureau12/echonet/pkg/audio/mock"
)

type testServer struct {
	*httptest.Server
	auth Auth
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "echonet.db")
	st, err := store.New(context.Background(), path)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sm, err := statemgr.New(context.Background(), st, statemgr.ModeTrigger, 0)
	if err != nil {
		t.Fatalf("statemgr.New: %v", err)
	}
	reg := registry.New(st)
	rt := router.New(reg, sm, router.Config{TTL: time.Minute})

	auth := Auth{APIKey: "key123", AdminKey: "admin456"}
	srv := New(Config{
		Registry:    reg,
		State:       sm,
		Router:      rt,
		Store:       st,
		Capturer:    &audiomock.Capturer{},
		Transcriber: &transcribermock.Transcriber{},
		Auth:        auth,
	})

	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, auth: auth}
}

func (ts *testServer) do(t *testing.T, method, path string, admin bool, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.Server.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, ts.auth.APIKey)
	if admin {
		req.Header.Set(adminKeyHeader, ts.auth.AdminKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func TestRegisterAndListTargets(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/register", true, registerRequest{
		Name: "kitchen", BaseURL: "http://localhost:9001", Phrases: []string{"hey kitchen"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/targets", false, nil)
	defer resp.Body.Close()
	var targets []targetResponse
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(targets) != 1 || targets[0].Name != "kitchen" {
		t.Fatalf("targets = %+v", targets)
	}
}

func TestRegisterRequiresAdminKey(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/register", false, registerRequest{
		Name: "kitchen", BaseURL: "http://localhost:9001", Phrases: []string{"hey kitchen"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 without admin key", resp.StatusCode)
	}
}

func TestRequestsRejectedWithoutAPIKey(t *testing.T) {
	ts := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, ts.Server.URL+"/targets", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without API key", resp.StatusCode)
	}
}

func TestDeleteTargetNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodDelete, "/targets/nonexistent", true, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetAndSetState(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, http.MethodPost, "/register", true, registerRequest{
		Name: "kitchen", BaseURL: "http://localhost:9001", Phrases: []string{"hey kitchen"},
	}).Body.Close()

	resp := ts.do(t, http.MethodPut, "/state", true, setStateRequest{
		Target: "kitchen", Source: "test", State: "active", Reason: "manual",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set state status = %d", resp.StatusCode)
	}
	var got stateResponse
	json.NewDecoder(resp.Body).Decode(&got)
	if got.ListenMode != "active" {
		t.Fatalf("listen_mode = %q, want active", got.ListenMode)
	}
}

func TestSetStateRejectsUnknownTarget(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPut, "/state", true, setStateRequest{
		Target: "nope", Source: "test", State: "active",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown target", resp.StatusCode)
	}
}

func TestTextRoutesUnmatchedAsIgnored(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/text", false, textRequest{
		SourceID: "mic1", Text: "what time is it",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var decision router.RouteDecision
	json.NewDecoder(resp.Body).Decode(&decision)
	if decision.Mode != router.ModeIgnored {
		t.Fatalf("mode = %q, want ignored", decision.Mode)
	}
}

func TestTextUsesCallerSuppliedTs(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/register", true, registerRequest{
		Name: "kitchen", BaseURL: "http://localhost:9001", Phrases: []string{"hey kitchen"},
	}).Body.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Open a session at t=base with the wake phrase.
	resp := ts.do(t, http.MethodPost, "/text", false, textRequest{
		SourceID: "mic1", Text: "hey kitchen", Ts: base.UnixMilli(),
	})
	var opened router.RouteDecision
	json.NewDecoder(resp.Body).Decode(&opened)
	resp.Body.Close()
	if opened.Mode != router.ModeSessionOpen {
		t.Fatalf("mode = %q, want session_open", opened.Mode)
	}

	// A follow-up 10s later (within the test server's 1-minute router TTL)
	// must continue the same session using the supplied ts, not the
	// server's wall clock.
	resp = ts.do(t, http.MethodPost, "/text", false, textRequest{
		SourceID: "mic1", Text: "dim the lights", Ts: base.Add(10 * time.Second).UnixMilli(),
	})
	var continued router.RouteDecision
	json.NewDecoder(resp.Body).Decode(&continued)
	resp.Body.Close()
	if continued.Mode != router.ModeSessionContinue || continued.SessionID != opened.SessionID {
		t.Fatalf("got %+v, want session_continue for %q", continued, opened.SessionID)
	}

	// A follow-up supplied as 2 minutes later must find the session expired
	// under the server's router TTL even though no real wall-clock time
	// passed between these two requests.
	resp = ts.do(t, http.MethodPost, "/text", false, textRequest{
		SourceID: "mic1", Text: "dim the lights", Ts: base.Add(2 * time.Minute).UnixMilli(),
	})
	var expired router.RouteDecision
	json.NewDecoder(resp.Body).Decode(&expired)
	resp.Body.Close()
	if expired.Mode != router.ModeIgnored {
		t.Fatalf("got %+v, want ignored after ts-driven session expiry", expired)
	}
}

func TestTextFallsBackToNowWhenTsOmitted(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/text", false, textRequest{
		SourceID: "mic1", Text: "what time is it",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var decision router.RouteDecision
	json.NewDecoder(resp.Body).Decode(&decision)
	if decision.Mode != router.ModeIgnored {
		t.Fatalf("mode = %q, want ignored", decision.Mode)
	}
}

func TestListDevices(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/audio/devices", false, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestSetConfigRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPut, "/config/energy_threshold", true, setConfigRequest{
		Value: "0.02", Source: "test", Reason: "tuning",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp2 := ts.do(t, http.MethodGet, "/config", false, nil)
	defer resp2.Body.Close()
	var settings []store.Setting
	json.NewDecoder(resp2.Body).Decode(&settings)
	found := false
	for _, s := range settings {
		if s.Name == "energy_threshold" && s.Value == "0.02" {
			found = true
		}
	}
	if !found {
		t.Fatalf("settings = %+v, missing energy_threshold=0.02", settings)
	}
}
