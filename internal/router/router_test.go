package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bbureau12/echonet/internal/registry"
	"github.com/bbureau12/echonet/internal/statemgr"
	"github.com/bbureau12/echonet/internal/store"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type testEnv struct {
	reg   *registry.Registry
	state *statemgr.StateManager

	mu       sync.Mutex
	received []fanoutPayload
	srv      *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
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

	env := &testEnv{reg: registry.New(st), state: sm}
	env.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p fanoutPayload
		json.NewDecoder(r.Body).Decode(&p)
		env.mu.Lock()
		env.received = append(env.received, p)
		env.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(env.srv.Close)

	if err := env.reg.Upsert(context.Background(), registry.Target{
		Name: "kitchen", BaseURL: env.srv.URL, Phrases: []string{"hey kitchen", "turn on the lights"},
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	return env
}

func (e *testEnv) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.received)
}

func TestRouteWakePhraseOpensSession(t *testing.T) {
	env := newTestEnv(t)
	r := New(env.reg, env.state, Config{TTL: time.Minute})

	d, err := r.Route(context.Background(), TextEvent{SourceID: "mic1", Text: "Hey Kitchen turn on the fan", Ts: time.Now()})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Mode != ModeSessionOpen || !d.Forwarded || d.RoutedTo != "kitchen" {
		t.Fatalf("got %+v, want session_open forwarded to kitchen", d)
	}
	if env.callCount() != 1 {
		t.Fatalf("callCount = %d, want 1", env.callCount())
	}
}

func TestRoute_RecordsPipelineSpan(t *testing.T) {
	env := newTestEnv(t)
	r := New(env.reg, env.state, Config{TTL: time.Minute})

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	_, err := r.Route(context.Background(), TextEvent{SourceID: "mic1", Room: "kitchen", Text: "hey kitchen", Ts: time.Now()})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("Route did not record a span")
	}
	span := spans[0]
	if span.Name != "pipeline.route" {
		t.Errorf("span name = %q, want %q", span.Name, "pipeline.route")
	}

	attrs := make(map[string]string, len(span.Attributes))
	for _, a := range span.Attributes {
		attrs[string(a.Key)] = a.Value.AsString()
	}
	if attrs["echonet.source_id"] != "mic1" {
		t.Errorf("echonet.source_id = %q, want %q", attrs["echonet.source_id"], "mic1")
	}
	if attrs["echonet.room"] != "kitchen" {
		t.Errorf("echonet.room = %q, want %q", attrs["echonet.room"], "kitchen")
	}
	if attrs["echonet.route.mode"] != string(ModeSessionOpen) {
		t.Errorf("echonet.route.mode = %q, want %q", attrs["echonet.route.mode"], ModeSessionOpen)
	}
}

func TestRouteContinuesSessionWithinTTL(t *testing.T) {
	env := newTestEnv(t)
	r := New(env.reg, env.state, Config{TTL: time.Minute})
	ctx := context.Background()

	r.Route(ctx, TextEvent{SourceID: "mic1", Text: "hey kitchen", Ts: time.Now()})
	d, err := r.Route(ctx, TextEvent{SourceID: "mic1", Text: "dim to fifty percent", Ts: time.Now()})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Mode != ModeSessionContinue || d.Reason != "session" {
		t.Fatalf("got %+v, want session_continue/session", d)
	}
}

func TestRouteIgnoresUnmatchedText(t *testing.T) {
	env := newTestEnv(t)
	r := New(env.reg, env.state, Config{TTL: time.Minute})

	d, err := r.Route(context.Background(), TextEvent{SourceID: "mic1", Text: "what time is it", Ts: time.Now()})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Mode != ModeIgnored || d.Forwarded {
		t.Fatalf("got %+v, want ignored", d)
	}
}

func TestRouteCancelPhraseClosesSession(t *testing.T) {
	env := newTestEnv(t)
	r := New(env.reg, env.state, Config{TTL: time.Minute, CancelPhrases: []string{"never mind"}})
	ctx := context.Background()

	r.Route(ctx, TextEvent{SourceID: "mic1", Text: "hey kitchen", Ts: time.Now()})
	d, err := r.Route(ctx, TextEvent{SourceID: "mic1", Text: "never mind", Ts: time.Now()})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Mode != ModeSessionEnd || d.Forwarded || d.Reason != "cancel_phrase" {
		t.Fatalf("got %+v, want session_end/cancel_phrase", d)
	}

	// session must actually be gone: a follow-up non-wake utterance is ignored.
	d2, err := r.Route(ctx, TextEvent{SourceID: "mic1", Text: "dim to fifty percent", Ts: time.Now()})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d2.Mode != ModeIgnored {
		t.Fatalf("got %+v, want ignored after cancel", d2)
	}
}

func TestRouteExpiredSessionFallsThroughToWakePhrase(t *testing.T) {
	env := newTestEnv(t)
	r := New(env.reg, env.state, Config{TTL: time.Millisecond})
	ctx := context.Background()

	r.Route(ctx, TextEvent{SourceID: "mic1", Text: "hey kitchen", Ts: time.Now()})
	time.Sleep(5 * time.Millisecond)

	d, err := r.Route(ctx, TextEvent{SourceID: "mic1", Text: "unrelated chatter", Ts: time.Now()})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Mode != ModeIgnored {
		t.Fatalf("got %+v, want ignored once the session expired", d)
	}
}

func TestRouteActiveModeWithoutSessionUsesLastTarget(t *testing.T) {
	env := newTestEnv(t)
	r := New(env.reg, env.state, Config{TTL: time.Minute})
	ctx := context.Background()

	// Seed the most-recently-used target directly; in production this is
	// set by a prior successful forward.
	r.setLastTarget("kitchen")

	if err := env.state.SetListenMode(ctx, statemgr.ModeActive, "test", "test"); err != nil {
		t.Fatalf("SetListenMode: %v", err)
	}

	d, err := r.Route(ctx, TextEvent{SourceID: "mic2", Text: "anything at all", Ts: time.Now()})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Mode != ModeSessionOpen || !d.Forwarded || d.RoutedTo != "kitchen" {
		t.Fatalf("got %+v, want session_open forwarded to kitchen via active mode fallback", d)
	}
}

func TestRouteActiveModeIgnoresEmptyTranscript(t *testing.T) {
	env := newTestEnv(t)
	r := New(env.reg, env.state, Config{TTL: time.Minute})
	ctx := context.Background()
	r.setLastTarget("kitchen")

	if err := env.state.SetListenMode(ctx, statemgr.ModeActive, "test", "test"); err != nil {
		t.Fatalf("SetListenMode: %v", err)
	}

	d, err := r.Route(ctx, TextEvent{SourceID: "mic3", Text: "   ", Ts: time.Now()})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Mode != ModeIgnored {
		t.Fatalf("got %+v, want ignored for empty transcript in active mode", d)
	}
}
