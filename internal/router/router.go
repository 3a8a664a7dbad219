// Package router implements the Router / Session Engine (spec.md §4.G): the
// policy that decides, for each incoming TextEvent, whether to open,
// continue, or end a per-source_id session, and forwards matched events to
// the owning target's HTTP endpoint.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/bbureau12/echonet/internal/observe"
	"github.com/bbureau12/echonet/internal/registry"
	"github.com/bbureau12/echonet/internal/statemgr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// defaultTTL is the session idle timeout applied when Config.TTL is zero
// (spec.md §4.G "Session TTL default 25 s").
const defaultTTL = 25 * time.Second

// Config configures a Router.
type Config struct {
	TTL           time.Duration
	CancelPhrases []string

	// Metrics records route decisions, fan-out latency/outcomes, and the
	// live-session gauge. A nil Metrics (the zero Config) disables
	// recording entirely.
	Metrics *observe.Metrics
}

// Router is the Router / Session Engine described in spec.md §4.G. Safe for
// concurrent use; HTTP handlers and the ASR Worker may call Route
// concurrently for different source_ids.
type Router struct {
	registry *registry.Registry
	state    *statemgr.StateManager
	ttl      time.Duration
	cancel   []string
	fanout   *fanoutClient
	metrics  *observe.Metrics

	mu         sync.Mutex
	sessions   map[string]*session // keyed by source_id
	lastTarget string
}

// New constructs a Router. reg and state must be non-nil.
func New(reg *registry.Registry, state *statemgr.StateManager, cfg Config) *Router {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Router{
		registry: reg,
		state:    state,
		ttl:      ttl,
		cancel:   cfg.CancelPhrases,
		fanout:   newFanoutClient(cfg.Metrics),
		metrics:  cfg.Metrics,
		sessions: make(map[string]*session),
	}
}

// Route decides what to do with evt and, if matched, forwards it to a
// target per spec.md §4.G's decision order.
func (r *Router) Route(ctx context.Context, evt TextEvent) (decision RouteDecision, err error) {
	ctx, span := observe.StartPipelineSpan(ctx, "route", evt.SourceID, evt.Room)
	defer span.End()
	defer func() {
		span.SetAttributes(
			attribute.String("echonet.route.mode", string(decision.Mode)),
			attribute.String("echonet.route.reason", decision.Reason),
			attribute.Bool("echonet.route.forwarded", decision.Forwarded),
		)
	}()

	if r.metrics != nil {
		defer func() {
			if err == nil {
				r.metrics.RecordRouteDecision(ctx, string(decision.Mode), decision.Reason)
			}
		}()
	}

	normalized := normalizeText(evt.Text)
	now := evt.Ts
	if now.IsZero() {
		now = time.Now()
	}

	// 1. Cancel check.
	if _, matched := containsAny(normalized, r.cancel); matched {
		r.closeSession(evt.SourceID)
		return RouteDecision{Handled: true, Mode: ModeSessionEnd, Forwarded: false, Reason: "cancel_phrase"}, nil
	}

	// 2. Active session exists and not expired.
	if sess, ok := r.liveSession(evt.SourceID, now); ok {
		r.mu.Lock()
		sess.lastTs = now
		r.mu.Unlock()
		return r.forward(ctx, sess.target, evt, sess.id, "session", ModeSessionContinue), nil
	}

	mode := r.state.GetListenMode()
	if mode == statemgr.ModeActive {
		return r.routeActiveModeNoSession(ctx, evt, normalized, now), nil
	}

	// 3. Wake-phrase scan (trigger mode, or any mode other than active).
	idx := r.registry.PhraseMap()
	targetName, phrase, ok := idx.Match(normalized)
	if !ok {
		return RouteDecision{Handled: true, Mode: ModeIgnored, Forwarded: false, Reason: "no_match"}, nil
	}
	sessID := r.openSession(evt.SourceID, targetName, now)
	return r.forward(ctx, targetName, evt, sessID, "trigger_phrase:"+phrase, ModeSessionOpen), nil
}

// routeActiveModeNoSession implements spec.md §4.G's active-mode override:
// any non-empty transcript routes to the session target if one exists
// (already handled by the caller before this is reached), otherwise to the
// most-recently-used target.
func (r *Router) routeActiveModeNoSession(ctx context.Context, evt TextEvent, normalized string, now time.Time) RouteDecision {
	if normalized == "" {
		return RouteDecision{Handled: true, Mode: ModeIgnored, Forwarded: false, Reason: "no_match"}
	}
	target := r.getLastTarget()
	if target == "" {
		return RouteDecision{Handled: true, Mode: ModeIgnored, Forwarded: false, Reason: "no_match"}
	}
	sessID := r.openSession(evt.SourceID, target, now)
	return r.forward(ctx, target, evt, sessID, "active_mode_no_session", ModeSessionOpen)
}

// forward looks up target, posts the event to its /listen endpoint, and
// builds the resulting RouteDecision. On success it also records target as
// the most-recently-used one (spec.md §4.G "most-recently-used target").
func (r *Router) forward(ctx context.Context, targetName string, evt TextEvent, sessionID, reason string, mode Mode) RouteDecision {
	tgt, err := r.registry.Get(targetName)
	if err != nil {
		return RouteDecision{Handled: true, Mode: mode, SessionID: sessionID, Forwarded: false, Reason: "target_error:unknown_target"}
	}

	payload := fanoutPayload{
		SourceID:   evt.SourceID,
		Room:       evt.Room,
		Ts:         evt.Ts.UTC().Format(time.RFC3339Nano),
		Text:       evt.Text,
		Confidence: evt.Confidence,
		SessionID:  sessionID,
		Target:     tgt.Name,
		Reason:     reason,
	}
	forwarded, failReason := r.fanout.send(ctx, tgt.BaseURL, payload)

	decision := RouteDecision{
		Handled:   true,
		RoutedTo:  tgt.Name,
		Mode:      mode,
		SessionID: sessionID,
		Forwarded: forwarded,
		Reason:    reason,
	}
	if !forwarded {
		decision.Reason = failReason
	} else {
		r.setLastTarget(tgt.Name)
	}
	return decision
}

// liveSession returns the unexpired session for sourceID, lazily evicting it
// if it has expired (spec.md §4.G "lazily GC'd on next event").
func (r *Router) liveSession(sourceID string, now time.Time) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sourceID]
	if !ok {
		return nil, false
	}
	if sess.expired(now, r.ttl) {
		delete(r.sessions, sourceID)
		r.recordSessionGauge(-1)
		return nil, false
	}
	return sess, true
}

func (r *Router) openSession(sourceID, target string, now time.Time) string {
	r.mu.Lock()
	_, existed := r.sessions[sourceID]
	sess := &session{id: uuid.NewString(), target: target, lastTs: now}
	r.sessions[sourceID] = sess
	r.mu.Unlock()
	if !existed {
		r.recordSessionGauge(1)
	}
	return sess.id
}

func (r *Router) closeSession(sourceID string) {
	r.mu.Lock()
	_, existed := r.sessions[sourceID]
	delete(r.sessions, sourceID)
	r.mu.Unlock()
	if existed {
		r.recordSessionGauge(-1)
	}
}

func (r *Router) recordSessionGauge(delta int64) {
	if r.metrics != nil {
		r.metrics.ActiveSessions.Add(context.Background(), delta)
	}
}

func (r *Router) getLastTarget() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTarget
}

func (r *Router) setLastTarget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastTarget = name
}

// SetLastTarget seeds the most-recently-used target directly, for the HTTP
// surface's PUT /state handler (spec.md §4.I "validates target exists"):
// an operator switching listen_mode to active against a specific target
// should not have to wait for a wake phrase to establish it first.
func (r *Router) SetLastTarget(name string) {
	r.setLastTarget(name)
}

// SweepExpired evicts every session idle past the TTL. Intended to be called
// periodically by a background goroutine (spec.md §4.G "may be swept by a
// background task every few seconds").
func (r *Router) SweepExpired(now time.Time) {
	r.mu.Lock()
	var evicted int64
	for sourceID, sess := range r.sessions {
		if sess.expired(now, r.ttl) {
			delete(r.sessions, sourceID)
			evicted++
		}
	}
	r.mu.Unlock()
	if evicted > 0 {
		r.recordSessionGauge(-evicted)
	}
}

// RunSweeper runs SweepExpired every interval until ctx is cancelled.
func (r *Router) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			r.SweepExpired(t)
		}
	}
}
