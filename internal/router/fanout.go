package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bbureau12/echonet/internal/observe"
	"github.com/bbureau12/echonet/internal/resilience"
)

const (
	fanoutConnectTimeout = 5 * time.Second
	fanoutTotalTimeout   = 10 * time.Second
)

// fanoutPayload is the JSON body posted to a target's /listen endpoint
// (spec.md §4.G "HTTP fan-out").
type fanoutPayload struct {
	SourceID   string  `json:"source_id"`
	Room       string  `json:"room"`
	Ts         string  `json:"ts"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	SessionID  string  `json:"session_id"`
	Target     string  `json:"target"`
	Reason     string  `json:"reason"`
}

// fanoutKind classifies why a fan-out attempt ultimately failed, surfaced in
// RouteDecision.Reason as "target_error:<kind>" (spec.md §4.G).
type fanoutKind string

const (
	fanoutKindTransient fanoutKind = "transient"
	fanoutKindClient    fanoutKind = "client_error"
	fanoutKindServer    fanoutKind = "server_error"
)

// fanoutClient posts TextEvents to target base URLs, applying spec.md §4.G's
// timeout and retry policy. Each target gets its own circuit breaker so a
// persistently failing target doesn't keep incurring the full retry cost on
// every event.
type fanoutClient struct {
	httpClient *http.Client
	metrics    *observe.Metrics

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

func newFanoutClient(metrics *observe.Metrics) *fanoutClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: fanoutConnectTimeout}).DialContext
	return &fanoutClient{
		httpClient: &http.Client{Timeout: fanoutTotalTimeout, Transport: transport},
		metrics:    metrics,
		breakers:   make(map[string]*resilience.CircuitBreaker),
	}
}

func (f *fanoutClient) breakerFor(baseURL string) *resilience.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb, ok := f.breakers[baseURL]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:            "router-fanout:" + baseURL,
			MaxFailures:     5,
			ClassifyFailure: isTargetFailure,
		})
		f.breakers[baseURL] = cb
	}
	return cb
}

// isTargetFailure reports whether err indicates the target itself is
// unhealthy (a transient network error or a 5xx response), as opposed to the
// target being reachable but rejecting this particular payload (a 4xx
// response). Only the former should count against the target's breaker —
// tripping the breaker on a 4xx would block every other event destined for a
// perfectly healthy target.
func isTargetFailure(err error) bool {
	var kErr *kindError
	if errors.As(err, &kErr) {
		return kErr.kind != fanoutKindClient
	}
	return true
}

// send posts evt to baseURL + "/listen", retrying once on a transient
// network error or a 5xx response, never retrying on a 4xx response
// (spec.md §4.G). Returns forwarded=true only once the target responded
// with a non-error status.
func (f *fanoutClient) send(ctx context.Context, baseURL string, payload fanoutPayload) (forwarded bool, reason string) {
	start := time.Now()
	defer func() {
		if f.metrics == nil {
			return
		}
		kind := "ok"
		if !forwarded {
			kind = reason
		}
		f.metrics.FanoutDuration.Record(ctx, time.Since(start).Seconds())
		f.metrics.RecordFanoutOutcome(ctx, payload.Target, kind)
	}()

	cb := f.breakerFor(baseURL)

	var lastErr error
	attempts := 0
	for attempts < 2 {
		attempts++
		err := cb.Execute(func() error {
			return f.post(ctx, baseURL, payload)
		})
		if err == nil {
			return true, ""
		}
		lastErr = err

		var kErr *kindError
		if errors.As(err, &kErr) {
			if kErr.kind == fanoutKindClient {
				return false, fmt.Sprintf("target_error:%s", kErr.kind)
			}
			// transient or server error: retry once.
			continue
		}
		// Circuit open or unclassified error: do not retry.
		break
	}
	slog.Warn("router: fan-out failed", "base_url", baseURL, "error", lastErr)
	return false, "target_error:" + string(classify(lastErr))
}

func (f *fanoutClient) post(ctx context.Context, baseURL string, payload fanoutPayload) error {
	ctx, cancel := context.WithTimeout(ctx, fanoutTotalTimeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return &kindError{kind: fanoutKindClient, err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/listen", bytes.NewReader(body))
	if err != nil {
		return &kindError{kind: fanoutKindClient, err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return &kindError{kind: fanoutKindTransient, err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &kindError{kind: fanoutKindClient, err: fmt.Errorf("target returned %d", resp.StatusCode)}
	default:
		return &kindError{kind: fanoutKindServer, err: fmt.Errorf("target returned %d", resp.StatusCode)}
	}
}

// kindError tags an error with the fanoutKind that decides retry behavior.
type kindError struct {
	kind fanoutKind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

func classify(err error) fanoutKind {
	var kErr *kindError
	if errors.As(err, &kErr) {
		return kErr.kind
	}
	return fanoutKindTransient
}
