// Package httpapi implements the HTTP Surface (spec.md §4.I): a thin,
// framework-free layer over Registry, State Manager, Router, and Capture
// that lets operators and tooling drive the system without touching the
// audio pipeline directly.
package httpapi

import (
	"context"
	"net/http"

	"github.com/bbureau12/echonet/internal/registry"
	"github.com/bbureau12/echonet/internal/router"
	"github.com/bbureau12/echonet/internal/statemgr"
	"github.com/bbureau12/echonet/internal/store"
	"github.com/bbureau12/echonet/internal/transcriber"
	"github.com/bbureau12/echonet/pkg/audio"
)

// Capturer is the subset of pkg/audio.Capturer the HTTP surface depends on.
type Capturer interface {
	ListDevices() ([]audio.Device, error)
	DefaultDevice() (audio.Device, bool, error)
}

// Store is the subset of internal/store.Store the HTTP surface depends on
// directly (beyond what Registry/StateManager already wrap), for generic
// settings history and config.
type Store interface {
	AllSettings() []store.Setting
	Set(ctx context.Context, name, value, source, reason string) error
	Get(name string) (string, bool)
	History(ctx context.Context, name string, limit int) ([]store.SettingChange, error)
}

// Auth holds the static API key pair checked by the auth middleware
// (spec.md §4.I "a static API key header for all endpoints; an additional
// admin-key header for mutating admin endpoints").
type Auth struct {
	APIKey   string
	AdminKey string
}

// Server wires the HTTP Surface's dependencies and builds the request
// router. It holds no mutable state of its own — every handler defers to
// Registry/StateManager/Router/Store/Capturer/Transcriber.
type Server struct {
	reg    *registry.Registry
	state  *statemgr.StateManager
	rt     *router.Router
	st     Store
	cap    Capturer
	tr     transcriber.Transcriber
	auth   Auth
	broker *changeBroker
}

// Config bundles every dependency Server needs.
type Config struct {
	Registry    *registry.Registry
	State       *statemgr.StateManager
	Router      *router.Router
	Store       Store
	Capturer    Capturer
	Transcriber transcriber.Transcriber
	Auth        Auth
}

// New constructs a Server and starts forwarding statemgr.Change
// notifications to any connected /state/ws clients.
func New(cfg Config) *Server {
	s := &Server{
		reg:   cfg.Registry,
		state: cfg.State,
		rt:    cfg.Router,
		st:    cfg.Store,
		cap:   cfg.Capturer,
		tr:    cfg.Transcriber,
		auth:  cfg.Auth,
	}
	s.broker = newChangeBroker()
	if s.state != nil {
		ch := make(chan statemgr.Change, 16)
		s.state.Subscribe(ch)
		go s.broker.pump(ch)
	}
	return s
}

// Register adds every spec.md §4.I route to mux, wrapped in the auth
// middleware (health/metrics endpoints are registered separately by
// internal/app, matching the teacher's internal/health.Handler.Register
// convention of each concern owning its own route registration).
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /register", s.withAuth(true, s.handleRegister))
	mux.HandleFunc("GET /targets", s.withAuth(false, s.handleListTargets))
	mux.HandleFunc("DELETE /targets/{name}", s.withAuth(true, s.handleDeleteTarget))

	mux.HandleFunc("GET /state", s.withAuth(false, s.handleGetState))
	mux.HandleFunc("PUT /state", s.withAuth(true, s.handleSetState))
	mux.HandleFunc("GET /state/history", s.withAuth(false, s.handleStateHistory))
	mux.HandleFunc("GET /state/ws", s.withAuth(false, s.handleStateWS))

	mux.HandleFunc("POST /text", s.withAuth(false, s.handleText))

	mux.HandleFunc("GET /audio/devices", s.withAuth(false, s.handleListDevices))
	mux.HandleFunc("PUT /audio/device", s.withAuth(true, s.handleSetDevice))

	mux.HandleFunc("GET /config", s.withAuth(false, s.handleGetConfig))
	mux.HandleFunc("PUT /config/{key}", s.withAuth(true, s.handleSetConfig))

	mux.HandleFunc("POST /test/transcribe", s.withAuth(false, s.handleTestTranscribe))
}
