// Package app wires every EchoNet subsystem into a running application.
//
// New constructs and connects all subsystems (persistent store, registry,
// state manager, audio capture, VAD, transcription, router, ASR worker, and
// the HTTP surface); Run executes the worker loop and HTTP listener until the
// context is cancelled; Shutdown tears everything down in reverse order.
//
// For testing, inject collaborators via functional options (WithStore,
// WithCapturer, WithTranscriber). When an option is not provided, New builds
// the real implementation from config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/bbureau12/echonet/internal/config"
	"github.com/bbureau12/echonet/internal/health"
	"github.com/bbureau12/echonet/internal/httpapi"
	"github.com/bbureau12/echonet/internal/observe"
	"github.com/bbureau12/echonet/internal/registry"
	"github.com/bbureau12/echonet/internal/router"
	"github.com/bbureau12/echonet/internal/statemgr"
	"github.com/bbureau12/echonet/internal/store"
	"github.com/bbureau12/echonet/internal/transcriber"
	"github.com/bbureau12/echonet/internal/transcriber/whisper"
	"github.com/bbureau12/echonet/internal/worker"
	"github.com/bbureau12/echonet/pkg/audio"
	"github.com/bbureau12/echonet/pkg/vad"
)

// sweepInterval is how often the Router evicts expired sessions
// (spec.md §4.G "swept by a background task every few seconds").
const sweepInterval = 5 * time.Second

// shutdownWorkerWait bounds how long Shutdown waits for an in-flight worker
// iteration to finish after Stop is signaled.
const shutdownWorkerWait = 10 * time.Second

const (
	keyEnablePreroll  = "enable_preroll_buffer"
	keyPrerollSeconds = "preroll_buffer_seconds"
)

// Capturer is the subset of pkg/audio.Capturer that App depends on directly;
// both the real Capturer and pkg/audio/mock.Capturer satisfy it.
type Capturer interface {
	ListDevices() ([]audio.Device, error)
	DefaultDevice() (audio.Device, bool, error)
	RecordUntilSilence(ctx context.Context, deviceIndex int, cfg audio.RecordConfig, detector audio.SpeechDetector, preroll []byte) ([]byte, error)
}

// App owns every subsystem's lifetime and orchestrates the EchoNet pipeline
// described in spec.md §2/§4.
type App struct {
	cfg *config.Config

	store       *store.Store
	registry    *registry.Registry
	state       *statemgr.StateManager
	capturer    Capturer
	detector    audio.SpeechDetector
	transcriber transcriber.Transcriber
	router      *router.Router
	worker      *worker.Worker
	metrics     *observe.Metrics
	httpServer  *http.Server

	otelShutdown func(context.Context) error

	// closers are run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New, used to inject test doubles.
type Option func(*App)

// WithStore injects a Store instead of opening one from config.Store.DBPath.
func WithStore(st *store.Store) Option {
	return func(a *App) { a.store = st }
}

// WithCapturer injects a Capturer instead of opening a real microphone.
func WithCapturer(c Capturer) Option {
	return func(a *App) { a.capturer = c }
}

// WithTranscriber injects a Transcriber instead of loading a whisper.cpp model.
func WithTranscriber(t transcriber.Transcriber) Option {
	return func(a *App) { a.transcriber = t }
}

// New wires every subsystem together, in the dependency order spec.md §2
// describes: Store -> Registry/State -> Capture/VAD -> Transcriber ->
// Router -> Worker -> HTTP surface.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if err := a.initObserve(); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initRegistry(ctx); err != nil {
		return nil, fmt.Errorf("app: init registry: %w", err)
	}
	if err := a.initState(ctx); err != nil {
		return nil, fmt.Errorf("app: init state: %w", err)
	}
	if err := a.initAudio(); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}
	if err := a.initTranscriber(); err != nil {
		return nil, fmt.Errorf("app: init transcriber: %w", err)
	}
	a.initRouter()
	if err := a.initWorker(ctx); err != nil {
		return nil, fmt.Errorf("app: init worker: %w", err)
	}
	a.initHTTP()

	return a, nil
}

func (a *App) initObserve() error {
	shutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "echonet",
	})
	if err != nil {
		return err
	}
	a.otelShutdown = shutdown
	a.metrics = observe.DefaultMetrics()
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	st, err := store.New(ctx, a.cfg.Store.DBPath)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	return nil
}

// initRegistry builds the Registry and seeds any config.Targets not already
// persisted (spec.md §6 "targets may be seeded via YAML on first run").
func (a *App) initRegistry(ctx context.Context) error {
	a.registry = registry.New(a.store)
	for _, seed := range a.cfg.Targets {
		if _, err := a.registry.Get(seed.Name); err == nil {
			continue
		}
		if err := a.registry.Upsert(ctx, registry.Target{
			Name: seed.Name, BaseURL: seed.BaseURL, Phrases: seed.Phrases,
		}); err != nil {
			return fmt.Errorf("seed target %q: %w", seed.Name, err)
		}
		slog.Info("app: seeded target from config", "name", seed.Name)
	}
	return nil
}

func (a *App) initState(ctx context.Context) error {
	mode := statemgr.Mode(a.cfg.Runtime.InitialListenMode)
	sm, err := statemgr.New(ctx, a.store, mode, a.cfg.Audio.DeviceIndex)
	if err != nil {
		return err
	}
	a.state = sm
	return nil
}

func (a *App) initAudio() error {
	if a.capturer == nil {
		c, err := audio.NewCapturer()
		if err != nil {
			return err
		}
		a.capturer = c
		a.closers = append(a.closers, c.Close)
	}

	classifier, err := vad.NewDefaultClassifier(
		a.cfg.Audio.SileroModelPath, a.cfg.Audio.SileroLibPath,
		a.cfg.Audio.SampleRate, a.cfg.Audio.SileroThreshold,
	)
	if err != nil {
		return fmt.Errorf("init vad classifier: %w", err)
	}
	a.detector = vad.NewEndpointer(vad.Config{
		SampleRate:      a.cfg.Audio.SampleRate,
		EnergyThreshold: a.cfg.Audio.EnergyThreshold,
		SilenceDuration: a.cfg.Audio.SilenceDuration,
		MinDuration:     a.cfg.Audio.MinDuration,
		UseMLVAD:        a.cfg.Audio.UseMLVAD,
	}, classifier)
	return nil
}

func (a *App) initTranscriber() error {
	if a.transcriber != nil {
		return nil
	}
	p, err := whisper.New(a.cfg.Transcriber.Model, a.cfg.Transcriber.Language, a.cfg.Audio.SampleRate)
	if err != nil {
		return err
	}
	a.transcriber = p
	a.closers = append(a.closers, p.Close)
	return nil
}

func (a *App) initRouter() {
	a.router = router.New(a.registry, a.state, router.Config{
		TTL:           time.Duration(a.cfg.Session.TTLSeconds) * time.Second,
		CancelPhrases: a.cfg.Session.CancelPhrases,
		Metrics:       a.metrics,
	})
}

// initWorker reads the enable_preroll_buffer/preroll_buffer_seconds settings
// (spec.md §4.C "Special settings"), seeding defaults on first run the same
// way statemgr seeds listen_mode, then constructs the Worker.
func (a *App) initWorker(ctx context.Context) error {
	enabled, err := a.boolSetting(ctx, keyEnablePreroll, false)
	if err != nil {
		return err
	}
	seconds, err := a.floatSetting(ctx, keyPrerollSeconds, 2.0)
	if err != nil {
		return err
	}

	preroll := 0.0
	if enabled {
		preroll = seconds
	}

	a.worker = worker.New(a.state, a.capturer, a.detector, a.transcriber, a.router, worker.Config{
		SourceID:       a.cfg.Runtime.SourceID,
		Language:       a.cfg.Transcriber.Language,
		SampleRate:     a.cfg.Audio.SampleRate,
		PrerollSeconds: preroll,
		Metrics:        a.metrics,
	})
	return nil
}

func (a *App) boolSetting(ctx context.Context, name string, def bool) (bool, error) {
	v, ok := a.store.Get(name)
	if !ok {
		if err := a.store.Set(ctx, name, strconv.FormatBool(def), "app", "initial_seed"); err != nil {
			return false, err
		}
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, nil
	}
	return b, nil
}

func (a *App) floatSetting(ctx context.Context, name string, def float64) (float64, error) {
	v, ok := a.store.Get(name)
	if !ok {
		if err := a.store.Set(ctx, name, strconv.FormatFloat(def, 'f', -1, 64), "app", "initial_seed"); err != nil {
			return 0, err
		}
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, nil
	}
	return f, nil
}

// initHTTP builds the HTTP surface (spec.md §4.I), health handler, and
// Prometheus scrape endpoint onto one shared mux, wrapped in the
// observability middleware.
func (a *App) initHTTP() {
	httpSrv := httpapi.New(httpapi.Config{
		Registry:    a.registry,
		State:       a.state,
		Router:      a.router,
		Store:       a.store,
		Capturer:    a.capturer,
		Transcriber: a.transcriber,
		Auth:        httpapi.Auth{APIKey: a.cfg.Auth.APIKey, AdminKey: a.cfg.Auth.AdminKey},
	})

	// maxWorkerIterationAge bounds how long the Worker's Run loop may go
	// without starting a new iteration before readiness fails — active
	// mode's 30s recording cap, plus margin.
	const maxWorkerIterationAge = 45 * time.Second

	healthHandler := health.New(
		health.Checker{Name: "store", Check: a.store.Ping},
		health.NewHeartbeatChecker("worker", a.worker.LastIterationAge, maxWorkerIterationAge),
	)

	mux := http.NewServeMux()
	httpSrv.Register(mux)
	healthHandler.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.httpServer = &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: observe.Middleware(a.metrics)(mux),
	}
}

// Run starts the ASR Worker loop, the Router's session sweeper, and the HTTP
// listener, blocking until ctx is cancelled or the HTTP server fails. The
// worker and sweeper are fanned in through an [errgroup.Group] sharing a
// derived gctx: the HTTP listener only ever stops via an explicit
// [App.Shutdown] call (not ctx cancellation — [http.Server.ListenAndServe]
// doesn't watch a context), so it stays outside the group. If it fails to
// bind instead, that failure is fed back into the group as an error, which
// cancels gctx and unwinds the worker/sweeper — otherwise they would run on
// indefinitely against an outer ctx that was never itself cancelled.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.worker.Run(gctx)
		return nil
	})

	g.Go(func() error {
		a.router.RunSweeper(gctx, sweepInterval)
		return nil
	})

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("app: http server listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	var runErr error
	select {
	case <-gctx.Done():
		runErr = ctx.Err()
	case err := <-serveErr:
		if err != nil {
			runErr = err
			g.Go(func() error { return err })
		}
	}

	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops the worker and HTTP listener, then runs every closer
// registered during New, in reverse order. It respects ctx's deadline: if ctx
// expires before all closers finish, remaining closers are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		a.worker.Stop()
		select {
		case <-a.worker.Stopped():
		case <-time.After(shutdownWorkerWait):
			slog.Warn("app: worker did not stop within deadline")
		}

		if err := a.httpServer.Shutdown(ctx); err != nil {
			slog.Warn("app: http server shutdown error", "error", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("app: closer error", "index", i, "error", err)
			}
		}

		if a.otelShutdown != nil {
			if err := a.otelShutdown(ctx); err != nil {
				slog.Warn("app: otel shutdown error", "error", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}
