// Package app wires all pillbox subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithRegistrar, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pillbox/internal/alarm"
	"github.com/MrWong99/pillbox/internal/api"
	"github.com/MrWong99/pillbox/internal/config"
	"github.com/MrWong99/pillbox/internal/extraction"
	"github.com/MrWong99/pillbox/internal/health"
	"github.com/MrWong99/pillbox/internal/observe"
	"github.com/MrWong99/pillbox/internal/pillbox"
	"github.com/MrWong99/pillbox/internal/resilience"
	"github.com/MrWong99/pillbox/internal/scan"
	"github.com/MrWong99/pillbox/internal/schedule"
	"github.com/MrWong99/pillbox/internal/store"
	"github.com/MrWong99/pillbox/pkg/provider/extract"
)

// shutdownGrace bounds how long in-flight HTTP requests may finish once Run
// is cancelled.
const shutdownGrace = 10 * time.Second

// App owns all subsystem lifetimes and serves the pillbox HTTP API.
type App struct {
	cfg       *config.Config
	extractor extract.Provider

	// Subsystems: initialised in New, torn down in Shutdown.
	metrics   *observe.Metrics
	store     store.Store
	registrar alarm.Registrar
	dispenser *pillbox.Client
	publisher *schedule.Publisher
	scheduler *alarm.Scheduler
	pipeline  *scan.Pipeline
	server    *http.Server
	watcher   *config.Watcher

	level          *slog.LevelVar
	metricsHandler http.Handler
	watchPath      string
	watchInterval  time.Duration

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRegistrar injects an alarm registrar instead of a [alarm.TimerRegistrar].
func WithRegistrar(r alarm.Registrar) Option {
	return func(a *App) { a.registrar = r }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h on the configured metrics path.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets config reloads change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigWatch polls path for changes while Run is active. Hot-reloadable
// fields are applied through [App.ApplyConfig].
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchInterval = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The extractor comes
// from main.go (built via the config registry).
//
// New performs all initialisation synchronously: store connection, delivery
// channel setup, alarm restore and HTTP routing.
func New(ctx context.Context, cfg *config.Config, extractor extract.Provider, opts ...Option) (*App, error) {
	if extractor == nil {
		return nil, errors.New("app: extractor is required")
	}
	a := &App{
		cfg:       cfg,
		extractor: extractor,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Delivery channels ─────────────────────────────────────────────
	a.initDelivery()

	// ── 3. Alarms ────────────────────────────────────────────────────────
	a.initAlarms()

	// ── 4. Scan pipeline ─────────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 5. Restore armed alarms ──────────────────────────────────────────
	if _, err := a.scheduler.Restore(ctx, a.store); err != nil {
		// Partial restores leave the remaining alarms armed.
		slog.Warn("app: some alarms were not restored", "err", err)
	}

	// ── 6. Config watcher ────────────────────────────────────────────────
	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.ApplyConfig, config.WithInterval(a.watchInterval))
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: init watcher: %w", err)
		}
		a.watcher = w
	}

	// ── 7. HTTP ──────────────────────────────────────────────────────────
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured backend unless one was injected. Postgres
// wins over SQLite; with neither the in-memory store is used.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		sc := a.cfg.Store
		switch sc.Backend() {
		case "postgres":
			s, err := store.OpenPostgres(ctx, sc.PostgresDSN)
			if err != nil {
				return err
			}
			a.store = s
		case "sqlite":
			s, err := store.OpenSQLite(ctx, sc.SQLitePath)
			if err != nil {
				return err
			}
			a.store = s
		default:
			a.store = store.NewMemStore()
		}
		slog.Info("store opened", "backend", sc.Backend())
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

// initDelivery sets up the schedule publisher. The HTTP push endpoint is
// tried first; the dispenser's WebSocket is the fallback.
func (a *App) initDelivery() {
	var channels []schedule.NamedChannel
	if url := a.cfg.Schedule.PushURL; url != "" {
		channels = append(channels, schedule.NamedChannel{
			Name:    "http",
			Channel: schedule.NewHTTPChannel(url, a.cfg.Schedule.PushTimeout),
		})
	}
	if url := a.cfg.Pillbox.DeviceURL; url != "" {
		a.dispenser = pillbox.New(url,
			pillbox.WithTimeout(a.cfg.Pillbox.Timeout),
			pillbox.WithMetrics(a.metrics),
		)
		channels = append(channels, schedule.NamedChannel{Name: "websocket", Channel: a.dispenser})
	}
	if len(channels) == 0 {
		slog.Warn("no schedule delivery channel configured")
	}
	a.publisher = schedule.NewPublisher(channels, resilience.CircuitBreakerConfig{
		Name:         "schedule-push",
		MaxFailures:  3,
		ResetTimeout: time.Minute,
		HalfOpenMax:  1,
	}, a.metrics)
}

// initAlarms builds the scheduler. Triggers run on a context that outlives
// any request and is cancelled in Shutdown.
func (a *App) initAlarms() {
	if a.registrar == nil {
		a.registrar = alarm.NewTimerRegistrar()
	}

	// A nil *pillbox.Client must stay a nil interface.
	var doors alarm.DoorOpener
	if a.dispenser != nil {
		doors = a.dispenser
	}
	dispatcher := alarm.NewDispatcher(a.store, a.store, doors, a.metrics)

	base, cancel := context.WithCancel(context.Background())
	a.scheduler = alarm.NewScheduler(a.registrar, dispatcher.Fire,
		alarm.WithMetrics(a.metrics),
		alarm.WithBaseContext(base),
	)
	a.closers = append(a.closers, func() error {
		cancel()
		if c, ok := a.registrar.(interface{ Close() }); ok {
			c.Close()
		}
		return nil
	})
}

func (a *App) initPipeline() error {
	anchors, err := a.cfg.MealAnchors()
	if err != nil {
		return err
	}
	ec := a.cfg.Extraction
	if len(ec.Credentials) == 0 {
		slog.Warn("no extraction credentials configured; scans will fail until some are added")
	}
	a.pipeline = scan.New(scan.Config{
		Rotator: extraction.NewRotator(ec.Credentials, a.store),
		Orchestrator: extraction.New(a.extractor,
			extraction.WithGeneration(a.cfg.GenerationConfig()),
			extraction.WithMetrics(a.metrics),
		),
		Models:    ec.Models,
		Anchors:   anchors,
		Store:     a.store,
		Scheduler: a.scheduler,
		Publisher: a.publisher,
	})
	return nil
}

// routes assembles the HTTP surface: probes, metrics and the /v1 API, all
// behind the tracing middleware.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	health.New(
		health.StoreCheck(a.store),
		health.CredentialsCheck(a.pipeline.HasCredentials),
		health.DeliveryCheck(a.publisher.Status),
	).Register(mux)

	metricsPath := a.cfg.Telemetry.MetricsPath
	if a.metricsHandler != nil {
		mux.Handle("GET "+metricsPath, a.metricsHandler)
	}

	mux.Handle("/v1/", api.New(a.pipeline, a.store).Routes())

	return observe.Middleware(a.metrics, "/healthz", "/readyz", metricsPath)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Pipeline returns the scan pipeline.
func (a *App) Pipeline() *scan.Pipeline { return a.pipeline }

// Scheduler returns the alarm scheduler.
func (a *App) Scheduler() *alarm.Scheduler { return a.scheduler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and, when configured, watches the config file until ctx is
// cancelled. In-flight requests get a grace period to finish. Run does not
// release subsystems; call [App.Shutdown] afterwards.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	return g.Wait()
}

// ApplyConfig applies the hot-reloadable differences between old and new.
// Everything else is logged as requiring a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AnchorsChanged {
		a.pipeline.SetAnchors(d.NewAnchors)
		slog.Info("meal anchors changed; existing alarms keep their times until regenerated",
			"morning", d.NewAnchors.Morning.String(),
			"afternoon", d.NewAnchors.Afternoon.String(),
			"night", d.NewAnchors.Night.String(),
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order, so alarms stop
// firing before the store closes. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases what New opened before a later step failed.
func (a *App) closeAll() {
	_ = a.Shutdown(context.Background())
}
