// Package app wires the relay subsystems into a running HTTP service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until its context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject test doubles via functional options (WithDialer,
// WithProfileStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/centrum-dating/centrum/internal/api"
	"github.com/centrum-dating/centrum/internal/config"
	"github.com/centrum-dating/centrum/internal/health"
	"github.com/centrum-dating/centrum/internal/observe"
	"github.com/centrum-dating/centrum/internal/profilestore"
	"github.com/centrum-dating/centrum/internal/relay"
	"github.com/centrum-dating/centrum/internal/resilience"
	"github.com/centrum-dating/centrum/internal/session"
	"github.com/centrum-dating/centrum/internal/storage"
	"github.com/centrum-dating/centrum/pkg/provider/convai"
)

// upstreamHTTPTimeout bounds the signed-URL request.
const upstreamHTTPTimeout = 15 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems are initialised in New and torn down in Shutdown.
	sessions *session.Store
	storage  storage.Storage
	profiles profilestore.Store
	dialer   relay.Dialer
	metrics  *observe.Metrics
	relay    *relay.Handler
	server   *http.Server
	listener net.Listener
	level    *slog.LevelVar

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStorage injects durable storage instead of a filesystem store rooted at
// storage.data_dir.
func WithStorage(s storage.Storage) Option {
	return func(a *App) { a.storage = s }
}

// WithProfileStore injects a profile store instead of opening the configured
// backend.
func WithProfileStore(p profilestore.Store) Option {
	return func(a *App) { a.profiles = p }
}

// WithDialer injects the upstream dialer instead of a convai client.
func WithDialer(d relay.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener makes Run serve on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithLogLevel gives the App the level variable behind the process logger so
// that config reloads can change it.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It opens the profile
// store (running its schema migration) and prepares storage, but does not
// start listening until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		sessions: session.NewStore(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Level())
	}

	// ── 1. Storage ───────────────────────────────────────────────────────
	if err := a.initStorage(); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 2. Profile store ─────────────────────────────────────────────────
	if err := a.initProfiles(ctx); err != nil {
		return nil, fmt.Errorf("app: init profiles: %w", err)
	}

	// ── 3. Upstream dialer ───────────────────────────────────────────────
	a.initDialer()

	// ── 4. Relay + HTTP surface ──────────────────────────────────────────
	a.relay = relay.New(relay.Config{
		Sessions:       a.sessions,
		Dialer:         a.dialer,
		AgentID:        cfg.Upstream.AgentID,
		Storage:        a.storage,
		Profiles:       a.profiles,
		Metrics:        a.metrics,
		UpsertTimeout:  cfg.Profiles.UpsertTimeout,
		OriginPatterns: cfg.Server.AllowedOrigins,
		Prompt:         cfg.Upstream.Prompt,
		FirstMessage:   cfg.Upstream.FirstMessage,
	})
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStorage() error {
	if a.storage != nil {
		return nil
	}
	fs, err := storage.NewFS(a.cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	a.storage = fs
	slog.Info("storage ready", "data_dir", fs.Root())
	return nil
}

func (a *App) initProfiles(ctx context.Context) error {
	if a.profiles != nil {
		return nil
	}
	p, err := profilestore.Open(ctx, profilestore.Options{
		Backend:     string(a.cfg.Profiles.Backend),
		PostgresDSN: a.cfg.Profiles.PostgresDSN,
		SQLitePath:  a.cfg.Profiles.SQLitePath,
	})
	if err != nil {
		return err
	}
	a.profiles = p
	a.closers = append(a.closers, p.Close)
	slog.Info("profile store ready", "backend", backendName(a.cfg.Profiles.Backend))
	return nil
}

func (a *App) initDialer() {
	if a.dialer != nil {
		return
	}
	hc := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   upstreamHTTPTimeout,
	}
	opts := []convai.Option{convai.WithHTTPClient(hc)}
	if a.cfg.Upstream.BaseURL != "" {
		opts = append(opts, convai.WithBaseURL(a.cfg.Upstream.BaseURL))
	}
	metrics := a.metrics
	a.dialer = resilience.NewDialer(convai.New(a.cfg.Upstream.APIKey, opts...), resilience.BreakerConfig{
		Name:        "convai",
		MaxFailures: a.cfg.Upstream.BreakerFailures,
		CoolDown:    a.cfg.Upstream.BreakerCoolDown,
		OnStateChange: func(_, to resilience.State) {
			metrics.RecordBreakerTransition(context.Background(), to.String())
		},
	})
}

// Handler returns the full HTTP handler: API, relay, probes, and metrics,
// wrapped in CORS and the observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	api.New(api.Config{
		Sessions:       a.sessions,
		Storage:        a.storage,
		Relay:          a.relay,
		Metrics:        a.metrics,
		HasCredentials: a.cfg.Upstream.HasCredentials,
		PublicBaseURL:  a.cfg.Server.PublicBaseURL,
	}).Register(mux)

	health.New(
		health.PingChecker("profiles", a.profiles),
		health.StorageChecker(a.storage),
	).Register(mux)

	mux.Handle("GET /metrics", observe.MetricsHandler())

	return observe.Middleware(a.metrics)(api.CORS(a.cfg.Server.AllowedOrigins, mux))
}

// Sessions exposes the live session registry.
func (a *App) Sessions() *session.Store { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the server fails. It returns nil
// after a cancellation; call Shutdown afterwards to drain relays.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	slog.Info("http server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Serve(ln) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Reload applies a new config from the watcher. Log level and agent settings
// take effect immediately; everything else is reported as requiring a
// restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.IsEmpty() {
		return
	}
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AgentChanged {
		a.relay.SetAgent(new.Upstream.Prompt, new.Upstream.FirstMessage)
		slog.Info("agent prompt updated; applies to new conversations")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "fields", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, ends and finalizes live relays, and
// closes subsystems. If ctx expires first, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "live_sessions", a.sessions.Len(), "closers", len(a.closers))

		// WebSocket connections are hijacked, so the server does not wait
		// for them; the relay handler does.
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		if err := a.relay.Shutdown(ctx); err != nil {
			slog.Warn("relay shutdown incomplete", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func backendName(b config.ProfileBackend) string {
	if b == config.ProfileBackendNone {
		return "none"
	}
	return string(b)
}
