// Command centrum runs the conversation relay server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/centrum-dating/centrum/internal/app"
	"github.com/centrum-dating/centrum/internal/config"
	"github.com/centrum-dating/centrum/internal/observe"
	"github.com/centrum-dating/centrum/internal/profilestore"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "centrum: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "centrum",
		Short: "Centrum - voice conversation relay for dating profiles",
		Long: `Centrum bridges browser WebSocket clients to a hosted voice agent.

It records each conversation's transcript and audio, extracts profile
fields from the agent's tool calls, and upserts them to a profile store.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "centrum.yaml",
		"path to the YAML configuration file (environment-only when missing)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath, cmd.Flags().Changed("config"))
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the profile store schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "centrum v%s\n", version)
		},
	}

	root.AddCommand(serveCmd, migrateCmd, versionCmd)
	return root
}

// loadConfig reads configPath. When the default file is missing, settings
// come from the environment only; a missing file named with --config is an
// error. The returned bool reports whether a file was loaded.
func loadConfig(configPath string, explicit bool) (*config.Config, bool, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) || explicit {
		return nil, false, err
	}
	cfg, err = config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

func serve(ctx context.Context, configPath string, explicit bool) error {
	cfg, fromFile, err := loadConfig(configPath, explicit)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("centrum starting",
		"version", version,
		"config", configSource(configPath, fromFile),
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"profile_backend", cfg.Profiles.Backend,
	)
	if !cfg.Upstream.HasCredentials() {
		slog.Warn("upstream credentials missing; conversations cannot be started",
			"env", []string{config.EnvAPIKey, config.EnvAgentID})
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, app.WithLogLevel(level))
	if err != nil {
		return err
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if fromFile {
		w, err := config.NewWatcher(configPath, application.Reload)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("server error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	slog.Info("stopping, finalizing live sessions", "timeout", cfg.Server.ShutdownTimeout)
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")
	return runErr
}

func migrate(ctx context.Context, cfg *config.Config) error {
	if cfg.Profiles.Backend == config.ProfileBackendNone {
		return errors.New("no profile backend configured (profiles.backend)")
	}
	// Open applies the schema for every backend.
	store, err := profilestore.Open(ctx, profilestore.Options{
		Backend:     string(cfg.Profiles.Backend),
		PostgresDSN: cfg.Profiles.PostgresDSN,
		SQLitePath:  cfg.Profiles.SQLitePath,
	})
	if err != nil {
		return err
	}
	defer store.Close()
	slog.Info("profile store schema up to date", "backend", cfg.Profiles.Backend)
	return nil
}

func configSource(path string, fromFile bool) string {
	if fromFile {
		return path
	}
	return "environment"
}
