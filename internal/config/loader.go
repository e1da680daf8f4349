package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8000"
	DefaultDataDir         = "data"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultUpsertTimeout   = 10 * time.Second
)

// DefaultAllowedOrigins admits the web client's development server.
var DefaultAllowedOrigins = []string{"localhost:3000", "127.0.0.1:3000"}

// Environment variables that override file values.
const (
	EnvAPIKey      = "ELEVENLABS_API_KEY"
	EnvAgentID     = "ELEVENLABS_AGENT_ID"
	EnvDatabaseURL = "DATABASE_URL"
)

// DefaultPrompt instructs the agent to run a relaxed profile interview.
const DefaultPrompt = `You are a friendly and engaging conversation partner helping someone create their dating profile. Your goal is a natural, warm conversation that gathers information for their profile while capturing good voice samples.

Guidelines:
1. Be warm and make the person feel comfortable.
2. Ask open-ended questions that invite longer answers.
3. Show genuine interest in what they say.
4. Gently cover: their name and basics, work or passion, hobbies and interests, what they are looking for in a partner, fun facts, their ideal date, and their sense of humour.
5. Now and then ask them to elaborate or tell a story.
6. Keep it flowing like a conversation, not an interview.
7. Whenever you learn something profile-worthy, call the update_dating_profile tool with just the fields you learned.
8. After the main topics (usually 5-10 minutes), wrap up warmly.`

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	return loadFromReader(r, os.LookupEnv)
}

func loadFromReader(r io.Reader, lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, lookup)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets from the environment. lookup is usually
// [os.LookupEnv]; empty values are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		cfg.Upstream.APIKey = v
	}
	if v, ok := lookup(EnvAgentID); ok && v != "" {
		cfg.Upstream.AgentID = v
	}
	if v, ok := lookup(EnvDatabaseURL); ok && v != "" {
		cfg.Profiles.PostgresDSN = v
	}
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.AllowedOrigins == nil {
		cfg.Server.AllowedOrigins = slices.Clone(DefaultAllowedOrigins)
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Upstream.Prompt == "" {
		cfg.Upstream.Prompt = DefaultPrompt
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = DefaultDataDir
	}
	if cfg.Profiles.Backend == ProfileBackendSQLite && cfg.Profiles.SQLitePath == "" {
		cfg.Profiles.SQLitePath = filepath.Join(cfg.Storage.DataDir, "profiles.db")
	}
	if cfg.Profiles.UpsertTimeout == 0 {
		cfg.Profiles.UpsertTimeout = DefaultUpsertTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if cfg.Server.PublicBaseURL != "" {
		u, err := url.Parse(cfg.Server.PublicBaseURL)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.public_base_url %q is not an absolute URL", cfg.Server.PublicBaseURL))
		} else if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("server.public_base_url scheme %q is invalid; valid values: ws, wss, http, https", u.Scheme))
		}
	}

	// Upstream credentials are optional at startup; the start endpoint
	// reports their absence per request.
	if !cfg.Upstream.HasCredentials() {
		slog.Warn("upstream api_key or agent_id is empty; conversations cannot be started",
			"env_api_key", EnvAPIKey,
			"env_agent_id", EnvAgentID,
		)
	}

	if cfg.Upstream.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("upstream.breaker_failures %d must not be negative", cfg.Upstream.BreakerFailures))
	}
	if cfg.Upstream.BreakerCoolDown < 0 {
		errs = append(errs, fmt.Errorf("upstream.breaker_cooldown %s must not be negative", cfg.Upstream.BreakerCoolDown))
	}

	// Profiles
	if !cfg.Profiles.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("profiles.backend %q is invalid; valid values: postgres, sqlite, or empty", cfg.Profiles.Backend))
	}
	if cfg.Profiles.Backend == ProfileBackendPostgres && cfg.Profiles.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("profiles.postgres_dsn is required when backend is postgres (or set %s)", EnvDatabaseURL))
	}
	if cfg.Profiles.UpsertTimeout < 0 {
		errs = append(errs, fmt.Errorf("profiles.upsert_timeout %s must not be negative", cfg.Profiles.UpsertTimeout))
	}

	return errors.Join(errs...)
}
