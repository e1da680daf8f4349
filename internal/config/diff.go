package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported individually; anything else that
// changed is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanged is true when the prompt or first message changed. New
	// relays pick up the new values; running ones keep theirs.
	AgentChanged bool

	// RestartRequired names changed settings that only take effect after a
	// restart (e.g., "server.listen_addr").
	RestartRequired []string
}

// IsEmpty reports whether nothing changed.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.AgentChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Upstream.Prompt != new.Upstream.Prompt || old.Upstream.FirstMessage != new.Upstream.FirstMessage {
		d.AgentChanged = true
	}

	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.public_base_url", old.Server.PublicBaseURL != new.Server.PublicBaseURL)
	restart("server.allowed_origins", !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins))
	restart("server.shutdown_timeout", old.Server.ShutdownTimeout != new.Server.ShutdownTimeout)
	restart("upstream.api_key", old.Upstream.APIKey != new.Upstream.APIKey)
	restart("upstream.agent_id", old.Upstream.AgentID != new.Upstream.AgentID)
	restart("upstream.base_url", old.Upstream.BaseURL != new.Upstream.BaseURL)
	restart("upstream.breaker_failures", old.Upstream.BreakerFailures != new.Upstream.BreakerFailures)
	restart("upstream.breaker_cooldown", old.Upstream.BreakerCoolDown != new.Upstream.BreakerCoolDown)
	restart("storage.data_dir", old.Storage.DataDir != new.Storage.DataDir)
	restart("profiles", old.Profiles != new.Profiles)

	return d
}
