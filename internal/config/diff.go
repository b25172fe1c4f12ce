package config

// ConfigDiff describes what changed between two configs.
//
// Log level and bridge tuning are applied live; everything listed in
// RestartRequired only takes effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// BridgeChanged is true if any bridge setting used by new sessions
	// changed (max_duration, grace_period, seed_prompt, queue_capacity,
	// overflow, device).
	BridgeChanged bool

	// TokenTTLChanged is true if livekit.token_ttl changed.
	TokenTTLChanged bool

	// RestartRequired lists the dotted paths of changed settings that are
	// bound at startup.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.BridgeChanged && !d.TokenTTLChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.BridgeChanged = old.Bridge != new.Bridge
	d.TokenTTLChanged = old.LiveKit.TokenTTL != new.LiveKit.TokenTTL

	restart := func(changed bool, field string) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, field)
		}
	}
	restart(old.Server.ListenAddr != new.Server.ListenAddr, "server.listen_addr")
	restart(old.Realtime != new.Realtime, "realtime")
	restart(old.LiveKit.APIKey != new.LiveKit.APIKey || old.LiveKit.APISecret != new.LiveKit.APISecret, "livekit.credentials")
	restart(old.LiveKit.URL != new.LiveKit.URL, "livekit.url")
	restart(old.Ledger != new.Ledger, "ledger")
	restart(old.Webhook != new.Webhook, "webhook")

	return d
}
