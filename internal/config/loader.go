package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables read by [ApplyEnv]. They take precedence over values
// from the YAML file.
const (
	EnvRealtimeAPIKey   = "XAI_API_KEY"
	EnvRealtimeURL      = "XAI_REALTIME_URL"
	EnvRealtimeModel    = "XAI_MODEL"
	EnvLiveKitAPIKey    = "LIVEKIT_API_KEY"
	EnvLiveKitAPISecret = "LIVEKIT_API_SECRET"
	EnvLiveKitURL       = "LIVEKIT_URL"
	EnvMirrorURL        = "N8N_LOG_URL"
	EnvWebhookURL       = "N8N_WORKSPACE_URL"
)

// Load reads the YAML configuration file at path, overlays the environment
// and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. lookup is usually
// [os.LookupEnv]; tests pass a map-backed function. Empty values are
// ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&cfg.Realtime.APIKey, EnvRealtimeAPIKey)
	set(&cfg.Realtime.URL, EnvRealtimeURL)
	set(&cfg.Realtime.Model, EnvRealtimeModel)
	set(&cfg.LiveKit.APIKey, EnvLiveKitAPIKey)
	set(&cfg.LiveKit.APISecret, EnvLiveKitAPISecret)
	set(&cfg.LiveKit.URL, EnvLiveKitURL)
	set(&cfg.Ledger.MirrorURL, EnvMirrorURL)
	set(&cfg.Webhook.URL, EnvWebhookURL)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error of [*Error] values listing every failure found.
// Missing optional integrations are reported as warnings, not errors.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, Invalid("server.log_level", fmt.Sprintf("%q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)))
	}

	// Bridge
	if cfg.Bridge.MaxDuration.Std() <= 0 {
		errs = append(errs, Invalid("bridge.max_duration", "must be positive"))
	}
	if cfg.Bridge.GracePeriod.Std() < 0 {
		errs = append(errs, Invalid("bridge.grace_period", "must not be negative"))
	}
	if cfg.Bridge.QueueCapacity < 0 {
		errs = append(errs, Invalid("bridge.queue_capacity", "must not be negative"))
	}
	if cfg.Bridge.Overflow != "" && cfg.Bridge.Overflow != "drop_oldest" && cfg.Bridge.Overflow != "block" {
		errs = append(errs, Invalid("bridge.overflow", fmt.Sprintf("%q is invalid; valid values: drop_oldest, block", cfg.Bridge.Overflow)))
	}

	// Realtime
	if cfg.Realtime.URL != "" {
		if err := checkURL(cfg.Realtime.URL, "ws", "wss"); err != nil {
			errs = append(errs, Invalid("realtime.url", err.Error()))
		}
	}
	if cfg.Realtime.APIKey == "" {
		slog.Warn("realtime.api_key is empty; voice sessions will fail to authenticate", "env", EnvRealtimeAPIKey)
	}

	// LiveKit
	if (cfg.LiveKit.APIKey == "") != (cfg.LiveKit.APISecret == "") {
		errs = append(errs, Invalid("livekit", "api_key and api_secret must be set together"))
	}
	if !cfg.LiveKit.Enabled() {
		slog.Warn("livekit credentials not set; token issuance is disabled", "env", EnvLiveKitAPIKey)
	}
	if ttl := cfg.LiveKit.TokenTTL.Std(); ttl < 0 {
		errs = append(errs, Invalid("livekit.token_ttl", "must not be negative"))
	} else if ttl > MaxTokenTTL {
		errs = append(errs, Invalid("livekit.token_ttl", fmt.Sprintf("must not exceed %v", MaxTokenTTL)))
	}

	// Ledger
	if cfg.Ledger.Driver != "" && !cfg.Ledger.Driver.IsValid() {
		errs = append(errs, Invalid("ledger.driver", fmt.Sprintf("%q is invalid; valid values: sqlite, postgres", cfg.Ledger.Driver)))
	}
	if cfg.Ledger.Driver == LedgerPostgres && cfg.Ledger.PostgresDSN == "" {
		errs = append(errs, Missing("ledger.postgres_dsn"))
	}
	if cfg.Ledger.MirrorURL != "" {
		if err := checkURL(cfg.Ledger.MirrorURL, "http", "https"); err != nil {
			errs = append(errs, Invalid("ledger.mirror_url", err.Error()))
		}
	}
	if cfg.Ledger.MirrorBuffer < 0 {
		errs = append(errs, Invalid("ledger.mirror_buffer", "must not be negative"))
	}

	// Webhook
	if cfg.Webhook.URL != "" {
		if err := checkURL(cfg.Webhook.URL, "http", "https"); err != nil {
			errs = append(errs, Invalid("webhook.url", err.Error()))
		}
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %v URL", raw, schemes)
}
