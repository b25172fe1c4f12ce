package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicebridge/internal/config"
)

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

realtime:
  url: wss://api.x.ai/v1/realtime
  api_key: xai-test
  model: grok-voice

bridge:
  max_duration: 45s
  grace_period: 1500ms
  seed_prompt: "Hello there"
  queue_capacity: 128
  overflow: block

livekit:
  api_key: lk-key
  api_secret: lk-secret-value
  token_ttl: 30m

ledger:
  driver: sqlite
  path: /tmp/events.db
  mirror_url: https://n8n.example.com/webhook/log
  mirror_timeout: 3s
  mirror_buffer: 16

webhook:
  url: https://n8n.example.com/webhook/workspace
`

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Bridge.MaxDuration.Std() != 45*time.Second {
		t.Errorf("max_duration = %v", cfg.Bridge.MaxDuration.Std())
	}
	if cfg.Bridge.GracePeriod.Std() != 1500*time.Millisecond {
		t.Errorf("grace_period = %v", cfg.Bridge.GracePeriod.Std())
	}
	if cfg.Bridge.Overflow != "block" || cfg.Bridge.QueueCapacity != 128 {
		t.Errorf("bridge queue = %d/%q", cfg.Bridge.QueueCapacity, cfg.Bridge.Overflow)
	}
	if !cfg.LiveKit.Enabled() {
		t.Error("livekit should be enabled")
	}
	if cfg.LiveKit.URL != config.DefaultLiveKitURL {
		t.Errorf("livekit url default = %q", cfg.LiveKit.URL)
	}
	if cfg.Ledger.MirrorTimeout.Std() != 3*time.Second {
		t.Errorf("mirror_timeout = %v", cfg.Ledger.MirrorTimeout.Std())
	}
	if cfg.Webhook.Source != config.DefaultWebhookSource {
		t.Errorf("webhook source default = %q", cfg.Webhook.Source)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	want := config.Default()
	if *cfg != *want {
		t.Errorf("empty config = %+v, want defaults %+v", cfg, want)
	}
	if cfg.Bridge.MaxDuration.Std() != 30*time.Second || cfg.Bridge.GracePeriod.Std() != 2*time.Second {
		t.Errorf("bridge defaults = %v/%v", cfg.Bridge.MaxDuration.Std(), cfg.Bridge.GracePeriod.Std())
	}
	if cfg.Ledger.Driver != config.LedgerSQLite {
		t.Errorf("ledger driver default = %q", cfg.Ledger.Driver)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("bridge:\n  max_durration: 10s\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_BadDuration(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("bridge:\n  max_duration: soon\n"))
	if err == nil {
		t.Fatal("expected error for unparseable duration, got nil")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"negative duration", "bridge:\n  max_duration: -5s\n", "bridge.max_duration"},
		{"overflow", "bridge:\n  overflow: drop_newest\n", "bridge.overflow"},
		{"realtime scheme", "realtime:\n  url: http://api.x.ai\n", "realtime.url"},
		{"half livekit", "livekit:\n  api_key: only-key\n", "livekit"},
		{"token ttl above max", "livekit:\n  token_ttl: 25h\n", "livekit.token_ttl"},
		{"ledger driver", "ledger:\n  driver: mysql\n", "ledger.driver"},
		{"postgres dsn", "ledger:\n  driver: postgres\n", "ledger.postgres_dsn"},
		{"mirror url", "ledger:\n  mirror_url: not a url\n", "ledger.mirror_url"},
		{"webhook url", "webhook:\n  url: ftp://x\n", "webhook.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			var cfgErr *config.Error
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error %v is not a *config.Error", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error should mention %q, got: %v", tt.field, err)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()

	yaml := "server:\n  log_level: loud\nledger:\n  driver: mysql\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "ledger.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		config.EnvRealtimeAPIKey:   "xai-env",
		config.EnvLiveKitAPIKey:    "lk-env",
		config.EnvLiveKitAPISecret: "lk-secret-env",
		config.EnvLiveKitURL:       "wss://relay.example.com",
		config.EnvMirrorURL:        "https://log.example.com",
		config.EnvWebhookURL:       "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := &config.Config{}
	cfg.Realtime.APIKey = "from-file"
	cfg.Webhook.URL = "https://file.example.com"
	config.ApplyEnv(cfg, lookup)

	if cfg.Realtime.APIKey != "xai-env" {
		t.Errorf("env should override file value, got %q", cfg.Realtime.APIKey)
	}
	if cfg.LiveKit.URL != "wss://relay.example.com" {
		t.Errorf("livekit url = %q", cfg.LiveKit.URL)
	}
	if cfg.Ledger.MirrorURL != "https://log.example.com" {
		t.Errorf("mirror url = %q", cfg.Ledger.MirrorURL)
	}
	if cfg.Webhook.URL != "https://file.example.com" {
		t.Errorf("empty env value should not override, got %q", cfg.Webhook.URL)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := config.Load("/nonexistent/voicebridge.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestMask(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"", "(not set)"},
		{"short", "*****"},
		{"sk-1234567890", "sk-1*********"},
	}
	for _, tt := range tests {
		if got := config.Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDuration_MarshalYAML(t *testing.T) {
	t.Parallel()

	v, err := config.Duration(90 * time.Second).MarshalYAML()
	if err != nil {
		t.Fatalf("MarshalYAML: %v", err)
	}
	if v != "1m30s" {
		t.Errorf("got %v, want 1m30s", v)
	}
}
