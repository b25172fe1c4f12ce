package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voicebridge/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	if d := config.Diff(cfg, cfg); !d.Empty() {
		t.Errorf("identical configs produced %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level needs no restart, got %v", d.RestartRequired)
	}
}

func TestDiff_LiveTuning(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Bridge.SeedPrompt = "Hi"
	new.LiveKit.TokenTTL = config.Duration(10 * time.Minute)

	d := config.Diff(old, new)
	if !d.BridgeChanged || !d.TokenTTLChanged {
		t.Errorf("diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.ListenAddr = ":9999"
	new.LiveKit.APISecret = "rotated"
	new.Ledger.Driver = config.LedgerPostgres
	new.Realtime.Model = "grok-2"

	d := config.Diff(old, new)
	want := []string{"server.listen_addr", "realtime", "livekit.credentials", "ledger"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.BridgeChanged || d.LogLevelChanged {
		t.Errorf("unexpected live changes: %+v", d)
	}
}
