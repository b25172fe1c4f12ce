// Command voicebridge is the entry point for the voicebridge server and its
// operator tools.
//
// Usage:
//
//	voicebridge [-config file] serve
//	voicebridge [-config file] session [-device name] [-seed text]
//	voicebridge [-config file] token -room R -identity I [-name N] [-ttl 1h]
//	voicebridge [-config file] build -spec S [-priority normal] [-notes N]
//
// Without -config the configuration is built from defaults and the
// environment alone.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voicebridge/internal/app"
	"github.com/MrWong99/voicebridge/internal/config"
	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/audio/malgo"
)

const usage = `usage: voicebridge [-config file] <command> [flags]

commands:
  serve     run the HTTP API
  session   bridge the default microphone to the realtime endpoint
  token     sign a LiveKit join grant
  build     send a build request to the workspace relay
`

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		return 2
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicebridge: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicebridge"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	switch cmd {
	case "serve":
		return serve(ctx, cfg, *configPath, &level)
	case "session":
		return session(ctx, cfg, args)
	case "token":
		return token(ctx, cfg, args)
	case "build":
		return build(ctx, cfg, args)
	default:
		fmt.Fprintf(os.Stderr, "voicebridge: unknown command %q\n", cmd)
		flag.Usage()
		return 2
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	config.ApplyEnv(cfg, os.LookupEnv)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ── Commands ──────────────────────────────────────────────────────────────────

func serve(ctx context.Context, cfg *config.Config, configPath string, level *slog.LevelVar) int {
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if configPath != "" {
		w, err := config.NewWatcher(configPath, func(_, next *config.Config) {
			d := application.Reload(next)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
		}, config.WithWatchLogger(slog.Default().With("component", "config")))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           application.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready, press Ctrl+C to shut down", "listen_addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	code := 0
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "err", err)
			code = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	application.Drain()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

func session(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("session", flag.ContinueOnError)
	device := fs.String("device", cfg.Bridge.Device, "capture device name (default: system input)")
	seed := fs.String("seed", cfg.Bridge.SeedPrompt, "text prompt sent before any audio")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if cfg.Realtime.APIKey == "" {
		fmt.Fprintf(os.Stderr, "voicebridge: %v\n", config.Missing(config.EnvRealtimeAPIKey))
		return 1
	}
	cfg.Bridge.SeedPrompt = *seed

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := application.Shutdown(sctx); err != nil {
			slog.Warn("shutdown error", "err", err)
		}
	}()

	var devOpts []malgo.Option
	if *device != "" {
		devOpts = append(devOpts, malgo.WithDeviceName(*device))
	}
	capture := audio.NewCapture(malgo.New(devOpts...), audio.QueueConfig{
		Capacity: cfg.Bridge.QueueCapacity,
		Overflow: audio.OverflowPolicy(cfg.Bridge.Overflow),
	})

	fmt.Printf("🎙  listening for up to %v, press Ctrl+C to stop\n", cfg.Bridge.MaxDuration.Std())
	id, res, err := application.RunSession(ctx, capture, app.WithOnText(func(text string) {
		fmt.Println("💬", text)
	}))
	fmt.Printf("session %s ended: reason=%s frames=%d messages=%d duration=%v\n",
		id, res.Reason, res.FramesSent, res.MessagesReceived, res.Duration.Round(time.Millisecond))
	if err != nil {
		slog.Error("session failed", "session", id, "err", err)
		return 1
	}
	return 0
}

func token(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	room := fs.String("room", "", "room to join (required)")
	identity := fs.String("identity", "", "participant identity (required)")
	name := fs.String("name", "", "display name (default: identity)")
	ttl := fs.Duration("ttl", cfg.LiveKit.TokenTTL.Std(), "grant lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer application.Shutdown(context.Background()) //nolint:errcheck

	iss := application.Issuer()
	if iss == nil {
		fmt.Fprintf(os.Stderr, "voicebridge: %v\n", config.Missing(config.EnvLiveKitAPIKey))
		return 1
	}
	g, err := iss.Issue(*room, *identity, *name, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		return 1
	}
	return printJSON(map[string]any{
		"url":        g.URL,
		"token":      g.Token,
		"expires_at": g.ExpiresAt(),
	})
}

func build(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	spec := fs.String("spec", "", "what to build (required)")
	priority := fs.String("priority", "normal", "low, normal or high")
	notes := fs.String("notes", "", "free-form notes")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer application.Shutdown(context.Background()) //nolint:errcheck

	n := application.Notifier()
	if n == nil {
		fmt.Fprintf(os.Stderr, "voicebridge: %v\n", config.Missing(config.EnvWebhookURL))
		return 1
	}
	resp, err := n.BuildRequest(ctx, *spec, *priority, *notes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		return 1
	}
	return printJSON(resp)
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		return 1
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║        voicebridge — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	printRow("Realtime URL", orUnset(cfg.Realtime.URL))
	printRow("Realtime key", config.Mask(cfg.Realtime.APIKey))
	printRow("LiveKit key", config.Mask(cfg.LiveKit.APIKey))
	printRow("LiveKit secret", config.Mask(cfg.LiveKit.APISecret))
	printRow("Ledger", string(cfg.Ledger.Driver))
	printRow("Mirror", orUnset(cfg.Ledger.MirrorURL))
	printRow("Workspace hook", orUnset(cfg.Webhook.URL))
	printRow("Max duration", cfg.Bridge.MaxDuration.Std().String())
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 25 {
		value = value[:22] + "…"
	}
	fmt.Printf("║  %-14s : %-25s║\n", label, value)
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
