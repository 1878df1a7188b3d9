// Command inferd is the main entry point for the inferd inference gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rkvantis/inferd/internal/app"
	"github.com/rkvantis/inferd/internal/config"
	"github.com/rkvantis/inferd/internal/observe"
	"github.com/rkvantis/inferd/pkg/provider/llm"
	"github.com/rkvantis/inferd/pkg/provider/llm/anthropic"
	"github.com/rkvantis/inferd/pkg/provider/llm/anyllm"
	"github.com/rkvantis/inferd/pkg/provider/llm/ollama"
	"github.com/rkvantis/inferd/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "inferd: config file %q not found — pass an existing YAML file with -config\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "inferd: %v\n", err)
		}
		return 1
	}

	// ── Logger ───────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("inferd starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── OpenTelemetry ──────────────────────────────────────────────────────
	// Must run before app.New: observe.DefaultMetrics() binds to whatever
	// MeterProvider is globally registered at the time of its first call, and
	// app.New is that first call unless a test overrides it via WithMetrics.
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{ServiceName: "inferd"})
	if err != nil {
		slog.Error("failed to initialise telemetry providers", "err", err)
		return 1
	}

	// ── Provider registry ──────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinAdapters(reg)

	// ── Startup summary ────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── Application wiring ─────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, reg, app.WithConfigWatch(*configPath), app.WithLogLevelVar(logLevel))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	srv := newHTTPServer(cfg.Server.ListenAddr, application)
	if srv != nil {
		go func() {
			slog.Info("health endpoint listening", "addr", cfg.Server.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("health server error", "err", err)
			}
		}()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("health server shutdown error", "err", err)
		}
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ────────────────────────────────────────────────────────

// anyllmBackendOption is the ProviderEntry.Options key naming which any-llm-go
// backend to target when Name is "anyllm" (e.g. "gemini", "mistral", "groq").
const anyllmBackendOption = "backend"

// registerBuiltinAdapters registers the factory for every adapter name
// inferd ships with. Credentials are NOT supplied here — CreateAndInitialize
// calls Initialize with the entry's APIKey/BaseURL/Options afterward.
func registerBuiltinAdapters(reg *config.Registry) {
	reg.Register("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		return openai.New(entry.Model), nil
	})
	reg.Register("anthropic", func(entry config.ProviderEntry) (llm.Provider, error) {
		return anthropic.New(entry.Model), nil
	})
	reg.Register("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		return ollama.New(entry.Model), nil
	})
	reg.Register("anyllm", func(entry config.ProviderEntry) (llm.Provider, error) {
		backend := entry.Options[anyllmBackendOption]
		if backend == "" {
			return nil, fmt.Errorf("anyllm provider requires options.%s to select a backend", anyllmBackendOption)
		}
		return anyllm.New(backend, entry.Model), nil
	})
}

// ── HTTP health surface ──────────────────────────────────────────────────────

// newHTTPServer wires the readiness/liveness handler and the Prometheus
// /metrics endpoint onto listenAddr. The REST/WebSocket inference API itself
// is out of scope for the core dispatch plane (spec.md §1) — only the
// ambient health/metrics surface is exposed here. Every request is wrapped
// in observe.Middleware, so request duration, trace context propagation, and
// correlation-ID logging cover this surface too.
func newHTTPServer(listenAddr string, a *app.App) *http.Server {
	if listenAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	a.Health().Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: listenAddr, Handler: observe.Middleware(a.Metrics())(mux)}
}

// ── Startup summary ──────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          inferd — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Providers       : %-19d ║\n", len(cfg.Providers))
	fmt.Printf("║  Pools           : %-19d ║\n", len(cfg.Routing.Pools))
	fmt.Printf("║  Default strategy: %-19s ║\n", truncate(string(cfg.Routing.DefaultStrategy), 19))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", truncate(cfg.Server.ListenAddr, 19))
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// ── Logger ───────────────────────────────────────────────────────────────────

// newLogger builds the process logger around an [slog.LevelVar], so a
// config hot-reload (app.WithLogLevelVar) can adjust verbosity without a
// restart.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := &slog.LevelVar{}
	switch level {
	case config.LogLevelDebug:
		lv.Set(slog.LevelDebug)
	case config.LogLevelWarn:
		lv.Set(slog.LevelWarn)
	case config.LogLevelError:
		lv.Set(slog.LevelError)
	default:
		lv.Set(slog.LevelInfo)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})), lv
}
