// Command ringbridge is the main entry point for the ringbridge
// telephony-to-realtime voice bridge server.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/sonovox/ringbridge/internal/bridge"
	"github.com/sonovox/ringbridge/internal/calllog"
	"github.com/sonovox/ringbridge/internal/config"
	"github.com/sonovox/ringbridge/internal/health"
	"github.com/sonovox/ringbridge/internal/observe"
	"github.com/sonovox/ringbridge/internal/realtime"
	"github.com/sonovox/ringbridge/internal/telephony"
	"github.com/sonovox/ringbridge/internal/tools"
)

// version is stamped by the release build; "dev" otherwise.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "ringbridge: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "ringbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("ringbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "ringbridge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create instruments", "err", err)
		return 1
	}

	// ── Tools ─────────────────────────────────────────────────────────────────
	toolReg := tools.NewRegistry()
	tools.RegisterBuiltins(toolReg)
	registerConfigTools(toolReg, cfg.Tools)

	// ── Call sessions and realtime client ─────────────────────────────────────
	registry := bridge.NewRegistry()
	client := realtime.NewClient(cfg, toolReg, metrics)
	srv := telephony.NewServer(cfg, registry, client, metrics)

	// ── Call log (optional) ───────────────────────────────────────────────────
	var checkers []health.Checker
	var pool *pgxpool.Pool
	var store *calllog.PostgresStore
	if dsn := cfg.CallLog.PostgresDSN; dsn != "" {
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			slog.Error("call log connection failed", "err", err)
			return 1
		}
		defer pool.Close()

		store = calllog.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			slog.Error("call log migration failed", "err", err)
			return 1
		}
		srv.SetCallLog(store)
		checkers = append(checkers, health.Checker{
			Name:  "calllog",
			Check: pool.Ping,
		})
		slog.Info("call log enabled")
	}

	// ── HTTP routes ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(registry.Len, checkers...).Register(mux)
	if store != nil {
		calllog.NewHTTPHandler(store).Register(mux)
	}

	printStartupSummary(cfg)

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		slog.Info("shutdown signal received, stopping")
		return httpServer.Shutdown(shutdownCtx)
	})

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownMetrics(shutdownCtx); err != nil {
		slog.Warn("metrics shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// registerConfigTools advertises the YAML-declared tools. They have no local
// handler, so invocations are logged and acknowledged; the model folds the
// acknowledgment into its reply while downstream systems consume the log.
func registerConfigTools(reg *tools.Registry, declared []config.ToolConfig) {
	for _, tc := range declared {
		name := tc.Name
		reg.Register(tools.Definition{
			Name:        name,
			Description: tc.Description,
			Parameters:  tc.Parameters,
		}, func(_ context.Context, args string) (string, error) {
			slog.Info("declared tool invoked", "tool", name, "args", args)
			return `{"status":"acknowledged"}`, nil
		})
		slog.Debug("registered tool", "name", name, "source", "config")
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       ringbridge startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Model", cfg.OpenAI.Model)
	printRow("Voice", cfg.OpenAI.Voice)
	printRow("Default rate", fmt.Sprintf("%d Hz", cfg.Audio.DefaultSampleRate))
	printRow("Chunk sizing", chunkSummary(cfg))
	printRow("Tools", fmt.Sprintf("%d declared", len(cfg.Tools)))
	if cfg.CallLog.PostgresDSN != "" {
		printRow("Call log", "postgres")
	} else {
		printRow("Call log", "(disabled)")
	}
	if cfg.Server.TLS != nil {
		printRow("Listen addr", cfg.Server.ListenAddr+" (tls)")
	} else {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func chunkSummary(cfg *config.Config) string {
	if cfg.Audio.DynamicChunkSizing {
		return fmt.Sprintf("adaptive %d-%dms", cfg.Audio.MinChunkMs, cfg.Audio.MaxChunkMs)
	}
	return fmt.Sprintf("fixed %dms", cfg.Audio.BufferChunkMs)
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
