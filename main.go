package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/time/rate"

	"huddle/server/internal/auth"
	"huddle/server/internal/config"
	"huddle/server/internal/core"
	"huddle/server/internal/httpapi"
	"huddle/server/internal/session"
	"huddle/server/internal/store"
	"huddle/server/internal/wt"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Echo listen address")
	flag.StringVar(&cfg.WTAddr, "wt-addr", cfg.WTAddr, "WebTransport (UDP) listen address; empty disables")
	flag.StringVar(&cfg.Store, "store", cfg.Store, "Message store: sqlite path, postgres:// DSN or redis:// URL")
	flag.IntVar(&cfg.HistoryLimit, "history", cfg.HistoryLimit, "Messages replayed to a joining connection")
	debug := flag.Bool("debug", cfg.Debug, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if handled, err := RunCLI(ctx, flag.Args(), cfg, os.Stdout); handled {
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cancel, cfg); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(ctx context.Context, cancel context.CancelFunc, cfg config.Config) error {
	slog.Info("starting server", "version", Version, "addr", cfg.Addr, "wt_addr", cfg.WTAddr)

	authn, err := auth.NewJWT(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return fmt.Errorf("authenticator: %w (set HUDDLE_JWT_SECRET)", err)
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("close message store", "err", closeErr)
		}
	}()

	registry := core.NewRegistry()
	gw := session.NewGateway(registry, st, authn, session.Options{
		HistoryLimit:    cfg.HistoryLimit,
		QueueSize:       cfg.QueueSize,
		MaxMessageRunes: cfg.MaxMessageRunes,
		RateLimit:       rate.Limit(cfg.RateLimit),
		RateBurst:       cfg.RateBurst,
	})
	defer gw.Shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	go RunMetrics(ctx, registry, cfg.MetricsInterval)

	if cfg.WTAddr != "" {
		tlsConfig, fingerprint, err := wt.TLSConfig(cfg.TLSCert, cfg.TLSKey, "")
		if err != nil {
			return fmt.Errorf("webtransport tls: %w", err)
		}
		slog.Info("webtransport certificate", "sha256", fingerprint)
		wtServer := wt.New(cfg.WTAddr, tlsConfig, gw, cfg.AllowedOrigins)
		go func() {
			if err := wtServer.Run(ctx); err != nil {
				slog.Error("webtransport server", "err", err)
				cancel()
			}
		}()
	}

	return httpapi.New(gw, cfg.AllowedOrigins).Run(ctx, cfg.Addr)
}
