package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"order_sync/internal/app"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	configPath := flag.String("config", app.DefaultConfigPath, "path to the yaml configuration")
	flag.Parse()

	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap(*configPath)
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	// 2. Pprof Server (for performance profiling)
	if addr := bootstrap.Config.Debug.PprofAddr; addr != "" {
		go func() {
			slog.Info("🕵️ Pprof server started", slog.String("addr", addr))
			if err := http.ListenAndServe(addr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.InfoContext(ctx, "✨ Order sync running. Press Ctrl+C to exit.")

	// 4. Run until signalled or the connection exits
	if err := bootstrap.Run(ctx); err != nil {
		slog.Error("❌ Order sync stopped", slog.Any("error", err))
		bootstrap.Close()
		os.Exit(1)
	}

	slog.InfoContext(ctx, "👋 Shutting down gracefully...")
}
