// Command amas-hostd is the editor host proxy. It serves one local session
// over stdio when spawned by the frontend, or accepts authenticated remote
// sessions on a TCP listener when AMAS_LISTEN_ADDR is set.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/amas-editor/host-proxy-go/internal/logctx"
	"github.com/amas-editor/host-proxy-go/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "amas-hostd:", err)
		os.Exit(1)
	}
}

func run() error {
	// Frames own stdout; logs go to stderr.
	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel(),
		}),
	})
	slog.SetDefault(log)

	cfg, err := proxy.FromEnv()
	if err != nil {
		return err
	}

	srv, err := proxy.NewServer(cfg, proxy.WithServerLogger(log))
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Warn("server close", slog.String("err", err.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ListenAddr != "" {
		return srv.ListenAndServe(ctx)
	}
	return srv.ServeStdio(ctx)
}

func logLevel() slog.Level {
	switch os.Getenv("AMAS_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
