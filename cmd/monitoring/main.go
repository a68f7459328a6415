package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ent0n29/fieldwatch/internal/app"
	"github.com/ent0n29/fieldwatch/internal/config"
)

var version = "dev"

func main() {
	var (
		configPath  string
		bindAddr    string
		logLevel    string
		showVersion bool
	)
	flags := pflag.NewFlagSet("monitoring", pflag.ExitOnError)
	flags.StringVarP(&configPath, "config", "c", "", "YAML config file (overrides MONITORING_CONFIG_FILE)")
	flags.StringVar(&bindAddr, "bind", "", "HTTP listen address (overrides APP_BIND_ADDR)")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")
	_ = flags.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	if err := run(configPath, bindAddr, logLevel); err != nil {
		slog.Error("monitoring service failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath, bindAddr, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if bindAddr != "" {
		cfg.BindAddr = bindAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	runCtx, runCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer runCancel()

	built, err := app.Build(runCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn("cleanup failed", "err", err)
		}
	}()
	built.Start(runCtx)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen error: %w", err)
		}
	case <-runCtx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
	return nil
}
