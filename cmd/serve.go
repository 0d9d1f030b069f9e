package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"promptrelay/internal/config"
	"promptrelay/internal/provider"
	providerfactory "promptrelay/internal/provider/factory"
	"promptrelay/internal/router"
	"promptrelay/internal/server"
)

const serveUsage = `Usage:
  promptrelay serve [--config <path>] [--env-file <path>] [--port <port>] [--log-level <level>]

Flags:
  --config    string   Path to YAML configuration file (optional; environment only when omitted)
  --env-file  string   Dotenv file loaded before configuration (default ".env")
  --port      int      Override server port from configuration
  --log-level string   One of debug, info, warn, error (default "info")`

func serve(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var (
		cfgPath      string
		envFile      string
		overridePort int
		logLevel     string
	)
	flags.StringVar(&cfgPath, "config", "", "path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "path to dotenv file")
	flags.IntVar(&overridePort, "port", 0, "override server port")
	flags.StringVar(&logLevel, "log-level", "info", "log level")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if err := setupLogger(logLevel); err != nil {
		return err
	}

	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(ctx, cfg, registry); err != nil {
		return err
	}

	notifier, err := providerfactory.NewHook(cfg.Hook)
	if err != nil {
		return err
	}

	rt := router.New(registry,
		router.WithHook(notifier),
		router.WithStreamTimeout(cfg.Server.StreamTimeout.Std()),
	)

	srv, err := server.New(cfg, rt, registry)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

// loadEnvFile populates the process environment from a dotenv file. A missing
// file is not an error; variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	slog.Debug("loaded env file", "path", path)
	return nil
}

func setupLogger(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}
