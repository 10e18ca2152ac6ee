package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vanpelt/runbridge/internal/auth"
	"github.com/vanpelt/runbridge/internal/broker"
	"github.com/vanpelt/runbridge/internal/config"
	"github.com/vanpelt/runbridge/internal/handlers"
	"github.com/vanpelt/runbridge/internal/logger"
	"github.com/vanpelt/runbridge/internal/recovery"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "🚀 Run the session broker",
	Long: `# 🚀 Serve

**Start the broker** and accept viewers on **/v1/ws**.

## 🔒 Credentials
Workers are only spawned once a credential stored by **runbridge login** has
been validated. Signing in while the server runs restarts blocked sessions.

## 🏠 Local Workers
Use **--local** for a worker that does not talk to the remote service. No
credential is required.

## 🔑 API Tokens
Set **api_secret** (or **RUNBRIDGE_API_SECRET**) to require tokens minted by
**runbridge token** on every route except **/health**.`,
	RunE: runServe,
}

var (
	serveListen  string
	serveDev     bool
	serveLocal   bool
	serveCommand string
	serveDir     string
	serveIdle    time.Duration
	serveLevel   string
	serveLogFile string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Address to listen on (default "+config.DefaultListen+")")
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "Development mode: console logging at debug level")
	serveCmd.Flags().BoolVar(&serveLocal, "local", false, "Spawn workers without a credential check")
	serveCmd.Flags().StringVar(&serveCommand, "worker", "", "Worker command to spawn per session")
	serveCmd.Flags().StringVar(&serveDir, "dir", "", "Working directory for the worker")
	serveCmd.Flags().DurationVar(&serveIdle, "idle-timeout", 0, "How long a session survives without viewers")
	serveCmd.Flags().StringVar(&serveLevel, "log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&serveLogFile, "log-file", "", "Append logs to this file instead of stderr")
}

// applyServeFlags layers explicitly set flags over the loaded configuration.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = serveListen
	}
	if flags.Changed("dev") {
		cfg.Dev = serveDev
	}
	if flags.Changed("local") {
		cfg.Worker.Local = serveLocal
	}
	if flags.Changed("worker") {
		cfg.Worker.Command = serveCommand
	}
	if flags.Changed("dir") {
		cfg.Worker.Dir = serveDir
	}
	if flags.Changed("idle-timeout") {
		cfg.Session.IdleTimeout = serveIdle
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = serveLevel
	} else if cfg.Dev && cfg.LogLevel == "info" {
		cfg.LogLevel = string(logger.LevelDebug)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := logger.ParseLevel(cfg.LogLevel)
	if serveLogFile != "" {
		f, err := os.OpenFile(serveLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		logger.ConfigureOutput(level, false, f)
	} else {
		logger.Configure(level, cfg.Dev)
	}

	store := auth.NewStore(cfg.Auth.CredentialsPath)
	gate := auth.NewGate(cfg.Auth.ProbePath, cfg.Auth.ProbeTimeout)

	opts := broker.OptionsFromConfig(cfg)
	opts.Credentials = store
	opts.Validator = gate
	registry := broker.NewRegistry(opts)

	if _, err := registry.GetOrCreate(broker.DefaultSessionID); err != nil {
		return err
	}

	srv := handlers.NewServer(handlers.Deps{
		Registry:    registry,
		Credentials: store,
		Validator:   gate,
		Endpoint:    cfg.Auth.Endpoint,
		APISecret:   cfg.APISecret,
	})

	watcher, watchErr := auth.Watch(store.Path(), func() {
		logger.Infof("🔑 Credential file changed: %s", store.Path())
		srv.CredentialsChanged()
		registry.CredentialsChanged()
	})
	if watchErr != nil {
		// Sessions still pick up a new credential on their next start.
		logger.Warnf("⚠️  Credential watcher disabled: %v", watchErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	recovery.SafeGo("http listener", func() {
		logger.Infof("🌉 runbridge listening on http://%s (worker: %s)", cfg.Listen, cfg.Worker.Command)
		serveErr <- srv.App.Listen(cfg.Listen)
	})

	select {
	case <-ctx.Done():
		logger.Info("🛑 Shutting down")
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("server stopped: %w", err)
		}
	}

	if watcher != nil {
		_ = watcher.Close()
	}
	if shutdownErr := srv.App.ShutdownWithTimeout(5 * time.Second); shutdownErr != nil {
		logger.Warnf("⚠️  HTTP shutdown: %v", shutdownErr)
	}
	_ = registry.Close()
	srv.Close()
	return err
}
