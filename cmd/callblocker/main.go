package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prismaqf/callblocker/internal/config"
	"github.com/prismaqf/callblocker/internal/redact"
	"github.com/prismaqf/callblocker/internal/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

const usage = `Usage: callblocker [flags] [command] [args...]

Commands:
  serve                     Run the daemon (default)
  status                    Show the running daemon's state
  runs [-n N] [-asc]        List service runs
  calls [-n N] [-run ID]    List logged calls
  rules list                List calendar rules
  rules import <file>       Add rules from a YAML file
  rules export <file>       Write all rules to a YAML file

Flags:
`

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config file")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	dbPath := flag.String("db", "", "Database path (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("callblocker %s (%s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		printError("Failed to load config", err, configLoadFix(*configPath))
	}

	// Ensure the config directory exists for the database and state file
	if configDir, err := config.ConfigDir(); err == nil {
		if err := os.MkdirAll(configDir, 0700); err != nil {
			printError("Failed to create config directory", err, "Check permissions on "+configDir)
		}
	}

	// CLI overrides
	if *listenAddr != "" {
		cfg.Server.Listen = *listenAddr
	}
	if *dbPath != "" {
		cfg.Persistence.DBPath = *dbPath
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := "serve", []string(nil)
	if flag.NArg() > 0 {
		cmd, args = flag.Arg(0), flag.Args()[1:]
	}

	switch cmd {
	case "serve":
		err = runServe(ctx, cfg, logger)
	case "status":
		var sc *StatusCommand
		sc, err = NewStatusCommand()
		if err == nil {
			stop()
			os.Exit(sc.Execute(context.Background()))
		}
	case "runs", "calls", "rules":
		err = runInspect(ctx, cfg, cmd, args)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		var ae *ActionableError
		if errors.As(err, &ae) {
			stop()
			printError(ae.What, ae.Cause, ae.Fix)
		}
		slog.Error(cmd+" failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	state, err := NewFileStateStore()
	if err != nil {
		logger.Warn("state file unavailable; status will not find this daemon", "error", err)
	}

	var writer StateWriter
	if state != nil {
		writer = state
	}

	err = serve(ctx, cfg, serveOptions{
		Logger: logger,
		State:  writer,
		OnReady: func(addr string) {
			fmt.Fprintf(os.Stderr, "\n")
			fmt.Fprintf(os.Stderr, "  API:    http://%s/api\n", addr)
			fmt.Fprintf(os.Stderr, "  Stream: ws://%s/ws\n", addr)
			fmt.Fprintf(os.Stderr, "  DB:     %s\n", cfg.Persistence.DBPath)
			fmt.Fprintf(os.Stderr, "  Token:  %s\n", cfg.Auth.Token)
			fmt.Fprintf(os.Stderr, "\n")
		},
	})
	if err == nil {
		logger.Info("callblocker shutdown complete")
	}
	return err
}

func runInspect(ctx context.Context, cfg *config.Config, cmd string, args []string) error {
	loc, err := cfg.Persistence.Location()
	if err != nil {
		return err
	}
	// Offline commands only need warnings from the store
	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	dataStore, err := store.NewSQLiteStore(cfg.Persistence.DBPath, loc, quiet)
	if err != nil {
		return dbOpenError(cfg.Persistence.DBPath, err)
	}
	defer dataStore.Close()

	in := &inspector{
		store:  dataStore,
		masker: redact.FromConfig(&cfg.Privacy, true),
		out:    os.Stdout,
		now:    time.Now,
	}
	switch cmd {
	case "runs":
		return in.runs(ctx, args)
	case "calls":
		return in.calls(ctx, args)
	default:
		return in.rulesCmd(ctx, args)
	}
}
