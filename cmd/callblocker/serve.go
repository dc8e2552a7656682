package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prismaqf/callblocker/internal/api"
	"github.com/prismaqf/callblocker/internal/config"
	"github.com/prismaqf/callblocker/internal/redact"
	"github.com/prismaqf/callblocker/internal/scheduler"
	"github.com/prismaqf/callblocker/internal/session"
	"github.com/prismaqf/callblocker/internal/store"
	"github.com/prismaqf/callblocker/internal/ws"
)

// listenAttempts is how many consecutive ports are tried before giving up.
const listenAttempts = 10

// serveOptions carries the collaborators serve needs beyond the config.
type serveOptions struct {
	Logger  *slog.Logger
	State   StateWriter        // optional
	OnReady func(addr string) // optional, called once the API is listening
}

// serve runs the daemon until ctx is cancelled. The service run is opened
// before the API accepts requests and closed after everything else stops.
func serve(ctx context.Context, cfg *config.Config, opts serveOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	loc, err := cfg.Persistence.Location()
	if err != nil {
		return &ActionableError{What: "Invalid timezone", Cause: err, Fix: configLoadFix("")}
	}

	dataStore, err := store.NewSQLiteStore(cfg.Persistence.DBPath, loc, logger)
	if err != nil {
		return dbOpenError(cfg.Persistence.DBPath, err)
	}
	defer dataStore.Close()
	logger.Info("database opened", "path", cfg.Persistence.DBPath, "timezone", loc.String())
	if observesDST(loc) {
		logger.Warn("stored timestamps use a zone with DST; calls in the repeated fall-back hour sort out of order",
			"timezone", loc.String())
	}

	hub := ws.NewHub(cfg, logger)
	sess := session.New(session.Config{
		Store:    dataStore,
		Notifier: hub,
		Masker:   redact.FromConfig(&cfg.Privacy, false),
		Logger:   logger,
	})

	sched, err := scheduler.New(scheduler.Config{
		Location:          loc,
		RetentionSchedule: cfg.Retention.Schedule,
		RetentionDays:     cfg.Retention.CallsTTLDays,
		HeartbeatInterval: cfg.Session.HeartbeatInterval(),
		Retainer:          dataStore,
		Heartbeater:       sess,
		Logger:            logger,
	})
	if err != nil {
		return &ActionableError{
			What:  "Invalid retention schedule",
			Cause: err,
			Fix:   `Use a cron expression such as "0 3 * * *" or a descriptor such as "@daily" for retention.schedule.`,
		}
	}

	apiServer := api.NewServer(cfg, dataStore, sess, logger)
	defer apiServer.Close()
	apiServer.Handle("GET /ws", hub.Handler(cfg.Auth.Token))

	ln, addr, err := listenWithFallback(cfg.Server.ListenAddr(), listenAttempts)
	if err != nil {
		if isAddrInUse(err) {
			return &ActionableError{What: "No free port for the API", Cause: err, Fix: portInUseFix(cfg.Server.ListenAddr(), listenAttempts)}
		}
		return &ActionableError{What: "Cannot listen for the API", Cause: err, Fix: "Check the server.listen setting."}
	}
	if addr != cfg.Server.ListenAddr() {
		logger.Warn("configured port in use, fell back", "requested", cfg.Server.ListenAddr(), "actual", addr)
	}

	runID, err := sess.Start(ctx)
	if err != nil {
		ln.Close()
		if isDBLocked(err) {
			return dbOpenError(cfg.Persistence.DBPath, err)
		}
		return fmt.Errorf("starting service run: %w", err)
	}
	defer func() {
		// The parent context is already cancelled here
		if err := sess.Stop(context.Background()); err != nil {
			logger.Error("failed to close service run", "run_id", runID, "error", err)
		}
	}()

	if opts.State != nil {
		if err := opts.State.Write(ServerState{
			APIAddr:   addr,
			PID:       os.Getpid(),
			RunID:     runID,
			DBPath:    cfg.Persistence.DBPath,
			Timezone:  loc.String(),
			StartedAt: time.Now(),
		}); err != nil {
			logger.Warn("failed to write state file", "error", err)
		}
		defer opts.State.Delete()
	}

	httpServer := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.Info("callblocker started", "api", addr, "run_id", runID, "jobs", sched.Jobs())
	if opts.OnReady != nil {
		opts.OnReady(addr)
	}

	err = g.Wait()
	logger.Info("callblocker stopping", "run_id", runID)
	return err
}

// listenWithFallback listens on addr, moving to the next port while the
// current one is taken. It returns the address actually bound.
func listenWithFallback(addr string, attempts int) (net.Listener, string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid port in %q: %w", addr, err)
	}

	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		candidate := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, err := net.Listen("tcp", candidate)
		if err == nil {
			if port == 0 {
				candidate = ln.Addr().String()
			}
			return ln, candidate, nil
		}
		if !isAddrInUse(err) {
			return nil, "", err
		}
		lastErr = err
	}
	return nil, "", lastErr
}
