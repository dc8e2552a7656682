// Package session tracks the lifetime of a screening service run and records
// every call evaluated while it is active.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prismaqf/callblocker/internal/redact"
	"github.com/prismaqf/callblocker/internal/store"
)

// ErrNotRunning is returned when calls are recorded outside Start/Stop.
var ErrNotRunning = errors.New("service run not active")

// LogInfo is the bookkeeping snapshot produced for each recorded call.
type LogInfo struct {
	RunID        int64  `json:"run_id"`
	CallID       int64  `json:"call_id"`
	RuleID       *int64 `json:"rule_id,omitempty"`
	NumReceived  int    `json:"num_received"`
	NumTriggered int    `json:"num_triggered"`
}

// Call is an evaluated call handed over by the rule-matching engine.
type Call struct {
	Number      string
	Description *string
	RuleID      *int64 // nil when no rule matched
}

// Notifier receives lifecycle notifications. Implementations must not block.
type Notifier interface {
	RunStarted(run *store.ServiceRun)
	RunUpdated(run *store.ServiceRun)
	RunStopped(run *store.ServiceRun)
	CallLogged(call *store.LoggedCall, info LogInfo)
}

// Store is the persistence the session needs.
type Store interface {
	store.ServiceRunStore
	store.LoggedCallStore
	store.CallRecorder
}

// Service owns the current run. It is safe for concurrent use.
type Service struct {
	store    Store
	notifier Notifier
	masker   *redact.Masker
	logger   *slog.Logger

	mu           sync.Mutex
	runID        int64
	active       bool
	numReceived  int
	numTriggered int
}

// Config configures a Service.
type Config struct {
	Store    Store
	Notifier Notifier       // optional
	Masker   *redact.Masker // optional; numbers are logged verbatim without one
	Logger   *slog.Logger
}

// New creates a Service. Call Start before recording calls.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		masker:   cfg.Masker,
		logger:   logger,
	}
}

// Start opens a new run. Counters continue from the previous run's totals.
func (s *Service) Start(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return s.runID, nil
	}

	id, err := s.store.InsertAtServiceStart(ctx)
	if err != nil {
		return 0, fmt.Errorf("starting service run: %w", err)
	}
	if err := s.store.UpdateWhileRunning(ctx, id, -1, -1); err != nil {
		return 0, fmt.Errorf("marking run %d as running: %w", id, err)
	}
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("reading run %d: %w", id, err)
	}

	s.runID = id
	s.active = true
	s.numReceived = run.NumReceived
	s.numTriggered = run.NumTriggered

	s.logger.Info("service run started", "run_id", id,
		"received", s.numReceived, "triggered", s.numTriggered)
	if s.notifier != nil {
		s.notifier.RunStarted(run)
	}
	return id, nil
}

// Record logs one evaluated call and persists the updated counters.
func (s *Service) Record(ctx context.Context, c Call) (LogInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return LogInfo{}, ErrNotRunning
	}

	received := s.numReceived + 1
	triggered := s.numTriggered
	if c.RuleID != nil {
		triggered++
	}
	// Counters only move once the call and the totals are both committed
	callID, err := s.store.RecordCall(ctx, s.runID, c.Number, c.Description, c.RuleID, received, triggered)
	if err != nil {
		return LogInfo{}, fmt.Errorf("logging call: %w", err)
	}
	s.numReceived = received
	s.numTriggered = triggered

	info := LogInfo{
		RunID:        s.runID,
		CallID:       callID,
		RuleID:       c.RuleID,
		NumReceived:  received,
		NumTriggered: triggered,
	}

	s.logger.Debug("call logged", "run_id", s.runID, "call_id", callID,
		"number", s.masker.Mask(c.Number), "matched", c.RuleID != nil)

	if s.notifier != nil {
		s.notifier.CallLogged(&store.LoggedCall{
			ID:          callID,
			RunID:       s.runID,
			Number:      c.Number,
			Description: c.Description,
			RuleID:      c.RuleID,
		}, info)
		s.notifier.RunUpdated(s.snapshotLocked())
	}
	return info, nil
}

// Heartbeat refreshes the running marker without touching the counters.
func (s *Service) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return ErrNotRunning
	}
	return s.store.UpdateWhileRunning(ctx, s.runID, -1, -1)
}

// Stop closes the run with its final counters. Stopping an inactive service is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return nil
	}
	if err := s.store.UpdateAtServiceStop(ctx, s.runID, s.numReceived, s.numTriggered); err != nil {
		return fmt.Errorf("stopping run %d: %w", s.runID, err)
	}
	s.active = false

	s.logger.Info("service run stopped", "run_id", s.runID,
		"received", s.numReceived, "triggered", s.numTriggered)
	if s.notifier != nil {
		if run, err := s.store.GetRun(ctx, s.runID); err == nil {
			s.notifier.RunStopped(run)
		}
	}
	return nil
}

// Info returns the current counters.
func (s *Service) Info() (LogInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LogInfo{RunID: s.runID, NumReceived: s.numReceived, NumTriggered: s.numTriggered}, s.active
}

func (s *Service) snapshotLocked() *store.ServiceRun {
	return &store.ServiceRun{
		ID:           s.runID,
		Status:       store.RunRunning,
		NumReceived:  s.numReceived,
		NumTriggered: s.numTriggered,
	}
}
