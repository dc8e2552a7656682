// Package store provides data persistence using SQLite.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/prismaqf/callblocker/internal/rules"
)

var (
	// ErrNumberRequired is returned when a call is logged without a phone number.
	ErrNumberRequired = errors.New("phone number required for a logged call")
	// ErrRunNotFound is returned when an update targets an unknown run id.
	ErrRunNotFound = errors.New("service run not found")
	// ErrRuleNotFound is returned for an unknown calendar rule id.
	ErrRuleNotFound = errors.New("calendar rule not found")
)

// RunStatus is the decoded form of service_runs.stop.
type RunStatus string

const (
	RunPending RunStatus = "pending" // stop is NULL: inserted, never updated
	RunRunning RunStatus = "running" // stop holds RunningMarker
	RunStopped RunStatus = "stopped" // stop holds a timestamp
)

// ServiceRun is one lifetime of the background screening service.
// Counters are cumulative across runs: each run starts from the previous totals.
type ServiceRun struct {
	ID           int64      `json:"id"`
	Start        *time.Time `json:"start,omitempty"`
	Stop         *time.Time `json:"stop,omitempty"`
	Status       RunStatus  `json:"status"`
	NumReceived  int        `json:"num_received"`
	NumTriggered int        `json:"num_triggered"`
}

// IsRunning reports whether the run is still marked as in progress.
func (r *ServiceRun) IsRunning() bool {
	return r.Status == RunRunning
}

// LoggedCall is one call evaluated during a service run. Description and
// RuleID are nil when absent, which is distinct from empty.
type LoggedCall struct {
	ID          int64      `json:"id"`
	RunID       int64      `json:"run_id"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	Number      string     `json:"number"`
	Description *string    `json:"description,omitempty"`
	RuleID      *int64     `json:"rule_id,omitempty"`
}

// Matched reports whether a rule triggered on the call.
func (c *LoggedCall) Matched() bool {
	return c.RuleID != nil
}

// ServiceRunStore persists service runs. Implementations must serialize
// LatestRun, InsertAtServiceStart and the update methods against each other.
type ServiceRunStore interface {
	LatestRun(ctx context.Context) (*ServiceRun, error)
	InsertAtServiceStart(ctx context.Context) (int64, error)
	// UpdateWhileRunning marks the run as running; negative counters are left unchanged.
	UpdateWhileRunning(ctx context.Context, runID int64, numReceived, numTriggered int) error
	UpdateAtServiceStop(ctx context.Context, runID int64, numReceived, numTriggered int) error
	// LatestRuns returns up to max runs by id; max <= 0 means no limit.
	LatestRuns(ctx context.Context, max int, descending bool) ([]*ServiceRun, error)
	GetRun(ctx context.Context, runID int64) (*ServiceRun, error)
}

// LoggedCallStore persists logged calls.
type LoggedCallStore interface {
	InsertCall(ctx context.Context, runID int64, number string, description *string, ruleID *int64) (int64, error)
	LatestCalls(ctx context.Context, max int, descending bool) ([]*LoggedCall, error)
	CallsByRun(ctx context.Context, runID int64) ([]*LoggedCall, error)
	DeleteCallsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CallRecorder journals a call together with its run's new totals, as one
// unit: either both are stored or neither is.
type CallRecorder interface {
	RecordCall(ctx context.Context, runID int64, number string, description *string, ruleID *int64, numReceived, numTriggered int) (int64, error)
}

// RuleStore persists calendar rules. Name uniqueness is checked by callers.
type RuleStore interface {
	SaveRule(ctx context.Context, rule *rules.CalendarRule) error
	UpdateRule(ctx context.Context, rule *rules.CalendarRule) error
	GetRule(ctx context.Context, id int64) (*rules.CalendarRule, error)
	ListRules(ctx context.Context) ([]*rules.CalendarRule, error)
	DeleteRule(ctx context.Context, id int64) error
	// RuleNames lists taken names, leaving out the rule with id except (0 keeps all).
	RuleNames(ctx context.Context, except int64) ([]string, error)
}

// Store defines the interface for data persistence.
type Store interface {
	ServiceRunStore
	LoggedCallStore
	CallRecorder
	RuleStore

	Close() error

	// DB returns the underlying database connection for analytics queries.
	DB() interface{}
}
