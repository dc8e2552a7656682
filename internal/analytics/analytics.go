// Package analytics provides aggregate statistics and anomaly detection over
// service runs and logged calls.
package analytics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prismaqf/callblocker/internal/store"
)

// Engine provides analytics queries.
type Engine struct {
	db    *sql.DB
	codec store.DateCodec
	now   func() time.Time
}

// NewEngine creates a new analytics engine. loc must match the zone the
// store writes timestamps in; nil means time.Local.
func NewEngine(db *sql.DB, loc *time.Location) *Engine {
	return &Engine{db: db, codec: store.NewDateCodec(loc), now: time.Now}
}

// Summary represents overall totals.
type Summary struct {
	TotalRuns       int        `json:"total_runs"`
	TotalCalls      int        `json:"total_calls"`
	MatchedCalls    int        `json:"matched_calls"`
	DistinctNumbers int        `json:"distinct_numbers"`
	MatchRate       float64    `json:"match_rate"` // percent of calls that triggered a rule
	FirstCall       *time.Time `json:"first_call,omitempty"`
	LastCall        *time.Time `json:"last_call,omitempty"`
}

// Summary returns totals across all runs.
func (e *Engine) Summary(ctx context.Context) (*Summary, error) {
	var s Summary

	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM service_runs`).Scan(&s.TotalRuns); err != nil {
		return nil, err
	}

	var first, last sql.NullString
	row := e.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(rule_id),
			COUNT(DISTINCT number),
			MIN(timestamp),
			MAX(timestamp)
		FROM logged_calls
	`)
	if err := row.Scan(&s.TotalCalls, &s.MatchedCalls, &s.DistinctNumbers, &first, &last); err != nil {
		return nil, err
	}

	s.FirstCall = e.parse(first)
	s.LastCall = e.parse(last)
	if s.TotalCalls > 0 {
		s.MatchRate = float64(s.MatchedCalls) / float64(s.TotalCalls) * 100
	}

	return &s, nil
}

// RuleCount is the number of calls a rule triggered on.
type RuleCount struct {
	RuleID   int64   `json:"rule_id"`
	RuleName *string `json:"rule_name,omitempty"` // nil once the rule is deleted
	Calls    int     `json:"calls"`
}

// RuleCounts returns trigger counts per rule, busiest first.
func (e *Engine) RuleCounts(ctx context.Context, limit int) ([]*RuleCount, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT c.rule_id, r.name, COUNT(*) AS calls
		FROM logged_calls c
		LEFT JOIN calendar_rules r ON r.id = c.rule_id
		WHERE c.rule_id IS NOT NULL
		GROUP BY c.rule_id
		ORDER BY calls DESC, c.rule_id ASC
		LIMIT ?
	`, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []*RuleCount
	for rows.Next() {
		var c RuleCount
		var name sql.NullString
		if err := rows.Scan(&c.RuleID, &name, &c.Calls); err != nil {
			return nil, err
		}
		if name.Valid {
			c.RuleName = &name.String
		}
		counts = append(counts, &c)
	}

	return counts, rows.Err()
}

// NumberStats aggregates the calls from one number.
type NumberStats struct {
	Number    string     `json:"number"`
	Calls     int        `json:"calls"`
	Triggered int        `json:"triggered"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

// TopNumbers returns the most frequent callers.
func (e *Engine) TopNumbers(ctx context.Context, limit int) ([]*NumberStats, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT number, COUNT(*) AS calls, COUNT(rule_id), MAX(timestamp)
		FROM logged_calls
		GROUP BY number
		ORDER BY calls DESC, number ASC
		LIMIT ?
	`, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*NumberStats
	for rows.Next() {
		var n NumberStats
		var last sql.NullString
		if err := rows.Scan(&n.Number, &n.Calls, &n.Triggered, &last); err != nil {
			return nil, err
		}
		n.LastSeen = e.parse(last)
		stats = append(stats, &n)
	}

	return stats, rows.Err()
}

// RunStats is the per-run view of logged calls. Logged and Matched count the
// rows attached to the run; the run's own counters are cumulative.
type RunStats struct {
	RunID        int64 `json:"run_id"`
	Logged       int   `json:"logged"`
	Matched      int   `json:"matched"`
	NumReceived  int   `json:"num_received"`
	NumTriggered int   `json:"num_triggered"`
}

// RunBreakdown returns the most recent runs with the calls logged in each.
func (e *Engine) RunBreakdown(ctx context.Context, limit int) ([]*RunStats, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT r.id, COUNT(c.id), COUNT(c.rule_id), r.total_received, r.total_triggered
		FROM service_runs r
		LEFT JOIN logged_calls c ON c.run_id = r.id
		GROUP BY r.id
		ORDER BY r.id DESC
		LIMIT ?
	`, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunStats
	for rows.Next() {
		var r RunStats
		if err := rows.Scan(&r.RunID, &r.Logged, &r.Matched, &r.NumReceived, &r.NumTriggered); err != nil {
			return nil, err
		}
		runs = append(runs, &r)
	}

	return runs, rows.Err()
}

// CallsByDay represents calls aggregated per calendar day.
type CallsByDay struct {
	Day     string `json:"day"` // YYYY-MM-DD in the store's zone
	Calls   int    `json:"calls"`
	Matched int    `json:"matched"`
}

// GetCallsByDay returns a daily breakdown of calls between start and end.
func (e *Engine) GetCallsByDay(ctx context.Context, start, end time.Time) ([]*CallsByDay, error) {
	// Stored timestamps carry no zone, so substr keeps the local day. The
	// range compare is textual and blurs the repeated hour of a DST fall-back.
	rows, err := e.db.QueryContext(ctx, `
		SELECT substr(timestamp, 1, 10) AS day, COUNT(*), COUNT(rule_id)
		FROM logged_calls
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY day
		ORDER BY day
	`, e.codec.Format(start), e.codec.Format(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var days []*CallsByDay
	for rows.Next() {
		var d CallsByDay
		if err := rows.Scan(&d.Day, &d.Calls, &d.Matched); err != nil {
			return nil, err
		}
		days = append(days, &d)
	}

	return days, rows.Err()
}

// parse decodes an aggregate timestamp. Unreadable values are dropped.
func (e *Engine) parse(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := e.codec.Parse(v.String)
	if err != nil {
		return nil
	}
	return &t
}

// sqlLimit maps "no limit" (<= 0) to SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
