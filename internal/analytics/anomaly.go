package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prismaqf/callblocker/internal/store"
)

// AnomalyType identifies the kind of anomaly detected.
type AnomalyType string

const (
	AnomalyRepeatCaller AnomalyType = "repeat_caller" // Same number many times in a short window
	AnomalyUnclosedRun  AnomalyType = "unclosed_run"  // Older run never stopped (service killed)
	AnomalyHighTrigger  AnomalyType = "high_trigger"  // Most calls in a run were blocked
)

// Anomaly represents a detected issue.
type Anomaly struct {
	Type        AnomalyType `json:"type"`
	RunID       *int64      `json:"run_id,omitempty"`
	Number      *string     `json:"number,omitempty"`
	Severity    string      `json:"severity"` // 'info', 'warning'
	Description string      `json:"description"`
	Value       float64     `json:"value"`
	Threshold   float64     `json:"threshold"`
}

// AnomalyThresholds configures what triggers anomaly detection.
type AnomalyThresholds struct {
	RepeatWindow       time.Duration // Window for counting repeated calls
	RepeatCount        int           // Calls from one number within the window
	HighTriggerRate    float64       // Percent of matched calls in a run
	HighTriggerMinimum int           // Logged calls a run needs before the rate counts
}

// DefaultThresholds returns sensible default anomaly thresholds.
func DefaultThresholds() *AnomalyThresholds {
	return &AnomalyThresholds{
		RepeatWindow:       time.Hour,
		RepeatCount:        3,
		HighTriggerRate:    80,
		HighTriggerMinimum: 10,
	}
}

// DetectAnomalies runs every check and returns the combined findings.
func (e *Engine) DetectAnomalies(ctx context.Context, thresholds *AnomalyThresholds) ([]*Anomaly, error) {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}

	var anomalies []*Anomaly
	for _, check := range []func(context.Context, *AnomalyThresholds) ([]*Anomaly, error){
		e.DetectRepeatCallers,
		e.DetectUnclosedRuns,
		e.DetectHighTriggerRuns,
	} {
		found, err := check(ctx, thresholds)
		if err != nil {
			return anomalies, err
		}
		anomalies = append(anomalies, found...)
	}
	return anomalies, nil
}

// DetectRepeatCallers finds numbers that called at least RepeatCount times
// within the trailing RepeatWindow.
func (e *Engine) DetectRepeatCallers(ctx context.Context, thresholds *AnomalyThresholds) ([]*Anomaly, error) {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}

	since := e.codec.Format(e.now().Add(-thresholds.RepeatWindow))
	rows, err := e.db.QueryContext(ctx, `
		SELECT number, COUNT(*) AS calls
		FROM logged_calls
		WHERE timestamp >= ?
		GROUP BY number
		HAVING COUNT(*) >= ?
		ORDER BY calls DESC, number ASC
	`, since, thresholds.RepeatCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var anomalies []*Anomaly
	for rows.Next() {
		var number string
		var count int
		if err := rows.Scan(&number, &count); err != nil {
			return nil, err
		}
		anomalies = append(anomalies, &Anomaly{
			Type:        AnomalyRepeatCaller,
			Number:      &number,
			Severity:    "info",
			Description: fmt.Sprintf("%d calls within %s", count, thresholds.RepeatWindow),
			Value:       float64(count),
			Threshold:   float64(thresholds.RepeatCount),
		})
	}

	return anomalies, rows.Err()
}

// DetectUnclosedRuns reports runs other than the latest whose stop column was
// never given a timestamp. The latest run is left out since it may be live.
func (e *Engine) DetectUnclosedRuns(ctx context.Context, _ *AnomalyThresholds) ([]*Anomaly, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, stop FROM service_runs
		WHERE (stop IS NULL OR stop = ?)
		  AND id < (SELECT MAX(id) FROM service_runs)
		ORDER BY id
	`, store.RunningMarker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var anomalies []*Anomaly
	for rows.Next() {
		var id int64
		var stop sql.NullString
		if err := rows.Scan(&id, &stop); err != nil {
			return nil, err
		}
		desc := "Run was started but never marked as running"
		if stop.Valid {
			desc = "Run ended without recording a stop time"
		}
		anomalies = append(anomalies, &Anomaly{
			Type:        AnomalyUnclosedRun,
			RunID:       &id,
			Severity:    "warning",
			Description: desc,
		})
	}

	return anomalies, rows.Err()
}

// DetectHighTriggerRuns finds runs where the share of matched calls is above
// HighTriggerRate.
func (e *Engine) DetectHighTriggerRuns(ctx context.Context, thresholds *AnomalyThresholds) ([]*Anomaly, error) {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT run_id, COUNT(*), COUNT(rule_id)
		FROM logged_calls
		GROUP BY run_id
		HAVING COUNT(*) >= ?
		ORDER BY run_id
	`, thresholds.HighTriggerMinimum)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var anomalies []*Anomaly
	for rows.Next() {
		var runID int64
		var logged, matched int
		if err := rows.Scan(&runID, &logged, &matched); err != nil {
			return nil, err
		}
		rate := float64(matched) / float64(logged) * 100
		if rate <= thresholds.HighTriggerRate {
			continue
		}
		id := runID
		anomalies = append(anomalies, &Anomaly{
			Type:        AnomalyHighTrigger,
			RunID:       &id,
			Severity:    "info",
			Description: fmt.Sprintf("%d of %d calls matched a rule", matched, logged),
			Value:       rate,
			Threshold:   thresholds.HighTriggerRate,
		})
	}

	return anomalies, rows.Err()
}
