package analytics

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/prismaqf/callblocker/internal/rules"
	"github.com/prismaqf/callblocker/internal/store"
)

func i64(v int64) *int64 { return &v }

// seed builds two runs: run 1 stopped with three calls, run 2 still running
// with two calls, one of them matched by a rule that no longer exists.
func seed(t *testing.T) (*Engine, *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSQLiteStore(":memory:", time.UTC, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	night := rules.NewCalendarRule()
	night.Name = "night"
	if err := s.SaveRule(ctx, &night); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}

	run1, _ := s.InsertAtServiceStart(ctx)
	mustCall(t, s, run1, "0111", &night.ID)
	mustCall(t, s, run1, "0111", nil)
	mustCall(t, s, run1, "0222", &night.ID)
	if err := s.UpdateAtServiceStop(ctx, run1, 3, 2); err != nil {
		t.Fatalf("UpdateAtServiceStop: %v", err)
	}

	run2, _ := s.InsertAtServiceStart(ctx)
	mustCall(t, s, run2, "0333", nil)
	mustCall(t, s, run2, "0444", i64(99))
	if err := s.UpdateWhileRunning(ctx, run2, 5, 3); err != nil {
		t.Fatalf("UpdateWhileRunning: %v", err)
	}

	return NewEngine(s.DB().(*sql.DB), time.UTC), s
}

func mustCall(t *testing.T, s *store.SQLiteStore, runID int64, number string, ruleID *int64) {
	t.Helper()
	if _, err := s.InsertCall(context.Background(), runID, number, nil, ruleID); err != nil {
		t.Fatalf("InsertCall(%s): %v", number, err)
	}
}

func TestSummary(t *testing.T) {
	e, _ := seed(t)

	got, err := e.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if got.TotalRuns != 2 || got.TotalCalls != 5 || got.MatchedCalls != 3 || got.DistinctNumbers != 4 {
		t.Errorf("Summary = %+v", got)
	}
	if got.MatchRate != 60 {
		t.Errorf("MatchRate = %v, want 60", got.MatchRate)
	}
	if got.FirstCall == nil || got.LastCall == nil {
		t.Error("first/last call timestamps not decoded")
	}
}

func TestSummary_Empty(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:", time.UTC, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	got, err := NewEngine(s.DB().(*sql.DB), time.UTC).Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if diff := cmp.Diff(&Summary{}, got); diff != "" {
		t.Errorf("empty Summary mismatch (-want +got):\n%s", diff)
	}
}

func TestRuleCounts(t *testing.T) {
	e, _ := seed(t)

	got, err := e.RuleCounts(context.Background(), 0)
	if err != nil {
		t.Fatalf("RuleCounts: %v", err)
	}
	night := "night"
	want := []*RuleCount{
		{RuleID: 1, RuleName: &night, Calls: 2},
		{RuleID: 99, Calls: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RuleCounts mismatch (-want +got):\n%s", diff)
	}
}

func TestTopNumbers(t *testing.T) {
	e, _ := seed(t)

	got, err := e.TopNumbers(context.Background(), 1)
	if err != nil {
		t.Fatalf("TopNumbers: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Number != "0111" || got[0].Calls != 2 || got[0].Triggered != 1 {
		t.Errorf("top number = %+v", got[0])
	}
	if got[0].LastSeen == nil {
		t.Error("LastSeen not decoded")
	}
}

func TestRunBreakdown(t *testing.T) {
	e, _ := seed(t)

	got, err := e.RunBreakdown(context.Background(), 10)
	if err != nil {
		t.Fatalf("RunBreakdown: %v", err)
	}
	want := []*RunStats{
		{RunID: 2, Logged: 2, Matched: 1, NumReceived: 5, NumTriggered: 3},
		{RunID: 1, Logged: 3, Matched: 2, NumReceived: 3, NumTriggered: 2},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RunBreakdown mismatch (-want +got):\n%s", diff)
	}
}

func TestGetCallsByDay(t *testing.T) {
	e, _ := seed(t)

	now := time.Now()
	got, err := e.GetCallsByDay(context.Background(), now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetCallsByDay: %v", err)
	}
	var calls, matched int
	for _, d := range got {
		if len(d.Day) != len("2006-01-02") {
			t.Errorf("day = %q", d.Day)
		}
		calls += d.Calls
		matched += d.Matched
	}
	if calls != 5 || matched != 3 {
		t.Errorf("totals = %d/%d, want 5/3", calls, matched)
	}
}

func TestDetectAnomalies(t *testing.T) {
	e, s := seed(t)
	ctx := context.Background()

	// A third run leaves run 2 marked as running forever
	if _, err := s.InsertAtServiceStart(ctx); err != nil {
		t.Fatalf("InsertAtServiceStart: %v", err)
	}

	got, err := e.DetectAnomalies(ctx, &AnomalyThresholds{
		RepeatWindow:       time.Hour,
		RepeatCount:        2,
		HighTriggerRate:    50,
		HighTriggerMinimum: 3,
	})
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}

	byType := make(map[AnomalyType][]*Anomaly)
	for _, a := range got {
		byType[a.Type] = append(byType[a.Type], a)
	}

	if rc := byType[AnomalyRepeatCaller]; len(rc) != 1 || *rc[0].Number != "0111" {
		t.Errorf("repeat callers = %+v", rc)
	}
	if uc := byType[AnomalyUnclosedRun]; len(uc) != 1 || *uc[0].RunID != 2 {
		t.Errorf("unclosed runs = %+v", uc)
	}
	if ht := byType[AnomalyHighTrigger]; len(ht) != 1 || *ht[0].RunID != 1 {
		t.Errorf("high trigger runs = %+v", ht)
	}
}

func TestDetectRepeatCallers_OutsideWindow(t *testing.T) {
	e, _ := seed(t)
	e.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	got, err := e.DetectRepeatCallers(context.Background(), &AnomalyThresholds{RepeatWindow: time.Hour, RepeatCount: 2})
	if err != nil {
		t.Fatalf("DetectRepeatCallers: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d anomalies for calls outside the window", len(got))
	}
}
