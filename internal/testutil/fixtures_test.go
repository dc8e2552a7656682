package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prismaqf/callblocker/internal/rules"
	"github.com/prismaqf/callblocker/internal/store"
)

func TestRuleBuilder_Defaults(t *testing.T) {
	r := NewRule().Build()

	if r.Name != "test rule" {
		t.Errorf("Name = %q, want %q", r.Name, "test rule")
	}
	if r.Days != rules.AllDays {
		t.Errorf("Days = %v, want every day", r.Days)
	}
	if r.From != rules.StartOfDay || r.To != rules.EndOfDay {
		t.Errorf("window = %s-%s, want whole day", r.From, r.To)
	}
}

func TestRuleBuilder_Chained(t *testing.T) {
	r := NewRule().Named("night").On(time.Friday, time.Saturday).Between("22:00", "06:30").Build()

	if r.Name != "night" {
		t.Errorf("Name = %q", r.Name)
	}
	if !r.Days.Has(time.Friday) || !r.Days.Has(time.Saturday) || r.Days.Has(time.Monday) {
		t.Errorf("Days = %v", r.Days)
	}
	if r.From.String() != "22:00" || r.To.String() != "06:30" {
		t.Errorf("window = %s-%s", r.From, r.To)
	}
}

func TestRuleBuilder_BetweenPanicsOnBadTime(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for malformed time")
		}
	}()
	NewRule().Between("7pm", "23:00")
}

func TestRuleBuilder_Save(t *testing.T) {
	st := NewStore(t)

	saved := NewRule().Named("weekend").OnDays(rules.Weekend).Save(t, st)
	if saved.ID == 0 {
		t.Fatal("Save should assign an id")
	}
	got, err := st.GetRule(context.Background(), saved.ID)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if !got.Equal(saved) {
		t.Errorf("stored %+v, want %+v", got, saved)
	}
}

func TestSeedRun(t *testing.T) {
	st := NewStore(t)
	ctx := context.Background()

	first := SeedRun(t, st, Blocked("0111", 1), Unmatched("0222"), Call{Number: "0333", Description: "Mum"})
	second := SeedRun(t, st, Blocked("0444", 2))

	if first != 1 || second != 2 {
		t.Fatalf("run ids = %d, %d", first, second)
	}

	run, err := st.GetRun(ctx, second)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != store.RunStopped {
		t.Errorf("Status = %s, want stopped", run.Status)
	}
	// Counters carry forward from the first run
	if run.NumReceived != 4 || run.NumTriggered != 2 {
		t.Errorf("counters = %d/%d, want 4/2", run.NumReceived, run.NumTriggered)
	}

	calls, err := st.CallsByRun(ctx, first)
	if err != nil {
		t.Fatalf("CallsByRun: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("got %d calls, want 3", len(calls))
	}
	if !calls[0].Matched() || calls[1].Matched() {
		t.Error("rule ids not stored as given")
	}
	if calls[1].Description != nil {
		t.Error("empty description should be stored as absent")
	}
	if calls[2].Description == nil || *calls[2].Description != "Mum" {
		t.Errorf("Description = %v", calls[2].Description)
	}
}

func TestLoadRules(t *testing.T) {
	got := LoadRules(t, "household")

	if len(got) != 3 {
		t.Fatalf("got %d rules, want 3", len(got))
	}
	tests := []struct {
		name string
		days rules.DaySet
		to   string
	}{
		{"night", rules.AllDays, "07:00"},
		{"office hours", rules.WorkingDays, "17:30"},
		{"weekend", rules.Weekend, "23:59"},
	}
	for i, tt := range tests {
		if got[i].Name != tt.name || got[i].Days != tt.days || got[i].To.String() != tt.to {
			t.Errorf("rule %d = %+v, want %s %v until %s", i, got[i], tt.name, tt.days, tt.to)
		}
	}
}

func TestDuplicateFixtureIsRejected(t *testing.T) {
	_, err := rules.Parse(RulesYAML(t, "duplicate"))
	if !errors.Is(err, rules.ErrDuplicateName) {
		t.Errorf("Parse error = %v, want ErrDuplicateName", err)
	}
}

func TestWriteRulesFile(t *testing.T) {
	p := WriteRulesFile(t, "household")

	got, err := rules.LoadFile(p)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d rules, want 3", len(got))
	}
}
