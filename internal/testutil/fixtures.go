// Package testutil provides shared test fixtures for consistent, realistic test data.
package testutil

import (
	"context"
	"embed"
	"os"
	"path"
	"path/filepath"
	"testing"
	"time"

	"github.com/prismaqf/callblocker/internal/rules"
	"github.com/prismaqf/callblocker/internal/store"
)

//go:embed rules/*.yaml
var fixtures embed.FS

// NewStore opens an in-memory store with UTC timestamps, closed when the test ends.
func NewStore(t testing.TB) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", time.UTC, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// RuleBuilder provides a fluent API for building calendar rules.
type RuleBuilder struct {
	rule rules.CalendarRule
}

// NewRule creates a RuleBuilder for an always-active rule named "test rule".
func NewRule() *RuleBuilder {
	r := rules.NewCalendarRule()
	r.Name = "test rule"
	return &RuleBuilder{rule: r}
}

// Named sets the rule name.
func (b *RuleBuilder) Named(name string) *RuleBuilder {
	b.rule.Name = name
	return b
}

// On replaces the days with the given weekdays.
func (b *RuleBuilder) On(days ...time.Weekday) *RuleBuilder {
	b.rule.Days = rules.DaysOf(days...)
	return b
}

// OnDays replaces the days with a prebuilt set.
func (b *RuleBuilder) OnDays(days rules.DaySet) *RuleBuilder {
	b.rule.Days = days
	return b
}

// Between sets the active window. It panics on malformed times.
func (b *RuleBuilder) Between(from, to string) *RuleBuilder {
	b.rule.From = mustTime(from)
	b.rule.To = mustTime(to)
	return b
}

// Build returns the constructed rule.
func (b *RuleBuilder) Build() rules.CalendarRule {
	return b.rule
}

// Save stores the rule and returns it with its assigned id.
func (b *RuleBuilder) Save(t testing.TB, st store.RuleStore) rules.CalendarRule {
	t.Helper()
	r := b.rule
	if err := st.SaveRule(context.Background(), &r); err != nil {
		t.Fatalf("failed to save rule %q: %v", r.Name, err)
	}
	return r
}

func mustTime(s string) rules.TimeOfDay {
	tod, err := rules.ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return tod
}

// Call describes one call to seed. A zero RuleID means no rule matched.
type Call struct {
	Number      string
	Description string
	RuleID      int64
}

// Unmatched is shorthand for a call that no rule blocked.
func Unmatched(number string) Call { return Call{Number: number} }

// Blocked is shorthand for a call blocked by rule.
func Blocked(number string, rule int64) Call { return Call{Number: number, RuleID: rule} }

// SeedRun records one complete service run holding calls, with counters
// carried forward from the previous run the way a live session does.
// It returns the run id.
func SeedRun(t testing.TB, st store.Store, calls ...Call) int64 {
	t.Helper()
	ctx := context.Background()

	runID, err := st.InsertAtServiceStart(ctx)
	if err != nil {
		t.Fatalf("failed to start run: %v", err)
	}
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("failed to read run %d: %v", runID, err)
	}

	received, triggered := run.NumReceived, run.NumTriggered
	for _, c := range calls {
		var desc *string
		if c.Description != "" {
			desc = &c.Description
		}
		var rule *int64
		if c.RuleID != 0 {
			id := c.RuleID
			rule = &id
			triggered++
		}
		received++
		if _, err := st.RecordCall(ctx, runID, c.Number, desc, rule, received, triggered); err != nil {
			t.Fatalf("failed to record call %q: %v", c.Number, err)
		}
	}

	if err := st.UpdateAtServiceStop(ctx, runID, received, triggered); err != nil {
		t.Fatalf("failed to stop run %d: %v", runID, err)
	}
	return runID
}

// LoadRules parses a rules fixture. The name should not include the .yaml extension.
func LoadRules(t testing.TB, name string) []rules.CalendarRule {
	t.Helper()
	parsed, err := rules.Parse(RulesYAML(t, name))
	if err != nil {
		t.Fatalf("failed to parse rules fixture %q: %v", name, err)
	}
	return parsed
}

// RulesYAML returns the raw bytes of a rules fixture.
func RulesYAML(t testing.TB, name string) []byte {
	t.Helper()
	data, err := fixtures.ReadFile(path.Join("rules", name+".yaml"))
	if err != nil {
		t.Fatalf("failed to load rules fixture %q: %v", name, err)
	}
	return data
}

// WriteRulesFile copies a rules fixture into a temp dir and returns its path.
func WriteRulesFile(t testing.TB, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name+".yaml")
	if err := os.WriteFile(p, RulesYAML(t, name), 0600); err != nil {
		t.Fatalf("failed to write rules fixture %q: %v", name, err)
	}
	return p
}
