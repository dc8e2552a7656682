package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prismaqf/callblocker/internal/redact"
	"github.com/prismaqf/callblocker/internal/rules"
	"github.com/prismaqf/callblocker/internal/session"
	"github.com/prismaqf/callblocker/internal/store"
	"github.com/prismaqf/callblocker/internal/testutil"
)

func newTestInspector(t *testing.T, masker *redact.Masker) (*inspector, *store.SQLiteStore, *bytes.Buffer) {
	t.Helper()
	st := testutil.NewStore(t)
	var out bytes.Buffer
	return &inspector{store: st, masker: masker, out: &out, now: time.Now}, st, &out
}

func TestInspector_Empty(t *testing.T) {
	in, _, out := newTestInspector(t, nil)
	ctx := context.Background()

	if err := in.runs(ctx, nil); err != nil {
		t.Fatalf("runs: %v", err)
	}
	if err := in.calls(ctx, nil); err != nil {
		t.Fatalf("calls: %v", err)
	}
	if err := in.rulesCmd(ctx, []string{"list"}); err != nil {
		t.Fatalf("rules list: %v", err)
	}

	for _, want := range []string{"No service runs recorded.", "No calls logged.", "No calendar rules."} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestInspector_RunsAndCalls(t *testing.T) {
	in, st, out := newTestInspector(t, redact.New(4))
	ctx := context.Background()

	sess := session.New(session.Config{Store: st})
	sess.Start(ctx)
	rule := int64(7)
	desc := "Surgery 07700900456"
	sess.Record(ctx, session.Call{Number: "07700900123", Description: &desc, RuleID: &rule})
	sess.Record(ctx, session.Call{Number: "07700900999"})
	sess.Stop(ctx)

	if err := in.runs(ctx, []string{"-n", "5"}); err != nil {
		t.Fatalf("runs: %v", err)
	}
	runsOut := out.String()
	if !strings.Contains(runsOut, "STATUS") || !strings.Contains(runsOut, string(store.RunStopped)) {
		t.Errorf("runs output:\n%s", runsOut)
	}
	if !strings.Contains(runsOut, "ago") && !strings.Contains(runsOut, "now") {
		t.Errorf("runs output has no relative time:\n%s", runsOut)
	}

	out.Reset()
	if err := in.calls(ctx, []string{"-run", "1"}); err != nil {
		t.Fatalf("calls: %v", err)
	}
	callsOut := out.String()
	if strings.Contains(callsOut, "07700900123") {
		t.Errorf("number not masked:\n%s", callsOut)
	}
	for _, want := range []string{"*******0123", "Surgery *******0456", "*******0999"} {
		if !strings.Contains(callsOut, want) {
			t.Errorf("calls output missing %q:\n%s", want, callsOut)
		}
	}
}

func TestInspector_RulesImportExport(t *testing.T) {
	in, st, out := newTestInspector(t, nil)
	ctx := context.Background()

	existing := rules.NewCalendarRule()
	existing.Name = "night"
	if err := st.SaveRule(ctx, &existing); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "in.yaml")
	os.WriteFile(src, []byte(`calendar_rules:
  - name: night
    days: [sat, sun]
  - name: office
    days: [mon, tue, wed, thu, fri]
    from: "09:00"
    to: "17:30"
`), 0600)

	if err := in.rulesCmd(ctx, []string{"import", src}); err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out.String(), `skipped "night"`) || !strings.Contains(out.String(), "Imported 1 rules (1 skipped)") {
		t.Errorf("import output:\n%s", out.String())
	}

	list, err := st.ListRules(ctx)
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d rules, want 2", len(list))
	}
	if list[0].Days != rules.AllDays {
		t.Error("existing rule was overwritten by the import")
	}

	dst := filepath.Join(dir, "out.yaml")
	if err := in.rulesCmd(ctx, []string{"export", dst}); err != nil {
		t.Fatalf("export: %v", err)
	}
	exported, err := rules.LoadFile(dst)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(exported) != 2 || exported[1].Name != "office" || exported[1].To.String() != "17:30" {
		t.Errorf("exported = %+v", exported)
	}

	out.Reset()
	if err := in.rulesCmd(ctx, []string{"list"}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), "office") || !strings.Contains(out.String(), "09:00") {
		t.Errorf("list output:\n%s", out.String())
	}
}

func TestInspector_RulesErrors(t *testing.T) {
	in, _, _ := newTestInspector(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		args []string
	}{
		{"no subcommand", nil},
		{"unknown subcommand", []string{"purge"}},
		{"import without file", []string{"import"}},
		{"export without file", []string{"export"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := in.rulesCmd(ctx, tt.args); err == nil {
				t.Error("expected error")
			}
		})
	}

	err := in.rulesCmd(ctx, []string{"import", filepath.Join(t.TempDir(), "missing.yaml")})
	var ae *ActionableError
	if !errors.As(err, &ae) || !strings.Contains(ae.Fix, "calendar_rules:") {
		t.Errorf("missing file: got %v, want actionable error with an example", err)
	}
}
