package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/prismaqf/callblocker/internal/redact"
	"github.com/prismaqf/callblocker/internal/rules"
	"github.com/prismaqf/callblocker/internal/store"
)

// inspector implements the offline subcommands that read or edit the
// database directly, without a running daemon.
type inspector struct {
	store  store.Store
	masker *redact.Masker
	out    io.Writer
	now    func() time.Time
}

func (in *inspector) table() *tabwriter.Writer {
	return tabwriter.NewWriter(in.out, 0, 0, 2, ' ', 0)
}

// runs prints the most recent service runs.
func (in *inspector) runs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(in.out)
	limit := fs.Int("n", 20, "Number of runs to show")
	asc := fs.Bool("asc", false, "Oldest first")
	if err := fs.Parse(args); err != nil {
		return err
	}

	list, err := in.store.LatestRuns(ctx, *limit, !*asc)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(in.out, "No service runs recorded.")
		return nil
	}

	tw := in.table()
	fmt.Fprintln(tw, "ID\tSTARTED\tSTOPPED\tSTATUS\tRECEIVED\tTRIGGERED")
	for _, r := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\n",
			r.ID, in.when(r.Start), in.when(r.Stop), r.Status, r.NumReceived, r.NumTriggered)
	}
	return tw.Flush()
}

// calls prints logged calls, optionally restricted to one run.
func (in *inspector) calls(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("calls", flag.ContinueOnError)
	fs.SetOutput(in.out)
	limit := fs.Int("n", 50, "Number of calls to show")
	runID := fs.Int64("run", 0, "Only calls of this run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var list []*store.LoggedCall
	var err error
	if *runID > 0 {
		list, err = in.store.CallsByRun(ctx, *runID)
	} else {
		list, err = in.store.LatestCalls(ctx, *limit, true)
	}
	if err != nil {
		return fmt.Errorf("listing calls: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(in.out, "No calls logged.")
		return nil
	}

	tw := in.table()
	fmt.Fprintln(tw, "ID\tRUN\tWHEN\tNUMBER\tRULE\tDESCRIPTION")
	for _, c := range list {
		rule := "-"
		if c.RuleID != nil {
			rule = strconv.FormatInt(*c.RuleID, 10)
		}
		desc := ""
		if c.Description != nil {
			desc = in.masker.MaskText(*c.Description)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n",
			c.ID, c.RunID, in.when(c.Timestamp), in.masker.Mask(c.Number), rule, desc)
	}
	return tw.Flush()
}

// rulesCmd dispatches "rules list|import|export".
func (in *inspector) rulesCmd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: callblocker rules list|import <file>|export <file>")
	}
	switch args[0] {
	case "list":
		return in.listRules(ctx)
	case "import":
		if len(args) != 2 {
			return errors.New("usage: callblocker rules import <file>")
		}
		return in.importRules(ctx, args[1])
	case "export":
		if len(args) != 2 {
			return errors.New("usage: callblocker rules export <file>")
		}
		return in.exportRules(ctx, args[1])
	default:
		return fmt.Errorf("unknown rules command %q", args[0])
	}
}

func (in *inspector) listRules(ctx context.Context) error {
	list, err := in.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("listing rules: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(in.out, "No calendar rules.")
		return nil
	}

	tw := in.table()
	fmt.Fprintln(tw, "ID\tNAME\tDAYS\tFROM\tTO")
	for _, r := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Days, r.From, r.To)
	}
	return tw.Flush()
}

// importRules adds the rules of a YAML file. Rules whose name is already
// taken are skipped and reported.
func (in *inspector) importRules(ctx context.Context, path string) error {
	incoming, err := rules.LoadFile(path)
	if err != nil {
		return &ActionableError{What: "Cannot import rules", Cause: err, Fix: rulesFileFix(path)}
	}

	names, err := in.store.RuleNames(ctx, 0)
	if err != nil {
		return fmt.Errorf("reading rule names: %w", err)
	}

	var added, skipped int
	for _, r := range incoming {
		ed := rules.NewEditor(rules.ActionCreate, nil, names)
		ed.SetName(r.Name)
		ed.SetDays(r.Days)
		ed.SetFrom(r.From)
		ed.SetTo(r.To)
		rule, err := ed.Result()
		if errors.Is(err, rules.ErrDuplicateName) {
			fmt.Fprintf(in.out, "skipped %q: name already used\n", r.Name)
			skipped++
			continue
		}
		if err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if err := in.store.SaveRule(ctx, &rule); err != nil {
			return fmt.Errorf("saving rule %q: %w", rule.Name, err)
		}
		names = append(names, rule.Name)
		added++
	}

	fmt.Fprintf(in.out, "Imported %d rules (%d skipped) from %s\n", added, skipped, path)
	return nil
}

func (in *inspector) exportRules(ctx context.Context, path string) error {
	list, err := in.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("listing rules: %w", err)
	}
	out := make([]rules.CalendarRule, 0, len(list))
	for _, r := range list {
		out = append(out, *r)
	}
	if err := rules.WriteFile(path, out); err != nil {
		return err
	}
	fmt.Fprintf(in.out, "Exported %d rules to %s\n", len(out), path)
	return nil
}

// when renders a timestamp with a relative hint, or "-" when absent.
func (in *inspector) when(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(store.DateLayout) + " (" + humanize.RelTime(*t, in.now(), "ago", "from now") + ")"
}
