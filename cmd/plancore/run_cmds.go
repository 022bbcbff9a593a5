package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	plancore "github.com/axion-labs/plancore"
	"github.com/axion-labs/plancore/pkg/config"
	"github.com/axion-labs/plancore/pkg/store"
)

// varFlags collects repeated --var key=value pairs.
type varFlags map[string]any

func (v varFlags) String() string { return fmt.Sprintf("%v", map[string]any(v)) }

func (v varFlags) Set(s string) error {
	key, val, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	v[key] = val
	return nil
}

func runRun(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	autoApprove := fs.Bool("auto-approve", false, "resolve approval gates without waiting for an operator")
	dryRun := fs.Bool("dry-run", false, "walk the plan without touching the OS or web adapters")
	queueName := fs.String("queue", "", "override the plan's queue")
	priority := fs.Int("priority", 0, "override the plan's priority (1 highest)")
	noEvidence := fs.Bool("no-evidence", false, "skip screenshot capture")
	vars := varFlags{}
	fs.Var(vars, "var", "plan variable as key=value (repeatable)")
	if err := fs.Parse(reorderArgs(args)); err != nil {
		return exitValidation
	}
	if fs.NArg() < 1 {
		_, _ = fmt.Fprintln(stderr, "usage: plancore run <file> [--auto-approve] [--dry-run] [--var k=v]")
		return exitValidation
	}

	ctx := context.Background()
	svc, err := plancore.NewServices(ctx, nil, nil)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitIO
	}
	defer func() { _ = svc.Close(ctx) }()

	r, runErr := svc.RunPlan(ctx, fs.Arg(0), plancore.SubmitOptions{
		Queue:           *queueName,
		Priority:        *priority,
		Vars:            vars,
		DryRun:          *dryRun,
		AutoApprove:     *autoApprove,
		CaptureEvidence: !*noEvidence,
	})
	if r != nil {
		summary := map[string]any{
			"run_id":    r.PublicID,
			"plan":      r.PlanName,
			"state":     string(r.State),
			"steps_run": len(r.StepResults),
		}
		if r.StartedAt != nil && r.FinishedAt != nil {
			summary["duration"] = r.FinishedAt.Sub(*r.StartedAt).Round(time.Millisecond).String()
		}
		if r.Error != nil {
			summary["error"] = r.Error
		}
		if code := printJSON(stdout, stderr, summary); code != exitOK {
			return code
		}
	}
	if runErr != nil {
		_, _ = fmt.Fprintln(stderr, runErr.Error())
		return exitCodeFor(runErr)
	}
	return exitOK
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 20, "number of runs to show")
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}

	st, err := store.Open(config.Load().DBDSN)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitIO
	}
	defer func() { _ = st.Close() }()

	runs, err := st.ListRuns(context.Background(), *limit)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitIO
	}

	_, _ = fmt.Fprintf(stdout, "%-28s %-12s %-12s %-8s %s\n", "RUN", "STATE", "QUEUE", "PRI", "PLAN")
	for _, r := range runs {
		_, _ = fmt.Fprintf(stdout, "%-28s %-12s %-12s %-8d %s\n",
			r.PublicID, string(r.State), r.Queue, r.Priority, r.PlanName)
	}
	return exitOK
}

func runShow(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "usage: plancore show <run_id>")
		return exitValidation
	}

	st, err := store.Open(config.Load().DBDSN)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitIO
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	id := args[0]
	r, err := lookupRun(ctx, st, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_, _ = fmt.Fprintf(stderr, "run %s not found\n", id)
			return exitValidation
		}
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitIO
	}
	return printJSON(stdout, stderr, r)
}

func lookupRun(ctx context.Context, st *store.Store, id string) (any, error) {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return st.GetRun(ctx, n)
	}
	return st.GetRunByPublicID(ctx, id)
}

func runMetrics(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	fs.SetOutput(stderr)
	day := fs.String("day", time.Now().UTC().Format("2006-01-02"), "day to report (YYYY-MM-DD)")
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}

	st, err := store.Open(config.Load().DBDSN)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitIO
	}
	defer func() { _ = st.Close() }()

	values, err := st.DailyMetrics(context.Background(), *day)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitIO
	}
	if len(values) == 0 {
		_, _ = fmt.Fprintf(stdout, "no rollups for %s\n", *day)
		return exitOK
	}
	return printJSON(stdout, stderr, map[string]any{"day": *day, "metrics": values})
}
