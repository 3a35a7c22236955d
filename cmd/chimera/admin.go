package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/Strob0t/Chimera/internal/config"
	"github.com/Strob0t/Chimera/internal/domain/adjudication"
	"github.com/Strob0t/Chimera/internal/service"
)

// runAdmin dispatches admin subcommands (hitl, budget, queue, sweep).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "hitl":
		return runAdminHITL(args[1:])
	case "budget":
		return runAdminBudget(args[1:])
	case "queue":
		return runAdminQueue(args[1:])
	case "sweep":
		return runAdminSweep(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: chimera admin <command> [options]

Commands:
  hitl list                 List tasks awaiting human review
  hitl approve <task-id>    Approve a task under review
  hitl reject <task-id>     Reject a task under review
  budget --agent <id>       Show spend for the current day and ISO week
  queue                     Show queue depth and in-flight claims
  sweep                     Recover expired claims once
  help                      Show this help message

Examples:
  chimera admin hitl list
  chimera admin hitl approve 0b7e... --comment "looks right"
  chimera admin budget --agent treasury
  chimera admin queue --json
`)
}

// loadAdminKernel wires the kernel services without the worker pool.
func loadAdminKernel(ctx context.Context) (*kernel, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Storage.Backend == "memory" {
		return nil, errors.New("admin commands need a shared storage backend, storage.backend is memory")
	}
	return buildKernel(ctx, cfg, kernelOptions{})
}

func runAdminHITL(args []string) error {
	if len(args) == 0 {
		return errors.New("hitl needs a subcommand: list, approve or reject")
	}
	switch args[0] {
	case "list":
		return runAdminHITLList(args[1:])
	case "approve":
		return runAdminHITLDecide(adjudication.DecisionApprove, args[1:])
	case "reject":
		return runAdminHITLDecide(adjudication.DecisionReject, args[1:])
	default:
		return fmt.Errorf("unknown hitl command: %s", args[0])
	}
}

func runAdminHITLList(args []string) error {
	fs := flag.NewFlagSet("hitl list", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON even on a terminal")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	k, err := loadAdminKernel(ctx)
	if err != nil {
		return err
	}
	defer k.Close()

	tasks, err := k.hitl.Queue(ctx)
	if err != nil {
		return fmt.Errorf("hitl queue: %w", err)
	}
	if !tableOutput(*asJSON) {
		return printJSON(tasks)
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks awaiting review.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tGOAL\tTYPE\tCONFIDENCE\tVERSION\tUPDATED")
	for i := range tasks {
		confidence := "-"
		if out := tasks[i].Output; out != nil && out.Adjudication != nil {
			confidence = fmt.Sprintf("%.2f", out.Adjudication.Confidence)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			tasks[i].ID, tasks[i].GoalID, tasks[i].Type, confidence, tasks[i].Version,
			tasks[i].UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runAdminHITLDecide(decision adjudication.Decision, args []string) error {
	if len(args) == 0 {
		return errors.New("task id is required")
	}
	taskID := args[0]

	fs := flag.NewFlagSet("hitl decide", flag.ContinueOnError)
	comment := fs.String("comment", "", "reviewer comment")
	reviewer := fs.String("reviewer", os.Getenv("USER"), "reviewer recorded on the adjudication")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *reviewer == "" {
		return errors.New("--reviewer is required")
	}

	ctx := context.Background()
	k, err := loadAdminKernel(ctx)
	if err != nil {
		return err
	}
	defer k.Close()

	t, err := k.orchestrator.Adjudicate(ctx, taskID, adjudication.Request{
		Decision: decision,
		Comment:  *comment,
		Reviewer: *reviewer,
	})
	if err != nil {
		return fmt.Errorf("adjudicate %s: %w", taskID, err)
	}
	fmt.Fprintf(os.Stderr, "Task %s is now %s (version %d)\n", t.ID, t.Status, t.Version)
	return nil
}

func runAdminBudget(args []string) error {
	fs := flag.NewFlagSet("budget", flag.ContinueOnError)
	agent := fs.String("agent", "", "agent id (required)")
	asJSON := fs.Bool("json", false, "print JSON even on a terminal")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *agent == "" {
		return errors.New("--agent is required")
	}

	ctx := context.Background()
	k, err := loadAdminKernel(ctx)
	if err != nil {
		return err
	}
	defer k.Close()

	u, err := k.budget.Usage(ctx, *agent)
	if err != nil {
		return fmt.Errorf("budget usage: %w", err)
	}
	if !tableOutput(*asJSON) {
		return printJSON(u)
	}

	limits := k.budget.Limits()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WINDOW\tKEY\tSPENT\tLIMIT\tREMAINING")
	_, _ = fmt.Fprintf(w, "day\t%s\t%s\t%s\t%s\n", u.DayKey, u.DaySpent.StringFixed(2), limits.Daily.StringFixed(2), u.DayRemaining.StringFixed(2))
	_, _ = fmt.Fprintf(w, "week\t%s\t%s\t%s\t%s\n", u.WeekKey, u.WeekSpent.StringFixed(2), limits.Weekly.StringFixed(2), u.WeekRemaining.StringFixed(2))
	if err := w.Flush(); err != nil {
		return err
	}
	if u.NearLimit {
		fmt.Fprintf(os.Stderr, "warning: %s is near its spend limit\n", *agent)
	}
	return nil
}

func runAdminQueue(args []string) error {
	fs := flag.NewFlagSet("queue", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON even on a terminal")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	k, err := loadAdminKernel(ctx)
	if err != nil {
		return err
	}
	defer k.Close()

	depth, err := k.storage.queue.Depth(ctx)
	if err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}
	claims, err := k.storage.queue.InFlight(ctx)
	if err != nil {
		return fmt.Errorf("in-flight claims: %w", err)
	}
	if !tableOutput(*asJSON) {
		return printJSON(map[string]any{"depth": depth, "in_flight": claims})
	}

	fmt.Printf("pending: %d  in flight: %d\n", depth.Pending, depth.InFlight)
	if len(claims) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TASK\tCLAIMED\tAGE\tATTEMPTS")
	for _, c := range claims {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			c.TaskID, c.ClaimedAt.Format(time.RFC3339), time.Since(c.ClaimedAt).Round(time.Second), c.Attempts)
	}
	return w.Flush()
}

func runAdminSweep(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	liveness := fs.Duration("liveness", 0, "claim age treated as expired (default: queue.liveness_timeout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	k, err := loadAdminKernel(ctx)
	if err != nil {
		return err
	}
	defer k.Close()

	timeout := k.cfg.Queue.LivenessTimeout
	if *liveness > 0 {
		timeout = *liveness
	}
	n, err := service.NewSweeper(k.storage.queue, k.orchestrator, timeout, k.cfg.Queue.SweepInterval).SweepOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Recovered %d expired claim(s)\n", n)
	return nil
}

// tableOutput reports whether to render a table: stdout is a terminal and
// JSON was not requested.
func tableOutput(forceJSON bool) bool {
	return !forceJSON && term.IsTerminal(int(os.Stdout.Fd())) //nolint:gosec // fd fits in int
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
