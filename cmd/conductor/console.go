package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"conductor/internal/kernel"
	"conductor/pkg/autoloop"
	"conductor/pkg/events"
)

// console is the interactive operator surface: it relays bus events to
// stdout and accepts line commands for loop control, single-feature runs,
// and plan approval.
type console struct {
	k          *kernel.Kernel
	projectDir string
}

func newConsole(k *kernel.Kernel, projectDir string) *console {
	return &console{k: k, projectDir: projectDir}
}

// watchEvents prints the events an operator acts on. Progress chatter stays
// in the logs; only decision points and outcomes reach the console.
func (c *console) watchEvents(ctx context.Context) {
	ch, unsubscribe := c.k.Bus.Subscribe(64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.printEvent(ev)
		}
	}
}

func (c *console) printEvent(ev events.Event) {
	id := ev.Metadata().FeatureID
	switch e := ev.(type) {
	case events.ApprovalRequired:
		fmt.Printf("📋 Plan ready for %s (revision %d). Use: approve %s | reject %s <feedback> | plan %s\n",
			id, e.Revision, id, id, id)
	case events.ApprovalRejected:
		if e.TimedOut {
			fmt.Printf("⌛ Approval for %s timed out\n", id)
		}
	case events.FeatureComplete:
		switch {
		case e.Stopped:
			fmt.Printf("⏹  %s stopped\n", id)
		case e.Passes:
			fmt.Printf("✅ %s verified\n", id)
		default:
			fmt.Printf("🕗 %s finished: %s\n", id, e.Message)
		}
	case events.FeatureError:
		fmt.Printf("❌ %s failed: %s\n", id, e.Message)
	case events.PausedFailures:
		fmt.Printf("⛔ Project paused after %d failures: %s. Use 'start' to resume.\n", e.FailureCount, e.Message)
	case events.LoopStopped:
		if e.Reason != "" {
			fmt.Printf("⏸  Loop stopped: %s\n", e.Reason)
		}
	}
}

// readCommands runs the line-command loop until stdin closes or the
// context ends. quit invokes stop to unwind main.
func (c *console) readCommands(ctx context.Context, stop func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]
		switch cmd {
		case "help":
			c.printHelp()
		case "status":
			c.printStatus()
		case "list":
			c.printFeatures()
		case "pending":
			c.printPending()
		case "history":
			c.printHistory(args)
		case "plan":
			c.printPlan(args)
		case "start":
			c.startLoop(args)
		case "stop":
			c.stopLoop()
		case "run":
			c.runFeature(ctx, args)
		case "cancel":
			c.cancelFeature(args)
		case "approve":
			c.resolve(args, true)
		case "reject":
			c.resolve(args, false)
		case "quit", "exit":
			stop()
			return
		default:
			fmt.Printf("Unknown command %q; type 'help'\n", cmd)
		}
	}
}

func (c *console) printHelp() {
	fmt.Print(`Commands:
  status                  loop, running features, breaker state
  list                    features and their lifecycle status
  pending                 plans awaiting approval
  plan <feature>          show the pending plan document
  history [n]             recent runs with outcome and token usage
  start [n]               start the scheduler loop (ceiling n, optional)
  stop                    stop the loop and cancel running features
  run <feature>           execute one feature outside the loop
  cancel <feature>        cancel a running feature
  approve <feature>       approve the pending plan
  reject <feature> [why]  reject the plan; feedback requests a revision
  quit                    shut down
`)
}

func (c *console) printStatus() {
	st := c.k.Engine.Status(c.projectDir)

	if st.LoopRunning {
		fmt.Println("Loop: running")
	} else {
		fmt.Println("Loop: stopped")
	}
	if st.Paused {
		fmt.Printf("Paused: %s\n", st.PauseReason)
	}
	if len(st.Running) > 0 {
		fmt.Printf("Running: %s\n", strings.Join(st.Running, ", "))
	} else {
		fmt.Println("Running: none")
	}
	fmt.Printf("Breaker: %d/%d failures in window\n", st.BreakerStats.FailureCount, st.BreakerStats.Threshold)
}

func (c *console) printFeatures() {
	features, err := c.k.Features.List(c.projectDir)
	if err != nil {
		fmt.Printf("Failed to list features: %v\n", err)
		return
	}
	if len(features) == 0 {
		fmt.Println("No features")
		return
	}
	for _, f := range features {
		fmt.Printf("  %-20s %-18s %s\n", f.ID, f.Status, f.Title)
	}
}

func (c *console) printPending() {
	infos := c.k.Approvals.List()
	if len(infos) == 0 {
		fmt.Println("No pending approvals")
		return
	}
	for _, info := range infos {
		fmt.Printf("  %-20s revision %d, expires %s\n",
			info.FeatureID, info.Revision, info.ExpiresAt.Format(time.RFC3339))
	}
}

func (c *console) printHistory(args []string) {
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Println("Usage: history [n]")
			return
		}
		limit = n
	}

	runs, err := c.k.History.RecentRuns(c.projectDir, limit)
	if err != nil {
		fmt.Printf("Failed to load run history: %v\n", err)
		return
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return
	}
	for _, run := range runs {
		outcome := run.Outcome
		elapsed := ""
		if run.FinishedAt != nil {
			elapsed = run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
		} else if outcome == "" {
			outcome = "running"
		}
		fmt.Printf("  %-20s %-16s %8s  %d tokens\n",
			run.FeatureID, outcome, elapsed, run.PromptTokens+run.CompletionTokens)
	}
}

func (c *console) printPlan(args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: plan <feature>")
		return
	}
	ticket, ok := c.k.Approvals.Get(args[0])
	if !ok {
		fmt.Printf("No pending approval for %s\n", args[0])
		return
	}
	fmt.Println(ticket.Plan)
}

func (c *console) startLoop(args []string) {
	ceiling := 0
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Println("Usage: start [n]")
			return
		}
		ceiling = n
	}

	err := c.k.Engine.StartLoop(c.projectDir, ceiling)
	switch {
	case errors.Is(err, autoloop.ErrLoopRunning):
		fmt.Println("Loop is already running")
	case err != nil:
		fmt.Printf("Failed to start loop: %v\n", err)
	}
}

func (c *console) stopLoop() {
	err := c.k.Engine.StopLoop(c.projectDir)
	switch {
	case errors.Is(err, autoloop.ErrNoLoop):
		fmt.Println("No loop is running")
	case err != nil:
		fmt.Printf("Failed to stop loop: %v\n", err)
	}
}

func (c *console) runFeature(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: run <feature>")
		return
	}
	id := args[0]
	go func() {
		if err := c.k.Engine.ExecuteFeature(ctx, c.projectDir, id); err != nil {
			fmt.Printf("Run %s: %v\n", id, err)
		}
	}()
}

func (c *console) cancelFeature(args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: cancel <feature>")
		return
	}
	if !c.k.Engine.CancelFeature(c.projectDir, args[0]) {
		fmt.Printf("%s is not running\n", args[0])
	}
}

func (c *console) resolve(args []string, approved bool) {
	if len(args) == 0 {
		if approved {
			fmt.Println("Usage: approve <feature>")
		} else {
			fmt.Println("Usage: reject <feature> [feedback]")
		}
		return
	}

	feedback := strings.Join(args[1:], " ")
	if err := c.k.Engine.ResolveApproval(c.projectDir, args[0], approved, "", feedback); err != nil {
		fmt.Printf("Failed to resolve approval: %v\n", err)
	}
}
