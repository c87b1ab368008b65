package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"runlens/internal/api"
	"runlens/internal/budget"
	"runlens/internal/config"
	"runlens/internal/event"
	"runlens/internal/lifecycle"
	"runlens/internal/poll"
	"runlens/internal/render"
	"runlens/internal/stream"
	"runlens/internal/transcript"
	"runlens/internal/version"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "runlens",
		Short:         "runlens - inspect and drive AI-agent runs",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("base-url", config.DefaultBaseURL, "Backend base URL")
	cmd.PersistentFlags().String("timeout", config.DefaultTimeout.String(), "Request timeout (e.g. 60s)")
	cmd.PersistentFlags().String("poll-interval", config.DefaultPollInterval.String(), "List refresh interval")
	cmd.PersistentFlags().Int("auto-close-ms", int(config.DefaultAutoClose/time.Millisecond), "Delay before closing a finished stream")
	cmd.PersistentFlags().Int("fade-ms", int(config.DefaultFade/time.Millisecond), "Exit animation window after auto-close")
	cmd.PersistentFlags().Int("limit", config.DefaultListLimit, "Page size for run listings")
	cmd.PersistentFlags().Float64("daily-budget", 0, "Daily budget in USD for the budget command")
	cmd.PersistentFlags().Bool("quiet", false, "Only print run output")
	cmd.PersistentFlags().Bool("json", false, "Output JSON only")
	cmd.PersistentFlags().Bool("verbose", false, "Enable verbose logging")
	cmd.PersistentFlags().String("log-file", "", "Write plain-text output to a file as well")

	cmd.AddCommand(newWatchCmd(), newRunsCmd(), newStartCmd(), newRetryCmd(), newReplayCmd(), newCancelCmd(), newBudgetCmd())
	return cmd
}

// env shares per-invocation wiring across the subcommands.
type env struct {
	cfg      config.Config
	logger   *zap.Logger
	client   *api.Client
	writer   io.Writer
	logFile  *os.File
	cancelFn context.CancelFunc
	ctx      context.Context
}

func setup(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, err
	}

	logger := buildLogger(cfg.Verbose)
	client := api.NewClient(cfg.BaseURL, cfg.APIKey)

	writer := io.Writer(os.Stdout)
	var logFile *os.File
	if cfg.LogFile != "" {
		file, err := os.Create(cfg.LogFile)
		if err != nil {
			return nil, err
		}
		logFile = file
		writer = io.MultiWriter(os.Stdout, file)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return &env{cfg: cfg, logger: logger, client: client, writer: writer, logFile: logFile, ctx: ctx, cancelFn: cancel}, nil
}

func (e *env) close() {
	_ = e.logger.Sync()
	if e.logFile != nil {
		_ = e.logFile.Close()
	}
	e.cancelFn()
}

func buildLogger(verbose bool) *zap.Logger {
	if verbose {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Show a run's transcript, following the live stream while it runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			return watchRun(e, args[0])
		},
	}
}

// watchRun renders the persisted history first, then attaches live if the
// run is still pending or running. Both paths go through the same reducer,
// so a replayed view matches what the live view showed.
func watchRun(e *env, runID string) error {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Timeout)
	detail, err := e.client.GetRun(ctx, runID)
	cancel()
	if err != nil {
		return err
	}

	renderer := render.NewStdoutRenderer(e.writer, e.cfg.Quiet)
	defer renderer.Close()

	entries := transcript.Reduce(detail.Events)
	if e.cfg.JSON && !detail.Run.IsLive() {
		payload, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Fprintln(e.writer, string(payload))
		return nil
	}
	for _, entry := range entries {
		renderer.Entry(entry)
	}
	if !detail.Run.IsLive() {
		renderer.Phase(detail.Run.ID, detail.Run.Status)
		return nil
	}

	ctrl := lifecycle.New(e.client, attacher(e), lifecycle.Options{
		AutoClose: e.cfg.AutoClose,
		Fade:      e.cfg.Fade,
		Source:    e.cfg.Source,
	}, e.logger)
	wait := follow(ctrl, renderer)

	if err := ctrl.Attach(e.ctx, runID); err != nil {
		return err
	}
	wait(e.ctx)
	ctrl.Hide()
	renderer.Phase(runID, ctrl.Phase())
	if msg := ctrl.LastError(); msg != "" && ctrl.Phase() == api.StatusError {
		return fmt.Errorf("run failed: %s", msg)
	}
	return nil
}

func newStartCmd() *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "start <agent-id>",
		Short: "Start a run and stream its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(input) == "" {
				return fmt.Errorf("--input is required")
			}
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			return driveRun(e, func(ctrl *lifecycle.Controller) (string, error) {
				return ctrl.Start(e.ctx, args[0], input)
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Input to run the agent with")
	return cmd
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Start a new run reusing a failed or cancelled run's input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			return restartRun(e, args[0], func(ctrl *lifecycle.Controller, run api.Run) (string, error) {
				return ctrl.Retry(e.ctx, run)
			})
		},
	}
}

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <run-id>",
		Short: "Start a new run reusing a successful run's input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			return restartRun(e, args[0], func(ctrl *lifecycle.Controller, run api.Run) (string, error) {
				return ctrl.Replay(e.ctx, run)
			})
		},
	}
}

func restartRun(e *env, runID string, op func(*lifecycle.Controller, api.Run) (string, error)) error {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Timeout)
	detail, err := e.client.GetRun(ctx, runID)
	cancel()
	if err != nil {
		return err
	}
	return driveRun(e, func(ctrl *lifecycle.Controller) (string, error) {
		return op(ctrl, detail.Run)
	})
}

func driveRun(e *env, begin func(*lifecycle.Controller) (string, error)) error {
	renderer := render.NewStdoutRenderer(e.writer, e.cfg.Quiet)
	defer renderer.Close()

	ctrl := lifecycle.New(e.client, attacher(e), lifecycle.Options{
		AutoClose: e.cfg.AutoClose,
		Fade:      e.cfg.Fade,
		Source:    e.cfg.Source,
	}, e.logger)
	wait := follow(ctrl, renderer)

	runID, err := begin(ctrl)
	if err != nil {
		return err
	}
	if !e.cfg.Quiet {
		fmt.Fprintf(e.writer, "-- run %s started\n", runID)
	}

	wait(e.ctx)
	ctrl.Hide()
	renderer.Phase(runID, ctrl.Phase())
	if msg := ctrl.LastError(); msg != "" && ctrl.Phase() == api.StatusError {
		return fmt.Errorf("run failed: %s", msg)
	}
	return nil
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request best-effort cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Timeout)
			defer cancel()
			if err := e.client.CancelRun(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(e.writer, "cancellation requested for run %s\n", args[0])
			return nil
		},
	}
}

func newRunsCmd() *cobra.Command {
	var agentID, status string
	var watch bool
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs, optionally keeping the view fresh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			return listRuns(e, agentID, status, watch)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "Filter by agent id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by run status")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep refreshing until interrupted")
	return cmd
}

func listRuns(e *env, agentID, status string, watch bool) error {
	fetch := func(ctx context.Context) (poll.Snapshot, error) {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
		list, err := e.client.ListRuns(ctx, api.ListParams{Limit: e.cfg.ListLimit, AgentID: agentID, Status: status})
		if err != nil {
			return poll.Snapshot{}, err
		}
		return poll.Snapshot{Runs: list.Runs, Total: list.Total}, nil
	}

	if !watch {
		snap, err := fetch(e.ctx)
		if err != nil {
			return err
		}
		printRuns(e, snap)
		return nil
	}

	ctrl := poll.New(fetch, e.cfg.PollInterval, e.logger)
	ctrl.OnUpdate(func(snap poll.Snapshot) { printRuns(e, snap) })

	// Any keypress pauses the refresh; an empty line acknowledges and
	// resumes. Mirrors the dashboard's interaction-aware polling.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				ctrl.Acknowledge(e.ctx)
				continue
			}
			ctrl.Pause()
			state := ctrl.State()
			fmt.Fprintf(e.writer, "(paused, %d new; press enter to refresh)\n", state.NewItemCount)
		}
	}()

	ctrl.Run(e.ctx)
	return nil
}

func printRuns(e *env, snap poll.Snapshot) {
	if e.cfg.JSON {
		payload, _ := json.MarshalIndent(snap.Runs, "", "  ")
		fmt.Fprintln(e.writer, string(payload))
		return
	}
	fmt.Fprintf(e.writer, "%-36s %-10s %-12s %8s %10s  %s\n", "RUN", "STATUS", "AGENT", "TOKENS", "COST", "CREATED")
	for _, run := range snap.Runs {
		cost := "-"
		if run.CostEstimateUSD != nil {
			cost = fmt.Sprintf("$%.4f", *run.CostEstimateUSD)
			if run.CostIsApproximate {
				cost = "~" + cost
			}
		}
		fmt.Fprintf(e.writer, "%-36s %-10s %-12s %8d %10s  %s\n",
			run.ID, run.Status, run.AgentID, run.TokensTotal, cost, run.CreatedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(e.writer, "total: %d\n", snap.Total)
}

func newBudgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "budget <agent-id>",
		Short: "Show today's spend against the agent's daily budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			return showBudget(e, args[0])
		},
	}
}

func showBudget(e *env, agentID string) error {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Timeout)
	defer cancel()

	list, err := e.client.ListRuns(ctx, api.ListParams{Limit: e.cfg.ListLimit, AgentID: agentID})
	if err != nil {
		return err
	}

	dailyCap := e.cfg.DailyBudgetUSD
	if dailyCap <= 0 {
		if agent, err := e.client.GetAgent(ctx, agentID); err == nil && agent.DailyBudgetUSD != nil {
			dailyCap = *agent.DailyBudgetUSD
		}
	}

	summary := budget.Compute(list.Runs, dailyCap, time.Now())
	if e.cfg.JSON {
		payload, _ := json.MarshalIndent(summary, "", "  ")
		fmt.Fprintln(e.writer, string(payload))
		return nil
	}
	approx := ""
	if summary.Approximate {
		approx = " (approximate)"
	}
	fmt.Fprintf(e.writer, "spent today: $%.4f%s\n", summary.SpentToday, approx)
	if dailyCap > 0 {
		fmt.Fprintf(e.writer, "daily budget: $%.4f (%.0f%% used)\n", dailyCap, summary.Ratio*100)
	}
	return nil
}

func attacher(e *env) lifecycle.Attacher {
	return func(ctx context.Context, runID string, onEvent func(event.Event)) (lifecycle.Stopper, error) {
		return stream.Attach(ctx, e.client, runID, onEvent, stream.Options{
			AutoClose: e.cfg.AutoClose,
			Fade:      e.cfg.Fade,
		}, e.logger)
	}
}

// follow renders transcript entries as they appear and returns a wait
// function that blocks until the run reaches a terminal lifecycle state or
// ctx is cancelled (which cancels the run).
func follow(ctrl *lifecycle.Controller, renderer *render.StdoutRenderer) func(context.Context) {
	done := make(chan struct{}, 1)
	var mu sync.Mutex
	printed := 0
	ctrl.OnChange(func() {
		mu.Lock()
		defer mu.Unlock()
		entries := ctrl.Entries()
		if len(entries) < printed {
			printed = 0
		}
		for i := printed; i < len(entries); i++ {
			renderer.Entry(entries[i])
		}
		// Token coalescing extends the last entry in place; re-sending it
		// lets the renderer print only the added delta.
		if printed > 0 && len(entries) == printed {
			if last := entries[len(entries)-1]; last.Kind == event.Token {
				renderer.Entry(last)
			}
		}
		printed = len(entries)

		switch ctrl.State() {
		case lifecycle.StateFinalizing, lifecycle.StateDone, lifecycle.StateError:
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	return func(ctx context.Context) {
		select {
		case <-ctx.Done():
			ctrl.Cancel(context.Background())
		case <-done:
		}
	}
}
