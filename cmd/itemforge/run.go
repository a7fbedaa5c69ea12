package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/itemforge/internal/construct"
	"github.com/fyrsmithlabs/itemforge/internal/logging"
	"github.com/fyrsmithlabs/itemforge/internal/orchestrator"
	"github.com/fyrsmithlabs/itemforge/internal/scheduler"
	"github.com/fyrsmithlabs/itemforge/internal/services"
)

// localCaller owns runs started from the terminal.
const localCaller = "local"

type runFlags struct {
	preset        string
	constructFile string
	lewmod        bool
	maxRevisions  int
	numItems      int
	verbose       bool
	jsonOut       bool
	poll          time.Duration
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the item pipeline locally",
		Long: `Run the item pipeline in this process.

Without --lewmod the run stops after each review round and asks for a
decision on the terminal. With --lewmod the automated approver decides.

Examples:
  # Interactive run on a preset
  itemforge run --preset aaaw

  # Automated run on a custom construct
  itemforge run --construct construct.json --lewmod --max-revisions 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return localRun(ctx, opts, f, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.preset, "preset", "", "construct preset (see 'itemforge presets')")
	cmd.Flags().StringVar(&f.constructFile, "construct", "", "JSON file describing a custom construct")
	cmd.Flags().BoolVar(&f.lewmod, "lewmod", false, "let the automated approver decide")
	cmd.Flags().IntVar(&f.maxRevisions, "max-revisions", -1, "revision rounds (default from agents.toml)")
	cmd.Flags().IntVar(&f.numItems, "num-items", 0, "items to draft (default from agents.toml)")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log at info level")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "print the final run as JSON")
	cmd.Flags().DurationVar(&f.poll, "poll", 250*time.Millisecond, "status poll interval")
	cmd.MarkFlagsMutuallyExclusive("preset", "construct")
	cmd.MarkFlagsOneRequired("preset", "construct")
	return cmd
}

// runConfig converts flags into a submission.
func (f *runFlags) runConfig() (scheduler.RunConfig, error) {
	rc := scheduler.RunConfig{
		Preset:   f.preset,
		Mode:     orchestrator.ModeHuman,
		NumItems: f.numItems,
	}
	if f.lewmod {
		rc.Mode = orchestrator.ModeAuto
	}
	if f.maxRevisions >= 0 {
		n := f.maxRevisions
		rc.MaxRevisions = &n
	}
	if f.constructFile != "" {
		data, err := os.ReadFile(f.constructFile)
		if err != nil {
			return rc, fmt.Errorf("failed to read construct file: %w", err)
		}
		var c construct.Construct
		if err := json.Unmarshal(data, &c); err != nil {
			return rc, fmt.Errorf("failed to parse construct file %s: %w", f.constructFile, err)
		}
		if err := c.Validate(); err != nil {
			return rc, err
		}
		rc.Construct = &c
	}
	return rc, nil
}

func localRun(ctx context.Context, opts *rootOptions, f *runFlags, in io.Reader, out io.Writer) error {
	rc, err := f.runConfig()
	if err != nil {
		return err
	}
	rt, err := loadEnv(ctx, opts, os.Stderr, func(c *logging.Config) {
		c.Format = "console"
		if !f.verbose {
			c.Level = "warn"
		}
	})
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	reg, err := services.Build(ctx, services.Options{
		Config:     rt.cfg,
		Agents:     rt.agents,
		Logger:     rt.logger,
		Telemetry:  rt.telemetry,
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		_ = reg.Close(closeCtx)
	}()

	id, err := reg.Scheduler().Submit(ctx, localCaller, rc)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, titleStyle.Render("Started run "+id))

	run, err := drive(ctx, reg.Scheduler(), id, bufio.NewReader(in), out, f.poll)
	if f.jsonOut && run.ID != "" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(run); encErr != nil && err == nil {
			err = encErr
		}
	}
	return err
}

// runDriver is the part of the scheduler the terminal loop uses.
type runDriver interface {
	Status(ctx context.Context, runID string) (scheduler.Run, error)
	Resume(ctx context.Context, runID string, resp orchestrator.ApprovalResponse) error
	Cancel(ctx context.Context, runID string) error
}

// drive polls the run until it ends, prompting on in whenever it suspends.
func drive(ctx context.Context, runs runDriver, id string, in *bufio.Reader, out io.Writer, poll time.Duration) (scheduler.Run, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var lastPhase orchestrator.Phase
	for {
		run, err := runs.Status(ctx, id)
		if err != nil {
			return run, err
		}
		if run.Phase != "" && run.Phase != lastPhase {
			fmt.Fprintln(out, renderPhase(run))
			lastPhase = run.Phase
		}

		switch {
		case run.Status.Terminal():
			fmt.Fprint(out, renderResult(run))
			if run.Status != scheduler.StatusDone {
				return run, fmt.Errorf("run %s %s", id, run.Status)
			}
			return run, nil
		case run.Status == scheduler.StatusSuspended && run.Approval != nil:
			fmt.Fprint(out, renderApproval(run.Approval))
			resp, err := promptApproval(in, out, run.Approval)
			if err != nil {
				_ = runs.Cancel(context.Background(), id)
				return run, err
			}
			if err := runs.Resume(ctx, id, resp); err != nil {
				return run, err
			}
			lastPhase = ""
			continue
		}

		select {
		case <-ctx.Done():
			_ = runs.Cancel(context.Background(), id)
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// promptApproval reads a decision for req from in.
func promptApproval(in *bufio.Reader, out io.Writer, req *orchestrator.ApprovalRequest) (orchestrator.ApprovalResponse, error) {
	active := make([]int, 0, len(req.ActiveItems))
	for _, it := range req.ActiveItems {
		active = append(active, it.Number)
	}

	for {
		fmt.Fprint(out, labelStyle.Render("Decision")+mutedStyle.Render(" [a]pprove, keep <n...>, or Enter to revise all: "))
		line, err := readLine(in)
		if err != nil {
			return orchestrator.ApprovalResponse{}, err
		}
		resp, err := parseDecision(line, active)
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render(err.Error()))
			continue
		}
		if resp.Approve {
			return resp, nil
		}
		fmt.Fprint(out, labelStyle.Render("Note for the writer")+mutedStyle.Render(" (optional): "))
		note, err := readLine(in)
		if err != nil && !errors.Is(err, errNoInput) {
			return orchestrator.ApprovalResponse{}, err
		}
		resp.Note = note
		return resp, nil
	}
}

// errNoInput is returned when stdin closes before a decision is read.
var errNoInput = errors.New("no approval decision on stdin")

func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		if errors.Is(err, io.EOF) {
			return "", errNoInput
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// parseDecision interprets one answer line:
//
//	a | approve          accept every active item
//	keep 1 3 | k 1,3     keep the listed items, revise the rest
//	(empty) | revise     revise every active item
func parseDecision(line string, active []int) (orchestrator.ApprovalResponse, error) {
	fields := strings.FieldsFunc(strings.ToLower(line), func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t'
	})
	if len(fields) == 0 {
		return reviseAll(active), nil
	}

	switch fields[0] {
	case "a", "approve", "y", "yes":
		if len(fields) > 1 {
			return orchestrator.ApprovalResponse{}, errors.New("approve takes no item numbers")
		}
		return orchestrator.ApprovalResponse{Approve: true}, nil
	case "r", "revise":
		if len(fields) > 1 {
			return orchestrator.ApprovalResponse{}, errors.New("revise takes no item numbers; use keep <n...> to keep some")
		}
		return reviseAll(active), nil
	case "k", "keep":
	default:
		return orchestrator.ApprovalResponse{}, fmt.Errorf("unknown answer %q", fields[0])
	}

	if len(fields) == 1 {
		return orchestrator.ApprovalResponse{}, errors.New("keep needs at least one item number")
	}
	resp := reviseAll(active)
	for _, raw := range fields[1:] {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return orchestrator.ApprovalResponse{}, fmt.Errorf("invalid item number %q", raw)
		}
		if _, ok := resp.Decisions[n]; !ok {
			return orchestrator.ApprovalResponse{}, fmt.Errorf("item %d is not awaiting a decision", n)
		}
		resp.Decisions[n] = "KEEP"
	}
	return resp, nil
}

func reviseAll(active []int) orchestrator.ApprovalResponse {
	decisions := make(map[int]string, len(active))
	for _, n := range active {
		decisions[n] = "REVISE"
	}
	return orchestrator.ApprovalResponse{Decisions: decisions}
}
