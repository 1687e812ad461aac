package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"dotbot-exec/internal/config"
	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/execution"
	"dotbot-exec/internal/executioner"
	"dotbot-exec/internal/logging"
	"dotbot-exec/internal/orchestrator"
	"dotbot-exec/internal/producers"
	"dotbot-exec/internal/signer"
	"dotbot-exec/internal/simulation"
)

type runOptions struct {
	planPath  string
	statePath string
	reportDir string
	yes       bool
	resume    bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Prepare and execute a plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlan(cmd.Context(), cmd.OutOrStdout(), root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.planPath, "plan", "", "plan file (YAML)")
	cmd.Flags().StringVar(&opts.statePath, "state", "", "save execution state to this file after every completed item")
	cmd.Flags().BoolVar(&opts.yes, "yes", false, "approve every item without prompting")
	cmd.Flags().StringVar(&opts.reportDir, "report", "", "write a Markdown and CSV report into this directory")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func newResumeCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{resume: true}
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Re-run a plan, skipping items a saved state records as finished",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlan(cmd.Context(), cmd.OutOrStdout(), root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.planPath, "plan", "", "plan file (YAML)")
	cmd.Flags().StringVar(&opts.statePath, "state", "", "saved execution state")
	cmd.Flags().BoolVar(&opts.yes, "yes", false, "approve every item without prompting")
	cmd.Flags().StringVar(&opts.reportDir, "report", "", "write a Markdown and CSV report into this directory")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func runPlan(ctx context.Context, out io.Writer, root *rootOptions, opts *runOptions) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	plan, err := orchestrator.LoadPlan(opts.planPath)
	if err != nil {
		return err
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	autoApprove := opts.yes || cfg.Execution.AutoApprove
	if !autoApprove && !interactive {
		return errors.New("stdin is not a terminal; pass --yes to approve without prompting")
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := logging.Subsystem(a.logger, logging.SubsystemCLI)

	network, err := a.network(plan.Network)
	if err != nil {
		return err
	}
	seed, err := signerSeed()
	if err != nil {
		return err
	}
	sign, err := signer.NewEd25519Signer(seed, network.SS58Prefix, signer.ExtrinsicOptions{})
	if err != nil {
		return err
	}
	if plan.Sender == "" {
		plan.Sender = sign.Address()
	}

	queue := execution.NewQueue(execution.QueueOptions{
		PlanID:            plan.ID,
		SimulationEnabled: cfg.Execution.Simulation,
		Metrics:           a.metrics,
		Logger:            logging.Subsystem(a.logger, logging.SubsystemQueue),
	})

	registry := orchestrator.NewRegistry()
	if err := producers.Register(registry, producers.Options{}); err != nil {
		return err
	}
	sessions := make(map[string]orchestrator.SessionOpener)
	for _, target := range planTargets(plan) {
		p, err := a.pool(ctx, target)
		if err != nil {
			return err
		}
		sessions[target] = orchestrator.FromPool(p)
	}
	orch, err := orchestrator.New(orchestrator.Options{
		Registry: registry,
		Networks: a.networks,
		Sessions: sessions,
		Queue:    queue,
		Logger:   logging.Subsystem(a.logger, logging.SubsystemOrchestrator),
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	ui := newConsole(out, a.networks, cfg.Log.Format == "json")
	prepared, err := orch.Prepare(ctx, plan)
	if err != nil {
		ui.prepareErrors(prepared)
		return err
	}
	ui.prepared(plan, prepared)

	var store *execution.FileStateStore
	if opts.statePath != "" {
		store = execution.NewFileStateStore(opts.statePath)
	}
	if opts.resume {
		saved, err := store.Load()
		if err != nil {
			return err
		}
		restored, err := queue.Restore(saved)
		if err != nil {
			return err
		}
		ui.restored(restored)
	}

	recorder := execution.NewOutcomeRecorder(a.stores.outcomes, plan.ID, logging.Subsystem(a.logger, logging.SubsystemStorage))
	defer recorder.Close()
	queue.Subscribe(recorder.Observe)
	if store != nil {
		queue.Subscribe(store.Checkpoint(queue, func(err error) {
			logger.Error("save execution state", logging.ErrorFields(err)...)
		}))
	}
	queue.Subscribe(ui.observe)

	ctrl, err := executioner.New(executioner.Options{
		Queue:            queue,
		Sessions:         orch,
		Simulator:        newSimulator(cfg, a),
		Signer:           sign,
		Approver:         ui.approver(),
		AutoApprove:      autoApprove,
		Batcher:          batcher(cfg, a),
		Presimulate:      executioner.PresimulateMode(cfg.Execution.Presimulate),
		StopOnError:      cfg.Execution.StopOnError,
		BroadcastTimeout: cfg.Execution.BroadcastTimeout,
		PollInterval:     cfg.Execution.PollInterval,
		Metrics:          a.metrics,
		Logger:           logging.Subsystem(a.logger, logging.SubsystemExecutioner),
	})
	if err != nil {
		return err
	}

	runErr := ctrl.Run(ctx)
	ui.summary(queue)

	recorder.Close()
	if opts.reportDir != "" {
		if err := writeReport(context.WithoutCancel(ctx), out, a, plan.ID, opts.reportDir); err != nil {
			logger.Error("write report", logging.ErrorFields(err)...)
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if p := queue.Progress(); p.Failed > 0 || p.Cancelled > 0 || p.Remaining > 0 {
		return fmt.Errorf("plan %s did not complete: %d failed, %d cancelled, %d remaining",
			plan.ID, p.Failed, p.Cancelled, p.Remaining)
	}
	return nil
}

// planTargets returns the distinct networks a plan's steps run on.
func planTargets(plan *orchestrator.Plan) []string {
	seen := make(map[string]bool)
	var targets []string
	for _, step := range plan.Steps {
		t := step.Target(plan)
		if !seen[t] {
			seen[t] = true
			targets = append(targets, t)
		}
	}
	return targets
}

func newSimulator(cfg *config.Config, a *app) *simulation.Engine {
	logger := logging.Subsystem(a.logger, logging.SubsystemSimulation)
	var forker simulation.Forker
	if cfg.Simulation.Chopsticks {
		forker = simulation.NewChopsticksForker(simulation.ChopsticksOptions{
			Binary:       cfg.Simulation.Binary,
			Args:         cfg.Simulation.Args,
			StartTimeout: cfg.Simulation.StartTimeout,
			Dialer:       a.dialer(),
			Logger:       logger,
		})
	}
	return simulation.NewEngine(simulation.Options{
		Forker:  forker,
		Workers: cfg.Simulation.Workers,
		Metrics: a.metrics,
		Logger:  logger,
	})
}

func batcher(cfg *config.Config, a *app) executioner.Batcher {
	if !cfg.Execution.Batching {
		return nil
	}
	indices := make(map[string]domain.CallIndex, len(a.networks))
	for name, n := range a.networks {
		indices[name] = n.BatchAll
	}
	return executioner.UtilityBatcher{BatchAll: indices}
}

func decodeSeed(raw string) ([]byte, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("signer seed is not hex: %w", err)
	}
	return seed, nil
}
