package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bigredeye/deploygate/internal/app"
	"github.com/bigredeye/deploygate/internal/config"
	"github.com/bigredeye/deploygate/internal/gates"
	lf "github.com/bigredeye/deploygate/internal/logfield"
	"github.com/bigredeye/deploygate/internal/pipeline"
	"github.com/bigredeye/deploygate/internal/scheduler"
)

type localRunOptions struct {
	configPath  string
	sourceDir   string
	vars        map[string]string
	approvals   map[string]string
	assertion   string
	gateTimeout time.Duration
}

func makeRunCommand() *cobra.Command {
	opts := localRunOptions{}

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a pipeline in-process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocal(args[0], &opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "Path to the config file")
	cmd.Flags().StringVar(&opts.sourceDir, "source", "", "Directory terraform job dirs are relative to")
	cmd.Flags().StringToStringVar(&opts.vars, "var", nil, "Run variable")
	cmd.Flags().StringToStringVar(&opts.approvals, "approve", nil, "Approve a gate as the given reviewer, gate=actor")
	cmd.Flags().StringVar(&opts.assertion, "assertion", os.Getenv("DEPLOYGATE_ASSERTION"), "CI identity token")
	cmd.Flags().DurationVar(&opts.gateTimeout, "gate-timeout", 0, "Reject gates left unresolved for this long")

	return cmd
}

// logNotifier prints gate notices of a local run.
type logNotifier struct{}

func (logNotifier) GateWaiting(ctx context.Context, notice *scheduler.GateNotice) error {
	log.Warn("Waiting for approval, pass --approve to resolve the gate",
		lf.GateID(notice.Gate.ID),
		zap.Strings("jobs", notice.Jobs),
		zap.Strings("approvers", notice.Gate.Approvers),
	)
	return nil
}

func runLocal(path string, opts *localRunOptions) error {
	conf, err := config.ParseConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.gateTimeout > 0 {
		conf.Gates.DefaultTimeout = opts.gateTimeout
	}
	if opts.sourceDir != "" {
		conf.Executor.SourceDir = opts.sourceDir
	}

	def, err := pipeline.LoadFile(path, opts.vars)
	if err != nil {
		return err
	}

	exec, err := app.NewExecutor(conf, log)
	if err != nil {
		return err
	}
	store, err := app.NewStore(conf, log)
	if err != nil {
		return err
	}
	broker, err := app.NewBroker(conf, log)
	if err != nil {
		return err
	}

	sched := scheduler.New(exec, store, scheduler.Options{
		Workers:     conf.Executor.Workers,
		GateTimeout: conf.Gates.DefaultTimeout,
		Broker:      broker,
		Notifier:    logNotifier{},
	}, log.Named("scheduler"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	run, err := sched.Start(ctx, def, scheduler.Trigger{
		Event:     scheduler.EventManual,
		Actor:     os.Getenv("USER"),
		Variables: opts.vars,
		Assertion: opts.assertion,
	})
	if err != nil {
		return err
	}

	for gateID, actor := range opts.approvals {
		if _, err := run.SubmitApproval(gateID, gates.Approve, actor); err != nil {
			return errors.Wrapf(err, "Failed to approve gate %s", gateID)
		}
	}

	snapshot, err := run.Wait(ctx)
	if err != nil {
		log.Warn("Interrupted, cancelling run", lf.RunID(run.ID()))
		if err := run.Cancel(gates.ActorCancel); err != nil && !scheduler.IsRunFinished(err) {
			return err
		}
		snapshot, err = run.Wait(context.Background())
		if err != nil {
			return err
		}
	}

	printSnapshot(snapshot)
	if snapshot.Result != scheduler.ResultSucceeded {
		return fmt.Errorf("run %s %s", snapshot.ID, snapshot.Result)
	}
	return nil
}

func printSnapshot(snapshot *scheduler.Snapshot) {
	fmt.Printf("Run %s of %s: %s\n", snapshot.ID, snapshot.Pipeline, snapshot.Result)
	for _, job := range snapshot.Jobs {
		line := fmt.Sprintf("  %-20s %s", job.ID, job.Status)
		if job.Reason != "" {
			line += " (" + job.Reason + ")"
		}
		fmt.Println(line)
		if diag := job.Diagnostic; diag != nil && job.Status == scheduler.JobFailed {
			if diag.Error != "" {
				fmt.Printf("    error: %s\n", diag.Error)
			}
			if stderr := strings.TrimSpace(diag.Stderr); stderr != "" {
				fmt.Printf("    stderr: %s\n", stderr)
			}
		}
	}
	for _, gate := range snapshot.Gates {
		fmt.Printf("  gate %-15s %s %s\n", gate.ID, gate.Status, gate.ResolvedBy)
	}
}
