package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigredeye/deploygate/api"
	"github.com/bigredeye/deploygate/pkg/client/deploygate"
)

const pollInterval = 2 * time.Second

var (
	server string
	token  string
)

func newClient() *deploygate.Client {
	return unwrap(deploygate.NewClient(server, token))
}

func printRun(run *api.Run) {
	fmt.Printf("Run %s of %s (%s by %s): %s\n", run.ID, run.Pipeline, run.Event, run.Actor, run.Result)
	for _, job := range run.Jobs {
		line := fmt.Sprintf("  %-20s %s", job.ID, job.Status)
		if job.Reason != "" {
			line += " (" + job.Reason + ")"
		}
		fmt.Println(line)
	}
	for _, gate := range run.Gates {
		fmt.Printf("  gate %-15s %s %s\n", gate.ID, gate.Status, gate.ResolvedBy)
	}
}

func waitRun(client *deploygate.Client, runID string) error {
	lastResult := ""
	run, err := client.WaitRun(runID, pollInterval, func(run *api.Run) {
		if run.Result != lastResult {
			log.Sugar().Infof("Run %s is %s", run.ID, run.Result)
			lastResult = run.Result
		}
	})
	if err != nil {
		return err
	}
	printRun(run)
	if run.Result != "succeeded" {
		return fmt.Errorf("run %s %s", run.ID, run.Result)
	}
	return nil
}

func makeTriggerCommand() *cobra.Command {
	req := api.TriggerRequest{}
	var wait bool

	cmd := &cobra.Command{
		Use:   "trigger <pipeline>",
		Short: "Dispatch a pipeline run on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Pipeline = args[0]
			client := newClient()
			run, err := client.Trigger(&req)
			if err != nil {
				return err
			}
			printRun(run)
			if wait {
				return waitRun(client, run.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Ref, "ref", "", "Source ref")
	cmd.Flags().StringToStringVar(&req.Variables, "var", nil, "Run variable")
	cmd.Flags().StringVar(&req.Assertion, "assertion", "", "CI identity token")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the run to finish")

	return cmd
}

func makeStatusCommand() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "status <run>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if wait {
				return waitRun(client, args[0])
			}
			run, err := client.GetRun(args[0])
			if err != nil {
				return err
			}
			printRun(run)
			return nil
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the run to finish")

	return cmd
}

func makeDecisionCommand(decision string) *cobra.Command {
	return &cobra.Command{
		Use:   decision + " <run> <gate>",
		Short: "Submit " + decision + " decision on a gate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := newClient().Resolve(args[0], args[1], decision)
			if err != nil {
				return err
			}
			fmt.Printf("Gate %s is %s by %s\n", gate.ID, gate.Status, gate.ResolvedBy)
			return nil
		},
	}
}

func makeCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().Cancel(args[0])
		},
	}
}

func makeRerunCommand() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "rerun <run>",
		Short: "Dispatch a run again with the same definition and variables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			run, err := client.Rerun(args[0])
			if err != nil {
				return err
			}
			printRun(run)
			if wait {
				return waitRun(client, run.ID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the run to finish")

	return cmd
}

func makeHistoryCommand() *cobra.Command {
	var pipeline string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished and running runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := newClient().History(pipeline, limit)
			if err != nil {
				return err
			}
			for _, run := range runs {
				fmt.Printf("%s  %-15s %-10s %-8s %s\n", run.CreatedAt.Format(time.RFC3339), run.Pipeline, run.Result, run.Event, run.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pipeline, "pipeline", "", "Filter by pipeline")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs")

	return cmd
}
