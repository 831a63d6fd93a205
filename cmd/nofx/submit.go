package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/benfinklea/nofx/internal/events"
	"github.com/benfinklea/nofx/internal/plan"
	"github.com/benfinklea/nofx/pkg/logging"
)

var submitProject string

var submitCmd = &cobra.Command{
	Use:   "submit <plan-file>",
	Short: "Submit a plan file (YAML or JSON) as a new run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read plan: %w", err)
		}
		p, err := plan.Parse(data)
		if err != nil {
			return err
		}
		if submitProject != "" {
			p.ProjectID = submitProject
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		submitter := &plan.Submitter{
			Store:  a.store,
			Events: events.NewRecorder(a.store, logging.Component(a.log, "events")),
			Queue:  a.queue,
			Log:    logging.Component(a.log, "submit"),
		}
		run, steps, err := submitter.Submit(cmd.Context(), p)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "run %s created with %d steps\n", run.ID, len(steps))
		for _, step := range steps {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s  %-20s %s\n", step.ID, step.Name, step.Tool)
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitProject, "project", "", "project id (overrides the plan's projectId)")
}
