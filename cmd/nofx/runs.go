package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	runsLimit   int
	runsProject string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		summaries, err := a.store.ListRuns(cmd.Context(), runsLimit, runsProject)
		if err != nil {
			return err
		}
		for _, s := range summaries {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s %s  %s\n",
				s.ID, s.Status, s.CreatedAt.Format("2006-01-02 15:04:05"), s.Title)
		}
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run with its steps and events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		run, err := a.store.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s  status=%s  project=%s\n", run.ID, run.Status, run.ProjectID)
		if title := run.Title(); title != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "goal: %s\n", title)
		}

		steps, err := a.store.ListStepsByRun(ctx, run.ID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "steps:")
		for _, step := range steps {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s  %-10s %-20s %s\n", step.ID, step.Status, step.Name, step.Tool)
		}

		evts, err := a.store.ListEvents(ctx, run.ID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "events:")
		for _, e := range evts {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s  %s\n", e.CreatedAt.Format("15:04:05.000"), e.Type)
		}
		return nil
	},
}

func init() {
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum rows")
	runsListCmd.Flags().StringVar(&runsProject, "project", "", "filter by project id")
	runsCmd.AddCommand(runsListCmd, runsShowCmd)
}
