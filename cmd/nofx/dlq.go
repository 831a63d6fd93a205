package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/benfinklea/nofx/internal/runs"
)

var dlqMax int

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and rehydrate dead-letter queues",
}

var dlqListCmd = &cobra.Command{
	Use:   "list [topic]",
	Short: "List jobs parked in a topic's dead-letter queue",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topic := runs.TopicStepReady
		if len(args) == 1 {
			topic = args[0]
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		jobs, err := a.queue.ListDLQ(cmd.Context(), topic)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "dead-letter queue is empty")
			return nil
		}
		for _, job := range jobs {
			line, err := json.Marshal(job)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(line))
		}
		return nil
	},
}

var dlqRehydrateCmd = &cobra.Command{
	Use:   "rehydrate [topic]",
	Short: "Move dead-lettered jobs back onto their ready queue",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topic := runs.TopicStepDLQ
		if len(args) == 1 {
			topic = args[0]
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		moved, err := a.queue.RehydrateDLQ(cmd.Context(), topic, dlqMax)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rehydrated %d jobs\n", moved)
		return nil
	},
}

func init() {
	dlqRehydrateCmd.Flags().IntVar(&dlqMax, "max", 50, "maximum jobs to move")
	dlqCmd.AddCommand(dlqListCmd, dlqRehydrateCmd)
}
