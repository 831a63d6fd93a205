package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/benfinklea/nofx/internal/handler"
)

var (
	approveBy     string
	approveReject bool
)

var approveCmd = &cobra.Command{
	Use:   "approve <gate-id>",
	Short: "Approve (or reject) a pending gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		gateID := args[0]
		if approveReject {
			if err := handler.Reject(cmd.Context(), a.store, gateID, approveBy); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "gate %s rejected\n", gateID)
			return nil
		}
		if err := handler.Approve(cmd.Context(), a.store, gateID, approveBy); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "gate %s approved\n", gateID)
		return nil
	},
}

func init() {
	approveCmd.Flags().StringVar(&approveBy, "by", "cli", "name recorded as the approver")
	approveCmd.Flags().BoolVar(&approveReject, "reject", false, "reject instead of approve")
}
