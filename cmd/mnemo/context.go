package main

import (
	"fmt"

	"github.com/harunnryd/mnemo/cmd/mnemo/runtime"

	"github.com/spf13/cobra"
)

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Inspect and manage the context window",
}

var contextShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the messages currently in context",
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, nil, func(signals *SignalHandler, r *runtime.Components) error {
			msgs, err := r.Store.GetContext(signals.Context(), r.UserID)
			if err != nil {
				return fmt.Errorf("failed to load context: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), runtime.NewTableFormatter().FormatMessages(msgs))
			return nil
		})
	},
}

var contextInstructionCmd = &cobra.Command{
	Use:   "instruction",
	Short: "Print the system instruction",
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, nil, func(signals *SignalHandler, r *runtime.Components) error {
			text, err := r.Operations.SystemInstruction(signals.Context(), r.UserID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		})
	},
}

var contextRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Summarize the conversation into a new system instruction and compress the window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, nil, func(signals *SignalHandler, r *runtime.Components) error {
			if err := r.Operations.Refresh.Run(signals.Context(), r.UserID); err != nil {
				return fmt.Errorf("refresh failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Context refreshed")
			return nil
		})
	},
}

var contextResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Start a new conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, nil, func(signals *SignalHandler, r *runtime.Components) error {
			msg, err := r.Operations.ResetMessages(signals.Context(), r.UserID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ "+msg)
			return nil
		})
	},
}

func init() {
	contextCmd.AddCommand(contextShowCmd)
	contextCmd.AddCommand(contextInstructionCmd)
	contextCmd.AddCommand(contextRefreshCmd)
	contextCmd.AddCommand(contextResetCmd)
	rootCmd.AddCommand(contextCmd)
}
