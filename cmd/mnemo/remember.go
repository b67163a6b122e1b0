package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/mnemo/cmd/mnemo/runtime"

	"github.com/spf13/cobra"
)

var rememberCmd = &cobra.Command{
	Use:   "remember [text]",
	Short: "Create a memory",
	Long:  `Store a memory and add it to the current context. Without arguments the text is read from stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := inputText(cmd, args)
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		if strings.TrimSpace(name) == "" {
			name = "User memory " + time.Now().Format("2006-01-02 15:04:05")
		}

		return executeWithRuntime(cmd, nil, func(signals *SignalHandler, r *runtime.Components) error {
			ctx := signals.Context()
			e, err := r.Memories.CreateMemory(ctx, r.UserID, name, text)
			if err != nil {
				return fmt.Errorf("failed to create memory: %w", err)
			}
			if _, err := r.Operations.AddToContext(ctx, r.UserID, *e); err != nil {
				return fmt.Errorf("failed to add memory to context: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Memory created: %s\n", e.Name)
			return nil
		})
	},
}

func init() {
	rememberCmd.Flags().String("name", "", "title of the memory")
	rootCmd.AddCommand(rememberCmd)
}
