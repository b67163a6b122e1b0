package main

import (
	"fmt"
	"io"

	"github.com/harunnryd/mnemo/cmd/mnemo/runtime"

	"github.com/harunnryd/mnemo/internal/conversation"
	"github.com/harunnryd/mnemo/internal/message"

	"github.com/spf13/cobra"
)

var messageCmd = &cobra.Command{
	Use:   "message [text]",
	Short: "Send a single message and print the reply",
	Long:  `Send one message to the assistant. Without arguments the message is read from stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := inputText(cmd, args)
		if err != nil {
			return err
		}
		forceTool, _ := cmd.Flags().GetString("tool")
		roleName, _ := cmd.Flags().GetString("role")
		role, err := message.ParseRole(roleName)
		if err != nil {
			return err
		}

		return executeWithRuntime(cmd, nil, func(signals *SignalHandler, r *runtime.Components) error {
			out := cmd.OutOrStdout()
			_, err := r.Processor.ProcessMessage(signals.Context(), conversation.TurnRequest{
				UserID:    r.UserID,
				Role:      role,
				Text:      text,
				ForceTool: forceTool,
			}, func(s string) error {
				_, err := io.WriteString(out, s)
				return err
			})
			fmt.Fprintln(out)
			return err
		})
	},
}

func init() {
	messageCmd.Flags().String("tool", "", "tool the assistant must call while answering")
	messageCmd.Flags().String("role", string(message.RoleUser), "role of the message (user or system)")
	rootCmd.AddCommand(messageCmd)
}
