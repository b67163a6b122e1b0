package main

import (
	"fmt"

	"github.com/harunnryd/mnemo/cmd/mnemo/runtime"

	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat",
	Long:  `Chat with the assistant. Ctrl-C interrupts the reply in progress; Ctrl-D or /exit quits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		closeLog, err := logToFile(loaded)
		if err != nil {
			return err
		}
		defer closeLog()

		out := cmd.OutOrStdout()
		observer := &runtime.TerminalObserver{Out: out, Styles: runtime.DefaultStyles()}

		return executeWithRuntime(cmd, []runtime.Option{runtime.WithToolObserver(observer)}, func(signals *SignalHandler, r *runtime.Components) error {
			if err := r.StartBackground(); err != nil {
				return fmt.Errorf("failed to start background refresh: %w", err)
			}

			repl := runtime.NewREPL(r, cmd.InOrStdin(), out)
			signals.OnInterrupt(repl.Interrupt)
			return repl.Start()
		})
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
}
