package main

import (
	"fmt"
	"os"

	"github.com/harunnryd/mnemo/internal/config"
	"github.com/harunnryd/mnemo/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "Mnemo personal assistant",
	Long:  `Mnemo is a personal assistant that remembers what matters to you across conversations.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mnemo/config.yaml)")
	rootCmd.PersistentFlags().String("server.log_level", config.DefaultServerLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("user.id", config.DefaultUserID, "user whose context window is used")
	rootCmd.PersistentFlags().String("models.chat", config.DefaultModelChat, "chat model")
}
