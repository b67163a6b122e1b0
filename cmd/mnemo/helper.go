package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/mnemo/cmd/mnemo/runtime"

	"github.com/harunnryd/mnemo/internal/config"
	"github.com/harunnryd/mnemo/internal/logger"

	"github.com/spf13/cobra"
)

func executeWithRuntime(cmd *cobra.Command, opts []runtime.Option, fn func(*SignalHandler, *runtime.Components) error) error {
	loaded, err := loadConfigForCommand(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	signals := NewSignalHandler(cmd.Context())
	defer signals.Stop()

	components, err := runtime.NewComponents(signals.Context(), loaded, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer components.Close()

	return fn(signals, components)
}

// inputText joins args, or reads stdin when there are none.
func inputText(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(strings.Join(args, " ")), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("no input given")
	}
	return text, nil
}

// logToFile sends logs to the configured log file so they do not interleave with chat output.
func logToFile(c *config.Config) (func(), error) {
	if c.Server.LogFile == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(c.Server.LogFile), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	f, err := os.OpenFile(c.Server.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger.SetupWriter(f, c.Server.LogLevel)
	return func() { _ = f.Close() }, nil
}
