// Command kobocat runs the OpenRosa submission server and its maintenance
// tasks.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kobocat/internal/config"
)

var exitFunc = os.Exit

type rootFlags struct {
	configPath string
	logLevel   string
	listen     string
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		exitFunc(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "kobocat",
		Short:        "OpenRosa submission server",
		SilenceUsage: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&flags.configPath, "config", os.Getenv("KOBOCAT_CONFIG"), "YAML configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(flags),
		newMirrorCmd(flags),
		newUserCmd(flags),
		newFormCmd(flags),
	)
	return root
}

// load resolves the configuration with flags taking precedence.
func (f *rootFlags) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.listen != "" {
		cfg.Listen = f.listen
	}
	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}
