package main

import (
	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/exthost/internal/infrastructure/config"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/logging"
)

// loadConfig reads the environment and applies the persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Paths.DataDir = dir
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.DefaultConfig()
	if cfg.Logging.Development {
		logCfg = logging.DevelopmentConfig()
	}
	logCfg.Level = cfg.Logging.Level
	return logging.New(logCfg)
}
