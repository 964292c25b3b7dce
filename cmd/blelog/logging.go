package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blelog/pkg/config"
)

// configureLogger creates a logger from the config, with --log-level taking
// precedence over the config file. Logs go to stderr; stdout carries records.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr == "" {
		return logger, nil
	}

	switch logLevelStr {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
	}
	return logger, nil
}

// loadConfig reads --config (defaults when unset)
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}
