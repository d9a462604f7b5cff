package main

import (
	"glasshub/internal/config"
	"glasshub/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "glasshub",
		Short:         "Session gateway between smart glasses and third-party apps",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"config file (default: ./glasshub.{yaml,toml,json} if present)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newAppsCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// load reads config and builds the logger every command shares.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
