package main

import (
	"github.com/spf13/cobra"

	"dotbot-exec/internal/config"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "dotexec",
		Short:         "Execute plans of Polkadot operations with simulation and approval",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ./"+config.FileName+")")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "override log.format (console, json)")

	cmd.AddCommand(
		newRunCmd(opts),
		newResumeCmd(opts),
		newEndpointsCmd(opts),
		newReportCmd(opts),
		newVerifyCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// load reads the configuration and applies flag overrides.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	return cfg, nil
}
