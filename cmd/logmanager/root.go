package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tripwire/logmanager/internal/config"
)

// cliOptions holds the persistent flags shared by every subcommand.
type cliOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:           "logmanager",
		Short:         "Log directory watcher and tail/head streaming service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file path (YAML)")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newCheckConfigCommand(opts))

	return rootCmd
}

// loadConfig reads the configuration file, or returns the defaults when no
// path was given.
func (o *cliOptions) loadConfig() (*config.Config, error) {
	if o.configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newCheckConfigCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration valid: %d watcher(s), journal %s, listening on %s%s\n",
				len(cfg.Watchers), cfg.Journal.Driver, cfg.HTTPAddr, cfg.BaseURI)
			return nil
		},
	}
}
