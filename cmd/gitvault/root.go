package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           "gitvault",
		Short:         "Gitvault mirrors directories into a git repository and offloads large files to a registry",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogger(logLevel)
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newDaemonCmd(&configPath),
		newSyncCmd(&configPath),
		newOffloadCmd(&configPath),
		newRestoreCmd(&configPath),
		newStatusCmd(&configPath),
	)

	return cmd
}
