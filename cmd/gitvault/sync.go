package main

import (
	"github.com/spf13/cobra"
)

func newSyncCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Align with the remote and run one sync cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			coord, err := buildCoordinator(cfg)
			if err != nil {
				return err
			}
			if err := coord.Align(cmd.Context()); err != nil {
				return err
			}
			return coord.SyncNow(cmd.Context())
		},
	}
}
