package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newOffloadCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "offload PATH...",
		Short: "Offload files to the blob store, replacing them with pointers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			e, err := buildEngines(cfg, nil)
			if err != nil {
				return err
			}
			if e.offloader == nil {
				return errors.New("offload is disabled or no registry is configured")
			}

			var failed int
			for _, arg := range args {
				path, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				size := uint64(0)
				if info, statErr := os.Stat(path); statErr == nil {
					size = uint64(info.Size())
				}
				if err := e.offloader.Offload(cmd.Context(), path); err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "offload %s: %v\n", arg, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "offloaded %s (%s)\n", arg, humanize.IBytes(size))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(args))
			}
			return nil
		},
	}
}
