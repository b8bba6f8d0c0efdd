package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gitvault/gitvault/internal/config"
	"github.com/gitvault/gitvault/internal/vault"
)

// restorerFor picks the restorer for a restore run. The history
// repository gets the fully wired engine so restored paths join its
// exclusion list; an explicit other directory gets a restorer scanning
// that tree without the bookkeeping.
func restorerFor(cfg *config.Config, e *engines, dir string) *vault.Restorer {
	if dir == cfg.HistoryDir {
		return e.restorer
	}
	return vault.NewRestorer(e.store, e.man, dir,
		vault.WithWorkers(cfg.Offload.Workers),
		vault.WithVerify(cfg.Offload.Verify),
		vault.WithRestoreLogger(slog.Default().With("component", "restore")),
	)
}

func newRestoreCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "restore [DIR]",
		Short: "Restore all pointer files under a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			dir := cfg.HistoryDir
			if len(args) == 1 {
				if dir, err = filepath.Abs(args[0]); err != nil {
					return err
				}
			}

			e, err := buildEngines(cfg, nil)
			if err != nil {
				return err
			}
			if e.store == nil {
				return errors.New("offload is disabled or no registry is configured")
			}

			restorer := restorerFor(cfg, e, dir)

			results, err := restorer.RestoreAll(cmd.Context(), func(completed, total int) {
				fmt.Fprintf(cmd.OutOrStdout(), "\rrestoring %d/%d", completed, total)
			})
			if err != nil {
				return err
			}
			if len(results) > 0 {
				fmt.Fprintln(cmd.OutOrStdout())
			}

			ok := 0
			for _, success := range results {
				if success {
					ok++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %d of %d files\n", ok, len(results))
			if ok < len(results) {
				return fmt.Errorf("%d files failed", len(results)-ok)
			}
			return nil
		},
	}
}
