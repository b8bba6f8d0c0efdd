package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gitvault/gitvault/internal/syncd"
)

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync progress and manifest summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if data, err := os.ReadFile(cfg.ProgressFile()); err == nil {
				var p syncd.Progress
				if err := json.Unmarshal(data, &p); err == nil {
					fmt.Fprintf(out, "stage:    %s (%d%%)\n", p.Stage, p.Percent)
					if p.Total > 0 {
						fmt.Fprintf(out, "files:    %d/%d\n", p.Current, p.Total)
					}
				}
			} else {
				fmt.Fprintln(out, "stage:    not running")
			}

			if info, err := os.Stat(cfg.CompleteFile()); err == nil {
				fmt.Fprintf(out, "complete: %s\n", humanize.Time(info.ModTime()))
			} else {
				fmt.Fprintln(out, "complete: no")
			}

			e, err := buildEngines(cfg, nil)
			if err != nil {
				return err
			}
			files := e.man.Files()
			fmt.Fprintf(out, "tracked:  %d offloaded files (tag %s)\n", len(files), cfg.Offload.ContainerTag)
			for _, path := range files {
				if v, ok := e.man.CurrentVersion(path); ok {
					fmt.Fprintf(out, "  %s  %s  %s\n", path, humanize.IBytes(uint64(v.Size)), humanize.Time(v.Time()))
				}
			}
			return nil
		},
	}
}
