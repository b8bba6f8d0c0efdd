package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gitvault/gitvault/internal/config"
	"github.com/gitvault/gitvault/internal/gitrepo"
	"github.com/gitvault/gitvault/internal/linker"
	"github.com/gitvault/gitvault/internal/syncd"
)

func newDaemonCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync daemon",
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

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Info("starting daemon", "history", cfg.HistoryDir, "branch", cfg.Branch, "period", cfg.Period())
			if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			slog.Info("daemon stopped")
			return nil
		},
	}
}

func buildCoordinator(cfg *config.Config) (*syncd.Coordinator, error) {
	repo := gitrepo.NewCLI(cfg.HistoryDir, slog.Default().With("component", "git"))

	e, err := buildEngines(cfg, repo)
	if err != nil {
		return nil, err
	}

	opts := []syncd.Option{
		syncd.WithPeriod(cfg.Period()),
		syncd.WithExcludes(e.excludes),
		syncd.WithBookkeeping(cfg.ProgressFile(), cfg.CompleteFile()),
		syncd.WithLogger(slog.Default().With("component", "syncd")),
	}
	if len(cfg.Targets) > 0 {
		opts = append(opts, syncd.WithLinker(linker.New(cfg.Base, cfg.HistoryDir, cfg.Targets,
			linker.WithExcludes(e.excludes),
			linker.WithLogger(slog.Default().With("component", "linker")),
		)))
	}
	if e.offloader != nil {
		opts = append(opts, syncd.WithVault(e.offloader, e.restorer, e.man, e.store,
			cfg.Offload.ContainerTag, cfg.Offload.Retention))
	}

	return syncd.New(repo, cfg.Branch, remoteURL(cfg), opts...), nil
}
