package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gitvault/gitvault/internal/config"
	"github.com/gitvault/gitvault/internal/exclude"
	"github.com/gitvault/gitvault/internal/gitrepo"
	"github.com/gitvault/gitvault/internal/manifest"
	"github.com/gitvault/gitvault/internal/store"
	"github.com/gitvault/gitvault/internal/store/oci"
	"github.com/gitvault/gitvault/internal/vault"
)

func loadConfig(path *string) (*config.Config, error) {
	p := ""
	if path != nil {
		p = *path
	}
	return config.Load(p)
}

// remoteURL injects the access token into an HTTPS remote so pushes
// authenticate without credential helpers.
func remoteURL(cfg *config.Config) string {
	remote := cfg.Remote
	if cfg.Token == "" || !strings.HasPrefix(remote, "https://") {
		return remote
	}
	rest := strings.TrimPrefix(remote, "https://")
	if host, _, _ := strings.Cut(rest, "/"); strings.Contains(host, "@") {
		return remote
	}
	return "https://x-access-token:" + cfg.Token + "@" + rest
}

// buildStore creates the blob store client, or nil when offload is
// disabled or no registry is configured.
func buildStore(cfg *config.Config) (store.Store, error) {
	if !cfg.Offload.Enabled || cfg.Registry.Repository == "" {
		return nil, nil
	}

	opts := []oci.Option{
		oci.WithLogger(slog.Default().With("component", "store")),
		oci.WithPlainHTTP(cfg.Registry.PlainHTTP),
	}

	host, _, _ := strings.Cut(cfg.Registry.Repository, "/")
	switch {
	case cfg.Registry.Username != "":
		opts = append(opts, oci.WithStaticCredentials(host, cfg.Registry.Username, cfg.Registry.Password))
	case cfg.Token != "":
		opts = append(opts, oci.WithStaticToken(host, cfg.Token))
	}

	client, err := oci.New(cfg.Registry.Repository, opts...)
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	return client, nil
}

type engines struct {
	store     store.Store
	man       *manifest.Manifest
	excludes  *exclude.List
	offloader *vault.Offloader
	restorer  *vault.Restorer
}

// buildEngines wires the offload and restore engines from configuration.
// The offloader and restorer are nil when offload support is disabled.
// A non-nil repo lets the offloader unstage originals from the index.
func buildEngines(cfg *config.Config, repo gitrepo.Repo) (*engines, error) {
	st, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	e := &engines{
		store:    st,
		man:      manifest.Load(cfg.HistoryDir, cfg.Offload.ContainerTag, slog.Default().With("component", "manifest")),
		excludes: exclude.New(cfg.HistoryDir, cfg.Excludes),
	}
	if st == nil {
		return e, nil
	}

	// The scan filter carries only the configured exclusions. It is a
	// separate list from e.excludes, which accumulates every offloaded
	// path and would otherwise stop changed files from being rescanned.
	scanFilter := exclude.New(cfg.HistoryDir, cfg.Excludes)
	offloadOpts := []vault.OffloadOption{
		vault.WithOffloadExcludes(e.excludes),
		vault.WithScanFilter(scanFilter.IsExcluded),
		vault.WithOffloadLogger(slog.Default().With("component", "offload")),
	}
	if repo != nil {
		offloadOpts = append(offloadOpts, vault.WithOffloadRepo(repo))
	}
	e.offloader = vault.NewOffloader(st, e.man, cfg.HistoryDir, cfg.Offload.ContainerTag, cfg.Offload.ThresholdBytes,
		offloadOpts...,
	)
	e.restorer = vault.NewRestorer(st, e.man, cfg.HistoryDir,
		vault.WithWorkers(cfg.Offload.Workers),
		vault.WithVerify(cfg.Offload.Verify),
		vault.WithRestoreExcludes(e.excludes),
		vault.WithRestoreLogger(slog.Default().With("component", "restore")),
	)
	return e, nil
}
