// Package vault implements the two transfer engines: offloading oversized
// files from the history repository into the blob store, and restoring
// them from their pointers.
//
// Both engines isolate per-file failures: one bad file never aborts a
// batch, and batch operations report an aggregate per-path outcome map.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/gitvault/gitvault/internal/exclude"
	"github.com/gitvault/gitvault/internal/gitrepo"
	"github.com/gitvault/gitvault/internal/manifest"
	"github.com/gitvault/gitvault/internal/pointer"
	"github.com/gitvault/gitvault/internal/store"
)

// DefaultThreshold is the offload size threshold when none is configured.
const DefaultThreshold int64 = 60 << 20 // 60 MiB

// Offloader converts oversized files into pointer files backed by store
// assets, recording each conversion in the manifest.
type Offloader struct {
	store     store.Store
	man       *manifest.Manifest
	histDir   string
	tag       string
	threshold int64

	repo         gitrepo.Repo  // optional: unstages originals from the index
	excludes     *exclude.List // optional: permanent history-exclusion list
	scanExcluded func(rel string) bool
	progress     store.Progress
	logger       *slog.Logger
}

// OffloadOption configures an Offloader.
type OffloadOption func(*Offloader)

// WithOffloadRepo lets the engine unstage offloaded originals from the
// version-control index.
func WithOffloadRepo(repo gitrepo.Repo) OffloadOption {
	return func(o *Offloader) { o.repo = repo }
}

// WithOffloadExcludes registers offloaded originals for permanent
// history exclusion. The list grows as files are offloaded and never
// filters the scan; use WithScanFilter for that.
func WithOffloadExcludes(list *exclude.List) OffloadOption {
	return func(o *Offloader) { o.excludes = list }
}

// WithScanFilter skips matching paths during the large-file scan. The
// filter receives paths relative to the repository root and must cover
// only configured exclusions: a filter fed by the history-exclusion list
// would hide already offloaded files from every later scan.
func WithScanFilter(excluded func(rel string) bool) OffloadOption {
	return func(o *Offloader) { o.scanExcluded = excluded }
}

// WithUploadProgress reports upload progress per file.
func WithUploadProgress(progress store.Progress) OffloadOption {
	return func(o *Offloader) { o.progress = progress }
}

// WithOffloadLogger sets the engine logger.
func WithOffloadLogger(logger *slog.Logger) OffloadOption {
	return func(o *Offloader) { o.logger = logger }
}

// NewOffloader creates an offload engine for the history repository at
// histDir, uploading into the container tag.
func NewOffloader(st store.Store, man *manifest.Manifest, histDir, tag string, threshold int64, opts ...OffloadOption) *Offloader {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	o := &Offloader{
		store:     st,
		man:       man,
		histDir:   histDir,
		tag:       tag,
		threshold: threshold,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Offloader) log() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.logger
}

// Threshold returns the configured offload size threshold in bytes.
func (o *Offloader) Threshold() int64 {
	return o.threshold
}

// Offload converts one file: hash, upload unless the asset already exists,
// write the pointer beside it, unstage the original, and record a manifest
// version. The real file is never deleted; pointer and payload coexist.
func (o *Offloader) Offload(ctx context.Context, path string) error {
	dgst, size, err := HashFile(path)
	if err != nil {
		return err
	}
	filename := filepath.Base(path)
	name := store.AssetName(dgst, filename)

	if err := o.store.EnsureContainer(ctx, o.tag); err != nil {
		return fmt.Errorf("ensure container %q: %w", o.tag, err)
	}

	// The asset name is content-addressed, so a hit means this exact
	// content is already stored and the upload can be skipped.
	asset, err := o.store.FindAsset(ctx, o.tag, name)
	switch {
	case err == nil:
		o.log().Debug("asset already stored", "name", asset.Name, "path", path)
	case errors.Is(err, store.ErrNotFound):
		asset, err = o.store.Upload(ctx, o.tag, name, path, dgst, size, o.progress)
		if err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
		o.log().Info("uploaded asset", "name", asset.Name, "size", size)
	default:
		return fmt.Errorf("find asset %q: %w", name, err)
	}

	// The store's returned name is authoritative; it may differ from the
	// computed one.
	p := pointer.New(dgst, size, filename, o.tag, asset.Name)
	if err := pointer.Write(path+pointer.Suffix, p); err != nil {
		return err
	}

	rel := o.rel(path)
	if o.repo != nil {
		if tracked, err := o.repo.IsTracked(ctx, rel); err == nil && tracked {
			if err := o.repo.Unstage(ctx, rel); err != nil {
				o.log().Warn("unstage failed", "path", rel, "error", err)
			}
		}
	}

	o.man.AddVersion(rel, dgst, asset.Name, size, true)
	if err := o.man.Save(); err != nil {
		return fmt.Errorf("persist manifest: %w", err)
	}

	if o.excludes != nil {
		if err := o.excludes.Add(rel); err != nil {
			o.log().Warn("history exclusion failed", "path", rel, "error", err)
		}
	}

	o.log().Info("offloaded", "path", rel, "asset", asset.Name)
	return nil
}

// OffloadAll scans the repository for files above the threshold and
// offloads each. Failures are isolated per file; the result maps each
// candidate path to its outcome.
func (o *Offloader) OffloadAll(ctx context.Context) (map[string]bool, error) {
	large, err := ScanLargeFiles(o.histDir, o.threshold, o.scanExcluded)
	if err != nil {
		return nil, fmt.Errorf("scan large files: %w", err)
	}

	results := make(map[string]bool, len(large))
	for _, path := range large {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		if err := o.Offload(ctx, path); err != nil {
			o.log().Error("offload failed", "path", path, "error", err)
			results[path] = false
			continue
		}
		results[path] = true
	}
	return results, nil
}

func (o *Offloader) rel(path string) string {
	rel, err := filepath.Rel(o.histDir, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
