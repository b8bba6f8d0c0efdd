package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gitvault/gitvault/internal/exclude"
	"github.com/gitvault/gitvault/internal/manifest"
	"github.com/gitvault/gitvault/internal/pointer"
	"github.com/gitvault/gitvault/internal/store"
)

// DefaultWorkers is the restore worker pool width when none is configured.
const DefaultWorkers = 3

// ErrHashMismatch is returned when downloaded content does not digest to
// the hash a pointer records.
var ErrHashMismatch = errors.New("vault: hash mismatch")

// Restorer materializes real files from pointer files by downloading their
// assets from the blob store.
type Restorer struct {
	store   store.Store
	man     *manifest.Manifest
	histDir string
	workers int
	verify  bool

	excludes *exclude.List
	logger   *slog.Logger

	// sf deduplicates concurrent restores targeting one destination.
	sf singleflight.Group
}

// RestoreOption configures a Restorer.
type RestoreOption func(*Restorer)

// WithWorkers sets the worker pool width for batch restores.
func WithWorkers(n int) RestoreOption {
	return func(r *Restorer) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithVerify toggles hash verification of downloaded content.
func WithVerify(verify bool) RestoreOption {
	return func(r *Restorer) { r.verify = verify }
}

// WithRestoreExcludes registers restored files for permanent history
// exclusion.
func WithRestoreExcludes(list *exclude.List) RestoreOption {
	return func(r *Restorer) { r.excludes = list }
}

// WithRestoreLogger sets the engine logger.
func WithRestoreLogger(logger *slog.Logger) RestoreOption {
	return func(r *Restorer) { r.logger = logger }
}

// NewRestorer creates a restore engine for the history repository at
// histDir. Hash verification is on unless disabled via WithVerify.
func NewRestorer(st store.Store, man *manifest.Manifest, histDir string, opts ...RestoreOption) *Restorer {
	r := &Restorer{
		store:   st,
		man:     man,
		histDir: histDir,
		workers: DefaultWorkers,
		verify:  true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Restorer) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// Restore materializes the file for one pointer, honoring the configured
// verification toggle.
func (r *Restorer) Restore(ctx context.Context, pointerPath string) error {
	return r.restore(ctx, pointerPath, r.verify)
}

// restore runs the materialization under singleflight so concurrent
// restores of the same destination share one download.
func (r *Restorer) restore(ctx context.Context, pointerPath string, verify bool) error {
	dst := pointer.RealPath(pointerPath)
	_, err, _ := r.sf.Do(dst, func() (any, error) {
		return nil, r.materialize(ctx, pointerPath, dst, verify)
	})
	return err
}

func (r *Restorer) materialize(ctx context.Context, pointerPath, dst string, verify bool) error {
	p, err := pointer.Read(pointerPath)
	if err != nil {
		return err
	}
	if err := pointer.Validate(p); err != nil {
		return err
	}

	// Idempotent short-circuit: a destination that already digests to the
	// recorded hash needs no download at all.
	if fileMatches(dst, p.Hash) {
		r.log().Debug("already satisfied", "path", dst)
		r.registerExclusion(dst)
		return nil
	}

	name, expected, err := r.resolveAsset(ctx, p, dst)
	if err != nil {
		return err
	}

	tmp, err := r.download(ctx, p.ReleaseTag, name, dst)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if verify {
		got, _, err := HashFile(tmp)
		if err != nil {
			return err
		}
		if got != expected {
			return fmt.Errorf("%w: %s: expected %s, got %s", ErrHashMismatch, p.Filename, expected, got)
		}
	}

	// A concurrent writer may have satisfied the destination in the
	// meantime; keep its copy and discard ours.
	if fileMatches(dst, expected) {
		r.registerExclusion(dst)
		return nil
	}

	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("move into place: %w", err)
	}

	// The pointer stays beside the restored file.
	r.registerExclusion(dst)
	r.log().Info("restored", "path", dst, "asset", name)
	return nil
}

// resolveAsset finds a live asset for the pointer. When the recorded name
// is gone (evicted by retention), the manifest's history for the path is
// walked newest-first and the first surviving asset wins, together with
// its recorded hash.
func (r *Restorer) resolveAsset(ctx context.Context, p *pointer.Pointer, dst string) (string, digest.Digest, error) {
	asset, err := r.store.FindAsset(ctx, p.ReleaseTag, p.AssetName)
	if err == nil {
		return asset.Name, p.Hash, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", "", fmt.Errorf("resolve asset %q: %w", p.AssetName, err)
	}

	rel, relErr := filepath.Rel(r.histDir, dst)
	if relErr != nil {
		rel = dst
	}
	for _, v := range r.man.Versions(filepath.ToSlash(rel)) {
		fallback, err := r.store.FindAsset(ctx, p.ReleaseTag, v.AssetName)
		if err == nil {
			r.log().Warn("using fallback version", "path", dst, "asset", fallback.Name)
			return fallback.Name, v.Hash, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", "", fmt.Errorf("resolve fallback %q: %w", v.AssetName, err)
		}
	}
	return "", "", fmt.Errorf("%w: no surviving asset for %s", store.ErrNotFound, p.AssetName)
}

// download streams the asset to a unique temp path beside dst.
func (r *Restorer) download(ctx context.Context, tag, name, dst string) (string, error) {
	rc, _, err := r.store.Download(ctx, tag, name)
	if err != nil {
		return "", fmt.Errorf("download %q: %w", name, err)
	}
	defer rc.Close()

	tmp := fmt.Sprintf("%s.tmp-%s", dst, uuid.NewString()[:8])
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("stream %q: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

func (r *Restorer) registerExclusion(dst string) {
	if r.excludes == nil {
		return
	}
	rel, err := filepath.Rel(r.histDir, dst)
	if err != nil {
		rel = dst
	}
	if err := r.excludes.Add(filepath.ToSlash(rel)); err != nil {
		r.log().Warn("history exclusion failed", "path", dst, "error", err)
	}
}

// RestoreAll restores every pointer under the repository with a bounded
// worker pool. One failure never cancels the others; the result maps each
// pointer path to its outcome, and progress reports completed/total.
func (r *Restorer) RestoreAll(ctx context.Context, progress func(completed, total int)) (map[string]bool, error) {
	pointers, err := ScanPointers(r.histDir)
	if err != nil {
		return nil, fmt.Errorf("scan pointers: %w", err)
	}
	return r.restoreBatch(ctx, pointers, r.verify, progress), nil
}

// RestoreMissing restores only pointers whose real file is absent. It is
// the repair pass run right after a pull, before any offload scan, because
// a rebase can delete working-tree files shadowed by a pointer. Hash
// verification is skipped on this pass.
func (r *Restorer) RestoreMissing(ctx context.Context) (map[string]bool, error) {
	pointers, err := ScanPointers(r.histDir)
	if err != nil {
		return nil, fmt.Errorf("scan pointers: %w", err)
	}

	var missing []string
	for _, pp := range pointers {
		if _, err := os.Stat(pointer.RealPath(pp)); os.IsNotExist(err) {
			missing = append(missing, pp)
		}
	}
	if len(missing) == 0 {
		return map[string]bool{}, nil
	}
	r.log().Info("restoring files deleted by pull", "count", len(missing))
	return r.restoreBatch(ctx, missing, false, nil), nil
}

func (r *Restorer) restoreBatch(ctx context.Context, pointers []string, verify bool, progress func(completed, total int)) map[string]bool {
	results := make(map[string]bool, len(pointers))
	if len(pointers) == 0 {
		return results
	}

	var (
		mu        sync.Mutex
		completed atomic.Int64
	)
	total := len(pointers)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, pp := range pointers {
		g.Go(func() error {
			err := r.restore(ctx, pp, verify)
			if err != nil {
				r.log().Error("restore failed", "pointer", pp, "error", err)
			}

			mu.Lock()
			results[pp] = err == nil
			mu.Unlock()

			if progress != nil {
				progress(int(completed.Add(1)), total)
			}
			// Failures are recorded, not returned: one bad file must not
			// cancel the rest of the batch.
			return nil
		})
	}
	_ = g.Wait()
	return results
}
