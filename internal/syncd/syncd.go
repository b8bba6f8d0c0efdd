// Package syncd runs the sync lifecycle: align the history repository
// with its remote, link targets into it, restore offloaded files, then
// keep everything synchronized on a fixed period.
//
// The coordinator moves through uninitialized, aligning, linking,
// restoring and steady states in that order. Alignment blocks until the
// local HEAD equals the remote HEAD; that comparison is the only
// completion signal, there is no readiness file.
package syncd

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gitvault/gitvault/internal/exclude"
	"github.com/gitvault/gitvault/internal/gitrepo"
	"github.com/gitvault/gitvault/internal/manifest"
	"github.com/gitvault/gitvault/internal/store"
)

const (
	// DefaultPeriod is the steady-state sync interval.
	DefaultPeriod = 180 * time.Second

	// defaultAlignRetry is the pause between alignment attempts.
	defaultAlignRetry = 3 * time.Second

	periodicCommitMessage = "chore(sync): periodic commit"
	linkCommitMessage     = "chore(sync): initial link & empty dirs"
)

// Linker runs the migrate-and-link stage. The concrete implementation
// may additionally provide TrackEmptyDirs() (int, error), which the
// coordinator then calls every cycle.
type Linker interface {
	Run(ctx context.Context) error
}

// Restorer repairs pointer-backed files from the blob store.
type Restorer interface {
	RestoreAll(ctx context.Context, progress func(completed, total int)) (map[string]bool, error)
	RestoreMissing(ctx context.Context) (map[string]bool, error)
}

// Offloader converts oversized files into pointers backed by store assets.
type Offloader interface {
	OffloadAll(ctx context.Context) (map[string]bool, error)
}

// Snapshot is a point-in-time view of the coordinator for status output.
type Snapshot struct {
	State     State
	LastCycle time.Time
	LastError string
}

// Coordinator drives the sync lifecycle against one history repository.
type Coordinator struct {
	repo   gitrepo.Repo
	branch string
	remote string

	period     time.Duration
	alignRetry time.Duration

	linker    Linker
	restorer  Restorer
	offloader Offloader
	man       *manifest.Manifest
	store     store.Store
	tag       string
	retention int
	excludes  *exclude.List

	progressFile string
	completeFile string
	logger       *slog.Logger

	// mu serializes cycles: a periodic cycle and a SyncNow never
	// interleave git operations.
	mu sync.Mutex

	statusMu  sync.Mutex
	state     State
	lastCycle time.Time
	lastErr   error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPeriod sets the steady-state sync interval.
func WithPeriod(period time.Duration) Option {
	return func(c *Coordinator) {
		if period > 0 {
			c.period = period
		}
	}
}

// WithAlignRetry sets the pause between alignment attempts.
func WithAlignRetry(retry time.Duration) Option {
	return func(c *Coordinator) {
		if retry > 0 {
			c.alignRetry = retry
		}
	}
}

// WithLinker enables the linking stage.
func WithLinker(linker Linker) Option {
	return func(c *Coordinator) { c.linker = linker }
}

// WithVault enables offload and restore. The store, tag and retention
// drive old-version eviction after each offload scan.
func WithVault(off Offloader, res Restorer, man *manifest.Manifest, st store.Store, tag string, retention int) Option {
	return func(c *Coordinator) {
		c.offloader = off
		c.restorer = res
		c.man = man
		c.store = st
		c.tag = tag
		c.retention = retention
	}
}

// WithExcludes keeps the repository's exclusion list synchronized.
func WithExcludes(excludes *exclude.List) Option {
	return func(c *Coordinator) { c.excludes = excludes }
}

// WithBookkeeping sets the progress file and completion marker paths.
func WithBookkeeping(progressFile, completeFile string) Option {
	return func(c *Coordinator) {
		c.progressFile = progressFile
		c.completeFile = completeFile
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// New creates a Coordinator syncing branch against remote.
func New(repo gitrepo.Repo, branch, remote string, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:       repo,
		branch:     branch,
		remote:     remote,
		period:     DefaultPeriod,
		alignRetry: defaultAlignRetry,
		retention:  3,
		state:      StateUninitialized,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

func (c *Coordinator) setState(s State) {
	c.statusMu.Lock()
	c.state = s
	c.statusMu.Unlock()
	c.log().Info("state change", "state", s.String())
}

// Status returns a snapshot of the coordinator.
func (c *Coordinator) Status() Snapshot {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	snap := Snapshot{State: c.state, LastCycle: c.lastCycle}
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	return snap
}

func (c *Coordinator) recordCycle(err error) {
	c.statusMu.Lock()
	c.lastCycle = time.Now()
	c.lastErr = err
	c.statusMu.Unlock()
}

// Run executes the full lifecycle and then loops on periodic cycles
// until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.writeProgress(Progress{Stage: "starting", Percent: 0})

	c.setState(StateAligning)
	c.writeProgress(Progress{Stage: "git", Percent: 10})
	if err := c.Align(ctx); err != nil {
		return err
	}
	c.writeProgress(Progress{Stage: "git", Percent: 25})

	c.setState(StateLinking)
	c.writeProgress(Progress{Stage: "linking", Percent: 30})
	if err := c.linkAndTrack(ctx); err != nil {
		return err
	}
	c.writeProgress(Progress{Stage: "linking", Percent: 50})

	c.setState(StateRestoring)
	c.restoreAll(ctx)

	c.markComplete()
	c.setState(StateSteady)

	for {
		// A stop signal interrupts the inter-cycle wait, never a cycle in
		// flight: in-flight transfers run to completion.
		if err := c.Cycle(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.period):
		}
	}
}

// Align blocks until the local HEAD equals the remote branch HEAD,
// retrying failed attempts. An empty remote is seeded with an initial
// commit; otherwise the remote branch is fetched and checked out.
func (c *Coordinator) Align(ctx context.Context) error {
	if err := c.repo.Ensure(ctx, c.branch); err != nil {
		return err
	}
	if c.excludes != nil {
		if err := c.excludes.Sync(); err != nil {
			c.log().Warn("exclusion sync failed", "error", err)
		}
	}
	if err := c.repo.SetRemote(ctx, c.remote); err != nil {
		return err
	}

	for {
		if err := c.alignOnce(ctx); err == nil {
			c.log().Info("aligned with remote", "branch", c.branch)
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		} else {
			c.log().Warn("alignment attempt failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.alignRetry):
		}
	}
}

func (c *Coordinator) alignOnce(ctx context.Context) error {
	empty, err := c.repo.RemoteIsEmpty(ctx)
	if err != nil {
		return err
	}
	if empty {
		c.log().Info("remote is empty, seeding initial commit")
		if err := c.repo.InitialCommit(ctx); err != nil {
			return err
		}
		if err := c.repo.Push(ctx, c.branch); err != nil {
			return err
		}
	} else {
		if err := c.repo.FetchCheckout(ctx, c.branch); err != nil {
			return err
		}
	}
	return c.checkAligned(ctx)
}

var errNotAligned = errors.New("syncd: local HEAD does not match remote")

func (c *Coordinator) checkAligned(ctx context.Context) error {
	head, err := c.repo.Head(ctx)
	if err != nil {
		return err
	}
	remote, err := c.repo.RemoteHead(ctx, c.branch)
	if err != nil {
		return err
	}
	if head == "" || head != remote {
		return errNotAligned
	}
	return nil
}

// linkAndTrack runs the linking stage and commits its result. A push
// failure here is logged and left for the next cycle.
func (c *Coordinator) linkAndTrack(ctx context.Context) error {
	if c.linker == nil {
		return nil
	}
	if err := c.linker.Run(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	changed, err := c.repo.CommitAll(ctx, linkCommitMessage)
	if err != nil {
		return err
	}
	if changed {
		if err := c.repo.Push(ctx, c.branch); err != nil {
			c.log().Warn("initial push failed", "error", err)
		}
	}
	return nil
}

// restoreAll runs the full restore pass, mapping batch progress onto the
// 50..95 percent band. Failures are logged and never block startup.
func (c *Coordinator) restoreAll(ctx context.Context) {
	if c.restorer == nil {
		c.log().Info("offload support disabled, skipping restore")
		return
	}
	c.writeProgress(Progress{Stage: "restore", Percent: 50})

	results, err := c.restorer.RestoreAll(ctx, func(completed, total int) {
		pct := 50
		if total > 0 {
			pct = 50 + completed*45/total
		}
		c.writeProgress(Progress{Stage: "restore", Percent: pct, Current: completed, Total: total})
	})
	if err != nil {
		c.log().Error("restore pass failed", "error", err)
		return
	}

	ok := 0
	for _, success := range results {
		if success {
			ok++
		}
	}
	if len(results) > 0 {
		c.log().Info("restore pass finished", "restored", ok, "total", len(results))
	}
	c.writeProgress(Progress{Stage: "restore", Percent: 95})
}

// Cycle runs one sync period: pull, repair files deleted by the pull,
// offload new large files, evict old versions, commit and push. Only a
// canceled context aborts a cycle; every other failure is logged and
// retried next period.
func (c *Coordinator) Cycle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.cycleLocked(ctx)
	c.recordCycle(err)
	return err
}

func (c *Coordinator) cycleLocked(ctx context.Context) error {
	if err := c.repo.PullRebase(ctx, c.branch); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log().Warn("pull failed", "error", err)
	}

	// Repair before scanning: a rebase may have deleted real files that
	// still have pointers, and an offload scan must never see that state.
	if c.restorer != nil {
		if _, err := c.restorer.RestoreMissing(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log().Error("post-pull restore failed", "error", err)
		}
	}

	if c.offloader != nil {
		if _, err := c.offloader.OffloadAll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log().Error("offload scan failed", "error", err)
		}
		c.evictOldVersions(ctx)
	}

	if tracker, ok := c.linker.(interface{ TrackEmptyDirs() (int, error) }); ok {
		if _, err := tracker.TrackEmptyDirs(); err != nil {
			c.log().Warn("empty dir tracking failed", "error", err)
		}
	}

	changed, err := c.repo.CommitAll(ctx, periodicCommitMessage)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log().Error("commit failed", "error", err)
		return nil
	}

	if err := c.repo.Push(ctx, c.branch); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log().Warn("push failed, will retry next cycle", "error", err)
	} else if changed {
		c.log().Info("committed and pushed changes")
	}
	return nil
}

// evictOldVersions trims each file's version history to the retention
// limit and deletes the evicted assets from the store.
func (c *Coordinator) evictOldVersions(ctx context.Context) {
	if c.man == nil || c.store == nil || c.retention <= 0 {
		return
	}
	evicted := c.man.CleanupAll(c.retention)
	if len(evicted) == 0 {
		return
	}
	for path, assets := range evicted {
		for _, name := range assets {
			if err := c.store.DeleteAsset(ctx, c.tag, name); err != nil {
				c.log().Warn("delete old asset failed", "path", path, "asset", name, "error", err)
			}
		}
	}
	if err := c.man.Save(); err != nil {
		c.log().Error("persist manifest after cleanup", "error", err)
	}
}

// SyncNow runs one cycle immediately, serialized against the periodic
// loop.
func (c *Coordinator) SyncNow(ctx context.Context) error {
	return c.Cycle(ctx)
}
