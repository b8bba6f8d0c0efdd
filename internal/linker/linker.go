// Package linker migrates sync targets into the history repository and
// replaces the originals with symlinks pointing back into it.
//
// A target is a path relative to the base directory. A trailing slash
// marks it directory-like, which matters only when the original is
// missing and an empty placeholder must be created.
package linker

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Excluder reports whether a history-relative path is excluded from
// version control.
type Excluder interface {
	IsExcluded(rel string) bool
}

// Linker migrates targets from base into histDir and links them back.
type Linker struct {
	base     string
	histDir  string
	targets  []string
	excludes Excluder
	logger   *slog.Logger
}

// Option configures a Linker.
type Option func(*Linker)

// WithExcludes skips excluded paths during empty-directory tracking.
func WithExcludes(excludes Excluder) Option {
	return func(l *Linker) { l.excludes = excludes }
}

// WithLogger sets the linker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Linker) { l.logger = logger }
}

// New creates a Linker for the given base directory, history repository
// and target list.
func New(base, histDir string, targets []string, opts ...Option) *Linker {
	l := &Linker{
		base:    base,
		histDir: histDir,
		targets: targets,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Linker) log() *slog.Logger {
	if l.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.logger
}

// Run executes the full linking stage: pre-create directory-like targets,
// migrate and link each target, then track empty directories.
func (l *Linker) Run(ctx context.Context) error {
	if err := l.PrecreateDirlike(); err != nil {
		return err
	}
	if err := l.MigrateAndLink(ctx); err != nil {
		return err
	}
	_, err := l.TrackEmptyDirs()
	return err
}

// PrecreateDirlike creates the history-side directories for every target
// so later stages never race on missing parents.
func (l *Linker) PrecreateDirlike() error {
	for _, target := range l.targets {
		dst := l.histPath(target)
		dir := dst
		if !dirlike(target) {
			dir = filepath.Dir(dst)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("precreate %s: %w", dir, err)
		}
	}
	return nil
}

// MigrateAndLink moves each target under the history repository and
// replaces the original path with a symlink.
//
// Conflicts resolve in favor of the history side: directories merge
// without overwriting existing files, and an existing history-side file
// wins over the original.
func (l *Linker) MigrateAndLink(ctx context.Context) error {
	for _, target := range l.targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.migrateOne(target); err != nil {
			return fmt.Errorf("migrate %s: %w", target, err)
		}
	}
	return nil
}

func (l *Linker) migrateOne(target string) error {
	src := l.basePath(target)
	dst := l.histPath(target)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	info, err := os.Lstat(src)
	switch {
	case err == nil && info.Mode()&os.ModeSymlink != 0:
		// Already a link, possibly from an earlier run; just point it right.
	case err == nil && info.IsDir():
		l.log().Info("migrating directory", "src", src, "dst", dst)
		if err := mergeCopy(src, dst); err != nil {
			return err
		}
		if err := os.RemoveAll(src); err != nil {
			return err
		}
	case err == nil:
		l.log().Info("migrating file", "src", src, "dst", dst)
		if _, statErr := os.Stat(dst); os.IsNotExist(statErr) {
			if err := moveFile(src, dst); err != nil {
				return err
			}
		} else {
			if err := os.Remove(src); err != nil {
				return err
			}
		}
	case os.IsNotExist(err):
		l.log().Info("creating empty target", "dst", dst, "dirlike", dirlike(target))
		if dirlike(target) {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
		} else if _, statErr := os.Stat(dst); os.IsNotExist(statErr) {
			if err := touch(dst); err != nil {
				return err
			}
		}
	default:
		return err
	}

	return EnsureSymlink(src, dst)
}

// TrackEmptyDirs writes a .gitkeep placeholder into every empty directory
// under the targets so version control tracks them. It returns the number
// of placeholders written.
func (l *Linker) TrackEmptyDirs() (int, error) {
	written := 0
	for _, target := range l.targets {
		root := l.histPath(target)
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil || !d.IsDir() {
				return walkErr
			}
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			rel, relErr := filepath.Rel(l.histDir, path)
			if relErr == nil && l.excludes != nil && l.excludes.IsExcluded(filepath.ToSlash(rel)) {
				return filepath.SkipDir
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				if err := touch(filepath.Join(path, ".gitkeep")); err != nil {
					return err
				}
				written++
			}
			return nil
		})
		if err != nil {
			return written, fmt.Errorf("track empty dirs under %s: %w", root, err)
		}
	}
	return written, nil
}

// EnsureSymlink makes src a symlink to dst, replacing whatever currently
// occupies src. A correct existing link is left alone.
func EnsureSymlink(src, dst string) error {
	if parent := filepath.Dir(src); parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return err
		}
	}

	info, err := os.Lstat(src)
	switch {
	case err == nil && info.Mode()&os.ModeSymlink != 0:
		cur, readErr := os.Readlink(src)
		if readErr == nil && cur == dst {
			return nil
		}
		if err := os.Remove(src); err != nil {
			return err
		}
	case err == nil:
		if err := os.RemoveAll(src); err != nil {
			return err
		}
	case !os.IsNotExist(err):
		return err
	}

	if err := os.Symlink(dst, src); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", src, dst, err)
	}
	return nil
}

func (l *Linker) basePath(target string) string {
	return filepath.Join(l.base, cleanTarget(target))
}

func (l *Linker) histPath(target string) string {
	return filepath.Join(l.histDir, cleanTarget(target))
}

func cleanTarget(target string) string {
	return strings.TrimSuffix(target, "/")
}

func dirlike(target string) bool {
	return strings.HasSuffix(target, "/")
}

// mergeCopy copies the tree at src into dst without overwriting files
// that already exist on the dst side.
func mergeCopy(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(out, 0o755)
		}
		if _, err := os.Stat(out); err == nil {
			return nil
		}
		return copyFile(path, out)
	})
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// moveFile renames src to dst, falling back to copy+remove across
// filesystem boundaries.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
