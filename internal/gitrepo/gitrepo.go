// Package gitrepo wraps the version-control tool backing the history
// repository. The tool is a black box reached through the git binary;
// Repo is the contract the sync coordinator and the offload engine need
// from it.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrGit wraps failures of the underlying git invocation.
var ErrGit = errors.New("gitrepo: git command failed")

// Repo is the version-control collaborator contract.
type Repo interface {
	// Ensure initializes the repository at its directory if needed, on
	// the given branch, with a commit identity configured.
	Ensure(ctx context.Context, branch string) error

	// SetRemote points origin at url, creating or updating it.
	SetRemote(ctx context.Context, url string) error

	// RemoteIsEmpty reports whether origin has no branch heads.
	RemoteIsEmpty(ctx context.Context) (bool, error)

	// InitialCommit creates a first commit when the repository has no
	// history yet.
	InitialCommit(ctx context.Context) error

	// FetchCheckout fetches origin and hard-resets the local branch to
	// the remote-tracking branch.
	FetchCheckout(ctx context.Context, branch string) error

	// PullRebase runs a rebasing pull from origin.
	PullRebase(ctx context.Context, branch string) error

	// CommitAll stages everything and commits when the tree changed.
	// Returns whether a commit was created.
	CommitAll(ctx context.Context, message string) (bool, error)

	// Push pushes the branch to origin.
	Push(ctx context.Context, branch string) error

	// Head returns the local HEAD commit hash.
	Head(ctx context.Context) (string, error)

	// RemoteHead returns the remote-tracking head commit hash for branch.
	RemoteHead(ctx context.Context, branch string) (string, error)

	// IsTracked reports whether the index knows rel.
	IsTracked(ctx context.Context, rel string) (bool, error)

	// Unstage removes rel from the index only; the working copy is left
	// untouched.
	Unstage(ctx context.Context, rel string) error
}

// runner executes a git command in dir and returns its combined output.
// Swappable for tests.
type runner func(ctx context.Context, dir string, args ...string) (string, error)

func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%w: git %s: %v: %s",
			ErrGit, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// CLI is the git-binary-backed Repo.
type CLI struct {
	dir    string
	run    runner
	logger *slog.Logger
}

var _ Repo = (*CLI)(nil)

// NewCLI returns a Repo operating on the repository at dir.
func NewCLI(dir string, logger *slog.Logger) *CLI {
	return &CLI{dir: dir, run: execGit, logger: logger}
}

func (c *CLI) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Dir returns the repository directory.
func (c *CLI) Dir() string {
	return c.dir
}

func (c *CLI) git(ctx context.Context, args ...string) (string, error) {
	out, err := c.run(ctx, c.dir, args...)
	return strings.TrimSpace(out), err
}

func (c *CLI) Ensure(ctx context.Context, branch string) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	if _, err := os.Stat(filepath.Join(c.dir, ".git")); os.IsNotExist(err) {
		c.log().Info("initializing repository", "dir", c.dir, "branch", branch)
		if _, err := c.git(ctx, "init", "-b", branch); err != nil {
			return err
		}
	}

	// Commits need an identity; configure one locally if unset.
	if _, err := c.git(ctx, "config", "user.name"); err != nil {
		if _, err := c.git(ctx, "config", "user.name", "gitvault"); err != nil {
			return err
		}
	}
	if _, err := c.git(ctx, "config", "user.email"); err != nil {
		if _, err := c.git(ctx, "config", "user.email", "gitvault@localhost"); err != nil {
			return err
		}
	}
	return nil
}

func (c *CLI) SetRemote(ctx context.Context, url string) error {
	if _, err := c.git(ctx, "remote", "get-url", "origin"); err != nil {
		_, err := c.git(ctx, "remote", "add", "origin", url)
		return err
	}
	_, err := c.git(ctx, "remote", "set-url", "origin", url)
	return err
}

func (c *CLI) RemoteIsEmpty(ctx context.Context) (bool, error) {
	out, err := c.git(ctx, "ls-remote", "--heads", "origin")
	if err != nil {
		return false, err
	}
	return out == "", nil
}

func (c *CLI) InitialCommit(ctx context.Context) error {
	if _, err := c.git(ctx, "rev-parse", "--verify", "HEAD"); err == nil {
		return nil
	}
	if _, err := c.git(ctx, "add", "-A"); err != nil {
		return err
	}
	_, err := c.git(ctx, "commit", "--allow-empty", "-m", "chore(sync): initial commit")
	return err
}

func (c *CLI) FetchCheckout(ctx context.Context, branch string) error {
	if _, err := c.git(ctx, "fetch", "origin", branch); err != nil {
		return err
	}
	if _, err := c.git(ctx, "checkout", "-B", branch); err != nil {
		return err
	}
	_, err := c.git(ctx, "reset", "--hard", "origin/"+branch)
	return err
}

func (c *CLI) PullRebase(ctx context.Context, branch string) error {
	_, err := c.git(ctx, "pull", "--rebase", "origin", branch)
	return err
}

func (c *CLI) CommitAll(ctx context.Context, message string) (bool, error) {
	status, err := c.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if status == "" {
		return false, nil
	}
	if _, err := c.git(ctx, "add", "-A"); err != nil {
		return false, err
	}
	if _, err := c.git(ctx, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

func (c *CLI) Push(ctx context.Context, branch string) error {
	_, err := c.git(ctx, "push", "origin", branch)
	return err
}

func (c *CLI) Head(ctx context.Context) (string, error) {
	return c.git(ctx, "rev-parse", "HEAD")
}

func (c *CLI) RemoteHead(ctx context.Context, branch string) (string, error) {
	return c.git(ctx, "rev-parse", "origin/"+branch)
}

func (c *CLI) IsTracked(ctx context.Context, rel string) (bool, error) {
	out, err := c.git(ctx, "ls-files", "--", rel)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (c *CLI) Unstage(ctx context.Context, rel string) error {
	_, err := c.git(ctx, "rm", "--cached", "--", rel)
	return err
}
