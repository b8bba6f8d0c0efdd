// Package exclude keeps the permanent history-exclusion list for the
// history repository: paths written to .git/info/exclude so stage-all
// commits never pick them up.
package exclude

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// List manages exclusion entries for one repository. Entries are paths
// relative to the repository root; matching is prefix-based, so "a/b"
// covers "a/b" and everything below it.
type List struct {
	histDir string

	mu      sync.Mutex
	entries []string
}

// New returns a list seeded with the given entries. Nothing is written
// until Sync or Add is called.
func New(histDir string, entries []string) *List {
	l := &List{histDir: histDir}
	for _, e := range entries {
		if e = normalize(e); e != "" {
			l.entries = append(l.entries, e)
		}
	}
	return l
}

// Entries returns a copy of the current entries.
func (l *List) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// IsExcluded reports whether rel (relative to the repository root) is
// covered by an entry.
func (l *List) IsExcluded(rel string) bool {
	rel = normalize(rel)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if rel == e || strings.HasPrefix(rel, e+"/") {
			return true
		}
	}
	return false
}

// Add registers entries and syncs them to .git/info/exclude.
func (l *List) Add(rels ...string) error {
	l.mu.Lock()
	for _, rel := range rels {
		rel = normalize(rel)
		if rel == "" || containsString(l.entries, rel) {
			continue
		}
		l.entries = append(l.entries, rel)
	}
	l.mu.Unlock()
	return l.Sync()
}

// Sync appends any entries missing from .git/info/exclude. Existing lines
// are preserved; the write is idempotent.
func (l *List) Sync() error {
	l.mu.Lock()
	entries := append([]string(nil), l.entries...)
	l.mu.Unlock()

	path := filepath.Join(l.histDir, ".git", "info", "exclude")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create git info dir: %w", err)
	}

	existing := make(map[string]bool)
	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			existing[scanner.Text()] = true
		}
		f.Close()
	}

	var missing []string
	for _, e := range entries {
		if !existing[e] {
			missing = append(missing, e)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open git exclude: %w", err)
	}
	defer f.Close()

	for _, e := range missing {
		if _, err := fmt.Fprintln(f, e); err != nil {
			return fmt.Errorf("write git exclude: %w", err)
		}
	}
	return nil
}

func normalize(rel string) string {
	rel = filepath.ToSlash(rel)
	rel = strings.Trim(rel, "/")
	return strings.TrimPrefix(rel, "./")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
