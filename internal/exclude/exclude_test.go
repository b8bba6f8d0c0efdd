package exclude

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readExclude(t *testing.T, histDir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(histDir, ".git", "info", "exclude"))
	require.NoError(t, err)
	return string(data)
}

func TestIsExcluded(t *testing.T) {
	t.Parallel()

	l := New(t.TempDir(), []string{"data/cache", "./logs/", "big.bin"})

	assert.True(t, l.IsExcluded("data/cache"))
	assert.True(t, l.IsExcluded("data/cache/sub/file"))
	assert.True(t, l.IsExcluded("logs/app.log"))
	assert.True(t, l.IsExcluded("big.bin"))
	assert.False(t, l.IsExcluded("data/cachex"))
	assert.False(t, l.IsExcluded("other"))
}

func TestSync(t *testing.T) {
	t.Parallel()

	t.Run("writes entries once", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		l := New(dir, []string{"a/b", "c"})
		require.NoError(t, l.Sync())
		require.NoError(t, l.Sync())

		content := readExclude(t, dir)
		assert.Equal(t, 1, strings.Count(content, "a/b\n"))
		assert.Equal(t, 1, strings.Count(content, "c\n"))
	})

	t.Run("preserves existing lines", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := filepath.Join(dir, ".git", "info", "exclude")
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("# comment\nmanual-entry\n"), 0o644))

		l := New(dir, []string{"manual-entry", "new-entry"})
		require.NoError(t, l.Sync())

		content := readExclude(t, dir)
		assert.Contains(t, content, "# comment\n")
		assert.Equal(t, 1, strings.Count(content, "manual-entry\n"))
		assert.Contains(t, content, "new-entry\n")
	})
}

func TestAdd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := New(dir, nil)
	require.NoError(t, l.Add("data/model.bin"))
	require.NoError(t, l.Add("data/model.bin", "data/other.bin"))

	assert.Equal(t, []string{"data/model.bin", "data/other.bin"}, l.Entries())
	content := readExclude(t, dir)
	assert.Equal(t, 1, strings.Count(content, "data/model.bin\n"))
}
