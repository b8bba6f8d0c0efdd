package vault

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitvault/gitvault/internal/exclude"
	"github.com/gitvault/gitvault/internal/pointer"
)

func TestRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	content := bytes.Repeat([]byte("payload"), 64)
	path := f.write(t, "models/model.bin", content)
	require.NoError(t, f.offloader().Offload(context.Background(), path))
	require.NoError(t, os.Remove(path))

	err := f.restorer().Restore(context.Background(), path+pointer.Suffix)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, int64(1), f.store.downloads.Load())

	// The pointer stays beside the restored file.
	_, err = os.Stat(path + pointer.Suffix)
	assert.NoError(t, err)
}

func TestRestoreAlreadySatisfied(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	path := f.write(t, "big.bin", bytes.Repeat([]byte("x"), 100))
	require.NoError(t, f.offloader().Offload(context.Background(), path))

	// Real file already matches the pointer hash, so nothing is fetched.
	err := f.restorer().Restore(context.Background(), path+pointer.Suffix)
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.store.downloads.Load())
}

func TestRestoreRegistersExclusion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	path := f.write(t, "data/big.bin", bytes.Repeat([]byte("x"), 100))
	require.NoError(t, f.offloader().Offload(context.Background(), path))
	require.NoError(t, os.Remove(path))

	list := exclude.New(f.dir, nil)
	err := f.restorer(WithRestoreExcludes(list)).Restore(context.Background(), path+pointer.Suffix)
	require.NoError(t, err)

	assert.True(t, list.IsExcluded("data/big.bin"))
}

func TestRestoreHashMismatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	path := f.write(t, "big.bin", bytes.Repeat([]byte("x"), 100))
	require.NoError(t, f.offloader().Offload(context.Background(), path))
	require.NoError(t, os.Remove(path))

	f.store.corrupt = true
	err := f.restorer().Restore(context.Background(), path+pointer.Suffix)
	require.ErrorIs(t, err, ErrHashMismatch)

	// No destination file and no leftover temp files.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), "leftover temp file %s", e.Name())
	}
}

func TestRestoreFallbackToSurvivingVersion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	old := bytes.Repeat([]byte("old"), 40)
	path := f.write(t, "big.bin", old)
	off := f.offloader()
	require.NoError(t, off.Offload(context.Background(), path))

	oldHash, _, err := HashFile(path)
	require.NoError(t, err)

	// A newer version replaces the current one, then loses its asset.
	time.Sleep(time.Millisecond)
	f.write(t, "big.bin", bytes.Repeat([]byte("new"), 40))
	require.NoError(t, off.Offload(context.Background(), path))

	p, err := pointer.Read(path + pointer.Suffix)
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteAsset(context.Background(), testTag, p.AssetName))
	require.NoError(t, os.Remove(path))

	err = f.restorer().Restore(context.Background(), path+pointer.Suffix)
	require.NoError(t, err)

	gotHash, _, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, oldHash, gotHash)
}

func TestRestoreNoSurvivingVersion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	path := f.write(t, "big.bin", bytes.Repeat([]byte("x"), 100))
	require.NoError(t, f.offloader().Offload(context.Background(), path))

	p, err := pointer.Read(path + pointer.Suffix)
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteAsset(context.Background(), testTag, p.AssetName))
	require.NoError(t, os.Remove(path))

	err = f.restorer().Restore(context.Background(), path+pointer.Suffix)
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRestoreConcurrentSharesDownload(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	path := f.write(t, "big.bin", bytes.Repeat([]byte("x"), 100))
	require.NoError(t, f.offloader().Offload(context.Background(), path))
	require.NoError(t, os.Remove(path))

	res := f.restorer()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = res.Restore(context.Background(), path+pointer.Suffix)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int64(1), f.store.downloads.Load())
}

func TestRestoreAll(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	off := f.offloader()
	a := f.write(t, "a.bin", bytes.Repeat([]byte("a"), 100))
	b := f.write(t, "nested/b.bin", bytes.Repeat([]byte("b"), 100))
	require.NoError(t, off.Offload(context.Background(), a))
	require.NoError(t, off.Offload(context.Background(), b))
	require.NoError(t, os.Remove(a))
	require.NoError(t, os.Remove(b))

	// A corrupt pointer must not abort the batch.
	broken := filepath.Join(f.dir, "broken.bin"+pointer.Suffix)
	require.NoError(t, os.WriteFile(broken, []byte(`{"type":"lfs-pointer"`), 0o644))

	var mu sync.Mutex
	var last, total int
	results, err := f.restorer().RestoreAll(context.Background(), func(completed, n int) {
		mu.Lock()
		defer mu.Unlock()
		if completed > last {
			last = completed
		}
		total = n
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]bool{
		a + pointer.Suffix: true,
		b + pointer.Suffix: true,
		broken:             false,
	}, results)
	assert.Equal(t, 3, last)
	assert.Equal(t, 3, total)

	for _, path := range []string{a, b} {
		_, err := os.Stat(path)
		assert.NoError(t, err)
	}
}

func TestRestoreMissing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	off := f.offloader()
	present := f.write(t, "present.bin", bytes.Repeat([]byte("p"), 100))
	missing := f.write(t, "missing.bin", bytes.Repeat([]byte("m"), 100))
	require.NoError(t, off.Offload(context.Background(), present))
	require.NoError(t, off.Offload(context.Background(), missing))
	require.NoError(t, os.Remove(missing))

	results, err := f.restorer().RestoreMissing(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]bool{missing + pointer.Suffix: true}, results)
	assert.Equal(t, int64(1), f.store.downloads.Load())

	_, err = os.Stat(missing)
	assert.NoError(t, err)
}
