package gitrepo

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records git invocations and replays scripted responses keyed
// by the first matching argument prefix.
type fakeRunner struct {
	calls     [][]string
	responses map[string]string
	errors    map[string]error
}

func (f *fakeRunner) run(_ context.Context, _ string, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	key := strings.Join(args, " ")
	for prefix, err := range f.errors {
		if strings.HasPrefix(key, prefix) {
			return "", err
		}
	}
	for prefix, out := range f.responses {
		if strings.HasPrefix(key, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeRunner) called(prefix string) bool {
	for _, call := range f.calls {
		if strings.HasPrefix(strings.Join(call, " "), prefix) {
			return true
		}
	}
	return false
}

func newTestCLI(t *testing.T, f *fakeRunner) *CLI {
	t.Helper()
	c := NewCLI(t.TempDir(), nil)
	c.run = f.run
	return c
}

func TestRemoteIsEmpty(t *testing.T) {
	t.Parallel()

	t.Run("no heads means empty", func(t *testing.T) {
		t.Parallel()
		f := &fakeRunner{}
		c := newTestCLI(t, f)
		empty, err := c.RemoteIsEmpty(context.Background())
		require.NoError(t, err)
		assert.True(t, empty)
	})

	t.Run("heads mean not empty", func(t *testing.T) {
		t.Parallel()
		f := &fakeRunner{responses: map[string]string{
			"ls-remote": "deadbeef\trefs/heads/main\n",
		}}
		c := newTestCLI(t, f)
		empty, err := c.RemoteIsEmpty(context.Background())
		require.NoError(t, err)
		assert.False(t, empty)
	})
}

func TestFetchCheckout(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{}
	c := newTestCLI(t, f)
	require.NoError(t, c.FetchCheckout(context.Background(), "main"))

	require.Len(t, f.calls, 3)
	assert.Equal(t, []string{"fetch", "origin", "main"}, f.calls[0])
	assert.Equal(t, []string{"checkout", "-B", "main"}, f.calls[1])
	assert.Equal(t, []string{"reset", "--hard", "origin/main"}, f.calls[2])
}

func TestCommitAll(t *testing.T) {
	t.Parallel()

	t.Run("clean tree commits nothing", func(t *testing.T) {
		t.Parallel()
		f := &fakeRunner{}
		c := newTestCLI(t, f)
		changed, err := c.CommitAll(context.Background(), "msg")
		require.NoError(t, err)
		assert.False(t, changed)
		assert.False(t, f.called("add"))
	})

	t.Run("dirty tree stages and commits", func(t *testing.T) {
		t.Parallel()
		f := &fakeRunner{responses: map[string]string{
			"status --porcelain": " M file\n",
		}}
		c := newTestCLI(t, f)
		changed, err := c.CommitAll(context.Background(), "chore(sync): periodic commit")
		require.NoError(t, err)
		assert.True(t, changed)
		assert.True(t, f.called("add -A"))
		assert.True(t, f.called("commit -m chore(sync): periodic commit"))
	})
}

func TestIsTracked(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{responses: map[string]string{
		"ls-files -- data/model.bin": "data/model.bin\n",
	}}
	c := newTestCLI(t, f)

	tracked, err := c.IsTracked(context.Background(), "data/model.bin")
	require.NoError(t, err)
	assert.True(t, tracked)

	tracked, err = c.IsTracked(context.Background(), "other")
	require.NoError(t, err)
	assert.False(t, tracked)
}

func TestHeadComparison(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{responses: map[string]string{
		"rev-parse HEAD":        "aaa111\n",
		"rev-parse origin/main": "aaa111\n",
	}}
	c := newTestCLI(t, f)

	head, err := c.Head(context.Background())
	require.NoError(t, err)
	remote, err := c.RemoteHead(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, head, remote)
}

func TestErrorsWrapped(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{errors: map[string]error{
		"push": errors.New("remote rejected"),
	}}
	c := newTestCLI(t, f)
	err := c.Push(context.Background(), "main")
	require.Error(t, err)
}

func TestUnstage(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{}
	c := newTestCLI(t, f)
	require.NoError(t, c.Unstage(context.Background(), "data/model.bin"))
	assert.Equal(t, [][]string{{"rm", "--cached", "--", "data/model.bin"}}, f.calls)
}
