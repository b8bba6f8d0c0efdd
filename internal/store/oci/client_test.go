package oci

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/gitvault/gitvault/internal/retry"
	"github.com/gitvault/gitvault/internal/store"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates client with defaults", func(t *testing.T) {
		t.Parallel()
		c, err := New("registry.example.com/history-assets")
		require.NoError(t, err)
		assert.Equal(t, "gitvault/1.0", c.userAgent)
		assert.False(t, c.plainHTTP)
		assert.Nil(t, c.credStore)
		assert.NotNil(t, c.authClient)
		assert.Equal(t, retry.Default, c.policy)
	})

	t.Run("rejects malformed repository reference", func(t *testing.T) {
		t.Parallel()
		_, err := New("not a ref")
		require.Error(t, err)
	})

	t.Run("applies WithPlainHTTP option", func(t *testing.T) {
		t.Parallel()
		c, err := New("localhost:5000/assets", WithPlainHTTP(true))
		require.NoError(t, err)
		assert.True(t, c.plainHTTP)
	})

	t.Run("applies WithStaticCredentials option", func(t *testing.T) {
		t.Parallel()
		c, err := New("registry.example.com/assets", WithStaticCredentials("registry.example.com", "user", "pass"))
		require.NoError(t, err)
		require.NotNil(t, c.credStore)

		cred, err := c.credStore.Get(context.Background(), "registry.example.com")
		require.NoError(t, err)
		assert.Equal(t, "user", cred.Username)
	})

	t.Run("applies WithStaticToken option", func(t *testing.T) {
		t.Parallel()
		c, err := New("registry.example.com/assets", WithStaticToken("registry.example.com", "tok"))
		require.NoError(t, err)

		cred, err := c.credStore.Get(context.Background(), "registry.example.com")
		require.NoError(t, err)
		assert.Equal(t, "tok", cred.AccessToken)
	})

	t.Run("applies WithRetryPolicy option", func(t *testing.T) {
		t.Parallel()
		p := retry.Policy{MaxAttempts: 1, Initial: time.Millisecond, Multiplier: 1}
		c, err := New("registry.example.com/assets", WithRetryPolicy(p))
		require.NoError(t, err)
		assert.Equal(t, 1, c.policy.MaxAttempts)
	})
}

func TestStaticStore(t *testing.T) {
	t.Parallel()

	s := StaticCredentials("https://ghcr.io/", "user", "pass")

	cred, err := s.Get(context.Background(), "ghcr.io")
	require.NoError(t, err)
	assert.Equal(t, "user", cred.Username)

	cred, err = s.Get(context.Background(), "other.example.com")
	require.NoError(t, err)
	assert.Empty(t, cred.Username)

	assert.Error(t, s.Put(context.Background(), "ghcr.io", cred))
	assert.Error(t, s.Delete(context.Background(), "ghcr.io"))
}

func TestMapError(t *testing.T) {
	t.Parallel()

	statusErr := func(code int) error {
		return &errcode.ErrorResponse{Method: http.MethodGet, URL: &url.URL{}, StatusCode: code}
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "oras not found", err: errdef.ErrNotFound, want: store.ErrNotFound},
		{name: "http 404", err: statusErr(http.StatusNotFound), want: store.ErrNotFound},
		{name: "http 401", err: statusErr(http.StatusUnauthorized), want: store.ErrUnauthorized},
		{name: "http 403", err: statusErr(http.StatusForbidden), want: store.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, mapError(tt.err), tt.want)
		})
	}

	t.Run("nil passes through", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, mapError(nil))
	})

	t.Run("other errors pass through", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		assert.Equal(t, boom, mapError(boom))
	})
}

func TestLayerHelpers(t *testing.T) {
	t.Parallel()

	layer := func(name string) ocispec.Descriptor {
		return ocispec.Descriptor{
			MediaType:   mediaTypeAsset,
			Annotations: map[string]string{ocispec.AnnotationTitle: name},
		}
	}
	m := ocispec.Manifest{Layers: []ocispec.Descriptor{layer("a"), layer("b"), layer("c")}}

	t.Run("findLayer hits by title", func(t *testing.T) {
		t.Parallel()
		desc, ok := findLayer(m, "b")
		require.True(t, ok)
		assert.Equal(t, "b", desc.Annotations[ocispec.AnnotationTitle])

		_, ok = findLayer(m, "missing")
		assert.False(t, ok)
	})

	t.Run("dropLayer removes by title", func(t *testing.T) {
		t.Parallel()
		layers := dropLayer([]ocispec.Descriptor{layer("a"), layer("b"), layer("c")}, "b")
		require.Len(t, layers, 2)
		assert.Equal(t, "a", layers[0].Annotations[ocispec.AnnotationTitle])
		assert.Equal(t, "c", layers[1].Annotations[ocispec.AnnotationTitle])
	})
}
