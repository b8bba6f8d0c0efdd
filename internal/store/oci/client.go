// Package oci implements the blob store contract against an OCI registry
// using ORAS.
//
// A container is a tagged image manifest in a single repository; each asset
// is a layer of that manifest carrying its name in the standard title
// annotation. Uploading rewrites the tagged manifest, so the container's
// asset list changes atomically with the tag push.
package oci

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	orasretry "oras.land/oras-go/v2/registry/remote/retry"

	"github.com/gitvault/gitvault/internal/retry"
	"github.com/gitvault/gitvault/internal/store"
)

// mediaTypeAsset is the layer media type for stored assets.
const mediaTypeAsset = "application/octet-stream"

// Client is an ORAS-backed store.Store bound to one repository.
//
// Calls are stateless and safe to issue concurrently from multiple workers.
type Client struct {
	repoRef   string
	plainHTTP bool
	userAgent string
	anonymous bool
	credStore credentials.Store
	policy    retry.Policy
	logger    *slog.Logger

	// authClient is shared across requests to reuse tokens.
	authClient *auth.Client
}

var _ store.Store = (*Client)(nil)

// New creates a client for the repository reference (e.g.
// "ghcr.io/acme/history-assets"). With no credential option, anonymous
// access is used.
func New(repoRef string, opts ...Option) (*Client, error) {
	if _, err := registry.ParseReference(repoRef); err != nil {
		return nil, fmt.Errorf("parse repository %q: %w", repoRef, err)
	}

	c := &Client{
		repoRef:   repoRef,
		userAgent: "gitvault/1.0",
		policy:    retry.Default,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.authClient = &auth.Client{
		Client: orasretry.DefaultClient,
		Cache:  auth.NewCache(),
		Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
			if c.anonymous || c.credStore == nil {
				return auth.EmptyCredential, nil
			}
			return c.credStore.Get(ctx, hostport)
		},
		Header: http.Header{
			"User-Agent": []string{c.userAgent},
		},
	}

	return c, nil
}

func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// repository creates a Repository handle using the shared auth client.
func (c *Client) repository() (*remote.Repository, error) {
	repo, err := remote.NewRepository(c.repoRef)
	if err != nil {
		return nil, fmt.Errorf("parse repository %q: %w", c.repoRef, err)
	}
	repo.PlainHTTP = c.plainHTTP
	repo.Client = c.authClient
	return repo, nil
}

// container fetches the manifest the tag points at.
func (c *Client) container(ctx context.Context, tag string) (ocispec.Manifest, error) {
	repo, err := c.repository()
	if err != nil {
		return ocispec.Manifest{}, err
	}

	manifest, err := retry.DoValue(ctx, c.policy, func() (ocispec.Manifest, error) {
		_, rc, err := repo.FetchReference(ctx, tag)
		if err != nil {
			return ocispec.Manifest{}, err
		}
		defer rc.Close()

		var m ocispec.Manifest
		if err := json.NewDecoder(rc).Decode(&m); err != nil {
			return ocispec.Manifest{}, fmt.Errorf("decode container manifest: %w", err)
		}
		return m, nil
	})
	if err != nil {
		return ocispec.Manifest{}, mapError(err)
	}
	return manifest, nil
}

// pushManifest serializes and pushes a container manifest under tag.
func (c *Client) pushManifest(ctx context.Context, tag string, m ocispec.Manifest) error {
	repo, err := c.repository()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal container manifest: %w", err)
	}
	desc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    digest.FromBytes(raw),
		Size:      int64(len(raw)),
	}

	err = c.policy.Do(ctx, func() error {
		return repo.PushReference(ctx, desc, bytes.NewReader(raw), tag)
	})
	if err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return mapError(err)
	}
	return nil
}

// pushEmptyConfig ensures the shared empty config blob exists.
func (c *Client) pushEmptyConfig(ctx context.Context) error {
	repo, err := c.repository()
	if err != nil {
		return err
	}
	err = c.policy.Do(ctx, func() error {
		err := repo.Push(ctx, ocispec.DescriptorEmptyJSON, bytes.NewReader(ocispec.DescriptorEmptyJSON.Data))
		if errors.Is(err, errdef.ErrAlreadyExists) {
			return nil
		}
		return err
	})
	if err != nil {
		return mapError(err)
	}
	return nil
}

// EnsureContainer creates an empty container for tag if none exists.
func (c *Client) EnsureContainer(ctx context.Context, tag string) error {
	_, err := c.container(ctx, tag)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	c.log().Info("creating container", "tag", tag, "repository", c.repoRef)
	if err := c.pushEmptyConfig(ctx); err != nil {
		return err
	}
	return c.pushManifest(ctx, tag, ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    ocispec.DescriptorEmptyJSON,
	})
}

// ListAssets returns the assets recorded in the container manifest.
func (c *Client) ListAssets(ctx context.Context, tag string) ([]store.Asset, error) {
	m, err := c.container(ctx, tag)
	if err != nil {
		return nil, err
	}

	assets := make([]store.Asset, 0, len(m.Layers))
	for _, layer := range m.Layers {
		assets = append(assets, store.Asset{
			Name:   layer.Annotations[ocispec.AnnotationTitle],
			Size:   layer.Size,
			Digest: layer.Digest,
		})
	}
	return assets, nil
}

// FindAsset looks up an asset by name. Absence is reported as
// store.ErrNotFound.
func (c *Client) FindAsset(ctx context.Context, tag, name string) (store.Asset, error) {
	m, err := c.container(ctx, tag)
	if err != nil {
		return store.Asset{}, err
	}
	if desc, ok := findLayer(m, name); ok {
		return store.Asset{Name: name, Size: desc.Size, Digest: desc.Digest}, nil
	}
	return store.Asset{}, fmt.Errorf("%w: asset %q in %s", store.ErrNotFound, name, tag)
}

// Upload streams the file at srcPath into the container under name.
//
// The requested name is normalized the same way asset names are derived;
// the normalized name is authoritative and returned with the asset. Any
// existing layer with that name is dropped from the manifest.
func (c *Client) Upload(ctx context.Context, tag, name, srcPath string, dgst digest.Digest, size int64, progress store.Progress) (store.Asset, error) {
	actual := store.SanitizeName(name)

	m, err := c.container(ctx, tag)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := c.pushEmptyConfig(ctx); err != nil {
			return store.Asset{}, err
		}
		m = ocispec.Manifest{
			Versioned: specs.Versioned{SchemaVersion: 2},
			MediaType: ocispec.MediaTypeImageManifest,
			Config:    ocispec.DescriptorEmptyJSON,
		}
	case err != nil:
		return store.Asset{}, err
	}

	repo, err := c.repository()
	if err != nil {
		return store.Asset{}, err
	}

	desc := ocispec.Descriptor{
		MediaType: mediaTypeAsset,
		Digest:    dgst,
		Size:      size,
		Annotations: map[string]string{
			ocispec.AnnotationTitle: actual,
		},
	}

	c.log().Info("uploading asset", "name", actual, "size", size, "tag", tag)
	err = c.policy.Do(ctx, func() error {
		f, err := os.Open(srcPath)
		if err != nil {
			return err
		}
		defer f.Close()

		var r io.Reader = f
		if progress != nil {
			r = &progressReader{r: f, total: size, fn: progress}
		}
		err = repo.Push(ctx, desc, r)
		if errors.Is(err, errdef.ErrAlreadyExists) {
			return nil
		}
		return err
	})
	if err != nil {
		return store.Asset{}, mapError(err)
	}

	m.Layers = dropLayer(m.Layers, actual)
	m.Layers = append(m.Layers, desc)
	if err := c.pushManifest(ctx, tag, m); err != nil {
		return store.Asset{}, err
	}

	return store.Asset{Name: actual, Size: size, Digest: dgst}, nil
}

// Download opens a stream for the named asset. The caller closes it.
func (c *Client) Download(ctx context.Context, tag, name string) (io.ReadCloser, int64, error) {
	m, err := c.container(ctx, tag)
	if err != nil {
		return nil, 0, err
	}
	desc, ok := findLayer(m, name)
	if !ok {
		return nil, 0, fmt.Errorf("%w: asset %q in %s", store.ErrNotFound, name, tag)
	}

	repo, err := c.repository()
	if err != nil {
		return nil, 0, err
	}

	rc, err := retry.DoValue(ctx, c.policy, func() (io.ReadCloser, error) {
		return repo.Fetch(ctx, desc)
	})
	if err != nil {
		return nil, 0, mapError(err)
	}
	return rc, desc.Size, nil
}

// DeleteAsset drops the named asset from the container manifest. The
// underlying blob is left for registry garbage collection once untagged.
func (c *Client) DeleteAsset(ctx context.Context, tag, name string) error {
	m, err := c.container(ctx, tag)
	if err != nil {
		return err
	}
	if _, ok := findLayer(m, name); !ok {
		return fmt.Errorf("%w: asset %q in %s", store.ErrNotFound, name, tag)
	}

	m.Layers = dropLayer(m.Layers, name)
	c.log().Info("deleting asset", "name", name, "tag", tag)
	return c.pushManifest(ctx, tag, m)
}

// findLayer locates the layer carrying name in its title annotation.
func findLayer(m ocispec.Manifest, name string) (ocispec.Descriptor, bool) {
	for _, layer := range m.Layers {
		if layer.Annotations[ocispec.AnnotationTitle] == name {
			return layer, true
		}
	}
	return ocispec.Descriptor{}, false
}

// dropLayer returns layers without any entry named name.
func dropLayer(layers []ocispec.Descriptor, name string) []ocispec.Descriptor {
	kept := layers[:0:len(layers)]
	for _, layer := range layers {
		if layer.Annotations[ocispec.AnnotationTitle] != name {
			kept = append(kept, layer)
		}
	}
	return kept
}

// progressReader reports bytes read against a known total.
type progressReader struct {
	r     io.Reader
	total int64
	done  int64
	fn    store.Progress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		p.fn(p.done, p.total)
	}
	return n, err
}
