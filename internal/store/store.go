// Package store defines the blob store collaborator contract: a tagged
// container grouping uniquely named binary assets, with streaming upload
// and download.
//
// The OCI registry implementation lives in the oci subpackage.
package store

import (
	"context"
	"errors"
	"io"
	"regexp"

	"github.com/opencontainers/go-digest"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a container or asset does not exist.
	// Callers treat it as a normal "absent" result, not a failure.
	ErrNotFound = errors.New("store: not found")

	// ErrUnauthorized is returned when the store rejects the credentials.
	ErrUnauthorized = errors.New("store: unauthorized")

	// ErrForbidden is returned when the credentials lack permission.
	ErrForbidden = errors.New("store: forbidden")
)

// Asset is a named binary object held by the store within a container.
type Asset struct {
	Name   string
	Size   int64
	Digest digest.Digest
}

// Progress reports transferred bytes against a known total.
type Progress func(done, total int64)

// Store is the external blob store contract. Implementations are stateless
// and safe for concurrent use by multiple workers.
type Store interface {
	// EnsureContainer creates the container for tag if it does not exist.
	// Idempotent.
	EnsureContainer(ctx context.Context, tag string) error

	// ListAssets returns all assets in the container.
	// Returns ErrNotFound when the container does not exist.
	ListAssets(ctx context.Context, tag string) ([]Asset, error)

	// FindAsset looks up an asset by name. Returns ErrNotFound when the
	// container or the asset does not exist.
	FindAsset(ctx context.Context, tag, name string) (Asset, error)

	// Upload stores the file at srcPath under name, replacing any
	// same-named asset. dgst and size describe the file content and must
	// be computed by the caller. The returned asset carries the
	// authoritative stored name, which may differ from the requested one.
	Upload(ctx context.Context, tag, name, srcPath string, dgst digest.Digest, size int64, progress Progress) (Asset, error)

	// Download opens a byte stream for the named asset. The returned
	// length is the asset size; the caller closes the reader.
	Download(ctx context.Context, tag, name string) (io.ReadCloser, int64, error)

	// DeleteAsset removes the named asset from the container.
	// Returns ErrNotFound when it does not exist.
	DeleteAsset(ctx context.Context, tag, name string) error
}

// assetNamePrefixLen is the number of digest hex characters prefixed to
// asset names for content addressing.
const assetNamePrefixLen = 12

var (
	collapseUnderscores = regexp.MustCompile(`_+`)
	disallowedChars     = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
)

// SanitizeName normalizes a filename for use in an asset name: spaces and
// parentheses become underscores, runs of underscores collapse, and any
// character outside [A-Za-z0-9._-] is replaced.
func SanitizeName(filename string) string {
	s := disallowedChars.ReplaceAllString(filename, "_")
	return collapseUnderscores.ReplaceAllString(s, "_")
}

// AssetName derives the deterministic asset name for a file: the first 12
// hex characters of its digest plus the sanitized filename. Re-offloading
// unchanged content therefore maps to the same name.
func AssetName(dgst digest.Digest, filename string) string {
	return dgst.Encoded()[:assetNamePrefixLen] + "-" + SanitizeName(filename)
}
