// Package pointer reads and writes the small JSON placeholder files that
// stand in for offloaded payloads in the history repository.
//
// A pointer file either carries the ".pointer" suffix next to the real file,
// or is a pre-existing marker file recognized by its "type" discriminator.
package pointer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

const (
	// TypeMarker is the discriminator value in the pointer JSON document.
	TypeMarker = "lfs-pointer"

	// Suffix is appended to the real file path to form the pointer path.
	Suffix = ".pointer"

	// Version is the pointer format version written by this package.
	Version = 1

	// sniffLimit bounds the size of files considered when recognizing
	// marker files without the naming convention.
	sniffLimit = 2048
)

// Sentinel errors.
var (
	// ErrNotPointer is returned when a file does not parse as a pointer.
	ErrNotPointer = errors.New("pointer: not a pointer file")

	// ErrInvalid is returned when a pointer is structurally valid JSON but
	// fails field validation.
	ErrInvalid = errors.New("pointer: invalid pointer")
)

// Pointer is the JSON document standing in for an offloaded file.
type Pointer struct {
	Version    int           `json:"version"`
	Type       string        `json:"type"`
	Hash       digest.Digest `json:"hash"`
	Size       int64         `json:"size"`
	Filename   string        `json:"filename"`
	ReleaseTag string        `json:"release_tag"`
	AssetName  string        `json:"asset_name"`
}

// New returns a pointer for the given content identity.
func New(hash digest.Digest, size int64, filename, releaseTag, assetName string) *Pointer {
	return &Pointer{
		Version:    Version,
		Type:       TypeMarker,
		Hash:       hash,
		Size:       size,
		Filename:   filename,
		ReleaseTag: releaseTag,
		AssetName:  assetName,
	}
}

// IsPointer reports whether the file at path is a pointer file.
//
// A file qualifies when its name ends in Suffix, or when it is at most 2KB
// and its content parses as a JSON object with the recognized type
// discriminator. The latter allows pre-existing marker files without the
// naming convention.
func IsPointer(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}

	if strings.HasSuffix(path, Suffix) {
		return true
	}

	if info.Size() > sniffLimit {
		return false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	// Cheap substring check before paying for a JSON parse.
	if !bytes.Contains(data, []byte(TypeMarker)) {
		return false
	}

	var doc struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	return doc.Type == TypeMarker
}

// Read parses the pointer file at path.
//
// Returns an error wrapping ErrNotPointer when the content is not JSON,
// carries the wrong type discriminator, or misses a required field.
func Read(path string) (*Pointer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pointer %s: %w", path, err)
	}

	var p Pointer
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotPointer, path, err)
	}
	if p.Type != TypeMarker {
		return nil, fmt.Errorf("%w: %s: type %q", ErrNotPointer, path, p.Type)
	}
	if p.Hash == "" || p.Filename == "" || p.AssetName == "" || p.ReleaseTag == "" || p.Size <= 0 {
		return nil, fmt.Errorf("%w: %s: missing required field", ErrNotPointer, path)
	}
	if p.Version == 0 {
		p.Version = Version
	}
	return &p, nil
}

// Write serializes p to path, creating parent directories as needed.
// An existing file at path is overwritten.
func Write(path string, p *Pointer) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create pointer dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pointer: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write pointer %s: %w", path, err)
	}
	return nil
}

// Validate checks the pointer for use by a restore. The hash must be a
// well-formed sha256 digest, the size positive, and the filename, asset
// name, and container tag non-empty.
func Validate(p *Pointer) error {
	if p == nil {
		return fmt.Errorf("%w: nil pointer", ErrInvalid)
	}
	if err := p.Hash.Validate(); err != nil {
		return fmt.Errorf("%w: hash %q: %v", ErrInvalid, p.Hash, err)
	}
	if p.Hash.Algorithm() != digest.SHA256 {
		return fmt.Errorf("%w: unsupported hash algorithm %q", ErrInvalid, p.Hash.Algorithm())
	}
	if p.Size <= 0 {
		return fmt.Errorf("%w: size %d", ErrInvalid, p.Size)
	}
	if p.Filename == "" || p.AssetName == "" {
		return fmt.Errorf("%w: empty filename or asset name", ErrInvalid)
	}
	if p.ReleaseTag == "" {
		return fmt.Errorf("%w: empty container tag", ErrInvalid)
	}
	return nil
}

// RealPath returns the path of the file a pointer stands in for.
// For "xxx.pointer" it returns "xxx"; other paths are returned unchanged.
func RealPath(pointerPath string) string {
	return strings.TrimSuffix(pointerPath, Suffix)
}
