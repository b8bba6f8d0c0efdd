// Package manifest maintains the hash-indexed version ledger for offloaded
// files, persisted as a single JSON document inside the history repository.
//
// The ledger is process-local: a single mutex serializes mutations, and no
// cross-process coordination is provided. On load failure the manifest
// degrades to an empty document; availability is preferred over strict
// consistency.
package manifest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

const (
	// SchemaVersion is the manifest document version written by this
	// package.
	SchemaVersion = 2

	// FileName is the ledger location relative to the history repository
	// root.
	FileName = ".lfs/manifest.json"

	// backupName is the compressed copy of the previous document, written
	// before each save.
	backupName = ".lfs/manifest.json.bak.zst"

	timeLayout = time.RFC3339Nano
)

// FileVersion is one immutable entry in a file's version history.
type FileVersion struct {
	Hash      digest.Digest `json:"hash"`
	AssetName string        `json:"asset_name"`
	Size      int64         `json:"size"`
	Timestamp string        `json:"timestamp"`
	Uploaded  bool          `json:"uploaded"`
}

// Time parses the version timestamp. Zero time when unparseable.
func (v FileVersion) Time() time.Time {
	t, err := time.Parse(timeLayout, v.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FileRecord tracks all known versions of one path.
type FileRecord struct {
	CurrentHash digest.Digest `json:"current_hash"`
	Versions    []FileVersion `json:"versions"`
}

// document is the persisted JSON shape.
type document struct {
	Version     int                    `json:"version"`
	LastUpdated string                 `json:"last_updated"`
	ReleaseTag  string                 `json:"release_tag"`
	Files       map[string]*FileRecord `json:"files"`
}

// Manifest is the version ledger for one history repository.
type Manifest struct {
	path       string
	backupPath string
	releaseTag string
	logger     *slog.Logger

	mu  sync.Mutex
	doc document
}

// Load opens the ledger under histDir, creating an empty one when the file
// does not exist. A corrupt file is logged and replaced by an empty
// document rather than failing startup.
func Load(histDir, releaseTag string, logger *slog.Logger) *Manifest {
	m := &Manifest{
		path:       filepath.Join(histDir, filepath.FromSlash(FileName)),
		backupPath: filepath.Join(histDir, filepath.FromSlash(backupName)),
		releaseTag: releaseTag,
		logger:     logger,
	}
	m.doc = m.load()
	return m
}

func (m *Manifest) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.logger
}

func (m *Manifest) empty() document {
	return document{
		Version:     SchemaVersion,
		LastUpdated: now(),
		ReleaseTag:  m.releaseTag,
		Files:       make(map[string]*FileRecord),
	}
}

func (m *Manifest) load() document {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log().Error("read manifest failed, starting empty", "path", m.path, "error", err)
		}
		return m.empty()
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		m.log().Error("manifest corrupt, starting empty", "path", m.path, "error", err)
		return m.empty()
	}
	if doc.Files == nil {
		doc.Files = make(map[string]*FileRecord)
	}
	m.log().Info("loaded manifest", "files", len(doc.Files))
	return doc
}

// Save persists the ledger. The previous document, if any, is kept as a
// zstd-compressed backup beside the ledger for manual recovery.
func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}

	if prev, err := os.ReadFile(m.path); err == nil {
		if err := m.writeBackup(prev); err != nil {
			m.log().Warn("manifest backup failed", "error", err)
		}
	}

	m.doc.LastUpdated = now()
	data, err := json.MarshalIndent(&m.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	data = append(data, '\n')

	// Atomic replace so readers never observe a torn document.
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

func (m *Manifest) writeBackup(data []byte) error {
	f, err := os.Create(m.backupPath)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// ReleaseTag returns the container tag the ledger was opened with.
func (m *Manifest) ReleaseTag() string {
	return m.releaseTag
}

// Record returns a copy of the record for path.
func (m *Manifest) Record(path string) (FileRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.doc.Files[path]
	if !ok {
		return FileRecord{}, false
	}
	out := FileRecord{CurrentHash: rec.CurrentHash}
	out.Versions = append(out.Versions, rec.Versions...)
	return out, true
}

// AddVersion appends a version for path. Identical content is deduplicated:
// no second version is recorded for a hash already present. When setCurrent
// is true the record's current hash is updated either way.
func (m *Manifest) AddVersion(path string, hash digest.Digest, assetName string, size int64, setCurrent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.doc.Files[path]
	if !ok {
		rec = &FileRecord{}
		m.doc.Files[path] = rec
	}

	known := false
	for _, v := range rec.Versions {
		if v.Hash == hash {
			known = true
			break
		}
	}
	if !known {
		rec.Versions = append(rec.Versions, FileVersion{
			Hash:      hash,
			AssetName: assetName,
			Size:      size,
			Timestamp: now(),
			Uploaded:  true,
		})
	}
	if setCurrent || !ok {
		rec.CurrentHash = hash
	}

	m.log().Debug("recorded version", "path", path, "hash", hash, "new", !known)
}

// CurrentVersion returns the version matching the record's current hash.
// When history truncation has removed that version, the most recently
// appended one is returned instead. This fallback is a heuristic, not a
// verified recovery; it is logged when taken.
func (m *Manifest) CurrentVersion(path string) (FileVersion, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.doc.Files[path]
	if !ok || len(rec.Versions) == 0 {
		return FileVersion{}, false
	}
	for _, v := range rec.Versions {
		if v.Hash == rec.CurrentHash {
			return v, true
		}
	}
	m.log().Warn("current hash not in history, falling back to newest",
		"path", path, "current_hash", rec.CurrentHash)
	return rec.Versions[len(rec.Versions)-1], true
}

// Versions returns all versions for path, newest first.
func (m *Manifest) Versions(path string) []FileVersion {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.doc.Files[path]
	if !ok {
		return nil
	}
	out := append([]FileVersion(nil), rec.Versions...)
	sortNewestFirst(out)
	return out
}

// CleanupOldVersions retains the keep most recent versions of path and
// returns the asset names of evicted ones for the caller to delete from
// the store. The caller must persist afterwards.
func (m *Manifest) CleanupOldVersions(path string, keep int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupLocked(path, keep)
}

func (m *Manifest) cleanupLocked(path string, keep int) []string {
	rec, ok := m.doc.Files[path]
	if !ok || len(rec.Versions) <= keep {
		return nil
	}

	sorted := append([]FileVersion(nil), rec.Versions...)
	sortNewestFirst(sorted)

	rec.Versions = sorted[:keep]
	evicted := make([]string, 0, len(sorted)-keep)
	for _, v := range sorted[keep:] {
		evicted = append(evicted, v.AssetName)
	}
	m.log().Info("evicted old versions", "path", path, "count", len(evicted))
	return evicted
}

// CleanupAll applies retention to every tracked path, returning the
// evicted asset names keyed by path for entries that lost versions.
func (m *Manifest) CleanupAll(keep int) map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]string)
	for path := range m.doc.Files {
		if evicted := m.cleanupLocked(path, keep); len(evicted) > 0 {
			out[path] = evicted
		}
	}
	return out
}

// Files lists all tracked paths.
func (m *Manifest) Files() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.doc.Files))
	for path := range m.doc.Files {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// RemoveFile drops path from the ledger and returns the asset names of all
// its versions so the caller can delete them from the store.
func (m *Manifest) RemoveFile(path string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.doc.Files[path]
	if !ok {
		return nil
	}
	assets := make([]string, 0, len(rec.Versions))
	for _, v := range rec.Versions {
		assets = append(assets, v.AssetName)
	}
	delete(m.doc.Files, path)
	m.log().Info("removed file from manifest", "path", path)
	return assets
}

func sortNewestFirst(versions []FileVersion) {
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].Time().After(versions[j].Time())
	})
}

func now() string {
	return time.Now().UTC().Format(timeLayout)
}
