package vault

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/gitvault/gitvault/internal/pointer"
)

// skipDirs are repository-internal directories never scanned.
var skipDirs = map[string]bool{
	".git": true,
	".lfs": true,
}

// ScanPointers walks dir and returns the paths of all pointer files.
func ScanPointers(dir string) ([]string, error) {
	var pointers []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if pointer.IsPointer(path) {
			pointers = append(pointers, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pointers, nil
}

// ScanLargeFiles walks dir and returns regular files larger than threshold
// bytes. Pointer files and paths for which excluded returns true are
// skipped; excluded may be nil.
func ScanLargeFiles(dir string, threshold int64, excluded func(rel string) bool) ([]string, error) {
	var large []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if excluded != nil && excluded(rel) {
			return nil
		}
		if strings.HasSuffix(path, pointer.Suffix) {
			return nil
		}

		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		if info.Size() > threshold {
			large = append(large, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return large, nil
}
