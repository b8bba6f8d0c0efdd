package vault

import (
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
)

// hashChunkSize is the read buffer used when digesting files, bounding
// memory for arbitrarily large inputs.
const hashChunkSize = 32 * 1024

// HashFile stream-digests the file at path and returns its sha256 digest
// and size.
func HashFile(path string) (digest.Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	digester := digest.Canonical.Digester()
	n, err := io.CopyBuffer(digester.Hash(), f, make([]byte, hashChunkSize))
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return digester.Digest(), n, nil
}

// fileMatches reports whether the file at path exists and digests to want.
func fileMatches(path string, want digest.Digest) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	got, _, err := HashFile(path)
	return err == nil && got == want
}
