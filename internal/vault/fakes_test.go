package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/opencontainers/go-digest"

	"github.com/gitvault/gitvault/internal/gitrepo"
	"github.com/gitvault/gitvault/internal/store"
)

// memStore is an in-memory store.Store with operation counters.
type memStore struct {
	mu         sync.Mutex
	containers map[string]map[string][]byte

	uploads   atomic.Int64
	downloads atomic.Int64

	failUpload map[string]error // asset name -> error
	corrupt    bool             // serve flipped content on download
}

var _ store.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{containers: make(map[string]map[string][]byte)}
}

func (s *memStore) put(tag, name string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containers[tag] == nil {
		s.containers[tag] = make(map[string][]byte)
	}
	s.containers[tag][name] = content
}

func (s *memStore) EnsureContainer(_ context.Context, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containers[tag] == nil {
		s.containers[tag] = make(map[string][]byte)
	}
	return nil
}

func (s *memStore) ListAssets(_ context.Context, tag string) ([]store.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	assets, ok := s.containers[tag]
	if !ok {
		return nil, fmt.Errorf("%w: container %s", store.ErrNotFound, tag)
	}
	out := make([]store.Asset, 0, len(assets))
	for name, content := range assets {
		out = append(out, store.Asset{Name: name, Size: int64(len(content)), Digest: digest.FromBytes(content)})
	}
	return out, nil
}

func (s *memStore) FindAsset(_ context.Context, tag, name string) (store.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	assets, ok := s.containers[tag]
	if !ok {
		return store.Asset{}, fmt.Errorf("%w: container %s", store.ErrNotFound, tag)
	}
	content, ok := assets[name]
	if !ok {
		return store.Asset{}, fmt.Errorf("%w: asset %s", store.ErrNotFound, name)
	}
	return store.Asset{Name: name, Size: int64(len(content)), Digest: digest.FromBytes(content)}, nil
}

func (s *memStore) Upload(_ context.Context, tag, name, srcPath string, dgst digest.Digest, size int64, progress store.Progress) (store.Asset, error) {
	if err := s.failUpload[name]; err != nil {
		return store.Asset{}, err
	}
	content, err := os.ReadFile(srcPath)
	if err != nil {
		return store.Asset{}, err
	}
	s.uploads.Add(1)
	actual := store.SanitizeName(name)
	s.put(tag, actual, content)
	if progress != nil {
		progress(size, size)
	}
	return store.Asset{Name: actual, Size: size, Digest: dgst}, nil
}

func (s *memStore) Download(_ context.Context, tag, name string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	assets, ok := s.containers[tag]
	if !ok {
		return nil, 0, fmt.Errorf("%w: container %s", store.ErrNotFound, tag)
	}
	content, ok := assets[name]
	if !ok {
		return nil, 0, fmt.Errorf("%w: asset %s", store.ErrNotFound, name)
	}
	s.downloads.Add(1)

	served := append([]byte(nil), content...)
	if s.corrupt && len(served) > 0 {
		served[0] ^= 0xff
	}
	return io.NopCloser(bytes.NewReader(served)), int64(len(served)), nil
}

func (s *memStore) DeleteAsset(_ context.Context, tag, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	assets, ok := s.containers[tag]
	if !ok {
		return fmt.Errorf("%w: container %s", store.ErrNotFound, tag)
	}
	if _, ok := assets[name]; !ok {
		return fmt.Errorf("%w: asset %s", store.ErrNotFound, name)
	}
	delete(assets, name)
	return nil
}

// memRepo records index operations.
type memRepo struct {
	mu       sync.Mutex
	tracked  map[string]bool
	unstaged []string
}

var _ gitrepo.Repo = (*memRepo)(nil)

func newMemRepo(tracked ...string) *memRepo {
	r := &memRepo{tracked: make(map[string]bool)}
	for _, t := range tracked {
		r.tracked[t] = true
	}
	return r
}

func (r *memRepo) Ensure(context.Context, string) error         { return nil }
func (r *memRepo) SetRemote(context.Context, string) error      { return nil }
func (r *memRepo) RemoteIsEmpty(context.Context) (bool, error)  { return false, nil }
func (r *memRepo) InitialCommit(context.Context) error          { return nil }
func (r *memRepo) FetchCheckout(context.Context, string) error  { return nil }
func (r *memRepo) PullRebase(context.Context, string) error     { return nil }
func (r *memRepo) Push(context.Context, string) error           { return nil }
func (r *memRepo) Head(context.Context) (string, error)         { return "head", nil }
func (r *memRepo) RemoteHead(context.Context, string) (string, error) { return "head", nil }

func (r *memRepo) CommitAll(context.Context, string) (bool, error) { return false, nil }

func (r *memRepo) IsTracked(_ context.Context, rel string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracked[rel], nil
}

func (r *memRepo) Unstage(_ context.Context, rel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unstaged = append(r.unstaged, rel)
	delete(r.tracked, rel)
	return nil
}
