package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"routerbackup/internal/backup"
	"routerbackup/internal/storage"
)

// Ensure Store implements storage.Store at compile time.
var (
	_ storage.Store          = (*Store)(nil)
	_ storage.PolicyReporter = (*Store)(nil)
)

// Store keeps artifacts in a directory on the local filesystem.
type Store struct {
	dir    string
	name   string
	policy storage.RetentionPolicy
	filter storage.NameFilter

	// mu serialises Put and the eviction that follows it.
	mu sync.Mutex
}

// New creates a local store rooted at dir.
func New(dir string, policy storage.RetentionPolicy, filter storage.NameFilter) *Store {
	return &Store{dir: dir, name: "local", policy: policy, filter: filter}
}

func (s *Store) Type() string { return "local" }

func (s *Store) Name() string { return s.name }

// SetName overrides the display name returned by Name().
func (s *Store) SetName(name string) {
	if name != "" {
		s.name = name
	}
}

// Dir returns the directory artifacts are written to.
func (s *Store) Dir() string { return s.dir }

func (s *Store) Policy() storage.RetentionPolicy { return s.policy }

// Put writes <dir>/<artifact.Name> through a temp file and a rename, then
// applies retention.
func (s *Store) Put(ctx context.Context, artifact *backup.Artifact) (*storage.PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, s.writeErr("put", err)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, s.writeErr("put", fmt.Errorf("failed to create directory %s: %w", s.dir, err))
	}

	path := filepath.Join(s.dir, artifact.Name)
	tmp := path + ".part"
	if err := os.WriteFile(tmp, artifact.Data, 0644); err != nil {
		// Clean up partial file
		os.Remove(tmp)
		return nil, s.writeErr("put", fmt.Errorf("failed to write backup: %w", err))
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, s.writeErr("put", fmt.Errorf("failed to move backup into place: %w", err))
	}

	res := &storage.PutResult{Descriptor: storage.Descriptor{
		Key:      path,
		FileName: artifact.Name,
		Size:     artifact.Size(),
		ModTime:  artifact.CreatedAt,
	}}
	res.Evicted, res.EvictErr = storage.ApplyRetention(ctx, s, s.policy)
	return res, nil
}

// List returns all artifact files in the directory, newest first.
func (s *Store) List(ctx context.Context) ([]storage.Descriptor, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, s.writeErr("list", fmt.Errorf("failed to list directory %s: %w", s.dir, err))
	}

	var descs []storage.Descriptor
	for _, entry := range entries {
		if entry.IsDir() || !s.filter.Match(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		descs = append(descs, storage.Descriptor{
			Key:      filepath.Join(s.dir, entry.Name()),
			FileName: entry.Name(),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		})
	}

	storage.SortNewestFirst(descs)
	return descs, nil
}

// Delete removes an artifact file by its key (full path).
func (s *Store) Delete(ctx context.Context, d storage.Descriptor) error {
	key := d.Key
	if key == "" {
		key = filepath.Join(s.dir, d.FileName)
	}
	if err := os.Remove(key); err != nil {
		return s.writeErr("delete", fmt.Errorf("failed to delete backup %s: %w", key, err))
	}
	return nil
}

// Open opens an artifact file for reading.
func (s *Store) Open(ctx context.Context, d storage.Descriptor) (io.ReadCloser, error) {
	key := d.Key
	if key == "" {
		key = filepath.Join(s.dir, d.FileName)
	}
	f, err := os.Open(key)
	if err != nil {
		return nil, s.writeErr("open", fmt.Errorf("failed to open backup %s: %w", key, err))
	}
	return f, nil
}

func (s *Store) writeErr(op string, err error) error {
	return &storage.WriteError{Sink: s.name, Op: op, Err: err}
}
