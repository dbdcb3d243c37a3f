package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"routerbackup/internal/backup"
)

// Descriptor describes a single artifact stored in a sink.
type Descriptor struct {
	// Key is the unique identifier within the store (path, object key, href).
	Key string
	// FileName is the artifact filename (e.g. "backup_20240101_030000.tar.gz").
	FileName string
	// Size is the artifact size in bytes.
	Size int64
	// ModTime is the modification time reported by the sink.
	ModTime time.Time
}

// Timestamp returns the timestamp embedded in the filename, falling back to
// the sink's modification time.
func (d Descriptor) Timestamp() time.Time {
	if ts, ok := ParseTimestamp(d.FileName); ok {
		return ts
	}
	return d.ModTime
}

// Store is the interface every sink implements.
type Store interface {
	// Type returns the store type identifier (e.g. "local", "webdav", "s3").
	Type() string
	// Name returns a display name for this store. Defaults to Type().
	Name() string
	// List returns the stored artifacts, newest first.
	List(ctx context.Context) ([]Descriptor, error)
	// Put writes the artifact and evicts entries beyond the retention policy.
	Put(ctx context.Context, artifact *backup.Artifact) (*PutResult, error)
	// Delete removes one artifact.
	Delete(ctx context.Context, d Descriptor) error
	// Open streams one stored artifact. The caller closes the reader.
	Open(ctx context.Context, d Descriptor) (io.ReadCloser, error)
}

// ErrNotFound is returned by Find when the sink holds no matching artifact.
var ErrNotFound = errors.New("artifact not found")

// Find returns the artifact called fileName, or the newest one when
// fileName is empty.
func Find(ctx context.Context, s Store, fileName string) (Descriptor, error) {
	descs, err := s.List(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	if fileName == "" {
		if len(descs) == 0 {
			return Descriptor{}, fmt.Errorf("sink %s is empty: %w", s.Name(), ErrNotFound)
		}
		return descs[0], nil
	}
	for _, d := range descs {
		if d.FileName == fileName {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%s in sink %s: %w", fileName, s.Name(), ErrNotFound)
}

// PolicyReporter is implemented by stores that can report their retention
// policy.
type PolicyReporter interface {
	Policy() RetentionPolicy
}

// PutResult reports what a Put did.
type PutResult struct {
	Descriptor Descriptor
	// Evicted lists the artifacts removed by retention.
	Evicted []Descriptor
	// EvictErr is set when the write succeeded but eviction did not finish.
	EvictErr error
}

// WriteError reports a sink that is unreachable or rejected a write, list
// or delete.
type WriteError struct {
	Sink string
	Op   string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("sink %s: %s: %v", e.Sink, e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
