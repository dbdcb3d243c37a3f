package backup

import (
	"context"
	"io"
	"time"
)

// Artifact is a single backup payload produced by a Client. It is not
// modified after Fetch returns it.
type Artifact struct {
	// Name is the timestamp-derived filename (e.g. "backup_20240101_030000.tar.gz").
	Name string
	// Source is the backend that produced the artifact (e.g. "openwrt").
	Source string
	// Data is the raw backup content.
	Data []byte
	// CreatedAt is when the backup was fetched.
	CreatedAt time.Time
}

// Size returns the payload length in bytes.
func (a *Artifact) Size() int64 {
	return int64(len(a.Data))
}

// Client fetches a configuration snapshot from one backend (router web UI,
// hypervisor API) and can push one back. Implementations must not retry internally: retry
// accounting belongs to the orchestrator.
type Client interface {
	// Name returns the backend type (e.g. "openwrt", "ikuai").
	Name() string

	// Fetch authenticates, requests the current backup export and returns it.
	// Failures are reported as *AuthError, *NetworkError or *BackendError.
	Fetch(ctx context.Context) (*Artifact, error)

	// Restore uploads a previously fetched artifact and applies it on the
	// backend. name is the artifact filename. The error taxonomy matches
	// Fetch.
	Restore(ctx context.Context, name string, r io.Reader) error
}
