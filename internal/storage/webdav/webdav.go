// Package webdav implements a storage.Store on a WebDAV collection.
//
// Listing uses PROPFIND (Depth: 1), writes use MKCOL + PUT and eviction uses
// DELETE, restores read with GET. Credentials are sent preemptively as HTTP
// basic auth.
package webdav

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/studio-b12/gowebdav"

	"routerbackup/internal/backup"
	"routerbackup/internal/storage"
)

// Ensure Store implements storage.Store at compile time.
var (
	_ storage.Store          = (*Store)(nil)
	_ storage.PolicyReporter = (*Store)(nil)
)

// alistPort is the default port of AList, whose WebDAV endpoint lives under /dav.
const alistPort = "5244"

// Config holds the connection settings for a WebDAV sink.
type Config struct {
	URL      string // server root, e.g. "https://dav.example.com"
	Username string
	Password string
	Path     string // remote directory, e.g. "/backups/openwrt"
	Timeout  time.Duration
}

// Store keeps artifacts in a WebDAV directory.
type Store struct {
	client *gowebdav.Client
	dir    string
	name   string
	policy storage.RetentionPolicy
	filter storage.NameFilter

	mu sync.Mutex
}

// New creates a WebDAV store. It does not contact the server.
func New(cfg Config, policy storage.RetentionPolicy, filter storage.NameFilter) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webdav: url is required")
	}
	base, err := baseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	// Auth is handled by the transport so it is present on the first request.
	client := gowebdav.NewClient(base, "", "")
	client.SetTimeout(timeout)
	client.SetTransport(&basicAuthTransport{
		username: cfg.Username,
		password: cfg.Password,
		base: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-hosted NAS endpoints
		},
	})

	return &Store{
		client: client,
		dir:    cleanDir(cfg.Path),
		name:   "webdav",
		policy: policy,
		filter: filter,
	}, nil
}

// baseURL trims the URL and appends /dav for AList servers that were
// configured with their bare web address.
func baseURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("webdav: invalid url %q", raw)
	}
	if u.Port() == alistPort && !strings.Contains(u.Path, "/dav") {
		raw += "/dav"
	}
	return raw, nil
}

func cleanDir(p string) string {
	p = path.Clean("/" + strings.TrimSpace(p))
	return p
}

func (s *Store) Type() string { return "webdav" }

func (s *Store) Name() string { return s.name }

func (s *Store) Policy() storage.RetentionPolicy { return s.policy }

// SetName overrides the display name returned by Name().
func (s *Store) SetName(name string) {
	if name != "" {
		s.name = name
	}
}

// Put uploads the artifact into the remote directory, creating it when
// needed, then applies retention.
func (s *Store) Put(ctx context.Context, artifact *backup.Artifact) (*storage.PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, s.writeErr("put", err)
	}
	if s.dir != "/" {
		if err := s.client.MkdirAll(s.dir, 0755); err != nil {
			return nil, s.writeErr("mkcol", err)
		}
	}

	key := path.Join(s.dir, artifact.Name)
	if err := s.client.Write(key, artifact.Data, 0644); err != nil {
		return nil, s.writeErr("put", err)
	}

	res := &storage.PutResult{Descriptor: storage.Descriptor{
		Key:      key,
		FileName: artifact.Name,
		Size:     artifact.Size(),
		ModTime:  artifact.CreatedAt,
	}}
	res.Evicted, res.EvictErr = storage.ApplyRetention(ctx, s, s.policy)
	return res, nil
}

// List returns the artifacts in the remote directory, newest first. A
// missing directory is an empty listing.
func (s *Store) List(ctx context.Context) ([]storage.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, s.writeErr("list", err)
	}
	infos, err := s.client.ReadDir(s.dir)
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, s.writeErr("list", err)
	}

	var descs []storage.Descriptor
	for _, fi := range infos {
		if fi.IsDir() || !s.filter.Match(fi.Name()) {
			continue
		}
		descs = append(descs, storage.Descriptor{
			Key:      path.Join(s.dir, fi.Name()),
			FileName: fi.Name(),
			Size:     fi.Size(),
			ModTime:  fi.ModTime(),
		})
	}
	storage.SortNewestFirst(descs)
	return descs, nil
}

// Delete removes one remote artifact.
func (s *Store) Delete(ctx context.Context, d storage.Descriptor) error {
	if err := ctx.Err(); err != nil {
		return s.writeErr("delete", err)
	}
	key := d.Key
	if key == "" {
		key = path.Join(s.dir, d.FileName)
	}
	if err := s.client.Remove(key); err != nil {
		return s.writeErr("delete", err)
	}
	return nil
}

// Open streams one remote artifact.
func (s *Store) Open(ctx context.Context, d storage.Descriptor) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, s.writeErr("get", err)
	}
	key := d.Key
	if key == "" {
		key = path.Join(s.dir, d.FileName)
	}
	rc, err := s.client.ReadStream(key)
	if err != nil {
		return nil, s.writeErr("get", err)
	}
	return rc, nil
}

func (s *Store) writeErr(op string, err error) error {
	return &storage.WriteError{Sink: s.name, Op: op, Err: err}
}

// basicAuthTransport sets HTTP basic credentials on every request.
type basicAuthTransport struct {
	username string
	password string
	base     http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.username == "" && t.password == "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.SetBasicAuth(t.username, t.password)
	return t.base.RoundTrip(r)
}
