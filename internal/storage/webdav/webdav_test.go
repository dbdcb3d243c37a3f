package webdav

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xwebdav "golang.org/x/net/webdav"

	"routerbackup/internal/backup"
	"routerbackup/internal/storage"
)

// newServer starts an in-memory WebDAV server that requires basic auth.
func newServer(t *testing.T, user, pass string) *httptest.Server {
	t.Helper()
	h := &xwebdav.Handler{
		FileSystem: xwebdav.NewMemFS(),
		LockSystem: xwebdav.NewMemLS(),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func artifact(name string) *backup.Artifact {
	return &backup.Artifact{Name: name, Source: "openwrt", Data: []byte("payload"), CreatedAt: time.Now()}
}

func TestStore_PutListRetention(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t, "admin", "secret")

	s, err := New(Config{URL: srv.URL, Username: "admin", Password: "secret", Path: "/backups/openwrt"},
		storage.RetentionPolicy{MaxCount: 5}, storage.NameFilter{Prefix: "backup_"})
	require.NoError(t, err)
	s.SetName("nas")

	names := []string{
		"backup_20240101_000000.tar.gz",
		"backup_20240102_000000.tar.gz",
		"backup_20240103_000000.tar.gz",
		"backup_20240104_000000.tar.gz",
		"backup_20240105_000000.tar.gz",
	}
	for _, n := range names {
		res, err := s.Put(ctx, artifact(n))
		require.NoError(t, err)
		assert.Empty(t, res.Evicted)
		assert.Equal(t, "/backups/openwrt/"+n, res.Descriptor.Key)
	}

	res, err := s.Put(ctx, artifact("backup_20240106_000000.tar.gz"))
	require.NoError(t, err)
	require.NoError(t, res.EvictErr)
	require.Len(t, res.Evicted, 1)
	assert.Equal(t, "backup_20240101_000000.tar.gz", res.Evicted[0].FileName)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 5)
	assert.Equal(t, "backup_20240106_000000.tar.gz", list[0].FileName)
	assert.Equal(t, "backup_20240102_000000.tar.gz", list[4].FileName)
	assert.Equal(t, int64(len("payload")), list[0].Size)
	assert.Equal(t, "nas", s.Name())
	assert.Equal(t, "webdav", s.Type())
}

func TestStore_ListMissingDir(t *testing.T) {
	srv := newServer(t, "u", "p")
	s, err := New(Config{URL: srv.URL, Username: "u", Password: "p", Path: "/nothing/here"},
		storage.RetentionPolicy{MaxCount: 1}, storage.NameFilter{})
	require.NoError(t, err)

	list, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t, "u", "p")
	s, err := New(Config{URL: srv.URL, Username: "u", Password: "p", Path: "bak"},
		storage.RetentionPolicy{}, storage.NameFilter{})
	require.NoError(t, err)

	res, err := s.Put(ctx, artifact("bak-20240101"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, res.Descriptor))

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStore_Open(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t, "u", "p")
	s, err := New(Config{URL: srv.URL, Username: "u", Password: "p", Path: "/backups"},
		storage.RetentionPolicy{}, storage.NameFilter{})
	require.NoError(t, err)

	_, err = s.Put(ctx, artifact("backup_20240101_000000.tar.gz"))
	require.NoError(t, err)

	d, err := storage.Find(ctx, s, "backup_20240101_000000.tar.gz")
	require.NoError(t, err)
	rc, err := s.Open(ctx, d)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestStore_CancelledContext(t *testing.T) {
	srv := newServer(t, "u", "p")
	s, err := New(Config{URL: srv.URL, Username: "u", Password: "p"}, storage.RetentionPolicy{}, storage.NameFilter{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Put(ctx, artifact("bak-20240101"))
	var writeErr *storage.WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, storage.RetentionPolicy{}, storage.NameFilter{})
	require.Error(t, err)

	_, err = New(Config{URL: "not a url"}, storage.RetentionPolicy{}, storage.NameFilter{})
	require.Error(t, err)
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://dav.example.com/", "https://dav.example.com"},
		{"http://nas.lan:5244", "http://nas.lan:5244/dav"},
		{"http://nas.lan:5244/dav/", "http://nas.lan:5244/dav"},
		{"http://nas.lan:8080/remote.php/webdav", "http://nas.lan:8080/remote.php/webdav"},
	}
	for _, tt := range tests {
		got, err := baseURL(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestCleanDir(t *testing.T) {
	assert.Equal(t, "/", cleanDir(""))
	assert.Equal(t, "/backups", cleanDir("backups/"))
	assert.Equal(t, "/a/b", cleanDir("/a//b"))
}
