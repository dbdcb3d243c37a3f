package backup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   string
	}{
		{http.StatusUnauthorized, "auth"},
		{http.StatusForbidden, "auth"},
		{http.StatusBadGateway, "network"},
		{http.StatusServiceUnavailable, "network"},
		{http.StatusGatewayTimeout, "network"},
		{http.StatusTooManyRequests, "network"},
		{http.StatusNotFound, "backend"},
		{http.StatusInternalServerError, "backend"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.status), func(t *testing.T) {
			err := ClassifyStatus("op", tt.status, "body")
			assert.Equal(t, tt.kind, Kind(err))
			assert.True(t, IsRetryable(err))
		})
	}
}

func TestClassifyTransportError(t *testing.T) {
	assert.Equal(t, "network", Kind(ClassifyTransportError("op", fmt.Errorf("dial tcp: connection refused"))))
	assert.Equal(t, "network", Kind(ClassifyTransportError("op", fmt.Errorf("read: connection reset by peer"))))
	assert.Equal(t, "network", Kind(ClassifyTransportError("op", context.DeadlineExceeded)))
	assert.Equal(t, "backend", Kind(ClassifyTransportError("op", fmt.Errorf("unsupported protocol scheme"))))

	// Already classified errors pass through unchanged.
	auth := &AuthError{Op: "login", Err: errors.New("denied")}
	assert.Same(t, auth, ClassifyTransportError("op", auth))
}

func TestIsRetryable_ProgrammerError(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("nil pointer")))
	assert.Equal(t, "internal", Kind(errors.New("boom")))
	assert.Equal(t, "", Kind(nil))

	wrapped := fmt.Errorf("fetch: %w", &BackendError{Op: "x", Err: errors.New("y")})
	assert.True(t, IsRetryable(wrapped))
}

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, "http://192.168.1.1", NormalizeBaseURL("192.168.1.1"))
	assert.Equal(t, "https://router.lan", NormalizeBaseURL(" https://router.lan/ "))
	assert.Equal(t, "http://router.lan:8080", NormalizeBaseURL("http://router.lan:8080//"))
}

func TestDo_ClassifiesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, UserAgent, r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte("fine"))
		case "/denied":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(0)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/ok", nil)
	resp, err := Do(client, req, "ok")
	require.NoError(t, err)
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/denied", nil)
	_, err = Do(client, req, "denied")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "denied", authErr.Op)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/busy", nil)
	_, err = Do(client, req, "busy")
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
}

func TestReadBody_Limit(t *testing.T) {
	data, err := ReadBody(strings.NewReader("12345678"), 8, "download")
	require.NoError(t, err)
	assert.Equal(t, "12345678", string(data))

	_, err = ReadBody(strings.NewReader("123456789"), 8, "download")
	var backendErr *BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "download", backendErr.Op)
	assert.Contains(t, err.Error(), "8 byte limit")
}
