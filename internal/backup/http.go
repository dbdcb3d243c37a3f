package backup

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

// UserAgent is sent by every backend client; some router firmwares reject
// requests without a browser-like agent.
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36"

// NewHTTPClient returns an http.Client with a cookie jar. Routers commonly
// serve self-signed certificates, so TLS verification is skipped.
func NewHTTPClient(timeout time.Duration) *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Timeout: timeout,
		Jar:     jar,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // home lab routers use self-signed certs
		},
	}
}

// NormalizeBaseURL prepends http:// to a bare host and trims trailing slashes.
func NormalizeBaseURL(host string) string {
	host = strings.TrimSpace(host)
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return strings.TrimRight(host, "/")
}

// Do executes req and classifies failures. On success the caller owns
// resp.Body. Non-2xx responses are drained, closed and turned into errors.
func Do(client *http.Client, req *http.Request, op string) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, ClassifyTransportError(op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	return nil, ClassifyStatus(op, resp.StatusCode, string(body))
}

// ReadBody reads at most limit bytes from r. A longer body is a
// BackendError, never a truncated payload.
func ReadBody(r io.Reader, limit int64, op string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, ClassifyTransportError(op, err)
	}
	if int64(len(data)) > limit {
		return nil, &BackendError{Op: op, Err: fmt.Errorf("response exceeds the %d byte limit", limit)}
	}
	return data, nil
}

// ClassifyStatus maps a non-2xx HTTP status to the error taxonomy.
func ClassifyStatus(op string, status int, body string) error {
	err := fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Op: op, Err: err}
	case isRetryableStatus(status):
		return &NetworkError{Op: op, Err: err}
	default:
		return &BackendError{Op: op, Err: err}
	}
}

// ClassifyTransportError wraps an http.Client error. Errors that look like
// connectivity failures become NetworkError; the rest BackendError.
func ClassifyTransportError(op string, err error) error {
	if IsRetryable(err) {
		return err
	}
	if isNetworkError(err) {
		return &NetworkError{Op: op, Err: err}
	}
	return &BackendError{Op: op, Err: err}
}

// isRetryableStatus returns true for HTTP status codes that indicate a transient server error.
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, // 502
		http.StatusServiceUnavailable, // 503
		http.StatusGatewayTimeout,     // 504
		http.StatusTooManyRequests:    // 429
		return true
	}
	return false
}

// isNetworkError returns true for errors that indicate a transient network failure.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	s := strings.ToLower(err.Error())
	patterns := []string{
		"eof",
		"connection reset",
		"connection refused",
		"broken pipe",
		"timeout",
		"deadline exceeded",
		"tls handshake",
		"no such host",
		"network is unreachable",
		"temporary failure",
		"server closed",
	}
	for _, pattern := range patterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
