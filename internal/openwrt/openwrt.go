// Package openwrt implements a backup client for OpenWrt routers using the
// LuCI web interface.
//
// Backup flow:
//  1. POST a JSON-RPC "session.login" call to <host>/ubus with the null
//     session id to obtain a ubus_rpc_session token
//  2. POST sessionid=<token>&backup=1 to <host>/cgi-bin/cgi-backup
//  3. The response body is the sysupgrade backup archive (.tar.gz)
//
// Restore mirrors the LuCI flash page: the archive is uploaded to
// /tmp/backup.tar.gz through /cgi-bin/cgi-upload, applied with
// "sysupgrade --restore-backup" through ubus file.exec and the router is
// rebooted.
package openwrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"routerbackup/internal/backup"
)

// Verify Client satisfies the backup.Client interface at compile time.
var _ backup.Client = (*Client)(nil)

const (
	// nullSession is the ubus session id used before authentication.
	nullSession = "00000000000000000000000000000000"

	// minBackupSize rejects error pages served with a 200 status.
	minBackupSize = 1000

	// maxBackupSize caps how much of a response is read into memory.
	maxBackupSize = 256 << 20

	loginTimeout    = 30 * time.Second
	downloadTimeout = 5 * time.Minute

	// restorePath is where LuCI stages an uploaded backup.
	restorePath = "/tmp/backup.tar.gz"
)

// ubus status codes that mean the credentials or session were rejected.
var authCodes = map[int]bool{6: true, -1: true, -32002: true}

// Client implements backup.Client for OpenWrt.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	log      zerolog.Logger
	now      func() time.Time
	maxSize  int64
}

// NewClient creates an OpenWrt backup client. host may omit the scheme.
func NewClient(host, username, password string, logger zerolog.Logger) (*Client, error) {
	switch {
	case strings.TrimSpace(host) == "":
		return nil, fmt.Errorf("openwrt: host is required")
	case username == "":
		return nil, fmt.Errorf("openwrt: username is required")
	case password == "":
		return nil, fmt.Errorf("openwrt: password is required")
	}
	return &Client{
		baseURL:  backup.NormalizeBaseURL(host),
		username: username,
		password: password,
		http:     backup.NewHTTPClient(downloadTimeout),
		log:      logger.With().Str("client", "openwrt").Logger(),
		now:      time.Now,
		maxSize:  maxBackupSize,
	}, nil
}

// Name returns the backend type used for logging and artifact source tags.
func (c *Client) Name() string { return "openwrt" }

// BaseURL returns the normalised router address.
func (c *Client) BaseURL() string { return c.baseURL }

// FileName returns the artifact name for a backup taken at t.
func FileName(t time.Time) string {
	return t.Format("backup_20060102_150405") + ".tar.gz"
}

// Fetch logs in and downloads a fresh backup archive.
func (c *Client) Fetch(ctx context.Context) (*backup.Artifact, error) {
	session, err := c.login(ctx)
	if err != nil {
		return nil, err
	}
	c.log.Debug().Msg("Logged in via ubus")

	data, err := c.download(ctx, session)
	if err != nil {
		return nil, err
	}

	now := c.now()
	return &backup.Artifact{
		Name:      FileName(now),
		Source:    c.Name(),
		Data:      data,
		CreatedAt: now,
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) login(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	rpc, err := c.ubus(ctx, "login", nullSession, "session", "login", map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return "", err
	}
	return parseLogin(rpc)
}

// ubus posts one JSON-RPC "call" to /ubus.
func (c *Client) ubus(ctx context.Context, op, session, object, method string, args any) (rpcResponse, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.now().Unix(),
		Method:  "call",
		Params:  []any{session, object, method, args},
	})
	if err != nil {
		return rpcResponse{}, fmt.Errorf("encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ubus", bytes.NewReader(payload))
	if err != nil {
		return rpcResponse{}, &backup.BackendError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := backup.Do(c.http, req, op)
	if err != nil {
		return rpcResponse{}, err
	}
	defer resp.Body.Close()

	var rpc rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rpc); err != nil {
		return rpcResponse{}, &backup.BackendError{Op: op, Err: fmt.Errorf("ubus response is not JSON: %w", err)}
	}
	return rpc, nil
}

// parseLogin extracts the session token. ubus answers either
// [0, {session}], [{session}], {session} or an error object.
func parseLogin(rpc rpcResponse) (string, error) {
	if rpc.Error != nil {
		msg := strings.ToLower(rpc.Error.Message)
		err := fmt.Errorf("ubus error %d: %s", rpc.Error.Code, rpc.Error.Message)
		if authCodes[rpc.Error.Code] || strings.Contains(msg, "invalid") || strings.Contains(msg, "denied") {
			return "", &backup.AuthError{Op: "login", Err: err}
		}
		return "", &backup.BackendError{Op: "login", Err: err}
	}
	if len(rpc.Result) == 0 || string(rpc.Result) == "null" {
		return "", &backup.BackendError{Op: "login", Err: fmt.Errorf("ubus returned no result")}
	}

	var list []json.RawMessage
	if err := json.Unmarshal(rpc.Result, &list); err == nil {
		return parseLoginList(list)
	}
	return sessionFrom(rpc.Result)
}

func parseLoginList(list []json.RawMessage) (string, error) {
	if len(list) == 0 {
		return "", &backup.BackendError{Op: "login", Err: fmt.Errorf("ubus returned an empty result")}
	}

	var code int
	if err := json.Unmarshal(list[0], &code); err == nil {
		if code != 0 {
			err := fmt.Errorf("ubus status %d", code)
			if authCodes[code] {
				return "", &backup.AuthError{Op: "login", Err: err}
			}
			return "", &backup.BackendError{Op: "login", Err: err}
		}
		if len(list) < 2 {
			return "", &backup.BackendError{Op: "login", Err: fmt.Errorf("ubus status 0 without session data")}
		}
		return sessionFrom(list[1])
	}

	for _, item := range list {
		if token, err := sessionFrom(item); err == nil {
			return token, nil
		}
	}
	return "", &backup.BackendError{Op: "login", Err: fmt.Errorf("ubus result has no session")}
}

func sessionFrom(raw json.RawMessage) (string, error) {
	var s struct {
		Session string `json:"ubus_rpc_session"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &backup.BackendError{Op: "login", Err: fmt.Errorf("unexpected ubus result %s", truncate(string(raw), 100))}
	}
	if s.Session == "" {
		return "", &backup.BackendError{Op: "login", Err: fmt.Errorf("ubus result has no session")}
	}
	return s.Session, nil
}

func (c *Client) download(ctx context.Context, session string) ([]byte, error) {
	form := url.Values{"sessionid": {session}, "backup": {"1"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/cgi-bin/cgi-backup", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &backup.BackendError{Op: "backup", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", c.baseURL+"/cgi-bin/luci/admin/system/flash")
	req.Header.Set("Origin", c.baseURL)

	resp, err := backup.Do(c.http, req, "backup")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !looksLikeBackup(resp) {
		return nil, &backup.BackendError{Op: "backup", Err: fmt.Errorf("response is not a backup archive (Content-Type: %s)", resp.Header.Get("Content-Type"))}
	}

	data, err := backup.ReadBody(resp.Body, c.maxSize, "backup")
	if err != nil {
		return nil, err
	}
	if len(data) <= minBackupSize {
		return nil, &backup.BackendError{Op: "backup", Err: fmt.Errorf("downloaded file too small: %d bytes", len(data))}
	}
	c.log.Info().Int("bytes", len(data)).Msg("Downloaded backup archive")
	return data, nil
}

// Restore uploads the archive, applies it and reboots the router. A failed
// reboot request is only logged: the configuration is already applied.
func (c *Client) Restore(ctx context.Context, name string, r io.Reader) error {
	session, err := c.login(ctx)
	if err != nil {
		return err
	}
	if err := c.upload(ctx, session, name, r); err != nil {
		return err
	}
	c.log.Info().Str("file", name).Msg("Uploaded backup archive")

	if _, err := c.exec(ctx, "restore", session, "/sbin/sysupgrade", "--restore-backup", restorePath); err != nil {
		return err
	}
	c.log.Info().Str("file", name).Msg("Configuration restored, rebooting")

	if _, err := c.exec(ctx, "reboot", session, "/sbin/reboot"); err != nil {
		c.log.Warn().Err(err).Msg("Reboot request failed")
	}
	return nil
}

func (c *Client) upload(ctx context.Context, session, name string, r io.Reader) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("sessionid", session)
	_ = mw.WriteField("filename", restorePath)
	_ = mw.WriteField("filemode", "0600")
	fw, err := mw.CreateFormFile("filedata", name)
	if err != nil {
		return &backup.BackendError{Op: "upload", Err: err}
	}
	n, err := io.Copy(fw, io.LimitReader(r, c.maxSize+1))
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if n > c.maxSize {
		return &backup.BackendError{Op: "upload", Err: fmt.Errorf("%s exceeds the %d byte limit", name, c.maxSize)}
	}
	if err := mw.Close(); err != nil {
		return &backup.BackendError{Op: "upload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/cgi-bin/cgi-upload", &body)
	if err != nil {
		return &backup.BackendError{Op: "upload", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Referer", c.baseURL+"/cgi-bin/luci/admin/system/flash")
	req.Header.Set("Origin", c.baseURL)

	resp, err := backup.Do(c.http, req, "upload")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var res struct {
		Size int64 `json:"size"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &res); err != nil {
		return &backup.BackendError{Op: "upload", Err: fmt.Errorf("unexpected response: %s", truncate(string(raw), 100))}
	}
	if res.Size != n {
		return &backup.BackendError{Op: "upload", Err: fmt.Errorf("router stored %d of %d bytes", res.Size, n)}
	}
	return nil
}

// execResult is the payload of a ubus file.exec call.
type execResult struct {
	Code   int    `json:"code"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// exec runs a command on the router through ubus file.exec.
func (c *Client) exec(ctx context.Context, op, session, command string, params ...string) (execResult, error) {
	if params == nil {
		params = []string{}
	}
	rpc, err := c.ubus(ctx, op, session, "file", "exec", map[string]any{
		"command": command,
		"params":  params,
	})
	if err != nil {
		return execResult{}, err
	}
	if rpc.Error != nil {
		err := fmt.Errorf("ubus error %d: %s", rpc.Error.Code, rpc.Error.Message)
		if authCodes[rpc.Error.Code] {
			return execResult{}, &backup.AuthError{Op: op, Err: err}
		}
		return execResult{}, &backup.BackendError{Op: op, Err: err}
	}

	var list []json.RawMessage
	var code int
	if err := json.Unmarshal(rpc.Result, &list); err != nil || len(list) == 0 || json.Unmarshal(list[0], &code) != nil {
		return execResult{}, &backup.BackendError{Op: op, Err: fmt.Errorf("unexpected ubus result %s", truncate(string(rpc.Result), 100))}
	}
	if code != 0 {
		err := fmt.Errorf("ubus status %d running %s", code, command)
		if authCodes[code] {
			return execResult{}, &backup.AuthError{Op: op, Err: err}
		}
		return execResult{}, &backup.BackendError{Op: op, Err: err}
	}

	var out execResult
	if len(list) > 1 {
		if err := json.Unmarshal(list[1], &out); err != nil {
			return execResult{}, &backup.BackendError{Op: op, Err: fmt.Errorf("decode exec result: %w", err)}
		}
	}
	if out.Code != 0 {
		return out, &backup.BackendError{Op: op, Err: fmt.Errorf("%s exited with %d: %s", command, out.Code, strings.TrimSpace(out.Stderr))}
	}
	return out, nil
}

func looksLikeBackup(resp *http.Response) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	cd := strings.ToLower(resp.Header.Get("Content-Disposition"))
	for _, t := range []string{"application/octet-stream", "application/x-tar", "application/gzip", "application/x-targz"} {
		if strings.Contains(ct, t) {
			return true
		}
	}
	if strings.Contains(cd, "attachment") || strings.Contains(cd, ".tar.gz") {
		return true
	}
	return resp.ContentLength > minBackupSize
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
