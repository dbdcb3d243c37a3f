// Package ikuai implements a backup client for iKuai routers using the
// /Action web API.
//
// Backup flow:
//  1. POST {username, passwd: md5(password)} to /Action/login and keep the
//     sess_key cookie
//  2. /Action/call backup.create asks the router to write a new backup
//  3. /Action/call backup.show lists the stored backups; the newest is picked
//  4. /Action/call backup.EXPORT prepares it, GET /Action/download fetches it
//  5. Optionally /Action/call backup.delete removes it from the router
//
// Restore calls backup.RESTORE and then uploads the file as multipart form
// field "file" to /Action/upload.
package ikuai

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"routerbackup/internal/backup"
)

// Verify Client satisfies the backup.Client interface at compile time.
var _ backup.Client = (*Client)(nil)

// resultOK is the Result code iKuai uses for a successful call.
const resultOK = 30000

const (
	defaultSettle   = 2 * time.Second
	maxBackupSize   = 256 << 20
	downloadTimeout = 5 * time.Minute
)

var sessKeyPattern = regexp.MustCompile(`sess_key=([^;]+)`)

// Client implements backup.Client for iKuai.
type Client struct {
	baseURL  string
	username string
	password string

	// DeleteAfterDownload removes the backup from the router once it has
	// been downloaded.
	DeleteAfterDownload bool

	http    *http.Client
	log     zerolog.Logger
	settle  time.Duration // wait between create and list
	maxSize int64
}

// NewClient creates an iKuai backup client. host may omit the scheme.
func NewClient(host, username, password string, logger zerolog.Logger) (*Client, error) {
	switch {
	case strings.TrimSpace(host) == "":
		return nil, fmt.Errorf("ikuai: host is required")
	case username == "":
		return nil, fmt.Errorf("ikuai: username is required")
	case password == "":
		return nil, fmt.Errorf("ikuai: password is required")
	}

	hc := backup.NewHTTPClient(downloadTimeout)
	// The session cookie is sent explicitly, see session.cookie.
	hc.Jar = nil

	return &Client{
		baseURL:  backup.NormalizeBaseURL(host),
		username: username,
		password: password,
		http:     hc,
		log:      logger.With().Str("client", "ikuai").Logger(),
		settle:   defaultSettle,
		maxSize:  maxBackupSize,
	}, nil
}

// Name returns the backend type used for logging and artifact source tags.
func (c *Client) Name() string { return "ikuai" }

// BaseURL returns the normalised router address.
func (c *Client) BaseURL() string { return c.baseURL }

// Entry is one backup stored on the router.
type Entry struct {
	FileName string `json:"filename"`
	Name     string `json:"name"`
	Date     string `json:"date"`
	Time     string `json:"backup_time"`
	Size     any    `json:"size,omitempty"`
}

// File returns the router-side filename.
func (e Entry) File() string {
	if e.FileName != "" {
		return e.FileName
	}
	return e.Name
}

func (e Entry) sortKey() string {
	if e.Date != "" {
		return e.Date
	}
	return e.Time
}

// LocalName maps a router filename to the artifact name: the extension is
// replaced by ".bak".
func LocalName(routerFile string) string {
	base := path.Base(routerFile)
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base + ".bak"
}

type session struct {
	cookie string
}

// Fetch creates a fresh backup on the router and downloads it.
func (c *Client) Fetch(ctx context.Context) (*backup.Artifact, error) {
	sess, err := c.login(ctx)
	if err != nil {
		return nil, err
	}
	c.log.Debug().Msg("Logged in")

	if err := c.create(ctx, sess); err != nil {
		return nil, err
	}
	if err := sleep(ctx, c.settle); err != nil {
		return nil, &backup.NetworkError{Op: "create", Err: err}
	}

	entries, err := c.list(ctx, sess)
	if err != nil {
		return nil, err
	}
	latest, ok := newest(entries)
	if !ok {
		return nil, &backup.BackendError{Op: "list", Err: fmt.Errorf("no backups found on router")}
	}
	routerFile := latest.File()
	localName := LocalName(routerFile)
	c.log.Info().Str("file", routerFile).Str("artifact", localName).Msg("Latest router backup")

	if err := c.call(ctx, sess, "export", "EXPORT", map[string]any{"srcfile": localName}, nil); err != nil {
		return nil, err
	}

	data, err := c.download(ctx, sess, routerFile)
	if err != nil {
		return nil, err
	}

	if c.DeleteAfterDownload {
		if err := c.remove(ctx, sess, routerFile); err != nil {
			c.log.Warn().Err(err).Str("file", routerFile).Msg("Failed to delete backup from router")
		} else {
			c.log.Info().Str("file", routerFile).Msg("Deleted backup from router")
		}
	}

	return &backup.Artifact{
		Name:      localName,
		Source:    c.Name(),
		Data:      data,
		CreatedAt: time.Now(),
	}, nil
}

func (c *Client) login(ctx context.Context) (*session, error) {
	sum := md5.Sum([]byte(c.password))
	body, err := json.Marshal(map[string]string{
		"username": c.username,
		"passwd":   hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return nil, fmt.Errorf("encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/Action/login", bytes.NewReader(body))
	if err != nil {
		return nil, &backup.BackendError{Op: "login", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := backup.Do(c.http, req, "login")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	key := ""
	for _, ck := range resp.Cookies() {
		if ck.Name == "sess_key" && ck.Value != "" {
			key = ck.Value
			break
		}
	}
	if key == "" {
		if m := sessKeyPattern.FindStringSubmatch(resp.Header.Get("Set-Cookie")); m != nil {
			key = m[1]
		}
	}
	if key == "" {
		return nil, &backup.AuthError{Op: "login", Err: fmt.Errorf("no sess_key in response: %s", strings.TrimSpace(string(snippet)))}
	}

	return &session{
		cookie: fmt.Sprintf("username=%s; sess_key=%s; login=1", url.QueryEscape(c.username), key),
	}, nil
}

type callRequest struct {
	FuncName string         `json:"func_name"`
	Action   string         `json:"action"`
	Param    map[string]any `json:"param"`
}

type callResponse struct {
	Result  int             `json:"Result"`
	ErrMsg  string          `json:"ErrMsg"`
	LResult int             `json:"result"`
	LErrMsg string          `json:"errmsg"`
	Data    json.RawMessage `json:"Data"`
}

func (r callResponse) ok() bool {
	if r.Result == resultOK && strings.Contains(strings.ToLower(r.ErrMsg), "success") {
		return true
	}
	return r.LResult == resultOK && strings.EqualFold(r.LErrMsg, "success")
}

func (r callResponse) message() string {
	if r.ErrMsg != "" {
		return r.ErrMsg
	}
	if r.LErrMsg != "" {
		return r.LErrMsg
	}
	return "no error message"
}

// post sends a backup action to /Action/call and returns the raw body. Only
// the HTTP status is checked.
func (c *Client) post(ctx context.Context, sess *session, op, action string, param map[string]any) ([]byte, error) {
	if param == nil {
		param = map[string]any{}
	}
	body, err := json.Marshal(callRequest{FuncName: "backup", Action: action, Param: param})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/Action/call", bytes.NewReader(body))
	if err != nil {
		return nil, &backup.BackendError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("Referer", c.baseURL+"/")
	req.Header.Set("Cookie", sess.cookie)

	resp, err := backup.Do(c.http, req, op)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return backup.ReadBody(resp.Body, 4<<20, op)
}

// call posts a backup action and checks the result code. When out is
// non-nil the Data field of a successful response is decoded into it. A
// plain-text body containing "success" counts as success.
func (c *Client) call(ctx context.Context, sess *session, op, action string, param map[string]any, out any) error {
	raw, err := c.post(ctx, sess, op, action, param)
	if err != nil {
		return err
	}

	var res callResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		if out == nil && strings.Contains(strings.ToLower(string(raw)), "success") {
			return nil
		}
		return &backup.BackendError{Op: op, Err: fmt.Errorf("unexpected response: %s", truncate(string(raw), 100))}
	}
	if !res.ok() {
		return &backup.BackendError{Op: op, Err: fmt.Errorf("router returned error: %s", res.message())}
	}
	if out != nil && len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, out); err != nil {
			return &backup.BackendError{Op: op, Err: fmt.Errorf("decode data: %w", err)}
		}
	}
	return nil
}

func (c *Client) create(ctx context.Context, sess *session) error {
	return c.call(ctx, sess, "create", "create", nil, nil)
}

// list returns the backups stored on the router, newest first.
func (c *Client) list(ctx context.Context, sess *session) ([]Entry, error) {
	var data struct {
		Data []Entry `json:"data"`
	}
	err := c.call(ctx, sess, "list", "show", map[string]any{
		"ORDER":    "desc",
		"ORDER_BY": "time",
		"LIMIT":    "0,50",
	}, &data)
	if err != nil {
		return nil, err
	}
	sortEntries(data.Data)
	return data.Data, nil
}

// remove deletes a backup from the router.
func (c *Client) remove(ctx context.Context, sess *session, routerFile string) error {
	return c.call(ctx, sess, "delete", "delete", map[string]any{"srcfile": routerFile}, nil)
}

func (c *Client) download(ctx context.Context, sess *session, routerFile string) ([]byte, error) {
	u := c.baseURL + "/Action/download?filename=" + url.QueryEscape(routerFile)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &backup.BackendError{Op: "download", Err: err}
	}
	req.Header.Set("Referer", c.baseURL+"/")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Cookie", sess.cookie)

	resp, err := backup.Do(c.http, req, "download")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := backup.ReadBody(resp.Body, c.maxSize, "download")
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &backup.BackendError{Op: "download", Err: fmt.Errorf("empty backup file %s", routerFile)}
	}
	c.log.Info().Int("bytes", len(data)).Msg("Downloaded backup file")
	return data, nil
}

// Restore switches the router into restore mode and uploads the backup
// file. The router applies it on its own once the upload is accepted.
func (c *Client) Restore(ctx context.Context, name string, r io.Reader) error {
	sess, err := c.login(ctx)
	if err != nil {
		return err
	}
	c.log.Debug().Msg("Logged in")

	// The RESTORE call answers with an HTTP status only.
	if _, err := c.post(ctx, sess, "restore", "RESTORE", nil); err != nil {
		return err
	}
	if err := c.upload(ctx, sess, name, r); err != nil {
		return err
	}
	c.log.Info().Str("file", name).Msg("Backup uploaded for restore")
	return nil
}

func (c *Client) upload(ctx context.Context, sess *session, name string, r io.Reader) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", path.Base(name))
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
	if n == 0 {
		return &backup.BackendError{Op: "upload", Err: fmt.Errorf("%s is empty", name)}
	}
	if err := mw.Close(); err != nil {
		return &backup.BackendError{Op: "upload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/Action/upload", &body)
	if err != nil {
		return &backup.BackendError{Op: "upload", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("Referer", c.baseURL+"/")
	req.Header.Set("Cookie", sess.cookie)

	resp, err := backup.Do(c.http, req, "upload")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := backup.ReadBody(resp.Body, 1<<20, "upload")
	if err != nil {
		return err
	}
	var res callResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		if strings.Contains(strings.ToLower(string(raw)), "success") {
			return nil
		}
		return &backup.BackendError{Op: "upload", Err: fmt.Errorf("unexpected response: %s", truncate(string(raw), 100))}
	}
	if res.Result != resultOK && res.LResult != resultOK {
		return &backup.BackendError{Op: "upload", Err: fmt.Errorf("router rejected the backup: %s", res.message())}
	}
	return nil
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].sortKey() > entries[j].sortKey()
	})
}

func newest(entries []Entry) (Entry, bool) {
	for _, e := range entries {
		if e.File() != "" {
			return e, true
		}
	}
	return Entry{}, false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
