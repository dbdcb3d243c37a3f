package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routerbackup/internal/backup"
	"routerbackup/internal/history"
	"routerbackup/internal/orchestrator"
	"routerbackup/internal/state"
	"routerbackup/internal/storage"
	"routerbackup/internal/storage/local"
)

type stubClient struct {
	block chan struct{}

	mu       sync.Mutex
	restored []byte
}

func (c *stubClient) Name() string { return "openwrt" }

func (c *stubClient) Fetch(ctx context.Context) (*backup.Artifact, error) {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &backup.Artifact{
		Name:      "backup_20240101_030000.tar.gz",
		Source:    "openwrt",
		Data:      []byte("config"),
		CreatedAt: time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC),
	}, nil
}

func (c *stubClient) Restore(ctx context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	c.mu.Lock()
	c.restored = data
	c.mu.Unlock()
	return err
}

func (c *stubClient) Restored() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restored
}

func newJob(t *testing.T, name string, client backup.Client) *orchestrator.Orchestrator {
	return newJobWithRestore(t, name, client, false)
}

func newJobWithRestore(t *testing.T, name string, client backup.Client, allowRestore bool) *orchestrator.Orchestrator {
	t.Helper()
	sink := local.New(t.TempDir(), storage.RetentionPolicy{MaxCount: 5}, storage.NameFilter{})
	sink.SetName("usb")
	store := state.NewMemory()
	return orchestrator.New(orchestrator.Config{
		Job:            name,
		Client:         client,
		Sinks:          []storage.Store{sink},
		Retry:          orchestrator.RetryPolicy{Attempts: 1},
		History:        history.New(store, history.KeyFor(name), 10),
		RestoreHistory: history.New(store, history.RestoreKeyFor(name), history.DefaultRestoreCapacity),
		AllowRestore:   allowRestore,
		Logger:         zerolog.Nop(),
	})
}

func newTestServer(t *testing.T, jobs ...*orchestrator.Orchestrator) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var js []Job
	for _, j := range jobs {
		js = append(js, j)
	}
	next := time.Date(2030, 1, 1, 3, 0, 0, 0, time.UTC)
	s := New(ctx, js, Options{
		Logger: zerolog.Nop(),
		NextRun: func(job string) time.Time {
			if job == "openwrt" {
				return next
			}
			return time.Time{}
		},
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestJobs(t *testing.T) {
	srv := newTestServer(t, newJob(t, "openwrt", &stubClient{}), newJob(t, "ikuai", &stubClient{}))

	var body struct {
		Jobs []jobView `json:"jobs"`
	}
	resp := getJSON(t, srv.URL+"/api/jobs", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body.Jobs, 2)
	assert.Equal(t, "ikuai", body.Jobs[0].Name)
	assert.Nil(t, body.Jobs[0].NextRun)
	assert.Equal(t, "openwrt", body.Jobs[1].Name)
	require.NotNil(t, body.Jobs[1].NextRun)
	assert.Equal(t, orchestrator.StateIdle, body.Jobs[1].State)
	assert.Equal(t, orchestrator.AggregateAny, body.Jobs[1].Aggregation)
	assert.Equal(t, []sinkView{{Name: "usb", Type: "local", Keep: 5}}, body.Jobs[1].Sinks)
	assert.Nil(t, body.Jobs[1].LastRun)
}

func TestUnknownJob(t *testing.T) {
	srv := newTestServer(t, newJob(t, "openwrt", &stubClient{}))

	var body map[string]string
	resp := getJSON(t, srv.URL+"/api/jobs/nope/history", &body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "nope")
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, newJob(t, "openwrt", &stubClient{}))
	resp := getJSON(t, srv.URL+"/api/jobs/openwrt/run", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRunWaitThenHistoryAndArtifacts(t *testing.T) {
	srv := newTestServer(t, newJob(t, "openwrt", &stubClient{}))

	resp, err := http.Post(srv.URL+"/api/jobs/openwrt/run?wait=true", "application/json", nil)
	require.NoError(t, err)
	var run runResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, run.Result)
	assert.True(t, run.Result.Success)
	assert.Equal(t, orchestrator.TriggerAPI, run.Result.Trigger)

	var hist struct {
		Capacity int              `json:"capacity"`
		Records  []history.Record `json:"records"`
	}
	getJSON(t, srv.URL+"/api/jobs/openwrt/history", &hist)
	assert.Equal(t, 10, hist.Capacity)
	require.Len(t, hist.Records, 1)
	assert.Equal(t, history.OutcomeSuccess, hist.Records[0].Outcome)

	var arts struct {
		Sinks []sinkArtifacts `json:"sinks"`
	}
	getJSON(t, srv.URL+"/api/jobs/openwrt/artifacts?sink=usb", &arts)
	require.Len(t, arts.Sinks, 1)
	require.Len(t, arts.Sinks[0].Artifacts, 1)
	assert.Equal(t, "backup_20240101_030000.tar.gz", arts.Sinks[0].Artifacts[0].FileName)
	assert.Equal(t, 2024, arts.Sinks[0].Artifacts[0].Timestamp.Year())

	resp = getJSON(t, srv.URL+"/api/jobs/openwrt/artifacts?sink=nas", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunConflict(t *testing.T) {
	client := &stubClient{block: make(chan struct{})}
	job := newJob(t, "openwrt", client)
	srv := newTestServer(t, job)

	resp, err := http.Post(srv.URL+"/api/jobs/openwrt/run", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/jobs/openwrt/run", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(client.block)
	require.Eventually(t, func() bool {
		return job.History().Len() == 1 && job.State() == orchestrator.StateIdle
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRequestID(t *testing.T) {
	srv := newTestServer(t, newJob(t, "openwrt", &stubClient{}))

	resp := getJSON(t, srv.URL+"/healthz", nil)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "abc-123")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get(requestIDHeader))
}

func TestWebsocketStreamsRun(t *testing.T) {
	job := newJob(t, "openwrt", &stubClient{})
	srv := newTestServer(t, job)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/jobs/openwrt/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var snap wsSnapshot
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "openwrt", snap.Job)
	assert.Equal(t, orchestrator.StateIdle, snap.State)

	_, err = job.Run(context.Background(), orchestrator.TriggerManual)
	require.NoError(t, err)

	var states []orchestrator.State
	var final *orchestrator.Result
	for {
		var ev orchestrator.Event
		require.NoError(t, conn.ReadJSON(&ev))
		states = append(states, ev.State)
		if ev.Result != nil {
			final = ev.Result
		}
		if ev.State == orchestrator.StateIdle {
			break
		}
	}
	assert.Equal(t, []orchestrator.State{
		orchestrator.StateFetching, orchestrator.StateWriting, orchestrator.StateSuccess, orchestrator.StateIdle,
	}, states)
	require.NotNil(t, final)
	assert.True(t, final.Success)
}

func postJSON(t *testing.T, url, body string, out any) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestRestoreFromStoredArtifact(t *testing.T) {
	client := &stubClient{}
	job := newJobWithRestore(t, "ikuai", client, true)
	srv := newTestServer(t, job)

	_, err := job.Run(context.Background(), orchestrator.TriggerManual)
	require.NoError(t, err)

	var run runResponse
	resp := postJSON(t, srv.URL+"/api/jobs/ikuai/restore?wait=true", `{"sink":"usb","file":"backup_20240101_030000.tar.gz"}`, &run)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, run.Result)
	assert.True(t, run.Result.Success, run.Result.Message)
	assert.Equal(t, "config", string(client.Restored()))

	var restores struct {
		Capacity int              `json:"capacity"`
		Records  []history.Record `json:"records"`
	}
	getJSON(t, srv.URL+"/api/jobs/ikuai/restores", &restores)
	assert.Equal(t, 50, restores.Capacity)
	require.Len(t, restores.Records, 1)
	assert.Equal(t, "backup_20240101_030000.tar.gz", restores.Records[0].Artifact)

	var view jobView
	getJSON(t, srv.URL+"/api/jobs/ikuai", &view)
	assert.True(t, view.AllowRestore)
	require.NotNil(t, view.LastRestore)
	require.NotNil(t, view.LastRun)
}

func TestRestoreEmptyBodyUsesNewest(t *testing.T) {
	client := &stubClient{}
	job := newJobWithRestore(t, "ikuai", client, true)
	srv := newTestServer(t, job)
	_, err := job.Run(context.Background(), orchestrator.TriggerManual)
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/api/jobs/ikuai/restore", "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		return job.RestoreHistory().Len() == 1 && job.State() == orchestrator.StateIdle
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "config", string(client.Restored()))
}

func TestRestoreRejections(t *testing.T) {
	disabled := newJob(t, "openwrt", &stubClient{})
	enabled := newJobWithRestore(t, "ikuai", &stubClient{}, true)
	srv := newTestServer(t, disabled, enabled)

	var body map[string]string
	resp := postJSON(t, srv.URL+"/api/jobs/openwrt/restore", `{}`, &body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/jobs/ikuai/restore", `{"sink":"cloud"}`, &body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "cloud")

	resp = postJSON(t, srv.URL+"/api/jobs/ikuai/restore", `{"sink":`, &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClearHistory(t *testing.T) {
	job := newJob(t, "openwrt", &stubClient{})
	srv := newTestServer(t, job)
	for i := 0; i < 2; i++ {
		_, err := job.Run(context.Background(), orchestrator.TriggerManual)
		require.NoError(t, err)
	}

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/jobs/openwrt/history", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var body struct {
		Removed int `json:"removed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, body.Removed)
	assert.Equal(t, 0, job.History().Len())
}
