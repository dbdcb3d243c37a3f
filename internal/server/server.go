// Package server exposes jobs over HTTP: listing, history, stored
// artifacts, manual triggers, restores and a websocket stream of state
// changes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"routerbackup/internal/history"
	"routerbackup/internal/orchestrator"
	"routerbackup/internal/storage"
)

// Job is the part of an orchestrator the server needs.
type Job interface {
	Job() string
	State() orchestrator.State
	Sinks() []storage.Store
	History() *history.Log
	Retry() orchestrator.RetryPolicy
	Aggregation() orchestrator.Aggregation
	Subscribe() (<-chan orchestrator.Event, func())
	Start(ctx context.Context, trigger orchestrator.Trigger) (<-chan orchestrator.Result, error)
	ClearHistory(ctx context.Context) (int, error)

	AllowRestore() bool
	RestoreHistory() *history.Log
	StartRestore(ctx context.Context, trigger orchestrator.Trigger, req orchestrator.RestoreRequest) (<-chan orchestrator.Result, error)
}

// Options configures a Server.
type Options struct {
	Logger zerolog.Logger
	// NextRun reports the next scheduled run of a job. Optional.
	NextRun func(job string) time.Time
	// RequestID generates ids for requests without X-Request-Id.
	RequestID func() string
}

// Server serves the HTTP API.
type Server struct {
	ctx     context.Context
	jobs    map[string]Job
	names   []string
	nextRun func(string) time.Time
	log     zerolog.Logger
	handler http.Handler
}

// New builds a server. Runs triggered over HTTP use ctx, so they outlive
// the request that started them but stop with the process.
func New(ctx context.Context, jobs []Job, opts Options) *Server {
	s := &Server{
		ctx:     ctx,
		jobs:    make(map[string]Job, len(jobs)),
		nextRun: opts.NextRun,
		log:     opts.Logger,
	}
	for _, j := range jobs {
		s.jobs[j.Job()] = j
		s.names = append(s.names, j.Job())
	}
	sort.Strings(s.names)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/jobs", s.handleJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{job}", s.handleJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{job}/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{job}/history", s.handleClearHistory).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{job}/restores", s.handleRestores).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{job}/restore", s.handleRestore).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{job}/artifacts", s.handleArtifacts).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{job}/run", s.handleRun).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{job}/ws", s.handleWS).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	nextID := opts.RequestID
	if nextID == nil {
		nextID = defaultRequestID
	}
	s.handler = withRequestID(withRequestLogging(r, s.log), nextID)
	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}

type sinkView struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Keep int    `json:"keep,omitempty"`
}

type jobView struct {
	Name          string                   `json:"name"`
	State         orchestrator.State       `json:"state"`
	Aggregation   orchestrator.Aggregation `json:"aggregation"`
	RetryAttempts int                      `json:"retryAttempts"`
	RetryDelay    string                   `json:"retryDelay"`
	Sinks         []sinkView               `json:"sinks"`
	AllowRestore  bool                     `json:"allowRestore"`
	NextRun       *time.Time               `json:"nextRun,omitempty"`
	LastRun       *history.Record          `json:"lastRun,omitempty"`
	LastRestore   *history.Record          `json:"lastRestore,omitempty"`
}

type artifactView struct {
	Key       string    `json:"key"`
	FileName  string    `json:"fileName"`
	Size      int64     `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

type sinkArtifacts struct {
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Artifacts []artifactView `json:"artifacts"`
	Error     string         `json:"error,omitempty"`
}

type runResponse struct {
	Job      string               `json:"job"`
	Accepted bool                 `json:"accepted"`
	Result   *orchestrator.Result `json:"result,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	views := make([]jobView, 0, len(s.names))
	for _, name := range s.names {
		views = append(views, s.view(s.jobs[name]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(job))
}

func (s *Server) view(j Job) jobView {
	retry := j.Retry()
	v := jobView{
		Name:          j.Job(),
		State:         j.State(),
		Aggregation:   j.Aggregation(),
		RetryAttempts: retry.Attempts,
		RetryDelay:    retry.Delay.String(),
		AllowRestore:  j.AllowRestore(),
		Sinks:         make([]sinkView, 0, len(j.Sinks())),
	}
	for _, sink := range j.Sinks() {
		sv := sinkView{Name: sink.Name(), Type: sink.Type()}
		if pr, ok := sink.(storage.PolicyReporter); ok {
			sv.Keep = pr.Policy().MaxCount
		}
		v.Sinks = append(v.Sinks, sv)
	}
	if s.nextRun != nil {
		if next := s.nextRun(j.Job()); !next.IsZero() {
			v.NextRun = &next
		}
	}
	if rec, ok := j.History().Latest(); ok {
		v.LastRun = &rec
	}
	if rec, ok := j.RestoreHistory().Latest(); ok {
		v.LastRestore = &rec
	}
	return v
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeRecords(w, job.Job(), job.History())
}

func (s *Server) handleRestores(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeRecords(w, job.Job(), job.RestoreHistory())
}

func writeRecords(w http.ResponseWriter, job string, log *history.Log) {
	records := log.List()
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":      job,
		"capacity": log.Capacity(),
		"records":  records,
	})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	removed, err := job.ClearHistory(r.Context())
	if err != nil {
		s.log.Error().Err(err).Str("job", job.Job()).Msg("Failed to clear history")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job.Job(), "removed": removed})
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	want := r.URL.Query().Get("sink")

	var out []sinkArtifacts
	for _, sink := range job.Sinks() {
		if want != "" && sink.Name() != want {
			continue
		}
		sa := sinkArtifacts{Name: sink.Name(), Type: sink.Type(), Artifacts: []artifactView{}}
		descs, err := sink.List(r.Context())
		if err != nil {
			s.log.Warn().Err(err).Str("job", job.Job()).Str("sink", sink.Name()).Msg("Failed to list artifacts")
			sa.Error = err.Error()
		}
		for _, d := range descs {
			sa.Artifacts = append(sa.Artifacts, artifactView{
				Key:       d.Key,
				FileName:  d.FileName,
				Size:      d.Size,
				Timestamp: d.Timestamp(),
			})
		}
		out = append(out, sa)
	}
	if want != "" && len(out) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("sink %q not found", want))
		return
	}
	if out == nil {
		out = []sinkArtifacts{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job.Job(), "sinks": out})
}

// handleRun starts a run and answers 202 immediately. With ?wait=true it
// answers 200 with the result once the run finishes.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}

	done, err := job.Start(s.ctx, orchestrator.TriggerAPI)
	if errors.Is(err, orchestrator.ErrRunInProgress) {
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondRun(w, r, job, done)
}

// handleRestore starts a restore from the JSON body {"sink", "file"}; both
// are optional. It answers like handleRun.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req orchestrator.RestoreRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid restore request: %v", err))
		return
	}

	done, err := job.StartRestore(s.ctx, orchestrator.TriggerAPI, req)
	switch {
	case errors.Is(err, orchestrator.ErrRestoreDisabled):
		writeError(w, http.StatusForbidden, "restore is disabled for this job")
		return
	case errors.Is(err, orchestrator.ErrUnknownSink):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, orchestrator.ErrRunInProgress):
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondRun(w, r, job, done)
}

func (s *Server) respondRun(w http.ResponseWriter, r *http.Request, job Job, done <-chan orchestrator.Result) {
	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, runResponse{Job: job.Job(), Accepted: true})
		return
	}
	select {
	case res := <-done:
		writeJSON(w, http.StatusOK, runResponse{Job: job.Job(), Accepted: true, Result: &res})
	case <-r.Context().Done():
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (Job, bool) {
	name := mux.Vars(r)["job"]
	job, ok := s.jobs[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("job %q not found", name))
		return nil, false
	}
	return job, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
