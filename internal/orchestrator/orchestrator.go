// Package orchestrator runs one backup job: fetch an artifact from the
// backend with retries, write it to every sink in parallel, record the
// outcome in the history and send a notification. It also restores a
// stored artifact to the backend under the same run lock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"routerbackup/internal/backup"
	"routerbackup/internal/history"
	"routerbackup/internal/notify"
	"routerbackup/internal/storage"
)

var (
	// ErrRunInProgress is returned by Run and Restore when another run or
	// restore of the same job has not finished yet.
	ErrRunInProgress = errors.New("orchestrator: run already in progress")
	// ErrRestoreDisabled is returned by Restore when the job does not allow
	// restores.
	ErrRestoreDisabled = errors.New("orchestrator: restore is disabled for this job")
	// ErrUnknownSink is returned by Restore for a sink the job does not have.
	ErrUnknownSink = errors.New("orchestrator: unknown sink")
)

// DefaultRunTimeout bounds a whole run, retries included.
const DefaultRunTimeout = 30 * time.Minute

// finishTimeout bounds history persistence and notification after the run
// context is done.
const finishTimeout = 30 * time.Second

// Aggregation decides whether a run with some failed sinks is a success.
type Aggregation string

const (
	// AggregateAny succeeds when at least one sink stored the artifact.
	AggregateAny Aggregation = "any"
	// AggregateAll succeeds only when every sink stored the artifact.
	AggregateAll Aggregation = "all"
)

// ParseAggregation accepts "", "any" and "all".
func ParseAggregation(s string) (Aggregation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(AggregateAny):
		return AggregateAny, nil
	case string(AggregateAll):
		return AggregateAll, nil
	default:
		return "", fmt.Errorf("unknown aggregation %q (want any or all)", s)
	}
}

// State of a job.
type State string

const (
	StateIdle           State = "idle"
	StateFetching       State = "fetching"
	StateWriting        State = "writing"
	StateRestoring      State = "restoring"
	StateSuccess        State = "success"
	StatePartialSuccess State = "partial_success"
	StateFailed         State = "failed"
)

// Trigger names what started a run.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
	TriggerStartup  Trigger = "startup"
	TriggerAPI      Trigger = "api"
)

// Result is the outcome of one run.
type Result struct {
	ID            string               `json:"id"`
	Job           string               `json:"job"`
	Trigger       Trigger              `json:"trigger"`
	Outcome       history.Outcome      `json:"outcome"`
	Success       bool                 `json:"success"`
	Message       string               `json:"message"`
	Artifact      string               `json:"artifact,omitempty"`
	Size          int64                `json:"size,omitempty"`
	FetchAttempts int                  `json:"fetchAttempts"`
	Sinks         []history.SinkResult `json:"sinks,omitempty"`
	StartedAt     time.Time            `json:"startedAt"`
	FinishedAt    time.Time            `json:"finishedAt"`
}

// Record converts the result to a history entry.
func (r Result) Record() history.Record {
	return history.Record{
		ID:            r.ID,
		Job:           r.Job,
		Time:          r.FinishedAt,
		Trigger:       string(r.Trigger),
		Outcome:       r.Outcome,
		Success:       r.Success,
		Message:       r.Message,
		Artifact:      r.Artifact,
		FetchAttempts: r.FetchAttempts,
		Sinks:         r.Sinks,
	}
}

// Event is published to subscribers on every state change. Result is set
// on the terminal states.
type Event struct {
	Job    string    `json:"job"`
	State  State     `json:"state"`
	Time   time.Time `json:"time"`
	Result *Result   `json:"result,omitempty"`
}

// Config wires one job.
type Config struct {
	Job     string
	Label   string // shown in notifications, defaults to Job
	Address string // backend address shown in notifications

	Client      backup.Client
	Sinks       []storage.Store
	Retry       RetryPolicy
	Aggregation Aggregation
	RunTimeout  time.Duration

	History  *history.Log
	Notifier notify.Notifier
	Notify   bool

	// AllowRestore enables Restore. RestoreHistory defaults to an
	// in-memory log of DefaultRestoreCapacity entries.
	AllowRestore   bool
	RestoreHistory *history.Log

	Logger  zerolog.Logger
	Sleeper Sleeper
	Now     func() time.Time
}

// Orchestrator runs a single job. It is safe for concurrent use; at most
// one run is in flight at a time.
type Orchestrator struct {
	cfg Config

	// runMu is held for a whole run or restore. mu guards state and subs
	// only and is never held across I/O; the history logs lock themselves.
	runMu sync.Mutex

	mu      sync.Mutex
	state   State
	subs    map[int]chan Event
	nextSub int
}

// New returns an orchestrator for cfg, filling in defaults.
func New(cfg Config) *Orchestrator {
	if cfg.Aggregation == "" {
		cfg.Aggregation = AggregateAny
	}
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.Sleeper == nil {
		cfg.Sleeper = SleepContext
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.History == nil {
		cfg.History = history.New(nil, "", 0)
	}
	if cfg.RestoreHistory == nil {
		cfg.RestoreHistory = history.New(nil, history.RestoreKeyFor(cfg.Job), history.DefaultRestoreCapacity)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop
	}
	if cfg.Label == "" {
		cfg.Label = cfg.Job
	}
	return &Orchestrator{cfg: cfg, state: StateIdle, subs: make(map[int]chan Event)}
}

func (o *Orchestrator) Job() string { return o.cfg.Job }

func (o *Orchestrator) Sinks() []storage.Store { return o.cfg.Sinks }

func (o *Orchestrator) History() *history.Log { return o.cfg.History }

func (o *Orchestrator) RestoreHistory() *history.Log { return o.cfg.RestoreHistory }

func (o *Orchestrator) AllowRestore() bool { return o.cfg.AllowRestore }

func (o *Orchestrator) Retry() RetryPolicy { return o.cfg.Retry }

func (o *Orchestrator) Aggregation() Aggregation { return o.cfg.Aggregation }

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe returns a channel of state events and a function that
// unsubscribes and closes it. Slow subscribers miss events rather than
// blocking the run.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

func (o *Orchestrator) setState(s State, res *Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
	ev := Event{Job: o.cfg.Job, State: s, Time: o.cfg.Now(), Result: res}
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Run executes one backup. The only error it returns is ErrRunInProgress;
// every other failure is reported in the Result.
func (o *Orchestrator) Run(ctx context.Context, trigger Trigger) (Result, error) {
	if !o.runMu.TryLock() {
		return Result{}, ErrRunInProgress
	}
	defer o.runMu.Unlock()
	return o.run(ctx, trigger), nil
}

// Start begins a run in the background and returns a channel that receives
// its result. It fails with ErrRunInProgress without starting anything when
// a run is active.
func (o *Orchestrator) Start(ctx context.Context, trigger Trigger) (<-chan Result, error) {
	if !o.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	done := make(chan Result, 1)
	go func() {
		res := o.run(ctx, trigger)
		o.runMu.Unlock()
		done <- res
	}()
	return done, nil
}

func (o *Orchestrator) run(ctx context.Context, trigger Trigger) Result {
	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}

	res := Result{
		ID:        uuid.NewString(),
		Job:       o.cfg.Job,
		Trigger:   trigger,
		StartedAt: o.cfg.Now(),
	}
	log := o.cfg.Logger.With().Str("job", o.cfg.Job).Str("run", res.ID).Logger()
	log.Info().Str("trigger", string(trigger)).Msg("Starting backup")

	o.setState(StateFetching, nil)
	artifact, attempts, err := o.fetch(ctx, log)
	res.FetchAttempts = attempts
	if err != nil {
		res.Outcome = history.OutcomeFailure
		res.Message = fmt.Sprintf("fetch failed after %d attempt(s): %v", attempts, err)
	} else {
		res.Artifact = artifact.Name
		res.Size = artifact.Size()
		log.Info().Str("artifact", artifact.Name).Int64("bytes", artifact.Size()).Msg("Backup fetched")

		o.setState(StateWriting, nil)
		res.Sinks = o.writeAll(ctx, artifact, log)
		o.aggregate(&res)
	}
	res.FinishedAt = o.cfg.Now()

	o.finish(ctx, &res, log, o.cfg.History, notify.Format)
	return res
}

func (o *Orchestrator) fetch(ctx context.Context, log zerolog.Logger) (*backup.Artifact, int, error) {
	var artifact *backup.Artifact
	attempts, err := retry(ctx, o.cfg.Retry, o.cfg.Sleeper, log, "fetch", backup.IsRetryable,
		func(ctx context.Context) error {
			a, err := safeFetch(ctx, o.cfg.Client)
			artifact = a
			return err
		})
	if err != nil {
		return nil, attempts, err
	}
	return artifact, attempts, nil
}

func safeFetch(ctx context.Context, c backup.Client) (a *backup.Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			a, err = nil, fmt.Errorf("panic in backup client: %v", r)
		}
	}()
	a, err = c.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if a == nil || a.Name == "" {
		return nil, fmt.Errorf("%s client returned no artifact", c.Name())
	}
	return a, nil
}

func (o *Orchestrator) writeAll(ctx context.Context, artifact *backup.Artifact, log zerolog.Logger) []history.SinkResult {
	results := make([]history.SinkResult, len(o.cfg.Sinks))
	var g errgroup.Group
	for i, sink := range o.cfg.Sinks {
		i, sink := i, sink
		g.Go(func() error {
			results[i] = o.writeSink(ctx, sink, artifact, log)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) writeSink(ctx context.Context, sink storage.Store, artifact *backup.Artifact, log zerolog.Logger) history.SinkResult {
	slog := log.With().Str("sink", sink.Name()).Logger()
	out := history.SinkResult{Name: sink.Name(), Type: sink.Type()}

	// Once the artifact is stored, later attempts only repeat the retention
	// sweep; the upload is never repeated.
	var put *storage.PutResult
	var firstEvictErr error
	attempts, err := retry(ctx, o.cfg.Retry, o.cfg.Sleeper, slog, "write", isWriteError,
		func(ctx context.Context) error {
			if put == nil {
				p, err := safePut(ctx, sink, artifact)
				if err != nil {
					return err
				}
				put = p
			} else {
				evictAgain(ctx, sink, put)
			}
			if put.EvictErr != nil {
				if firstEvictErr == nil {
					firstEvictErr = put.EvictErr
				}
				return evictError(sink, put.EvictErr)
			}
			return nil
		})
	out.Attempts = attempts
	if put == nil {
		out.Error = err.Error()
		return out
	}

	out.Evicted = len(put.Evicted)
	if err != nil {
		out.Error = fmt.Sprintf("stored %s but retention cleanup failed: %v", put.Descriptor.FileName, put.EvictErr)
		slog.Error().Err(put.EvictErr).Str("key", put.Descriptor.Key).Msg("Backup stored but sink is over its retention limit")
		return out
	}
	out.OK = true
	if firstEvictErr != nil {
		out.Warning = fmt.Sprintf("retention cleanup succeeded on retry: %v", firstEvictErr)
	}
	slog.Info().Str("key", put.Descriptor.Key).Int("evicted", out.Evicted).Msg("Backup stored")
	return out
}

// evictAgain repeats the retention sweep for a sink that reports its
// policy. Other sinks keep their original EvictErr.
func evictAgain(ctx context.Context, sink storage.Store, put *storage.PutResult) {
	pr, ok := sink.(storage.PolicyReporter)
	if !ok {
		return
	}
	evicted, err := storage.ApplyRetention(ctx, sink, pr.Policy())
	put.Evicted = append(put.Evicted, evicted...)
	put.EvictErr = err
}

// evictError is retryable only when the sweep can be repeated.
func evictError(sink storage.Store, err error) error {
	if _, ok := sink.(storage.PolicyReporter); ok {
		return &storage.WriteError{Sink: sink.Name(), Op: "evict", Err: err}
	}
	return fmt.Errorf("sink %s: evict: %v", sink.Name(), err)
}

func isWriteError(err error) bool {
	var we *storage.WriteError
	return errors.As(err, &we)
}

func safePut(ctx context.Context, s storage.Store, a *backup.Artifact) (p *storage.PutResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("panic in sink %s: %v", s.Name(), r)
		}
	}()
	p, err = s.Put(ctx, a)
	if err == nil && p == nil {
		p = &storage.PutResult{}
	}
	return p, err
}

func (o *Orchestrator) aggregate(res *Result) {
	total := len(res.Sinks)
	var ok int
	var failed []string
	for _, s := range res.Sinks {
		if s.OK {
			ok++
		} else {
			failed = append(failed, s.Name)
		}
	}

	switch {
	case total == 0:
		res.Outcome = history.OutcomeFailure
		res.Message = "no sinks configured"
	case ok == total:
		res.Outcome = history.OutcomeSuccess
		res.Message = fmt.Sprintf("backup stored in %d/%d sink(s)", ok, total)
	case ok > 0 && o.cfg.Aggregation == AggregateAny:
		res.Outcome = history.OutcomePartial
		res.Message = fmt.Sprintf("backup stored in %d/%d sink(s); failed: %s", ok, total, strings.Join(failed, ", "))
	case ok > 0:
		res.Outcome = history.OutcomeFailure
		res.Message = fmt.Sprintf("backup stored in %d/%d sink(s) but every sink is required; failed: %s", ok, total, strings.Join(failed, ", "))
	default:
		res.Outcome = history.OutcomeFailure
		res.Message = fmt.Sprintf("backup could not be stored in any sink; failed: %s", strings.Join(failed, ", "))
	}
	res.Success = res.Outcome != history.OutcomeFailure
}

// finish records the result in hist, notifies and publishes the terminal
// state. It runs on a context detached from the run so a timed-out run is
// still recorded.
func (o *Orchestrator) finish(ctx context.Context, res *Result, log zerolog.Logger, hist *history.Log,
	format func(history.Record, notify.Target) notify.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	rec := res.Record()
	if err := hist.Append(ctx, rec); err != nil {
		log.Error().Err(err).Msg("Failed to save history")
	}

	if o.cfg.Notify {
		msg := format(rec, o.target())
		if err := o.cfg.Notifier.Notify(ctx, msg); err != nil {
			log.Error().Err(err).Msg("Failed to send notification")
		}
	}

	ev := log.Info()
	if !res.Success {
		ev = log.Error()
	}
	ev.Str("outcome", string(res.Outcome)).Int("fetchAttempts", res.FetchAttempts).
		Dur("elapsed", res.FinishedAt.Sub(res.StartedAt)).Msg(res.Message)

	final := StateFailed
	switch res.Outcome {
	case history.OutcomeSuccess:
		final = StateSuccess
	case history.OutcomePartial:
		final = StatePartialSuccess
	}
	snapshot := *res
	o.setState(final, &snapshot)
	o.setState(StateIdle, nil)
}

func (o *Orchestrator) target() notify.Target {
	return notify.Target{Job: o.cfg.Job, Label: o.cfg.Label, Address: o.cfg.Address}
}

// ClearHistory drops every backup history record and returns how many were
// removed.
func (o *Orchestrator) ClearHistory(ctx context.Context) (int, error) {
	n := o.cfg.History.Len()
	if err := o.cfg.History.Clear(ctx); err != nil {
		return 0, err
	}
	o.cfg.Logger.Info().Str("job", o.cfg.Job).Int("removed", n).Msg("Backup history cleared")

	if o.cfg.Notify {
		if err := o.cfg.Notifier.Notify(ctx, notify.FormatCleared(o.target(), n, o.cfg.Now())); err != nil {
			o.cfg.Logger.Error().Err(err).Str("job", o.cfg.Job).Msg("Failed to send notification")
		}
	}
	return n, nil
}
