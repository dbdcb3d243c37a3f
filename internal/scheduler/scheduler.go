// Package scheduler triggers job runs from cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"routerbackup/internal/orchestrator"
)

// Runner is the part of an orchestrator the scheduler drives.
type Runner interface {
	Job() string
	Run(ctx context.Context, trigger orchestrator.Trigger) (orchestrator.Result, error)
}

type entry struct {
	id     cron.EntryID
	spec   string
	runNow bool
	runner Runner
}

// Scheduler owns a cron instance with one entry per job.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]*entry
	wg      sync.WaitGroup
}

// New creates a scheduler using the local time zone.
func New(logger zerolog.Logger) *Scheduler {
	cl := cronLogger{log: logger.With().Str("component", "cron").Logger()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		log:     logger,
		ctx:     context.Background(),
		entries: make(map[string]*entry),
	}
}

// Validate checks a standard five-field cron expression.
func Validate(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return nil
}

// Add registers r. An empty spec registers no timer, which is useful for
// run-now-only jobs. runNow triggers one run when the scheduler starts.
func (s *Scheduler) Add(spec string, runNow bool, r Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.entries[r.Job()]; dup {
		return fmt.Errorf("job %q already scheduled", r.Job())
	}
	e := &entry{spec: spec, runNow: runNow, runner: r}
	if spec != "" {
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return fmt.Errorf("invalid cron expression %q for job %s: %w", spec, r.Job(), err)
		}
		e.id = s.cron.Schedule(sched, cron.FuncJob(func() {
			s.trigger(r, orchestrator.TriggerSchedule)
		}))
	}
	s.entries[r.Job()] = e
	s.log.Info().Str("job", r.Job()).Str("cron", spec).Bool("runNow", runNow).Msg("Job scheduled")
	return nil
}

// Start starts the cron loop and fires run-now jobs. Runs use ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	var immediate []Runner
	for _, e := range s.entries {
		if e.runNow {
			immediate = append(immediate, e.runner)
		}
	}
	s.mu.Unlock()

	s.cron.Start()
	for _, r := range immediate {
		r := r
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.trigger(r, orchestrator.TriggerStartup)
		}()
	}
}

// Stop stops the timers and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// Next returns the next scheduled run of job, or the zero time.
func (s *Scheduler) Next(job string) time.Time {
	s.mu.Lock()
	e, ok := s.entries[job]
	s.mu.Unlock()
	if !ok || e.spec == "" {
		return time.Time{}
	}
	return s.cron.Entry(e.id).Next
}

func (s *Scheduler) trigger(r Runner, trigger orchestrator.Trigger) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	log := s.log.With().Str("job", r.Job()).Str("trigger", string(trigger)).Logger()
	res, err := r.Run(ctx, trigger)
	if errors.Is(err, orchestrator.ErrRunInProgress) {
		log.Warn().Msg("Previous run still in progress, skipping")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Run failed")
		return
	}
	log.Debug().Str("outcome", string(res.Outcome)).Msg("Scheduled run finished")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
