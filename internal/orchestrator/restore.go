package orchestrator

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"routerbackup/internal/backup"
	"routerbackup/internal/history"
	"routerbackup/internal/notify"
	"routerbackup/internal/storage"
)

// RestoreRequest selects the artifact to push back to the backend. An
// empty Sink means the job's first sink; an empty File means the newest
// artifact in that sink.
type RestoreRequest struct {
	Sink string `json:"sink,omitempty"`
	File string `json:"file,omitempty"`
}

// Restore pushes a stored artifact to the backend. It shares the run lock
// with Run, so a restore never overlaps a backup. Besides ErrRunInProgress
// it returns ErrRestoreDisabled and ErrUnknownSink; every other failure is
// reported in the Result and recorded in the restore history.
func (o *Orchestrator) Restore(ctx context.Context, trigger Trigger, req RestoreRequest) (Result, error) {
	sink, err := o.restoreSink(req.Sink)
	if err != nil {
		return Result{}, err
	}
	if !o.runMu.TryLock() {
		return Result{}, ErrRunInProgress
	}
	defer o.runMu.Unlock()
	return o.restore(ctx, trigger, sink, req.File), nil
}

// StartRestore is the background form of Restore.
func (o *Orchestrator) StartRestore(ctx context.Context, trigger Trigger, req RestoreRequest) (<-chan Result, error) {
	sink, err := o.restoreSink(req.Sink)
	if err != nil {
		return nil, err
	}
	if !o.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	done := make(chan Result, 1)
	go func() {
		res := o.restore(ctx, trigger, sink, req.File)
		o.runMu.Unlock()
		done <- res
	}()
	return done, nil
}

func (o *Orchestrator) restoreSink(name string) (storage.Store, error) {
	if !o.cfg.AllowRestore {
		return nil, ErrRestoreDisabled
	}
	for _, s := range o.cfg.Sinks {
		if name == "" || s.Name() == name {
			return s, nil
		}
	}
	if name == "" {
		return nil, fmt.Errorf("%w: job has no sinks", ErrUnknownSink)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSink, name)
}

func (o *Orchestrator) restore(ctx context.Context, trigger Trigger, sink storage.Store, file string) Result {
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
	log := o.cfg.Logger.With().Str("job", o.cfg.Job).Str("restore", res.ID).Str("sink", sink.Name()).Logger()
	log.Info().Str("trigger", string(trigger)).Str("file", file).Msg("Starting restore")

	o.setState(StateRestoring, nil)
	src := history.SinkResult{Name: sink.Name(), Type: sink.Type(), Attempts: 1}
	if err := o.restoreFrom(ctx, sink, file, &res, log); err != nil {
		res.Outcome = history.OutcomeFailure
		res.Message = fmt.Sprintf("restore failed: %v", err)
		src.Error = err.Error()
	} else {
		res.Outcome = history.OutcomeSuccess
		res.Message = fmt.Sprintf("%s restored from %s", res.Artifact, sink.Name())
		src.OK = true
	}
	res.Success = res.Outcome == history.OutcomeSuccess
	res.Sinks = []history.SinkResult{src}
	res.FinishedAt = o.cfg.Now()

	o.finish(ctx, &res, log, o.cfg.RestoreHistory, notify.FormatRestore)
	return res
}

func (o *Orchestrator) restoreFrom(ctx context.Context, sink storage.Store, file string, res *Result, log zerolog.Logger) error {
	d, err := storage.Find(ctx, sink, file)
	if err != nil {
		return err
	}
	res.Artifact = d.FileName
	res.Size = d.Size

	rc, err := sink.Open(ctx, d)
	if err != nil {
		return err
	}
	defer rc.Close()

	log.Info().Str("file", d.FileName).Int64("bytes", d.Size).Msg("Uploading backup to router")
	return safeRestore(ctx, o.cfg.Client, d.FileName, rc)
}

func safeRestore(ctx context.Context, c backup.Client, name string, r io.Reader) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in backup client: %v", rec)
		}
	}()
	return c.Restore(ctx, name, r)
}
