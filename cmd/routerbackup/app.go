package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"routerbackup/internal/backup"
	"routerbackup/internal/config"
	"routerbackup/internal/history"
	"routerbackup/internal/ikuai"
	"routerbackup/internal/notify"
	"routerbackup/internal/openwrt"
	"routerbackup/internal/orchestrator"
	"routerbackup/internal/state"
	"routerbackup/internal/storage"
	"routerbackup/internal/storage/local"
	s3store "routerbackup/internal/storage/s3"
	"routerbackup/internal/storage/webdav"
)

// app holds everything built from one config.
type app struct {
	cfg   config.Config
	jobs  []*job
	close func() error
}

type job struct {
	cfg  config.JobConfig
	orch *orchestrator.Orchestrator
}

// newApp opens the state store and builds one orchestrator per configured
// job, disabled ones included so their history and artifacts stay
// browsable.
func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	st, closeState, err := state.Open(ctx, cfg.State)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	notifier := buildNotifier(cfg.Notify, logger)
	a := &app{cfg: cfg, close: closeState}
	for _, jc := range cfg.Jobs {
		o, err := buildJob(ctx, jc, st, cfg.HistorySize, notifier, logger)
		if err != nil {
			_ = closeState()
			return nil, fmt.Errorf("job %s: %w", jc.Name, err)
		}
		a.jobs = append(a.jobs, &job{cfg: jc, orch: o})
	}
	return a, nil
}

func (a *app) find(name string) (*job, error) {
	var names []string
	for _, j := range a.jobs {
		if j.cfg.Name == name {
			return j, nil
		}
		names = append(names, j.cfg.Name)
	}
	return nil, fmt.Errorf("job %q not found (available: %s)", name, strings.Join(names, ", "))
}

// runnable is find restricted to enabled jobs.
func (a *app) runnable(name string) (*job, error) {
	j, err := a.find(name)
	if err != nil {
		return nil, err
	}
	if !j.cfg.IsEnabled() {
		return nil, fmt.Errorf("job %q is disabled", name)
	}
	return j, nil
}

func (a *app) enabled() []*job {
	var out []*job
	for _, j := range a.jobs {
		if j.cfg.IsEnabled() {
			out = append(out, j)
		}
	}
	return out
}

func buildJob(ctx context.Context, jc config.JobConfig, st state.Store, historySize int, notifier notify.Notifier, logger zerolog.Logger) (*orchestrator.Orchestrator, error) {
	logger = logger.With().Str("job", jc.Name).Logger()

	client, err := buildClient(jc, logger)
	if err != nil {
		if jc.IsEnabled() {
			return nil, err
		}
		client = disabledClient{kind: jc.Type, err: fmt.Errorf("job %s is disabled: %w", jc.Name, err)}
	}
	sinks, err := buildSinks(ctx, jc)
	if err != nil {
		return nil, err
	}
	agg, err := orchestrator.ParseAggregation(jc.Aggregation)
	if err != nil {
		return nil, err
	}

	hist := history.New(st, history.KeyFor(jc.Name), historySize)
	if err := hist.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to load history, starting empty")
	}
	restores := history.New(st, history.RestoreKeyFor(jc.Name), history.DefaultRestoreCapacity)
	if err := restores.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to load restore history, starting empty")
	}

	return orchestrator.New(orchestrator.Config{
		Job:         jc.Name,
		Label:       label(jc),
		Address:     jc.Connection.URL,
		Client:      client,
		Sinks:       sinks,
		Retry:       orchestrator.RetryPolicy{Attempts: jc.Retry.Attempts, Delay: jc.Retry.Delay},
		Aggregation: agg,
		RunTimeout:  jc.RunTimeout,
		History:     hist,
		Notifier:    notifier,
		Notify:      jc.Notify,
		Logger:      logger,

		AllowRestore:   jc.AllowRestore,
		RestoreHistory: restores,
	}), nil
}

// disabledClient stands in for a disabled job whose connection settings
// are incomplete. runnable keeps it from being called.
type disabledClient struct {
	kind string
	err  error
}

func (c disabledClient) Name() string { return c.kind }

func (c disabledClient) Fetch(context.Context) (*backup.Artifact, error) { return nil, c.err }

func (c disabledClient) Restore(context.Context, string, io.Reader) error { return c.err }

func buildClient(jc config.JobConfig, logger zerolog.Logger) (backup.Client, error) {
	c := jc.Connection
	switch jc.Type {
	case "openwrt":
		return openwrt.NewClient(c.URL, c.Username, c.Password, logger)
	case "ikuai":
		client, err := ikuai.NewClient(c.URL, c.Username, c.Password, logger)
		if err != nil {
			return nil, err
		}
		client.DeleteAfterDownload = jc.DeleteAfterDownload
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported job type: %s", jc.Type)
	}
}

// nameFilter matches the filenames a job's client produces, so retention
// never touches foreign files in a shared directory.
func nameFilter(jobType string) storage.NameFilter {
	switch jobType {
	case "openwrt":
		return storage.NameFilter{Prefix: "backup_", Suffix: ".tar.gz"}
	case "ikuai":
		return storage.NameFilter{Suffix: ".bak"}
	default:
		return storage.NameFilter{}
	}
}

type namedStore interface {
	storage.Store
	SetName(string)
}

func buildSinks(ctx context.Context, jc config.JobConfig) ([]storage.Store, error) {
	filter := nameFilter(jc.Type)
	var sinks []storage.Store
	for _, sc := range jc.Sinks {
		if !sc.IsEnabled() {
			continue
		}
		policy := storage.RetentionPolicy{MaxCount: sc.Keep}

		var s namedStore
		switch sc.Type {
		case "local":
			s = local.New(sc.Path, policy, filter)
		case "webdav":
			w, err := webdav.New(webdav.Config{
				URL:      sc.URL,
				Username: sc.Username,
				Password: sc.Password,
				Path:     sc.Path,
			}, policy, filter)
			if err != nil {
				return nil, fmt.Errorf("failed to create webdav sink: %w", err)
			}
			s = w
		case "s3":
			st, err := s3store.New(ctx, s3store.Config{
				Bucket:          sc.Bucket,
				Prefix:          sc.Prefix,
				Region:          sc.Region,
				Endpoint:        sc.Endpoint,
				AccessKeyID:     sc.AccessKeyID,
				SecretAccessKey: sc.SecretAccessKey,
				StorageClass:    sc.StorageClass,
			}, jc.Name, policy, filter)
			if err != nil {
				return nil, fmt.Errorf("failed to create s3 sink: %w", err)
			}
			s = st
		default:
			return nil, fmt.Errorf("unsupported sink type: %s", sc.Type)
		}
		s.SetName(config.SinkName(sc))
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func buildNotifier(nc config.NotifyConfig, logger zerolog.Logger) notify.Notifier {
	n := notify.Multi{notify.LogNotifier{Logger: logger.With().Str("component", "notify").Logger()}}
	if nc.Webhook.URL != "" {
		n = append(n, notify.NewWebhook(nc.Webhook.URL, nc.Webhook.Headers))
	}
	return n
}

func label(jc config.JobConfig) string {
	var kind string
	switch jc.Type {
	case "openwrt":
		kind = "OpenWrt"
	case "ikuai":
		kind = "iKuai"
	default:
		kind = jc.Type
	}
	if jc.Name != "" && jc.Name != jc.Type {
		return fmt.Sprintf("%s backup (%s)", kind, jc.Name)
	}
	return kind + " backup"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
