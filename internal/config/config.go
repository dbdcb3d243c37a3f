package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultState       = "state.db"
	DefaultListen      = ":8080"
	DefaultHistorySize = 100
	DefaultKeep        = 5
	DefaultRetryDelay  = 60 * time.Second
	DefaultRunTimeout  = 30 * time.Minute
	DefaultAggregation = "any"
)

// Config is the top-level configuration.
type Config struct {
	State       string       `yaml:"state"`       // SQLite file, or ":memory:"
	HistorySize int          `yaml:"historySize"` // records kept per job
	Listen      string       `yaml:"listen"`      // status API address for "serve"
	Jobs        []JobConfig  `yaml:"jobs"`
	Notify      NotifyConfig `yaml:"notify"`
}

// JobConfig configures one router to back up.
type JobConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // "openwrt", "ikuai"
	Enabled     *bool         `yaml:"enabled,omitempty"`
	Notify      bool          `yaml:"notify"`
	RunNow      bool          `yaml:"runNow"`
	Cron        string        `yaml:"cron"`
	Aggregation string        `yaml:"aggregation"` // "any", "all"
	RunTimeout  time.Duration `yaml:"runTimeout"`
	Connection  Connection    `yaml:"connection"`
	Retry       RetryConfig   `yaml:"retry"`
	Sinks       []SinkConfig  `yaml:"sinks"`

	// AllowRestore lets the restore command and API push a stored backup
	// back to the router.
	AllowRestore bool `yaml:"allowRestore"`

	// iKuai only
	DeleteAfterDownload bool `yaml:"deleteAfterDownload"`
}

type Connection struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RetryConfig applies to the fetch and to every sink write.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// SinkConfig defines one storage destination.
type SinkConfig struct {
	Name    string `yaml:"name,omitempty"` // optional display name; defaults to type
	Type    string `yaml:"type"`           // "local", "webdav", "s3"
	Enabled *bool  `yaml:"enabled,omitempty"`
	Keep    int    `yaml:"keep"`

	// Local and WebDAV
	Path string `yaml:"path,omitempty"`

	// WebDAV
	URL      string `yaml:"url,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// S3
	Bucket          string `yaml:"bucket,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"accessKeyId,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey,omitempty"`
	StorageClass    string `yaml:"storageClass,omitempty"`
}

type NotifyConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
}

type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// Parse reads the config file at path, expands ${VAR} references from the
// environment and applies defaults. It does not validate.
func Parse(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("error reading config file: %w", err)
	}
	return ParseBytes(data)
}

// ParseBytes is Parse for an in-memory document.
func ParseBytes(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} with its value. A bare $ is left alone so
// passwords containing one survive.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(os.Getenv(string(envRef.FindSubmatch(m)[1])))
	})
}

// Path resolves the config file path from (in order of priority):
// 1. ROUTERBACKUP_CONFIG environment variable
// 2. /config/config.yml (Docker default)
// 3. ./config.yml (local development fallback)
func Path() string {
	if v := os.Getenv("ROUTERBACKUP_CONFIG"); v != "" {
		return v
	}
	if _, err := os.Stat("/config/config.yml"); err == nil {
		return "/config/config.yml"
	}
	return "config.yml"
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.State == "" {
		c.State = DefaultState
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	for i := range c.Jobs {
		j := &c.Jobs[i]
		if j.Name == "" {
			j.Name = j.Type
		}
		if j.Aggregation == "" {
			j.Aggregation = DefaultAggregation
		}
		if j.RunTimeout <= 0 {
			j.RunTimeout = DefaultRunTimeout
		}
		if j.Retry.Attempts < 1 {
			j.Retry.Attempts = 1
		}
		if j.Retry.Delay <= 0 {
			j.Retry.Delay = DefaultRetryDelay
		}
		for k := range j.Sinks {
			if j.Sinks[k].Keep < 1 {
				j.Sinks[k].Keep = DefaultKeep
			}
		}
	}
}

// Validate reports every configuration problem it finds.
func (c Config) Validate() error {
	var errs []error
	seenJobs := map[string]bool{}
	for i, j := range c.Jobs {
		where := fmt.Sprintf("jobs[%d] (%s)", i, j.Name)
		switch j.Type {
		case "openwrt", "ikuai":
		case "":
			errs = append(errs, fmt.Errorf("%s: type is required", where))
		default:
			errs = append(errs, fmt.Errorf("%s: unsupported job type %q", where, j.Type))
		}
		if j.Name != "" {
			if seenJobs[j.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate job name %q", where, j.Name))
			}
			seenJobs[j.Name] = true
		}
		// A disabled job may be parked without credentials.
		if j.IsEnabled() {
			errs = append(errs, j.Connection.validate(where)...)
		}
		if j.Cron != "" {
			if _, err := cron.ParseStandard(j.Cron); err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid cron %q: %w", where, j.Cron, err))
			}
		}
		switch strings.ToLower(j.Aggregation) {
		case "", "any", "all":
		default:
			errs = append(errs, fmt.Errorf("%s: aggregation must be any or all, got %q", where, j.Aggregation))
		}

		enabledSinks := 0
		seenSinks := map[string]bool{}
		for k, s := range j.Sinks {
			swhere := fmt.Sprintf("%s sinks[%d]", where, k)
			errs = append(errs, s.validate(swhere)...)
			name := SinkName(s)
			if seenSinks[name] {
				errs = append(errs, fmt.Errorf("%s: duplicate sink name %q", swhere, name))
			}
			seenSinks[name] = true
			if s.IsEnabled() {
				enabledSinks++
			}
		}
		if j.IsEnabled() && enabledSinks == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one enabled sink is required", where))
		}
	}
	return errors.Join(errs...)
}

func (c Connection) validate(where string) []error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, fmt.Errorf("%s: connection.url is required", where))
	}
	if c.Username == "" {
		errs = append(errs, fmt.Errorf("%s: connection.username is required", where))
	}
	if c.Password == "" {
		errs = append(errs, fmt.Errorf("%s: connection.password is required", where))
	}
	return errs
}

func (s SinkConfig) validate(where string) []error {
	var errs []error
	switch s.Type {
	case "local":
		if s.Path == "" {
			errs = append(errs, fmt.Errorf("%s: path is required for local sinks", where))
		}
	case "webdav":
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("%s: url is required for webdav sinks", where))
		}
	case "s3":
		if s.Bucket == "" {
			errs = append(errs, fmt.Errorf("%s: bucket is required for s3 sinks", where))
		}
	case "":
		errs = append(errs, fmt.Errorf("%s: type is required", where))
	default:
		errs = append(errs, fmt.Errorf("%s: unsupported sink type %q", where, s.Type))
	}
	return errs
}

// IsEnabled reports whether the job is enabled; jobs are enabled unless
// explicitly disabled.
func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

// IsEnabled reports whether the sink is enabled; sinks are enabled unless
// explicitly disabled.
func (s SinkConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// FindJob returns the job with the given name.
func (c Config) FindJob(name string) (JobConfig, error) {
	var names []string
	for _, j := range c.Jobs {
		if j.Name == name {
			return j, nil
		}
		names = append(names, j.Name)
	}
	return JobConfig{}, fmt.Errorf("job %q not found in config (available: %s)", name, strings.Join(names, ", "))
}

// SinkName returns the effective name for a sink config entry.
// If a custom name is set it takes precedence; otherwise the type is used.
func SinkName(sc SinkConfig) string {
	if sc.Name != "" {
		return sc.Name
	}
	return sc.Type
}
