package config

import (
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// AllWorkers is the pseudo task type whose properties apply to every worker.
const AllWorkers = "all"

const envPrefix = "FALCON_WORKER_"

// Property names, as used in YAML and (upper-cased) in env keys.
const (
	PropPollInterval = "poll_interval"
	PropPaused       = "paused"
	PropDomain       = "domain"
	PropThreadCount  = "thread_count" // read once at startup
)

// WorkerProps are the overridable properties of one worker. A nil field is
// not set at this level.
type WorkerProps struct {
	PollInterval *time.Duration `yaml:"poll_interval"`
	Paused       *bool          `yaml:"paused"`
	Domain       *string        `yaml:"domain"`
	ThreadCount  *int           `yaml:"thread_count"`
}

// Settings is the effective configuration of a worker for one cycle.
//
// PollInterval, Paused and Domain are resolved on every cycle.
// ThreadCount sizes the worker's pool and is read once when the runner is
// created; a later change can only lower the batch poll count.
type Settings struct {
	PollInterval time.Duration
	Paused       bool
	Domain       string
	ThreadCount  int
}

// Defaults is what a worker declares for itself at registration.
type Defaults interface {
	TaskType() string
	PollInterval() time.Duration
	Paused() bool
	Domain() string
	ThreadBudget() int
}

// Overrides resolves worker settings from config and the environment.
//
// Precedence per property:
//
//	FALCON_WORKER_<TYPE>_<PROP>  >  workers.<type>.<prop>
//	  >  FALCON_WORKER_ALL_<PROP>  >  workers.all.<prop>
//	  >  the worker's own value
//
// The environment is read on every Resolve, so operators can pause a worker
// or change its interval without a restart.
type Overrides struct {
	file   map[string]WorkerProps
	lookup func(string) (string, bool)
	logger *slog.Logger
}

// NewOverrides creates an Overrides view. lookup is usually os.LookupEnv.
func NewOverrides(file map[string]WorkerProps, lookup func(string) (string, bool)) *Overrides {
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	return &Overrides{file: file, lookup: lookup, logger: slog.Default().With("component", "config")}
}

// Resolve returns the effective settings for w.
func (o *Overrides) Resolve(w Defaults) Settings {
	s := Settings{
		PollInterval: w.PollInterval(),
		Paused:       w.Paused(),
		Domain:       w.Domain(),
		ThreadCount:  w.ThreadBudget(),
	}
	if o == nil {
		return s
	}

	// lowest precedence first
	o.applyFile(&s, AllWorkers)
	o.applyEnv(&s, AllWorkers)
	o.applyFile(&s, w.TaskType())
	o.applyEnv(&s, w.TaskType())
	return s
}

func (o *Overrides) applyFile(s *Settings, taskType string) {
	p, ok := o.file[taskType]
	if !ok {
		return
	}
	if p.PollInterval != nil && *p.PollInterval > 0 {
		s.PollInterval = *p.PollInterval
	}
	if p.Paused != nil {
		s.Paused = *p.Paused
	}
	if p.Domain != nil {
		s.Domain = *p.Domain
	}
	if p.ThreadCount != nil && *p.ThreadCount > 0 {
		s.ThreadCount = *p.ThreadCount
	}
}

func (o *Overrides) applyEnv(s *Settings, taskType string) {
	if v, ok := o.env(taskType, PropPollInterval); ok {
		if d, err := parseInterval(v); err == nil && d > 0 {
			s.PollInterval = d
		} else {
			o.invalid(taskType, PropPollInterval, v)
		}
	}
	if v, ok := o.env(taskType, PropPaused); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			s.Paused = b
		} else {
			o.invalid(taskType, PropPaused, v)
		}
	}
	if v, ok := o.env(taskType, PropDomain); ok {
		s.Domain = v
	}
	if v, ok := o.env(taskType, PropThreadCount); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.ThreadCount = n
		} else {
			o.invalid(taskType, PropThreadCount, v)
		}
	}
}

func (o *Overrides) env(taskType, prop string) (string, bool) {
	v, ok := o.lookup(EnvKey(taskType, prop))
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (o *Overrides) invalid(taskType, prop, value string) {
	o.logger.Warn("ignoring invalid worker override",
		"key", EnvKey(taskType, prop), "value", value)
}

// EnvKey returns the environment variable for a worker property, e.g.
// EnvKey("image-resize", "poll_interval") == "FALCON_WORKER_IMAGE_RESIZE_POLL_INTERVAL".
func EnvKey(taskType, prop string) string {
	return envPrefix + envToken(taskType) + "_" + envToken(prop)
}

func envToken(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, s)
}
