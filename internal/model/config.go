package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	DriverSimulated = "simulated"
	DriverCommand   = "command"

	DefaultListen   = ":8080"
	DefaultDatabase = "etfd.db"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int       `json:"version" yaml:"version"` // fixed 0 for now
	Service   Service   `json:"service" yaml:"service"`
	Pool      Pool      `json:"pool" yaml:"pool"`
	Sweeper   Sweeper   `json:"sweeper" yaml:"sweeper"`
	Transient Transient `json:"transient" yaml:"transient"`
	Progress  Progress  `json:"progress" yaml:"progress"`
	Driver    Driver    `json:"driver" yaml:"driver"`
}

type Service struct {
	Listen   string  `json:"listen" yaml:"listen"`
	Database string  `json:"database" yaml:"database"`
	Verbose  bool    `json:"verbose" yaml:"verbose"`
	Reports  *string `json:"reports,omitempty" yaml:"reports,omitempty"` // directory for final results

	Repository *Repository `json:"repository,omitempty" yaml:"repository,omitempty"`
}

type Repository struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
}

// Pool sizes the worker pool. Zero values mean runtime.NumCPU().
type Pool struct {
	Size  int `json:"size" yaml:"size"`
	Queue int `json:"queue" yaml:"queue"`
}

type Sweeper struct {
	Duration string `json:"duration" yaml:"duration"`
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
}

type Transient struct {
	TTL string `json:"ttl" yaml:"ttl"`
}

type Progress struct {
	TerminalPause string `json:"terminal_pause" yaml:"terminal_pause"`
}

// Driver selects how test tasks are executed.
type Driver struct {
	Type     string   `json:"type" yaml:"type"` // "simulated" | "command"
	Path     string   `json:"path,omitempty" yaml:"path,omitempty"`
	Args     []string `json:"args" yaml:"args"`
	Timeout  string   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Steps    int      `json:"steps" yaml:"steps"`
	Interval string   `json:"interval" yaml:"interval"`
}

// Runtime holds the parsed form of the string based settings of Config.
type Runtime struct {
	PoolSize       int
	QueueLen       int
	SweepCron      string
	SweepEvery     time.Duration
	TransientTTL   time.Duration
	TerminalPause  time.Duration
	DriverTimeout  time.Duration
	DriverInterval time.Duration
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("etfd.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	if _, err := out.Runtime(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Service: Service{
			Listen:   DefaultListen,
			Database: DefaultDatabase,
		},
		Sweeper:   Sweeper{Duration: "PT7M30S"},
		Transient: Transient{TTL: "PT7M"},
		Progress:  Progress{TerminalPause: "PT1.5S"},
		Driver: Driver{
			Type:     DriverSimulated,
			Args:     []string{},
			Steps:    10,
			Interval: "PT1S",
		},
	}
}

// Runtime parses durations and applies the hardware concurrency defaults.
func (c Config) Runtime() (Runtime, error) {
	var errs []error
	duration := func(key, value string) time.Duration {
		if value == "" {
			return 0
		}
		d, err := ParseISODuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing %s: %w", key, err))
		}
		return d
	}

	rt := Runtime{
		PoolSize:       c.Pool.Size,
		QueueLen:       c.Pool.Queue,
		SweepCron:      c.Sweeper.Cron,
		SweepEvery:     duration("sweeper.duration", c.Sweeper.Duration),
		TransientTTL:   duration("transient.ttl", c.Transient.TTL),
		TerminalPause:  duration("progress.terminal_pause", c.Progress.TerminalPause),
		DriverTimeout:  duration("driver.timeout", c.Driver.Timeout),
		DriverInterval: duration("driver.interval", c.Driver.Interval),
	}
	if rt.PoolSize == 0 {
		rt.PoolSize = runtime.NumCPU()
	}
	if rt.QueueLen == 0 {
		rt.QueueLen = rt.PoolSize
	}
	if rt.SweepCron != "" {
		if _, err := ParseCron(rt.SweepCron); err != nil {
			errs = append(errs, fmt.Errorf("parsing sweeper.cron: %w", err))
		}
	} else if rt.SweepEvery <= 0 {
		errs = append(errs, errors.New("sweeper.duration must be positive"))
	}
	if rt.TransientTTL <= 0 {
		errs = append(errs, errors.New("transient.ttl must be positive"))
	}
	if c.Driver.Type == DriverCommand && c.Driver.Path == "" {
		errs = append(errs, errors.New("driver.path is required for the command driver"))
	}
	return rt, errors.Join(errs...)
}
