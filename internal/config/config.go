package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// File is the on-disk YAML layout. Durations are Go duration strings.
type File struct {
	Addr         string  `yaml:"addr"`
	DB           string  `yaml:"db"`
	WorkerID     string  `yaml:"worker_id"`
	Workers      int     `yaml:"workers"`
	Poll         string  `yaml:"poll"`
	CronTick     string  `yaml:"cron_tick"`
	DispatchRate float64 `yaml:"dispatch_rate"`
	Retry        struct {
		Initial string `yaml:"initial"`
		Max     string `yaml:"max"`
	} `yaml:"retry"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Debug bool `yaml:"debug"`
}

type Config struct {
	Addr         string
	DBPath       string
	WorkerID     string
	Workers      int
	Poll         time.Duration
	CronTick     time.Duration
	DispatchRate float64 // tasks per second; 0 means unlimited
	RetryInitial time.Duration
	RetryMax     time.Duration
	LogLevel     string
	LogFormat    string // console or json
	Debug        bool
}

func Default() Config {
	return Config{
		Addr:         ":8080",
		DBPath:       "subflow.db",
		Workers:      8,
		Poll:         250 * time.Millisecond,
		CronTick:     time.Second,
		RetryInitial: time.Second,
		RetryMax:     5 * time.Minute,
		LogLevel:     "info",
		LogFormat:    "console",
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg.merge(f)
}

func (c Config) merge(f File) (Config, error) {
	if f.Addr != "" {
		c.Addr = f.Addr
	}
	if f.DB != "" {
		c.DBPath = f.DB
	}
	if f.WorkerID != "" {
		c.WorkerID = f.WorkerID
	}
	if f.Workers > 0 {
		c.Workers = f.Workers
	}
	if f.DispatchRate > 0 {
		c.DispatchRate = f.DispatchRate
	}
	var err error
	if c.Poll, err = ParseDurationOrDefault("poll", f.Poll, c.Poll); err != nil {
		return c, err
	}
	if c.CronTick, err = ParseDurationOrDefault("cron_tick", f.CronTick, c.CronTick); err != nil {
		return c, err
	}
	if c.RetryInitial, err = ParseDurationOrDefault("retry.initial", f.Retry.Initial, c.RetryInitial); err != nil {
		return c, err
	}
	if c.RetryMax, err = ParseDurationOrDefault("retry.max", f.Retry.Max, c.RetryMax); err != nil {
		return c, err
	}
	if f.Log.Level != "" {
		c.LogLevel = f.Log.Level
	}
	if f.Log.Format != "" {
		c.LogFormat = f.Log.Format
	}
	c.Debug = c.Debug || f.Debug
	return c, c.Validate()
}

func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	if c.RetryMax > 0 && c.RetryInitial > c.RetryMax {
		return fmt.Errorf("retry.initial (%s) exceeds retry.max (%s)", c.RetryInitial, c.RetryMax)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.LogFormat)
	}
	return nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
