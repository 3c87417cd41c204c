package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "subflow.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg != Default() {
		t.Fatalf("got %+v", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	p := writeFile(t, `
addr: ":9090"
db: /tmp/x.db
workers: 3
poll: 1s
cron_tick: 5s
dispatch_rate: 2.5
retry:
  initial: 2s
  max: 1m
log:
  level: debug
  format: json
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9090" || cfg.DBPath != "/tmp/x.db" || cfg.Workers != 3 {
		t.Fatalf("got %+v", cfg)
	}
	if cfg.Poll != time.Second || cfg.CronTick != 5*time.Second {
		t.Fatalf("durations: %+v", cfg)
	}
	if cfg.RetryInitial != 2*time.Second || cfg.RetryMax != time.Minute {
		t.Fatalf("retry: %+v", cfg)
	}
	if cfg.DispatchRate != 2.5 || cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Fatalf("got %+v", cfg)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg != Default() {
		t.Fatalf("got %+v", cfg)
	}
}

func TestLoadRejects(t *testing.T) {
	for name, body := range map[string]string{
		"unknown field":  "nope: 1\n",
		"bad duration":   "poll: soon\n",
		"negative":       "poll: -1s\n",
		"inverted retry": "retry:\n  initial: 10m\n  max: 1m\n",
		"bad log format": "log:\n  format: xml\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
