package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var allEnv = []string{
	envListenAddr, envStore, envDBPath, envRedisAddr, envLogLevel,
	envDispatchWorkers, envDispatchQueue, envTickWorkers, envStatusTimeout,
	envPollInterval, envPollersFile, envKubeconfig, envNamespace,
	envNuclioURL, envNuclioQPS, envNATSURL,
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allEnv {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := Config{
		ListenAddr:      defaultListenAddr,
		Store:           StoreSQLite,
		DBPath:          defaultDBPath,
		RedisAddr:       defaultRedisAddr,
		LogLevel:        slog.LevelInfo,
		DispatchWorkers: 8,
		DispatchQueue:   256,
		TickWorkers:     4,
		StatusTimeout:   10 * time.Second,
		PollInterval:    5 * time.Second,
		Namespace:       "default",
		NuclioQPS:       5,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envStore, "redis")
	t.Setenv(envRedisAddr, "cache:6379")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envTickWorkers, "2")
	t.Setenv(envStatusTimeout, "3s")
	t.Setenv(envNuclioURL, "http://nuclio:8070")
	t.Setenv(envNuclioQPS, "2.5")
	t.Setenv(envNATSURL, "nats://localhost:4222")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.Store != StoreRedis || cfg.RedisAddr != "cache:6379" {
		t.Errorf("Store = %q at %q", cfg.Store, cfg.RedisAddr)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.TickWorkers != 2 || cfg.StatusTimeout != 3*time.Second {
		t.Errorf("TickWorkers = %d, StatusTimeout = %v", cfg.TickWorkers, cfg.StatusTimeout)
	}
	if cfg.NuclioURL != "http://nuclio:8070" || cfg.NuclioQPS != 2.5 {
		t.Errorf("Nuclio = %q at %v qps", cfg.NuclioURL, cfg.NuclioQPS)
	}
	if cfg.NATSURL != "nats://localhost:4222" {
		t.Errorf("NATSURL = %q", cfg.NATSURL)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		env   string
		value string
	}{
		{envDispatchWorkers, "many"},
		{envDispatchQueue, "0"},
		{envStatusTimeout, "soon"},
		{envPollInterval, "-1s"},
		{envNuclioQPS, "fast"},
		{envStore, "postgres"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.env, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%q succeeded", tt.env, tt.value)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := ParseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")
	logger.Debug("hidden")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"5s", 5 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{"@every 10s", 10 * time.Second, false},
		{" @every 2m ", 2 * time.Minute, false},
		{"@hourly", 0, true},
		{"*/5 * * * *", 0, true},
		{"@every soon", 0, true},
		{"0s", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseInterval(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseInterval(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseInterval(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoadPollers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pollers.yaml")
	content := `
pollers:
  - name: batch
    kinds: [job, serving]
    interval: "@every 30s"
  - name: functions
    kinds: [nuclio]
    interval: 5s
    reschedule: false
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := LoadPollers(path)
	if err != nil {
		t.Fatalf("LoadPollers: %v", err)
	}
	want := []Poller{
		{Name: "batch", Kinds: []string{"job", "serving"}, Interval: 30 * time.Second, Reschedule: true},
		{Name: "functions", Kinds: []string{"nuclio"}, Interval: 5 * time.Second, Reschedule: false},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadPollers mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePollersErrors(t *testing.T) {
	tests := map[string]string{
		"missing name":  "pollers:\n  - kinds: [job]\n    interval: 1s\n",
		"missing kinds": "pollers:\n  - name: a\n    interval: 1s\n",
		"duplicate":     "pollers:\n  - {name: a, kinds: [job], interval: 1s}\n  - {name: a, kinds: [job], interval: 2s}\n",
		"calendar":      "pollers:\n  - {name: a, kinds: [job], interval: '@daily'}\n",
		"not yaml":      "pollers: [",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePollers([]byte(content))
			if err == nil {
				t.Fatal("expected error")
			}
			if name == "duplicate" && !strings.Contains(err.Error(), "duplicate") {
				t.Errorf("err = %v", err)
			}
		})
	}
}
