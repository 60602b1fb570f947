package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParse_FullConfig(t *testing.T) {
	data := []byte(`
listen: "0.0.0.0:9000"
store:
  path: /var/lib/retrace/retrace.db
chrome:
  host: chrome.internal
  port: 9223
replay:
  speed_multiplier: 2
  stop_on_error: true
  max_retries: 5
  retry_backoff: 250ms
  min_confidence: 0.6
  quiet_window: 300ms
`)

	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("expected listen override, got %q", cfg.Listen)
	}
	if cfg.Chrome.Port != 9223 {
		t.Errorf("expected chrome port 9223, got %d", cfg.Chrome.Port)
	}
	if cfg.Replay.RetryBackoff != 250*time.Millisecond {
		t.Errorf("expected 250ms backoff, got %v", cfg.Replay.RetryBackoff)
	}

	opts := cfg.Options()
	if opts.SpeedMultiplier != 2 || !opts.StopOnError || opts.MaxRetries != 5 {
		t.Errorf("unexpected options: %+v", opts)
	}
	if opts.QuietWindow != 300*time.Millisecond {
		t.Errorf("expected 300ms quiet window, got %v", opts.QuietWindow)
	}
}

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if cfg.Listen != "127.0.0.1:8077" {
		t.Errorf("expected default listen, got %q", cfg.Listen)
	}
	if cfg.Chrome.Host != "localhost" || cfg.Chrome.Port != 9222 {
		t.Errorf("expected default chrome endpoint, got %s:%d", cfg.Chrome.Host, cfg.Chrome.Port)
	}
	if cfg.Replay.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", cfg.Replay.MaxRetries)
	}
	if cfg.Replay.MinConfidence != 0.4 {
		t.Errorf("expected default min confidence 0.4, got %v", cfg.Replay.MinConfidence)
	}
}

func TestParse_ExplicitZerosSurvive(t *testing.T) {
	data := []byte(`
replay:
  max_retries: 0
  min_confidence: 0
  retry_backoff: 0s
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if cfg.Replay.MaxRetries != 0 {
		t.Errorf("explicit max_retries 0 became %d", cfg.Replay.MaxRetries)
	}
	if cfg.Replay.MinConfidence != 0 {
		t.Errorf("explicit min_confidence 0 became %v", cfg.Replay.MinConfidence)
	}
	if cfg.Replay.RetryBackoff != 0 {
		t.Errorf("explicit retry_backoff 0 became %v", cfg.Replay.RetryBackoff)
	}
	// Untouched keys still get their defaults.
	if cfg.Replay.SpeedMultiplier != 1 {
		t.Errorf("expected default speed multiplier, got %v", cfg.Replay.SpeedMultiplier)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"negative speed", "replay:\n  speed_multiplier: -1\n"},
		{"negative retries", "replay:\n  max_retries: -2\n"},
		{"confidence above one", "replay:\n  min_confidence: 1.5\n"},
		{"bad port", "chrome:\n  port: 99999\n"},
		{"malformed yaml", "listen: [unterminated\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("expected defaults for missing file, got: %v", err)
	}
	if cfg.Store.Path != "retrace.db" {
		t.Errorf("expected default store path, got %q", cfg.Store.Path)
	}
}

func TestLoad_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retrace.yaml")
	if err := os.WriteFile(path, []byte("listen: \"127.0.0.1:7000\"\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:7000" {
		t.Errorf("expected file value, got %q", cfg.Listen)
	}
}
