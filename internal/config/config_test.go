package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestLoadFullConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
log_level: debug
log_format: json
listen: 127.0.0.1:8585
shutdown_timeout: 2s
owner_appeared_retry_delay: 100ms
watches:
  - service: org.example.One
    path: /org/example/One
    interface: org.example.One
  - service: org.example.Two
    path: /org/example/Two
    interface: org.example.Two
`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if cfg.Listen != "127.0.0.1:8585" {
		t.Errorf("Listen = %q, want 127.0.0.1:8585", cfg.Listen)
	}
	if len(cfg.Watches) != 2 {
		t.Fatalf("Watches len = %d, want 2", len(cfg.Watches))
	}
	if cfg.Watches[0].Service != "org.example.One" || cfg.Watches[0].Path != "/org/example/One" || cfg.Watches[0].Interface != "org.example.One" {
		t.Errorf("Watches[0] = %+v", cfg.Watches[0])
	}
	if cfg.Watches[1].Service != "org.example.Two" {
		t.Errorf("Watches[1] = %+v", cfg.Watches[1])
	}
	if time.Duration(cfg.ShutdownTimeout) != 2*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 2s", time.Duration(cfg.ShutdownTimeout))
	}
	if time.Duration(cfg.OwnerAppearedRetryDelay) != 100*time.Millisecond {
		t.Errorf("OwnerAppearedRetryDelay = %v, want 100ms", time.Duration(cfg.OwnerAppearedRetryDelay))
	}
}

func TestLoadPartialConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
log_level: warn
`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if cfg.Listen != "" {
		t.Errorf("Listen = %q, want empty", cfg.Listen)
	}
	if len(cfg.Watches) != 0 {
		t.Errorf("Watches len = %d, want 0", len(cfg.Watches))
	}
	if cfg.ShutdownTimeout != 0 || cfg.OwnerAppearedRetryDelay != 0 {
		t.Errorf("expected zero-valued duration overrides, got %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load: expected nil error for missing file, got %v", err)
	}
	if cfg.Listen != "" || len(cfg.Watches) != 0 {
		t.Errorf("expected empty config, got %+v", cfg)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`{{{not yaml`), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestDurationUnmarshalYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
watches:
  - service: org.example.One
    path: /org/example/One
    interface: org.example.One
`), 0o644)

	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var wrapper struct {
		Delay Duration `yaml:"delay"`
	}
	if err := yaml.Unmarshal([]byte("delay: 250ms\n"), &wrapper); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if time.Duration(wrapper.Delay) != 250*time.Millisecond {
		t.Errorf("Delay = %v, want 250ms", time.Duration(wrapper.Delay))
	}
}

func TestDurationUnmarshalYAMLInvalid(t *testing.T) {
	var wrapper struct {
		Delay Duration `yaml:"delay"`
	}
	if err := yaml.Unmarshal([]byte("delay: not-a-duration\n"), &wrapper); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	got := DefaultPath()
	want := "/custom/config/propwatch/config.yaml"
	if got != want {
		t.Errorf("DefaultPath() = %q, want %q", got, want)
	}
}
