package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Permission.PollInterval.Std() != 500*time.Millisecond {
		t.Errorf("expected permission poll 500ms, got %s", cfg.Permission.PollInterval)
	}
	if cfg.Layout.PollInterval.Std() != time.Second {
		t.Errorf("expected layout poll 1s, got %s", cfg.Layout.PollInterval)
	}
	if cfg.Remap.Enabled {
		t.Error("remap should be disabled by default")
	}
	if cfg.IPC.Enabled || cfg.Web.Enabled {
		t.Error("feeds should be disabled by default")
	}
	if !strings.HasSuffix(cfg.IPC.SocketPath, "keyvisd.sock") {
		t.Errorf("unexpected socket path: %s", cfg.IPC.SocketPath)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("KEYVIS_CONFIG_DIR", "/etc/keyvis-test")
	path := ConfigPath()
	if path != filepath.Join("/etc/keyvis-test", "config.toml") {
		t.Errorf("unexpected config path: %s", path)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tap.EventBuffer != 1024 {
		t.Errorf("expected default event buffer, got %d", cfg.Tap.EventBuffer)
	}
}

func TestLoadValidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
version = 1

[permission]
poll_interval = "250ms"
prompt = false

[remap]
enabled = true

[tap]
event_buffer = 256

[logging]
level = "debug"
format = "json"
audit_file = "/tmp/keyvis-audit.log"

[web]
enabled = true
listen_addr = "127.0.0.1:9000"
allowed_origins = ["http://localhost:3000"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Permission.PollInterval.Std() != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %s", cfg.Permission.PollInterval)
	}
	if cfg.Permission.Prompt {
		t.Error("expected prompt disabled")
	}
	if !cfg.Remap.Enabled {
		t.Error("expected remap enabled")
	}
	if cfg.Tap.EventBuffer != 256 {
		t.Errorf("expected event buffer 256, got %d", cfg.Tap.EventBuffer)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging: %+v", cfg.Logging)
	}
	if cfg.Logging.AuditFile != "/tmp/keyvis-audit.log" {
		t.Errorf("unexpected audit file: %q", cfg.Logging.AuditFile)
	}
	if !slices.Equal(cfg.Web.AllowedOrigins, []string{"http://localhost:3000"}) {
		t.Errorf("unexpected origins: %v", cfg.Web.AllowedOrigins)
	}

	// Unset sections keep their defaults.
	if cfg.Layout.PollInterval.Std() != time.Second {
		t.Errorf("expected default layout poll, got %s", cfg.Layout.PollInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("config should validate: %v", err)
	}
}

func TestLoadYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	yamlContent := "remap:\n  enabled: true\ntap:\n  self_check_delay: 2s\n"
	if err := os.WriteFile(yamlPath, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("Load yaml failed: %v", err)
	}
	if !cfg.Remap.Enabled || cfg.Tap.SelfCheckDelay.Std() != 2*time.Second {
		t.Errorf("unexpected yaml config: %+v %+v", cfg.Remap, cfg.Tap)
	}

	jsonPath := filepath.Join(dir, "config.json")
	jsonContent := `{"layout": {"poll_interval": "3s"}}`
	if err := os.WriteFile(jsonPath, []byte(jsonContent), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(jsonPath)
	if err != nil {
		t.Fatalf("Load json failed: %v", err)
	}
	if cfg.Layout.PollInterval.Std() != 3*time.Second {
		t.Errorf("expected 3s, got %s", cfg.Layout.PollInterval)
	}
}

func TestLoadAutoDetect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyvis.conf")
	if err := os.WriteFile(path, []byte(`{"remap": {"enabled": true}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Remap.Enabled {
		t.Error("expected remap enabled from auto-detected JSON")
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[permission\npoll_interval = "), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[layout]\npoll_interval = \"soon\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KEYVIS_REMAP_ENABLED", "true")
	t.Setenv("KEYVIS_LOG_LEVEL", "DEBUG")
	t.Setenv("KEYVIS_LOG_PATH", "/tmp/keyvisd.log")
	t.Setenv("KEYVIS_IPC_ENABLED", "1")
	t.Setenv("KEYVIS_SOCKET_PATH", "/tmp/k.sock")
	t.Setenv("KEYVIS_WEB_ADDR", "127.0.0.1:1234")
	t.Setenv("KEYVIS_PERMISSION_PROMPT", "not-a-bool")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !cfg.Remap.Enabled {
		t.Error("expected remap enabled from env")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected lower-cased level, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "file" || cfg.Logging.FilePath != "/tmp/keyvisd.log" {
		t.Errorf("unexpected logging: %+v", cfg.Logging)
	}
	if !cfg.IPC.Enabled || cfg.IPC.SocketPath != "/tmp/k.sock" {
		t.Errorf("unexpected ipc: %+v", cfg.IPC)
	}
	if cfg.Web.ListenAddr != "127.0.0.1:1234" {
		t.Errorf("unexpected listen addr: %s", cfg.Web.ListenAddr)
	}
	if !cfg.Permission.Prompt {
		t.Error("unparseable bool should leave the default")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Version = 7
	cfg.Permission.PollInterval = Duration(time.Millisecond)
	cfg.Tap.EventBuffer = 4
	cfg.Logging.Level = "verbose"
	cfg.IPC.Enabled = true
	cfg.IPC.Permissions = "rw-------"
	cfg.Web.Enabled = true
	cfg.Web.ListenAddr = "localhost"
	cfg.Web.AllowedOrigins = []string{"*", "localhost:3000"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	want := []string{
		"version",
		"permission.poll_interval",
		"tap.event_buffer",
		"logging.level",
		"ipc.permissions",
		"web.listen_addr",
		"web.allowed_origins[1]",
	}
	if !slices.Equal(verrs.Fields(), want) {
		t.Errorf("fields = %v, want %v", verrs.Fields(), want)
	}
}

func TestValidateSkipsDisabledFeeds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IPC.SocketPath = ""
	cfg.Web.ListenAddr = "bogus"
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled feeds should not be validated: %v", err)
	}
}

func TestValidateFileOutputNeedsPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "file"
	cfg.Logging.FilePath = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "logging.file_path") {
		t.Errorf("expected file_path error, got %v", err)
	}
}

func TestValidateMessages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tap.EventBuffer = 4
	cfg.Layout.PollInterval = Duration(2 * time.Minute)
	cfg.IPC.Enabled = true
	cfg.IPC.SocketPath = ""

	var verrs ValidationErrors
	if err := cfg.Validate(); !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}

	want := map[string]string{
		"layout.poll_interval": "value must be between 100ms and 1m0s, got 2m0s",
		"tap.event_buffer":     "value must be between 16 and 65536, got 4",
		"ipc.socket_path":      "field is required when IPC is enabled",
	}
	for _, e := range verrs {
		msg, ok := want[e.Field]
		if !ok {
			t.Errorf("unexpected error: %v", e.Error())
			continue
		}
		if e.Message != msg {
			t.Errorf("%s: message = %q, want %q", e.Field, e.Message, msg)
		}
		delete(want, e.Field)
	}
	for field := range want {
		t.Errorf("missing error for %s", field)
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Web.AllowedOrigins = []string{"http://a"}

	clone := cfg.Clone()
	clone.Web.AllowedOrigins[0] = "http://b"
	clone.Remap.Enabled = true

	if cfg.Web.AllowedOrigins[0] != "http://a" {
		t.Error("clone shares origins slice")
	}
	if cfg.Remap.Enabled {
		t.Error("clone shares remap section")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Remap.Enabled = true
	cfg.Tap.SelfCheckDelay = Duration(1500 * time.Millisecond)

	for _, format := range []string{"toml", "json", "yaml"} {
		var buf bytes.Buffer
		if err := cfg.Encode(&buf, format); err != nil {
			t.Fatalf("Encode %s: %v", format, err)
		}
		if !strings.Contains(buf.String(), "1.5s") {
			t.Errorf("%s output should render durations as text:\n%s", format, buf.String())
		}

		path := filepath.Join(dir, "config."+format)
		if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
			t.Fatal(err)
		}
		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load %s: %v", format, err)
		}
		if !loaded.Remap.Enabled || loaded.Tap.SelfCheckDelay != cfg.Tap.SelfCheckDelay {
			t.Errorf("%s round trip lost values: %+v %+v", format, loaded.Remap, loaded.Tap)
		}
	}

	if err := cfg.Encode(&bytes.Buffer{}, "ini"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestFindConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KEYVIS_CONFIG_DIR", dir)
	t.Setenv("KEYVIS_CONFIG", "")
	t.Chdir(t.TempDir())

	if got := FindConfigFile(); got != "" {
		t.Errorf("expected no config file, got %s", got)
	}

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("remap:\n  enabled: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := FindConfigFile(); got != path {
		t.Errorf("expected %s, got %s", path, got)
	}

	t.Setenv("KEYVIS_CONFIG", "/explicit.toml")
	if got := FindConfigFile(); got != "/explicit.toml" {
		t.Errorf("expected env path, got %s", got)
	}
}
