// Package config handles configuration loading, validation, and management for keyvisd.
//
// The configuration file is optional and read-only: a missing file means
// defaults, and nothing in the daemon writes it back.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Duration is a time.Duration that reads and writes as "500ms", "1s".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Permission configures accessibility trust checks.
	Permission PermissionConfig `toml:"permission" json:"permission" yaml:"permission"`

	// Layout configures keyboard layout tracking.
	Layout LayoutConfig `toml:"layout" json:"layout" yaml:"layout"`

	// Tap configures the event tap.
	Tap TapConfig `toml:"tap" json:"tap" yaml:"tap"`

	// Remap configures the remap engine.
	Remap RemapConfig `toml:"remap" json:"remap" yaml:"remap"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// IPC configures the Unix socket state feed.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Web configures the WebSocket state feed, metrics and health.
	Web WebConfig `toml:"web" json:"web" yaml:"web"`
}

// PermissionConfig holds accessibility trust settings.
type PermissionConfig struct {
	// PollInterval is how often trust is re-checked.
	PollInterval Duration `toml:"poll_interval" json:"poll_interval" yaml:"poll_interval"`

	// Prompt asks the OS to show its consent dialog on the first check.
	Prompt bool `toml:"prompt" json:"prompt" yaml:"prompt"`
}

// LayoutConfig holds keyboard layout settings.
type LayoutConfig struct {
	// PollInterval is how often the layout is re-queried in addition to
	// OS notifications.
	PollInterval Duration `toml:"poll_interval" json:"poll_interval" yaml:"poll_interval"`
}

// TapConfig holds event tap settings.
type TapConfig struct {
	// SelfCheckDelay is how long after install the tap is verified.
	SelfCheckDelay Duration `toml:"self_check_delay" json:"self_check_delay" yaml:"self_check_delay"`

	// EventBuffer is the capacity of the callback hand-off queue.
	EventBuffer int `toml:"event_buffer" json:"event_buffer" yaml:"event_buffer"`
}

// RemapConfig holds remap engine settings.
type RemapConfig struct {
	// Enabled turns on the fixed remap table at startup.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stderr", "stdout" or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file, used when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// Compress gzips rotated files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// AuditFile receives a JSON line for every remap, permission and
	// config change. Empty disables the audit trail.
	AuditFile string `toml:"audit_file" json:"audit_file" yaml:"audit_file"`
}

// IPCConfig holds Unix socket feed configuration.
type IPCConfig struct {
	// Enabled starts the socket server.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path of the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the socket file mode, in octal.
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections caps concurrent clients.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// ReadTimeout closes clients idle for longer than this.
	ReadTimeout Duration `toml:"read_timeout" json:"read_timeout" yaml:"read_timeout"`
}

// WebConfig holds WebSocket feed configuration.
type WebConfig struct {
	// Enabled starts the HTTP server.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// ListenAddr is the host:port to listen on. Loopback is recommended.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`

	// AllowedOrigins lists the Origin values accepted for WebSocket
	// upgrades. Empty means same-host only.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`

	// Metrics serves /metrics and /health on the same listener.
	Metrics bool `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// DefaultConfig returns a configuration with sensible defaults. Both feeds
// are off, so the default daemon opens no sockets and writes no files.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Permission: PermissionConfig{
			PollInterval: Duration(500 * time.Millisecond),
			Prompt:       true,
		},
		Layout: LayoutConfig{
			PollInterval: Duration(time.Second),
		},
		Tap: TapConfig{
			SelfCheckDelay: Duration(time.Second),
			EventBuffer:    1024,
		},
		Remap: RemapConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "keyvisd.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   true,
		},
		IPC: IPCConfig{
			Enabled:        false,
			SocketPath:     DefaultSocketPath(),
			Permissions:    "0600",
			MaxConnections: 8,
			ReadTimeout:    Duration(5 * time.Minute),
		},
		Web: WebConfig{
			Enabled:        false,
			ListenAddr:     "127.0.0.1:7391",
			AllowedOrigins: []string{},
			Metrics:        true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path, or the default path
// when empty. A missing file yields the defaults. The format is chosen by
// extension: TOML, JSON or YAML. Environment overrides are applied; the
// result is not validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with KEYVIS_. Unparseable values are
// ignored.
func (c *Config) ApplyEnvOverrides() {
	if v, ok := envBool("KEYVIS_REMAP_ENABLED"); ok {
		c.Remap.Enabled = v
	}
	if v, ok := envBool("KEYVIS_PERMISSION_PROMPT"); ok {
		c.Permission.Prompt = v
	}

	// Logging overrides
	if v := os.Getenv("KEYVIS_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("KEYVIS_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("KEYVIS_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
		c.Logging.Output = "file"
	}

	// Feed overrides
	if v, ok := envBool("KEYVIS_IPC_ENABLED"); ok {
		c.IPC.Enabled = v
	}
	if v := os.Getenv("KEYVIS_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v, ok := envBool("KEYVIS_WEB_ENABLED"); ok {
		c.Web.Enabled = v
	}
	if v := os.Getenv("KEYVIS_WEB_ADDR"); v != "" {
		c.Web.ListenAddr = v
	}
}

func envBool(name string) (bool, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Web.AllowedOrigins = slices.Clone(c.Web.AllowedOrigins)
	return &clone
}

// Encode writes the configuration in the given format: "toml", "json" or
// "yaml".
func (c *Config) Encode(w io.Writer, format string) error {
	switch strings.ToLower(format) {
	case "", "toml":
		return toml.NewEncoder(w).Encode(c)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported config format: %s", format)
	}
}

// String renders the configuration as TOML.
func (c *Config) String() string {
	var buf bytes.Buffer
	if err := c.Encode(&buf, "toml"); err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return buf.String()
}
