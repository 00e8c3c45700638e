package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Fields returns the names of the invalid fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, err := range e {
		fields = append(fields, err.Field)
	}
	return fields
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateIntervals(c)...)
	errs = append(errs, validateTap(&c.Tap)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateWeb(&c.Web)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateIntervals(c *Config) ValidationErrors {
	var errs ValidationErrors

	check := func(field string, d Duration, min, max time.Duration) {
		if d.Std() < min || d.Std() > max {
			errs = append(errs, *RangeError(field, min, max, d))
		}
	}

	check("permission.poll_interval", c.Permission.PollInterval, 50*time.Millisecond, time.Minute)
	check("layout.poll_interval", c.Layout.PollInterval, 100*time.Millisecond, time.Minute)
	check("tap.self_check_delay", c.Tap.SelfCheckDelay, 100*time.Millisecond, 30*time.Second)

	return errs
}

func validateTap(t *TapConfig) ValidationErrors {
	var errs ValidationErrors

	if t.EventBuffer < 16 || t.EventBuffer > 1<<16 {
		errs = append(errs, *RangeError("tap.event_buffer", 16, 1<<16, t.EventBuffer))
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file":
		if l.FilePath == "" {
			errs = append(errs, *RequiredFieldError("logging.file_path", "output is 'file'"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stderr, stdout, file)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

var octalMode = regexp.MustCompile(`^0[0-7]{3}$`)

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, *RequiredFieldError("ipc.socket_path", "IPC is enabled"))
	}

	if i.Permissions != "" && !octalMode.MatchString(i.Permissions) {
		errs = append(errs, ValidationError{
			Field:   "ipc.permissions",
			Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
		})
	}

	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if i.ReadTimeout.Std() < time.Second {
		errs = append(errs, ValidationError{
			Field:   "ipc.read_timeout",
			Message: "read timeout must be at least 1s",
		})
	}

	return errs
}

func validateWeb(w *WebConfig) ValidationErrors {
	var errs ValidationErrors

	if !w.Enabled {
		return errs
	}

	if _, _, err := net.SplitHostPort(w.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "web.listen_addr",
			Message: fmt.Sprintf("invalid listen address %q: %v", w.ListenAddr, err),
		})
	}

	for idx, origin := range w.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if !isValidOrigin(origin) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("web.allowed_origins[%d]", idx),
				Message: fmt.Sprintf("invalid origin: %s (expected scheme://host[:port] or *)", origin),
			})
		}
	}

	return errs
}

func isValidOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != "" && (u.Path == "" || u.Path == "/")
}

// RequiredFieldError creates an error for a missing required field. A
// non-empty when names the setting that makes it required.
func RequiredFieldError(field, when string) *ValidationError {
	msg := "field is required"
	if when != "" {
		msg += " when " + when
	}
	return &ValidationError{
		Field:   field,
		Message: msg,
	}
}

// RangeError creates an error for a value outside valid range.
func RangeError(field string, min, max, got any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v, got %v", min, max, got),
	}
}
