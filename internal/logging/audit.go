package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventStartup      AuditEventType = "startup"
	AuditEventShutdown     AuditEventType = "shutdown"
	AuditEventConfigChange AuditEventType = "config_change"
	AuditEventRemap        AuditEventType = "remap"
	AuditEventPermission   AuditEventType = "permission"
	AuditEventError        AuditEventType = "error"
)

// AuditEvent records a change to what the daemon does with keystrokes.
// It never carries key names or characters.
type AuditEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  AuditEventType `json:"event_type"`
	Component  string         `json:"component"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource,omitempty"`
	Result     string         `json:"result"` // "success", "failure", "denied"
	Details    map[string]any `json:"details,omitempty"`
	SourceFile string         `json:"source_file,omitempty"`
	SourceLine int            `json:"source_line,omitempty"`
	Error      string         `json:"error,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string
}

// AuditLogger appends JSON audit events to a rotated file. A nil
// *AuditLogger discards everything.
type AuditLogger struct {
	config  AuditLoggerConfig
	rotator *FileRotator
	mu      sync.Mutex
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil || cfg.FilePath == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	c := *cfg
	if c.MaxSize <= 0 {
		c.MaxSize = 10
	}
	if c.Component == "" {
		c.Component = "keyvisd"
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   c.FilePath,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		Compress:   c.Compress,
		Format:     FormatJSON,
		Level:      LevelInfo,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	return &AuditLogger{config: c, rotator: rotator}, nil
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	return a.write(ctx, event)
}

// write records the caller of the exported method as the event source.
func (a *AuditLogger) write(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.SourceFile == "" {
		if _, file, line, ok := runtime.Caller(2); ok {
			event.SourceFile = file
			event.SourceLine = line
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogStartup logs a daemon startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	details["version"] = version
	return a.write(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    "success",
		Details:   details,
	})
}

// LogShutdown logs a daemon shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.write(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    "success",
		Details:   map[string]any{"reason": reason},
	})
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.write(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Result:    "success",
		Details: map[string]any{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogRemap logs the remap table being switched on or off.
func (a *AuditLogger) LogRemap(ctx context.Context, enabled bool) error {
	action := "remap_disabled"
	if enabled {
		action = "remap_enabled"
	}
	return a.write(ctx, AuditEvent{
		EventType: AuditEventRemap,
		Action:    action,
		Result:    "success",
	})
}

// LogPermission logs an Accessibility permission transition.
func (a *AuditLogger) LogPermission(ctx context.Context, granted bool) error {
	action, result := "permission_granted", "success"
	if !granted {
		action, result = "permission_revoked", "denied"
	}
	return a.write(ctx, AuditEvent{
		EventType: AuditEventPermission,
		Action:    action,
		Resource:  "accessibility",
		Result:    result,
	})
}

// LogError logs a failed operation.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]any) error {
	return a.write(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Sync()
}
