package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// CrashReport describes a recovered panic.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Component    string         `json:"component,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandler recovers panics, logs them and optionally writes a JSON
// crash dump. Panics inside the tap callback are recovered here so the
// OS still receives an event.
type CrashHandler struct {
	mu        sync.Mutex
	crashDir  string
	version   string
	component string
	logger    *Logger
	onCrash   func(CrashReport)
	count     atomic.Uint64
}

// CrashHandlerConfig configures the crash handler.
type CrashHandlerConfig struct {
	// CrashDir is the directory to write crash dumps. Empty disables dumps.
	CrashDir string

	// Version is the application version.
	Version string

	// Component is the component name.
	Component string

	// Logger receives one error line per recovered panic.
	Logger *Logger

	// OnCrash is called after a crash is logged.
	OnCrash func(CrashReport)
}

// DefaultCrashDir returns the platform-specific default crash directory.
func DefaultCrashDir() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "DiagnosticReports", "keyvis")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "keyvis", "crashes")
	}
}

var (
	globalCrashHandler *CrashHandler
	crashHandlerOnce   sync.Once
)

// DefaultCrashHandler returns the default global crash handler. It logs
// through the default logger and writes no dumps.
func DefaultCrashHandler() *CrashHandler {
	crashHandlerOnce.Do(func() {
		if globalCrashHandler == nil {
			globalCrashHandler = NewCrashHandler(&CrashHandlerConfig{Component: "keyvisd"})
		}
	})
	return globalCrashHandler
}

// SetDefaultCrashHandler sets the default global crash handler.
func SetDefaultCrashHandler(h *CrashHandler) {
	crashHandlerOnce.Do(func() {})
	globalCrashHandler = h
}

// NewCrashHandler creates a new CrashHandler.
func NewCrashHandler(cfg *CrashHandlerConfig) *CrashHandler {
	if cfg == nil {
		cfg = &CrashHandlerConfig{}
	}
	return &CrashHandler{
		crashDir:  cfg.CrashDir,
		version:   cfg.Version,
		component: cfg.Component,
		logger:    cfg.Logger,
		onCrash:   cfg.OnCrash,
	}
}

// Count returns the number of panics handled so far.
func (h *CrashHandler) Count() uint64 {
	return h.count.Load()
}

// Recover wraps a function with panic recovery.
func (h *CrashHandler) Recover(fn func()) {
	defer h.recover(nil)
	fn()
}

// RecoverGoroutine is designed to be deferred at the start of goroutines.
func (h *CrashHandler) RecoverGoroutine(name string) {
	if r := recover(); r != nil {
		h.HandlePanic(r, map[string]any{"goroutine": name})
	}
}

func (h *CrashHandler) recover(contextInfo map[string]any) {
	if r := recover(); r != nil {
		h.HandlePanic(r, contextInfo)
	}
}

// HandlePanic records a recovered panic value. It does not block on disk:
// the dump, if enabled, is written from a separate goroutine.
func (h *CrashHandler) HandlePanic(panicValue any, contextInfo map[string]any) {
	h.count.Add(1)

	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprintf("%v", panicValue),
		StackTrace:   string(debug.Stack()),
		Component:    h.component,
		Context:      contextInfo,
	}

	logger := h.logger
	if logger == nil {
		logger = Default()
	}
	logger.Error("recovered panic",
		"panic", report.PanicValue,
		"context", contextInfo,
		"stack", report.StackTrace)

	if h.crashDir != "" {
		go h.writeCrashDump(report)
	}

	if h.onCrash != nil {
		h.onCrash(report)
	}
}

func (h *CrashHandler) writeCrashDump(report CrashReport) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(h.crashDir, 0750); err != nil {
		return fmt.Errorf("create crash dir: %w", err)
	}

	filename := fmt.Sprintf("crash-%s-%s.json",
		report.Component,
		report.Timestamp.Format("20060102-150405.000"))

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal crash report: %w", err)
	}

	if err := os.WriteFile(filepath.Join(h.crashDir, filename), data, 0640); err != nil {
		return fmt.Errorf("write crash report: %w", err)
	}
	return nil
}

// RecoverPanic is a convenience function for panic recovery.
// Usage: defer logging.RecoverPanic()
func RecoverPanic() {
	if r := recover(); r != nil {
		DefaultCrashHandler().HandlePanic(r, nil)
	}
}

// Go runs fn in a new goroutine guarded by the default crash handler.
func Go(name string, fn func()) {
	go func() {
		defer DefaultCrashHandler().RecoverGoroutine(name)
		fn()
	}()
}
