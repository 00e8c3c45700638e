package ipc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"keyvis/internal/feed"
	"keyvis/internal/logging"
	"keyvis/internal/metrics"
)

// DefaultCommandTimeout bounds how long a command waits for the engine.
const DefaultCommandTimeout = 2 * time.Second

// EngineHandler implements the Handler interface on top of the interceptor.
type EngineHandler struct {
	mu        sync.RWMutex
	engine    feed.Engine
	metrics   *metrics.KeyvisMetrics
	log       *logging.Logger
	version   string
	startedAt time.Time
	timeout   time.Duration

	// Set once the server exists.
	clients     func() int
	subscribers func() int
}

// EngineHandlerConfig configures the engine handler
type EngineHandlerConfig struct {
	Engine  feed.Engine
	Metrics *metrics.KeyvisMetrics
	Logger  *logging.Logger
	Version string
	Timeout time.Duration
}

// NewEngineHandler creates a new engine handler
func NewEngineHandler(cfg EngineHandlerConfig) *EngineHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCommandTimeout
	}
	return &EngineHandler{
		engine:    cfg.Engine,
		metrics:   cfg.Metrics,
		log:       cfg.Logger.WithComponent("ipc"),
		version:   cfg.Version,
		startedAt: time.Now(),
		timeout:   cfg.Timeout,
	}
}

// SetCounters sets the functions reporting connected clients and state
// subscribers for status responses.
func (h *EngineHandler) SetCounters(clients, subscribers func() int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients = clients
	h.subscribers = subscribers
}

// HandleMessage processes an IPC message
func (h *EngineHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if msg.Header.Type == MsgStatusRequest {
		return h.handleStatus(ctx, client, msg)
	}

	ct, ok := commandTypes[msg.Header.Type]
	if !ok {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest,
			fmt.Sprintf("unknown message type: %s", msg.Header.Type)), nil
	}
	return h.handleCommand(ctx, client, msg, ct.op, ct.resp)
}

// handleStatus handles status requests
func (h *EngineHandler) handleStatus(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req StatusRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid request"), nil
		}
	}

	h.mu.RLock()
	clients, subscribers := h.clients, h.subscribers
	h.mu.RUnlock()

	resp := &StatusResponse{
		Version:   h.version,
		StartedAt: h.startedAt,
		Uptime:    time.Since(h.startedAt),
		State:     h.engine.Snapshot(),
	}
	if clients != nil {
		resp.Clients = clients()
	}
	if subscribers != nil {
		resp.Subscribers = subscribers()
	}
	if req.IncludeMetrics {
		h.metrics.UpdateUptime()
		resp.Metrics = h.metrics.Snapshot()
	}

	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

// handleCommand validates and runs an engine command.
func (h *EngineHandler) handleCommand(ctx context.Context, client *Client, msg *Message, op string, respType MessageType) (*Message, error) {
	cmd, err := feed.ParseCommandFor(op, msg.Payload)
	if err != nil {
		h.metrics.RecordRejectedCommand()
		h.logFor(ctx, client).Debug("rejected command", "op", op, "error", err)
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, err.Error()), nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	res, err := feed.Execute(ctx, h.engine, cmd)
	if err != nil {
		h.logFor(ctx, client).Warn("command failed", "op", op, "error", err)
		return NewErrorMessage(msg.Header.RequestID, codeForFeedError(err), err.Error()), nil
	}
	if op == feed.OpSetRemap {
		h.logFor(ctx, client).Info("remap set by client", "enabled", *cmd.Enabled)
	}

	return NewResponse(respType, msg.Header.RequestID, res)
}

func (h *EngineHandler) logFor(ctx context.Context, c *Client) *logging.Logger {
	if c != nil && c.log != nil {
		return c.log.WithContext(ctx)
	}
	return h.log.WithContext(ctx)
}
