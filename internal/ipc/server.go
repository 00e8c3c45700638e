package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"keyvis/internal/feed"
	"keyvis/internal/keystate"
	"keyvis/internal/logging"
	"keyvis/internal/metrics"
)

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// StateSource provides key state subscriptions.
type StateSource interface {
	Subscribe(buffer int) *keystate.Subscription
	Unsubscribe(sub *keystate.Subscription)
	Snapshot() *keystate.Snapshot
}

// Server is the IPC server that manages client connections
type Server struct {
	mu         sync.RWMutex
	listener   net.Listener
	cfg        ServerConfig
	handler    Handler
	source     StateSource
	clients    map[string]*Client
	log        *logging.Logger
	crash      *logging.CrashHandler
	metrics    *metrics.KeyvisMetrics
	startedAt  time.Time
	verifyPeer func(net.Conn) (bool, error)

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32
	nextClientID  atomic.Uint64
}

// Client represents a connected client
type Client struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	log          *logging.Logger
	Version      string
	Name         string
	ConnectedAt  time.Time
	LastActivity time.Time

	// Owned by the server under Client.mu.
	events map[EventType]bool
	sub    *keystate.Subscription

	// Write serialization
	writeMu sync.Mutex
}

func (c *Client) subscribed(t EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[t]
}

func (c *Client) hasSubscription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events) > 0
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string      // Unix socket path
	Version        string      // Server version
	Permissions    os.FileMode // Socket file mode
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	Logger         *logging.Logger
	Crash          *logging.CrashHandler
	Metrics        *metrics.KeyvisMetrics
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:     socketPath,
		Version:        "dev",
		Permissions:    0o600,
		ReadTimeout:    5 * time.Minute,
		WriteTimeout:   5 * time.Second,
		MaxConnections: 8,
	}
}

// NewServer creates a new IPC server. source may be nil, in which case
// subscriptions only receive daemon events.
func NewServer(cfg ServerConfig, handler Handler, source StateSource) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Crash == nil {
		cfg.Crash = logging.DefaultCrashHandler()
	}
	if cfg.Permissions == 0 {
		cfg.Permissions = 0o600
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 8
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		handler:    handler,
		source:     source,
		clients:    make(map[string]*Client),
		log:        cfg.Logger.WithComponent("ipc"),
		crash:      cfg.Crash,
		metrics:    cfg.Metrics,
		verifyPeer: VerifyPeerIsCurrentUser,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening for connections
func (s *Server) Start() error {
	// Ensure socket directory exists
	socketDir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(socketDir, 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("socket %s is already in use", s.cfg.SocketPath)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	if err := SetSocketPermissions(s.cfg.SocketPath, s.cfg.Permissions); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("ipc server listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("ipc server stop timed out")
	}

	os.Remove(s.cfg.SocketPath)
	s.log.Info("ipc server stopped")
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// StartedAt returns when the server started listening.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast sends a daemon event to every client subscribed to its type.
func (s *Server) Broadcast(event *Event) {
	if !s.running.Load() {
		return
	}

	s.mu.RLock()
	targets := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.subscribed(event.Type) {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		s.sendEvent(c, event)
	}
}

// acceptLoop accepts new connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer s.crash.RecoverGoroutine("ipc-accept")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		ok, err := s.verifyPeer(conn)
		if err != nil || !ok {
			s.log.Warn("rejected ipc peer", "error", err)
			conn.Close()
			continue
		}

		s.mu.Lock()
		if len(s.clients) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.log.Warn("ipc connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}

		id := fmt.Sprintf("client-%d", s.nextClientID.Add(1))
		now := time.Now()
		client := &Client{
			ID:           id,
			conn:         conn,
			log:          s.log.WithConn(id),
			ConnectedAt:  now,
			LastActivity: now,
		}
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.metrics.RecordFeedClient()
		client.log.Debug("client connected")

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

// handleConnection handles a single client connection
func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer s.crash.RecoverGoroutine("ipc-conn")
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		s.unsubscribe(client)
		client.conn.Close()
		client.log.Debug("client disconnected")
	}()

	for {
		if s.ctx.Err() != nil {
			return
		}

		client.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		msg, err := ReadMessage(client.conn)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			// Idle subscribers are kept alive; idle callers are dropped.
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if client.hasSubscription() {
					s.sendPing(client)
					continue
				}
				client.log.Debug("idle client closed")
				return
			}
			client.log.Debug("read failed", "error", err)
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			client.log.Warn("request failed", "type", msg.Header.Type.String(), "error", err)
			response = NewErrorMessage(msg.Header.RequestID, CodeInternal, err.Error())
		}

		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

// processMessage processes a single message
func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgPong:
		return nil, nil

	case MsgHandshake:
		return s.handleHandshake(client, msg)

	case MsgSubscribe:
		return s.handleSubscribe(client, msg)

	case MsgUnsubscribe:
		s.unsubscribe(client)
		return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil

	default:
		if s.handler != nil {
			return s.handler.HandleMessage(s.requestContext(client, msg), client, msg)
		}
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "no handler"), nil
	}
}

// requestContext tags the server context with an ID that is unique across
// clients. Clients number their own requests; a zero ID gets a fresh one.
func (s *Server) requestContext(client *Client, msg *Message) context.Context {
	id := fmt.Sprintf("%s-%d", client.ID, msg.Header.RequestID)
	if msg.Header.RequestID == 0 {
		id = s.log.NewRequestID()
	}
	return logging.ContextWithRequestID(s.ctx, id)
}

// handleHandshake processes handshake request
func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest,
			fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion)), nil
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	client.mu.Unlock()
	client.log.Debug("handshake", "name", req.ClientName, "version", req.ClientVersion)

	resp := &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		ClientID:        client.ID,
	}

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, resp)
}

// handleSubscribe processes event subscription
func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	cmd, err := feed.ParseCommandFor(feed.OpSubscribe, msg.Payload)
	if err != nil {
		s.metrics.RecordRejectedCommand()
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, err.Error()), nil
	}

	events := make([]EventType, 0, len(cmd.Events))
	for _, e := range cmd.Events {
		events = append(events, EventType(e))
	}
	if len(events) == 0 {
		events = slices.Clone(AllEvents)
	}

	// A repeated subscribe replaces the previous one.
	s.unsubscribe(client)

	set := make(map[EventType]bool, len(events))
	for _, e := range events {
		set[e] = true
	}

	var sub *keystate.Subscription
	if set[EventState] && s.source != nil {
		sub = s.source.Subscribe(feed.BufferFor(cmd))
	}

	client.mu.Lock()
	client.events = set
	client.sub = sub
	client.mu.Unlock()

	if sub != nil {
		s.wg.Add(1)
		go s.forwardState(client, sub)
	}

	resp := &SubscribeResponse{
		Success: true,
		Events:  events,
	}
	if s.source != nil {
		resp.State = s.source.Snapshot()
	}
	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, resp)
}

func (s *Server) unsubscribe(client *Client) {
	client.mu.Lock()
	sub := client.sub
	client.sub = nil
	client.events = nil
	client.mu.Unlock()

	if sub != nil && s.source != nil {
		s.source.Unsubscribe(sub)
	}
}

// forwardState streams key state updates until the subscription closes.
func (s *Server) forwardState(client *Client, sub *keystate.Subscription) {
	defer s.wg.Done()
	defer s.crash.RecoverGoroutine("ipc-forward")

	for u := range sub.C {
		event, err := NewEvent(EventState, feed.NewStateEvent(u))
		if err != nil {
			client.log.Warn("encode state event", "error", err)
			continue
		}
		if err := s.sendEvent(client, event); err != nil {
			client.conn.Close()
			return
		}
	}
}

// sendEvent sends an event to a client
func (s *Server) sendEvent(client *Client, event *Event) error {
	payload, err := Encode(event)
	if err != nil {
		return err
	}

	msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
	return s.sendMessage(client, msg)
}

// sendMessage sends a message to a client
func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(client.conn)
}

// sendPing sends a ping to keep connection alive
func (s *Server) sendPing(client *Client) {
	msg := NewMessage(MsgPing, s.nextRequestID.Add(1), nil)
	s.sendMessage(client, msg)
}
