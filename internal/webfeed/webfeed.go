// Package webfeed serves the live key state to browser-based renderers
// over WebSocket, next to the metrics and health endpoints.
//
// Clients send JSON commands (see internal/feed) as text messages and
// receive replies and events:
//
//	{"op":"subscribe","id":1}
//	{"type":"reply","id":1,"result":{"state":{...}}}
//	{"type":"event","event":"state","data":{"changes":["keys"],"state":{...}}}
package webfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"keyvis/internal/feed"
	"keyvis/internal/health"
	"keyvis/internal/keystate"
	"keyvis/internal/logging"
	"keyvis/internal/metrics"
)

// Event names pushed to subscribers. Subscribe commands select them by
// number: 1 state, 2 config_changed, 3 shutdown.
const (
	EventState         = "state"
	EventConfigChanged = "config_changed"
	EventShutdown      = "shutdown"
)

var eventNumbers = map[uint16]string{
	1: EventState,
	2: EventConfigChanged,
	3: EventShutdown,
}

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 32
)

// ErrServerClosed is returned by Start after Stop.
var ErrServerClosed = errors.New("webfeed: server closed")

// Config configures the server.
type Config struct {
	ListenAddr string
	// AllowedOrigins lists browser origins accepted for /ws. "*" accepts
	// any. Empty accepts requests without an Origin header and same-host
	// origins only.
	AllowedOrigins []string
	MaxConnections int
	// ServeMetrics mounts /metrics for Metrics' registry.
	ServeMetrics bool

	Logger  *logging.Logger
	Crash   *logging.CrashHandler
	Metrics *metrics.KeyvisMetrics
	Health  *health.Checker
	Timeout time.Duration
}

// Reply answers one command.
type Reply struct {
	Type   string       `json:"type"`
	ID     uint64       `json:"id,omitempty"`
	Result *feed.Result `json:"result,omitempty"`
	Error  *ReplyError  `json:"error,omitempty"`
}

// ReplyError describes a failed command.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is pushed to subscribed clients.
type Event struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Server is the WebSocket feed server.
type Server struct {
	cfg      Config
	engine   feed.Engine
	log      *logging.Logger
	crash    *logging.CrashHandler
	upgrader websocket.Upgrader

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	clients  map[string]*conn
	closed   bool

	wg sync.WaitGroup
}

// conn is one WebSocket client. Only writePump writes to ws.
type conn struct {
	id   string
	ws   *websocket.Conn
	log  *logging.Logger
	send chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	events map[string]bool
	sub    *keystate.Subscription

	dropped atomic.Bool
}

// NewServer creates a server for engine.
func NewServer(cfg Config, engine feed.Engine) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Crash == nil {
		cfg.Crash = logging.DefaultCrashHandler()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		engine:  engine,
		log:     cfg.Logger.WithComponent("webfeed"),
		crash:   cfg.Crash,
		clients: make(map[string]*conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP routes: /ws, /health, /health/live,
// /health/ready and, when enabled, /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	if s.cfg.Health != nil {
		mux.Handle("/health", s.cfg.Health.HealthHandler())
		mux.Handle("/health/live", s.cfg.Health.LivenessHandler())
		mux.Handle("/health/ready", s.cfg.Health.ReadinessHandler())
	}
	if s.cfg.ServeMetrics && s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics.Registry().HTTPHandler())
	}
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.http != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = netutil.LimitListener(ln, s.cfg.MaxConnections)
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv, listener := s.http, s.listener
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.crash.RecoverGoroutine("webfeed-serve")
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("web feed stopped", "error", err)
		}
	}()

	s.log.Info("web feed listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.http
	clients := make([]*conn, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("web feed stop timed out")
	}
	return err
}

// Broadcast pushes a daemon event to clients subscribed to name.
func (s *Server) Broadcast(name string, data any) {
	msg, err := json.Marshal(Event{Type: "event", Event: name, Data: data})
	if err != nil {
		s.log.Warn("encode event", "event", name, "error", err)
		return
	}

	s.mu.Lock()
	targets := make([]*conn, 0, len(s.clients))
	for _, c := range s.clients {
		if c.subscribed(name) {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.enqueue(msg)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	c := &conn{
		id:   id,
		ws:   ws,
		log:  s.log.WithConn(id),
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.clients[id] = c
	s.mu.Unlock()

	s.cfg.Metrics.RecordFeedClient()
	c.log.Debug("web client connected", "remote", r.RemoteAddr)

	s.wg.Add(2)
	go s.writePump(c)
	go s.readPump(c)
}

// readPump reads commands until the connection fails.
func (s *Server) readPump(c *conn) {
	defer s.wg.Done()
	defer s.crash.RecoverGoroutine("webfeed-read")
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		s.unsubscribe(c)
		c.close()
		c.log.Debug("web client disconnected")
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read failed", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			s.reply(c, Reply{Type: "reply", Error: &ReplyError{Code: "invalid_command", Message: "expected a text message"}})
			continue
		}
		s.handle(c, data)
	}
}

// writePump is the only writer to c.ws.
func (s *Server) writePump(c *conn) {
	defer s.wg.Done()
	defer s.crash.RecoverGoroutine("webfeed-write")

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Server) handle(c *conn, data []byte) {
	cmd, err := feed.ParseCommand(data)
	if err != nil {
		s.cfg.Metrics.RecordRejectedCommand()
		s.reply(c, Reply{Type: "reply", Error: &ReplyError{Code: feed.ErrorCode(err), Message: err.Error()}})
		return
	}

	switch cmd.Op {
	case feed.OpSubscribe:
		s.subscribe(c, cmd)
		return
	case feed.OpUnsubscribe:
		s.unsubscribe(c)
		s.reply(c, Reply{Type: "reply", ID: cmd.ID, Result: &feed.Result{State: s.engine.Snapshot()}})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	res, err := feed.Execute(ctx, s.engine, cmd)
	if err != nil {
		c.log.Warn("command failed", "op", cmd.Op, "error", err)
		s.reply(c, Reply{Type: "reply", ID: cmd.ID, Error: &ReplyError{Code: feed.ErrorCode(err), Message: err.Error()}})
		return
	}
	if cmd.Op == feed.OpSetRemap {
		c.log.Info("remap set by web client", "enabled", *cmd.Enabled)
	}
	s.reply(c, Reply{Type: "reply", ID: cmd.ID, Result: res})
}

// subscribe replaces any previous subscription of c.
func (s *Server) subscribe(c *conn, cmd *feed.Command) {
	events := make(map[string]bool, len(eventNumbers))
	if len(cmd.Events) == 0 {
		for _, name := range eventNumbers {
			events[name] = true
		}
	}
	for _, n := range cmd.Events {
		events[eventNumbers[n]] = true
	}

	s.unsubscribe(c)

	var sub *keystate.Subscription
	if events[EventState] {
		sub = s.engine.Subscribe(feed.BufferFor(cmd))
	}

	c.mu.Lock()
	c.events = events
	c.sub = sub
	c.mu.Unlock()

	if sub != nil {
		s.wg.Add(1)
		go s.forwardState(c, sub)
	}

	s.reply(c, Reply{Type: "reply", ID: cmd.ID, Result: &feed.Result{State: s.engine.Snapshot()}})
}

func (s *Server) unsubscribe(c *conn) {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.events = nil
	c.mu.Unlock()

	if sub != nil {
		s.engine.Unsubscribe(sub)
	}
}

func (s *Server) forwardState(c *conn, sub *keystate.Subscription) {
	defer s.wg.Done()
	defer s.crash.RecoverGoroutine("webfeed-forward")

	for u := range sub.C {
		msg, err := json.Marshal(Event{Type: "event", Event: EventState, Data: feed.NewStateEvent(u)})
		if err != nil {
			c.log.Warn("encode state event", "error", err)
			continue
		}
		if !c.enqueue(msg) {
			return
		}
	}
}

func (s *Server) reply(c *conn, r Reply) {
	msg, err := json.Marshal(r)
	if err != nil {
		c.log.Warn("encode reply", "error", err)
		return
	}
	c.enqueue(msg)
}

func (c *conn) subscribed(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[name]
}

// enqueue queues msg for writePump. A client whose queue is full is too
// slow for the feed and is disconnected.
func (c *conn) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		if c.dropped.CompareAndSwap(false, true) {
			c.log.Warn("web client too slow, disconnecting")
		}
		c.close()
		return false
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		// Unblock readPump.
		c.ws.SetReadDeadline(time.Now())
	})
}
