package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"keyvis/internal/feed"
	"keyvis/internal/interceptor"
	"keyvis/internal/keycode"
	"keyvis/internal/keystate"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// IPCClient is the client for communicating with keyvisd
type IPCClient struct {
	mu        sync.RWMutex
	conn      net.Conn
	clientID  string
	version   string
	connected atomic.Bool

	// Request handling
	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32
	writeMu   sync.Mutex

	// Event handling
	eventChan chan *Event
	dropped   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	EventBuffer    int
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "keyvisctl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 5 * time.Second,
		EventBuffer:    64,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &IPCClient{
		pending:   make(map[uint32]chan *Message),
		eventChan: make(chan *Event, cfg.EventBuffer),
		ctx:       ctx,
		cancel:    cancel,
		config:    cfg,
	}
}

// Connect establishes a connection to the daemon and performs the
// handshake.
func (c *IPCClient) Connect() error {
	c.mu.Lock()
	if c.connected.Load() {
		c.mu.Unlock()
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(c.ctx, "unix", c.config.SocketPath)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	if err := c.handshake(); err != nil {
		c.close()
		return fmt.Errorf("handshake: %w", err)
	}

	return nil
}

// Close closes the connection to the daemon and the event channel.
func (c *IPCClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.close()
	c.wg.Wait()
	close(c.eventChan)
	return nil
}

// close closes the connection without signaling shutdown
func (c *IPCClient) close() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)
	c.mu.Unlock()

	// Cancel all pending requests
	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the ID assigned by the server
func (c *IPCClient) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// ServerVersion returns the daemon version reported in the handshake.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Events returns the event channel. It is closed by Close. Events that
// arrive while the channel is full are dropped and counted.
func (c *IPCClient) Events() <-chan *Event {
	return c.eventChan
}

// DroppedEvents returns the number of events dropped on a full channel.
func (c *IPCClient) DroppedEvents() uint64 {
	return c.dropped.Load()
}

// handshake performs the initial handshake with the server
func (c *IPCClient) handshake() error {
	req := &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}

	var ack HandshakeResponse
	if err := c.call(MsgHandshake, MsgHandshakeAck, req, &ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.clientID = ack.ClientID
	c.version = ack.ServerVersion
	c.mu.Unlock()
	return nil
}

// call sends a request and decodes a response of the expected type into
// out. Error responses are returned as *ErrorResponse.
func (c *IPCClient) call(msgType, want MessageType, payload, out any) error {
	resp, err := c.request(msgType, payload)
	if err != nil {
		return err
	}

	if resp.Header.Type == MsgError {
		var errResp ErrorResponse
		if err := Decode(resp.Payload, &errResp); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &errResp
	}
	if resp.Header.Type != want {
		return fmt.Errorf("unexpected response type: %s", resp.Header.Type)
	}
	if out == nil || len(resp.Payload) == 0 {
		return nil
	}
	return Decode(resp.Payload, out)
}

// request sends a request and waits for a response
func (c *IPCClient) request(msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		data, err = Encode(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		c.close()
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *IPCClient) write(msg *Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return msg.Write(conn)
}

// readLoop reads messages until the connection fails or is closed.
func (c *IPCClient) readLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() == nil {
				c.close()
			}
			return
		}
		c.handleMessage(msg)
	}
}

// handleMessage processes an incoming message
func (c *IPCClient) handleMessage(msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))

	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err != nil {
			return
		}
		select {
		case c.eventChan <- &event:
		default:
			c.dropped.Add(1)
		}

	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// High-level API methods

// Ping checks if the daemon is responsive
func (c *IPCClient) Ping() error {
	return c.call(MsgPing, MsgPong, nil, nil)
}

// Status requests the daemon status
func (c *IPCClient) Status(includeMetrics bool) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.call(MsgStatusRequest, MsgStatusResponse, &StatusRequest{IncludeMetrics: includeMetrics}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetState returns the current key state.
func (c *IPCClient) GetState() (*keystate.Snapshot, error) {
	var res feed.Result
	if err := c.call(MsgGetState, MsgGetStateResp, nil, &res); err != nil {
		return nil, err
	}
	return res.State, nil
}

// SetRemap turns remapping on or off and returns the resulting state.
func (c *IPCClient) SetRemap(enabled bool) (*keystate.Snapshot, error) {
	var res feed.Result
	req := map[string]any{"enabled": enabled}
	if err := c.call(MsgSetRemap, MsgSetRemapResp, req, &res); err != nil {
		return nil, err
	}
	return res.State, nil
}

// CheckPermission asks the daemon to re-check accessibility trust.
func (c *IPCClient) CheckPermission() (*keystate.Snapshot, error) {
	var res feed.Result
	if err := c.call(MsgCheckPermission, MsgCheckPermissionResp, nil, &res); err != nil {
		return nil, err
	}
	return res.State, nil
}

// Legend returns labels for codes under the daemon's current layout.
// No codes means every named position.
func (c *IPCClient) Legend(codes []keycode.Code) ([]interceptor.LegendEntry, error) {
	var res feed.Result
	var req any
	if len(codes) > 0 {
		req = map[string]any{"codes": codes}
	}
	if err := c.call(MsgLegend, MsgLegendResp, req, &res); err != nil {
		return nil, err
	}
	return res.Legend, nil
}

// Subscribe starts event streaming. Empty events means all.
func (c *IPCClient) Subscribe(events []EventType, buffer int) (*SubscribeResponse, error) {
	req := &SubscribeRequest{Events: events, Buffer: buffer}
	var resp SubscribeResponse
	if err := c.call(MsgSubscribe, MsgSubscribeResp, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Unsubscribe stops event streaming.
func (c *IPCClient) Unsubscribe() error {
	return c.call(MsgUnsubscribe, MsgUnsubscribeResp, nil, nil)
}
