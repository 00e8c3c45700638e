// Package ipc provides the Unix socket feed between keyvisd and local
// clients such as keyvisctl and on-screen keyboard renderers.
//
// The protocol is designed for:
//   - Request/response pattern for commands
//   - Event streaming for live key state
//   - A fixed binary header with JSON payloads
//   - Protocol versioning for compatibility
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"keyvis/internal/feed"
	"keyvis/internal/keystate"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4B564953 // "KVIS"
)

// MaxPayloadSize bounds a single message payload.
const MaxPayloadSize = 1 << 20

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005
	MsgShutdown     MessageType = 0x0006

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Engine commands (0x02xx)
	MsgGetState            MessageType = 0x0200
	MsgGetStateResp        MessageType = 0x0201
	MsgSetRemap            MessageType = 0x0202
	MsgSetRemapResp        MessageType = 0x0203
	MsgCheckPermission     MessageType = 0x0204
	MsgCheckPermissionResp MessageType = 0x0205
	MsgLegend              MessageType = 0x0206
	MsgLegendResp          MessageType = 0x0207

	// Event streaming (0x05xx)
	MsgSubscribe       MessageType = 0x0500
	MsgSubscribeResp   MessageType = 0x0501
	MsgUnsubscribe     MessageType = 0x0502
	MsgUnsubscribeResp MessageType = 0x0503
	MsgEvent           MessageType = 0x0504
)

// commandTypes maps engine command messages to feed operations and their
// response types.
var commandTypes = map[MessageType]struct {
	op   string
	resp MessageType
}{
	MsgGetState:        {feed.OpGetState, MsgGetStateResp},
	MsgSetRemap:        {feed.OpSetRemap, MsgSetRemapResp},
	MsgCheckPermission: {feed.OpCheckPermission, MsgCheckPermissionResp},
	MsgLegend:          {feed.OpLegend, MsgLegendResp},
}

func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgHandshake:
		return "handshake"
	case MsgError:
		return "error"
	case MsgStatusRequest:
		return "status"
	case MsgSubscribe:
		return "subscribe"
	case MsgUnsubscribe:
		return "unsubscribe"
	case MsgEvent:
		return "event"
	}
	if c, ok := commandTypes[t]; ok {
		return c.op
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// EventType identifies the type of streamed event
type EventType uint16

const (
	EventState          EventType = 0x0001
	EventConfigChanged  EventType = 0x0002
	EventDaemonShutdown EventType = 0x0003
)

// AllEvents is the subscription used when a request names none.
var AllEvents = []EventType{EventState, EventConfigChanged, EventDaemonShutdown}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// FlagJSON marks a JSON payload. It is the only encoding.
const FlagJSON uint8 = 0x04

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}

	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes the message as a single write, so concurrent writers
// serialized by a mutex never interleave frames.
func (m *Message) Write(w io.Writer) error {
	buf := make([]byte, 0, HeaderSize+len(m.Payload))
	buf = binary.BigEndian.AppendUint32(buf, m.Header.Magic)
	buf = append(buf, m.Header.Version, m.Header.Flags)
	buf = binary.BigEndian.AppendUint16(buf, uint16(m.Header.Type))
	buf = binary.BigEndian.AppendUint32(buf, m.Header.RequestID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	ClientID        string `json:"client_id"`
}

// ErrorCode classifies protocol failures.
type ErrorCode int

// Error codes
const (
	CodeUnknown          ErrorCode = 1
	CodeInvalidRequest   ErrorCode = 2
	CodePermissionDenied ErrorCode = 4
	CodeInternal         ErrorCode = 5
	CodeNotRunning       ErrorCode = 7
	CodeTimeout          ErrorCode = 8
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidRequest:
		return "invalid_request"
	case CodePermissionDenied:
		return "permission_denied"
	case CodeInternal:
		return "internal"
	case CodeNotRunning:
		return "not_running"
	case CodeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ErrorResponse is sent when an operation fails. Clients return it as an
// error.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("ipc: %s: %s", e.Code, e.Message)
}

// codeForFeedError maps a feed command failure to a protocol code.
func codeForFeedError(err error) ErrorCode {
	switch feed.ErrorCode(err) {
	case "invalid_command":
		return CodeInvalidRequest
	case "not_running":
		return CodeNotRunning
	case "timeout":
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// StatusRequest requests daemon status
type StatusRequest struct {
	IncludeMetrics bool `json:"include_metrics,omitempty"`
}

// StatusResponse contains daemon status
type StatusResponse struct {
	Version     string             `json:"version"`
	StartedAt   time.Time          `json:"started_at"`
	Uptime      time.Duration      `json:"uptime"`
	State       *keystate.Snapshot `json:"state"`
	Clients     int                `json:"clients"`
	Subscribers int                `json:"subscribers"`
	Metrics     map[string]any     `json:"metrics,omitempty"`
}

// SubscribeRequest requests event subscription
type SubscribeRequest struct {
	Events []EventType `json:"events,omitempty"` // Empty means all events
	Buffer int         `json:"buffer,omitempty"`
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	Success bool               `json:"success"`
	Events  []EventType        `json:"events"`
	State   *keystate.Snapshot `json:"state"`
}

// Event is a streamed event
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StateEvent decodes the payload of an EventState event.
func (e *Event) StateEvent() (*feed.StateEvent, error) {
	if e.Type != EventState {
		return nil, fmt.Errorf("event type %d is not a state event", e.Type)
	}
	var se feed.StateEvent
	if err := Decode(e.Data, &se); err != nil {
		return nil, err
	}
	return &se, nil
}

// NewEvent encodes data into an event.
func NewEvent(t EventType, data any) (*Event, error) {
	raw, err := Encode(data)
	if err != nil {
		return nil, err
	}
	return &Event{Type: t, Timestamp: time.Now(), Data: raw}, nil
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code ErrorCode, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
