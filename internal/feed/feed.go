// Package feed defines what the renderer feeds expose and the JSON
// commands they accept. The Unix socket server in internal/ipc and the
// WebSocket server in internal/webfeed share the command set, its schema
// and the state event encoding.
package feed

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"keyvis/internal/interceptor"
	"keyvis/internal/keycode"
	"keyvis/internal/keystate"
)

// Engine is the part of the interceptor a feed serves.
// *interceptor.Interceptor implements it.
type Engine interface {
	Snapshot() *keystate.Snapshot
	SetRemapEnabled(ctx context.Context, enabled bool) error
	CheckPermission(ctx context.Context) error
	Legend(codes []keycode.Code) []interceptor.LegendEntry
	Subscribe(buffer int) *keystate.Subscription
	Unsubscribe(sub *keystate.Subscription)
}

var _ Engine = (*interceptor.Interceptor)(nil)

// Operations.
const (
	OpPing            = "ping"
	OpGetState        = "get_state"
	OpSetRemap        = "set_remap"
	OpLegend          = "legend"
	OpCheckPermission = "check_permission"
	OpSubscribe       = "subscribe"
	OpUnsubscribe     = "unsubscribe"
)

// DefaultSubscriptionBuffer is used when a subscribe command has no buffer.
const DefaultSubscriptionBuffer = 16

var (
	// ErrInvalidCommand is returned for input that fails the schema.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrStreamOp is returned by Execute for subscribe and unsubscribe,
	// which the transport handles.
	ErrStreamOp = errors.New("stream operation must be handled by the transport")
)

// Command is a validated feed request.
type Command struct {
	Op      string         `json:"op"`
	ID      uint64         `json:"id,omitempty"`
	Enabled *bool          `json:"enabled,omitempty"`
	Codes   []keycode.Code `json:"codes,omitempty"`
	Buffer  int            `json:"buffer,omitempty"`
	// Events filters an IPC subscription by event type.
	Events  []uint16       `json:"events,omitempty"`
}

//go:embed command.schema.json
var commandSchemaJSON []byte

const commandSchemaURL = "https://keyvis.local/schema/command-v1.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func commandSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(commandSchemaURL, bytes.NewReader(commandSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(commandSchemaURL)
	})
	return schema, schemaErr
}

// ParseCommand validates data against the command schema and decodes it.
func ParseCommand(data []byte) (*Command, error) {
	s, err := commandSchema()
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if err := s.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return &cmd, nil
}

// ParseCommandFor validates a payload whose operation is carried outside
// it, as in the framed IPC protocol. An empty payload is an empty object.
func ParseCommandFor(op string, payload []byte) (*Command, error) {
	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
	}
	opJSON, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}
	fields["op"] = opJSON

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return ParseCommand(data)
}

// Result is the outcome of a command. Exactly one field is set.
type Result struct {
	State  *keystate.Snapshot        `json:"state,omitempty"`
	Legend []interceptor.LegendEntry `json:"legend,omitempty"`
	Pong   bool                      `json:"pong,omitempty"`
}

// Execute runs a command that needs no per-client stream.
func Execute(ctx context.Context, e Engine, cmd *Command) (*Result, error) {
	switch cmd.Op {
	case OpPing:
		return &Result{Pong: true}, nil

	case OpGetState:
		return &Result{State: e.Snapshot()}, nil

	case OpSetRemap:
		if cmd.Enabled == nil {
			return nil, fmt.Errorf("%w: set_remap requires enabled", ErrInvalidCommand)
		}
		if err := e.SetRemapEnabled(ctx, *cmd.Enabled); err != nil {
			return nil, err
		}
		return &Result{State: e.Snapshot()}, nil

	case OpCheckPermission:
		if err := e.CheckPermission(ctx); err != nil {
			return nil, err
		}
		return &Result{State: e.Snapshot()}, nil

	case OpLegend:
		codes := cmd.Codes
		if len(codes) == 0 {
			codes = keycode.Positions()
		}
		return &Result{Legend: e.Legend(codes)}, nil

	case OpSubscribe, OpUnsubscribe:
		return nil, ErrStreamOp

	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrInvalidCommand, cmd.Op)
	}
}

// StateEvent is pushed to subscribers on every state change.
type StateEvent struct {
	Changes   []string           `json:"changes"`
	State     *keystate.Snapshot `json:"state"`
	Timestamp time.Time          `json:"timestamp"`
}

var changeNames = []struct {
	bit  keystate.Change
	name string
}{
	{keystate.ChangeKeys, "keys"},
	{keystate.ChangePermission, "permission"},
	{keystate.ChangeLayout, "layout"},
	{keystate.ChangeRemap, "remap"},
	{keystate.ChangeTap, "tap"},
}

// ChangeNames lists the names of the bits set in c.
func ChangeNames(c keystate.Change) []string {
	names := []string{}
	for _, cn := range changeNames {
		if c.Has(cn.bit) {
			names = append(names, cn.name)
		}
	}
	return names
}

// NewStateEvent converts a store update for the wire.
func NewStateEvent(u keystate.Update) StateEvent {
	return StateEvent{
		Changes:   ChangeNames(u.Changes),
		State:     u.Snapshot,
		Timestamp: u.Snapshot.Timestamp,
	}
}

// BufferFor returns the subscription buffer a command asks for.
func BufferFor(cmd *Command) int {
	if cmd == nil || cmd.Buffer <= 0 {
		return DefaultSubscriptionBuffer
	}
	return cmd.Buffer
}

// ErrorCode classifies a command failure for the wire.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCommand):
		return "invalid_command"
	case errors.Is(err, interceptor.ErrNotRunning):
		return "not_running"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "internal"
	}
}
