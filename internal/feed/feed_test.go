package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyvis/internal/interceptor"
	"keyvis/internal/keycode"
	"keyvis/internal/keystate"
)

type fakeEngine struct {
	store      *keystate.Store
	remap      bool
	checks     int
	setErr     error
	lastLegend []keycode.Code
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{store: keystate.NewStore()}
}

func (f *fakeEngine) Snapshot() *keystate.Snapshot { return f.store.Current() }

func (f *fakeEngine) SetRemapEnabled(_ context.Context, enabled bool) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.remap = enabled
	f.store.SetRemap(enabled)
	return nil
}

func (f *fakeEngine) CheckPermission(context.Context) error {
	f.checks++
	return nil
}

func (f *fakeEngine) Legend(codes []keycode.Code) []interceptor.LegendEntry {
	f.lastLegend = codes
	out := make([]interceptor.LegendEntry, 0, len(codes))
	for _, c := range codes {
		out = append(out, interceptor.LegendEntry{Code: c, Label: keycode.PositionLabel(c)})
	}
	return out
}

func (f *fakeEngine) Subscribe(buffer int) *keystate.Subscription { return f.store.Subscribe(buffer) }

func (f *fakeEngine) Unsubscribe(sub *keystate.Subscription) { sub.Close() }

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"ping", `{"op":"ping"}`, true},
		{"get_state with id", `{"op":"get_state","id":7}`, true},
		{"set_remap", `{"op":"set_remap","enabled":true}`, true},
		{"set_remap missing enabled", `{"op":"set_remap"}`, false},
		{"set_remap wrong type", `{"op":"set_remap","enabled":"yes"}`, false},
		{"legend codes", `{"op":"legend","codes":[0,1,49]}`, true},
		{"legend code out of range", `{"op":"legend","codes":[128]}`, false},
		{"legend fractional code", `{"op":"legend","codes":[1.5]}`, false},
		{"subscribe buffer", `{"op":"subscribe","buffer":32}`, true},
		{"subscribe zero buffer", `{"op":"subscribe","buffer":0}`, false},
		{"unknown op", `{"op":"record"}`, false},
		{"missing op", `{"enabled":true}`, false},
		{"extra field", `{"op":"ping","path":"/etc"}`, false},
		{"not json", `ping`, false},
		{"not an object", `["ping"]`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand([]byte(tt.input))
			if tt.valid {
				require.NoError(t, err)
				assert.NotEmpty(t, cmd.Op)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCommand))
		})
	}
}

func TestParseCommandDecodesFields(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"op":"set_remap","id":3,"enabled":false}`))
	require.NoError(t, err)
	assert.Equal(t, OpSetRemap, cmd.Op)
	assert.Equal(t, uint64(3), cmd.ID)
	require.NotNil(t, cmd.Enabled)
	assert.False(t, *cmd.Enabled)

	cmd, err = ParseCommand([]byte(`{"op":"legend","codes":[1,0]}`))
	require.NoError(t, err)
	assert.Equal(t, []keycode.Code{keycode.KeyS, keycode.KeyA}, cmd.Codes)
}

func TestParseCommandFor(t *testing.T) {
	cmd, err := ParseCommandFor(OpGetState, nil)
	require.NoError(t, err)
	assert.Equal(t, OpGetState, cmd.Op)

	cmd, err = ParseCommandFor(OpSetRemap, []byte(`{"enabled":true}`))
	require.NoError(t, err)
	require.NotNil(t, cmd.Enabled)
	assert.True(t, *cmd.Enabled)

	// The framed op wins over one smuggled in the payload.
	cmd, err = ParseCommandFor(OpPing, []byte(`{"op":"set_remap"}`))
	require.NoError(t, err)
	assert.Equal(t, OpPing, cmd.Op)

	_, err = ParseCommandFor(OpSetRemap, []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidCommand)

	_, err = ParseCommandFor(OpGetState, []byte(`[1]`))
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	e := newFakeEngine()

	res, err := Execute(ctx, e, &Command{Op: OpPing})
	require.NoError(t, err)
	assert.True(t, res.Pong)

	enabled := true
	res, err = Execute(ctx, e, &Command{Op: OpSetRemap, Enabled: &enabled})
	require.NoError(t, err)
	assert.True(t, e.remap)
	assert.True(t, res.State.RemapEnabled)

	res, err = Execute(ctx, e, &Command{Op: OpGetState})
	require.NoError(t, err)
	assert.True(t, res.State.RemapEnabled)

	_, err = Execute(ctx, e, &Command{Op: OpCheckPermission})
	require.NoError(t, err)
	assert.Equal(t, 1, e.checks)

	res, err = Execute(ctx, e, &Command{Op: OpLegend, Codes: []keycode.Code{keycode.KeyA}})
	require.NoError(t, err)
	require.Len(t, res.Legend, 1)
	assert.Equal(t, "A", res.Legend[0].Label)

	res, err = Execute(ctx, e, &Command{Op: OpLegend})
	require.NoError(t, err)
	assert.Equal(t, keycode.Positions(), e.lastLegend)
	assert.Len(t, res.Legend, len(keycode.Positions()))

	_, err = Execute(ctx, e, &Command{Op: OpSubscribe})
	assert.ErrorIs(t, err, ErrStreamOp)

	_, err = Execute(ctx, e, &Command{Op: OpSetRemap})
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestExecutePropagatesEngineErrors(t *testing.T) {
	e := newFakeEngine()
	e.setErr = interceptor.ErrNotRunning

	enabled := false
	_, err := Execute(context.Background(), e, &Command{Op: OpSetRemap, Enabled: &enabled})
	require.Error(t, err)
	assert.Equal(t, "not_running", ErrorCode(err))
}

func TestErrorCode(t *testing.T) {
	_, err := ParseCommand([]byte(`{}`))
	assert.Equal(t, "invalid_command", ErrorCode(err))
	assert.Equal(t, "timeout", ErrorCode(context.DeadlineExceeded))
	assert.Equal(t, "internal", ErrorCode(errors.New("boom")))
}

func TestStateEvent(t *testing.T) {
	e := newFakeEngine()
	sub := e.Subscribe(4)
	defer e.Unsubscribe(sub)

	e.store.Press(keycode.KeyA, "a")
	u := <-sub.C

	ev := NewStateEvent(u)
	assert.Equal(t, []string{"keys"}, ev.Changes)
	assert.Equal(t, []string{"a"}, ev.State.PressedKeys)
	assert.Equal(t, u.Snapshot.Timestamp, ev.Timestamp)

	assert.Equal(t, []string{"permission", "tap"}, ChangeNames(keystate.ChangePermission|keystate.ChangeTap))
	assert.Empty(t, ChangeNames(0))
}

func TestBufferFor(t *testing.T) {
	assert.Equal(t, DefaultSubscriptionBuffer, BufferFor(nil))
	assert.Equal(t, DefaultSubscriptionBuffer, BufferFor(&Command{Op: OpSubscribe}))
	assert.Equal(t, 64, BufferFor(&Command{Op: OpSubscribe, Buffer: 64}))
}
