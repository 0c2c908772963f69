package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/voxelgate/pkg/protocol"
)

func TestDispatcherLookup(t *testing.T) {
	d := newDispatcher()

	tests := []struct {
		name   string
		state  protocol.State
		opcode int32
		err    error
	}{
		{"handshake", protocol.StateHandshake, protocol.TypeHandshake, nil},
		{"status ping", protocol.StateStatus, protocol.TypeStatusPing, nil},
		{"login start", protocol.StateLogin, protocol.TypeLoginStart, nil},
		{"keep alive", protocol.StatePlay, protocol.TypeKeepAlive, nil},
		{"plugin message", protocol.StatePlay, protocol.TypePluginMessage, nil},
		{"past the play range", protocol.StatePlay, protocol.PlayServerboundMaxType + 1, ErrUnsupportedOpcode},
		{"negative", protocol.StatePlay, -1, ErrUnsupportedOpcode},
		{"login opcode in handshake", protocol.StateHandshake, protocol.TypeEncryptionResponse, ErrUnsupportedOpcode},
		{"clientbound only", protocol.StateLogin, protocol.TypeLoginSuccess, ErrUnsupportedOpcode},
		{"unknown state", protocol.State(9), 0, ErrState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := d.Lookup(tt.state, tt.opcode)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.Nil(t, h)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, h)
		})
	}
}

func TestPlayTableCoversEveryServerboundOpcode(t *testing.T) {
	d := newDispatcher()
	for op := int32(0); op <= protocol.PlayServerboundMaxType; op++ {
		_, err := d.Lookup(protocol.StatePlay, op)
		assert.NoError(t, err, "opcode 0x%02X", op)
	}
}

func TestDecodedRejectsMalformedPayload(t *testing.T) {
	h, err := newDispatcher().Lookup(protocol.StatePlay, protocol.TypeKeepAlive)
	require.NoError(t, err)

	short := &protocol.Packet{ID: protocol.TypeKeepAlive, Payload: protocol.NewFrame(0)}
	short.Payload.WriteUint8(1)
	assert.ErrorIs(t, h(nil, short), ErrFraming)

	ignoredHandler, err := newDispatcher().Lookup(protocol.StatePlay, protocol.TypeAnimation)
	require.NoError(t, err)
	assert.ErrorIs(t, ignoredHandler(nil, &protocol.Packet{ID: protocol.TypeAnimation, Payload: protocol.NewFrame(0)}), ErrFraming)

	p, err := protocol.Marshal(&protocol.AnimationMessage{EntityID: 1, Animation: 1})
	require.NoError(t, err)
	assert.NoError(t, ignoredHandler(nil, p))
}
