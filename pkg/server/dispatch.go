package server

import (
	"fmt"

	"github.com/aeolun/voxelgate/pkg/protocol"
)

// Handler processes one decoded frame. A non-nil error is fatal for the
// connection; business failures are answered in place and return nil.
type Handler func(c *Connection, p *protocol.Packet) error

// DispatchTable maps the opcodes of one protocol state to handlers. Tables
// are built once and never modified.
type DispatchTable struct {
	state    protocol.State
	maxType  int32
	handlers map[int32]Handler
}

// Lookup returns the handler for opcode, failing closed for anything out of
// range or unregistered.
func (t *DispatchTable) Lookup(opcode int32) (Handler, error) {
	if opcode < 0 || opcode > t.maxType {
		return nil, fmt.Errorf("%w: 0x%02X out of range in %s", ErrUnsupportedOpcode, opcode, t.state)
	}
	h, ok := t.handlers[opcode]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02X in %s", ErrUnsupportedOpcode, opcode, t.state)
	}
	return h, nil
}

// Dispatcher holds the table of every state.
type Dispatcher struct {
	tables [protocol.StatePlay + 1]*DispatchTable
}

// Lookup resolves opcode in state.
func (d *Dispatcher) Lookup(state protocol.State, opcode int32) (Handler, error) {
	if int(state) >= len(d.tables) || d.tables[state] == nil {
		return nil, fmt.Errorf("%w: no table for %s", ErrState, state)
	}
	return d.tables[state].Lookup(opcode)
}

// decoded adapts a typed handler to Handler, decoding the payload into a
// fresh M first. Decode errors are framing violations.
func decoded[M any, PM interface {
	*M
	protocol.Message
}](h func(c *Connection, msg PM) error) Handler {
	return func(c *Connection, p *protocol.Packet) error {
		msg := PM(new(M))
		if err := protocol.Unmarshal(p, msg); err != nil {
			return fmt.Errorf("%w: %v", ErrFraming, err)
		}
		return h(c, msg)
	}
}

// ignored accepts a well-formed frame and does nothing with it.
func ignored[M any, PM interface {
	*M
	protocol.Message
}]() Handler {
	return decoded(func(*Connection, PM) error { return nil })
}

func newDispatcher() *Dispatcher {
	d := &Dispatcher{}
	d.tables[protocol.StateHandshake] = &DispatchTable{
		state:   protocol.StateHandshake,
		maxType: protocol.TypeHandshake,
		handlers: map[int32]Handler{
			protocol.TypeHandshake: decoded(handleHandshake),
		},
	}
	d.tables[protocol.StateStatus] = &DispatchTable{
		state:   protocol.StateStatus,
		maxType: protocol.TypeStatusPing,
		handlers: map[int32]Handler{
			protocol.TypeStatusRequest: decoded(handleStatusRequest),
			protocol.TypeStatusPing:    decoded(handleStatusPing),
		},
	}
	d.tables[protocol.StateLogin] = &DispatchTable{
		state:   protocol.StateLogin,
		maxType: protocol.LoginServerboundMaxType,
		handlers: map[int32]Handler{
			protocol.TypeLoginStart:         decoded(handleLoginStart),
			protocol.TypeEncryptionResponse: decoded(handleEncryptionResponse),
		},
	}
	d.tables[protocol.StatePlay] = &DispatchTable{
		state:   protocol.StatePlay,
		maxType: protocol.PlayServerboundMaxType,
		handlers: map[int32]Handler{
			protocol.TypeKeepAlive:          decoded(handleKeepAlive),
			protocol.TypeChatSB:             decoded(handleChat),
			protocol.TypeUseEntity:          ignored[protocol.UseEntityMessage](),
			protocol.TypePlayer:             decoded(handlePlayer),
			protocol.TypePlayerPosition:     decoded(handlePlayerPosition),
			protocol.TypePlayerLook:         decoded(handlePlayerLook),
			protocol.TypePlayerPositionLook: decoded(handlePlayerPositionLook),
			protocol.TypePlayerDigging:      decoded(handleDigging),
			protocol.TypeBlockPlacement:     decoded(handleBlockPlacement),
			protocol.TypeHeldItemChangeSB:   decoded(handleHeldItemChange),
			protocol.TypeAnimation:          ignored[protocol.AnimationMessage](),
			protocol.TypeEntityAction:       ignored[protocol.EntityActionMessage](),
			protocol.TypeSteerVehicle:       ignored[protocol.SteerVehicleMessage](),
			protocol.TypeCloseWindow:        decoded(handleCloseWindow),
			protocol.TypeClickWindow:        decoded(handleClickWindow),
			protocol.TypeConfirmTxSB:        ignored[protocol.ConfirmTransactionMessage](),
			protocol.TypeCreativeInventory:  decoded(handleCreativeInventory),
			protocol.TypeEnchantItem:        ignored[protocol.EnchantItemMessage](),
			protocol.TypeUpdateSignSB:       decoded(handleUpdateSign),
			protocol.TypePlayerAbilities:    ignored[protocol.PlayerAbilitiesMessage](),
			protocol.TypeTabComplete:        ignored[protocol.TabCompleteMessage](),
			protocol.TypeClientSettings:     decoded(handleClientSettings),
			protocol.TypeClientStatus:       decoded(handleClientStatus),
			protocol.TypePluginMessage:      decoded(handlePluginMessage),
		},
	}
	return d
}
