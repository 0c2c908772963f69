package protocol

import "fmt"

// State is the protocol state of a connection. Each state interprets
// opcodes independently.
type State uint8

const (
	StateHandshake State = iota
	StateStatus
	StateLogin
	StatePlay
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateStatus:
		return "status"
	case StateLogin:
		return "login"
	case StatePlay:
		return "play"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Handshake (Client → Server)
const (
	TypeHandshake = 0x00
)

// Handshake next-state values
const (
	NextStateStatus = 1
	NextStateLogin  = 2
)

// Status state
const (
	TypeStatusRequest  = 0x00
	TypeStatusPing     = 0x01
	TypeStatusResponse = 0x00
	TypeStatusPong     = 0x01
)

// Login state (Client → Server)
const (
	TypeLoginStart          = 0x00
	TypeEncryptionResponse  = 0x01
	LoginServerboundMaxType = 0x01
)

// Login state (Server → Client)
const (
	TypeLoginDisconnect   = 0x00
	TypeEncryptionRequest = 0x01
	TypeLoginSuccess      = 0x02
)

// Play state (Client → Server)
const (
	TypeKeepAlive          = 0x00
	TypeChatSB             = 0x01
	TypeUseEntity          = 0x02
	TypePlayer             = 0x03
	TypePlayerPosition     = 0x04
	TypePlayerLook         = 0x05
	TypePlayerPositionLook = 0x06
	TypePlayerDigging      = 0x07
	TypeBlockPlacement     = 0x08
	TypeHeldItemChangeSB   = 0x09
	TypeAnimation          = 0x0A
	TypeEntityAction       = 0x0B
	TypeSteerVehicle       = 0x0C
	TypeCloseWindow        = 0x0D
	TypeClickWindow        = 0x0E
	TypeConfirmTxSB        = 0x0F
	TypeCreativeInventory  = 0x10
	TypeEnchantItem        = 0x11
	TypeUpdateSignSB       = 0x12
	TypePlayerAbilities    = 0x13
	TypeTabComplete        = 0x14
	TypeClientSettings     = 0x15
	TypeClientStatus       = 0x16
	TypePluginMessage      = 0x17

	PlayServerboundMaxType = 0x17
)

// Play state (Server → Client)
const (
	TypeJoinGame         = 0x01
	TypeChatCB           = 0x02
	TypeSpawnPosition    = 0x05
	TypeRespawn          = 0x07
	TypePositionLookCB   = 0x08
	TypeHeldItemChangeCB = 0x09
	TypeChunkData        = 0x21
	TypeMultiBlockChange = 0x22
	TypeBlockChange      = 0x23
	TypeSetSlot          = 0x2F
	TypeWindowItems      = 0x30
	TypeConfirmTxCB      = 0x32
	TypeUpdateSignCB     = 0x33
	TypePlayDisconnect   = 0x40
)

// Digging status values
const (
	DigStarted    = 0
	DigCancelled  = 1
	DigFinished   = 2
	DigDropStack  = 3
	DigDropItem   = 4
	DigShootOrEat = 5
)

// Client status actions
const (
	ClientStatusRespawn = 0
)

// Game modes
const (
	GameModeSurvival  = 0
	GameModeCreative  = 1
	GameModeAdventure = 2
)
