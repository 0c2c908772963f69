package server

import (
	"errors"

	"github.com/aeolun/voxelgate/pkg/cipher"
	"github.com/aeolun/voxelgate/pkg/protocol"
)

// Disconnect classes. Every fatal error is wrapped in one of these so the
// kick reason logged and counted in metrics is stable.
var (
	ErrFraming = errors.New("framing error")
	ErrState   = errors.New("protocol state error")
	ErrCipher  = errors.New("cipher error")
	ErrAuth    = errors.New("authentication failed")
	ErrTimeout = errors.New("timed out")

	ErrUnsupportedOpcode = errors.New("unsupported opcode")
	ErrViolation         = errors.New("protocol violation")
	ErrServerFull        = errors.New("server is full")
	ErrQueueOverflow     = errors.New("outbound queue overflow")
	ErrShuttingDown      = errors.New("server shutting down")
)

// errorClass returns the metric label for a disconnect cause.
func errorClass(err error) string {
	switch {
	case err == nil:
		return "quit"
	case errors.Is(err, ErrFraming),
		errors.Is(err, protocol.ErrMalformedVarint),
		errors.Is(err, protocol.ErrFrameTooLarge),
		errors.Is(err, protocol.ErrInvalidFrameLength):
		return "framing"
	case errors.Is(err, ErrCipher), errors.Is(err, cipher.ErrDecryptionFailed), errors.Is(err, cipher.ErrSecretLength):
		return "cipher"
	case errors.Is(err, ErrAuth), errors.Is(err, cipher.ErrTokenMismatch):
		return "auth"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrState), errors.Is(err, ErrUnsupportedOpcode), errors.Is(err, ErrViolation):
		return "protocol"
	case errors.Is(err, ErrQueueOverflow):
		return "overflow"
	case errors.Is(err, ErrShuttingDown):
		return "shutdown"
	}
	return "io"
}
