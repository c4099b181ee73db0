// Package security implements the frame security engine: it secures
// outgoing data and join-request frames and authenticates and decrypts
// incoming join-accept and data frames. All cryptographic operations are
// delegated to the secure module, the engine only refers to keys by their
// identifier.
//
// The engine is synchronous and holds no per-device state, the caller must
// not invoke two operations concurrently for the same session.
package security

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-device-stack/internal/frame"
	"github.com/brocaar/chirpstack-device-stack/internal/sm"
)

// Errors returned by ReceiveFrame. Use errors.Cause to compare.
var (
	ErrInvalidFrame    = errors.New("invalid frame")
	ErrMIC             = errors.New("invalid mic")
	ErrUnexpectedFrame = errors.New("unexpected frame type")
	ErrDevAddrMismatch = errors.New("devaddr mismatch")
	ErrStaleJoinNonce  = errors.New("stale join nonce")
)

// Operation defines what the device is currently doing.
type Operation int

// Available operations.
const (
	OpNone Operation = iota
	OpJoining
	OpRejoining
	OpDataUnconfirmed
	OpDataConfirmed
)

// String implements fmt.Stringer.
func (o Operation) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpJoining:
		return "joining"
	case OpRejoining:
		return "rejoining"
	case OpDataUnconfirmed:
		return "data_unconfirmed"
	case OpDataConfirmed:
		return "data_confirmed"
	default:
		return fmt.Sprintf("Operation(%d)", int(o))
	}
}

// Config holds the engine configuration.
type Config struct {
	// FOptsErrata enables the LoRaWAN 1.1 errata (26 Jan 2018) free
	// counter and block index for FOpts encryption.
	FOptsErrata bool

	// JoinNonceCheck rejects join-accepts with a join nonce lower than
	// Session.NextJoinNonce.
	JoinNonceCheck bool
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		JoinNonceCheck: true,
	}
}

// TXParams holds the transmission parameters which are authenticated by
// the LoRaWAN 1.1 uplink MIC.
type TXParams struct {
	DataRate uint8
	Channel  uint8
}

// Codec defines the frame codec interface.
type Codec interface {
	// EncodeData encodes the given data frame and returns the offsets of
	// the options and payload regions.
	EncodeData(f frame.Data) ([]byte, frame.Offsets, error)

	// EncodeJoinRequest encodes the given join-request.
	EncodeJoinRequest(f frame.JoinRequest) ([]byte, error)

	// Decode decodes the given downlink frame.
	Decode(b []byte) (frame.Down, error)

	// UpdateMIC writes the MIC into the frame trailer.
	UpdateMIC(b []byte, mic uint32)

	// JoinAcceptSize returns the size of a join-accept with or without
	// CFList.
	JoinAcceptSize(cfList bool) int
}

// Engine implements the frame security engine.
type Engine struct {
	sm    sm.SecureModule
	codec Codec
	conf  Config
}

// New creates a new Engine.
func New(m sm.SecureModule, c Codec, conf Config) *Engine {
	return &Engine{
		sm:    m,
		codec: c,
		conf:  conf,
	}
}
