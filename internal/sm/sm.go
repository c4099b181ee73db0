// Package sm defines the secure-module interface. The security core only
// ever refers to keys by their KeyID, key material stays behind this
// interface.
package sm

import (
	"fmt"

	"github.com/brocaar/chirpstack-device-stack/internal/block"
)

// KeyID identifies a key held by the secure module.
type KeyID int

// Available keys.
const (
	AppS     KeyID = iota // application session key
	FNwkSInt              // forwarding network session integrity key (NwkSKey for 1.0)
	SNwkSInt              // serving network session integrity key
	NwkSEnc               // network session encryption key
	JSEnc                 // join-session encryption key
	JSInt                 // join-session integrity key
	Nwk                   // network root key (AppKey for 1.0)
	App                   // application root key
)

var keyNames = map[KeyID]string{
	AppS:     "AppSKey",
	FNwkSInt: "FNwkSIntKey",
	SNwkSInt: "SNwkSIntKey",
	NwkSEnc:  "NwkSEncKey",
	JSEnc:    "JSEncKey",
	JSInt:    "JSIntKey",
	Nwk:      "NwkKey",
	App:      "AppKey",
}

// String implements fmt.Stringer.
func (k KeyID) String() string {
	if s, ok := keyNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KeyID(%d)", int(k))
}

// IsRoot returns true for the long-lived root keys.
func (k KeyID) IsRoot() bool {
	return k == Nwk || k == App
}

// ParseKeyID returns the KeyID for the given key name (e.g. "NwkKey").
func ParseKeyID(s string) (KeyID, error) {
	for k, name := range keyNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown key name: %s", s)
}

// SecureModule defines the interface of a secure module.
type SecureModule interface {
	// ECB encrypts the 16 byte block b in place.
	ECB(k KeyID, b []byte) error

	// CTR encrypts / decrypts b in place using the keystream starting at iv.
	CTR(k KeyID, iv block.Block, b []byte) error

	// MIC returns the AES-CMAC based MIC over hdr | b. hdr may be nil.
	MIC(k KeyID, hdr []byte, b []byte) (uint32, error)

	// UpdateSessionKey derives dst by encrypting iv with the root key and
	// stores the result.
	UpdateSessionKey(dst, root KeyID, iv block.Block) error
}
