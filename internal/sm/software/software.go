// Package software implements the secure module in software. Keys are held
// in memory and never leave this package.
package software

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"

	keywrap "github.com/NickBall/go-aes-key-wrap"
	"github.com/brocaar/lorawan"
	"github.com/jacobsa/crypto/cmac"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/block"
	"github.com/brocaar/chirpstack-device-stack/internal/sm"
)

// ErrKeyNotSet is returned when an operation refers to a key which has not
// been provisioned or derived.
var ErrKeyNotSet = errors.New("key not set")

// Module implements the sm.SecureModule interface.
type Module struct {
	sync.RWMutex

	keys map[sm.KeyID]lorawan.AES128Key
	keks map[string][]byte
}

// New creates a new software secure module. The given KEKs (by label) are
// used by SetWrappedKey.
func New(keks map[string][]byte) *Module {
	m := Module{
		keys: make(map[sm.KeyID]lorawan.AES128Key),
		keks: make(map[string][]byte),
	}

	for label, kek := range keks {
		m.keks[label] = kek
	}

	return &m
}

// SetKey provisions the given key. This is used for the root keys (OTAA)
// or for the session keys (ABP).
func (m *Module) SetKey(k sm.KeyID, key lorawan.AES128Key) {
	m.Lock()
	defer m.Unlock()

	m.keys[k] = key
}

// SetWrappedKey provisions the given RFC 3394 wrapped key. When kekLabel is
// empty, wrapped is expected to hold the plain key.
func (m *Module) SetWrappedKey(k sm.KeyID, kekLabel string, wrapped []byte) error {
	var key lorawan.AES128Key

	if kekLabel == "" {
		if len(wrapped) != len(key) {
			return fmt.Errorf("expected %d key bytes, got: %d", len(key), len(wrapped))
		}
		copy(key[:], wrapped)
		m.SetKey(k, key)
		return nil
	}

	m.RLock()
	kek, ok := m.keks[kekLabel]
	m.RUnlock()
	if !ok {
		return fmt.Errorf("unknown kek label: %s", kekLabel)
	}

	kekBlock, err := aes.NewCipher(kek)
	if err != nil {
		return errors.Wrap(err, "new cipher error")
	}

	b, err := keywrap.Unwrap(kekBlock, wrapped)
	if err != nil {
		return errors.Wrap(err, "unwrap key error")
	}
	if len(b) != len(key) {
		return fmt.Errorf("expected %d unwrapped key bytes, got: %d", len(key), len(b))
	}

	copy(key[:], b)
	m.SetKey(k, key)

	log.WithFields(log.Fields{
		"key":       k,
		"kek_label": kekLabel,
	}).Debug("sm/software: wrapped key provisioned")

	return nil
}

// HasKey returns true when the given key is available.
func (m *Module) HasKey(k sm.KeyID) bool {
	m.RLock()
	defer m.RUnlock()

	_, ok := m.keys[k]
	return ok
}

// ECB encrypts the 16 byte block b in place.
func (m *Module) ECB(k sm.KeyID, b []byte) error {
	if len(b) != block.Size {
		return fmt.Errorf("expected %d bytes, got: %d", block.Size, len(b))
	}

	c, err := m.cipher(k)
	if err != nil {
		return err
	}

	c.Encrypt(b, b)
	return nil
}

// CTR encrypts or decrypts b in place. The block index is held by the last
// byte of iv and is incremented for every 16 byte block.
func (m *Module) CTR(k sm.KeyID, iv block.Block, b []byte) error {
	if len(b) == 0 {
		return nil
	}

	c, err := m.cipher(k)
	if err != nil {
		return err
	}

	cipher.NewCTR(c, iv[:]).XORKeyStream(b, b)
	return nil
}

// MIC returns the first four bytes (little endian) of the AES-CMAC over
// hdr | b.
func (m *Module) MIC(k sm.KeyID, hdr []byte, b []byte) (uint32, error) {
	key, err := m.key(k)
	if err != nil {
		return 0, err
	}

	hash, err := cmac.New(key[:])
	if err != nil {
		return 0, errors.Wrap(err, "new cmac error")
	}

	if _, err := hash.Write(hdr); err != nil {
		return 0, errors.Wrap(err, "write cmac error")
	}
	if _, err := hash.Write(b); err != nil {
		return 0, errors.Wrap(err, "write cmac error")
	}

	sum := hash.Sum([]byte{})
	if len(sum) < 4 {
		return 0, errors.New("cmac returned less than 4 bytes")
	}

	return binary.LittleEndian.Uint32(sum[0:4]), nil
}

// UpdateSessionKey derives dst as aes128_encrypt(root, iv).
func (m *Module) UpdateSessionKey(dst, root sm.KeyID, iv block.Block) error {
	c, err := m.cipher(root)
	if err != nil {
		return err
	}

	var key lorawan.AES128Key
	c.Encrypt(key[:], iv[:])
	m.SetKey(dst, key)

	log.WithFields(log.Fields{
		"key":  dst,
		"root": root,
	}).Debug("sm/software: session key updated")

	return nil
}

func (m *Module) key(k sm.KeyID) (lorawan.AES128Key, error) {
	m.RLock()
	defer m.RUnlock()

	key, ok := m.keys[k]
	if !ok {
		return key, errors.Wrapf(ErrKeyNotSet, "%s", k)
	}
	return key, nil
}

func (m *Module) cipher(k sm.KeyID) (cipher.Block, error) {
	key, err := m.key(k)
	if err != nil {
		return nil, err
	}

	c, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "new cipher error")
	}
	return c, nil
}
