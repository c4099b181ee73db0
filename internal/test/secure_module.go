package test

import (
	"sync"

	"github.com/brocaar/chirpstack-device-stack/internal/block"
	"github.com/brocaar/chirpstack-device-stack/internal/sm"
)

// SecureModuleCall records a single secure-module invocation.
type SecureModuleCall struct {
	Op   string
	Key  sm.KeyID
	Root sm.KeyID
	IV   block.Block
}

// SecureModule wraps a secure module and records every call.
type SecureModule struct {
	sync.Mutex
	sm.SecureModule

	Calls []SecureModuleCall
}

// NewSecureModule returns a new recording SecureModule.
func NewSecureModule(m sm.SecureModule) *SecureModule {
	return &SecureModule{SecureModule: m}
}

// ECB method.
func (m *SecureModule) ECB(k sm.KeyID, b []byte) error {
	m.record(SecureModuleCall{Op: "ECB", Key: k})
	return m.SecureModule.ECB(k, b)
}

// CTR method.
func (m *SecureModule) CTR(k sm.KeyID, iv block.Block, b []byte) error {
	m.record(SecureModuleCall{Op: "CTR", Key: k, IV: iv})
	return m.SecureModule.CTR(k, iv, b)
}

// MIC method.
func (m *SecureModule) MIC(k sm.KeyID, hdr []byte, b []byte) (uint32, error) {
	m.record(SecureModuleCall{Op: "MIC", Key: k})
	return m.SecureModule.MIC(k, hdr, b)
}

// UpdateSessionKey method.
func (m *SecureModule) UpdateSessionKey(dst, root sm.KeyID, iv block.Block) error {
	m.record(SecureModuleCall{Op: "UpdateSessionKey", Key: dst, Root: root, IV: iv})
	return m.SecureModule.UpdateSessionKey(dst, root, iv)
}

// UsedKeys returns the set of keys referred to by the recorded calls.
func (m *SecureModule) UsedKeys() map[sm.KeyID]bool {
	m.Lock()
	defer m.Unlock()

	out := make(map[sm.KeyID]bool)
	for _, c := range m.Calls {
		out[c.Key] = true
	}
	return out
}

// Reset clears the recorded calls.
func (m *SecureModule) Reset() {
	m.Lock()
	defer m.Unlock()
	m.Calls = nil
}

func (m *SecureModule) record(c SecureModuleCall) {
	m.Lock()
	defer m.Unlock()
	m.Calls = append(m.Calls, c)
}
