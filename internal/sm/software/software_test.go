package software

import (
	"crypto/aes"
	"encoding/binary"
	"testing"

	keywrap "github.com/NickBall/go-aes-key-wrap"
	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-device-stack/internal/block"
	"github.com/brocaar/chirpstack-device-stack/internal/sm"
)

var testKey = lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

func TestModule(t *testing.T) {
	t.Run("key not set", func(t *testing.T) {
		assert := require.New(t)
		m := New(nil)

		_, err := m.MIC(sm.Nwk, nil, []byte{1, 2, 3})
		assert.Equal(ErrKeyNotSet, errors.Cause(err))
		assert.Equal(ErrKeyNotSet, errors.Cause(m.ECB(sm.Nwk, make([]byte, 16))))
		assert.False(m.HasKey(sm.Nwk))
	})

	t.Run("ECB", func(t *testing.T) {
		assert := require.New(t)
		m := New(nil)
		m.SetKey(sm.Nwk, testKey)

		b := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
		exp := make([]byte, 16)
		c, err := aes.NewCipher(testKey[:])
		assert.NoError(err)
		c.Encrypt(exp, b)

		assert.NoError(m.ECB(sm.Nwk, b))
		assert.Equal(exp, b)

		assert.Error(m.ECB(sm.Nwk, make([]byte, 15)))
	})

	t.Run("CTR matches FRMPayload encryption", func(t *testing.T) {
		assert := require.New(t)
		m := New(nil)
		m.SetKey(sm.AppS, testKey)

		devAddr := lorawan.DevAddr{1, 2, 3, 4}
		plain := []byte("hello world, this spans more than one block")
		exp, err := lorawan.EncryptFRMPayload(testKey, true, devAddr, 10, append([]byte{}, plain...))
		assert.NoError(err)

		b := append([]byte{}, plain...)
		assert.NoError(m.CTR(sm.AppS, block.NewA(0, block.Uplink, devAddr, 10, 1), b))
		assert.Equal(exp, b)

		// decrypt
		assert.NoError(m.CTR(sm.AppS, block.NewA(0, block.Uplink, devAddr, 10, 1), b))
		assert.Equal(plain, b)

		assert.NoError(m.CTR(sm.AppS, block.Block{}, nil))
	})

	t.Run("MIC matches join-request MIC", func(t *testing.T) {
		assert := require.New(t)
		m := New(nil)
		m.SetKey(sm.Nwk, testKey)

		phy := lorawan.PHYPayload{
			MHDR: lorawan.MHDR{
				MType: lorawan.JoinRequest,
				Major: lorawan.LoRaWANR1,
			},
			MACPayload: &lorawan.JoinRequestPayload{
				JoinEUI:  lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
				DevEUI:   lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1},
				DevNonce: 258,
			},
		}
		assert.NoError(phy.SetUplinkJoinMIC(testKey))
		b, err := phy.MarshalBinary()
		assert.NoError(err)

		mic, err := m.MIC(sm.Nwk, nil, b[:len(b)-4])
		assert.NoError(err)
		assert.Equal(binary.LittleEndian.Uint32(phy.MIC[:]), mic)

		// the header and body are concatenated
		micSplit, err := m.MIC(sm.Nwk, b[:5], b[5:len(b)-4])
		assert.NoError(err)
		assert.Equal(mic, micSplit)

		// length-exact
		micShort, err := m.MIC(sm.Nwk, nil, b[:len(b)-5])
		assert.NoError(err)
		assert.NotEqual(mic, micShort)
	})

	t.Run("UpdateSessionKey", func(t *testing.T) {
		assert := require.New(t)
		m := New(nil)
		m.SetKey(sm.Nwk, testKey)

		iv := block.NewSessionKeyIV(block.KeyAppS, 1, lorawan.NetID{1, 2, 3}, 4)
		assert.NoError(m.UpdateSessionKey(sm.AppS, sm.Nwk, iv))
		assert.True(m.HasKey(sm.AppS))

		var exp lorawan.AES128Key
		c, err := aes.NewCipher(testKey[:])
		assert.NoError(err)
		c.Encrypt(exp[:], iv[:])

		key, err := m.key(sm.AppS)
		assert.NoError(err)
		assert.Equal(exp, key)

		assert.Equal(ErrKeyNotSet, errors.Cause(m.UpdateSessionKey(sm.AppS, sm.App, iv)))
	})

	t.Run("SetWrappedKey", func(t *testing.T) {
		assert := require.New(t)
		kek := []byte{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
		m := New(map[string][]byte{"kek-1": kek})

		kekBlock, err := aes.NewCipher(kek)
		assert.NoError(err)
		wrapped, err := keywrap.Wrap(kekBlock, testKey[:])
		assert.NoError(err)

		assert.NoError(m.SetWrappedKey(sm.Nwk, "kek-1", wrapped))
		key, err := m.key(sm.Nwk)
		assert.NoError(err)
		assert.Equal(testKey, key)

		assert.NoError(m.SetWrappedKey(sm.App, "", testKey[:]))
		assert.True(m.HasKey(sm.App))

		assert.EqualError(m.SetWrappedKey(sm.Nwk, "kek-2", wrapped), "unknown kek label: kek-2")
		assert.Error(m.SetWrappedKey(sm.App, "", []byte{1, 2, 3}))
	})
}
