package storage

import (
	"context"
	"testing"

	"github.com/brocaar/lorawan"
	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-device-stack/internal/session"
)

func (ts *StorageTestSuite) TestSession() {
	ctx := context.Background()
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	ts.T().Run("Get non-existing", func(t *testing.T) {
		assert := require.New(t)

		_, err := GetSession(ctx, devEUI)
		assert.Equal(session.ErrDoesNotExist, err)
		assert.Equal(session.ErrDoesNotExist, DeleteSession(ctx, devEUI))
	})

	ts.T().Run("Save", func(t *testing.T) {
		assert := require.New(t)

		s := session.Session{
			DevEUI:        devEUI,
			JoinEUI:       lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1},
			DevAddr:       lorawan.DevAddr{1, 2, 3, 4},
			NetID:         lorawan.NetID{1, 2, 3},
			JoinNonce:     10,
			NextJoinNonce: 11,
			DevNonce:      258,
			NwkDown:       0x00010002,
			AppDown:       5,
			Up:            12,
			Version:       session.LoRaWAN1_1,
			Joined:        true,
		}
		assert.NoError(SaveSession(ctx, s))

		t.Run("Get", func(t *testing.T) {
			assert := require.New(t)

			sGet, err := GetSession(ctx, devEUI)
			assert.NoError(err)
			assert.Equal(s, sGet)
		})

		t.Run("Key prefix", func(t *testing.T) {
			assert := require.New(t)

			keys, err := RedisClient().Keys(ctx, "*").Result()
			assert.NoError(err)
			assert.Equal([]string{GetRedisKey(deviceSessionKeyTempl, devEUI)}, keys)
		})

		t.Run("Store", func(t *testing.T) {
			assert := require.New(t)

			var store SessionStore
			s.Up++
			assert.NoError(store.SaveSession(ctx, s))

			sGet, err := store.GetSession(ctx, devEUI)
			assert.NoError(err)
			assert.EqualValues(13, sGet.Up)
		})

		t.Run("Delete", func(t *testing.T) {
			assert := require.New(t)

			assert.NoError(DeleteSession(ctx, devEUI))
			_, err := GetSession(ctx, devEUI)
			assert.Equal(session.ErrDoesNotExist, err)
		})
	})
}
