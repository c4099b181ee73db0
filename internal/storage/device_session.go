package storage

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/logging"
	"github.com/brocaar/chirpstack-device-stack/internal/session"
	"github.com/brocaar/lorawan"
)

const deviceSessionKeyTempl = "lora:dev:sess:%s"

// SaveSession saves the session. When a session TTL is configured, the
// session expires after this TTL without being saved again.
func SaveSession(ctx context.Context, s session.Session) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	key := GetRedisKey(deviceSessionKeyTempl, s.DevEUI)
	if err := RedisClient().Set(ctx, key, buf.Bytes(), sessionTTL).Err(); err != nil {
		return errors.Wrap(err, "set error")
	}

	log.WithFields(log.Fields{
		"dev_eui":  s.DevEUI,
		"dev_addr": s.DevAddr,
		"joined":   s.Joined,
		"f_cnt_up": s.Up,
		"ctx_id":   ctx.Value(logging.ContextIDKey),
	}).Debug("storage: device-session saved")

	return nil
}

// GetSession returns the session for the given DevEUI. It returns
// session.ErrDoesNotExist when no session has been stored.
func GetSession(ctx context.Context, devEUI lorawan.EUI64) (session.Session, error) {
	var s session.Session

	val, err := RedisClient().Get(ctx, GetRedisKey(deviceSessionKeyTempl, devEUI)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return s, session.ErrDoesNotExist
		}
		return s, errors.Wrap(err, "get error")
	}

	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&s); err != nil {
		return s, errors.Wrap(err, "gob decode error")
	}

	return s, nil
}

// DeleteSession deletes the session for the given DevEUI.
func DeleteSession(ctx context.Context, devEUI lorawan.EUI64) error {
	val, err := RedisClient().Del(ctx, GetRedisKey(deviceSessionKeyTempl, devEUI)).Result()
	if err != nil {
		return errors.Wrap(err, "delete error")
	}
	if val == 0 {
		return session.ErrDoesNotExist
	}

	log.WithFields(log.Fields{
		"dev_eui": devEUI,
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Info("storage: device-session deleted")

	return nil
}

// SessionStore exposes the Redis session functions as a store value, e.g.
// to pass it to the device.
type SessionStore struct{}

// GetSession returns the session for the given DevEUI.
func (SessionStore) GetSession(ctx context.Context, devEUI lorawan.EUI64) (session.Session, error) {
	return GetSession(ctx, devEUI)
}

// SaveSession saves the given session.
func (SessionStore) SaveSession(ctx context.Context, s session.Session) error {
	return SaveSession(ctx, s)
}
