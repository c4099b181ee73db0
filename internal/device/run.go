package device

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// UplinkConfig defines the periodic uplinks sent by Run.
type UplinkConfig struct {
	Interval  time.Duration
	Count     int // 0 = unlimited
	FPort     uint8
	Payload   []byte
	Confirmed bool
}

// Run joins the network (OTAA, when not yet joined) and then sends the
// configured uplinks until Count uplinks are sent or ctx is cancelled.
func (d *Device) Run(ctx context.Context, c UplinkConfig) error {
	for d.conf.OTAA && !d.session.Joined {
		err := d.Join(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Cause(err) != ErrJoinTimeout {
			return errors.Wrap(err, "join error")
		}

		log.WithFields(log.Fields{
			"dev_eui":  d.conf.DevEUI,
			"interval": c.Interval,
		}).Warning("device: join failed, will retry")

		if !sleep(ctx, c.Interval) {
			return nil
		}
	}

	for i := 0; c.Count == 0 || i < c.Count; i++ {
		if i != 0 && !sleep(ctx, c.Interval) {
			return nil
		}

		if _, err := d.SendData(ctx, c.FPort, c.Payload, c.Confirmed); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "send data error")
		}
	}

	return nil
}

// sleep returns false when ctx was cancelled before the duration elapsed.
func sleep(ctx context.Context, dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
