package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	usc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_uplink_sent_count",
		Help: "The number of uplinks sent by the device (per frame type).",
	}, []string{"type"})

	drc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_downlink_received_count",
		Help: "The number of downlinks accepted by the device (per frame type).",
	}, []string{"type"})
)

func uplinkSentCounter(t string) prometheus.Counter {
	return usc.With(prometheus.Labels{"type": t})
}

func downlinkReceivedCounter(t string) prometheus.Counter {
	return drc.With(prometheus.Labels{"type": t})
}
