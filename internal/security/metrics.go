package security

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fp = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_security_frame_prepared_count",
		Help: "The number of secured uplink frames (per frame type).",
	}, []string{"type"})
	fa = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_security_frame_accepted_count",
		Help: "The number of authenticated downlink frames (per frame type).",
	}, []string{"type"})
	fr = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_security_frame_rejected_count",
		Help: "The number of rejected downlink frames (per reason).",
	}, []string{"reason"})
)

func framePrepared(t string) prometheus.Counter {
	return fp.With(prometheus.Labels{"type": t})
}

func frameAccepted(t string) prometheus.Counter {
	return fa.With(prometheus.Labels{"type": t})
}

func frameRejected(reason string) prometheus.Counter {
	return fr.With(prometheus.Labels{"reason": reason})
}
