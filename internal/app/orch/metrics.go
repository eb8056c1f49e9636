package orch

import "github.com/prometheus/client_golang/prometheus"

const (
	dropMalformed     = "malformed"
	dropNotJoined     = "sender_not_joined"
	dropUnknownTarget = "unknown_target"
	dropBackpressure  = "backpressure"
)

type Metrics struct {
	Connections      prometheus.Gauge
	Joined           prometheus.Gauge
	JoinsRejected    prometheus.Counter
	SignalsForwarded prometheus.Counter
	SignalsDropped   *prometheus.CounterVec
	Kicks            prometheus.Counter
}

// NewMetrics registers the relay collectors with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicemesh",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open relay websocket connections.",
		}),
		Joined: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicemesh",
			Subsystem: "relay",
			Name:      "joined_participants",
			Help:      "Participants currently joined to a voice room.",
		}),
		JoinsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicemesh",
			Subsystem: "relay",
			Name:      "joins_rejected_total",
			Help:      "Join attempts refused by the rate limiter.",
		}),
		SignalsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicemesh",
			Subsystem: "relay",
			Name:      "signals_forwarded_total",
			Help:      "voice_signal messages delivered to their target.",
		}),
		SignalsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicemesh",
			Subsystem: "relay",
			Name:      "signals_dropped_total",
			Help:      "voice_signal messages that were not delivered.",
		}, []string{"reason"}),
		Kicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicemesh",
			Subsystem: "relay",
			Name:      "kicks_total",
			Help:      "Connections closed by the relay.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.Joined, m.JoinsRejected, m.SignalsForwarded, m.SignalsDropped, m.Kicks)
	}
	return m
}
