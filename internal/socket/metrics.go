package socket

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the session/packet counters exposed on the daemon's
// optional /metrics endpoint. It counts sessions and packets, not
// congestion signals.
type Metrics struct {
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	Retransmits     prometheus.Counter
	SocketsActive   prometheus.Gauge
	MemoryCorruptions prometheus.Counter
}

// NewMetrics registers a fresh set of counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fsplls", Name: "packets_sent_total", Help: "Packets emitted by the lower layer.",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fsplls", Name: "packets_received_total", Help: "Packets handed to the lower layer's dispatcher, counted before ICC validation.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fsplls", Name: "bytes_sent_total", Help: "Datagram bytes emitted, headers included.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fsplls", Name: "bytes_received_total", Help: "Packet bytes handed to the dispatcher, headers included, counted before ICC validation.",
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fsplls", Name: "retransmits_total", Help: "Packets retransmitted after a SNACK gap or staleness timeout.",
		}),
		SocketsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fsplls", Name: "sockets_active", Help: "Socket Items currently outside NON_EXISTENT and CLOSED.",
		}),
		MemoryCorruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fsplls", Name: "memory_corruptions_total", Help: "ErrMemoryCorruption occurrences.",
		}),
	}
	reg.MustRegister(m.PacketsSent, m.PacketsReceived, m.BytesSent, m.BytesReceived,
		m.Retransmits, m.SocketsActive, m.MemoryCorruptions)
	return m
}
