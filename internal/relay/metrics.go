package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts relay traffic. The relay never inspects payloads, so all it
// can meter is opaque frames and bytes.
type Metrics struct {
	FramesRelayed prometheus.Counter
	BytesRelayed  prometheus.Counter
	ActiveRooms   prometheus.Gauge
	ActiveMembers prometheus.Gauge
}

// NewMetrics registers the relay metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_relayed_total",
			Help: "Frames fanned out to room members.",
		}),
		BytesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_bytes_relayed_total",
			Help: "Payload bytes fanned out to room members.",
		}),
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_rooms",
			Help: "Rooms with at least one connected member.",
		}),
		ActiveMembers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_members",
			Help: "Currently connected members across all rooms.",
		}),
	}
}
