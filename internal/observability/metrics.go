package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects relay metrics.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.FrameReceived("chat_message")
//	metrics.ConnectionOpened()
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// ActiveConnections is the number of open sockets on this instance.
	ActiveConnections prometheus.Gauge

	// ActiveRooms is the number of channels with at least one local member.
	ActiveRooms prometheus.Gauge

	// FrameCounter counts frames by direction and type.
	// Labels: direction (inbound|outbound|remote), type
	FrameCounter *prometheus.CounterVec

	// PublishErrors counts failed fan-out publishes.
	// Labels: type
	PublishErrors *prometheus.CounterVec

	// DeliveryErrors counts writes to local peers that failed.
	DeliveryErrors prometheus.Counter
}

// NewMetrics creates the relay metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dashtracer_chat_active_connections",
			Help: "Number of open chat sockets on this instance",
		}),
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dashtracer_chat_active_rooms",
			Help: "Number of channels with at least one local member",
		}),
		FrameCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashtracer_chat_frames_total",
				Help: "Chat frames processed by direction and type",
			},
			[]string{"direction", "type"},
		),
		PublishErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashtracer_chat_publish_errors_total",
				Help: "Failed fan-out publishes by frame type",
			},
			[]string{"type"},
		),
		DeliveryErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "dashtracer_chat_delivery_errors_total",
			Help: "Failed writes to local peers",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.ActiveRooms.Set(float64(n))
}

func (m *Metrics) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.FrameCounter.WithLabelValues("inbound", frameType).Inc()
}

func (m *Metrics) FrameSent(frameType string) {
	if m == nil {
		return
	}
	m.FrameCounter.WithLabelValues("outbound", frameType).Inc()
}

func (m *Metrics) FrameFromRemote(frameType string) {
	if m == nil {
		return
	}
	m.FrameCounter.WithLabelValues("remote", frameType).Inc()
}

func (m *Metrics) PublishFailed(frameType string) {
	if m == nil {
		return
	}
	m.PublishErrors.WithLabelValues(frameType).Inc()
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.DeliveryErrors.Inc()
}
