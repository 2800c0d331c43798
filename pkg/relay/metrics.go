package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Forced action round outcomes recorded by Metrics.ForcedAction.
const (
	ForcedOutcomeAnswered = "answered"
	ForcedOutcomeTimeout  = "timeout"
	ForcedOutcomeEmpty    = "empty"
)

// Frame directions recorded by Metrics.FrameRelayed.
const (
	directionIntegrationIn  = "integration_in"
	directionIntegrationOut = "integration_out"
	directionWatcherIn      = "watcher_in"
	directionWatcherOut     = "watcher_out"
)

// Metrics holds the broker's Prometheus instruments. A nil *Metrics is
// valid and records nothing, which keeps wiring optional in tests.
type Metrics struct {
	connectedPeers *prometheus.GaugeVec
	framesRelayed  *prometheus.CounterVec
	notifyFailures prometheus.Counter
	forcedActions  *prometheus.CounterVec
}

// NewMetrics registers the broker instruments with reg. queueDepth feeds the
// pending-deliveries gauge and is called on every scrape; pass the delivery
// queue's Len method.
func NewMetrics(reg prometheus.Registerer, queueDepth func() int) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		connectedPeers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "neuro_relay",
			Name:      "connected_peers",
			Help:      "Currently connected peers by kind.",
		}, []string{"kind"}),
		framesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neuro_relay",
			Name:      "frames_relayed_total",
			Help:      "Frames moved through the broker by direction.",
		}, []string{"direction"}),
		notifyFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "neuro_relay",
			Name:      "watcher_notify_failures_total",
			Help:      "Watcher notifications dropped because the socket write failed.",
		}),
		forcedActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neuro_relay",
			Name:      "forced_action_rounds_total",
			Help:      "Forced action rounds by outcome.",
		}, []string{"outcome"}),
	}
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "neuro_relay",
		Name:      "pending_deliveries",
		Help:      "Messages queued for offline integrations.",
	}, func() float64 { return float64(queueDepth()) })
	return m
}

// PeerConnected records a peer registration.
func (m *Metrics) PeerConnected(kind PeerKind) {
	if m == nil {
		return
	}
	m.connectedPeers.WithLabelValues(string(kind)).Inc()
}

// PeerDisconnected records a peer leaving.
func (m *Metrics) PeerDisconnected(kind PeerKind) {
	if m == nil {
		return
	}
	m.connectedPeers.WithLabelValues(string(kind)).Dec()
}

// FrameRelayed counts one frame moved in the given direction.
func (m *Metrics) FrameRelayed(direction string) {
	if m == nil {
		return
	}
	m.framesRelayed.WithLabelValues(direction).Inc()
}

// NotifyFailed counts one dropped watcher notification.
func (m *Metrics) NotifyFailed() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}

// ForcedAction counts one completed forced action round.
func (m *Metrics) ForcedAction(outcome string) {
	if m == nil {
		return
	}
	m.forcedActions.WithLabelValues(outcome).Inc()
}
