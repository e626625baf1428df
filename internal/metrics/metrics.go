package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// eventsReceived counts socket events by kind
	eventsReceived *prometheus.CounterVec

	// reconnectAttempts counts scheduled reconnect dials
	reconnectAttempts prometheus.Counter

	// connectionState is 1 for the current state label, 0 otherwise
	connectionState *prometheus.GaugeVec

	// fetches counts REST page fetches by result
	fetches *prometheus.CounterVec

	// confirmations counts read confirmations by operation and result
	confirmations *prometheus.CounterVec

	// rollbacks counts optimistic reads undone after a failed confirmation
	rollbacks prometheus.Counter

	// unread tracks the derived unread count
	unread prometheus.Gauge
}

var connectionStates = []string{"disconnected", "connecting", "connected", "reconnect_failed"}

// New registers the collectors with reg. Pass prometheus.NewRegistry()
// in tests to keep registrations isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		eventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tutornotify_socket_events_total",
			Help: "Socket events dispatched by kind",
		}, []string{"kind"}),
		reconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "tutornotify_socket_reconnect_attempts_total",
			Help: "Reconnect dials attempted after a drop",
		}),
		connectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tutornotify_socket_state",
			Help: "Current socket connection state (1 = active)",
		}, []string{"state"}),
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tutornotify_inbox_fetches_total",
			Help: "Notification page fetches by result",
		}, []string{"result"}),
		confirmations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tutornotify_inbox_confirmations_total",
			Help: "Read confirmations by operation and result",
		}, []string{"op", "result"}),
		rollbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "tutornotify_inbox_rollbacks_total",
			Help: "Optimistic reads rolled back",
		}),
		unread: f.NewGauge(prometheus.GaugeOpts{
			Name: "tutornotify_inbox_unread",
			Help: "Unread notifications in the inbox",
		}),
	}
}

func (m *Metrics) EventReceived(kind string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// SetConnectionState marks state as the only active state label.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) Fetch(err error) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) Confirmation(op string, err error) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) Rollback(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rollbacks.Add(float64(n))
}

func (m *Metrics) SetUnread(n int) {
	if m == nil {
		return
	}
	m.unread.Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
