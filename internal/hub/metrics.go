package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"clusterhub/internal/protocol"
)

// Metrics are the hub's Prometheus instruments. A nil *Metrics records
// nothing.
type Metrics struct {
	connections   prometheus.Gauge
	registered    *prometheus.GaugeVec
	registrations *prometheus.CounterVec
	commands      *prometheus.CounterVec
	routed        *prometheus.CounterVec
	routeMisses   prometheus.Counter
	resourcePush  prometheus.Counter
}

// NewMetrics registers the hub instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "clusterhub",
			Name:      "connections",
			Help:      "Open peer connections.",
		}),
		registered: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clusterhub",
			Name:      "registered_servers",
			Help:      "Registered peers by server type.",
		}, []string{"type"}),
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clusterhub",
			Name:      "registrations_total",
			Help:      "Registration attempts by result.",
		}, []string{"result"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clusterhub",
			Name:      "commands_total",
			Help:      "Control commands received by command name.",
		}, []string{"command"}),
		routed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clusterhub",
			Name:      "routed_messages_total",
			Help:      "Routed message deliveries by send mode.",
		}, []string{"mode"}),
		routeMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: "clusterhub",
			Name:      "route_misses_total",
			Help:      "Routed messages that reached no peer.",
		}),
		resourcePush: f.NewCounter(prometheus.CounterOpts{
			Namespace: "clusterhub",
			Name:      "resource_pushes_total",
			Help:      "Unsolicited resource address pushes.",
		}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) command(cmd uint16) {
	if m != nil {
		m.commands.WithLabelValues(commandName(cmd)).Inc()
	}
}

func (m *Metrics) registration(result uint16) {
	if m != nil {
		m.registrations.WithLabelValues(resultName(result)).Inc()
	}
}

func (m *Metrics) setRegistered(counts map[protocol.ServerType]int) {
	if m == nil {
		return
	}
	for t := protocol.TypeDatabase; t <= protocol.TypeWorld; t++ {
		m.registered.WithLabelValues(t.String()).Set(float64(counts[t]))
	}
}

func (m *Metrics) routedTo(mode protocol.SendMode, delivered int) {
	if m == nil {
		return
	}
	if delivered == 0 {
		m.routeMisses.Inc()
		return
	}
	m.routed.WithLabelValues(mode.String()).Add(float64(delivered))
}

func (m *Metrics) pushed(n int) {
	if m != nil {
		m.resourcePush.Add(float64(n))
	}
}

func commandName(cmd uint16) string {
	switch cmd {
	case protocol.CmdRegisterServer:
		return "register_server"
	case protocol.CmdFindServer:
		return "find_server"
	case protocol.CmdGetResourceAddress:
		return "get_resource_address"
	case protocol.CmdRouteMessage:
		return "route_message"
	default:
		return "unknown"
	}
}

func resultName(result uint16) string {
	switch result {
	case protocol.ResultOK:
		return "ok"
	case protocol.ResultUnknownType:
		return "unknown_type"
	case protocol.ResultBadPayload:
		return "bad_payload"
	case protocol.ResultNotFound:
		return "not_found"
	case protocol.ResultAlreadyRegistered:
		return "already_registered"
	case protocol.ResultNoFreeIndex:
		return "no_free_index"
	case protocol.ResultNotRegistered:
		return "not_registered"
	default:
		return "other"
	}
}
