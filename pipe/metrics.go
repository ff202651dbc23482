package pipe

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks Prometheus metrics for RPC pipes.
// A nil *Metrics is a no-op.
type Metrics struct {
	// Binds counts bind and alter-context outcomes.
	// Labels: result=[ack, nak, rejected, awaiting_auth]
	Binds *prometheus.CounterVec

	// AuthLegs counts handshake legs by mechanism and result.
	AuthLegs *prometheus.CounterVec

	// Faults counts fault PDUs by status.
	Faults *prometheus.CounterVec

	// Requests counts dispatched calls by pipe and opnum.
	Requests *prometheus.CounterVec

	// Fragments counts outgoing PDUs.
	Fragments prometheus.Counter
}

// NewMetrics creates the pipe metrics and registers them with registerer,
// or with prometheus.DefaultRegisterer if it is nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Binds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbrpc_binds_total",
				Help: "Total bind and alter-context requests by result",
			},
			[]string{"result"},
		),
		AuthLegs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbrpc_auth_legs_total",
				Help: "Total authentication legs by mechanism and result",
			},
			[]string{"mechanism", "result"},
		),
		Faults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbrpc_faults_total",
				Help: "Total fault PDUs sent by status",
			},
			[]string{"status"},
		),
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbrpc_requests_total",
				Help: "Total dispatched requests by pipe and opnum",
			},
			[]string{"pipe", "opnum"},
		),
		Fragments: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smbrpc_fragments_sent_total",
				Help: "Total PDUs sent",
			},
		),
	}

	registerer.MustRegister(m.Binds, m.AuthLegs, m.Faults, m.Requests, m.Fragments)
	return m
}

func (m *Metrics) recordBind(result string) {
	if m == nil {
		return
	}
	m.Binds.WithLabelValues(result).Inc()
}

func (m *Metrics) recordAuthLeg(mechanism string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.AuthLegs.WithLabelValues(mechanism, result).Inc()
}

func (m *Metrics) recordFault(status uint32) {
	if m == nil {
		return
	}
	m.Faults.WithLabelValues("0x" + strconv.FormatUint(uint64(status), 16)).Inc()
}

func (m *Metrics) recordRequest(pipe string, opnum uint16) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(pipe, strconv.Itoa(int(opnum))).Inc()
}

func (m *Metrics) recordFragment() {
	if m == nil {
		return
	}
	m.Fragments.Inc()
}
