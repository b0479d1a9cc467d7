// Package metrics holds the agent's Prometheus collectors. Collectors are
// registered with the default registry and served by Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sensorwatch"

// Publish kinds.
const (
	KindTelemetry = "telemetry"
	KindJobStatus = "job-status"
	KindAck       = "ack"
	KindShadow    = "shadow"
	KindStatus    = "status"
)

// Results.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultSkipped  = "skipped"
	ResultRejected = "rejected"
	ResultIgnored  = "ignored"
)

var (
	Publishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publish_total",
		Help:      "Publishes attempted by kind and result.",
	}, []string{"kind", "result"})

	JobTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_transitions_total",
		Help:      "Job state transitions by entered state.",
	}, []string{"status"})

	Commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Inbound control messages by source and result.",
	}, []string{"source", "result"})

	SessionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_state",
		Help:      "Transport session state: 0=disconnected,1=connecting,2=connected,3=interrupted,4=reconnecting.",
	})

	OperatingMode = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "operating_mode",
		Help:      "Operating mode: 0=idle,1=active.",
	})

	SensorReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sensor_reads_total",
		Help:      "Sensor reads by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(Publishes, JobTransitions, Commands, SessionState, OperatingMode, SensorReads)
}

// Handler serves the registered collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
