package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for Terminated
const (
	OutcomeInputsClosed    = "inputs_closed"
	OutcomeExplicitStop    = "explicit_stop"
	OutcomeExplicitStopAll = "explicit_stop_all"
	OutcomeError           = "error"
	OutcomePanic           = "panic"
)

// Recorder receives operator host measurements
type Recorder interface {
	// InputDispatched records one on_input call and how long it held the interpreter
	InputDispatched(nodeID, operatorID string, d time.Duration)

	// OutputEmitted records one output handed to the runtime
	OutputEmitted(nodeID, operatorID string)

	// Terminated records the terminal outcome of a host run
	Terminated(nodeID, operatorID, outcome string)
}

// Nop discards all measurements
type Nop struct{}

func (Nop) InputDispatched(string, string, time.Duration) {}
func (Nop) OutputEmitted(string, string)                  {}
func (Nop) Terminated(string, string, string)             {}

// Prometheus records measurements as Prometheus metrics
type Prometheus struct {
	inputs   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	outputs  *prometheus.CounterVec
	outcomes *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them with reg
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		inputs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "daedalus",
				Subsystem: "operator",
				Name:      "inputs_total",
				Help:      "Inputs dispatched to on_input.",
			},
			[]string{"node", "operator"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "daedalus",
				Subsystem: "operator",
				Name:      "input_duration_seconds",
				Help:      "Time spent in on_input.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"node", "operator"},
		),
		outputs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "daedalus",
				Subsystem: "operator",
				Name:      "outputs_total",
				Help:      "Outputs emitted through send_output.",
			},
			[]string{"node", "operator"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "daedalus",
				Subsystem: "operator",
				Name:      "terminations_total",
				Help:      "Host runs by terminal outcome.",
			},
			[]string{"node", "operator", "outcome"},
		),
	}

	for _, c := range []prometheus.Collector{p.inputs, p.duration, p.outputs, p.outcomes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) InputDispatched(nodeID, operatorID string, d time.Duration) {
	p.inputs.WithLabelValues(nodeID, operatorID).Inc()
	p.duration.WithLabelValues(nodeID, operatorID).Observe(d.Seconds())
}

func (p *Prometheus) OutputEmitted(nodeID, operatorID string) {
	p.outputs.WithLabelValues(nodeID, operatorID).Inc()
}

func (p *Prometheus) Terminated(nodeID, operatorID, outcome string) {
	p.outcomes.WithLabelValues(nodeID, operatorID, outcome).Inc()
}
