package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	p.InputDispatched("node", "op", 10*time.Millisecond)
	p.InputDispatched("node", "op", 20*time.Millisecond)
	p.OutputEmitted("node", "op")
	p.Terminated("node", "op", OutcomeInputsClosed)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.inputs.WithLabelValues("node", "op")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.outputs.WithLabelValues("node", "op")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.outcomes.WithLabelValues("node", "op", OutcomeInputsClosed)))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.outcomes.WithLabelValues("node", "op", OutcomeError)))
	assert.Equal(t, 1, testutil.CollectAndCount(p.duration))
}

func TestPrometheusDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheus(reg)
	require.NoError(t, err)

	_, err = NewPrometheus(reg)
	assert.Error(t, err)
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.InputDispatched("node", "op", time.Second)
	r.OutputEmitted("node", "op")
	r.Terminated("node", "op", OutcomePanic)
}
