package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryExposesCoreMetrics(t *testing.T) {
	r := NewRegistry()

	r.Core.MessagesRouted.WithLabelValues("cmd").Inc()
	r.Core.CmdTimeouts.Inc()
	r.Core.ExtensionThreads.Set(2)

	families, err := r.Prometheus().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["extmesh_messages_routed_total"])
	assert.True(t, names["extmesh_cmd_timeouts_total"])
	assert.True(t, names["extmesh_extension_threads"])
	assert.True(t, names["extmesh_engines_active"])
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_test_counter",
		Help: "test",
	})
	require.NoError(t, r.Register("engine", "test_counter", c))

	c2 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_test_counter_2",
		Help: "test",
	})
	err := r.Register("engine", "test_counter", c2)
	require.Error(t, err)
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_gone_counter",
		Help: "test",
	})
	require.NoError(t, r.Register("engine", "gone", c))

	assert.True(t, r.Unregister("engine", "gone"))
	assert.False(t, r.Unregister("engine", "gone"))
}
