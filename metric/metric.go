// Package metric manages Prometheus metrics for the runtime: a registry
// wrapper plus the core counters and gauges every app exports.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/extmesh/errors"
)

// Core holds the runtime's built-in metrics.
type Core struct {
	// MessagesRouted counts messages forwarded by engines, by kind.
	MessagesRouted *prometheus.CounterVec
	// CmdTimeouts counts synthesized TIMEOUT results.
	CmdTimeouts prometheus.Counter
	// ExtensionThreads gauges live extension threads.
	ExtensionThreads prometheus.Gauge
	// EnginesActive gauges running engines.
	EnginesActive prometheus.Gauge
}

func newCore() *Core {
	return &Core{
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extmesh_messages_routed_total",
			Help: "Messages forwarded by engines, by message kind",
		}, []string{"kind"}),
		CmdTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "extmesh_cmd_timeouts_total",
			Help: "Commands answered with a synthesized TIMEOUT result",
		}),
		ExtensionThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "extmesh_extension_threads",
			Help: "Live extension threads",
		}),
		EnginesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "extmesh_engines_active",
			Help: "Running engines",
		}),
	}
}

// Registry manages metric registration and lifecycle.
type Registry struct {
	prom       *prometheus.Registry
	Core       *Core
	registered map[string]prometheus.Collector
	mu         sync.Mutex
}

// NewRegistry creates a registry with the core runtime metrics and the Go
// runtime collectors registered.
func NewRegistry() *Registry {
	r := &Registry{
		prom:       prometheus.NewRegistry(),
		Core:       newCore(),
		registered: make(map[string]prometheus.Collector),
	}

	r.prom.MustRegister(
		r.Core.MessagesRouted,
		r.Core.CmdTimeouts,
		r.Core.ExtensionThreads,
		r.Core.EnginesActive,
	)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// Prometheus returns the underlying registry for scrape handlers.
func (r *Registry) Prometheus() *prometheus.Registry { return r.prom }

// Register adds a component-owned collector under a namespaced key.
func (r *Registry) Register(component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for %s", name, component),
			"Registry", "Register", "duplicate metric registration")
	}

	if err := r.prom.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "Registry", "Register",
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "Registry", "Register", "prometheus registration")
	}

	r.registered[key] = c
	return nil
}

// Unregister removes a component-owned collector.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	c, exists := r.registered[key]
	if !exists {
		return false
	}

	if r.prom.Unregister(c) {
		delete(r.registered, key)
		return true
	}
	return false
}
