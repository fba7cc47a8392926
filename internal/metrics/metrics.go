// Package metrics exposes engine progress as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/service"
)

// Collector counts state transitions seen on the progress bus.
type Collector struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	lastSeq     prometheus.Gauge
	executions  *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "transitions_total",
			Help:      "Entity state changes by entity kind and resulting status.",
		}, []string{"entity", "status"}),
		lastSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarm",
			Name:      "progress_sequence",
			Help:      "Sequence number of the last progress notification observed.",
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal status.",
		}, []string{"status"}),
	}
	c.registry.MustRegister(c.transitions, c.lastSeq, c.executions)
	return c
}

func (c *Collector) Observe(n models.Notification) {
	c.transitions.WithLabelValues(string(n.Entity), n.Status).Inc()
	c.lastSeq.Set(float64(n.Seq))
	if n.Entity == models.ExecutionEntity && models.ExecutionStatus(n.Status).Terminal() {
		c.executions.WithLabelValues(n.Status).Inc()
	}
}

// Run observes notifications from sub until ctx is done or the subscription
// closes.
func (c *Collector) Run(ctx context.Context, sub *service.Subscription) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			c.Observe(n)
		}
	}
}

// Handler serves the collected metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
