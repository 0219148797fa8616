package ethereum

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	nodesTotal    *prometheus.GaugeVec
	limiterWaited *prometheus.HistogramVec
}

var (
	metricsInstance *Metrics
	once            sync.Once
)

// GetMetricsInstance registers the pool metrics once per process.
func GetMetricsInstance(namespace string) *Metrics {
	once.Do(func() {
		metricsInstance = &Metrics{
			nodesTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nodes_total",
				Help:      "Total number of nodes in the pool",
			}, []string{"status"}),
			limiterWaited: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rate_limit_wait_seconds",
				Help:      "Time spent waiting for a node's rate limiter",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			}, []string{"node"}),
		}

		prometheus.MustRegister(metricsInstance.nodesTotal, metricsInstance.limiterWaited)
	})

	return metricsInstance
}

func (m *Metrics) SetNodesTotal(count float64, status string) {
	if m == nil || m.nodesTotal == nil {
		return
	}

	m.nodesTotal.WithLabelValues(status).Set(count)
}

func (m *Metrics) ObserveLimiterWait(node string, seconds float64) {
	if m == nil || m.limiterWaited == nil {
		return
	}

	m.limiterWaited.WithLabelValues(node).Observe(seconds)
}
