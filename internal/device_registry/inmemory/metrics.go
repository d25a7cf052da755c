package inmemory

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registryPrometheusMetrics sync.Once

	registryDevicesAllocated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sandgate",
			Subsystem: "device_registry",
			Name:      "devices_allocated_total",
			Help:      "Number of device ids allocated for backend address sets.",
		})
	registryDevicesReplaced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sandgate",
			Subsystem: "device_registry",
			Name:      "devices_replaced_total",
			Help:      "Number of device ids retired because a backend reported new addresses.",
		})
)

func registerMetrics() {
	registryPrometheusMetrics.Do(func() {
		prometheus.MustRegister(registryDevicesAllocated)
		prometheus.MustRegister(registryDevicesReplaced)
	})
}
