package layout_service

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	layoutsGranted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandgate",
			Subsystem: "layout",
			Name:      "layouts_granted_total",
			Help:      "Layouts handed out, by kind of device.",
		},
		[]string{"device"})

	layoutGetTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sandgate",
			Subsystem: "layout",
			Name:      "layout_get_timeouts_total",
			Help:      "Layout requests answered with DELAY because the backend session was not ready in time.",
		})

	layoutGetFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandgate",
			Subsystem: "layout",
			Name:      "layout_get_failures_total",
			Help:      "Layout requests that failed, by reason.",
		},
		[]string{"reason"})

	layoutReturnTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sandgate",
			Subsystem: "layout",
			Name:      "layout_return_timeouts_total",
			Help:      "Layout returns answered with DELAY because the session did not stop in time.",
		})

	lateSessionReady = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandgate",
			Subsystem: "layout",
			Name:      "late_session_ready_total",
			Help:      "Session ready notifications that arrived after a layout request had already timed out.",
		},
		[]string{"backend"})

	protocolViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandgate",
			Subsystem: "layout",
			Name:      "protocol_violations_total",
			Help:      "Duplicate or inconsistent backend notifications.",
		},
		[]string{"kind"})

	transfersExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sandgate",
			Subsystem: "layout",
			Name:      "transfers_expired_total",
			Help:      "Pending transfers removed because no session became ready.",
		})
)

func registerMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(layoutsGranted)
		prometheus.MustRegister(layoutGetTimeouts)
		prometheus.MustRegister(layoutGetFailures)
		prometheus.MustRegister(layoutReturnTimeouts)
		prometheus.MustRegister(lateSessionReady)
		prometheus.MustRegister(protocolViolations)
		prometheus.MustRegister(transfersExpired)
	})
}
