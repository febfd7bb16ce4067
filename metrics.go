package serial

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "serial",
		Subsystem: "transport",
		Name:      "bytes_received_total",
		Help:      "Bytes delivered to protocols.",
	})
	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "serial",
		Subsystem: "transport",
		Name:      "bytes_sent_total",
		Help:      "Bytes written to devices.",
	})
	droppedWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "serial",
		Subsystem: "transport",
		Name:      "dropped_writes_total",
		Help:      "Writes discarded because the transport was closing or lost.",
	})
	connectionsLost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "serial",
			Subsystem: "transport",
			Name:      "connections_lost_total",
			Help:      "Transports that reached the closed state, by cause.",
		},
		[]string{"reason"},
	)
)

// RegisterMetrics registers the transport collectors with reg, or with the
// default registerer when reg is nil. Only the first call has an effect.
func RegisterMetrics(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(bytesReceived, bytesSent, droppedWrites, connectionsLost)
	})
}

func lostReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case isDeviceGone(err):
		return "device_gone"
	default:
		return "error"
	}
}
