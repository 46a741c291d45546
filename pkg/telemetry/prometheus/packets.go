package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	atomicBytesOut   atomic.Uint64
	atomicPacketsOut atomic.Uint64
	atomicNackTotal  atomic.Uint64

	promPacketLabels = []string{"type"}

	promPacketTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "packet",
		Name:      "total",
		Help:      "Packets emitted by the pacer.",
	}, promPacketLabels)
	promPacketBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "packet",
		Name:      "bytes",
		Help:      "Bytes on the wire emitted by the pacer.",
	}, promPacketLabels)
	promSendErrorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "packet",
		Name:      "send_error_total",
	}, []string{"error_type"})
	promNackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "nack",
		Name:      "total",
	})
	promRetransmitMissTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "nack",
		Name:      "miss_total",
		Help:      "Requested sequence numbers that could not be retransmitted.",
	})
)

func initPacketStats(registerer prometheus.Registerer) {
	registerer.MustRegister(promPacketTotal)
	registerer.MustRegister(promPacketBytes)
	registerer.MustRegister(promSendErrorTotal)
	registerer.MustRegister(promNackTotal)
	registerer.MustRegister(promRetransmitMissTotal)
}

func IncrementPackets(packetType string, count uint64) {
	promPacketTotal.WithLabelValues(packetType).Add(float64(count))
	atomicPacketsOut.Add(count)
}

func IncrementBytes(packetType string, count uint64) {
	promPacketBytes.WithLabelValues(packetType).Add(float64(count))
	atomicBytesOut.Add(count)
}

func IncrementSendErrors(errorType string) {
	promSendErrorTotal.WithLabelValues(errorType).Inc()
}

func IncrementNacks(requested int, missed int) {
	if requested > 0 {
		promNackTotal.Add(float64(requested))
		atomicNackTotal.Add(uint64(requested))
	}
	if missed > 0 {
		promRetransmitMissTotal.Add(float64(missed))
	}
}

// PacketTotals returns the packets, bytes and nacks recorded since start.
func PacketTotals() (packets uint64, bytes uint64, nacks uint64) {
	return atomicPacketsOut.Load(), atomicBytesOut.Load(), atomicNackTotal.Load()
}
