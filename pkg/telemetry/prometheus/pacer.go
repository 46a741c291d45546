package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	promPacerQueuePackets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livekitNamespace,
		Subsystem: "pacer",
		Name:      "queue_packets",
	})
	promPacerQueueBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livekitNamespace,
		Subsystem: "pacer",
		Name:      "queue_bytes",
	})
	promPacerExpectedQueueTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livekitNamespace,
		Subsystem: "pacer",
		Name:      "expected_queue_time_ms",
	})
	promPacerPaused = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livekitNamespace,
		Subsystem: "pacer",
		Name:      "paused",
	})
	promPacerRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: livekitNamespace,
		Subsystem: "pacer",
		Name:      "rate_bps",
	}, []string{"kind"})
	promOutstandingBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livekitNamespace,
		Subsystem: "transport",
		Name:      "outstanding_bytes",
	})
	promCongestionWindow = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livekitNamespace,
		Subsystem: "transport",
		Name:      "congestion_window_bytes",
		Help:      "Configured congestion window, -1 when disabled.",
	})
	promProbeClusterTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "pacer",
		Name:      "probe_cluster_total",
	}, []string{"result"})
)

func initPacerStats(registerer prometheus.Registerer) {
	registerer.MustRegister(promPacerQueuePackets)
	registerer.MustRegister(promPacerQueueBytes)
	registerer.MustRegister(promPacerExpectedQueueTime)
	registerer.MustRegister(promPacerPaused)
	registerer.MustRegister(promPacerRate)
	registerer.MustRegister(promOutstandingBytes)
	registerer.MustRegister(promCongestionWindow)
	registerer.MustRegister(promProbeClusterTotal)
}

func SetPacerQueue(packets int, bytes int, expectedQueueTime time.Duration) {
	promPacerQueuePackets.Set(float64(packets))
	promPacerQueueBytes.Set(float64(bytes))
	promPacerExpectedQueueTime.Set(float64(expectedQueueTime.Milliseconds()))
}

func SetPacerPaused(paused bool) {
	if paused {
		promPacerPaused.Set(1)
	} else {
		promPacerPaused.Set(0)
	}
}

func SetPacerRates(pacingRateBps int64, paddingRateBps int64) {
	promPacerRate.WithLabelValues("pacing").Set(float64(pacingRateBps))
	promPacerRate.WithLabelValues("padding").Set(float64(paddingRateBps))
}

func SetOutstandingBytes(bytes int64) {
	promOutstandingBytes.Set(float64(bytes))
}

func SetCongestionWindow(bytes int64) {
	promCongestionWindow.Set(float64(bytes))
}

func IncrementProbeClusters(result string) {
	promProbeClusterTotal.WithLabelValues(result).Inc()
}
