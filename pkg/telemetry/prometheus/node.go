package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	livekitNamespace string = "livekit"
)

var (
	initialized atomic.Bool

	promNodeStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livekitNamespace,
		Subsystem: "node",
		Name:      "start_time_seconds",
	})
)

// Init registers all collectors with the default registry.
// Recording before Init is allowed, values are kept but not exported.
func Init(nodeID string) {
	InitWithRegisterer(prometheus.DefaultRegisterer, nodeID)
}

// InitWithRegisterer labels every collector with nodeID. Only the first call registers.
func InitWithRegisterer(registerer prometheus.Registerer, nodeID string) {
	if initialized.Swap(true) {
		return
	}

	registerer = prometheus.WrapRegistererWith(prometheus.Labels{"node_id": nodeID}, registerer)

	promNodeStartTime.Set(float64(time.Now().Unix()))
	registerer.MustRegister(promNodeStartTime)

	initPacketStats(registerer)
	initPacerStats(registerer)
}
