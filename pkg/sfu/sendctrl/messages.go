package sendctrl

import (
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/livekit/sendpacer/pkg/sfu/ccutils"
)

// PacerConfig expresses rates as an amount of data per time window.
type PacerConfig struct {
	DataWindowBytes int64
	PadWindowBytes  int64
	TimeWindow      time.Duration
}

func (p PacerConfig) DataRateBps() int64 {
	return rateBps(p.DataWindowBytes, p.TimeWindow)
}

func (p PacerConfig) PadRateBps() int64 {
	return rateBps(p.PadWindowBytes, p.TimeWindow)
}

func (p PacerConfig) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddInt64("DataWindowBytes", p.DataWindowBytes)
	e.AddInt64("PadWindowBytes", p.PadWindowBytes)
	e.AddDuration("TimeWindow", p.TimeWindow)
	return nil
}

func rateBps(bytes int64, window time.Duration) int64 {
	if window <= 0 {
		return 0
	}
	return bytes * 8 * int64(time.Second) / int64(window)
}

type CongestionWindow struct {
	Enabled         bool
	DataWindowBytes int64
}

type NetworkAvailability struct {
	NetworkAvailable bool
}

type OutstandingData struct {
	InFlightBytes int64
}

type ProbeClusterConfig struct {
	TargetRateBps int
	Id            ccutils.ProbeClusterId
}

type PacerQueueUpdate struct {
	ExpectedQueueTime time.Duration
}
