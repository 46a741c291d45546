package sendsidebwe

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtcp"

	"github.com/livekit/protocol/logger"
)

const (
	// reports arriving further than this factor off the estimate do not move it
	outlierReportFactor = 4
	intervalSmoothing   = 0.9

	// feedback counts are 8-bit serials
	feedbackCountHalfRange = 1 << 7

	referenceTimeUnitUs = 64 * 1000
)

var (
	ErrFeedbackReportOutOfOrder = errors.New("feedback report out-of-order")
	ErrFeedbackReportMalformed  = errors.New("feedback report malformed")
)

// PacketArrival is one entry of a transport-wide feedback report.
type PacketArrival struct {
	SequenceNumber uint16
	Received       bool
	ArrivalTime    int64 // in us, remote clock
}

// ------------------------------------------------

type feedbackInterval struct {
	lastAt    time.Time
	lastCount uint8
	estimate  time.Duration
}

// observe records a report with the given feedback count. Reports older than the newest one seen are rejected.
func (f *feedbackInterval) observe(at time.Time, count uint8) error {
	if f.lastAt.IsZero() {
		f.lastAt, f.lastCount = at, count
		return nil
	}
	if count-f.lastCount >= feedbackCountHalfRange {
		return ErrFeedbackReportOutOfOrder
	}

	gap := at.Sub(f.lastAt)
	f.lastAt, f.lastCount = at, count

	switch {
	case f.estimate == 0:
		f.estimate = gap
	case gap*outlierReportFactor > f.estimate && gap < f.estimate*outlierReportFactor:
		f.estimate = time.Duration(intervalSmoothing*float64(f.estimate) + (1-intervalSmoothing)*float64(gap))
	}
	return nil
}

// ------------------------------------------------

// decodeArrivals expands the status chunks of a report into one entry per reported sequence number.
func decodeArrivals(report *rtcp.TransportLayerCC) ([]PacketArrival, error) {
	total := int(report.PacketStatusCount)
	arrivals := make([]PacketArrival, 0, total)
	deltas := report.RecvDeltas
	at := int64(report.ReferenceTime) * referenceTimeUnitUs

	push := func(symbol uint16) error {
		// the last chunk may carry unused symbols
		if len(arrivals) == total {
			return nil
		}

		arrival := PacketArrival{SequenceNumber: report.BaseSequenceNumber + uint16(len(arrivals))}
		if symbol != rtcp.TypeTCCPacketNotReceived {
			if len(deltas) == 0 {
				return ErrFeedbackReportMalformed
			}
			at += deltas[0].Delta
			deltas = deltas[1:]
			arrival.Received, arrival.ArrivalTime = true, at
		}
		arrivals = append(arrivals, arrival)
		return nil
	}

	for _, chunk := range report.PacketChunks {
		var symbols []uint16
		switch c := chunk.(type) {
		case *rtcp.RunLengthChunk:
			symbols = make([]uint16, c.RunLength)
			for i := range symbols {
				symbols[i] = c.PacketStatusSymbol
			}
		case *rtcp.StatusVectorChunk:
			symbols = c.SymbolList
		}

		for _, symbol := range symbols {
			if err := push(symbol); err != nil {
				return nil, err
			}
		}
	}
	return arrivals, nil
}

// ------------------------------------------------

type TWCCFeedbackParams struct {
	Clock  clock.Clock
	Logger logger.Logger
}

// TWCCFeedback orders incoming transport-wide feedback and tracks how often it arrives.
type TWCCFeedback struct {
	params TWCCFeedbackParams

	lock     sync.RWMutex
	interval feedbackInterval
}

func NewTWCCFeedback(params TWCCFeedbackParams) *TWCCFeedback {
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &TWCCFeedback{
		params: params,
	}
}

func (t *TWCCFeedback) EstimatedFeedbackInterval() time.Duration {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.interval.estimate
}

func (t *TWCCFeedback) HandleRTCP(report *rtcp.TransportLayerCC) ([]PacketArrival, error) {
	t.lock.Lock()
	err := t.interval.observe(t.params.Clock.Now(), report.FbPktCount)
	t.lock.Unlock()
	if err != nil {
		return nil, err
	}

	return decodeArrivals(report)
}
