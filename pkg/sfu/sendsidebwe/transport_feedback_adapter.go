// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sendsidebwe

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pion/rtcp"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"
)

const (
	DefaultMaxTrackedPackets = 1 << 14
	maxTrackedPackets        = 1 << 15
)

type TransportFeedbackAdapterParams struct {
	Clock             clock.Clock
	Logger            logger.Logger
	MaxTrackedPackets int
}

// TransportPacketsFeedback is the sender side interpretation of one transport feedback report.
type TransportPacketsFeedback struct {
	FeedbackTime     time.Time
	Results          []PacketResult
	OutstandingBytes int
	Stats            TrafficStats

	// sequence numbers of received packets keyed by media SSRC
	Acked map[uint32][]uint16
}

func (t *TransportPacketsFeedback) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if t == nil {
		return nil
	}

	e.AddTime("FeedbackTime", t.FeedbackTime)
	e.AddInt("Results", len(t.Results))
	e.AddInt("OutstandingBytes", t.OutstandingBytes)
	e.AddObject("Stats", &t.Stats)
	return nil
}

// ------------------------------------------------

// TransportFeedbackAdapter remembers packets stamped with a transport-wide sequence number
// and matches them against incoming transport feedback.
type TransportFeedbackAdapter struct {
	params TransportFeedbackAdapterParams

	feedback *TWCCFeedback

	lock             sync.Mutex
	sentPackets      *lru.Cache[uint16, *SentPacket]
	outstandingBytes int
	stats            TrafficStats

	numUnknownFeedback int
}

func NewTransportFeedbackAdapter(params TransportFeedbackAdapterParams) *TransportFeedbackAdapter {
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.MaxTrackedPackets <= 0 {
		params.MaxTrackedPackets = DefaultMaxTrackedPackets
	}
	if params.MaxTrackedPackets > maxTrackedPackets {
		// half the sequence number space so that a wrapped key is always evicted before reuse
		params.MaxTrackedPackets = maxTrackedPackets
	}

	t := &TransportFeedbackAdapter{
		params: params,
		feedback: NewTWCCFeedback(TWCCFeedbackParams{
			Clock:  params.Clock,
			Logger: params.Logger,
		}),
	}
	// eviction callbacks run inside cache operations, all of which happen with t.lock held
	t.sentPackets, _ = lru.NewWithEvict[uint16, *SentPacket](params.MaxTrackedPackets, t.onSentPacketEvicted)
	return t
}

func (t *TransportFeedbackAdapter) AddPacket(sp SentPacket) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if sp.SendTime.IsZero() {
		sp.SendTime = t.params.Clock.Now()
	}
	t.sentPackets.Add(sp.TransportSequenceNumber, &sp)
	t.outstandingBytes += sp.Size
}

func (t *TransportFeedbackAdapter) OutstandingBytes() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.outstandingBytes
}

// OnNetworkRouteChange forgets every in flight packet.
func (t *TransportFeedbackAdapter) OnNetworkRouteChange() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.sentPackets.Purge()
	t.outstandingBytes = 0
}

func (t *TransportFeedbackAdapter) OnTransportFeedback(report *rtcp.TransportLayerCC) (*TransportPacketsFeedback, error) {
	arrivals, err := t.feedback.HandleRTCP(report)
	if err != nil {
		return nil, err
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	feedback := &TransportPacketsFeedback{
		FeedbackTime: t.params.Clock.Now(),
		Results:      make([]PacketResult, 0, len(arrivals)),
		Acked:        make(map[uint32][]uint16),
	}
	for _, arrival := range arrivals {
		sp, ok := t.sentPackets.Peek(arrival.SequenceNumber)
		if !ok {
			t.numUnknownFeedback++
			if t.numUnknownFeedback%100 == 1 {
				t.params.Logger.Debugw(
					"feedback for unknown packet",
					"sequenceNumber", arrival.SequenceNumber,
					"count", t.numUnknownFeedback,
				)
			}
			continue
		}
		t.sentPackets.Remove(arrival.SequenceNumber)

		result := PacketResult{
			SentPacket:  *sp,
			Received:    arrival.Received,
			ArrivalTime: arrival.ArrivalTime,
		}
		feedback.Results = append(feedback.Results, result)
		feedback.Stats.Add(&result)
		if result.Received {
			feedback.Acked[sp.SSRC] = append(feedback.Acked[sp.SSRC], sp.SequenceNumber)
		}
	}
	feedback.OutstandingBytes = t.outstandingBytes
	t.stats.Merge(&feedback.Stats)
	return feedback, nil
}

// GetAndResetStats returns traffic stats accumulated since the previous call.
func (t *TransportFeedbackAdapter) GetAndResetStats() TrafficStats {
	t.lock.Lock()
	defer t.lock.Unlock()

	stats := t.stats
	t.stats = TrafficStats{}
	return stats
}

func (t *TransportFeedbackAdapter) onSentPacketEvicted(_ uint16, sp *SentPacket) {
	t.outstandingBytes -= sp.Size
	if t.outstandingBytes < 0 {
		t.outstandingBytes = 0
	}
}
