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
	"math"
	"time"

	"go.uber.org/zap/zapcore"
)

// TrafficStats aggregates the outcome of packets reported in transport feedback.
type TrafficStats struct {
	minSendTime    time.Time
	maxSendTime    time.Time
	minArrivalTime int64
	maxArrivalTime int64
	ackedPackets   int
	ackedBytes     int
	lostPackets    int
}

func (ts *TrafficStats) Add(result *PacketResult) {
	if ts.minSendTime.IsZero() || result.SendTime.Before(ts.minSendTime) {
		ts.minSendTime = result.SendTime
	}
	if result.SendTime.After(ts.maxSendTime) {
		ts.maxSendTime = result.SendTime
	}

	if !result.Received {
		ts.lostPackets++
		return
	}

	if ts.ackedPackets == 0 || result.ArrivalTime < ts.minArrivalTime {
		ts.minArrivalTime = result.ArrivalTime
	}
	if ts.ackedPackets == 0 || result.ArrivalTime > ts.maxArrivalTime {
		ts.maxArrivalTime = result.ArrivalTime
	}
	ts.ackedPackets++
	ts.ackedBytes += result.Size
}

func (ts *TrafficStats) Merge(rhs *TrafficStats) {
	if !rhs.minSendTime.IsZero() && (ts.minSendTime.IsZero() || rhs.minSendTime.Before(ts.minSendTime)) {
		ts.minSendTime = rhs.minSendTime
	}
	if rhs.maxSendTime.After(ts.maxSendTime) {
		ts.maxSendTime = rhs.maxSendTime
	}
	if rhs.ackedPackets != 0 {
		if ts.ackedPackets == 0 || rhs.minArrivalTime < ts.minArrivalTime {
			ts.minArrivalTime = rhs.minArrivalTime
		}
		if ts.ackedPackets == 0 || rhs.maxArrivalTime > ts.maxArrivalTime {
			ts.maxArrivalTime = rhs.maxArrivalTime
		}
	}
	ts.ackedPackets += rhs.ackedPackets
	ts.ackedBytes += rhs.ackedBytes
	ts.lostPackets += rhs.lostPackets
}

func (ts *TrafficStats) AckedPackets() int {
	return ts.ackedPackets
}

func (ts *TrafficStats) AckedBytes() int {
	return ts.ackedBytes
}

func (ts *TrafficStats) LostPackets() int {
	return ts.lostPackets
}

// Duration is the span of remote arrival times.
func (ts *TrafficStats) Duration() time.Duration {
	return time.Duration(ts.maxArrivalTime-ts.minArrivalTime) * time.Microsecond
}

func (ts *TrafficStats) AcknowledgedBitrate() int64 {
	duration := ts.maxArrivalTime - ts.minArrivalTime
	if duration <= 0 {
		return 0
	}

	return int64(ts.ackedBytes) * 8 * 1e6 / duration
}

func (ts *TrafficStats) LossRatio() float64 {
	totalPackets := ts.lostPackets + ts.ackedPackets
	if totalPackets == 0 {
		return 0.0
	}

	return float64(ts.lostPackets) / float64(totalPackets)
}

func (ts *TrafficStats) WeightedLoss(minPacketsForLossValidity int, lossPenaltyFactor float64) float64 {
	totalPackets := float64(ts.lostPackets + ts.ackedPackets)
	if int(totalPackets) < minPacketsForLossValidity {
		return 0.0
	}

	duration := ts.maxSendTime.Sub(ts.minSendTime)
	if duration <= 0 {
		return 0.0
	}
	pps := totalPackets / duration.Seconds()

	// Log10 is used to give higher weight for the same loss ratio at higher packet rates,
	// for e.g. with a penalty factor of 0.25
	//    - 10% loss at 20 pps = 0.1 * log10(20) * 0.25 = 0.032
	//    - 10% loss at 100 pps = 0.1 * log10(100) * 0.25 = 0.05
	//    - 10% loss at 1000 pps = 0.1 * log10(1000) * 0.25 = 0.075
	return ts.LossRatio() * math.Log10(pps) * lossPenaltyFactor
}

func (ts *TrafficStats) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if ts == nil {
		return nil
	}

	e.AddTime("minSendTime", ts.minSendTime)
	e.AddDuration("sendDuration", ts.maxSendTime.Sub(ts.minSendTime))
	e.AddDuration("recvDuration", ts.Duration())
	e.AddInt("ackedPackets", ts.ackedPackets)
	e.AddInt("ackedBytes", ts.ackedBytes)
	e.AddInt("lostPackets", ts.lostPackets)
	e.AddFloat64("lossRatio", ts.LossRatio())
	e.AddInt64("acknowledgedBitrate", ts.AcknowledgedBitrate())
	return nil
}
