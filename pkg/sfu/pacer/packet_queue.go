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

package pacer

import (
	"time"

	"github.com/google/btree"
)

const (
	btreeDegree = 16
)

type queuedPacket struct {
	priority          int
	isRetransmission  bool
	captureTime       time.Time
	enqueueTime       time.Time
	enqueueOrder      uint64
	pauseSumAtEnqueue time.Duration
	packet            *Packet
}

func (q *queuedPacket) Packet() *Packet {
	return q.packet
}

func (q *queuedPacket) Type() PacketType {
	return q.packet.Type
}

func (q *queuedPacket) Size() int {
	return q.packet.Size()
}

func lessByPriority(a, b *queuedPacket) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.isRetransmission != b.isRetransmission {
		return a.isRetransmission
	}
	if !a.captureTime.Equal(b.captureTime) {
		return a.captureTime.Before(b.captureTime)
	}
	return a.enqueueOrder < b.enqueueOrder
}

func lessByEnqueueOrder(a, b *queuedPacket) bool {
	return a.enqueueOrder < b.enqueueOrder
}

// ------------------------------------------------

// PacketQueue orders pending packets by priority and holds them until a pop is finalized.
// A begun pop leaves the packet accounted for (size, dedup, queue time) so that it can be cancelled.
type PacketQueue struct {
	byPriority *btree.BTreeG[*queuedPacket]
	byOrder    *btree.BTreeG[*queuedPacket]
	sequences  map[uint32]map[uint16]struct{}
	popped     *queuedPacket

	sizeBytes    int
	queueTimeSum time.Duration
	pauseTimeSum time.Duration
	lastUpdated  time.Time
	paused       bool
}

func NewPacketQueue(startTime time.Time) *PacketQueue {
	return &PacketQueue{
		byPriority:  btree.NewG[*queuedPacket](btreeDegree, lessByPriority),
		byOrder:     btree.NewG[*queuedPacket](btreeDegree, lessByEnqueueOrder),
		sequences:   make(map[uint32]map[uint16]struct{}),
		lastUpdated: startTime,
	}
}

// Push returns false if a packet with the same ssrc and sequence number is already held.
func (q *PacketQueue) Push(p *Packet, now time.Time, enqueueOrder uint64) bool {
	seqs, ok := q.sequences[p.SSRC()]
	if !ok {
		seqs = make(map[uint16]struct{})
		q.sequences[p.SSRC()] = seqs
	}
	if _, ok := seqs[p.SequenceNumber()]; ok {
		return false
	}

	q.UpdateQueueTime(now)

	seqs[p.SequenceNumber()] = struct{}{}
	qp := &queuedPacket{
		priority:          p.Type.Priority(),
		isRetransmission:  p.Type == PacketTypeRetransmission,
		captureTime:       p.CaptureTime,
		enqueueTime:       now,
		enqueueOrder:      enqueueOrder,
		pauseSumAtEnqueue: q.pauseTimeSum,
		packet:            p,
	}
	q.byPriority.ReplaceOrInsert(qp)
	q.byOrder.ReplaceOrInsert(qp)
	q.sizeBytes += p.Size()
	return true
}

// BeginPop removes the top packet from the priority order only. Any previous pop must be cancelled or
// finalized before starting another.
func (q *PacketQueue) BeginPop() *queuedPacket {
	if q.popped != nil {
		return nil
	}

	qp, ok := q.byPriority.DeleteMin()
	if !ok {
		return nil
	}

	q.popped = qp
	return qp
}

func (q *PacketQueue) CancelPop() {
	if q.popped == nil {
		return
	}

	q.byPriority.ReplaceOrInsert(q.popped)
	q.popped = nil
}

func (q *PacketQueue) FinalizePop() {
	qp := q.popped
	if qp == nil {
		return
	}
	q.popped = nil

	q.byOrder.Delete(qp)
	q.sizeBytes -= qp.Size()

	// remove the time spent in queue (excluding paused time) from the sum
	timeInQueue := q.lastUpdated.Sub(qp.enqueueTime) - (q.pauseTimeSum - qp.pauseSumAtEnqueue)
	q.queueTimeSum -= timeInQueue
	if q.byOrder.Len() == 0 || q.queueTimeSum < 0 {
		q.queueTimeSum = 0
	}

	if seqs, ok := q.sequences[qp.packet.SSRC()]; ok {
		delete(seqs, qp.packet.SequenceNumber())
		if len(seqs) == 0 {
			delete(q.sequences, qp.packet.SSRC())
		}
	}
}

func (q *PacketQueue) Empty() bool {
	return q.byOrder.Len() == 0
}

func (q *PacketQueue) SizeInPackets() int {
	return q.byOrder.Len()
}

func (q *PacketQueue) SizeInBytes() int {
	return q.sizeBytes
}

// OldestEnqueueTime returns zero time when the queue is empty.
func (q *PacketQueue) OldestEnqueueTime() time.Time {
	qp, ok := q.byOrder.Min()
	if !ok {
		return time.Time{}
	}
	return qp.enqueueTime
}

func (q *PacketQueue) UpdateQueueTime(now time.Time) {
	if now.Before(q.lastUpdated) {
		return
	}

	delta := now.Sub(q.lastUpdated)
	if q.paused {
		q.pauseTimeSum += delta
	} else {
		q.queueTimeSum += delta * time.Duration(q.byOrder.Len())
	}
	q.lastUpdated = now
}

func (q *PacketQueue) SetPauseState(paused bool, now time.Time) {
	if q.paused == paused {
		return
	}

	q.UpdateQueueTime(now)
	q.paused = paused
}

func (q *PacketQueue) AverageQueueTime() time.Duration {
	if q.Empty() {
		return 0
	}
	return q.queueTimeSum / time.Duration(q.byOrder.Len())
}

func (q *PacketQueue) Contains(ssrc uint32, sequenceNumber uint16) bool {
	seqs, ok := q.sequences[ssrc]
	if !ok {
		return false
	}
	_, ok = seqs[sequenceNumber]
	return ok
}
