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

package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/google/btree"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sendpacer/pkg/config"
	"github.com/livekit/sendpacer/pkg/sfu/pacer"
)

const (
	MaxCapacity              = 9600
	MinPacketDuration        = time.Second
	MinPacketDurationRtt     = 3
	PacketCullingDelayFactor = 3
	MinPacketRequestBytes    = 50

	btreeDegree = 8
)

type StorageMode int

const (
	StorageModeDisabled StorageMode = iota
	StorageModeStoreAndCull
	StorageModeStoreForBestEffortRetransmit
)

func (s StorageMode) String() string {
	switch s {
	case StorageModeDisabled:
		return "DISABLED"
	case StorageModeStoreAndCull:
		return "STORE_AND_CULL"
	case StorageModeStoreForBestEffortRetransmit:
		return "STORE_FOR_BEST_EFFORT_RETRANSMIT"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

func StorageModeFromConfig(mode config.HistoryMode) StorageMode {
	switch mode {
	case config.HistoryModeStoreAndCull:
		return StorageModeStoreAndCull
	case config.HistoryModeStoreForBestEffortRetx:
		return StorageModeStoreForBestEffortRetransmit
	default:
		return StorageModeDisabled
	}
}

// ------------------------------------------------

// PacketState is a snapshot of a stored packet.
type PacketState struct {
	SequenceNumber      uint16
	SSRC                uint32
	SendTime            time.Time
	CaptureTime         time.Time
	PacketSize          int
	TimesRetransmitted  int
	PendingTransmission bool
}

func (p PacketState) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddUint16("SequenceNumber", p.SequenceNumber)
	e.AddUint32("SSRC", p.SSRC)
	e.AddTime("SendTime", p.SendTime)
	e.AddTime("CaptureTime", p.CaptureTime)
	e.AddInt("PacketSize", p.PacketSize)
	e.AddInt("TimesRetransmitted", p.TimesRetransmitted)
	e.AddBool("PendingTransmission", p.PendingTransmission)
	return nil
}

// ------------------------------------------------

type storedPacket struct {
	packet              *pacer.Packet
	size                int
	sendTime            time.Time // zero while pending in the pacer
	pendingTransmission bool
	timesRetransmitted  int
	insertOrder         uint64
}

func (s *storedPacket) isRetransmittable() bool {
	return s.packet.AllowRetransmission
}

func (s *storedPacket) state() PacketState {
	return PacketState{
		SequenceNumber:      s.packet.SequenceNumber(),
		SSRC:                s.packet.SSRC(),
		SendTime:            s.sendTime,
		CaptureTime:         s.packet.CaptureTime,
		PacketSize:          s.size,
		TimesRetransmitted:  s.timesRetransmitted,
		PendingTransmission: s.pendingTransmission,
	}
}

// packets not yet sent as padding first, newest first among equals
func morePaddingUseful(a, b *storedPacket) bool {
	if a.timesRetransmitted != b.timesRetransmitted {
		return a.timesRetransmitted < b.timesRetransmitted
	}
	return a.insertOrder > b.insertOrder
}

type sizeEntry struct {
	size           int
	sequenceNumber uint16
}

func lessBySize(a, b sizeEntry) bool {
	return a.size < b.size
}

// ------------------------------------------------

type HistoryParams struct {
	Clock  clock.Clock
	Logger logger.Logger
}

// PacketHistory keeps recently sent packets of one stream for retransmission and payload padding.
type PacketHistory struct {
	params HistoryParams

	lock sync.Mutex

	mode          StorageMode
	numberToStore int
	rtt           time.Duration

	packets *orderedmap.OrderedMap[uint16, *storedPacket]
	// last stored retransmittable packet of each size
	sizeIndex       *btree.BTreeG[sizeEntry]
	paddingPriority *btree.BTreeG[*storedPacket]

	retransmittableInserted uint64
}

func NewPacketHistory(params HistoryParams) *PacketHistory {
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	h := &PacketHistory{
		params: params,
		mode:   StorageModeDisabled,
	}
	h.reset()
	return h
}

func (h *PacketHistory) SetStorePacketsStatus(mode StorageMode, numberToStore int) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if mode != StorageModeDisabled && h.mode != StorageModeDisabled {
		h.params.Logger.Warnw(
			"purging packet history to re-set status", nil,
			"previousMode", h.mode,
			"mode", mode,
			"packets", h.packets.Len(),
		)
	}
	h.reset()
	h.mode = mode
	h.numberToStore = min(max(numberToStore, 0), MaxCapacity)
}

func (h *PacketHistory) GetStorageMode() StorageMode {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.mode
}

// SetRtt sets the round trip time used for the retransmit guard and culling, a longer rtt keeps packets longer.
func (h *PacketHistory) SetRtt(rtt time.Duration) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.rtt = max(rtt, 0)
	h.cullOldPackets(h.params.Clock.Now())
}

// PutRtpPacket stores a copy of the packet. A zero sendTime marks the packet as pending in the pacer.
func (h *PacketHistory) PutRtpPacket(pkt *pacer.Packet, sendTime time.Time) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.mode == StorageModeDisabled {
		return
	}

	now := h.params.Clock.Now()
	h.cullOldPackets(now)

	sn := pkt.SequenceNumber()
	if existing, ok := h.packets.Get(sn); ok {
		h.params.Logger.Warnw(
			"sequence number already in history, replacing", nil,
			"sequenceNumber", sn,
			"existing", existing.state(),
		)
		h.removePacket(sn, existing)
	}

	sp := &storedPacket{
		packet:              pkt.Clone(),
		sendTime:            sendTime,
		pendingTransmission: sendTime.IsZero(),
	}
	sp.size = sp.packet.RTP.MarshalSize()
	if sp.packet.CaptureTime.IsZero() {
		sp.packet.CaptureTime = now
	}
	if sp.isRetransmittable() {
		sp.insertOrder = h.retransmittableInserted
		h.retransmittableInserted++
	}
	h.packets.Set(sn, sp)

	if sp.isRetransmittable() {
		h.sizeIndex.ReplaceOrInsert(sizeEntry{size: sp.size, sequenceNumber: sn})
		h.paddingPriority.ReplaceOrInsert(sp)
	}
}

// GetPacketAndSetSendTime returns a copy of the packet for retransmission, nil if unknown or retransmitted within
// the last rtt. Packets stored as not retransmittable are removed and returned as is.
func (h *PacketHistory) GetPacketAndSetSendTime(sn uint16) *pacer.Packet {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.mode == StorageModeDisabled {
		return nil
	}

	sp, ok := h.packets.Get(sn)
	if !ok {
		return nil
	}

	now := h.params.Clock.Now()
	if !h.verifyRtt(sp, now) {
		return nil
	}

	if sp.isRetransmittable() && !sp.sendTime.IsZero() {
		h.incrementTimesRetransmitted(sp)
	}

	sp.sendTime = now
	sp.pendingTransmission = false

	if !sp.isRetransmittable() {
		h.removePacket(sn, sp)
		return sp.packet
	}

	return sp.packet.Clone()
}

func (h *PacketHistory) GetPacketState(sn uint16) (PacketState, bool) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.mode == StorageModeDisabled {
		return PacketState{}, false
	}

	sp, ok := h.packets.Get(sn)
	if !ok {
		return PacketState{}, false
	}

	if !h.verifyRtt(sp, h.params.Clock.Now()) {
		return PacketState{}, false
	}

	return sp.state(), true
}

// MarkPacketAsSent records the first transmission of a packet which was pending in the pacer.
func (h *PacketHistory) MarkPacketAsSent(sn uint16) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.mode == StorageModeDisabled {
		return
	}

	sp, ok := h.packets.Get(sn)
	if !ok {
		return
	}

	sp.sendTime = h.params.Clock.Now()
	sp.pendingTransmission = false
}

func (h *PacketHistory) SetPendingTransmission(sn uint16) bool {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.mode == StorageModeDisabled {
		return false
	}

	sp, ok := h.packets.Get(sn)
	if !ok {
		return false
	}

	sp.pendingTransmission = true
	return true
}

// DropPacket removes a packet regardless of storage mode, for a packet which never made it to the pacer.
func (h *PacketHistory) DropPacket(sn uint16) bool {
	h.lock.Lock()
	defer h.lock.Unlock()

	sp, ok := h.packets.Get(sn)
	if !ok {
		return false
	}

	h.removePacket(sn, sp)
	return true
}

// CullAcknowledgedPackets drops packets the remote has acknowledged, only in store and cull mode.
func (h *PacketHistory) CullAcknowledgedPackets(sns []uint16) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.mode != StorageModeStoreAndCull {
		return
	}

	for _, sn := range sns {
		if sp, ok := h.packets.Get(sn); ok {
			h.removePacket(sn, sp)
		}
	}
}

// GetBestFittingPacket returns a copy of the retransmittable packet with size closest to the requested size.
func (h *PacketHistory) GetBestFittingPacket(size int) *pacer.Packet {
	h.lock.Lock()
	defer h.lock.Unlock()

	if size < MinPacketRequestBytes || h.sizeIndex.Len() == 0 {
		return nil
	}

	var lower, upper sizeEntry
	hasLower, hasUpper := false, false
	h.sizeIndex.DescendLessOrEqual(sizeEntry{size: size}, func(item sizeEntry) bool {
		lower, hasLower = item, true
		return false
	})
	h.sizeIndex.AscendGreaterOrEqual(sizeEntry{size: size + 1}, func(item sizeEntry) bool {
		upper, hasUpper = item, true
		return false
	})

	best := lower
	switch {
	case !hasLower:
		best = upper
	case hasUpper && upper.size-size < size-lower.size:
		best = upper
	}

	sp, ok := h.packets.Get(best.sequenceNumber)
	if !ok {
		h.params.Logger.Errorw("size index out of sync with history", nil, "sequenceNumber", best.sequenceNumber, "size", best.size)
		return nil
	}
	return sp.packet.Clone()
}

// GetPayloadPaddingPacket returns a copy of the packet most useful as payload padding. The packet is rotated to the
// back of the padding order.
func (h *PacketHistory) GetPayloadPaddingPacket() *pacer.Packet {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.mode == StorageModeDisabled {
		return nil
	}

	best, ok := h.paddingPriority.Min()
	if !ok {
		return nil
	}

	// picked up on the regular send path
	if best.pendingTransmission {
		return nil
	}

	best.sendTime = h.params.Clock.Now()
	h.incrementTimesRetransmitted(best)
	return best.packet.Clone()
}

func (h *PacketHistory) Len() int {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.packets.Len()
}

func (h *PacketHistory) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if h == nil {
		return nil
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	e.AddString("mode", h.mode.String())
	e.AddInt("numberToStore", h.numberToStore)
	e.AddDuration("rtt", h.rtt)
	e.AddInt("packets", h.packets.Len())
	return nil
}

func (h *PacketHistory) reset() {
	h.packets = orderedmap.NewOrderedMap[uint16, *storedPacket]()
	h.sizeIndex = btree.NewG[sizeEntry](btreeDegree, lessBySize)
	h.paddingPriority = btree.NewG[*storedPacket](btreeDegree, morePaddingUseful)
}

func (h *PacketHistory) verifyRtt(sp *storedPacket, now time.Time) bool {
	if sp.sendTime.IsZero() {
		return true
	}

	// already retransmitted and likely still in flight
	return sp.timesRetransmitted == 0 || !now.Before(sp.sendTime.Add(h.rtt))
}

func (h *PacketHistory) incrementTimesRetransmitted(sp *storedPacket) {
	// ordering key changes, re-insert
	_, inPrioritySet := h.paddingPriority.Delete(sp)
	sp.timesRetransmitted++
	if inPrioritySet {
		h.paddingPriority.ReplaceOrInsert(sp)
	}
}

func (h *PacketHistory) cullOldPackets(now time.Time) {
	packetDuration := max(MinPacketDurationRtt*h.rtt, MinPacketDuration)
	for h.packets.Len() > 0 {
		oldest := h.packets.Front()
		sn, sp := oldest.Key, oldest.Value

		if h.packets.Len() >= MaxCapacity {
			h.removePacket(sn, sp)
			continue
		}

		if sp.pendingTransmission {
			return
		}

		// too early, a retransmission may still be requested
		if sp.sendTime.Add(packetDuration).After(now) {
			return
		}

		if h.packets.Len() >= h.numberToStore ||
			(h.mode == StorageModeStoreAndCull && !sp.sendTime.Add(packetDuration*PacketCullingDelayFactor).After(now)) {
			h.removePacket(sn, sp)
		} else {
			return
		}
	}
}

func (h *PacketHistory) removePacket(sn uint16, sp *storedPacket) {
	h.packets.Delete(sn)

	if sp.isRetransmittable() {
		h.paddingPriority.Delete(sp)
	}

	if entry, ok := h.sizeIndex.Get(sizeEntry{size: sp.size}); ok && entry.sequenceNumber == sn {
		h.sizeIndex.Delete(entry)
	}
}

// ------------------------------------------------
