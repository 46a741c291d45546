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

package rtpsender

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sendpacer/pkg/config"
	"github.com/livekit/sendpacer/pkg/sfu/history"
	"github.com/livekit/sendpacer/pkg/sfu/pacer"
	"github.com/livekit/sendpacer/pkg/telemetry/prometheus"
)

const (
	MaxPaddingSize = 224

	// added to the round trip time before using it as the retransmission guard
	rttGuardExtra = 5 * time.Millisecond

	rtxOSNSize = 2
)

type StreamConfig struct {
	SSRC           uint32
	PayloadType    uint8
	IsAudio        bool
	RTXSSRC        uint32 // 0 disables RTX
	RTXPayloadType uint8

	AbsSendTimeExtID   uint8
	TransportWideExtID uint8
}

func (s StreamConfig) HasRTX() bool {
	return s.RTXSSRC != 0
}

func (s StreamConfig) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddUint32("SSRC", s.SSRC)
	e.AddUint8("PayloadType", s.PayloadType)
	e.AddBool("IsAudio", s.IsAudio)
	e.AddUint32("RTXSSRC", s.RTXSSRC)
	e.AddUint8("RTXPayloadType", s.RTXPayloadType)
	e.AddUint8("AbsSendTimeExtID", s.AbsSendTimeExtID)
	e.AddUint8("TransportWideExtID", s.TransportWideExtID)
	return nil
}

// Enqueuer accepts packets for paced sending.
type Enqueuer interface {
	EnqueuePacket(p *pacer.Packet) error
}

type RTPSenderParams struct {
	Stream  StreamConfig
	History config.HistoryConfig
	Clock   clock.Clock
	Pacer   Enqueuer
	Writer  webrtc.TrackLocalWriter
	Logger  logger.Logger
}

// RTPSender owns the packet history of one media stream and its RTX companion.
// Media goes to the pacer, retransmissions and payload padding are rebuilt from history.
type RTPSender struct {
	params RTPSenderParams

	history *history.PacketHistory

	lock                  sync.Mutex
	rtxSequenceNumber     uint16
	lastTimestamp         uint32
	lastSequenceNumber    uint16
	mediaSent             bool
	numRetransmitRequests int
	numRetransmitMisses   int
}

func NewRTPSender(params RTPSenderParams) (*RTPSender, error) {
	if params.Stream.SSRC == 0 || params.Stream.SSRC == params.Stream.RTXSSRC {
		return nil, fmt.Errorf("%w: ssrc %d, rtx ssrc %d", ErrInvalidStream, params.Stream.SSRC, params.Stream.RTXSSRC)
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	r := &RTPSender{
		params: params,
		history: history.NewPacketHistory(history.HistoryParams{
			Clock:  params.Clock,
			Logger: params.Logger,
		}),
		rtxSequenceNumber: uint16(rand.Intn(1 << 15)),
	}
	r.history.SetStorePacketsStatus(history.StorageModeFromConfig(params.History.Mode), params.History.NumberToStore)
	return r, nil
}

func (r *RTPSender) Stream() StreamConfig {
	return r.params.Stream
}

func (r *RTPSender) SSRC() uint32 {
	return r.params.Stream.SSRC
}

func (r *RTPSender) RTXSSRC() uint32 {
	return r.params.Stream.RTXSSRC
}

func (r *RTPSender) History() *history.PacketHistory {
	return r.history
}

// SendRTP hands a media packet to the pacer. The header and payload are copied.
func (r *RTPSender) SendRTP(header *rtp.Header, payload []byte) error {
	packetType := pacer.PacketTypeVideo
	if r.params.Stream.IsAudio {
		packetType = pacer.PacketTypeAudio
	}

	pkt := &pacer.Packet{
		RTP: &rtp.Packet{
			Header:  header.Clone(),
			Payload: append([]byte(nil), payload...),
		},
		Type:                packetType,
		CaptureTime:         r.params.Clock.Now(),
		AllowRetransmission: !r.params.Stream.IsAudio,
	}
	pkt.RTP.SSRC = r.params.Stream.SSRC
	pkt.RTP.PayloadType = r.params.Stream.PayloadType

	r.lock.Lock()
	r.lastTimestamp = pkt.RTP.Timestamp
	r.lastSequenceNumber = pkt.RTP.SequenceNumber
	r.mediaSent = true
	r.lock.Unlock()

	if pkt.AllowRetransmission {
		// pending until the pacer emits it
		r.history.PutRtpPacket(pkt, time.Time{})
	}

	if err := r.params.Pacer.EnqueuePacket(pkt); err != nil {
		if pkt.AllowRetransmission {
			r.history.DropPacket(pkt.SequenceNumber())
		}
		return err
	}
	return nil
}

// SetRtt updates the retransmission guard of the history.
func (r *RTPSender) SetRtt(rtt time.Duration) {
	r.history.SetRtt(rttGuardExtra + rtt)
}

// OnReceivedNack enqueues retransmissions of the requested sequence numbers. Returns the number of packets enqueued.
func (r *RTPSender) OnReceivedNack(sns []uint16, avgRtt time.Duration) (int, error) {
	if r.history.GetStorageMode() == history.StorageModeDisabled {
		return 0, ErrRetransmitDisabled
	}

	r.SetRtt(avgRtt)

	enqueued := 0
	missed := 0
	for _, sn := range sns {
		if err := r.resendPacket(sn); err != nil {
			missed++
			r.params.Logger.Debugw("cannot retransmit", "sequenceNumber", sn, "reason", err)
			continue
		}
		enqueued++
	}

	r.lock.Lock()
	r.numRetransmitRequests += len(sns)
	r.numRetransmitMisses += missed
	r.lock.Unlock()

	prometheus.IncrementNacks(len(sns), missed)
	return enqueued, nil
}

func (r *RTPSender) resendPacket(sn uint16) error {
	state, ok := r.history.GetPacketState(sn)
	if !ok {
		return fmt.Errorf("not in history or retransmitted recently: %d", sn)
	}
	if state.PendingTransmission {
		// still queued in the pacer, the original will go out
		return fmt.Errorf("pending transmission: %d", sn)
	}

	pkt := r.history.GetPacketAndSetSendTime(sn)
	if pkt == nil {
		return fmt.Errorf("not retransmittable: %d", sn)
	}

	var rtx *pacer.Packet
	if r.params.Stream.HasRTX() {
		rtx = r.buildRTXPacket(pkt)
	} else {
		rtx = pkt
		rtx.RetransmittedSequenceNumber = sn
	}
	rtx.Type = pacer.PacketTypeRetransmission

	if err := r.params.Pacer.EnqueuePacket(rtx); err != nil {
		return err
	}
	return nil
}

func (r *RTPSender) buildRTXPacket(pkt *pacer.Packet) *pacer.Packet {
	header := pkt.RTP.Header.Clone()
	header.SSRC = r.params.Stream.RTXSSRC
	header.PayloadType = r.params.Stream.RTXPayloadType

	r.lock.Lock()
	header.SequenceNumber = r.rtxSequenceNumber
	r.rtxSequenceNumber++
	r.lock.Unlock()

	payload := make([]byte, rtxOSNSize+len(pkt.RTP.Payload))
	binary.BigEndian.PutUint16(payload, pkt.SequenceNumber())
	copy(payload[rtxOSNSize:], pkt.RTP.Payload)

	return &pacer.Packet{
		RTP: &rtp.Packet{
			Header:  header,
			Payload: payload,
		},
		Type:                        pacer.PacketTypeRetransmission,
		CaptureTime:                 pkt.CaptureTime,
		IsRTX:                       true,
		RetransmittedSequenceNumber: pkt.SequenceNumber(),
	}
}

// GeneratePadding returns packets totalling at least targetBytes, payload padding from history first.
// Padding is only generated on the RTX stream and only after media has been sent.
func (r *RTPSender) GeneratePadding(targetBytes int) []*pacer.Packet {
	if !r.params.Stream.HasRTX() || r.params.Stream.IsAudio {
		return nil
	}

	r.lock.Lock()
	mediaSent := r.mediaSent
	timestamp := r.lastTimestamp
	r.lock.Unlock()
	if !mediaSent {
		return nil
	}

	var packets []*pacer.Packet
	bytesLeft := targetBytes
	for bytesLeft >= history.MinPacketRequestBytes {
		pkt := r.history.GetPayloadPaddingPacket()
		if pkt == nil {
			break
		}

		padding := r.buildRTXPacket(pkt)
		padding.Type = pacer.PacketTypePadding
		bytesLeft -= padding.Size()
		packets = append(packets, padding)
	}

	for bytesLeft > 0 {
		paddingSize := min(bytesLeft, MaxPaddingSize)

		r.lock.Lock()
		sn := r.rtxSequenceNumber
		r.rtxSequenceNumber++
		r.lock.Unlock()

		packets = append(packets, &pacer.Packet{
			RTP: &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					Padding:        true,
					PayloadType:    r.params.Stream.RTXPayloadType,
					SequenceNumber: sn,
					Timestamp:      timestamp,
					SSRC:           r.params.Stream.RTXSSRC,
				},
				PaddingSize: byte(paddingSize),
			},
			Type:        pacer.PacketTypePadding,
			CaptureTime: r.params.Clock.Now(),
		})
		bytesLeft -= paddingSize
	}

	return packets
}

// OnPacketsAcknowledged drops acknowledged media packets from history.
func (r *RTPSender) OnPacketsAcknowledged(sns []uint16) {
	r.history.CullAcknowledgedPackets(sns)
}

// write puts the packet on the wire and returns the number of bytes written.
func (r *RTPSender) write(pkt *pacer.Packet) (int, error) {
	header := &pkt.RTP.Header
	payload := pkt.RTP.Payload
	if pkt.RTP.PaddingSize > 0 {
		padded := make([]byte, len(payload)+int(pkt.RTP.PaddingSize))
		copy(padded, payload)
		padded[len(padded)-1] = pkt.RTP.PaddingSize
		payload = padded
		header.Padding = true
	}

	_, err := r.params.Writer.WriteRTP(header, payload)
	r.settleHistory(pkt)
	if err != nil {
		return 0, err
	}
	return header.MarshalSize() + len(payload), nil
}

// settleHistory clears the pending state of a first transmission once the pacer has popped it, whether or not it
// reached the wire. A failed send counts as sent so that culling moves past it and a NACK can still recover it.
func (r *RTPSender) settleHistory(pkt *pacer.Packet) {
	if pkt.AllowRetransmission && pkt.Type != pacer.PacketTypeRetransmission && pkt.Type != pacer.PacketTypePadding {
		r.history.MarkPacketAsSent(pkt.SequenceNumber())
	}
}

func (r *RTPSender) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if r == nil {
		return nil
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	e.AddObject("Stream", r.params.Stream)
	e.AddObject("History", r.history)
	e.AddUint16("lastSequenceNumber", r.lastSequenceNumber)
	e.AddUint32("lastTimestamp", r.lastTimestamp)
	e.AddInt("numRetransmitRequests", r.numRetransmitRequests)
	e.AddInt("numRetransmitMisses", r.numRetransmitMisses)
	return nil
}

// ------------------------------------------------
