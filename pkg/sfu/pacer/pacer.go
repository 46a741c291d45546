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
	"fmt"
	"time"

	"github.com/pion/rtp"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/sendpacer/pkg/sfu/ccutils"
)

type PacketType int

const (
	PacketTypeAudio PacketType = iota
	PacketTypeVideo
	PacketTypeRetransmission
	PacketTypeForwardErrorCorrection
	PacketTypePadding
)

func (p PacketType) String() string {
	switch p {
	case PacketTypeAudio:
		return "AUDIO"
	case PacketTypeVideo:
		return "VIDEO"
	case PacketTypeRetransmission:
		return "RETRANSMISSION"
	case PacketTypeForwardErrorCorrection:
		return "FORWARD_ERROR_CORRECTION"
	case PacketTypePadding:
		return "PADDING"
	default:
		return fmt.Sprintf("%d", int(p))
	}
}

// Priority of a packet type, lower value is sent first.
func (p PacketType) Priority() int {
	switch p {
	case PacketTypeAudio:
		return 0
	case PacketTypeRetransmission:
		return 1
	case PacketTypeVideo, PacketTypeForwardErrorCorrection:
		return 2
	default:
		return 3
	}
}

// ------------------------------------------------

type Packet struct {
	RTP                 *rtp.Packet
	Type                PacketType
	CaptureTime         time.Time
	AllowRetransmission bool

	// RTX packets carry the original media sequence number in the first two payload bytes
	IsRTX                       bool
	RetransmittedSequenceNumber uint16
}

func (p *Packet) SSRC() uint32 {
	return p.RTP.SSRC
}

func (p *Packet) SequenceNumber() uint16 {
	return p.RTP.SequenceNumber
}

func (p *Packet) PayloadSize() int {
	return len(p.RTP.Payload)
}

func (p *Packet) PaddingSize() int {
	return int(p.RTP.PaddingSize)
}

// Size is the number of bytes accounted against pacing budgets.
func (p *Packet) Size() int {
	return p.PayloadSize() + p.PaddingSize()
}

func (p *Packet) Clone() *Packet {
	if p == nil {
		return nil
	}

	c := *p
	c.RTP = p.RTP.Clone()
	return &c
}

func (p *Packet) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if p == nil {
		return nil
	}

	e.AddString("Type", p.Type.String())
	e.AddUint32("SSRC", p.SSRC())
	e.AddUint16("SequenceNumber", p.SequenceNumber())
	e.AddUint8("PayloadType", p.RTP.PayloadType)
	e.AddInt("PayloadSize", p.PayloadSize())
	e.AddInt("PaddingSize", p.PaddingSize())
	e.AddTime("CaptureTime", p.CaptureTime)
	e.AddBool("AllowRetransmission", p.AllowRetransmission)
	if p.IsRTX {
		e.AddUint16("RetransmittedSequenceNumber", p.RetransmittedSequenceNumber)
	}
	return nil
}

// ------------------------------------------------

type Pacer interface {
	SetPacingRates(pacingRateBps int64, paddingRateBps int64)
	EnqueuePacket(p *Packet) error
	Pause()
	Resume()
	SetCongestionWindow(bytes int64)
	UpdateOutstandingData(bytes int64)
	CreateProbeCluster(bitrateBps int, clusterId ccutils.ProbeClusterId) ccutils.ProbeClusterId
	ExpectedQueueTime() time.Duration
}

// ------------------------------------------------
