package sendsidebwe

import (
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/livekit/sendpacer/pkg/sfu/ccutils"
)

// SentPacket is what is remembered about a packet between sending it and hearing about it in feedback.
type SentPacket struct {
	TransportSequenceNumber uint16
	SSRC                    uint32
	SequenceNumber          uint16
	Size                    int
	IsRTX                   bool
	SendTime                time.Time
	PacingInfo              ccutils.PacedPacketInfo
}

func (s *SentPacket) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if s == nil {
		return nil
	}

	e.AddUint16("TransportSequenceNumber", s.TransportSequenceNumber)
	e.AddUint32("SSRC", s.SSRC)
	e.AddUint16("SequenceNumber", s.SequenceNumber)
	e.AddInt("Size", s.Size)
	e.AddBool("IsRTX", s.IsRTX)
	e.AddTime("SendTime", s.SendTime)
	e.AddObject("PacingInfo", s.PacingInfo)
	return nil
}

// ------------------------------------------------

// PacketResult is the fate of a sent packet as reported by transport feedback.
type PacketResult struct {
	SentPacket
	Received    bool
	ArrivalTime int64 // in us, remote clock
}

func (p *PacketResult) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if p == nil {
		return nil
	}

	e.AddObject("SentPacket", &p.SentPacket)
	e.AddBool("Received", p.Received)
	e.AddInt64("ArrivalTime", p.ArrivalTime)
	return nil
}
