package rtpsender

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sendpacer/pkg/sfu/ccutils"
	"github.com/livekit/sendpacer/pkg/sfu/pacer"
	"github.com/livekit/sendpacer/pkg/sfu/sendsidebwe"
	"github.com/livekit/sendpacer/pkg/telemetry/prometheus"
)

type PacketRouterParams struct {
	Clock  clock.Clock
	Logger logger.Logger

	// optional, packets are not tracked for transport feedback without it
	FeedbackAdapter *sendsidebwe.TransportFeedbackAdapter
}

// PacketRouter is the pacer's egress. It dispatches packets to the RTPSender owning their SSRC
// and stamps send side header extensions.
type PacketRouter struct {
	params PacketRouterParams

	twSN *sendsidebwe.TransportWideSequenceNumber

	lock        sync.RWMutex
	senders     map[uint32]*RTPSender // keyed by media and RTX SSRC
	paddingSSRC uint32                // last media SSRC with RTX that sent, preferred for padding

	// for throttling error logs
	writeIOErrors atomic.Uint32
}

func NewPacketRouter(params PacketRouterParams) *PacketRouter {
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &PacketRouter{
		params:  params,
		twSN:    sendsidebwe.NewTransportWideSequenceNumber(),
		senders: make(map[uint32]*RTPSender),
	}
}

// PacerRouter returns the capability record handed to the pacer.
func (r *PacketRouter) PacerRouter() pacer.PacketRouter {
	return pacer.PacketRouter{
		SendPacket:      r.SendPacket,
		GeneratePadding: r.GeneratePadding,
	}
}

func (r *PacketRouter) AddSender(sender *RTPSender) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	stream := sender.Stream()
	if _, ok := r.senders[stream.SSRC]; ok {
		return fmt.Errorf("%w: ssrc %d", ErrStreamExists, stream.SSRC)
	}
	if stream.HasRTX() {
		if _, ok := r.senders[stream.RTXSSRC]; ok {
			return fmt.Errorf("%w: rtx ssrc %d", ErrStreamExists, stream.RTXSSRC)
		}
		r.senders[stream.RTXSSRC] = sender
	}
	r.senders[stream.SSRC] = sender

	r.params.Logger.Debugw("sender added", "stream", stream)
	return nil
}

func (r *PacketRouter) RemoveSender(ssrc uint32) {
	r.lock.Lock()
	defer r.lock.Unlock()

	sender, ok := r.senders[ssrc]
	if !ok {
		return
	}

	stream := sender.Stream()
	delete(r.senders, stream.SSRC)
	if stream.HasRTX() {
		delete(r.senders, stream.RTXSSRC)
	}
	if r.paddingSSRC == stream.SSRC {
		r.paddingSSRC = 0
	}
}

func (r *PacketRouter) GetSender(ssrc uint32) *RTPSender {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.senders[ssrc]
}

func (r *PacketRouter) SendPacket(pkt *pacer.Packet, pacingInfo ccutils.PacedPacketInfo) error {
	sender := r.GetSender(pkt.SSRC())
	if sender == nil {
		prometheus.IncrementSendErrors("unknown_stream")
		return fmt.Errorf("%w: ssrc %d", ErrUnknownStream, pkt.SSRC())
	}

	stream := sender.Stream()
	sendingAt, twSN, err := r.writeRTPHeaderExtensions(pkt, stream)
	if err != nil {
		r.params.Logger.Errorw("writing rtp header extensions err", err)
		prometheus.IncrementSendErrors("header_extension")
		sender.settleHistory(pkt)
		return err
	}

	size, err := sender.write(pkt)
	if err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			writeIOErrors := r.writeIOErrors.Inc()
			if (writeIOErrors % 100) == 1 {
				r.params.Logger.Errorw("write rtp packet failed", err, "count", writeIOErrors)
			}
			prometheus.IncrementSendErrors("closed")
		} else {
			r.params.Logger.Errorw("write rtp packet failed", err, "packet", pkt)
			prometheus.IncrementSendErrors("write")
		}
		return err
	}

	if stream.TransportWideExtID != 0 && r.params.FeedbackAdapter != nil {
		sp := sendsidebwe.SentPacket{
			TransportSequenceNumber: twSN,
			SSRC:                    pkt.SSRC(),
			SequenceNumber:          pkt.SequenceNumber(),
			Size:                    size,
			IsRTX:                   pkt.IsRTX,
			SendTime:                sendingAt,
			PacingInfo:              pacingInfo,
		}
		if pkt.IsRTX {
			// acknowledgement of a retransmission covers the original
			sp.SSRC = stream.SSRC
			sp.SequenceNumber = pkt.RetransmittedSequenceNumber
		}
		r.params.FeedbackAdapter.AddPacket(sp)
	}

	if stream.HasRTX() && !stream.IsAudio && pkt.Type != pacer.PacketTypePadding {
		r.lock.Lock()
		r.paddingSSRC = stream.SSRC
		r.lock.Unlock()
	}

	prometheus.IncrementPackets(pkt.Type.String(), 1)
	prometheus.IncrementBytes(pkt.Type.String(), uint64(size))
	return nil
}

// writes send side header extensions, returns the send time and the transport wide sequence number
func (r *PacketRouter) writeRTPHeaderExtensions(pkt *pacer.Packet, stream StreamConfig) (time.Time, uint16, error) {
	sendingAt := r.params.Clock.Now()
	if stream.AbsSendTimeExtID != 0 {
		sendTime := rtp.NewAbsSendTimeExtension(sendingAt)
		b, err := sendTime.Marshal()
		if err != nil {
			return time.Time{}, 0, err
		}

		if err = pkt.RTP.Header.SetExtension(stream.AbsSendTimeExtID, b); err != nil {
			return time.Time{}, 0, err
		}
	}

	twSN := uint16(0)
	if stream.TransportWideExtID != 0 {
		sn, b, err := r.twSN.GetExtension()
		if err != nil {
			return time.Time{}, 0, err
		}

		if err = pkt.RTP.Header.SetExtension(stream.TransportWideExtID, b); err != nil {
			return time.Time{}, 0, err
		}
		twSN = sn
	}

	return sendingAt, twSN, nil
}

// GeneratePadding asks the sender which last sent media for padding, falling back to any sender with RTX.
func (r *PacketRouter) GeneratePadding(targetBytes int) []*pacer.Packet {
	r.lock.RLock()
	sender := r.senders[r.paddingSSRC]
	if sender == nil {
		for ssrc, s := range r.senders {
			if ssrc == s.SSRC() && s.Stream().HasRTX() && !s.Stream().IsAudio {
				sender = s
				break
			}
		}
	}
	r.lock.RUnlock()

	if sender == nil {
		return nil
	}
	return sender.GeneratePadding(targetBytes)
}

// OnReceivedNack dispatches a NACK to the sender owning the media SSRC.
func (r *PacketRouter) OnReceivedNack(nack *rtcp.TransportLayerNack, avgRtt time.Duration) (int, error) {
	sender := r.GetSender(nack.MediaSSRC)
	if sender == nil || sender.SSRC() != nack.MediaSSRC {
		return 0, fmt.Errorf("%w: ssrc %d", ErrUnknownStream, nack.MediaSSRC)
	}

	var sns []uint16
	for _, pair := range nack.Nacks {
		sns = append(sns, pair.PacketList()...)
	}
	return sender.OnReceivedNack(sns, avgRtt)
}

// OnTransportFeedback matches a transport feedback report against sent packets and culls acknowledged ones.
func (r *PacketRouter) OnTransportFeedback(report *rtcp.TransportLayerCC) (*sendsidebwe.TransportPacketsFeedback, error) {
	if r.params.FeedbackAdapter == nil {
		return nil, nil
	}

	feedback, err := r.params.FeedbackAdapter.OnTransportFeedback(report)
	if err != nil {
		return nil, err
	}

	for ssrc, sns := range feedback.Acked {
		sender := r.GetSender(ssrc)
		if sender == nil || sender.SSRC() != ssrc {
			continue
		}
		sender.OnPacketsAcknowledged(sns)
	}

	prometheus.SetOutstandingBytes(int64(feedback.OutstandingBytes))
	return feedback, nil
}

// OnNetworkRouteChange forgets in flight packets, returns the outstanding bytes after reset.
func (r *PacketRouter) OnNetworkRouteChange() int {
	if r.params.FeedbackAdapter == nil {
		return 0
	}

	r.params.FeedbackAdapter.OnNetworkRouteChange()
	return r.params.FeedbackAdapter.OutstandingBytes()
}

// GetAndResetStats returns traffic stats of feedback received since the last call.
func (r *PacketRouter) GetAndResetStats() sendsidebwe.TrafficStats {
	if r.params.FeedbackAdapter == nil {
		return sendsidebwe.TrafficStats{}
	}
	return r.params.FeedbackAdapter.GetAndResetStats()
}

func (r *PacketRouter) SetRtt(rtt time.Duration) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	for ssrc, sender := range r.senders {
		if ssrc == sender.SSRC() {
			sender.SetRtt(rtt)
		}
	}
}

func (r *PacketRouter) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if r == nil {
		return nil
	}

	r.lock.RLock()
	defer r.lock.RUnlock()

	streams := 0
	for ssrc, sender := range r.senders {
		if ssrc == sender.SSRC() {
			streams++
		}
	}
	e.AddInt("streams", streams)
	e.AddUint32("paddingSSRC", r.paddingSSRC)
	e.AddUint32("writeIOErrors", r.writeIOErrors.Load())
	return nil
}

// ------------------------------------------------
