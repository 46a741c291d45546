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

package simulation

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sendpacer/pkg/config"
	"github.com/livekit/sendpacer/pkg/sfu/ccutils"
	pacerinterceptor "github.com/livekit/sendpacer/pkg/sfu/interceptor"
	"github.com/livekit/sendpacer/pkg/sfu/rtpsender"
	"github.com/livekit/sendpacer/pkg/sfu/sendctrl"
	"github.com/livekit/sendpacer/pkg/telemetry/prometheus"
)

const (
	maxPayloadSize = 1200

	videoPayloadType = 96
	rtxPayloadType   = 97
	audioPayloadType = 111
	videoClockRate   = 90000
	audioClockRate   = 48000

	audioFrameDuration = 20 * time.Millisecond
	audioFrameSize     = 80

	absSendTimeExtID   = 2
	transportWideExtID = 3

	tickInterval     = 5 * time.Millisecond
	feedbackInterval = 50 * time.Millisecond
	nackExtraDelay   = 10 * time.Millisecond
)

var (
	ErrInvalidParams = errors.New("invalid simulation params")
)

type SimulatorParams struct {
	Config  config.SimulationConfig
	Pacer   config.PacerConfig
	History config.HistoryConfig
	Clock   clock.Clock
	Logger  logger.Logger
	Seed    int64
}

// Stats summarize a simulation run.
type Stats struct {
	Duration        time.Duration
	FramesGenerated int
	FramesDropped   int
	MediaPackets    int
	LinkPackets     int
	LinkBytes       int
	LinkDropped     int
	Retransmitted   int
	PaddingPackets  int
	AckedBytes      int
	LostPackets     int
	AckedBitrate    int64
	ProbeClusters   int
}

func (s *Stats) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if s == nil {
		return nil
	}

	e.AddDuration("Duration", s.Duration)
	e.AddInt("FramesGenerated", s.FramesGenerated)
	e.AddInt("FramesDropped", s.FramesDropped)
	e.AddInt("MediaPackets", s.MediaPackets)
	e.AddInt("LinkPackets", s.LinkPackets)
	e.AddInt("LinkBytes", s.LinkBytes)
	e.AddInt("LinkDropped", s.LinkDropped)
	e.AddInt("Retransmitted", s.Retransmitted)
	e.AddInt("PaddingPackets", s.PaddingPackets)
	e.AddInt("AckedBytes", s.AckedBytes)
	e.AddInt("LostPackets", s.LostPackets)
	e.AddInt64("AckedBitrate", s.AckedBitrate)
	e.AddInt("ProbeClusters", s.ProbeClusters)
	return nil
}

// ------------------------------------------------

type stream struct {
	info   *interceptor.StreamInfo
	writer interceptor.RTPWriter
	sn     uint16
	ts     uint32
}

func (st *stream) write(payloadSize int, samples uint32, marker bool) error {
	header := &rtp.Header{
		Version:        2,
		PayloadType:    st.info.PayloadType,
		SequenceNumber: st.sn,
		Timestamp:      st.ts,
		SSRC:           st.info.SSRC,
		Marker:         marker,
	}
	st.sn++
	if marker {
		st.ts += samples
	}
	_, err := st.writer.Write(header, make([]byte, payloadSize), interceptor.Attributes{})
	return err
}

// Simulator drives synthetic media through a pacing interceptor onto a lossy link and
// returns receiver feedback to it.
type Simulator struct {
	params SimulatorParams

	network    *network
	pacer      *pacerinterceptor.PacerInterceptor
	rtcpReader interceptor.RTCPReader

	rtcpLock    sync.Mutex
	pendingRTCP []byte

	video []*stream
	audio []*stream

	stats         Stats
	probeClusters atomic.Int32
}

func NewSimulator(params SimulatorParams) (*Simulator, error) {
	conf := params.Config
	if conf.Streams <= 0 || conf.VideoBitrateBps <= 0 || conf.FrameRate <= 0 || conf.PacingFactor <= 0 {
		return nil, errors.Wrapf(
			ErrInvalidParams,
			"streams: %d, videoBitrate: %d, frameRate: %d, pacingFactor: %.2f",
			conf.Streams, conf.VideoBitrateBps, conf.FrameRate, conf.PacingFactor,
		)
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if conf.StatsInterval <= 0 {
		params.Config.StatsInterval = time.Second
	}

	s := &Simulator{
		params:  params,
		network: newNetwork(params.Clock, conf.RTT, conf.LossRate, transportWideExtID, params.Seed),
	}

	totalBitrate := conf.VideoBitrateBps * int64(conf.Streams)
	pacingRateBps := int64(float64(totalBitrate) * conf.PacingFactor)
	factory, err := pacerinterceptor.NewPacerInterceptorFactory(
		pacerinterceptor.WithConfig(params.Pacer, params.History),
		pacerinterceptor.WithClock(params.Clock),
		pacerinterceptor.WithLogger(params.Logger),
		pacerinterceptor.WithInitialPacerConfig(sendctrl.PacerConfig{
			DataWindowBytes: pacingRateBps / 8,
			PadWindowBytes:  conf.PaddingRateBps / 8,
			TimeWindow:      time.Second,
		}),
		pacerinterceptor.WithStreamConfigurer(func(info *interceptor.StreamInfo) rtpsender.StreamConfig {
			sc := pacerinterceptor.DefaultStreamConfig(info)
			if !sc.IsAudio {
				sc.RTXSSRC = info.SSRC + 1
				sc.RTXPayloadType = rtxPayloadType
			}
			return sc
		}),
		pacerinterceptor.WithOnNewInterceptor(func(pi *pacerinterceptor.PacerInterceptor) {
			s.pacer = pi
		}),
		pacerinterceptor.WithOnProbeClusterDone(func(info ccutils.ProbeClusterInfo) {
			if info.Result.IsCompleted {
				s.probeClusters.Inc()
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	if _, err := factory.NewInterceptor("simulation"); err != nil {
		return nil, err
	}

	s.rtcpReader = s.pacer.BindRTCPReader(interceptor.RTCPReaderFunc(s.readRTCP))

	link := s.network.writer()
	linkWriter := interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
		return link.WriteRTP(header, payload)
	})
	extensions := []interceptor.RTPHeaderExtension{
		{URI: sdp.ABSSendTimeURI, ID: absSendTimeExtID},
		{URI: sdp.TransportCCURI, ID: transportWideExtID},
	}
	for i := 0; i < conf.Streams; i++ {
		ssrc := uint32(1000 * (i + 1))
		info := &interceptor.StreamInfo{
			SSRC:                ssrc,
			PayloadType:         videoPayloadType,
			MimeType:            "video/VP8",
			ClockRate:           videoClockRate,
			RTPHeaderExtensions: extensions,
		}
		s.video = append(s.video, &stream{
			info:   info,
			writer: s.pacer.BindLocalStream(info, linkWriter),
		})
		s.network.addRTXPair(ssrc+1, ssrc)

		if conf.Audio {
			info := &interceptor.StreamInfo{
				SSRC:                ssrc + 500,
				PayloadType:         audioPayloadType,
				MimeType:            "audio/opus",
				ClockRate:           audioClockRate,
				RTPHeaderExtensions: extensions,
			}
			s.audio = append(s.audio, &stream{
				info:   info,
				writer: s.pacer.BindLocalStream(info, linkWriter),
			})
		}
	}

	controller := s.pacer.Controller()
	if err := controller.OnRoundTripTime(conf.RTT); err != nil {
		return nil, err
	}
	if conf.CongestionWindow > 0 {
		if err := controller.OnCongestionWindow(sendctrl.CongestionWindow{
			Enabled:         true,
			DataWindowBytes: conf.CongestionWindow,
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Run generates media until the configured duration elapses or the context is done.
func (s *Simulator) Run(ctx context.Context) (*Stats, error) {
	defer s.close()

	conf := s.params.Config
	c := s.params.Clock
	start := c.Now()

	if conf.ProbeBitrateBps > 0 {
		if _, err := s.pacer.Controller().OnProbeClusterConfig(sendctrl.ProbeClusterConfig{
			TargetRateBps: int(conf.ProbeBitrateBps),
			Id:            ccutils.ProbeClusterId(1),
		}); err != nil {
			return nil, err
		}
	}

	s.params.Logger.Infow(
		"simulation starting",
		"streams", conf.Streams,
		"videoBitrate", conf.VideoBitrateBps,
		"pacingFactor", conf.PacingFactor,
		"rtt", conf.RTT,
		"lossRate", conf.LossRate,
		"duration", conf.Duration,
	)

	frameInterval := time.Second / time.Duration(conf.FrameRate)
	nextFrame := start
	nextAudio := start
	nextFeedback := start.Add(feedbackInterval)
	nextStats := start.Add(conf.StatsInterval)

	ticker := c.Ticker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.finish(start), nil

		case <-ticker.C:
		}

		now := c.Now()
		if conf.Duration > 0 && now.Sub(start) >= conf.Duration {
			return s.finish(start), nil
		}

		for !now.Before(nextFrame) {
			s.sendFrame()
			nextFrame = nextFrame.Add(frameInterval)
		}
		for len(s.audio) != 0 && !now.Before(nextAudio) {
			s.sendAudio()
			nextAudio = nextAudio.Add(audioFrameDuration)
		}
		if !now.Before(nextFeedback) {
			s.sendFeedback()
			nextFeedback = now.Add(feedbackInterval)
		}
		s.sendNacks()
		if !now.Before(nextStats) {
			s.collectStats(now.Sub(start))
			nextStats = now.Add(conf.StatsInterval)
		}
	}
}

func (s *Simulator) sendFrame() {
	s.stats.FramesGenerated++
	if s.pacer.Controller().IsSendQueueFull() {
		s.stats.FramesDropped++
		return
	}

	conf := s.params.Config
	frameSize := int(conf.VideoBitrateBps / 8 / int64(conf.FrameRate))
	samples := uint32(videoClockRate / conf.FrameRate)
	for _, st := range s.video {
		remaining := frameSize
		for remaining > 0 {
			size := min(remaining, maxPayloadSize)
			remaining -= size
			if err := st.write(size, samples, remaining == 0); err != nil {
				s.params.Logger.Warnw("could not write video packet", err, "ssrc", st.info.SSRC)
				continue
			}
			s.stats.MediaPackets++
		}
	}
}

func (s *Simulator) sendAudio() {
	samples := uint32(audioClockRate * audioFrameDuration / time.Second)
	for _, st := range s.audio {
		if err := st.write(audioFrameSize, samples, true); err != nil {
			s.params.Logger.Warnw("could not write audio packet", err, "ssrc", st.info.SSRC)
			continue
		}
		s.stats.MediaPackets++
	}
}

func (s *Simulator) sendFeedback() {
	for _, report := range s.network.feedback() {
		s.deliverRTCP(report)
	}
}

func (s *Simulator) sendNacks() {
	for _, nack := range s.network.nacks(s.params.Config.RTT + nackExtraDelay) {
		s.deliverRTCP(nack)
	}
}

func (s *Simulator) deliverRTCP(pkt rtcp.Packet) {
	b, err := rtcp.Marshal([]rtcp.Packet{pkt})
	if err != nil {
		s.params.Logger.Warnw("could not marshal rtcp", err)
		return
	}

	s.rtcpLock.Lock()
	s.pendingRTCP = b
	s.rtcpLock.Unlock()

	buf := make([]byte, len(b))
	if _, _, err := s.rtcpReader.Read(buf, nil); err != nil {
		s.params.Logger.Warnw("could not read rtcp", err)
	}
}

func (s *Simulator) readRTCP(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
	s.rtcpLock.Lock()
	defer s.rtcpLock.Unlock()

	n := copy(b, s.pendingRTCP)
	s.pendingRTCP = nil
	return n, a, nil
}

func (s *Simulator) collectStats(elapsed time.Duration) {
	controller := s.pacer.Controller()
	if err := controller.UpdatePacerQueue(s.pacer.Pacer()); err != nil {
		s.params.Logger.Debugw("could not update pacer queue", "error", err)
	}

	trafficStats := s.pacer.Router().GetAndResetStats()
	s.stats.AckedBytes += trafficStats.AckedBytes()
	s.stats.LostPackets += trafficStats.LostPackets()

	packetsOut, bytesOut, nacks := prometheus.PacketTotals()
	s.params.Logger.Infow(
		"pacer stats",
		"elapsed", elapsed,
		"traffic", &trafficStats,
		"ackedBitrate", trafficStats.AcknowledgedBitrate(),
		"queuePackets", s.pacer.Pacer().QueueSizePackets(),
		"expectedQueueTime", s.pacer.Pacer().ExpectedQueueTime(),
		"sendQueueFull", controller.IsSendQueueFull(),
		"paused", controller.IsPaused(),
		"packetsOut", packetsOut,
		"bytesOut", bytesOut,
		"nacks", nacks,
	)
}

func (s *Simulator) finish(start time.Time) *Stats {
	// last feedback so in flight packets are accounted for
	s.sendFeedback()
	elapsed := s.params.Clock.Now().Sub(start)
	s.collectStats(elapsed)

	ls := s.network.stats()
	s.stats.Duration = elapsed
	s.stats.LinkPackets = ls.packets
	s.stats.LinkBytes = ls.bytes
	s.stats.LinkDropped = ls.dropped
	s.stats.Retransmitted = ls.rtx
	s.stats.PaddingPackets = ls.padding
	s.stats.ProbeClusters = int(s.probeClusters.Load())
	if elapsed > 0 {
		s.stats.AckedBitrate = int64(s.stats.AckedBytes) * 8 * int64(time.Second) / int64(elapsed)
	}

	stats := s.stats
	s.params.Logger.Infow("simulation done", "stats", &stats)
	return &stats
}

func (s *Simulator) close() {
	for _, st := range append(s.video, s.audio...) {
		s.pacer.UnbindLocalStream(st.info)
	}
	_ = s.pacer.Close()
}
