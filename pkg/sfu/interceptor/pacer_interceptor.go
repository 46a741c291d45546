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

package interceptor

import (
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"go.uber.org/multierr"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sendpacer/pkg/config"
	"github.com/livekit/sendpacer/pkg/sfu/ccutils"
	"github.com/livekit/sendpacer/pkg/sfu/pacer"
	"github.com/livekit/sendpacer/pkg/sfu/rtpsender"
	"github.com/livekit/sendpacer/pkg/sfu/sendctrl"
	"github.com/livekit/sendpacer/pkg/sfu/sendsidebwe"
	"github.com/livekit/sendpacer/pkg/telemetry/prometheus"
)

type PacerOption func(f *PacerInterceptorFactory) error

func WithConfig(pacerConfig config.PacerConfig, historyConfig config.HistoryConfig) PacerOption {
	return func(f *PacerInterceptorFactory) error {
		f.pacerConfig = pacerConfig
		f.historyConfig = historyConfig
		return nil
	}
}

func WithClock(c clock.Clock) PacerOption {
	return func(f *PacerInterceptorFactory) error {
		f.clock = c
		return nil
	}
}

func WithLogger(l logger.Logger) PacerOption {
	return func(f *PacerInterceptorFactory) error {
		f.logger = l
		return nil
	}
}

// WithInitialPacerConfig sets the rates used until the estimator provides one.
func WithInitialPacerConfig(pc sendctrl.PacerConfig) PacerOption {
	return func(f *PacerInterceptorFactory) error {
		f.initialPacerConfig = pc
		return nil
	}
}

// WithStreamConfigurer overrides how a local stream maps to an RTP sender, e.g. to pair an RTX stream.
func WithStreamConfigurer(configure func(info *interceptor.StreamInfo) rtpsender.StreamConfig) PacerOption {
	return func(f *PacerInterceptorFactory) error {
		f.configureStream = configure
		return nil
	}
}

func WithOnNewInterceptor(onNew func(pi *PacerInterceptor)) PacerOption {
	return func(f *PacerInterceptorFactory) error {
		f.onNew = onNew
		return nil
	}
}

// WithOnProbeClusterDone is called without the pacer lock held, on the process thread for finished clusters and on
// the send controller worker for stale clusters dropped when a new one is created. It may call into the pacer but
// must not wait on the send controller.
func WithOnProbeClusterDone(onDone func(info ccutils.ProbeClusterInfo)) PacerOption {
	return func(f *PacerInterceptorFactory) error {
		f.onProbeClusterDone = onDone
		return nil
	}
}

type PacerInterceptorFactory struct {
	pacerConfig        config.PacerConfig
	historyConfig      config.HistoryConfig
	initialPacerConfig sendctrl.PacerConfig
	clock              clock.Clock
	logger             logger.Logger
	configureStream    func(info *interceptor.StreamInfo) rtpsender.StreamConfig
	onNew              func(pi *PacerInterceptor)
	onProbeClusterDone func(info ccutils.ProbeClusterInfo)
}

func NewPacerInterceptorFactory(opts ...PacerOption) (*PacerInterceptorFactory, error) {
	f := &PacerInterceptorFactory{
		pacerConfig:     config.DefaultConfig.Pacer,
		historyConfig:   config.DefaultConfig.History,
		clock:           clock.New(),
		logger:          logger.GetLogger(),
		configureStream: DefaultStreamConfig,
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *PacerInterceptorFactory) NewInterceptor(id string) (interceptor.Interceptor, error) {
	pi := newPacerInterceptor(f, f.logger.WithValues("interceptorID", id))
	if f.onNew != nil {
		f.onNew(pi)
	}
	return pi, nil
}

// DefaultStreamConfig maps a stream to its SSRC and payload type and picks up negotiated send side extensions.
func DefaultStreamConfig(info *interceptor.StreamInfo) rtpsender.StreamConfig {
	sc := rtpsender.StreamConfig{
		SSRC:        info.SSRC,
		PayloadType: info.PayloadType,
		IsAudio:     strings.HasPrefix(strings.ToLower(info.MimeType), "audio/"),
	}
	for _, ext := range info.RTPHeaderExtensions {
		switch ext.URI {
		case sdp.ABSSendTimeURI:
			sc.AbsSendTimeExtID = uint8(ext.ID)
		case sdp.TransportCCURI:
			sc.TransportWideExtID = uint8(ext.ID)
		}
	}
	return sc
}

// ------------------------------------------------

// PacerInterceptor paces all local streams of a peer connection through one pacer and answers
// NACKs from its own packet history.
type PacerInterceptor struct {
	interceptor.NoOp

	factory *PacerInterceptorFactory
	logger  logger.Logger

	processThread *pacer.ProcessThread
	pacer         *pacer.PacedSender
	router        *rtpsender.PacketRouter
	controller    *sendctrl.SendController

	closeOnce sync.Once
}

func newPacerInterceptor(f *PacerInterceptorFactory, l logger.Logger) *PacerInterceptor {
	pi := &PacerInterceptor{
		factory: f,
		logger:  l,
	}

	pi.processThread = pacer.NewProcessThread(pacer.ProcessThreadParams{
		Name:   "pacer",
		Clock:  f.clock,
		Logger: l,
	})
	pi.router = rtpsender.NewPacketRouter(rtpsender.PacketRouterParams{
		Clock:  f.clock,
		Logger: l,
		FeedbackAdapter: sendsidebwe.NewTransportFeedbackAdapter(sendsidebwe.TransportFeedbackAdapterParams{
			Clock:  f.clock,
			Logger: l,
		}),
	})
	pi.pacer = pacer.NewPacedSender(pacer.PacedSenderParams{
		Config:         f.pacerConfig,
		Clock:          f.clock,
		Router:         pi.router.PacerRouter(),
		ProcessThread:  pi.processThread,
		ProberListener: pi,
		Logger:         l,
	})
	pi.controller = sendctrl.NewSendController(sendctrl.SendControllerParams{
		Pacer:  pi.pacer,
		Router: pi.router,
		Logger: l,
	})
	if f.initialPacerConfig.DataRateBps() > 0 {
		_ = pi.controller.OnPacerConfig(f.initialPacerConfig)
	}

	pi.processThread.RegisterModule(pi.pacer)
	pi.processThread.Start()
	return pi
}

func (pi *PacerInterceptor) Pacer() *pacer.PacedSender {
	return pi.pacer
}

func (pi *PacerInterceptor) Router() *rtpsender.PacketRouter {
	return pi.router
}

// Controller is where estimator output is fed.
func (pi *PacerInterceptor) Controller() *sendctrl.SendController {
	return pi.controller
}

func (pi *PacerInterceptor) OnProbeClusterDone(info ccutils.ProbeClusterInfo) {
	result := "failed"
	if info.Result.IsCompleted {
		result = "completed"
	}
	prometheus.IncrementProbeClusters(result)
	pi.logger.Debugw("probe cluster done", "cluster", info)

	if pi.factory.onProbeClusterDone != nil {
		pi.factory.onProbeClusterDone(info)
	}
}

func (pi *PacerInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attr, err := reader.Read(b, a)
		if err != nil {
			return 0, nil, err
		}

		if attr == nil {
			attr = make(interceptor.Attributes)
		}
		pkts, err := attr.GetRTCPPackets(b[:n])
		if err != nil {
			return 0, nil, err
		}

		if err := pi.handleRTCP(pkts); err != nil {
			pi.logger.Debugw("rtcp handling failed", "error", err)
		}
		return n, attr, nil
	})
}

func (pi *PacerInterceptor) handleRTCP(pkts []rtcp.Packet) error {
	var errs error
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.TransportLayerNack:
			if _, err := pi.controller.OnReceivedNack(p); err != nil {
				errs = multierr.Append(errs, err)
			}

		case *rtcp.TransportLayerCC:
			if _, err := pi.controller.OnTransportFeedback(p); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

func (pi *PacerInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	sender, err := rtpsender.NewRTPSender(rtpsender.RTPSenderParams{
		Stream:  pi.factory.configureStream(info),
		History: pi.factory.historyConfig,
		Clock:   pi.factory.clock,
		Pacer:   pi.pacer,
		Writer:  &trackWriter{writer: writer},
		Logger:  pi.logger.WithValues("ssrc", info.SSRC),
	})
	if err == nil {
		err = pi.router.AddSender(sender)
	}
	if err != nil {
		pi.logger.Warnw("cannot pace stream, passing through", err, "ssrc", info.SSRC)
		return writer
	}

	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
		if err := sender.SendRTP(header, payload); err != nil {
			return 0, err
		}
		return header.MarshalSize() + len(payload), nil
	})
}

func (pi *PacerInterceptor) UnbindLocalStream(info *interceptor.StreamInfo) {
	pi.router.RemoveSender(info.SSRC)
}

func (pi *PacerInterceptor) Close() error {
	pi.closeOnce.Do(func() {
		pi.processThread.Stop()
		pi.controller.Stop()
	})
	return nil
}

// ------------------------------------------------

// trackWriter presents the next writer in the interceptor chain as a track writer.
type trackWriter struct {
	writer interceptor.RTPWriter
}

func (t *trackWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	return t.writer.Write(header, payload, interceptor.Attributes{})
}

func (t *trackWriter) Write(b []byte) (int, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		return 0, err
	}
	return t.writer.Write(&pkt.Header, pkt.Payload, interceptor.Attributes{})
}
