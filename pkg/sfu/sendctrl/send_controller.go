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

package sendctrl

import (
	"errors"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/pion/rtcp"
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sendpacer/pkg/sfu/ccutils"
	"github.com/livekit/sendpacer/pkg/sfu/pacer"
	"github.com/livekit/sendpacer/pkg/sfu/rtpsender"
	"github.com/livekit/sendpacer/pkg/sfu/sendsidebwe"
	"github.com/livekit/sendpacer/pkg/telemetry/prometheus"
)

var (
	ErrControllerStopped = errors.New("send controller stopped")
	ErrNoRouter          = errors.New("no packet router")
)

type SendControllerParams struct {
	Pacer  pacer.Pacer
	Router *rtpsender.PacketRouter // optional, needed for NACK and transport feedback
	Logger logger.Logger
}

// SendController serializes estimator and transport feedback onto one worker.
type SendController struct {
	params SendControllerParams

	// held shared across a submission so that Stop never closes the worker under it
	stopLock sync.RWMutex
	stopped  bool
	worker   *workerpool.WorkerPool

	pacerController *PacerController

	// touched only on the worker
	rtt               time.Duration
	expectedQueueTime time.Duration

	sendQueueFull atomic.Bool
}

func NewSendController(params SendControllerParams) *SendController {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &SendController{
		params:          params,
		worker:          workerpool.New(1),
		pacerController: NewPacerController(params.Pacer, params.Logger),
	}
}

func (s *SendController) Stop() {
	s.stopLock.Lock()
	if s.stopped {
		s.stopLock.Unlock()
		return
	}
	s.stopped = true
	s.stopLock.Unlock()

	s.worker.StopWait()
}

// run executes f on the worker and waits for it
func (s *SendController) run(f func()) error {
	s.stopLock.RLock()
	defer s.stopLock.RUnlock()

	if s.stopped {
		return ErrControllerStopped
	}

	s.worker.SubmitWait(f)
	return nil
}

func (s *SendController) OnPacerConfig(msg PacerConfig) error {
	return s.run(func() {
		s.pacerController.OnPacerConfig(msg)
	})
}

func (s *SendController) OnCongestionWindow(msg CongestionWindow) error {
	return s.run(func() {
		s.pacerController.OnCongestionWindow(msg)
	})
}

func (s *SendController) OnNetworkAvailability(msg NetworkAvailability) error {
	return s.run(func() {
		s.pacerController.OnNetworkAvailability(msg)
	})
}

// OnNetworkRouteChange drops in flight accounting.
func (s *SendController) OnNetworkRouteChange() error {
	return s.run(func() {
		if s.params.Router != nil {
			s.params.Router.OnNetworkRouteChange()
		}
		s.pacerController.OnNetworkRouteChange()
	})
}

func (s *SendController) OnOutstandingData(msg OutstandingData) error {
	return s.run(func() {
		s.pacerController.OnOutstandingData(msg)
	})
}

func (s *SendController) OnProbeClusterConfig(msg ProbeClusterConfig) (ccutils.ProbeClusterId, error) {
	id := ccutils.ProbeClusterIdInvalid
	err := s.run(func() {
		id = s.pacerController.OnProbeClusterConfig(msg)
	})
	return id, err
}

func (s *SendController) OnPacerQueueUpdate(msg PacerQueueUpdate) error {
	return s.run(func() {
		s.expectedQueueTime = msg.ExpectedQueueTime

		full := msg.ExpectedQueueTime > pacer.MaxQueueLength
		if s.sendQueueFull.Swap(full) != full {
			s.params.Logger.Infow("send queue full changed", "full", full, "expectedQueueTime", msg.ExpectedQueueTime)
		}
	})
}

// IsSendQueueFull reports whether the last queue update exceeded the maximum queue length.
func (s *SendController) IsSendQueueFull() bool {
	return s.sendQueueFull.Load()
}

func (s *SendController) OnRoundTripTime(rtt time.Duration) error {
	return s.run(func() {
		s.rtt = rtt
		if s.params.Router != nil {
			s.params.Router.SetRtt(rtt)
		}
	})
}

// OnReceivedNack schedules retransmissions, returns the number of packets enqueued.
func (s *SendController) OnReceivedNack(nack *rtcp.TransportLayerNack) (int, error) {
	if s.params.Router == nil {
		return 0, ErrNoRouter
	}

	var (
		enqueued int
		nackErr  error
	)
	err := s.run(func() {
		enqueued, nackErr = s.params.Router.OnReceivedNack(nack, s.rtt)
	})
	if err != nil {
		return 0, err
	}
	return enqueued, nackErr
}

// OnTransportFeedback culls acknowledged packets and feeds the resulting in flight bytes to the pacer.
func (s *SendController) OnTransportFeedback(report *rtcp.TransportLayerCC) (*sendsidebwe.TransportPacketsFeedback, error) {
	if s.params.Router == nil {
		return nil, ErrNoRouter
	}

	var (
		feedback    *sendsidebwe.TransportPacketsFeedback
		feedbackErr error
	)
	err := s.run(func() {
		feedback, feedbackErr = s.params.Router.OnTransportFeedback(report)
		if feedbackErr != nil {
			if errors.Is(feedbackErr, sendsidebwe.ErrFeedbackReportOutOfOrder) {
				s.params.Logger.Debugw("stale transport feedback", "feedbackCount", report.FbPktCount)
			} else {
				s.params.Logger.Warnw("could not process transport feedback", feedbackErr)
			}
			return
		}
		if feedback == nil {
			return
		}

		s.pacerController.OnOutstandingData(OutstandingData{
			InFlightBytes: int64(feedback.OutstandingBytes),
		})
	})
	if err != nil {
		return nil, err
	}
	return feedback, feedbackErr
}

// UpdatePacerQueue samples the pacer queue into the queue full signal and metrics.
func (s *SendController) UpdatePacerQueue(ps *pacer.PacedSender) error {
	expectedQueueTime := ps.ExpectedQueueTime()
	prometheus.SetPacerQueue(ps.QueueSizePackets(), ps.QueueSizeBytes(), expectedQueueTime)
	return s.OnPacerQueueUpdate(PacerQueueUpdate{ExpectedQueueTime: expectedQueueTime})
}

func (s *SendController) IsPaused() bool {
	paused := false
	_ = s.run(func() {
		paused = s.pacerController.IsPaused()
	})
	return paused
}

func (s *SendController) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if s == nil {
		return nil
	}

	return s.run(func() {
		e.AddObject("pacerController", s.pacerController)
		e.AddDuration("rtt", s.rtt)
		e.AddDuration("expectedQueueTime", s.expectedQueueTime)
		e.AddBool("sendQueueFull", s.sendQueueFull.Load())
	})
}
