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
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sendpacer/pkg/sfu/ccutils"
	"github.com/livekit/sendpacer/pkg/sfu/pacer"
	"github.com/livekit/sendpacer/pkg/telemetry/prometheus"
)

// PacerController translates estimator output into pacer state. Not safe for concurrent use,
// all calls must come from one sequenced context.
type PacerController struct {
	pacer  pacer.Pacer
	logger logger.Logger

	inUse atomic.Bool

	congestionWindowBytes int64 // pacer.NoCongestionWindow when disabled
	congested             bool
	networkAvailable      bool
	paused                bool
}

func NewPacerController(p pacer.Pacer, logger logger.Logger) *PacerController {
	return &PacerController{
		pacer:                 p,
		logger:                logger,
		congestionWindowBytes: pacer.NoCongestionWindow,
		networkAvailable:      true,
	}
}

func (c *PacerController) OnPacerConfig(msg PacerConfig) {
	defer c.enter()()

	pacingRateBps := msg.DataRateBps()
	paddingRateBps := msg.PadRateBps()
	c.pacer.SetPacingRates(pacingRateBps, paddingRateBps)
	prometheus.SetPacerRates(pacingRateBps, paddingRateBps)
}

func (c *PacerController) OnCongestionWindow(msg CongestionWindow) {
	defer c.enter()()

	if msg.Enabled {
		c.congestionWindowBytes = msg.DataWindowBytes
	} else {
		c.congestionWindowBytes = pacer.NoCongestionWindow
		c.congested = false
	}
	c.pacer.SetCongestionWindow(c.congestionWindowBytes)
	prometheus.SetCongestionWindow(c.congestionWindowBytes)
	c.setPacerState()
}

func (c *PacerController) OnNetworkAvailability(msg NetworkAvailability) {
	defer c.enter()()

	c.networkAvailable = msg.NetworkAvailable
	c.congested = false
	c.setPacerState()
}

func (c *PacerController) OnNetworkRouteChange() {
	defer c.enter()()

	c.congested = false
	c.pacer.UpdateOutstandingData(0)
	c.setPacerState()
}

func (c *PacerController) OnOutstandingData(msg OutstandingData) {
	defer c.enter()()

	c.pacer.UpdateOutstandingData(msg.InFlightBytes)
	prometheus.SetOutstandingBytes(msg.InFlightBytes)
	if c.congestionWindowBytes != pacer.NoCongestionWindow {
		c.congested = msg.InFlightBytes > c.congestionWindowBytes
	}
	c.setPacerState()
}

func (c *PacerController) OnProbeClusterConfig(msg ProbeClusterConfig) ccutils.ProbeClusterId {
	defer c.enter()()

	return c.pacer.CreateProbeCluster(msg.TargetRateBps, msg.Id)
}

func (c *PacerController) IsPaused() bool {
	return c.paused
}

func (c *PacerController) IsCongested() bool {
	return c.congested
}

func (c *PacerController) setPacerState() {
	shouldPause := c.congested || !c.networkAvailable
	if shouldPause == c.paused {
		return
	}

	if shouldPause {
		c.pacer.Pause()
	} else {
		c.pacer.Resume()
	}
	c.paused = shouldPause
	prometheus.SetPacerPaused(c.paused)

	c.logger.Debugw(
		"pacer state changed",
		"paused", c.paused,
		"congested", c.congested,
		"networkAvailable", c.networkAvailable,
	)
}

func (c *PacerController) enter() func() {
	if !c.inUse.CompareAndSwap(false, true) {
		c.logger.Errorw("pacer controller used concurrently", nil)
		return func() {}
	}
	return func() {
		c.inUse.Store(false)
	}
}

func (c *PacerController) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if c == nil {
		return nil
	}

	e.AddInt64("congestionWindowBytes", c.congestionWindowBytes)
	e.AddBool("congested", c.congested)
	e.AddBool("networkAvailable", c.networkAvailable)
	e.AddBool("paused", c.paused)
	return nil
}
