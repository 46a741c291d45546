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
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sendpacer/pkg/config"
	"github.com/livekit/sendpacer/pkg/sfu/ccutils"
)

const (
	DefaultMinPacketLimit   = 5 * time.Millisecond
	CongestedPacketInterval = 500 * time.Millisecond
	PausedProcessInterval   = CongestedPacketInterval
	MaxElapsedTime          = 2 * time.Second
	MaxProcessingInterval   = 30 * time.Millisecond
	MaxQueueLength          = 2 * time.Second

	NoCongestionWindow int64 = -1
)

var (
	ErrPacingRateNotSet = errors.New("pacing rate not set")
)

// PacketRouter is the egress of the pacer. SendPacket is called without holding any pacer lock and takes
// ownership of the packet. GeneratePadding returns packets of up to the requested total size, possibly none.
type PacketRouter struct {
	SendPacket      func(p *Packet, pacingInfo ccutils.PacedPacketInfo) error
	GeneratePadding func(targetBytes int) []*Packet
}

type PacedSenderParams struct {
	Config         config.PacerConfig
	Clock          clock.Clock
	Router         PacketRouter
	ProcessThread  *ProcessThread
	ProberListener ccutils.ProberListener
	Logger         logger.Logger
}

type probeClusterCollector struct {
	infos []ccutils.ProbeClusterInfo
}

func (c *probeClusterCollector) OnProbeClusterDone(info ccutils.ProbeClusterInfo) {
	c.infos = append(c.infos, info)
}

func (c *probeClusterCollector) take() []ccutils.ProbeClusterInfo {
	infos := c.infos
	c.infos = nil
	return infos
}

// ------------------------------------------------

type PacedSender struct {
	params PacedSenderParams

	lock sync.Mutex

	packetTime *PacketTime

	minPacketLimit      time.Duration
	drainLargeQueues    bool
	sendPaddingIfSilent bool
	paceAudio           bool
	accountForAudio     bool
	queueTimeLimit      time.Duration

	paused             bool
	mediaBudget        *IntervalBudget
	paddingBudget      *IntervalBudget
	prober             *ccutils.BitrateProber
	probingSendFailure bool

	pacingBitrateBps  int64
	paddingBitrateBps int64

	timeLastProcess     time.Time
	lastSendTime        time.Time
	firstSentPacketTime time.Time

	packets       *PacketQueue
	packetCounter uint64

	// filled by the prober under the lock, drained once it is released
	finishedClusters probeClusterCollector

	congestionWindowBytes int64
	outstandingBytes      int64

	// for throttling error logs
	sendErrors atomic.Uint32
}

func NewPacedSender(params PacedSenderParams) *PacedSender {
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	p := &PacedSender{
		params:                params,
		packetTime:            NewPacketTime(params.Clock, params.Logger),
		minPacketLimit:        params.Config.MinPacketLimit,
		drainLargeQueues:      params.Config.DrainLargeQueues,
		sendPaddingIfSilent:   params.Config.SendPaddingIfSilent,
		paceAudio:             params.Config.PaceAudio,
		accountForAudio:       params.Config.AccountForAudio,
		queueTimeLimit:        params.Config.QueueTimeLimit,
		mediaBudget:           NewIntervalBudget(0, false),
		paddingBudget:         NewIntervalBudget(0, false),
		congestionWindowBytes: NoCongestionWindow,
	}
	if p.minPacketLimit <= 0 {
		p.minPacketLimit = DefaultMinPacketLimit
	}
	if p.queueTimeLimit <= 0 {
		p.queueTimeLimit = MaxQueueLength
	}
	if !p.drainLargeQueues {
		p.params.Logger.Infow("pacer queues will not be drained")
	}

	p.prober = ccutils.NewBitrateProber(ccutils.ProberParams{
		Clock:    params.Clock,
		Listener: &p.finishedClusters,
		Logger:   params.Logger,
	})
	p.prober.SetEnabled(params.Config.ProbingEnabled)

	now := p.packetTime.Get()
	p.timeLastProcess = now
	p.lastSendTime = now
	p.packets = NewPacketQueue(now)
	p.updateBudgetWithElapsedTime(p.minPacketLimit)
	return p
}

func (p *PacedSender) CreateProbeCluster(bitrateBps int, clusterId ccutils.ProbeClusterId) ccutils.ProbeClusterId {
	p.lock.Lock()
	id := p.prober.CreateProbeCluster(bitrateBps, clusterId)
	stale := p.finishedClusters.take()
	p.lock.Unlock()

	p.notifyProbeClustersDone(stale)
	return id
}

func (p *PacedSender) SetProbingEnabled(enabled bool) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.prober.SetEnabled(enabled)
}

func (p *PacedSender) Pause() {
	p.lock.Lock()
	if !p.paused {
		p.params.Logger.Infow("pacer paused")
	}
	p.paused = true
	p.packets.SetPauseState(true, p.packetTime.Get())
	p.lock.Unlock()

	// paused cadence is longer, let the thread pick it up
	p.wakeUp()
}

func (p *PacedSender) Resume() {
	p.lock.Lock()
	if p.paused {
		p.params.Logger.Infow("pacer resumed")
	}
	p.paused = false
	p.packets.SetPauseState(false, p.packetTime.Get())
	p.lock.Unlock()

	p.wakeUp()
}

func (p *PacedSender) IsPaused() bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.paused
}

func (p *PacedSender) wakeUp() {
	if p.params.ProcessThread != nil {
		p.params.ProcessThread.WakeUp(p)
	}
}

// SetCongestionWindow sets the limit on bytes in flight, NoCongestionWindow removes the limit.
func (p *PacedSender) SetCongestionWindow(bytes int64) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.congestionWindowBytes = bytes
}

func (p *PacedSender) UpdateOutstandingData(bytes int64) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.outstandingBytes = bytes
}

func (p *PacedSender) IsCongested() bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.congested()
}

func (p *PacedSender) congested() bool {
	if p.congestionWindowBytes >= 0 {
		return p.outstandingBytes >= p.congestionWindowBytes
	}
	return false
}

// SetPacingRates ignores a non-positive pacing rate and keeps the previous rates.
func (p *PacedSender) SetPacingRates(pacingRateBps int64, paddingRateBps int64) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if pacingRateBps <= 0 {
		p.params.Logger.Warnw(
			"invalid pacing rate, ignoring", nil,
			"pacingRateBps", pacingRateBps,
			"paddingRateBps", paddingRateBps,
		)
		return
	}

	p.pacingBitrateBps = pacingRateBps
	p.paddingBitrateBps = max(paddingRateBps, 0)
	p.paddingBudget.SetTargetRate(p.paddingBitrateBps)

	p.params.Logger.Debugw(
		"pacer updated",
		"pacingRateBps", p.pacingBitrateBps,
		"paddingRateBps", p.paddingBitrateBps,
	)
}

func (p *PacedSender) SetAccountForAudioPackets(accountForAudio bool) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.accountForAudio = accountForAudio
}

func (p *PacedSender) SetQueueTimeLimit(limit time.Duration) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.queueTimeLimit = limit
}

// EnqueuePacket takes ownership of the packet. A packet with an (ssrc, sequence number) already queued is
// dropped without error.
func (p *PacedSender) EnqueuePacket(pkt *Packet) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.pacingBitrateBps <= 0 {
		p.params.Logger.Warnw("enqueue before pacing rate is set, dropping", ErrPacingRateNotSet, "packet", pkt)
		return ErrPacingRateNotSet
	}

	p.enqueuePacketLocked(pkt)
	return nil
}

func (p *PacedSender) enqueuePacketLocked(pkt *Packet) bool {
	now := p.packetTime.Get()
	p.prober.OnIncomingPacket(pkt.PayloadSize())

	if pkt.CaptureTime.IsZero() {
		pkt.CaptureTime = now
	}

	if !p.packets.Push(pkt, now, p.packetCounter) {
		p.params.Logger.Debugw("duplicate packet, dropping", "packet", pkt)
		return false
	}
	p.packetCounter++
	return true
}

func (p *PacedSender) ExpectedQueueTime() time.Duration {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.pacingBitrateBps <= 0 {
		return 0
	}
	return time.Duration(int64(p.packets.SizeInBytes()) * 8 * int64(time.Second) / p.pacingBitrateBps)
}

func (p *PacedSender) QueueSizePackets() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.packets.SizeInPackets()
}

func (p *PacedSender) QueueSizeBytes() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.packets.SizeInBytes()
}

func (p *PacedSender) OldestPacketWaitTime() time.Duration {
	p.lock.Lock()
	defer p.lock.Unlock()

	oldest := p.packets.OldestEnqueueTime()
	if oldest.IsZero() {
		return 0
	}
	return p.packetTime.Get().Sub(oldest)
}

// FirstSentPacketTime returns zero time until a packet has been sent.
func (p *PacedSender) FirstSentPacketTime() time.Time {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.firstSentPacketTime
}

func (p *PacedSender) TimeUntilNextProcess() time.Duration {
	p.lock.Lock()
	defer p.lock.Unlock()

	now := p.packetTime.Get()
	elapsed := now.Sub(p.timeLastProcess)
	// wake up periodically while paused to send keepalive padding
	if p.paused {
		return max(PausedProcessInterval-elapsed, 0)
	}

	if p.prober.IsProbing() {
		if untilProbe, ok := p.prober.TimeUntilNextProbe(now); ok {
			if untilProbe > 0 || !p.probingSendFailure {
				return untilProbe
			}
		}
	}

	return max(p.minPacketLimit-elapsed, 0)
}

// Process sends what the budgets allow. The prober listener is notified after the lock is released, so it may
// call back into the pacer.
func (p *PacedSender) Process() {
	p.lock.Lock()
	p.processLocked()
	finished := p.finishedClusters.take()
	p.lock.Unlock()

	p.notifyProbeClustersDone(finished)
}

func (p *PacedSender) processLocked() {
	now := p.packetTime.Get()
	elapsed := p.updateTimeAndGetElapsed(now)
	if p.shouldSendKeepalive(now) {
		p.sendKeepalive()
	}

	if p.paused {
		return
	}

	if elapsed > 0 {
		targetRateBps := p.pacingBitrateBps
		if queueBytes := p.packets.SizeInBytes(); queueBytes > 0 {
			p.packets.UpdateQueueTime(now)
			if p.drainLargeQueues {
				// bound the wait of the average queued packet to the queue time limit
				avgTimeLeft := max(time.Millisecond, p.queueTimeLimit-p.packets.AverageQueueTime())
				minRateNeededBps := int64(queueBytes) * 8 * int64(time.Second) / int64(avgTimeLeft)
				if minRateNeededBps > targetRateBps {
					targetRateBps = minRateNeededBps
					p.params.Logger.Debugw("large pacing queue", "pacingRateBps", targetRateBps, "queueBytes", queueBytes)
				}
			}
		}

		p.mediaBudget.SetTargetRate(targetRateBps)
		p.updateBudgetWithElapsedTime(elapsed)
	}

	isProbing := p.prober.IsProbing()
	pacingInfo := ccutils.PacedPacketInfoNotAProbe
	recommendedProbeSize := 0
	if isProbing {
		pacingInfo = p.prober.CurrentCluster()
		recommendedProbeSize = p.prober.RecommendedMinProbeSize()
	}

	dataSent := 0
	// paused may change while the lock is released around sends
	for !p.paused {
		qp := p.getPendingPacket(pacingInfo)
		if qp == nil {
			paddingToAdd := p.paddingToAdd(isProbing, recommendedProbeSize, dataSent)
			if paddingToAdd <= 0 {
				break
			}

			p.lock.Unlock()
			paddingPackets := p.params.Router.GeneratePadding(paddingToAdd)
			p.lock.Lock()

			added := false
			for _, pkt := range paddingPackets {
				if p.enqueuePacketLocked(pkt) {
					added = true
				}
			}
			if !added {
				break
			}
			continue
		}

		pkt := qp.Packet()
		p.lock.Unlock()
		err := p.params.Router.SendPacket(pkt, pacingInfo)
		p.lock.Lock()

		if err != nil {
			// packet is owned by the router now, drop it without consuming budget
			p.packets.FinalizePop()
			p.logSendError(err, pkt)
			break
		}

		dataSent += pkt.Size()
		p.onPacketSent(qp)
		if isProbing && dataSent > recommendedProbeSize {
			break
		}
	}

	if isProbing {
		p.probingSendFailure = dataSent == 0
		if !p.probingSendFailure {
			p.prober.ProbeSent(p.packetTime.Get(), dataSent)
		}
	}
}

func (p *PacedSender) notifyProbeClustersDone(infos []ccutils.ProbeClusterInfo) {
	if p.params.ProberListener == nil {
		return
	}
	for _, info := range infos {
		p.params.ProberListener.OnProbeClusterDone(info)
	}
}

func (p *PacedSender) updateTimeAndGetElapsed(now time.Time) time.Duration {
	elapsed := now.Sub(p.timeLastProcess)
	p.timeLastProcess = now
	if elapsed > MaxElapsedTime {
		p.params.Logger.Warnw(
			"elapsed time longer than expected, limiting", nil,
			"elapsed", elapsed,
			"limit", MaxElapsedTime,
		)
		elapsed = MaxElapsedTime
	}
	return elapsed
}

func (p *PacedSender) shouldSendKeepalive(now time.Time) bool {
	if !p.sendPaddingIfSilent && !p.paused && !p.congested() {
		return false
	}

	// padding before any media would confuse the receiver's timestamps
	if p.firstSentPacketTime.IsZero() {
		return false
	}

	return now.Sub(p.lastSendTime) >= CongestedPacketInterval
}

// sendKeepalive is called with the lock held and releases it around the router calls.
func (p *PacedSender) sendKeepalive() {
	p.lock.Unlock()
	keepaliveSent := 0
	for _, pkt := range p.params.Router.GeneratePadding(1) {
		size := pkt.Size()
		if err := p.params.Router.SendPacket(pkt, ccutils.PacedPacketInfoNotAProbe); err != nil {
			p.logSendError(err, pkt)
			continue
		}
		keepaliveSent += size
	}
	p.lock.Lock()

	p.onPaddingSent(keepaliveSent)
}

func (p *PacedSender) paddingToAdd(isProbing bool, recommendedProbeSize int, dataSent int) int {
	if !p.packets.Empty() {
		return 0
	}

	// no padding when congested, not even for probing
	if p.congested() {
		return 0
	}

	if p.firstSentPacketTime.IsZero() {
		return 0
	}

	if isProbing {
		return max(recommendedProbeSize-dataSent, 0)
	}

	return p.paddingBudget.BytesRemaining()
}

// getPendingPacket begins a pop, the caller must finalize it.
func (p *PacedSender) getPendingPacket(pacingInfo ccutils.PacedPacketInfo) *queuedPacket {
	if p.packets.Empty() {
		return nil
	}

	qp := p.packets.BeginPop()
	if qp == nil {
		return nil
	}

	isAudio := qp.Type() == PacketTypeAudio
	applyPacing := !isAudio || p.paceAudio
	if applyPacing && (p.congested() || (p.mediaBudget.InDebt() && !pacingInfo.IsProbe())) {
		p.packets.CancelPop()
		return nil
	}
	return qp
}

func (p *PacedSender) onPacketSent(qp *queuedPacket) {
	now := p.packetTime.Get()
	if p.firstSentPacketTime.IsZero() {
		p.firstSentPacketTime = now
	}

	if qp.Type() != PacketTypeAudio || p.accountForAudio {
		p.updateBudgetWithSentData(qp.Size())
		p.lastSendTime = now
	}

	p.packets.FinalizePop()
}

func (p *PacedSender) onPaddingSent(bytes int) {
	if bytes > 0 {
		p.updateBudgetWithSentData(bytes)
	}
	p.lastSendTime = p.packetTime.Get()
}

func (p *PacedSender) updateBudgetWithElapsedTime(delta time.Duration) {
	delta = min(delta, MaxProcessingInterval)
	p.mediaBudget.IncreaseBudget(delta)
	p.paddingBudget.IncreaseBudget(delta)
}

func (p *PacedSender) updateBudgetWithSentData(bytes int) {
	p.outstandingBytes += int64(bytes)
	p.mediaBudget.UseBudget(bytes)
	p.paddingBudget.UseBudget(bytes)
}

func (p *PacedSender) logSendError(err error, pkt *Packet) {
	sendErrors := p.sendErrors.Inc()
	if (sendErrors % 100) == 1 {
		p.params.Logger.Warnw("send packet failed", err, "packet", pkt, "count", sendErrors)
	}
}

func (p *PacedSender) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if p == nil {
		return nil
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	e.AddBool("paused", p.paused)
	e.AddInt64("pacingBitrateBps", p.pacingBitrateBps)
	e.AddInt64("paddingBitrateBps", p.paddingBitrateBps)
	e.AddInt("queuePackets", p.packets.SizeInPackets())
	e.AddInt("queueBytes", p.packets.SizeInBytes())
	e.AddInt64("congestionWindowBytes", p.congestionWindowBytes)
	e.AddInt64("outstandingBytes", p.outstandingBytes)
	e.AddObject("prober", p.prober)
	return nil
}

// ------------------------------------------------
