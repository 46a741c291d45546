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

// Design of BitrateProber
//
// Probing is used to check for existence of excess channel capacity.
// A probe cluster is a short burst sent at a rate higher than the
// current pacing rate. The receiver's transport feedback on the
// packets of the burst lets the bandwidth estimator measure what
// the channel can actually carry.
//
// The prober does not send anything itself. It is owned by the pacer
// and tells the pacer
//   - whether a cluster is active (IsProbing),
//   - when the next probe packet is due (TimeUntilNextProbe),
//   - how many bytes to send per probe (RecommendedMinProbeSize),
//   - which cluster the sent packets belong to (CurrentCluster).
//
// Probe packets bypass the media budget of the pacer. Whatever the pacer
// sends while probing, media or padding, is counted against the front
// cluster through ProbeSent. A cluster is done once it has seen at least
// `cMinProbePacketsSent` probes and enough bytes to cover
// `cMinProbeDuration` at the cluster rate.
//
// Spacing
// -------
// Each probe aims for about `2 * cMinProbeDelta` of data at the cluster
// rate. Next probe time is computed from the start of the cluster and
// the bytes sent so far, so a late probe is compensated by the following
// ones. If a probe is more than `cMaxProbeDelay` late, the timing of the
// burst is no longer meaningful and the prober suspends until the next
// media packet arrives.
//
// The prober is not safe for concurrent use, the pacer serializes access.
package ccutils

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"
)

const (
	cInactivityThreshold  = 5 * time.Second
	cMinProbeDelta        = time.Millisecond
	cMinProbePacketsSent  = 5
	cMinProbeDuration     = 15 * time.Millisecond
	cMaxProbeDelay        = 3 * time.Millisecond
	cMinProbePacketSize   = 200
	cProbeClusterTimeout  = 5 * time.Second
	cMaxPendingProbeCount = 8
)

// ---------------------------------

type ProbeClusterId uint32

const (
	ProbeClusterIdInvalid ProbeClusterId = 0
)

// ---------------------------------

type ProberState int

const (
	ProberStateDisabled ProberState = iota
	ProberStateInactive
	ProberStateActive
	ProberStateSuspended
)

func (p ProberState) String() string {
	switch p {
	case ProberStateDisabled:
		return "DISABLED"
	case ProberStateInactive:
		return "INACTIVE"
	case ProberStateActive:
		return "ACTIVE"
	case ProberStateSuspended:
		return "SUSPENDED"
	default:
		return fmt.Sprintf("%d", int(p))
	}
}

// ---------------------------------------------------------------------------

// PacedPacketInfo is attached to every packet the pacer sends.
// ProbeClusterId is ProbeClusterIdInvalid for packets that are not part of a probe.
type PacedPacketInfo struct {
	SendBitrateBps        int
	ProbeClusterId        ProbeClusterId
	ProbeClusterMinProbes int
	ProbeClusterMinBytes  int
}

var (
	PacedPacketInfoNotAProbe = PacedPacketInfo{}
)

func (p PacedPacketInfo) IsProbe() bool {
	return p.ProbeClusterId != ProbeClusterIdInvalid
}

func (p PacedPacketInfo) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddInt("SendBitrateBps", p.SendBitrateBps)
	e.AddUint32("ProbeClusterId", uint32(p.ProbeClusterId))
	e.AddInt("ProbeClusterMinProbes", p.ProbeClusterMinProbes)
	e.AddInt("ProbeClusterMinBytes", p.ProbeClusterMinBytes)
	return nil
}

// ---------------------------------------------------------------------------

type ProbeClusterResult struct {
	StartTime   time.Time
	EndTime     time.Time
	ProbesSent  int
	BytesSent   int
	IsCompleted bool
}

func (p ProbeClusterResult) Duration() time.Duration {
	return p.EndTime.Sub(p.StartTime)
}

func (p ProbeClusterResult) Bitrate() float64 {
	duration := p.Duration().Seconds()
	if duration != 0 {
		return float64(p.BytesSent*8) / duration
	}

	return 0
}

func (p ProbeClusterResult) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddTime("StartTime", p.StartTime)
	e.AddTime("EndTime", p.EndTime)
	e.AddDuration("Duration", p.Duration())
	e.AddInt("ProbesSent", p.ProbesSent)
	e.AddInt("BytesSent", p.BytesSent)
	e.AddFloat64("Bitrate", p.Bitrate())
	e.AddBool("IsCompleted", p.IsCompleted)
	return nil
}

type ProbeClusterInfo struct {
	Id        ProbeClusterId
	CreatedAt time.Time
	PaceInfo  PacedPacketInfo
	Result    ProbeClusterResult
}

var (
	ProbeClusterInfoInvalid = ProbeClusterInfo{Id: ProbeClusterIdInvalid}
)

func (p ProbeClusterInfo) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddUint32("Id", uint32(p.Id))
	e.AddTime("CreatedAt", p.CreatedAt)
	e.AddObject("PaceInfo", p.PaceInfo)
	e.AddObject("Result", p.Result)
	return nil
}

// ---------------------------------------------------------------------------

type ProberListener interface {
	OnProbeClusterDone(info ProbeClusterInfo)
}

type ProberParams struct {
	Clock    clock.Clock
	Listener ProberListener
	Logger   logger.Logger
}

type BitrateProber struct {
	params ProberParams

	clusterId atomic.Uint32

	state         ProberState
	clusters      deque.Deque[*ProbeCluster]
	nextProbeTime time.Time
	lastPacketAt  time.Time

	totalProbeCount       int
	totalFailedProbeCount int
}

func NewBitrateProber(params ProberParams) *BitrateProber {
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &BitrateProber{
		params: params,
		state:  ProberStateInactive,
	}
}

func (p *BitrateProber) SetEnabled(enabled bool) {
	if enabled {
		if p.state == ProberStateDisabled {
			p.state = ProberStateInactive
			p.params.Logger.Debugw("prober: enabled")
		}
	} else {
		p.state = ProberStateDisabled
		p.params.Logger.Debugw("prober: disabled")
	}
}

func (p *BitrateProber) State() ProberState {
	return p.state
}

func (p *BitrateProber) IsProbing() bool {
	return p.state == ProberStateActive && p.clusters.Len() != 0
}

// OnIncomingPacket is called for every packet handed to the pacer. Probing only starts on a packet
// large enough to be used as a probe, a pending cluster would otherwise be spread out over tiny packets.
func (p *BitrateProber) OnIncomingPacket(packetSize int) {
	p.lastPacketAt = p.params.Clock.Now()

	if p.state != ProberStateInactive && p.state != ProberStateSuspended {
		return
	}
	if p.clusters.Len() == 0 {
		return
	}

	if packetSize >= min(p.RecommendedMinProbeSize(), cMinProbePacketSize) {
		// send the first probe immediately
		p.nextProbeTime = time.Time{}
		p.state = ProberStateActive
	}
}

func (p *BitrateProber) CreateProbeCluster(bitrateBps int, clusterId ProbeClusterId) ProbeClusterId {
	if bitrateBps <= 0 || p.state == ProberStateDisabled {
		return ProbeClusterIdInvalid
	}

	now := p.params.Clock.Now()
	p.totalProbeCount++
	for p.clusters.Len() != 0 {
		front := p.clusters.Front()
		if now.Sub(front.info.CreatedAt) <= cProbeClusterTimeout && p.clusters.Len() < cMaxPendingProbeCount {
			break
		}

		p.clusters.PopFront()
		p.totalFailedProbeCount++
		p.params.Logger.Debugw("prober: dropping stale cluster", "cluster", front)
		p.notifyDone(front, now)
	}

	if clusterId == ProbeClusterIdInvalid {
		clusterId = ProbeClusterId(p.clusterId.Inc())
	}
	cluster := &ProbeCluster{
		info: ProbeClusterInfo{
			Id:        clusterId,
			CreatedAt: now,
			PaceInfo: PacedPacketInfo{
				SendBitrateBps:        bitrateBps,
				ProbeClusterId:        clusterId,
				ProbeClusterMinProbes: cMinProbePacketsSent,
				ProbeClusterMinBytes:  int(int64(bitrateBps) * cMinProbeDuration.Microseconds() / 8e6),
			},
		},
	}
	p.clusters.PushBack(cluster)
	p.params.Logger.Debugw("prober: cluster added", "cluster", cluster, "state", p.state)

	if p.state != ProberStateActive {
		p.state = ProberStateInactive
	}
	return clusterId
}

// TimeUntilNextProbe returns false when no cluster is being probed.
func (p *BitrateProber) TimeUntilNextProbe(now time.Time) (time.Duration, bool) {
	if !p.IsProbing() {
		return 0, false
	}

	if !p.lastPacketAt.IsZero() && now.Sub(p.lastPacketAt) >= cInactivityThreshold {
		p.state = ProberStateSuspended
		p.params.Logger.Debugw("prober: no packets, suspending", "sinceLastPacket", now.Sub(p.lastPacketAt))
		return 0, false
	}

	if p.nextProbeTime.IsZero() {
		return 0, true
	}

	delay := p.nextProbeTime.Sub(now)
	if delay < -cMaxProbeDelay {
		p.state = ProberStateSuspended
		p.params.Logger.Infow("prober: probe delay too high, suspending", "delay", delay)
		return 0, false
	}

	return max(delay, 0), true
}

// CurrentCluster returns PacedPacketInfoNotAProbe when not probing.
func (p *BitrateProber) CurrentCluster() PacedPacketInfo {
	if !p.IsProbing() {
		return PacedPacketInfoNotAProbe
	}

	return p.clusters.Front().info.PaceInfo
}

// RecommendedMinProbeSize is the size of a probe that keeps probes at least two probe deltas apart at the
// cluster rate.
func (p *BitrateProber) RecommendedMinProbeSize() int {
	if p.clusters.Len() == 0 {
		return 0
	}

	bitrateBps := int64(p.clusters.Front().info.PaceInfo.SendBitrateBps)
	return int(bitrateBps * 2 * cMinProbeDelta.Microseconds() / 8e6)
}

func (p *BitrateProber) ProbeSent(now time.Time, bytes int) {
	if p.clusters.Len() == 0 {
		return
	}

	cluster := p.clusters.Front()
	if cluster.info.Result.ProbesSent == 0 {
		cluster.info.Result.StartTime = now
	}
	cluster.info.Result.BytesSent += bytes
	cluster.info.Result.ProbesSent++
	cluster.info.Result.EndTime = now
	p.nextProbeTime = cluster.nextProbeTime()

	if cluster.isDone() {
		cluster.info.Result.IsCompleted = true
		p.clusters.PopFront()
		p.params.Logger.Debugw("prober: cluster done", "cluster", cluster)
		p.notifyDone(cluster, now)
	}

	if p.clusters.Len() == 0 {
		p.state = ProberStateInactive
	}
}

func (p *BitrateProber) notifyDone(cluster *ProbeCluster, now time.Time) {
	if p.params.Listener == nil {
		return
	}

	info := cluster.info
	if info.Result.EndTime.IsZero() {
		info.Result.EndTime = now
	}
	p.params.Listener.OnProbeClusterDone(info)
}

func (p *BitrateProber) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if p == nil {
		return nil
	}

	e.AddString("state", p.state.String())
	e.AddInt("numClusters", p.clusters.Len())
	e.AddTime("nextProbeTime", p.nextProbeTime)
	e.AddInt("totalProbeCount", p.totalProbeCount)
	e.AddInt("totalFailedProbeCount", p.totalFailedProbeCount)
	return nil
}

// ---------------------------------------------------------------------------

type ProbeCluster struct {
	info ProbeClusterInfo
}

func (c *ProbeCluster) isDone() bool {
	return c.info.Result.BytesSent >= c.info.PaceInfo.ProbeClusterMinBytes &&
		c.info.Result.ProbesSent >= c.info.PaceInfo.ProbeClusterMinProbes
}

// nextProbeTime spaces probes so that bytes sent since the start of the cluster match the cluster rate.
func (c *ProbeCluster) nextProbeTime() time.Time {
	bitrateBps := int64(c.info.PaceInfo.SendBitrateBps)
	deltaUs := (8e6*int64(c.info.Result.BytesSent) + bitrateBps/2) / bitrateBps
	return c.info.Result.StartTime.Add(time.Duration(deltaUs) * time.Microsecond)
}

func (c *ProbeCluster) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if c != nil {
		e.AddObject("info", c.info)
		e.AddBool("isDone", c.isDone())
	}
	return nil
}

// ----------------------------------------------------------------------
