package pacer

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/livekit/protocol/logger"
)

// PacketTime hands out timestamps that never go backwards, regressions of the underlying clock are logged and
// clamped to the last observed time. Not safe for concurrent use.
type PacketTime struct {
	clock  clock.Clock
	logger logger.Logger

	lastTime time.Time
}

func NewPacketTime(clk clock.Clock, logger logger.Logger) *PacketTime {
	return &PacketTime{
		clock:    clk,
		logger:   logger,
		lastTime: clk.Now(),
	}
}

func (p *PacketTime) Get() time.Time {
	now := p.clock.Now()
	if now.Before(p.lastTime) {
		p.logger.Warnw(
			"non-monotonic clock", nil,
			"previous", p.lastTime,
			"current", now,
			"regression", p.lastTime.Sub(now),
		)
		return p.lastTime
	}

	p.lastTime = now
	return now
}

// ------------------------------------------------
