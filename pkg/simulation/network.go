package simulation

import (
	"encoding/binary"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor/pkg/twcc"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

type lostPacket struct {
	mediaSSRC      uint32
	sequenceNumber uint16
	lostAt         time.Time
}

// network is a lossy link with a fixed one way delay. The receiving side records transport-wide
// sequence numbers for feedback and collects losses for NACKs.
type network struct {
	clock              clock.Clock
	startTime          time.Time
	oneWayDelay        time.Duration
	lossRate           float64
	transportWideExtID uint8

	lock     sync.Mutex
	rand     *rand.Rand
	recorder *twcc.Recorder
	lost     []lostPacket
	rtxToMed map[uint32]uint32

	packets  int
	bytes    int
	dropped  int
	rtxCount int
	padding  int
}

func newNetwork(c clock.Clock, rtt time.Duration, lossRate float64, transportWideExtID uint8, seed int64) *network {
	return &network{
		clock:              c,
		startTime:          c.Now(),
		oneWayDelay:        rtt / 2,
		lossRate:           lossRate,
		transportWideExtID: transportWideExtID,
		rand:               rand.New(rand.NewSource(seed)),
		recorder:           twcc.NewRecorder(rand.Uint32()),
		rtxToMed:           make(map[uint32]uint32),
	}
}

func (n *network) addRTXPair(rtxSSRC uint32, mediaSSRC uint32) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.rtxToMed[rtxSSRC] = mediaSSRC
}

func (n *network) writer() *linkWriter {
	return &linkWriter{network: n}
}

func (n *network) deliver(header *rtp.Header, payload []byte) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.packets++
	n.bytes += header.MarshalSize() + len(payload)

	mediaSSRC, isRTX := n.rtxToMed[header.SSRC]
	isPadding := header.Padding && len(payload) > 0 && len(payload) == int(payload[len(payload)-1])
	switch {
	case isPadding:
		n.padding++
	case isRTX:
		n.rtxCount++
	}

	if n.rand.Float64() < n.lossRate {
		n.dropped++
		if isPadding {
			return
		}

		lp := lostPacket{
			mediaSSRC:      header.SSRC,
			sequenceNumber: header.SequenceNumber,
			lostAt:         n.clock.Now(),
		}
		if isRTX {
			if len(payload) < 2 {
				return
			}
			lp.mediaSSRC = mediaSSRC
			lp.sequenceNumber = binary.BigEndian.Uint16(payload)
		}
		n.lost = append(n.lost, lp)
		return
	}

	if n.transportWideExtID == 0 {
		return
	}
	ext := header.GetExtension(n.transportWideExtID)
	if ext == nil {
		return
	}
	var tcc rtp.TransportCCExtension
	if err := tcc.Unmarshal(ext); err != nil {
		return
	}

	arrival := n.clock.Now().Add(n.oneWayDelay).Sub(n.startTime)
	n.recorder.Record(header.SSRC, tcc.TransportSequence, arrival.Microseconds())
}

// feedback returns the transport feedback built from packets received since the last call.
func (n *network) feedback() []*rtcp.TransportLayerCC {
	n.lock.Lock()
	defer n.lock.Unlock()

	var reports []*rtcp.TransportLayerCC
	for _, pkt := range n.recorder.BuildFeedbackPacket() {
		if report, ok := pkt.(*rtcp.TransportLayerCC); ok {
			reports = append(reports, report)
		}
	}
	return reports
}

// nacks returns NACKs for packets lost at least nackDelay ago, grouped by media SSRC.
func (n *network) nacks(nackDelay time.Duration) []*rtcp.TransportLayerNack {
	n.lock.Lock()
	defer n.lock.Unlock()

	now := n.clock.Now()
	bySSRC := make(map[uint32][]uint16)
	remaining := n.lost[:0]
	for _, lp := range n.lost {
		if now.Sub(lp.lostAt) < nackDelay {
			remaining = append(remaining, lp)
			continue
		}
		bySSRC[lp.mediaSSRC] = append(bySSRC[lp.mediaSSRC], lp.sequenceNumber)
	}
	n.lost = remaining

	var nacks []*rtcp.TransportLayerNack
	for ssrc, sns := range bySSRC {
		slices.Sort(sns)
		nacks = append(nacks, &rtcp.TransportLayerNack{
			MediaSSRC: ssrc,
			Nacks:     rtcp.NackPairsFromSequenceNumbers(sns),
		})
	}
	return nacks
}

type linkStats struct {
	packets int
	bytes   int
	dropped int
	rtx     int
	padding int
}

func (n *network) stats() linkStats {
	n.lock.Lock()
	defer n.lock.Unlock()

	return linkStats{
		packets: n.packets,
		bytes:   n.bytes,
		dropped: n.dropped,
		rtx:     n.rtxCount,
		padding: n.padding,
	}
}

// ------------------------------------------------

// linkWriter is the track writer end of the simulated link.
type linkWriter struct {
	network *network
}

func (l *linkWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	l.network.deliver(header, payload)
	return header.MarshalSize() + len(payload), nil
}

func (l *linkWriter) Write(b []byte) (int, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		return 0, err
	}
	return l.WriteRTP(&pkt.Header, pkt.Payload)
}
