package pacer

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sendpacer/pkg/config"
	"github.com/livekit/sendpacer/pkg/sfu/ccutils"
)

const (
	testPacketSize     = 250
	testMediaSSRC      = 12345
	testPaddingSSRC    = 54321
	testMaxPaddingSize = 224
)

var errTestSendFailed = errors.New("send failed")

type sentPacket struct {
	packet     *Packet
	pacingInfo ccutils.PacedPacketInfo
	at         time.Time
}

type testRouter struct {
	clock       *clock.Mock
	sent        []sentPacket
	paddingSN   uint16
	paddingReqs []int
	failSends   bool
}

func (r *testRouter) packetRouter() PacketRouter {
	return PacketRouter{
		SendPacket:      r.sendPacket,
		GeneratePadding: r.generatePadding,
	}
}

func (r *testRouter) sendPacket(p *Packet, pacingInfo ccutils.PacedPacketInfo) error {
	if r.failSends {
		return errTestSendFailed
	}

	r.sent = append(r.sent, sentPacket{
		packet:     p,
		pacingInfo: pacingInfo,
		at:         r.clock.Now(),
	})
	return nil
}

func (r *testRouter) generatePadding(targetBytes int) []*Packet {
	r.paddingReqs = append(r.paddingReqs, targetBytes)

	var packets []*Packet
	for left := targetBytes; left > 0; {
		size := min(left, testMaxPaddingSize)
		left -= size

		r.paddingSN++
		packets = append(packets, &Packet{
			RTP: &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					Padding:        true,
					SSRC:           testPaddingSSRC,
					SequenceNumber: r.paddingSN,
				},
				PaddingSize: byte(size),
			},
			Type: PacketTypePadding,
		})
	}
	return packets
}

func (r *testRouter) countOfType(packetType PacketType) int {
	count := 0
	for _, s := range r.sent {
		if s.packet.Type == packetType {
			count++
		}
	}
	return count
}

func (r *testRouter) bytesSent() int {
	bytes := 0
	for _, s := range r.sent {
		bytes += s.packet.Size()
	}
	return bytes
}

func defaultTestPacerConfig() config.PacerConfig {
	return config.PacerConfig{
		MinPacketLimit:   DefaultMinPacketLimit,
		DrainLargeQueues: true,
		QueueTimeLimit:   MaxQueueLength,
		ProbingEnabled:   true,
	}
}

func newTestPacedSender(conf config.PacerConfig) (*PacedSender, *clock.Mock, *testRouter) {
	mockClock := clock.NewMock()
	mockClock.Set(time.Unix(100_000, 0))
	router := &testRouter{clock: mockClock}
	ps := NewPacedSender(PacedSenderParams{
		Config: conf,
		Clock:  mockClock,
		Router: router.packetRouter(),
		Logger: logger.GetLogger(),
	})
	return ps, mockClock, router
}

func advance(mockClock *clock.Mock, ps *PacedSender) {
	mockClock.Add(ps.TimeUntilNextProcess())
	ps.Process()
}

func runFor(mockClock *clock.Mock, ps *PacedSender, duration time.Duration) {
	end := mockClock.Now().Add(duration)
	for mockClock.Now().Before(end) {
		advance(mockClock, ps)
	}
}

func enqueueVideo(t *testing.T, ps *PacedSender, ssrc uint32, sn uint16, size int) {
	require.NoError(t, ps.EnqueuePacket(newTestPacket(PacketTypeVideo, ssrc, sn, time.Time{}, size)))
}

func TestPacedSender_SimplePacing(t *testing.T) {
	ps, mockClock, router := newTestPacedSender(defaultTestPacerConfig())

	const packetsToSend = 42
	ps.SetPacingRates(testPacketSize*8*packetsToSend, 0)
	for i := 0; i < packetsToSend; i++ {
		enqueueVideo(t, ps, testMediaSSRC, uint16(i), testPacketSize)
	}

	start := mockClock.Now()
	for len(router.sent) < packetsToSend && mockClock.Now().Sub(start) < 2*time.Second {
		advance(mockClock, ps)
	}

	require.Len(t, router.sent, packetsToSend)
	for i, s := range router.sent {
		require.Equal(t, uint16(i), s.packet.SequenceNumber())
		require.False(t, s.pacingInfo.IsProbe())
	}

	elapsed := router.sent[packetsToSend-1].at.Sub(router.sent[0].at)
	require.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	require.LessOrEqual(t, elapsed, 1050*time.Millisecond)
	require.Equal(t, 0, ps.QueueSizePackets())
	require.Equal(t, router.sent[0].at, ps.FirstSentPacketTime())
}

func TestPacedSender_ReschedulesOnRateChange(t *testing.T) {
	ps, mockClock, router := newTestPacedSender(defaultTestPacerConfig())

	// 5 packets per second
	ps.SetPacingRates(testPacketSize*8*5, 0)
	for i := 0; i < 3; i++ {
		enqueueVideo(t, ps, testMediaSSRC, uint16(i), testPacketSize)
	}

	for len(router.sent) < 2 {
		advance(mockClock, ps)
	}
	require.InDelta(t, float64(200*time.Millisecond), float64(router.sent[1].at.Sub(router.sent[0].at)), float64(10*time.Millisecond))

	ps.SetPacingRates(2*testPacketSize*8*5, 0)
	for len(router.sent) < 3 {
		advance(mockClock, ps)
	}
	require.InDelta(t, float64(100*time.Millisecond), float64(router.sent[2].at.Sub(router.sent[1].at)), float64(time.Millisecond))
}

func TestPacedSender_AudioBypassesPacing(t *testing.T) {
	ps, mockClock, router := newTestPacedSender(defaultTestPacerConfig())

	// one packet every 20 ms
	ps.SetPacingRates(testPacketSize*8*50, 0)
	for i := 0; i < 10; i++ {
		enqueueVideo(t, ps, testMediaSSRC, uint16(i), testPacketSize)
	}

	advance(mockClock, ps)
	require.Len(t, router.sent, 1)
	require.Equal(t, PacketTypeVideo, router.sent[0].packet.Type)

	mockClock.Add(10 * time.Millisecond)
	require.NoError(t, ps.EnqueuePacket(newTestPacket(PacketTypeAudio, testMediaSSRC+1, 0, time.Time{}, 100)))
	ps.Process()

	require.Len(t, router.sent, 2)
	require.Equal(t, PacketTypeAudio, router.sent[1].packet.Type)
	require.Equal(t, 9, ps.QueueSizePackets())
}

func TestPacedSender_PacedAudio(t *testing.T) {
	conf := defaultTestPacerConfig()
	conf.PaceAudio = true
	conf.AccountForAudio = true
	ps, mockClock, router := newTestPacedSender(conf)

	ps.SetPacingRates(testPacketSize*8*50, 0)
	enqueueVideo(t, ps, testMediaSSRC, 0, testPacketSize)
	advance(mockClock, ps)
	require.Len(t, router.sent, 1)

	// budget is in debt, audio has to wait too
	mockClock.Add(5 * time.Millisecond)
	require.NoError(t, ps.EnqueuePacket(newTestPacket(PacketTypeAudio, testMediaSSRC+1, 0, time.Time{}, 100)))
	ps.Process()
	require.Len(t, router.sent, 1)

	runFor(mockClock, ps, 50*time.Millisecond)
	require.Len(t, router.sent, 2)
	require.Equal(t, PacketTypeAudio, router.sent[1].packet.Type)
}

func TestPacedSender_Dedup(t *testing.T) {
	ps, mockClock, router := newTestPacedSender(defaultTestPacerConfig())
	ps.SetPacingRates(1_000_000, 0)

	for i := 0; i < 3; i++ {
		enqueueVideo(t, ps, testMediaSSRC, 1, testPacketSize)
	}
	require.Equal(t, 1, ps.QueueSizePackets())

	runFor(mockClock, ps, 100*time.Millisecond)
	require.Len(t, router.sent, 1)

	// can be enqueued again once it has left the queue
	enqueueVideo(t, ps, testMediaSSRC, 1, testPacketSize)
	runFor(mockClock, ps, 100*time.Millisecond)
	require.Len(t, router.sent, 2)
}

func TestPacedSender_Priority(t *testing.T) {
	ps, mockClock, router := newTestPacedSender(defaultTestPacerConfig())
	ps.SetPacingRates(testPacketSize*8*50, 0)

	captureTime := mockClock.Now()
	require.NoError(t, ps.EnqueuePacket(newTestPacket(PacketTypeVideo, testMediaSSRC, 1, captureTime, testPacketSize)))
	require.NoError(t, ps.EnqueuePacket(newTestPacket(PacketTypeForwardErrorCorrection, testMediaSSRC, 2, captureTime, testPacketSize)))
	require.NoError(t, ps.EnqueuePacket(newTestPacket(PacketTypeRetransmission, testMediaSSRC+1, 1, captureTime.Add(time.Second), testPacketSize)))
	require.NoError(t, ps.EnqueuePacket(newTestPacket(PacketTypeAudio, testMediaSSRC+2, 1, captureTime.Add(time.Second), testPacketSize)))

	for len(router.sent) < 4 {
		advance(mockClock, ps)
	}

	var order []PacketType
	for _, s := range router.sent {
		order = append(order, s.packet.Type)
	}
	require.Equal(t, []PacketType{
		PacketTypeAudio,
		PacketTypeRetransmission,
		PacketTypeVideo,
		PacketTypeForwardErrorCorrection,
	}, order)
}

func TestPacedSender_RetransmissionBeforeMedia(t *testing.T) {
	ps, mockClock, router := newTestPacedSender(defaultTestPacerConfig())
	ps.SetPacingRates(testPacketSize*8*50, 0)

	for i := 0; i < 5; i++ {
		enqueueVideo(t, ps, testMediaSSRC, uint16(i), testPacketSize)
	}
	advance(mockClock, ps)
	require.Len(t, router.sent, 1)

	rtx := newTestPacket(PacketTypeRetransmission, testMediaSSRC+1, 100, time.Time{}, testPacketSize)
	rtx.RetransmittedSequenceNumber = 0
	require.NoError(t, ps.EnqueuePacket(rtx))

	for len(router.sent) < 2 {
		advance(mockClock, ps)
	}
	require.Equal(t, PacketTypeRetransmission, router.sent[1].packet.Type)
	require.Equal(t, uint16(100), router.sent[1].packet.SequenceNumber())
}

func TestPacedSender_RateConformance(t *testing.T) {
	conf := defaultTestPacerConfig()
	conf.DrainLargeQueues = false
	ps, mockClock, router := newTestPacedSender(conf)

	const rateBps = 400_000
	ps.SetPacingRates(rateBps, 0)
	for i := 0; i < 300; i++ {
		enqueueVideo(t, ps, testMediaSSRC, uint16(i), 1000)
		require.NoError(t, ps.EnqueuePacket(newTestPacket(PacketTypeAudio, testMediaSSRC+1, uint16(i), time.Time{}, 100)))
	}

	const window = 2 * time.Second
	start := mockClock.Now()
	runFor(mockClock, ps, window)

	videoBytes := 0
	for _, s := range router.sent {
		if s.packet.Type == PacketTypeVideo && s.at.Sub(start) <= window {
			videoBytes += s.packet.Size()
		}
	}
	maxBytes := int(rateBps*window.Seconds()/8) + int(rateBps*budgetWindow.Seconds()/8)
	require.LessOrEqual(t, videoBytes, maxBytes)
	require.Greater(t, videoBytes, maxBytes/2)
	// audio is not paced
	require.Equal(t, 300, router.countOfType(PacketTypeAudio))
}

func TestPacedSender_Padding(t *testing.T) {
	ps, mockClock, router := newTestPacedSender(defaultTestPacerConfig())

	const rateBps = 80_000
	ps.SetPacingRates(rateBps, rateBps)

	// no padding before media has been sent
	runFor(mockClock, ps, 100*time.Millisecond)
	require.Empty(t, router.sent)
	require.Empty(t, router.paddingReqs)

	enqueueVideo(t, ps, testMediaSSRC, 1, testPacketSize)
	runFor(mockClock, ps, time.Second)

	require.Equal(t, 1, router.countOfType(PacketTypeVideo))
	require.Greater(t, router.countOfType(PacketTypePadding), 0)
	require.LessOrEqual(t, router.bytesSent(), rateBps*11/10/8+int(rateBps*budgetWindow.Seconds()/8))
	for _, req := range router.paddingReqs {
		require.Greater(t, req, 0)
	}
}

func TestPacedSender_SendFailure(t *testing.T) {
	ps, mockClock, router := newTestPacedSender(defaultTestPacerConfig())
	ps.SetPacingRates(testPacketSize*8*50, 0)

	enqueueVideo(t, ps, testMediaSSRC, 1, testPacketSize)
	enqueueVideo(t, ps, testMediaSSRC, 2, testPacketSize)

	router.failSends = true
	advance(mockClock, ps)
	require.Empty(t, router.sent)
	// failed packet is dropped without consuming budget
	require.Equal(t, 1, ps.QueueSizePackets())
	require.False(t, ps.mediaBudget.InDebt())

	router.failSends = false
	advance(mockClock, ps)
	require.Len(t, router.sent, 1)
	require.Equal(t, uint16(2), router.sent[0].packet.SequenceNumber())
}

func TestPacedSender_ProbeSendFailure(t *testing.T) {
	ps, _, router := newTestPacedSender(defaultTestPacerConfig())
	ps.SetPacingRates(300_000, 0)
	ps.CreateProbeCluster(600_000, 1)

	enqueueVideo(t, ps, testMediaSSRC, 1, testPacketSize)
	require.Equal(t, time.Duration(0), ps.TimeUntilNextProcess())

	router.failSends = true
	ps.Process()
	require.True(t, ps.probingSendFailure)
	// probe is not retried immediately
	require.Equal(t, DefaultMinPacketLimit, ps.TimeUntilNextProcess())
}

func TestPacedSender_ProbeCluster(t *testing.T) {
	ps, mockClock, router := newTestPacedSender(defaultTestPacerConfig())

	ps.SetPacingRates(300_000, 0)
	require.Equal(t, ccutils.ProbeClusterId(1), ps.CreateProbeCluster(600_000, 1))
	for i := 0; i < 10; i++ {
		enqueueVideo(t, ps, testMediaSSRC, uint16(i), testPacketSize)
	}

	for len(router.sent) < 10 {
		advance(mockClock, ps)
	}

	// 600 kbps with 250 byte probes is one probe every 3.33 ms
	for i := 1; i < 5; i++ {
		require.True(t, router.sent[i].pacingInfo.IsProbe())
		require.Equal(t, ccutils.ProbeClusterId(1), router.sent[i].pacingInfo.ProbeClusterId)
		gap := router.sent[i].at.Sub(router.sent[i-1].at)
		require.InDelta(t, float64(3333*time.Microsecond), float64(gap), float64(333*time.Microsecond))
	}

	// back to pacing rate of 6.67 ms per packet
	for i := 5; i < 10; i++ {
		require.False(t, router.sent[i].pacingInfo.IsProbe())
	}
	avgGap := router.sent[9].at.Sub(router.sent[5].at) / 4
	require.GreaterOrEqual(t, avgGap, 5*time.Millisecond)
	require.LessOrEqual(t, avgGap, 10*time.Millisecond)
}

func TestPacedSender_ProbePaddingWhenQueueEmpty(t *testing.T) {
	ps, mockClock, router := newTestPacedSender(defaultTestPacerConfig())
	ps.SetPacingRates(300_000, 0)

	enqueueVideo(t, ps, testMediaSSRC, 1, testPacketSize)
	advance(mockClock, ps)
	require.Len(t, router.sent, 1)

	ps.CreateProbeCluster(1_000_000, 2)
	enqueueVideo(t, ps, testMediaSSRC, 2, testPacketSize)
	runFor(mockClock, ps, 50*time.Millisecond)

	probePadding := 0
	for _, s := range router.sent {
		if s.pacingInfo.IsProbe() && s.packet.Type == PacketTypePadding {
			probePadding += s.packet.Size()
		}
	}
	// cluster needs at least 15 ms worth of data at 1 Mbps
	require.Greater(t, probePadding, 0)
	require.GreaterOrEqual(t, probePadding+testPacketSize, 1_000_000*15/8000)
}

func TestPacedSender_PauseKeepalive(t *testing.T) {
	ps, mockClock, router := newTestPacedSender(defaultTestPacerConfig())
	ps.SetPacingRates(1_000_000, 0)

	// no keepalive before a packet has been sent
	ps.Pause()
	runFor(mockClock, ps, 2*time.Second)
	require.Empty(t, router.sent)
	ps.Resume()

	enqueueVideo(t, ps, testMediaSSRC, 1, testPacketSize)
	advance(mockClock, ps)
	require.Len(t, router.sent, 1)

	ps.Pause()
	require.True(t, ps.IsPaused())
	for i := 0; i < 5; i++ {
		enqueueVideo(t, ps, testMediaSSRC, uint16(10+i), testPacketSize)
	}
	require.Equal(t, PausedProcessInterval, ps.TimeUntilNextProcess())

	runFor(mockClock, ps, 5*time.Second)
	require.Equal(t, 1, router.countOfType(PacketTypeVideo))

	var keepalives []time.Time
	for _, s := range router.sent {
		if s.packet.Type == PacketTypePadding {
			keepalives = append(keepalives, s.at)
		}
	}
	require.GreaterOrEqual(t, len(keepalives), 9)
	for i := 1; i < len(keepalives); i++ {
		gap := keepalives[i].Sub(keepalives[i-1])
		require.GreaterOrEqual(t, gap, PausedProcessInterval)
		require.LessOrEqual(t, gap, 2*PausedProcessInterval)
	}

	ps.Resume()
	runFor(mockClock, ps, 100*time.Millisecond)
	require.Equal(t, 6, router.countOfType(PacketTypeVideo))
}

func TestPacedSender_CongestionWindow(t *testing.T) {
	ps, mockClock, router := newTestPacedSender(defaultTestPacerConfig())
	ps.SetPacingRates(1_000_000, 0)

	ps.SetCongestionWindow(1000)
	for i := 0; i < 10; i++ {
		enqueueVideo(t, ps, testMediaSSRC, uint16(i), testPacketSize)
	}
	runFor(mockClock, ps, 100*time.Millisecond)
	// sent data counts towards outstanding until feedback arrives
	require.Len(t, router.sent, 4)
	require.True(t, ps.IsCongested())

	// probes do not bypass the congestion window
	ps.CreateProbeCluster(2_000_000, 1)
	enqueueVideo(t, ps, testMediaSSRC, 100, testPacketSize)
	runFor(mockClock, ps, 100*time.Millisecond)
	require.Len(t, router.sent, 4)

	// keepalive once silent for long enough
	runFor(mockClock, ps, CongestedPacketInterval)
	require.Equal(t, 1, router.countOfType(PacketTypePadding))

	ps.UpdateOutstandingData(0)
	require.False(t, ps.IsCongested())
	runFor(mockClock, ps, 100*time.Millisecond)
	require.Equal(t, 4+4, router.countOfType(PacketTypeVideo))

	ps.SetCongestionWindow(NoCongestionWindow)
	runFor(mockClock, ps, 100*time.Millisecond)
	require.Equal(t, 11, router.countOfType(PacketTypeVideo))
}

func TestPacedSender_ElapsedTimeClamp(t *testing.T) {
	ps, mockClock, _ := newTestPacedSender(defaultTestPacerConfig())

	const rateBps = 80_000
	ps.SetPacingRates(rateBps, 0)
	ps.Process()

	mockClock.Add(10 * time.Second)
	ps.Process()

	// a single refill never exceeds the processing interval worth of data, 30 ms at 80 kbps
	require.Equal(t, 300, ps.mediaBudget.BytesRemaining())
}

func TestPacedSender_InvalidPacingRate(t *testing.T) {
	ps, _, _ := newTestPacedSender(defaultTestPacerConfig())

	require.ErrorIs(t, ps.EnqueuePacket(newTestPacket(PacketTypeVideo, testMediaSSRC, 1, time.Time{}, 100)), ErrPacingRateNotSet)

	ps.SetPacingRates(0, 0)
	require.ErrorIs(t, ps.EnqueuePacket(newTestPacket(PacketTypeVideo, testMediaSSRC, 1, time.Time{}, 100)), ErrPacingRateNotSet)

	ps.SetPacingRates(100_000, 0)
	ps.SetPacingRates(0, 0)
	require.NoError(t, ps.EnqueuePacket(newTestPacket(PacketTypeVideo, testMediaSSRC, 1, time.Time{}, 100)))
	require.Equal(t, 8*time.Millisecond, ps.ExpectedQueueTime())
}

func TestPacedSender_QueueQueries(t *testing.T) {
	ps, mockClock, _ := newTestPacedSender(defaultTestPacerConfig())
	ps.SetPacingRates(80_000, 0)
	require.Equal(t, time.Duration(0), ps.OldestPacketWaitTime())

	ps.Pause()
	enqueueVideo(t, ps, testMediaSSRC, 1, 500)
	mockClock.Add(100 * time.Millisecond)
	enqueueVideo(t, ps, testMediaSSRC, 2, 500)
	mockClock.Add(100 * time.Millisecond)

	require.Equal(t, 2, ps.QueueSizePackets())
	require.Equal(t, 1000, ps.QueueSizeBytes())
	require.Equal(t, 200*time.Millisecond, ps.OldestPacketWaitTime())
	require.Equal(t, 100*time.Millisecond, ps.ExpectedQueueTime())
	require.True(t, ps.FirstSentPacketTime().IsZero())
}

func TestPacedSender_AccountForAudioPackets(t *testing.T) {
	ps, mockClock, router := newTestPacedSender(defaultTestPacerConfig())
	ps.SetPacingRates(testPacketSize*8*50, 0)

	// budget takes the pacing rate on a process with elapsed time
	mockClock.Add(time.Millisecond)
	require.NoError(t, ps.EnqueuePacket(newTestPacket(PacketTypeAudio, testMediaSSRC, 0, time.Time{}, 100)))
	ps.Process()
	require.Len(t, router.sent, 1)
	require.False(t, ps.mediaBudget.InDebt())

	ps.SetAccountForAudioPackets(true)
	require.NoError(t, ps.EnqueuePacket(newTestPacket(PacketTypeAudio, testMediaSSRC, 1, time.Time{}, 100)))
	ps.Process()
	require.Len(t, router.sent, 2)
	require.True(t, ps.mediaBudget.InDebt())
}

func TestPacedSender_QueueTimeLimit(t *testing.T) {
	drain := func(limit time.Duration) int {
		ps, mockClock, router := newTestPacedSender(defaultTestPacerConfig())
		// 12.5 kB/s, 20 packets need 400 ms at the pacing rate
		ps.SetPacingRates(100_000, 0)
		if limit > 0 {
			ps.SetQueueTimeLimit(limit)
		}
		for i := 0; i < 20; i++ {
			enqueueVideo(t, ps, testMediaSSRC, uint16(i), testPacketSize)
		}

		runFor(mockClock, ps, 150*time.Millisecond)
		return len(router.sent)
	}

	require.Less(t, drain(0), 20)
	require.Equal(t, 20, drain(100*time.Millisecond))
}

func TestPacedSender_SetProbingEnabled(t *testing.T) {
	ps, _, _ := newTestPacedSender(defaultTestPacerConfig())
	ps.SetPacingRates(300_000, 0)

	ps.SetProbingEnabled(false)
	require.Equal(t, ccutils.ProbeClusterIdInvalid, ps.CreateProbeCluster(600_000, 1))

	ps.SetProbingEnabled(true)
	require.Equal(t, ccutils.ProbeClusterId(2), ps.CreateProbeCluster(600_000, 2))
}

// calls back into the pacer from the notification
type reentrantProberListener struct {
	ps         *PacedSender
	done       []ccutils.ProbeClusterInfo
	queued     []int
	followUpId ccutils.ProbeClusterId
}

func (l *reentrantProberListener) OnProbeClusterDone(info ccutils.ProbeClusterInfo) {
	l.done = append(l.done, info)
	l.queued = append(l.queued, l.ps.QueueSizePackets())
	if info.Result.IsCompleted && l.followUpId == ccutils.ProbeClusterIdInvalid {
		l.followUpId = l.ps.CreateProbeCluster(900_000, 2)
	}
}

func TestPacedSender_ProberListenerReentry(t *testing.T) {
	mockClock := clock.NewMock()
	mockClock.Set(time.Unix(100_000, 0))
	router := &testRouter{clock: mockClock}
	listener := &reentrantProberListener{}
	ps := NewPacedSender(PacedSenderParams{
		Config:         defaultTestPacerConfig(),
		Clock:          mockClock,
		Router:         router.packetRouter(),
		ProberListener: listener,
		Logger:         logger.GetLogger(),
	})
	listener.ps = ps

	ps.SetPacingRates(300_000, 0)
	require.Equal(t, ccutils.ProbeClusterId(1), ps.CreateProbeCluster(600_000, 1))
	for i := 0; i < 10; i++ {
		enqueueVideo(t, ps, testMediaSSRC, uint16(i), testPacketSize)
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < 100 && len(listener.done) == 0; i++ {
			advance(mockClock, ps)
		}
	}()
	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("pacer blocked on prober listener")
	}

	require.Len(t, listener.done, 1)
	require.Equal(t, ccutils.ProbeClusterId(1), listener.done[0].Id)
	require.True(t, listener.done[0].Result.IsCompleted)
	require.Equal(t, ccutils.ProbeClusterId(2), listener.followUpId)
	require.Less(t, listener.queued[0], 10)

	// stale clusters are dropped and reported when the next one is created
	mockClock.Add(6 * time.Second)
	created := make(chan ccutils.ProbeClusterId, 1)
	go func() {
		created <- ps.CreateProbeCluster(1_000_000, 3)
	}()
	select {
	case id := <-created:
		require.Equal(t, ccutils.ProbeClusterId(3), id)
	case <-time.After(3 * time.Second):
		t.Fatal("pacer blocked on prober listener")
	}

	require.Len(t, listener.done, 2)
	require.Equal(t, ccutils.ProbeClusterId(2), listener.done[1].Id)
	require.False(t, listener.done[1].Result.IsCompleted)
}
