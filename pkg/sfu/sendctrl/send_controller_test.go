package sendctrl

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sendpacer/pkg/config"
	"github.com/livekit/sendpacer/pkg/sfu/ccutils"
	"github.com/livekit/sendpacer/pkg/sfu/pacer"
)

type fakePacer struct {
	pacingRateBps  int64
	paddingRateBps int64
	paused         bool
	pauses         int
	resumes        int
	window         int64
	outstanding    int64
	clusters       []int
}

func (f *fakePacer) SetPacingRates(pacingRateBps int64, paddingRateBps int64) {
	f.pacingRateBps = pacingRateBps
	f.paddingRateBps = paddingRateBps
}

func (f *fakePacer) EnqueuePacket(_ *pacer.Packet) error {
	return nil
}

func (f *fakePacer) Pause() {
	f.paused = true
	f.pauses++
}

func (f *fakePacer) Resume() {
	f.paused = false
	f.resumes++
}

func (f *fakePacer) SetCongestionWindow(bytes int64) {
	f.window = bytes
}

func (f *fakePacer) UpdateOutstandingData(bytes int64) {
	f.outstanding = bytes
}

func (f *fakePacer) CreateProbeCluster(bitrateBps int, clusterId ccutils.ProbeClusterId) ccutils.ProbeClusterId {
	f.clusters = append(f.clusters, bitrateBps)
	return clusterId
}

func (f *fakePacer) ExpectedQueueTime() time.Duration {
	return 0
}

func TestPacerController_PacerConfig(t *testing.T) {
	fp := &fakePacer{}
	pc := NewPacerController(fp, logger.GetLogger())

	pc.OnPacerConfig(PacerConfig{
		DataWindowBytes: 12_500,
		PadWindowBytes:  1_250,
		TimeWindow:      100 * time.Millisecond,
	})
	require.Equal(t, int64(1_000_000), fp.pacingRateBps)
	require.Equal(t, int64(100_000), fp.paddingRateBps)

	require.Zero(t, PacerConfig{DataWindowBytes: 100}.DataRateBps())
}

func TestPacerController_CongestionWindow(t *testing.T) {
	fp := &fakePacer{}
	pc := NewPacerController(fp, logger.GetLogger())

	// no window, never congested
	pc.OnOutstandingData(OutstandingData{InFlightBytes: 1_000_000})
	require.False(t, pc.IsCongested())
	require.Zero(t, fp.pauses)
	require.Equal(t, int64(1_000_000), fp.outstanding)

	pc.OnCongestionWindow(CongestionWindow{Enabled: true, DataWindowBytes: 10_000})
	require.Equal(t, int64(10_000), fp.window)

	pc.OnOutstandingData(OutstandingData{InFlightBytes: 12_000})
	require.True(t, pc.IsCongested())
	require.True(t, fp.paused)

	// idempotent
	pc.OnOutstandingData(OutstandingData{InFlightBytes: 13_000})
	require.Equal(t, 1, fp.pauses)

	// at the window is not over it
	pc.OnOutstandingData(OutstandingData{InFlightBytes: 10_000})
	require.False(t, pc.IsCongested())
	require.False(t, fp.paused)
	require.Equal(t, 1, fp.resumes)

	pc.OnOutstandingData(OutstandingData{InFlightBytes: 12_000})
	require.True(t, fp.paused)

	// disabling the window clears congestion
	pc.OnCongestionWindow(CongestionWindow{Enabled: false})
	require.False(t, pc.IsCongested())
	require.False(t, fp.paused)
	require.Equal(t, pacer.NoCongestionWindow, fp.window)
}

func TestPacerController_NetworkAvailability(t *testing.T) {
	fp := &fakePacer{}
	pc := NewPacerController(fp, logger.GetLogger())

	pc.OnNetworkAvailability(NetworkAvailability{NetworkAvailable: false})
	require.True(t, fp.paused)

	// congestion cannot resume while the network is down
	pc.OnCongestionWindow(CongestionWindow{Enabled: true, DataWindowBytes: 10_000})
	pc.OnOutstandingData(OutstandingData{InFlightBytes: 0})
	require.True(t, fp.paused)

	pc.OnOutstandingData(OutstandingData{InFlightBytes: 20_000})
	require.True(t, pc.IsCongested())

	// availability clears congestion
	pc.OnNetworkAvailability(NetworkAvailability{NetworkAvailable: true})
	require.False(t, pc.IsCongested())
	require.False(t, fp.paused)
	require.Equal(t, 1, fp.pauses)
	require.Equal(t, 1, fp.resumes)
}

func TestPacerController_RouteChange(t *testing.T) {
	fp := &fakePacer{}
	pc := NewPacerController(fp, logger.GetLogger())

	pc.OnCongestionWindow(CongestionWindow{Enabled: true, DataWindowBytes: 10_000})
	pc.OnOutstandingData(OutstandingData{InFlightBytes: 20_000})
	require.True(t, fp.paused)

	pc.OnNetworkRouteChange()
	require.False(t, fp.paused)
	require.Zero(t, fp.outstanding)
}

func TestPacerController_ProbeCluster(t *testing.T) {
	fp := &fakePacer{}
	pc := NewPacerController(fp, logger.GetLogger())

	id := pc.OnProbeClusterConfig(ProbeClusterConfig{TargetRateBps: 900_000, Id: 7})
	require.Equal(t, ccutils.ProbeClusterId(7), id)
	require.Equal(t, []int{900_000}, fp.clusters)
}

func TestSendController_QueueFull(t *testing.T) {
	sc := NewSendController(SendControllerParams{Pacer: &fakePacer{}})
	defer sc.Stop()

	require.NoError(t, sc.OnPacerQueueUpdate(PacerQueueUpdate{ExpectedQueueTime: 3 * time.Second}))
	require.True(t, sc.IsSendQueueFull())

	require.NoError(t, sc.OnPacerQueueUpdate(PacerQueueUpdate{ExpectedQueueTime: time.Second}))
	require.False(t, sc.IsSendQueueFull())
}

func TestSendController_NoRouter(t *testing.T) {
	sc := NewSendController(SendControllerParams{Pacer: &fakePacer{}})
	defer sc.Stop()

	_, err := sc.OnReceivedNack(&rtcp.TransportLayerNack{})
	require.ErrorIs(t, err, ErrNoRouter)

	_, err = sc.OnTransportFeedback(&rtcp.TransportLayerCC{})
	require.ErrorIs(t, err, ErrNoRouter)

	// route change works without one
	require.NoError(t, sc.OnNetworkRouteChange())
}

func TestSendController_Stopped(t *testing.T) {
	sc := NewSendController(SendControllerParams{Pacer: &fakePacer{}})
	sc.Stop()
	sc.Stop()

	require.ErrorIs(t, sc.OnPacerConfig(PacerConfig{}), ErrControllerStopped)
	_, err := sc.OnProbeClusterConfig(ProbeClusterConfig{TargetRateBps: 1})
	require.ErrorIs(t, err, ErrControllerStopped)
}

func TestSendController_StopWhileSubmitting(t *testing.T) {
	for i := 0; i < 50; i++ {
		sc := NewSendController(SendControllerParams{Pacer: &fakePacer{}})

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					if err := sc.OnPacerConfig(PacerConfig{}); err != nil {
						require.ErrorIs(t, err, ErrControllerStopped)
						return
					}
				}
			}()
		}

		sc.Stop()
		wg.Wait()
	}
}

// ------------------------------------------------

type countingRouter struct {
	media   int
	padding int
}

func (r *countingRouter) sendPacket(p *pacer.Packet, _ ccutils.PacedPacketInfo) error {
	if p.Type == pacer.PacketTypePadding {
		r.padding++
	} else {
		r.media++
	}
	return nil
}

func (r *countingRouter) generatePadding(targetBytes int) []*pacer.Packet {
	return []*pacer.Packet{
		{
			RTP: &rtp.Packet{
				Header: rtp.Header{
					Version: 2,
					Padding: true,
					SSRC:    5678,
				},
				PaddingSize: byte(min(targetBytes, 224)),
			},
			Type: pacer.PacketTypePadding,
		},
	}
}

func TestSendController_CongestionWindowPausesPacer(t *testing.T) {
	mockClock := clock.NewMock()
	mockClock.Set(time.Unix(100_000, 0))

	router := &countingRouter{}
	ps := pacer.NewPacedSender(pacer.PacedSenderParams{
		Config: config.PacerConfig{
			MinPacketLimit:   pacer.DefaultMinPacketLimit,
			DrainLargeQueues: true,
			QueueTimeLimit:   pacer.MaxQueueLength,
		},
		Clock: mockClock,
		Router: pacer.PacketRouter{
			SendPacket:      router.sendPacket,
			GeneratePadding: router.generatePadding,
		},
		Logger: logger.GetLogger(),
	})
	sc := NewSendController(SendControllerParams{Pacer: ps})
	defer sc.Stop()

	run := func(d time.Duration) {
		for elapsed := time.Duration(0); elapsed < d; elapsed += time.Millisecond {
			mockClock.Add(time.Millisecond)
			if ps.TimeUntilNextProcess() == 0 {
				ps.Process()
			}
		}
	}

	// 80 kbps
	require.NoError(t, sc.OnPacerConfig(PacerConfig{DataWindowBytes: 10_000, TimeWindow: time.Second}))
	require.NoError(t, sc.OnCongestionWindow(CongestionWindow{Enabled: true, DataWindowBytes: 10_000}))
	require.NoError(t, sc.OnOutstandingData(OutstandingData{InFlightBytes: 5_000}))
	require.False(t, sc.IsPaused())

	for sn := 0; sn < 20; sn++ {
		require.NoError(t, ps.EnqueuePacket(&pacer.Packet{
			RTP: &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					SSRC:           1234,
					SequenceNumber: uint16(sn),
				},
				Payload: make([]byte, 200),
			},
			Type: pacer.PacketTypeVideo,
		}))
	}

	run(100 * time.Millisecond)
	drained := router.media
	require.Greater(t, drained, 0)
	require.Less(t, drained, 20)

	require.NoError(t, sc.OnOutstandingData(OutstandingData{InFlightBytes: 12_000}))
	require.True(t, sc.IsPaused())

	run(1100 * time.Millisecond)
	require.Equal(t, drained, router.media)
	require.GreaterOrEqual(t, router.padding, 1)
	require.LessOrEqual(t, router.padding, 3)

	require.NoError(t, sc.OnOutstandingData(OutstandingData{InFlightBytes: 5_000}))
	require.False(t, sc.IsPaused())

	run(2 * time.Second)
	require.Equal(t, 20, router.media)
	require.Zero(t, ps.QueueSizePackets())
}
