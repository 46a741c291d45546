package pacer

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func newTestPacket(packetType PacketType, ssrc uint32, sn uint16, captureTime time.Time, size int) *Packet {
	return &Packet{
		RTP: &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SSRC:           ssrc,
				SequenceNumber: sn,
			},
			Payload: make([]byte, size),
		},
		Type:                packetType,
		CaptureTime:         captureTime,
		AllowRetransmission: packetType != PacketTypePadding,
	}
}

func TestPacketQueue_Dedup(t *testing.T) {
	now := time.Unix(1000, 0)
	q := NewPacketQueue(now)

	require.True(t, q.Push(newTestPacket(PacketTypeVideo, 1, 10, now, 100), now, 0))
	require.False(t, q.Push(newTestPacket(PacketTypeVideo, 1, 10, now, 100), now, 1))
	require.True(t, q.Push(newTestPacket(PacketTypeVideo, 2, 10, now, 100), now, 2))
	require.Equal(t, 2, q.SizeInPackets())
	require.Equal(t, 200, q.SizeInBytes())
	require.True(t, q.Contains(1, 10))

	// popped but not finalized still counts as held
	qp := q.BeginPop()
	require.NotNil(t, qp)
	require.False(t, q.Push(qp.Packet().Clone(), now, 3))
	q.FinalizePop()

	require.False(t, q.Contains(1, 10))
	require.True(t, q.Push(newTestPacket(PacketTypeVideo, 1, 10, now, 100), now, 4))
}

func TestPacketQueue_Ordering(t *testing.T) {
	now := time.Unix(1000, 0)
	q := NewPacketQueue(now)

	order := uint64(0)
	push := func(packetType PacketType, sn uint16, captureTime time.Time) {
		require.True(t, q.Push(newTestPacket(packetType, 1, sn, captureTime, 100), now, order))
		order++
	}

	push(PacketTypePadding, 1, now)
	push(PacketTypeVideo, 2, now)
	push(PacketTypeVideo, 3, now.Add(-10*time.Millisecond))
	push(PacketTypeForwardErrorCorrection, 4, now)
	push(PacketTypeRetransmission, 5, now.Add(-time.Second))
	push(PacketTypeAudio, 6, now)
	push(PacketTypeVideo, 7, now)

	var popped []uint16
	for {
		qp := q.BeginPop()
		if qp == nil {
			break
		}
		popped = append(popped, qp.Packet().SequenceNumber())
		q.FinalizePop()
	}
	require.Equal(t, []uint16{6, 5, 3, 2, 4, 7, 1}, popped)
	require.True(t, q.Empty())
	require.Equal(t, 0, q.SizeInBytes())
}

func TestPacketQueue_CancelPop(t *testing.T) {
	now := time.Unix(1000, 0)
	q := NewPacketQueue(now)

	q.Push(newTestPacket(PacketTypeVideo, 1, 1, now, 100), now, 0)
	q.Push(newTestPacket(PacketTypeVideo, 1, 2, now, 100), now, 1)

	qp := q.BeginPop()
	require.Equal(t, uint16(1), qp.Packet().SequenceNumber())
	require.Nil(t, q.BeginPop())
	require.Equal(t, 2, q.SizeInPackets())

	q.CancelPop()
	qp = q.BeginPop()
	require.Equal(t, uint16(1), qp.Packet().SequenceNumber())
	q.FinalizePop()

	qp = q.BeginPop()
	require.Equal(t, uint16(2), qp.Packet().SequenceNumber())
}

func TestPacketQueue_QueueTime(t *testing.T) {
	start := time.Unix(1000, 0)
	q := NewPacketQueue(start)
	require.Equal(t, time.Duration(0), q.AverageQueueTime())
	require.True(t, q.OldestEnqueueTime().IsZero())

	q.Push(newTestPacket(PacketTypeVideo, 1, 1, start, 100), start, 0)
	q.Push(newTestPacket(PacketTypeVideo, 1, 2, start, 100), start.Add(100*time.Millisecond), 1)
	require.Equal(t, start, q.OldestEnqueueTime())

	q.UpdateQueueTime(start.Add(200 * time.Millisecond))
	// 200 ms + 100 ms
	require.Equal(t, 150*time.Millisecond, q.AverageQueueTime())

	// paused time does not count
	q.SetPauseState(true, start.Add(200*time.Millisecond))
	q.UpdateQueueTime(start.Add(700 * time.Millisecond))
	require.Equal(t, 150*time.Millisecond, q.AverageQueueTime())
	q.SetPauseState(false, start.Add(700*time.Millisecond))

	q.UpdateQueueTime(start.Add(800 * time.Millisecond))
	// 300 ms + 200 ms
	require.Equal(t, 250*time.Millisecond, q.AverageQueueTime())

	q.BeginPop()
	q.FinalizePop()
	// remaining packet waited 200 ms outside of pause
	require.Equal(t, 200*time.Millisecond, q.AverageQueueTime())
	require.Equal(t, start.Add(100*time.Millisecond), q.OldestEnqueueTime())
}
