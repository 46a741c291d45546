package interceptor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/transport/v2/test"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sendpacer/pkg/sfu/sendctrl"
	"github.com/livekit/sendpacer/pkg/testutils"
)

const (
	testTransportCCID = 3
)

type capturingWriter struct {
	lock    sync.Mutex
	headers []rtp.Header
}

func (c *capturingWriter) Write(header *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.headers = append(c.headers, header.Clone())
	return header.MarshalSize() + len(payload), nil
}

func (c *capturingWriter) written() []rtp.Header {
	c.lock.Lock()
	defer c.lock.Unlock()

	return append([]rtp.Header(nil), c.headers...)
}

func TestDefaultStreamConfig(t *testing.T) {
	sc := DefaultStreamConfig(&interceptor.StreamInfo{
		SSRC:        42,
		PayloadType: 111,
		MimeType:    "audio/opus",
		RTPHeaderExtensions: []interceptor.RTPHeaderExtension{
			{URI: sdp.ABSSendTimeURI, ID: 2},
			{URI: sdp.TransportCCURI, ID: testTransportCCID},
			{URI: sdp.SDESMidURI, ID: 4},
		},
	})
	require.Equal(t, uint32(42), sc.SSRC)
	require.Equal(t, uint8(111), sc.PayloadType)
	require.True(t, sc.IsAudio)
	require.Equal(t, uint8(2), sc.AbsSendTimeExtID)
	require.Equal(t, uint8(testTransportCCID), sc.TransportWideExtID)
	require.False(t, sc.HasRTX())
}

func TestPacerInterceptor(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	var pi *PacerInterceptor
	f, err := NewPacerInterceptorFactory(
		WithLogger(logger.GetLogger()),
		WithInitialPacerConfig(sendctrl.PacerConfig{DataWindowBytes: 125_000, TimeWindow: time.Second}),
		WithOnNewInterceptor(func(p *PacerInterceptor) {
			pi = p
		}),
	)
	require.NoError(t, err)

	i, err := f.NewInterceptor("")
	require.NoError(t, err)
	require.NotNil(t, pi)
	defer func() {
		require.NoError(t, i.Close())
	}()

	info := &interceptor.StreamInfo{
		SSRC:        1111,
		PayloadType: 96,
		MimeType:    "video/VP8",
		RTPHeaderExtensions: []interceptor.RTPHeaderExtension{
			{URI: sdp.TransportCCURI, ID: testTransportCCID},
		},
	}
	cw := &capturingWriter{}
	w := i.BindLocalStream(info, cw)
	for sn := uint16(0); sn < 5; sn++ {
		_, err := w.Write(&rtp.Header{Version: 2, SSRC: 1111, SequenceNumber: sn}, make([]byte, 200), nil)
		require.NoError(t, err)
	}

	testutils.WithTimeout(t, func() string {
		if n := len(cw.written()); n != 5 {
			return fmt.Sprintf("written: %d", n)
		}
		return ""
	})
	for _, h := range cw.written() {
		require.NotNil(t, h.GetExtension(testTransportCCID))
	}

	// a NACK arriving on the RTCP path is answered from history
	raw, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.TransportLayerNack{
			MediaSSRC: 1111,
			Nacks:     rtcp.NackPairsFromSequenceNumbers([]uint16{2}),
		},
	})
	require.NoError(t, err)

	reader := i.BindRTCPReader(interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		return copy(b, raw), a, nil
	}))
	buf := make([]byte, 1500)
	n, _, err := reader.Read(buf, nil)
	require.NoError(t, err)
	require.Equal(t, len(raw), n)

	testutils.WithTimeout(t, func() string {
		written := cw.written()
		if len(written) != 6 {
			return fmt.Sprintf("written: %d", len(written))
		}
		if written[5].SequenceNumber != 2 {
			return fmt.Sprintf("retransmitted: %d", written[5].SequenceNumber)
		}
		return ""
	})

	i.UnbindLocalStream(info)
	require.Nil(t, pi.Router().GetSender(1111))
}
