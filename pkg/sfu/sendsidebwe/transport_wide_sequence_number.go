package sendsidebwe

import (
	"math/rand"

	"github.com/pion/rtp"
	"go.uber.org/atomic"
)

type TransportWideSequenceNumber struct {
	seq *atomic.Uint64
}

func NewTransportWideSequenceNumber() *TransportWideSequenceNumber {
	return &TransportWideSequenceNumber{
		seq: atomic.NewUint64(uint64(rand.Intn(1<<14)) + uint64(1<<15)), // a random number in third quartile of sequence number space
	}
}

func NewTransportWideSequenceNumberFrom(start uint16) *TransportWideSequenceNumber {
	return &TransportWideSequenceNumber{
		seq: atomic.NewUint64(uint64(start) - 1),
	}
}

func (t *TransportWideSequenceNumber) GetNext() uint16 {
	return uint16(t.seq.Inc())
}

// GetExtension returns the next sequence number marshalled as a transport-cc header extension payload.
func (t *TransportWideSequenceNumber) GetExtension() (uint16, []byte, error) {
	sn := t.GetNext()
	ext := rtp.TransportCCExtension{
		TransportSequence: sn,
	}
	payload, err := ext.Marshal()
	return sn, payload, err
}
