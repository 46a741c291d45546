package rtpsender

import (
	"errors"
)

var (
	ErrUnknownStream      = errors.New("unknown stream")
	ErrStreamExists       = errors.New("stream already registered")
	ErrInvalidStream      = errors.New("invalid stream config")
	ErrRetransmitDisabled = errors.New("retransmission disabled")
)
