package rtp

import (
	"errors"
	"time"
)

const (
	ClockRate         = 90000
	DefaultMaxPayload = 1440
	// MaxPayloadLimit is the largest payload that fits one UDP datagram behind a
	// fixed RTP header. It also keeps line lengths within 16 bits.
	MaxPayloadLimit = 65507 - 12
)

var (
	ErrSequenceGap  = errors.New("sequence gap")
	ErrLateMarker   = errors.New("late marker")
	ErrBackpressure = errors.New("send queue full")
	ErrInvalidFrame = errors.New("invalid frame")
	ErrNotOpen      = errors.New("not open")
)

// Options tune a payloader or depayloader.
type Options struct {
	// MaxPayload bounds the RTP payload size in bytes, headers excluded.
	MaxPayload int
	// QueueSize is the number of frames a non-blocking Transmit may queue.
	QueueSize int
	// RTCPInterval between sender reports, zero disables RTCP.
	RTCPInterval time.Duration
	CNAME        string
	// SSRC is random when zero.
	SSRC uint32

	Interface string
	TTL       int
	Loopback  bool
}

func DefaultOptions() Options {
	return Options{
		MaxPayload:   DefaultMaxPayload,
		QueueSize:    4,
		RTCPInterval: 5 * time.Second,
		CNAME:        "mediax",
		TTL:          15,
		Loopback:     true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxPayload <= 0 {
		o.MaxPayload = d.MaxPayload
	}
	if o.MaxPayload > MaxPayloadLimit {
		o.MaxPayload = MaxPayloadLimit
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.CNAME == "" {
		o.CNAME = d.CNAME
	}
	if o.TTL <= 0 {
		o.TTL = d.TTL
	}
	return o
}
