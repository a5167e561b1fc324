// Package transport parses and formats the RTSP Transport header.
package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// StatusUnsupportedTransport is returned to clients that offer nothing we can serve.
const StatusUnsupportedTransport = 461

var ErrUnsupportedTransport = errors.New("unsupported transport")

type Protocol int

const (
	ProtocolUDP Protocol = iota
	ProtocolTCP
)

func (p Protocol) String() string {
	if p == ProtocolTCP {
		return "RTP/AVP/TCP"
	}
	return "RTP/AVP"
}

// PortRange is an RTP/RTCP port pair. A single port leaves RTCP at zero.
type PortRange [2]int

func (p PortRange) String() string {
	if p[1] == 0 {
		return strconv.Itoa(p[0])
	}
	return fmt.Sprintf("%d-%d", p[0], p[1])
}

func (p PortRange) IsZero() bool {
	return p[0] == 0 && p[1] == 0
}

// Option is one comma separated transport-spec of a Transport header.
type Option struct {
	Protocol    Protocol
	Unicast     bool
	Destination string
	Source      string
	Port        PortRange
	ClientPort  PortRange
	ServerPort  PortRange
	Interleaved PortRange
	TTL         int
	SSRC        string
	Mode        string
}

func (s Option) String() string {
	parts := []string{s.Protocol.String()}
	if s.Unicast {
		parts = append(parts, "unicast")
	} else {
		parts = append(parts, "multicast")
	}
	if s.Destination != "" {
		parts = append(parts, "destination="+s.Destination)
	}
	if s.Source != "" {
		parts = append(parts, "source="+s.Source)
	}
	if !s.Port.IsZero() {
		parts = append(parts, "port="+s.Port.String())
	}
	if !s.ClientPort.IsZero() {
		parts = append(parts, "client_port="+s.ClientPort.String())
	}
	if !s.ServerPort.IsZero() {
		parts = append(parts, "server_port="+s.ServerPort.String())
	}
	if !s.Interleaved.IsZero() {
		parts = append(parts, "interleaved="+s.Interleaved.String())
	}
	if s.TTL > 0 {
		parts = append(parts, "ttl="+strconv.Itoa(s.TTL))
	}
	if s.SSRC != "" {
		parts = append(parts, "ssrc="+s.SSRC)
	}
	if s.Mode != "" {
		parts = append(parts, "mode="+s.Mode)
	}
	return strings.Join(parts, ";")
}

// Header is the ordered list of transports a client will accept.
type Header []Option

func (h Header) String() string {
	parts := make([]string, len(h))
	for i, s := range h {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}

// Select returns the first entry accepted by ok.
func (h Header) Select(ok func(Option) bool) (Option, bool) {
	for _, s := range h {
		if ok(s) {
			return s, true
		}
	}
	return Option{}, false
}
