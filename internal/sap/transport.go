package sap

import (
	"net"
	"time"

	"github.com/bilbercode/mediax-stream/internal/multicast"
)

// conn is the subset of net.PacketConn the announcer and listener use.
type conn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, addr net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// Interface is a non-loopback IPv4 network interface usable as a SAP source.
type Interface = multicast.Interface

type socketOptions struct {
	group     *net.UDPAddr
	bind      bool
	ttl       int
	loopback  bool
	ifaceName string
}

func openSocket(opts socketOptions) (conn, error) {
	mopts := multicast.Options{
		Interface: opts.ifaceName,
		TTL:       opts.ttl,
		Loopback:  opts.loopback,
	}
	if opts.bind {
		return multicast.Listen(opts.group, mopts)
	}
	return multicast.Sender(opts.group, mopts)
}
