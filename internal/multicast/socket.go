// Package multicast opens UDP sockets for SAP and RTP traffic. Multicast groups
// are joined or targeted through golang.org/x/net/ipv4; unicast addresses are
// handled as plain UDP so loopback and point-to-point links work unchanged.
package multicast

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// Interface is a non-loopback IPv4 network interface.
type Interface struct {
	Index   int
	Name    string
	Address string
}

// Interfaces returns the up, non-loopback interfaces carrying an IPv4 address,
// numbered by position.
func Interfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	var out []Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			out = append(out, Interface{
				Index:   len(out),
				Name:    iface.Name,
				Address: ipNet.IP.String(),
			})
			break
		}
	}
	return out, nil
}

type Options struct {
	// Interface names the interface to join on or send from, empty for the default.
	Interface string
	TTL       int
	Loopback  bool
}

// Listen binds a socket receiving traffic for addr, joining the group when addr
// is multicast.
func Listen(addr *net.UDPAddr, opts Options) (net.PacketConn, error) {
	local := addr.String()
	if addr.IP.IsMulticast() {
		local = fmt.Sprintf(":%d", addr.Port)
	}
	c, err := net.ListenPacket("udp4", local)
	if err != nil {
		return nil, err
	}
	if !addr.IP.IsMulticast() {
		return c, nil
	}
	if err := configure(c, addr, opts, true); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Sender opens an unbound socket for sending to addr.
func Sender(addr *net.UDPAddr, opts Options) (net.PacketConn, error) {
	c, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}
	if !addr.IP.IsMulticast() {
		return c, nil
	}
	if err := configure(c, addr, opts, false); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func configure(c net.PacketConn, group *net.UDPAddr, opts Options, join bool) error {
	var iface *net.Interface
	if opts.Interface != "" {
		var err error
		if iface, err = net.InterfaceByName(opts.Interface); err != nil {
			return err
		}
	}

	p := ipv4.NewPacketConn(c)
	err := p.SetMulticastLoopback(opts.Loopback)
	if opts.TTL > 0 {
		err = errors.Join(err, p.SetMulticastTTL(opts.TTL))
	}
	if iface != nil {
		err = errors.Join(err, p.SetMulticastInterface(iface))
	}
	if join {
		err = errors.Join(err, p.JoinGroup(iface, &net.UDPAddr{IP: group.IP}))
	}
	return err
}
