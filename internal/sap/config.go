package sap

import (
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	DefaultGroup  = "224.2.127.254:9875"
	DefaultPeriod = time.Second
	DefaultTTL    = 15
)

var (
	ErrUnknownSession   = errors.New("unknown session")
	ErrUnknownInterface = errors.New("unknown interface")
)

// Config is shared by the announcer and the listener.
type Config struct {
	// Group is the SAP multicast group and port. A unicast address may be used
	// for point-to-point or loopback operation.
	Group string
	// Period between announcement cycles.
	Period time.Duration
	TTL    int
	// Interface names the outgoing/joining interface, empty for the system default.
	Interface string
	Loopback  bool
	// StaleAfter removes listener entries that have not been refreshed. Zero
	// means five periods.
	StaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		Group:    DefaultGroup,
		Period:   DefaultPeriod,
		TTL:      DefaultTTL,
		Loopback: true,
	}
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * c.Period
	}
	return c
}

func (c Config) groupAddr() (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", c.Group)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve SAP group %q: %w", c.Group, err)
	}
	return addr, nil
}
