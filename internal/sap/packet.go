package sap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/cespare/xxhash/v2"

	"github.com/bilbercode/mediax-stream/internal/stream"
)

const (
	version = 1

	flagIPv6       = 0x10
	flagDelete     = 0x04
	flagEncrypted  = 0x02
	flagCompressed = 0x01

	// PayloadTypeSDP is the MIME type carried in front of the SDP payload.
	PayloadTypeSDP = "application/sdp"
)

// Packet is a single SAP datagram.
type Packet struct {
	Delete      bool
	Hash        uint16
	Origin      net.IP
	Auth        []byte
	PayloadType string
	Payload     []byte
}

// MessageHash derives the message identifier hash for an SDP payload.
func MessageHash(payload []byte) uint16 {
	return uint16(xxhash.Sum64(payload))
}

func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Auth)%4 != 0 || len(p.Auth)/4 > 0xff {
		return nil, fmt.Errorf("auth data length %d is not a multiple of 4 up to 1020", len(p.Auth))
	}

	flags := byte(version << 5)
	origin := p.Origin.To4()
	if origin == nil {
		origin = p.Origin.To16()
		if origin == nil {
			return nil, fmt.Errorf("invalid origin address %v", p.Origin)
		}
		flags |= flagIPv6
	}
	if p.Delete {
		flags |= flagDelete
	}

	buf := bytes.NewBuffer(make([]byte, 0, 4+len(origin)+len(p.Auth)+len(p.PayloadType)+1+len(p.Payload)))
	buf.WriteByte(flags)
	buf.WriteByte(byte(len(p.Auth) / 4))
	_ = binary.Write(buf, binary.BigEndian, p.Hash)
	buf.Write(origin)
	buf.Write(p.Auth)
	if p.PayloadType != "" {
		buf.WriteString(p.PayloadType)
		buf.WriteByte(0)
	}
	buf.Write(p.Payload)
	return buf.Bytes(), nil
}

// Unmarshal decodes a SAP datagram. Payload and Auth alias b. Errors wrap
// stream.ErrCorruptPacket.
func (p *Packet) Unmarshal(b []byte) error {
	if len(b) < 8 {
		return fmt.Errorf("%w: SAP packet too short (%d bytes)", stream.ErrCorruptPacket, len(b))
	}
	flags := b[0]
	if v := flags >> 5; v != version {
		return fmt.Errorf("%w: unsupported SAP version %d", stream.ErrCorruptPacket, v)
	}
	if flags&(flagEncrypted|flagCompressed) != 0 {
		return fmt.Errorf("%w: encrypted or compressed SAP payloads are not supported", stream.ErrCorruptPacket)
	}

	originLen := net.IPv4len
	if flags&flagIPv6 != 0 {
		originLen = net.IPv6len
	}
	authLen := int(b[1]) * 4
	offset := 4 + originLen + authLen
	if len(b) < offset {
		return fmt.Errorf("%w: SAP header truncated", stream.ErrCorruptPacket)
	}

	p.Delete = flags&flagDelete != 0
	p.Hash = binary.BigEndian.Uint16(b[2:4])
	p.Origin = net.IP(append([]byte(nil), b[4:4+originLen]...))
	p.Auth = b[4+originLen : offset]
	p.PayloadType = ""

	rest := b[offset:]
	// The payload type is optional, a bare SDP payload starts with "v=0".
	if !bytes.HasPrefix(rest, []byte("v=0")) {
		end := bytes.IndexByte(rest, 0)
		if end < 0 {
			return fmt.Errorf("%w: unterminated SAP payload type", stream.ErrCorruptPacket)
		}
		p.PayloadType = string(rest[:end])
		rest = rest[end+1:]
	}
	p.Payload = rest
	return nil
}
