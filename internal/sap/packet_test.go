package sap

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilbercode/mediax-stream/internal/stream"
)

const testSDP = "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=x\r\nt=0 0\r\n"

func TestPacket_RoundTripIPv4(t *testing.T) {
	in := Packet{
		Hash:        MessageHash([]byte(testSDP)),
		Origin:      net.ParseIP("10.0.0.1"),
		PayloadType: PayloadTypeSDP,
		Payload:     []byte(testSDP),
	}
	b, err := in.Marshal()
	require.NoError(t, err)

	assert.Equal(t, byte(0x20), b[0])
	assert.Equal(t, byte(0), b[1])
	assert.Equal(t, []byte{10, 0, 0, 1}, b[4:8])
	assert.Equal(t, "application/sdp\x00", string(b[8:24]))

	var out Packet
	require.NoError(t, out.Unmarshal(b))
	assert.False(t, out.Delete)
	assert.Equal(t, in.Hash, out.Hash)
	assert.True(t, in.Origin.Equal(out.Origin))
	assert.Equal(t, PayloadTypeSDP, out.PayloadType)
	assert.Equal(t, testSDP, string(out.Payload))
}

func TestPacket_DeleteAndIPv6(t *testing.T) {
	in := Packet{
		Delete:  true,
		Origin:  net.ParseIP("fe80::1"),
		Auth:    []byte{1, 2, 3, 4},
		Payload: []byte(testSDP),
	}
	b, err := in.Marshal()
	require.NoError(t, err)
	assert.Equal(t, byte(0x20|0x10|0x04), b[0])
	assert.Equal(t, byte(1), b[1])

	var out Packet
	require.NoError(t, out.Unmarshal(b))
	assert.True(t, out.Delete)
	assert.Equal(t, "fe80::1", out.Origin.String())
	assert.Equal(t, []byte{1, 2, 3, 4}, out.Auth)
	assert.Equal(t, "", out.PayloadType)
	assert.Equal(t, testSDP, string(out.Payload))
}

func TestPacket_MarshalErrors(t *testing.T) {
	_, err := (&Packet{Origin: net.ParseIP("10.0.0.1"), Auth: []byte{1}}).Marshal()
	assert.Error(t, err)

	_, err = (&Packet{}).Marshal()
	assert.Error(t, err)
}

func TestPacket_UnmarshalCorrupt(t *testing.T) {
	valid, err := (&Packet{Origin: net.ParseIP("10.0.0.1"), PayloadType: PayloadTypeSDP, Payload: []byte(testSDP)}).Marshal()
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":          {},
		"short":          valid[:6],
		"version":        append([]byte{0x40}, valid[1:]...),
		"encrypted":      append([]byte{0x22}, valid[1:]...),
		"auth overflow":  append([]byte{0x20, 0x10}, valid[2:]...),
		"ipv6 truncated": append([]byte{0x30}, valid[1:12]...),
		"unterminated":   append(append([]byte{}, valid[:8]...), []byte("application/sdp")...),
	}
	for name, b := range cases {
		var p Packet
		err := p.Unmarshal(b)
		assert.True(t, errors.Is(err, stream.ErrCorruptPacket), name)
	}
}

func TestMessageHash(t *testing.T) {
	a := MessageHash([]byte("one"))
	assert.Equal(t, a, MessageHash([]byte("one")))
	assert.NotEqual(t, a, MessageHash([]byte("two")))
}
