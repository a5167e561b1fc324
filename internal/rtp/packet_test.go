package rtp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilbercode/mediax-stream/internal/stream"
)

func TestPayloadHeader_RoundTrip(t *testing.T) {
	lines := []LineHeader{
		{Length: 1200, LineNumber: 0, Offset: 0},
		{Length: 20, Field: true, LineNumber: 32767, Offset: 600},
	}
	b := MarshalPayloadHeader(0x0102, lines)
	require.Len(t, b, 2+12)
	assert.Equal(t, []byte{0x01, 0x02}, b[:2])
	// continuation bit on the first header only
	assert.Equal(t, byte(0x80), b[6]&0x80)
	assert.Equal(t, byte(0x00), b[12]&0x80)

	payload := append(b, make([]byte, 1220)...)
	ext, got, offset, err := ParsePayloadHeader(payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), ext)
	assert.Equal(t, 14, offset)
	require.Len(t, got, 2)
	assert.Equal(t, LineHeader{Length: 1200, Continuation: true}, got[0])
	assert.Equal(t, LineHeader{Length: 20, Field: true, LineNumber: 32767, Offset: 600}, got[1])
}

func TestParsePayloadHeader_Corrupt(t *testing.T) {
	header := MarshalPayloadHeader(0, []LineHeader{{Length: 10}, {Length: 10}})

	cases := map[string][]byte{
		"empty":              nil,
		"short":              header[:5],
		"missing header":     header[:8],
		"data exceeds bytes": append(append([]byte{}, header...), make([]byte, 19)...),
	}
	for name, b := range cases {
		_, _, _, err := ParsePayloadHeader(b)
		assert.True(t, errors.Is(err, stream.ErrCorruptPacket), name)
	}

	_, _, _, err := ParsePayloadHeader(append(append([]byte{}, header...), make([]byte, 20)...))
	assert.NoError(t, err)
}
