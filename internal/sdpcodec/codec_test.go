package sdpcodec

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilbercode/mediax-stream/internal/colourspace"
	"github.com/bilbercode/mediax-stream/internal/stream"
)

func description(cs colourspace.Type) stream.Description {
	return stream.Description{
		SessionName:    "Test Card",
		Source:         "192.168.1.20",
		Destination:    "239.192.1.1",
		Port:           5004,
		Width:          640,
		Height:         480,
		Framerate:      25,
		Colourspace:    cs,
		SessionID:      3912345678,
		SessionVersion: 2,
	}
}

func TestMarshal_RawVideo(t *testing.T) {
	b, err := Marshal(description(colourspace.YUV422))
	require.NoError(t, err)

	text := string(b)
	assert.Contains(t, text, "v=0\r\n")
	assert.Contains(t, text, "o=- 3912345678 2 IN IP4 192.168.1.20\r\n")
	assert.Contains(t, text, "s=Test Card\r\n")
	assert.Contains(t, text, "c=IN IP4 239.192.1.1/15\r\n")
	assert.Contains(t, text, "t=0 0\r\n")
	assert.Contains(t, text, "m=video 5004 RTP/AVP 96\r\n")
	assert.Contains(t, text, "a=rtpmap:96 raw/90000\r\n")
	assert.Contains(t, text, "a=fmtp:96 sampling=YCbCr-4:2:2; width=640; height=480; depth=8; colorimetry=BT601-5; progressive\r\n")
	assert.Contains(t, text, "a=framerate:25\r\n")
}

func TestMarshal_CompressedVideo(t *testing.T) {
	b, err := Marshal(description(colourspace.H264))
	require.NoError(t, err)

	text := string(b)
	assert.Contains(t, text, "a=rtpmap:96 H264/90000\r\n")
	assert.Contains(t, text, "a=fmtp:96 width=640; height=480\r\n")
	assert.NotContains(t, text, "sampling=")
}

func TestMarshal_UnicastHasNoTTL(t *testing.T) {
	d := description(colourspace.RGB24)
	d.Destination = "127.0.0.1"
	b, err := Marshal(d)
	require.NoError(t, err)
	assert.Contains(t, string(b), "c=IN IP4 127.0.0.1\r\n")
}

func TestRoundTrip(t *testing.T) {
	for _, cs := range colourspace.All() {
		d := description(cs)
		b, err := Marshal(d)
		require.NoError(t, err, cs.String())

		got, err := Unmarshal(b)
		require.NoError(t, err, cs.String())
		assert.Equal(t, d, got, cs.String())
	}
}

func TestUnmarshal_ThirdParty(t *testing.T) {
	text := strings.Join([]string{
		"v=0",
		"o=- 1234 1 IN IP4 10.0.0.5",
		"s=Camera 1",
		"i=front door",
		"t=0 0",
		"m=video 6000 RTP/AVP 97",
		"c=IN IP4 239.1.2.3/32",
		"b=AS:20000",
		"a=rtpmap:97 raw/90000",
		"a=fmtp:97 sampling=mono; width=320; height=240; depth=16",
		"a=framerate:29.97",
		"",
	}, "\r\n")

	d, err := Unmarshal([]byte(text))
	require.NoError(t, err)
	assert.Equal(t, "Camera 1", d.SessionName)
	assert.Equal(t, "10.0.0.5", d.Source)
	assert.Equal(t, "239.1.2.3", d.Destination)
	assert.Equal(t, 6000, d.Port)
	assert.Equal(t, 320, d.Width)
	assert.Equal(t, 240, d.Height)
	assert.Equal(t, 30, d.Framerate)
	assert.Equal(t, colourspace.Mono16, d.Colourspace)
	assert.Equal(t, uint64(1234), d.SessionID)
}

func TestUnmarshal_Errors(t *testing.T) {
	_, err := Unmarshal([]byte("this is not sdp"))
	assert.True(t, errors.Is(err, stream.ErrCorruptPacket))

	audioOnly := "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=audio\r\nt=0 0\r\nm=audio 5000 RTP/AVP 0\r\n"
	_, err = Unmarshal([]byte(audioOnly))
	assert.True(t, errors.Is(err, stream.ErrCorruptPacket))
}
