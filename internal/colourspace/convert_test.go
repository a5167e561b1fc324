package colourspace

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(t Type, width, height int, px ...byte) []byte {
	return bytes.Repeat(px, width*height*BytesPerPixel(t)/len(px))
}

func TestConvert_RGBToYUV(t *testing.T) {
	cases := []struct {
		name string
		rgb  []byte
		uyvy []byte
	}{
		{"white", []byte{255, 255, 255}, []byte{128, 235, 128, 235}},
		{"black", []byte{0, 0, 0}, []byte{128, 16, 128, 16}},
		{"red", []byte{255, 0, 0}, []byte{90, 82, 240, 82}},
		{"green", []byte{0, 255, 0}, []byte{54, 145, 34, 145}},
		{"blue", []byte{0, 0, 255}, []byte{240, 41, 110, 41}},
	}
	for _, tc := range cases {
		out, err := Convert(solid(RGB24, 2, 1, tc.rgb...), RGB24, YUV422, 2, 1)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.uyvy, out, tc.name)

		back, err := Convert(out, YUV422, RGB24, 2, 1)
		require.NoError(t, err, tc.name)
		for i := range back {
			assert.InDelta(t, int(tc.rgb[i%3]), int(back[i]), 2, tc.name)
		}
	}
}

func TestConvert_YUVChromaAveraged(t *testing.T) {
	out, err := Convert([]byte{0, 0, 0, 255, 255, 255}, RGB24, YUV422, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{128, 16, 128, 235}, out)
}

func TestConvert_Mono(t *testing.T) {
	rgb := []byte{255, 255, 255, 0, 0, 0, 255, 0, 0, 0, 255, 0}

	mono8, err := Convert(rgb, RGB24, Mono8, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{255, 0, 76, 150}, mono8)

	mono16, err := Convert(rgb, RGB24, Mono16, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{255, 255, 0, 0, 76, 76, 150, 150}, mono16)

	back, err := Convert(mono16, Mono16, RGB24, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{255, 255, 255, 0, 0, 0, 76, 76, 76, 150, 150, 150}, back)

	rgba, err := Convert(mono8, Mono8, RGBA, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{76, 76, 76, 255}, rgba[8:12])
}

func TestConvert_RGBA(t *testing.T) {
	rgba := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	rgb, err := Convert(rgba, RGBA, RGB24, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 5, 6, 7}, rgb)

	again, err := Convert(rgb, RGB24, RGBA, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 255, 5, 6, 7, 255}, again)

	same, err := Convert(rgba, RGBA, RGBA, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, rgba, same)
	same[0] = 9
	assert.Equal(t, byte(1), rgba[0])
}

func TestConvert_Errors(t *testing.T) {
	_, err := Convert(nil, RGB24, YUV422, 640, 480)
	assert.True(t, errors.Is(err, ErrFrameSize))

	_, err = Convert(make([]byte, 9), RGB24, YUV422, 3, 1)
	assert.True(t, errors.Is(err, ErrFrameSize))

	_, err = Convert(make([]byte, 6), RGB24, H264, 2, 1)
	assert.True(t, errors.Is(err, ErrUnsupportedConversion))

	_, err = Convert(make([]byte, 6), JPEG2000, RGB24, 2, 1)
	assert.True(t, errors.Is(err, ErrUnsupportedConversion))

	_, err = Convert(nil, RGB24, RGBA, 0, 0)
	assert.True(t, errors.Is(err, ErrFrameSize))
}

func TestScale(t *testing.T) {
	src := solid(RGB24, 640, 480, 10, 200, 30)
	out, err := Scale(src, RGB24, 640, 480, 320, 240)
	require.NoError(t, err)
	require.Len(t, out, 320*240*3)
	worst := 0
	for i := range out {
		if d := int(out[i]) - int(src[i%3]); d*d > worst*worst {
			worst = d
		}
	}
	assert.InDelta(t, 0, worst, 1)

	src = solid(RGBA, 640, 480, 40, 50, 60, 255)
	out, err = Scale(src, RGBA, 640, 480, 1280, 720)
	require.NoError(t, err)
	require.Len(t, out, 1280*720*4)
	assert.InDelta(t, 40, int(out[0]), 1)
	assert.InDelta(t, 255, int(out[len(out)-1]), 1)
}

func TestScale_KeepsLayout(t *testing.T) {
	// left half black, right half white
	src := make([]byte, 8*8)
	for y := 0; y < 8; y++ {
		for x := 4; x < 8; x++ {
			src[y*8+x] = 255
		}
	}
	out, err := Scale(src, Mono8, 8, 8, 4, 4)
	require.NoError(t, err)
	require.Len(t, out, 16)
	assert.Less(t, int(out[0]), 32)
	assert.Greater(t, int(out[3]), 223)
	assert.Less(t, int(out[12]), 32)
	assert.Greater(t, int(out[15]), 223)
}

func TestScale_Errors(t *testing.T) {
	_, err := Scale(nil, RGB24, 640, 480, 320, 240)
	assert.True(t, errors.Is(err, ErrFrameSize))

	src := make([]byte, 640*480*4)
	_, err = Scale(src, RGBA, 640, 480, 0, 0)
	assert.True(t, errors.Is(err, ErrFrameSize))

	_, err = Scale(make([]byte, 2*2*2), YUV422, 2, 2, 3, 2)
	assert.True(t, errors.Is(err, ErrFrameSize))

	_, err = Scale(src, H264, 640, 480, 320, 240)
	assert.True(t, errors.Is(err, ErrUnsupportedConversion))
}
