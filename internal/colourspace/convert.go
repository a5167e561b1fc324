package colourspace

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

var (
	ErrUnsupportedConversion = errors.New("unsupported conversion")
	ErrFrameSize             = errors.New("frame size mismatch")
)

// FrameSize is the byte length of a width x height frame in t, 0 for compressed
// colourspaces.
func FrameSize(t Type, width, height int) int {
	return width * height * BytesPerPixel(t)
}

func checkFrame(b []byte, t Type, width, height int) error {
	if Compressed(t) || !t.Valid() {
		return fmt.Errorf("%w: %s is not a raw colourspace", ErrUnsupportedConversion, t)
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrFrameSize, width, height)
	}
	if t == YUV422 && width%2 != 0 {
		return fmt.Errorf("%w: %s needs an even width, got %d", ErrFrameSize, t, width)
	}
	if want := FrameSize(t, width, height); len(b) != want {
		return fmt.Errorf("%w: %dx%d %s needs %d bytes, got %d", ErrFrameSize, width, height, t, want, len(b))
	}
	return nil
}

// Decode unpacks a raw frame into an 8-bit RGBA image. YUV 4:2:2 is read as
// UYVY with BT.601 studio swing, monochrome becomes grey and 16-bit samples are
// big endian.
func Decode(src []byte, from Type, width, height int) (*image.NRGBA, error) {
	if err := checkFrame(src, from, width, height); err != nil {
		return nil, err
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	pix := img.Pix
	switch from {
	case RGBA:
		copy(pix, src)
	case RGB24:
		for i, j := 0, 0; i < len(src); i, j = i+3, j+4 {
			pix[j], pix[j+1], pix[j+2], pix[j+3] = src[i], src[i+1], src[i+2], 0xff
		}
	case Mono8:
		for i, j := 0, 0; i < len(src); i, j = i+1, j+4 {
			v := src[i]
			pix[j], pix[j+1], pix[j+2], pix[j+3] = v, v, v, 0xff
		}
	case Mono16:
		for i, j := 0, 0; i < len(src); i, j = i+2, j+4 {
			v := src[i]
			pix[j], pix[j+1], pix[j+2], pix[j+3] = v, v, v, 0xff
		}
	case YUV422:
		for i, j := 0, 0; i < len(src); i, j = i+4, j+8 {
			u, y0, v, y1 := src[i], src[i+1], src[i+2], src[i+3]
			pix[j], pix[j+1], pix[j+2] = yuvToRGB(y0, u, v)
			pix[j+4], pix[j+5], pix[j+6] = yuvToRGB(y1, u, v)
			pix[j+3], pix[j+7] = 0xff, 0xff
		}
	}
	return img, nil
}

// Encode packs img into dst in colourspace to. dst must hold exactly one frame
// of the image size. YUV 4:2:2 chroma is averaged over each pixel pair.
func Encode(dst []byte, img *image.NRGBA, to Type) error {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if err := checkFrame(dst, to, width, height); err != nil {
		return err
	}
	step := BytesPerPixel(to)
	for y := 0; y < height; y++ {
		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		row := img.Pix[off : off+width*4]
		out := dst[y*width*step : (y+1)*width*step]
		switch to {
		case RGBA:
			copy(out, row)
		case RGB24:
			for i, j := 0, 0; i < len(row); i, j = i+4, j+3 {
				out[j], out[j+1], out[j+2] = row[i], row[i+1], row[i+2]
			}
		case Mono8:
			for i, j := 0, 0; i < len(row); i, j = i+4, j+1 {
				out[j] = luma(row[i], row[i+1], row[i+2])
			}
		case Mono16:
			for i, j := 0, 0; i < len(row); i, j = i+4, j+2 {
				l := luma(row[i], row[i+1], row[i+2])
				out[j], out[j+1] = l, l
			}
		case YUV422:
			for i, j := 0, 0; i < len(row); i, j = i+8, j+4 {
				y0, u0, v0 := rgbToYUV(row[i], row[i+1], row[i+2])
				y1, u1, v1 := rgbToYUV(row[i+4], row[i+5], row[i+6])
				out[j] = uint8((int(u0) + int(u1) + 1) / 2)
				out[j+1] = y0
				out[j+2] = uint8((int(v0) + int(v1) + 1) / 2)
				out[j+3] = y1
			}
		}
	}
	return nil
}

// Convert re-encodes a raw width x height frame from one colourspace to another.
func Convert(src []byte, from, to Type, width, height int) ([]byte, error) {
	img, err := Decode(src, from, width, height)
	if err != nil {
		return nil, err
	}
	if from == to {
		return append([]byte(nil), src...), nil
	}
	dst := make([]byte, FrameSize(to, width, height))
	if err := Encode(dst, img, to); err != nil {
		return nil, err
	}
	return dst, nil
}

// Scale resizes a raw frame with bicubic interpolation, keeping its colourspace.
func Scale(src []byte, t Type, width, height, targetWidth, targetHeight int) ([]byte, error) {
	img, err := Decode(src, t, width, height)
	if err != nil {
		return nil, err
	}
	if targetWidth <= 0 || targetHeight <= 0 {
		return nil, fmt.Errorf("%w: target %dx%d", ErrFrameSize, targetWidth, targetHeight)
	}
	if t == YUV422 && targetWidth%2 != 0 {
		return nil, fmt.Errorf("%w: %s needs an even width, got %d", ErrFrameSize, t, targetWidth)
	}
	scaled := image.NewNRGBA(image.Rect(0, 0, targetWidth, targetHeight))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)
	dst := make([]byte, FrameSize(t, targetWidth, targetHeight))
	if err := Encode(dst, scaled, t); err != nil {
		return nil, err
	}
	return dst, nil
}

func clamp(f float64) uint8 {
	switch {
	case f <= 0:
		return 0
	case f >= 255:
		return 255
	}
	return uint8(f + 0.5)
}

func luma(r, g, b uint8) uint8 {
	return clamp(0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b))
}

func rgbToYUV(r8, g8, b8 uint8) (y, u, v uint8) {
	r, g, b := float64(r8), float64(g8), float64(b8)
	y = clamp(16 + 0.257*r + 0.504*g + 0.098*b)
	u = clamp(128 - 0.148*r - 0.291*g + 0.439*b)
	v = clamp(128 + 0.439*r - 0.368*g - 0.071*b)
	return y, u, v
}

func yuvToRGB(y8, u8, v8 uint8) (r, g, b uint8) {
	y := 1.164 * (float64(y8) - 16)
	u, v := float64(u8)-128, float64(v8)-128
	return clamp(y + 1.596*v), clamp(y - 0.813*v - 0.391*u), clamp(y + 2.018*u)
}
