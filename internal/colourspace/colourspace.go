package colourspace

import "strings"

// Type is the pixel or bitstream encoding of a video payload.
type Type int

const (
	Undefined Type = iota
	RGB24
	RGBA
	YUV422
	Mono8
	Mono16
	H264
	H265
	JPEG
	JPEG2000
	AV1
)

// Unknown is returned for any colourspace without an SDP representation.
const Unknown = "unknown"

type entry struct {
	name        string
	sampling    string
	encoding    string
	depth       int
	bits        int
	pgBytes     int
	pgPixels    int
	pt          uint8
	colorimetry string
}

var table = map[Type]entry{
	RGB24:    {name: "RGB24", sampling: "RGB", encoding: "raw", depth: 8, bits: 24, pgBytes: 3, pgPixels: 1, pt: 96, colorimetry: "BT709-2"},
	RGBA:     {name: "RGBA", sampling: "RGBA", encoding: "raw", depth: 8, bits: 32, pgBytes: 4, pgPixels: 1, pt: 96, colorimetry: "BT709-2"},
	YUV422:   {name: "YUV422", sampling: "YCbCr-4:2:2", encoding: "raw", depth: 8, bits: 16, pgBytes: 4, pgPixels: 2, pt: 96, colorimetry: "BT601-5"},
	Mono8:    {name: "MONO8", sampling: "Mono", encoding: "raw", depth: 8, bits: 8, pgBytes: 1, pgPixels: 1, pt: 96},
	Mono16:   {name: "MONO16", sampling: "Mono", encoding: "raw", depth: 16, bits: 16, pgBytes: 2, pgPixels: 1, pt: 96},
	H264:     {name: "H264", sampling: "H264", encoding: "H264", bits: 24, pt: 96},
	H265:     {name: "H265", sampling: "H265", encoding: "H265", bits: 24, pt: 96},
	JPEG:     {name: "JPEG", sampling: "JPEG", encoding: "JPEG", bits: 24, pt: 26},
	JPEG2000: {name: "JPEG2000", sampling: "JPEG2000", encoding: "jpeg2000", bits: 24, pt: 96},
	AV1:      {name: "AV1", sampling: "AV1", encoding: "AV1", bits: 24, pt: 96},
}

// All lists every defined colourspace, Undefined excluded.
func All() []Type {
	return []Type{RGB24, RGBA, YUV422, Mono8, Mono16, H264, H265, JPEG, JPEG2000, AV1}
}

// Valid reports whether t is one of the defined colourspaces.
func (t Type) Valid() bool {
	_, ok := table[t]
	return ok
}

func (t Type) String() string {
	if e, ok := table[t]; ok {
		return e.name
	}
	return "UNDEFINED"
}

// Parse is the inverse of String. Unrecognised names map to Undefined.
func Parse(name string) Type {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "YUV" {
		return YUV422
	}
	for t, e := range table {
		if e.name == name {
			return t
		}
	}
	return Undefined
}

// GetSdpColourspace returns the SDP sampling string for t, or Unknown.
func GetSdpColourspace(t Type) string {
	if e, ok := table[t]; ok {
		return e.sampling
	}
	return Unknown
}

// SamplingToColourspaceType maps an SDP sampling (or rtpmap encoding) name and its
// bit depth back to a colourspace. Matching is case-insensitive.
func SamplingToColourspaceType(sampling string, depth int) Type {
	s := strings.ToLower(strings.TrimSpace(sampling))
	switch s {
	case "mono", "grayscale":
		switch depth {
		case 16:
			return Mono16
		case 8, 0:
			return Mono8
		}
		return Undefined
	case "rgb":
		return RGB24
	case "rgba":
		return RGBA
	case "ycbcr-4:2:2":
		return YUV422
	case "h264":
		return H264
	case "h265":
		return H265
	case "jpeg":
		return JPEG
	case "jpeg2000":
		return JPEG2000
	case "av1":
		return AV1
	}
	return Undefined
}

// Depth is the SDP depth parameter (bits per component) for raw colourspaces.
func Depth(t Type) int { return table[t].depth }

// BitsPerPixel returns the nominal bits per pixel. Compressed formats report 24.
func BitsPerPixel(t Type) int { return table[t].bits }

// BytesPerPixel returns the storage size of one pixel for raw colourspaces and 0
// for compressed or undefined ones.
func BytesPerPixel(t Type) int {
	if Compressed(t) {
		return 0
	}
	return table[t].bits / 8
}

// PixelGroup returns the RFC 4175 pgroup size in bytes and the number of pixels
// it covers. Lines are only ever split on pgroup boundaries.
func PixelGroup(t Type) (bytes, pixels int) {
	e := table[t]
	return e.pgBytes, e.pgPixels
}

// Compressed reports whether t is carried as an opaque bitstream.
func Compressed(t Type) bool {
	e, ok := table[t]
	return ok && e.encoding != "raw"
}

// EncodingName is the rtpmap encoding name, "raw" for uncompressed video.
func EncodingName(t Type) string {
	if e, ok := table[t]; ok {
		return e.encoding
	}
	return Unknown
}

// PayloadType is the RTP payload type used when announcing t.
func PayloadType(t Type) uint8 {
	if e, ok := table[t]; ok {
		return e.pt
	}
	return 96
}

// Colorimetry returns the RFC 4175 colorimetry parameter, empty when not applicable.
func Colorimetry(t Type) string { return table[t].colorimetry }
