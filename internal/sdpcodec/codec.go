// Package sdpcodec converts stream descriptions to and from SDP text.
//
// Only the flat subset needed to advertise one-way video is produced: a single
// video media section carrying rtpmap, fmtp and framerate attributes. Parsing is
// tolerant of anything else a third-party announcer may add.
package sdpcodec

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/bilbercode/mediax-stream/internal/colourspace"
	"github.com/bilbercode/mediax-stream/internal/stream"
)

const (
	clockRate    = 90000
	multicastTTL = 15
)

// Marshal serialises d as an SDP session description.
func Marshal(d stream.Description) ([]byte, error) {
	return Build(d).Marshal()
}

// Build returns the pion session description for d.
func Build(d stream.Description) *sdp.SessionDescription {
	address := &sdp.Address{Address: d.Destination}
	if d.Multicast() {
		ttl := multicastTTL
		address.TTL = &ttl
	}

	pt := colourspace.PayloadType(d.Colourspace)
	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "video",
			Port:   sdp.RangedPort{Value: d.Port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	media = media.WithCodec(pt, colourspace.EncodingName(d.Colourspace), clockRate, 0, formatParameters(d))
	media = media.WithValueAttribute("framerate", strconv.Itoa(d.Framerate))

	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      d.SessionID,
			SessionVersion: d.SessionVersion,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: d.Source,
		},
		SessionName: sdp.SessionName(d.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     address,
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{},
			},
		},
		MediaDescriptions: []*sdp.MediaDescription{media},
	}
}

func formatParameters(d stream.Description) string {
	params := []string{}
	if !colourspace.Compressed(d.Colourspace) {
		params = append(params, "sampling="+colourspace.GetSdpColourspace(d.Colourspace))
	}
	params = append(params,
		"width="+strconv.Itoa(d.Width),
		"height="+strconv.Itoa(d.Height),
	)
	if !colourspace.Compressed(d.Colourspace) {
		params = append(params, "depth="+strconv.Itoa(colourspace.Depth(d.Colourspace)))
		if c := colourspace.Colorimetry(d.Colourspace); c != "" {
			params = append(params, "colorimetry="+c)
		}
		params = append(params, "progressive")
	}
	return strings.Join(params, "; ")
}

// Unmarshal parses SDP text into a description. The first video media section is
// used; errors wrap stream.ErrCorruptPacket.
func Unmarshal(b []byte) (stream.Description, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(b); err != nil {
		return stream.Description{}, fmt.Errorf("%w: failed to parse SDP: %v", stream.ErrCorruptPacket, err)
	}
	return FromSession(sd)
}

// FromSession extracts a description from an already parsed session.
func FromSession(sd *sdp.SessionDescription) (stream.Description, error) {
	d := stream.Description{
		SessionName:    string(sd.SessionName),
		Source:         stripSuffix(sd.Origin.UnicastAddress),
		SessionID:      sd.Origin.SessionID,
		SessionVersion: sd.Origin.SessionVersion,
	}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		d.Destination = stripSuffix(sd.ConnectionInformation.Address.Address)
	}

	var media *sdp.MediaDescription
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "video" {
			media = md
			break
		}
	}
	if media == nil {
		return stream.Description{}, fmt.Errorf("%w: no video media description", stream.ErrCorruptPacket)
	}
	if len(media.MediaName.Formats) == 0 {
		return stream.Description{}, fmt.Errorf("%w: video media description has no formats", stream.ErrCorruptPacket)
	}
	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		d.Destination = stripSuffix(media.ConnectionInformation.Address.Address)
	}
	d.Port = media.MediaName.Port.Value

	format := media.MediaName.Formats[0]
	encoding := ""
	params := map[string]string{}
	for _, attr := range media.Attributes {
		switch attr.Key {
		case "rtpmap":
			if pt, value, ok := strings.Cut(attr.Value, " "); ok && pt == format {
				encoding, _, _ = strings.Cut(strings.TrimSpace(value), "/")
			}
		case "fmtp":
			if pt, value, ok := strings.Cut(attr.Value, " "); ok && pt == format {
				for k, v := range parseFormatParameters(value) {
					params[k] = v
				}
			}
		case "framerate":
			d.Framerate = parseFramerate(attr.Value)
		}
	}
	if d.Framerate == 0 {
		if v, ok := sd.Attribute("framerate"); ok {
			d.Framerate = parseFramerate(v)
		}
	}

	d.Width, _ = strconv.Atoi(params["width"])
	d.Height, _ = strconv.Atoi(params["height"])
	if strings.EqualFold(encoding, "raw") || encoding == "" {
		depth, _ := strconv.Atoi(params["depth"])
		d.Colourspace = colourspace.SamplingToColourspaceType(params["sampling"], depth)
	} else {
		d.Colourspace = colourspace.SamplingToColourspaceType(encoding, 0)
	}

	return d, nil
}

// parseFormatParameters splits "a=b; c=d; flag" into a map, flags map to "".
func parseFormatParameters(value string) map[string]string {
	params := map[string]string{}
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		params[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return params
}

func parseFramerate(v string) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f <= 0 {
		return 0
	}
	return int(math.Round(f))
}

// stripSuffix drops a "/ttl" or "/range" suffix from an SDP address.
func stripSuffix(addr string) string {
	addr, _, _ = strings.Cut(strings.TrimSpace(addr), "/")
	return addr
}
