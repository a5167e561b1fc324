package stream

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/bilbercode/mediax-stream/internal/colourspace"
)

var (
	ErrInvalidDescription   = errors.New("invalid stream description")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrCorruptPacket        = errors.New("corrupt packet")
	ErrSendFailure          = errors.New("send failure")
)

// Key identifies one announcement for its whole lifetime, independent of the
// fields that can change between announcements.
type Key struct {
	Origin    string
	SessionID uint64
}

func (k Key) String() string {
	return k.Origin + "/" + strconv.FormatUint(k.SessionID, 10)
}

// Description is one advertised video stream.
type Description struct {
	SessionName    string
	Source         string
	Destination    string
	Port           int
	Width          int
	Height         int
	Framerate      int
	Colourspace    colourspace.Type
	SessionID      uint64
	SessionVersion uint64

	// Deleted is only set while an announcement is being torn down.
	Deleted bool
}

func (d Description) Key() Key {
	return Key{Origin: d.Source, SessionID: d.SessionID}
}

// Multicast reports whether the destination is a multicast group.
func (d Description) Multicast() bool {
	ip := net.ParseIP(d.Destination)
	return ip != nil && ip.IsMulticast()
}

// FrameSize is the byte size of one uncompressed frame, 0 for compressed streams.
func (d Description) FrameSize() int {
	return d.Width * d.Height * colourspace.BytesPerPixel(d.Colourspace)
}

// Stride is the byte length of one uncompressed scan line.
func (d Description) Stride() int {
	return d.Width * colourspace.BytesPerPixel(d.Colourspace)
}

// Equal compares the announced fields, ignoring Deleted.
func (d Description) Equal(o Description) bool {
	d.Deleted, o.Deleted = false, false
	return d == o
}

// Validate rejects descriptions that cannot be announced or streamed.
func (d Description) Validate() error {
	if net.ParseIP(d.Destination).To4() == nil {
		return fmt.Errorf("%w: destination %q is not an IPv4 address", ErrInvalidDescription, d.Destination)
	}
	if d.Source != "" && net.ParseIP(d.Source).To4() == nil {
		return fmt.Errorf("%w: source %q is not an IPv4 address", ErrInvalidDescription, d.Source)
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidDescription, d.Port)
	}
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("%w: resolution %dx%d", ErrInvalidDescription, d.Width, d.Height)
	}
	if d.Framerate <= 0 {
		return fmt.Errorf("%w: framerate %d", ErrInvalidDescription, d.Framerate)
	}
	if !d.Colourspace.Valid() {
		return fmt.Errorf("%w: colourspace %d", ErrInvalidDescription, d.Colourspace)
	}
	return nil
}
