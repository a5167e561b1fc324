package rtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/mediax-stream/internal/colourspace"
	"github.com/bilbercode/mediax-stream/internal/multicast"
	"github.com/bilbercode/mediax-stream/internal/stream"
)

const readBackoff = 100 * time.Millisecond

// Frame is one rebuilt video frame. Raw frames are Width*Height pixels in the
// stream colourspace, compressed frames are a single access unit.
type Frame struct {
	Colourspace colourspace.Type
	Width       int
	Height      int
	Timestamp   uint32
	Data        []byte
	Marker      bool
}

// assembly collects the packets sharing one timestamp.
type assembly struct {
	timestamp uint32
	payloads  map[uint16][]byte
	marker    bool
	markerSeq uint16
	// first is the packet carrying line 0 offset 0 of a raw frame.
	first    uint16
	hasFirst bool

	data   []byte
	placed int
}

// Depayloader rebuilds frames from RTP packets. Push may be used directly, or
// Open and Start receive from the stream destination.
type Depayloader struct {
	sync.Mutex
	lifecycle sync.Mutex

	options Options
	info    stream.Description
	hasInfo bool

	current      *assembly
	lastTS       uint32
	hasLastTS    bool
	lastComplete bool
	nextSeq      uint16
	hasNextSeq   bool

	conn        net.PacketConn
	cancel      context.CancelFunc
	wg          *errgroup.Group
	subscribers map[string]func(Frame)
	frames      chan Frame

	listen func(addr *net.UDPAddr, opts multicast.Options) (net.PacketConn, error)
}

func NewDepayloader(options Options) *Depayloader {
	options = options.withDefaults()
	return &Depayloader{
		options:     options,
		subscribers: map[string]func(Frame){},
		frames:      make(chan Frame, options.QueueSize),
		listen:      multicast.Listen,
	}
}

// SetStreamInfo describes the incoming stream and resets any partial frame.
func (d *Depayloader) SetStreamInfo(desc stream.Description) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	d.Lock()
	defer d.Unlock()
	d.info = desc
	d.hasInfo = true
	d.current = nil
	d.hasLastTS, d.hasNextSeq = false, false
	return nil
}

// Push adds one packet. It returns a frame when the packet completes one, and an
// error when a frame had to be discarded; both may be set at once when a new
// timestamp flushes an incomplete frame.
//
// Frames complete on the marker packet once every sequence number from the
// frame's first packet has been seen. The first packet follows the previous
// marker, unless it can be recognised in the frame itself further on, in which
// case the frames lost in between are reported with ErrSequenceGap alongside the
// rebuilt frame. Packets for timestamps that were already completed or flushed
// are dropped, with ErrLateMarker for a late marker.
func (d *Depayloader) Push(pkt *rtp.Packet) (*Frame, error) {
	d.Lock()
	defer d.Unlock()

	if !d.hasInfo {
		return nil, fmt.Errorf("%w: stream info not set", ErrNotOpen)
	}
	if pkt == nil {
		return nil, fmt.Errorf("%w: nil packet", ErrInvalidFrame)
	}

	var flushErr error
	ts := pkt.Timestamp
	if d.current == nil || ts != d.current.timestamp {
		if d.late(ts) {
			if d.hasLastTS && ts == d.lastTS && d.lastComplete {
				return nil, nil
			}
			if pkt.Marker {
				framesDropped.WithLabelValues("late").Inc()
				return nil, fmt.Errorf("%w: timestamp %d", ErrLateMarker, ts)
			}
			return nil, nil
		}
		flushErr = d.flush()
		d.current = d.newAssembly(ts)
	}

	frame, err := d.add(pkt)
	return frame, errors.Join(flushErr, err)
}

// Flush discards the frame in progress, reporting ErrSequenceGap if there was one.
func (d *Depayloader) Flush() error {
	d.Lock()
	defer d.Unlock()
	return d.flush()
}

// late reports whether ts is not newer than the frame in progress or the last
// finished frame.
func (d *Depayloader) late(ts uint32) bool {
	if d.current != nil && int32(ts-d.current.timestamp) < 0 {
		return true
	}
	return d.hasLastTS && int32(ts-d.lastTS) <= 0
}

func (d *Depayloader) newAssembly(ts uint32) *assembly {
	a := &assembly{
		timestamp: ts,
		payloads:  map[uint16][]byte{},
	}
	if !colourspace.Compressed(d.info.Colourspace) {
		a.data = make([]byte, d.info.FrameSize())
	}
	return a
}

func (d *Depayloader) flush() error {
	a := d.current
	if a == nil {
		return nil
	}
	d.current = nil
	d.lastTS, d.hasLastTS, d.lastComplete = a.timestamp, true, false
	d.nextSeq, d.hasNextSeq = a.markerSeq+1, a.marker

	framesDropped.WithLabelValues("gap").Inc()
	return fmt.Errorf("%w: frame %d incomplete with %d packets", ErrSequenceGap, a.timestamp, len(a.payloads))
}

func (d *Depayloader) add(pkt *rtp.Packet) (*Frame, error) {
	a := d.current
	seq := pkt.SequenceNumber
	if _, ok := a.payloads[seq]; ok {
		return nil, nil
	}

	if a.data != nil {
		if err := d.place(a, seq, pkt.Payload); err != nil {
			return nil, err
		}
		a.payloads[seq] = nil
	} else {
		a.payloads[seq] = append([]byte(nil), pkt.Payload...)
	}

	if pkt.Marker {
		a.marker, a.markerSeq = true, seq
	}
	if !a.marker {
		return nil, nil
	}
	return d.complete()
}

// place copies the line segments of an RFC 4175 payload into the frame buffer.
func (d *Depayloader) place(a *assembly, seq uint16, payload []byte) error {
	_, lines, offset, err := ParsePayloadHeader(payload)
	if err != nil {
		return err
	}
	stride := d.info.Stride()
	pgBytes, pgPixels := colourspace.PixelGroup(d.info.Colourspace)
	for _, l := range lines {
		start := int(l.Offset) / pgPixels * pgBytes
		if int(l.LineNumber) >= d.info.Height || start+int(l.Length) > stride {
			return fmt.Errorf("%w: line %d offset %d length %d outside %dx%d frame",
				stream.ErrCorruptPacket, l.LineNumber, l.Offset, l.Length, d.info.Width, d.info.Height)
		}
	}
	for _, l := range lines {
		if l.LineNumber == 0 && l.Offset == 0 {
			a.first, a.hasFirst = seq, true
		}
		start := int(l.LineNumber)*stride + int(l.Offset)/pgPixels*pgBytes
		copy(a.data[start:], payload[offset:offset+int(l.Length)])
		offset += int(l.Length)
		a.placed += int(l.Length)
	}
	return nil
}

// startSeq is the first sequence number of the frame in progress, and whether
// packets between the previous marker and it were skipped. Raw frames start at
// their line 0 packet. Otherwise the frame starts one after the previous marker,
// or at the oldest packet held when that is unknown or when the oldest packet
// begins a contiguous run up to the marker.
func (d *Depayloader) startSeq(a *assembly) (uint16, bool) {
	var start uint16
	switch {
	case a.hasFirst:
		start = a.first
	case !d.hasNextSeq:
		return d.oldest(a), false
	default:
		start = d.nextSeq
		if _, ok := a.payloads[start]; !ok && a.data == nil {
			if oldest := d.oldest(a); d.contiguous(a, oldest) && frameStart(d.info.Colourspace, a.payloads[oldest]) {
				start = oldest
			}
		}
	}
	return start, d.hasNextSeq && start != d.nextSeq && int16(start-d.nextSeq) > 0
}

// oldest is the lowest sequence number held at or before the marker.
func (d *Depayloader) oldest(a *assembly) uint16 {
	start := a.markerSeq
	for seq := range a.payloads {
		if dist := a.markerSeq - seq; dist < 0x8000 && dist > a.markerSeq-start {
			start = seq
		}
	}
	return start
}

func (d *Depayloader) contiguous(a *assembly, start uint16) bool {
	span := int(a.markerSeq-start) + 1
	if span > len(a.payloads) {
		return false
	}
	for i := 0; i < span; i++ {
		if _, ok := a.payloads[start+uint16(i)]; !ok {
			return false
		}
	}
	return true
}

// frameStart reports whether a compressed payload can open an access unit. H.264
// fragments other than the first of a NAL unit cannot.
func frameStart(cs colourspace.Type, payload []byte) bool {
	if cs != colourspace.H264 || len(payload) < 2 {
		return true
	}
	const fuA = 28
	return payload[0]&0x1f != fuA || payload[1]&0x80 != 0
}

func (d *Depayloader) complete() (*Frame, error) {
	a := d.current
	start, skipped := d.startSeq(a)
	span := int(a.markerSeq-start) + 1
	if !d.contiguous(a, start) {
		return nil, nil
	}
	if a.data != nil && a.placed < len(a.data) {
		return nil, nil
	}

	var gapErr error
	if skipped {
		framesDropped.WithLabelValues("gap").Inc()
		gapErr = fmt.Errorf("%w: %d packets lost before frame %d", ErrSequenceGap, start-d.nextSeq, a.timestamp)
	}

	d.current = nil
	d.lastTS, d.hasLastTS, d.lastComplete = a.timestamp, true, true
	d.nextSeq, d.hasNextSeq = a.markerSeq+1, true

	data := a.data
	if data == nil {
		var err error
		if data, err = d.assemble(a, start, span); err != nil {
			d.lastComplete = false
			framesDropped.WithLabelValues("invalid").Inc()
			return nil, errors.Join(gapErr, err)
		}
	}

	framesReceived.Inc()
	return &Frame{
		Colourspace: d.info.Colourspace,
		Width:       d.info.Width,
		Height:      d.info.Height,
		Timestamp:   a.timestamp,
		Data:        data,
		Marker:      true,
	}, gapErr
}

// assemble joins compressed payloads in sequence order.
func (d *Depayloader) assemble(a *assembly, start uint16, span int) ([]byte, error) {
	var out []byte
	if d.info.Colourspace == colourspace.H264 {
		h := &codecs.H264Packet{}
		for i := 0; i < span; i++ {
			b, err := h.Unmarshal(a.payloads[start+uint16(i)])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
			}
			out = append(out, b...)
		}
		return out, nil
	}
	for i := 0; i < span; i++ {
		out = append(out, a.payloads[start+uint16(i)]...)
	}
	return out, nil
}

// Open binds the stream destination, joining the group for multicast streams.
func (d *Depayloader) Open() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	d.Lock()
	defer d.Unlock()

	if !d.hasInfo {
		return fmt.Errorf("%w: stream info not set", ErrNotOpen)
	}
	if d.conn != nil {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(d.info.Destination, strconv.Itoa(d.info.Port)))
	if err != nil {
		return fmt.Errorf("%w: %v", stream.ErrTransportUnavailable, err)
	}
	c, err := d.listen(addr, multicast.Options{Interface: d.options.Interface, Loopback: d.options.Loopback})
	if err != nil {
		return fmt.Errorf("%w: failed to open RTP socket: %v", stream.ErrTransportUnavailable, err)
	}
	d.conn = c
	return nil
}

// LocalAddr is the bound address once open.
func (d *Depayloader) LocalAddr() net.Addr {
	d.Lock()
	defer d.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Start begins receiving on the socket bound by Open.
func (d *Depayloader) Start() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	d.Lock()
	defer d.Unlock()

	if d.conn == nil {
		return ErrNotOpen
	}
	if d.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	wg, ctx := errgroup.WithContext(ctx)
	d.cancel, d.wg = cancel, wg

	c := d.conn
	wg.Go(func() error {
		return d.run(ctx, c)
	})
	log.WithField("address", c.LocalAddr().String()).Info("RTP depayloader started")
	return nil
}

// Stop ends the receive loop and closes the socket.
func (d *Depayloader) Stop() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	d.Lock()
	cancel, wg, c := d.cancel, d.wg, d.conn
	d.cancel, d.wg, d.conn = nil, nil, nil
	d.Unlock()

	if c == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	err := c.Close()
	if wg != nil {
		if werr := wg.Wait(); werr != nil {
			return werr
		}
	}
	return err
}

// Subscribe registers cb for every rebuilt frame. Callbacks run on the receive
// goroutine.
func (d *Depayloader) Subscribe(cb func(Frame)) func() {
	d.Lock()
	defer d.Unlock()
	id := uuid.NewString()
	d.subscribers[id] = cb
	return func() {
		d.Lock()
		defer d.Unlock()
		delete(d.subscribers, id)
	}
}

// Receive waits for the next rebuilt frame.
func (d *Depayloader) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-d.frames:
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (d *Depayloader) run(ctx context.Context, c net.PacketConn) error {
	buf := make([]byte, 65535)
	for {
		n, _, err := c.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			readErrors.Inc()
			log.WithError(err).Warn("failed to read RTP packet")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readBackoff):
			}
			continue
		}

		// Unmarshal keeps references into its input.
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(append([]byte(nil), buf[:n]...)); err != nil {
			log.WithError(err).Debug("dropped malformed RTP packet")
			continue
		}
		packetsReceived.Inc()

		frame, err := d.Push(pkt)
		if err != nil {
			log.WithError(err).Debug("dropped frame")
		}
		if frame != nil {
			d.deliver(*frame)
		}
	}
}

func (d *Depayloader) deliver(f Frame) {
	d.Lock()
	subs := make([]func(Frame), 0, len(d.subscribers))
	for _, cb := range d.subscribers {
		subs = append(subs, cb)
	}
	d.Unlock()

	for _, cb := range subs {
		cb(f)
	}
	select {
	case d.frames <- f:
	default:
		framesDropped.WithLabelValues("overflow").Inc()
	}
}
