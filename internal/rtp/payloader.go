package rtp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/mediax-stream/internal/colourspace"
	"github.com/bilbercode/mediax-stream/internal/multicast"
	"github.com/bilbercode/mediax-stream/internal/stream"
)

type sendJob struct {
	packets []*rtp.Packet
	done    chan error
}

// Payloader splits frames into RTP packets and sends them to the stream
// destination. A single instance must not be used from multiple goroutines.
type Payloader struct {
	sync.Mutex

	options   Options
	info      stream.Description
	hasInfo   bool
	sequencer rtp.Sequencer
	ssrc      uint32
	baseTS    uint32
	frames    uint64
	h264      *codecs.H264Payloader

	conn     net.PacketConn
	rtcpConn net.PacketConn
	dst      *net.UDPAddr
	rtcpDst  *net.UDPAddr
	queue    chan sendJob
	exited   chan struct{}
	cancel   context.CancelFunc
	wg       *errgroup.Group

	lastTS      atomic.Uint32
	packetCount atomic.Uint32
	octetCount  atomic.Uint32

	dial func(addr *net.UDPAddr, opts multicast.Options) (net.PacketConn, error)
}

func NewPayloader(options Options) *Payloader {
	options = options.withDefaults()
	ssrc := options.SSRC
	if ssrc == 0 {
		ssrc = randomUint32()
	}
	return &Payloader{
		options:   options,
		sequencer: rtp.NewRandomSequencer(),
		ssrc:      ssrc,
		baseTS:    randomUint32(),
		h264:      &codecs.H264Payloader{},
		dial:      multicast.Sender,
	}
}

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

// SetStreamInfo describes the frames that will be transmitted. It must be called
// before Open.
func (p *Payloader) SetStreamInfo(d stream.Description) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if !colourspace.Compressed(d.Colourspace) {
		pgBytes, _ := colourspace.PixelGroup(d.Colourspace)
		if d.Width > 0x7fff || d.Height > 0x7fff {
			return fmt.Errorf("%w: %dx%d exceeds RFC 4175 line addressing", stream.ErrInvalidDescription, d.Width, d.Height)
		}
		if d.Stride()%pgBytes != 0 {
			return fmt.Errorf("%w: width %d is not a whole number of pixel groups", stream.ErrInvalidDescription, d.Width)
		}
		if p.options.MaxPayload < extSeqSize+lineHeaderSize+pgBytes {
			return fmt.Errorf("%w: max payload %d too small", stream.ErrInvalidDescription, p.options.MaxPayload)
		}
	}

	p.Lock()
	defer p.Unlock()
	if p.cancel != nil {
		return fmt.Errorf("%w: stream info cannot change while open", stream.ErrInvalidDescription)
	}
	p.info = d
	p.hasInfo = true
	return nil
}

// SSRC identifies this payloader's stream.
func (p *Payloader) SSRC() uint32 {
	return p.ssrc
}

// Open connects the sockets and starts the send loop, plus RTCP sender reports on
// port+1 when enabled.
func (p *Payloader) Open() error {
	p.Lock()
	defer p.Unlock()

	if !p.hasInfo {
		return fmt.Errorf("%w: stream info not set", ErrNotOpen)
	}
	if p.cancel != nil {
		return nil
	}

	mopts := multicast.Options{Interface: p.options.Interface, TTL: p.options.TTL, Loopback: p.options.Loopback}
	dst, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(p.info.Destination, strconv.Itoa(p.info.Port)))
	if err != nil {
		return fmt.Errorf("%w: %v", stream.ErrTransportUnavailable, err)
	}
	c, err := p.dial(dst, mopts)
	if err != nil {
		return fmt.Errorf("%w: failed to open RTP socket: %v", stream.ErrTransportUnavailable, err)
	}

	var rc net.PacketConn
	var rtcpDst *net.UDPAddr
	if p.options.RTCPInterval > 0 {
		rtcpDst = &net.UDPAddr{IP: dst.IP, Port: dst.Port + 1}
		if rc, err = p.dial(rtcpDst, mopts); err != nil {
			_ = c.Close()
			return fmt.Errorf("%w: failed to open RTCP socket: %v", stream.ErrTransportUnavailable, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg, ctx := errgroup.WithContext(ctx)
	p.conn, p.rtcpConn, p.dst, p.rtcpDst = c, rc, dst, rtcpDst
	p.queue = make(chan sendJob, p.options.QueueSize)
	p.exited = make(chan struct{})
	p.cancel, p.wg = cancel, wg

	queue, exited := p.queue, p.exited
	wg.Go(func() error {
		defer close(exited)
		return p.sendLoop(ctx, queue)
	})
	if rc != nil {
		wg.Go(func() error {
			return p.rtcpLoop(ctx)
		})
	}

	log.WithFields(log.Fields{
		"destination": dst.String(),
		"ssrc":        p.ssrc,
		"colourspace": p.info.Colourspace.String(),
	}).Info("RTP payloader opened")
	return nil
}

// Transmit packetizes frame and queues it for sending. A blocking call returns
// once every packet has been handed to the socket; send failures are reported
// after the whole frame was attempted. A non-blocking call returns
// ErrBackpressure when the queue is full.
func (p *Payloader) Transmit(frame []byte, blocking bool) error {
	p.Lock()
	queue, exited := p.queue, p.exited
	open := p.cancel != nil
	p.Unlock()

	if !open {
		return ErrNotOpen
	}
	if !blocking && len(queue) == cap(queue) {
		backpressure.Inc()
		return ErrBackpressure
	}

	packets, err := p.Packetize(frame)
	if err != nil {
		return err
	}

	job := sendJob{packets: packets}
	if !blocking {
		select {
		case queue <- job:
			return nil
		default:
			backpressure.Inc()
			return ErrBackpressure
		}
	}

	job.done = make(chan error, 1)
	select {
	case queue <- job:
	case <-exited:
		return ErrNotOpen
	}
	select {
	case err := <-job.done:
		return err
	case <-exited:
		select {
		case err := <-job.done:
			return err
		default:
			return ErrNotOpen
		}
	}
}

// Close drains queued frames, sends an RTCP BYE and closes the sockets.
func (p *Payloader) Close() error {
	p.Lock()
	cancel, wg := p.cancel, p.wg
	p.cancel, p.wg = nil, nil
	p.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := wg.Wait()

	if p.rtcpConn != nil {
		p.sendRTCP(p.goodbye())
		err = errors.Join(err, p.rtcpConn.Close())
	}
	err = errors.Join(err, p.conn.Close())

	log.WithField("ssrc", p.ssrc).Info("RTP payloader closed")
	return err
}

func (p *Payloader) sendLoop(ctx context.Context, queue <-chan sendJob) error {
	for {
		select {
		case job := <-queue:
			p.send(job)
		case <-ctx.Done():
			for {
				select {
				case job := <-queue:
					p.send(job)
				default:
					return nil
				}
			}
		}
	}
}

func (p *Payloader) send(job sendJob) {
	var failures int
	var lastErr error
	for _, pkt := range job.packets {
		b, err := pkt.Marshal()
		if err == nil {
			_, err = p.conn.WriteTo(b, p.dst)
		}
		if err != nil {
			failures++
			lastErr = err
			sendErrors.Inc()
			continue
		}
		packetsSent.Inc()
		bytesSent.Add(float64(len(pkt.Payload)))
		p.packetCount.Add(1)
		p.octetCount.Add(uint32(len(pkt.Payload)))
	}
	if len(job.packets) > 0 {
		p.lastTS.Store(job.packets[0].Timestamp)
	}
	framesSent.Inc()

	var err error
	if failures > 0 {
		err = fmt.Errorf("%w: %d of %d packets: %v", stream.ErrSendFailure, failures, len(job.packets), lastErr)
		log.WithError(err).Warn("failed to send frame")
	}
	if job.done != nil {
		job.done <- err
	}
}

// Packetize splits one frame into RTP packets, advancing the sequence number per
// packet and the timestamp per frame. Raw frames must be exactly one frame in
// size; compressed frames are one access unit.
func (p *Payloader) Packetize(frame []byte) ([]*rtp.Packet, error) {
	p.Lock()
	defer p.Unlock()

	if !p.hasInfo {
		return nil, fmt.Errorf("%w: stream info not set", ErrNotOpen)
	}

	var payloads [][]byte
	var err error
	switch {
	case !colourspace.Compressed(p.info.Colourspace):
		if size := p.info.FrameSize(); len(frame) != size {
			return nil, fmt.Errorf("%w: frame is %d bytes, expected %d", ErrInvalidFrame, len(frame), size)
		}
		return p.packetizeRaw(frame), nil
	case len(frame) == 0:
		return nil, fmt.Errorf("%w: empty access unit", ErrInvalidFrame)
	case p.info.Colourspace == colourspace.H264:
		payloads = p.h264.Payload(uint16(p.options.MaxPayload), frame)
		if len(payloads) == 0 {
			err = fmt.Errorf("%w: no NAL units in access unit", ErrInvalidFrame)
		}
	default:
		payloads = chunk(frame, p.options.MaxPayload)
	}
	if err != nil {
		return nil, err
	}

	ts := p.nextTimestamp()
	packets := make([]*rtp.Packet, len(payloads))
	for i, payload := range payloads {
		packets[i] = p.packet(ts, payload, i == len(payloads)-1)
	}
	return packets, nil
}

// nextTimestamp derives the frame timestamp from the frame index so that
// non-integer frame intervals do not drift.
func (p *Payloader) nextTimestamp() uint32 {
	ts := p.baseTS + uint32(p.frames*ClockRate/uint64(p.info.Framerate))
	p.frames++
	return ts
}

func (p *Payloader) packet(ts uint32, payload []byte, marker bool) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    colourspace.PayloadType(p.info.Colourspace),
			SequenceNumber: p.sequencer.NextSequenceNumber(),
			Timestamp:      ts,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
}

type segment struct {
	header LineHeader
	start  int
}

// packetizeRaw fills each payload greedily with line segments split on pixel
// group boundaries. Every segment costs one line header.
func (p *Payloader) packetizeRaw(frame []byte) []*rtp.Packet {
	stride := p.info.Stride()
	pgBytes, pgPixels := colourspace.PixelGroup(p.info.Colourspace)
	room := p.options.MaxPayload - extSeqSize

	ts := p.nextTimestamp()
	var packets []*rtp.Packet
	line, offset := 0, 0
	for line < p.info.Height {
		var segments []segment
		avail := room
		size := 0
		for line < p.info.Height && avail >= lineHeaderSize+pgBytes {
			avail -= lineHeaderSize
			n := stride - offset
			if limit := avail / pgBytes * pgBytes; n > limit {
				n = limit
			}
			segments = append(segments, segment{
				header: LineHeader{
					Length:     uint16(n),
					LineNumber: uint16(line),
					Offset:     uint16(offset / pgBytes * pgPixels),
				},
				start: line*stride + offset,
			})
			avail -= n
			size += n
			offset += n
			if offset == stride {
				line++
				offset = 0
			}
		}

		headers := make([]LineHeader, len(segments))
		for i, s := range segments {
			headers[i] = s.header
		}
		pkt := p.packet(ts, nil, line == p.info.Height)
		ext := uint16(p.sequencer.RollOverCount())
		header := MarshalPayloadHeader(ext, headers)
		payload := make([]byte, 0, len(header)+size)
		payload = append(payload, header...)
		for _, s := range segments {
			payload = append(payload, frame[s.start:s.start+int(s.header.Length)]...)
		}
		pkt.Payload = payload
		packets = append(packets, pkt)
	}
	return packets
}

// chunk copies b into size byte pieces, queued frames must not alias the caller.
func chunk(b []byte, size int) [][]byte {
	out := make([][]byte, 0, (len(b)+size-1)/size)
	for len(b) > size {
		out = append(out, append([]byte(nil), b[:size]...))
		b = b[size:]
	}
	return append(out, append([]byte(nil), b...))
}
