package rtp

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilbercode/mediax-stream/internal/colourspace"
	"github.com/bilbercode/mediax-stream/internal/multicast"
	"github.com/bilbercode/mediax-stream/internal/stream"
)

type write struct {
	addr string
	b    []byte
}

type fakePacketConn struct {
	sync.Mutex
	writes  []write
	fail    bool
	block   chan struct{}
	entered chan struct{}
	closed  bool
}

func (c *fakePacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	if c.entered != nil {
		select {
		case c.entered <- struct{}{}:
		default:
		}
	}
	if c.block != nil {
		<-c.block
	}
	c.Lock()
	defer c.Unlock()
	c.writes = append(c.writes, write{addr: addr.String(), b: append([]byte(nil), b...)})
	if c.fail {
		return 0, errors.New("network unreachable")
	}
	return len(b), nil
}

func (c *fakePacketConn) ReadFrom([]byte) (int, net.Addr, error) { return 0, nil, net.ErrClosed }
func (c *fakePacketConn) LocalAddr() net.Addr                     { return &net.UDPAddr{IP: net.IPv4zero} }
func (c *fakePacketConn) SetDeadline(time.Time) error             { return nil }
func (c *fakePacketConn) SetReadDeadline(time.Time) error         { return nil }
func (c *fakePacketConn) SetWriteDeadline(time.Time) error        { return nil }

func (c *fakePacketConn) Close() error {
	c.Lock()
	defer c.Unlock()
	c.closed = true
	return nil
}

func (c *fakePacketConn) written() []write {
	c.Lock()
	defer c.Unlock()
	return append([]write(nil), c.writes...)
}

func info(cs colourspace.Type, width, height int) stream.Description {
	return stream.Description{
		SessionName: "test",
		Destination: "239.192.1.1",
		Port:        5004,
		Width:       width,
		Height:      height,
		Framerate:   25,
		Colourspace: cs,
	}
}

func newTestPayloader(t *testing.T, d stream.Description, opts Options) *Payloader {
	p := NewPayloader(opts)
	require.NoError(t, p.SetStreamInfo(d))
	return p
}

func randomFrame(seed int64, size int) []byte {
	b := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func headers(t *testing.T, pkt *rtp.Packet) []LineHeader {
	_, lines, _, err := ParsePayloadHeader(pkt.Payload)
	require.NoError(t, err)
	return lines
}

func TestPayloader_Packetize_SmallFrame(t *testing.T) {
	p := newTestPayloader(t, info(colourspace.RGB24, 4, 2), DefaultOptions())

	packets, err := p.Packetize(randomFrame(1, 4*2*3))
	require.NoError(t, err)
	require.Len(t, packets, 1)

	pkt := packets[0]
	assert.True(t, pkt.Marker)
	assert.Equal(t, uint8(2), pkt.Version)
	assert.Equal(t, uint8(96), pkt.PayloadType)
	assert.Equal(t, p.SSRC(), pkt.SSRC)

	lines := headers(t, pkt)
	require.Len(t, lines, 2)
	assert.Equal(t, LineHeader{Length: 12, LineNumber: 0, Continuation: true}, lines[0])
	assert.Equal(t, LineHeader{Length: 12, LineNumber: 1}, lines[1])
	assert.Len(t, pkt.Payload, 2+12+24)
}

func TestPayloader_Packetize_LineSplit(t *testing.T) {
	p := newTestPayloader(t, info(colourspace.Mono8, 2864, 2), DefaultOptions())

	packets, err := p.Packetize(randomFrame(2, 2864*2))
	require.NoError(t, err)
	require.Len(t, packets, 4)

	for i, pkt := range packets {
		assert.LessOrEqual(t, len(pkt.Payload), DefaultMaxPayload)
		assert.Equal(t, i == 3, pkt.Marker)
		assert.Equal(t, packets[0].Timestamp, pkt.Timestamp)

		lines := headers(t, pkt)
		require.Len(t, lines, 1)
		assert.Equal(t, uint16(i/2), lines[0].LineNumber)
		assert.Equal(t, uint16(1432), lines[0].Length)
		assert.Equal(t, uint16(i%2*1432), lines[0].Offset)
	}
}

func TestPayloader_Packetize_PixelGroups(t *testing.T) {
	p := newTestPayloader(t, info(colourspace.YUV422, 1000, 3), DefaultOptions())

	packets, err := p.Packetize(randomFrame(3, 1000*3*2))
	require.NoError(t, err)

	covered := 0
	for _, pkt := range packets {
		for _, l := range headers(t, pkt) {
			assert.Zero(t, l.Length%4, "segment must hold whole pixel groups")
			assert.Zero(t, l.Offset%2)
			covered += int(l.Length)
		}
	}
	assert.Equal(t, 1000*3*2, covered)

	first := headers(t, packets[0])
	require.Len(t, first, 1)
	assert.Equal(t, uint16(1432), first[0].Length)
	next := headers(t, packets[1])
	assert.Equal(t, uint16(716), next[0].Offset)
}

func TestPayloader_SequenceAndTimestamp(t *testing.T) {
	p := newTestPayloader(t, info(colourspace.Mono8, 2864, 2), DefaultOptions())

	var all []*rtp.Packet
	var stamps []uint32
	for i := 0; i < 3; i++ {
		packets, err := p.Packetize(randomFrame(int64(i), 2864*2))
		require.NoError(t, err)
		all = append(all, packets...)
		stamps = append(stamps, packets[0].Timestamp)
	}

	for i := 1; i < len(all); i++ {
		assert.Equal(t, all[i-1].SequenceNumber+1, all[i].SequenceNumber)
	}
	assert.Equal(t, uint32(3600), stamps[1]-stamps[0])
	assert.Equal(t, uint32(3600), stamps[2]-stamps[1])
}

func TestPayloader_SequenceWrap(t *testing.T) {
	p := newTestPayloader(t, info(colourspace.Mono8, 2864, 2), DefaultOptions())
	p.sequencer = rtp.NewFixedSequencer(65534)

	packets, err := p.Packetize(randomFrame(4, 2864*2))
	require.NoError(t, err)
	require.Len(t, packets, 4)

	wrapped := false
	for i, pkt := range packets {
		if i > 0 {
			assert.Equal(t, packets[i-1].SequenceNumber+1, pkt.SequenceNumber)
		}
		if pkt.SequenceNumber < 10 {
			wrapped = true
		}
		ext, _, _, err := ParsePayloadHeader(pkt.Payload)
		require.NoError(t, err)
		if pkt.SequenceNumber >= 65534 {
			assert.Equal(t, uint16(0), ext)
		} else {
			assert.Equal(t, uint16(1), ext)
		}
	}
	assert.True(t, wrapped)
}

func TestPayloader_Packetize_Errors(t *testing.T) {
	p := NewPayloader(DefaultOptions())
	_, err := p.Packetize([]byte{1})
	assert.True(t, errors.Is(err, ErrNotOpen))

	require.NoError(t, p.SetStreamInfo(info(colourspace.RGB24, 4, 2)))
	_, err = p.Packetize(make([]byte, 10))
	assert.True(t, errors.Is(err, ErrInvalidFrame))

	c := newTestPayloader(t, info(colourspace.AV1, 4, 2), DefaultOptions())
	_, err = c.Packetize(nil)
	assert.True(t, errors.Is(err, ErrInvalidFrame))

	err = p.SetStreamInfo(info(colourspace.RGB24, 40000, 2))
	assert.True(t, errors.Is(err, stream.ErrInvalidDescription))

	err = p.SetStreamInfo(info(colourspace.YUV422, 3, 2))
	assert.True(t, errors.Is(err, stream.ErrInvalidDescription))
}

func TestPayloader_H264(t *testing.T) {
	d := info(colourspace.H264, 640, 480)
	p := newTestPayloader(t, d, DefaultOptions())

	nal := append([]byte{0x65}, bytes.Repeat([]byte{0x11}, 4000)...)
	frame := append([]byte{0, 0, 0, 1}, nal...)

	packets, err := p.Packetize(frame)
	require.NoError(t, err)
	require.Greater(t, len(packets), 1)
	for i, pkt := range packets {
		assert.LessOrEqual(t, len(pkt.Payload), DefaultMaxPayload)
		assert.Equal(t, i == len(packets)-1, pkt.Marker)
	}

	dp := NewDepayloader(DefaultOptions())
	require.NoError(t, dp.SetStreamInfo(d))
	var got *Frame
	for _, pkt := range packets {
		f, err := dp.Push(pkt)
		require.NoError(t, err)
		if f != nil {
			got = f
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, frame, got.Data)
}

func TestPayloader_OpaqueChunks(t *testing.T) {
	d := info(colourspace.JPEG2000, 640, 480)
	p := newTestPayloader(t, d, Options{MaxPayload: 500})

	frame := randomFrame(5, 1234)
	packets, err := p.Packetize(frame)
	require.NoError(t, err)
	require.Len(t, packets, 3)
	assert.Len(t, packets[2].Payload, 234)

	dp := NewDepayloader(DefaultOptions())
	require.NoError(t, dp.SetStreamInfo(d))
	var got *Frame
	for _, pkt := range packets {
		f, err := dp.Push(pkt)
		require.NoError(t, err)
		if f != nil {
			got = f
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, frame, got.Data)
}

func TestPayloader_TransmitNotOpen(t *testing.T) {
	p := newTestPayloader(t, info(colourspace.Mono8, 8, 8), DefaultOptions())
	assert.True(t, errors.Is(p.Transmit(make([]byte, 64), true), ErrNotOpen))
	assert.NoError(t, p.Close())
}

func TestPayloader_Backpressure(t *testing.T) {
	conn := &fakePacketConn{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	p := newTestPayloader(t, info(colourspace.Mono8, 8, 8), Options{QueueSize: 1})
	p.dial = func(*net.UDPAddr, multicast.Options) (net.PacketConn, error) { return conn, nil }
	require.NoError(t, p.Open())

	frame := make([]byte, 64)
	require.NoError(t, p.Transmit(frame, false))
	<-conn.entered

	require.NoError(t, p.Transmit(frame, false))
	assert.True(t, errors.Is(p.Transmit(frame, false), ErrBackpressure))

	close(conn.block)
	require.NoError(t, p.Close())
	assert.Len(t, conn.written(), 2)
}

func TestPayloader_SendFailure(t *testing.T) {
	conn := &fakePacketConn{fail: true}
	p := newTestPayloader(t, info(colourspace.Mono8, 2864, 2), DefaultOptions())
	p.dial = func(*net.UDPAddr, multicast.Options) (net.PacketConn, error) { return conn, nil }
	require.NoError(t, p.Open())

	err := p.Transmit(make([]byte, 2864*2), true)
	assert.True(t, errors.Is(err, stream.ErrSendFailure))

	// every packet of the frame was attempted
	var rtpWrites int
	for _, w := range conn.written() {
		if w.addr == "239.192.1.1:5004" {
			rtpWrites++
		}
	}
	assert.Equal(t, 4, rtpWrites)
	require.NoError(t, p.Close())
}

func TestPayloader_RTCP(t *testing.T) {
	rtpConn := &fakePacketConn{}
	rtcpConn := &fakePacketConn{}
	p := newTestPayloader(t, info(colourspace.Mono8, 8, 8), Options{RTCPInterval: 10 * time.Millisecond, CNAME: "camera-1"})
	p.dial = func(addr *net.UDPAddr, _ multicast.Options) (net.PacketConn, error) {
		if addr.Port == 5005 {
			return rtcpConn, nil
		}
		return rtpConn, nil
	}
	require.NoError(t, p.Open())
	require.NoError(t, p.Transmit(make([]byte, 64), true))

	var report []rtcp.Packet
	require.Eventually(t, func() bool {
		for _, w := range rtcpConn.written() {
			packets, err := rtcp.Unmarshal(w.b)
			if err != nil || len(packets) != 2 {
				continue
			}
			if sr, ok := packets[0].(*rtcp.SenderReport); ok && sr.PacketCount == 1 {
				report = packets
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Close())

	sr := report[0].(*rtcp.SenderReport)
	assert.Equal(t, p.SSRC(), sr.SSRC)
	assert.Equal(t, uint32(64), sr.OctetCount)
	sdes, ok := report[1].(*rtcp.SourceDescription)
	require.True(t, ok)
	assert.Equal(t, "camera-1", sdes.Chunks[0].Items[0].Text)

	writes := rtcpConn.written()

	last, err := rtcp.Unmarshal(writes[len(writes)-1].b)
	require.NoError(t, err)
	bye, ok := last[len(last)-1].(*rtcp.Goodbye)
	require.True(t, ok)
	assert.Equal(t, []uint32{p.SSRC()}, bye.Sources)
	assert.True(t, rtcpConn.closed)
	assert.True(t, rtpConn.closed)
}

func TestPayloader_Loopback(t *testing.T) {
	d := info(colourspace.RGB24, 32, 16)

	dp := NewDepayloader(DefaultOptions())
	dp.listen = func(*net.UDPAddr, multicast.Options) (net.PacketConn, error) {
		return net.ListenPacket("udp4", "127.0.0.1:0")
	}
	require.NoError(t, dp.SetStreamInfo(d))
	require.NoError(t, dp.Open())
	require.NoError(t, dp.Start())
	defer dp.Stop()

	frames := make(chan Frame, 4)
	dp.Subscribe(func(f Frame) { frames <- f })

	d.Destination = "127.0.0.1"
	d.Port = dp.LocalAddr().(*net.UDPAddr).Port
	p := newTestPayloader(t, d, Options{RTCPInterval: 0})
	require.NoError(t, p.Open())
	defer p.Close()

	sent := [][]byte{randomFrame(10, 32*16*3), randomFrame(11, 32*16*3)}
	for _, f := range sent {
		require.NoError(t, p.Transmit(f, true))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := range sent {
		got, err := dp.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, sent[i], got.Data)
		assert.Equal(t, colourspace.RGB24, got.Colourspace)
		select {
		case f := <-frames:
			assert.Equal(t, got.Timestamp, f.Timestamp)
		case <-ctx.Done():
			t.Fatal("subscriber not called")
		}
	}
}

func TestPayloader_MaxPayloadClamped(t *testing.T) {
	assert.Equal(t, MaxPayloadLimit, Options{MaxPayload: 1 << 20}.withDefaults().MaxPayload)

	d := info(colourspace.RGB24, 30000, 2)
	p := newTestPayloader(t, d, Options{MaxPayload: 1 << 20})
	frame := randomFrame(7, d.FrameSize())
	pkts, err := p.Packetize(frame)
	require.NoError(t, err)

	for _, pkt := range pkts {
		assert.LessOrEqual(t, len(pkt.Payload), MaxPayloadLimit)
	}

	dp := newTestDepayloader(t, d)
	var got *Frame
	for _, pkt := range pkts {
		f, err := dp.Push(pkt)
		require.NoError(t, err)
		if f != nil {
			got = f
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, frame, got.Data)
}
