package rtsp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrDuplicateCSeq    = errors.New("duplicate CSeq")
)

const readBufferSize = 4096

// Client is one RTSP control connection. Either end may send requests.
type Client interface {
	SendRequest(ctx context.Context, request *Request) (*Response, error)
	SendResponse(response *Response) error
	SubscribeRequests(h func(request *Request, c Client) error) func()

	Conn() net.Conn

	Done() <-chan struct{}
	Err() error
}

type client struct {
	sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	nc      net.Conn
	seq     atomic.Uint64

	requestSubscribers map[string]func(request *Request, c Client) error
	requestQueue       *requestQueue

	err error
}

// NewClient starts reading from nc. cancel is called when the connection
// fails or closes.
func NewClient(ctx context.Context, cancel context.CancelFunc, nc net.Conn) Client {
	c := &client{
		ctx:                ctx,
		cancel:             cancel,
		nc:                 nc,
		requestQueue:       newRequestQueue(),
		requestSubscribers: make(map[string]func(request *Request, c Client) error),
	}
	go c.readLoop()
	return c
}

func (c *client) Conn() net.Conn {
	return c.nc
}

func (c *client) SendRequest(ctx context.Context, request *Request) (*Response, error) {
	if request.Sequence == "" {
		request.Sequence = strconv.FormatUint(c.seq.Add(1), 10)
	}
	responses := make(chan *Response, 1)
	err := c.requestQueue.Enqueue(request.Sequence, func(r *Response) {
		responses <- r
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue request: %w", err)
	}

	c.writeMu.Lock()
	err = request.Write(c.nc)
	c.writeMu.Unlock()
	if err != nil {
		c.requestQueue.Dequeue(request.Sequence)
		return nil, fmt.Errorf("failed to write %s request: %w", request.Method, err)
	}

	select {
	case r := <-responses:
		return r, nil
	case <-ctx.Done():
		c.requestQueue.Dequeue(request.Sequence)
		return nil, ctx.Err()
	case <-c.Done():
		select {
		case r := <-responses:
			return r, nil
		default:
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, c.Err())
	}
}

func (c *client) SendResponse(response *Response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return response.Write(c.nc)
}

func (c *client) SubscribeRequests(h func(request *Request, c Client) error) func() {
	c.Lock()
	defer c.Unlock()
	id := uuid.NewString()
	c.requestSubscribers[id] = h
	return func() {
		c.Lock()
		defer c.Unlock()
		delete(c.requestSubscribers, id)
	}
}

func (c *client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *client) Err() error {
	c.RLock()
	defer c.RUnlock()
	return c.err
}

func (c *client) fail(err error) {
	c.Lock()
	if c.err == nil {
		c.err = err
	}
	c.Unlock()
	c.cancel()
}

func (c *client) readLoop() {
	br := bufio.NewReaderSize(c.nc, readBufferSize)
	reader := textproto.NewReader(br)
	for {
		if c.ctx.Err() != nil {
			return
		}
		_ = c.nc.SetReadDeadline(time.Now().Add(time.Second))
		first, err := br.Peek(1)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) {
				c.fail(ErrConnectionClosed)
			} else {
				c.fail(err)
			}
			return
		}
		_ = c.nc.SetReadDeadline(time.Time{})

		// interleaved data is never negotiated, skip it
		if first[0] == '$' {
			if err := discardInterleaved(br); err != nil {
				c.fail(err)
				return
			}
			continue
		}

		startLine, err := reader.ReadLine()
		if err != nil {
			c.fail(fmt.Errorf("failed to read RTSP start line: %w", err))
			return
		}
		if startLine == "" {
			continue
		}
		mime, err := reader.ReadMIMEHeader()
		if err != nil {
			c.fail(fmt.Errorf("failed to read RTSP headers: %w", err))
			return
		}
		headers := http.Header(mime)

		var body []byte
		if length := headers.Get("Content-Length"); length != "" {
			n, err := strconv.Atoi(length)
			if err != nil || n < 0 {
				c.fail(fmt.Errorf("failed to parse content-length %q", length))
				return
			}
			body = make([]byte, n)
			if _, err := io.ReadFull(br, body); err != nil {
				c.fail(fmt.Errorf("failed to read body of RTSP message: %w", err))
				return
			}
		}
		seq := headers.Get("CSeq")

		if strings.HasPrefix(startLine, "RTSP/") {
			response, err := parseStatusLine(startLine)
			if err != nil {
				c.fail(err)
				return
			}
			response.Sequence = seq
			response.Header = headers
			response.Body = body
			h, ok := c.requestQueue.Dequeue(seq)
			if !ok {
				log.WithField("cseq", seq).Warn("dropping RTSP response without a matching request")
				continue
			}
			h(response)
			continue
		}

		request, err := parseRequestLine(startLine)
		if err != nil {
			c.fail(err)
			return
		}
		request.Sequence = seq
		request.Header = headers
		request.Body = body

		c.RLock()
		handlers := make([]func(*Request, Client) error, 0, len(c.requestSubscribers))
		for _, h := range c.requestSubscribers {
			handlers = append(handlers, h)
		}
		c.RUnlock()
		for _, h := range handlers {
			if err := h(request, c); err != nil {
				c.fail(fmt.Errorf("handler function failed with: %w", err))
				return
			}
		}
	}
}

func discardInterleaved(br *bufio.Reader) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(br, header); err != nil {
		return fmt.Errorf("failed to read interleaved frame header: %w", err)
	}
	length := int64(binary.BigEndian.Uint16(header[2:]))
	if _, err := io.CopyN(io.Discard, br, length); err != nil {
		return fmt.Errorf("failed to read interleaved frame payload: %w", err)
	}
	return nil
}

func parseStatusLine(line string) (*Response, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed status line %q", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to parse response code: %w", err)
	}
	r := &Response{Version: strings.TrimPrefix(parts[0], "RTSP/"), Code: code}
	if len(parts) == 3 {
		r.Message = parts[2]
	}
	return r, nil
}

func parseRequestLine(line string) (*Request, error) {
	parts := strings.Fields(line)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "RTSP/") {
		return nil, fmt.Errorf("malformed request line %q", line)
	}
	return &Request{
		Method:  Method(parts[0]),
		URL:     parts[1],
		Version: strings.TrimPrefix(parts[2], "RTSP/"),
	}, nil
}

type requestQueue struct {
	mu    sync.Mutex
	items map[string]func(response *Response)
}

func newRequestQueue() *requestQueue {
	return &requestQueue{items: make(map[string]func(response *Response))}
}

func (r *requestQueue) Enqueue(key string, h func(response *Response)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[key]; ok {
		return fmt.Errorf("%w %s", ErrDuplicateCSeq, key)
	}
	r.items[key] = h
	return nil
}

func (r *requestQueue) Dequeue(key string) (func(response *Response), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.items[key]
	delete(r.items, key)
	return h, ok
}
