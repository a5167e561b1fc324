package rtsp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/bilbercode/mediax-stream/internal/sdpcodec"
	"github.com/bilbercode/mediax-stream/internal/stream"
)

const defaultPort = "554"

var ErrRequestFailed = errors.New("request failed")

// Describe fetches the session description behind an rtsp:// URL.
func Describe(ctx context.Context, rawURL string) (stream.Description, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return stream.Description{}, fmt.Errorf("invalid RTSP url %q: %w", rawURL, err)
	}
	if u.Scheme != "rtsp" {
		return stream.Description{}, fmt.Errorf("invalid RTSP url %q: unsupported scheme %q", rawURL, u.Scheme)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), defaultPort)
	}

	var dialer net.Dialer
	nc, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return stream.Description{}, fmt.Errorf("%w: failed to connect to %s: %v", stream.ErrTransportUnavailable, host, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer nc.Close()

	cli := NewClient(ctx, cancel, nc)
	response, err := cli.SendRequest(ctx, &Request{
		Version: protocolVersion,
		URL:     rawURL,
		Method:  MethodDescribe,
		Header:  http.Header{"Accept": []string{"application/sdp"}},
	})
	if err != nil {
		return stream.Description{}, fmt.Errorf("DESCRIBE %s: %w", rawURL, err)
	}
	if response.Code != StatusOK {
		return stream.Description{}, fmt.Errorf("%w: DESCRIBE %s returned %d %s", ErrRequestFailed, rawURL, response.Code, response.Message)
	}
	return sdpcodec.Unmarshal(response.Body)
}
