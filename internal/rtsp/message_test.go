package rtsp

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponse_Write(t *testing.T) {
	var buf bytes.Buffer
	r := &Response{Code: StatusSessionNotFound, Sequence: "4", Body: []byte("v=0\r\n")}
	require.NoError(t, r.Write(&buf))

	head, body, ok := strings.Cut(buf.String(), "\r\n\r\n")
	require.True(t, ok)
	lines := strings.Split(head, "\r\n")
	assert.Equal(t, "RTSP/1.0 454 Session Not Found", lines[0])
	assert.Contains(t, lines, "Cseq: 4")
	assert.Contains(t, lines, "Content-Length: 5")
	assert.Equal(t, "v=0\r\n", body)
}

func TestRequest_Write(t *testing.T) {
	var buf bytes.Buffer
	r := &Request{
		URL:      "rtsp://host/stream/one",
		Method:   MethodSetup,
		Sequence: "2",
		Header:   http.Header{"Transport": []string{"RTP/AVP;multicast"}},
	}
	require.NoError(t, r.Write(&buf))

	assert.True(t, strings.HasPrefix(buf.String(), "SETUP rtsp://host/stream/one RTSP/1.0\r\n"))
	assert.Contains(t, buf.String(), "Transport: RTP/AVP;multicast\r\n")
	assert.NotContains(t, buf.String(), "Content-Length")
	assert.True(t, strings.HasSuffix(buf.String(), "\r\n\r\n"))
}

func TestParseStartLines(t *testing.T) {
	r, err := parseStatusLine("RTSP/1.0 461 Unsupported Transport")
	require.NoError(t, err)
	assert.Equal(t, "1.0", r.Version)
	assert.Equal(t, 461, r.Code)
	assert.Equal(t, "Unsupported Transport", r.Message)

	_, err = parseStatusLine("RTSP/1.0")
	assert.Error(t, err)
	_, err = parseStatusLine("RTSP/1.0 abc OK")
	assert.Error(t, err)

	req, err := parseRequestLine("DESCRIBE rtsp://host/stream/one RTSP/1.0")
	require.NoError(t, err)
	assert.Equal(t, MethodDescribe, req.Method)
	assert.Equal(t, "rtsp://host/stream/one", req.URL)

	_, err = parseRequestLine("GET / HTTP/1.1")
	assert.Error(t, err)
}
