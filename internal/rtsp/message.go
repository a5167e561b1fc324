package rtsp

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/bilbercode/mediax-stream/internal/rtsp/transport"
)

const protocolVersion = "1.0"

type Request struct {
	Version  string
	URL      string
	Sequence string
	Method   Method
	Header   http.Header
	Body     []byte
}

type Response struct {
	Version  string
	Code     int
	Message  string
	Sequence string
	Header   http.Header
	Body     []byte
}

func (r *Request) Write(w io.Writer) error {
	line := fmt.Sprintf("%s %s RTSP/%s", r.Method, r.URL, versionOrDefault(r.Version))
	if r.Header == nil {
		r.Header = http.Header{}
	}
	return writeMessage(w, line, r.Sequence, r.Header, r.Body)
}

func (r *Response) Write(w io.Writer) error {
	message := r.Message
	if message == "" {
		message = statusText(r.Code)
	}
	line := fmt.Sprintf("RTSP/%s %d %s", versionOrDefault(r.Version), r.Code, message)
	if r.Header == nil {
		r.Header = http.Header{}
	}
	return writeMessage(w, line, r.Sequence, r.Header, r.Body)
}

func writeMessage(w io.Writer, first, seq string, header http.Header, body []byte) error {
	bw := bufio.NewWriter(w)
	writer := textproto.NewWriter(bw)

	if err := writer.PrintfLine("%s", first); err != nil {
		return fmt.Errorf("failed to write start line: %w", err)
	}

	header.Set("CSeq", seq)
	header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if len(body) > 0 {
		header.Set("Content-Length", strconv.Itoa(len(body)))
	} else {
		header.Del("Content-Length")
	}

	if err := header.Write(bw); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	if err := writer.PrintfLine(""); err != nil {
		return err
	}
	if _, err := bw.Write(body); err != nil {
		return fmt.Errorf("failed to write body: %w", err)
	}
	return bw.Flush()
}

func versionOrDefault(v string) string {
	if v == "" {
		return protocolVersion
	}
	return v
}

const (
	StatusOK                  = 200
	StatusBadRequest          = 400
	StatusNotFound            = 404
	StatusMethodNotAllowed    = 405
	StatusSessionNotFound     = 454
	StatusInternalServerError = 500
)

func statusText(code int) string {
	switch code {
	case StatusSessionNotFound:
		return "Session Not Found"
	case transport.StatusUnsupportedTransport:
		return "Unsupported Transport"
	}
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Unknown"
}
