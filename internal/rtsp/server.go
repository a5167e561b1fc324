package rtsp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bilbercode/mediax-stream/internal/rtsp/transport"
	"github.com/bilbercode/mediax-stream/internal/sdpcodec"
	"github.com/bilbercode/mediax-stream/internal/stream"
)

const (
	DefaultAddr     = ":8554"
	DefaultBasePath = "/stream"

	sessionTimeout = 60
	trackControl   = "trackID=0"
	multicastTTL   = 15
)

// Catalog resolves a session name to its announced description. Both the SAP
// listener and the announcer satisfy it.
type Catalog interface {
	GetStreamInformation(name string) (stream.Description, bool)
}

type CatalogFunc func(name string) (stream.Description, bool)

func (f CatalogFunc) GetStreamInformation(name string) (stream.Description, bool) {
	return f(name)
}

type session struct {
	name      string
	owner     Client
	transport transport.Option
	playing   bool
}

// Server answers RTSP requests for announced sessions. Media is never relayed,
// SETUP points clients at the announced destination.
type Server struct {
	sync.Mutex
	basepath string
	catalog  Catalog
	sessions map[string]*session
	addr     net.Addr
}

func NewServer(basepath string, catalog Catalog) *Server {
	return &Server{
		basepath: "/" + strings.Trim(basepath, "/"),
		catalog:  catalog,
		sessions: make(map[string]*session),
	}
}

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	conf := net.ListenConfig{}
	listener, err := conf.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: failed to listen on address %s: %v", stream.ErrTransportUnavailable, addr, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.Lock()
	s.addr = listener.Addr()
	s.Unlock()
	log.WithField("addr", listener.Addr().String()).Info("RTSP server listening")

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})
	group.Go(func() error {
		for {
			nc, err := listener.Accept()
			switch {
			case ctx.Err() != nil, errors.Is(err, net.ErrClosed):
				if nc != nil {
					_ = nc.Close()
				}
				return nil
			case err != nil:
				return fmt.Errorf("failed to accept connection: %w", err)
			}
			group.Go(func() error {
				s.handle(ctx, nc)
				return nil
			})
		}
	})
	err := group.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Addr is the bound listener address once serving.
func (s *Server) Addr() net.Addr {
	s.Lock()
	defer s.Unlock()
	return s.addr
}

// URL is the address clients use for name on host.
func (s *Server) URL(host, name string) string {
	return "rtsp://" + host + s.path(name)
}

func (s *Server) path(name string) string {
	return strings.TrimSuffix(s.basepath, "/") + "/" + url.PathEscape(name)
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := log.WithField("remote", nc.RemoteAddr().String())
	logger.Debug("RTSP connection opened")

	cli := NewClient(ctx, cancel, nc)
	unsubscribe := cli.SubscribeRequests(func(request *Request, cli Client) error {
		response := s.respond(request, cli)
		requests.WithLabelValues(request.Method.String(), strconv.Itoa(response.Code)).Inc()
		logger.WithFields(log.Fields{
			"method": request.Method,
			"url":    request.URL,
			"code":   response.Code,
		}).Debug("RTSP request")
		return cli.SendResponse(response)
	})
	defer unsubscribe()

	<-cli.Done()
	_ = nc.Close()
	s.dropSessions(cli)
	if err := cli.Err(); err != nil && !errors.Is(err, ErrConnectionClosed) {
		logger.WithError(err).Debug("RTSP connection closed")
	}
}

func (s *Server) respond(request *Request, cli Client) *Response {
	response := &Response{
		Version:  protocolVersion,
		Code:     StatusOK,
		Sequence: request.Sequence,
		Header:   http.Header{},
	}
	switch request.Method {
	case MethodOptions:
		response.Header.Set("Public", publicMethods())
	case MethodDescribe:
		s.handleDescribe(request, response)
	case MethodSetup:
		s.handleSetup(request, response, cli)
	case MethodPlay:
		s.handlePlay(request, response)
	case MethodGetParameter:
		if id := sessionID(request); id != "" && !s.hasSession(id) {
			returnError(response, StatusSessionNotFound)
		}
	case MethodTeardown:
		s.handleTeardown(request, response)
	default:
		returnError(response, StatusMethodNotAllowed)
		response.Header.Set("Allow", publicMethods())
	}
	return response
}

func (s *Server) handleDescribe(request *Request, response *Response) {
	d, ok := s.lookup(request.URL)
	if !ok {
		returnError(response, StatusNotFound)
		return
	}
	sd := sdpcodec.Build(d)
	sd = sd.WithValueAttribute("range", "npt=now-").WithValueAttribute("control", "*")
	sd.MediaDescriptions[0] = sd.MediaDescriptions[0].WithValueAttribute("control", trackControl)
	body, err := sd.Marshal()
	if err != nil {
		log.WithError(err).Error("failed to marshal session description")
		returnError(response, StatusInternalServerError)
		return
	}
	response.Header.Set("Content-Type", "application/sdp")
	response.Header.Set("Content-Base", strings.TrimSuffix(request.URL, "/")+"/")
	response.Body = body
}

func (s *Server) handleSetup(request *Request, response *Response, cli Client) {
	d, ok := s.lookup(request.URL)
	if !ok {
		returnError(response, StatusNotFound)
		return
	}
	offered, err := transport.Parse(request.Header.Values("Transport"))
	if err != nil {
		returnError(response, transport.StatusUnsupportedTransport)
		return
	}
	reply, ok := selectTransport(offered, d)
	if !ok {
		returnError(response, transport.StatusUnsupportedTransport)
		return
	}

	s.Lock()
	id := sessionID(request)
	sess, known := s.sessions[id]
	if id != "" && !known {
		s.Unlock()
		returnError(response, StatusSessionNotFound)
		return
	}
	if !known {
		id = newSessionID()
		sess = &session{name: d.SessionName, owner: cli}
		s.sessions[id] = sess
		activeSessions.Inc()
	}
	sess.transport = reply
	s.Unlock()

	response.Header.Set("Transport", reply.String())
	response.Header.Set("Session", fmt.Sprintf("%s;timeout=%d", id, sessionTimeout))
}

// selectTransport answers with the announced destination. Multicast groups are
// offered to any UDP client, unicast streams only to unicast UDP clients.
func selectTransport(offered transport.Header, d stream.Description) (transport.Option, bool) {
	rtpPorts := transport.PortRange{d.Port, d.Port + 1}
	if d.Multicast() {
		_, ok := offered.Select(func(s transport.Option) bool {
			return s.Protocol == transport.ProtocolUDP
		})
		return transport.Option{
			Protocol:    transport.ProtocolUDP,
			Destination: d.Destination,
			Port:        rtpPorts,
			TTL:         multicastTTL,
		}, ok
	}
	_, ok := offered.Select(func(s transport.Option) bool {
		return s.Protocol == transport.ProtocolUDP && s.Unicast
	})
	return transport.Option{
		Protocol:    transport.ProtocolUDP,
		Unicast:     true,
		Destination: d.Destination,
		ClientPort:  rtpPorts,
		Source:      d.Source,
	}, ok
}

func (s *Server) handlePlay(request *Request, response *Response) {
	id := sessionID(request)
	s.Lock()
	sess, ok := s.sessions[id]
	if ok {
		sess.playing = true
	}
	s.Unlock()
	if !ok {
		returnError(response, StatusSessionNotFound)
		return
	}
	response.Header.Set("Session", id)
	response.Header.Set("Range", "npt=now-")
}

func (s *Server) handleTeardown(request *Request, response *Response) {
	id := sessionID(request)
	s.Lock()
	_, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		activeSessions.Dec()
	}
	s.Unlock()
	if !ok {
		returnError(response, StatusSessionNotFound)
		return
	}
	response.Header.Set("Session", id)
}

func (s *Server) hasSession(id string) bool {
	s.Lock()
	defer s.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// SessionCount is the number of sessions set up and not yet torn down.
func (s *Server) SessionCount() int {
	s.Lock()
	defer s.Unlock()
	return len(s.sessions)
}

func (s *Server) dropSessions(owner Client) {
	s.Lock()
	defer s.Unlock()
	for id, sess := range s.sessions {
		if sess.owner == owner {
			delete(s.sessions, id)
			activeSessions.Dec()
		}
	}
}

// lookup maps a request URL such as rtsp://host/stream/name/trackID=0 to the
// catalog entry for name.
func (s *Server) lookup(raw string) (stream.Description, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return stream.Description{}, false
	}
	p := u.EscapedPath()
	if s.basepath != "/" {
		if !strings.HasPrefix(p, s.basepath+"/") {
			return stream.Description{}, false
		}
		p = strings.TrimPrefix(p, s.basepath)
	}
	p = strings.Trim(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 && strings.HasPrefix(p[i+1:], "trackID=") {
		p = p[:i]
	}
	name, err := url.PathUnescape(p)
	if err != nil || name == "" {
		return stream.Description{}, false
	}
	return s.catalog.GetStreamInformation(name)
}

func sessionID(request *Request) string {
	id, _, _ := strings.Cut(request.Header.Get("Session"), ";")
	return strings.TrimSpace(id)
}

func newSessionID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

func returnError(response *Response, code int) {
	response.Code = code
	response.Message = statusText(code)
}
