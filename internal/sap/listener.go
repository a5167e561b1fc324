package sap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/mediax-stream/internal/sdpcodec"
	"github.com/bilbercode/mediax-stream/internal/stream"
)

const (
	readTimeout   = 250 * time.Millisecond
	readBackoff   = 100 * time.Millisecond
	maxPacketSize = 65535
)

type EventType int

const (
	Added EventType = iota + 1
	Updated
	Deleted
)

func (e EventType) String() string {
	switch e {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

type Event struct {
	Type        EventType
	Description stream.Description
}

// Callback receives session events on the listener goroutine and must not block.
type Callback func(Event)

type subscription struct {
	filter   string
	callback Callback
}

type session struct {
	description stream.Description
	seen        time.Time
}

// Listener discovers sessions announced on a SAP group.
type Listener struct {
	sync.Mutex
	lifecycle sync.Mutex

	config    Config
	sessions  map[stream.Key]*session
	callbacks map[string]subscription

	conn   conn
	cancel context.CancelFunc
	wg     *errgroup.Group

	now  func() time.Time
	dial func(opts socketOptions) (conn, error)
}

func NewListener(config Config) *Listener {
	return &Listener{
		config:    config.withDefaults(),
		sessions:  map[stream.Key]*session{},
		callbacks: map[string]subscription{},
		now:       time.Now,
		dial:      openSocket,
	}
}

// RegisterCallback subscribes cb to events for sessions named filter, or to all
// sessions when filter is empty. The returned func unsubscribes.
func (l *Listener) RegisterCallback(filter string, cb Callback) func() {
	l.Lock()
	defer l.Unlock()
	id := uuid.NewString()
	l.callbacks[id] = subscription{filter: filter, callback: cb}
	return func() {
		l.Lock()
		defer l.Unlock()
		delete(l.callbacks, id)
	}
}

// GetAnnouncements returns a snapshot of the known sessions.
func (l *Listener) GetAnnouncements() map[stream.Key]stream.Description {
	l.Lock()
	defer l.Unlock()
	out := make(map[stream.Key]stream.Description, len(l.sessions))
	for key, s := range l.sessions {
		out[key] = s.description
	}
	return out
}

// GetStreamInformation looks a session up by name. When several origins use the
// same name the lowest key wins.
func (l *Listener) GetStreamInformation(name string) (stream.Description, bool) {
	l.Lock()
	defer l.Unlock()

	var keys []stream.Key
	for key, s := range l.sessions {
		if s.description.SessionName == name {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return stream.Description{}, false
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Origin != keys[j].Origin {
			return keys[i].Origin < keys[j].Origin
		}
		return keys[i].SessionID < keys[j].SessionID
	})
	return l.sessions[keys[0]].description, true
}

// Start joins the group and begins receiving.
func (l *Listener) Start() error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()
	l.Lock()
	defer l.Unlock()

	if l.cancel != nil {
		return nil
	}

	group, err := l.config.groupAddr()
	if err != nil {
		return fmt.Errorf("%w: %v", stream.ErrTransportUnavailable, err)
	}
	c, err := l.dial(socketOptions{
		group:     group,
		bind:      true,
		ttl:       l.config.TTL,
		loopback:  l.config.Loopback,
		ifaceName: l.config.Interface,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to open SAP socket: %v", stream.ErrTransportUnavailable, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg, ctx := errgroup.WithContext(ctx)
	l.conn, l.cancel, l.wg = c, cancel, wg

	wg.Go(func() error {
		return l.run(ctx, c)
	})

	log.WithField("group", group.String()).Info("SAP listener started")
	return nil
}

// Stop halts the receive loop. Known sessions are kept.
func (l *Listener) Stop() error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()
	l.Lock()
	cancel, wg, c := l.cancel, l.wg, l.conn
	l.cancel, l.wg, l.conn = nil, nil, nil
	l.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	cerr := c.Close()
	if err := wg.Wait(); err != nil {
		return err
	}
	log.Info("SAP listener stopped")
	return cerr
}

// LocalAddr is the bound address while running, nil otherwise.
func (l *Listener) LocalAddr() net.Addr {
	l.Lock()
	defer l.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

func (l *Listener) run(ctx context.Context, c conn) error {
	buf := make([]byte, maxPacketSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = c.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := c.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				l.dispatch(l.sweep())
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			readErrors.Inc()
			log.WithError(err).Warn("failed to read SAP packet")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readBackoff):
			}
			continue
		}
		if err := l.HandlePacket(buf[:n]); err != nil {
			log.WithError(err).Debug("dropped SAP packet")
		}
	}
}

// HandlePacket applies one SAP datagram to the session table and notifies
// subscribers. Malformed packets wrap stream.ErrCorruptPacket.
func (l *Listener) HandlePacket(b []byte) error {
	var p Packet
	if err := p.Unmarshal(b); err != nil {
		corruptPackets.Inc()
		return err
	}
	if p.PayloadType != "" && p.PayloadType != PayloadTypeSDP {
		corruptPackets.Inc()
		return fmt.Errorf("%w: unsupported payload type %q", stream.ErrCorruptPacket, p.PayloadType)
	}
	d, err := sdpcodec.Unmarshal(p.Payload)
	if err != nil {
		corruptPackets.Inc()
		return err
	}
	if d.Source == "" {
		d.Source = p.Origin.String()
	}

	var events []Event
	if p.Delete {
		packetsReceived.WithLabelValues("delete").Inc()
		events = l.remove(d.Key())
	} else {
		packetsReceived.WithLabelValues("announce").Inc()
		events = l.upsert(d)
	}
	l.dispatch(append(events, l.sweep()...))
	return nil
}

func (l *Listener) upsert(d stream.Description) []Event {
	l.Lock()
	defer l.Unlock()

	key := d.Key()
	existing, ok := l.sessions[key]
	if !ok {
		l.sessions[key] = &session{description: d, seen: l.now()}
		discoveredSessions.Inc()
		log.WithFields(log.Fields{
			"session": key.String(),
			"name":    d.SessionName,
		}).Info("discovered session")
		return []Event{{Type: Added, Description: d}}
	}

	existing.seen = l.now()
	if existing.description.Equal(d) {
		return nil
	}
	existing.description = d
	log.WithFields(log.Fields{
		"session": key.String(),
		"name":    d.SessionName,
	}).Info("session updated")
	return []Event{{Type: Updated, Description: d}}
}

func (l *Listener) remove(key stream.Key) []Event {
	l.Lock()
	defer l.Unlock()

	s, ok := l.sessions[key]
	if !ok {
		return nil
	}
	delete(l.sessions, key)
	discoveredSessions.Dec()
	d := s.description
	d.Deleted = true
	log.WithFields(log.Fields{
		"session": key.String(),
		"name":    d.SessionName,
	}).Info("session deleted")
	return []Event{{Type: Deleted, Description: d}}
}

// sweep removes sessions not refreshed within StaleAfter and returns their
// Deleted events without dispatching them.
func (l *Listener) sweep() []Event {
	l.Lock()
	defer l.Unlock()

	var events []Event
	now := l.now()
	for key, s := range l.sessions {
		if now.Sub(s.seen) <= l.config.StaleAfter {
			continue
		}
		delete(l.sessions, key)
		discoveredSessions.Dec()
		d := s.description
		d.Deleted = true
		log.WithFields(log.Fields{
			"session": key.String(),
			"name":    d.SessionName,
		}).Info("session timed out")
		events = append(events, Event{Type: Deleted, Description: d})
	}
	return events
}

// dispatch runs callbacks outside the table lock.
func (l *Listener) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	l.Lock()
	subs := make([]subscription, 0, len(l.callbacks))
	for _, s := range l.callbacks {
		subs = append(subs, s)
	}
	l.Unlock()

	for _, e := range events {
		for _, s := range subs {
			if s.filter == "" || s.filter == e.Description.SessionName {
				s.callback(e)
			}
		}
	}
}
