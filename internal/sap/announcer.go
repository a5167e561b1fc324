package sap

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/mediax-stream/internal/multicast"
	"github.com/bilbercode/mediax-stream/internal/sdpcodec"
	"github.com/bilbercode/mediax-stream/internal/stream"
)

// ntpEpochOffset is the number of seconds between 1900 and 1970, SDP session ids
// are seeded from NTP time as recommended by RFC 4566.
const ntpEpochOffset = 2208988800

// Announcer periodically advertises registered stream descriptions.
type Announcer struct {
	sync.Mutex
	// lifecycle serialises Start and Stop end to end.
	lifecycle sync.Mutex

	config  Config
	entries map[stream.Key]stream.Description
	source  *Interface
	nextID  uint64

	conn   conn
	group  *net.UDPAddr
	cancel context.CancelFunc
	wg     *errgroup.Group

	interfaces func() ([]Interface, error)
	dial       func(opts socketOptions) (conn, error)
}

func NewAnnouncer(config Config) *Announcer {
	return &Announcer{
		config:     config.withDefaults(),
		entries:    map[stream.Key]stream.Description{},
		nextID:     uint64(time.Now().Unix()) + ntpEpochOffset,
		interfaces: multicast.Interfaces,
		dial:       openSocket,
	}
}

// AddAnnouncement registers d, or updates the entry it refers to. A zero SessionID
// reuses the live entry with the same name and source, or allocates a fresh id.
// An empty Source is filled from the selected interface.
func (a *Announcer) AddAnnouncement(d stream.Description) (stream.Key, error) {
	a.Lock()
	defer a.Unlock()

	d.Deleted = false
	if d.Source == "" {
		d.Source = a.sourceAddress()
	}
	if err := d.Validate(); err != nil {
		return stream.Key{}, err
	}

	if d.SessionID == 0 {
		for key, existing := range a.entries {
			if !existing.Deleted && existing.SessionName == d.SessionName && existing.Source == d.Source {
				d.SessionID = key.SessionID
				break
			}
		}
	}
	if d.SessionID == 0 {
		a.nextID++
		d.SessionID = a.nextID
	}

	key := d.Key()
	if existing, ok := a.entries[key]; ok {
		if d.SessionVersion <= existing.SessionVersion {
			d.SessionVersion = existing.SessionVersion + 1
		}
		log.WithFields(log.Fields{
			"session": key.String(),
			"name":    d.SessionName,
			"version": d.SessionVersion,
		}).Info("updated announcement")
	} else {
		if d.SessionVersion == 0 {
			d.SessionVersion = 1
		}
		log.WithFields(log.Fields{
			"session": key.String(),
			"name":    d.SessionName,
		}).Info("added announcement")
	}
	a.entries[key] = d
	return key, nil
}

// RemoveAnnouncement withdraws a session. While running a delete packet is sent
// on the next cycle before the entry is purged; while stopped it is purged now.
func (a *Announcer) RemoveAnnouncement(key stream.Key) error {
	a.Lock()
	defer a.Unlock()

	d, ok := a.entries[key]
	if !ok || d.Deleted {
		return fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}
	if a.cancel == nil {
		delete(a.entries, key)
		return nil
	}
	d.Deleted = true
	a.entries[key] = d
	return nil
}

// DeleteAll withdraws every registered session.
func (a *Announcer) DeleteAll() {
	a.Lock()
	defer a.Unlock()

	if a.cancel == nil {
		a.entries = map[stream.Key]stream.Description{}
		return
	}
	for key, d := range a.entries {
		d.Deleted = true
		a.entries[key] = d
	}
}

// Announcement returns the live entry for key.
func (a *Announcer) Announcement(key stream.Key) (stream.Description, bool) {
	a.Lock()
	defer a.Unlock()
	d, ok := a.entries[key]
	if !ok || d.Deleted {
		return stream.Description{}, false
	}
	return d, true
}

// Announcements returns the live entries ordered by key.
func (a *Announcer) Announcements() []stream.Description {
	a.Lock()
	defer a.Unlock()
	out := make([]stream.Description, 0, len(a.entries))
	for _, d := range a.entries {
		if !d.Deleted {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// GetStreamInformation returns the first live entry named name.
func (a *Announcer) GetStreamInformation(name string) (stream.Description, bool) {
	for _, d := range a.Announcements() {
		if d.SessionName == name {
			return d, true
		}
	}
	return stream.Description{}, false
}

func (a *Announcer) ActiveCount() int {
	a.Lock()
	defer a.Unlock()
	n := 0
	for _, d := range a.entries {
		if !d.Deleted {
			n++
		}
	}
	return n
}

// Active reports whether the announce loop is running.
func (a *Announcer) Active() bool {
	a.Lock()
	defer a.Unlock()
	return a.cancel != nil
}

func (a *Announcer) ListInterfaces() ([]Interface, error) {
	return a.interfaces()
}

// SetSourceInterface selects, by position in ListInterfaces, the interface used as
// the announced origin and the multicast egress interface. It takes effect for
// later registrations and the next Start.
func (a *Announcer) SetSourceInterface(index int) error {
	ifaces, err := a.interfaces()
	if err != nil {
		return err
	}
	if index < 0 || index >= len(ifaces) {
		return fmt.Errorf("%w: index %d of %d", ErrUnknownInterface, index, len(ifaces))
	}

	a.Lock()
	defer a.Unlock()
	iface := ifaces[index]
	a.source = &iface
	a.config.Interface = iface.Name
	log.WithFields(log.Fields{
		"interface": iface.Name,
		"address":   iface.Address,
	}).Info("selected SAP source interface")
	return nil
}

// sourceAddress must be called with the lock held.
func (a *Announcer) sourceAddress() string {
	if a.source != nil {
		return a.source.Address
	}
	if ifaces, err := a.interfaces(); err == nil && len(ifaces) > 0 {
		return ifaces[0].Address
	}
	return "127.0.0.1"
}

// Start opens the socket and begins announcing. The first cycle runs immediately.
func (a *Announcer) Start() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	a.Lock()
	defer a.Unlock()

	if a.cancel != nil {
		return nil
	}

	group, err := a.config.groupAddr()
	if err != nil {
		return fmt.Errorf("%w: %v", stream.ErrTransportUnavailable, err)
	}
	c, err := a.dial(socketOptions{
		group:     group,
		ttl:       a.config.TTL,
		loopback:  a.config.Loopback,
		ifaceName: a.config.Interface,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to open SAP socket: %v", stream.ErrTransportUnavailable, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg, ctx := errgroup.WithContext(ctx)
	a.conn, a.group, a.cancel, a.wg = c, group, cancel, wg

	wg.Go(func() error {
		return a.run(ctx, c, group)
	})

	log.WithField("group", group.String()).Info("SAP announcer started")
	return nil
}

// Stop halts the loop, sends a delete for every live session and clears the table.
// The announcer reports Active until the delete burst has gone out.
func (a *Announcer) Stop() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.Lock()
	cancel, wg, c, group := a.cancel, a.wg, a.conn, a.group
	a.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := wg.Wait()

	a.Lock()
	for _, d := range a.entries {
		a.send(c, group, d, true)
	}
	a.entries = map[stream.Key]stream.Description{}
	a.conn, a.group, a.cancel, a.wg = nil, nil, nil, nil
	a.Unlock()

	if cerr := c.Close(); cerr != nil && err == nil {
		err = cerr
	}
	log.Info("SAP announcer stopped")
	return err
}

func (a *Announcer) run(ctx context.Context, c conn, group *net.UDPAddr) error {
	ticker := time.NewTicker(a.config.Period)
	defer ticker.Stop()

	for {
		a.cycle(c, group)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// cycle announces every live entry and sends a single delete for each withdrawn
// entry before purging it.
func (a *Announcer) cycle(c conn, group *net.UDPAddr) {
	a.Lock()
	defer a.Unlock()

	for key, d := range a.entries {
		a.send(c, group, d, d.Deleted)
		if d.Deleted {
			delete(a.entries, key)
		}
	}
}

// send must be called with the lock held. Failures are logged and counted.
func (a *Announcer) send(c conn, group *net.UDPAddr, d stream.Description, deletion bool) {
	b, err := encodeAnnouncement(d, deletion)
	if err != nil {
		sendErrors.Inc()
		log.WithError(err).WithField("session", d.Key().String()).Warn("failed to encode SAP packet")
		return
	}
	if _, err := c.WriteTo(b, group); err != nil {
		sendErrors.Inc()
		log.WithError(err).WithField("session", d.Key().String()).Warn("failed to send SAP packet")
		return
	}
	if deletion {
		packetsSent.WithLabelValues("delete").Inc()
	} else {
		packetsSent.WithLabelValues("announce").Inc()
	}
}

func encodeAnnouncement(d stream.Description, deletion bool) ([]byte, error) {
	payload, err := sdpcodec.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SDP: %w", err)
	}
	p := Packet{
		Delete:      deletion,
		Hash:        MessageHash(payload),
		Origin:      net.ParseIP(d.Source),
		PayloadType: PayloadTypeSDP,
		Payload:     payload,
	}
	return p.Marshal()
}
