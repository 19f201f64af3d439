// Package discovery finds Synche peers on the local broadcast domain and
// reports them as up/down events. The production implementation rides mDNS;
// the Service interface lets tests inject a fake.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	serviceType     = "_synche._tcp"
	queryInterval   = 5 * time.Second
	queryTimeout    = 2 * time.Second
	downAfterMisses = 3
)

// Event is one peer lifecycle transition.
type Event struct {
	Up       bool
	Peer     string
	Addr     string // host:port of the peer's transport listener
	Hostname string
}

// Service supplies peer up/down events.
type Service interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan Event
}

// MDNS advertises this peer and periodically queries for others.
type MDNS struct {
	self          string
	transportPort int

	server *mdns.Server
	events chan Event

	mu       sync.Mutex
	lastSeen map[string]lastSeen

	done chan struct{}
	wg   sync.WaitGroup
}

type lastSeen struct {
	at       time.Time
	addr     string
	hostname string
}

func NewMDNS(self string, transportPort int) *MDNS {
	return &MDNS{
		self:          self,
		transportPort: transportPort,
		events:        make(chan Event, 64),
		lastSeen:      make(map[string]lastSeen),
		done:          make(chan struct{}),
	}
}

func (d *MDNS) Events() <-chan Event {
	return d.events
}

func (d *MDNS) Start(ctx context.Context) error {
	hostname, _ := os.Hostname()

	service, err := mdns.NewMDNSService(
		d.self,
		serviceType,
		"",
		"",
		d.transportPort,
		nil,
		[]string{"id=" + d.self, "host=" + hostname},
	)
	if err != nil {
		return fmt.Errorf("mdns service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("mdns server: %w", err)
	}
	d.server = server

	slog.Info("discovery started", "service", serviceType, "peer", d.self)

	d.wg.Add(1)
	go d.queryLoop(ctx)

	return nil
}

func (d *MDNS) Stop() {
	close(d.done)
	if d.server != nil {
		d.server.Shutdown()
	}
	d.wg.Wait()
	close(d.events)
	slog.Info("discovery stopped")
}

func (d *MDNS) queryLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(queryInterval)
	defer ticker.Stop()

	d.queryOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case <-ticker.C:
			d.queryOnce()
			d.expireStale()
		}
	}
}

func (d *MDNS) queryOnce() {
	entries := make(chan *mdns.ServiceEntry, 16)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for entry := range entries {
			d.observe(entry)
		}
	}()

	err := mdns.Query(&mdns.QueryParam{
		Service:     serviceType,
		Entries:     entries,
		Timeout:     queryTimeout,
		DisableIPv6: true,
	})
	close(entries)
	if err != nil {
		slog.Debug("mdns query failed", "error", err)
	}
}

func (d *MDNS) observe(entry *mdns.ServiceEntry) {
	var peerID, hostname string
	for _, field := range entry.InfoFields {
		if len(field) > 3 && field[:3] == "id=" {
			peerID = field[3:]
		}
		if len(field) > 5 && field[:5] == "host=" {
			hostname = field[5:]
		}
	}
	if peerID == "" || peerID == d.self || entry.AddrV4 == nil {
		return
	}

	addr := fmt.Sprintf("%s:%d", entry.AddrV4, entry.Port)

	d.mu.Lock()
	_, known := d.lastSeen[peerID]
	d.lastSeen[peerID] = lastSeen{at: time.Now(), addr: addr, hostname: hostname}
	d.mu.Unlock()

	if !known {
		d.emit(Event{Up: true, Peer: peerID, Addr: addr, Hostname: hostname})
	}
}

// expireStale reports peers down after several missed query rounds.
func (d *MDNS) expireStale() {
	cutoff := time.Now().Add(-downAfterMisses * queryInterval)

	d.mu.Lock()
	var down []string
	for peer, seen := range d.lastSeen {
		if seen.at.Before(cutoff) {
			down = append(down, peer)
			delete(d.lastSeen, peer)
		}
	}
	d.mu.Unlock()

	for _, peer := range down {
		d.emit(Event{Up: false, Peer: peer})
	}
}

func (d *MDNS) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		slog.Warn("discovery event dropped", "peer", ev.Peer, "up", ev.Up)
	}
}
