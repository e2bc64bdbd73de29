package bearer

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// DNS-SD parameters of the mesh-over-IP bearer.
const (
	ServiceType   = "_btmesh._udp"
	ServiceDomain = "local."

	// TXTNetID carries the hex Network ID of an advertised subnet, so a
	// browser can skip nodes of foreign networks.
	TXTNetID = "nid"

	DefaultBrowseTimeout = 5 * time.Second
)

// ErrNotAdvertising is returned by Shutdown without an active registration.
var ErrNotAdvertising = errors.New("bearer: not advertising")

// MDNSServer is a registered DNS-SD service.
type MDNSServer interface {
	Shutdown()
}

// MDNSRegistrar registers DNS-SD services.
type MDNSRegistrar interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// MDNSBrowser browses for DNS-SD services.
type MDNSBrowser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

type zeroconfRegistrar struct{}

func (zeroconfRegistrar) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

type zeroconfBrowser struct{}

func (zeroconfBrowser) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return r.Browse(ctx, service, domain, entries)
}

// DiscoveryConfig configures a Discovery.
type DiscoveryConfig struct {
	// Instance is the DNS-SD instance name of this node. Required for
	// advertising; browse results with the same name are skipped.
	Instance string

	// Interfaces limits advertising to these interfaces. Nil uses all.
	Interfaces []net.Interface

	// Registrar and Browser default to grandcat/zeroconf.
	Registrar MDNSRegistrar
	Browser   MDNSBrowser

	// BrowseTimeout bounds Browse without a context deadline
	// (default: 5s).
	BrowseTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Peer is a discovered mesh-over-IP node.
type Peer struct {
	Instance string
	Addr     *net.UDPAddr

	// NetIDs lists the advertised Network IDs in hex.
	NetIDs []string
}

// HasNetID reports whether the peer advertised netID.
func (p Peer) HasNetID(netID string) bool {
	for _, id := range p.NetIDs {
		if strings.EqualFold(id, netID) {
			return true
		}
	}
	return false
}

// Discovery advertises the local UDP bearer and finds peers of the same
// mesh via DNS-SD.
type Discovery struct {
	config    DiscoveryConfig
	registrar MDNSRegistrar
	browser   MDNSBrowser
	log       logging.LeveledLogger

	mu     sync.Mutex
	server MDNSServer
}

// NewDiscovery creates a Discovery with the given configuration.
func NewDiscovery(config DiscoveryConfig) *Discovery {
	d := &Discovery{
		config:    config,
		registrar: config.Registrar,
		browser:   config.Browser,
	}
	if d.registrar == nil {
		d.registrar = zeroconfRegistrar{}
	}
	if d.browser == nil {
		d.browser = zeroconfBrowser{}
	}
	if d.config.BrowseTimeout == 0 {
		d.config.BrowseTimeout = DefaultBrowseTimeout
	}
	if config.LoggerFactory != nil {
		d.log = config.LoggerFactory.NewLogger("discovery")
	}
	return d
}

// Advertise registers the bearer listening on port. netIDs are the hex
// Network IDs of the subnets this node is a member of. A previous
// registration is replaced.
func (d *Discovery) Advertise(port int, netIDs []string) error {
	if d.config.Instance == "" {
		return errors.New("bearer: discovery instance name required")
	}
	txt := make([]string, 0, len(netIDs))
	for _, id := range netIDs {
		txt = append(txt, TXTNetID+"="+strings.ToLower(id))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.server != nil {
		d.server.Shutdown()
		d.server = nil
	}
	server, err := d.registrar.Register(d.config.Instance, ServiceType, ServiceDomain, port, txt, d.config.Interfaces)
	if err != nil {
		return err
	}
	d.server = server

	if d.log != nil {
		d.log.Infof("advertising %s on port %d with %d subnets", d.config.Instance, port, len(netIDs))
	}
	return nil
}

// Shutdown withdraws the registration.
func (d *Discovery) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server == nil {
		return ErrNotAdvertising
	}
	d.server.Shutdown()
	d.server = nil
	return nil
}

// Browse collects peers until ctx is done or the browse timeout expires.
func (d *Discovery) Browse(ctx context.Context) ([]Peer, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.BrowseTimeout)
		defer cancel()
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := d.browser.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, err
	}

	var peers []Peer
	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return peers, nil
		case entry, ok := <-entries:
			if !ok {
				return peers, nil
			}
			peer, ok := entryToPeer(entry)
			if !ok || peer.Instance == d.config.Instance || seen[peer.Instance] {
				continue
			}
			seen[peer.Instance] = true
			if d.log != nil {
				d.log.Debugf("found peer %s at %s", peer.Instance, peer.Addr)
			}
			peers = append(peers, peer)
		}
	}
}

func entryToPeer(e *zeroconf.ServiceEntry) (Peer, bool) {
	if e == nil || e.Port <= 0 {
		return Peer{}, false
	}
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return Peer{}, false
	}

	p := Peer{
		Instance: e.Instance,
		Addr:     &net.UDPAddr{IP: ip, Port: e.Port},
	}
	for _, kv := range e.Text {
		key, value, ok := strings.Cut(kv, "=")
		if ok && key == TXTNetID {
			p.NetIDs = append(p.NetIDs, value)
		}
	}
	return p, true
}
