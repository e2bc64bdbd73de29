package bearer

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/backkem/mesh/pkg/message"
	"github.com/pion/logging"
)

// DefaultPort is the UDP port of the mesh-over-IP bearer.
const DefaultPort = 4140

// Packet is a bearer over a net.PacketConn. Every sent PDU is written to
// each configured peer, which emulates the broadcast advertising bearer on
// a unicast datagram network.
type Packet struct {
	conn    net.PacketConn
	kind    Kind
	handler Handler
	closeCh chan struct{}
	wg      sync.WaitGroup
	log     logging.LeveledLogger

	mu      sync.RWMutex
	peers   []net.Addr
	started bool
	closed  bool
}

// PacketConfig configures a Packet bearer.
type PacketConfig struct {
	// Conn is an optional pre-existing PacketConn to use.
	// If nil, a new UDP connection will be created using ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to listen on (e.g., ":4140").
	// Ignored if Conn is provided.
	ListenAddr string

	// Kind is reported to the network layer (default: KindAdv).
	Kind Kind

	// Peers are the initial destinations of sent PDUs.
	Peers []net.Addr

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewPacket creates a packet bearer with the given configuration.
func NewPacket(config PacketConfig) (*Packet, error) {
	p := &Packet{
		conn:    config.Conn,
		kind:    config.Kind,
		closeCh: make(chan struct{}),
	}
	for _, addr := range config.Peers {
		p.addPeer(addr)
	}

	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("bearer-" + config.Kind.String())
	}

	if p.conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		p.conn = conn
	}

	return p, nil
}

// Kind implements Bearer.
func (p *Packet) Kind() Kind { return p.kind }

// LocalAddr returns the local address the bearer is listening on.
func (p *Packet) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

// AddPeer adds a destination. Adding a known peer is a no-op.
func (p *Packet) AddPeer(addr net.Addr) {
	p.mu.Lock()
	p.addPeer(addr)
	p.mu.Unlock()
}

func (p *Packet) addPeer(addr net.Addr) {
	if addr == nil {
		return
	}
	for _, a := range p.peers {
		if a.Network() == addr.Network() && a.String() == addr.String() {
			return
		}
	}
	p.peers = append(p.peers, addr)
}

// RemovePeer removes a destination.
func (p *Packet) RemovePeer(addr net.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, a := range p.peers {
		if a.Network() == addr.Network() && a.String() == addr.String() {
			peers := make([]net.Addr, 0, len(p.peers)-1)
			peers = append(peers, p.peers[:i]...)
			p.peers = append(peers, p.peers[i+1:]...)
			return
		}
	}
}

// Peers returns the current destinations.
func (p *Packet) Peers() []net.Addr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]net.Addr(nil), p.peers...)
}

// Start begins the read loop. Received PDUs are delivered to h.
func (p *Packet) Start(h Handler) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.handler = h
	p.mu.Unlock()

	if p.log != nil {
		p.log.Infof("starting %s bearer on %s", p.kind, p.conn.LocalAddr())
	}

	p.wg.Add(1)
	go p.readLoop()
	return nil
}

// Close closes the connection and waits for the read loop to exit.
func (p *Packet) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	p.mu.Unlock()

	if p.log != nil {
		p.log.Infof("stopping %s bearer", p.kind)
	}

	close(p.closeCh)

	// Unblock any pending read.
	_ = p.conn.SetReadDeadline(time.Now())
	err := p.conn.Close()
	p.wg.Wait()
	return err
}

// Send writes pdu to every peer.
func (p *Packet) Send(pdu []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	peers := append([]net.Addr(nil), p.peers...)
	p.mu.RUnlock()

	if len(pdu) > message.MaxPDUSize {
		return ErrPDUTooLarge
	}
	if len(peers) == 0 {
		return ErrNoPeers
	}

	var firstErr error
	for _, addr := range peers {
		if _, err := p.conn.WriteTo(pdu, addr); err != nil {
			if p.log != nil {
				p.log.Warnf("send to %v failed: %v", addr, err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if p.log != nil {
		p.log.Tracef("sent %d bytes to %d peers", len(pdu), len(peers))
	}
	return firstErr
}

func (p *Packet) readLoop() {
	defer p.wg.Done()

	// Oversized datagrams are read in full so they can be discarded.
	buf := make([]byte, 2*message.MaxPDUSize)

	for {
		select {
		case <-p.closeCh:
			return
		default:
		}

		n, addr, err := p.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-p.closeCh:
				return
			default:
				if p.log != nil {
					p.log.Warnf("read error: %v", err)
				}
				if isClosedErr(err) {
					return
				}
				continue
			}
		}
		if n == 0 {
			continue
		}
		if n > message.MaxPDUSize {
			if p.log != nil {
				p.log.Debugf("dropping %d byte datagram from %v", n, addr)
			}
			continue
		}

		pdu := make([]byte, n)
		copy(pdu, buf[:n])

		if p.log != nil {
			p.log.Tracef("received %d bytes from %v", n, addr)
		}
		p.handler(pdu, p.kind)
	}
}

// isClosedErr reports whether err means the connection is gone for good.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
