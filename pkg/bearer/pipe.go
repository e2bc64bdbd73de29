package bearer

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// NetworkCondition configures radio behavior simulation on a Pipe.
type NetworkCondition struct {
	// DropRate is the probability of dropping a PDU (0.0 - 1.0).
	DropRate float64

	// DuplicateRate is the probability of delivering a PDU twice
	// (0.0 - 1.0), as happens with advertising retransmissions.
	DuplicateRate float64

	// DelayMin and DelayMax bound a uniformly distributed delay added to
	// each PDU.
	DelayMin time.Duration
	DelayMax time.Duration
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess enables automatic delivery in a background goroutine.
	AutoProcess bool

	// ProcessInterval is how often the auto-processor delivers PDUs.
	// Default: 1ms
	ProcessInterval time.Duration
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: 1 * time.Millisecond,
	}
}

// Pipe connects two bearers in memory. It wraps pion's test.Bridge and adds
// network condition simulation, for deterministic tests without real I/O.
type Pipe struct {
	bridge *test.Bridge

	mu              sync.RWMutex
	condition       NetworkCondition
	closed          bool
	rngMu           sync.Mutex
	rng             *rand.Rand
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewPipe creates a pipe with auto-processing enabled.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	p := &Pipe{
		bridge:          test.NewBridge(),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
	}
	if p.processInterval == 0 {
		p.processInterval = 1 * time.Millisecond
	}
	if p.autoProcess {
		p.startAutoProcess()
	}
	return p
}

func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.processInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.bridge.Tick()
			}
		}
	}()
}

// SetAutoProcess enables or disables automatic delivery. When disabled,
// Tick or Process must be called manually.
func (p *Pipe) SetAutoProcess(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.autoProcess == enabled {
		return
	}
	p.autoProcess = enabled
	if enabled {
		p.stopCh = make(chan struct{})
		p.startAutoProcess()
	} else {
		close(p.stopCh)
		p.wg.Wait()
	}
}

// SetCondition configures network condition simulation in both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Tick delivers one PDU in each direction, if available. Returns the number
// of PDUs delivered.
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process delivers all queued PDUs.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			return count
		}
		count += n
	}
}

// Close closes both endpoints and stops auto-processing.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	// Endpoints may already be closed by their bearers.
	_ = p.bridge.GetConn0().Close()
	_ = p.bridge.GetConn1().Close()
	return nil
}

// roll reports true with probability rate.
func (p *Pipe) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Float64() < rate
}

// PacketConn returns endpoint id (0 or 1) as a net.PacketConn.
func (p *Pipe) PacketConn(id int) *PipePacketConn {
	conn := p.bridge.GetConn0()
	if id != 0 {
		id = 1
		conn = p.bridge.GetConn1()
	}
	return &PipePacketConn{
		conn:     conn,
		localID:  id,
		peerAddr: PipeAddr{ID: 1 - id},
		pipe:     p,
	}
}

// Bearers returns one Packet bearer of the given kind per endpoint, each
// configured with the other as its peer.
func (p *Pipe) Bearers(kind Kind) (*Packet, *Packet, error) {
	var out [2]*Packet
	for id := 0; id < 2; id++ {
		b, err := NewPacket(PacketConfig{
			Conn:  p.PacketConn(id),
			Kind:  kind,
			Peers: []net.Addr{PipeAddr{ID: 1 - id}},
		})
		if err != nil {
			return nil, nil, err
		}
		out[id] = b
	}
	return out[0], out[1], nil
}

// PipeAddr implements net.Addr for pipe endpoints.
type PipeAddr struct {
	ID int // Endpoint ID (0 or 1)
}

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

// String returns a string representation of the address.
func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d", a.ID) }

// PipePacketConn adapts a Pipe endpoint to net.PacketConn. The pipe has one
// peer, so write addresses are ignored.
type PipePacketConn struct {
	conn     net.Conn
	localID  int
	peerAddr net.Addr
	pipe     *Pipe
}

// ReadFrom reads a PDU from the pipe. The returned address is the peer's.
func (c *PipePacketConn) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	n, err = c.conn.Read(b)
	return n, c.peerAddr, err
}

// WriteTo writes a PDU to the pipe, applying the network condition.
func (c *PipePacketConn) WriteTo(b []byte, addr net.Addr) (n int, err error) {
	c.pipe.mu.RLock()
	cond := c.pipe.condition
	c.pipe.mu.RUnlock()

	if c.pipe.roll(cond.DropRate) {
		return len(b), nil
	}
	if cond.DelayMax > 0 {
		delay := cond.DelayMin
		if cond.DelayMax > cond.DelayMin {
			c.pipe.rngMu.Lock()
			delay += time.Duration(c.pipe.rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
			c.pipe.rngMu.Unlock()
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	if c.pipe.roll(cond.DuplicateRate) {
		if _, err := c.conn.Write(b); err != nil {
			return 0, err
		}
	}
	return c.conn.Write(b)
}

// Close closes the endpoint.
func (c *PipePacketConn) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the local address.
func (c *PipePacketConn) LocalAddr() net.Addr {
	return PipeAddr{ID: c.localID}
}

// SetDeadline sets the read and write deadlines.
func (c *PipePacketConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *PipePacketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *PipePacketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

var _ net.PacketConn = (*PipePacketConn)(nil)
