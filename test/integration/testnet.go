// Package integration provides multi-node test infrastructure: nodes joined
// by UDP bearers on the loopback interface.
package integration

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/backkem/mesh/pkg/bearer"
	"github.com/backkem/mesh/pkg/message"
	"github.com/backkem/mesh/pkg/mesh"
	"github.com/backkem/mesh/pkg/network"
	"github.com/pion/logging"
)

// Delivery is one message handed to a node's upper transport.
type Delivery struct {
	Transport []byte
	Rx        network.RxContext
}

// TestNode is a provisioned node with a UDP bearer and a recording upper
// transport.
type TestNode struct {
	Node   *mesh.Node
	Bearer *bearer.Packet

	mu       sync.Mutex
	received []Delivery
	notify   chan struct{}
}

func (n *TestNode) receive(transport []byte, rx *network.RxContext) error {
	n.mu.Lock()
	n.received = append(n.received, Delivery{Transport: transport, Rx: *rx})
	n.mu.Unlock()

	select {
	case n.notify <- struct{}{}:
	default:
	}
	return nil
}

// Received returns a copy of every delivery so far.
func (n *TestNode) Received() []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Delivery(nil), n.received...)
}

// WaitReceived waits until count messages were delivered or timeout expires.
func (n *TestNode) WaitReceived(count int, timeout time.Duration) []Delivery {
	deadline := time.After(timeout)
	for {
		if got := n.Received(); len(got) >= count {
			return got
		}
		select {
		case <-n.notify:
		case <-deadline:
			return n.Received()
		}
	}
}

// NodeSpec describes one node of a TestNet.
type NodeSpec struct {
	Address  message.Address
	Features network.Features
}

// TestNet is a set of nodes sharing one network key.
type TestNet struct {
	Nodes []*TestNode
}

// NewTestNet creates, provisions and starts one node per NodeSpec. Nodes are not
// connected; use Link to add bearer peers.
func NewTestNet(t *testing.T, netKey []byte, ivIndex uint32, specs ...NodeSpec) *TestNet {
	t.Helper()

	loggerFactory := logging.NewDefaultLoggerFactory()
	tn := &TestNet{}
	for _, ns := range specs {
		udp, err := bearer.NewPacket(bearer.PacketConfig{
			ListenAddr:    "127.0.0.1:0",
			Kind:          bearer.KindAdv,
			LoggerFactory: loggerFactory,
		})
		if err != nil {
			t.Fatalf("NewPacket() error: %v", err)
		}

		tnode := &TestNode{Bearer: udp, notify: make(chan struct{}, 1)}
		node, err := mesh.NewNode(mesh.NodeConfig{
			Storage:       mesh.NewMemoryStorage(),
			Features:      ns.Features,
			Bearers:       []bearer.Bearer{udp},
			Upper:         network.UpperFunc(tnode.receive),
			LoggerFactory: loggerFactory,
		})
		if err != nil {
			udp.Close()
			t.Fatalf("NewNode() error: %v", err)
		}
		if err := node.Provision(0, netKey, 0, ivIndex, ns.Address); err != nil {
			t.Fatalf("Provision(%s) error: %v", ns.Address, err)
		}
		if err := node.Start(); err != nil {
			t.Fatalf("Start(%s) error: %v", ns.Address, err)
		}
		tnode.Node = node
		tn.Nodes = append(tn.Nodes, tnode)
		t.Cleanup(func() { node.Stop() })
	}
	return tn
}

// Link makes nodes i and j hear each other.
func (tn *TestNet) Link(i, j int) {
	a, b := tn.Nodes[i].Bearer, tn.Nodes[j].Bearer
	a.AddPeer(b.LocalAddr().(*net.UDPAddr))
	b.AddPeer(a.LocalAddr().(*net.UDPAddr))
}
