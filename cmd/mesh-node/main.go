// mesh-node runs a mesh node whose advertising bearer is simulated over UDP.
//
// The node is provisioned from the command line and relays, receives and
// optionally sends test messages. Peers are configured statically or found
// with DNS-SD.
//
// Usage:
//
//	mesh-node [options]
//
// Example:
//
//	mesh-node -addr 0x0001 -relay -discover
//	mesh-node -listen :4141 -addr 0x0002 -peers 127.0.0.1:4140 -dst 0x0001 -interval 5s
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/backkem/mesh/pkg/bearer"
	"github.com/backkem/mesh/pkg/mesh"
	"github.com/backkem/mesh/pkg/network"
	"github.com/pion/logging"
)

// browseInterval is the period between two DNS-SD peer searches.
const browseInterval = 30 * time.Second

func main() {
	opts, err := ParseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		PrintUsage()
		os.Exit(2)
	}

	if err := run(opts); err != nil {
		log.Fatalf("mesh-node: %v", err)
	}
}

func run(opts Options) error {
	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = opts.LogLevel
	logger := loggerFactory.NewLogger("main")

	peers := make([]net.Addr, 0, len(opts.Peers))
	for _, p := range opts.Peers {
		addr, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			return fmt.Errorf("resolve peer %q: %w", p, err)
		}
		peers = append(peers, addr)
	}

	udp, err := bearer.NewPacket(bearer.PacketConfig{
		ListenAddr:    opts.Listen,
		Kind:          bearer.KindAdv,
		Peers:         peers,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return fmt.Errorf("create bearer: %w", err)
	}

	node, err := mesh.NewNode(mesh.NodeConfig{
		Storage:  mesh.NewMemoryStorage(),
		Features: network.Features{Relay: opts.Relay, GATTProxy: opts.Proxy},
		Bearers:  []bearer.Bearer{udp},
		Upper: network.UpperFunc(func(transport []byte, rx *network.RxContext) error {
			logger.Infof("received %x from %s to %s (subnet 0x%03x, ttl %d)",
				transport, rx.Src, rx.Dst, rx.NetIndex, rx.TTL)
			return nil
		}),
		OnStateChanged: func(state mesh.NodeState) {
			logger.Infof("state changed: %s", state)
		},
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		udp.Close()
		return fmt.Errorf("create node: %w", err)
	}

	if err := node.Provision(opts.NetIndex, opts.NetKey, 0, opts.IVIndex, opts.Address); err != nil {
		udp.Close()
		return fmt.Errorf("provision: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Start(); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	logger.Infof("node %s listening on %s", node.Address(), udp.LocalAddr())

	if opts.Discover {
		disc, err := startDiscovery(ctx, opts, node, udp, loggerFactory)
		if err != nil {
			logger.Warnf("discovery disabled: %v", err)
		} else {
			defer disc.Shutdown()
		}
	}

	hour := time.NewTicker(opts.Hour)
	defer hour.Stop()

	var sendC <-chan time.Time
	if opts.SendInterval > 0 {
		t := time.NewTicker(opts.SendInterval)
		defer t.Stop()
		sendC = t.C
	}

	var counter uint8
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return node.Stop()
		case <-hour.C:
			node.HourElapsed()
		case <-sendC:
			counter++
			// Unsegmented access PDU: AKF=0, AID=0, followed by a counter.
			transport := []byte{0x00, counter}
			tx := &network.TxContext{NetIndex: opts.NetIndex, Dst: opts.Dst, TTL: network.TTLDefault}
			if err := node.Send(tx, transport); err != nil {
				logger.Warnf("send to %s: %v", opts.Dst, err)
			}
		}
	}
}

// startDiscovery advertises the bearer and adds peers of the same subnet
// as they are found.
func startDiscovery(ctx context.Context, opts Options, node *mesh.Node, udp *bearer.Packet, lf logging.LoggerFactory) (*bearer.Discovery, error) {
	info, ok := node.Subnets().Get(opts.NetIndex)
	if !ok {
		return nil, errors.New("subnet missing")
	}
	netID := hex.EncodeToString(info.Slots[info.TxSlot()].NetID[:])

	port := 0
	if addr, ok := udp.LocalAddr().(*net.UDPAddr); ok {
		port = addr.Port
	}

	disc := bearer.NewDiscovery(bearer.DiscoveryConfig{
		Instance:      opts.Instance,
		LoggerFactory: lf,
	})
	if err := disc.Advertise(port, []string{netID}); err != nil {
		return nil, err
	}

	logger := lf.NewLogger("main")
	go func() {
		t := time.NewTicker(browseInterval)
		defer t.Stop()
		for {
			peers, err := disc.Browse(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Warnf("browse: %v", err)
			}
			for _, p := range peers {
				if p.HasNetID(netID) {
					udp.AddPeer(p.Addr)
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return disc, nil
}
