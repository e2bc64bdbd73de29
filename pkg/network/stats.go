package network

import "sync/atomic"

// Stats counts pipeline activity. Counters only grow.
type Stats struct {
	Received          uint64
	Decoded           uint64
	DecryptAttempts   uint64
	DropMalformed     uint64
	DropDuplicate     uint64
	DropNoCredentials uint64
	DropReplay        uint64
	DropAddressing    uint64
	DropProxyDisabled uint64
	Delivered         uint64
	Relayed           uint64
	Sent              uint64
	Loopback          uint64
	LoopbackDropped   uint64
}

type counters struct {
	received          atomic.Uint64
	decoded           atomic.Uint64
	decryptAttempts   atomic.Uint64
	dropMalformed     atomic.Uint64
	dropDuplicate     atomic.Uint64
	dropNoCredentials atomic.Uint64
	dropReplay        atomic.Uint64
	dropAddressing    atomic.Uint64
	dropProxyDisabled atomic.Uint64
	delivered         atomic.Uint64
	relayed           atomic.Uint64
	sent              atomic.Uint64
	loopback          atomic.Uint64
	loopbackDropped   atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Received:          c.received.Load(),
		Decoded:           c.decoded.Load(),
		DecryptAttempts:   c.decryptAttempts.Load(),
		DropMalformed:     c.dropMalformed.Load(),
		DropDuplicate:     c.dropDuplicate.Load(),
		DropNoCredentials: c.dropNoCredentials.Load(),
		DropReplay:        c.dropReplay.Load(),
		DropAddressing:    c.dropAddressing.Load(),
		DropProxyDisabled: c.dropProxyDisabled.Load(),
		Delivered:         c.delivered.Load(),
		Relayed:           c.relayed.Load(),
		Sent:              c.sent.Load(),
		Loopback:          c.loopback.Load(),
		LoopbackDropped:   c.loopbackDropped.Load(),
	}
}
