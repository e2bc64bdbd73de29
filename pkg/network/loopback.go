package network

import (
	"sync"

	"github.com/Arceliar/phony"
)

// DefaultLoopbackBuffers is the default number of queued loopback PDUs.
const DefaultLoopbackBuffers = 3

type loopbackEntry struct {
	netIdx uint16
	slot   int
	pdu    []byte
}

// loopback queues locally addressed PDUs and delivers them from its own
// actor, decoupling senders from upper layer processing. Enqueueing is
// synchronous and bounded; delivery happens on the actor.
type loopback struct {
	phony.Inbox

	mu      sync.Mutex
	queue   []loopbackEntry
	limit   int
	deliver func(loopbackEntry)
}

func newLoopback(limit int, deliver func(loopbackEntry)) *loopback {
	return &loopback{
		limit:   limit,
		deliver: deliver,
	}
}

// enqueue copies pdu into the queue and schedules delivery.
func (l *loopback) enqueue(netIdx uint16, slot int, pdu []byte) error {
	l.mu.Lock()
	if len(l.queue) >= l.limit {
		l.mu.Unlock()
		return ErrLoopbackFull
	}
	buf := make([]byte, len(pdu))
	copy(buf, pdu)
	l.queue = append(l.queue, loopbackEntry{netIdx: netIdx, slot: slot, pdu: buf})
	l.mu.Unlock()

	l.Act(nil, l.drain)
	return nil
}

func (l *loopback) pop() (loopbackEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return loopbackEntry{}, false
	}
	e := l.queue[0]
	l.queue[0] = loopbackEntry{}
	l.queue = l.queue[1:]
	return e, true
}

func (l *loopback) drain() {
	for {
		e, ok := l.pop()
		if !ok {
			return
		}
		l.deliver(e)
	}
}

// clear discards queued PDUs of one subnet.
func (l *loopback) clear(netIdx uint16) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.queue[:0]
	dropped := 0
	for _, e := range l.queue {
		if e.netIdx == netIdx {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(l.queue); i++ {
		l.queue[i] = loopbackEntry{}
	}
	l.queue = kept
	return dropped
}

// queued returns the number of queued PDUs.
func (l *loopback) queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// flush waits until every scheduled delivery has run.
func (l *loopback) flush() {
	phony.Block(l, func() {})
}
