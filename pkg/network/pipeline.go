// Package network implements the mesh network layer: the IV index and
// sequence number state, and the pipeline that secures outgoing PDUs,
// searches credentials for incoming ones, filters replays, relays and loops
// back local traffic.
//
// Spec References:
//   - Mesh Profile Section 3.4.6: Network layer behavior
//   - Mesh Profile Section 3.10.5: IV Update procedure
package network

import (
	"errors"
	"fmt"
	"sync"

	"github.com/backkem/mesh/pkg/bearer"
	"github.com/backkem/mesh/pkg/crypto"
	"github.com/backkem/mesh/pkg/message"
	"github.com/backkem/mesh/pkg/subnet"
	"github.com/pion/logging"
)

// Defaults for Config.
const (
	DefaultTTL                = 7
	DefaultMessageCacheSize   = 32
	DefaultDuplicateCacheSize = 32
)

// Config configures a Pipeline.
type Config struct {
	// Store holds the subnets. Required.
	Store *subnet.Store

	// State holds the IV index and sequence number. Required.
	State *State

	// Addresses resolves local addresses. Required.
	Addresses AddressResolver

	// Friends matches destinations of Low Power nodes. Optional.
	Friends FriendMatcher

	// Upper receives locally relevant traffic. Optional.
	Upper UpperTransport

	// Provider secures PDUs. Nil selects crypto.DefaultProvider.
	Provider crypto.Provider

	// Bearers are the network interfaces. More can be added with AddBearer.
	Bearers []bearer.Bearer

	// Features are the initial feature states.
	Features Features

	// DefaultTTL replaces TTLDefault in outgoing messages (default: 7).
	DefaultTTL uint8

	// Cache sizes (default: 32 each).
	MessageCacheSize   int
	DuplicateCacheSize int

	// LoopbackBuffers bounds the loopback queue (default: 3).
	LoopbackBuffers int

	// LoggerFactory is the factory for creating loggers. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Store == nil || c.State == nil || c.Addresses == nil {
		return ErrInvalidConfig
	}
	if c.DefaultTTL > message.TTLMax && c.DefaultTTL != TTLDefault {
		return ErrInvalidConfig
	}
	if c.DefaultTTL == 1 {
		return ErrInvalidConfig
	}
	if c.MessageCacheSize < 0 || c.DuplicateCacheSize < 0 || c.LoopbackBuffers < 0 {
		return ErrInvalidConfig
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DefaultTTL == 0 || c.DefaultTTL == TTLDefault {
		c.DefaultTTL = DefaultTTL
	}
	if c.MessageCacheSize == 0 {
		c.MessageCacheSize = DefaultMessageCacheSize
	}
	if c.DuplicateCacheSize == 0 {
		c.DuplicateCacheSize = DefaultDuplicateCacheSize
	}
	if c.LoopbackBuffers == 0 {
		c.LoopbackBuffers = DefaultLoopbackBuffers
	}
}

// Pipeline is the network layer of one node.
type Pipeline struct {
	store      *subnet.Store
	state      *State
	addrs      AddressResolver
	friends    FriendMatcher
	upper      UpperTransport
	codec      *message.Codec
	msgCache   *message.MessageCache
	dupCache   *message.DuplicateCache
	loopback   *loopback
	defaultTTL uint8
	stats      counters

	bearers  []bearer.Bearer
	features Features
	started  bool
	mu       sync.RWMutex

	log logging.LeveledLogger
}

// NewPipeline creates a pipeline and subscribes it to subnet deletions and
// IV index transitions.
func NewPipeline(config Config) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	msgCache, err := message.NewMessageCache(config.MessageCacheSize)
	if err != nil {
		return nil, err
	}
	dupCache, err := message.NewDuplicateCache(config.DuplicateCacheSize)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		store:      config.Store,
		state:      config.State,
		addrs:      config.Addresses,
		friends:    config.Friends,
		upper:      config.Upper,
		codec:      message.NewCodec(config.Provider),
		msgCache:   msgCache,
		dupCache:   dupCache,
		defaultTTL: config.DefaultTTL,
		bearers:    append([]bearer.Bearer(nil), config.Bearers...),
		features:   config.Features,
	}
	p.loopback = newLoopback(config.LoopbackBuffers, p.deliverLocal)
	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("net")
	}

	p.store.AddListener(p.onSubnetEvent)
	p.state.AddListener(p.onStateEvent)
	return p, nil
}

func (p *Pipeline) onSubnetEvent(e subnet.Event) {
	if e.Type != subnet.EventDeleted {
		return
	}
	if n := p.loopback.clear(e.NetIndex); n > 0 {
		p.stats.loopbackDropped.Add(uint64(n))
		if p.log != nil {
			p.log.Debugf("dropped %d loopback PDUs of deleted subnet 0x%03x", n, e.NetIndex)
		}
	}
}

// onStateEvent empties the caches on every IV index transition. Completing
// an update restarts sequence numbers, so (SRC, SEQ) pairs seen under the
// previous index would otherwise reject fresh traffic.
func (p *Pipeline) onStateEvent(StateEvent) {
	p.msgCache.Clear()
	p.dupCache.Clear()
}

// AddBearer attaches a bearer. If the pipeline is running the bearer is
// started immediately.
func (p *Pipeline) AddBearer(b bearer.Bearer) error {
	p.mu.Lock()
	p.bearers = append(p.bearers, b)
	started := p.started
	p.mu.Unlock()

	if started {
		return b.Start(p.handler(b))
	}
	return nil
}

// Start starts every bearer.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	bearers := append([]bearer.Bearer(nil), p.bearers...)
	p.mu.Unlock()

	for _, b := range bearers {
		if err := b.Start(p.handler(b)); err != nil {
			return fmt.Errorf("start %s bearer: %w", b.Kind(), err)
		}
	}
	return nil
}

// Stop closes every bearer and drains the loopback queue.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	bearers := p.bearers
	p.bearers = nil
	p.started = false
	p.mu.Unlock()

	var errs []error
	for _, b := range bearers {
		if err := b.Close(); err != nil && !errors.Is(err, bearer.ErrClosed) {
			errs = append(errs, err)
		}
	}
	p.loopback.flush()
	return errors.Join(errs...)
}

// handler returns the receive callback of bearer b.
func (p *Pipeline) handler(b bearer.Bearer) bearer.Handler {
	return func(pdu []byte, kind bearer.Kind) {
		err := p.recv(pdu, kind, b)
		if err != nil && p.log != nil {
			p.log.Tracef("drop on %s: %v", kind, err)
		}
	}
}

// Features returns the current feature states.
func (p *Pipeline) Features() Features {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.features
}

// SetFeatures changes the feature states.
func (p *Pipeline) SetFeatures(f Features) {
	p.mu.Lock()
	p.features = f
	p.mu.Unlock()
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return p.stats.snapshot()
}

// Flush waits until queued loopback PDUs have been delivered.
func (p *Pipeline) Flush() {
	p.loopback.flush()
}

// ClearReplayCaches empties the message and duplicate caches.
func (p *Pipeline) ClearReplayCaches() {
	p.msgCache.Clear()
	p.dupCache.Clear()
}

// localMatch reports whether dst addresses this node.
func (p *Pipeline) localMatch(dst message.Address, f Features) bool {
	return fixedGroupMatch(dst, f) || p.addrs.HasAddress(dst)
}

// txCredentials selects the credentials for tx. Missing friendship
// credentials fall back to the subnet credentials.
func (p *Pipeline) txCredentials(tx *TxContext) (subnet.Candidate, bool) {
	if tx.FriendCred {
		if c, ok := p.store.FriendCredentials(tx.NetIndex, uint16(tx.Dst)); ok {
			return c, true
		}
		if p.log != nil {
			p.log.Warnf("no friendship credentials for 0x%04x on subnet 0x%03x, using network credentials",
				uint16(tx.Dst), tx.NetIndex)
		}
		tx.FriendCred = false
	}
	return p.store.TxCredentials(tx.NetIndex)
}

// Encoded is a secured outgoing PDU.
type Encoded struct {
	// Raw is the obfuscated, encrypted PDU for the bearers.
	Raw []byte

	// Clear is the cleartext PDU without NetMIC, used for loopback.
	Clear []byte

	Header   message.Header
	NetIndex uint16
	Slot     int
}

// Encode allocates a sequence number and secures transport for tx with the
// current TX IV index.
func (p *Pipeline) Encode(tx *TxContext, transport []byte) (*Encoded, error) {
	if len(transport) == 0 {
		return nil, ErrEmptyPayload
	}
	ttl := tx.TTL
	if ttl == TTLDefault {
		ttl = p.defaultTTL
	}
	if ttl > message.TTLMax {
		return nil, message.ErrInvalidTTL
	}

	cand, ok := p.txCredentials(tx)
	if !ok {
		return nil, ErrUnknownSubnet
	}
	defer cand.Cred.Zeroize()

	seq, iv, err := p.state.NextTx()
	if err != nil {
		return nil, err
	}

	m := &message.Message{
		Header: message.Header{
			IVI: uint8(iv & 1),
			NID: cand.Cred.NID,
			CTL: tx.CTL,
			TTL: ttl,
			Seq: seq,
			Src: tx.Src,
			Dst: tx.Dst,
		},
		Transport: transport,
	}
	pdu, err := m.Pack()
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(pdu))
	copy(plain, pdu)

	raw, err := p.codec.Secure(pdu, &cand.Cred, iv, message.NonceNetwork)
	if err != nil {
		return nil, err
	}
	return &Encoded{
		Raw:      raw,
		Clear:    plain,
		Header:   m.Header,
		NetIndex: tx.NetIndex,
		Slot:     cand.Slot,
	}, nil
}

// Send encodes and transmits one message. Messages for this node are also
// queued for loopback; locally addressed unicast and TTL 1 messages never
// reach the bearers.
func (p *Pipeline) Send(tx *TxContext, transport []byte) error {
	enc, err := p.Encode(tx, transport)
	if err != nil {
		return err
	}

	f := p.Features()
	if p.localMatch(tx.Dst, f) {
		err := p.loopback.enqueue(enc.NetIndex, enc.Slot, enc.Clear)
		if err != nil {
			p.stats.loopbackDropped.Add(1)
			if p.log != nil {
				p.log.Warn("unable to allocate loopback")
			}
		} else {
			p.stats.loopback.Add(1)
		}
		if tx.Dst.IsUnicast() || enc.Header.TTL == 1 {
			return err
		}
	}

	// The output filter of the advertising and GATT interfaces drops TTL 1.
	if enc.Header.TTL == 1 {
		return ErrTTLFilter
	}

	if p.log != nil {
		p.log.Tracef("send src %s dst %s seq 0x%06x ttl %d", tx.Src, tx.Dst, enc.Header.Seq, enc.Header.TTL)
	}
	p.stats.sent.Add(1)
	return p.transmit(enc.Raw, true, true, nil)
}

// transmit hands raw to the advertising and/or proxy bearers, except skip.
func (p *Pipeline) transmit(raw []byte, toAdv, toProxy bool, skip bearer.Bearer) error {
	p.mu.RLock()
	bearers := p.bearers
	p.mu.RUnlock()

	var errs []error
	for _, b := range bearers {
		switch b.Kind() {
		case bearer.KindAdv:
			if !toAdv {
				continue
			}
		case bearer.KindProxy:
			if !toProxy {
				continue
			}
		default:
			continue
		}
		if skip != nil && b == skip {
			continue
		}
		if err := b.Send(raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Decode authenticates a received PDU. It returns the receive context and
// the cleartext PDU without NetMIC. The message is recorded in the message
// cache.
func (p *Pipeline) Decode(raw []byte, kind bearer.Kind) (*RxContext, []byte, error) {
	if err := message.CheckLength(raw); err != nil {
		p.stats.dropMalformed.Add(1)
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPDU, err)
	}
	if kind.IsBroadcast() && p.dupCache.Check(raw) {
		p.stats.dropDuplicate.Add(1)
		return nil, nil, ErrDuplicate
	}

	nonce := message.NonceNetwork
	if kind == bearer.KindProxyConfig {
		nonce = message.NonceProxy
	}
	ivi := message.IVI(raw)
	iv := p.state.IVIndexRX(ivi)

	cands := p.store.Candidates(message.NID(raw))
	defer func() {
		for i := range cands {
			cands[i].Cred.Zeroize()
		}
	}()

	var (
		pdu   []byte
		match *subnet.Candidate
	)
	for i := range cands {
		p.stats.decryptAttempts.Add(1)
		out, err := p.codec.Open(raw, &cands[i].Cred, iv, nonce)
		if err != nil {
			continue
		}
		pdu, match = out, &cands[i]
		break
	}
	if match == nil {
		p.stats.dropNoCredentials.Add(1)
		return nil, nil, ErrNoMatchingCredentials
	}

	rx := &RxContext{
		NetIndex:   match.NetIndex,
		Slot:       match.Slot,
		NewKey:     match.NewKey(),
		FriendCred: match.Friend,
		Friendship: match.Friendship,
		Src:        message.Src(pdu),
		Dst:        message.Dst(pdu),
		Seq:        message.Seq(pdu),
		CTL:        message.CTL(pdu),
		TTL:        message.TTL(pdu),
		IVIndex:    iv,
		OldIV:      iv != p.state.IVIndex(),
		Bearer:     kind,
	}

	if !rx.Src.IsUnicast() {
		p.stats.dropAddressing.Add(1)
		return nil, nil, fmt.Errorf("%w: non-unicast source %s", ErrInvalidAddressing, rx.Src)
	}
	if p.addrs.HasAddress(rx.Src) {
		p.stats.dropAddressing.Add(1)
		return nil, nil, fmt.Errorf("%w: locally originated source %s", ErrInvalidAddressing, rx.Src)
	}
	if kind != bearer.KindProxyConfig && rx.Dst.IsUnassigned() {
		p.stats.dropAddressing.Add(1)
		return nil, nil, fmt.Errorf("%w: unassigned destination", ErrInvalidAddressing)
	}
	if p.msgCache.CheckAndAdd(rx.Src, rx.Seq) {
		p.stats.dropReplay.Add(1)
		return nil, nil, ErrReplay
	}

	p.stats.decoded.Add(1)
	return rx, pdu, nil
}

// Recv processes one PDU from a bearer: decode, local and friend delivery,
// then relay.
func (p *Pipeline) Recv(raw []byte, kind bearer.Kind) error {
	return p.recv(raw, kind, nil)
}

// recv is Recv for a PDU that arrived on bearer from, which may be nil.
func (p *Pipeline) recv(raw []byte, kind bearer.Kind, from bearer.Bearer) error {
	p.stats.received.Add(1)

	rx, pdu, err := p.Decode(raw, kind)
	if err != nil {
		return err
	}

	f := p.Features()
	if kind == bearer.KindProxyConfig {
		// Proxy configuration is addressed to the proxy server itself.
		rx.LocalMatch = true
		p.deliver(pdu, rx)
		return nil
	}

	rx.LocalMatch = p.localMatch(rx.Dst, f)
	if kind == bearer.KindProxy && !f.GATTProxy && !rx.LocalMatch {
		p.stats.dropProxyDisabled.Add(1)
		return ErrProxyDisabled
	}
	if p.friends != nil {
		rx.FriendMatch = p.friends.FriendMatch(rx.NetIndex, rx.Dst)
	}

	if rx.LocalMatch || rx.FriendMatch {
		p.deliver(pdu, rx)
	}

	// Relay group and virtual traffic, and unicast traffic for other nodes.
	if !rx.Dst.IsUnicast() || (!rx.LocalMatch && !rx.FriendMatch) {
		p.relay(pdu, rx, f, from)
	}
	return nil
}

// deliver hands the transport PDU to the upper layer.
func (p *Pipeline) deliver(pdu []byte, rx *RxContext) {
	if p.upper == nil {
		return
	}
	transport := make([]byte, len(pdu)-message.HeaderSize)
	copy(transport, pdu[message.HeaderSize:])

	p.stats.delivered.Add(1)
	err := p.upper.ReceiveNetwork(transport, rx)
	if errors.Is(err, ErrTryAgain) && rx.Bearer != bearer.KindLocal {
		if p.log != nil {
			p.log.Warnf("removing rejected message 0x%04x/0x%06x from message cache", uint16(rx.Src), rx.Seq)
		}
		p.msgCache.Remove(rx.Src, rx.Seq)
	} else if err != nil && p.log != nil {
		p.log.Debugf("upper layer rejected message from %s: %v", rx.Src, err)
	}
}

// deliverLocal runs on the loopback actor.
func (p *Pipeline) deliverLocal(e loopbackEntry) {
	iv := p.state.IVIndexRX(message.IVI(e.pdu))
	rx := &RxContext{
		NetIndex:   e.netIdx,
		Slot:       e.slot,
		NewKey:     e.slot == 1,
		Src:        message.Src(e.pdu),
		Dst:        message.Dst(e.pdu),
		Seq:        message.Seq(e.pdu),
		CTL:        message.CTL(e.pdu),
		TTL:        message.TTL(e.pdu),
		IVIndex:    iv,
		OldIV:      iv != p.state.IVIndex(),
		Bearer:     bearer.KindLocal,
		LocalMatch: true,
	}
	p.deliver(e.pdu, rx)
}

// relay retransmits a received PDU with TTL decremented. It is secured with
// the credentials of the slot that authenticated it and the IV index it was
// received with, since the upper transport nonce also carries that index.
// Proxy traffic is not echoed to the proxy bearer it came from.
func (p *Pipeline) relay(pdu []byte, rx *RxContext, f Features, from bearer.Bearer) {
	if rx.TTL <= 1 {
		return
	}
	if rx.Bearer == bearer.KindAdv && !rx.FriendCred && !f.Relay && !f.GATTProxy {
		return
	}

	cand, ok := p.store.Credentials(rx.NetIndex, rx.Slot)
	if !ok {
		// The subnet or its slot went away since the PDU was decoded.
		return
	}
	defer cand.Cred.Zeroize()

	out := make([]byte, len(pdu), len(pdu)+message.MICSizeControl)
	copy(out, pdu)
	message.SetTTL(out, rx.TTL-1)
	if rx.FriendCred {
		message.SetNID(out, cand.Cred.NID)
	}

	raw, err := p.codec.Secure(out, &cand.Cred, rx.IVIndex, message.NonceNetwork)
	if err != nil {
		if p.log != nil {
			p.log.Errorf("re-encrypting relayed PDU failed: %v", err)
		}
		return
	}

	toProxy := f.GATTProxy || rx.FriendCred
	toAdv := relayToAdv(rx.Bearer, f) || rx.FriendCred
	if !toProxy && !toAdv {
		return
	}
	if p.log != nil {
		p.log.Tracef("relaying src %s dst %s ttl %d", rx.Src, rx.Dst, rx.TTL-1)
	}
	var skip bearer.Bearer
	if rx.Bearer == bearer.KindProxy {
		skip = from
	}
	p.stats.relayed.Add(1)
	if err := p.transmit(raw, toAdv, toProxy, skip); err != nil && p.log != nil {
		p.log.Debugf("relay transmit: %v", err)
	}
}
