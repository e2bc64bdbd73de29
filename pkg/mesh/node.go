package mesh

import (
	"fmt"
	"sync"

	"github.com/backkem/mesh/pkg/bearer"
	"github.com/backkem/mesh/pkg/message"
	"github.com/backkem/mesh/pkg/network"
	"github.com/backkem/mesh/pkg/subnet"
	"github.com/pion/logging"
)

// Node represents one mesh node. It owns the subnet store, the network
// state and the pipeline, and keeps Storage in sync with both.
type Node struct {
	config NodeConfig
	log    logging.LeveledLogger

	store    *subnet.Store
	netState *network.State
	addrs    *network.StaticAddresses
	pipeline *network.Pipeline

	// seqReserved is the sequence number recorded in storage. Numbers below
	// it may be used without another write.
	seqReserved uint32
	persistMu   sync.Mutex

	mu          sync.RWMutex
	provisioned bool
	running     bool
	stopped     bool
}

// NewNode creates a node and loads its persisted state. The node is created
// but not started.
func NewNode(config NodeConfig) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	n := &Node{config: config}
	if config.LoggerFactory != nil {
		n.log = config.LoggerFactory.NewLogger("mesh")
	}

	store, err := subnet.NewStore(subnet.StoreConfig{
		Capacity:       config.SubnetCapacity,
		FriendCapacity: config.FriendCapacity,
		Provider:       config.Provider,
		GATTProxy:      config.Features.GATTProxy,
		LoggerFactory:  config.LoggerFactory,
	})
	if err != nil {
		return nil, fmt.Errorf("subnet store: %w", err)
	}
	n.store = store

	netState, err := network.NewState(network.StateConfig{
		MinIVDuration: config.MinIVDuration,
		SeqLimit:      config.SeqLimit,
		HasPrimary:    func() bool { return store.Exists(subnet.PrimaryNetIndex) },
		TxInProgress:  config.TxInProgress,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, fmt.Errorf("network state: %w", err)
	}
	n.netState = netState

	n.addrs = network.NewStaticAddresses(message.AddrUnassigned, config.Elements)

	pipeline, err := network.NewPipeline(network.Config{
		Store:              store,
		State:              netState,
		Addresses:          n.addrs,
		Friends:            config.Friends,
		Upper:              config.Upper,
		Provider:           config.Provider,
		Bearers:            config.Bearers,
		Features:           config.Features,
		DefaultTTL:         config.DefaultTTL,
		MessageCacheSize:   config.MessageCacheSize,
		DuplicateCacheSize: config.DuplicateCacheSize,
		LoggerFactory:      config.LoggerFactory,
	})
	if err != nil {
		return nil, fmt.Errorf("network pipeline: %w", err)
	}
	n.pipeline = pipeline

	if err := n.loadState(); err != nil {
		return nil, err
	}

	store.AddListener(n.onSubnetEvent)
	netState.AddListener(n.onStateEvent)
	return n, nil
}

// loadState restores subnets and the network state from storage.
func (n *Node) loadState() error {
	records, err := n.config.Storage.LoadSubnets()
	if err != nil {
		return fmt.Errorf("load subnets: %w", err)
	}
	ns, err := n.config.Storage.LoadNetState()
	if err != nil {
		return fmt.Errorf("load net state: %w", err)
	}
	if ns == nil {
		if len(records) > 0 && n.log != nil {
			n.log.Warnf("ignoring %d stored subnets without network state", len(records))
		}
		return nil
	}

	for _, r := range records {
		oldKey, newKey := r.Keys[0], r.Keys[1]
		if r.Phase == subnet.PhaseNormal {
			newKey = nil
		}
		if err := n.store.Set(r.NetIndex, r.Phase, oldKey, newKey); err != nil {
			return fmt.Errorf("restore subnet 0x%03x: %w", r.NetIndex, err)
		}
	}

	n.netState.Restore(network.Snapshot{
		IVIndex:  ns.IVIndex,
		IVUpdate: ns.IVUpdate,
		Seq:      ns.Seq,
		Hours:    ns.Hours,
	})
	n.addrs.SetPrimary(ns.Address)
	n.seqReserved = ns.Seq
	n.provisioned = true

	if n.log != nil {
		n.log.Infof("restored node %s with %d subnets, IV index 0x%08x, seq 0x%06x",
			ns.Address, len(records), ns.IVIndex, ns.Seq)
	}
	return nil
}

// onSubnetEvent mirrors every subnet change into storage.
func (n *Node) onSubnetEvent(e subnet.Event) {
	var err error
	if e.Type == subnet.EventDeleted {
		err = n.config.Storage.DeleteSubnet(e.NetIndex)
	} else if r, ok := n.store.Record(e.NetIndex); ok {
		err = n.config.Storage.StoreSubnet(r)
	}
	if err != nil && n.log != nil {
		n.log.Warnf("persist subnet 0x%03x after %s: %v", e.NetIndex, e.Type, err)
	}
}

func (n *Node) onStateEvent(e network.StateEvent) {
	if n.log != nil {
		n.log.Infof("IV index 0x%08x, update in progress %v", e.IVIndex, e.InProgress)
	}
	if err := n.storeNetState(); err != nil && n.log != nil {
		n.log.Warnf("persist net state: %v", err)
	}
	if n.config.OnIVIndexChanged != nil {
		n.config.OnIVIndexChanged(e)
	}
}

// storeNetState writes the network state with a sequence number reserved
// SeqStoreRate numbers ahead of the current one.
func (n *Node) storeNetState() error {
	n.persistMu.Lock()
	defer n.persistMu.Unlock()

	snap := n.netState.Snapshot()
	reserved := snap.Seq + n.config.SeqStoreRate
	if reserved > message.SeqMax+1 {
		reserved = message.SeqMax + 1
	}
	err := n.config.Storage.StoreNetState(&NetState{
		Address:  n.addrs.Primary(),
		IVIndex:  snap.IVIndex,
		IVUpdate: snap.IVUpdate,
		Seq:      reserved,
		Hours:    snap.Hours,
	})
	if err != nil {
		return err
	}
	n.seqReserved = reserved
	return nil
}

// storeSeq persists the network state once the reserved sequence range is
// used up.
func (n *Node) storeSeq() {
	n.persistMu.Lock()
	due := n.netState.Seq() >= n.seqReserved
	n.persistMu.Unlock()

	if !due {
		return
	}
	if err := n.storeNetState(); err != nil && n.log != nil {
		n.log.Warnf("persist sequence number: %v", err)
	}
}

// State returns the lifecycle state of the node.
func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stateLocked()
}

func (n *Node) stateLocked() NodeState {
	switch {
	case n.stopped:
		return NodeStateStopped
	case n.provisioned && n.running:
		return NodeStateRunning
	case n.provisioned:
		return NodeStateProvisioned
	default:
		return NodeStateUnprovisioned
	}
}

// notifyState reports a lifecycle change to OnStateChanged.
func (n *Node) notifyState(before NodeState) {
	after := n.State()
	if after == before {
		return
	}
	if n.log != nil {
		n.log.Infof("node state %s -> %s", before, after)
	}
	if n.config.OnStateChanged != nil {
		n.config.OnStateChanged(after)
	}
}

// Provision makes the node a member of a network: netKey becomes the key of
// subnet netIdx, addr the primary element address. A set key refresh flag
// places the subnet in Phase2 with netKey in both slots.
func (n *Node) Provision(netIdx uint16, netKey []byte, flags uint8, ivIndex uint32, addr message.Address) error {
	if !addr.IsUnicast() || int(addr)+n.config.Elements-1 > maxElements {
		return ErrInvalidAddress
	}

	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return ErrAlreadyStopped
	}
	if n.provisioned {
		n.mu.Unlock()
		return ErrAlreadyProvisioned
	}
	before := n.stateLocked()

	if flags&subnet.FlagKeyRefresh != 0 {
		if err := n.store.Set(netIdx, subnet.Phase2, netKey, netKey); err != nil {
			n.mu.Unlock()
			return fmt.Errorf("provision subnet: %w", err)
		}
		// Set raises no event.
		n.onSubnetEvent(subnet.Event{Type: subnet.EventSwapped, NetIndex: netIdx, Phase: subnet.Phase2})
	} else if err := n.store.Add(netIdx, netKey); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("provision subnet: %w", err)
	}

	minHours := n.config.MinIVDuration
	if minHours == 0 {
		minHours = network.DefaultMinIVDuration
	}
	n.netState.Restore(network.Snapshot{
		IVIndex:  ivIndex,
		IVUpdate: flags&subnet.FlagIVUpdate != 0,
		Hours:    minHours,
	})
	n.addrs.SetPrimary(addr)
	n.provisioned = true
	n.mu.Unlock()

	if n.log != nil {
		n.log.Infof("provisioned as %s on subnet 0x%03x, IV index 0x%08x, flags 0x%02x", addr, netIdx, ivIndex, flags)
	}
	if err := n.storeNetState(); err != nil {
		return fmt.Errorf("persist net state: %w", err)
	}
	n.notifyState(before)
	return nil
}

// Reset returns the node to the unprovisioned state. Every subnet key is
// destroyed and the stored state is removed. Running bearers stay up.
func (n *Node) Reset() error {
	n.mu.Lock()
	if !n.provisioned {
		n.mu.Unlock()
		return ErrNotProvisioned
	}
	before := n.stateLocked()
	n.provisioned = false
	n.mu.Unlock()

	n.store.Clear()
	n.pipeline.ClearReplayCaches()
	n.addrs.SetPrimary(message.AddrUnassigned)
	n.netState.Restore(network.Snapshot{})

	n.persistMu.Lock()
	n.seqReserved = 0
	err := n.config.Storage.DeleteNetState()
	n.persistMu.Unlock()

	if n.log != nil {
		n.log.Info("node reset")
	}
	n.notifyState(before)
	return err
}

// Start starts the bearers of a provisioned node.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return ErrAlreadyStopped
	}
	if n.running {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	if !n.provisioned {
		n.mu.Unlock()
		return ErrNotProvisioned
	}
	before := n.stateLocked()

	if err := n.pipeline.Start(); err != nil {
		n.mu.Unlock()
		n.pipeline.Stop()
		return err
	}
	n.running = true
	n.mu.Unlock()

	n.notifyState(before)
	return nil
}

// Stop closes the bearers and writes the network state. A stopped node
// cannot be restarted.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return ErrAlreadyStopped
	}
	if !n.running {
		n.mu.Unlock()
		return ErrNotStarted
	}
	before := n.stateLocked()
	provisioned := n.provisioned
	n.running = false
	n.stopped = true
	n.mu.Unlock()

	err := n.pipeline.Stop()
	if provisioned {
		if serr := n.storeNetState(); serr != nil && err == nil {
			err = serr
		}
	}
	n.notifyState(before)
	return err
}

// Send secures and transmits one message. An unassigned source is replaced
// by the primary element address.
func (n *Node) Send(tx *network.TxContext, transport []byte) error {
	n.mu.RLock()
	provisioned := n.provisioned
	n.mu.RUnlock()
	if !provisioned {
		return ErrNotProvisioned
	}

	if tx.Src.IsUnassigned() {
		tx.Src = n.addrs.Primary()
	}
	err := n.pipeline.Send(tx, transport)
	n.storeSeq()
	return err
}

// AddBearer attaches a bearer to the pipeline.
func (n *Node) AddBearer(b bearer.Bearer) error {
	return n.pipeline.AddBearer(b)
}

// BeaconEvidence is the content of an authenticated secure network beacon.
type BeaconEvidence struct {
	// NetIndex is the subnet whose beacon key authenticated the beacon.
	NetIndex uint16

	// NewKey is set when the key refresh slot authenticated the beacon.
	NewKey bool

	// KeyRefresh and IVUpdate are the beacon's net flags.
	KeyRefresh bool
	IVUpdate   bool

	IVIndex uint32
}

// ProcessBeacon applies the key refresh and IV index evidence of an
// authenticated beacon. It reports whether the key refresh phase and the
// IV index state changed.
func (n *Node) ProcessBeacon(ev BeaconEvidence) (krChanged, ivChanged bool) {
	n.mu.RLock()
	provisioned := n.provisioned
	n.mu.RUnlock()
	if !provisioned {
		return false, false
	}

	krChanged = n.store.KRUpdate(ev.NetIndex, ev.KeyRefresh, ev.NewKey)

	// With the primary subnet present only its beacons carry IV evidence.
	if ev.NetIndex != subnet.PrimaryNetIndex && n.store.Exists(subnet.PrimaryNetIndex) {
		return krChanged, false
	}

	if n.netState.Initiator() && n.netState.InProgress() == ev.IVUpdate {
		n.netState.SetInitiator(false)
	}

	err := n.netState.ApplyIVIndex(ev.IVIndex, ev.IVUpdate)
	if err != nil && n.log != nil {
		n.log.Debugf("beacon on subnet 0x%03x: %v", ev.NetIndex, err)
	}
	return krChanged, err == nil
}

// BeaconFlags returns the net flags octet to advertise for a subnet.
func (n *Node) BeaconFlags(netIdx uint16) uint8 {
	return n.store.Flags(netIdx, n.netState.InProgress())
}

// HourElapsed advances the IV update timer by one hour and persists the
// duration.
func (n *Node) HourElapsed() {
	n.mu.RLock()
	provisioned := n.provisioned
	n.mu.RUnlock()
	if !provisioned {
		return
	}

	n.netState.HourElapsed()
	if err := n.storeNetState(); err != nil && n.log != nil {
		n.log.Warnf("persist net state: %v", err)
	}
}

// SegmentsDrained completes an IV update deferred by pending segmented
// transmissions.
func (n *Node) SegmentsDrained() bool {
	return n.netState.SegmentsDrained()
}

// Subnets returns the subnet store.
func (n *Node) Subnets() *subnet.Store {
	return n.store
}

// IVState returns the network state.
func (n *Node) IVState() *network.State {
	return n.netState
}

// Pipeline returns the network pipeline.
func (n *Node) Pipeline() *network.Pipeline {
	return n.pipeline
}

// Addresses returns the element address resolver. Group subscriptions are
// added through it.
func (n *Node) Addresses() *network.StaticAddresses {
	return n.addrs
}

// Address returns the primary element address.
func (n *Node) Address() message.Address {
	return n.addrs.Primary()
}
