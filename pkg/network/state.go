package network

import (
	"sync"

	"github.com/backkem/mesh/pkg/message"
	"github.com/pion/logging"
)

const (
	// DefaultMinIVDuration is the minimum time in hours between IV update
	// state changes (Mesh Profile Section 3.10.5).
	DefaultMinIVDuration = 96

	// DefaultSeqLimit is the sequence number above which the node initiates
	// an IV update on its own.
	DefaultSeqLimit = 8000000

	// ivRecoveryLimit is the largest IV index jump accepted as recovery.
	ivRecoveryLimit = 42
)

// StateConfig configures the network state.
type StateConfig struct {
	// IVIndex and IVUpdate are the values received at provisioning.
	IVIndex  uint32
	IVUpdate bool

	// MinIVDuration is the minimum duration of an IV update state in hours
	// (default: 96).
	MinIVDuration uint32

	// SeqLimit triggers a self-initiated IV update (default: 8,000,000).
	SeqLimit uint32

	// HasPrimary reports whether the primary subnet exists. Only a node
	// holding the primary subnet initiates an IV update. Optional.
	HasPrimary func() bool

	// TxInProgress reports whether segmented transmissions are waiting for
	// acknowledgement. Completing an IV update is deferred while it returns
	// true. Optional.
	TxInProgress func() bool

	// LoggerFactory is the factory for creating loggers. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration for errors.
func (c *StateConfig) Validate() error {
	if c.SeqLimit > message.SeqMax {
		return ErrInvalidConfig
	}
	return nil
}

func (c *StateConfig) applyDefaults() {
	if c.MinIVDuration == 0 {
		c.MinIVDuration = DefaultMinIVDuration
	}
	if c.SeqLimit == 0 {
		c.SeqLimit = DefaultSeqLimit
	}
}

// StateEvent describes an IV index state transition.
type StateEvent struct {
	IVIndex    uint32
	InProgress bool

	// Recovery is set when the index jumped by more than one.
	Recovery bool

	// ReplayReset is set when the replay protection list must be cleared.
	ReplayReset bool
}

// StateListener receives state transitions after the state lock is released.
type StateListener func(StateEvent)

// Snapshot is the persistent form of the network state.
type Snapshot struct {
	IVIndex  uint32
	IVUpdate bool
	Seq      uint32
	Hours    uint32
}

// State is the network-wide state of one node: the IV index, the IV update
// procedure and the sequence number counter. All accessors are serialized
// by one mutex, so concurrent senders never observe the same sequence
// number.
type State struct {
	ivIndex    uint32
	seq        uint32
	inProgress bool
	initiator  bool
	pending    bool
	testMode   bool
	recovered  bool
	hours      uint32

	minHours     uint32
	seqLimit     uint32
	hasPrimary   func() bool
	txInProgress func() bool
	listeners    []StateListener
	log          logging.LeveledLogger

	mu sync.Mutex
}

// NewState creates the state of a freshly provisioned node. The duration
// counter starts at the minimum so that the first transition is allowed
// immediately.
func NewState(config StateConfig) (*State, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	s := &State{
		ivIndex:      config.IVIndex,
		inProgress:   config.IVUpdate,
		hours:        config.MinIVDuration,
		minHours:     config.MinIVDuration,
		seqLimit:     config.SeqLimit,
		hasPrimary:   config.HasPrimary,
		txInProgress: config.TxInProgress,
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("ivu")
	}
	return s, nil
}

// AddListener registers a listener for IV index transitions.
func (s *State) AddListener(l StateListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// notify dispatches ev. Caller must not hold the lock.
func (s *State) notify(ev StateEvent) {
	s.mu.Lock()
	listeners := make([]StateListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// IVIndex returns the current IV index.
func (s *State) IVIndex() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ivIndex
}

// IVIndexTX returns the IV index used to secure outgoing PDUs. While an
// update is in progress this is the previous index.
func (s *State) IVIndexTX() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ivIndex - b2u(s.inProgress)
}

// IVIndexRX returns the IV index selected by a received IVI bit: the
// current index when the parity matches, the previous one otherwise.
func (s *State) IVIndexRX(ivi uint8) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ivIndex - b2u(uint32(ivi&1) != s.ivIndex&1)
}

// InProgress reports whether an IV update is in progress.
func (s *State) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}

// Initiator reports whether this node initiated the current IV update
// state, which decides who completes it once the minimum duration passed.
func (s *State) Initiator() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initiator
}

// SetInitiator sets the initiator flag.
func (s *State) SetInitiator(initiator bool) {
	s.mu.Lock()
	s.initiator = initiator
	s.mu.Unlock()
}

// Pending reports whether completing an IV update is deferred.
func (s *State) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Hours returns the time spent in the current IV update state.
func (s *State) Hours() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hours
}

// Seq returns the next sequence number to be allocated.
func (s *State) Seq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// SetTestMode lifts the minimum duration requirement.
func (s *State) SetTestMode(enabled bool) {
	s.mu.Lock()
	s.testMode = enabled
	s.mu.Unlock()
}

// NextSeq allocates a sequence number. Crossing the sequence limit in normal
// operation on a node holding the primary subnet starts an IV update.
func (s *State) NextSeq() (uint32, error) {
	seq, _, err := s.NextTx()
	return seq, err
}

// NextTx allocates a sequence number together with the TX IV index it must
// be secured with, under one lock.
func (s *State) NextTx() (seq, ivIndex uint32, err error) {
	s.mu.Lock()
	if s.seq > message.SeqMax {
		s.mu.Unlock()
		return 0, 0, ErrSeqExhausted
	}
	seq = s.seq
	ivIndex = s.ivIndex - b2u(s.inProgress)
	s.seq++

	var (
		ev    StateEvent
		evErr = ErrIVNoChange
	)
	if !s.inProgress && s.seq > s.seqLimit && s.hasPrimary != nil && s.hasPrimary() {
		s.initiator = true
		ev, evErr = s.ivUpdate(s.ivIndex+1, true)
	}
	s.mu.Unlock()

	if evErr == nil {
		s.notify(ev)
	}
	return seq, ivIndex, nil
}

// IVUpdate applies IV index evidence from an authenticated beacon or a
// local timer. Returns true if the state changed.
func (s *State) IVUpdate(ivIndex uint32, update bool) bool {
	return s.ApplyIVIndex(ivIndex, update) == nil
}

// ApplyIVIndex is IVUpdate with the reason for an unchanged state.
func (s *State) ApplyIVIndex(ivIndex uint32, update bool) error {
	s.mu.Lock()
	ev, err := s.ivUpdate(ivIndex, update)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.notify(ev)
	return nil
}

// ivUpdate implements the IV update procedure (Mesh Profile Section 3.10.5).
// Caller holds the lock.
func (s *State) ivUpdate(ivIndex uint32, update bool) (StateEvent, error) {
	recovery := false

	if s.inProgress {
		if ivIndex != s.ivIndex {
			if s.log != nil {
				s.log.Warnf("IV index mismatch: 0x%08x != 0x%08x", ivIndex, s.ivIndex)
			}
			return StateEvent{}, ErrIVIndexMismatch
		}
		if update {
			return StateEvent{}, ErrIVNoChange
		}
	} else {
		if ivIndex == s.ivIndex {
			return StateEvent{}, ErrIVNoChange
		}
		if ivIndex < s.ivIndex || uint64(ivIndex) > uint64(s.ivIndex)+ivRecoveryLimit {
			if s.log != nil {
				s.log.Warnf("IV index out of sync: 0x%08x != 0x%08x", ivIndex, s.ivIndex)
			}
			return StateEvent{}, ErrIVIndexOutOfSync
		}
		if ivIndex > s.ivIndex+1 {
			if s.recovered && !s.testMode && s.hours < 2*s.minHours {
				if s.log != nil {
					s.log.Warnf("IV index recovery before minimum delay (%d < %d hours)", s.hours, 2*s.minHours)
				}
				return StateEvent{}, ErrIVRecoveryTooSoon
			}
			if s.log != nil {
				s.log.Warnf("performing IV index recovery 0x%08x -> 0x%08x", s.ivIndex, ivIndex)
			}
			recovery = true
			s.recovered = true
			s.ivIndex = ivIndex
			s.seq = 0
		} else if !update {
			if s.log != nil {
				s.log.Warnf("ignoring new IV index 0x%08x in normal mode", ivIndex)
			}
			return StateEvent{}, ErrIVNoChange
		}
	}

	if !recovery {
		if !s.testMode && s.hours < s.minHours {
			if s.log != nil {
				s.log.Warnf("IV update before minimum duration (%d < %d hours)", s.hours, s.minHours)
			}
			return StateEvent{}, ErrIVUpdateTooSoon
		}
		if !update && s.txInProgress != nil && s.txInProgress() {
			if s.log != nil {
				s.log.Warn("IV update deferred because of pending transfer")
			}
			s.pending = true
			return StateEvent{}, ErrIVUpdateDeferred
		}
	}

	s.inProgress = update
	s.pending = false
	s.hours = 0
	if update {
		s.ivIndex = ivIndex
		if s.log != nil {
			s.log.Infof("IV update state entered, new index 0x%08x", s.ivIndex)
		}
	} else {
		// The TX IV index changes only here, so the sequence space restarts.
		s.seq = 0
		if s.log != nil {
			s.log.Infof("normal mode entered, IV index 0x%08x", s.ivIndex)
		}
	}

	return StateEvent{
		IVIndex:     s.ivIndex,
		InProgress:  s.inProgress,
		Recovery:    recovery,
		ReplayReset: update || recovery,
	}, nil
}

// HourElapsed advances the IV update duration by one hour. Once the minimum
// duration passed while in progress, this node completes the update.
func (s *State) HourElapsed() {
	s.mu.Lock()
	s.hours++
	if s.hours < s.minHours || !s.inProgress {
		s.mu.Unlock()
		return
	}
	s.initiator = true
	ev, err := s.ivUpdate(s.ivIndex, false)
	s.mu.Unlock()

	if err == nil {
		s.notify(ev)
	}
}

// SegmentsDrained completes a deferred IV update once the last segmented
// transmission finished.
func (s *State) SegmentsDrained() bool {
	s.mu.Lock()
	if !s.pending {
		s.mu.Unlock()
		return false
	}
	s.pending = false
	ev, err := s.ivUpdate(s.ivIndex, false)
	s.mu.Unlock()

	if err != nil {
		return false
	}
	s.notify(ev)
	return true
}

// Snapshot returns the persistent form of the state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		IVIndex:  s.ivIndex,
		IVUpdate: s.inProgress,
		Seq:      s.seq,
		Hours:    s.hours,
	}
}

// Restore loads a persisted state. No listeners are notified.
func (s *State) Restore(snap Snapshot) {
	s.mu.Lock()
	s.ivIndex = snap.IVIndex
	s.inProgress = snap.IVUpdate
	s.seq = snap.Seq
	s.hours = snap.Hours
	s.pending = false
	s.initiator = false
	s.recovered = false
	s.mu.Unlock()
}
