package network

import (
	"github.com/backkem/mesh/pkg/bearer"
	"github.com/backkem/mesh/pkg/message"
	"github.com/backkem/mesh/pkg/subnet"
)

// TTLDefault in TxContext.TTL selects the configured default TTL.
const TTLDefault uint8 = 0xFF

// TxContext describes one outgoing message.
type TxContext struct {
	NetIndex uint16
	Src      message.Address
	Dst      message.Address

	// TTL is the initial TTL, or TTLDefault.
	TTL uint8

	// CTL marks a control message.
	CTL bool

	// FriendCred asks for friendship credentials towards Dst.
	FriendCred bool
}

// RxContext describes one received, authenticated message.
type RxContext struct {
	NetIndex uint16

	// Slot is the key slot that authenticated the PDU.
	Slot int

	// NewKey is set when the key refresh slot authenticated the PDU.
	NewKey bool

	// FriendCred is set when friendship credentials authenticated the PDU;
	// Friendship then identifies them.
	FriendCred bool
	Friendship subnet.Friendship

	Src message.Address
	Dst message.Address
	Seq uint32
	CTL bool

	// TTL is the received TTL.
	TTL uint8

	// IVIndex is the IV index the PDU was secured with; OldIV is set when
	// this is the previous index.
	IVIndex uint32
	OldIV   bool

	Bearer bearer.Kind

	// LocalMatch is set when Dst is an address of this node;
	// FriendMatch when it belongs to a Low Power node this node is Friend of.
	LocalMatch  bool
	FriendMatch bool
}

// ReplyTTL returns the TTL a response should use: 0 for messages received
// with TTL 0, which were not relayed, and TTLDefault otherwise.
func (rx *RxContext) ReplyTTL() uint8 {
	if rx.TTL == 0 {
		return 0
	}
	return TTLDefault
}

// AddressResolver answers whether an address belongs to this node: one of
// its element addresses or a group or virtual address it subscribes to.
type AddressResolver interface {
	HasAddress(addr message.Address) bool
}

// FriendMatcher reports whether dst belongs to a Low Power node for which
// this node stores messages.
type FriendMatcher interface {
	FriendMatch(netIdx uint16, dst message.Address) bool
}

// UpperTransport consumes locally relevant traffic. transport is the
// transport PDU without the network header and is owned by the callee.
// Returning ErrTryAgain evicts the message from the message cache so that a
// retransmission is processed again.
type UpperTransport interface {
	ReceiveNetwork(transport []byte, rx *RxContext) error
}

// UpperFunc adapts a function to UpperTransport.
type UpperFunc func(transport []byte, rx *RxContext) error

// ReceiveNetwork calls f.
func (f UpperFunc) ReceiveNetwork(transport []byte, rx *RxContext) error {
	return f(transport, rx)
}

// Features holds the administrative feature states that affect fixed group
// matching and relaying.
type Features struct {
	Relay     bool
	GATTProxy bool
	Friend    bool
}

// fixedGroupMatch reports whether a fixed group address addresses this node.
func fixedGroupMatch(addr message.Address, f Features) bool {
	switch addr {
	case message.AddrAllNodes:
		return true
	case message.AddrAllProxies:
		return f.GATTProxy
	case message.AddrAllFriends:
		return f.Friend
	case message.AddrAllRelays:
		return f.Relay
	default:
		return false
	}
}

// relayToAdv reports whether traffic received on kind is relayed onto the
// advertising bearer.
func relayToAdv(kind bearer.Kind, f Features) bool {
	switch kind {
	case bearer.KindAdv:
		return f.Relay
	case bearer.KindProxy:
		return f.GATTProxy
	default:
		return false
	}
}
