package types

import (
	"fmt"
	"time"
)

// SessionID identifies one live transport-level connection. The transport
// allocates ids; this layer only uses them as map keys.
type SessionID uint64

// String returns the session id in the form used by logs.
func (s SessionID) String() string {
	return fmt.Sprintf("session-%d", uint64(s))
}

// ProtocolID is the stable numeric identifier of a wire protocol. Ids must
// match across implementations for interoperability.
type ProtocolID uint64

// ProtocolVersion is a negotiated protocol version string ("1", "2", ...).
type ProtocolVersion = string

// SessionKind records which side dialed the connection.
type SessionKind int

const (
	// SessionInbound - the remote peer dialed us
	SessionInbound SessionKind = iota
	// SessionOutbound - we dialed the remote peer
	SessionOutbound
)

// IsOutbound returns true for connections we initiated.
func (k SessionKind) IsOutbound() bool { return k == SessionOutbound }

// IsInbound returns true for connections the remote peer initiated.
func (k SessionKind) IsInbound() bool { return k == SessionInbound }

func (k SessionKind) String() string {
	if k.IsOutbound() {
		return "outbound"
	}
	return "inbound"
}

// Behaviour is a peer conduct report forwarded to the peer store's scoring
// seam via ReportPeer. Scores are deltas, negative values penalize.
type Behaviour int

const (
	// BehaviourConnect - peer completed a connection
	BehaviourConnect Behaviour = 10
	// BehaviourPing - peer answered a ping in time
	BehaviourPing Behaviour = 5
	// BehaviourTimeout - peer failed to answer within the protocol deadline
	BehaviourTimeout Behaviour = -20
	// BehaviourInvalidMessage - peer sent a message that failed validation
	BehaviourInvalidMessage Behaviour = -50
)

// HandshakeTimeout is the default time a peer has to send its identify
// payload after the identify protocol opens.
const HandshakeTimeout = 8 * time.Second
