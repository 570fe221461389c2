package protocol

import (
	"github.com/moltbunker/peermesh/pkg/types"
)

// latestVersion is the newest protocol version spoken on every protocol.
const latestVersion = "2"

// SupportProtocol enumerates every protocol this node can open. The numeric
// ids, names and frame limits are part of the wire contract and must match
// across implementations.
type SupportProtocol int

const (
	// Ping - health check for ping/pong
	Ping SupportProtocol = iota
	// Discovery - address gossip to build a robust network topology
	Discovery
	// Identify - the first protocol opened when two nodes interconnect;
	// negotiates network membership, capabilities, versions and addresses
	Identify
	// Feeler - short-lived outbound probe verifying an address is alive
	Feeler
	// DisconnectMessage - carries a debug reason to the remote right
	// before a disconnect
	DisconnectMessage
	// Sync - bulk state synchronization
	Sync
	// Relay - latest-data relay
	Relay
	// Time - clock gap warning between peers
	Time
	// Alert - multi-signature-verified network-wide announcements
	Alert
)

// All returns every supported protocol in table order.
func All() []SupportProtocol {
	return []SupportProtocol{
		Ping, Discovery, Identify, Feeler, DisconnectMessage,
		Sync, Relay, Time, Alert,
	}
}

// ID returns the protocol's stable numeric id.
func (p SupportProtocol) ID() types.ProtocolID {
	switch p {
	case Ping:
		return 0
	case Discovery:
		return 1
	case Identify:
		return 2
	case Feeler:
		return 3
	case DisconnectMessage:
		return 4
	case Sync:
		return 100
	case Relay:
		return 101
	case Time:
		return 102
	case Alert:
		return 110
	default:
		panic("unknown protocol")
	}
}

// Name returns the protocol's stable name string.
func (p SupportProtocol) Name() string {
	switch p {
	case Ping:
		return "/peermesh/ping"
	case Discovery:
		return "/peermesh/discovery"
	case Identify:
		return "/peermesh/identify"
	case Feeler:
		return "/peermesh/flr"
	case DisconnectMessage:
		return "/peermesh/disconnectmsg"
	case Sync:
		return "/peermesh/syn"
	case Relay:
		return "/peermesh/relay"
	case Time:
		return "/peermesh/tim"
	case Alert:
		return "/peermesh/alt"
	default:
		panic("unknown protocol")
	}
}

// Versions returns the supported version list, highest first.
func (p SupportProtocol) Versions() []types.ProtocolVersion {
	return []types.ProtocolVersion{latestVersion}
}

// MaxFrameLength returns the protocol's message size limit in bytes.
func (p SupportProtocol) MaxFrameLength() int {
	switch p {
	case Ping:
		return 1024 // 1   KB
	case Discovery:
		return 512 * 1024 // 512 KB
	case Identify:
		return 2 * 1024 // 2   KB
	case Feeler:
		return 1024 // 1   KB
	case DisconnectMessage:
		return 1024 // 1   KB
	case Sync:
		return 2 * 1024 * 1024 // 2   MB
	case Relay:
		return 4 * 1024 * 1024 // 4   MB
	case Time:
		return 1024 // 1   KB
	case Alert:
		return 128 * 1024 // 128 KB
	default:
		panic("unknown protocol")
	}
}

// BlockingPolicy marks which lifecycle events of a protocol run on the
// blocking pool instead of the event-dispatch thread.
type BlockingPolicy struct {
	Connect    bool
	Disconnect bool
	Receive    bool
	Notify     bool
}

// Blocking returns the protocol's blocking policy. Only the heavy
// receive paths of sync and relay are allowed off the event loop.
func (p SupportProtocol) Blocking() BlockingPolicy {
	switch p {
	case Sync, Relay:
		return BlockingPolicy{Receive: true}
	default:
		return BlockingPolicy{}
	}
}

// Meta bundles one protocol's descriptor-table row. Immutable once built.
type Meta struct {
	ID             types.ProtocolID
	Name           string
	Versions       []types.ProtocolVersion
	MaxFrameLength int
	Blocking       BlockingPolicy
}

// Meta returns the protocol's descriptor.
func (p SupportProtocol) Meta() Meta {
	return Meta{
		ID:             p.ID(),
		Name:           p.Name(),
		Versions:       p.Versions(),
		MaxFrameLength: p.MaxFrameLength(),
		Blocking:       p.Blocking(),
	}
}
