package protocol

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/moltbunker/peermesh/internal/logging"
	"github.com/moltbunker/peermesh/internal/peering"
	"github.com/moltbunker/peermesh/pkg/types"
)

// banOnWrongNetwork is how long a peer answering for a different network
// name stays banned. Such a peer is misconfigured rather than hostile, so
// the ban is short; it mostly stops immediate redial churn.
const banOnWrongNetwork = 5 * time.Minute

// NetworkCallback is the production identify policy, backed by the shared
// network state. It verifies the remote's network name and capability
// flags, gates which protocols open on outbound sessions, and feeds the
// address book and the observed self-address pool.
type NetworkCallback struct {
	state         *peering.NetworkState
	network       string
	clientVersion string
	flags         types.CapabilityFlags
	required      types.CapabilityFlags
	globalIPOnly  bool
}

// NewNetworkCallback builds the policy. required is the capability set a
// remote must advertise before we open the full protocol suite to it on an
// outbound session; globalIPOnly drops non-routable addresses in both
// directions.
func NewNetworkCallback(state *peering.NetworkState, network, clientVersion string, flags, required types.CapabilityFlags, globalIPOnly bool) *NetworkCallback {
	return &NetworkCallback{
		state:         state,
		network:       network,
		clientVersion: clientVersion,
		flags:         flags,
		required:      required,
		globalIPOnly:  globalIPOnly,
	}
}

func (c *NetworkCallback) Register(nc Context, sess types.Session, version types.ProtocolVersion) {
	logging.Debug("identify opened",
		logging.Session(sess.ID),
		"version", string(version),
		logging.Component("identify"))
	c.storeOutboundAddr(sess)
}

// Unregister re-adds a cleanly closed outbound address so it stays a dial
// candidate and is not aged out of the store while the peer was connected.
func (c *NetworkCallback) Unregister(nc Context, sess types.Session) {
	c.storeOutboundAddr(sess)
}

func (c *NetworkCallback) storeOutboundAddr(sess types.Session) {
	if !sess.Kind.IsOutbound() || c.state.Registry.IsFeeler(sess.RemoteAddr) {
		return
	}
	if c.state.Bans.IsBanned(sess.RemoteAddr) {
		return
	}
	c.state.Book.AddOutboundAddr(sess.RemoteAddr)
}

func (c *NetworkCallback) Identity() (string, types.CapabilityFlags, string) {
	return c.network, c.flags, c.clientVersion
}

func (c *NetworkCallback) LocalListenAddrs(max int) []ma.Multiaddr {
	addrs := c.state.PublicAddrs(max)
	out := addrs[:0]
	for _, addr := range addrs {
		if c.reachable(addr) {
			out = append(out, addr)
		}
	}
	return out
}

// ReceivedIdentity runs the identity checks in order. A wrong network name
// is the only violation that earns a ban, a peer advertising no
// capabilities at all is merely disconnected. The identify info is
// recorded only for inbound sessions and flag-accepted outbound sessions;
// feeler sessions and rejected peers leave no trace in the registry.
func (c *NetworkCallback) ReceivedIdentity(nc Context, sess types.Session, network string, flags types.CapabilityFlags, clientVersion string) Verdict {
	if network != c.network {
		logging.Info("peer runs a different network",
			logging.Session(sess.ID),
			"remote_network", network,
			"local_network", c.network,
			logging.Component("identify"))
		nc.BanPeer(sess.ID, banOnWrongNetwork, "connected to a different network: "+network)
		return VerdictDisconnect
	}

	if flags == 0 {
		logging.Debug("peer advertises no capabilities",
			logging.Session(sess.ID),
			logging.Component("identify"))
		return VerdictDisconnect
	}

	recordIdentifyInfo := func() {
		nc.WithPeerMut(sess.ID, func(p *peering.Peer) {
			p.IdentifyInfo = &peering.PeerIdentifyInfo{
				ClientVersion: clientVersion,
				Flags:         flags,
			}
		})
	}

	if sess.Kind.IsOutbound() {
		switch {
		case c.state.Registry.IsFeeler(sess.RemoteAddr):
			if err := nc.OpenProtocols(sess.ID, SingleProtocol(Feeler.ID())); err != nil {
				logging.Debug("could not open feeler",
					logging.Session(sess.ID),
					logging.Err(err),
					logging.Component("identify"))
			}
		case flags.Contains(c.required):
			recordIdentifyInfo()
			if err := nc.OpenProtocols(sess.ID, AllExcept(Feeler.ID())); err != nil {
				logging.Debug("could not open protocols",
					logging.Session(sess.ID),
					logging.Err(err),
					logging.Component("identify"))
			}
		default:
			logging.Info("peer lacks required capabilities",
				logging.Session(sess.ID),
				"remote_flags", uint64(flags),
				"required_flags", uint64(c.required),
				logging.Component("identify"))
			return VerdictDisconnect
		}
	} else {
		recordIdentifyInfo()
	}

	return VerdictContinue
}

func (c *NetworkCallback) AddRemoteListenAddrs(sess types.Session, addrs []ma.Multiaddr) {
	var added int
	for _, addr := range addrs {
		if !c.reachable(addr) {
			continue
		}
		if err := c.state.Book.AddAddr(addr); err != nil {
			logging.Debug("could not store reported address",
				logging.Addr(addr),
				logging.Err(err),
				logging.Component("identify"))
			continue
		}
		added++
	}
	if added > 0 {
		c.state.Metrics.AddrsDiscovered(added)
		logging.Debug("stored reported listen addresses",
			logging.Session(sess.ID),
			"count", added,
			logging.Component("identify"))
	}
}

// AddObservedAddr turns the address a remote saw us on into candidate
// self-addresses. Inbound reports are skipped: the remote observed our
// ephemeral dial port, which says nothing about where we listen.
func (c *NetworkCallback) AddObservedAddr(addr ma.Multiaddr, kind types.SessionKind) Verdict {
	if kind.IsInbound() {
		return VerdictContinue
	}
	if !c.reachable(addr) {
		return VerdictContinue
	}
	c.state.AddObservedAddrs(c.observedCandidates(addr)...)
	return VerdictContinue
}

// Misbehave logs and counts the violation. Identify is the gatekeeper
// protocol: any handshake violation costs the session.
func (c *NetworkCallback) Misbehave(sess types.Session, m Misbehavior) Verdict {
	logging.Info("peer misbehaved during identify",
		logging.Session(sess.ID),
		"kind", m.String(),
		logging.Component("identify"))
	c.state.Metrics.Misbehavior(m.Kind.String())
	return VerdictDisconnect
}

func (c *NetworkCallback) reachable(addr ma.Multiaddr) bool {
	if !c.globalIPOnly {
		return true
	}
	return manet.IsPublicAddr(addr)
}

// observedCandidates derives candidate self-addresses from one observed
// address: the observed address itself, plus one variant per local listen
// port with the observed port swapped out. NAT setups often preserve the
// IP but not the port, so the port-swapped variants are usually the ones
// that turn out dialable. Every candidate carries our own peer identity;
// an observed address claiming someone else's identity is dropped.
func (c *NetworkCallback) observedCandidates(observed ma.Multiaddr) []ma.Multiaddr {
	ports := make(map[string]struct{})
	for _, la := range c.state.ListenAddrs() {
		if port, err := la.ValueForProtocol(ma.P_TCP); err == nil {
			ports[port] = struct{}{}
		}
	}

	seen := make(map[string]struct{})
	out := make([]ma.Multiaddr, 0, len(ports)+1)
	add := func(addr ma.Multiaddr) {
		addr = c.withLocalID(addr)
		if addr == nil {
			return
		}
		key := addr.String()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}

	add(observed)
	for port := range ports {
		if replaced := replaceTCPPort(observed, port); replaced != nil {
			add(replaced)
		}
	}
	return out
}

// withLocalID normalizes a candidate to carry the local peer identity,
// returning nil for candidates that claim a different identity.
func (c *NetworkCallback) withLocalID(addr ma.Multiaddr) ma.Multiaddr {
	transport, id := peer.SplitAddr(addr)
	if len(transport) == 0 {
		return nil
	}
	if id == c.state.LocalPeerID() {
		return addr
	}
	if id != "" {
		return nil
	}
	comp, err := ma.NewComponent("p2p", c.state.LocalPeerID().String())
	if err != nil {
		return transport
	}
	out := make(ma.Multiaddr, 0, len(transport)+1)
	out = append(out, transport...)
	return append(out, *comp)
}

// replaceTCPPort rebuilds addr with its TCP port swapped for port. It
// returns nil when addr has no TCP component.
func replaceTCPPort(addr ma.Multiaddr, port string) ma.Multiaddr {
	out := make(ma.Multiaddr, 0, len(addr))
	changed := false
	for _, comp := range addr {
		if comp.Protocol().Code == ma.P_TCP {
			swapped, err := ma.NewComponent("tcp", port)
			if err != nil {
				return nil
			}
			out = append(out, *swapped)
			changed = true
			continue
		}
		out = append(out, comp)
	}
	if !changed {
		return nil
	}
	return out
}
