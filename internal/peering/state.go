package peering

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/moltbunker/peermesh/internal/logging"
	"github.com/moltbunker/peermesh/internal/metrics"
	"github.com/moltbunker/peermesh/pkg/types"
)

// Disconnector is the one transport capability the peering layer needs:
// tearing down a session. Disconnect must be idempotent; this layer may
// request it more than once for the same session.
type Disconnector interface {
	Disconnect(id types.SessionID, reason string) error
}

// NetworkState is the shared ownership root for everything the protocol
// layer knows about peers: connected-session registry, discovered-address
// book, ban list, and the pool of candidate self-addresses reported by
// remote peers. Each component guards its own state; NetworkState methods
// are single atomic operations from the caller's point of view.
type NetworkState struct {
	Registry *PeerRegistry
	Book     *AddressBook
	Bans     *BanList
	Metrics  *metrics.Collector

	localID     peer.ID
	listenAddrs []ma.Multiaddr

	observedMu sync.RWMutex
	observed   map[string]ma.Multiaddr

	active atomic.Bool
}

// NewNetworkState creates the state root. collector may be nil.
func NewNetworkState(localID peer.ID, listenAddrs []ma.Multiaddr, collector *metrics.Collector) *NetworkState {
	s := &NetworkState{
		Registry:    NewPeerRegistry(),
		Book:        NewAddressBook(),
		Bans:        NewBanList(),
		Metrics:     collector,
		localID:     localID,
		listenAddrs: listenAddrs,
		observed:    make(map[string]ma.Multiaddr),
	}
	s.active.Store(true)
	return s
}

// IsActive reports whether the network process is in an active lifecycle
// state. Protocol handlers stop receiving events while inactive.
func (s *NetworkState) IsActive() bool {
	return s.active.Load()
}

// SetActive flips the lifecycle state. Set to false during shutdown.
func (s *NetworkState) SetActive(active bool) {
	s.active.Store(active)
}

// LocalPeerID returns the local node's identity.
func (s *NetworkState) LocalPeerID() peer.ID {
	return s.localID
}

// ListenAddrs returns the configured local listen addresses.
func (s *NetworkState) ListenAddrs() []ma.Multiaddr {
	out := make([]ma.Multiaddr, len(s.listenAddrs))
	copy(out, s.listenAddrs)
	return out
}

// PublicAddrs returns up to max addresses this node may be reachable on:
// the configured listen addresses followed by externally observed
// candidates, deduplicated.
func (s *NetworkState) PublicAddrs(max int) []ma.Multiaddr {
	seen := make(map[string]struct{})
	out := make([]ma.Multiaddr, 0, max)

	add := func(addr ma.Multiaddr) {
		if len(out) >= max {
			return
		}
		key := addr.String()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}

	for _, addr := range s.listenAddrs {
		add(addr)
	}

	s.observedMu.RLock()
	for _, addr := range s.observed {
		add(addr)
	}
	s.observedMu.RUnlock()

	return out
}

// AddObservedAddrs feeds candidate externally-visible self-addresses into
// the discovery pool. Duplicates are ignored.
func (s *NetworkState) AddObservedAddrs(addrs ...ma.Multiaddr) {
	var added int
	s.observedMu.Lock()
	for _, addr := range addrs {
		if addr == nil {
			continue
		}
		key := addr.String()
		if _, ok := s.observed[key]; ok {
			continue
		}
		s.observed[key] = addr
		added++
	}
	s.observedMu.Unlock()

	if added > 0 {
		s.Metrics.AddrsDiscovered(added)
		logging.Debug("observed self-address candidates added",
			"count", added,
			logging.Component("netstate"))
	}
}

// ObservedAddrs returns the current candidate self-address pool.
func (s *NetworkState) ObservedAddrs() []ma.Multiaddr {
	s.observedMu.RLock()
	defer s.observedMu.RUnlock()

	out := make([]ma.Multiaddr, 0, len(s.observed))
	for _, addr := range s.observed {
		out = append(out, addr)
	}
	return out
}

// ReportSession applies a behaviour report to the session's address. If
// the address's conduct score has run out, the session is disconnected.
func (s *NetworkState) ReportSession(d Disconnector, id types.SessionID, behaviour types.Behaviour) {
	p := s.Registry.Get(id)
	if p == nil {
		return
	}

	if s.Book.Report(p.Addr, behaviour) {
		logging.Info("peer conduct score exhausted, disconnecting",
			logging.Session(id),
			logging.Addr(p.Addr),
			logging.Component("netstate"))
		s.Metrics.Disconnect("low_score")
		if err := d.Disconnect(id, "reputation too low"); err != nil {
			logging.Debug("disconnect failed",
				logging.Session(id),
				logging.Err(err),
				logging.Component("netstate"))
		}
	}
}

// BanSession bans the session's host for the given duration and
// disconnects it. Transport errors are logged, not returned: the session
// teardown is already in flight.
func (s *NetworkState) BanSession(d Disconnector, id types.SessionID, duration time.Duration, reason string) {
	p := s.Registry.Get(id)
	if p == nil {
		return
	}

	s.Bans.Ban(p.Addr, reason, duration)
	s.Metrics.Ban()

	if err := d.Disconnect(id, reason); err != nil {
		logging.Debug("disconnect after ban failed",
			logging.Session(id),
			logging.Err(err),
			logging.Component("netstate"))
	}
}
