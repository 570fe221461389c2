package peering

import (
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/moltbunker/peermesh/pkg/types"
)

// PeerRegistry is the thread-safe bookkeeping of currently connected
// sessions. It also tracks which addresses are under an active feeler
// probe, so the identify handshake can short-circuit protocol negotiation
// for them.
type PeerRegistry struct {
	mu      sync.RWMutex
	peers   map[types.SessionID]*Peer
	feelers map[string]struct{} // keyed by multiaddr string
}

// NewPeerRegistry creates an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{
		peers:   make(map[types.SessionID]*Peer),
		feelers: make(map[string]struct{}),
	}
}

// Ensure returns the peer record for the session, creating it on first use.
func (r *PeerRegistry) Ensure(sess types.Session) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[sess.ID]; ok {
		return p
	}
	p := &Peer{
		Session:     sess.ID,
		Addr:        sess.RemoteAddr,
		Kind:        sess.Kind,
		ConnectedAt: time.Now(),
		Protocols:   make(map[types.ProtocolID]types.ProtocolVersion),
	}
	r.peers[sess.ID] = p
	return p
}

// Remove drops the session's record and returns whether it existed.
func (r *PeerRegistry) Remove(id types.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.peers[id]
	delete(r.peers, id)
	return ok
}

// Get returns a copy of the peer record, or nil if the session is unknown.
func (r *PeerRegistry) Get(id types.SessionID) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[id]
	if !ok {
		return nil
	}
	return p.clone()
}

// Mutate runs fn against the live peer record under the registry lock.
// fn must not call back into the registry. Returns false if the session
// is unknown.
func (r *PeerRegistry) Mutate(id types.SessionID, fn func(*Peer)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return false
	}
	fn(p)
	return true
}

// SessionsWithProtocol returns the ids of all sessions that have the given
// protocol open.
func (r *PeerRegistry) SessionsWithProtocol(proto types.ProtocolID) []types.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.SessionID
	for id, p := range r.peers {
		if _, ok := p.Protocols[proto]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of connected sessions.
func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// AddFeeler marks an address as under an active feeler probe.
func (r *PeerRegistry) AddFeeler(addr ma.Multiaddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feelers[addr.String()] = struct{}{}
}

// RemoveFeeler clears the feeler mark for an address.
func (r *PeerRegistry) RemoveFeeler(addr ma.Multiaddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.feelers, addr.String())
}

// IsFeeler reports whether the address is under an active feeler probe.
func (r *PeerRegistry) IsFeeler(addr ma.Multiaddr) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.feelers[addr.String()]
	return ok
}
