package peering

import (
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/moltbunker/peermesh/pkg/types"
)

// PeerIdentifyInfo holds what a peer told us about itself during the
// identify handshake.
type PeerIdentifyInfo struct {
	ClientVersion string
	Flags         types.CapabilityFlags
}

// Peer is the registry's record of one connected session.
type Peer struct {
	Session     types.SessionID
	Addr        ma.Multiaddr
	Kind        types.SessionKind
	ConnectedAt time.Time

	// Protocols maps each protocol open on this session to the version
	// that was negotiated when it opened.
	Protocols map[types.ProtocolID]types.ProtocolVersion

	// IdentifyInfo is nil until the peer completes the identify handshake.
	IdentifyInfo *PeerIdentifyInfo
}

// clone returns a deep copy safe to hand outside the registry lock.
func (p *Peer) clone() *Peer {
	cp := *p
	cp.Protocols = make(map[types.ProtocolID]types.ProtocolVersion, len(p.Protocols))
	for id, v := range p.Protocols {
		cp.Protocols[id] = v
	}
	if p.IdentifyInfo != nil {
		info := *p.IdentifyInfo
		cp.IdentifyInfo = &info
	}
	return &cp
}
