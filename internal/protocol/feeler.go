package protocol

import (
	"github.com/moltbunker/peermesh/internal/logging"
	"github.com/moltbunker/peermesh/internal/peering"
	"github.com/moltbunker/peermesh/pkg/types"
)

// FeelerProtocol probes whether a stored address is still dialable. A
// feeler session exists only to complete the identify handshake; once this
// protocol opens, the address has proven itself and the session is closed.
type FeelerProtocol struct {
	BaseHandler

	state *peering.NetworkState
}

func NewFeelerProtocol(state *peering.NetworkState) *FeelerProtocol {
	return &FeelerProtocol{state: state}
}

func (p *FeelerProtocol) Connected(nc Context, sess types.Session, _ types.ProtocolVersion) {
	if sess.Kind.IsOutbound() {
		p.state.Book.MarkFeelerAlive(sess.RemoteAddr)
		logging.Debug("feeler confirmed address",
			logging.Session(sess.ID),
			logging.Addr(sess.RemoteAddr),
			logging.Component("feeler"))
	}
	_ = nc.Disconnect(sess.ID, "feeler complete")
}

func (p *FeelerProtocol) Disconnected(nc Context, sess types.Session) {
	p.state.Registry.RemoveFeeler(sess.RemoteAddr)
}
