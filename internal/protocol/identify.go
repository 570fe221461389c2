package protocol

import (
	"fmt"
	"time"

	"github.com/moltbunker/peermesh/internal/logging"
	"github.com/moltbunker/peermesh/pkg/types"

	ma "github.com/multiformats/go-multiaddr"
)

const (
	// maxReportedListenAddrs caps how many listen addresses a remote may
	// report before it counts as misbehavior.
	maxReportedListenAddrs = 10
	// maxReturnListenAddrs caps how many of our own addresses we send.
	maxReturnListenAddrs = 10

	checkTimeoutToken    = 100
	checkTimeoutInterval = time.Second
)

// Verdict is a policy decision about a session after a handshake event.
type Verdict int

const (
	VerdictContinue Verdict = iota
	VerdictDisconnect
)

func (v Verdict) IsDisconnect() bool {
	return v == VerdictDisconnect
}

// MisbehaviorKind classifies a handshake violation.
type MisbehaviorKind int

const (
	MisbehaviorDuplicate MisbehaviorKind = iota
	MisbehaviorTimeout
	MisbehaviorInvalidData
	MisbehaviorTooManyAddresses
)

func (k MisbehaviorKind) String() string {
	switch k {
	case MisbehaviorDuplicate:
		return "duplicate_identify"
	case MisbehaviorTimeout:
		return "handshake_timeout"
	case MisbehaviorInvalidData:
		return "invalid_identify"
	case MisbehaviorTooManyAddresses:
		return "too_many_addresses"
	default:
		return fmt.Sprintf("misbehavior(%d)", int(k))
	}
}

// Misbehavior is one handshake violation. AddrCount is only meaningful for
// MisbehaviorTooManyAddresses.
type Misbehavior struct {
	Kind      MisbehaviorKind
	AddrCount int
}

func (m Misbehavior) String() string {
	if m.Kind == MisbehaviorTooManyAddresses {
		return fmt.Sprintf("%s(%d)", m.Kind, m.AddrCount)
	}
	return m.Kind.String()
}

// IdentifyCallback is the policy seam of the identify handshake: the
// protocol drives the wire exchange and the timeout sweep, the callback
// decides what an identity means and what misbehavior costs.
type IdentifyCallback interface {
	// Register is called when the identify protocol opens on a session.
	Register(nc Context, sess types.Session, version types.ProtocolVersion)
	// Unregister is called when the identify protocol closes.
	Unregister(nc Context, sess types.Session)

	// Identity returns the local node's identity fields. Called once; the
	// protocol caches the encoded result.
	Identity() (network string, flags types.CapabilityFlags, clientVersion string)
	// LocalListenAddrs returns up to max addresses to report to remotes.
	LocalListenAddrs(max int) []ma.Multiaddr

	// ReceivedIdentity judges the remote's identity fields and performs
	// the post-handshake bookkeeping for an accepted peer.
	ReceivedIdentity(nc Context, sess types.Session, network string, flags types.CapabilityFlags, clientVersion string) Verdict
	// AddRemoteListenAddrs ingests the remote's reported listen addresses.
	AddRemoteListenAddrs(sess types.Session, addrs []ma.Multiaddr)
	// AddObservedAddr ingests the address the remote observed us on.
	AddObservedAddr(addr ma.Multiaddr, kind types.SessionKind) Verdict

	// Misbehave judges a handshake violation.
	Misbehave(sess types.Session, m Misbehavior) Verdict
}

// remoteInfo tracks one session's handshake progress.
type remoteInfo struct {
	session     types.Session
	connectedAt time.Time
	timeout     time.Duration
	hasReceived bool
}

// IdentifyProtocol runs the identify handshake: both sides send one
// identity payload when the protocol opens, and each side verifies what it
// receives. A session that has not delivered its payload within the
// timeout is swept on the next notify tick.
//
// The transport delivers events serially, so the remotes map needs no
// locking.
type IdentifyProtocol struct {
	BaseHandler

	callback IdentifyCallback
	timeout  time.Duration
	remotes  map[types.SessionID]*remoteInfo

	// identityPrefix caches the session-independent head of the payload;
	// only the address fields change between sessions.
	identityPrefix []byte

	now func() time.Time
}

// NewIdentifyProtocol creates the handshake handler. timeout <= 0 selects
// the default deadline.
func NewIdentifyProtocol(callback IdentifyCallback, timeout time.Duration) *IdentifyProtocol {
	if timeout <= 0 {
		timeout = types.HandshakeTimeout
	}
	return &IdentifyProtocol{
		callback: callback,
		timeout:  timeout,
		remotes:  make(map[types.SessionID]*remoteInfo),
		now:      time.Now,
	}
}

func (p *IdentifyProtocol) Init(nc Context) {
	if err := nc.SetNotify(checkTimeoutInterval, checkTimeoutToken); err != nil {
		logging.Error("could not schedule handshake timeout sweep",
			logging.Err(err),
			logging.Component("identify"))
	}
}

func (p *IdentifyProtocol) Connected(nc Context, sess types.Session, version types.ProtocolVersion) {
	p.remotes[sess.ID] = &remoteInfo{
		session:     sess,
		connectedAt: p.now(),
		timeout:     p.timeout,
	}
	p.callback.Register(nc, sess, version)

	if p.identityPrefix == nil {
		network, flags, clientVersion := p.callback.Identity()
		p.identityPrefix = encodePrefix(network, flags, clientVersion)
	}
	listen := p.callback.LocalListenAddrs(maxReturnListenAddrs)
	payload := encodeWithPrefix(p.identityPrefix, listen, sess.RemoteAddr)

	if err := nc.QuickSendMessageTo(sess.ID, payload); err != nil {
		logging.Debug("could not send identity",
			logging.Session(sess.ID),
			logging.Err(err),
			logging.Component("identify"))
	}
}

func (p *IdentifyProtocol) Disconnected(nc Context, sess types.Session) {
	delete(p.remotes, sess.ID)
	p.callback.Unregister(nc, sess)
}

// Received handles the remote's identity payload. Only a payload that
// decodes marks the session as received; after that, the duplicate,
// identity, listen-addr, and observed-addr checks all run in order
// regardless of earlier failures, so every violation in a payload is
// observed and its side effects still land. Disconnect is idempotent, so
// repeated requests are harmless.
func (p *IdentifyProtocol) Received(nc Context, sess types.Session, data []byte) {
	info := p.mustInfo(sess.ID)

	msg, err := decodeIdentifyMessage(data)
	if err != nil {
		logging.Debug("undecodable identity payload",
			logging.Session(sess.ID),
			logging.Err(err),
			logging.Component("identify"))
		if p.callback.Misbehave(sess, Misbehavior{Kind: MisbehaviorInvalidData}).IsDisconnect() {
			_ = nc.Disconnect(sess.ID, "invalid identify payload")
		}
		return
	}

	if info.hasReceived {
		if p.callback.Misbehave(sess, Misbehavior{Kind: MisbehaviorDuplicate}).IsDisconnect() {
			_ = nc.Disconnect(sess.ID, "duplicate identify")
		}
	} else {
		info.hasReceived = true
	}

	if p.callback.ReceivedIdentity(nc, sess, msg.Network, msg.Flags, msg.ClientVersion).IsDisconnect() {
		_ = nc.Disconnect(sess.ID, "identity rejected")
	}

	if len(msg.ListenAddrs) > maxReportedListenAddrs {
		m := Misbehavior{Kind: MisbehaviorTooManyAddresses, AddrCount: len(msg.ListenAddrs)}
		if p.callback.Misbehave(sess, m).IsDisconnect() {
			_ = nc.Disconnect(sess.ID, "too many listen addresses")
		}
	} else {
		p.callback.AddRemoteListenAddrs(sess, msg.ListenAddrs)
	}

	if msg.ObservedAddr != nil {
		if p.callback.AddObservedAddr(msg.ObservedAddr, sess.Kind).IsDisconnect() {
			_ = nc.Disconnect(sess.ID, "observed address rejected")
		}
	}
}

// Notify sweeps sessions that have not identified themselves in time. A
// late session keeps being reported every tick until the disconnect lands.
func (p *IdentifyProtocol) Notify(nc Context, token uint64) {
	if token != checkTimeoutToken {
		return
	}
	now := p.now()
	for id, info := range p.remotes {
		if info.hasReceived || now.Sub(info.connectedAt) < info.timeout {
			continue
		}
		if p.callback.Misbehave(info.session, Misbehavior{Kind: MisbehaviorTimeout}).IsDisconnect() {
			_ = nc.Disconnect(id, "identify timeout")
		}
	}
}

// mustInfo asserts the transport's event ordering: Received never arrives
// before Connected or after Disconnected.
func (p *IdentifyProtocol) mustInfo(id types.SessionID) *remoteInfo {
	info, ok := p.remotes[id]
	if !ok {
		panic(fmt.Sprintf("identify: no remote info for %s", id))
	}
	return info
}
