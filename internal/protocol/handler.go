package protocol

import (
	"fmt"
	"time"

	"github.com/moltbunker/peermesh/internal/peering"
	"github.com/moltbunker/peermesh/pkg/types"
)

// Handler is the abstract protocol-handler contract. The dispatch adapter
// translates transport session events into these calls. Event delivery is
// serialized per handler instance, so implementations need no internal
// locking for their own state.
type Handler interface {
	// Init runs once when the service starts.
	Init(nc Context)
	// Connected runs when the protocol opens on a session.
	Connected(nc Context, sess types.Session, version types.ProtocolVersion)
	// Disconnected runs when the protocol closes on a session.
	Disconnected(nc Context, sess types.Session)
	// Received runs for each message on this protocol.
	Received(nc Context, sess types.Session, data []byte)
	// Notify runs on each timer tick registered via Context.SetNotify.
	Notify(nc Context, token uint64)
	// Poll gives the handler a chance to do background work; it returns
	// true while more work is pending.
	Poll(nc Context) bool
}

// BaseHandler provides no-op defaults; embed it to implement only the
// events a protocol cares about.
type BaseHandler struct{}

func (BaseHandler) Init(Context)                                         {}
func (BaseHandler) Connected(Context, types.Session, types.ProtocolVersion) {}
func (BaseHandler) Disconnected(Context, types.Session)                  {}
func (BaseHandler) Received(Context, types.Session, []byte)              {}
func (BaseHandler) Notify(Context, uint64)                               {}
func (BaseHandler) Poll(Context) bool                                    { return false }

// SessionFilter selects sessions for a filtered broadcast.
type SessionFilter func(types.SessionID) bool

// ProtocolFilter selects protocols for an open-protocols request.
type ProtocolFilter func(types.ProtocolID) bool

// SingleProtocol matches exactly one protocol id.
func SingleProtocol(id types.ProtocolID) ProtocolFilter {
	return func(p types.ProtocolID) bool { return p == id }
}

// AllExcept matches every protocol id but one.
func AllExcept(id types.ProtocolID) ProtocolFilter {
	return func(p types.ProtocolID) bool { return p != id }
}

// Context is the capability surface handed to protocol handlers. It lets a
// handler talk to the transport (send, notify, disconnect, schedule tasks)
// and to the shared peer state (query/mutate peers, report, ban) without
// seeing either directly.
type Context interface {
	// SetNotify registers a recurring notify tick with the given token.
	SetNotify(interval time.Duration, token uint64) error
	// RemoveNotify cancels a notify tick.
	RemoveNotify(token uint64) error

	// SendMessage sends data to the session on an arbitrary protocol.
	SendMessage(proto types.ProtocolID, sess types.SessionID, data []byte) error
	// SendMessageTo sends data to the session on this context's protocol.
	SendMessageTo(sess types.SessionID, data []byte) error
	// QuickSendMessage is SendMessage through the high-priority queue.
	QuickSendMessage(proto types.ProtocolID, sess types.SessionID, data []byte) error
	// QuickSendMessageTo is SendMessageTo through the high-priority queue.
	QuickSendMessageTo(sess types.SessionID, data []byte) error
	// FilterBroadcast sends data to every session the filter accepts.
	FilterBroadcast(filter SessionFilter, data []byte) error
	// QuickFilterBroadcast is FilterBroadcast through the high-priority queue.
	QuickFilterBroadcast(filter SessionFilter, data []byte) error

	// FutureTask schedules task for later execution. Blocking tasks run on
	// a worker pool reserved for blocking work; non-blocking tasks run on
	// the transport's cooperative scheduler.
	FutureTask(task func(), blocking bool) error

	// OpenProtocols asks the transport to open every local protocol the
	// filter accepts on the session.
	OpenProtocols(sess types.SessionID, filter ProtocolFilter) error
	// Disconnect tears the session down, sending reason to the remote on
	// the disconnect-message protocol first. Idempotent per session.
	Disconnect(sess types.SessionID, reason string) error

	// GetPeer returns a copy of the session's registry record, or nil.
	GetPeer(sess types.SessionID) *peering.Peer
	// WithPeerMut mutates the session's registry record.
	WithPeerMut(sess types.SessionID, fn func(*peering.Peer))
	// ConnectedSessions lists sessions with this protocol open.
	ConnectedSessions() []types.SessionID
	// ReportPeer applies a behaviour report to the session's address.
	ReportPeer(sess types.SessionID, behaviour types.Behaviour)
	// BanPeer bans the session's host and disconnects it.
	BanPeer(sess types.SessionID, duration time.Duration, reason string)

	// ProtocolID returns the id this context dispatches for.
	ProtocolID() types.ProtocolID
}

// Control is the narrow seam onto the transport engine. The transport owns
// wire framing, compression and multiplexing; this layer only issues
// commands through this interface.
//
// Disconnect must be idempotent: protocol checks may request it more than
// once for the same session within one event.
type Control interface {
	SetNotify(proto types.ProtocolID, interval time.Duration, token uint64) error
	RemoveNotify(proto types.ProtocolID, token uint64) error
	SendMessage(sess types.SessionID, proto types.ProtocolID, data []byte) error
	QuickSendMessage(sess types.SessionID, proto types.ProtocolID, data []byte) error
	FilterBroadcast(filter SessionFilter, proto types.ProtocolID, data []byte) error
	QuickFilterBroadcast(filter SessionFilter, proto types.ProtocolID, data []byte) error
	FutureTask(task func()) error
	OpenProtocols(sess types.SessionID, filter ProtocolFilter) error
	Disconnect(sess types.SessionID) error
}

// TransportError wraps a transport-level failure with the operation and
// session it happened on. The adapter never swallows these; call sites
// decide whether to escalate or log-and-continue.
type TransportError struct {
	Op      string
	Session types.SessionID
	Err     error
}

func (e *TransportError) Error() string {
	if e.Session == 0 {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s (%s): %v", e.Op, e.Session, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
