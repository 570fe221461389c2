package protocol

import (
	"time"

	"github.com/moltbunker/peermesh/internal/logging"
	"github.com/moltbunker/peermesh/internal/peering"
	"github.com/moltbunker/peermesh/pkg/types"
)

// Dispatcher bridges one protocol handler onto the transport's session
// events. It owns the registry's per-session protocol-version bookkeeping
// (which runs unconditionally) and gates all handler forwarding on the
// network lifecycle state, so protocols stop producing side effects during
// shutdown while the bookkeeping stays consistent.
//
// The transport delivers events to one Dispatcher serially; the Dispatcher
// adds no synchronization of its own.
type Dispatcher struct {
	meta    Meta
	handler Handler
	state   *peering.NetworkState
	nc      *protoContext
}

// NewDispatcher wires a handler to the transport control and shared state.
// pool may be shared across dispatchers; it only runs tasks scheduled with
// blocking=true.
func NewDispatcher(meta Meta, handler Handler, state *peering.NetworkState, control Control, pool *BlockingPool) *Dispatcher {
	return &Dispatcher{
		meta:    meta,
		handler: handler,
		state:   state,
		nc: &protoContext{
			meta:    meta,
			state:   state,
			control: control,
			pool:    pool,
		},
	}
}

// Meta returns the protocol descriptor this dispatcher serves.
func (d *Dispatcher) Meta() Meta {
	return d.meta
}

// Init forwards the service-start event.
func (d *Dispatcher) Init() {
	d.handler.Init(d.nc)
}

// Connected records the negotiated version in the peer registry and, if the
// network is active, forwards the event to the handler.
func (d *Dispatcher) Connected(sess types.Session, version types.ProtocolVersion) {
	if d.state.Registry.Get(sess.ID) == nil {
		d.state.Metrics.SessionOpened()
	}
	d.state.Registry.Ensure(sess)
	d.state.Registry.Mutate(sess.ID, func(p *peering.Peer) {
		p.Protocols[d.meta.ID] = version
	})

	if !d.state.IsActive() {
		return
	}
	d.handler.Connected(d.nc, sess, version)
}

// Disconnected removes the version bookkeeping and, if the network is
// active, forwards the event. The registry record itself is dropped once
// its last protocol closes.
func (d *Dispatcher) Disconnected(sess types.Session) {
	var remaining int
	known := d.state.Registry.Mutate(sess.ID, func(p *peering.Peer) {
		delete(p.Protocols, d.meta.ID)
		remaining = len(p.Protocols)
	})
	if known && remaining == 0 {
		d.state.Registry.Remove(sess.ID)
		d.state.Metrics.SessionClosed()
	}

	if !d.state.IsActive() {
		return
	}
	d.handler.Disconnected(d.nc, sess)
}

// Received forwards a message to the handler, honoring the protocol's
// blocking policy for the receive path.
func (d *Dispatcher) Received(sess types.Session, data []byte) {
	if !d.state.IsActive() {
		return
	}

	d.state.Metrics.MessageReceived(d.meta.Name, len(data))
	logging.Debug("message received",
		logging.Proto(d.meta.ID),
		logging.Session(sess.ID),
		"length", len(data),
		logging.Component("dispatch"))

	if d.meta.Blocking.Receive {
		if err := d.nc.FutureTask(func() {
			d.handler.Received(d.nc, sess, data)
		}, true); err != nil {
			logging.Error("could not offload blocking receive",
				logging.Proto(d.meta.ID),
				logging.Session(sess.ID),
				logging.Err(err),
				logging.Component("dispatch"))
		}
		return
	}
	d.handler.Received(d.nc, sess, data)
}

// Notify forwards a timer tick to the handler.
func (d *Dispatcher) Notify(token uint64) {
	if !d.state.IsActive() {
		return
	}
	d.handler.Notify(d.nc, token)
}

// Poll forwards the cooperative poll; it returns true while the handler
// has more work pending.
func (d *Dispatcher) Poll() bool {
	return d.handler.Poll(d.nc)
}

// protoContext is the Context implementation handed to handlers. It is
// stateless: one instance per dispatcher, safe to retain.
type protoContext struct {
	meta    Meta
	state   *peering.NetworkState
	control Control
	pool    *BlockingPool
}

func (c *protoContext) SetNotify(interval time.Duration, token uint64) error {
	if err := c.control.SetNotify(c.meta.ID, interval, token); err != nil {
		return &TransportError{Op: "set_notify", Err: err}
	}
	return nil
}

func (c *protoContext) RemoveNotify(token uint64) error {
	if err := c.control.RemoveNotify(c.meta.ID, token); err != nil {
		return &TransportError{Op: "remove_notify", Err: err}
	}
	return nil
}

func (c *protoContext) SendMessage(proto types.ProtocolID, sess types.SessionID, data []byte) error {
	if err := c.control.SendMessage(sess, proto, data); err != nil {
		return &TransportError{Op: "send", Session: sess, Err: err}
	}
	return nil
}

func (c *protoContext) SendMessageTo(sess types.SessionID, data []byte) error {
	return c.SendMessage(c.meta.ID, sess, data)
}

func (c *protoContext) QuickSendMessage(proto types.ProtocolID, sess types.SessionID, data []byte) error {
	if err := c.control.QuickSendMessage(sess, proto, data); err != nil {
		return &TransportError{Op: "quick_send", Session: sess, Err: err}
	}
	return nil
}

func (c *protoContext) QuickSendMessageTo(sess types.SessionID, data []byte) error {
	return c.QuickSendMessage(c.meta.ID, sess, data)
}

func (c *protoContext) FilterBroadcast(filter SessionFilter, data []byte) error {
	if err := c.control.FilterBroadcast(filter, c.meta.ID, data); err != nil {
		return &TransportError{Op: "filter_broadcast", Err: err}
	}
	return nil
}

func (c *protoContext) QuickFilterBroadcast(filter SessionFilter, data []byte) error {
	if err := c.control.QuickFilterBroadcast(filter, c.meta.ID, data); err != nil {
		return &TransportError{Op: "quick_filter_broadcast", Err: err}
	}
	return nil
}

func (c *protoContext) FutureTask(task func(), blocking bool) error {
	if blocking {
		if c.pool == nil {
			return ErrPoolClosed
		}
		return c.pool.Submit(task)
	}
	if err := c.control.FutureTask(task); err != nil {
		return &TransportError{Op: "future_task", Err: err}
	}
	return nil
}

func (c *protoContext) OpenProtocols(sess types.SessionID, filter ProtocolFilter) error {
	if err := c.control.OpenProtocols(sess, filter); err != nil {
		return &TransportError{Op: "open_protocols", Session: sess, Err: err}
	}
	return nil
}

func (c *protoContext) Disconnect(sess types.SessionID, reason string) error {
	logging.Debug("disconnecting session",
		logging.Session(sess),
		"reason", reason,
		logging.Component("dispatch"))
	c.state.Metrics.Disconnect(reason)

	return disconnectWithMessage(c.control, sess, reason)
}

func (c *protoContext) GetPeer(sess types.SessionID) *peering.Peer {
	return c.state.Registry.Get(sess)
}

func (c *protoContext) WithPeerMut(sess types.SessionID, fn func(*peering.Peer)) {
	c.state.Registry.Mutate(sess, fn)
}

func (c *protoContext) ConnectedSessions() []types.SessionID {
	return c.state.Registry.SessionsWithProtocol(c.meta.ID)
}

func (c *protoContext) ReportPeer(sess types.SessionID, behaviour types.Behaviour) {
	c.state.ReportSession(controlDisconnector{c.control}, sess, behaviour)
}

func (c *protoContext) BanPeer(sess types.SessionID, duration time.Duration, reason string) {
	c.state.BanSession(controlDisconnector{c.control}, sess, duration, reason)
}

func (c *protoContext) ProtocolID() types.ProtocolID {
	return c.meta.ID
}

// controlDisconnector adapts Control to the peering.Disconnector seam,
// sending the parting reason first like Context.Disconnect does.
type controlDisconnector struct {
	control Control
}

func (d controlDisconnector) Disconnect(sess types.SessionID, reason string) error {
	return disconnectWithMessage(d.control, sess, reason)
}
