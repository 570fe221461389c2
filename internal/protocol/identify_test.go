package protocol

import (
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/moltbunker/peermesh/pkg/types"
)

// scriptedCallback records every policy callback and answers with
// preconfigured verdicts. The zero value accepts everything except
// misbehavior, which defaults to disconnect.
type scriptedCallback struct {
	network string
	flags   types.CapabilityFlags
	version string
	listen  []ma.Multiaddr

	registered   int
	unregistered int

	receivedVerdict Verdict
	receivedCalls   int

	remoteListen [][]ma.Multiaddr

	observedVerdict Verdict
	observed        []ma.Multiaddr
	observedKinds   []types.SessionKind

	misbehaviors []Misbehavior
	// misbehaveVerdicts is consumed front to back; when exhausted,
	// Misbehave answers disconnect.
	misbehaveVerdicts []Verdict
}

func (c *scriptedCallback) Register(_ Context, _ types.Session, _ types.ProtocolVersion) {
	c.registered++
}

func (c *scriptedCallback) Unregister(_ Context, _ types.Session) {
	c.unregistered++
}

func (c *scriptedCallback) Identity() (string, types.CapabilityFlags, string) {
	return c.network, c.flags, c.version
}

func (c *scriptedCallback) LocalListenAddrs(max int) []ma.Multiaddr {
	if len(c.listen) > max {
		return c.listen[:max]
	}
	return c.listen
}

func (c *scriptedCallback) ReceivedIdentity(_ Context, _ types.Session, _ string, _ types.CapabilityFlags, _ string) Verdict {
	c.receivedCalls++
	return c.receivedVerdict
}

func (c *scriptedCallback) AddRemoteListenAddrs(_ types.Session, addrs []ma.Multiaddr) {
	c.remoteListen = append(c.remoteListen, addrs)
}

func (c *scriptedCallback) AddObservedAddr(addr ma.Multiaddr, kind types.SessionKind) Verdict {
	c.observed = append(c.observed, addr)
	c.observedKinds = append(c.observedKinds, kind)
	return c.observedVerdict
}

func (c *scriptedCallback) Misbehave(_ types.Session, m Misbehavior) Verdict {
	c.misbehaviors = append(c.misbehaviors, m)
	if len(c.misbehaveVerdicts) == 0 {
		return VerdictDisconnect
	}
	v := c.misbehaveVerdicts[0]
	c.misbehaveVerdicts = c.misbehaveVerdicts[1:]
	return v
}

func newIdentifyFixture(t *testing.T, cb *scriptedCallback) (*IdentifyProtocol, *Dispatcher, *fakeControl) {
	t.Helper()
	if cb.network == "" {
		cb.network = "/peermesh/mainnet"
		cb.flags = types.FlagFullNode
		cb.version = "peermesh/0.1.0"
	}
	state := newTestState(t, "/ip4/203.0.113.7/tcp/9615")
	control := newFakeControl()
	idp := NewIdentifyProtocol(cb, 0)
	disp := NewDispatcher(Identify.Meta(), idp, state, control, nil)
	return idp, disp, control
}

func validPayload(t *testing.T, listenCount int) []byte {
	t.Helper()
	msg := &identifyMessage{
		Network:       "/peermesh/mainnet",
		Flags:         types.FlagFullNode,
		ClientVersion: "other/2.0",
		ObservedAddr:  mustAddr(t, "/ip4/203.0.113.7/tcp/9615"),
	}
	for i := 0; i < listenCount; i++ {
		msg.ListenAddrs = append(msg.ListenAddrs, mustAddr(t, "/ip4/198.51.100.3/tcp/9700"))
	}
	return msg.encode()
}

func TestIdentifyProtocol_InitSchedulesSweep(t *testing.T) {
	_, disp, control := newIdentifyFixture(t, &scriptedCallback{})
	disp.Init()

	if got := control.notifies[checkTimeoutToken]; got != checkTimeoutInterval {
		t.Errorf("sweep interval = %v, want %v", got, checkTimeoutInterval)
	}
}

func TestIdentifyProtocol_SendsIdentityOnConnect(t *testing.T) {
	cb := &scriptedCallback{
		network: "/peermesh/mainnet",
		flags:   types.FlagFullNode,
		version: "peermesh/0.1.0",
		listen: []ma.Multiaddr{
			mustAddr(t, "/ip4/203.0.113.7/tcp/9615"),
		},
	}
	_, disp, control := newIdentifyFixture(t, cb)

	sess := testSession(t, 1, types.SessionOutbound, "/ip4/192.0.2.9/tcp/40100")
	disp.Connected(sess, "2")

	if cb.registered != 1 {
		t.Errorf("registered = %d, want 1", cb.registered)
	}
	payload := control.lastSentOn(Identify.ID())
	if payload == nil {
		t.Fatal("no identity sent")
	}
	msg, err := decodeIdentifyMessage(payload)
	if err != nil {
		t.Fatalf("sent identity does not decode: %v", err)
	}
	if msg.Network != "/peermesh/mainnet" || msg.Flags != types.FlagFullNode {
		t.Errorf("identity = %q/%d", msg.Network, msg.Flags)
	}
	if len(msg.ListenAddrs) != 1 {
		t.Errorf("sent %d listen addrs, want 1", len(msg.ListenAddrs))
	}
	if !msg.ObservedAddr.Equal(sess.RemoteAddr) {
		t.Errorf("observed addr = %s, want the remote's address %s", msg.ObservedAddr, sess.RemoteAddr)
	}
}

func TestIdentifyProtocol_AcceptsValidIdentity(t *testing.T) {
	cb := &scriptedCallback{}
	_, disp, control := newIdentifyFixture(t, cb)

	sess := testSession(t, 1, types.SessionOutbound, "/ip4/192.0.2.9/tcp/40100")
	disp.Connected(sess, "2")
	disp.Received(sess, validPayload(t, 3))

	if cb.receivedCalls != 1 {
		t.Errorf("identity checked %d times, want 1", cb.receivedCalls)
	}
	if len(cb.remoteListen) != 1 || len(cb.remoteListen[0]) != 3 {
		t.Errorf("remote listen addrs not ingested: %v", cb.remoteListen)
	}
	if len(cb.observed) != 1 {
		t.Errorf("observed addr not ingested")
	}
	if len(cb.misbehaviors) != 0 {
		t.Errorf("unexpected misbehaviors: %v", cb.misbehaviors)
	}
	if control.didDisconnect(sess.ID) {
		t.Error("valid identity disconnected")
	}
}

func TestIdentifyProtocol_DuplicateReceive(t *testing.T) {
	cb := &scriptedCallback{
		misbehaveVerdicts: []Verdict{VerdictContinue, VerdictDisconnect},
	}
	_, disp, control := newIdentifyFixture(t, cb)

	sess := testSession(t, 1, types.SessionInbound, "/ip4/192.0.2.9/tcp/40100")
	disp.Connected(sess, "2")
	disp.Received(sess, validPayload(t, 0))

	// First duplicate: policy lets it slide.
	disp.Received(sess, validPayload(t, 0))
	if control.didDisconnect(sess.ID) {
		t.Fatal("disconnected despite a continue verdict")
	}

	// Second duplicate: policy has had enough.
	disp.Received(sess, validPayload(t, 0))
	if !control.didDisconnect(sess.ID) {
		t.Fatal("not disconnected despite a disconnect verdict")
	}

	if len(cb.misbehaviors) != 2 {
		t.Fatalf("misbehaviors = %v, want 2 duplicates", cb.misbehaviors)
	}
	for _, m := range cb.misbehaviors {
		if m.Kind != MisbehaviorDuplicate {
			t.Errorf("misbehavior kind = %v, want duplicate", m.Kind)
		}
	}
	// A duplicate is a misbehavior, not a gate: its payload still goes
	// through the content checks.
	if cb.receivedCalls != 3 {
		t.Errorf("identity checked %d times, want 3", cb.receivedCalls)
	}
	if len(cb.remoteListen) != 3 {
		t.Errorf("listen addrs ingested %d times, want 3", len(cb.remoteListen))
	}
}

// An undecodable payload must not count against the duplicate check or
// satisfy the handshake deadline; the first payload that decodes is still
// the first identify.
func TestIdentifyProtocol_InvalidPayloadThenValid(t *testing.T) {
	cb := &scriptedCallback{
		misbehaveVerdicts: []Verdict{VerdictContinue},
	}
	idp, disp, control := newIdentifyFixture(t, cb)

	sess := testSession(t, 1, types.SessionInbound, "/ip4/192.0.2.9/tcp/40100")
	disp.Connected(sess, "2")
	disp.Received(sess, []byte{0xff, 0xff, 0xff})
	disp.Received(sess, validPayload(t, 2))

	if len(cb.misbehaviors) != 1 || cb.misbehaviors[0].Kind != MisbehaviorInvalidData {
		t.Fatalf("misbehaviors = %v, want one invalid-data", cb.misbehaviors)
	}
	if cb.receivedCalls != 1 {
		t.Errorf("identity checked %d times, want 1", cb.receivedCalls)
	}
	if len(cb.remoteListen) != 1 {
		t.Errorf("listen addrs ingested %d times, want 1", len(cb.remoteListen))
	}
	if control.didDisconnect(sess.ID) {
		t.Error("disconnected despite a continue verdict")
	}
	if info := idp.remotes[sess.ID]; info == nil || !info.hasReceived {
		t.Error("valid identify did not satisfy the handshake deadline")
	}
}

func TestIdentifyProtocol_InvalidPayload(t *testing.T) {
	cb := &scriptedCallback{}
	_, disp, control := newIdentifyFixture(t, cb)

	sess := testSession(t, 1, types.SessionInbound, "/ip4/192.0.2.9/tcp/40100")
	disp.Connected(sess, "2")
	disp.Received(sess, []byte{0xff, 0xff, 0xff})

	if len(cb.misbehaviors) != 1 || cb.misbehaviors[0].Kind != MisbehaviorInvalidData {
		t.Fatalf("misbehaviors = %v, want one invalid-data", cb.misbehaviors)
	}
	if cb.receivedCalls != 0 {
		t.Error("identity check ran on an undecodable payload")
	}
	if !control.didDisconnect(sess.ID) {
		t.Error("not disconnected")
	}
}

func TestIdentifyProtocol_TooManyListenAddrs(t *testing.T) {
	cb := &scriptedCallback{}
	_, disp, control := newIdentifyFixture(t, cb)

	sess := testSession(t, 1, types.SessionInbound, "/ip4/192.0.2.9/tcp/40100")
	disp.Connected(sess, "2")
	disp.Received(sess, validPayload(t, maxReportedListenAddrs+1))

	if len(cb.misbehaviors) != 1 {
		t.Fatalf("misbehaviors = %v, want one", cb.misbehaviors)
	}
	m := cb.misbehaviors[0]
	if m.Kind != MisbehaviorTooManyAddresses || m.AddrCount != maxReportedListenAddrs+1 {
		t.Errorf("misbehavior = %v, want too_many_addresses(%d)", m, maxReportedListenAddrs+1)
	}
	if len(cb.remoteListen) != 0 {
		t.Error("oversized address list was ingested")
	}
	if !control.didDisconnect(sess.ID) {
		t.Error("not disconnected")
	}
}

func TestIdentifyProtocol_MaxListenAddrsAccepted(t *testing.T) {
	cb := &scriptedCallback{}
	_, disp, control := newIdentifyFixture(t, cb)

	sess := testSession(t, 1, types.SessionInbound, "/ip4/192.0.2.9/tcp/40100")
	disp.Connected(sess, "2")
	disp.Received(sess, validPayload(t, maxReportedListenAddrs))

	if len(cb.misbehaviors) != 0 {
		t.Errorf("misbehaviors = %v, want none", cb.misbehaviors)
	}
	if len(cb.remoteListen) != 1 || len(cb.remoteListen[0]) != maxReportedListenAddrs {
		t.Error("address list at the cap was not ingested")
	}
	if control.didDisconnect(sess.ID) {
		t.Error("disconnected at exactly the cap")
	}
}

// A payload that fails the identity check still has its remaining checks
// evaluated, so every violation is observed.
func TestIdentifyProtocol_ChecksRunAfterRejection(t *testing.T) {
	cb := &scriptedCallback{receivedVerdict: VerdictDisconnect}
	_, disp, control := newIdentifyFixture(t, cb)

	sess := testSession(t, 1, types.SessionInbound, "/ip4/192.0.2.9/tcp/40100")
	disp.Connected(sess, "2")
	disp.Received(sess, validPayload(t, maxReportedListenAddrs+1))

	if cb.receivedCalls != 1 {
		t.Error("identity check skipped")
	}
	if len(cb.misbehaviors) != 1 || cb.misbehaviors[0].Kind != MisbehaviorTooManyAddresses {
		t.Errorf("misbehaviors = %v, want too_many_addresses", cb.misbehaviors)
	}
	if len(cb.observed) != 1 {
		t.Error("observed addr check skipped")
	}
	if !control.didDisconnect(sess.ID) {
		t.Error("not disconnected")
	}
}

func TestIdentifyProtocol_TimeoutSweep(t *testing.T) {
	cb := &scriptedCallback{}
	idp, disp, control := newIdentifyFixture(t, cb)

	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	now := base
	idp.now = func() time.Time { return now }

	silent := testSession(t, 1, types.SessionInbound, "/ip4/192.0.2.9/tcp/40100")
	prompt := testSession(t, 2, types.SessionInbound, "/ip4/192.0.2.10/tcp/40101")
	disp.Connected(silent, "2")
	disp.Connected(prompt, "2")
	disp.Received(prompt, validPayload(t, 0))

	// Just under the deadline: nobody is swept.
	now = base.Add(types.HandshakeTimeout - 100*time.Millisecond)
	disp.Notify(checkTimeoutToken)
	if len(cb.misbehaviors) != 0 {
		t.Fatalf("swept before the deadline: %v", cb.misbehaviors)
	}

	// At the deadline: only the silent session is swept.
	now = base.Add(types.HandshakeTimeout)
	disp.Notify(checkTimeoutToken)
	if len(cb.misbehaviors) != 1 || cb.misbehaviors[0].Kind != MisbehaviorTimeout {
		t.Fatalf("misbehaviors = %v, want one timeout", cb.misbehaviors)
	}
	if !control.didDisconnect(silent.ID) {
		t.Error("silent session not disconnected")
	}
	if control.didDisconnect(prompt.ID) {
		t.Error("identified session swept")
	}
}

func TestIdentifyProtocol_NotifyIgnoresOtherTokens(t *testing.T) {
	cb := &scriptedCallback{}
	idp, disp, _ := newIdentifyFixture(t, cb)

	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	now := base
	idp.now = func() time.Time { return now }

	sess := testSession(t, 1, types.SessionInbound, "/ip4/192.0.2.9/tcp/40100")
	disp.Connected(sess, "2")

	now = base.Add(time.Hour)
	disp.Notify(checkTimeoutToken + 1)
	if len(cb.misbehaviors) != 0 {
		t.Errorf("foreign token triggered a sweep: %v", cb.misbehaviors)
	}
}

func TestIdentifyProtocol_DisconnectedClearsState(t *testing.T) {
	cb := &scriptedCallback{}
	idp, disp, _ := newIdentifyFixture(t, cb)

	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	now := base
	idp.now = func() time.Time { return now }

	sess := testSession(t, 1, types.SessionInbound, "/ip4/192.0.2.9/tcp/40100")
	disp.Connected(sess, "2")
	disp.Disconnected(sess)

	if cb.unregistered != 1 {
		t.Errorf("unregistered = %d, want 1", cb.unregistered)
	}

	now = base.Add(time.Hour)
	disp.Notify(checkTimeoutToken)
	if len(cb.misbehaviors) != 0 {
		t.Errorf("closed session swept: %v", cb.misbehaviors)
	}
}
