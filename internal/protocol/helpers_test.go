package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/moltbunker/peermesh/internal/peering"
	"github.com/moltbunker/peermesh/pkg/types"
)

const testPeerIDStr = "12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN"

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		t.Fatalf("bad multiaddr %q: %v", s, err)
	}
	return addr
}

func testPeerID(t *testing.T) peer.ID {
	t.Helper()
	id, err := peer.Decode(testPeerIDStr)
	if err != nil {
		t.Fatalf("bad peer id: %v", err)
	}
	return id
}

func testSession(t *testing.T, id uint64, kind types.SessionKind, addr string) types.Session {
	t.Helper()
	return types.Session{
		ID:         types.SessionID(id),
		RemoteAddr: mustAddr(t, addr),
		Kind:       kind,
	}
}

func newTestState(t *testing.T, listen ...string) *peering.NetworkState {
	t.Helper()
	addrs := make([]ma.Multiaddr, 0, len(listen))
	for _, s := range listen {
		addrs = append(addrs, mustAddr(t, s))
	}
	return peering.NewNetworkState(testPeerID(t), addrs, nil)
}

type sentMsg struct {
	sess  types.SessionID
	proto types.ProtocolID
	data  []byte
	quick bool
}

// fakeControl records every transport request. failAll makes every
// operation return an error; failSends and failDisconnect fail only the
// message sends or only Disconnect.
type fakeControl struct {
	sent           []sentMsg
	disconnected   []types.SessionID
	notifies       map[uint64]time.Duration
	opened         map[types.SessionID][]types.ProtocolID
	futures        []func()
	failAll        bool
	failSends      bool
	failDisconnect bool
}

func newFakeControl() *fakeControl {
	return &fakeControl{
		notifies: make(map[uint64]time.Duration),
		opened:   make(map[types.SessionID][]types.ProtocolID),
	}
}

var errFakeTransport = errors.New("transport unavailable")

func (f *fakeControl) maybeFail() error {
	if f.failAll {
		return errFakeTransport
	}
	return nil
}

func (f *fakeControl) SetNotify(proto types.ProtocolID, interval time.Duration, token uint64) error {
	if err := f.maybeFail(); err != nil {
		return err
	}
	f.notifies[token] = interval
	return nil
}

func (f *fakeControl) RemoveNotify(proto types.ProtocolID, token uint64) error {
	if err := f.maybeFail(); err != nil {
		return err
	}
	delete(f.notifies, token)
	return nil
}

func (f *fakeControl) SendMessage(sess types.SessionID, proto types.ProtocolID, data []byte) error {
	if err := f.maybeFail(); err != nil {
		return err
	}
	if f.failSends {
		return errFakeTransport
	}
	f.sent = append(f.sent, sentMsg{sess: sess, proto: proto, data: data})
	return nil
}

func (f *fakeControl) QuickSendMessage(sess types.SessionID, proto types.ProtocolID, data []byte) error {
	if err := f.maybeFail(); err != nil {
		return err
	}
	if f.failSends {
		return errFakeTransport
	}
	f.sent = append(f.sent, sentMsg{sess: sess, proto: proto, data: data, quick: true})
	return nil
}

func (f *fakeControl) FilterBroadcast(filter SessionFilter, proto types.ProtocolID, data []byte) error {
	return f.maybeFail()
}

func (f *fakeControl) QuickFilterBroadcast(filter SessionFilter, proto types.ProtocolID, data []byte) error {
	return f.maybeFail()
}

func (f *fakeControl) FutureTask(task func()) error {
	if err := f.maybeFail(); err != nil {
		return err
	}
	f.futures = append(f.futures, task)
	return nil
}

func (f *fakeControl) OpenProtocols(sess types.SessionID, filter ProtocolFilter) error {
	if err := f.maybeFail(); err != nil {
		return err
	}
	var ids []types.ProtocolID
	for _, p := range All() {
		if filter(p.ID()) {
			ids = append(ids, p.ID())
		}
	}
	f.opened[sess] = ids
	return nil
}

func (f *fakeControl) Disconnect(sess types.SessionID) error {
	if err := f.maybeFail(); err != nil {
		return err
	}
	if f.failDisconnect {
		return errFakeTransport
	}
	f.disconnected = append(f.disconnected, sess)
	return nil
}

func (f *fakeControl) didDisconnect(sess types.SessionID) bool {
	for _, id := range f.disconnected {
		if id == sess {
			return true
		}
	}
	return false
}

// lastSentOn returns the payload of the most recent message sent on proto,
// or nil.
func (f *fakeControl) lastSentOn(proto types.ProtocolID) []byte {
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].proto == proto {
			return f.sent[i].data
		}
	}
	return nil
}
