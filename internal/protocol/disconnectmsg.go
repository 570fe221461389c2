package protocol

import (
	"unicode/utf8"

	"github.com/moltbunker/peermesh/internal/logging"
	"github.com/moltbunker/peermesh/pkg/types"
)

// maxDisconnectReason caps the parting message in both directions; anything
// longer is truncated on send and ignored on receive.
const maxDisconnectReason = 512

// DisconnectMessageProtocol carries a short human-readable reason to the
// remote just before the session is torn down. It never initiates traffic
// on its own; the send side lives in disconnectWithMessage.
type DisconnectMessageProtocol struct {
	BaseHandler
}

func NewDisconnectMessageProtocol() *DisconnectMessageProtocol {
	return &DisconnectMessageProtocol{}
}

// Received logs the remote's parting reason. The remote closes the session
// itself right after sending, so there is nothing else to do.
func (p *DisconnectMessageProtocol) Received(nc Context, sess types.Session, data []byte) {
	if len(data) > maxDisconnectReason || !utf8.Valid(data) {
		logging.Debug("malformed disconnect message",
			logging.Session(sess.ID),
			"length", len(data),
			logging.Component("disconnectmsg"))
		return
	}
	logging.Info("remote disconnecting us",
		logging.Session(sess.ID),
		"reason", string(data),
		logging.Component("disconnectmsg"))
}

// disconnectWithMessage best-effort delivers reason on the
// disconnect-message protocol, then closes the session. A failed reason
// send is only logged (the session is going away anyway), but a failed
// Disconnect is returned as a transport error.
func disconnectWithMessage(control Control, sess types.SessionID, reason string) error {
	msg := reason
	if len(msg) > maxDisconnectReason {
		msg = msg[:maxDisconnectReason]
	}
	if err := control.QuickSendMessage(sess, DisconnectMessage.ID(), []byte(msg)); err != nil {
		logging.Debug("could not deliver disconnect reason",
			logging.Session(sess),
			logging.Err(err),
			logging.Component("disconnectmsg"))
	}
	if err := control.Disconnect(sess); err != nil {
		return &TransportError{Op: "disconnect", Session: sess, Err: err}
	}
	return nil
}
