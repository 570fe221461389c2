package types

import (
	ma "github.com/multiformats/go-multiaddr"
)

// Session is the transport-supplied view of one live connection. The
// transport owns the underlying connection; this layer only borrows the
// handle and its metadata.
type Session struct {
	ID         SessionID
	RemoteAddr ma.Multiaddr
	Kind       SessionKind
}
