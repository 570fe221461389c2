package protocol

import (
	"errors"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-varint"

	"github.com/moltbunker/peermesh/pkg/types"
)

// Identify payload layout, all fields uvarint length-prefixed and in fixed
// order:
//
//	network name | flags (bare uvarint) | client version |
//	listen addr count | per-addr bytes... | observed addr (len 0 = absent)
//
// Addresses travel in multiaddr binary form, which is self-describing, so
// no per-field type tags are needed.

var (
	errIdentifyTruncated = errors.New("identify payload truncated")
	errIdentifyTrailing  = errors.New("identify payload has trailing bytes")
)

// decodeAddrLimit bounds decode-time allocation. It is deliberately far
// above the protocol's reported-address cap: the count itself is evidence
// the misbehavior policy needs, so decoding stays lenient.
const decodeAddrLimit = 1024

type identifyMessage struct {
	Network       string
	Flags         types.CapabilityFlags
	ClientVersion string
	ListenAddrs   []ma.Multiaddr
	ObservedAddr  ma.Multiaddr
}

func appendLenPrefixed(buf, b []byte) []byte {
	buf = append(buf, varint.ToUvarint(uint64(len(b)))...)
	return append(buf, b...)
}

func (m *identifyMessage) encode() []byte {
	prefix := encodePrefix(m.Network, m.Flags, m.ClientVersion)
	return encodeWithPrefix(prefix, m.ListenAddrs, m.ObservedAddr)
}

// encodePrefix serializes the session-independent head of the payload.
func encodePrefix(network string, flags types.CapabilityFlags, version string) []byte {
	buf := make([]byte, 0, len(network)+len(version)+3*varint.MaxLenUvarint63)
	buf = appendLenPrefixed(buf, []byte(network))
	buf = append(buf, varint.ToUvarint(uint64(flags))...)
	buf = appendLenPrefixed(buf, []byte(version))
	return buf
}

// encodeWithPrefix completes a payload from a cached prefix plus the
// per-session address fields.
func encodeWithPrefix(prefix []byte, listen []ma.Multiaddr, observed ma.Multiaddr) []byte {
	buf := make([]byte, len(prefix), len(prefix)+64)
	copy(buf, prefix)
	buf = append(buf, varint.ToUvarint(uint64(len(listen)))...)
	for _, addr := range listen {
		buf = appendLenPrefixed(buf, addr.Bytes())
	}
	if observed == nil {
		buf = append(buf, varint.ToUvarint(0)...)
	} else {
		buf = appendLenPrefixed(buf, observed.Bytes())
	}
	return buf
}

func decodeIdentifyMessage(data []byte) (*identifyMessage, error) {
	msg := &identifyMessage{}

	network, rest, err := readLenPrefixed(data)
	if err != nil {
		return nil, fmt.Errorf("network name: %w", err)
	}
	msg.Network = string(network)

	flags, n, err := varint.FromUvarint(rest)
	if err != nil {
		return nil, fmt.Errorf("flags: %w", err)
	}
	msg.Flags = types.CapabilityFlags(flags)
	rest = rest[n:]

	version, rest, err := readLenPrefixed(rest)
	if err != nil {
		return nil, fmt.Errorf("client version: %w", err)
	}
	msg.ClientVersion = string(version)

	count, n, err := varint.FromUvarint(rest)
	if err != nil {
		return nil, fmt.Errorf("listen addr count: %w", err)
	}
	rest = rest[n:]
	if count > decodeAddrLimit {
		return nil, fmt.Errorf("listen addr count %d exceeds limit %d", count, decodeAddrLimit)
	}
	for i := uint64(0); i < count; i++ {
		var raw []byte
		raw, rest, err = readLenPrefixed(rest)
		if err != nil {
			return nil, fmt.Errorf("listen addr %d: %w", i, err)
		}
		addr, err := ma.NewMultiaddrBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("listen addr %d: %w", i, err)
		}
		msg.ListenAddrs = append(msg.ListenAddrs, addr)
	}

	observed, rest, err := readLenPrefixed(rest)
	if err != nil {
		return nil, fmt.Errorf("observed addr: %w", err)
	}
	if len(observed) > 0 {
		addr, err := ma.NewMultiaddrBytes(observed)
		if err != nil {
			return nil, fmt.Errorf("observed addr: %w", err)
		}
		msg.ObservedAddr = addr
	}

	if len(rest) != 0 {
		return nil, errIdentifyTrailing
	}
	return msg, nil
}

func readLenPrefixed(buf []byte) (field, rest []byte, err error) {
	size, n, err := varint.FromUvarint(buf)
	if err != nil {
		return nil, nil, err
	}
	buf = buf[n:]
	if uint64(len(buf)) < size {
		return nil, nil, errIdentifyTruncated
	}
	return buf[:size], buf[size:], nil
}
