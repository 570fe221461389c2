package types

// CapabilityFlags is the bitmask a node advertises during the identify
// handshake describing which protocol set it supports. A value of zero is
// never valid on the wire.
type CapabilityFlags uint64

const (
	// FlagFullNode - node supports the full protocol set
	FlagFullNode CapabilityFlags = 0x1
)

// Contains reports whether every bit set in other is also set in f.
func (f CapabilityFlags) Contains(other CapabilityFlags) bool {
	return f&other == other
}
