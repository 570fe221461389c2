package peering

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/moltbunker/peermesh/internal/logging"
	"github.com/moltbunker/peermesh/pkg/types"
)

const (
	// defaultScore is the conduct score a freshly discovered address starts
	// with. Behaviour reports move it; at zero or below the address is
	// considered misbehaving and the session gets disconnected.
	defaultScore = 100

	// defaultCapacity bounds the address book. Adding beyond it evicts the
	// worst stale candidate, or fails if nothing is evictable.
	defaultCapacity = 16384
)

// AddrEntry stores one discovered peer address with its bookkeeping.
type AddrEntry struct {
	Addr         string    `json:"addr"` // multiaddr string
	Score        int       `json:"score"`
	LastSeen     time.Time `json:"last_seen"`
	Outbound     bool      `json:"outbound"`      // verified by a successful outbound dial
	FeelerOK     bool      `json:"feeler_ok"`     // verified alive by a feeler probe
	ConnAttempts int       `json:"conn_attempts"`
	ConnSuccess  int       `json:"conn_success"`
}

// AddressBook is a thread-safe bounded store of discovered peer addresses.
// It is the persistence half of the peer store: the registry tracks live
// sessions, the address book tracks everything we have learned about where
// peers can be reached.
type AddressBook struct {
	mu       sync.RWMutex
	entries  map[string]*AddrEntry
	capacity int
}

// NewAddressBook creates a new empty AddressBook with the default capacity.
func NewAddressBook() *AddressBook {
	return &AddressBook{
		entries:  make(map[string]*AddrEntry),
		capacity: defaultCapacity,
	}
}

// AddAddr records a discovered candidate address. Returns an error if the
// book is full and no entry can be evicted.
func (ab *AddressBook) AddAddr(addr ma.Multiaddr) error {
	if addr == nil {
		return fmt.Errorf("nil address")
	}

	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.addLocked(addr.String(), func(e *AddrEntry) {})
}

// AddOutboundAddr records an address verified by a successful outbound
// connection. Unlike AddAddr it always succeeds for known entries and
// refreshes the verification mark.
func (ab *AddressBook) AddOutboundAddr(addr ma.Multiaddr) {
	if addr == nil {
		return
	}

	ab.mu.Lock()
	defer ab.mu.Unlock()
	// Outbound-verified addresses are worth keeping; eviction failure is
	// only logged.
	if err := ab.addLocked(addr.String(), func(e *AddrEntry) { e.Outbound = true }); err != nil {
		logging.Warn("could not record outbound address",
			"addr", addr.String(),
			logging.Err(err),
			logging.Component("addrbook"))
	}
}

// MarkFeelerAlive records that a feeler probe reached the address.
func (ab *AddressBook) MarkFeelerAlive(addr ma.Multiaddr) {
	if addr == nil {
		return
	}

	ab.mu.Lock()
	defer ab.mu.Unlock()
	_ = ab.addLocked(addr.String(), func(e *AddrEntry) {
		e.FeelerOK = true
		e.ConnSuccess++
		e.ConnAttempts++
	})
}

func (ab *AddressBook) addLocked(key string, update func(*AddrEntry)) error {
	if entry, ok := ab.entries[key]; ok {
		entry.LastSeen = time.Now()
		update(entry)
		return nil
	}

	if len(ab.entries) >= ab.capacity {
		if !ab.evictLocked() {
			return fmt.Errorf("address book full (%d entries)", len(ab.entries))
		}
	}

	entry := &AddrEntry{
		Addr:     key,
		Score:    defaultScore,
		LastSeen: time.Now(),
	}
	update(entry)
	ab.entries[key] = entry
	return nil
}

// evictLocked drops the stalest non-verified entry. Returns false when
// every entry is verified (outbound or feeler) and nothing may be evicted.
func (ab *AddressBook) evictLocked() bool {
	var victim string
	var oldest time.Time
	for key, entry := range ab.entries {
		if entry.Outbound || entry.FeelerOK {
			continue
		}
		if victim == "" || entry.LastSeen.Before(oldest) {
			victim = key
			oldest = entry.LastSeen
		}
	}
	if victim == "" {
		return false
	}
	delete(ab.entries, victim)
	return true
}

// Report applies a behaviour score delta to the address. Returns true when
// the address has fallen to or below zero and should be cut off.
func (ab *AddressBook) Report(addr ma.Multiaddr, behaviour types.Behaviour) bool {
	if addr == nil {
		return false
	}

	ab.mu.Lock()
	defer ab.mu.Unlock()

	key := addr.String()
	entry, ok := ab.entries[key]
	if !ok {
		entry = &AddrEntry{Addr: key, Score: defaultScore, LastSeen: time.Now()}
		ab.entries[key] = entry
	}
	entry.Score += int(behaviour)
	return entry.Score <= 0
}

// Get returns a copy of the entry for the address, or nil.
func (ab *AddressBook) Get(addr ma.Multiaddr) *AddrEntry {
	ab.mu.RLock()
	defer ab.mu.RUnlock()

	entry, ok := ab.entries[addr.String()]
	if !ok {
		return nil
	}
	cp := *entry
	return &cp
}

// Len returns the number of stored addresses.
func (ab *AddressBook) Len() int {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	return len(ab.entries)
}

// BestAddrs returns up to n addresses sorted by score (descending), then
// by last seen time (most recent first) as a tiebreaker. Entries that no
// longer parse as multiaddrs are skipped.
func (ab *AddressBook) BestAddrs(n int) []ma.Multiaddr {
	ab.mu.RLock()
	entries := make([]*AddrEntry, 0, len(ab.entries))
	for _, entry := range ab.entries {
		cp := *entry
		entries = append(entries, &cp)
	}
	ab.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].LastSeen.After(entries[j].LastSeen)
	})

	out := make([]ma.Multiaddr, 0, n)
	for _, entry := range entries {
		if len(out) == n {
			break
		}
		addr, err := ma.NewMultiaddr(entry.Addr)
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// CleanStale removes entries that have not been seen within maxAge.
func (ab *AddressBook) CleanStale(maxAge time.Duration) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var removed int
	for key, entry := range ab.entries {
		if entry.LastSeen.Before(cutoff) {
			delete(ab.entries, key)
			removed++
		}
	}

	if removed > 0 {
		logging.Debug("cleaned stale address book entries",
			"removed", removed,
			logging.Component("addrbook"))
	}
}

// Save persists the address book to a JSON file using an atomic write
// (write to .tmp then rename).
func (ab *AddressBook) Save(path string) error {
	ab.mu.RLock()
	entries := make([]*AddrEntry, 0, len(ab.entries))
	for _, entry := range ab.entries {
		cp := *entry
		entries = append(entries, &cp)
	}
	ab.mu.RUnlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal address book: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory for address book: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write address book temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename address book file: %w", err)
	}

	logging.Debug("saved address book",
		"entries", len(entries),
		"path", path,
		logging.Component("addrbook"))

	return nil
}

// Load reads the address book from a JSON file. If the file does not
// exist, the book is left empty (no error).
func (ab *AddressBook) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Debug("no address book file found, starting fresh",
				"path", path,
				logging.Component("addrbook"))
			return nil
		}
		return fmt.Errorf("read address book: %w", err)
	}

	var entries []*AddrEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("unmarshal address book: %w", err)
	}

	ab.mu.Lock()
	defer ab.mu.Unlock()
	for _, entry := range entries {
		if entry.Addr == "" {
			continue
		}
		ab.entries[entry.Addr] = entry
	}
	return nil
}
