package mptcp

import "net"

// AddrEntry is one entry of an address set (spec §3, "Address entry").
// id 0 is the implicit ULID (the address/port the application itself
// used or is listening on) and is never advertised or stored in the
// entries map proper.
type AddrEntry struct {
	Family byte // 4 or 6
	Addr   net.IP
	Port   uint16
	ID     uint8
}

func sameAddrPort(a, b AddrEntry) bool {
	return a.Addr.Equal(b.Addr) && a.Port == b.Port
}

// AddrSet is a per-MPCB, per-direction (local or remote) address
// inventory. Per spec §5's shared-resource policy, writers update
// numAddrs last on insertion and first on removal so a concurrent reader
// on the send-options path never observes a count ahead of the backing
// entries.
type AddrSet struct {
	entries  map[uint8]AddrEntry
	order    []uint8 // advertise order; append-only except on removal
	cap      int
	numAddrs int

	// listReceived is flipped whenever a mutation actually changes the
	// set, signalling the path table to rebuild (spec §4.2).
	listReceived bool

	nextLocalID uint8 // next id to hand out when scanning local interfaces
}

// NewAddrSet creates an address set with the given capacity (spec §4.2's
// "fixed cap, typically 12").
func NewAddrSet(cap int) *AddrSet {
	return &AddrSet{
		entries:     make(map[uint8]AddrEntry),
		cap:         cap,
		nextLocalID: 1,
	}
}

// Get returns the entry for id, if any.
func (s *AddrSet) Get(id uint8) (AddrEntry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// Entries returns a snapshot of all advertised entries (id != 0) in
// advertise order.
func (s *AddrSet) Entries() []AddrEntry {
	out := make([]AddrEntry, 0, len(s.order))
	for _, id := range s.order {
		if e, ok := s.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of advertised addresses.
func (s *AddrSet) Count() int { return s.numAddrs }

// ConsumeListReceived reports and clears the listReceived flag; the path
// table calls this once per rebuild attempt.
func (s *AddrSet) ConsumeListReceived() bool {
	v := s.listReceived
	s.listReceived = false
	return v
}

// ApplyAddAddr applies an incoming ADD_ADDR per spec §4.2's four rules.
// Returns whether the set actually changed.
func (s *AddrSet) ApplyAddAddr(id uint8, addr net.IP, port uint16, family byte) (bool, error) {
	if id == 0 {
		// the peer's ULID; never stored.
		return false, nil
	}

	incoming := AddrEntry{Family: family, Addr: addr, Port: port, ID: id}

	if existing, ok := s.entries[id]; ok {
		if sameAddrPort(existing, incoming) {
			return false, nil // no-op, exact duplicate
		}
		// same id, different address: the peer sits behind a NAT: our
		// observation is authoritative, overwrite in place.
		s.entries[id] = incoming
		s.listReceived = true
		return true, nil
	}

	// brand-new id.
	for _, e := range s.entries {
		if sameAddrPort(e, incoming) {
			return false, nil // already present under a different id
		}
	}

	if s.numAddrs >= s.cap {
		return false, wrapError(AddressSetFull, "address set is full", nil)
	}

	s.entries[id] = incoming
	s.order = append(s.order, id)
	s.numAddrs++ // count committed last on insertion
	s.listReceived = true
	return true, nil
}

// FindByAddr returns the id of the entry matching addr/port, if any,
// used by the DOWN-event path to look up what to Remove.
func (s *AddrSet) FindByAddr(addr net.IP, port uint16) (uint8, bool) {
	for id, e := range s.entries {
		if e.Addr.Equal(addr) && e.Port == port {
			return id, true
		}
	}
	return 0, false
}

// Remove deletes id from the set, updating numAddrs first per the
// remove-updates-count-first rule.
func (s *AddrSet) Remove(id uint8) {
	if _, ok := s.entries[id]; !ok {
		return
	}
	s.numAddrs-- // count updated first on removal
	delete(s.entries, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.listReceived = true
}

// AddLocalDiscovered appends a locally discovered address not already
// present, assigning it the next sequential id. Used by the UP-event path
// (spec §4.2, "a new UP address not already matching any subflow is
// appended to the local address set and flagged unsent").
func (s *AddrSet) AddLocalDiscovered(addr net.IP, port uint16, family byte) (AddrEntry, bool) {
	for _, e := range s.entries {
		if e.Addr.Equal(addr) && e.Port == port {
			return e, false
		}
	}
	if s.numAddrs >= s.cap {
		return AddrEntry{}, false
	}
	id := s.nextLocalID
	s.nextLocalID++
	e := AddrEntry{Family: family, Addr: addr, Port: port, ID: id}
	s.entries[id] = e
	s.order = append(s.order, id)
	s.numAddrs++
	s.listReceived = true
	return e, true
}

// isLinkLocalOrHostScope reports whether addr should be excluded from
// local address discovery (spec §4.2: "skips link-local (IPv6) and
// host-scope (IPv4) addresses").
func isLinkLocalOrHostScope(addr net.IP) bool {
	if addr.IsLoopback() {
		return true
	}
	if v4 := addr.To4(); v4 != nil {
		return v4[0] == 127
	}
	return addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()
}
