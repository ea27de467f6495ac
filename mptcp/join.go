package mptcp

import (
	"net"
	"sync"
	"time"
)

// joinKey identifies a pending JOIN by the peer's address and port only;
// the local address and port are not part of the key, so two pending
// JOINs from the same peer address and port share one entry. It is a
// comparable struct so it can key a plain map without hashing
// allocations.
type joinKey struct {
	addr [16]byte
	port uint16
}

func newJoinKey(ip net.IP, port uint16) joinKey {
	var k joinKey
	copy(k.addr[:], ip.To16())
	k.port = port
	return k
}

// pendingJoin is the half-open JOIN descriptor of spec §3.
type pendingJoin struct {
	key            joinKey
	peerISN        uint32
	localISN       uint32
	remoteAddrID   uint8
	mpcb           *MPCB
	timer          *time.Timer

	mu      sync.Mutex
	removed bool // marker-deletion flag; see PendingJoinTable.Remove
}

// PendingJoinTable maps a peer address and port to a half-open JOIN request
// (component C2). A spinlock in the kernel source; here a plain Mutex
// held only across the map operation itself (spec §5's "always acquired
// with soft-interrupts disabled" has no Go analogue beyond keeping the
// critical section free of blocking calls).
type PendingJoinTable struct {
	mu    sync.Mutex
	table map[joinKey]*pendingJoin
}

var globalPendingJoins = NewPendingJoinTable()

func NewPendingJoinTable() *PendingJoinTable {
	return &PendingJoinTable{table: make(map[joinKey]*pendingJoin)}
}

// Insert hangs pj off both the global table and its MPCB's syn-table.
func (t *PendingJoinTable) Insert(pj *pendingJoin) {
	t.mu.Lock()
	t.table[pj.key] = pj
	t.mu.Unlock()

	pj.mpcb.mu.Lock()
	pj.mpcb.synTable[pj.key] = pj
	pj.mpcb.mu.Unlock()
}

// Find looks up a pending JOIN by exact peer address and port match.
func (t *PendingJoinTable) Find(key joinKey) (*pendingJoin, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pj, ok := t.table[key]
	return pj, ok
}

// Remove deletes pj from the global table and, if its MPCB is still
// reachable, from the per-MPCB syn-table too. Idempotent: a concurrent
// final-ACK handler and an MPCB teardown can both call this for the same
// pj; only the first actually mutates anything (spec §4.1).
func (t *PendingJoinTable) Remove(pj *pendingJoin) {
	pj.mu.Lock()
	if pj.removed {
		pj.mu.Unlock()
		return
	}
	pj.removed = true
	pj.mu.Unlock()

	if pj.timer != nil {
		pj.timer.Stop()
	}

	t.mu.Lock()
	delete(t.table, pj.key)
	t.mu.Unlock()

	pj.mpcb.mu.Lock()
	delete(pj.mpcb.synTable, pj.key)
	pj.mpcb.mu.Unlock()
}

// RemoveAllForMPCB removes every pending JOIN hanging off mpcb, called
// from TokenRegistry.Remove when the MPCB is torn down (spec §4.1).
func (t *PendingJoinTable) RemoveAllForMPCB(mpcb *MPCB) {
	mpcb.mu.Lock()
	pending := make([]*pendingJoin, 0, len(mpcb.synTable))
	for _, pj := range mpcb.synTable {
		pending = append(pending, pj)
	}
	mpcb.mu.Unlock()

	for _, pj := range pending {
		t.Remove(pj)
	}
}

// newPendingJoin creates a pending JOIN and arms its expiry timer, which
// shares TCP's SYN timeout (spec §5).
func newPendingJoin(key joinKey, peerISN, localISN uint32, remoteAddrID uint8, mpcb *MPCB, timeout time.Duration) *pendingJoin {
	pj := &pendingJoin{
		key:          key,
		peerISN:      peerISN,
		localISN:     localISN,
		remoteAddrID: remoteAddrID,
		mpcb:         mpcb,
	}
	pj.timer = time.AfterFunc(timeout, func() {
		globalPendingJoins.Remove(pj)
	})
	return pj
}
