package mptcp

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// TokenRegistry maps a 32-bit connection token to its MPCB (component
// C1). Guarded by a reader-writer lock, per spec §5, since lookups vastly
// outnumber inserts/removes in steady state.
type TokenRegistry struct {
	mu    sync.RWMutex
	table map[uint32]*MPCB
}

// globalTokens is the process-wide token registry (spec §9, "Global
// mutable state": encapsulate in an object owning its map and lock,
// initialized at subsystem startup).
var globalTokens = NewTokenRegistry()

func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{table: make(map[uint32]*MPCB)}
}

// generateToken returns a process-wide-unique 32-bit token. The contract
// only requires uniqueness at any point in time (spec §4.1); this
// implementation draws random values and retries on collision rather
// than keeping a monotonic counter, so a restarted listener does not
// reuse a token a still-alive MPCB from a previous generation holds in
// some other process's memory (relevant when tokens cross a
// checkpoint/restore boundary).
func (r *TokenRegistry) generateToken() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for {
		var b [4]byte
		_, _ = rand.Read(b[:])
		tok := binary.BigEndian.Uint32(b[:])
		if tok == 0 {
			continue
		}
		if _, exists := r.table[tok]; !exists {
			return tok
		}
	}
}

// Insert inserts mpcb under token. Returns false if token is already
// taken.
func (r *TokenRegistry) Insert(mpcb *MPCB, token uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.table[token]; exists {
		return false
	}
	r.table[token] = mpcb
	return true
}

// Find looks up an MPCB by token. The caller is expected to bump the
// master subflow's refcount to keep the MPCB alive across the lookup;
// this implementation hands back the pointer under the registry's own
// lock and relies on the MPCB's own lock for anything done with it
// afterwards (Go's GC, not a refcount, is what actually keeps the MPCB
// alive once a reference escapes).
func (r *TokenRegistry) Find(token uint32) (*MPCB, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.table[token]
	return m, ok
}

// FindMPCBByToken looks up the MPCB owning token in the process-wide
// registry, for a JOIN-SYN handler outside this package to call before
// MPCB.HandleJoinSyn (HandleJoinSynByToken does the same lookup itself).
func FindMPCBByToken(token uint32) (*MPCB, bool) {
	return globalTokens.Find(token)
}

// Remove deletes mpcb's token from the registry and, per spec §4.1, also
// removes every pending-JOIN hanging off this MPCB from the global
// pending-join table.
func (r *TokenRegistry) Remove(mpcb *MPCB) {
	r.mu.Lock()
	delete(r.table, mpcb.localToken)
	r.mu.Unlock()

	globalPendingJoins.RemoveAllForMPCB(mpcb)
}
