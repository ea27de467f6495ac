package mptcp

import "net"

// path is the cartesian-product entry of spec §3 ("Path"). Path-index 1
// is reserved for the master and never appears in a pathTable's paths
// map; it is represented implicitly by the MPCB's master subflow.
type path struct {
	locAddr   net.IP
	locAddrID uint8
	locPort   uint16
	remAddr   net.IP
	remAddrID uint8
	remPort   uint16
	pathIndex int
}

// portMatches treats port 0 as a wildcard (spec §3, "a path of port 0
// matches any port").
func portMatches(a, b uint16) bool {
	return a == 0 || b == 0 || a == b
}

// pathKeyMatches reports whether p has the given key, independent of its
// pathIndex, for reuse across rebuilds.
func pathKeyMatches(p path, locID, remID uint8, locPort, remPort uint16) bool {
	return p.locAddrID == locID && p.remAddrID == remID &&
		portMatches(p.locPort, locPort) && portMatches(p.remPort, remPort)
}

// pathTable enumerates (local-addr-id, remote-addr-id, local-port,
// remote-port) -> path-index for one MPCB (component C3). Mutated only
// under the owning MPCB's lock (spec §5).
type pathTable struct {
	paths       []path
	nextUnusedPI int // monotonic, starts at 2 (1 is the master)

	masterLocalID, masterRemoteID uint8
	masterLocalPort, masterRemotePort uint16

	portDiversitySeeded bool
}

func newPathTable(masterLocalID, masterRemoteID uint8, masterLocalPort, masterRemotePort uint16) *pathTable {
	return &pathTable{
		nextUnusedPI:      2,
		masterLocalID:     masterLocalID,
		masterRemoteID:    masterRemoteID,
		masterLocalPort:   masterLocalPort,
		masterRemotePort:  masterRemotePort,
	}
}

// allocatePathIndex reuses a matching existing path-index or hands out
// the next unused one, monotonically and never reused for the MPCB's
// lifetime (spec §3). A newly handed-out index is recorded under its key,
// so a repeat request for the same key gets the same index back.
func (t *pathTable) allocatePathIndex(locID, remID uint8, locPort, remPort uint16) int {
	for _, p := range t.paths {
		if pathKeyMatches(p, locID, remID, locPort, remPort) {
			return p.pathIndex
		}
	}
	pi := t.nextUnusedPI
	t.nextUnusedPI++
	t.paths = append(t.paths, path{locAddrID: locID, locPort: locPort, remAddrID: remID, remPort: remPort, pathIndex: pi})
	return pi
}

// isMasterPair reports whether (locID, remID) is the master's own pair,
// which the cartesian product must exclude (spec §4.2).
func (t *pathTable) isMasterPair(locID, remID uint8, locPort, remPort uint16) bool {
	return locID == t.masterLocalID && remID == t.masterRemoteID &&
		locPort == t.masterLocalPort && remPort == t.masterRemotePort
}

// Rebuild recomputes the path set as local x remote minus the master
// pair, reusing path-indices of matching existing paths (spec §4.2,
// multi-address mode). It is a no-op in port-diversity mode.
func (t *pathTable) Rebuild(local, remote *AddrSet) {
	if t.portDiversitySeeded {
		return
	}

	var next []path
	for _, le := range local.Entries() {
		for _, re := range remote.Entries() {
			if t.isMasterPair(le.ID, re.ID, le.Port, re.Port) {
				continue
			}
			pi := t.allocatePathIndex(le.ID, re.ID, le.Port, re.Port)
			next = append(next, path{
				locAddr: le.Addr, locAddrID: le.ID, locPort: le.Port,
				remAddr: re.Addr, remAddrID: re.ID, remPort: re.Port,
				pathIndex: pi,
			})
		}
	}
	t.paths = next
}

// SeedPortDiversity builds the one-shot port-diversity path set (spec
// §4.2, ndiffports > 1): ndiffports-1 new paths, all using the master's
// addresses, loc_port = 0 (kernel-chosen), rem_port = master's remote
// port. Called at most once per MPCB.
func (t *pathTable) SeedPortDiversity(n int, masterLocal, masterRemote AddrEntry) {
	if t.portDiversitySeeded || n <= 1 {
		t.portDiversitySeeded = true
		return
	}
	for i := 0; i < n-1; i++ {
		pi := t.nextUnusedPI
		t.nextUnusedPI++
		t.paths = append(t.paths, path{
			locAddr: masterLocal.Addr, locAddrID: masterLocal.ID, locPort: 0,
			remAddr: masterRemote.Addr, remAddrID: masterRemote.ID, remPort: masterRemote.Port,
			pathIndex: pi,
		})
	}
	t.portDiversitySeeded = true
}

// Paths returns a snapshot of the non-master paths.
func (t *pathTable) Paths() []path {
	out := make([]path, len(t.paths))
	copy(out, t.paths)
	return out
}

// MaxPathIndex returns the highest path-index ever handed out, used by
// invariant checks (spec §8, invariant 4).
func (t *pathTable) MaxPathIndex() int { return t.nextUnusedPI - 1 }
