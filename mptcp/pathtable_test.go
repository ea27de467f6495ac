package mptcp

import (
	"net"
	"testing"
)

func TestPathIndexMaskSubset(t *testing.T) {
	pt := newPathTable(0, 0, 1000, 2000)

	local := NewAddrSet(12)
	remote := NewAddrSet(12)
	local.AddLocalDiscovered(net.ParseIP("10.0.0.1"), 0, 4)
	local.ApplyAddAddr(1, net.ParseIP("10.0.0.2"), 0, 4)
	remote.ApplyAddAddr(1, net.ParseIP("10.0.0.9"), 0, 4)

	pt.Rebuild(local, remote)

	max := pt.MaxPathIndex()
	seen := map[int]bool{}
	for _, p := range pt.Paths() {
		if p.pathIndex < 1 || p.pathIndex > max {
			t.Fatalf("path index %d outside [1, %d]", p.pathIndex, max)
		}
		if seen[p.pathIndex] {
			t.Fatalf("duplicate path index %d", p.pathIndex)
		}
		seen[p.pathIndex] = true
	}
}

func TestAllocatePathIndexReusesMatch(t *testing.T) {
	pt := newPathTable(0, 0, 1000, 2000)
	a := pt.allocatePathIndex(1, 2, 0, 0)
	b := pt.allocatePathIndex(1, 2, 0, 0)
	if a != b {
		t.Fatalf("allocatePathIndex should reuse an identical key: got %d and %d", a, b)
	}
	c := pt.allocatePathIndex(1, 3, 0, 0)
	if c == a {
		t.Fatal("a different remote id should get a distinct path index")
	}
}

func TestAllocatePathIndexMonotonic(t *testing.T) {
	pt := newPathTable(0, 0, 1000, 2000)
	prev := pt.nextUnusedPI
	pt.allocatePathIndex(1, 2, 0, 0)
	pt.allocatePathIndex(3, 4, 0, 0)
	if pt.nextUnusedPI != prev+2 {
		t.Fatalf("nextUnusedPI = %d, want %d", pt.nextUnusedPI, prev+2)
	}
}

func TestRebuildExcludesMasterPair(t *testing.T) {
	pt := newPathTable(1, 1, 100, 200)
	local := NewAddrSet(12)
	remote := NewAddrSet(12)
	local.ApplyAddAddr(1, net.ParseIP("10.0.0.1"), 100, 4)
	remote.ApplyAddAddr(1, net.ParseIP("10.0.0.9"), 200, 4)

	pt.Rebuild(local, remote)

	for _, p := range pt.Paths() {
		if p.locAddrID == 1 && p.remAddrID == 1 && p.locPort == 100 && p.remPort == 200 {
			t.Fatal("the master's own pair must not appear as a separate path")
		}
	}
}

func TestSeedPortDiversityOneShot(t *testing.T) {
	pt := newPathTable(0, 0, 100, 200)
	master := AddrEntry{Addr: net.ParseIP("10.0.0.1"), ID: 0}
	remote := AddrEntry{Addr: net.ParseIP("10.0.0.9"), Port: 200, ID: 0}

	pt.SeedPortDiversity(4, master, remote)
	if len(pt.Paths()) != 3 {
		t.Fatalf("expected 3 extra paths for ndiffports=4, got %d", len(pt.Paths()))
	}

	before := len(pt.Paths())
	pt.SeedPortDiversity(4, master, remote)
	if len(pt.Paths()) != before {
		t.Fatal("SeedPortDiversity must be a one-shot operation")
	}
}

func TestPortMatchesWildcard(t *testing.T) {
	if !portMatches(0, 1234) || !portMatches(1234, 0) {
		t.Fatal("port 0 must match any port")
	}
	if portMatches(80, 443) {
		t.Fatal("distinct non-zero ports must not match")
	}
}
