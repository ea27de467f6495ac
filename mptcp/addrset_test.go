package mptcp

import (
	"net"
	"testing"
)

func TestApplyAddAddrIdempotent(t *testing.T) {
	s := NewAddrSet(12)

	changed, err := s.ApplyAddAddr(3, net.ParseIP("192.0.2.1"), 1000, 4)
	if err != nil || !changed {
		t.Fatalf("first ApplyAddAddr: changed=%v err=%v", changed, err)
	}
	if s.Count() != 1 {
		t.Fatalf("Count = %d, want 1", s.Count())
	}

	changed, err = s.ApplyAddAddr(3, net.ParseIP("192.0.2.1"), 1000, 4)
	if err != nil || changed {
		t.Fatalf("duplicate ApplyAddAddr: changed=%v err=%v, want changed=false", changed, err)
	}
	if s.Count() != 1 {
		t.Fatalf("Count after duplicate = %d, want 1", s.Count())
	}
}

func TestAddAddrNatUpdate(t *testing.T) {
	s := NewAddrSet(12)

	if _, err := s.ApplyAddAddr(3, net.ParseIP("192.0.2.1"), 1000, 4); err != nil {
		t.Fatal(err)
	}

	changed, err := s.ApplyAddAddr(3, net.ParseIP("203.0.113.5"), 1000, 4)
	if err != nil || !changed {
		t.Fatalf("NAT rewrite: changed=%v err=%v, want changed=true", changed, err)
	}
	if s.Count() != 1 {
		t.Fatalf("Count after NAT rewrite = %d, want 1 (overwrite, not a new entry)", s.Count())
	}

	entry, ok := s.Get(3)
	if !ok || !entry.Addr.Equal(net.ParseIP("203.0.113.5")) {
		t.Fatalf("Get(3) = %+v, ok=%v, want rewritten address", entry, ok)
	}
}

func TestApplyAddAddrRejectsULID(t *testing.T) {
	s := NewAddrSet(12)
	changed, err := s.ApplyAddAddr(0, net.ParseIP("192.0.2.9"), 1000, 4)
	if err != nil || changed {
		t.Fatalf("id=0 should be a silent no-op, got changed=%v err=%v", changed, err)
	}
	if s.Count() != 0 {
		t.Fatalf("Count = %d, want 0", s.Count())
	}
}

func TestApplyAddAddrCapEnforced(t *testing.T) {
	s := NewAddrSet(2)
	if _, err := s.ApplyAddAddr(1, net.ParseIP("192.0.2.1"), 0, 4); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyAddAddr(2, net.ParseIP("192.0.2.2"), 0, 4); err != nil {
		t.Fatal(err)
	}
	_, err := s.ApplyAddAddr(3, net.ParseIP("192.0.2.3"), 0, 4)
	if err == nil {
		t.Fatal("expected AddressSetFull once cap is reached")
	}
	if e, ok := err.(*Error); !ok || e.Kind() != AddressSetFull {
		t.Fatalf("err = %v, want AddressSetFull", err)
	}
}

func TestAddLocalDiscoveredDedupes(t *testing.T) {
	s := NewAddrSet(12)
	addr := net.ParseIP("198.51.100.7")

	e1, added1 := s.AddLocalDiscovered(addr, 0, 4)
	if !added1 {
		t.Fatal("first AddLocalDiscovered should add")
	}
	e2, added2 := s.AddLocalDiscovered(addr, 0, 4)
	if added2 {
		t.Fatal("second AddLocalDiscovered of the same address should not add")
	}
	if e1.ID != e2.ID {
		t.Fatalf("ids differ: %d vs %d", e1.ID, e2.ID)
	}
}

func TestRemoveUpdatesCountFirst(t *testing.T) {
	s := NewAddrSet(12)
	if _, err := s.ApplyAddAddr(1, net.ParseIP("192.0.2.1"), 0, 4); err != nil {
		t.Fatal(err)
	}
	s.Remove(1)
	if s.Count() != 0 {
		t.Fatalf("Count = %d, want 0", s.Count())
	}
	if _, ok := s.Get(1); ok {
		t.Fatal("entry should be gone after Remove")
	}
	// Removing an absent id must be a no-op.
	s.Remove(1)
}
