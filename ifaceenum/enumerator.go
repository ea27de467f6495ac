// Package ifaceenum realizes the interface enumerator contract MPCB's
// address set is seeded from: enumerate the host's addresses once, then
// keep reporting UP/DOWN as interfaces change, the same two-phase shape
// lib/util-linux.go's family of per-OS helpers uses for its own NAT/iptables
// bookkeeping.
package ifaceenum

import "net"

// Scope distinguishes addresses the local address set should never
// advertise (loopback, link-local) from ones it should.
type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeLinkLocal
	ScopeHostLocal
)

// Flag reports why a callback fired.
type Flag int

const (
	FlagInitial Flag = iota // seeding call made by Enumerate
	FlagUp
	FlagDown
)

// Event is one address notification, the Go realization of
// `enumerate_addresses(family, callback(addr, scope, flags))` (spec §6.4).
type Event struct {
	Addr  net.IP
	Iface string
	Scope Scope
	Flag  Flag
}

// New returns the platform Enumerator: a netlink route-socket watch on
// Linux, a fixed-interval poll everywhere else (spec §6.4, §6.6).
func New() (Enumerator, error) {
	return newPlatformEnumerator()
}

// Enumerator is the contract the core depends on; callers never touch
// net.Interfaces or a route socket directly.
type Enumerator interface {
	// Enumerate invokes cb once per currently configured address (Flag
	// FlagInitial), then keeps invoking it as interfaces change until
	// Close is called. It does not block the caller: the
	// watch loop, if any, runs in its own goroutine.
	Enumerate(cb func(Event)) error

	// Close stops any background watch goroutine.
	Close() error
}

// classify assigns a Scope the way spec §4.2 wants addresses filtered
// before they ever reach an AddrSet: loopback and link-local addresses
// are never advertised to a peer.
func classify(ip net.IP) Scope {
	switch {
	case ip.IsLoopback():
		return ScopeHostLocal
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return ScopeLinkLocal
	default:
		return ScopeGlobal
	}
}

// snapshot lists every non-loopback, non-link-local address currently
// configured on an up interface, mirroring lib/util-linux.go's pattern of
// walking net.Interfaces() once per call rather than caching.
func snapshot() ([]Event, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			scope := classify(ipnet.IP)
			if scope == ScopeHostLocal || scope == ScopeLinkLocal {
				continue
			}
			out = append(out, Event{
				Addr:  ipnet.IP,
				Iface: iface.Name,
				Scope: scope,
				Flag:  FlagInitial,
			})
		}
	}
	return out, nil
}

// diff computes UP/DOWN events between two snapshots, keyed by
// interface+address since the same address can briefly appear on two
// interfaces during a renumbering.
func diff(prev, cur []Event) []Event {
	prevSet := make(map[string]Event, len(prev))
	curSet := make(map[string]Event, len(cur))
	key := func(e Event) string { return e.Iface + "|" + e.Addr.String() }
	for _, e := range prev {
		prevSet[key(e)] = e
	}
	for _, e := range cur {
		curSet[key(e)] = e
	}
	var out []Event
	for k, e := range curSet {
		if _, ok := prevSet[k]; !ok {
			e.Flag = FlagUp
			out = append(out, e)
		}
	}
	for k, e := range prevSet {
		if _, ok := curSet[k]; !ok {
			e.Flag = FlagDown
			out = append(out, e)
		}
	}
	return out
}
