package mptcp

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/multipath-tcp/mptcp-go/config"
)

// MPCB is the multipath control block tying one meta-connection's
// subflows, address sets, path table and reassembly state together
// (spec §3, "MPCB"; component C10). A single mutex stands in for both
// the kernel's meta-socket lock and its master-subflow lock: collapsing
// them removes the lock-ordering hazard the kernel manages by always
// acquiring the meta lock first (spec §3.1 Design Note).
type MPCB struct {
	mu sync.Mutex

	cfg *config.Config

	serverSide bool

	localKey, remoteKey     uint64
	localToken, remoteToken uint32

	master   *Subflow
	subflows map[*Subflow]struct{}

	localAddrs  *AddrSet
	remoteAddrs *AddrSet
	paths       *pathTable

	synTable map[joinKey]*pendingJoin

	// DSN-space counters (spec §4.4/§4.6). All four are data-sequence
	// numbers, independent of any subflow's regular-TCP sequence space.
	writeSeq  uint32 // next data-seq to hand out to newly written bytes
	sndUna    uint32 // oldest data-seq not yet acknowledged by DATA_ACK
	rcvNxt    uint32 // next data-seq expected contiguous at the receiver
	copiedSeq uint32 // next data-seq to deliver to the application reader

	recvInfiniteMapping bool // spec's infinite_mapping: peer fell back
	sendInfiniteMapping bool // spec's send_infinite_mapping: we fell back
	dataFinSent         bool
	dataFinRecv         bool
	finEnqueued         bool

	// noneligible is a bitmask over path-index (bit n-1 set means path n
	// is currently barred from scheduling), capped at 64 concurrent
	// paths -- generous given AddrSet's own default cap of 12 per side.
	noneligible uint64

	sendBuf   []byte             // app bytes written, not yet segmented
	unacked   map[uint32]*segment // in-flight segments keyed by data-seq
	reinject  []*segment         // component C9: queued for resend elsewhere

	recvLinear []byte               // contiguous, not-yet-read bytes
	ofo        map[uint32]*segment  // out-of-order segments awaiting their gap
	haveRcvNxt bool                 // false until the first byte ever arrives

	dataReady      chan struct{} // buffered, cap 1: recvLinear grew
	spaceAvailable chan struct{} // buffered, cap 1: an ack freed send window
	closed         chan struct{}
	closeOnce      sync.Once
}

// newMPCB allocates an MPCB with freshly generated keys and an empty
// token/pathtable/addrset scaffold. localPort/remotePort/local/remote
// addr ids seed the master path (path-index 1, implicit).
func newMPCB(cfg *config.Config, serverSide bool, localAddrID, remoteAddrID uint8, localPort, remotePort uint16) *MPCB {
	m := &MPCB{
		cfg:            cfg,
		serverSide:     serverSide,
		subflows:       make(map[*Subflow]struct{}),
		localAddrs:     NewAddrSet(cfg.AddressSetCap),
		remoteAddrs:    NewAddrSet(cfg.AddressSetCap),
		synTable:       make(map[joinKey]*pendingJoin),
		unacked:        make(map[uint32]*segment),
		ofo:            make(map[uint32]*segment),
		dataReady:      make(chan struct{}, 1),
		spaceAvailable: make(chan struct{}, 1),
		closed:         make(chan struct{}),
	}
	m.localKey = generateKey()
	m.localToken = deriveToken(m.localKey)
	m.paths = newPathTable(localAddrID, remoteAddrID, localPort, remotePort)
	return m
}

// generateKey draws a 64-bit key, the local half of CAPABLE's exchange
// (spec §6.1).
func generateKey() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// deriveToken derives a 32-bit token from a 64-bit key by truncating its
// SHA-1 digest to the most significant 32 bits, the standard MPTCP
// token derivation (spec §4.1).
func deriveToken(key uint64) uint32 {
	var kb [8]byte
	binary.BigEndian.PutUint64(kb[:], key)
	sum := sha1.Sum(kb[:])
	return binary.BigEndian.Uint32(sum[:4])
}

// bindToken inserts the MPCB's local token into the global registry,
// retrying with a fresh key on the vanishingly unlikely collision (spec
// §4.1, component C1).
func (m *MPCB) bindToken() {
	for {
		if globalTokens.Insert(m, m.localToken) {
			return
		}
		m.localKey = generateKey()
		m.localToken = deriveToken(m.localKey)
	}
}

// attachMaster installs sf as the master subflow and records the
// master's address ids in the path table so the cartesian product built
// later excludes it (spec §4.2).
func (m *MPCB) attachMaster(transport SubflowTransport, localAddrID, remoteAddrID uint8) *Subflow {
	sf := newSubflow(m, transport, false, 1, localAddrID, remoteAddrID, false)
	m.mu.Lock()
	m.master = sf
	m.subflows[sf] = struct{}{}
	if m.cfg.NDiffPorts > 1 {
		masterLocal := AddrEntry{Addr: transport.LocalAddr(), ID: localAddrID}
		masterRemote := AddrEntry{Addr: transport.RemoteAddr(), Port: m.paths.masterRemotePort, ID: remoteAddrID}
		m.paths.SeedPortDiversity(m.cfg.NDiffPorts, masterLocal, masterRemote)
	}
	m.mu.Unlock()
	return sf
}

// attachJoined installs a successfully joined slave subflow at
// pathIndex (spec §4.8).
func (m *MPCB) attachJoined(transport SubflowTransport, pathIndex int, localAddrID, remoteAddrID uint8, backup bool) *Subflow {
	sf := newSubflow(m, transport, true, pathIndex, localAddrID, remoteAddrID, backup)
	m.mu.Lock()
	m.subflows[sf] = struct{}{}
	m.mu.Unlock()
	return sf
}

// detachSubflow removes sf from the active set without deleting any of
// its still-useful bookkeeping (spec §4.8, "detach rather than delete:
// a subflow that goes away can still be reinjected from"). The caller
// is responsible for actually closing the transport first.
func (m *MPCB) detachSubflow(sf *Subflow) {
	sf.detach()
	m.mu.Lock()
	delete(m.subflows, sf)
	m.noneligible &^= 1 << uint(sf.pathIndex-1)
	isLast := len(m.subflows) == 0
	m.mu.Unlock()
	if isLast {
		m.teardown()
	}
}

// teardown releases process-wide state the MPCB is holding: its token
// and any half-open JOINs (component C1/C2).
func (m *MPCB) teardown() {
	globalTokens.Remove(m)
}

// Close gracefully closes every attached subflow and releases the
// MPCB's global state, mirroring lib/pcpcore.go's Close: best-effort per
// subflow, wait for nothing, then clear.
func (m *MPCB) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		subs := make([]*Subflow, 0, len(m.subflows))
		for sf := range m.subflows {
			subs = append(subs, sf)
		}
		m.mu.Unlock()

		for _, sf := range subs {
			_ = sf.transport.Close()
			m.detachSubflow(sf)
		}
		close(m.closed)
	})
	return nil
}

// fallbackToTCP forces the connection into single-path infinite-mapping
// mode: every slave subflow is dropped and all further data flows on
// the master under its regular-TCP sequence numbers alone (spec §4.9
// Design Note, "FAIL is a one-shot, one-way downgrade").
func (m *MPCB) fallbackToTCP(sendSide bool) {
	m.mu.Lock()
	if sendSide {
		m.sendInfiniteMapping = true
	} else {
		m.recvInfiniteMapping = true
	}
	master := m.master
	var drop []*Subflow
	for sf := range m.subflows {
		if sf != master {
			drop = append(drop, sf)
		}
	}
	m.mu.Unlock()

	for _, sf := range drop {
		_ = sf.transport.Reset()
		m.detachSubflow(sf)
	}
}

// HandleJoinSyn processes an incoming JOIN SYN option addressed to this
// MPCB's token (spec §4.1, component C2). It takes the already-decoded
// option and records what later legs need (peer and local ISN, the
// peer's address id) in a pendingJoin, so nothing is re-decoded later.
func (m *MPCB) HandleJoinSyn(remote net.IP, remotePort uint16, opt OptionJoin, peerISN, localISN uint32) *pendingJoin {
	key := newJoinKey(remote, remotePort)
	pj := newPendingJoin(key, peerISN, localISN, opt.AddrID, m, time.Duration(m.cfg.JoinTimeoutSeconds)*time.Second)
	globalPendingJoins.Insert(pj)
	return pj
}

// HandleJoinSynByToken is the entry point a listener calls for every
// incoming JOIN SYN before it has an MPCB in hand: it resolves
// opt.PeerToken against the global registry first. A token naming no
// live MPCB (spec §4.1's "JOIN with unknown token") never creates a
// pending-JOIN entry; the caller is expected to answer with a plain
// TCP RST instead of a SYN-ACK.
func HandleJoinSynByToken(opt OptionJoin, remote net.IP, remotePort uint16, peerISN, localISN uint32) (*pendingJoin, bool) {
	m, ok := globalTokens.Find(opt.PeerToken)
	if !ok {
		return nil, false
	}
	return m.HandleJoinSyn(remote, remotePort, opt, peerISN, localISN), true
}

// CompleteJoin finishes a successful JOIN handshake: the pending
// descriptor is removed and a new attached subflow takes its place
// (spec §4.1/§4.8).
func (m *MPCB) CompleteJoin(pj *pendingJoin, transport SubflowTransport, localAddrID uint8, backup bool) *Subflow {
	globalPendingJoins.Remove(pj)

	m.mu.Lock()
	pathIndex := m.paths.allocatePathIndex(localAddrID, pj.remoteAddrID, 0, 0)
	m.mu.Unlock()

	return m.attachJoined(transport, pathIndex, localAddrID, pj.remoteAddrID, backup)
}

// onSubflowData is the receive callback wired into every Subflow (spec
// §6.3). It hands the payload and the DSS option, if any, to the
// reassembly engine (component C6/C7, implemented in dsn.go and
// reassembly.go).
func (m *MPCB) onSubflowData(sf *Subflow, subSeq uint32, payload []byte, dss *OptionDSS) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingestLocked(sf, subSeq, payload, dss)
}

// Read blocks until at least one byte of contiguous data-sequence-space
// data is available, ctx is done, or the meta-connection is closed.
func (m *MPCB) Read(ctx context.Context, buf []byte) (int, error) {
	for {
		m.mu.Lock()
		if len(m.recvLinear) > 0 {
			n := copy(buf, m.recvLinear)
			m.recvLinear = m.recvLinear[n:]
			m.mu.Unlock()
			return n, nil
		}
		if m.dataFinRecv {
			m.mu.Unlock()
			return 0, net.ErrClosed
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-m.closed:
			return 0, net.ErrClosed
		case <-m.dataReady:
		}
	}
}

// Write enqueues p for transmission across whichever subflow the
// scheduler picks (component C8, scheduler.go), blocking while the
// send buffer is saturated.
func (m *MPCB) Write(ctx context.Context, p []byte) (int, error) {
	const maxSendBuf = 1 << 20
	written := 0
	for written < len(p) {
		m.mu.Lock()
		room := maxSendBuf - len(m.sendBuf)
		if room <= 0 {
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return written, ctx.Err()
			case <-m.closed:
				return written, net.ErrClosed
			case <-m.spaceAvailable:
				continue
			}
		}
		n := room
		if n > len(p)-written {
			n = len(p) - written
		}
		m.sendBuf = append(m.sendBuf, p[written:written+n]...)
		written += n
		m.mu.Unlock()

		m.pump()
	}
	return written, nil
}

// NewMPCB is the exported constructor cmd/mptcpd and other callers
// outside this package use to stand up a meta-connection; it also binds
// the freshly generated local token into the global registry (spec
// §4.1).
func NewMPCB(cfg *config.Config, serverSide bool, localAddrID, remoteAddrID uint8, localPort, remotePort uint16) *MPCB {
	InitPool(cfg.PayloadPoolSize, cfg.PoolDebug, cfg.ProcessTimeThresholdMs)
	m := newMPCB(cfg, serverSide, localAddrID, remoteAddrID, localPort, remotePort)
	m.bindToken()
	return m
}

// AttachMaster is the exported form of attachMaster.
func (m *MPCB) AttachMaster(transport SubflowTransport, localAddrID, remoteAddrID uint8) *Subflow {
	return m.attachMaster(transport, localAddrID, remoteAddrID)
}

// AttachJoined is the exported form of attachJoined.
func (m *MPCB) AttachJoined(transport SubflowTransport, pathIndex int, localAddrID, remoteAddrID uint8, backup bool) *Subflow {
	return m.attachJoined(transport, pathIndex, localAddrID, remoteAddrID, backup)
}

// DetachSubflow is the exported form of detachSubflow.
func (m *MPCB) DetachSubflow(sf *Subflow) {
	m.detachSubflow(sf)
}

// LocalAddrs and RemoteAddrs expose the address sets so a caller wiring
// an Enumerator (package ifaceenum) can feed UP/DOWN events in.
func (m *MPCB) LocalAddrs() *AddrSet  { return m.localAddrs }
func (m *MPCB) RemoteAddrs() *AddrSet { return m.remoteAddrs }

// SubflowsByLocalAddr returns every attached subflow dialing or
// listening from addr, so a local UP/DOWN notification (spec §4.2) can
// update pf on all of them -- an address can be shared by more than one
// subflow under port-diversity (ndiffports).
func (m *MPCB) SubflowsByLocalAddr(addr net.IP) []*Subflow {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subflow
	for sf := range m.subflows {
		if sf.transport.LocalAddr().Equal(addr) {
			out = append(out, sf)
		}
	}
	return out
}

// AddLocalAddr records a newly discovered local address, rebuilds the
// path table against it, and advertises it to the peer over the master
// subflow via ADD_ADDR (spec §4.2, component C3/C4's production entry
// point for a local UP event).
func (m *MPCB) AddLocalAddr(addr net.IP, port uint16, family byte) (AddrEntry, bool) {
	m.mu.Lock()
	entry, added := m.localAddrs.AddLocalDiscovered(addr, port, family)
	if added {
		m.paths.Rebuild(m.localAddrs, m.remoteAddrs)
	}
	master := m.master
	m.mu.Unlock()

	if added && master != nil {
		opt := OptionAddAddr{AddrID: entry.ID, Addr: entry.Addr, Port: entry.Port, HasPort: entry.Port != 0}
		if err := master.transport.SendOption(opt); err != nil {
			Logger.Printf("mptcp: ADD_ADDR send failed: %v", err)
		}
	}
	return entry, added
}

// applyRemoteAddAddr folds a peer's ADD_ADDR into the remote address set
// and recomputes the path table (spec §4.2, component C3/C4's production
// entry point for a received ADD_ADDR).
func (m *MPCB) applyRemoteAddAddr(opt OptionAddAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed, err := m.remoteAddrs.ApplyAddAddr(opt.AddrID, opt.Addr, opt.Port, addrFamily(opt.Addr))
	if err != nil {
		Logger.Printf("mptcp: ADD_ADDR from peer rejected: %v", err)
		return
	}
	if changed {
		m.paths.Rebuild(m.localAddrs, m.remoteAddrs)
	}
}

func addrFamily(ip net.IP) byte {
	if ip.To4() != nil {
		return 4
	}
	return 6
}

// LocalToken reports this MPCB's local token, the value a peer's JOIN
// must echo back (spec §4.1).
func (m *MPCB) LocalToken() uint32 { return m.localToken }

// LocalKey and RemoteKey expose the CAPABLE exchange's keys; SetRemote
// records the peer's half once the handshake completes.
func (m *MPCB) LocalKey() uint64 { return m.localKey }

func (m *MPCB) SetRemote(remoteKey uint64, remoteToken uint32) {
	m.mu.Lock()
	m.remoteKey = remoteKey
	m.remoteToken = remoteToken
	m.mu.Unlock()
}

// CompleteHandshake finishes the CAPABLE exchange on the master
// subflow. capable is the option carried on the peer's SYN/ACK, or nil
// if it carried none (spec §4.1/§9, "Fallback on missing CAPABLE"): a
// peer that never echoes CAPABLE is not speaking MPTCP at all, so the
// MPCB unbinds its token and lets the master subflow carry on as an
// ordinary TCP connection -- fallback reports ok=false but leaves the
// master's transport untouched, so application Read/Write keep working.
func (m *MPCB) CompleteHandshake(capable *OptionCapable, remoteKey uint64) (ok bool) {
	if capable == nil {
		m.teardown()
		m.mu.Lock()
		m.sendInfiniteMapping = true
		m.recvInfiniteMapping = true
		m.mu.Unlock()
		return false
	}
	m.SetRemote(remoteKey, deriveToken(remoteKey))
	return true
}

func (m *MPCB) signalDataReady() {
	select {
	case m.dataReady <- struct{}{}:
	default:
	}
}

func (m *MPCB) signalSpaceAvailable() {
	select {
	case m.spaceAvailable <- struct{}{}:
	default:
	}
}
