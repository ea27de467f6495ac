package mptcp

import (
	"net"
	"sync"
	"time"
)

// SubflowState mirrors the handful of states a subflow's owning TCP
// connection can be in, as far as the scheduler and reinjection engine
// need to know (spec §6.3).
type SubflowState int

const (
	SubflowConnecting SubflowState = iota
	SubflowEstablished
	SubflowCloseWait // peer sent DATA_FIN; this side may still send (spec §4.6)
	SubflowClosing
	SubflowClosed
)

// SubflowTransport is the contract a concrete subflow implementation
// (e.g. package rawsubflow) must satisfy (spec §6.3). Everything above
// this interface -- scheduling, reassembly, reinjection -- is written
// against it and never touches a raw socket directly.
type SubflowTransport interface {
	// SendSegment writes payload to the wire as one regular-TCP
	// segment, attaching dss as its DSS option (nil if this segment
	// carries no new mapping, e.g. a pure keepalive). Implementations
	// own their own retransmission of the bytes at the regular-TCP
	// level; MPTCP reinjection happens one layer up.
	SendSegment(payload []byte, dss *OptionDSS) error

	// SetReceiveCallback installs the function called with each
	// in-order regular-TCP payload this subflow delivers: seq is the
	// regular-TCP sequence number of payload's first byte, and dss is
	// the DSS option seen alongside it (nil if the segment carried
	// none).
	SetReceiveCallback(func(seq uint32, payload []byte, dss *OptionDSS))

	// SetFailCallback installs the function called when the peer signals
	// a FAIL option on this subflow (spec §4.8): the local sender must
	// stop emitting DSS mappings and fall back to a single infinite
	// mapping for the rest of the connection.
	SetFailCallback(func())

	// SetAddAddrCallback installs the function called when the peer
	// advertises a local address of its own via ADD_ADDR (spec §4.2,
	// component C4).
	SetAddAddrCallback(func(OptionAddAddr))

	// SendOption sends opt alone, with no regular-TCP payload and no DSS
	// mapping -- used for standalone options like ADD_ADDR.
	SendOption(opt Option) error

	// SetRTOCallback installs the function called when this subflow's
	// regular-TCP retransmission timer fires with data still outstanding
	// (spec §4.9, component C9's trigger).
	SetRTOCallback(func())

	// InLossRecovery reports whether the underlying congestion controller
	// is currently in loss recovery, one of the scheduler's eligibility
	// conjuncts (spec §4.6).
	InLossRecovery() bool

	// Close performs a regular orderly close of the underlying TCP
	// connection.
	Close() error

	// Reset sends/simulates a TCP RST, used when a subflow is deemed
	// unusable (spec §4.8, "reset is accompanied by a fallback path").
	Reset() error

	// SRTT is the smoothed round-trip time estimate, used by the
	// min_srtt scheduler (spec §4.7).
	SRTT() time.Duration

	// CWnd and InFlight report the regular-TCP congestion window and
	// current bytes in flight, in bytes, used by eligibility checks.
	CWnd() int
	InFlight() int

	// State reports the underlying connection's lifecycle state.
	State() SubflowState

	// LocalAddr and RemoteAddr report the endpoints this subflow dials
	// or listens on, used to seed port-diversity paths (spec §4.2,
	// ndiffports) off the master's own address pair.
	LocalAddr() net.IP
	RemoteAddr() net.IP

	// RecvMSS is this subflow's receive MSS, used to cap mapping sizes.
	RecvMSS() int
}

// Subflow wraps one TCP connection attached to an MPCB (spec §3,
// "Subflow"). All fields besides subMu and transport are only ever
// touched under the owning MPCB's lock; subMu additionally guards
// per-subflow bookkeeping (mappingCursor, pf) that the send/receive
// paths update without always holding the MPCB lock.
type Subflow struct {
	mpcb *MPCB

	pathIndex     int
	isSlave       bool // false only for the master subflow (spec §3)
	localAddrID   uint8
	remoteAddrID  uint8
	backup        bool

	attached bool // false once detached (spec §4.8, detach-don't-delete)

	transport SubflowTransport

	subMu sync.Mutex

	// mappingCursor is not read or written by reconcileMapping or
	// dataSeqFor; the installed mapping itself is the haveMapping/
	// mapDataSeq/mapSubSeq/mapLen fields below (spec §4.4, component C6).
	// mapLen is the mapping's total length, which contiguous extensions
	// grow past the 16-bit data_len of any single DSS option.
	mappingCursor uint32
	haveMapping   bool
	mapDataSeq    uint32
	mapSubSeq     uint32
	mapLen        uint32

	// pf is the potentially-failed flag (spec §4.9, component C9):
	// set when a retransmission timeout fires on this subflow with
	// unacknowledged data still outstanding.
	pf bool

	// noneligibleUntil holds back scheduling of new segments on this
	// subflow until the given time. Nothing in this package sets it, so
	// it stays at its zero value and never holds a subflow back.
	noneligibleUntil time.Time
}

func newSubflow(mpcb *MPCB, transport SubflowTransport, isSlave bool, pathIndex int, localAddrID, remoteAddrID uint8, backup bool) *Subflow {
	sf := &Subflow{
		mpcb:         mpcb,
		transport:    transport,
		isSlave:      isSlave,
		pathIndex:    pathIndex,
		localAddrID:  localAddrID,
		remoteAddrID: remoteAddrID,
		backup:       backup,
		attached:     true,
	}
	transport.SetReceiveCallback(func(seq uint32, payload []byte, dss *OptionDSS) {
		mpcb.onSubflowData(sf, seq, payload, dss)
	})
	transport.SetFailCallback(func() {
		mpcb.triggerInfiniteMappingFallback(true)
	})
	transport.SetAddAddrCallback(func(opt OptionAddAddr) {
		mpcb.applyRemoteAddAddr(opt)
	})
	transport.SetRTOCallback(func() {
		mpcb.onRetransmissionTimeout(sf)
	})
	return sf
}

// eligible reports whether the scheduler may place a segment carrying
// pathMask on sf right now, per spec §4.6's six-way conjunction: state is
// ESTABLISHED or CLOSE-WAIT; not pf; not in the MPCB's noneligible mask;
// congestion controller not in LOSS recovery; congestion window has
// room; pathMask does not already include sf's own path (a fresh send,
// which has no segment yet and so no mask to check, passes 0).
func (sf *Subflow) eligible(pathMask uint32) bool {
	sf.subMu.Lock()
	defer sf.subMu.Unlock()
	if !sf.attached || sf.pf {
		return false
	}
	state := sf.transport.State()
	if state != SubflowEstablished && state != SubflowCloseWait {
		return false
	}
	if !time.Now().After(sf.noneligibleUntil) {
		return false
	}
	if sf.mpcb.noneligible&(1<<uint(sf.pathIndex-1)) != 0 {
		return false
	}
	if pathMask&(1<<uint(sf.pathIndex-1)) != 0 {
		return false
	}
	if sf.transport.InLossRecovery() {
		return false
	}
	return sf.transport.InFlight() < sf.transport.CWnd()
}

func (sf *Subflow) markPotentiallyFailed() {
	sf.subMu.Lock()
	sf.pf = true
	sf.subMu.Unlock()
}

func (sf *Subflow) clearPotentiallyFailed() {
	sf.subMu.Lock()
	sf.pf = false
	sf.subMu.Unlock()
}

// MarkPotentiallyFailed and ClearPotentiallyFailed are the exported forms
// of markPotentiallyFailed/clearPotentiallyFailed, used by a local
// address UP/DOWN handler outside this package (spec §4.2's "a network
// interface UP/DOWN notification updates per-subflow pf").
func (sf *Subflow) MarkPotentiallyFailed()  { sf.markPotentiallyFailed() }
func (sf *Subflow) ClearPotentiallyFailed() { sf.clearPotentiallyFailed() }

func (sf *Subflow) detach() {
	sf.subMu.Lock()
	sf.attached = false
	sf.subMu.Unlock()
}
