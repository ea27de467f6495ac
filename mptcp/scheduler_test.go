package mptcp

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/multipath-tcp/mptcp-go/config"
)

// fakeTransport is a minimal, in-memory SubflowTransport double used to
// drive the scheduler and sender paths without a real socket.
type fakeTransport struct {
	srtt         time.Duration
	cwnd         int
	inFlight     int
	state        SubflowState
	recvMSS      int
	sendErr      error
	lossRecovery bool

	sent []struct {
		payload []byte
		dss     *OptionDSS
	}
}

func (f *fakeTransport) SendSegment(payload []byte, dss *OptionDSS) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, struct {
		payload []byte
		dss     *OptionDSS
	}{payload, dss})
	return nil
}
func (f *fakeTransport) SetReceiveCallback(func(uint32, []byte, *OptionDSS)) {}
func (f *fakeTransport) SetFailCallback(func())                             {}
func (f *fakeTransport) SetAddAddrCallback(func(OptionAddAddr))             {}
func (f *fakeTransport) SendOption(Option) error                           { return nil }
func (f *fakeTransport) SetRTOCallback(func())                             {}
func (f *fakeTransport) InLossRecovery() bool                              { return f.lossRecovery }
func (f *fakeTransport) Close() error                                       { return nil }
func (f *fakeTransport) Reset() error                                       { return nil }
func (f *fakeTransport) SRTT() time.Duration                                { return f.srtt }
func (f *fakeTransport) CWnd() int                                          { return f.cwnd }
func (f *fakeTransport) InFlight() int                                      { return f.inFlight }
func (f *fakeTransport) State() SubflowState                                { return f.state }
func (f *fakeTransport) RecvMSS() int                                       { return f.recvMSS }
func (f *fakeTransport) LocalAddr() net.IP                                  { return net.ParseIP("10.0.0.1") }
func (f *fakeTransport) RemoteAddr() net.IP                                 { return net.ParseIP("10.0.0.2") }

func newTestMPCBForScheduler() *MPCB {
	InitPool(256, false, 0)
	return &MPCB{
		cfg:      &config.Config{Scheduler: config.SchedulerMinSRTT, MSS: 1400},
		subflows: make(map[*Subflow]struct{}),
		unacked:  make(map[uint32]*segment),
		ofo:      make(map[uint32]*segment),
		synTable: make(map[joinKey]*pendingJoin),
	}
}

func attachFakeSubflow(m *MPCB, pathIndex int, srtt time.Duration, backup bool) (*Subflow, *fakeTransport) {
	ft := &fakeTransport{srtt: srtt, state: SubflowEstablished, recvMSS: 1400, cwnd: 1 << 20}
	sf := &Subflow{mpcb: m, transport: ft, pathIndex: pathIndex, backup: backup, attached: true}
	m.subflows[sf] = struct{}{}
	return sf, ft
}

func TestSelectMinSRTTPrefersLowestEligible(t *testing.T) {
	m := newTestMPCBForScheduler()
	_, _ = attachFakeSubflow(m, 1, 50*time.Millisecond, false)
	fast, _ := attachFakeSubflow(m, 2, 5*time.Millisecond, false)
	_, _ = attachFakeSubflow(m, 3, 10*time.Millisecond, true) // backup, should be ignored

	got := selectMinSRTT(m, 0)
	if got != fast {
		t.Fatalf("selectMinSRTT picked path %d, want the fastest non-backup path %d", got.pathIndex, fast.pathIndex)
	}
}

func TestSelectMinSRTTFallsBackToBackup(t *testing.T) {
	m := newTestMPCBForScheduler()
	backup, _ := attachFakeSubflow(m, 1, 20*time.Millisecond, true)

	got := selectMinSRTT(m, 0)
	if got != backup {
		t.Fatal("with no eligible non-backup subflow, the backup must be used")
	}
}

func TestSelectMinSRTTIgnoresIneligible(t *testing.T) {
	m := newTestMPCBForScheduler()
	sf, ft := attachFakeSubflow(m, 1, 5*time.Millisecond, false)
	ft.state = SubflowClosing
	sf.pf = true

	if got := selectMinSRTT(m, 0); got != nil {
		t.Fatalf("selectMinSRTT = path %d, want nil: no eligible subflow exists", got.pathIndex)
	}
}

func TestSelectMinSRTTSkipsPathAlreadyInMask(t *testing.T) {
	m := newTestMPCBForScheduler()
	sf, _ := attachFakeSubflow(m, 1, 5*time.Millisecond, false)

	mask := uint32(1) << uint(sf.pathIndex-1)
	if got := selectMinSRTT(m, mask); got != nil {
		t.Fatalf("selectMinSRTT = path %d, want nil: the only subflow already carries this range", got.pathIndex)
	}
	if got := selectMinSRTT(m, 0); got != sf {
		t.Fatal("a mask not covering sf's path must still leave it eligible")
	}
}

func TestSelectMinSRTTSkipsLossRecovery(t *testing.T) {
	m := newTestMPCBForScheduler()
	sf, ft := attachFakeSubflow(m, 1, 5*time.Millisecond, false)
	ft.lossRecovery = true

	if got := selectMinSRTT(m, 0); got != nil {
		t.Fatalf("selectMinSRTT = path %d, want nil: subflow is in loss recovery", got.pathIndex)
	}
	ft.lossRecovery = false
	if got := selectMinSRTT(m, 0); got != sf {
		t.Fatal("leaving loss recovery must make the subflow eligible again")
	}
}

func TestPumpStampsPathMaskOnReinject(t *testing.T) {
	m := newTestMPCBForScheduler()
	stale, _ := attachFakeSubflow(m, 1, 50*time.Millisecond, false)
	fresh, ft := attachFakeSubflow(m, 2, 5*time.Millisecond, false)

	seg := newSegment([]byte("payload"))
	seg.dataSeq, seg.endDataSeq = 0, 7
	seg.pathMask = 1 << uint32(stale.pathIndex-1)
	m.reinject = append(m.reinject, seg)

	m.pump()

	if len(ft.sent) != 1 {
		t.Fatalf("expected the reinjected segment sent on the untried path, got %d sends", len(ft.sent))
	}
	wantMask := uint32(1)<<uint(stale.pathIndex-1) | uint32(1)<<uint(fresh.pathIndex-1)
	if seg.pathMask != wantMask {
		t.Fatalf("seg.pathMask after reinject send = %#x, want %#x", seg.pathMask, wantMask)
	}
	if len(m.reinject) != 0 {
		t.Fatalf("reinject queue should be drained, got %d entries left", len(m.reinject))
	}
}

func TestPumpSendsSendBufSegments(t *testing.T) {
	m := newTestMPCBForScheduler()
	_, ft := attachFakeSubflow(m, 1, 5*time.Millisecond, false)
	m.sendBuf = []byte("hello world")

	m.pump()

	if len(ft.sent) != 1 {
		t.Fatalf("expected 1 segment sent, got %d", len(ft.sent))
	}
	if string(ft.sent[0].payload) != "hello world" {
		t.Fatalf("sent payload = %q, want %q", ft.sent[0].payload, "hello world")
	}
	if len(m.sendBuf) != 0 {
		t.Fatalf("sendBuf should be drained, got %d bytes left", len(m.sendBuf))
	}
	if len(m.unacked) != 1 {
		t.Fatalf("expected 1 unacked segment, got %d", len(m.unacked))
	}
}

func TestPumpStopsWhenNoSubflowEligible(t *testing.T) {
	m := newTestMPCBForScheduler()
	m.sendBuf = []byte("stuck")

	m.pump() // no subflows attached at all

	if len(m.sendBuf) != 5 {
		t.Fatalf("sendBuf should be untouched with no eligible subflow, got %q", m.sendBuf)
	}
}

func TestSendSegmentOnRequeuesOnFailure(t *testing.T) {
	m := newTestMPCBForScheduler()
	sf, ft := attachFakeSubflow(m, 1, 5*time.Millisecond, false)
	ft.sendErr = errors.New("wire gone")

	seg := newSegment([]byte("payload"))
	seg.dataSeq = 0
	seg.endDataSeq = 7

	m.sendSegmentOn(sf, seg, false)

	if !sf.pf {
		t.Fatal("a failed send should mark the subflow potentially-failed")
	}
	if len(m.reinject) != 1 {
		t.Fatalf("failed segment should be requeued for reinjection, got %d entries", len(m.reinject))
	}
	if seg.retransmissions != 1 {
		t.Fatalf("retransmissions = %d, want 1", seg.retransmissions)
	}
}
