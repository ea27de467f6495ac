package mptcp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/multipath-tcp/mptcp-go/config"
)

func newTestMPCB(t *testing.T) *MPCB {
	t.Helper()
	cfg := config.Default()
	cfg.JoinTimeoutSeconds = 1
	m := NewMPCB(cfg, false, 1, 1, 5000, 6000)
	t.Cleanup(func() { globalTokens.Remove(m) })
	return m
}

func TestInvariantSndUnaLEWriteSeq(t *testing.T) {
	m := newTestMPCB(t)
	attachFakeSubflow(m, 1, time.Millisecond, false)

	ctx := context.Background()
	n, err := m.Write(ctx, []byte("hello world"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 11 {
		t.Fatalf("Write returned %d, want 11", n)
	}

	m.mu.Lock()
	sndUna, writeSeq := m.sndUna, m.writeSeq
	m.mu.Unlock()
	if seqGreater(sndUna, writeSeq) {
		t.Fatalf("invariant violated: snd_una (%d) > write_seq (%d)", sndUna, writeSeq)
	}
}

func TestSndbufAccounting(t *testing.T) {
	m := newTestMPCB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// No subflow attached, so pump() cannot drain anything: every
	// written byte must sit in sendBuf after Write returns.
	_, _ = m.Write(ctx, []byte("stuck bytes"))

	m.mu.Lock()
	got := len(m.sendBuf)
	m.mu.Unlock()
	if got != len("stuck bytes") {
		t.Fatalf("sendBuf holds %d bytes, want all %d unwritten bytes accounted for", got, len("stuck bytes"))
	}
}

func TestFallbackOnMissingCapable(t *testing.T) {
	m := newTestMPCB(t)
	token := m.LocalToken()

	if ok := m.CompleteHandshake(nil, 0); ok {
		t.Fatal("CompleteHandshake with no CAPABLE option must report ok=false")
	}

	if _, found := globalTokens.Find(token); found {
		t.Fatal("a fallback MPCB must unbind its token from the global registry")
	}

	m.mu.Lock()
	sendInf, recvInf := m.sendInfiniteMapping, m.recvInfiniteMapping
	m.mu.Unlock()
	if !sendInf || !recvInf {
		t.Fatal("fallback must flip both infinite-mapping directions so app I/O keeps working as plain TCP")
	}
}

func TestCompleteHandshakeWithCapableBindsRemote(t *testing.T) {
	m := newTestMPCB(t)
	capable := &OptionCapable{Stage: StageSYNACK, SenderKey: 0xfeedface}

	if ok := m.CompleteHandshake(capable, 0xfeedface); !ok {
		t.Fatal("CompleteHandshake with a CAPABLE option must succeed")
	}

	m.mu.Lock()
	remoteKey := m.remoteKey
	m.mu.Unlock()
	if remoteKey != 0xfeedface {
		t.Fatalf("remoteKey = %#x, want %#x", remoteKey, uint64(0xfeedface))
	}
}

func TestSubflowsByLocalAddrAndPfWrappers(t *testing.T) {
	m := newTestMPCB(t)
	sf, _ := attachFakeSubflow(m, 1, time.Millisecond, false)

	addr := net.ParseIP("10.0.0.1") // fakeTransport.LocalAddr's fixed value
	found := m.SubflowsByLocalAddr(addr)
	if len(found) != 1 || found[0] != sf {
		t.Fatalf("SubflowsByLocalAddr(%v) = %v, want [sf]", addr, found)
	}
	if len(m.SubflowsByLocalAddr(net.ParseIP("10.0.0.9"))) != 0 {
		t.Fatal("an address no subflow dials from should match nothing")
	}

	sf.MarkPotentiallyFailed()
	if !sf.pf {
		t.Fatal("MarkPotentiallyFailed must set pf")
	}
	sf.ClearPotentiallyFailed()
	if sf.pf {
		t.Fatal("ClearPotentiallyFailed must clear pf")
	}
}

func TestJoinUnknownToken(t *testing.T) {
	opt := OptionJoin{Stage: StageSYN, PeerToken: 0xdeadbeef, AddrID: 1, Nonce: 1}

	pj, ok := HandleJoinSynByToken(opt, net.ParseIP("192.0.2.50"), 4444, 1, 2)
	if ok || pj != nil {
		t.Fatal("a JOIN naming an unknown token must not resolve to a pending join")
	}

	key := newJoinKey(net.ParseIP("192.0.2.50"), 4444)
	if _, found := globalPendingJoins.Find(key); found {
		t.Fatal("a JOIN with an unknown token must not create a pending-join entry")
	}
}

func TestJoinKnownTokenCreatesPendingJoin(t *testing.T) {
	m := newTestMPCB(t)
	opt := OptionJoin{Stage: StageSYN, PeerToken: m.LocalToken(), AddrID: 2, Nonce: 7}

	pj, ok := HandleJoinSynByToken(opt, net.ParseIP("192.0.2.51"), 4445, 10, 20)
	if !ok || pj == nil {
		t.Fatal("a JOIN naming a live token must resolve to a pending join")
	}
	t.Cleanup(func() { globalPendingJoins.Remove(pj) })

	key := newJoinKey(net.ParseIP("192.0.2.51"), 4445)
	if got, found := globalPendingJoins.Find(key); !found || got != pj {
		t.Fatal("the pending join should be reachable from the global table")
	}
}
