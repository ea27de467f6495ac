package mptcp

import "testing"

func TestOnRetransmissionTimeoutRequeuesUnacked(t *testing.T) {
	m := newTestMPCBForScheduler()
	sf, _ := attachFakeSubflow(m, 1, 5_000_000, false) // 5ms

	seg := newSegment([]byte("payload"))
	seg.dataSeq, seg.endDataSeq = 0, 7
	seg.pathMask = 1 << uint32(sf.pathIndex-1)
	m.unacked[0] = seg

	other := newSegment([]byte("elsewhere"))
	other.dataSeq, other.endDataSeq = 100, 109
	other.pathMask = 1 << 7 // some other path, should not be requeued
	m.unacked[100] = other

	m.onRetransmissionTimeout(sf)

	if !sf.pf {
		t.Fatal("onRetransmissionTimeout must mark the subflow potentially-failed")
	}
	found := false
	for _, q := range m.reinject {
		if q == seg {
			found = true
		}
		if q == other {
			t.Fatal("a segment carried on a different path must not be requeued")
		}
	}
	if !found {
		t.Fatal("the timed-out subflow's unacked segment must be queued for reinjection")
	}
}

func TestOnRetransmissionTimeoutDoesNotDuplicateQueue(t *testing.T) {
	m := newTestMPCBForScheduler()
	sf, _ := attachFakeSubflow(m, 1, 5_000_000, false)

	seg := newSegment([]byte("payload"))
	seg.dataSeq, seg.endDataSeq = 0, 7
	seg.pathMask = 1 << uint32(sf.pathIndex-1)
	m.unacked[0] = seg
	m.reinject = append(m.reinject, seg)

	m.onRetransmissionTimeout(sf)

	count := 0
	for _, q := range m.reinject {
		if q == seg {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("segment queued %d times, want exactly once", count)
	}
}

func TestHandleDataAckReleasesFullyAckedSegments(t *testing.T) {
	m := newTestMPCBForScheduler()
	m.spaceAvailable = make(chan struct{}, 1)

	acked := newSegment([]byte("acked"))
	acked.dataSeq, acked.endDataSeq = 0, 5
	m.unacked[0] = acked

	pending := newSegment([]byte("pending"))
	pending.dataSeq, pending.endDataSeq = 10, 17
	m.unacked[10] = pending

	m.handleDataAck(5)

	if _, ok := m.unacked[0]; ok {
		t.Fatal("fully-acked segment should have been released from unacked")
	}
	if _, ok := m.unacked[10]; !ok {
		t.Fatal("a segment beyond the ack point must stay unacked")
	}
	if m.sndUna != 5 {
		t.Fatalf("sndUna = %d, want 5", m.sndUna)
	}

	select {
	case <-m.spaceAvailable:
	default:
		t.Fatal("freeing a segment should signal spaceAvailable")
	}
}

func TestHandleDataAckDoesNotRegressSndUna(t *testing.T) {
	m := newTestMPCBForScheduler()
	m.sndUna = 100

	m.handleDataAck(50)

	if m.sndUna != 100 {
		t.Fatalf("sndUna = %d, want unchanged at 100 (stale/out-of-order ack)", m.sndUna)
	}
}
