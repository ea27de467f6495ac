package mptcp

import "testing"

func TestDSNMappingRoundTrip(t *testing.T) {
	sf := &Subflow{}

	// No mapping yet and none offered -> conflict, caller must fall back.
	if outcome := sf.reconcileMapping(100, nil); outcome != mappingConflict {
		t.Fatalf("reconcileMapping with no mapping and no dss = %v, want mappingConflict", outcome)
	}

	dss := &OptionDSS{HasMapping: true, DataSeq: 1000, SubSeq: 100, DataLen: 50}
	if outcome := sf.reconcileMapping(100, dss); outcome != mappingReplaced {
		t.Fatalf("installing the first mapping = %v, want mappingReplaced", outcome)
	}
	if got, ok := sf.dataSeqFor(100, 1); !ok || got != 1000 {
		t.Fatalf("dataSeqFor(100) = (%d, %v), want (1000, true)", got, ok)
	}
	if got, ok := sf.dataSeqFor(149, 1); !ok || got != 1049 {
		t.Fatalf("dataSeqFor(149) = (%d, %v), want (1049, true)", got, ok)
	}
	if _, ok := sf.dataSeqFor(150, 1); ok {
		t.Fatal("dataSeqFor(150) should be outside the mapped range")
	}
	// A span that starts inside the mapping but runs past its end must
	// be rejected even though its first byte alone would be covered.
	if _, ok := sf.dataSeqFor(149, 2); ok {
		t.Fatal("dataSeqFor(149, 2) should be rejected: its end exceeds the mapping")
	}
	if _, ok := sf.dataSeqFor(100, 50); !ok {
		t.Fatal("dataSeqFor(100, 50) spans exactly the mapping and should be accepted")
	}

	// A subSeq inside the current mapping with an agreeing implied
	// data-seq just extends the cursor.
	if outcome := sf.reconcileMapping(120, dss); outcome != mappingExtended {
		t.Fatalf("subSeq inside current mapping = %v, want mappingExtended", outcome)
	}

	// Contiguous follow-on mapping extends the range in place.
	follow := &OptionDSS{HasMapping: true, DataSeq: 1050, SubSeq: 150, DataLen: 25}
	if outcome := sf.reconcileMapping(150, follow); outcome != mappingExtended {
		t.Fatalf("contiguous follow-on mapping = %v, want mappingExtended", outcome)
	}
	if got, ok := sf.dataSeqFor(150, 1); !ok || got != 1050 {
		t.Fatalf("dataSeqFor(150) after extension = (%d, %v), want (1050, true)", got, ok)
	}
	if got, ok := sf.dataSeqFor(174, 1); !ok || got != 1074 {
		t.Fatalf("dataSeqFor(174) after extension = (%d, %v), want (1074, true)", got, ok)
	}

	// A contradicting data-seq for a subSeq inside the current mapping
	// is a conflict, not a silent overwrite.
	conflicting := &OptionDSS{HasMapping: true, DataSeq: 9999, SubSeq: 120, DataLen: 10}
	if outcome := sf.reconcileMapping(120, conflicting); outcome != mappingConflict {
		t.Fatalf("contradicting mapping = %v, want mappingConflict", outcome)
	}

	// A fresh mapping beyond the current one, with a gap, replaces it --
	// the gap is not itself an error (spec case 5).
	fresh := &OptionDSS{HasMapping: true, DataSeq: 5000, SubSeq: 500, DataLen: 10}
	if outcome := sf.reconcileMapping(500, fresh); outcome != mappingReplaced {
		t.Fatalf("fresh mapping past a gap = %v, want mappingReplaced", outcome)
	}
	if got, ok := sf.dataSeqFor(500, 1); !ok || got != 5000 {
		t.Fatalf("dataSeqFor(500) after replacement = (%d, %v), want (5000, true)", got, ok)
	}
}

func TestMappingCursorContainsDelivered(t *testing.T) {
	sf := &Subflow{}
	dss := &OptionDSS{HasMapping: true, DataSeq: 2000, SubSeq: 1000, DataLen: 100}
	if outcome := sf.reconcileMapping(1000, dss); outcome != mappingReplaced {
		t.Fatalf("install = %v, want mappingReplaced", outcome)
	}

	// Every subSeq the mapping claims to cover must resolve to the
	// right data-seq, including the delivered cursor boundaries.
	for subSeq := uint32(1000); subSeq < 1100; subSeq++ {
		got, ok := sf.dataSeqFor(subSeq, 1)
		if !ok {
			t.Fatalf("dataSeqFor(%d) not ok, want covered by mapping", subSeq)
		}
		want := 2000 + (subSeq - 1000)
		if got != want {
			t.Fatalf("dataSeqFor(%d) = %d, want %d", subSeq, got, want)
		}
	}
	if _, ok := sf.dataSeqFor(999, 1); ok {
		t.Fatal("dataSeqFor(999) should be before the mapped range")
	}
	if _, ok := sf.dataSeqFor(1100, 1); ok {
		t.Fatal("dataSeqFor(1100) should be past the mapped range")
	}
	if _, ok := sf.dataSeqFor(1099, 5); ok {
		t.Fatal("dataSeqFor(1099, 5) should be rejected: its end runs past the mapped range")
	}
}

func TestNextWriteSeqAdvancesMonotonically(t *testing.T) {
	m := &MPCB{writeSeq: 1}
	first := m.nextWriteSeq(10)
	if first != 1 {
		t.Fatalf("first allocation = %d, want 1", first)
	}
	second := m.nextWriteSeq(5)
	if second != 11 {
		t.Fatalf("second allocation = %d, want 11", second)
	}
	if m.writeSeq != 16 {
		t.Fatalf("writeSeq = %d, want 16", m.writeSeq)
	}
}
