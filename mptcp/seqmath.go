package mptcp

// seqGreater reports whether seq1 is ahead of seq2 in 32-bit sequence
// space, accounting for wraparound. DSNs, subflow sequence numbers and
// the meta rcv_nxt/write_seq/snd_una counters are all 32-bit sequence
// spaces using this comparator, the same signed-difference test the
// kernel uses ((int32)(a-b) > 0): unlike a distance-tie check, it stays
// antisymmetric even when seq1 and seq2 are exactly 2^31 apart.
func seqGreater(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) > 0
}

func seqGreaterOrEqual(seq1, seq2 uint32) bool { return seqGreater(seq1, seq2) || seq1 == seq2 }
func seqLess(seq1, seq2 uint32) bool           { return !seqGreaterOrEqual(seq1, seq2) }
func seqLessOrEqual(seq1, seq2 uint32) bool    { return !seqGreater(seq1, seq2) }

func seqIncrement(seq uint32) uint32 { return uint32(uint64(seq) + 1) }

func seqIncrementBy(seq uint32, by uint32) uint32 { return uint32(uint64(seq) + uint64(by)) }
