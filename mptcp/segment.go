package mptcp

import rp "github.com/Clouded-Sabre/ringpool/lib"

// segment is the meta-segment buffer of spec §3 ("Meta-segment buffer"):
// a carrier of payload bytes plus the cached subflow-seq/DSN bounds,
// path_mask, checksum offset, and control bits.
type segment struct {
	// subflow sequence range [seq, endSeq)
	seq, endSeq uint32

	// DSN range [dataSeq, endDataSeq), valid once dsnAssigned is true
	dataSeq, endDataSeq uint32
	dsnAssigned         bool

	// dataLen is cleared to 0 once the mapping has been consumed by the
	// DSN engine (spec §4.4 rule 5), distinguishing a received-but-not-
	// yet-applied mapping from a derived one.
	dataLen uint16

	subSeq uint32 // sub_seq as carried on the wire, relative to subflow ISN

	pathMask uint32 // bit i-1 set => path-index i already carries this range

	dssOff int // byte offset (in TCP-option units) of the DSS checksum field, if present

	fin     bool // subflow FIN
	dataFin bool // DATA_FIN, consumes one DSN byte past endDataSeq

	chunk   *rp.Element // pooled payload storage
	payload []byte      // view into chunk's backing array, len == dataLen's byte count

	retransmissions int // bumped each time this segment (or a clone of it) is resent
}

// length returns the number of payload bytes this segment carries in
// subflow-sequence space (FIN/DATA_FIN do not add to this; their one-byte
// sequence consumption is tracked separately by callers that need it).
func (s *segment) length() uint32 {
	return s.endSeq - s.seq
}

// dataLength returns the number of bytes the segment occupies in DSN
// space, not counting a DATA_FIN's one byte.
func (s *segment) dataLength() uint32 {
	return s.endDataSeq - s.dataSeq
}

// release returns the segment's pooled chunk, if any. Safe to call more
// than once.
func (s *segment) release() {
	if s.chunk != nil {
		Pool.ReturnElement(s.chunk)
		s.chunk = nil
	}
}

// newSegment allocates a segment with a freshly pooled payload chunk and
// copies src into it.
func newSegment(src []byte) *segment {
	s := &segment{}
	if len(src) == 0 {
		return s
	}
	s.chunk = Pool.GetElement()
	if err := s.chunk.Data.(*segmentPayload).Copy(src); err != nil {
		Pool.ReturnElement(s.chunk)
		s.chunk = nil
		return s
	}
	s.payload = s.chunk.Data.(*segmentPayload).GetSlice()
	return s
}
