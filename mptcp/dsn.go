package mptcp

// mappingOutcome is the tri-valued result of reconciling an incoming
// DSS mapping against a subflow's current one (spec §4.4, component
// C6).
type mappingOutcome int

const (
	mappingReplaced mappingOutcome = iota // no mapping covered subSeq; installed dss
	mappingExtended                       // dss extends the current mapping contiguously
	mappingConflict                       // dss contradicts the current mapping for an overlapping range
)

// reconcileMapping applies the rules of spec §4.4 against subSeq, the
// regular-TCP sequence number of the first byte of an arriving payload:
//  1. no current mapping -> install dss (if any), mappingReplaced.
//  2. subSeq falls inside the current mapping's range and dss (if any)
//     either implies the same data-seq for subSeq or repeats the
//     installed mapping unchanged -> mappingExtended, the cursor just
//     advances.
//  3. subSeq is exactly one past the current mapping's end and dss
//     carries a fresh mapping: if its data-seq is contiguous -> extend
//     in place, mappingExtended; otherwise install dss as a fresh
//     mapping, mappingReplaced.
//  4. subSeq falls inside the current mapping but the implied data-seq
//     disagrees -> mappingConflict (caller resets the subflow).
//  5. subSeq is beyond the current mapping with a gap -> install dss
//     as a fresh mapping, mappingReplaced (the gap itself is not an
//     error; regular-TCP already guarantees in-order delivery on one
//     subflow, so a "gap" here only ever means the old mapping was
//     fully consumed and a new one arrived for bytes further along).
//  6. no mapping is installed and dss carries none either -> the
//     subflow has not yet told us how its bytes map to data-seq space;
//     the caller escalates to infinite-mapping fallback (spec §4.9).
func (sf *Subflow) reconcileMapping(subSeq uint32, dss *OptionDSS) mappingOutcome {
	if !sf.haveMapping {
		if dss != nil && dss.HasMapping {
			sf.installMapping(subSeq, dss)
			return mappingReplaced
		}
		return mappingConflict
	}

	curEnd := sf.mapSubSeq + sf.mapLen
	switch {
	case subSeq >= sf.mapSubSeq && subSeq < curEnd:
		if dss != nil && dss.HasMapping {
			impliedDataSeq := sf.mapDataSeq + (subSeq - sf.mapSubSeq)
			repeat := dss.DataSeq == sf.mapDataSeq && uint32(dss.DataLen) == sf.mapLen
			if impliedDataSeq != dss.DataSeq && !repeat {
				return mappingConflict
			}
		}
		return mappingExtended
	case subSeq == curEnd && dss != nil && dss.HasMapping:
		if dss.DataSeq != sf.mapDataSeq+sf.mapLen {
			sf.installMapping(subSeq, dss)
			return mappingReplaced
		}
		sf.mapLen += uint32(dss.DataLen)
		return mappingExtended
	case dss != nil && dss.HasMapping:
		sf.installMapping(subSeq, dss)
		return mappingReplaced
	default:
		return mappingConflict
	}
}

func (sf *Subflow) installMapping(subSeq uint32, dss *OptionDSS) {
	sf.haveMapping = true
	sf.mapDataSeq = dss.DataSeq
	sf.mapSubSeq = subSeq
	sf.mapLen = uint32(dss.DataLen)
}

// dataSeqFor maps a byte at regular-TCP sequence subSeq to its data
// sequence number under the subflow's currently installed mapping. ok
// is false unless the whole half-open span [subSeq, subSeq+length) is
// contained in the mapped range (spec §4.4 step 3's containment
// requirement) -- the two-sided check the kernel's
// mptcp_get_dataseq_mapping does via before()/after() on seq and
// end_seq. Callers checking a single real byte pass length 1; the
// data-fin lookup in ingestLocked passes 0 to ask for the data
// sequence number of the point immediately following a payload,
// which may legitimately sit right at the mapping's end.
func (sf *Subflow) dataSeqFor(subSeq uint32, length uint32) (uint32, bool) {
	if !sf.haveMapping {
		return 0, false
	}
	mapEnd := seqIncrementBy(sf.mapSubSeq, sf.mapLen)
	if seqLess(subSeq, sf.mapSubSeq) {
		return 0, false
	}
	end := seqIncrementBy(subSeq, length)
	if seqGreater(end, mapEnd) {
		return 0, false
	}
	return seqIncrementBy(sf.mapDataSeq, subSeq-sf.mapSubSeq), true
}

// nextWriteSeq allocates n data sequence numbers for newly written
// bytes and advances the write cursor (spec §3, MPCB.write_seq).
func (m *MPCB) nextWriteSeq(n uint32) uint32 {
	start := m.writeSeq
	m.writeSeq = seqIncrementBy(m.writeSeq, n)
	return start
}
