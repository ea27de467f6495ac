package mptcp

// ingestLocked is component C7, the meta receive path: it resolves the
// incoming payload's data-sequence range via the owning subflow's
// mapping state, then folds it into the meta reassembly queue. Called
// with m.mu held.
func (m *MPCB) ingestLocked(sf *Subflow, subSeq uint32, payload []byte, dss *OptionDSS) {
	if len(payload) == 0 && (dss == nil || !dss.DataFin) {
		return
	}

	if m.recvInfiniteMapping {
		// the peer has fallen back to plain TCP on the master; its
		// regular-TCP bytes are the application stream directly.
		m.deliverContiguous(payload)
		return
	}

	outcome := sf.reconcileMapping(subSeq, dss)
	if outcome == mappingConflict {
		Logger.Printf("mptcp: mapping conflict on subflow path %d, resetting", sf.pathIndex)
		// mark the path noneligible synchronously so the scheduler stops
		// placing new segments on it; the reset and detach below run
		// async and only clear the bit once detachSubflow runs.
		m.noneligible |= 1 << uint(sf.pathIndex-1)
		go func() {
			_ = sf.transport.Reset()
			m.detachSubflow(sf)
		}()
		return
	}

	if len(payload) > 0 {
		dataSeq, ok := sf.dataSeqFor(subSeq, uint32(len(payload)))
		if !ok {
			if !sf.haveMapping {
				m.triggerInfiniteMappingFallback(false)
				m.deliverContiguous(payload)
				return
			}
			// a mapping is installed but does not cover this segment's
			// full span: the sender's DSS promise and its regular-TCP
			// bytes disagree, per spec §4.4 step 3's containment check.
			Logger.Printf("mptcp: segment [%d,%d) exceeds subflow mapping bound on path %d, resetting", subSeq, subSeq+uint32(len(payload)), sf.pathIndex)
			m.noneligible |= 1 << uint(sf.pathIndex-1)
			go func() {
				_ = sf.transport.Reset()
				m.detachSubflow(sf)
			}()
			return
		}
		m.insertSegment(dataSeq, payload)
	}

	if dss != nil && dss.DataFin {
		finSeq := dss.DataSeq + uint32(dss.DataLen)
		if !dss.HasMapping {
			if fs, ok := sf.dataSeqFor(subSeq+uint32(len(payload)), 0); ok {
				finSeq = fs
			} else {
				finSeq = m.rcvNxt
			}
		}
		m.markDataFin(finSeq)
	}
}

// insertSegment places a newly arrived chunk into the out-of-order map
// (or, if it is exactly the next expected byte, straight into the
// linear buffer) and then drains whatever became contiguous.
func (m *MPCB) insertSegment(dataSeq uint32, payload []byte) {
	// rcvNxt already holds the initial data-seq (the peer's write cursor
	// also starts there), so the first arrival, in order or not, only
	// marks that reception has begun.
	m.haveRcvNxt = true

	if dataSeq == m.rcvNxt {
		m.deliverContiguous(payload)
		m.drainOfo()
		return
	}

	if seqGreater(dataSeq, m.rcvNxt) {
		m.insertOfo(dataSeq, payload)
		return
	}

	end := seqIncrementBy(dataSeq, uint32(len(payload)))
	if seqLessOrEqual(end, m.rcvNxt) {
		return // pure duplicate of bytes already delivered
	}
	// dataSeq < rcv_nxt < end: a retransmission that overlaps what we
	// already delivered but also carries new bytes past rcv_nxt.
	m.deliverContiguous(payload[m.rcvNxt-dataSeq:])
	m.drainOfo()
}

// insertOfo applies spec §4.5's ofo-coalescing rules: a fully-contained
// duplicate of an existing segment is dropped, a segment that strictly
// extends an existing same-start segment replaces it, and any subsequent
// segment the new one fully covers is dropped after insertion. This
// keeps the ofo map's segments non-overlapping at all times (invariant
// 3: "ofo-queue segments are strictly ordered by data_seq, no two
// overlap after coalescing").
func (m *MPCB) insertOfo(dataSeq uint32, payload []byte) {
	end := seqIncrementBy(dataSeq, uint32(len(payload)))

	for _, seg := range m.ofo {
		if seqLessOrEqual(seg.dataSeq, dataSeq) && seqGreaterOrEqual(seg.endDataSeq, end) {
			return // fully-contained duplicate of an existing segment
		}
	}

	if existing, ok := m.ofo[dataSeq]; ok {
		// not fully-contained (checked above), so the new segment
		// strictly extends it: replace.
		existing.release()
		delete(m.ofo, dataSeq)
	}

	for start, seg := range m.ofo {
		if seqGreaterOrEqual(start, dataSeq) && seqLessOrEqual(seg.endDataSeq, end) {
			seg.release()
			delete(m.ofo, start)
		}
	}

	seg := newSegment(payload)
	seg.dataSeq = dataSeq
	seg.endDataSeq = end
	m.ofo[dataSeq] = seg
}

func (m *MPCB) deliverContiguous(payload []byte) {
	m.recvLinear = append(m.recvLinear, payload...)
	m.rcvNxt = seqIncrementBy(m.rcvNxt, uint32(len(payload)))
	m.signalDataReady()
}

func (m *MPCB) drainOfo() {
	for {
		seg, ok := m.ofo[m.rcvNxt]
		if !ok {
			return
		}
		delete(m.ofo, m.rcvNxt)
		m.deliverContiguous(seg.payload)
		seg.release()
	}
}

func (m *MPCB) markDataFin(finSeq uint32) {
	if seqGreater(finSeq, m.rcvNxt) {
		return // DATA_FIN for a region we have not reassembled up to yet
	}
	m.dataFinRecv = true
	m.signalDataReady()
}

// triggerInfiniteMappingFallback is called when a subflow delivers
// bytes it never mapped (spec §4.9): the connection downgrades to
// single-path, unmapped TCP. send indicates which direction fell back.
func (m *MPCB) triggerInfiniteMappingFallback(send bool) {
	if send {
		if m.sendInfiniteMapping {
			return
		}
	} else if m.recvInfiniteMapping {
		return
	}
	go m.fallbackToTCP(send)
}
