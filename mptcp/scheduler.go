package mptcp

import "github.com/multipath-tcp/mptcp-go/config"

// schedulerFunc picks the best eligible subflow to place the next
// segment on, or nil if none is eligible right now (component C8).
// pathMask is the candidate segment's path_mask (0 for a fresh send,
// which has not been assigned one yet). Called with m.mu held.
type schedulerFunc func(m *MPCB, pathMask uint32) *Subflow

// SchedulerRegistry mirrors the kernel's sysctl-selectable scheduler: a
// name in config.Config.Scheduler selects one of these each time pump
// places a segment (spec §4.7 Design Note, "keep the sysctl
// indirection").
var SchedulerRegistry = map[string]schedulerFunc{
	config.SchedulerMinSRTT: selectMinSRTT,
}

// selectScheduler looks up the configured scheduler, falling back to
// min_srtt if the name is unknown (config.ReadConfig fills in an empty
// name but does not reject unknown ones).
func (m *MPCB) selectScheduler() schedulerFunc {
	if fn, ok := SchedulerRegistry[m.cfg.Scheduler]; ok {
		return fn
	}
	return selectMinSRTT
}

// selectMinSRTT prefers the attached, eligible, non-backup subflow with
// the lowest smoothed RTT; backups are only used once no regular
// subflow is eligible (spec §4.7).
func selectMinSRTT(m *MPCB, pathMask uint32) *Subflow {
	var best, bestBackup *Subflow
	for sf := range m.subflows {
		if !sf.eligible(pathMask) {
			continue
		}
		if sf.backup {
			if bestBackup == nil || sf.transport.SRTT() < bestBackup.transport.SRTT() {
				bestBackup = sf
			}
			continue
		}
		if best == nil || sf.transport.SRTT() < best.transport.SRTT() {
			best = sf
		}
	}
	if best != nil {
		return best
	}
	return bestBackup
}

// pump drains m.sendBuf and m.reinject into wire segments until either
// runs dry or no subflow is currently eligible.
func (m *MPCB) pump() {
	for {
		m.mu.Lock()
		if len(m.reinject) > 0 {
			seg := m.reinject[0]
			sf := m.selectScheduler()(m, seg.pathMask)
			if sf == nil {
				m.mu.Unlock()
				return
			}
			m.reinject = m.reinject[1:]
			seg.pathMask |= 1 << uint32(sf.pathIndex-1)
			m.mu.Unlock()
			m.sendSegmentOn(sf, seg, true)
			continue
		}

		if len(m.sendBuf) == 0 {
			m.mu.Unlock()
			return
		}
		sf := m.selectScheduler()(m, 0)
		if sf == nil {
			m.mu.Unlock()
			return
		}

		mss := sf.transport.RecvMSS()
		if mss <= 0 {
			mss = m.cfg.MSS
		}
		n := len(m.sendBuf)
		if n > mss {
			n = mss
		}
		chunk := append([]byte(nil), m.sendBuf[:n]...)
		m.sendBuf = m.sendBuf[n:]
		dataSeq := m.nextWriteSeq(uint32(n))

		seg := newSegment(chunk)
		seg.dataSeq = dataSeq
		seg.endDataSeq = dataSeq + uint32(n)
		seg.dsnAssigned = true
		seg.pathMask |= 1 << uint32(sf.pathIndex-1)
		m.unacked[dataSeq] = seg
		m.mu.Unlock()

		m.sendSegmentOn(sf, seg, false)
	}
}

// sendSegmentOn hands seg to sf's transport, always stamping a DSS
// mapping option for seg's whole data-seq range; a reinjected segment
// carries its mapping again just like a fresh one (isReinject does not
// change what is sent).
func (m *MPCB) sendSegmentOn(sf *Subflow, seg *segment, isReinject bool) {
	dss := &OptionDSS{
		HasMapping: true,
		DataSeq:    seg.dataSeq,
		SubSeq:     0,
		DataLen:    uint16(seg.dataLength()),
	}
	if err := sf.transport.SendSegment(seg.payload, dss); err != nil {
		Logger.Printf("mptcp: send on path %d failed: %v", sf.pathIndex, err)
		sf.markPotentiallyFailed()
		seg.retransmissions++
		m.mu.Lock()
		m.reinject = append(m.reinject, seg)
		m.mu.Unlock()
	}
}
