package mptcp

import (
	"fmt"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Pool is the process-wide ring pool of segment payload chunks. It is
// initialized by InitPool (called from NewMPCB's first invocation per
// process, mirroring the teacher's lib.NewPcpCore wiring rp.NewRingPool
// once at startup).
var Pool *rp.RingPool

var emptySlice []byte

// segmentPayload is the pooled element backing a segment's bytes.
type segmentPayload struct {
	buf []byte
	n   int
}

// newSegmentPayload is the ringpool element factory, the DataInterface
// constructor ringpool.NewRingPool expects (github.com/Clouded-Sabre/ringpool
// calls this params... factory the same way lib.NewPayload is wired in the
// teacher).
func newSegmentPayload(params ...interface{}) rp.DataInterface {
	size := maxSegmentBytes
	if len(emptySlice) != size {
		emptySlice = make([]byte, size)
	}
	return &segmentPayload{buf: make([]byte, size)}
}

const maxSegmentBytes = 65536

func (s *segmentPayload) Reset() {
	copy(s.buf, emptySlice)
	s.n = 0
}

func (s *segmentPayload) Copy(src []byte) error {
	if len(src) > len(s.buf) {
		return fmt.Errorf("segmentPayload.Copy: source (%d) longer than buffer (%d)", len(src), len(s.buf))
	}
	copy(s.buf, src)
	s.n = len(src)
	return nil
}

func (s *segmentPayload) GetSlice() []byte {
	return s.buf[:s.n]
}

// SetContent and PrintContent round out rp.DataInterface's method set,
// mirroring the teacher's lib.Payload exactly (ringpool.DataInterface is
// satisfied by structural method match, not an explicit implements
// declaration).
func (s *segmentPayload) SetContent(str string) {
	s.buf = []byte(str)
	s.n = len(str)
}

func (s *segmentPayload) PrintContent() {
	fmt.Println("segment payload:", string(s.buf[:s.n]))
}

// InitPool configures the process-wide payload pool. Safe to call more
// than once; later calls are no-ops once Pool is non-nil, matching the
// teacher's once-per-process ring pool wiring in lib.NewPcpCore.
func InitPool(size int, debug bool, processTimeThresholdMs int) {
	if Pool != nil {
		return
	}
	rp.Debug = debug
	Pool = rp.NewRingPool("mptcp: ", size, newSegmentPayload, maxSegmentBytes)
	Pool.Debug = debug
	Pool.ProcessTimeThreshold = time.Duration(processTimeThresholdMs) * time.Millisecond
}
