package mptcp

import (
	"encoding/binary"
	"fmt"
	"net"
)

// mptcpOptionKind is the TCP option kind carrying every MPTCP option
// (spec §6.1's "Common prefix inside TCP option MPTCP").
const mptcpOptionKind = 30

// tcpFixedHeaderLength is the fixed (options-excluded) TCP header size;
// DecodeOptions is handed only the bytes after it, so dssOff -- an
// offset into the full header-plus-options blob VerifyDSSChecksum
// expects -- has to account for it separately.
const tcpFixedHeaderLength = 20

// Stage names which leg of a 3-way handshake an option was seen on; it
// decides CAPABLE/JOIN's wire length (spec §6.1's table).
type Stage int

const (
	StageSYN Stage = iota
	StageSYNACK
	StageACK
)

// Subtype is the 4-bit MPTCP option subtype (spec §6.1).
type Subtype byte

const (
	SubtypeCapable Subtype = 0
	SubtypeJoin    Subtype = 1
	SubtypeDSS     Subtype = 2
	SubtypeAddAddr Subtype = 3
	SubtypeFail    Subtype = 6
)

// Option is the tagged-variant sum spec §9's Design Note asks for:
// "decode to a tagged variant per option subtype rather than to a bag of
// booleans." Each concrete type below implements it.
type Option interface {
	Subtype() Subtype
}

// OptionCapable is the CAPABLE option (spec §6.1).
type OptionCapable struct {
	Stage            Stage
	ChecksumRequired bool
	SenderKey        uint64 // present on SYN-ACK and ACK
	PeerKey          uint64 // present on ACK only
}

func (OptionCapable) Subtype() Subtype { return SubtypeCapable }

// OptionJoin is the JOIN option (spec §6.1).
type OptionJoin struct {
	Stage     Stage
	Backup    bool
	AddrID    uint8  // present on SYN and SYN-ACK
	PeerToken uint32 // present on SYN only
	Nonce     uint32 // present on SYN and SYN-ACK
	HMAC      []byte // truncated (8 bytes) on SYN-ACK, full (20 bytes) on ACK
}

func (OptionJoin) Subtype() Subtype { return SubtypeJoin }

// OptionDSS is the Data Sequence Signal option (spec §6.1, §4.3).
type OptionDSS struct {
	DataFin     bool
	HasDataAck  bool
	DataAck     uint32
	HasMapping  bool
	DataSeq     uint32
	SubSeq      uint32
	DataLen     uint16
	HasChecksum bool
	Checksum    uint16
	// dssOff is the offset (in 4-byte units, per §4.3) of this option's
	// mapping fields (data_seq, sub_seq, data_len) within the TCP header;
	// filled in by DecodeOptions so a checksum verifier can locate the
	// mapping bytes again.
	dssOff int
}

func (OptionDSS) Subtype() Subtype { return SubtypeDSS }

// DSSOff returns the offset (in 4-byte words from the start of the TCP
// header) VerifyDSSChecksum needs to re-locate this option's mapping
// bytes.
func (d OptionDSS) DSSOff() int { return d.dssOff }

const (
	dssFlagF byte = 1 << 0 // DATA_FIN present
	dssFlagM byte = 1 << 1 // mapping present
	dssFlagm byte = 1 << 2 // mapping carries a checksum field
	dssFlagA byte = 1 << 3 // DATA_ACK present
)

// OptionAddAddr is the ADD_ADDR option (spec §6.1).
type OptionAddAddr struct {
	AddrID  uint8
	Addr    net.IP
	Port    uint16
	HasPort bool
}

func (OptionAddAddr) Subtype() Subtype { return SubtypeAddAddr }

// OptionFail is the FAIL option (spec §6.1).
type OptionFail struct {
	DSN uint32 // data sequence at which to fall back to infinite mapping
}

func (OptionFail) Subtype() Subtype { return SubtypeFail }

func prefixByte(st Subtype, low4 byte) byte {
	return byte(st)<<4 | (low4 & 0x0f)
}

// EncodeOption renders o as the full TCP option bytes (kind, length,
// payload), mirroring lib/packet.go's habit of writing kind/length/value
// triples directly into a byte buffer.
func EncodeOption(o Option) ([]byte, error) {
	switch v := o.(type) {
	case OptionCapable:
		return encodeCapable(v), nil
	case OptionJoin:
		return encodeJoin(v), nil
	case OptionDSS:
		return encodeDSS(v), nil
	case OptionAddAddr:
		return encodeAddAddr(v), nil
	case OptionFail:
		return encodeFail(v), nil
	default:
		return nil, fmt.Errorf("mptcp: unknown option type %T", o)
	}
}

func encodeCapable(v OptionCapable) []byte {
	var flags byte
	if v.ChecksumRequired {
		flags |= 0x01
	}
	buf := []byte{mptcpOptionKind, 0, prefixByte(SubtypeCapable, 0), flags}
	switch v.Stage {
	case StageSYN:
	case StageSYNACK:
		buf = appendU64(buf, v.SenderKey)
	case StageACK:
		buf = appendU64(buf, v.SenderKey)
		buf = appendU64(buf, v.PeerKey)
	}
	buf[1] = byte(len(buf))
	return buf
}

func encodeJoin(v OptionJoin) []byte {
	var low4 byte
	if v.Backup {
		low4 |= 0x01
	}
	buf := []byte{mptcpOptionKind, 0, prefixByte(SubtypeJoin, low4)}
	switch v.Stage {
	case StageSYN:
		buf = append(buf, v.AddrID)
		buf = appendU32(buf, v.PeerToken)
		buf = appendU32(buf, v.Nonce) // payload now 10 bytes, total len 12
	case StageSYNACK:
		buf = append(buf, v.AddrID)
		buf = append(buf, padTo(v.HMAC, 8)...)
		buf = appendU32(buf, v.Nonce) // payload now 14 bytes, total len 16
	case StageACK:
		buf = append(buf, padTo(v.HMAC, 20)...)
		buf = append(buf, 0) // reserved, pads payload to 22 bytes (total len 24)
	}
	buf[1] = byte(len(buf))
	return buf
}

func padTo(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

func encodeDSS(v OptionDSS) []byte {
	var flags byte
	if v.DataFin {
		flags |= dssFlagF
	}
	if v.HasMapping {
		flags |= dssFlagM
		if v.HasChecksum {
			flags |= dssFlagm
		}
	}
	if v.HasDataAck {
		flags |= dssFlagA
	}
	buf := []byte{mptcpOptionKind, 0, prefixByte(SubtypeDSS, 0), flags}
	if v.HasDataAck {
		buf = appendU32(buf, v.DataAck)
	}
	if v.HasMapping {
		buf = appendU32(buf, v.DataSeq)
		buf = appendU32(buf, v.SubSeq)
		buf = appendU16(buf, v.DataLen)
		if v.HasChecksum {
			buf = appendU16(buf, v.Checksum)
		}
	}
	buf[1] = byte(len(buf))
	return buf
}

func encodeAddAddr(v OptionAddAddr) []byte {
	is4 := v.Addr.To4() != nil
	ipver := byte(6)
	addrBytes := v.Addr.To16()
	if is4 {
		ipver = 4
		addrBytes = v.Addr.To4()
	}
	buf := []byte{mptcpOptionKind, 0, prefixByte(SubtypeAddAddr, ipver), v.AddrID}
	buf = append(buf, addrBytes...)
	if v.HasPort {
		buf = appendU16(buf, v.Port)
	}
	buf[1] = byte(len(buf))
	return buf
}

func encodeFail(v OptionFail) []byte {
	buf := []byte{mptcpOptionKind, 0, prefixByte(SubtypeFail, 0), 0}
	buf = appendU32(buf, v.DSN)
	buf[1] = byte(len(buf))
	return buf
}

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// DecodeOptions walks a raw TCP options byte stream (the bytes after the
// fixed 20-byte TCP header, NOT including the header itself) and decodes
// every MPTCP option it finds, tolerating and skipping NOP/EOL padding and
// unrelated TCP options by their length byte, the same loop shape as
// lib/packet.go's Unmarshal. A malformed MPTCP option (one whose declared
// length doesn't match what its subtype and stage require) is logged and
// skipped -- spec §7's OptionMalformed kind -- rather than aborting the
// whole decode.
func DecodeOptions(data []byte, stageHint func(subtype Subtype) Stage) ([]Option, error) {
	var out []Option
	i := 0
	for i < len(data) {
		kind := data[i]
		if kind == 0 { // EOL
			break
		}
		if kind == 1 { // NOP
			i++
			continue
		}
		if i+1 >= len(data) {
			break
		}
		length := int(data[i+1])
		if length < 2 || i+length > len(data) {
			Logger.Printf("mptcp: option kind %d has bad length %d, stopping option scan", kind, length)
			break
		}
		if kind != mptcpOptionKind {
			i += length
			continue
		}

		opt, err := decodeOne(data[i:i+length], i, stageHint)
		if err != nil {
			Logger.Printf("mptcp: %v", err)
		} else if opt != nil {
			out = append(out, opt)
		}
		i += length
	}
	return out, nil
}

func decodeOne(buf []byte, byteOffset int, stageHint func(subtype Subtype) Stage) (Option, error) {
	if len(buf) < 3 {
		return nil, wrapError(OptionMalformed, "mptcp option shorter than prefix", nil)
	}
	prefix := buf[2]
	subtype := Subtype(prefix >> 4)
	low4 := prefix & 0x0f

	switch subtype {
	case SubtypeCapable:
		return decodeCapable(buf, stageHint(SubtypeCapable))
	case SubtypeJoin:
		return decodeJoin(buf, low4, stageHint(SubtypeJoin))
	case SubtypeDSS:
		return decodeDSS(buf, byteOffset)
	case SubtypeAddAddr:
		return decodeAddAddr(buf, low4)
	case SubtypeFail:
		return decodeFail(buf)
	default:
		return nil, wrapError(OptionMalformed, fmt.Sprintf("unknown mptcp subtype %d", subtype), nil)
	}
}

func decodeCapable(buf []byte, stage Stage) (Option, error) {
	payload := buf[2:]
	if len(payload) < 2 {
		return nil, wrapError(OptionMalformed, fmt.Sprintf("CAPABLE option has bad length %d", len(buf)), nil)
	}
	flags := payload[1]
	v := OptionCapable{Stage: stage, ChecksumRequired: flags&0x01 != 0}
	switch len(buf) {
	case 4:
		v.Stage = StageSYN
	case 12:
		v.Stage = StageSYNACK
		v.SenderKey = binary.BigEndian.Uint64(payload[2:10])
	case 20:
		v.Stage = StageACK
		v.SenderKey = binary.BigEndian.Uint64(payload[2:10])
		v.PeerKey = binary.BigEndian.Uint64(payload[10:18])
	default:
		return nil, wrapError(OptionMalformed, fmt.Sprintf("CAPABLE option has bad length %d", len(buf)), nil)
	}
	return v, nil
}

func decodeJoin(buf []byte, low4 byte, stage Stage) (Option, error) {
	payload := buf[2:]
	v := OptionJoin{Stage: stage, Backup: low4&0x01 != 0}
	switch len(buf) {
	case 12:
		v.Stage = StageSYN
		v.AddrID = payload[1]
		v.PeerToken = binary.BigEndian.Uint32(payload[2:6])
		v.Nonce = binary.BigEndian.Uint32(payload[6:10])
	case 16:
		v.Stage = StageSYNACK
		v.AddrID = payload[1]
		v.HMAC = append([]byte(nil), payload[2:10]...)
		v.Nonce = binary.BigEndian.Uint32(payload[10:14])
	case 24:
		v.Stage = StageACK
		v.HMAC = append([]byte(nil), payload[1:21]...)
	default:
		return nil, wrapError(OptionMalformed, fmt.Sprintf("JOIN option has bad length %d", len(buf)), nil)
	}
	return v, nil
}

func decodeDSS(buf []byte, byteOffset int) (Option, error) {
	payload := buf[2:]
	if len(payload) < 2 {
		return nil, wrapError(OptionMalformed, "DSS option shorter than base", nil)
	}
	flags := payload[1]
	v := OptionDSS{
		DataFin:    flags&dssFlagF != 0,
		HasDataAck: flags&dssFlagA != 0,
		HasMapping: flags&dssFlagM != 0,
	}
	off := 2
	fieldStart := byteOffset
	if v.HasDataAck {
		if len(payload) < off+4 {
			return nil, wrapError(OptionMalformed, "DSS option truncated DATA_ACK", nil)
		}
		v.DataAck = binary.BigEndian.Uint32(payload[off : off+4])
		off += 4
	}
	if v.HasMapping {
		if len(payload) < off+10 {
			return nil, wrapError(OptionMalformed, "DSS option truncated mapping", nil)
		}
		fieldStart = byteOffset + 2 + off
		v.DataSeq = binary.BigEndian.Uint32(payload[off : off+4])
		v.SubSeq = binary.BigEndian.Uint32(payload[off+4 : off+8])
		v.DataLen = binary.BigEndian.Uint16(payload[off+8 : off+10])
		off += 10
		if flags&dssFlagm != 0 {
			if len(payload) < off+2 {
				return nil, wrapError(OptionMalformed, "DSS option truncated checksum", nil)
			}
			v.HasChecksum = true
			v.Checksum = binary.BigEndian.Uint16(payload[off : off+2])
			off += 2
		}
	}
	v.dssOff = (fieldStart + tcpFixedHeaderLength) / 4
	return v, nil
}

func decodeAddAddr(buf []byte, ipver byte) (Option, error) {
	payload := buf[2:]
	if len(payload) < 2 {
		return nil, wrapError(OptionMalformed, "ADD_ADDR option shorter than id", nil)
	}
	v := OptionAddAddr{AddrID: payload[1]}
	rest := payload[2:]
	switch {
	case ipver == 4 && len(rest) == 4:
		v.Addr = net.IP(append([]byte(nil), rest...))
	case ipver == 4 && len(rest) == 6:
		v.Addr = net.IP(append([]byte(nil), rest[:4]...))
		v.Port = binary.BigEndian.Uint16(rest[4:6])
		v.HasPort = true
	case ipver == 6 && len(rest) == 16:
		v.Addr = net.IP(append([]byte(nil), rest...))
	case ipver == 6 && len(rest) == 18:
		v.Addr = net.IP(append([]byte(nil), rest[:16]...))
		v.Port = binary.BigEndian.Uint16(rest[16:18])
		v.HasPort = true
	default:
		return nil, wrapError(OptionMalformed, fmt.Sprintf("ADD_ADDR option has bad length %d for ipver %d", len(buf), ipver), nil)
	}
	return v, nil
}

func decodeFail(buf []byte) (Option, error) {
	payload := buf[2:]
	if len(buf) != 8 {
		return nil, wrapError(OptionMalformed, fmt.Sprintf("FAIL option has bad length %d", len(buf)), nil)
	}
	return OptionFail{DSN: binary.BigEndian.Uint32(payload[2:6])}, nil
}

// onesComplementChecksum computes the 16-bit one's-complement checksum
// over buf (spec §4.3), the same fold-and-invert loop as
// lib/packet.go's CalculateChecksum.
func onesComplementChecksum(buf []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(buf); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i : i+2]))
	}
	if len(buf)%2 != 0 {
		sum += uint32(buf[len(buf)-1]) << 8
	}
	sum = (sum >> 16) + (sum & 0xffff)
	sum += sum >> 16
	return ^uint16(sum)
}

// VerifyDSSChecksum validates a mapped segment's DSS checksum, which
// covers the mapping bytes starting at dssOff<<2 into the TCP header for
// MPTCP_SUB_LEN_SEQ_CSUM bytes, plus the segment payload (spec §4.3).
const mptcpSubLenSeqCsum = 10 // data_seq(4) + sub_seq(4) + data_len(2)

func VerifyDSSChecksum(tcpHeaderAndOptions []byte, dssOff int, payload []byte, want uint16) bool {
	got, ok := dssChecksum(tcpHeaderAndOptions, dssOff, payload)
	return ok && got == want
}

// ComputeDSSChecksum computes the checksum a sender must stamp into a
// mapped segment's DSS option when checksum coverage is required. Callers
// that have not yet laid the segment out on the wire can pass just the
// 10-byte mapping (data_seq, sub_seq, data_len) with dssOff 0.
func ComputeDSSChecksum(tcpHeaderAndOptions []byte, dssOff int, payload []byte) uint16 {
	got, _ := dssChecksum(tcpHeaderAndOptions, dssOff, payload)
	return got
}

func dssChecksum(tcpHeaderAndOptions []byte, dssOff int, payload []byte) (uint16, bool) {
	start := dssOff << 2
	if start < 0 || start+mptcpSubLenSeqCsum > len(tcpHeaderAndOptions) {
		return 0, false
	}
	buf := append(append([]byte(nil), tcpHeaderAndOptions[start:start+mptcpSubLenSeqCsum]...), payload...)
	return onesComplementChecksum(buf), true
}
