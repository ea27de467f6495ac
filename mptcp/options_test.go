package mptcp

import (
	"net"
	"testing"
)

func stageHintAll(stage Stage) func(Subtype) Stage {
	return func(Subtype) Stage { return stage }
}

func roundTrip(t *testing.T, o Option, stage Stage) Option {
	t.Helper()
	encoded, err := EncodeOption(o)
	if err != nil {
		t.Fatalf("EncodeOption(%#v): %v", o, err)
	}
	decoded, err := DecodeOptions(encoded, stageHintAll(stage))
	if err != nil {
		t.Fatalf("DecodeOptions: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("DecodeOptions returned %d options, want 1", len(decoded))
	}
	return decoded[0]
}

func TestOptionRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		stage Stage
		opt   Option
	}{
		{"capable/syn", StageSYN, OptionCapable{Stage: StageSYN, ChecksumRequired: true}},
		{"capable/synack", StageSYNACK, OptionCapable{Stage: StageSYNACK, SenderKey: 0x0102030405060708}},
		{"capable/ack", StageACK, OptionCapable{Stage: StageACK, SenderKey: 1, PeerKey: 2}},
		{"join/syn", StageSYN, OptionJoin{Stage: StageSYN, AddrID: 4, PeerToken: 0xdeadbeef, Nonce: 0x11223344}},
		{"join/synack", StageSYNACK, OptionJoin{Stage: StageSYNACK, Backup: true, AddrID: 5, Nonce: 0x55667788, HMAC: []byte{1, 2, 3, 4, 5, 6, 7, 8}}},
		{"join/ack", StageACK, OptionJoin{Stage: StageACK, HMAC: make([]byte, 20)}},
		{"dss/ack-only", StageACK, OptionDSS{HasDataAck: true, DataAck: 99}},
		{"dss/mapping", StageACK, OptionDSS{HasMapping: true, DataSeq: 1000, SubSeq: 1, DataLen: 500}},
		{"dss/mapping+checksum", StageACK, OptionDSS{HasMapping: true, HasChecksum: true, DataSeq: 1000, SubSeq: 1, DataLen: 500, Checksum: 0xbeef}},
		{"dss/datafin", StageACK, OptionDSS{DataFin: true, HasMapping: true, DataSeq: 42, SubSeq: 1, DataLen: 1}},
		{"addaddr/v4", StageACK, OptionAddAddr{AddrID: 2, Addr: net.ParseIP("192.0.2.1").To4()}},
		{"addaddr/v4+port", StageACK, OptionAddAddr{AddrID: 2, Addr: net.ParseIP("192.0.2.1").To4(), Port: 8080, HasPort: true}},
		{"addaddr/v6", StageACK, OptionAddAddr{AddrID: 9, Addr: net.ParseIP("2001:db8::1")}},
		{"fail", StageACK, OptionFail{DSN: 123456}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := roundTrip(t, c.opt, c.stage)
			if got.Subtype() != c.opt.Subtype() {
				t.Fatalf("Subtype = %v, want %v", got.Subtype(), c.opt.Subtype())
			}

			switch want := c.opt.(type) {
			case OptionCapable:
				got := got.(OptionCapable)
				if got.Stage != want.Stage || got.ChecksumRequired != want.ChecksumRequired ||
					got.SenderKey != want.SenderKey || got.PeerKey != want.PeerKey {
					t.Fatalf("got %+v, want %+v", got, want)
				}
			case OptionJoin:
				got := got.(OptionJoin)
				if got.Stage != want.Stage || got.Backup != want.Backup {
					t.Fatalf("got %+v, want %+v", got, want)
				}
			case OptionDSS:
				got := got.(OptionDSS)
				if got.DataFin != want.DataFin || got.HasDataAck != want.HasDataAck ||
					got.DataAck != want.DataAck || got.HasMapping != want.HasMapping ||
					got.DataSeq != want.DataSeq || got.SubSeq != want.SubSeq ||
					got.DataLen != want.DataLen || got.HasChecksum != want.HasChecksum ||
					got.Checksum != want.Checksum {
					t.Fatalf("got %+v, want %+v", got, want)
				}
			case OptionAddAddr:
				got := got.(OptionAddAddr)
				if got.AddrID != want.AddrID || !got.Addr.Equal(want.Addr) ||
					got.Port != want.Port || got.HasPort != want.HasPort {
					t.Fatalf("got %+v, want %+v", got, want)
				}
			case OptionFail:
				got := got.(OptionFail)
				if got.DSN != want.DSN {
					t.Fatalf("got %+v, want %+v", got, want)
				}
			}
		})
	}
}

func TestDecodeOptionsSkipsForeignAndPadding(t *testing.T) {
	dss, err := EncodeOption(OptionDSS{HasDataAck: true, DataAck: 7})
	if err != nil {
		t.Fatal(err)
	}
	// NOP, an unrelated option (kind 5, length 4), NOP, then the real one.
	data := append([]byte{1, 5, 4, 0, 0, 1}, dss...)

	opts, err := DecodeOptions(data, stageHintAll(StageACK))
	if err != nil {
		t.Fatal(err)
	}
	if len(opts) != 1 {
		t.Fatalf("got %d options, want 1", len(opts))
	}
	got, ok := opts[0].(OptionDSS)
	if !ok || got.DataAck != 7 {
		t.Fatalf("got %+v", opts[0])
	}
}

func TestDecodeOptionsToleratesMalformed(t *testing.T) {
	// A DSS option claiming the mapping flag but truncated before the
	// mapping bytes. Must be skipped, not fatal for the whole decode.
	bad := []byte{mptcpOptionKind, 4, prefixByte(SubtypeDSS, 0), dssFlagM}
	good, err := EncodeOption(OptionFail{DSN: 5})
	if err != nil {
		t.Fatal(err)
	}
	data := append(bad, good...)

	opts, err := DecodeOptions(data, stageHintAll(StageACK))
	if err != nil {
		t.Fatal(err)
	}
	if len(opts) != 1 {
		t.Fatalf("got %d options, want the one well-formed FAIL option", len(opts))
	}
	if _, ok := opts[0].(OptionFail); !ok {
		t.Fatalf("got %T, want OptionFail", opts[0])
	}
}

func TestVerifyDSSChecksum(t *testing.T) {
	dss := OptionDSS{HasMapping: true, DataSeq: 10, SubSeq: 0, DataLen: 4}
	payload := []byte{1, 2, 3, 4}

	header := make([]byte, 20)
	encoded, err := EncodeOption(dss)
	if err != nil {
		t.Fatal(err)
	}
	header = append(header, encoded...)

	// The mapping fields follow the DSS option's 4-byte base header.
	mapStart := 24
	want := onesComplementChecksum(append(append([]byte(nil), header[mapStart:mapStart+mptcpSubLenSeqCsum]...), payload...))

	if !VerifyDSSChecksum(header, mapStart/4, payload, want) {
		t.Fatal("VerifyDSSChecksum should accept a checksum computed the same way")
	}
	if VerifyDSSChecksum(header, mapStart/4, payload, want+1) {
		t.Fatal("VerifyDSSChecksum should reject a wrong checksum")
	}
}
