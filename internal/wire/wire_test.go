package wire

import (
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Version:    Version,
		Opcode:     PureData,
		HSP:        FixedHeaderSize,
		SequenceNo: 42,
		ExpectedSN: 7,
		EndOfTrans: true,
		RecvWindow: 32,
		Integrity:  0x1122334455667788,
	}

	buf := make([]byte, FixedHeaderSize)
	if err := h.Encode(buf); err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}

	var got Header
	if err := got.Decode(buf); err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}

	if got != *h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, *h)
	}
}

func TestHeaderDecodeRejectsShortBuffer(t *testing.T) {
	var h Header
	if err := h.Decode(make([]byte, FixedHeaderSize-1)); err == nil {
		t.Fatalf("expected error decoding short buffer")
	}
}

func TestHeaderDecodeRejectsMisalignedHSP(t *testing.T) {
	buf := make([]byte, FixedHeaderSize)
	h := Header{Version: Version, HSP: FixedHeaderSize + 3}
	_ = h.Encode(buf)
	var got Header
	if err := got.Decode(buf); err == nil {
		t.Fatalf("expected error decoding misaligned hsp")
	}
}

func TestHeaderDecodeRejectsBadVersion(t *testing.T) {
	buf := make([]byte, FixedHeaderSize)
	h := Header{Version: Version + 1, HSP: FixedHeaderSize}
	_ = h.Encode(buf)
	var got Header
	if err := got.Decode(buf); err == nil {
		t.Fatalf("expected error decoding unsupported version")
	}
}

func TestSubHeaderChainRoundTrip(t *testing.T) {
	buf := make([]byte, MaxLLSBlockSize)
	snack := &SelectiveNackHeader{
		ExpectedSN: 7,
		Gaps: []GapRun{
			{GapWidth: 1, DataLength: 3},
			{GapWidth: 1, DataLength: 3},
			{GapWidth: 1, DataLength: 5},
		},
	}
	subnets := &PeerSubnetsHeader{Prefixes: [4]uint64{1, 2, 3, 4}}

	hsp, err := EncodeChain(buf, FixedHeaderSize, snack, subnets)
	if err != nil {
		t.Fatalf("EncodeChain returned error: %v", err)
	}

	links, err := DecodeChain(buf, FixedHeaderSize, hsp)
	if err != nil {
		t.Fatalf("DecodeChain returned error: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("expected 2 links, got %d", len(links))
	}

	gotSnack, err := DecodeSelectiveNack(links[0].Body)
	if err != nil {
		t.Fatalf("DecodeSelectiveNack returned error: %v", err)
	}
	if gotSnack.ExpectedSN != snack.ExpectedSN || len(gotSnack.Gaps) != len(snack.Gaps) {
		t.Fatalf("snack mismatch: got %+v, want %+v", gotSnack, snack)
	}
	for i, g := range snack.Gaps {
		if gotSnack.Gaps[i] != g {
			t.Fatalf("gap %d mismatch: got %+v, want %+v", i, gotSnack.Gaps[i], g)
		}
	}

	gotSubnets, err := DecodePeerSubnets(links[1].Body)
	if err != nil {
		t.Fatalf("DecodePeerSubnets returned error: %v", err)
	}
	if gotSubnets.Prefixes != subnets.Prefixes {
		t.Fatalf("subnets mismatch: got %+v, want %+v", gotSubnets.Prefixes, subnets.Prefixes)
	}
}

func TestDecodeChainRejectsBrokenOffset(t *testing.T) {
	buf := make([]byte, MaxLLSBlockSize)
	// hsp claims a chain exists but nothing was ever written there.
	if _, err := DecodeChain(buf, FixedHeaderSize, FixedHeaderSize+8); err == nil {
		t.Fatalf("expected error for unterminated chain")
	}
}

func TestEncodeChainRejectsOversizedPayload(t *testing.T) {
	buf := make([]byte, FixedHeaderSize+4)
	snack := &SelectiveNackHeader{ExpectedSN: 1, Gaps: make([]GapRun, 64)}
	if _, err := EncodeChain(buf, FixedHeaderSize, snack); err == nil {
		t.Fatalf("expected error for chain exceeding buffer")
	}
}

func TestAlign8(t *testing.T) {
	cases := map[int]int{0: 0, 1: 8, 7: 8, 8: 8, 9: 16}
	for in, want := range cases {
		if got := align8(in); got != want {
			t.Fatalf("align8(%d) = %d, want %d", in, got, want)
		}
	}
}
