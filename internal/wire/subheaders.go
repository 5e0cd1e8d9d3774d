package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// SubOpcode identifies a trailing sub-header's payload shape.
type SubOpcode uint8

const (
	PeerSubnets SubOpcode = iota + 1
	SelectiveNack
	ConnectParam
)

// subHeaderMiniSize is the size of the mini-header trailing every
// sub-header: opCode(1) + pad(3) + offsetToPrevious(4), 8-byte aligned
// like the rest of the chain.
const subHeaderMiniSize = 8

// PeerSubnetsHeader carries up to four 64-bit subnet prefixes used for
// mobility: the peer advertises the subnets its other interfaces live
// on so the far end can recognize a future care-of address as the same
// host.
type PeerSubnetsHeader struct {
	Prefixes [4]uint64
}

// GapRun is one {gapWidth, dataLength} pair in a SELECTIVE_NACK
// sub-header: gapWidth packets are missing, followed by dataLength
// packets received, relative to the running sequence position.
type GapRun struct {
	GapWidth   uint16
	DataLength uint16
}

// SelectiveNackHeader is the SNACK sub-header: ExpectedSN is the
// smallest sequence number not yet received; Gaps alternately describe
// missing/received runs above it.
type SelectiveNackHeader struct {
	ExpectedSN uint32
	Gaps       []GapRun
}

// ConnectParamHeader carries the parameters exchanged during the
// connect handshake: the responder's advertised subnets, its listening
// ALFID, the clock delta used for cookie-window validation, and the
// stateless cookie itself.
type ConnectParamHeader struct {
	Subnets       [4]uint64
	ListenerALFID uint32
	TimeDelta     int64
	Cookie        uint64
}

// align8 rounds n up to a multiple of 8, the sub-header body alignment.
func align8(n int) int { return (n + 7) &^ 7 }

// EncodeChain serializes subHeaders onto buf starting at offset
// fixedEnd (normally FixedHeaderSize) and returns the final hsp value
// (the offset marking end-of-header / start-of-payload). Each
// sub-header is followed by its mini-header; the chain's first
// sub-header's mini-header offsetToPrevious points back to fixedEnd,
// which is what terminates the chain walk.
func EncodeChain(buf []byte, fixedEnd int, subHeaders ...interface{}) (hsp int, err error) {
	offset := fixedEnd
	for _, sh := range subHeaders {
		var body []byte
		var op SubOpcode
		switch v := sh.(type) {
		case *PeerSubnetsHeader:
			op = PeerSubnets
			body = make([]byte, 32)
			for i, p := range v.Prefixes {
				binary.BigEndian.PutUint64(body[i*8:], p)
			}
		case *SelectiveNackHeader:
			op = SelectiveNack
			body = make([]byte, align8(4+4*len(v.Gaps)))
			binary.BigEndian.PutUint32(body[0:4], v.ExpectedSN)
			for i, g := range v.Gaps {
				binary.BigEndian.PutUint16(body[4+i*4:], g.GapWidth)
				binary.BigEndian.PutUint16(body[4+i*4+2:], g.DataLength)
			}
		case *ConnectParamHeader:
			op = ConnectParam
			body = make([]byte, 56)
			for i, p := range v.Subnets {
				binary.BigEndian.PutUint64(body[i*8:], p)
			}
			binary.BigEndian.PutUint32(body[32:36], v.ListenerALFID)
			binary.BigEndian.PutUint64(body[36:44], uint64(v.TimeDelta))
			binary.BigEndian.PutUint64(body[44:52], v.Cookie)
			// body[52:56] reserved/padding
		default:
			return 0, errors.Errorf("wire: unknown sub-header type %T", sh)
		}

		bodyLen := align8(len(body))
		total := offset + bodyLen + subHeaderMiniSize
		if total > len(buf) || total > MaxLLSBlockSize {
			return 0, errors.Wrapf(ErrMalformed, "sub-header chain exceeds buffer/block limit at offset %d", offset)
		}
		copy(buf[offset:], body)
		miniAt := offset + bodyLen
		buf[miniAt] = byte(op)
		buf[miniAt+1] = 0
		buf[miniAt+2] = 0
		buf[miniAt+3] = 0
		binary.BigEndian.PutUint32(buf[miniAt+4:miniAt+8], uint32(offset))
		offset = miniAt + subHeaderMiniSize
	}
	return offset, nil
}

// DecodedSubHeader is one parsed link in the sub-header chain.
type DecodedSubHeader struct {
	Opcode SubOpcode
	Body   []byte
}

// DecodeChain walks the sub-header chain backwards from hsp down to
// fixedEnd, following each mini-header's offsetToPrevious, and returns
// the links in header order (first-sent first). A chain that doesn't
// terminate exactly at fixedEnd after at most maxLinks steps is
// ErrMalformed — this bounds the walk against a corrupt or hostile
// offset cycle.
func DecodeChain(buf []byte, fixedEnd, hsp int) ([]DecodedSubHeader, error) {
	const maxLinks = 8
	var reversed []DecodedSubHeader
	cursor := hsp
	for i := 0; i < maxLinks; i++ {
		if cursor <= fixedEnd {
			if cursor != fixedEnd {
				return nil, errors.WithStack(ErrMalformed)
			}
			// chain complete
			links := make([]DecodedSubHeader, len(reversed))
			for i, l := range reversed {
				links[len(reversed)-1-i] = l
			}
			return links, nil
		}
		if cursor < subHeaderMiniSize || cursor > len(buf) {
			return nil, errors.WithStack(ErrMalformed)
		}
		miniAt := cursor - subHeaderMiniSize
		if miniAt < 0 {
			return nil, errors.WithStack(ErrMalformed)
		}
		op := SubOpcode(buf[miniAt])
		prevOffset := int(binary.BigEndian.Uint32(buf[miniAt+4 : miniAt+8]))
		if prevOffset < fixedEnd || prevOffset >= miniAt {
			return nil, errors.WithStack(ErrMalformed)
		}
		reversed = append(reversed, DecodedSubHeader{Opcode: op, Body: buf[prevOffset:miniAt]})
		cursor = prevOffset
	}
	return nil, errors.Wrap(ErrMalformed, "sub-header chain too long")
}

// DecodePeerSubnets parses a PEER_SUBNETS sub-header body.
func DecodePeerSubnets(body []byte) (*PeerSubnetsHeader, error) {
	if len(body) < 32 {
		return nil, errors.WithStack(ErrMalformed)
	}
	h := &PeerSubnetsHeader{}
	for i := range h.Prefixes {
		h.Prefixes[i] = binary.BigEndian.Uint64(body[i*8:])
	}
	return h, nil
}

// DecodeSelectiveNack parses a SELECTIVE_NACK sub-header body.
func DecodeSelectiveNack(body []byte) (*SelectiveNackHeader, error) {
	if len(body) < 4 {
		return nil, errors.WithStack(ErrMalformed)
	}
	h := &SelectiveNackHeader{ExpectedSN: binary.BigEndian.Uint32(body[0:4])}
	for off := 4; off+4 <= len(body); off += 4 {
		gap := GapRun{
			GapWidth:   binary.BigEndian.Uint16(body[off:]),
			DataLength: binary.BigEndian.Uint16(body[off+2:]),
		}
		if gap.GapWidth == 0 && gap.DataLength == 0 {
			break
		}
		h.Gaps = append(h.Gaps, gap)
	}
	return h, nil
}

// DecodeConnectParam parses a CONNECT_PARAM sub-header body.
func DecodeConnectParam(body []byte) (*ConnectParamHeader, error) {
	if len(body) < 52 {
		return nil, errors.WithStack(ErrMalformed)
	}
	h := &ConnectParamHeader{}
	for i := range h.Subnets {
		h.Subnets[i] = binary.BigEndian.Uint64(body[i*8:])
	}
	h.ListenerALFID = binary.BigEndian.Uint32(body[32:36])
	h.TimeDelta = int64(binary.BigEndian.Uint64(body[36:44]))
	h.Cookie = binary.BigEndian.Uint64(body[44:52])
	return h, nil
}
