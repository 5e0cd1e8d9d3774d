// Package wire implements the FSP lower-layer packet format: the fixed
// 24-byte header shared by every opcode, and the chain of optional
// trailing sub-headers used for mobility hints, selective NACKs and
// connect parameters.
//
// Fields are hand-packed with encoding/binary: the header is small and
// fixed-shape, in network byte order, with an 8-byte-aligned sub-header
// chain appended behind it.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Opcode identifies the packet type carried in the fixed header.
type Opcode uint8

// The full wire opcode set: the four-packet connect handshake, data
// and acknowledgement carriers, and the teardown/clone opcodes.
const (
	InitConnect Opcode = iota + 1
	AckInitConnect
	ConnectRequest
	AckConnectReq
	Reset
	Persist
	PureData
	KeepAlive
	AckFlush
	Release
	Multiply
	NulCommit
)

func (op Opcode) String() string {
	switch op {
	case InitConnect:
		return "INIT_CONNECT"
	case AckInitConnect:
		return "ACK_INIT_CONNECT"
	case ConnectRequest:
		return "CONNECT_REQUEST"
	case AckConnectReq:
		return "ACK_CONNECT_REQ"
	case Reset:
		return "RESET"
	case Persist:
		return "PERSIST"
	case PureData:
		return "PURE_DATA"
	case KeepAlive:
		return "KEEP_ALIVE"
	case AckFlush:
		return "ACK_FLUSH"
	case Release:
		return "RELEASE"
	case Multiply:
		return "MULTIPLY"
	case NulCommit:
		return "NULCOMMIT"
	default:
		return "UNKNOWN_OPCODE"
	}
}

const (
	// FixedHeaderSize is the size in bytes of every FSP packet's fixed
	// header: version(1) opcode(1) hsp(2) sequenceNo(4) expectedSN(4)
	// flagsAndWindow(4) integrity(8).
	FixedHeaderSize = 24

	// Version is the only wire version this implementation emits or
	// accepts.
	Version = 1

	// MaxLLSBlockSize bounds hsp and any sub-header chain length; it is
	// chosen to keep a full packet under common path MTUs once UDP/IPv4
	// encapsulation overhead is added.
	MaxLLSBlockSize = 1408

	// eotFlag marks the End-of-Transaction bit within the packed
	// flags+recv_window field (top bit of the 32-bit field).
	eotFlag = 1 << 31
	// windowMask extracts the advertised receive-window size (lower 31
	// bits) from the flags+recv_window field.
	windowMask = eotFlag - 1
)

// ErrShortPacket is returned when a buffer is too small to hold a fixed
// header or a claimed sub-header.
var ErrShortPacket = errors.New("wire: packet shorter than fixed header")

// ErrMalformed is returned for any structurally invalid packet: bad hsp
// alignment, hsp out of bounds, or a sub-header chain that doesn't
// terminate.
var ErrMalformed = errors.New("wire: malformed packet")

// Header is the decoded form of the 24-byte fixed header.
type Header struct {
	Version    uint8
	Opcode     Opcode
	HSP        uint16 // offset of end-of-header / start-of-payload, multiple of 8
	SequenceNo uint32
	ExpectedSN uint32
	EndOfTrans bool
	RecvWindow uint32 // advertised receive-window size, in packets
	Integrity  uint64 // truncated MAC / AEAD tag, computed last
}

// Encode serializes h into buf[:FixedHeaderSize]. buf must have at
// least FixedHeaderSize bytes. The integrity field is written as
// whatever value h.Integrity currently holds; callers compute and set
// it last.
func (h *Header) Encode(buf []byte) error {
	if len(buf) < FixedHeaderSize {
		return errors.WithStack(ErrShortPacket)
	}
	buf[0] = h.Version
	buf[1] = byte(h.Opcode)
	binary.BigEndian.PutUint16(buf[2:4], h.HSP)
	binary.BigEndian.PutUint32(buf[4:8], h.SequenceNo)
	binary.BigEndian.PutUint32(buf[8:12], h.ExpectedSN)
	flagsAndWindow := h.RecvWindow & windowMask
	if h.EndOfTrans {
		flagsAndWindow |= eotFlag
	}
	binary.BigEndian.PutUint32(buf[12:16], flagsAndWindow)
	binary.BigEndian.PutUint64(buf[16:24], h.Integrity)
	return nil
}

// Decode parses buf's leading FixedHeaderSize bytes into h. It
// validates version, hsp alignment and hsp bounds but does not touch
// the integrity field's authenticity — that's internal/crypto's job.
func (h *Header) Decode(buf []byte) error {
	if len(buf) < FixedHeaderSize {
		return errors.WithStack(ErrShortPacket)
	}
	h.Version = buf[0]
	if h.Version != Version {
		return errors.Wrapf(ErrMalformed, "unsupported version %d", h.Version)
	}
	h.Opcode = Opcode(buf[1])
	h.HSP = binary.BigEndian.Uint16(buf[2:4])
	if h.HSP%8 != 0 || int(h.HSP) > MaxLLSBlockSize || int(h.HSP) < FixedHeaderSize {
		return errors.Wrapf(ErrMalformed, "invalid hsp %d", h.HSP)
	}
	if int(h.HSP) > len(buf) {
		return errors.Wrapf(ErrMalformed, "hsp %d exceeds packet length %d", h.HSP, len(buf))
	}
	h.SequenceNo = binary.BigEndian.Uint32(buf[4:8])
	h.ExpectedSN = binary.BigEndian.Uint32(buf[8:12])
	flagsAndWindow := binary.BigEndian.Uint32(buf[12:16])
	h.EndOfTrans = flagsAndWindow&eotFlag != 0
	h.RecvWindow = flagsAndWindow & windowMask
	h.Integrity = binary.BigEndian.Uint64(buf[16:24])
	return nil
}

// Payload returns the slice of buf between the fixed header (and any
// sub-headers, i.e. buf[:h.HSP]) and the end of the packet.
func (h *Header) Payload(buf []byte) []byte {
	return buf[h.HSP:]
}
