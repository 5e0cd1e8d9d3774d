// Package socket implements the Control Block (the shared-memory layout
// between ULA and LLS), the send/receive sliding windows and SNACK
// logic, and the Socket Item state machine that owns them.
//
// The rings are fixed-capacity, sequence-addressed arrays rather than
// FIFO queues: a slot can be written out of arrival order and must
// stay addressable by sequence number until acknowledged, so slots are
// looked up by sequence offset from a rotating head, never popped.
package socket

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SlotFlag is a bitmask of per-packet-slot state.
type SlotFlag uint8

const (
	IsCompleted SlotFlag = 1 << iota
	IsSent
	IsAcknowledged
	EndOfTransaction
)

// PacketSlot is one ring-buffer element: opcode, length, flags, and the
// send/receive timestamps needed for RTT estimation and retransmit
// scheduling.
type PacketSlot struct {
	Opcode   uint8
	Length   int
	Flags    SlotFlag
	TimeSent int64 // microseconds, zero if never sent
	TimeRecv int64 // microseconds, zero if never received
	Payload  []byte
}

// ErrMemoryCorruption is raised when a Control Block invariant is
// violated; the socket resets after it is reported.
var ErrMemoryCorruption = errors.New("socket: control block invariant violated")

// ringSlots is a fixed-capacity, sequence-addressed array of
// PacketSlot: sequence s lands in slot
// (headPos + (s − firstSN)) mod capacity.
type ringSlots struct {
	slots   []PacketSlot
	headPos int // ring index currently aligned with the window's first sequence number
}

func newRingSlots(capacity int) ringSlots {
	return ringSlots{slots: make([]PacketSlot, capacity)}
}

func (r *ringSlots) capacity() int { return len(r.slots) }

// indexFor returns the slot index for sequence number seq given the ring's
// first sequence number firstSN, or -1 if seq falls outside the ring.
func (r *ringSlots) indexFor(seq, firstSN uint32) int {
	offset := int32(seq - firstSN)
	if offset < 0 || int(offset) >= len(r.slots) {
		return -1
	}
	return (r.headPos + int(offset)) % len(r.slots)
}

// ControlBlock is the shared-memory structure carrying all per-
// connection state exchanged between ULA and LLS. Every field here is
// written by exactly one side except where noted; Mu guards the fields
// mutated by LLS.
type ControlBlock struct {
	Mu sync.Mutex

	// ShmHandle names this Control Block's shared-memory segment; ULA
	// maps the segment by this name rather than by a raw pointer.
	ShmHandle uuid.UUID

	// Send side sequence space: sendWindowFirstSN <= sendWindowNextSN <=
	// sendBufferNextSN <= sendWindowLimitSN.
	SendWindowFirstSN uint32
	SendWindowNextSN  uint32
	SendBufferNextSN  uint32
	SendWindowLimitSN uint32
	sendRing          ringSlots

	// Receive side: recvWindowFirstSN <= recvWindowNextSN, and every
	// occupied slot's sequence number lies in
	// [recvWindowFirstSN, recvWindowFirstSN+capacity).
	RecvWindowFirstSN uint32
	RecvWindowNextSN  uint32
	recvRing          ringSlots

	// Connect parameters, installed once during the handshake and
	// read-only thereafter except for nextKey$initialSN at rekey time.
	InitialSN        uint32
	InitCheckCode    uint64
	Salt             uint32
	Cookie           uint64
	ConnectTime      int64
	AllowedPrefix    [4]uint64
	ParentALFID      uint32
	NextKeyInitialSN uint32
}

// NewControlBlock allocates a Control Block with the given fixed send-
// and receive-ring capacities (in packet slots).
func NewControlBlock(sendCapacity, recvCapacity int) *ControlBlock {
	return &ControlBlock{
		ShmHandle: uuid.New(),
		sendRing:  newRingSlots(sendCapacity),
		recvRing:  newRingSlots(recvCapacity),
	}
}

// ValidateInvariants checks the two sequence-ordering invariants.
// Engine.EmitNext invokes it inside Mu before emitting; a violation is
// returned as ErrMemoryCorruption, which is reported before the socket
// resets.
func (cb *ControlBlock) ValidateInvariants() error {
	if !(seqLE(cb.SendWindowFirstSN, cb.SendWindowNextSN) &&
		seqLE(cb.SendWindowNextSN, cb.SendBufferNextSN) &&
		seqLE(cb.SendBufferNextSN, cb.SendWindowLimitSN)) {
		return errors.Wrapf(ErrMemoryCorruption,
			"send window order violated: first=%d next=%d bufNext=%d limit=%d",
			cb.SendWindowFirstSN, cb.SendWindowNextSN, cb.SendBufferNextSN, cb.SendWindowLimitSN)
	}
	if !seqLE(cb.RecvWindowFirstSN, cb.RecvWindowNextSN) {
		return errors.Wrapf(ErrMemoryCorruption,
			"recv window order violated: first=%d next=%d", cb.RecvWindowFirstSN, cb.RecvWindowNextSN)
	}
	return nil
}

// seqLE compares two sequence numbers respecting wraparound.
func seqLE(a, b uint32) bool { return int32(b-a) >= 0 }

// ReserveSendSlot allocates the next send-buffer slot for ULA's next
// produced packet, advancing SendBufferNextSN, and returns its
// sequence number. Fails if the send window is full.
func (cb *ControlBlock) ReserveSendSlot(opcode uint8, payload []byte) (seq uint32, err error) {
	if cb.SendBufferNextSN == cb.SendWindowLimitSN {
		return 0, errors.New("socket: send window full")
	}
	seq = cb.SendBufferNextSN
	idx := cb.sendRing.indexFor(seq, cb.SendWindowFirstSN)
	if idx < 0 {
		return 0, errors.New("socket: send ring has no free slot for sequence")
	}
	cb.sendRing.slots[idx] = PacketSlot{
		Opcode:  opcode,
		Length:  len(payload),
		Flags:   IsCompleted,
		Payload: payload,
	}
	cb.SendBufferNextSN++
	return seq, nil
}

// MarkEndOfTransaction sets the EndOfTransaction flag on the most
// recently reserved send slot, used by the Commit command.
func (cb *ControlBlock) MarkEndOfTransaction() error {
	if cb.SendBufferNextSN == cb.SendWindowFirstSN {
		return errors.New("socket: no queued packet to mark end-of-transaction")
	}
	last := cb.SendBufferNextSN - 1
	idx := cb.sendRing.indexFor(last, cb.SendWindowFirstSN)
	if idx < 0 {
		return errors.New("socket: end-of-transaction target fell outside send ring")
	}
	cb.sendRing.slots[idx].Flags |= EndOfTransaction
	return nil
}

// NextEmittable returns the sequence number and slot of the next
// packet eligible for emission: marked IS_COMPLETED and with
// sendWindowNextSN < min(sendBufferNextSN, sendWindowLimitSN). ok is
// false if nothing is currently emittable.
func (cb *ControlBlock) NextEmittable() (seq uint32, slot *PacketSlot, ok bool) {
	limit := cb.SendBufferNextSN
	if seqLE(cb.SendWindowLimitSN, limit) {
		limit = cb.SendWindowLimitSN
	}
	if !seqLE(cb.SendWindowNextSN+1, limit) {
		return 0, nil, false
	}
	idx := cb.sendRing.indexFor(cb.SendWindowNextSN, cb.SendWindowFirstSN)
	if idx < 0 {
		return 0, nil, false
	}
	slot = &cb.sendRing.slots[idx]
	if slot.Flags&IsCompleted == 0 {
		return 0, nil, false
	}
	return cb.SendWindowNextSN, slot, true
}

// MarkEmitted records that the packet at seq has gone out on the wire:
// sets IS_SENT, stamps timeSent, and advances sendWindowNextSN.
func (cb *ControlBlock) MarkEmitted(seq uint32, timeSentMicros int64) error {
	if seq != cb.SendWindowNextSN {
		return errors.Errorf("socket: MarkEmitted out of order: got %d, want %d", seq, cb.SendWindowNextSN)
	}
	idx := cb.sendRing.indexFor(seq, cb.SendWindowFirstSN)
	if idx < 0 {
		return errors.New("socket: MarkEmitted sequence outside send ring")
	}
	cb.sendRing.slots[idx].Flags |= IsSent
	cb.sendRing.slots[idx].TimeSent = timeSentMicros
	cb.SendWindowNextSN++
	return nil
}

// MarkAcknowledged sets IS_ACKNOWLEDGED on the slot at seq. A packet
// may be marked acknowledged only if IS_SENT is already set.
func (cb *ControlBlock) MarkAcknowledged(seq uint32) error {
	idx := cb.sendRing.indexFor(seq, cb.SendWindowFirstSN)
	if idx < 0 {
		return nil // outside window: already slid past, or not yet valid — ignore silently
	}
	slot := &cb.sendRing.slots[idx]
	if slot.Flags&IsSent == 0 {
		return errors.Wrapf(ErrMemoryCorruption, "ack for unsent sequence %d", seq)
	}
	slot.Flags |= IsAcknowledged
	return nil
}

// SlideSendWindow advances SendWindowFirstSN (and the ring's head
// position) past every consecutive acknowledged packet at the window's
// head, returning the number of packets slid past.
func (cb *ControlBlock) SlideSendWindow() int {
	slid := 0
	for seqLE(cb.SendWindowFirstSN+1, cb.SendWindowNextSN) {
		idx := cb.sendRing.indexFor(cb.SendWindowFirstSN, cb.SendWindowFirstSN)
		if idx < 0 {
			break
		}
		if cb.sendRing.slots[idx].Flags&IsAcknowledged == 0 {
			break
		}
		cb.sendRing.slots[idx] = PacketSlot{}
		cb.SendWindowFirstSN++
		cb.sendRing.headPos = (cb.sendRing.headPos + 1) % cb.sendRing.capacity()
		slid++
	}
	return slid
}

// PlaceReceived stores an inbound packet into the receive ring at its
// sequence number's slot. It reports false if the sequence falls
// outside the current receive window; callers drop such packets.
func (cb *ControlBlock) PlaceReceived(seq uint32, opcode uint8, flags SlotFlag, payload []byte, timeRecvMicros int64) bool {
	idx := cb.recvRing.indexFor(seq, cb.RecvWindowFirstSN)
	if idx < 0 {
		return false
	}
	cb.recvRing.slots[idx] = PacketSlot{
		Opcode:   opcode,
		Length:   len(payload),
		Flags:    flags | IsCompleted,
		Payload:  payload,
		TimeRecv: timeRecvMicros,
	}
	if seqLE(cb.RecvWindowNextSN, seq) {
		cb.RecvWindowNextSN = seq + 1
	}
	return true
}

// DeliverInOrder pops the receive ring's head slot if it is completed,
// advancing RecvWindowFirstSN, and returns it. A completed transaction
// (EndOfTransaction flag set) is the delivery granularity; callers
// drain repeatedly until ok is false or a transaction boundary is hit.
func (cb *ControlBlock) DeliverInOrder() (slot PacketSlot, ok bool) {
	idx := cb.recvRing.indexFor(cb.RecvWindowFirstSN, cb.RecvWindowFirstSN)
	if idx < 0 {
		return PacketSlot{}, false
	}
	s := cb.recvRing.slots[idx]
	if s.Flags&IsCompleted == 0 {
		return PacketSlot{}, false
	}
	cb.recvRing.slots[idx] = PacketSlot{}
	cb.RecvWindowFirstSN++
	cb.recvRing.headPos = (cb.recvRing.headPos + 1) % cb.recvRing.capacity()
	return s, true
}

// HighestReceived returns one past the highest sequence number with a
// completed slot (RecvWindowFirstSN when none is completed), the
// exclusive bound of SNACK generation's gap-list walk.
func (cb *ControlBlock) HighestReceived() uint32 {
	highest := cb.RecvWindowFirstSN
	for i := 0; i < cb.recvRing.capacity(); i++ {
		seq := cb.RecvWindowFirstSN + uint32(i)
		idx := cb.recvRing.indexFor(seq, cb.RecvWindowFirstSN)
		if idx < 0 {
			break
		}
		if cb.recvRing.slots[idx].Flags&IsCompleted != 0 {
			highest = seq + 1
		}
	}
	return highest
}

// ReceivedAt reports whether the receive ring has a completed slot for
// seq, used by SNACK generation to classify gap runs.
func (cb *ControlBlock) ReceivedAt(seq uint32) bool {
	idx := cb.recvRing.indexFor(seq, cb.RecvWindowFirstSN)
	if idx < 0 {
		return false
	}
	return cb.recvRing.slots[idx].Flags&IsCompleted != 0
}

// SendSlotAt exposes the send-ring slot for seq, for retransmission
// lookups; ok is false if seq is outside the current send window.
func (cb *ControlBlock) SendSlotAt(seq uint32) (slot *PacketSlot, ok bool) {
	idx := cb.sendRing.indexFor(seq, cb.SendWindowFirstSN)
	if idx < 0 {
		return nil, false
	}
	return &cb.sendRing.slots[idx], true
}
