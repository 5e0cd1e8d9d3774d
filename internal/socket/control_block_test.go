package socket

import "testing"

func TestReserveAndEmitSendSlot(t *testing.T) {
	cb := NewControlBlock(4, 4)
	cb.SendWindowLimitSN = 4

	seq, err := cb.ReserveSendSlot(7, []byte("hello"))
	if err != nil {
		t.Fatalf("ReserveSendSlot returned error: %v", err)
	}
	if seq != 0 {
		t.Fatalf("expected first reserved sequence 0, got %d", seq)
	}

	gotSeq, slot, ok := cb.NextEmittable()
	if !ok || gotSeq != 0 {
		t.Fatalf("expected sequence 0 emittable, got seq=%d ok=%v", gotSeq, ok)
	}
	if slot.Opcode != 7 {
		t.Fatalf("expected opcode 7, got %d", slot.Opcode)
	}

	if err := cb.MarkEmitted(0, 1000); err != nil {
		t.Fatalf("MarkEmitted returned error: %v", err)
	}
	if cb.SendWindowNextSN != 1 {
		t.Fatalf("expected SendWindowNextSN=1, got %d", cb.SendWindowNextSN)
	}
}

func TestSendWindowFullRejectsReserve(t *testing.T) {
	cb := NewControlBlock(2, 2)
	cb.SendWindowLimitSN = 1

	if _, err := cb.ReserveSendSlot(1, nil); err != nil {
		t.Fatalf("first reserve should succeed: %v", err)
	}
	if _, err := cb.ReserveSendSlot(1, nil); err == nil {
		t.Fatalf("expected error reserving beyond send window limit")
	}
}

func TestMarkAcknowledgedRequiresSent(t *testing.T) {
	cb := NewControlBlock(4, 4)
	cb.SendWindowLimitSN = 4
	if _, err := cb.ReserveSendSlot(1, nil); err != nil {
		t.Fatalf("ReserveSendSlot returned error: %v", err)
	}
	if err := cb.MarkAcknowledged(0); err == nil {
		t.Fatalf("expected error acknowledging an unsent sequence")
	}
}

func TestSlideSendWindowAdvancesPastAcked(t *testing.T) {
	cb := NewControlBlock(4, 4)
	cb.SendWindowLimitSN = 4
	for i := 0; i < 3; i++ {
		if _, err := cb.ReserveSendSlot(1, nil); err != nil {
			t.Fatalf("ReserveSendSlot[%d] returned error: %v", i, err)
		}
	}
	for i := uint32(0); i < 3; i++ {
		if err := cb.MarkEmitted(i, int64(i)); err != nil {
			t.Fatalf("MarkEmitted[%d] returned error: %v", i, err)
		}
	}
	if err := cb.MarkAcknowledged(0); err != nil {
		t.Fatalf("MarkAcknowledged(0) returned error: %v", err)
	}
	if err := cb.MarkAcknowledged(1); err != nil {
		t.Fatalf("MarkAcknowledged(1) returned error: %v", err)
	}

	slid := cb.SlideSendWindow()
	if slid != 2 {
		t.Fatalf("expected 2 slots slid, got %d", slid)
	}
	if cb.SendWindowFirstSN != 2 {
		t.Fatalf("expected SendWindowFirstSN=2, got %d", cb.SendWindowFirstSN)
	}
}

func TestPlaceReceivedAndDeliverInOrder(t *testing.T) {
	cb := NewControlBlock(4, 4)

	if !cb.PlaceReceived(1, 2, 0, []byte("b"), 10) {
		t.Fatalf("expected PlaceReceived(1) to succeed")
	}
	if _, ok := cb.DeliverInOrder(); ok {
		t.Fatalf("expected no in-order delivery while sequence 0 is still missing")
	}

	if !cb.PlaceReceived(0, 2, 0, []byte("a"), 5) {
		t.Fatalf("expected PlaceReceived(0) to succeed")
	}

	first, ok := cb.DeliverInOrder()
	if !ok || string(first.Payload) != "a" {
		t.Fatalf("expected to deliver payload 'a' first, got %+v ok=%v", first, ok)
	}
	second, ok := cb.DeliverInOrder()
	if !ok || string(second.Payload) != "b" {
		t.Fatalf("expected to deliver payload 'b' second, got %+v ok=%v", second, ok)
	}
}

func TestPlaceReceivedOutsideWindowRejected(t *testing.T) {
	cb := NewControlBlock(2, 2)
	if cb.PlaceReceived(5, 1, 0, nil, 0) {
		t.Fatalf("expected PlaceReceived to reject a sequence outside the ring capacity")
	}
}

func TestValidateInvariantsCatchesSendWindowDisorder(t *testing.T) {
	cb := NewControlBlock(4, 4)
	cb.SendWindowFirstSN = 5
	cb.SendWindowNextSN = 3
	if err := cb.ValidateInvariants(); err == nil {
		t.Fatalf("expected invariant violation for disordered send window")
	}
}

func TestValidateInvariantsAcceptsWellOrderedState(t *testing.T) {
	cb := NewControlBlock(4, 4)
	cb.SendWindowLimitSN = 4
	cb.SendWindowFirstSN = 0
	cb.SendWindowNextSN = 1
	cb.SendBufferNextSN = 2
	if err := cb.ValidateInvariants(); err != nil {
		t.Fatalf("expected no invariant violation, got: %v", err)
	}
}

func TestMarkEndOfTransaction(t *testing.T) {
	cb := NewControlBlock(4, 4)
	cb.SendWindowLimitSN = 4
	if _, err := cb.ReserveSendSlot(1, nil); err != nil {
		t.Fatalf("ReserveSendSlot returned error: %v", err)
	}
	if err := cb.MarkEndOfTransaction(); err != nil {
		t.Fatalf("MarkEndOfTransaction returned error: %v", err)
	}
	slot, ok := cb.SendSlotAt(0)
	if !ok || slot.Flags&EndOfTransaction == 0 {
		t.Fatalf("expected EndOfTransaction flag set on slot 0")
	}
}

func TestSeqLEHandlesWraparound(t *testing.T) {
	if !seqLE(0xFFFFFFFF, 0) {
		t.Fatalf("expected seqLE to treat 0 as after 0xFFFFFFFF under wraparound")
	}
	if seqLE(1, 0) {
		t.Fatalf("expected seqLE(1, 0) to be false")
	}
}
