package socket

import "github.com/jaglee/fsp-lls/internal/wire"

// GenerateSNACK walks the receive ring from RecvWindowFirstSN up to
// HighestReceived, building the SELECTIVE_NACK sub-header: expectedSN
// is the smallest unreceived sequence, and the gap list alternately
// describes runs of missing (gapWidth) and received (dataLength)
// packets beyond it. Generation stops once maxBytes worth of gap
// entries have been produced so the whole header stays within
// MaxLLSBlockSize.
func (cb *ControlBlock) GenerateSNACK(maxBytes int) *wire.SelectiveNackHeader {
	highest := cb.HighestReceived()

	// ExpectedSN is the smallest unreceived sequence, which may lie past
	// the window head when the head run has arrived but not yet been
	// delivered to ULA.
	expected := cb.RecvWindowFirstSN
	for seqLE(expected+1, highest) && cb.ReceivedAt(expected) {
		expected++
	}
	h := &wire.SelectiveNackHeader{ExpectedSN: expected}

	maxGaps := maxBytes / 4
	seq := expected
	for seqLE(seq+1, highest) && len(h.Gaps) < maxGaps {
		var run wire.GapRun
		for seqLE(seq+1, highest) && !cb.ReceivedAt(seq) {
			run.GapWidth++
			seq++
		}
		for seqLE(seq+1, highest) && cb.ReceivedAt(seq) {
			run.DataLength++
			seq++
		}
		h.Gaps = append(h.Gaps, run)
	}
	return h
}

// AckedRange describes one contiguous run of sequence numbers the peer
// has reported as received, resolved from a SNACK's gap list.
type AckedRange struct {
	First, Count uint32
}

// MissingRange describes one contiguous run the peer has reported as
// still missing.
type MissingRange struct {
	First, Count uint32
}

// InterpretSNACK expands a SELECTIVE_NACK sub-header back into
// alternating missing/received sequence ranges, starting from
// ExpectedSN. This is the receive-side mirror of GenerateSNACK, used by
// the sender to decide what to retransmit and what to mark acked.
func InterpretSNACK(h *wire.SelectiveNackHeader) (acked []AckedRange, missing []MissingRange) {
	seq := h.ExpectedSN
	for _, g := range h.Gaps {
		if g.GapWidth > 0 {
			missing = append(missing, MissingRange{First: seq, Count: uint32(g.GapWidth)})
			seq += uint32(g.GapWidth)
		}
		if g.DataLength > 0 {
			acked = append(acked, AckedRange{First: seq, Count: uint32(g.DataLength)})
			seq += uint32(g.DataLength)
		}
	}
	return acked, missing
}

// RespondToSNACK applies an inbound SNACK to the send side: every
// sequence in an acked range is marked IS_ACKNOWLEDGED (skipping
// retransmission), the send window is then slid past consecutive
// acked packets at its head, and nAck (the count of newly acknowledged
// packets up to ExpectedSN) is returned for RTT/keep-alive-interval
// bookkeeping. eotAcked reports whether a packet
// carrying EndOfTransaction was among the acknowledged head run, the
// signal that drives COMMITTING -> COMMITTED.
func (cb *ControlBlock) RespondToSNACK(h *wire.SelectiveNackHeader) (nAck int, slid int, eotAcked bool) {
	for seq := cb.SendWindowFirstSN; seqLE(seq+1, h.ExpectedSN); seq++ {
		slot, ok := cb.SendSlotAt(seq)
		if ok && slot.Flags&IsAcknowledged == 0 && cb.MarkAcknowledged(seq) == nil {
			nAck++
		}
	}
	acked, _ := InterpretSNACK(h)
	for _, r := range acked {
		for i := uint32(0); i < r.Count; i++ {
			cb.MarkAcknowledged(r.First + i)
		}
	}
	for seq := cb.SendWindowFirstSN; seqLE(seq+1, cb.SendWindowNextSN); seq++ {
		slot, ok := cb.SendSlotAt(seq)
		if !ok || slot.Flags&IsAcknowledged == 0 {
			break
		}
		if slot.Flags&EndOfTransaction != 0 {
			eotAcked = true
		}
	}
	slid = cb.SlideSendWindow()
	return nAck, slid, eotAcked
}

// RetransmitCandidates returns every sequence number in a SNACK's
// missing runs whose last send was more than staleness microseconds
// ago. Callers pass staleness = 2×RTT.
func (cb *ControlBlock) RetransmitCandidates(h *wire.SelectiveNackHeader, nowMicros, staleness int64) []uint32 {
	_, missing := InterpretSNACK(h)
	var out []uint32
	for _, r := range missing {
		for i := uint32(0); i < r.Count; i++ {
			seq := r.First + i
			slot, ok := cb.SendSlotAt(seq)
			if !ok || slot.Flags&IsSent == 0 {
				continue
			}
			if nowMicros-slot.TimeSent >= staleness {
				out = append(out, seq)
			}
		}
	}
	return out
}
