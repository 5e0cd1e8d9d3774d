package socket

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/jaglee/fsp-lls/internal/crypto"
	"github.com/jaglee/fsp-lls/internal/timer"
	"github.com/jaglee/fsp-lls/internal/wire"
)

// Timer-wheel cadences, all compared against microsecond timestamps.
const (
	// TransientStateTimeout bounds how long a socket may sit in a
	// transient state before FSP_NotifyTimeout fires.
	TransientStateTimeout = 30 * time.Second

	// ScavengeThreshold is the receive-silence span after which a data
	// state switches to the transient-timeout cadence.
	ScavengeThreshold = 5 * time.Minute

	// MaximumSessionLife bounds a session's total age.
	MaximumSessionLife = 12 * time.Hour

	// KeepAliveFloor is the lower bound on the keep-alive tempo, so a
	// sub-millisecond RTT doesn't turn the heartbeat into a busy loop.
	KeepAliveFloor = 500 * time.Millisecond

	// snackBudget bounds the SELECTIVE_NACK gap list so KEEP_ALIVE's
	// whole header chain stays within MaxLLSBlockSize.
	snackBudget = wire.MaxLLSBlockSize / 4
)

// Engine is the per-connection packet engine: it owns the Socket
// Item's cryptographic context and drives packet emission, inbound
// validation, SNACK bookkeeping and the timer-tick behavior over one
// Control Block and FSM. Callers hold CB.Mu around every method.
type Engine struct {
	CB  *ControlBlock
	FSM *FSM
	ICC *crypto.ICCContext
	Fid crypto.FiberIDPair // send orientation: Source is the near-end ALFID

	Heartbeat timer.HeartbeatEstimator

	// Bookkeeping timestamps, microseconds on the caller's clock.
	TMigrate      int64 // last state transition
	TLastRecv     int64 // last validated inbound packet
	TSessionBegin int64
	TEarliestSend int64

	tRoundTripUS int64
	tFirstSendUS int64 // first emission awaiting its first matching ack
	lastAckUS    int64
}

// NewEngine wires an Engine over an existing Control Block and FSM.
// icc may be nil until the handshake installs one (INIT_CONNECT and
// ACK_INIT_CONNECT predate any check code).
func NewEngine(cb *ControlBlock, fsm *FSM, icc *crypto.ICCContext, fid crypto.FiberIDPair, nowMicros int64) *Engine {
	return &Engine{
		CB: cb, FSM: fsm, ICC: icc, Fid: fid,
		TMigrate: nowMicros, TLastRecv: nowMicros, TSessionBegin: nowMicros,
	}
}

// NoteTransition stamps a successful FSM transition, restarting the
// transient-state timeout clock.
func (e *Engine) NoteTransition(nowMicros int64) { e.TMigrate = nowMicros }

// RecvWindowAdvert is the receive-window size advertised in every
// outbound header: the number of currently free receive-ring slots.
func (e *Engine) RecvWindowAdvert() uint32 {
	used := e.CB.RecvWindowNextSN - e.CB.RecvWindowFirstSN
	cap32 := uint32(e.CB.recvRing.capacity())
	if used >= cap32 {
		return 0
	}
	return cap32 - used
}

// BuildPacket assembles, seals and serializes one outbound packet:
// fixed header, optional sub-header chain, ICC, payload. The integrity
// field is computed last, over the header chain with that field
// zeroed.
func (e *Engine) BuildPacket(op wire.Opcode, seq uint32, eot bool, subs []interface{}, payload []byte) ([]byte, error) {
	buf := make([]byte, wire.MaxLLSBlockSize)
	hsp := wire.FixedHeaderSize
	if len(subs) > 0 {
		var err error
		hsp, err = wire.EncodeChain(buf, wire.FixedHeaderSize, subs...)
		if err != nil {
			return nil, err
		}
	}

	h := wire.Header{
		Version:    wire.Version,
		Opcode:     op,
		HSP:        uint16(hsp),
		SequenceNo: seq,
		ExpectedSN: e.CB.RecvWindowFirstSN,
		EndOfTrans: eot,
		RecvWindow: e.RecvWindowAdvert(),
	}
	if err := h.Encode(buf); err != nil {
		return nil, err
	}

	ct := payload
	var integrity uint64
	if e.ICC != nil {
		var err error
		integrity, ct, err = e.ICC.Seal(e.Fid, seq, buf[:hsp], payload, h.ExpectedSN)
		if err != nil {
			return nil, err
		}
	}

	pkt := make([]byte, hsp+len(ct))
	copy(pkt, buf[:hsp])
	copy(pkt[hsp:], ct)
	binary.BigEndian.PutUint64(pkt[16:24], integrity)
	return pkt, nil
}

// OpenInbound validates an already-decoded inbound packet's ICC and
// returns its recovered payload. The AEAD nonce is the FiberIDPair as
// the sender transmitted it, so the pair is reversed here relative to
// this side's send orientation. A nil ICC accepts the packet as-is
// (the pre-check-code handshake opcodes).
func (e *Engine) OpenInbound(data []byte, h *wire.Header, nowMicros int64) ([]byte, error) {
	payload := h.Payload(data)
	if e.ICC == nil {
		e.TLastRecv = nowMicros
		return payload, nil
	}
	aad := append([]byte(nil), data[:h.HSP]...)
	for i := 16; i < 24; i++ {
		aad[i] = 0
	}
	pt, err := e.ICC.Open(e.Fid.Reversed(), h.SequenceNo, aad, payload, h.ExpectedSN, h.Integrity)
	if err != nil {
		return nil, err
	}
	e.TLastRecv = nowMicros
	return pt, nil
}

// EmitNext pops the next emittable send slot, builds its packet, and
// advances the send window. ok is false when nothing is emittable or
// send pacing (TEarliestSend) defers emission.
func (e *Engine) EmitNext(nowMicros int64) (pkt []byte, seq uint32, ok bool, err error) {
	if err := e.CB.ValidateInvariants(); err != nil {
		return nil, 0, false, err
	}
	if nowMicros < e.TEarliestSend {
		return nil, 0, false, nil
	}
	seq, slot, ok := e.CB.NextEmittable()
	if !ok {
		return nil, 0, false, nil
	}
	pkt, err = e.BuildPacket(wire.Opcode(slot.Opcode), seq, slot.Flags&EndOfTransaction != 0, nil, slot.Payload)
	if err != nil {
		return nil, 0, false, err
	}
	if err := e.CB.MarkEmitted(seq, nowMicros); err != nil {
		return nil, 0, false, err
	}
	if e.tFirstSendUS == 0 {
		e.tFirstSendUS = nowMicros
	}
	return pkt, seq, true, nil
}

// BuildRetransmit re-seals and re-serializes a previously sent slot
// with a fresh ICC — the expectedSN and window advert may have moved
// since the first emission. The window pointers are untouched.
func (e *Engine) BuildRetransmit(seq uint32, nowMicros int64) ([]byte, error) {
	slot, ok := e.CB.SendSlotAt(seq)
	if !ok || slot.Flags&IsSent == 0 {
		return nil, errors.Errorf("socket: sequence %d not retransmittable", seq)
	}
	pkt, err := e.BuildPacket(wire.Opcode(slot.Opcode), seq, slot.Flags&EndOfTransaction != 0, nil, slot.Payload)
	if err != nil {
		return nil, err
	}
	slot.TimeSent = nowMicros
	return pkt, nil
}

// BuildKeepAlive builds a KEEP_ALIVE carrying the current
// SELECTIVE_NACK picture of the receive ring. The sequence number is
// the next unsent one; KEEP_ALIVE does not consume sequence space.
func (e *Engine) BuildKeepAlive() ([]byte, error) {
	snack := e.CB.GenerateSNACK(snackBudget)
	return e.BuildPacket(wire.KeepAlive, e.CB.SendWindowNextSN, false, []interface{}{snack}, nil)
}

// BuildAckFlush is BuildKeepAlive's commit-received sibling: same
// SNACK content under the ACK_FLUSH opcode.
func (e *Engine) BuildAckFlush() ([]byte, error) {
	snack := e.CB.GenerateSNACK(snackBudget)
	return e.BuildPacket(wire.AckFlush, e.CB.SendWindowNextSN, false, []interface{}{snack}, nil)
}

// OnSNACK applies a validated inbound SNACK (from KEEP_ALIVE or
// ACK_FLUSH): marks acknowledged packets, slides the send window,
// folds the observed ack delay into the RTT estimate, drives the
// commit-acknowledged FSM transition, and returns the sequences due
// for retransmission (older than 2×RTT).
func (e *Engine) OnSNACK(h *wire.SelectiveNackHeader, nowMicros int64) (retransmit []uint32, commitAcked bool) {
	nAck, slid, eotAcked := e.CB.RespondToSNACK(h)

	if nAck > 0 {
		var sample int64
		if e.lastAckUS != 0 {
			sample = nowMicros - e.lastAckUS
		} else if e.tFirstSendUS != 0 {
			sample = nowMicros - e.tFirstSendUS
		}
		if sample > 0 {
			e.observeRTT(sample)
		}
		e.lastAckUS = nowMicros
	}

	if eotAcked {
		if _, err := e.FSM.OnCommitAcked(); err == nil {
			e.TMigrate = nowMicros
			commitAcked = true
		}
	}

	retransmit = e.CB.RetransmitCandidates(h, nowMicros, 2*e.tRoundTripUS)

	if slid > 0 {
		// Pacing recomputed proportionally to how much of the window the
		// slide freed.
		e.TEarliestSend = nowMicros + e.tRoundTripUS/int64(slid+1)
	}
	return retransmit, commitAcked
}

func (e *Engine) observeRTT(sampleUS int64) {
	if e.tRoundTripUS == 0 {
		e.tRoundTripUS = sampleUS
	} else {
		e.tRoundTripUS += (sampleUS - e.tRoundTripUS) >> 3
	}
	e.Heartbeat.Observe(time.Duration(sampleUS) * time.Microsecond)
}

// RoundTripUS exposes the smoothed RTT estimate, microseconds.
func (e *Engine) RoundTripUS() int64 { return e.tRoundTripUS }

// KeepAliveInterval is the current keep-alive/retransmit tempo: the
// heartbeat recurrence clamped below by KeepAliveFloor.
func (e *Engine) KeepAliveInterval() time.Duration {
	iv := e.Heartbeat.Interval(KeepAliveFloor)
	if iv < KeepAliveFloor {
		return KeepAliveFloor
	}
	return iv
}

// TickAction is the timer wheel's verdict for one socket at one tick.
type TickAction struct {
	TimedOut       bool // FSM dropped per the timeout table; notify ULA
	Free           bool // socket reached NON_EXISTENT; return it to the table
	SendKeepAlive  bool
	RetransmitHead bool // re-emit the head of the send queue (EmitStart tempo)
}

// Tick applies the per-state timer behavior and returns what the
// caller should do. Caller holds CB.Mu.
func (e *Engine) Tick(nowMicros int64) TickAction {
	s := e.FSM.State()
	transientUS := TransientStateTimeout.Microseconds()

	switch {
	case s == NonExistent:
		return TickAction{Free: true}

	case s.IsTransient():
		if nowMicros-e.TMigrate > transientUS {
			e.FSM.OnTimeout()
			return TickAction{TimedOut: true, Free: e.FSM.State() == NonExistent}
		}
		switch s {
		case ConnectBootstrap, ConnectAffirming, Challenging, Cloning, Resuming, PreClosed:
			return TickAction{RetransmitHead: true}
		default:
			return TickAction{SendKeepAlive: true}
		}

	case s == Listening:
		return TickAction{}

	case s == Closed:
		if nowMicros-e.TMigrate > transientUS {
			e.FSM.state = NonExistent
			return TickAction{Free: true}
		}
		return TickAction{}

	default: // data states: ESTABLISHED, PEER_COMMIT, COMMITTED, CLOSABLE
		if nowMicros-e.TSessionBegin > MaximumSessionLife.Microseconds() {
			e.FSM.OnTimeout()
			return TickAction{TimedOut: true, Free: true}
		}
		if nowMicros-e.TLastRecv > ScavengeThreshold.Microseconds() {
			if nowMicros-e.TLastRecv > ScavengeThreshold.Microseconds()+transientUS {
				e.FSM.OnTimeout()
				return TickAction{TimedOut: true, Free: true}
			}
			return TickAction{SendKeepAlive: true}
		}
		if s == PeerCommit {
			return TickAction{}
		}
		return TickAction{SendKeepAlive: true}
	}
}
