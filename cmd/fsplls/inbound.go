package main

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/jaglee/fsp-lls/internal/crypto"
	"github.com/jaglee/fsp-lls/internal/iface"
	"github.com/jaglee/fsp-lls/internal/mobility"
	"github.com/jaglee/fsp-lls/internal/notice"
	"github.com/jaglee/fsp-lls/internal/socket"
	"github.com/jaglee/fsp-lls/internal/table"
	"github.com/jaglee/fsp-lls/internal/wire"
)

// defaultKeyLife is the packet budget a derived or installed key starts
// with before the ULA is expected to rotate again.
const defaultKeyLife = 1 << 20

// cookieMaterial is the stateless identity a cookie binds: the ALFID
// pair as the requester transmits it plus the connect's initial
// sequence number. The same triple is reproducible from both the
// INIT_CONNECT and the CONNECT_REQUEST that echoes its cookie, which is
// what makes the validation stateless.
func cookieMaterial(remoteALFID, localALFID, sn uint32) []byte {
	var b [12]byte
	binary.BigEndian.PutUint32(b[0:4], remoteALFID)
	binary.BigEndian.PutUint32(b[4:8], localALFID)
	binary.BigEndian.PutUint32(b[8:12], sn)
	return b[:]
}

// Dispatch is the Lower Interface's hand-off point for every inbound
// frame: TLB lookup, ICC validation, then per-opcode processing. A
// malformed packet, an unresolved ALFID and an ICC failure are all
// dropped silently — no oracle for the attacker.
func (d *daemon) Dispatch(f iface.Frame) {
	d.metrics.PacketsReceived.Inc()
	d.metrics.BytesReceived.Add(float64(len(f.Data)))

	var h wire.Header
	if err := h.Decode(f.Data); err != nil {
		return
	}
	now := time.Now().UnixMicro()

	// The three opcodes that resolve outside the per-ALFID engine:
	// INIT_CONNECT and CONNECT_REQUEST are stateless on the responder,
	// MULTIPLY authenticates under a key derived from its parent's.
	switch h.Opcode {
	case wire.InitConnect:
		d.onInitConnect(f, &h, now)
		return
	case wire.ConnectRequest:
		d.onConnectRequest(f, &h, now)
		return
	case wire.Multiply:
		d.onMultiply(f, &h, now)
		return
	}

	it, ok := d.tlb.Lookup(f.LocalALFID)
	if !ok || it.Engine == nil {
		return
	}

	it.CB.Mu.Lock()
	defer it.CB.Mu.Unlock()

	// A CLONING initiator learns the responder's child ALFID from the
	// first reply's source; the derived key's nonce is built from that
	// pair, so adopt it before validating. A CONNECT_AFFIRMING
	// initiator likewise: ACK_CONNECT_REQ arrives from the responder's
	// freshly allocated child, and the pre-keyed CRC64 seeds derive
	// from the new pair.
	if f.RemoteALFID != 0 && f.RemoteALFID != it.Fid.Peer {
		switch {
		case it.FSM.State() == socket.Cloning && (h.Opcode == wire.Persist || h.Opcode == wire.NulCommit):
			it.Fid.Peer = f.RemoteALFID
			it.Engine.Fid = it.Fid
		case it.FSM.State() == socket.ConnectAffirming && h.Opcode == wire.AckConnectReq:
			it.Fid.Peer = f.RemoteALFID
			it.ICC = crypto.NewPreKeyed(it.Fid, d.keyMaterial)
			it.Engine.ICC = it.ICC
			it.Engine.Fid = it.Fid
		}
	}

	// ACK_INIT_CONNECT predates any check code (the pre-keyed CRC64
	// regime starts at CONNECT_REQUEST); the cookie it carries is the
	// only thing protecting the handshake at this point.
	if h.Opcode == wire.AckInitConnect {
		d.trackSourceLocked(it, f.Source)
		d.onAckInitConnectLocked(it, f, &h, now)
		return
	}

	pt, err := it.Engine.OpenInbound(f.Data, &h, now)
	if err != nil {
		return
	}
	d.trackSourceLocked(it, f.Source)

	switch h.Opcode {
	case wire.AckConnectReq:
		d.onAckConnectReqLocked(it, f, &h, now)
	case wire.Reset:
		d.onResetLocked(it)
	case wire.KeepAlive, wire.AckFlush:
		d.onSNACKLocked(it, f, &h, now)
	case wire.Release:
		d.onReleaseLocked(it, now)
	case wire.Persist:
		d.onPersistLocked(it, f, &h, pt, now)
	case wire.PureData, wire.NulCommit:
		d.placeDataLocked(it, &h, pt, now)
	}
}

// onInitConnect is the responder's stateless reaction: issue a cookie
// bound to the requester's identity and answer ACK_INIT_CONNECT
// without allocating anything. ACK_INIT_CONNECT is never
// retransmitted. A replayed INIT_CONNECT is answered again, still
// without allocating anything, with a fresh cookie bound to the
// replay's arrival time, so the replay's cookie differs from the
// first one.
func (d *daemon) onInitConnect(f iface.Frame, h *wire.Header, now int64) {
	if _, ok := d.tlb.LookupListener(f.LocalALFID); !ok {
		return
	}
	if err := d.jar.MaybeRotate(now); err != nil {
		return
	}
	cookie := d.jar.Issue(now, cookieMaterial(f.RemoteALFID, f.LocalALFID, h.SequenceNo))

	buf := make([]byte, wire.MaxLLSBlockSize)
	hsp, err := wire.EncodeChain(buf, wire.FixedHeaderSize, &wire.ConnectParamHeader{
		ListenerALFID: f.LocalALFID,
		TimeDelta:     now,
		Cookie:        cookie,
	})
	if err != nil {
		return
	}
	reply := wire.Header{
		Version:    wire.Version,
		Opcode:     wire.AckInitConnect,
		HSP:        uint16(hsp),
		SequenceNo: h.SequenceNo,
		ExpectedSN: h.SequenceNo,
	}
	if err := reply.Encode(buf); err != nil {
		return
	}
	d.sendRaw(f.LocalALFID, f.RemoteALFID, f.Source, buf[:hsp])
}

// onAckInitConnectLocked advances the initiator: CONNECT_BOOTSTRAP ->
// CONNECT_AFFIRMING, echoing the cookie in a CONNECT_REQUEST sealed
// under the pre-keyed CRC64 regime.
func (d *daemon) onAckInitConnectLocked(it *table.Item, f iface.Frame, h *wire.Header, now int64) {
	param := connectParamFrom(f.Data, h)
	if param == nil {
		return
	}
	if _, err := it.FSM.OnAckInitConnect(); err != nil {
		return // replay or out-of-order: CONNECT_REQUEST already sent
	}
	it.Engine.NoteTransition(now)
	it.CB.Cookie = param.Cookie
	it.CB.ConnectTime = param.TimeDelta

	pkt, err := it.Engine.BuildPacket(wire.ConnectRequest, it.CB.InitialSN, false, []interface{}{
		&wire.ConnectParamHeader{
			ListenerALFID: param.ListenerALFID,
			TimeDelta:     param.TimeDelta,
			Cookie:        param.Cookie,
		},
	}, nil)
	if err != nil {
		return
	}
	it.HandshakePacket = pkt
	d.sendPacketLocked(it, pkt)
}

// onConnectRequest validates the echoed cookie statelessly, then
// allocates the responder's child SCB in CHALLENGING. Replays inside
// the cookie window resolve to the already-allocated child, keeping
// the outcome idempotent on ALFID.
func (d *daemon) onConnectRequest(f iface.Frame, h *wire.Header, now int64) {
	if _, ok := d.tlb.LookupListener(f.LocalALFID); !ok {
		return
	}
	param := connectParamFrom(f.Data, h)
	if param == nil {
		return
	}
	if !d.jar.Validate(now, param.TimeDelta, cookieMaterial(f.RemoteALFID, f.LocalALFID, h.SequenceNo), param.Cookie) {
		return
	}

	// Pre-keyed CRC64 over the whole header chain.
	probe := crypto.NewPreKeyed(crypto.FiberIDPair{Source: f.LocalALFID, Peer: f.RemoteALFID}, d.keyMaterial)
	aad := append([]byte(nil), f.Data[:h.HSP]...)
	for i := 16; i < 24; i++ {
		aad[i] = 0
	}
	if _, err := probe.Open(crypto.FiberIDPair{}, h.SequenceNo, aad, h.Payload(f.Data), h.ExpectedSN, h.Integrity); err != nil {
		return
	}

	key := table.RemoteKey{RemoteHost: hostOf(f.Source), RemoteALFID: f.RemoteALFID, ParentALFID: param.ListenerALFID}
	if _, ok := d.tlb.LookupRemote(key); ok {
		return // replayed CONNECT_REQUEST: the child already exists in CHALLENGING
	}

	it, err := d.tlb.Allocate(d.sndwnd, d.rcvwnd)
	if err != nil {
		d.notices.Post(f.LocalALFID, notice.IPCCannotReturn)
		return
	}
	fid := crypto.FiberIDPair{Source: it.ALFID, Peer: f.RemoteALFID}
	sn := randSN()
	it.Fid = fid
	it.ICC = crypto.NewPreKeyed(fid, d.keyMaterial)
	it.CB.SendWindowLimitSN = sn + uint32(d.sndwnd)
	it.CB.SendWindowFirstSN = sn
	it.CB.SendWindowNextSN = sn
	it.CB.SendBufferNextSN = sn
	it.CB.InitialSN = h.SequenceNo
	it.CB.RecvWindowFirstSN = h.SequenceNo + 1
	it.CB.RecvWindowNextSN = h.SequenceNo + 1
	it.CB.Cookie = param.Cookie
	it.CB.ConnectTime = param.TimeDelta
	it.CB.ParentALFID = param.ListenerALFID
	copy(it.CB.AllowedPrefix[:], param.Subnets[:])
	it.Engine = socket.NewEngine(it.CB, it.FSM, it.ICC, fid, now)
	it.Addresses = mobility.NewAddressSet(f.Source)

	if _, err := it.FSM.OnConnectRequest(); err != nil {
		d.tlb.Free(it)
		return
	}
	if err := d.tlb.BindRemote(key, it); err != nil {
		d.tlb.Free(it)
		return
	}
	d.tlb.Activate(it)
	d.registerHandle(it)
	d.scheduleTimer(it)
	d.metrics.SocketsActive.Inc()

	// The listener's ULA has an accept pending.
	d.notices.Post(f.LocalALFID, notice.Listening)
}

// onAckConnectReqLocked completes the initiator's handshake:
// CONNECT_AFFIRMING -> ESTABLISHED, adopting the responder's allowed
// prefixes. Dispatch has already adopted the responder's freshly
// assigned child ALFID as the session peer before calling this.
func (d *daemon) onAckConnectReqLocked(it *table.Item, f iface.Frame, h *wire.Header, now int64) {
	if _, err := it.FSM.OnAckConnectReq(); err != nil {
		return
	}
	it.Engine.NoteTransition(now)
	it.HandshakePacket = nil
	if sub := peerSubnetsFrom(f.Data, h); sub != nil {
		copy(it.CB.AllowedPrefix[:], sub.Prefixes[:])
	}
	it.CB.RecvWindowFirstSN = h.SequenceNo + 1
	it.CB.RecvWindowNextSN = h.SequenceNo + 1

	// The handshake consumed the initial sequence number on the wire;
	// data starts one past it.
	if it.CB.SendBufferNextSN == it.CB.SendWindowFirstSN {
		it.CB.SendWindowFirstSN++
		it.CB.SendWindowNextSN++
		it.CB.SendBufferNextSN++
	}

	if idx, _, ok := d.connects.FindByALFID(it.ALFID); ok {
		d.connects.Release(idx)
	}
	d.notices.Post(it.ALFID, notice.DataReady)
}

// onResetLocked tears the socket down after a validated RESET, which
// always terminates.
func (d *daemon) onResetLocked(it *table.Item) {
	it.FSM.OnReset()
	d.notices.Post(it.ALFID, notice.Reset)
	d.teardownLocked(it)
}

// onSNACKLocked processes KEEP_ALIVE and ACK_FLUSH: apply the
// SELECTIVE_NACK to the send window, retransmit what the peer reports
// missing, and drive the commit/release acknowledgement transitions.
func (d *daemon) onSNACKLocked(it *table.Item, f iface.Frame, h *wire.Header, now int64) {
	state := it.FSM.State()
	if state == socket.Resuming || state == socket.QuasiActive {
		if _, err := it.FSM.OnResumeConfirmed(); err == nil {
			it.Engine.NoteTransition(now)
			it.HandshakePacket = nil
		}
	}
	if h.Opcode == wire.AckFlush && it.FSM.State() == socket.PreClosed {
		if _, err := it.FSM.OnReleaseAcked(); err == nil {
			it.Engine.NoteTransition(now)
			it.HandshakePacket = nil
		}
	}

	snack := selectiveNackFrom(f.Data, h)
	if snack == nil {
		return
	}
	retransmit, commitAcked := it.Engine.OnSNACK(snack, now)
	if commitAcked {
		it.HandshakePacket = nil
	}
	for _, seq := range retransmit {
		pkt, err := it.Engine.BuildRetransmit(seq, now)
		if err != nil {
			continue
		}
		d.metrics.Retransmits.Inc()
		d.sendPacketLocked(it, pkt)
	}
	d.drainSendLocked(it, now)
}

// onReleaseLocked handles the peer's graceful close.
func (d *daemon) onReleaseLocked(it *table.Item, now int64) {
	a, err := it.FSM.OnReleaseReceived()
	if err != nil {
		return
	}
	it.Engine.NoteTransition(now)
	if a.HasEmit {
		pkt, err := it.Engine.BuildPacket(a.Emit, it.CB.SendWindowNextSN, false, nil, nil)
		if err == nil {
			d.sendPacketLocked(it, pkt)
		}
	}
	// Wake ULA so it observes the end of stream; the CLOSED socket
	// idles out through the timer wheel.
	d.notices.Post(it.ALFID, notice.DataReady)
}

// onPersistLocked resolves PERSIST's three roles: the MULTIPLY
// acknowledgement on a CLONING initiator, the reopening probe on a
// CLOSED or RESUMING socket, and an ordinary data-bearing head packet
// everywhere else.
func (d *daemon) onPersistLocked(it *table.Item, f iface.Frame, h *wire.Header, payload []byte, now int64) {
	switch it.FSM.State() {
	case socket.Cloning:
		if _, err := it.FSM.OnMultiplyAccepted(); err == nil {
			it.Engine.NoteTransition(now)
			it.HandshakePacket = nil
			// The PERSIST/NULCOMMIT reply consumed the responder's
			// first sequence number; its data starts one past it.
			it.CB.RecvWindowFirstSN = h.SequenceNo + 1
			it.CB.RecvWindowNextSN = h.SequenceNo + 1
			d.notices.Post(it.ALFID, notice.DataReady)
		}
	case socket.Closed:
		if _, err := it.FSM.OnPeerResume(); err == nil {
			it.Engine.NoteTransition(now)
			d.notices.Post(it.ALFID, notice.DataReady)
		}
	case socket.Resuming:
		if _, err := it.FSM.OnResumeConfirmed(); err == nil {
			it.Engine.NoteTransition(now)
			it.HandshakePacket = nil
		}
	}
	if len(payload) > 0 {
		d.placeDataLocked(it, h, payload, now)
	}
}

// placeDataLocked stores a validated data packet in the receive ring
// and drives the transaction-boundary transition when it carries
// EndOfTransaction.
func (d *daemon) placeDataLocked(it *table.Item, h *wire.Header, payload []byte, now int64) {
	var flags socket.SlotFlag
	if h.EndOfTrans {
		flags |= socket.EndOfTransaction
	}
	if !it.CB.PlaceReceived(h.SequenceNo, uint8(h.Opcode), flags, payload, now) {
		return
	}
	if h.EndOfTrans {
		if _, err := it.FSM.OnPeerEndOfTransaction(); err == nil {
			it.Engine.NoteTransition(now)
		}
		// Acknowledge the transaction boundary right away so the
		// committer doesn't wait out a keep-alive period for it.
		if pkt, err := it.Engine.BuildAckFlush(); err == nil {
			d.sendPacketLocked(it, pkt)
		}
		d.notices.Post(it.ALFID, notice.ToCommit)
		return
	}
	d.notices.Post(it.ALFID, notice.DataReady)
}

// onMultiply serves the responder side of session multiplication:
// derive the child key from the parent's current session key, validate
// the MULTIPLY under it, install a child SCB indexed by {remote host,
// remote child ALFID, remote parent ALFID}, and answer PERSIST (or
// NULCOMMIT when the MULTIPLY itself closes its transaction) under the
// derived key.
func (d *daemon) onMultiply(f iface.Frame, h *wire.Header, now int64) {
	parent, ok := d.tlb.Lookup(f.LocalALFID)
	if !ok || parent.ICC == nil {
		return
	}
	parent.CB.Mu.Lock()
	parentKey := append([]byte(nil), parent.ICC.SessionKey()...)
	parentRemote := parent.Fid.Peer
	parent.CB.Mu.Unlock()
	if len(parentKey) == 0 {
		return
	}

	derived, err := crypto.DeriveNextKey(parentKey, h.SequenceNo, h.ExpectedSN, f.RemoteALFID, f.LocalALFID, len(parentKey)*8)
	if err != nil {
		return
	}
	icc := &crypto.ICCContext{}
	if err := icc.InstallKey(derived, defaultKeyLife, h.ExpectedSN, h.SequenceNo, false); err != nil {
		return
	}

	aad := append([]byte(nil), f.Data[:h.HSP]...)
	for i := 16; i < 24; i++ {
		aad[i] = 0
	}
	payload, err := icc.Open(crypto.FiberIDPair{Source: f.RemoteALFID, Peer: f.LocalALFID}, h.SequenceNo, aad, h.Payload(f.Data), h.ExpectedSN, h.Integrity)
	if err != nil {
		return // silent: forged or mis-derived MULTIPLY
	}

	key := table.RemoteKey{RemoteHost: hostOf(f.Source), RemoteALFID: f.RemoteALFID, ParentALFID: parentRemote}
	if existing, ok := d.tlb.LookupRemote(key); ok {
		existing.CB.Mu.Lock()
		if existing.CB.InitialSN == h.SequenceNo {
			// The initiator didn't see our answer yet; repeat it.
			d.replyToMultiply(existing, h, now)
			existing.CB.Mu.Unlock()
			return
		}
		existing.CB.Mu.Unlock()
		// Racing MULTIPLYs over the same triple: refuse the second with
		// RESET.
		d.sendResetUnder(icc, f, h)
		return
	}

	child, err := d.tlb.Allocate(d.sndwnd, d.rcvwnd)
	if err != nil {
		return
	}
	fid := crypto.FiberIDPair{Source: child.ALFID, Peer: f.RemoteALFID}
	child.Fid = fid
	child.ICC = icc
	child.CB.InitialSN = h.SequenceNo
	child.CB.ParentALFID = f.LocalALFID
	child.CB.SendWindowFirstSN = h.ExpectedSN
	child.CB.SendWindowNextSN = h.ExpectedSN
	child.CB.SendBufferNextSN = h.ExpectedSN
	child.CB.SendWindowLimitSN = h.ExpectedSN + uint32(d.sndwnd)
	child.CB.RecvWindowFirstSN = h.SequenceNo
	child.CB.RecvWindowNextSN = h.SequenceNo
	child.Engine = socket.NewEngine(child.CB, child.FSM, icc, fid, now)
	child.Addresses = mobility.NewAddressSet(f.Source)

	if err := d.tlb.BindRemote(key, child); err != nil {
		d.tlb.Free(child)
		d.sendResetUnder(icc, f, h)
		return
	}
	d.tlb.Activate(child)

	child.CB.Mu.Lock()
	if _, err := child.FSM.OnMultiplyAccepted(); err != nil {
		child.CB.Mu.Unlock()
		d.tlb.Free(child)
		return
	}
	child.Engine.NoteTransition(now)
	if len(payload) > 0 || h.EndOfTrans {
		d.placeDataLocked(child, h, payload, now)
	}
	d.replyToMultiply(child, h, now)
	// The reply consumed our first sequence number.
	child.CB.SendWindowFirstSN++
	child.CB.SendWindowNextSN++
	child.CB.SendBufferNextSN++
	child.CB.Mu.Unlock()

	d.registerHandle(child)
	d.scheduleTimer(child)
	d.metrics.SocketsActive.Inc()
}

// replyToMultiply answers a MULTIPLY under the derived key. Caller
// holds (or owns exclusively) the child's Control Block.
func (d *daemon) replyToMultiply(child *table.Item, h *wire.Header, now int64) {
	op := wire.Persist
	if h.EndOfTrans {
		op = wire.NulCommit
	}
	pkt, err := child.Engine.BuildPacket(op, h.ExpectedSN, false, nil, nil)
	if err != nil {
		return
	}
	d.sendPacketLocked(child, pkt)
}

// sendResetUnder refuses a MULTIPLY with a RESET sealed under the key
// the refused initiator derived, so the refusal itself authenticates.
func (d *daemon) sendResetUnder(icc *crypto.ICCContext, f iface.Frame, h *wire.Header) {
	buf := make([]byte, wire.FixedHeaderSize)
	reset := wire.Header{
		Version:    wire.Version,
		Opcode:     wire.Reset,
		HSP:        wire.FixedHeaderSize,
		SequenceNo: h.ExpectedSN,
		ExpectedSN: h.SequenceNo,
	}
	if err := reset.Encode(buf); err != nil {
		return
	}
	integrity, _, err := icc.Seal(crypto.FiberIDPair{Source: f.LocalALFID, Peer: f.RemoteALFID}, h.ExpectedSN, buf, nil, h.SequenceNo)
	if err != nil {
		return
	}
	binary.BigEndian.PutUint64(buf[16:24], integrity)
	d.sendRaw(f.LocalALFID, f.RemoteALFID, f.Source, buf)
}

// trackSourceLocked updates it.Addresses with a freshly arrived
// packet's source. The first packet seen on an Item seeds its
// home/care-of address; a later packet from a new address is held
// pending until a further packet from that same address arrives,
// approximating the promoted-only-after-a-validated-round-trip rule
// without this daemon tracking individual acknowledgements. Caller
// holds it.CB.Mu.
func (d *daemon) trackSourceLocked(it *table.Item, src net.Addr) {
	if src == nil {
		return
	}
	if it.Addresses == nil {
		it.Addresses = mobility.NewAddressSet(src)
		return
	}
	if pending := it.Addresses.Pending(); pending != nil && pending.String() == src.String() {
		it.Addresses.ChangeRemoteValidatedIP(src)
		return
	}
	if it.Addresses.CareOf() == nil || it.Addresses.CareOf().String() != src.String() {
		it.Addresses.ObserveSource(src)
	}
}

// connectParamFrom extracts the CONNECT_PARAM sub-header, if present.
func connectParamFrom(data []byte, h *wire.Header) *wire.ConnectParamHeader {
	links, err := wire.DecodeChain(data, wire.FixedHeaderSize, int(h.HSP))
	if err != nil {
		return nil
	}
	for _, l := range links {
		if l.Opcode == wire.ConnectParam {
			p, err := wire.DecodeConnectParam(l.Body)
			if err != nil {
				return nil
			}
			return p
		}
	}
	return nil
}

// peerSubnetsFrom extracts the PEER_SUBNETS sub-header, if present.
func peerSubnetsFrom(data []byte, h *wire.Header) *wire.PeerSubnetsHeader {
	links, err := wire.DecodeChain(data, wire.FixedHeaderSize, int(h.HSP))
	if err != nil {
		return nil
	}
	for _, l := range links {
		if l.Opcode == wire.PeerSubnets {
			p, err := wire.DecodePeerSubnets(l.Body)
			if err != nil {
				return nil
			}
			return p
		}
	}
	return nil
}

// selectiveNackFrom extracts the SELECTIVE_NACK sub-header, if present.
func selectiveNackFrom(data []byte, h *wire.Header) *wire.SelectiveNackHeader {
	links, err := wire.DecodeChain(data, wire.FixedHeaderSize, int(h.HSP))
	if err != nil {
		return nil
	}
	for _, l := range links {
		if l.Opcode == wire.SelectiveNack {
			s, err := wire.DecodeSelectiveNack(l.Body)
			if err != nil {
				return nil
			}
			return s
		}
	}
	return nil
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
