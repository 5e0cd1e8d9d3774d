// The ULA-facing command surface: each method is one command a
// shared-memory IPC transport would post — these methods are the point
// such a transport would call into. A command that cannot be serviced
// posts a notice instead of wedging.
package main

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/jaglee/fsp-lls/internal/crypto"
	"github.com/jaglee/fsp-lls/internal/dispatch"
	"github.com/jaglee/fsp-lls/internal/iface"
	"github.com/jaglee/fsp-lls/internal/mobility"
	"github.com/jaglee/fsp-lls/internal/notice"
	"github.com/jaglee/fsp-lls/internal/socket"
	"github.com/jaglee/fsp-lls/internal/table"
	"github.com/jaglee/fsp-lls/internal/wire"
)

// randSN draws a random initial sequence number.
func randSN() uint32 {
	var b [4]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		// crypto/rand failing is unrecoverable for a transport daemon;
		// a zero initial SN is still protocol-valid.
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

func (d *daemon) registerHandle(it *table.Item) *dispatch.Handle {
	h := dispatch.NewHandle(it)
	h.Pacer = d.pacer
	d.mu.Lock()
	d.handles[it.ALFID] = h
	d.mu.Unlock()
	return h
}

func (d *daemon) handleFor(alfid uint32) (*dispatch.Handle, bool) {
	d.mu.Lock()
	h, ok := d.handles[alfid]
	d.mu.Unlock()
	return h, ok
}

// dropHandle unwinds a half-built session on a command's error path.
func (d *daemon) dropHandle(it *table.Item) {
	d.mu.Lock()
	delete(d.handles, it.ALFID)
	d.mu.Unlock()
	d.tlb.Free(it)
}

// Listen binds a listener Socket Item under alfid (a well-known value
// is permitted here, unlike random allocation).
func (d *daemon) Listen(alfid uint32) (*dispatch.Handle, error) {
	it, err := d.tlb.Allocate(d.sndwnd, d.rcvwnd)
	if err != nil {
		d.notices.Post(alfid, notice.IPCCannotReturn)
		return nil, err
	}
	if alfid != 0 {
		d.tlb.AdoptALFID(it, alfid)
	}
	h := d.registerHandle(it)
	if _, err := h.Listen(); err != nil {
		d.dropHandle(it)
		return nil, err
	}
	d.tlb.RegisterListener(it.ALFID, it)
	d.tlb.Activate(it)
	d.notices.Post(it.ALFID, notice.Listening)
	return h, nil
}

// Connect starts the initiator handshake toward remote ("host:port")
// and the listener ALFID there, occupying one ConnectRequestQueue slot
// until the handshake resolves.
func (d *daemon) Connect(remote string, remoteALFID uint32) (*dispatch.Handle, error) {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		d.notices.Post(0, notice.NameResolutionFailed)
		return nil, errors.Wrapf(err, "resolving %s", remote)
	}

	it, err := d.tlb.Allocate(d.sndwnd, d.rcvwnd)
	if err != nil {
		d.notices.Post(0, notice.IPCCannotReturn)
		return nil, err
	}
	idx, err := d.connects.Acquire(it.ALFID, remote, remoteALFID)
	if err != nil {
		d.tlb.Free(it)
		return nil, err
	}

	now := time.Now().UnixMicro()
	sn := randSN()
	fid := crypto.FiberIDPair{Source: it.ALFID, Peer: remoteALFID}
	it.Fid = fid
	it.ICC = crypto.NewPreKeyed(fid, d.keyMaterial)
	it.CB.InitialSN = sn
	it.CB.SendWindowFirstSN = sn
	it.CB.SendWindowNextSN = sn
	it.CB.SendBufferNextSN = sn
	it.CB.SendWindowLimitSN = sn + uint32(d.sndwnd)
	it.CB.Salt = randSN()
	it.CB.ConnectTime = now
	it.Engine = socket.NewEngine(it.CB, it.FSM, it.ICC, fid, now)
	it.Addresses = mobility.NewAddressSet(addr)

	h := d.registerHandle(it)
	if _, err := h.Connect(); err != nil {
		d.connects.Release(idx)
		d.dropHandle(it)
		return nil, err
	}
	d.tlb.Activate(it)

	it.CB.Mu.Lock()
	pkt, err := it.Engine.BuildPacket(wire.InitConnect, sn, false, nil, nil)
	if err == nil {
		it.HandshakePacket = pkt
		d.sendPacketLocked(it, pkt)
	}
	it.CB.Mu.Unlock()
	if err != nil {
		d.connects.Release(idx)
		d.dropHandle(it)
		return nil, err
	}

	d.scheduleTimer(it)
	d.metrics.SocketsActive.Inc()
	return h, nil
}

// Accept answers a CHALLENGING child with ACK_CONNECT_REQ, carrying
// the allowed prefixes and landing it in ESTABLISHED.
func (d *daemon) Accept(alfid uint32) error {
	h, ok := d.handleFor(alfid)
	if !ok {
		return errors.Errorf("no socket item for ALFID %d", alfid)
	}
	a, err := h.Accept()
	if err != nil {
		return err
	}
	it := h.Item
	it.CB.Mu.Lock()
	defer it.CB.Mu.Unlock()
	it.Engine.NoteTransition(time.Now().UnixMicro())
	pkt, err := it.Engine.BuildPacket(a.Emit, it.CB.SendWindowFirstSN, false, []interface{}{
		&wire.PeerSubnetsHeader{Prefixes: it.CB.AllowedPrefix},
	}, nil)
	if err != nil {
		return err
	}
	d.sendPacketLocked(it, pkt)
	// ACK_CONNECT_REQ consumed the initial sequence number; data starts
	// one past it.
	it.CB.SendWindowFirstSN++
	it.CB.SendWindowNextSN++
	it.CB.SendBufferNextSN++
	return nil
}

// Send queues one ULA payload on the send ring and drains whatever the
// window permits.
func (d *daemon) Send(alfid uint32, payload []byte) error {
	h, ok := d.handleFor(alfid)
	if !ok {
		return errors.Errorf("no socket item for ALFID %d", alfid)
	}
	if _, err := h.Send(uint8(wire.PureData), payload); err != nil {
		d.notices.Post(alfid, notice.IPCCannotReturn)
		return err
	}
	it := h.Item
	it.CB.Mu.Lock()
	d.drainSendLocked(it, time.Now().UnixMicro())
	it.CB.Mu.Unlock()
	return nil
}

// Commit marks the queued tail with EndOfTransaction, drives the
// local-commit transition, and makes sure at least one keep-alive goes
// out so the peer learns the boundary promptly. When the tail has
// already gone out on the wire (or nothing is queued at all), an empty
// NULCOMMIT is reserved to carry the boundary instead.
func (d *daemon) Commit(alfid uint32) error {
	h, ok := d.handleFor(alfid)
	if !ok {
		return errors.Errorf("no socket item for ALFID %d", alfid)
	}

	needNul := true
	h.Item.CB.Mu.Lock()
	if last := h.Item.CB.SendBufferNextSN; last != h.Item.CB.SendWindowFirstSN {
		if slot, ok := h.Item.CB.SendSlotAt(last - 1); ok && slot.Flags&socket.IsSent == 0 {
			needNul = false
		}
	}
	h.Item.CB.Mu.Unlock()
	if needNul {
		if _, err := h.Send(uint8(wire.NulCommit), nil); err != nil {
			return err
		}
	}

	if _, err := h.Commit(); err != nil {
		return err
	}
	it := h.Item
	now := time.Now().UnixMicro()
	it.CB.Mu.Lock()
	it.Engine.NoteTransition(now)
	d.drainSendLocked(it, now)
	ka, err := it.Engine.BuildKeepAlive()
	if err == nil {
		d.sendPacketLocked(it, ka)
	}
	it.CB.Mu.Unlock()
	return nil
}

// Shutdown drives the graceful close: CLOSABLE -> PRE_CLOSED, emitting
// RELEASE (retransmitted on the keep-alive tempo until acknowledged).
func (d *daemon) Shutdown(alfid uint32) error {
	h, ok := d.handleFor(alfid)
	if !ok {
		return errors.Errorf("no socket item for ALFID %d", alfid)
	}
	a, err := h.Shutdown()
	if err != nil {
		return err
	}
	it := h.Item
	it.CB.Mu.Lock()
	defer it.CB.Mu.Unlock()
	it.Engine.NoteTransition(time.Now().UnixMicro())
	pkt, err := it.Engine.BuildPacket(a.Emit, it.CB.SendWindowNextSN, false, nil, nil)
	if err != nil {
		return err
	}
	it.HandshakePacket = pkt
	d.sendPacketLocked(it, pkt)
	return nil
}

// InstallKey rotates the session key; the receive-side boundary comes
// from the control block's NextKeyInitialSN field.
func (d *daemon) InstallKey(alfid uint32, key []byte, keyLife uint64, nextSendSN uint32, noEncrypt bool) error {
	h, ok := d.handleFor(alfid)
	if !ok {
		return errors.Errorf("no socket item for ALFID %d", alfid)
	}
	return h.InstallKey(key, keyLife, nextSendSN, h.Item.CB.NextKeyInitialSN, noEncrypt)
}

// AdRecvWindow advertises the receive window: ACK_FLUSH in commit-
// received states, KEEP_ALIVE otherwise.
func (d *daemon) AdRecvWindow(alfid uint32) error {
	h, ok := d.handleFor(alfid)
	if !ok {
		return errors.Errorf("no socket item for ALFID %d", alfid)
	}
	kind, err := h.AdRecvWindow()
	if err != nil {
		return err
	}
	it := h.Item
	it.CB.Mu.Lock()
	defer it.CB.Mu.Unlock()
	var pkt []byte
	if kind == dispatch.AdRecvWindowAckFlush {
		pkt, err = it.Engine.BuildAckFlush()
	} else {
		pkt, err = it.Engine.BuildKeepAlive()
	}
	if err != nil {
		return err
	}
	d.sendPacketLocked(it, pkt)
	return nil
}

// Multiply clones an established parent session: derives the child
// key, allocates a new local ALFID, and transmits MULTIPLY carrying
// the first payload under the derived key.
func (d *daemon) Multiply(parentALFID uint32, payload []byte, endOfTransaction bool) (*dispatch.Handle, error) {
	ph, ok := d.handleFor(parentALFID)
	if !ok {
		return nil, errors.Errorf("no socket item for ALFID %d", parentALFID)
	}
	parent := ph.Item

	parent.CB.Mu.Lock()
	var parentKey []byte
	if parent.ICC != nil {
		parentKey = append([]byte(nil), parent.ICC.SessionKey()...)
	}
	parentRemote := parent.Fid.Peer
	var remoteAddr net.Addr
	if parent.Addresses != nil {
		remoteAddr = parent.Addresses.CareOf()
	}
	parentState := parent.FSM.State()
	parent.CB.Mu.Unlock()
	if len(parentKey) == 0 {
		return nil, errors.New("parent session has no installed key to derive from")
	}
	if remoteAddr == nil {
		return nil, errors.New("parent session has no validated peer address")
	}

	child, err := d.tlb.Allocate(d.sndwnd, d.rcvwnd)
	if err != nil {
		d.notices.Post(parentALFID, notice.IPCCannotReturn)
		return nil, err
	}
	now := time.Now().UnixMicro()
	initSN := randSN()
	expectSN := randSN()
	derived, err := crypto.DeriveNextKey(parentKey, initSN, expectSN, child.ALFID, parentRemote, len(parentKey)*8)
	if err != nil {
		d.tlb.Free(child)
		return nil, err
	}
	icc := &crypto.ICCContext{}
	if err := icc.InstallKey(derived, defaultKeyLife, initSN, expectSN, false); err != nil {
		d.tlb.Free(child)
		return nil, err
	}

	// Until the responder's PERSIST reveals its child ALFID, the peer
	// is addressed by the remote parent.
	fid := crypto.FiberIDPair{Source: child.ALFID, Peer: parentRemote}
	child.Fid = fid
	child.ICC = icc
	child.CB.InitialSN = initSN
	child.CB.ParentALFID = parentALFID
	child.CB.SendWindowFirstSN = initSN
	child.CB.SendWindowNextSN = initSN
	child.CB.SendBufferNextSN = initSN
	child.CB.SendWindowLimitSN = initSN + uint32(d.sndwnd)
	child.CB.RecvWindowFirstSN = expectSN
	child.CB.RecvWindowNextSN = expectSN
	child.FSM = socket.NewFSM(parentState)
	child.Engine = socket.NewEngine(child.CB, child.FSM, icc, fid, now)
	child.Addresses = mobility.NewAddressSet(remoteAddr)

	h := d.registerHandle(child)
	if _, err := h.Multiply(); err != nil {
		d.dropHandle(child)
		return nil, err
	}
	d.tlb.Activate(child)

	child.CB.Mu.Lock()
	pkt, err := child.Engine.BuildPacket(wire.Multiply, initSN, endOfTransaction, nil, payload)
	if err == nil {
		child.HandshakePacket = pkt
		d.sendMultiplyLocked(child, parentRemote, pkt)
		// MULTIPLY carried the first payload at initSN; further data
		// starts one past it.
		child.CB.SendWindowFirstSN++
		child.CB.SendWindowNextSN++
		child.CB.SendBufferNextSN++
	}
	child.CB.Mu.Unlock()
	if err != nil {
		return nil, err
	}

	d.scheduleTimer(child)
	d.metrics.SocketsActive.Inc()
	return h, nil
}

// Reject aborts a session on operator request: RESET to the peer if
// the handshake completed, then teardown.
func (d *daemon) Reject(alfid uint32) {
	h, ok := d.handleFor(alfid)
	if !ok {
		return
	}
	it := h.Item
	cb := it.CB
	cb.Mu.Lock()
	if it.FSM.State() >= socket.Established && it.Engine != nil {
		if pkt, err := it.Engine.BuildPacket(wire.Reset, cb.SendWindowNextSN, false, nil, nil); err == nil {
			d.sendPacketLocked(it, pkt)
		}
	}
	cb.Mu.Unlock()

	a := h.Reject()
	if a.HasNotify {
		d.notices.Post(alfid, a.Notify)
	}
	cb.Mu.Lock()
	d.teardownLocked(it)
	cb.Mu.Unlock()
}

// Recycle returns a finished socket to the free list.
func (d *daemon) Recycle(alfid uint32) {
	h, ok := d.handleFor(alfid)
	if !ok {
		return
	}
	if !h.Recycle() {
		return
	}
	it := h.Item
	cb := it.CB
	cb.Mu.Lock()
	d.teardownLocked(it)
	cb.Mu.Unlock()
}

// drainSendLocked emits everything the send window currently permits.
// Caller holds it.CB.Mu.
func (d *daemon) drainSendLocked(it *table.Item, now int64) {
	for {
		pkt, _, ok, err := it.Engine.EmitNext(now)
		if err != nil {
			if errors.Is(errors.Cause(err), socket.ErrMemoryCorruption) {
				d.metrics.MemoryCorruptions.Inc()
				d.notices.Post(it.ALFID, notice.MemoryCorruption)
				it.FSM.OnReset()
				d.notices.Post(it.ALFID, notice.Reset)
			}
			return
		}
		if !ok {
			return
		}
		d.sendPacketLocked(it, pkt)
	}
}

// sendPacketLocked encapsulates and transmits one packet to the item's
// current care-of address. Caller holds it.CB.Mu (Addresses is guarded
// by it).
func (d *daemon) sendPacketLocked(it *table.Item, pkt []byte) {
	if it.Addresses == nil {
		return
	}
	to := it.Addresses.CareOf()
	if to == nil {
		return
	}
	d.sendRaw(it.Fid.Source, it.Fid.Peer, to, pkt)
}

// sendMultiplyLocked addresses the first MULTIPLY at the remote parent
// rather than the (not yet known) remote child.
func (d *daemon) sendMultiplyLocked(child *table.Item, remoteParent uint32, pkt []byte) {
	if child.Addresses == nil {
		return
	}
	to := child.Addresses.CareOf()
	if to == nil {
		return
	}
	d.sendRaw(child.Fid.Source, remoteParent, to, pkt)
}

// sendRaw writes one fully-built packet with the UDP tunnel's
// ALFID-pair prefix.
func (d *daemon) sendRaw(srcALFID, dstALFID uint32, to net.Addr, pkt []byte) {
	wired := iface.Encapsulate(srcALFID, dstALFID, pkt)
	if err := d.li.Send(nil, to, wired); err != nil {
		return
	}
	d.metrics.PacketsSent.Inc()
	d.metrics.BytesSent.Add(float64(len(wired)))
}

// scheduleTimer arms the per-socket periodic callback. The interval is
// re-derived from the heartbeat estimator after every firing.
func (d *daemon) scheduleTimer(it *table.Item) {
	first := time.Now().Add(d.heartbeat)
	d.wheel.Schedule(it.ALFID, first, func(now time.Time) (time.Time, bool) {
		return d.tick(it, now)
	})
}

func (d *daemon) tick(it *table.Item, now time.Time) (time.Time, bool) {
	cb := it.CB
	if cb == nil {
		return time.Time{}, false
	}
	cb.Mu.Lock()
	eng := it.Engine
	if eng == nil {
		cb.Mu.Unlock()
		return time.Time{}, false
	}
	nowUS := now.UnixMicro()
	act := eng.Tick(nowUS)

	var out [][]byte
	if act.SendKeepAlive {
		if pkt, err := eng.BuildKeepAlive(); err == nil {
			out = append(out, pkt)
		}
	}
	if act.RetransmitHead {
		if it.HandshakePacket != nil {
			out = append(out, it.HandshakePacket)
		} else if pkt, err := eng.BuildRetransmit(it.CB.SendWindowFirstSN, nowUS); err == nil {
			d.metrics.Retransmits.Inc()
			out = append(out, pkt)
		}
	}
	for _, pkt := range out {
		d.sendPacketLocked(it, pkt)
	}
	if act.TimedOut {
		d.notices.Post(it.ALFID, notice.Timeout)
	}
	if act.Free {
		d.teardownLocked(it)
		cb.Mu.Unlock()
		return time.Time{}, false
	}
	interval := eng.KeepAliveInterval()
	if !eng.Heartbeat.Primed() {
		// No RTT sample yet: stay on the configured pre-handshake tempo.
		interval = d.heartbeat
	}
	cb.Mu.Unlock()
	return now.Add(interval), true
}

// teardownLocked unlinks a finished socket from the handle map and,
// once its FSM is terminal, returns it to the table. Caller holds
// it.CB.Mu; the timer entry self-cancels by returning false from its
// next firing, and Wheel.Cancel covers teardown from a non-timer path.
func (d *daemon) teardownLocked(it *table.Item) {
	d.mu.Lock()
	delete(d.handles, it.ALFID)
	d.mu.Unlock()
	d.wheel.Cancel(it.ALFID)
	d.metrics.SocketsActive.Dec()
	if idx, _, ok := d.connects.FindByALFID(it.ALFID); ok {
		d.connects.Release(idx)
	}
	d.tlb.Free(it)
}

// probePeers sends a KEEP_ALIVE to every live session after a local
// address change: the probe revalidates the remote peer under the new
// address and lets the far end promote it to care-of once a further
// packet from the same address follows.
func (d *daemon) probePeers() {
	d.mu.Lock()
	handles := make([]*dispatch.Handle, 0, len(d.handles))
	for _, h := range d.handles {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	for _, h := range handles {
		it := h.Item
		cb := it.CB
		if cb == nil {
			continue
		}
		cb.Mu.Lock()
		if it.Engine != nil && !it.FSM.State().IsTransient() && it.FSM.State() != socket.Listening {
			if pkt, err := it.Engine.BuildKeepAlive(); err == nil {
				d.sendPacketLocked(it, pkt)
			}
		}
		cb.Mu.Unlock()
	}
}
