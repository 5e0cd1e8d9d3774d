package table

import (
	"sync"

	"github.com/jaglee/fsp-lls/internal/crypto"
	"github.com/jaglee/fsp-lls/internal/mobility"
	"github.com/jaglee/fsp-lls/internal/socket"
	"github.com/pkg/errors"
)

// ErrTableFull is returned when neither the free list nor the LRU
// reclaim list has a Socket Item available for allocation.
var ErrTableFull = errors.New("table: no free socket item available")

// RemoteKey is the {remote-host, remote-ALFID, parent-ALFID} triple
// used to look up a child socket created by MULTIPLY.
type RemoteKey struct {
	RemoteHost  string
	RemoteALFID uint32
	ParentALFID uint32
}

// Item is one Socket Table entry: a Socket Item's FSM, its Control
// Block, and the bookkeeping the table needs to place it on the free
// or LRU list.
type Item struct {
	ALFID    uint32
	FSM      *socket.FSM
	CB       *socket.ControlBlock
	Remote   RemoteKey
	reserved bool // allocated but not yet mapped into ULA shared memory

	// ICC and Fid are the Socket Item's private cryptographic context
	// once the handshake has progressed far enough to install one;
	// nil/zero until then, in which case a dispatcher must not place
	// received payload without separately validating it (e.g. the
	// stateless cookie path for INIT_CONNECT/CONNECT_REQUEST).
	ICC *crypto.ICCContext
	Fid crypto.FiberIDPair

	// Engine is the Socket Item's packet engine, wired by the daemon
	// once the item is activated; it shares ICC and Fid with the fields
	// above.
	Engine *socket.Engine

	// HandshakePacket is the last handshake-stage packet emitted, kept
	// so the timer wheel can retransmit it on the keep-alive tempo
	// while the FSM sits in a transient state (ACK_INIT_CONNECT is the
	// one exception: never retransmitted).
	HandshakePacket []byte

	// Addresses is the Socket Item's Address Set: nil until the daemon
	// seeds it with the peer's first known address as home (when it
	// sets up the session, or from the first packet's source if still
	// nil then), after which it tracks care-of promotion across address
	// changes observed on the peer's side.
	Addresses *mobility.AddressSet

	lruPrev, lruNext *Item // nil when not linked into the LRU list
	onLRU            bool
}

// TLB is the Socket Table: indexes Socket Items by near-end ALFID and
// by RemoteKey, and tracks free and reserved-but-unused (LRU) items.
// Allocation, freeing and re-linking serialize on one mutex; lookups
// take only the read side, keeping the per-packet dispatch path on
// the read-mostly fast path.
type TLB struct {
	mu sync.RWMutex

	byALFID   map[uint32]*Item
	byRemote  map[RemoteKey]*Item
	listeners map[uint32]*Item

	free []*Item // unused, fully reset items ready for allocation

	lruHead, lruTail *Item // reserved-but-unused items, oldest at head

	ring *ALFIDRing
}

// NewTLB creates an empty table backed by an ALFID pre-allocation ring
// of the given capacity, which also bounds how many Socket Items the
// table holds at once.
func NewTLB(alfidRingCapacity int) (*TLB, error) {
	ring, err := NewALFIDRing(alfidRingCapacity)
	if err != nil {
		return nil, err
	}
	return &TLB{
		byALFID:   make(map[uint32]*Item),
		byRemote:  make(map[RemoteKey]*Item),
		listeners: make(map[uint32]*Item),
		ring:      ring,
	}, nil
}

// Allocate reserves a fresh Socket Item: pops the free list if
// non-empty, otherwise creates a new item while the table holds fewer
// items than its capacity, otherwise reclaims the LRU list's oldest
// reserved-but-unused item, otherwise fails with ErrTableFull. The
// item's ALFID is the next ring value not already in the table.
func (t *TLB) Allocate(sendCapacity, recvCapacity int) (*Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var it *Item
	if n := len(t.free); n > 0 {
		it = t.free[n-1]
		t.free = t.free[:n-1]
	} else if len(t.byALFID) < len(t.ring.values) {
		it = &Item{}
	} else if t.lruHead != nil {
		it = t.lruHead
		t.unlinkLRULocked(it)
		delete(t.byALFID, it.ALFID)
	} else {
		return nil, errors.WithStack(ErrTableFull)
	}

	for {
		it.ALFID = t.ring.Take()
		if _, inUse := t.byALFID[it.ALFID]; !inUse {
			break
		}
	}
	it.FSM = socket.NewFSM(socket.NonExistent)
	it.CB = socket.NewControlBlock(sendCapacity, recvCapacity)
	it.Remote = RemoteKey{}
	it.ICC = nil
	it.Fid = crypto.FiberIDPair{}
	it.Engine = nil
	it.HandshakePacket = nil
	it.Addresses = nil
	it.reserved = true

	t.byALFID[it.ALFID] = it
	t.linkLRULocked(it)
	return it, nil
}

// BindRemote indexes a Socket Item under a RemoteKey so a later
// MULTIPLY or CONNECT_REQUEST from the same peer resolves to it.
// Returns an error if the key is already bound: when two MULTIPLYs
// race with an identical {host, remote-ALFID, parent-ALFID}, the
// receiver refuses the second.
func (t *TLB) BindRemote(key RemoteKey, it *Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byRemote[key]; ok && existing != it {
		return errors.New("table: remote key already bound to another socket item")
	}
	it.Remote = key
	t.byRemote[key] = it
	return nil
}

// LookupRemote finds a Socket Item by its {remote-host, remote-ALFID,
// parent-ALFID} triple.
func (t *TLB) LookupRemote(key RemoteKey) (*Item, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	it, ok := t.byRemote[key]
	return it, ok
}

// Lookup finds a Socket Item by its near-end ALFID, the Lower
// Interface's dispatch key for every inbound packet.
func (t *TLB) Lookup(alfid uint32) (*Item, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	it, ok := t.byALFID[alfid]
	return it, ok
}

// AdoptALFID rebinds an item under a caller-chosen ALFID (listeners
// may sit on well-known values the random allocator never yields),
// returning the randomly allocated one to the ring.
func (t *TLB) AdoptALFID(it *Item, alfid uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byALFID, it.ALFID)
	t.ring.Reuse(it.ALFID)
	it.ALFID = alfid
	t.byALFID[alfid] = it
}

// Activate marks a reserved item as in-use, taking it off the LRU
// reclaim list.
func (t *TLB) Activate(it *Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if it.onLRU {
		t.unlinkLRULocked(it)
	}
	it.reserved = false
}

// RegisterListener binds a listening ALFID so INIT_CONNECT packets
// addressed to it are routed to the listener's Socket Item rather than
// requiring a prior TLB entry.
func (t *TLB) RegisterListener(alfid uint32, it *Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners[alfid] = it
	t.byALFID[alfid] = it
}

// LookupListener finds the Socket Item listening on alfid.
func (t *TLB) LookupListener(alfid uint32) (*Item, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	it, ok := t.listeners[alfid]
	return it, ok
}

// Free returns a closed Socket Item to the head of the free list and
// releases its ALFID and RemoteKey bindings.
func (t *TLB) Free(it *Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if it.onLRU {
		t.unlinkLRULocked(it)
	}
	delete(t.byALFID, it.ALFID)
	if it.Remote != (RemoteKey{}) {
		delete(t.byRemote, it.Remote)
	}
	delete(t.listeners, it.ALFID)
	t.ring.Reuse(it.ALFID)
	it.FSM = nil
	it.CB = nil
	it.Remote = RemoteKey{}
	it.ICC = nil
	it.Fid = crypto.FiberIDPair{}
	it.Engine = nil
	it.HandshakePacket = nil
	it.Addresses = nil
	t.free = append(t.free, it)
}

func (t *TLB) linkLRULocked(it *Item) {
	it.lruPrev = t.lruTail
	it.lruNext = nil
	if t.lruTail != nil {
		t.lruTail.lruNext = it
	} else {
		t.lruHead = it
	}
	t.lruTail = it
	it.onLRU = true
}

func (t *TLB) unlinkLRULocked(it *Item) {
	if it.lruPrev != nil {
		it.lruPrev.lruNext = it.lruNext
	} else {
		t.lruHead = it.lruNext
	}
	if it.lruNext != nil {
		it.lruNext.lruPrev = it.lruPrev
	} else {
		t.lruTail = it.lruPrev
	}
	it.lruPrev, it.lruNext = nil, nil
	it.onLRU = false
}
