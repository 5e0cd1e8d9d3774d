package table

import (
	"net"
	"testing"

	"github.com/jaglee/fsp-lls/internal/crypto"
	"github.com/jaglee/fsp-lls/internal/mobility"
	"github.com/jaglee/fsp-lls/internal/socket"
)

func TestAllocateAssignsUniqueALFIDs(t *testing.T) {
	tlb, err := NewTLB(32)
	if err != nil {
		t.Fatalf("NewTLB returned error: %v", err)
	}
	a, err := tlb.Allocate(8, 8)
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	b, err := tlb.Allocate(8, 8)
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if a.ALFID == b.ALFID {
		t.Fatalf("expected distinct ALFIDs, got %d twice", a.ALFID)
	}
	if _, ok := tlb.Lookup(a.ALFID); !ok {
		t.Fatalf("expected Lookup to find newly allocated item a")
	}
	if _, ok := tlb.Lookup(b.ALFID); !ok {
		t.Fatalf("expected Lookup to find newly allocated item b")
	}
}

func TestBindRemoteRejectsSecondOwner(t *testing.T) {
	tlb, _ := NewTLB(8)
	a, _ := tlb.Allocate(4, 4)
	b, _ := tlb.Allocate(4, 4)

	key := RemoteKey{RemoteHost: "2001:db8::1", RemoteALFID: 100, ParentALFID: 1}
	if err := tlb.BindRemote(key, a); err != nil {
		t.Fatalf("first BindRemote returned error: %v", err)
	}
	if err := tlb.BindRemote(key, b); err == nil {
		t.Fatalf("expected second BindRemote with identical key to be refused")
	}

	got, ok := tlb.LookupRemote(key)
	if !ok || got != a {
		t.Fatalf("expected LookupRemote to resolve to the first binder")
	}
}

func TestFreeRecyclesItemForReallocation(t *testing.T) {
	tlb, _ := NewTLB(8)
	a, _ := tlb.Allocate(4, 4)
	alfid := a.ALFID
	tlb.Free(a)

	if _, ok := tlb.Lookup(alfid); ok {
		t.Fatalf("expected freed item's ALFID binding to be removed")
	}

	b, err := tlb.Allocate(4, 4)
	if err != nil {
		t.Fatalf("Allocate after Free returned error: %v", err)
	}
	if b != a {
		t.Fatalf("expected Allocate to reuse the freed Item struct from the free list")
	}
	if b.FSM == nil || b.FSM.State() != socket.NonExistent {
		t.Fatalf("expected reallocated item to start NON_EXISTENT, got %v", b.FSM.State())
	}
}

func TestActivateRemovesFromLRU(t *testing.T) {
	tlb, _ := NewTLB(8)
	a, _ := tlb.Allocate(4, 4)
	if !a.onLRU {
		t.Fatalf("expected freshly allocated item to sit on the LRU list")
	}
	tlb.Activate(a)
	if a.onLRU {
		t.Fatalf("expected Activate to remove the item from the LRU list")
	}
}

func TestListenerRegistrationAndLookup(t *testing.T) {
	tlb, _ := NewTLB(8)
	l, _ := tlb.Allocate(4, 4)
	tlb.RegisterListener(l.ALFID, l)

	got, ok := tlb.LookupListener(l.ALFID)
	if !ok || got != l {
		t.Fatalf("expected LookupListener to resolve the registered listener")
	}
	if byALFID, ok := tlb.Lookup(l.ALFID); !ok || byALFID != l {
		t.Fatalf("expected a listener to also be reachable via plain Lookup")
	}
}

func TestFreeClearsCryptoAndAddressState(t *testing.T) {
	tlb, _ := NewTLB(8)
	a, _ := tlb.Allocate(4, 4)
	a.ICC = crypto.NewPreKeyed(crypto.FiberIDPair{Source: 1, Peer: 2}, []byte("key"))
	a.Fid = crypto.FiberIDPair{Source: 1, Peer: 2}
	home, _ := net.ResolveUDPAddr("udp", "127.0.0.1:1000")
	a.Addresses = mobility.NewAddressSet(home)

	tlb.Free(a)
	b, err := tlb.Allocate(4, 4)
	if err != nil {
		t.Fatalf("Allocate after Free returned error: %v", err)
	}
	if b != a {
		t.Fatalf("expected Allocate to reuse the freed Item struct")
	}
	if b.ICC != nil {
		t.Fatalf("expected ICC context cleared on reallocation")
	}
	if b.Fid != (crypto.FiberIDPair{}) {
		t.Fatalf("expected FiberIDPair cleared on reallocation, got %+v", b.Fid)
	}
	if b.Addresses != nil {
		t.Fatalf("expected Address Set cleared on reallocation")
	}
}

func TestAllocateReclaimsFromLRUWhenFreeListEmpty(t *testing.T) {
	tlb, err := NewTLB(1)
	if err != nil {
		t.Fatalf("NewTLB returned error: %v", err)
	}
	first, _ := tlb.Allocate(4, 4)
	firstALFID := first.ALFID

	// With capacity 1 the table is full, the free list is empty and
	// first is still reserved-but-unused, so the only candidate is first
	// itself on the LRU list: reclaiming it reuses the same Item struct
	// under a freshly allocated ALFID.
	second, err := tlb.Allocate(4, 4)
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if second != first {
		t.Fatalf("expected the LRU-reclaimed allocation to reuse the same Item struct")
	}
	if second.ALFID == firstALFID {
		t.Fatalf("expected a freshly assigned ALFID distinct from the reclaimed one")
	}
	if _, ok := tlb.Lookup(firstALFID); ok {
		t.Fatalf("expected the reclaimed item's old ALFID binding to be removed")
	}
}

func TestAdoptALFIDRebindsUnderWellKnownValue(t *testing.T) {
	tlb, _ := NewTLB(8)
	it, _ := tlb.Allocate(4, 4)
	random := it.ALFID

	tlb.AdoptALFID(it, 77)
	if it.ALFID != 77 {
		t.Fatalf("expected item rebound under ALFID 77, got %d", it.ALFID)
	}
	if _, ok := tlb.Lookup(77); !ok {
		t.Fatalf("expected Lookup(77) to resolve after adoption")
	}
	if _, ok := tlb.Lookup(random); ok {
		t.Fatalf("expected the randomly allocated ALFID released on adoption")
	}
}
