package dispatch

import (
	"errors"
	"testing"
)

func TestConnectQueueAcquireReleaseCycle(t *testing.T) {
	q := NewConnectRequestQueue(2)

	i1, err := q.Acquire(100, "host-a", 1)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	i2, err := q.Acquire(200, "host-b", 2)
	if err != nil {
		t.Fatalf("second Acquire returned error: %v", err)
	}
	if i1 == i2 {
		t.Fatalf("two pending connects must own distinct indices")
	}

	if _, err := q.Acquire(300, "host-c", 3); !errors.Is(err, ErrConnectQueueFull) {
		t.Fatalf("expected ErrConnectQueueFull, got %v", err)
	}

	q.Release(i1)
	if _, err := q.Acquire(300, "host-c", 3); err != nil {
		t.Fatalf("Acquire after Release returned error: %v", err)
	}
}

func TestConnectQueueFindByALFID(t *testing.T) {
	q := NewConnectRequestQueue(4)
	idx, err := q.Acquire(777, "peer", 9)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}

	foundIdx, req, ok := q.FindByALFID(777)
	if !ok || foundIdx != idx || req.RemoteHost != "peer" || req.RemoteFID != 9 {
		t.Fatalf("FindByALFID returned %v %+v %v", foundIdx, req, ok)
	}

	q.Release(idx)
	if _, _, ok := q.FindByALFID(777); ok {
		t.Fatalf("released slot must not resolve by ALFID")
	}
}

func TestConnectQueueGetRejectsUnownedSlot(t *testing.T) {
	q := NewConnectRequestQueue(1)
	if _, ok := q.Get(0); ok {
		t.Fatalf("empty slot must not be gettable")
	}
	if _, ok := q.Get(5); ok {
		t.Fatalf("out-of-range index must not be gettable")
	}
}
