// Package table implements the Socket Table (TLB): a fixed-capacity
// pool of Socket Items indexed by near-end ALFID and by
// {remote-host, remote-ALFID, parent-ALFID}, a free list, an LRU
// reclaim list for reserved-but-unused items, and the ALFID
// pre-allocation ring.
package table

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// LastWellKnownALFID bounds the reserved range below which ALFIDs are
// never randomly allocated.
const LastWellKnownALFID uint32 = 1024

// ALFIDRing is a pre-filled ring of random 32-bit candidate ALFIDs,
// generated by an AES-block-cipher-driven running nonce. The whole
// ring is filled up front: allocation must reject well-known and
// in-use values, and a reused ID is pushed to the tail so the head
// always holds the freshest candidate.
type ALFIDRing struct {
	mu     sync.Mutex
	block  cipher.Block
	seed   [aes.BlockSize]byte
	values []uint32
	head   int
}

// NewALFIDRing creates a ring of the given capacity, pre-filled with
// random candidates above LastWellKnownALFID.
func NewALFIDRing(capacity int) (*ALFIDRing, error) {
	var key [16]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, errors.Wrap(err, "table: seeding ALFID ring key")
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "table: building ALFID ring cipher")
	}
	r := &ALFIDRing{block: block, values: make([]uint32, capacity)}
	if _, err := io.ReadFull(rand.Reader, r.seed[:]); err != nil {
		return nil, errors.Wrap(err, "table: seeding ALFID ring nonce")
	}
	for i := range r.values {
		r.values[i] = r.next()
	}
	return r, nil
}

func (r *ALFIDRing) next() uint32 {
	for {
		r.block.Encrypt(r.seed[:], r.seed[:])
		v := binary.BigEndian.Uint32(r.seed[:4])
		if v > LastWellKnownALFID {
			return v
		}
	}
}

// Take pops the head candidate and refills the ring by pushing a fresh
// value to the tail, keeping the ring's monotonic freshness bound.
func (r *ALFIDRing) Take() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.values[r.head]
	r.values[r.head] = r.next()
	r.head = (r.head + 1) % len(r.values)
	return v
}

// Reuse pushes a freed ALFID back in at the tail rather than the head,
// so it is the least-fresh candidate available for reallocation.
func (r *ALFIDRing) Reuse(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tail := (r.head - 1 + len(r.values)) % len(r.values)
	r.values[tail] = id
}
