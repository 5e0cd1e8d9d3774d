// Package crypto implements the FSP Integrity Check Code (ICC) context:
// the four authentication regimes selected per-packet by sequence
// number (pre-keyed CRC64, saved-CRC fallback, BLAKE2b-keyed MAC, and
// AES-GCM AEAD), key rotation, and MULTIPLY's session-key derivation.
//
// Two key sub-contexts are live at any moment, with the rotation
// boundary encoded in sequence-number space: a packet's sequence
// number alone decides which generation authenticates it, so rekeying
// never stalls the pipeline.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"hash/crc64"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// FiberIDPair uniquely tags one session's direction: on send, Source is
// the near-end ALFID; on receive, Source is the remote-end ALFID.
type FiberIDPair struct {
	Source uint32
	Peer   uint32
}

// Reversed returns the pair as the far end transmits it, the
// orientation inbound AEAD nonces are built from.
func (p FiberIDPair) Reversed() FiberIDPair {
	return FiberIDPair{Source: p.Peer, Peer: p.Source}
}

// bytes returns the pair's 8-byte wire representation (network byte
// order), used both as the CRC64 seed material and as the AEAD nonce.
func (p FiberIDPair) bytes() [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], p.Source)
	binary.BigEndian.PutUint32(b[4:8], p.Peer)
	return b
}

// crc64Table is the ISO polynomial table backing the pre-keyed check
// code.
var crc64Table = crc64.MakeTable(crc64.ISO)

// keySubContext holds one generation of key material: either the raw
// BLAKE2b key (noEncrypt regime) or the AES-GCM AEAD cipher (default
// regime), plus both directions' precomputed CRC64 seeds used before
// any real key exists and briefly after rotation.
type keySubContext struct {
	rawKey         []byte
	aead           cipher.AEAD
	precomputedICC [2]uint64 // [0]=send seed, [1]=recv seed
}

// ICCContext is the LLS-private cryptographic context for one Socket
// Item. Four regimes are selected per packet: pre-keyed CRC64, the
// saved-CRC fallback briefly after the first real key lands, a
// BLAKE2b keyed MAC when encryption is off, and AES-GCM AEAD.
type ICCContext struct {
	curr, prev keySubContext

	keyLife                uint64 // packet budget given to InstallKey for curr, zero while pre-keyed; not decremented per packet
	snFirstSendWithCurrKey uint32
	snFirstRecvWithCurrKey uint32
	preKeyed               bool // curr still holds the pre-keyed CRC64 seeds
	savedCRC               bool // true while packets predating rotation may still validate under the CRC64 seed
	noEncrypt              bool // true selects BLAKE2b-keyed MAC instead of AEAD
}

// NewPreKeyed builds the initial pre-keyed-CRC64 ICC context used from
// CONNECT_REQUEST through ACK_CONNECT_REQ, before any session key
// exists. keyMaterial is the fixed key material baked into the
// handshake (analogous to pControlBlock->connectParams pre-InstallKey).
func NewPreKeyed(fid FiberIDPair, keyMaterial []byte) *ICCContext {
	sendPair := fid.bytes()
	recvPair := FiberIDPair{Source: fid.Peer, Peer: fid.Source}.bytes()

	c := &ICCContext{}
	c.curr.precomputedICC[0] = crc64.Update(crc64.Update(0, crc64Table, sendPair[:]), crc64Table, keyMaterial)
	c.curr.precomputedICC[1] = crc64.Update(crc64.Update(0, crc64Table, recvPair[:]), crc64Table, keyMaterial)
	c.keyLife = 0
	c.preKeyed = true
	return c
}

// InstallKey atomically promotes curr to prev, installs a new key as
// curr, and records the sequence number from which the new key
// authenticates sends. noEncrypt selects the BLAKE2b-keyed-MAC regime
// over AEAD. nextRecvSN is the receive-side counterpart, taken from the
// control block's nextKey$initialSN field.
func (c *ICCContext) InstallKey(key []byte, keyLife uint64, nextSendSN, nextRecvSN uint32, noEncrypt bool) error {
	c.savedCRC = c.preKeyed
	c.preKeyed = false
	c.prev = c.curr
	c.noEncrypt = noEncrypt

	next := keySubContext{}
	if noEncrypt {
		next.rawKey = append([]byte(nil), key...)
	} else {
		block, err := aes.NewCipher(key)
		if err != nil {
			return errors.Wrap(err, "icc: building AES block cipher")
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return errors.Wrap(err, "icc: building GCM AEAD")
		}
		next.aead = aead
		next.rawKey = append([]byte(nil), key...)
	}
	c.curr = next
	c.keyLife = keyLife
	c.snFirstSendWithCurrKey = nextSendSN
	c.snFirstRecvWithCurrKey = nextRecvSN
	return nil
}

// SessionKey returns the raw key material of the current sub-context,
// the input MULTIPLY's DeriveNextKey consumes. Nil before any real key
// is installed.
func (c *ICCContext) SessionKey() []byte { return c.curr.rawKey }

// regimeForSend picks curr or prev for authenticating an outbound
// packet with the given sequence number. A sequence below the rotation
// boundary uses prev: that is the saved-CRC fallback when prev is
// still the pre-keyed context (savedCRC), or the previous real key
// otherwise.
func (c *ICCContext) regimeForSend(seqNo uint32) (*keySubContext, bool) {
	if c.keyLife == 0 {
		return &c.curr, true // pre-keyed CRC64
	}
	if int32(seqNo-c.snFirstSendWithCurrKey) < 0 {
		return &c.prev, c.savedCRC
	}
	return &c.curr, false
}

// regimeForRecv mirrors regimeForSend for the receive direction:
// current validates seqNo >= snFirstRecvWithCurrKey, previous
// everything below it.
func (c *ICCContext) regimeForRecv(seqNo uint32) (*keySubContext, bool) {
	if c.keyLife == 0 {
		return &c.curr, true
	}
	if int32(seqNo-c.snFirstRecvWithCurrKey) < 0 {
		return &c.prev, c.savedCRC
	}
	return &c.curr, false
}

// Seal authenticates an outbound packet and returns its 64-bit
// integrity value together with the payload bytes to transmit: the
// payload unchanged for the CRC64 and BLAKE2b regimes, the ciphertext
// for AEAD (whose integrity value is the first 8 bytes of the GCM tag).
// The caller writes the integrity value into the header. Seal never
// encrypts headerAndAAD, only payload.
//
// headerAndAAD is the fixed header plus optional sub-header chain
// (buf[:hsp]) with the integrity field zeroed by the caller before
// calling Seal. salt is the XOR-salt applied to the AEAD nonce,
// conventionally the packet's ExpectedSN field, precluding salt replay
// across directions.
func (c *ICCContext) Seal(fid FiberIDPair, seqNo uint32, headerAndAAD, payload []byte, salt uint32) (integrity uint64, ciphertext []byte, err error) {
	sub, isCRC := c.regimeForSend(seqNo)
	if isCRC {
		sum := crc64.Update(sub.precomputedICC[0], crc64Table, headerAndAAD)
		return crc64.Update(sum, crc64Table, payload), payload, nil
	}
	if c.noEncrypt {
		if sub.rawKey == nil {
			return 0, nil, errors.New("icc: no key installed for this sequence range")
		}
		mac, err := blake2bKeyedMAC(sub.rawKey, headerAndAAD, payload)
		if err != nil {
			return 0, nil, err
		}
		return mac, payload, nil
	}
	if sub.aead == nil {
		return 0, nil, errors.New("icc: no key installed for this sequence range")
	}
	nonce := nonceFromFiberAndSalt(fid, salt)
	sealed := sub.aead.Seal(nil, nonce[:sub.aead.NonceSize()], payload, headerAndAAD)
	tagStart := len(sealed) - sub.aead.Overhead()
	ct := sealed[:tagStart]
	tag := sealed[tagStart:]
	return binary.BigEndian.Uint64(tag[:8]), ct, nil
}

// Open authenticates and, for the AEAD regime, decrypts an inbound
// packet. It returns the recovered plaintext (identical to ciphertext
// for the CRC64/BLAKE2b regimes) and an error if authentication fails —
// callers must drop the packet silently on error, never report it, so
// there is no oracle for an attacker.
func (c *ICCContext) Open(fid FiberIDPair, seqNo uint32, headerAndAAD, ciphertext []byte, salt uint32, integrity uint64) (plaintext []byte, err error) {
	sub, isCRC := c.regimeForRecv(seqNo)
	if isCRC {
		sum := crc64.Update(sub.precomputedICC[1], crc64Table, headerAndAAD)
		if crc64.Update(sum, crc64Table, ciphertext) != integrity {
			return nil, errors.New("icc: crc64 mismatch")
		}
		return ciphertext, nil
	}
	if c.noEncrypt {
		if sub.rawKey == nil {
			return nil, errors.New("icc: no key installed for this sequence range")
		}
		mac, err := blake2bKeyedMAC(sub.rawKey, headerAndAAD, ciphertext)
		if err != nil {
			return nil, err
		}
		if mac != integrity {
			return nil, errors.New("icc: blake2b mac mismatch")
		}
		return ciphertext, nil
	}
	if sub.aead == nil {
		return nil, errors.New("icc: no key installed for this sequence range")
	}
	nonce := nonceFromFiberAndSalt(fid, salt)
	// The integrity field carries only the first 8 bytes of the GCM tag,
	// which cipher.AEAD.Open cannot check. GCM encrypts in counter mode,
	// so sealing the ciphertext recovers the plaintext, and sealing that
	// plaintext again reproduces the full tag to compare against.
	n := nonce[:sub.aead.NonceSize()]
	pt := sub.aead.Seal(nil, n, ciphertext, headerAndAAD)[:len(ciphertext)]
	resealed := sub.aead.Seal(nil, n, pt, headerAndAAD)
	var tag [8]byte
	binary.BigEndian.PutUint64(tag[:], integrity)
	if subtle.ConstantTimeCompare(resealed[len(pt):len(pt)+8], tag[:]) != 1 {
		return nil, errors.New("icc: aead authentication failed")
	}
	return pt, nil
}

// nonceFromFiberAndSalt builds the AEAD nonce: the FiberIDPair (first 8
// bytes of the fixed header) XORed in its low 32 bits with salt — the
// 32-bit expectedSN field.
func nonceFromFiberAndSalt(fid FiberIDPair, salt uint32) [12]byte {
	var nonce [12]byte
	fb := fid.bytes()
	copy(nonce[:8], fb[:])
	binary.BigEndian.PutUint32(nonce[8:12], salt)
	nonce[4] ^= byte(salt)
	nonce[5] ^= byte(salt >> 8)
	nonce[6] ^= byte(salt >> 16)
	nonce[7] ^= byte(salt >> 24)
	return nonce
}

func blake2bKeyedMAC(key, headerAndAAD, payload []byte) (uint64, error) {
	h, err := blake2b.New(8, key)
	if err != nil {
		return 0, errors.Wrap(err, "icc: building blake2b MAC")
	}
	h.Write(headerAndAAD)
	h.Write(payload)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum), nil
}

// randomKey fills a buffer of the given size with cryptographically
// random bytes; it supplies the AES key of each cookie context.
func randomKey(size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, errors.Wrap(err, "icc: reading random key material")
	}
	return key, nil
}
