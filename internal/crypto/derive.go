package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

// multiplyLabel is the fixed ASCII label baked into the key-derivation
// construction by the protocol: 26 bytes of "Multiply an FSP
// connection" followed by a terminating NUL.
var multiplyLabel = []byte("Multiply an FSP connection\x00")

// DeriveNextKey derives a child session key for MULTIPLY: a NIST
// SP800-108 counter-mode PRF whose pseudo-random function is a GCM
// secure hash under the previous session's key. initiatorSN is the
// initiator's MULTIPLY packet sequence number, responderSN the
// sequence number it expects the PERSIST/NULCOMMIT acknowledgement
// under; concatenated they form the 64-bit nonce.
//
// keyLenBits must be 128, 256 or 384; anything else is a
// protocol-incoherency error.
func DeriveNextKey(prevKey []byte, initiatorSN, responderSN uint32, initiatorALFID, responderALFID uint32, keyLenBits int) ([]byte, error) {
	if keyLenBits != 128 && keyLenBits != 256 && keyLenBits != 384 {
		return nil, errors.Errorf("crypto: unsupported derived key length %d bits", keyLenBits)
	}

	var nonceSrc [8]byte
	binary.BigEndian.PutUint32(nonceSrc[0:4], initiatorSN)
	binary.BigEndian.PutUint32(nonceSrc[4:8], responderSN)
	nonce := gcmSecureHashNonce(nonceSrc)

	// A 384-bit previous key is not a valid AES key size, so the GCM
	// secure-hash PRF is unavailable for that link of a derivation
	// chain; expand with HKDF instead, keeping the same (nonce, label,
	// context, L) inputs.
	if len(prevKey) != 16 && len(prevKey) != 24 && len(prevKey) != 32 {
		return deriveWithHKDF(prevKey, nonce, initiatorALFID, responderALFID, keyLenBits)
	}

	block, err := aes.NewCipher(prevKey)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: building AES block cipher for key derivation")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: building GCM for key derivation")
	}

	out := make([]byte, 0, keyLenBits/8)
	iterations := (keyLenBits + 127) / 128
	for i := 1; i <= iterations; i++ {
		padded := make([]byte, 40)
		padded[0] = byte(i)
		copy(padded[1:27], multiplyLabel[:26])
		padded[27] = 0
		binary.BigEndian.PutUint32(padded[28:32], initiatorALFID)
		binary.BigEndian.PutUint32(padded[32:36], responderALFID)
		binary.BigEndian.PutUint32(padded[36:40], uint32(keyLenBits))

		block16 := gcmSecureHash(gcm, nonce, padded)
		out = append(out, block16...)
	}
	return out[:keyLenBits/8], nil
}

// deriveWithHKDF is the counter-mode expansion fallback for previous
// keys whose length AES cannot take. Salt is the 64-bit SN nonce, info
// the same label/context/L block the GCM path authenticates.
func deriveWithHKDF(prevKey []byte, nonce [12]byte, initiatorALFID, responderALFID uint32, keyLenBits int) ([]byte, error) {
	info := make([]byte, 0, len(multiplyLabel)+12)
	info = append(info, multiplyLabel...)
	var ctx [12]byte
	binary.BigEndian.PutUint32(ctx[0:4], initiatorALFID)
	binary.BigEndian.PutUint32(ctx[4:8], responderALFID)
	binary.BigEndian.PutUint32(ctx[8:12], uint32(keyLenBits))
	info = append(info, ctx[:]...)

	out := make([]byte, keyLenBits/8)
	r := hkdf.New(sha256.New, prevKey, nonce[:], info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errors.Wrap(err, "crypto: hkdf expansion failed")
	}
	return out, nil
}

// gcmSecureHashNonce expands an 8-byte nonce seed to the 12-byte size
// crypto/cipher's GCM expects, zero-padding the remaining 4 bytes.
func gcmSecureHashNonce(seed [8]byte) [12]byte {
	var n [12]byte
	copy(n[:8], seed[:])
	return n
}

// gcmSecureHash treats GCM-AES as a pseudo-random function: the
// padded counter/label/context block is authenticated as associated
// data and the resulting tag is the PRF output — a GCM run purely to
// get a deterministic 128-bit tag from (key, nonce, message).
func gcmSecureHash(gcm cipher.AEAD, nonce [12]byte, message []byte) []byte {
	sealed := gcm.Seal(nil, nonce[:], nil, message)
	return sealed[:16]
}
