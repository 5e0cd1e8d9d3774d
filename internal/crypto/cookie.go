package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// cookieRotationWindow is the maximum age, in microseconds, a cookie
// context may reach before a fresh one is rotated in: a signed 32-bit
// microsecond window, roughly 35 minutes 47 seconds.
const cookieRotationWindow = int64(math.MaxInt32)

// cookieContext is one rolling {timestamp, AEAD key} pair.
type cookieContext struct {
	timeStampMicros int64
	aead            cipher.AEAD
}

// CookieJar holds two rolling cookie contexts: a new context is
// rotated in when the current one exceeds the rotation window, and
// cookies are accepted under either context to straddle the rotation
// boundary.
type CookieJar struct {
	mu       sync.Mutex
	current  cookieContext
	previous cookieContext
}

// NewCookieJar creates a jar with a fresh random cookie key and the
// given starting timestamp (microseconds since an arbitrary epoch —
// callers pass a monotonic clock reading).
func NewCookieJar(nowMicros int64) (*CookieJar, error) {
	j := &CookieJar{}
	aead, err := newCookieAEAD()
	if err != nil {
		return nil, err
	}
	j.current = cookieContext{timeStampMicros: nowMicros, aead: aead}
	return j, nil
}

func newCookieAEAD() (cipher.AEAD, error) {
	key, err := randomKey(32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: building cookie AES cipher")
	}
	return cipher.NewGCM(block)
}

// MaybeRotate rotates current into previous and installs a fresh
// context if current has aged past cookieRotationWindow.
func (j *CookieJar) MaybeRotate(nowMicros int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if nowMicros-j.current.timeStampMicros < cookieRotationWindow {
		return nil
	}
	aead, err := newCookieAEAD()
	if err != nil {
		return err
	}
	j.previous = j.current
	j.current = cookieContext{timeStampMicros: nowMicros, aead: aead}
	return nil
}

// Issue computes a stateless cookie for a received INIT_CONNECT: a
// truncated GCM secure hash over the requester's identity bytes, with
// the timestamp as nonce and the rolling AEAD key.
func (j *CookieJar) Issue(nowMicros int64, requesterHeader []byte) uint64 {
	j.mu.Lock()
	ctx := j.current
	j.mu.Unlock()

	var nonce [12]byte
	binary.BigEndian.PutUint64(nonce[:8], uint64(nowMicros))
	tag := gcmSecureHash(ctx.aead, nonce, requesterHeader)
	return binary.BigEndian.Uint64(tag[:8])
}

// Validate checks a cookie echoed back on a CONNECT_REQUEST against
// both rolling contexts. issuedAtMicros is the timestamp the cookie
// claims to have been issued at (carried in the CONNECT_PARAM
// sub-header); it's rejected if its age from nowMicros exceeds the
// rotation window. A cookie arriving Δ microseconds after its
// INIT_CONNECT verifies iff |Δ| ≤ the rotation window.
func (j *CookieJar) Validate(nowMicros, issuedAtMicros int64, requesterHeader []byte, cookie uint64) bool {
	delta := nowMicros - issuedAtMicros
	if delta < 0 {
		delta = -delta
	}
	if delta > cookieRotationWindow {
		return false
	}

	j.mu.Lock()
	current, previous := j.current, j.previous
	j.mu.Unlock()

	var nonce [12]byte
	binary.BigEndian.PutUint64(nonce[:8], uint64(issuedAtMicros))

	for _, ctx := range []cookieContext{current, previous} {
		if ctx.aead == nil {
			continue
		}
		tag := gcmSecureHash(ctx.aead, nonce, requesterHeader)
		if binary.BigEndian.Uint64(tag[:8]) == cookie {
			return true
		}
	}
	return false
}

// NowMicros is a small helper wrapping time.Now for cookie timestamps;
// it exists so tests can avoid real-clock flakiness by constructing
// timestamps directly instead of calling this.
func NowMicros() int64 {
	return time.Now().UnixMicro()
}
