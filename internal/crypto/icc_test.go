package crypto

import "testing"

func TestPreKeyedCRCRoundTrip(t *testing.T) {
	sendFID := FiberIDPair{Source: 100, Peer: 200}
	recvFID := FiberIDPair{Source: 200, Peer: 100}
	keyMaterial := []byte("fixed handshake key material...")

	sender := NewPreKeyed(sendFID, keyMaterial)
	receiver := NewPreKeyed(recvFID, keyMaterial)

	header := make([]byte, 24)
	header[1] = 3 // arbitrary opcode byte
	payload := []byte("hello")

	integrity, ct, err := sender.Seal(sendFID, 1, header, payload, 0)
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}

	pt, err := receiver.Open(recvFID, 1, header, ct, 0, integrity)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if string(pt) != string(payload) {
		t.Fatalf("recovered plaintext %q, want %q", pt, payload)
	}
}

func TestAEADRoundTrip(t *testing.T) {
	fid := FiberIDPair{Source: 1, Peer: 2}
	ctx := &ICCContext{}
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	if err := ctx.InstallKey(key, 1000, 50, 50, false); err != nil {
		t.Fatalf("InstallKey returned error: %v", err)
	}

	header := make([]byte, 24)
	payload := []byte("payload under AEAD")

	integrity, ct, err := ctx.Seal(fid, 60, header, payload, 7)
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}

	pt, err := ctx.Open(fid, 60, header, ct, 7, integrity)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if string(pt) != string(payload) {
		t.Fatalf("recovered plaintext %q, want %q", pt, payload)
	}
}

func TestAEADRejectsWrongSalt(t *testing.T) {
	fid := FiberIDPair{Source: 1, Peer: 2}
	ctx := &ICCContext{}
	key := make([]byte, 32)
	if err := ctx.InstallKey(key, 1000, 50, 50, false); err != nil {
		t.Fatalf("InstallKey returned error: %v", err)
	}

	header := make([]byte, 24)
	integrity, ct, err := ctx.Seal(fid, 60, header, []byte("data"), 7)
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	if _, err := ctx.Open(fid, 60, header, ct, 8, integrity); err == nil {
		t.Fatalf("expected authentication failure with mismatched salt")
	}
}

func TestBlake2bNoEncryptRoundTrip(t *testing.T) {
	fid := FiberIDPair{Source: 9, Peer: 10}
	ctx := &ICCContext{}
	key := []byte("raw-key-for-blake2b-mac-mode")
	if err := ctx.InstallKey(key, 1000, 0, 0, true); err != nil {
		t.Fatalf("InstallKey returned error: %v", err)
	}

	header := make([]byte, 24)
	payload := []byte("unencrypted but authenticated")

	integrity, ct, err := ctx.Seal(fid, 5, header, payload, 0)
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	if string(ct) != string(payload) {
		t.Fatalf("blake2b regime must not alter payload bytes")
	}

	if _, err := ctx.Open(fid, 5, header, ct, 0, integrity); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
}

func TestRegimeSelectionFollowsRotationBoundary(t *testing.T) {
	ctx := &ICCContext{}
	key1 := make([]byte, 32)
	for i := range key1 {
		key1[i] = 1
	}
	if err := ctx.InstallKey(key1, 1000, 0, 0, false); err != nil {
		t.Fatalf("first InstallKey returned error: %v", err)
	}
	key2 := make([]byte, 32)
	for i := range key2 {
		key2[i] = 2
	}
	if err := ctx.InstallKey(key2, 1000, 160, 160, false); err != nil {
		t.Fatalf("second InstallKey returned error: %v", err)
	}

	if sub, isCRC := ctx.regimeForSend(159); isCRC || sub != &ctx.prev {
		t.Fatalf("sequence below rotation boundary must use prev real key without CRC fallback")
	}
	if sub, isCRC := ctx.regimeForSend(160); isCRC || sub != &ctx.curr {
		t.Fatalf("sequence at/above rotation boundary must use curr key")
	}
}

func TestRekeyDuringFlightValidatesUnderBothKeys(t *testing.T) {
	k1 := make([]byte, 32)
	k2 := make([]byte, 32)
	for i := range k2 {
		k2[i] = byte(i + 1)
	}

	sender := &ICCContext{}
	receiver := &ICCContext{}
	if err := sender.InstallKey(k1, 1000, 100, 100, false); err != nil {
		t.Fatalf("InstallKey K1 (sender) returned error: %v", err)
	}
	if err := receiver.InstallKey(k1, 1000, 100, 100, false); err != nil {
		t.Fatalf("InstallKey K1 (receiver) returned error: %v", err)
	}

	fid := FiberIDPair{Source: 1, Peer: 2}
	header := make([]byte, 24)

	// Seal an in-flight packet under K1, then rotate to K2 at 160.
	integrity, ct, err := sender.Seal(fid, 150, header, []byte("under K1"), 0)
	if err != nil {
		t.Fatalf("Seal under K1 returned error: %v", err)
	}
	if err := sender.InstallKey(k2, 1000, 160, 160, false); err != nil {
		t.Fatalf("InstallKey K2 (sender) returned error: %v", err)
	}
	if err := receiver.InstallKey(k2, 1000, 160, 160, false); err != nil {
		t.Fatalf("InstallKey K2 (receiver) returned error: %v", err)
	}

	if _, err := receiver.Open(fid, 150, header, ct, 0, integrity); err != nil {
		t.Fatalf("packet below rotation boundary must validate under previous key: %v", err)
	}

	integrity2, ct2, err := sender.Seal(fid, 165, header, []byte("under K2"), 0)
	if err != nil {
		t.Fatalf("Seal under K2 returned error: %v", err)
	}
	if _, err := receiver.Open(fid, 165, header, ct2, 0, integrity2); err != nil {
		t.Fatalf("packet above rotation boundary must validate under current key: %v", err)
	}

	// Cross-validation must fail: a K1 packet re-tagged with a sequence
	// above the boundary selects K2 and is dropped.
	if _, err := receiver.Open(fid, 165, header, ct, 0, integrity); err == nil {
		t.Fatalf("K1 ciphertext must not validate under K2")
	}
}

func TestDeriveNextKeyDeterministicAndSized(t *testing.T) {
	prevKey := make([]byte, 32)
	for i := range prevKey {
		prevKey[i] = byte(i * 3)
	}

	for _, bits := range []int{128, 256, 384} {
		k1, err := DeriveNextKey(prevKey, 100, 200, 1, 2, bits)
		if err != nil {
			t.Fatalf("DeriveNextKey(%d) returned error: %v", bits, err)
		}
		if len(k1) != bits/8 {
			t.Fatalf("DeriveNextKey(%d) returned %d bytes", bits, len(k1))
		}
		k2, err := DeriveNextKey(prevKey, 100, 200, 1, 2, bits)
		if err != nil {
			t.Fatalf("DeriveNextKey(%d) second call returned error: %v", bits, err)
		}
		if string(k1) != string(k2) {
			t.Fatalf("DeriveNextKey(%d) not deterministic", bits)
		}
	}
}

func TestDeriveNextKeyRejectsUnsupportedLength(t *testing.T) {
	prevKey := make([]byte, 32)
	if _, err := DeriveNextKey(prevKey, 1, 2, 3, 4, 200); err == nil {
		t.Fatalf("expected error for unsupported key length")
	}
}

func TestDeriveNextKeyVariesWithContext(t *testing.T) {
	prevKey := make([]byte, 32)
	k1, _ := DeriveNextKey(prevKey, 1, 2, 10, 20, 128)
	k2, _ := DeriveNextKey(prevKey, 1, 2, 10, 21, 128)
	if string(k1) == string(k2) {
		t.Fatalf("derived keys must depend on responder ALFID context")
	}
}

func TestCookieRoundTrip(t *testing.T) {
	jar, err := NewCookieJar(1_000_000)
	if err != nil {
		t.Fatalf("NewCookieJar returned error: %v", err)
	}
	header := []byte("init-connect-fixed-header-bytes")
	cookie := jar.Issue(1_000_000, header)

	if !jar.Validate(1_000_500, 1_000_000, header, cookie) {
		t.Fatalf("expected cookie to validate within rotation window")
	}
}

func TestCookieRejectsStaleTimestamp(t *testing.T) {
	jar, err := NewCookieJar(0)
	if err != nil {
		t.Fatalf("NewCookieJar returned error: %v", err)
	}
	header := []byte("init-connect-fixed-header-bytes")
	cookie := jar.Issue(0, header)

	staleDelta := cookieRotationWindow + 1
	if jar.Validate(staleDelta, 0, header, cookie) {
		t.Fatalf("expected stale cookie to be rejected")
	}
}

func TestCookieRotationAcceptsPreviousContext(t *testing.T) {
	jar, err := NewCookieJar(0)
	if err != nil {
		t.Fatalf("NewCookieJar returned error: %v", err)
	}
	header := []byte("init-connect-fixed-header-bytes")
	cookie := jar.Issue(0, header)

	if err := jar.MaybeRotate(cookieRotationWindow); err != nil {
		t.Fatalf("MaybeRotate returned error: %v", err)
	}

	if !jar.Validate(cookieRotationWindow, 0, header, cookie) {
		t.Fatalf("expected cookie issued under the old context to still validate against previous")
	}
}

func TestPreKeyedCRCIsDirectional(t *testing.T) {
	fid := FiberIDPair{Source: 100, Peer: 200}
	ctx := NewPreKeyed(fid, []byte("fixed handshake key material..."))

	header := make([]byte, 24)
	payload := []byte("direction matters")

	integrity, _, err := ctx.Seal(fid, 1, header, payload, 0)
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	// Opening with the same context's receive seed must fail: the send
	// and receive directions precompute independent CRC64 seeds.
	if _, err := ctx.Open(fid, 1, header, payload, 0, integrity); err == nil {
		t.Fatalf("expected directional CRC64 seeds to reject a same-side replay")
	}
}

func TestPreKeyedCRCCoversPayload(t *testing.T) {
	sendFID := FiberIDPair{Source: 100, Peer: 200}
	recvFID := FiberIDPair{Source: 200, Peer: 100}
	key := []byte("fixed handshake key material...")
	sender := NewPreKeyed(sendFID, key)
	receiver := NewPreKeyed(recvFID, key)

	header := make([]byte, 24)
	integrity, _, err := sender.Seal(sendFID, 1, header, []byte("genuine"), 0)
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	if _, err := receiver.Open(recvFID, 1, header, []byte("tampered"), 0, integrity); err == nil {
		t.Fatalf("expected payload tampering to fail CRC64 validation")
	}
}

func TestDeriveNextKeyFrom384BitChain(t *testing.T) {
	prevKey := make([]byte, 32)
	for i := range prevKey {
		prevKey[i] = byte(i)
	}
	k384, err := DeriveNextKey(prevKey, 10, 20, 1, 2, 384)
	if err != nil {
		t.Fatalf("DeriveNextKey(384) returned error: %v", err)
	}

	// Deriving again from the 48-byte result exercises the HKDF branch.
	next, err := DeriveNextKey(k384, 30, 40, 1, 2, 256)
	if err != nil {
		t.Fatalf("DeriveNextKey from 384-bit chain returned error: %v", err)
	}
	if len(next) != 32 {
		t.Fatalf("derived key length %d, want 32", len(next))
	}
	again, err := DeriveNextKey(k384, 30, 40, 1, 2, 256)
	if err != nil {
		t.Fatalf("second derivation returned error: %v", err)
	}
	if string(next) != string(again) {
		t.Fatalf("HKDF branch must be deterministic")
	}
}
