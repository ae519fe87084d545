package tls13

import (
	"bytes"
	"testing"
)

var allSuites = []uint16{
	TLS_AES_128_GCM_SHA256,
	TLS_AES_256_GCM_SHA384,
	TLS_CHACHA20_POLY1305_SHA256,
}

func suiteName(suite uint16) string {
	switch suite {
	case TLS_AES_128_GCM_SHA256:
		return "AES_128_GCM_SHA256"
	case TLS_AES_256_GCM_SHA384:
		return "AES_256_GCM_SHA384"
	case TLS_CHACHA20_POLY1305_SHA256:
		return "CHACHA20_POLY1305_SHA256"
	default:
		return "unknown"
	}
}

func TestNewKeyScheduleRejectsUnknownSuite(t *testing.T) {
	if _, err := newKeySchedule(0x1399); err == nil {
		t.Fatal("expected error for unknown cipher suite")
	}
	if _, err := newKeySchedule(0xc02f); err == nil {
		t.Fatal("TLS 1.2 suites must be rejected")
	}
}

func TestExpandLabel(t *testing.T) {
	ks, err := newKeySchedule(TLS_AES_128_GCM_SHA256)
	if err != nil {
		t.Fatalf("newKeySchedule: %v", err)
	}
	secret := bytes.Repeat([]byte{0x0b}, 32)

	out := ks.expandLabel(secret, "key", nil, 16)
	if len(out) != 16 {
		t.Fatalf("expandLabel length = %d, want 16", len(out))
	}
	again := ks.expandLabel(secret, "key", nil, 16)
	if !bytes.Equal(out, again) {
		t.Error("expandLabel is not deterministic")
	}
	other := ks.expandLabel(secret, "iv", nil, 16)
	if bytes.Equal(out, other) {
		t.Error("different labels produced the same output")
	}
}

func TestDeriveHandshakeKeys(t *testing.T) {
	for _, suite := range allSuites {
		t.Run(suiteName(suite), func(t *testing.T) {
			ks, err := newKeySchedule(suite)
			if err != nil {
				t.Fatalf("newKeySchedule: %v", err)
			}
			shared := bytes.Repeat([]byte{0x42}, 32)
			th := ks.transcriptHash([]byte("client hello server hello"))
			ks.deriveHandshakeKeys(shared, th)

			if len(ks.clientHandshakeKey) != ks.keyLen() {
				t.Errorf("client key length = %d, want %d", len(ks.clientHandshakeKey), ks.keyLen())
			}
			if len(ks.clientHandshakeIV) != ivLen || len(ks.serverHandshakeIV) != ivLen {
				t.Error("IV length mismatch")
			}
			if bytes.Equal(ks.clientHandshakeKey, ks.serverHandshakeKey) {
				t.Error("client and server handshake keys are identical")
			}
			if bytes.Equal(ks.clientFinishedKey, ks.serverFinishedKey) {
				t.Error("client and server finished keys are identical")
			}
		})
	}
}

func TestDeriveApplicationKeys(t *testing.T) {
	ks, err := newKeySchedule(TLS_AES_256_GCM_SHA384)
	if err != nil {
		t.Fatalf("newKeySchedule: %v", err)
	}

	// Application keys require the handshake secret first.
	if err := ks.deriveApplicationKeys(ks.transcriptHash(nil)); err == nil {
		t.Fatal("deriveApplicationKeys should fail before deriveHandshakeKeys")
	}

	shared := bytes.Repeat([]byte{0x42}, 32)
	ks.deriveHandshakeKeys(shared, ks.transcriptHash([]byte("hellos")))
	if err := ks.deriveApplicationKeys(ks.transcriptHash([]byte("full transcript"))); err != nil {
		t.Fatalf("deriveApplicationKeys: %v", err)
	}

	if len(ks.clientAppKey) != 32 || len(ks.serverAppKey) != 32 {
		t.Error("application key length mismatch for AES-256")
	}
	if bytes.Equal(ks.clientAppKey, ks.serverAppKey) {
		t.Error("client and server application keys are identical")
	}
	if bytes.Equal(ks.clientAppKey, ks.clientHandshakeKey) {
		t.Error("application key equals handshake key")
	}
}

func TestFinishedVerifyData(t *testing.T) {
	ks, err := newKeySchedule(TLS_AES_128_GCM_SHA256)
	if err != nil {
		t.Fatalf("newKeySchedule: %v", err)
	}
	key := bytes.Repeat([]byte{0x01}, 32)
	th := ks.transcriptHash([]byte("transcript"))

	vd := ks.finishedVerifyData(key, th)
	if len(vd) != ks.hashSize() {
		t.Errorf("verify_data length = %d, want %d", len(vd), ks.hashSize())
	}
	if !bytes.Equal(vd, ks.finishedVerifyData(key, th)) {
		t.Error("verify_data is not deterministic")
	}
	otherKey := bytes.Repeat([]byte{0x02}, 32)
	if bytes.Equal(vd, ks.finishedVerifyData(otherKey, th)) {
		t.Error("different finished keys produced the same verify_data")
	}
}

func TestAEADNonceSequence(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	iv := bytes.Repeat([]byte{0x22}, ivLen)

	a, err := newAEAD(key, iv, TLS_AES_128_GCM_SHA256)
	if err != nil {
		t.Fatalf("newAEAD: %v", err)
	}

	n0 := a.nonce()
	if !bytes.Equal(n0, iv) {
		t.Error("nonce at sequence 0 should equal the static IV")
	}
	a.seq = 1
	n1 := a.nonce()
	if bytes.Equal(n0, n1) {
		t.Error("nonce did not change with the sequence number")
	}
	if n1[len(n1)-1] != iv[len(iv)-1]^0x01 {
		t.Error("sequence number not XORed into the low-order nonce bytes")
	}
}

func TestAEADSealOpenRoundTrip(t *testing.T) {
	for _, suite := range allSuites {
		t.Run(suiteName(suite), func(t *testing.T) {
			ks, err := newKeySchedule(suite)
			if err != nil {
				t.Fatalf("newKeySchedule: %v", err)
			}
			key := bytes.Repeat([]byte{0x33}, ks.keyLen())
			iv := bytes.Repeat([]byte{0x44}, ivLen)

			sender, err := newAEAD(key, iv, suite)
			if err != nil {
				t.Fatalf("newAEAD: %v", err)
			}
			receiver, err := newAEAD(key, iv, suite)
			if err != nil {
				t.Fatalf("newAEAD: %v", err)
			}

			ad := []byte{23, 3, 3, 0, 0}
			for i, msg := range [][]byte{[]byte("first"), []byte("second"), []byte("third")} {
				sealed := sender.seal(nil, msg, ad)
				opened, err := receiver.open(sealed, ad)
				if err != nil {
					t.Fatalf("open record %d: %v", i, err)
				}
				if !bytes.Equal(opened, msg) {
					t.Fatalf("record %d roundtrip = %q, want %q", i, opened, msg)
				}
			}

			// A receiver whose sequence number has drifted must reject.
			stale, err := newAEAD(key, iv, suite)
			if err != nil {
				t.Fatalf("newAEAD: %v", err)
			}
			stale.seq = 7
			sealed := sender.seal(nil, []byte("drift"), ad)
			if _, err := stale.open(sealed, ad); err == nil {
				t.Error("open succeeded despite sequence number mismatch")
			}
		})
	}
}

func TestAEADRejectsWrongKeyLength(t *testing.T) {
	iv := make([]byte, ivLen)
	if _, err := newAEAD(make([]byte, 16), iv, TLS_CHACHA20_POLY1305_SHA256); err == nil {
		t.Error("ChaCha20-Poly1305 accepted a 16-byte key")
	}
	if _, err := newAEAD(make([]byte, 17), iv, TLS_AES_128_GCM_SHA256); err == nil {
		t.Error("AES accepted a 17-byte key")
	}
}
