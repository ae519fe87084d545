package tls13

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// keySchedule implements the TLS 1.3 key schedule (RFC 8446, section 7.1)
// for one connection.
type keySchedule struct {
	cipherSuite     uint16
	handshakeSecret []byte

	clientHandshakeKey []byte
	clientHandshakeIV  []byte
	serverHandshakeKey []byte
	serverHandshakeIV  []byte

	clientFinishedKey []byte
	serverFinishedKey []byte

	clientAppKey []byte
	clientAppIV  []byte
	serverAppKey []byte
	serverAppIV  []byte
}

func newKeySchedule(cipherSuite uint16) (*keySchedule, error) {
	switch cipherSuite {
	case TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384, TLS_CHACHA20_POLY1305_SHA256:
		return &keySchedule{cipherSuite: cipherSuite}, nil
	default:
		return nil, fmt.Errorf("unsupported cipher suite: 0x%04x", cipherSuite)
	}
}

func (ks *keySchedule) hashFunc() func() hash.Hash {
	if ks.cipherSuite == TLS_AES_256_GCM_SHA384 {
		return sha512.New384
	}
	return sha256.New
}

func (ks *keySchedule) hashSize() int {
	if ks.cipherSuite == TLS_AES_256_GCM_SHA384 {
		return 48
	}
	return 32
}

func (ks *keySchedule) keyLen() int {
	if ks.cipherSuite == TLS_AES_128_GCM_SHA256 {
		return 16
	}
	return 32
}

const ivLen = 12

// transcriptHash hashes a running handshake transcript with the suite's hash.
func (ks *keySchedule) transcriptHash(transcript []byte) []byte {
	h := ks.hashFunc()()
	h.Write(transcript)
	return h.Sum(nil)
}

// deriveHandshakeKeys runs the schedule up to the handshake traffic keys.
// transcriptHash covers ClientHello..ServerHello.
func (ks *keySchedule) deriveHandshakeKeys(sharedSecret, transcriptHash []byte) {
	hashSize := ks.hashSize()

	// Early Secret = HKDF-Extract(0, 0)
	earlySecret := ks.extract(nil, make([]byte, hashSize))

	// Handshake Secret = HKDF-Extract(Expand(Early, "derived"), ECDHE)
	emptyHash := ks.hashFunc()().Sum(nil)
	derivedSecret := ks.expandLabel(earlySecret, "derived", emptyHash, hashSize)
	ks.handshakeSecret = ks.extract(derivedSecret, sharedSecret)

	clientTrafficSecret := ks.expandLabel(ks.handshakeSecret, "c hs traffic", transcriptHash, hashSize)
	serverTrafficSecret := ks.expandLabel(ks.handshakeSecret, "s hs traffic", transcriptHash, hashSize)

	ks.clientFinishedKey = ks.expandLabel(clientTrafficSecret, "finished", nil, hashSize)
	ks.serverFinishedKey = ks.expandLabel(serverTrafficSecret, "finished", nil, hashSize)

	keyLen := ks.keyLen()
	ks.clientHandshakeKey = ks.expandLabel(clientTrafficSecret, "key", nil, keyLen)
	ks.clientHandshakeIV = ks.expandLabel(clientTrafficSecret, "iv", nil, ivLen)
	ks.serverHandshakeKey = ks.expandLabel(serverTrafficSecret, "key", nil, keyLen)
	ks.serverHandshakeIV = ks.expandLabel(serverTrafficSecret, "iv", nil, ivLen)
}

// deriveApplicationKeys runs the schedule down to the application traffic
// keys. transcriptHash covers ClientHello..server Finished.
func (ks *keySchedule) deriveApplicationKeys(transcriptHash []byte) error {
	if ks.handshakeSecret == nil {
		return fmt.Errorf("handshake secret not derived")
	}
	hashSize := ks.hashSize()

	emptyHash := ks.hashFunc()().Sum(nil)
	derivedMasterSecret := ks.expandLabel(ks.handshakeSecret, "derived", emptyHash, hashSize)
	masterSecret := ks.extract(derivedMasterSecret, make([]byte, hashSize))

	clientAppTrafficSecret := ks.expandLabel(masterSecret, "c ap traffic", transcriptHash, hashSize)
	serverAppTrafficSecret := ks.expandLabel(masterSecret, "s ap traffic", transcriptHash, hashSize)

	keyLen := ks.keyLen()
	ks.clientAppKey = ks.expandLabel(clientAppTrafficSecret, "key", nil, keyLen)
	ks.clientAppIV = ks.expandLabel(clientAppTrafficSecret, "iv", nil, ivLen)
	ks.serverAppKey = ks.expandLabel(serverAppTrafficSecret, "key", nil, keyLen)
	ks.serverAppIV = ks.expandLabel(serverAppTrafficSecret, "iv", nil, ivLen)
	return nil
}

// finishedVerifyData computes the verify_data for a Finished message.
func (ks *keySchedule) finishedVerifyData(finishedKey, transcriptHash []byte) []byte {
	mac := hmac.New(ks.hashFunc(), finishedKey)
	mac.Write(transcriptHash)
	return mac.Sum(nil)
}

func (ks *keySchedule) extract(salt, ikm []byte) []byte {
	if salt == nil {
		salt = make([]byte, ks.hashSize())
	}
	return hkdf.Extract(ks.hashFunc(), ikm, salt)
}

// expandLabel implements HKDF-Expand-Label (RFC 8446, section 7.1).
func (ks *keySchedule) expandLabel(secret []byte, label string, context []byte, length int) []byte {
	hkdfLabel := make([]byte, 0, 2+1+len("tls13 ")+len(label)+1+len(context))
	hkdfLabel = append(hkdfLabel, byte(length>>8), byte(length))
	hkdfLabel = append(hkdfLabel, byte(len("tls13 ")+len(label)))
	hkdfLabel = append(hkdfLabel, "tls13 "...)
	hkdfLabel = append(hkdfLabel, label...)
	hkdfLabel = append(hkdfLabel, byte(len(context)))
	hkdfLabel = append(hkdfLabel, context...)

	reader := hkdf.Expand(ks.hashFunc(), secret, hkdfLabel)
	result := make([]byte, length)
	if _, err := reader.Read(result); err != nil {
		// hkdf.Expand only fails when the requested length exceeds the
		// HKDF limit, which the fixed labels above never do.
		panic(fmt.Sprintf("hkdf expand: %v", err))
	}
	return result
}

func (ks *keySchedule) clientHandshakeAEAD() (*aead, error) {
	return newAEAD(ks.clientHandshakeKey, ks.clientHandshakeIV, ks.cipherSuite)
}

func (ks *keySchedule) serverHandshakeAEAD() (*aead, error) {
	return newAEAD(ks.serverHandshakeKey, ks.serverHandshakeIV, ks.cipherSuite)
}

func (ks *keySchedule) clientApplicationAEAD() (*aead, error) {
	return newAEAD(ks.clientAppKey, ks.clientAppIV, ks.cipherSuite)
}

func (ks *keySchedule) serverApplicationAEAD() (*aead, error) {
	return newAEAD(ks.serverAppKey, ks.serverAppIV, ks.cipherSuite)
}

// aead is one direction of record protection: an AEAD, its static IV and
// the per-record sequence number.
type aead struct {
	c   cipher.AEAD
	iv  []byte
	seq uint64
}

func newAEAD(key, iv []byte, cipherSuite uint16) (*aead, error) {
	var c cipher.AEAD
	var err error

	switch cipherSuite {
	case TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			c, err = cipher.NewGCM(block)
		}
	case TLS_CHACHA20_POLY1305_SHA256:
		c, err = chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unsupported cipher suite: 0x%04x", cipherSuite)
	}
	if err != nil {
		return nil, err
	}

	return &aead{c: c, iv: iv}, nil
}

// nonce is IV XOR sequence number (RFC 8446, section 5.3).
func (a *aead) nonce() []byte {
	nonce := make([]byte, len(a.iv))
	copy(nonce, a.iv)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= byte(a.seq >> (8 * i))
	}
	return nonce
}

func (a *aead) overhead() int {
	return a.c.Overhead()
}

func (a *aead) seal(dst, plaintext, additionalData []byte) []byte {
	out := a.c.Seal(dst, a.nonce(), plaintext, additionalData)
	a.seq++
	return out
}

func (a *aead) open(ciphertext, additionalData []byte) ([]byte, error) {
	plaintext, err := a.c.Open(nil, a.nonce(), ciphertext, additionalData)
	if err != nil {
		return nil, err
	}
	a.seq++
	return plaintext, nil
}
