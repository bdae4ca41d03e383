// Package crypto collects the primitive cryptographic operations the
// relay needs: AEAD encrypt/decrypt for packet headers, sealed boxes for
// token exchange, detached signature verification for the router's
// signing key, and the keyed FNV hash used by the packet filter.
//
// Grounded on the teacher's crypto.go (ChaCha20-Poly1305 session keys via
// golang.org/x/crypto/chacha20poly1305) generalized to the AEAD shapes
// spec.md calls for, plus golang.org/x/crypto/nacl/box for the sealed-box
// scheme spec.md names explicitly (X25519 + XSalsa20-Poly1305).
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"hash/fnv"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the ChaCha20-Poly1305 / session private key size.
	KeySize = chacha20poly1305.KeySize // 32

	// BoxNonceSize is the nacl/box nonce size.
	BoxNonceSize = 24

	// BoxOverhead is the nacl/box MAC overhead appended to ciphertext.
	BoxOverhead = box.Overhead // 16

	// BoxPublicKeySize and BoxPrivateKeySize are X25519 key sizes.
	BoxPublicKeySize  = 32
	BoxPrivateKeySize = 32
)

var ErrAuthFailed = errors.New("crypto: authentication failed")

// AEADNonce builds the 12-byte ChaCha20-Poly1305 nonce used for header
// authentication: 0:u32 || sequence:u64, little-endian, per spec.md §4.1.
func AEADNonce(sequence uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	// bytes 0..3 are zero
	putUint64LE(nonce[4:12], sequence)
	return nonce
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

// Seal authenticates (and optionally encrypts) plaintext under key with
// the given sequence-derived nonce and additional data, appending a
// 16-byte Poly1305 tag.
func Seal(key *[KeySize]byte, sequence uint64, additionalData, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := AEADNonce(sequence)
	return aead.Seal(nil, nonce[:], plaintext, additionalData), nil
}

// Open verifies and decrypts a ciphertext produced by Seal.
func Open(key *[KeySize]byte, sequence uint64, additionalData, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := AEADNonce(sequence)
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, additionalData)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// SealBox encrypts plaintext for receiverPublic using senderPrivate,
// returning nonce(24) || ciphertext || mac(16) as a single slice — the
// layout spec.md's token codecs expect.
func SealBox(senderPrivate *[BoxPrivateKeySize]byte, receiverPublic *[BoxPublicKeySize]byte, plaintext []byte) ([]byte, error) {
	var nonce [BoxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sealed := box.Seal(nil, plaintext, &nonce, receiverPublic, senderPrivate)
	out := make([]byte, BoxNonceSize+len(sealed))
	copy(out, nonce[:])
	copy(out[BoxNonceSize:], sealed)
	return out, nil
}

// OpenBox reverses SealBox: senderPublic is the sender's public key,
// receiverPrivate this side's private key.
func OpenBox(senderPublic *[BoxPublicKeySize]byte, receiverPrivate *[BoxPrivateKeySize]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < BoxNonceSize {
		return nil, ErrAuthFailed
	}
	var nonce [BoxNonceSize]byte
	copy(nonce[:], sealed[:BoxNonceSize])
	plaintext, ok := box.Open(nil, sealed[BoxNonceSize:], &nonce, senderPublic, receiverPrivate)
	if !ok {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// SealAnonymousBox produces an anonymous sealed box (ephemeral sender
// keypair discarded after use), returning ephemeralPublic(32) ||
// ciphertext || mac(16). The backend-init proof does not use it: that
// seal must come from the relay's own private key (see SealBoxDetached).
func SealAnonymousBox(receiverPublic *[BoxPublicKeySize]byte, plaintext []byte, nonce *[BoxNonceSize]byte) ([]byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	sealed := box.Seal(nil, plaintext, nonce, receiverPublic, ephPriv)
	out := make([]byte, BoxPublicKeySize+len(sealed))
	copy(out, ephPub[:])
	copy(out[BoxPublicKeySize:], sealed)
	return out, nil
}

// SealBoxDetached seals plaintext for receiverPublic using senderPrivate
// and a caller-supplied nonce, returning the raw ciphertext||mac without
// a prepended nonce — used by the backend-init request in spec.md §4.7,
// whose JSON document carries the nonce and the sealed token as two
// separate base64 fields rather than one concatenated blob.
func SealBoxDetached(senderPrivate *[BoxPrivateKeySize]byte, receiverPublic *[BoxPublicKeySize]byte, nonce *[BoxNonceSize]byte, plaintext []byte) []byte {
	return box.Seal(nil, plaintext, nonce, receiverPublic, senderPrivate)
}

// VerifySignature checks a detached Ed25519 signature over message using
// publicKey. RELAY_ROUTER_PUBLIC_KEY is not passed here: this module uses
// that key only as an X25519 box key (see internal/config).
func VerifySignature(publicKey ed25519.PublicKey, message, signature []byte) bool {
	return ed25519.Verify(publicKey, message, signature)
}

// FNV64a hashes data into a 64-bit FNV-1a digest. Used by the packet
// filter's chonkle computation (spec.md §4.1: "FNV of magic||src||dst||length").
func FNV64a(parts ...[]byte) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write(p) //nolint:errcheck // hash.Hash.Write never errors
	}
	return h.Sum64()
}
