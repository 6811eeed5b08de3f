// Package cryptoverify provides the two cryptographic collaborators spec.md
// §1 treats as "assumed available" and out of scope to implement from
// scratch: DSA verification of SSK blocks, and the symmetric cipher that
// protects transport datagram payloads. Both are pluggable interfaces; the
// concrete implementations here pick a real, ecosystem primitive as a
// stand-in (see DESIGN.md for why an exact DSA implementation is not what
// spec.md is asking for).
package cryptoverify

import (
	"crypto/rand"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/nacl/secretbox"
)

// SSKVerifier verifies a signed-subspace-key block against a public key.
type SSKVerifier interface {
	// Verify reports whether sig is a valid signature over digest under pub.
	Verify(pub PubKey, digest, sig []byte) bool
}

// PubKey is the opaque, wire-decoded public key attached to an SSK.
type PubKey []byte

// ECDSAVerifier is the concrete SSKVerifier used by default: secp256k1
// ECDSA, the signature scheme this repo's dependency set actually ships
// (see DESIGN.md — the spec's own DSA primitive is assumed external, and
// this repo needs *a* working verifier to drive Phase F of the request
// state machine end-to-end in tests).
type ECDSAVerifier struct{}

func (ECDSAVerifier) Verify(pub PubKey, digest, sig []byte) bool {
	p, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return false
	}
	s, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return s.Verify(digest, p)
}

// SessionCipher encrypts/decrypts the per-session transport payload carried
// in every datagram (spec.md §6: "Datagram payload is encrypted with the
// session cipher").
type SessionCipher interface {
	Seal(plaintext []byte) (ciphertext []byte, err error)
	Open(ciphertext []byte) (plaintext []byte, err error)
}

var ErrShortCiphertext = errors.New("cryptoverify: ciphertext shorter than nonce")

// SecretboxCipher implements SessionCipher with NaCl secretbox (XSalsa20 +
// Poly1305), keyed by the session key negotiated when a KeyTracker is
// created (spec.md §3 KeyTracker lifecycle).
type SecretboxCipher struct {
	key [32]byte
}

func NewSecretboxCipher(key [32]byte) *SecretboxCipher {
	return &SecretboxCipher{key: key}
}

func (c *SecretboxCipher) Seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plaintext, &nonce, &c.key), nil
}

func (c *SecretboxCipher) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 24 {
		return nil, ErrShortCiphertext
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	out, ok := secretbox.Open(nil, ciphertext[24:], &nonce, &c.key)
	if !ok {
		return nil, errors.New("cryptoverify: secretbox authentication failed")
	}
	return out, nil
}
