package cryptoverify

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/require"
)

func TestECDSAVerifierAcceptsValidSignature(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	digest := []byte("32-byte-ish digest of an SSK block")
	sig := ecdsa.Sign(priv, digest)

	ok := ECDSAVerifier{}.Verify(PubKey(priv.PubKey().SerializeCompressed()), digest, sig.Serialize())
	require.True(t, ok)
}

func TestECDSAVerifierRejectsWrongKey(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	other, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	digest := []byte("digest")
	sig := ecdsa.Sign(priv, digest)

	ok := ECDSAVerifier{}.Verify(PubKey(other.PubKey().SerializeCompressed()), digest, sig.Serialize())
	require.False(t, ok)
}

func TestECDSAVerifierRejectsGarbage(t *testing.T) {
	ok := ECDSAVerifier{}.Verify(PubKey([]byte("not a key")), []byte("digest"), []byte("not a sig"))
	require.False(t, ok)
}

func TestSecretboxRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	c := NewSecretboxCipher(key)

	plaintext := []byte("datagram payload")
	ciphertext, err := c.Seal(plaintext)
	require.NoError(t, err)

	got, err := c.Open(ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestSecretboxRejectsTamperedCiphertext(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	c := NewSecretboxCipher(key)

	ciphertext, err := c.Seal([]byte("datagram payload"))
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = c.Open(ciphertext)
	require.Error(t, err)
}

func TestSecretboxRejectsShortCiphertext(t *testing.T) {
	var key [32]byte
	c := NewSecretboxCipher(key)
	_, err := c.Open([]byte("short"))
	require.ErrorIs(t, err, ErrShortCiphertext)
}
