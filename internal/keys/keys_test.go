package keys

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func testHash(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

func TestCHKLocationDeterministic(t *testing.T) {
	k := CHK(testHash(1))
	l1 := k.ToLocation()
	l2 := k.ToLocation()
	require.Equal(t, l1, l2)
	require.True(t, l1.Valid())
}

func TestSSKLocationDependsOnBothHalves(t *testing.T) {
	a := SSK(testHash(1), testHash(2))
	b := SSK(testHash(1), testHash(3))
	require.NotEqual(t, a.ToLocation(), b.ToLocation())
}

func TestVerifyCHKRejectsTamperedPayload(t *testing.T) {
	headers := []byte("hdr")
	payload := []byte("the quick brown fox")
	h := chainhash.Hash(sha256.Sum256(append(append([]byte{}, headers...), payload...)))
	k := CHK(h)

	require.True(t, VerifyCHK(k, headers, payload))
	require.False(t, VerifyCHK(k, headers, []byte("tampered")))
}

func TestVerifyCHKRejectsSSKKind(t *testing.T) {
	k := SSK(testHash(1), testHash(2))
	require.False(t, VerifyCHK(k, nil, nil))
}
