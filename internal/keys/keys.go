// Package keys implements the CHK/SSK key tagged union and the block shape
// that travels with it, per spec.md §3.
package keys

import (
	"crypto/sha256"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/007pig/fred-sub003/internal/location"
)

// Kind distinguishes the two key families in the tagged union.
type Kind uint8

const (
	KindCHK Kind = iota
	KindSSK
)

func (k Kind) String() string {
	if k == KindCHK {
		return "CHK"
	}
	return "SSK"
}

// Key is the tagged union { CHK(hash32), SSK(pubkey_hash32, encrypted_hash32) }.
// Both members are chainhash.Hash (32 bytes), matching the wire hash32 shape;
// for an SSK, Hash holds the public-key hash and Extra holds the
// encrypted-data hash.
type Key struct {
	Kind  Kind
	Hash  chainhash.Hash
	Extra chainhash.Hash // only meaningful for SSK
}

// CHK builds a content-hash key from the already-hashed payload.
func CHK(hash chainhash.Hash) Key {
	return Key{Kind: KindCHK, Hash: hash}
}

// SSK builds a signed-subspace key from its public-key hash and the hash of
// the encrypted payload.
func SSK(pubKeyHash, encryptedHash chainhash.Hash) Key {
	return Key{Kind: KindSSK, Hash: pubKeyHash, Extra: encryptedHash}
}

// String gives a short, log-friendly identifier for the key.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.Hash.String()[:16])
}

// routingBytes is the byte sequence the location hash is derived from: for a
// CHK, the content hash alone; for an SSK, pubkey-hash || encrypted-hash, so
// that two SSK blocks under the same subspace key land near each other only
// if their encrypted content also matches.
func (k Key) routingBytes() []byte {
	if k.Kind == KindCHK {
		return k.Hash[:]
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, k.Hash[:]...)
	buf = append(buf, k.Extra[:]...)
	return buf
}

// ToLocation applies the fixed, domain-specific hash-to-double mapping
// required by spec.md §3: the first 8 bytes of SHA-256(routingBytes),
// interpreted as a big-endian uint64 and scaled into [0,1).
func (k Key) ToLocation() location.Location {
	sum := sha256.Sum256(k.routingBytes())
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(sum[i])
	}
	return location.Normalize(float64(v) / float64(math.MaxUint64))
}

// Block is the payload associated with a Key.
type Block struct {
	Key     Key
	Headers []byte
	Payload []byte
}

// PacketSize and PacketsInBlock bound the fixed CHK payload size (32 KiB,
// per spec.md §3); SSK blocks are small and single-packet.
const (
	PacketSize     = 1024
	PacketsInBlock = 32
	CHKPayloadSize = PacketSize * PacketsInBlock
)

// VerifyCHK reports whether SHA-256 of headers followed by payload equals
// the key's content hash.
func VerifyCHK(k Key, headers, payload []byte) bool {
	if k.Kind != KindCHK {
		return false
	}
	h := sha256.Sum256(append(append([]byte{}, headers...), payload...))
	return chainhash.Hash(h) == k.Hash
}
