// Package store adapts the external content-addressed block store spec.md
// §1 treats as a collaborator (get(key) -> block | None, put(block),
// get_pubkey(key)) into two concrete tiers: a shallow (cache) store written
// on transient fetch passes, and a deep store written only on inserts (see
// GLOSSARY: "Shallow store").
package store

import (
	"context"
	"fmt"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/golang/snappy"
	datastore "github.com/ipfs/go-datastore"
	dsquery "github.com/ipfs/go-datastore/query"
	leveldb "github.com/ipfs/go-ds-leveldb"

	"github.com/007pig/fred-sub003/internal/keys"
)

// BlockStore is the external collaborator interface spec.md §1 specifies.
type BlockStore interface {
	Get(key keys.Key) (*keys.Block, bool, error)
	Put(block *keys.Block) error
	GetPubKey(key keys.Key) ([]byte, bool, error)
}

// ShallowStore is the cache tier: opportunistic writes on a successful fetch
// pass-through (spec.md §4.6 Phase T: "commit block to the shallow store
// (cache, not deep store)"). Backed by VictoriaMetrics/fastcache, which is
// built for exactly this shape: a large, fixed-memory, eviction-on-overflow
// byte cache.
type ShallowStore struct {
	cache   *fastcache.Cache
	pubkeys *fastcache.Cache
}

func NewShallowStore(maxBytes int) *ShallowStore {
	return &ShallowStore{
		cache:   fastcache.New(maxBytes),
		pubkeys: fastcache.New(maxBytes / 8),
	}
}

func cacheKey(k keys.Key) []byte {
	return []byte(k.String())
}

func (s *ShallowStore) Get(key keys.Key) (*keys.Block, bool, error) {
	raw, ok := s.cache.HasGet(nil, cacheKey(key))
	if !ok {
		return nil, false, nil
	}
	blk, err := decodeBlock(key, raw)
	if err != nil {
		return nil, false, err
	}
	return blk, true, nil
}

func (s *ShallowStore) Put(block *keys.Block) error {
	raw, err := encodeBlock(block)
	if err != nil {
		return err
	}
	s.cache.Set(cacheKey(block.Key), raw)
	return nil
}

func (s *ShallowStore) GetPubKey(key keys.Key) ([]byte, bool, error) {
	raw, ok := s.pubkeys.HasGet(nil, cacheKey(key))
	if !ok {
		return nil, false, nil
	}
	return raw, true, nil
}

func (s *ShallowStore) PutPubKey(key keys.Key, pub []byte) {
	s.pubkeys.Set(cacheKey(key), pub)
}

// DeepStore is written only on inserts: the durable, persisted tier, backed
// by an ipfs/go-datastore over leveldb (spec.md §6 "Persisted state").
type DeepStore struct {
	ds datastore.Batching
}

func NewDeepStore(path string) (*DeepStore, error) {
	ds, err := leveldb.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store: opening deep store at %s: %w", path, err)
	}
	return &DeepStore{ds: ds}, nil
}

func (s *DeepStore) Close() error { return s.ds.Close() }

func dsKey(k keys.Key) datastore.Key {
	return datastore.NewKey("/block/" + k.String())
}

func (s *DeepStore) Get(key keys.Key) (*keys.Block, bool, error) {
	raw, err := s.ds.Get(context.Background(), dsKey(key))
	if err == datastore.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	blk, err := decodeBlock(key, raw)
	if err != nil {
		return nil, false, err
	}
	return blk, true, nil
}

func (s *DeepStore) Put(block *keys.Block) error {
	raw, err := encodeBlock(block)
	if err != nil {
		return err
	}
	return s.ds.Put(context.Background(), dsKey(block.Key), raw)
}

func (s *DeepStore) GetPubKey(key keys.Key) ([]byte, bool, error) {
	raw, err := s.ds.Get(context.Background(), datastore.NewKey("/pubkey/"+key.String()))
	if err == datastore.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (s *DeepStore) PutPubKey(key keys.Key, pub []byte) error {
	return s.ds.Put(context.Background(), datastore.NewKey("/pubkey/"+key.String()), pub)
}

// Keys lists every stored block key with the /block/ prefix, used by
// cmd/fredstat for a quick inventory dump.
func (s *DeepStore) Keys(ctx context.Context) ([]string, error) {
	results, err := s.ds.Query(ctx, dsquery.Query{Prefix: "/block"})
	if err != nil {
		return nil, err
	}
	defer results.Close()
	var out []string
	for r := range results.Next() {
		if r.Error != nil {
			return nil, r.Error
		}
		out = append(out, r.Key)
	}
	return out, nil
}

// encodeBlock/decodeBlock frame a Block as [2-byte header length][headers][snappy(payload)].
// Payload compression is the concrete instance of op-node/p2p/sync.go's own
// "// TODO: snappy compression" comment, applied to the data this repo
// actually transfers.
func encodeBlock(b *keys.Block) ([]byte, error) {
	if len(b.Headers) > 0xFFFF {
		return nil, fmt.Errorf("store: headers too large (%d bytes)", len(b.Headers))
	}
	compressed := snappy.Encode(nil, b.Payload)
	out := make([]byte, 2+len(b.Headers)+len(compressed))
	out[0] = byte(len(b.Headers) >> 8)
	out[1] = byte(len(b.Headers))
	copy(out[2:], b.Headers)
	copy(out[2+len(b.Headers):], compressed)
	return out, nil
}

func decodeBlock(key keys.Key, raw []byte) (*keys.Block, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("store: truncated record")
	}
	hlen := int(raw[0])<<8 | int(raw[1])
	if len(raw) < 2+hlen {
		return nil, fmt.Errorf("store: truncated header")
	}
	headers := raw[2 : 2+hlen]
	payload, err := snappy.Decode(nil, raw[2+hlen:])
	if err != nil {
		return nil, fmt.Errorf("store: decompressing payload: %w", err)
	}
	return &keys.Block{Key: key, Headers: append([]byte{}, headers...), Payload: payload}, nil
}
