package backfill

import (
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/backfill/backfill_errors"
	"github.com/drpcorg/backfill/txn"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DecodeFunc turns a stored key/value pair into a domain value.
type DecodeFunc[V any] func(key, value []byte) (V, error)

// Accessor performs ordered point lookups within one transaction session.
// Calls sharing one Txn must be issued strictly one at a time; the session
// carries tracked read state and is never safe for concurrent use, so a
// second in-flight call fails fast with ErrTxnBusy rather than racing.
// The optional cache holds decoded values across transactions and is only
// sound for immutable records; size 0 disables it.
type Accessor[V any] struct {
	dec   DecodeFunc[V]
	cache *lru.Cache[string, V]
}

func NewAccessor[V any](dec DecodeFunc[V], cacheSize int) *Accessor[V] {
	a := &Accessor[V]{dec: dec}
	if cacheSize > 0 {
		a.cache, _ = lru.New[string, V](cacheSize)
	}
	return a
}

// GetMulti returns decoded values for the keys that exist, preserving input
// order and skipping absent keys. A decode failure aborts the whole call with
// ErrItemDecodeFailure; no partial result is returned.
func (a *Accessor[V]) GetMulti(t *txn.Txn, keys [][]byte) ([]V, error) {
	if err := t.Acquire(); err != nil {
		return nil, err
	}
	defer t.Release()

	out := make([]V, 0, len(keys))
	for _, key := range keys {
		if a.cache != nil {
			if v, ok := a.cache.Get(string(key)); ok {
				out = append(out, v)
				continue
			}
		}
		value, err := t.Get(key)
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		v, err := a.dec(key, value)
		if err != nil {
			return nil, errors.Join(backfill_errors.ErrItemDecodeFailure, err)
		}
		if a.cache != nil {
			a.cache.Add(string(key), v)
		}
		out = append(out, v)
	}
	return out, nil
}
