package txn

import (
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/backfill/backfill_errors"
)

// Txn is one transaction session: an indexed pebble batch that sees its own
// writes plus the database state at open. A Txn is owned by exactly one task;
// it is never safe for concurrent use. Callers that need serialized point
// access on top of that (see backfill.Accessor) go through Acquire/Release,
// which fails fast instead of corrupting the session.
type Txn struct {
	batch *pebble.Batch
	busy  atomic.Bool
}

// Acquire claims the session for one logical call. Returns ErrTxnBusy if
// another call is already in flight.
func (t *Txn) Acquire() error {
	if !t.busy.CompareAndSwap(false, true) {
		return backfill_errors.ErrTxnBusy
	}
	return nil
}

func (t *Txn) Release() {
	t.busy.Store(false)
}

// Get returns a copy of the value for key, or pebble.ErrNotFound.
func (t *Txn) Get(key []byte) ([]byte, error) {
	val, closer, err := t.batch.Get(key)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	return out, nil
}

func (t *Txn) Set(key, value []byte) error {
	return t.batch.Set(key, value, nil)
}

func (t *Txn) Delete(key []byte) error {
	return t.batch.Delete(key, nil)
}

func (t *Txn) Merge(key, value []byte) error {
	return t.batch.Merge(key, value, nil)
}

// NewIter opens a forward iterator over [lo, hi). Keys written through this
// Txn before the call are visible.
func (t *Txn) NewIter(lo, hi []byte) (*pebble.Iterator, error) {
	return t.batch.NewIter(&pebble.IterOptions{
		LowerBound: lo,
		UpperBound: hi,
	})
}
