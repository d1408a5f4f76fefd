package backfill

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/drpcorg/backfill/txn"
	"github.com/drpcorg/backfill/utils"
	"github.com/stretchr/testify/assert"
)

func testStore(t *testing.T) *txn.Store {
	db, err := pebble.Open("mem", &pebble.Options{FS: vfs.NewMem()})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return txn.NewStore(db, utils.NewDefaultLogger(slog.LevelError))
}

func seedKeys(t *testing.T, s *txn.Store, keys ...string) {
	b := s.DB().NewBatch()
	for _, k := range keys {
		assert.NoError(t, b.Set([]byte(k), []byte("v:"+k), nil))
	}
	assert.NoError(t, s.DB().Apply(b, pebble.Sync))
	assert.NoError(t, b.Close())
}

// markerCounts reads the per-item commit counters written by countingHandler.
func markerCounts(t *testing.T, s *txn.Store) map[string]int {
	it, err := s.DB().NewIter(&pebble.IterOptions{
		LowerBound: []byte{'O'},
		UpperBound: []byte{'P'},
	})
	assert.NoError(t, err)
	defer it.Close()
	out := map[string]int{}
	for valid := it.First(); valid; valid = it.Next() {
		out[string(it.Key()[1:])] = int(it.Value()[0])
	}
	return out
}

// countingHandler bumps a counter key under the 'O' prefix for every item, so
// committed-exactly-once shows up as every counter being 1. The prefix sorts
// below lowercase data keys and stays out of the scanned interval.
var errBoom = errors.New("boom")

func countingHandler(fail string) Handler {
	return func(ctx context.Context, key, value []byte, t *txn.Txn) error {
		if fail != "" && string(key) == fail {
			return errBoom
		}
		mk := append([]byte{'O'}, key...)
		n := byte(0)
		if prev, err := t.Get(mk); err == nil {
			n = prev[0]
		}
		return t.Set(mk, []byte{n + 1})
	}
}
