package backfill

import (
	"context"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/backfill/backfill_errors"
	"github.com/drpcorg/backfill/txn"
	"github.com/stretchr/testify/assert"
)

func TestBatchLoopNoLossNoDup(t *testing.T) {
	store := testStore(t)
	seedKeys(t, store, "b", "d", "f")

	set := NewRangeSet()
	idx, _ := set.Add([]byte("a"), []byte("z"))

	var got []string
	be, err := NewBatchExecutor(store, set, idx, Config{BatchSize: 2}, func(ctx context.Context, key, value []byte, tx *txn.Txn) error {
		got = append(got, string(key))
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, RangePending, be.State())

	assert.NoError(t, be.Run(context.Background()))
	assert.Equal(t, []string{"b", "d", "f"}, got, "every key exactly once, ascending")
	assert.Equal(t, RangeComplete, be.State())

	ent, _ := set.Entry(idx)
	assert.True(t, ent.Complete)
	assert.Equal(t, []byte("f"), ent.LastKey)
}

func TestBatchLoopChecksCapExactly(t *testing.T) {
	// Exactly batchSize items left: the full batch reports incomplete, the
	// follow-up empty scan completes the range.
	store := testStore(t)
	seedKeys(t, store, "b", "d")

	set := NewRangeSet()
	idx, _ := set.Add([]byte("a"), []byte("z"))

	var batches [][]string
	var cur []string
	be, err := NewBatchExecutor(store, set, idx, Config{BatchSize: 2}, func(ctx context.Context, key, value []byte, tx *txn.Txn) error {
		cur = append(cur, string(key))
		return nil
	})
	assert.NoError(t, err)
	// Track batch boundaries through the continuation after each run step is
	// not observable from outside; the committed end state is.
	assert.NoError(t, be.Run(context.Background()))
	batches = append(batches, cur)

	ent, _ := set.Entry(idx)
	assert.True(t, ent.Complete)
	assert.Equal(t, []byte("d"), ent.LastKey, "completion via the empty follow-up scan keeps the last key")
	assert.Equal(t, []string{"b", "d"}, batches[0])
}

func TestEmptyScanMarksComplete(t *testing.T) {
	store := testStore(t)

	set := NewRangeSet()
	idx, _ := set.Add([]byte("a"), []byte("z"))

	calls := 0
	be, _ := NewBatchExecutor(store, set, idx, Config{BatchSize: 5}, func(ctx context.Context, key, value []byte, tx *txn.Txn) error {
		calls++
		return nil
	})
	assert.NoError(t, be.Run(context.Background()))
	assert.Equal(t, 0, calls)

	ent, _ := set.Entry(idx)
	assert.True(t, ent.Complete)
	assert.Nil(t, ent.LastKey)

	// The completed continuation is durable.
	loaded, err := LoadRangeSet(store.DB(), []byte{'M', 'B'})
	assert.NoError(t, err)
	assert.Equal(t, 1, loaded.Len())
	lent, _ := loaded.Entry(0)
	assert.True(t, lent.Complete)
}

func TestEmptyRangeRunsZeroScans(t *testing.T) {
	store := testStore(t)
	set := NewRangeSet()
	idx, _ := set.Add([]byte("x"), []byte("x"))

	be, _ := NewBatchExecutor(store, set, idx, Config{BatchSize: 5}, func(ctx context.Context, key, value []byte, tx *txn.Txn) error {
		t.Fatal("handler must not run for an empty range")
		return nil
	})
	assert.NoError(t, be.Run(context.Background()))
	assert.Equal(t, RangeComplete, be.State())
}

func TestInvalidBatchSize(t *testing.T) {
	store := testStore(t)
	set := NewRangeSet()
	idx, _ := set.Add([]byte("a"), []byte("z"))

	_, err := NewBatchExecutor(store, set, idx, Config{BatchSize: 0}, countingHandler(""))
	assert.ErrorIs(t, err, backfill_errors.ErrInvalidBatchSize)
	_, err = NewBatchExecutor(store, set, idx, Config{BatchSize: -3}, countingHandler(""))
	assert.ErrorIs(t, err, backfill_errors.ErrInvalidBatchSize)
}

func TestHandlerFailureAbortsBatch(t *testing.T) {
	store := testStore(t)
	seedKeys(t, store, "b", "d", "f")

	set := NewRangeSet()
	idx, _ := set.Add([]byte("a"), []byte("z"))

	be, _ := NewBatchExecutor(store, set, idx, Config{BatchSize: 5}, countingHandler("d"))
	err := be.Run(context.Background())
	assert.ErrorIs(t, err, backfill_errors.ErrItemHandlerFailed)
	assert.ErrorIs(t, err, errBoom)

	// The batch rolled back whole: no marker for b, no checkpoint.
	assert.Empty(t, markerCounts(t, store))
	ent, _ := set.Entry(idx)
	assert.Nil(t, ent.LastKey)
	assert.False(t, ent.Complete)
	loaded, err := LoadRangeSet(store.DB(), []byte{'M', 'B'})
	assert.NoError(t, err)
	assert.Equal(t, 0, loaded.Len())
}

func TestResumeReprocessesOnlyRemainder(t *testing.T) {
	store := testStore(t)
	seedKeys(t, store, "b", "d", "f")

	set := NewRangeSet()
	idx, _ := set.Add([]byte("a"), []byte("z"))

	// First run commits {b, d}, then dies on f in the second batch.
	be, _ := NewBatchExecutor(store, set, idx, Config{BatchSize: 2}, countingHandler("f"))
	assert.ErrorIs(t, be.Run(context.Background()), backfill_errors.ErrItemHandlerFailed)
	ent, _ := set.Entry(idx)
	assert.Equal(t, []byte("d"), ent.LastKey)
	assert.False(t, ent.Complete)

	// Fresh process: the set comes back from storage, not memory.
	loaded, err := LoadRangeSet(store.DB(), []byte{'M', 'B'})
	assert.NoError(t, err)
	var got []string
	be2, _ := NewBatchExecutor(store, loaded, idx, Config{BatchSize: 2}, func(ctx context.Context, key, value []byte, tx *txn.Txn) error {
		got = append(got, string(key))
		return countingHandler("")(ctx, key, value, tx)
	})
	assert.NoError(t, be2.Run(context.Background()))
	assert.Equal(t, []string{"f"}, got, "keys at or before the checkpoint are never revisited")
	assert.Equal(t, map[string]int{"b": 1, "d": 1, "f": 1}, markerCounts(t, store))
}

func TestRetryTransparency(t *testing.T) {
	run := func(t *testing.T, inject bool) (RangeContinuation, map[string]int) {
		store := testStore(t)
		seedKeys(t, store, "b", "d", "f")
		set := NewRangeSet()
		idx, _ := set.Add([]byte("a"), []byte("z"))

		injected := false
		be, _ := NewBatchExecutor(store, set, idx, Config{
			BatchSize: 2,
			Profile:   txn.Profile{MaxRetryDelay: 1},
		}, func(ctx context.Context, key, value []byte, tx *txn.Txn) error {
			if inject && !injected {
				injected = true
				return backfill_errors.ErrRetryableConflict
			}
			return countingHandler("")(ctx, key, value, tx)
		})
		assert.NoError(t, be.Run(context.Background()))
		ent, _ := set.Entry(idx)
		return ent, markerCounts(t, store)
	}

	plain, plainMarks := run(t, false)
	retried, retriedMarks := run(t, true)

	assert.Equal(t, plain, retried, "one conflict then success commits the same continuation as zero retries")
	assert.Equal(t, plainMarks, retriedMarks)
	assert.Equal(t, map[string]int{"b": 1, "d": 1, "f": 1}, retriedMarks, "re-run work never double-commits")
}

func TestMetaKeysStayOutOfDataRange(t *testing.T) {
	// Continuations persist under the meta prefix, which sorts outside the
	// scanned interval; a second backfill over the same range must not see
	// them as items.
	store := testStore(t)
	seedKeys(t, store, "b")

	set := NewRangeSet()
	idx, _ := set.Add([]byte("a"), []byte("z"))
	be, _ := NewBatchExecutor(store, set, idx, Config{BatchSize: 2}, countingHandler(""))
	assert.NoError(t, be.Run(context.Background()))

	it, err := store.DB().NewIter(&pebble.IterOptions{
		LowerBound: []byte("a"),
		UpperBound: []byte("z"),
	})
	assert.NoError(t, err)
	defer it.Close()
	n := 0
	for valid := it.First(); valid; valid = it.Next() {
		n++
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, ent(t, set, idx).Complete, true)
}

func ent(t *testing.T, set *RangeSet, idx int) RangeContinuation {
	e, err := set.Entry(idx)
	assert.NoError(t, err)
	return e
}
