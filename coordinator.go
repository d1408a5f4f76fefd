package backfill

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/drpcorg/backfill/backfill_errors"
	"github.com/drpcorg/backfill/txn"
	"github.com/drpcorg/backfill/utils"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// PartitionRange cuts [begin, end) at the given split keys into disjoint
// half-open sub-intervals whose union is exactly the original interval.
// Splits outside (begin, end) are ignored, duplicates collapse; the split
// sequence does not have to be sorted.
func PartitionRange(begin, end []byte, splits [][]byte) ([]Bounds, error) {
	if bytes.Compare(begin, end) > 0 {
		return nil, errors.Join(backfill_errors.ErrInvalidContinuation,
			fmt.Errorf("begin %x after end %x", begin, end))
	}
	inside := make([][]byte, 0, len(splits))
	for _, s := range splits {
		if bytes.Compare(begin, s) < 0 && bytes.Compare(s, end) < 0 {
			inside = append(inside, s)
		}
	}
	sort.Slice(inside, func(i, j int) bool { return bytes.Compare(inside[i], inside[j]) < 0 })
	bounds := make([]Bounds, 0, len(inside)+1)
	lo := begin
	for _, s := range inside {
		if bytes.Equal(lo, s) {
			continue
		}
		bounds = append(bounds, Bounds{Begin: lo, End: s})
		lo = s
	}
	bounds = append(bounds, Bounds{Begin: lo, End: end})
	return bounds, nil
}

// Coordinator splits a key interval into sub-ranges and drives up to
// MaxParallelism batch executors over them, each owning its own continuation
// and its own transactions. A previously seeded run found under the meta
// prefix is resumed as-is, without consulting the split source again.
type Coordinator struct {
	store  *txn.Store
	cfg    Config
	log    utils.Logger
	states *xsync.MapOf[int, RangeState]
}

func NewCoordinator(store *txn.Store, cfg Config) (*Coordinator, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Splits == nil {
		cfg.Splits = store
	}
	return &Coordinator{
		store:  store,
		cfg:    cfg,
		log:    cfg.Logger,
		states: xsync.NewMapOf[int, RangeState](),
	}, nil
}

// Status snapshots the per-range executor states of the current run.
func (co *Coordinator) Status() map[int]RangeState {
	out := make(map[int]RangeState)
	co.states.Range(func(idx int, st RangeState) bool {
		out[idx] = st
		return true
	})
	return out
}

// Run backfills [begin, end), invoking handler once per committed item across
// all partitions. Returns the final RangeSet; on error the set reflects the
// last committed continuations and a later Run resumes from them.
func (co *Coordinator) Run(ctx context.Context, begin, end []byte, handler Handler) (*RangeSet, error) {
	run := uuid.Must(uuid.NewV7()).String()
	ctx = co.log.WithDefaultArgs(ctx, "run", run)

	set, err := co.seed(ctx, begin, end)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(co.cfg.MaxParallelism)
	for idx := 0; idx < set.Len(); idx++ {
		be, err := NewBatchExecutor(co.store, set, idx, co.cfg, handler)
		if err != nil {
			return set, err
		}
		co.states.Store(idx, RangePending)
		idx := idx
		g.Go(func() error {
			co.states.Store(idx, RangeInProgress)
			if err := be.Run(gctx); err != nil {
				co.states.Store(idx, be.State())
				return err
			}
			co.states.Store(idx, RangeComplete)
			RangesComplete.Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return set, err
	}
	co.log.InfoCtx(ctx, "backfill done", "ranges", set.Len())
	return set, nil
}

// seed loads a persisted run or partitions the interval and writes the
// initial continuations, all inside one transaction.
func (co *Coordinator) seed(ctx context.Context, begin, end []byte) (*RangeSet, error) {
	set, err := LoadRangeSet(co.store.DB(), co.cfg.MetaPrefix)
	if err != nil {
		return nil, err
	}
	if set.Len() > 0 {
		co.log.InfoCtx(ctx, "resuming persisted run", "ranges", set.Len())
		return set, nil
	}

	splits, err := co.cfg.Splits.SplitPoints(begin, end, co.cfg.ChunkBytes)
	if err != nil {
		return nil, err
	}
	bounds, err := PartitionRange(begin, end, splits)
	if err != nil {
		return nil, err
	}
	for _, b := range bounds {
		if _, err := set.Add(b.Begin, b.End); err != nil {
			return nil, err
		}
	}
	err = co.store.Execute(ctx, co.cfg.Profile, func(ctx context.Context, t *txn.Txn) error {
		for idx := 0; idx < set.Len(); idx++ {
			ent, err := set.Entry(idx)
			if err != nil {
				return err
			}
			if err := t.Set(MetaKey(co.cfg.MetaPrefix, idx), ent.AppendTLV(nil)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	co.log.InfoCtx(ctx, "seeded run", "ranges", set.Len(), "splits", len(splits))
	return set, nil
}
