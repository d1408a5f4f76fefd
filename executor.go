package backfill

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/drpcorg/backfill/backfill_errors"
	"github.com/drpcorg/backfill/txn"
	"github.com/drpcorg/backfill/utils"
)

// Handler is the caller-supplied per-item mutation. It runs inside the batch
// transaction and may be re-executed when the transaction retries, so it must
// have no effect outside t. A returned error aborts the whole batch; wrap
// ErrRetryableConflict to request a transparent re-run instead.
type Handler func(ctx context.Context, key, value []byte, t *txn.Txn) error

type RangeState byte

const (
	RangePending    RangeState = 'P'
	RangeInProgress RangeState = 'I'
	RangeComplete   RangeState = 'D'
)

func (s RangeState) String() string {
	switch s {
	case RangeInProgress:
		return "in_progress"
	case RangeComplete:
		return "complete"
	default:
		return "pending"
	}
}

// batch is the ephemeral record of one loop iteration; discarded after commit.
type batch struct {
	bounds      Bounds
	itemsSeen   int
	lastKeySeen []byte
	reachedEnd  bool
}

// BatchExecutor drives one range of a RangeSet to completion: repeatedly pull
// scan bounds, run one bounded transaction that scans, mutates and checkpoints,
// commit, repeat. Progress is durable iff the commit is, so a restart resumes
// from the last committed key with nothing lost and nothing redone.
type BatchExecutor struct {
	exec    txn.Executor
	set     *RangeSet
	idx     int
	cfg     Config
	handler Handler
	log     utils.Logger
	state   atomic.Int32
}

func NewBatchExecutor(exec txn.Executor, set *RangeSet, idx int, cfg Config, handler Handler) (*BatchExecutor, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	be := &BatchExecutor{
		exec:    exec,
		set:     set,
		idx:     idx,
		cfg:     cfg,
		handler: handler,
		log:     cfg.Logger,
	}
	be.state.Store(int32(RangePending))
	return be, nil
}

func (be *BatchExecutor) State() RangeState {
	return RangeState(be.state.Load())
}

// Run processes the range until it is complete or an error stops the run.
// Cancellation is checked between batches; an in-flight batch always runs to
// its commit or abort.
func (be *BatchExecutor) Run(ctx context.Context) error {
	ctx = be.log.WithDefaultArgs(ctx, "range", be.idx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		bounds, ok, err := be.set.BatchBounds(be.idx)
		if err != nil {
			return err
		}
		if !ok {
			be.state.Store(int32(RangeComplete))
			be.log.DebugCtx(ctx, "range complete")
			return nil
		}
		be.state.Store(int32(RangeInProgress))

		start := time.Now()
		b, err := be.runBatch(ctx, bounds)
		if err != nil {
			BatchCount.WithLabelValues("error").Inc()
			be.log.ErrorCtx(ctx, "batch failed", "error", err)
			return err
		}
		// The checkpoint is durable now; advance the in-memory set to match.
		if b.itemsSeen > 0 {
			err = be.set.RecordProgress(be.idx, b.lastKeySeen, b.reachedEnd)
		} else {
			err = be.set.MarkRangeComplete(be.idx)
		}
		if err != nil {
			return err
		}
		BatchCount.WithLabelValues("ok").Inc()
		BatchItems.Add(float64(b.itemsSeen))
		BatchDuration.Observe(time.Since(start).Seconds())
		be.log.DebugCtx(ctx, "batch committed",
			"items", b.itemsSeen, "reached_end", b.reachedEnd)
	}
}

// runBatch executes one scan-mutate-checkpoint transaction. The returned batch
// reflects the committed attempt; retries reset it.
func (be *BatchExecutor) runBatch(ctx context.Context, bounds Bounds) (batch, error) {
	var b batch
	err := be.exec.Execute(ctx, be.cfg.Profile, func(ctx context.Context, t *txn.Txn) error {
		b = batch{bounds: bounds}
		it, err := t.NewIter(bounds.Begin, bounds.End)
		if err != nil {
			return err
		}
		for valid := it.First(); valid; valid = it.Next() {
			key := append([]byte(nil), it.Key()...)
			value := append([]byte(nil), it.Value()...)
			if err := be.handler(ctx, key, value, t); err != nil {
				_ = it.Close()
				if txn.IsRetryable(err) {
					return err
				}
				return errors.Join(backfill_errors.ErrItemHandlerFailed, err)
			}
			b.lastKeySeen = key
			b.itemsSeen++
			if b.itemsSeen >= be.cfg.BatchSize {
				// The cap is enforced here, by not pulling another item: the
				// committed checkpoint must align exactly with what was
				// consumed, which no server-side result limit guarantees.
				break
			}
		}
		if err := it.Close(); err != nil {
			return err
		}
		b.reachedEnd = b.itemsSeen < be.cfg.BatchSize

		ent, err := be.set.Entry(be.idx)
		if err != nil {
			return err
		}
		var next *RangeContinuation
		if b.itemsSeen > 0 {
			next, err = ent.withProgress(b.lastKeySeen, b.reachedEnd)
			if err != nil {
				return err
			}
		} else {
			next = ent.completed()
		}
		// Checkpoint rides in the same transaction as the item mutations:
		// both become durable together or not at all.
		return t.Set(MetaKey(be.cfg.MetaPrefix, be.idx), next.AppendTLV(nil))
	})
	return b, err
}
