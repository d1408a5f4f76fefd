// Package backfill walks a byte-ordered key interval of a pebble-backed
// store and applies a caller-supplied mutation to every item exactly once,
// using only bounded-size, bounded-duration transactions.
//
// # Overview
//
// Large maintenance jobs (index builds, schema backfills, migrations) cannot
// run in a single transaction: the keyspace is unbounded and unevenly
// distributed, while a transaction is capped in items and wall time. The
// package models progress as a RangeContinuation per half-open interval
// [begin, end): the last key whose processing has committed, plus a complete
// flag. A BatchExecutor repeatedly scans from just past that key, hands each
// item to the handler, and writes the advanced continuation in the same
// transaction as the handler's mutations. Either both commit or neither does,
// so a crash at any point resumes at the last committed key with no item lost
// and none reprocessed.
//
// # Key layout in Pebble
//
//   - Continuations: MetaPrefix + range_index(u32, BE) -> TLV-encoded
//     RangeContinuation with a trailing xxhash64 checksum record.
//
// The meta prefix must sort outside the processed interval, or the backfill
// would scan its own checkpoints.
//
// # Batching
//
// The per-transaction item cap is enforced by the consumer: the scan stops
// pulling items once the cap is reached, because the committed checkpoint has
// to align exactly with what was consumed. A scan that ends before the cap
// means the range end was reached; a scan that finds nothing completes the
// range without a key update.
//
// # Parallelism
//
// Coordinator asks a SplitSource for split keys once, partitions the interval
// into disjoint sub-intervals with no gap and no overlap, and drives one
// BatchExecutor per sub-interval, at most MaxParallelism at a time. Each
// executor owns its continuation and its transactions; entries of the shared
// RangeSet are disjoint, so executors never contend on one entry. Within a
// range, batches are strictly sequential. Across ranges there is no ordering.
//
// # Transactions
//
// txn.Executor re-runs a unit of work on the retryable-conflict class with
// escalating delay, so handlers must be safe to re-execute; nothing escapes
// the transaction until commit, which makes re-execution invisible. A
// transaction session is a single mutable resource and is never shared across
// tasks; Accessor serializes point lookups on one session and fails fast on
// concurrent use.
package backfill
