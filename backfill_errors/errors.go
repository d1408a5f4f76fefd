// Provides common backfill errors definitions.
package backfill_errors

import "errors"

var (
	ErrInvalidContinuation = errors.New("backfill: progress key outside range bounds")
	ErrInvalidBatchSize    = errors.New("backfill: batch size must be positive")
	ErrInvalidParallelism  = errors.New("backfill: parallelism must be positive")
	ErrItemHandlerFailed   = errors.New("backfill: item handler failed")
	ErrRetryableConflict   = errors.New("backfill: retryable transaction conflict")
	ErrRetryExhausted      = errors.New("backfill: transaction retries exhausted")
	ErrItemDecodeFailure   = errors.New("backfill: item decode failed")
	ErrTxnBusy             = errors.New("backfill: transaction session is busy")
	ErrRangeUnknown        = errors.New("backfill: unknown range index")
	ErrBadContinuation     = errors.New("backfill: bad continuation record")
)
