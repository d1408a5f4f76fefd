package backfill

import (
	"log/slog"

	"github.com/drpcorg/backfill/backfill_errors"
	"github.com/drpcorg/backfill/txn"
	"github.com/drpcorg/backfill/utils"
)

// SplitSource yields ordered split keys cutting [begin, end) into chunks of
// roughly approxChunkBytes. Consulted once, when a run is seeded.
type SplitSource interface {
	SplitPoints(begin, end []byte, approxChunkBytes int64) ([][]byte, error)
}

type Config struct {
	// BatchSize caps items per transaction. Must be positive.
	BatchSize int
	// MaxParallelism bounds concurrent range executors.
	MaxParallelism int
	// ChunkBytes is the partition size target handed to the split source.
	ChunkBytes int64
	// Profile bounds each batch transaction.
	Profile txn.Profile
	// MetaPrefix locates persisted continuations.
	MetaPrefix []byte
	Logger     utils.Logger
	// Splits overrides the store's own sampling split source.
	Splits SplitSource
}

func (c *Config) SetDefaults() {
	if c.MaxParallelism == 0 {
		c.MaxParallelism = 4
	}
	if c.ChunkBytes == 0 {
		c.ChunkBytes = 1 << 22
	}
	if c.MetaPrefix == nil {
		c.MetaPrefix = []byte{'M', 'B'}
	}
	if c.Logger == nil {
		c.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	c.Profile.SetDefaults()
}

func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return backfill_errors.ErrInvalidBatchSize
	}
	if c.MaxParallelism <= 0 {
		return backfill_errors.ErrInvalidParallelism
	}
	return nil
}
