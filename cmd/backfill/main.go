package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/cespare/xxhash"
	"github.com/drpcorg/backfill"
	"github.com/drpcorg/backfill/txn"
	"github.com/drpcorg/backfill/utils"
	"github.com/prometheus/client_golang/prometheus"
)

// One-shot backfill over an existing pebble store: walks [-begin, -end) and
// builds a value-hash index, an entry under 'I','H' per item pointing back at
// the item's key. Interrupting and re-running resumes where the last commit
// stopped.

func hashIndexKey(value []byte) []byte {
	key := []byte{'I', 'H'}
	return binary.BigEndian.AppendUint64(key, xxhash.Sum64(value))
}

func main() {
	var (
		dir      = flag.String("db", "", "pebble database directory")
		begin    = flag.String("begin", "", "range begin key, inclusive")
		end      = flag.String("end", "", "range end key, exclusive")
		batch    = flag.Int("batch", 1000, "items per transaction")
		parallel = flag.Int("parallel", 4, "concurrent range executors")
		chunk    = flag.Int64("chunk", 1<<22, "partition size target in bytes")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()
	if *dir == "" || *end == "" {
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := utils.NewDefaultLogger(level)

	store, err := txn.Open(*dir, logger)
	if err != nil {
		logger.Error("cannot open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	backfill.RegisterMetrics(prometheus.DefaultRegisterer)

	co, err := backfill.NewCoordinator(store, backfill.Config{
		BatchSize:      *batch,
		MaxParallelism: *parallel,
		ChunkBytes:     *chunk,
		Profile:        txn.Background(),
		Logger:         logger,
	})
	if err != nil {
		logger.Error("bad configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var indexed atomic.Int64
	set, err := co.Run(ctx, []byte(*begin), []byte(*end), func(ctx context.Context, key, value []byte, t *txn.Txn) error {
		if err := t.Set(hashIndexKey(value), key); err != nil {
			return err
		}
		indexed.Add(1)
		return nil
	})
	if err != nil {
		logger.Error("backfill stopped", "error", err)
		os.Exit(1)
	}
	fmt.Printf("done: %d ranges, %d index writes, complete=%v\n",
		set.Len(), indexed.Load(), set.Done())
}
