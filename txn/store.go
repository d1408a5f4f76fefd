package txn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/backfill/backfill_errors"
	"github.com/drpcorg/backfill/utils"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var Commits = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "backfill",
	Subsystem: "txn",
	Name:      "commits",
}, []string{"priority", "result"})

var Retries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "backfill",
	Subsystem: "txn",
	Name:      "retries",
}, []string{"priority"})

// Work is one transactional unit. The executor may run it several times, so it
// must have no observable effect outside the Txn until commit.
type Work func(ctx context.Context, t *Txn) error

// Executor runs a unit of work with all-or-nothing commit and transparent
// retry of the retryable-conflict error class.
type Executor interface {
	Execute(ctx context.Context, profile Profile, work Work) error
}

type Store struct {
	db    *pebble.DB
	wo    *pebble.WriteOptions
	log   utils.Logger
	ownDB bool
}

func NewStore(db *pebble.DB, logger utils.Logger) *Store {
	if logger == nil {
		logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	return &Store{db: db, wo: pebble.Sync, log: logger}
}

// Open opens (or creates) a pebble database at dir.
func Open(dir string, logger utils.Logger) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open store at %s", dir)
	}
	s := NewStore(db, logger)
	s.ownDB = true
	return s, nil
}

func (s *Store) DB() *pebble.DB {
	return s.db
}

func (s *Store) Close() error {
	if s.ownDB {
		return s.db.Close()
	}
	return nil
}

// IsRetryable reports whether err belongs to the retryable-conflict class.
func IsRetryable(err error) bool {
	return errors.Is(err, backfill_errors.ErrRetryableConflict)
}

// Execute runs work in a fresh transaction, committing on success. Retryable
// conflicts (including per-attempt timeouts) re-run work from the start with
// escalating delay capped at profile.MaxRetryDelay, up to profile.RetryLimit
// retries. Exhaustion surfaces ErrRetryExhausted joined with the last error.
func (s *Store) Execute(ctx context.Context, profile Profile, work Work) error {
	profile.SetDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = profile.MaxRetryDelay
	bo.MaxElapsedTime = 0

	var last error
	for attempt := 0; attempt <= profile.RetryLimit; attempt++ {
		if attempt > 0 {
			Retries.WithLabelValues(profile.Priority.String()).Inc()
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := s.attempt(ctx, profile, work)
		if err == nil {
			Commits.WithLabelValues(profile.Priority.String(), "ok").Inc()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsRetryable(err) {
			Commits.WithLabelValues(profile.Priority.String(), "error").Inc()
			return err
		}
		s.log.WarnCtx(ctx, "retryable conflict, re-running transaction",
			"attempt", attempt, "priority", profile.Priority.String(), "error", err)
		last = err
	}
	Commits.WithLabelValues(profile.Priority.String(), "exhausted").Inc()
	return errors.Join(backfill_errors.ErrRetryExhausted, last)
}

func (s *Store) attempt(ctx context.Context, profile Profile, work Work) error {
	actx, cancel := context.WithTimeout(ctx, profile.Timeout)
	defer cancel()

	b := s.db.NewIndexedBatch()
	t := &Txn{batch: b}
	err := work(actx, t)
	if err == nil {
		err = actx.Err()
	}
	if err != nil {
		_ = b.Close()
		// A timed-out attempt is a transient condition: the parent is still
		// live, so re-run the work on a fresh transaction.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return errors.Join(backfill_errors.ErrRetryableConflict, err)
		}
		return err
	}
	if err := b.Commit(s.wo); err != nil {
		_ = b.Close()
		return err
	}
	return b.Close()
}
