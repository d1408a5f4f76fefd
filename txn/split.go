package txn

import (
	"bytes"

	"github.com/cockroachdb/pebble"
)

// SplitPoints samples [begin, end) and returns ordered keys that cut it into
// chunks of roughly approxChunkBytes of key+value data. Split keys are strictly
// inside (begin, end), so the partition built from them reconstructs the
// original interval exactly. Consulted once, at
// partition-seeding time; the estimate going stale afterwards is harmless.
func (s *Store) SplitPoints(begin, end []byte, approxChunkBytes int64) ([][]byte, error) {
	if approxChunkBytes <= 0 {
		return nil, nil
	}
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: begin,
		UpperBound: end,
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var splits [][]byte
	var acc int64
	for valid := it.First(); valid; valid = it.Next() {
		sz := int64(len(it.Key()) + len(it.Value()))
		if acc+sz > approxChunkBytes && acc > 0 && !bytes.Equal(it.Key(), begin) {
			splits = append(splits, append([]byte(nil), it.Key()...))
			acc = 0
		}
		acc += sz
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return splits, nil
}
