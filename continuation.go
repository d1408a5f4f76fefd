package backfill

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/backfill/backfill_errors"
	"github.com/learn-decentralized-systems/toytlv"
)

// Bounds is a half-open key interval [Begin, End).
type Bounds struct {
	Begin []byte
	End   []byte
}

// KeySuccessor returns the immediate lexicographic successor of key, i.e. the
// smallest key strictly greater than it.
func KeySuccessor(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}

// RangeContinuation is the durable resume token for one key interval:
// how far processing has committed within [Begin, End). Once Complete it is
// terminal and never re-scanned.
type RangeContinuation struct {
	Begin    []byte
	End      []byte
	LastKey  []byte
	Complete bool
}

// scanStart is where the next batch begins: just past the last committed key,
// or the range start if nothing committed yet.
func (rc *RangeContinuation) scanStart() []byte {
	if rc.LastKey == nil {
		return rc.Begin
	}
	return KeySuccessor(rc.LastKey)
}

func (rc *RangeContinuation) contains(key []byte) bool {
	return bytes.Compare(rc.Begin, key) <= 0 && bytes.Compare(key, rc.End) < 0
}

// withProgress returns a copy advanced to lastKey. The key must lie inside
// [Begin, End).
func (rc *RangeContinuation) withProgress(lastKey []byte, complete bool) (*RangeContinuation, error) {
	if !rc.contains(lastKey) {
		return nil, errors.Join(backfill_errors.ErrInvalidContinuation,
			fmt.Errorf("key %x not in [%x, %x)", lastKey, rc.Begin, rc.End))
	}
	return &RangeContinuation{
		Begin:    rc.Begin,
		End:      rc.End,
		LastKey:  append([]byte(nil), lastKey...),
		Complete: complete,
	}, nil
}

func (rc *RangeContinuation) completed() *RangeContinuation {
	return &RangeContinuation{
		Begin:    rc.Begin,
		End:      rc.End,
		LastKey:  rc.LastKey,
		Complete: true,
	}
}

// TLV record lits for the persisted continuation. The H record carries an
// xxhash64 of all preceding records and must come last.
const (
	litBegin    = 'B'
	litEnd      = 'E'
	litLastKey  = 'K'
	litComplete = 'C'
	litHash     = 'H'
)

// AppendTLV appends the encoded continuation: B, E, optional K, optional C,
// then H with the checksum of everything before it.
func (rc *RangeContinuation) AppendTLV(into []byte) []byte {
	body := toytlv.Record(litBegin, rc.Begin)
	body = append(body, toytlv.Record(litEnd, rc.End)...)
	if rc.LastKey != nil {
		body = append(body, toytlv.Record(litLastKey, rc.LastKey)...)
	}
	if rc.Complete {
		body = append(body, toytlv.Record(litComplete, []byte{1})...)
	}
	sum := binary.BigEndian.AppendUint64(nil, xxhash.Sum64(body))
	body = append(body, toytlv.Record(litHash, sum)...)
	return append(into, body...)
}

// ParseRangeContinuation decodes one persisted continuation, verifying the
// trailing checksum record.
func ParseRangeContinuation(data []byte) (*RangeContinuation, error) {
	rc := &RangeContinuation{}
	var seenBegin, seenEnd, seenHash bool
	rest := data
	for len(rest) > 0 {
		if seenHash {
			return nil, errors.Join(backfill_errors.ErrBadContinuation,
				errors.New("data past the checksum record"))
		}
		covered := data[:len(data)-len(rest)]
		lit, body, r, err := toytlv.TakeAnyWary(rest)
		if err != nil {
			return nil, errors.Join(backfill_errors.ErrBadContinuation, err)
		}
		switch lit {
		case litBegin:
			rc.Begin = append([]byte(nil), body...)
			seenBegin = true
		case litEnd:
			rc.End = append([]byte(nil), body...)
			seenEnd = true
		case litLastKey:
			rc.LastKey = append([]byte(nil), body...)
		case litComplete:
			rc.Complete = len(body) > 0 && body[0] != 0
		case litHash:
			if len(body) != 8 {
				return nil, errors.Join(backfill_errors.ErrBadContinuation,
					errors.New("bad checksum length"))
			}
			if xxhash.Sum64(covered) != binary.BigEndian.Uint64(body) {
				return nil, errors.Join(backfill_errors.ErrBadContinuation,
					errors.New("checksum mismatch"))
			}
			seenHash = true
		default:
			return nil, errors.Join(backfill_errors.ErrBadContinuation,
				fmt.Errorf("unknown record %c", lit))
		}
		rest = r
	}
	if !seenBegin || !seenEnd || !seenHash {
		return nil, errors.Join(backfill_errors.ErrBadContinuation,
			errors.New("missing required record"))
	}
	if bytes.Compare(rc.Begin, rc.End) > 0 {
		return nil, backfill_errors.ErrBadContinuation
	}
	if rc.LastKey != nil && !rc.contains(rc.LastKey) {
		return nil, errors.Join(backfill_errors.ErrBadContinuation,
			backfill_errors.ErrInvalidContinuation)
	}
	return rc, nil
}

// RangeSet is an ordered collection of disjoint RangeContinuation entries,
// indexed by insertion order. Disjointness is owned by whoever constructs the
// set. Entry state advances only through RecordProgress/MarkRangeComplete;
// concurrent executors touch disjoint indexes, the mutex only makes
// cross-entry reads (NextBatchBounds, Done) safe.
type RangeSet struct {
	lock    sync.RWMutex
	entries []*RangeContinuation
}

func NewRangeSet() *RangeSet {
	return &RangeSet{}
}

// Add registers [begin, end) and returns its stable range index. An empty
// interval is born complete and never scanned.
func (rs *RangeSet) Add(begin, end []byte) (int, error) {
	if bytes.Compare(begin, end) > 0 {
		return 0, errors.Join(backfill_errors.ErrInvalidContinuation,
			fmt.Errorf("begin %x after end %x", begin, end))
	}
	rs.lock.Lock()
	defer rs.lock.Unlock()
	rs.entries = append(rs.entries, &RangeContinuation{
		Begin:    append([]byte(nil), begin...),
		End:      append([]byte(nil), end...),
		Complete: bytes.Equal(begin, end),
	})
	return len(rs.entries) - 1, nil
}

func (rs *RangeSet) Len() int {
	rs.lock.RLock()
	defer rs.lock.RUnlock()
	return len(rs.entries)
}

// Entry returns a copy of the continuation at idx.
func (rs *RangeSet) Entry(idx int) (RangeContinuation, error) {
	rs.lock.RLock()
	defer rs.lock.RUnlock()
	if idx < 0 || idx >= len(rs.entries) {
		return RangeContinuation{}, backfill_errors.ErrRangeUnknown
	}
	return *rs.entries[idx], nil
}

// NextBatchBounds returns the scan bounds and index of the first incomplete
// entry in insertion order, or ok=false when every entry is complete.
func (rs *RangeSet) NextBatchBounds() (Bounds, int, bool) {
	rs.lock.RLock()
	defer rs.lock.RUnlock()
	for i, rc := range rs.entries {
		if !rc.Complete {
			return Bounds{Begin: rc.scanStart(), End: rc.End}, i, true
		}
	}
	return Bounds{}, 0, false
}

// BatchBounds returns the next scan bounds for one entry; ok=false once it is
// complete.
func (rs *RangeSet) BatchBounds(idx int) (Bounds, bool, error) {
	rs.lock.RLock()
	defer rs.lock.RUnlock()
	if idx < 0 || idx >= len(rs.entries) {
		return Bounds{}, false, backfill_errors.ErrRangeUnknown
	}
	rc := rs.entries[idx]
	if rc.Complete {
		return Bounds{}, false, nil
	}
	return Bounds{Begin: rc.scanStart(), End: rc.End}, true, nil
}

// RecordProgress advances entry idx to lastKey. Called once per batch, after
// the batch transaction carrying the matching durable write has committed.
func (rs *RangeSet) RecordProgress(idx int, lastKey []byte, complete bool) error {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	if idx < 0 || idx >= len(rs.entries) {
		return backfill_errors.ErrRangeUnknown
	}
	next, err := rs.entries[idx].withProgress(lastKey, complete)
	if err != nil {
		return err
	}
	rs.entries[idx] = next
	return nil
}

// MarkRangeComplete completes entry idx without a key update, for the
// range-already-empty case.
func (rs *RangeSet) MarkRangeComplete(idx int) error {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	if idx < 0 || idx >= len(rs.entries) {
		return backfill_errors.ErrRangeUnknown
	}
	rs.entries[idx] = rs.entries[idx].completed()
	return nil
}

// Done reports whether every entry is complete.
func (rs *RangeSet) Done() bool {
	rs.lock.RLock()
	defer rs.lock.RUnlock()
	for _, rc := range rs.entries {
		if !rc.Complete {
			return false
		}
	}
	return true
}

// MetaKey is the pebble key holding the continuation for one range index:
// prefix followed by the index, big-endian so key order matches index order.
func MetaKey(prefix []byte, idx int) []byte {
	key := append([]byte(nil), prefix...)
	return binary.BigEndian.AppendUint32(key, uint32(idx))
}

func prefixUpperBound(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xff {
			upper := append([]byte(nil), prefix[:i+1]...)
			upper[i]++
			return upper
		}
	}
	return nil
}

// LoadRangeSet reads every continuation stored under prefix and rebuilds the
// set in range-index order. An empty set means no run was seeded yet.
func LoadRangeSet(r pebble.Reader, prefix []byte) (*RangeSet, error) {
	it, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	rs := NewRangeSet()
	for valid := it.First(); valid; valid = it.Next() {
		key := it.Key()
		if len(key) != len(prefix)+4 {
			return nil, errors.Join(backfill_errors.ErrBadContinuation,
				fmt.Errorf("bad meta key %x", key))
		}
		idx := int(binary.BigEndian.Uint32(key[len(prefix):]))
		if idx != len(rs.entries) {
			return nil, errors.Join(backfill_errors.ErrBadContinuation,
				fmt.Errorf("range index gap at %d", idx))
		}
		rc, err := ParseRangeContinuation(it.Value())
		if err != nil {
			return nil, err
		}
		rs.entries = append(rs.entries, rc)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return rs, nil
}
