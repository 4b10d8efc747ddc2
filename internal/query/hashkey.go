package query

import (
	"encoding/binary"
	"math"

	"github.com/dchest/siphash"

	"github.com/revred/sharc/internal/record"
)

// Canonical value encoding for hash keys. Numerics normalize so that
// 1 and 1.0 produce the same key; each value is tagged so text never
// collides with a blob of the same bytes.

const (
	tagNull = 0
	tagInt  = 1
	tagReal = 2
	tagText = 3
	tagBlob = 4
)

// siphash keys; fixed constants make hashes stable within a process.
const (
	hashK0 = 0x736861726352756e
	hashK1 = 0x6a6f696e6b657973
)

// appendCanonical appends the canonical encoding of v to dst.
func appendCanonical(dst []byte, v record.Value) []byte {
	switch v.Type {
	case record.TypeNull:
		return append(dst, tagNull)
	case record.TypeInteger:
		dst = append(dst, tagInt)
		return binary.LittleEndian.AppendUint64(dst, uint64(v.Int))
	case record.TypeFloat:
		// Integral floats fold onto the integer encoding.
		if i := int64(v.Float); float64(i) == v.Float {
			dst = append(dst, tagInt)
			return binary.LittleEndian.AppendUint64(dst, uint64(i))
		}
		dst = append(dst, tagReal)
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.Float))
	case record.TypeText:
		dst = append(dst, tagText)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(v.Bytes)))
		return append(dst, v.Bytes...)
	default:
		dst = append(dst, tagBlob)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(v.Bytes)))
		return append(dst, v.Bytes...)
	}
}

// hashKey hashes a canonical encoding.
func hashKey(canonical []byte) uint64 {
	return siphash.Hash(hashK0, hashK1, canonical)
}

// rowKey builds the canonical encoding of selected columns into buf and
// returns the extended buffer plus its hash.
func rowKey(buf []byte, row []record.Value, idx []int) ([]byte, uint64) {
	buf = buf[:0]
	for _, i := range idx {
		buf = appendCanonical(buf, row[i])
	}
	return buf, hashKey(buf)
}

// matchTracker records which build-side rows found a probe match, tiered
// by build size: a 32-byte inline bit array up to 256 rows, a bit-packed
// array up to 8192 rows (1 KiB) allocated per join and not pooled, and an
// open-addressing set beyond that.
type matchTracker interface {
	mark(i int)
	marked(i int) bool
}

const (
	smallTrackerMax = 256
	midTrackerMax   = 8192
)

// newMatchTracker picks the tier for n build rows.
func newMatchTracker(n int) matchTracker {
	switch {
	case n <= smallTrackerMax:
		return &smallTracker{}
	case n <= midTrackerMax:
		return &bitsetTracker{bits: make([]uint64, (n+63)/64)}
	default:
		return newIntSet(n / 2)
	}
}

// smallTracker is a fixed 256-bit array; 32 bytes, no allocation.
type smallTracker struct {
	bits [4]uint64
}

func (t *smallTracker) mark(i int)        { t.bits[i>>6] |= 1 << (uint(i) & 63) }
func (t *smallTracker) marked(i int) bool { return t.bits[i>>6]&(1<<(uint(i)&63)) != 0 }

// bitsetTracker is a heap bitset bounded at 1 KiB for the mid tier.
type bitsetTracker struct {
	bits []uint64
}

func (t *bitsetTracker) mark(i int)        { t.bits[i>>6] |= 1 << (uint(i) & 63) }
func (t *bitsetTracker) marked(i int) bool { return t.bits[i>>6]&(1<<(uint(i)&63)) != 0 }

// intSet is an open-addressing set of non-negative ints with linear
// probing and backward-shift deletion.
type intSet struct {
	slots []int64 // -1 = empty
	used  int
}

func newIntSet(capacity int) *intSet {
	if capacity < 16 {
		capacity = 16
	}
	size := 1
	for size < capacity*2 {
		size <<= 1
	}
	s := &intSet{slots: make([]int64, size)}
	for i := range s.slots {
		s.slots[i] = -1
	}
	return s
}

func (s *intSet) slot(v int64) int {
	h := uint64(v) * 0x9e3779b97f4a7c15
	return int(h & uint64(len(s.slots)-1))
}

func (s *intSet) mark(i int) { s.add(int64(i)) }

func (s *intSet) marked(i int) bool { return s.contains(int64(i)) }

func (s *intSet) add(v int64) {
	if s.used*2 >= len(s.slots) {
		s.grow()
	}
	i := s.slot(v)
	for s.slots[i] >= 0 {
		if s.slots[i] == v {
			return
		}
		i = (i + 1) & (len(s.slots) - 1)
	}
	s.slots[i] = v
	s.used++
}

func (s *intSet) contains(v int64) bool {
	i := s.slot(v)
	for s.slots[i] >= 0 {
		if s.slots[i] == v {
			return true
		}
		i = (i + 1) & (len(s.slots) - 1)
	}
	return false
}

// remove deletes v, backward-shifting the probe run so lookups stay
// correct without tombstones.
func (s *intSet) remove(v int64) {
	i := s.slot(v)
	for s.slots[i] != v {
		if s.slots[i] < 0 {
			return
		}
		i = (i + 1) & (len(s.slots) - 1)
	}
	s.slots[i] = -1
	s.used--

	// Re-place everything in the run after the hole.
	j := (i + 1) & (len(s.slots) - 1)
	for s.slots[j] >= 0 {
		w := s.slots[j]
		s.slots[j] = -1
		s.used--
		s.add(w)
		j = (j + 1) & (len(s.slots) - 1)
	}
}

func (s *intSet) grow() {
	old := s.slots
	s.slots = make([]int64, len(old)*2)
	for i := range s.slots {
		s.slots[i] = -1
	}
	s.used = 0
	for _, v := range old {
		if v >= 0 {
			s.add(v)
		}
	}
}

// rowSet is a hash map from canonical row keys to buffered occurrence
// counts, used by the set operations. Collisions verify on the stored
// canonical bytes.
type rowSet struct {
	buckets map[uint64][]rowSetEntry
}

type rowSetEntry struct {
	key   []byte
	count int
}

func newRowSet() *rowSet {
	return &rowSet{buckets: make(map[uint64][]rowSetEntry)}
}

// add inserts a canonical key and returns its new count.
func (s *rowSet) add(key []byte) int {
	h := hashKey(key)
	bucket := s.buckets[h]
	for i := range bucket {
		if bytesEqual(bucket[i].key, key) {
			bucket[i].count++
			return bucket[i].count
		}
	}
	owned := make([]byte, len(key))
	copy(owned, key)
	s.buckets[h] = append(bucket, rowSetEntry{key: owned, count: 1})
	return 1
}

// count returns the occurrence count for a canonical key.
func (s *rowSet) count(key []byte) int {
	for _, e := range s.buckets[hashKey(key)] {
		if bytesEqual(e.key, key) {
			return e.count
		}
	}
	return 0
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
