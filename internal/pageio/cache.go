package pageio

import "container/list"

// DefaultCacheCapacity is the default LRU capacity in pages.
const DefaultCacheCapacity = 2000

// CachedSource wraps any source with an LRU page cache. Hits return the
// cache's owned copy, so borrows from a cached source stay valid across
// subsequent reads until the entry is evicted.
type CachedSource struct {
	inner    PageSource
	capacity int
	entries  map[uint32]*list.Element
	order    *list.List // front = most recently used

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	pgno uint32
	data []byte
}

// NewCachedSource wraps inner with an LRU cache of the given capacity in
// pages. A capacity <= 0 selects DefaultCacheCapacity.
func NewCachedSource(inner PageSource, capacity int) *CachedSource {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &CachedSource{
		inner:    inner,
		capacity: capacity,
		entries:  make(map[uint32]*list.Element, capacity),
		order:    list.New(),
	}
}

// ReadPage returns the cached copy, pulling from the inner source on miss.
func (s *CachedSource) ReadPage(pgno uint32) ([]byte, error) {
	if el, ok := s.entries[pgno]; ok {
		s.order.MoveToFront(el)
		s.hits++
		return el.Value.(*cacheEntry).data, nil
	}

	raw, err := s.inner.ReadPage(pgno)
	if err != nil {
		return nil, err
	}
	s.misses++

	var slot []byte
	if s.order.Len() >= s.capacity {
		// Evict the least-recently-used entry and reuse its buffer.
		back := s.order.Back()
		victim := back.Value.(*cacheEntry)
		delete(s.entries, victim.pgno)
		s.order.Remove(back)
		slot = victim.data
	} else {
		slot = make([]byte, len(raw))
	}
	copy(slot, raw)

	el := s.order.PushFront(&cacheEntry{pgno: pgno, data: slot})
	s.entries[pgno] = el
	return slot, nil
}

// Invalidate drops a page from the cache. The writer calls this for every
// page it rewrites.
func (s *CachedSource) Invalidate(pgno uint32) {
	if el, ok := s.entries[pgno]; ok {
		delete(s.entries, pgno)
		s.order.Remove(el)
	}
}

// InvalidateAll empties the cache.
func (s *CachedSource) InvalidateAll() {
	s.entries = make(map[uint32]*list.Element, s.capacity)
	s.order.Init()
}

// Refresh propagates to the inner source so newly committed pages are
// visible.
func (s *CachedSource) Refresh() error {
	if r, ok := s.inner.(Refresher); ok {
		return r.Refresh()
	}
	return nil
}

// Stats returns cumulative hit and miss counts.
func (s *CachedSource) Stats() (hits, misses uint64) { return s.hits, s.misses }

// Len returns the number of cached pages.
func (s *CachedSource) Len() int { return s.order.Len() }

// PageCount returns the inner source's page count.
func (s *CachedSource) PageCount() uint32 { return s.inner.PageCount() }

// PageSize returns the page size in bytes.
func (s *CachedSource) PageSize() int { return s.inner.PageSize() }

// Close closes the inner source.
func (s *CachedSource) Close() error {
	s.InvalidateAll()
	return s.inner.Close()
}
