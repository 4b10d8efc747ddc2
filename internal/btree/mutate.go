package btree

import (
	"encoding/binary"

	serrors "github.com/revred/sharc/errors"
)

// PageManager supplies the mutator with journaled, writable pages. The
// writer package implements it: GetWritable captures a pre-image of the
// page in the rollback journal before handing out the buffer.
type PageManager interface {
	// GetWritable returns the mutable buffer for a page, journaling its
	// pre-image on first touch.
	GetWritable(pgno uint32) ([]byte, error)
	// Allocate returns a fresh page (freelist first, else file extension)
	// with a zeroed writable buffer.
	Allocate() (uint32, []byte, error)
	// Free returns a page to the freelist.
	Free(pgno uint32) error
	// UsableSize is the usable bytes per page.
	UsableSize() uint32
	// PageSize is the raw page size.
	PageSize() int
}

// Mutator performs insert/delete operations on table B-trees through a
// PageManager.
type Mutator struct {
	pm PageManager
}

// NewMutator creates a mutator over pm.
func NewMutator(pm PageManager) *Mutator {
	return &Mutator{pm: pm}
}

// CreateTree allocates an empty table leaf page and returns its number,
// ready to serve as a new table's root.
func (m *Mutator) CreateTree() (uint32, error) {
	pgno, buf, err := m.pm.Allocate()
	if err != nil {
		return 0, err
	}
	InitPage(buf, pgno, PageTypeLeafTable, m.pm.UsableSize())
	return pgno, nil
}

// pathEntry records one step of a root-to-leaf descent.
type pathEntry struct {
	pgno     uint32
	childIdx int  // index of the cell whose child was followed
	viaRight bool // followed the right-child pointer instead
}

// descend walks from root to the leaf that owns rowid, recording the path.
func (m *Mutator) descend(root uint32, rowid int64) ([]pathEntry, uint32, error) {
	var path []pathEntry
	pgno := root
	for depth := 0; ; depth++ {
		if depth >= MaxDepth {
			return nil, 0, serrors.NewPage(pgno, -1, "descend", "tree depth exceeded")
		}
		data, err := m.pm.GetWritable(pgno)
		if err != nil {
			return nil, 0, err
		}
		h, err := ParsePageHeader(data, pgno)
		if err != nil {
			return nil, 0, err
		}
		if h.IsLeaf {
			return path, pgno, nil
		}

		// Smallest key >= rowid picks the child; all smaller -> right child
		lo, hi := 0, int(h.NumCells)
		for lo < hi {
			mid := (lo + hi) / 2
			off, err := h.CellPointer(data, pgno, mid)
			if err != nil {
				return nil, 0, err
			}
			cell, err := ParseCell(h.PageType, pgno, data[off:], m.pm.UsableSize())
			if err != nil {
				return nil, 0, err
			}
			if cell.Key < rowid {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo < int(h.NumCells) {
			off, err := h.CellPointer(data, pgno, lo)
			if err != nil {
				return nil, 0, err
			}
			cell, err := ParseCell(h.PageType, pgno, data[off:], m.pm.UsableSize())
			if err != nil {
				return nil, 0, err
			}
			path = append(path, pathEntry{pgno: pgno, childIdx: lo})
			pgno = cell.ChildPage
		} else {
			path = append(path, pathEntry{pgno: pgno, viaRight: true})
			pgno = h.RightChild
		}
	}
}

// writeOverflowChain stores payload bytes beyond the inline prefix in a
// chain of freshly allocated pages and returns the first page number.
func (m *Mutator) writeOverflowChain(rest []byte) (uint32, error) {
	perPage := int(m.pm.UsableSize()) - 4

	var first uint32
	var prevBuf []byte
	for len(rest) > 0 {
		pgno, buf, err := m.pm.Allocate()
		if err != nil {
			return 0, err
		}
		if first == 0 {
			first = pgno
		} else {
			binary.BigEndian.PutUint32(prevBuf, pgno)
		}

		n := len(rest)
		if n > perPage {
			n = perPage
		}
		binary.BigEndian.PutUint32(buf, 0)
		copy(buf[4:], rest[:n])
		rest = rest[n:]

		prevBuf = buf
	}
	return first, nil
}

// buildLeafCell encodes a table leaf cell for payload, spilling to an
// overflow chain when it exceeds the inline threshold.
func (m *Mutator) buildLeafCell(rowid int64, payload []byte) ([]byte, error) {
	usable := m.pm.UsableSize()
	local := localPayload(uint32(len(payload)), usable, true)
	if int(local) == len(payload) {
		return EncodeTableLeafCell(rowid, uint32(len(payload)), payload, 0), nil
	}
	first, err := m.writeOverflowChain(payload[local:])
	if err != nil {
		return nil, err
	}
	return EncodeTableLeafCell(rowid, uint32(len(payload)), payload[:local], first), nil
}

// Insert adds a row to the tree rooted at root. The rowid must not
// already exist (the writer resolves duplicates beforehand).
func (m *Mutator) Insert(root uint32, rowid int64, payload []byte) error {
	cell, err := m.buildLeafCell(rowid, payload)
	if err != nil {
		return err
	}

	path, leafPgno, err := m.descend(root, rowid)
	if err != nil {
		return err
	}

	data, err := m.pm.GetWritable(leafPgno)
	if err != nil {
		return err
	}
	wp, err := NewWritablePage(leafPgno, data, m.pm.UsableSize())
	if err != nil {
		return err
	}

	idx, err := m.leafInsertIndex(wp, rowid)
	if err != nil {
		return err
	}

	if err := wp.InsertCell(idx, cell); err != nil {
		if !IsPageFull(err) {
			return err
		}
		return m.splitAndInsert(path, wp, idx, cell, rowid)
	}
	return nil
}

// leafInsertIndex binary-searches the insertion position for rowid.
func (m *Mutator) leafInsertIndex(wp *WritablePage, rowid int64) (int, error) {
	lo, hi := 0, int(wp.Header.NumCells)
	for lo < hi {
		mid := (lo + hi) / 2
		off, err := wp.Header.CellPointer(wp.Data, wp.Pgno, mid)
		if err != nil {
			return 0, err
		}
		cell, err := ParseCell(wp.Header.PageType, wp.Pgno, wp.Data[off:], wp.UsableSize)
		if err != nil {
			return 0, err
		}
		if cell.Key < rowid {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// rawCells snapshots every cell of a page as owned byte slices, in order.
func rawCells(wp *WritablePage) ([][]byte, []int64, error) {
	cells := make([][]byte, wp.Header.NumCells)
	keys := make([]int64, wp.Header.NumCells)
	for i := 0; i < int(wp.Header.NumCells); i++ {
		off, err := wp.Header.CellPointer(wp.Data, wp.Pgno, i)
		if err != nil {
			return nil, nil, err
		}
		info, err := ParseCell(wp.Header.PageType, wp.Pgno, wp.Data[off:], wp.UsableSize)
		if err != nil {
			return nil, nil, err
		}
		buf := make([]byte, info.CellSize)
		copy(buf, wp.Data[off:off+int(info.CellSize)])
		cells[i] = buf
		keys[i] = info.Key
	}
	return cells, keys, nil
}

// refill reinitializes a page with the given type and cells.
func (m *Mutator) refill(wp *WritablePage, pageType byte, cells [][]byte) error {
	InitPage(wp.Data, wp.Pgno, pageType, m.pm.UsableSize())
	h, err := ParsePageHeader(wp.Data, wp.Pgno)
	if err != nil {
		return err
	}
	wp.Header = h
	for i, c := range cells {
		if err := wp.InsertCell(i, c); err != nil {
			return err
		}
	}
	return nil
}

// splitAndInsert splits a full leaf, distributes its cells plus the new
// one, and pushes a separator into the parent (splitting upward as
// needed). Root pages keep their page number: a splitting root moves its
// cells into two fresh children and becomes interior.
func (m *Mutator) splitAndInsert(path []pathEntry, wp *WritablePage, idx int, newCell []byte, rowid int64) error {
	cells, keys, err := rawCells(wp)
	if err != nil {
		return err
	}
	// Place the new cell in order
	cells = append(cells, nil)
	keys = append(keys, 0)
	copy(cells[idx+1:], cells[idx:])
	copy(keys[idx+1:], keys[idx:])
	cells[idx] = newCell
	keys[idx] = rowid

	// Median split by accumulated bytes (cell sizes can be skewed), or a
	// 2/3 split when appending at the far right so sequential loads leave
	// fuller pages behind.
	numerator := 1
	denominator := 2
	if idx == len(cells)-1 {
		numerator, denominator = 2, 3
	}
	splitIdx := splitPoint(cells, numerator, denominator)
	leftCells, rightCells := cells[:splitIdx], cells[splitIdx:]
	sepKey := keys[splitIdx-1]

	rightPgno, rightBuf, err := m.pm.Allocate()
	if err != nil {
		return err
	}
	rightWP := &WritablePage{Data: rightBuf, Pgno: rightPgno, UsableSize: m.pm.UsableSize()}
	if err := m.refill(rightWP, PageTypeLeafTable, rightCells); err != nil {
		return err
	}

	if len(path) == 0 {
		// Splitting the root: move the left half into a new child and
		// convert the root to interior.
		leftPgno, leftBuf, err := m.pm.Allocate()
		if err != nil {
			return err
		}
		leftWP := &WritablePage{Data: leftBuf, Pgno: leftPgno, UsableSize: m.pm.UsableSize()}
		if err := m.refill(leftWP, PageTypeLeafTable, leftCells); err != nil {
			return err
		}
		if err := m.refill(wp, PageTypeInteriorTable, [][]byte{EncodeTableInteriorCell(leftPgno, sepKey)}); err != nil {
			return err
		}
		wp.SetRightChild(rightPgno)
		return nil
	}

	if err := m.refill(wp, PageTypeLeafTable, leftCells); err != nil {
		return err
	}
	return m.insertSeparator(path, wp.Pgno, rightPgno, sepKey)
}

// insertSeparator links a freshly split right page into the parent at the
// position recorded during descent, splitting the parent when it is full.
func (m *Mutator) insertSeparator(path []pathEntry, leftPgno, rightPgno uint32, sepKey int64) error {
	parent := path[len(path)-1]
	data, err := m.pm.GetWritable(parent.pgno)
	if err != nil {
		return err
	}
	wp, err := NewWritablePage(parent.pgno, data, m.pm.UsableSize())
	if err != nil {
		return err
	}

	sepCell := EncodeTableInteriorCell(leftPgno, sepKey)

	if parent.viaRight {
		// Left half keeps its slot under a new separator; the right page
		// becomes the new right child.
		if err := wp.InsertCell(int(wp.Header.NumCells), sepCell); err != nil {
			if !IsPageFull(err) {
				return err
			}
			return m.splitInterior(path, wp, int(wp.Header.NumCells), sepCell, sepKey, rightPgno, true)
		}
		wp.SetRightChild(rightPgno)
		return nil
	}

	// The child was reached through cell childIdx; repoint that cell at
	// the right half and insert the separator before it.
	off, err := wp.Header.CellPointer(wp.Data, wp.Pgno, parent.childIdx)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(wp.Data[off:], rightPgno)

	if err := wp.InsertCell(parent.childIdx, sepCell); err != nil {
		if !IsPageFull(err) {
			return err
		}
		return m.splitInterior(path, wp, parent.childIdx, sepCell, sepKey, 0, false)
	}
	return nil
}

// splitInterior splits a full interior page around its median cell, whose
// key ascends into the parent. pendingRight, when non-zero, is a right
// child that still needs to be installed (the via-right insert case).
func (m *Mutator) splitInterior(path []pathEntry, wp *WritablePage, idx int, newCell []byte, newKey int64, pendingRight uint32, viaRight bool) error {
	cells, keys, err := rawCells(wp)
	if err != nil {
		return err
	}
	oldRight := wp.Header.RightChild

	cells = append(cells, nil)
	keys = append(keys, 0)
	copy(cells[idx+1:], cells[idx:])
	copy(keys[idx+1:], keys[idx:])
	cells[idx] = newCell
	keys[idx] = newKey

	if viaRight && pendingRight != 0 {
		oldRight = pendingRight
	}

	mid := len(cells) / 2
	sepKey := keys[mid]
	sepChild := binary.BigEndian.Uint32(cells[mid])

	leftCells := cells[:mid]
	rightCells := cells[mid+1:]

	rightPgno, rightBuf, err := m.pm.Allocate()
	if err != nil {
		return err
	}
	rightWP := &WritablePage{Data: rightBuf, Pgno: rightPgno, UsableSize: m.pm.UsableSize()}
	if err := m.refill(rightWP, PageTypeInteriorTable, rightCells); err != nil {
		return err
	}
	rightWP.SetRightChild(oldRight)

	if len(path) == 1 {
		// Interior root: keep its page number, push both halves down.
		leftPgno, leftBuf, err := m.pm.Allocate()
		if err != nil {
			return err
		}
		leftWP := &WritablePage{Data: leftBuf, Pgno: leftPgno, UsableSize: m.pm.UsableSize()}
		if err := m.refill(leftWP, PageTypeInteriorTable, leftCells); err != nil {
			return err
		}
		leftWP.SetRightChild(sepChild)

		if err := m.refill(wp, PageTypeInteriorTable, [][]byte{EncodeTableInteriorCell(leftPgno, sepKey)}); err != nil {
			return err
		}
		wp.SetRightChild(rightPgno)
		return nil
	}

	if err := m.refill(wp, PageTypeInteriorTable, leftCells); err != nil {
		return err
	}
	wp.SetRightChild(sepChild)

	return m.insertSeparator(path[:len(path)-1], wp.Pgno, rightPgno, sepKey)
}

// Delete removes the row with the given rowid from the tree rooted at
// root, freeing any overflow chain. Underfull pages are left in place;
// the format tolerates them and space is reclaimed on later inserts.
func (m *Mutator) Delete(root uint32, rowid int64) (bool, error) {
	_, leafPgno, err := m.descend(root, rowid)
	if err != nil {
		return false, err
	}
	data, err := m.pm.GetWritable(leafPgno)
	if err != nil {
		return false, err
	}
	wp, err := NewWritablePage(leafPgno, data, m.pm.UsableSize())
	if err != nil {
		return false, err
	}

	idx, err := m.leafInsertIndex(wp, rowid)
	if err != nil {
		return false, err
	}
	if idx >= int(wp.Header.NumCells) {
		return false, nil
	}
	off, err := wp.Header.CellPointer(wp.Data, wp.Pgno, idx)
	if err != nil {
		return false, err
	}
	info, err := ParseCell(wp.Header.PageType, wp.Pgno, wp.Data[off:], wp.UsableSize)
	if err != nil {
		return false, err
	}
	if info.Key != rowid {
		return false, nil
	}

	if info.OverflowPage != 0 {
		if err := m.freeOverflowChain(info.OverflowPage); err != nil {
			return false, err
		}
	}
	if err := wp.DeleteCell(idx); err != nil {
		return false, err
	}
	return true, nil
}

// freeOverflowChain returns an overflow chain to the freelist.
func (m *Mutator) freeOverflowChain(first uint32) error {
	next := first
	for hops := 0; next != 0; hops++ {
		if hops > int(m.pm.UsableSize()) {
			return serrors.NewPage(next, -1, "free overflow", "overflow chain cycle")
		}
		data, err := m.pm.GetWritable(next)
		if err != nil {
			return err
		}
		following := binary.BigEndian.Uint32(data)
		if err := m.pm.Free(next); err != nil {
			return err
		}
		next = following
	}
	return nil
}

// FreeTree frees every page of the tree rooted at root, overflow chains
// included. Used by DROP TABLE.
func (m *Mutator) FreeTree(root uint32) error {
	data, err := m.pm.GetWritable(root)
	if err != nil {
		return err
	}
	h, err := ParsePageHeader(data, root)
	if err != nil {
		return err
	}

	for i := 0; i < int(h.NumCells); i++ {
		off, err := h.CellPointer(data, root, i)
		if err != nil {
			return err
		}
		info, err := ParseCell(h.PageType, root, data[off:], m.pm.UsableSize())
		if err != nil {
			return err
		}
		if !h.IsLeaf {
			if err := m.FreeTree(info.ChildPage); err != nil {
				return err
			}
			// Child recursion may have rewritten our buffer's cache slot;
			// re-fetch before the next cell.
			if data, err = m.pm.GetWritable(root); err != nil {
				return err
			}
			if h, err = ParsePageHeader(data, root); err != nil {
				return err
			}
		} else if info.OverflowPage != 0 {
			if err := m.freeOverflowChain(info.OverflowPage); err != nil {
				return err
			}
		}
	}
	if !h.IsLeaf {
		if err := m.FreeTree(h.RightChild); err != nil {
			return err
		}
	}
	return m.pm.Free(root)
}

// splitPoint picks the index where the left side first accumulates
// numerator/denominator of the total cell bytes, keeping both sides
// non-empty.
func splitPoint(cells [][]byte, numerator, denominator int) int {
	total := 0
	for _, c := range cells {
		total += len(c) + 2
	}
	target := total * numerator / denominator
	acc := 0
	for i, c := range cells {
		acc += len(c) + 2
		if acc >= target {
			if i == len(cells)-1 {
				return len(cells) - 1
			}
			return i + 1
		}
	}
	return len(cells) - 1
}

// NextRowID returns the largest rowid in the tree plus one, for
// auto-assigned rowids. An empty tree yields 1.
func (m *Mutator) NextRowID(root uint32) (int64, error) {
	pgno := root
	for depth := 0; ; depth++ {
		if depth >= MaxDepth {
			return 0, serrors.NewPage(pgno, -1, "next rowid", "tree depth exceeded")
		}
		data, err := m.pm.GetWritable(pgno)
		if err != nil {
			return 0, err
		}
		h, err := ParsePageHeader(data, pgno)
		if err != nil {
			return 0, err
		}
		if h.IsLeaf {
			if h.NumCells == 0 {
				return 1, nil
			}
			off, err := h.CellPointer(data, pgno, int(h.NumCells)-1)
			if err != nil {
				return 0, err
			}
			info, err := ParseCell(h.PageType, pgno, data[off:], m.pm.UsableSize())
			if err != nil {
				return 0, err
			}
			return info.Key + 1, nil
		}
		pgno = h.RightChild
	}
}
