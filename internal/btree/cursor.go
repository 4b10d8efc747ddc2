package btree

import (
	"encoding/binary"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/pageio"
)

// MaxDepth bounds the cursor stack so corrupt databases cannot loop.
const MaxDepth = 20

// Reader owns a page source and hands out cursors over its B-trees.
type Reader struct {
	src        pageio.PageSource
	usableSize uint32
}

// NewReader creates a Reader over src with the given usable page size.
func NewReader(src pageio.PageSource, usableSize uint32) *Reader {
	return &Reader{src: src, usableSize: usableSize}
}

// UsableSize returns the usable bytes per page.
func (r *Reader) UsableSize() uint32 { return r.usableSize }

// Source returns the underlying page source.
func (r *Reader) Source() pageio.PageSource { return r.src }

// cursor states
const (
	stateUnopened = iota
	stateAtCell
	stateAtEnd
)

// frame is one level of the cursor's root-to-leaf path.
type frame struct {
	pgno uint32
	idx  int // next child to descend (interior) or current cell (leaf)
}

// Cursor traverses a single B-tree. Each page is parsed according to the
// kind byte in its own header; the cursor does not check that every page
// shares the root's kind.
type Cursor struct {
	reader *Reader
	root   uint32
	state  int

	stack [MaxDepth]frame
	depth int // frames in use; stack[depth-1] is the current leaf

	// Current cell, valid in stateAtCell
	cell     CellInfo
	leafPage uint32

	// Reusable buffer for overflow payload assembly; grown on demand and
	// kept across Reset so steady-state reads stop allocating.
	overflowBuf []byte
}

// NewCursor creates a cursor over the tree rooted at root.
func NewCursor(r *Reader, root uint32) *Cursor {
	return &Cursor{reader: r, root: root}
}

// Reset returns the cursor to its initial position so the next MoveNext
// starts at the first entry.
func (c *Cursor) Reset() {
	c.state = stateUnopened
	c.depth = 0
}

// RowID returns the rowid of the current cell. Valid only in a table
// tree after a successful MoveNext or Seek.
func (c *Cursor) RowID() int64 { return c.cell.Key }

// PayloadSize returns the total payload size of the current cell.
func (c *Cursor) PayloadSize() uint32 { return c.cell.PayloadSize }

// Valid reports whether the cursor is positioned on a cell.
func (c *Cursor) Valid() bool { return c.state == stateAtCell }

// page reads a page and parses its header. The depth bound is enforced by
// the callers that push frames.
func (c *Cursor) page(pgno uint32) ([]byte, *PageHeader, error) {
	data, err := c.reader.src.ReadPage(pgno)
	if err != nil {
		return nil, nil, err
	}
	h, err := ParsePageHeader(data, pgno)
	if err != nil {
		return nil, nil, err
	}
	return data, h, nil
}

// descendLeftmost pushes frames from pgno down to its leftmost leaf and
// positions at that leaf's first cell. Empty leaves are handled by the
// caller's advance loop.
func (c *Cursor) descendLeftmost(pgno uint32) error {
	for {
		if c.depth >= MaxDepth {
			return serrors.NewPage(pgno, -1, "descend", "tree depth exceeded")
		}
		data, h, err := c.page(pgno)
		if err != nil {
			return err
		}
		c.stack[c.depth] = frame{pgno: pgno, idx: 0}
		c.depth++

		if h.IsLeaf {
			return nil
		}
		if h.NumCells == 0 {
			// Interior page with only a right child
			pgno = h.RightChild
			continue
		}
		off, err := h.CellPointer(data, pgno, 0)
		if err != nil {
			return err
		}
		cell, err := ParseCell(h.PageType, pgno, data[off:], c.reader.usableSize)
		if err != nil {
			return err
		}
		pgno = cell.ChildPage
	}
}

// loadCell parses the current leaf cell into c.cell.
func (c *Cursor) loadCell() error {
	f := &c.stack[c.depth-1]
	data, h, err := c.page(f.pgno)
	if err != nil {
		return err
	}
	off, err := h.CellPointer(data, f.pgno, f.idx)
	if err != nil {
		return err
	}
	cell, err := ParseCell(h.PageType, f.pgno, data[off:], c.reader.usableSize)
	if err != nil {
		return err
	}
	c.cell = *cell
	c.leafPage = f.pgno
	c.state = stateAtCell
	return nil
}

// MoveNext advances to the next entry in key order. It returns false once
// the tree is exhausted; further calls keep returning false.
func (c *Cursor) MoveNext() (bool, error) {
	switch c.state {
	case stateAtEnd:
		return false, nil

	case stateUnopened:
		c.depth = 0
		if err := c.descendLeftmost(c.root); err != nil {
			return false, err
		}

	case stateAtCell:
		c.stack[c.depth-1].idx++
	}

	// Find the next cell, popping exhausted frames and descending new
	// subtrees as needed.
	for {
		if c.depth == 0 {
			c.state = stateAtEnd
			return false, nil
		}
		f := &c.stack[c.depth-1]
		data, h, err := c.page(f.pgno)
		if err != nil {
			return false, err
		}

		if h.IsLeaf {
			if f.idx < int(h.NumCells) {
				if err := c.loadCell(); err != nil {
					return false, err
				}
				return true, nil
			}
			// Leaf exhausted (or empty): pop
			c.depth--
			if c.depth > 0 {
				c.stack[c.depth-1].idx++
			}
			continue
		}

		// Interior: idx in [0, NumCells] selects a child; NumCells means
		// the right child; beyond that the frame is exhausted.
		if f.idx < int(h.NumCells) {
			off, err := h.CellPointer(data, f.pgno, f.idx)
			if err != nil {
				return false, err
			}
			cell, err := ParseCell(h.PageType, f.pgno, data[off:], c.reader.usableSize)
			if err != nil {
				return false, err
			}
			if err := c.descendLeftmost(cell.ChildPage); err != nil {
				return false, err
			}
			continue
		}
		if f.idx == int(h.NumCells) && !h.IsLeaf {
			if err := c.descendLeftmost(h.RightChild); err != nil {
				return false, err
			}
			continue
		}
		c.depth--
		if c.depth > 0 {
			c.stack[c.depth-1].idx++
		}
	}
}

// Seek positions the cursor at the cell with the given rowid, or at the
// smallest rowid greater than it. Returns true only on an exact match.
// After Seek, MoveNext continues from the sought position.
func (c *Cursor) Seek(rowid int64) (bool, error) {
	c.depth = 0
	c.state = stateUnopened
	pgno := c.root

	for {
		if c.depth >= MaxDepth {
			return false, serrors.NewPage(pgno, -1, "seek", "tree depth exceeded")
		}
		data, h, err := c.page(pgno)
		if err != nil {
			return false, err
		}

		if h.IsLeaf {
			// Binary search for the lower bound within the leaf
			lo, hi := 0, int(h.NumCells)
			exact := false
			for lo < hi {
				mid := (lo + hi) / 2
				off, err := h.CellPointer(data, pgno, mid)
				if err != nil {
					return false, err
				}
				cell, err := ParseCell(h.PageType, pgno, data[off:], c.reader.usableSize)
				if err != nil {
					return false, err
				}
				switch {
				case cell.Key == rowid:
					lo = mid
					hi = mid
					exact = true
				case cell.Key < rowid:
					lo = mid + 1
				default:
					hi = mid
				}
			}
			c.stack[c.depth] = frame{pgno: pgno, idx: lo}
			c.depth++

			if lo < int(h.NumCells) {
				if err := c.loadCell(); err != nil {
					return false, err
				}
				return exact, nil
			}
			// Past the last cell of this leaf: advance into the next one
			c.state = stateAtCell
			c.stack[c.depth-1].idx = int(h.NumCells) - 1
			ok, err := c.MoveNext()
			if err != nil {
				return false, err
			}
			if !ok {
				c.state = stateAtEnd
			}
			return false, nil
		}

		// Interior: follow the left child of the smallest key >= rowid,
		// or the right child when every key is smaller.
		lo, hi := 0, int(h.NumCells)
		for lo < hi {
			mid := (lo + hi) / 2
			off, err := h.CellPointer(data, pgno, mid)
			if err != nil {
				return false, err
			}
			cell, err := ParseCell(h.PageType, pgno, data[off:], c.reader.usableSize)
			if err != nil {
				return false, err
			}
			if cell.Key < rowid {
				lo = mid + 1
			} else {
				hi = mid
			}
		}

		c.stack[c.depth] = frame{pgno: pgno, idx: lo}
		c.depth++

		if lo < int(h.NumCells) {
			off, err := h.CellPointer(data, pgno, lo)
			if err != nil {
				return false, err
			}
			cell, err := ParseCell(h.PageType, pgno, data[off:], c.reader.usableSize)
			if err != nil {
				return false, err
			}
			pgno = cell.ChildPage
		} else {
			pgno = h.RightChild
		}
	}
}

// SeekFirst positions at the smallest rowid >= the given value, returning
// false when the tree holds no such entry.
func (c *Cursor) SeekFirst(rowid int64) (bool, error) {
	if _, err := c.Seek(rowid); err != nil {
		return false, err
	}
	return c.state == stateAtCell, nil
}

// Payload returns the full payload of the current cell. When the payload
// is entirely inline the returned slice borrows the page; otherwise the
// overflow chain is assembled into the cursor's reusable buffer.
func (c *Cursor) Payload() ([]byte, error) {
	if c.state != stateAtCell {
		return nil, serrors.NewArgument("cursor", "not positioned on a cell")
	}
	if c.cell.LocalPayload == c.cell.PayloadSize {
		return c.cell.Payload, nil
	}
	return c.assembleOverflow()
}

// assembleOverflow walks the overflow chain and concatenates the payload.
// The walk is bounded by the chain length implied by the payload size;
// exceeding that hop count is reported as a pointer cycle.
func (c *Cursor) assembleOverflow() ([]byte, error) {
	total := int(c.cell.PayloadSize)
	if cap(c.overflowBuf) < total {
		c.overflowBuf = make([]byte, total)
	}
	buf := c.overflowBuf[:total]
	n := copy(buf, c.cell.Payload)

	pageSize := c.reader.src.PageSize()
	usable := int(c.reader.usableSize)
	perPage := usable - 4

	// Upper bound on chain length; anything longer is a cycle or trash.
	maxPages := (total-n)/perPage + 2

	next := c.cell.OverflowPage
	for hops := 0; next != 0 && n < total; hops++ {
		if hops >= maxPages {
			return nil, serrors.NewPage(next, -1, "read overflow", "overflow chain cycle")
		}
		if next > c.reader.src.PageCount() {
			return nil, serrors.NewPage(next, -1, "read overflow", "overflow page beyond database end")
		}
		data, err := c.reader.src.ReadPage(next)
		if err != nil {
			return nil, err
		}
		if len(data) < pageSize {
			return nil, serrors.NewPage(next, 0, "read overflow", "short page")
		}
		chunk := total - n
		if chunk > perPage {
			chunk = perPage
		}
		n += copy(buf[n:], data[4:4+chunk])
		next = binary.BigEndian.Uint32(data)
	}
	if n < total {
		return nil, serrors.NewPage(c.leafPage, -1, "read overflow", "overflow chain ends before payload complete")
	}
	return buf, nil
}
