// Package btree implements traversal and mutation of SQLite table and
// index B-trees: page layout, cells, cursors, overflow chains, and
// page splits.
package btree

import (
	"encoding/binary"

	serrors "github.com/revred/sharc/errors"
)

// Page type constants (first byte of page header)
const (
	PageTypeInteriorIndex = 0x02 // Interior index b-tree page
	PageTypeInteriorTable = 0x05 // Interior table b-tree page
	PageTypeLeafIndex     = 0x0a // Leaf index b-tree page
	PageTypeLeafTable     = 0x0d // Leaf table b-tree page
)

// Page type flags (bit flags in the page type byte)
const (
	PTF_INTKEY   = 0x01 // Table b-trees (integer key)
	PTF_ZERODATA = 0x02 // Index b-trees (no data, only keys)
	PTF_LEAF     = 0x08 // Leaf page
)

// Page header offsets
const (
	PageHeaderOffsetType       = 0 // Page type (1 byte)
	PageHeaderOffsetFreeblock  = 1 // First freeblock offset (2 bytes)
	PageHeaderOffsetNumCells   = 3 // Number of cells (2 bytes)
	PageHeaderOffsetCellStart  = 5 // Start of cell content area (2 bytes)
	PageHeaderOffsetFragmented = 7 // Fragmented free bytes (1 byte)
	PageHeaderOffsetRightChild = 8 // Right-most child pointer (4 bytes, interior only)
)

// Header sizes
const (
	PageHeaderSizeLeaf     = 8   // Leaf pages: 8 bytes
	PageHeaderSizeInterior = 12  // Interior pages: 12 bytes (includes right child)
	FileHeaderSize         = 100 // Database file header on page 1
)

// PageHeader represents the parsed header of a B-tree page
type PageHeader struct {
	PageType         byte   // Page type (0x02, 0x05, 0x0a, 0x0d)
	FirstFreeblock   uint16 // Offset to first freeblock (0 if none)
	NumCells         uint16 // Number of cells on this page
	CellContentStart uint32 // Start of cell content area (stored 0 means 65536)
	FragmentedBytes  byte   // Number of fragmented free bytes
	RightChild       uint32 // Right-most child page number (interior pages only)

	// Derived properties
	IsLeaf        bool // True if this is a leaf page
	IsTable       bool // True if this is a table b-tree (intkey)
	HeaderSize    int  // Size of page header (8 or 12 bytes)
	CellPtrOffset int  // Offset where the cell pointer array starts
}

// ParsePageHeader parses the B-tree page header from raw page data.
func ParsePageHeader(data []byte, pgno uint32) (*PageHeader, error) {
	// Page 1 hosts the 100-byte file header first
	offset := 0
	if pgno == 1 {
		offset = FileHeaderSize
	}
	if len(data) < offset+PageHeaderSizeLeaf {
		return nil, serrors.NewPage(pgno, offset, "parse page header", "page too small")
	}

	h := &PageHeader{
		PageType:         data[offset+PageHeaderOffsetType],
		FirstFreeblock:   binary.BigEndian.Uint16(data[offset+PageHeaderOffsetFreeblock:]),
		NumCells:         binary.BigEndian.Uint16(data[offset+PageHeaderOffsetNumCells:]),
		CellContentStart: uint32(binary.BigEndian.Uint16(data[offset+PageHeaderOffsetCellStart:])),
		FragmentedBytes:  data[offset+PageHeaderOffsetFragmented],
	}
	// Stored value 0 means 65536
	if h.CellContentStart == 0 {
		h.CellContentStart = 65536
	}

	switch h.PageType {
	case PageTypeInteriorIndex, PageTypeInteriorTable, PageTypeLeafIndex, PageTypeLeafTable:
	default:
		return nil, serrors.NewPage(pgno, offset, "parse page header", "invalid page type byte")
	}

	h.IsLeaf = h.PageType&PTF_LEAF != 0
	h.IsTable = h.PageType&PTF_INTKEY != 0

	if !h.IsLeaf {
		if len(data) < offset+PageHeaderSizeInterior {
			return nil, serrors.NewPage(pgno, offset, "parse page header", "interior page too small")
		}
		h.RightChild = binary.BigEndian.Uint32(data[offset+PageHeaderOffsetRightChild:])
		h.HeaderSize = PageHeaderSizeInterior
	} else {
		h.HeaderSize = PageHeaderSizeLeaf
	}

	h.CellPtrOffset = offset + h.HeaderSize
	return h, nil
}

// CellPointer returns the offset of the i-th cell in the page.
func (h *PageHeader) CellPointer(data []byte, pgno uint32, cellIndex int) (int, error) {
	if cellIndex < 0 || cellIndex >= int(h.NumCells) {
		return 0, serrors.NewRange("cell index", cellIndex, int(h.NumCells)-1)
	}
	ptrOffset := h.CellPtrOffset + cellIndex*2
	if ptrOffset+2 > len(data) {
		return 0, serrors.NewPage(pgno, ptrOffset, "read cell pointer", "pointer array past page end")
	}
	off := int(binary.BigEndian.Uint16(data[ptrOffset:]))
	if off >= len(data) {
		return 0, serrors.NewPage(pgno, ptrOffset, "read cell pointer", "cell offset outside page")
	}
	return off, nil
}

// InitPage initializes an empty B-tree page of the given type in buf.
// On page 1 the header follows the 100-byte file header.
func InitPage(buf []byte, pgno uint32, pageType byte, usableSize uint32) {
	offset := 0
	if pgno == 1 {
		offset = FileHeaderSize
	}
	headerSize := PageHeaderSizeLeaf
	if pageType&PTF_LEAF == 0 {
		headerSize = PageHeaderSizeInterior
	}
	for i := offset; i < offset+headerSize; i++ {
		buf[i] = 0
	}
	buf[offset+PageHeaderOffsetType] = pageType
	// Content area starts at the end of the usable region; 65536 wraps to 0.
	binary.BigEndian.PutUint16(buf[offset+PageHeaderOffsetCellStart:], uint16(usableSize))
}

// WritablePage wraps a mutable page buffer with cell-level operations.
type WritablePage struct {
	Data       []byte
	Pgno       uint32
	Header     *PageHeader
	UsableSize uint32
}

// NewWritablePage parses data and wraps it for mutation.
func NewWritablePage(pgno uint32, data []byte, usableSize uint32) (*WritablePage, error) {
	h, err := ParsePageHeader(data, pgno)
	if err != nil {
		return nil, err
	}
	return &WritablePage{Data: data, Pgno: pgno, Header: h, UsableSize: usableSize}, nil
}

// headerBase returns the byte offset of the page header.
func (p *WritablePage) headerBase() int {
	if p.Pgno == 1 {
		return FileHeaderSize
	}
	return 0
}

// setNumCells updates the cell count in both the struct and the buffer.
func (p *WritablePage) setNumCells(n uint16) {
	p.Header.NumCells = n
	binary.BigEndian.PutUint16(p.Data[p.headerBase()+PageHeaderOffsetNumCells:], n)
}

// setContentStart updates the cell content start in both the struct and
// the buffer. 65536 is stored as 0.
func (p *WritablePage) setContentStart(off uint32) {
	p.Header.CellContentStart = off
	binary.BigEndian.PutUint16(p.Data[p.headerBase()+PageHeaderOffsetCellStart:], uint16(off))
}

// SetRightChild updates the right-most child pointer of an interior page.
func (p *WritablePage) SetRightChild(pgno uint32) {
	p.Header.RightChild = pgno
	binary.BigEndian.PutUint32(p.Data[p.headerBase()+PageHeaderOffsetRightChild:], pgno)
}

// FreeSpace returns the bytes available for one more cell and its pointer.
func (p *WritablePage) FreeSpace() int {
	ptrArrayEnd := p.Header.CellPtrOffset + int(p.Header.NumCells)*2
	free := int(p.Header.CellContentStart) - ptrArrayEnd - 2
	if free < 0 {
		return 0
	}
	return free
}

// InsertCell inserts a cell at the given index, shifting later pointers.
func (p *WritablePage) InsertCell(idx int, cell []byte) error {
	if idx < 0 || idx > int(p.Header.NumCells) {
		return serrors.NewRange("cell index", idx, int(p.Header.NumCells))
	}

	cellOffset, err := p.allocateSpace(len(cell))
	if err != nil {
		return err
	}
	copy(p.Data[cellOffset:], cell)

	// Shift the pointer array to make room
	ptrOff := p.Header.CellPtrOffset + idx*2
	after := int(p.Header.NumCells) - idx
	if after > 0 {
		copy(p.Data[ptrOff+2:ptrOff+2+after*2], p.Data[ptrOff:ptrOff+after*2])
	}
	binary.BigEndian.PutUint16(p.Data[ptrOff:], uint16(cellOffset))

	p.setNumCells(p.Header.NumCells + 1)
	return nil
}

// DeleteCell removes the cell at the given index. The cell content becomes
// fragmented space reclaimed by the next Defragment.
func (p *WritablePage) DeleteCell(idx int) error {
	if idx < 0 || idx >= int(p.Header.NumCells) {
		return serrors.NewRange("cell index", idx, int(p.Header.NumCells)-1)
	}

	ptrOff := p.Header.CellPtrOffset + idx*2
	after := int(p.Header.NumCells) - idx - 1
	if after > 0 {
		copy(p.Data[ptrOff:ptrOff+after*2], p.Data[ptrOff+2:ptrOff+2+after*2])
	}
	last := p.Header.CellPtrOffset + (int(p.Header.NumCells)-1)*2
	p.Data[last] = 0
	p.Data[last+1] = 0

	p.setNumCells(p.Header.NumCells - 1)
	return nil
}

// allocateSpace carves size bytes out of the content area, defragmenting
// once if needed. Returns the offset where the cell should be written.
func (p *WritablePage) allocateSpace(size int) (int, error) {
	ptrArrayEnd := p.Header.CellPtrOffset + (int(p.Header.NumCells)+1)*2
	newStart := int(p.Header.CellContentStart) - size

	if newStart < ptrArrayEnd {
		if err := p.Defragment(); err != nil {
			return 0, err
		}
		newStart = int(p.Header.CellContentStart) - size
		if newStart < ptrArrayEnd {
			return 0, errPageFull
		}
	}

	p.setContentStart(uint32(newStart))
	return newStart, nil
}

// Defragment compacts all cells against the end of the usable area.
func (p *WritablePage) Defragment() error {
	if p.Header.NumCells == 0 {
		p.setContentStart(p.UsableSize)
		p.Header.FragmentedBytes = 0
		p.Data[p.headerBase()+PageHeaderOffsetFragmented] = 0
		return nil
	}

	// Snapshot every cell before moving anything
	type cellSpan struct {
		data []byte
	}
	cells := make([]cellSpan, p.Header.NumCells)
	for i := 0; i < int(p.Header.NumCells); i++ {
		off, err := p.Header.CellPointer(p.Data, p.Pgno, i)
		if err != nil {
			return err
		}
		info, err := ParseCell(p.Header.PageType, p.Pgno, p.Data[off:], p.UsableSize)
		if err != nil {
			return err
		}
		span := make([]byte, info.CellSize)
		copy(span, p.Data[off:off+int(info.CellSize)])
		cells[i] = cellSpan{data: span}
	}

	newStart := int(p.UsableSize)
	for i := len(cells) - 1; i >= 0; i-- {
		newStart -= len(cells[i].data)
		copy(p.Data[newStart:], cells[i].data)
		binary.BigEndian.PutUint16(p.Data[p.Header.CellPtrOffset+i*2:], uint16(newStart))
	}

	p.setContentStart(uint32(newStart))
	p.Header.FragmentedBytes = 0
	p.Data[p.headerBase()+PageHeaderOffsetFragmented] = 0
	return nil
}

// errPageFull signals that a cell cannot fit and the page must split.
var errPageFull = serrors.NewArgument("page", "full")

// IsPageFull reports whether err is the page-full signal.
func IsPageFull(err error) bool { return err == errPageFull }
