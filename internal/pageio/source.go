package pageio

import (
	"os"

	serrors "github.com/revred/sharc/errors"
)

// PageSource provides page-granular access to database bytes. ReadPage
// returns a borrow: the slice is valid until the next ReadPage call on the
// same source (or indefinitely for memory and mmap sources). Page numbers
// are 1-based.
type PageSource interface {
	ReadPage(pgno uint32) ([]byte, error)
	PageCount() uint32
	PageSize() int
	Close() error
}

// MemorySource serves pages from a fully loaded buffer. Reads are
// sub-slices and never allocate.
type MemorySource struct {
	data     []byte
	pageSize int
}

// NewMemorySource wraps buf as a page source.
func NewMemorySource(buf []byte, pageSize int) (*MemorySource, error) {
	if pageSize <= 0 {
		return nil, serrors.NewArgument("pageSize", "must be positive")
	}
	return &MemorySource{data: buf, pageSize: pageSize}, nil
}

// ReadPage returns the page as a sub-slice of the backing buffer.
func (s *MemorySource) ReadPage(pgno uint32) ([]byte, error) {
	off := int64(pgno-1) * int64(s.pageSize)
	if pgno == 0 || off+int64(s.pageSize) > int64(len(s.data)) {
		return nil, serrors.NewDatabase("", "page read past end of database")
	}
	return s.data[off : off+int64(s.pageSize)], nil
}

// PageCount returns the number of whole pages in the buffer.
func (s *MemorySource) PageCount() uint32 {
	return uint32(len(s.data) / s.pageSize)
}

// PageSize returns the page size in bytes.
func (s *MemorySource) PageSize() int { return s.pageSize }

// Close releases the buffer reference.
func (s *MemorySource) Close() error {
	s.data = nil
	return nil
}

// FileSource reads pages with positioned syscalls into one reusable
// page-sized buffer. A returned slice is valid until the next ReadPage.
type FileSource struct {
	file     *os.File
	pageSize int
	count    uint32
	buf      []byte
	writable bool
}

// NewFileSource opens path as a page source.
func NewFileSource(path string, pageSize int, readOnly bool) (*FileSource, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, &serrors.DatabaseError{Path: path, Message: "cannot open", Err: err}
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &serrors.DatabaseError{Path: path, Message: "cannot stat", Err: err}
	}
	return &FileSource{
		file:     f,
		pageSize: pageSize,
		count:    uint32(st.Size() / int64(pageSize)),
		buf:      make([]byte, pageSize),
		writable: !readOnly,
	}, nil
}

// ReadPage reads the page into the source's reusable buffer.
func (s *FileSource) ReadPage(pgno uint32) ([]byte, error) {
	if pgno == 0 || pgno > s.count {
		return nil, serrors.NewDatabase(s.file.Name(), "page read past end of database")
	}
	off := int64(pgno-1) * int64(s.pageSize)
	if _, err := s.file.ReadAt(s.buf, off); err != nil {
		return nil, &serrors.DatabaseError{Path: s.file.Name(), Message: "short page read", Err: err}
	}
	return s.buf, nil
}

// WritePage writes a full page at its position. Only valid on sources
// opened read-write.
func (s *FileSource) WritePage(pgno uint32, data []byte) error {
	if !s.writable {
		return serrors.NewArgument("source", "opened read-only")
	}
	off := int64(pgno-1) * int64(s.pageSize)
	if _, err := s.file.WriteAt(data, off); err != nil {
		return &serrors.DatabaseError{Path: s.file.Name(), Message: "page write failed", Err: err}
	}
	if pgno > s.count {
		s.count = pgno
	}
	return nil
}

// Sync flushes the file to stable storage.
func (s *FileSource) Sync() error { return s.file.Sync() }

// Truncate resizes the file to exactly pages whole pages.
func (s *FileSource) Truncate(pages uint32) error {
	if err := s.file.Truncate(int64(pages) * int64(s.pageSize)); err != nil {
		return err
	}
	s.count = pages
	return nil
}

// File exposes the underlying file handle (used by the journal for
// same-directory placement).
func (s *FileSource) File() *os.File { return s.file }

// Refresh re-reads the file size so pages appended by another source on
// the same file become visible.
func (s *FileSource) Refresh() error {
	st, err := s.file.Stat()
	if err != nil {
		return err
	}
	s.count = uint32(st.Size() / int64(s.pageSize))
	return nil
}

// PageCount returns the number of whole pages in the file.
func (s *FileSource) PageCount() uint32 { return s.count }

// PageSize returns the page size in bytes.
func (s *FileSource) PageSize() int { return s.pageSize }

// Close closes the file handle.
func (s *FileSource) Close() error { return s.file.Close() }

// TransformedSource applies a PageTransform on top of an inner source.
// The transform output is written into a reusable buffer, so a returned
// slice is valid until the next ReadPage.
type TransformedSource struct {
	inner     PageSource
	transform PageTransform
	buf       []byte
}

// NewTransformedSource layers transform over inner. An Identity transform
// collapses to the inner source.
func NewTransformedSource(inner PageSource, transform PageTransform) PageSource {
	if _, ok := transform.(IdentityTransform); ok || transform == nil {
		return inner
	}
	return &TransformedSource{
		inner:     inner,
		transform: transform,
		buf:       make([]byte, inner.PageSize()),
	}
}

// ReadPage reads the raw page and applies the transform.
func (s *TransformedSource) ReadPage(pgno uint32) ([]byte, error) {
	raw, err := s.inner.ReadPage(pgno)
	if err != nil {
		return nil, err
	}
	return s.transform.Transform(pgno, raw, s.buf)
}

// PageCount returns the inner source's page count.
func (s *TransformedSource) PageCount() uint32 { return s.inner.PageCount() }

// PageSize returns the page size in bytes.
func (s *TransformedSource) PageSize() int { return s.inner.PageSize() }

// Close closes the inner source.
func (s *TransformedSource) Close() error { return s.inner.Close() }
