//go:build unix

package pageio

import (
	"os"

	"golang.org/x/sys/unix"

	serrors "github.com/revred/sharc/errors"
)

// MmapSource maps the database file and serves pages as sub-slices of the
// mapping. Reads never allocate and stay valid for the life of the source.
type MmapSource struct {
	data     []byte
	pageSize int
}

// NewMmapSource maps path read-only as a page source.
func NewMmapSource(path string, pageSize int) (*MmapSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &serrors.DatabaseError{Path: path, Message: "cannot open", Err: err}
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, &serrors.DatabaseError{Path: path, Message: "cannot stat", Err: err}
	}
	if st.Size() == 0 {
		return nil, serrors.NewDatabase(path, "empty file")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, &serrors.DatabaseError{Path: path, Message: "mmap failed", Err: err}
	}

	return &MmapSource{data: data, pageSize: pageSize}, nil
}

// ReadPage returns the page as a sub-slice of the mapping.
func (s *MmapSource) ReadPage(pgno uint32) ([]byte, error) {
	off := int64(pgno-1) * int64(s.pageSize)
	if pgno == 0 || off+int64(s.pageSize) > int64(len(s.data)) {
		return nil, serrors.NewDatabase("", "page read past end of database")
	}
	return s.data[off : off+int64(s.pageSize)], nil
}

// PageCount returns the number of whole pages in the mapping.
func (s *MmapSource) PageCount() uint32 {
	return uint32(len(s.data) / s.pageSize)
}

// PageSize returns the page size in bytes.
func (s *MmapSource) PageSize() int { return s.pageSize }

// Close unmaps the file.
func (s *MmapSource) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}
