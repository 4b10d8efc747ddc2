//go:build !unix

package pageio

import serrors "github.com/revred/sharc/errors"

// MmapSource is unavailable on platforms without unix mmap; callers fall
// back to FileSource.
type MmapSource struct {
	data     []byte
	pageSize int
}

// NewMmapSource reports mmap as unsupported on this platform.
func NewMmapSource(path string, pageSize int) (*MmapSource, error) {
	return nil, serrors.NewUnsupported("memory-mapped page source on this platform")
}

func (s *MmapSource) ReadPage(pgno uint32) ([]byte, error) {
	return nil, serrors.NewUnsupported("memory-mapped page source on this platform")
}

func (s *MmapSource) PageCount() uint32 { return 0 }
func (s *MmapSource) PageSize() int     { return s.pageSize }
func (s *MmapSource) Close() error      { return nil }
