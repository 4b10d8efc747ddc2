package pageio

import (
	"encoding/binary"

	serrors "github.com/revred/sharc/errors"
)

// WAL file format constants. The engine reads WAL headers to recognize a
// database with an active log; it does not checkpoint.
const (
	// WALHeaderSize is the size of the WAL file header.
	WALHeaderSize = 32

	// WALFrameHeaderSize is the size of each frame header.
	WALFrameHeaderSize = 24

	// WALMagicLE and WALMagicBE are the two accepted magic values; the
	// low bit selects the checksum byte order.
	WALMagicLE = 0x377f0682
	WALMagicBE = 0x377f0683
)

// WALHeader represents the 32-byte header of a write-ahead-log file.
type WALHeader struct {
	Magic      uint32 // 0x377f0682 or 0x377f0683
	Version    uint32 // Format version (3007000)
	PageSize   uint32 // Database page size
	Checkpoint uint32 // Checkpoint sequence number
	Salt1      uint32 // Random salt, copied into each frame
	Salt2      uint32
	Checksum1  uint32 // Checksum of the first 24 header bytes
	Checksum2  uint32
}

// WALFrameHeader represents the 24-byte header preceding each WAL frame.
type WALFrameHeader struct {
	PageNumber uint32 // Page the frame carries
	DBSize     uint32 // For commit frames, database size in pages; else 0
	Salt1      uint32 // Must match the WAL header salts
	Salt2      uint32
	Checksum1  uint32 // Cumulative frame checksum
	Checksum2  uint32
}

// ParseWALHeader parses a WAL file header.
func ParseWALHeader(data []byte) (*WALHeader, error) {
	if len(data) < WALHeaderSize {
		return nil, serrors.NewDatabase("", "WAL header truncated")
	}
	h := &WALHeader{
		Magic:      binary.BigEndian.Uint32(data[0:]),
		Version:    binary.BigEndian.Uint32(data[4:]),
		PageSize:   binary.BigEndian.Uint32(data[8:]),
		Checkpoint: binary.BigEndian.Uint32(data[12:]),
		Salt1:      binary.BigEndian.Uint32(data[16:]),
		Salt2:      binary.BigEndian.Uint32(data[20:]),
		Checksum1:  binary.BigEndian.Uint32(data[24:]),
		Checksum2:  binary.BigEndian.Uint32(data[28:]),
	}
	if h.Magic != WALMagicLE && h.Magic != WALMagicBE {
		return nil, serrors.NewDatabase("", "bad WAL magic")
	}
	return h, nil
}

// ParseWALFrameHeader parses a frame header.
func ParseWALFrameHeader(data []byte) (*WALFrameHeader, error) {
	if len(data) < WALFrameHeaderSize {
		return nil, serrors.NewDatabase("", "WAL frame header truncated")
	}
	return &WALFrameHeader{
		PageNumber: binary.BigEndian.Uint32(data[0:]),
		DBSize:     binary.BigEndian.Uint32(data[4:]),
		Salt1:      binary.BigEndian.Uint32(data[8:]),
		Salt2:      binary.BigEndian.Uint32(data[12:]),
		Checksum1:  binary.BigEndian.Uint32(data[16:]),
		Checksum2:  binary.BigEndian.Uint32(data[20:]),
	}, nil
}

// IsCommitFrame reports whether the frame ends a transaction.
func (f *WALFrameHeader) IsCommitFrame() bool { return f.DBSize != 0 }
