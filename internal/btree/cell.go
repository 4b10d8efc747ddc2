package btree

import (
	"encoding/binary"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/record"
)

// CellInfo contains parsed information about a B-tree cell
type CellInfo struct {
	Key          int64  // The integer key for table b-trees
	Payload      []byte // The locally stored payload bytes
	PayloadSize  uint32 // Total bytes of payload including overflow
	LocalPayload uint32 // Amount of payload stored on this page
	CellSize     uint32 // Total size of the cell on the page
	OverflowPage uint32 // First overflow page number (0 if none)
	ChildPage    uint32 // Child page number (interior pages only)
}

// Overflow threshold calculations. With usable size U:
//
//	leaf tables:  X = U - 35
//	index trees:  X = ((U-12)*64/255) - 23
//	both:         M = ((U-12)*32/255) - 23
//	              K = M + (P-M) mod (U-4)
//
// A payload of size P stores P bytes inline when P <= X, otherwise K
// bytes when K <= X, otherwise M bytes; the remainder goes to an
// overflow chain.

// maxLocal returns X for the given tree kind.
func maxLocal(usableSize uint32, isTable bool) uint32 {
	if isTable {
		return usableSize - 35
	}
	return ((usableSize-12)*64)/255 - 23
}

// minLocal returns M.
func minLocal(usableSize uint32) uint32 {
	return ((usableSize-12)*32)/255 - 23
}

// localPayload returns the inline byte count for a payload of size P.
func localPayload(payloadSize, usableSize uint32, isTable bool) uint32 {
	x := maxLocal(usableSize, isTable)
	if payloadSize <= x {
		return payloadSize
	}
	m := minLocal(usableSize)
	k := m + (payloadSize-m)%(usableSize-4)
	if k <= x {
		return k
	}
	return m
}

// ParseCell parses a cell from a B-tree page.
func ParseCell(pageType byte, pgno uint32, cellData []byte, usableSize uint32) (*CellInfo, error) {
	switch pageType {
	case PageTypeLeafTable:
		return parseTableLeafCell(pgno, cellData, usableSize)
	case PageTypeInteriorTable:
		return parseTableInteriorCell(pgno, cellData)
	case PageTypeLeafIndex:
		return parsePayloadCell(pgno, cellData, usableSize, 0)
	case PageTypeInteriorIndex:
		return parsePayloadCell(pgno, cellData, usableSize, 4)
	default:
		return nil, serrors.NewPage(pgno, 0, "parse cell", "invalid page type byte")
	}
}

// parseTableLeafCell parses a table leaf cell:
// varint(payload_size), varint(rowid), payload, [overflow page]
func parseTableLeafCell(pgno uint32, cellData []byte, usableSize uint32) (*CellInfo, error) {
	info := &CellInfo{}
	offset := 0

	payloadSize, n := record.GetVarint(cellData)
	if n == 0 {
		return nil, serrors.NewPage(pgno, 0, "parse cell", "truncated payload size")
	}
	if payloadSize > uint64(^uint32(0)) {
		return nil, serrors.NewPage(pgno, 0, "parse cell", "payload size out of range")
	}
	info.PayloadSize = uint32(payloadSize)
	offset += n

	rowid, n := record.GetVarint(cellData[offset:])
	if n == 0 {
		return nil, serrors.NewPage(pgno, offset, "parse cell", "truncated rowid")
	}
	info.Key = int64(rowid)
	offset += n

	return finishPayloadCell(pgno, cellData, offset, info, usableSize, true)
}

// parseTableInteriorCell parses a table interior cell:
// 4-byte child page number, varint(rowid)
func parseTableInteriorCell(pgno uint32, cellData []byte) (*CellInfo, error) {
	if len(cellData) < 5 {
		return nil, serrors.NewPage(pgno, 0, "parse cell", "interior cell too small")
	}
	info := &CellInfo{}
	info.ChildPage = binary.BigEndian.Uint32(cellData)

	rowid, n := record.GetVarint(cellData[4:])
	if n == 0 {
		return nil, serrors.NewPage(pgno, 4, "parse cell", "truncated rowid")
	}
	info.Key = int64(rowid)
	info.CellSize = uint32(4 + n)
	return info, nil
}

// parsePayloadCell parses an index cell (leaf or, with childBytes=4,
// interior): [child page], varint(payload_size), payload, [overflow page]
func parsePayloadCell(pgno uint32, cellData []byte, usableSize uint32, childBytes int) (*CellInfo, error) {
	if len(cellData) < childBytes+1 {
		return nil, serrors.NewPage(pgno, 0, "parse cell", "cell too small")
	}
	info := &CellInfo{}
	offset := 0
	if childBytes == 4 {
		info.ChildPage = binary.BigEndian.Uint32(cellData)
		offset = 4
	}

	payloadSize, n := record.GetVarint(cellData[offset:])
	if n == 0 {
		return nil, serrors.NewPage(pgno, offset, "parse cell", "truncated payload size")
	}
	info.PayloadSize = uint32(payloadSize)
	offset += n

	return finishPayloadCell(pgno, cellData, offset, info, usableSize, false)
}

// finishPayloadCell computes inline bounds and the overflow pointer.
func finishPayloadCell(pgno uint32, cellData []byte, offset int, info *CellInfo, usableSize uint32, isTable bool) (*CellInfo, error) {
	info.LocalPayload = localPayload(info.PayloadSize, usableSize, isTable)

	if offset+int(info.LocalPayload) > len(cellData) {
		return nil, serrors.NewPage(pgno, offset, "parse cell", "payload extends past page")
	}
	info.Payload = cellData[offset : offset+int(info.LocalPayload)]

	if info.LocalPayload < info.PayloadSize {
		overflowOff := offset + int(info.LocalPayload)
		if overflowOff+4 > len(cellData) {
			return nil, serrors.NewPage(pgno, overflowOff, "parse cell", "overflow pointer truncated")
		}
		info.OverflowPage = binary.BigEndian.Uint32(cellData[overflowOff:])
		info.CellSize = uint32(overflowOff) + 4
	} else {
		info.CellSize = uint32(offset) + info.LocalPayload
		if info.CellSize < 4 {
			info.CellSize = 4
		}
	}
	return info, nil
}

// EncodeTableLeafCell encodes the on-page portion of a table leaf cell.
// inline is the locally stored payload prefix; overflowPage is 0 when the
// payload fits entirely on the page.
func EncodeTableLeafCell(rowid int64, payloadSize uint32, inline []byte, overflowPage uint32) []byte {
	buf := make([]byte, 0, 18+len(inline)+4)
	buf = record.AppendVarint(buf, uint64(payloadSize))
	buf = record.AppendVarint(buf, uint64(rowid))
	buf = append(buf, inline...)
	if overflowPage != 0 {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], overflowPage)
		buf = append(buf, b[:]...)
	}
	return buf
}

// EncodeTableInteriorCell encodes a table interior cell.
func EncodeTableInteriorCell(childPage uint32, rowid int64) []byte {
	buf := make([]byte, 0, 13)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], childPage)
	buf = append(buf, b[:]...)
	return record.AppendVarint(buf, uint64(rowid))
}

// EncodeIndexLeafCell encodes the on-page portion of an index leaf cell.
func EncodeIndexLeafCell(payloadSize uint32, inline []byte, overflowPage uint32) []byte {
	buf := make([]byte, 0, 9+len(inline)+4)
	buf = record.AppendVarint(buf, uint64(payloadSize))
	buf = append(buf, inline...)
	if overflowPage != 0 {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], overflowPage)
		buf = append(buf, b[:]...)
	}
	return buf
}
