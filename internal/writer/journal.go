// Package writer implements the mutation side of the engine: the
// rollback journal, page allocation through the freelist, and the
// transaction boundary with commit observers.
package writer

import (
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"os"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/logging"
)

// Journal header constants
const (
	// JournalHeaderSize is the size of the journal header in bytes.
	JournalHeaderSize = 28

	// JournalMagic is the magic number at the start of a journal file.
	JournalMagic = 0xd9d505f9

	// JournalFormatVersion is the journal format version.
	JournalFormatVersion = 1
)

// JournalSuffix is appended to the database path to name its journal.
const JournalSuffix = "-journal"

// Journal is a rollback journal: an append-only side file capturing the
// pre-image of every page touched by the open transaction. Entries are
// (page number, pre-image, checksum); the checksum is the header nonce
// plus the sum of every 200th pre-image byte, so a torn tail is
// detectable on replay.
type Journal struct {
	file      *os.File
	filename  string
	pageSize  int
	pageCount int
	dbSize    uint32 // database size in pages at transaction start
	nonce     uint32
}

// NewJournal creates and opens a journal file, writing its header.
func NewJournal(filename string, pageSize int, dbSize uint32) (*Journal, error) {
	j := &Journal{
		filename: filename,
		pageSize: pageSize,
		dbSize:   dbSize,
		nonce:    rand.Uint32(),
	}
	var err error
	j.file, err = os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, serrors.Wrap(err, "open journal")
	}
	if err := j.writeHeader(); err != nil {
		j.file.Close()
		j.file = nil
		return nil, err
	}
	return j, nil
}

// writeHeader serializes the 28-byte journal header at offset 0.
func (j *Journal) writeHeader() error {
	var buf [JournalHeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:], JournalMagic)
	binary.BigEndian.PutUint32(buf[4:], uint32(j.pageCount))
	binary.BigEndian.PutUint32(buf[8:], j.nonce)
	binary.BigEndian.PutUint32(buf[12:], j.dbSize)
	binary.BigEndian.PutUint32(buf[16:], 512) // assumed sector size
	binary.BigEndian.PutUint32(buf[20:], uint32(j.pageSize))
	binary.BigEndian.PutUint32(buf[24:], JournalFormatVersion)
	if _, err := j.file.WriteAt(buf[:], 0); err != nil {
		return serrors.Wrap(err, "write journal header")
	}
	return nil
}

// checksum computes the entry checksum: nonce plus the sum of every
// 200th byte of the pre-image.
func (j *Journal) checksum(preImage []byte) uint32 {
	sum := j.nonce
	for i := 0; i < len(preImage); i += 200 {
		sum += uint32(preImage[i])
	}
	return sum
}

// AppendPage records a page's pre-image.
func (j *Journal) AppendPage(pgno uint32, preImage []byte) error {
	if j.file == nil {
		return errors.New("journal not open")
	}
	entrySize := 4 + j.pageSize + 4
	buf := make([]byte, entrySize)
	binary.BigEndian.PutUint32(buf[0:], pgno)
	copy(buf[4:], preImage)
	binary.BigEndian.PutUint32(buf[4+j.pageSize:], j.checksum(preImage))

	off := int64(JournalHeaderSize) + int64(j.pageCount)*int64(entrySize)
	if _, err := j.file.WriteAt(buf, off); err != nil {
		return serrors.Wrap(err, "append journal entry")
	}
	j.pageCount++
	return nil
}

// Sync finalizes the header page count and flushes the journal to stable
// storage. Called before any database page is overwritten.
func (j *Journal) Sync() error {
	if err := j.writeHeader(); err != nil {
		return err
	}
	return j.file.Sync()
}

// Delete closes and removes the journal file, marking the transaction
// durably committed.
func (j *Journal) Delete() error {
	if j.file == nil {
		return nil
	}
	if err := j.file.Close(); err != nil {
		return err
	}
	j.file = nil
	return os.Remove(j.filename)
}

// journalEntry is one replayable pre-image.
type journalEntry struct {
	pgno     uint32
	preImage []byte
}

// readJournal parses a journal file, stopping at the first entry with a
// bad checksum (a torn tail from an interrupted write).
func readJournal(filename string) (dbSize uint32, pageSize int, entries []journalEntry, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return 0, 0, nil, err
	}
	defer f.Close()

	var hdr [JournalHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return 0, 0, nil, serrors.Wrap(err, "read journal header")
	}
	if binary.BigEndian.Uint32(hdr[0:]) != JournalMagic {
		return 0, 0, nil, serrors.NewDatabase(filename, "bad journal magic")
	}
	count := int(binary.BigEndian.Uint32(hdr[4:]))
	nonce := binary.BigEndian.Uint32(hdr[8:])
	dbSize = binary.BigEndian.Uint32(hdr[12:])
	pageSize = int(binary.BigEndian.Uint32(hdr[20:]))

	j := &Journal{nonce: nonce, pageSize: pageSize}
	entrySize := 4 + pageSize + 4
	buf := make([]byte, entrySize)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(f, buf); err != nil {
			break // torn tail
		}
		pgno := binary.BigEndian.Uint32(buf[0:])
		pre := make([]byte, pageSize)
		copy(pre, buf[4:])
		if binary.BigEndian.Uint32(buf[4+pageSize:]) != j.checksum(pre) {
			break
		}
		entries = append(entries, journalEntry{pgno: pgno, preImage: pre})
	}
	return dbSize, pageSize, entries, nil
}

// RecoverJournal replays a hot journal onto the database file, restoring
// the pre-transaction state, then removes the journal. It is a no-op when
// no journal exists.
func RecoverJournal(dbPath string) error {
	journalPath := dbPath + JournalSuffix
	if _, err := os.Stat(journalPath); err != nil {
		return nil
	}

	dbSize, pageSize, entries, err := readJournal(journalPath)
	if err != nil {
		return err
	}

	db, err := os.OpenFile(dbPath, os.O_RDWR, 0644)
	if err != nil {
		return serrors.Wrap(err, "open database for recovery")
	}
	defer db.Close()

	for _, e := range entries {
		off := int64(e.pgno-1) * int64(pageSize)
		if _, err := db.WriteAt(e.preImage, off); err != nil {
			return serrors.Wrap(err, "replay journal entry")
		}
	}
	if err := db.Truncate(int64(dbSize) * int64(pageSize)); err != nil {
		return serrors.Wrap(err, "truncate during recovery")
	}
	if err := db.Sync(); err != nil {
		return err
	}

	logging.Info("hot journal replayed", "db", dbPath, "pages", len(entries))
	return os.Remove(journalPath)
}
