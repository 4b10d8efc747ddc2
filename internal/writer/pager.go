package writer

import (
	"encoding/binary"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/crypto"
	"github.com/revred/sharc/internal/pageio"
)

// Pager mediates every write to the database file. Mutations accumulate
// in an in-memory dirty set; the file itself is only touched during the
// commit apply phase, after the journal holds every pre-image.
//
// It implements btree.PageManager.
type Pager struct {
	file   *pageio.FileSource
	read   pageio.PageSource // logical (post-decrypt) view used for pre-images
	cache  *pageio.CachedSource
	cipher *crypto.PageCipher // nil for cleartext databases

	header     *pageio.DatabaseHeader
	pageSize   int
	usableSize uint32

	journal   *Journal
	dirty     map[uint32][]byte
	journaled map[uint32]bool
	origSize  uint32 // page count at transaction start
	newSize   uint32 // page count including extensions this transaction
	path      string
}

// NewPager creates a pager over an open read-write file source. read is
// the decrypted logical view of the same file; cache, when non-nil, is
// invalidated for every page the pager rewrites.
func NewPager(file *pageio.FileSource, read pageio.PageSource, cache *pageio.CachedSource,
	cipher *crypto.PageCipher, header *pageio.DatabaseHeader, path string) *Pager {
	return &Pager{
		file:       file,
		read:       read,
		cache:      cache,
		cipher:     cipher,
		header:     header,
		pageSize:   header.GetPageSize(),
		usableSize: uint32(header.UsableSize()),
		path:       path,
	}
}

// Header returns the in-memory database header. During a transaction it
// reflects uncommitted freelist and size changes.
func (p *Pager) Header() *pageio.DatabaseHeader { return p.header }

// InTransaction reports whether a transaction is open.
func (p *Pager) InTransaction() bool { return p.journal != nil }

// UsableSize implements btree.PageManager.
func (p *Pager) UsableSize() uint32 { return p.usableSize }

// PageSize implements btree.PageManager.
func (p *Pager) PageSize() int { return p.pageSize }

// Begin opens a transaction and its journal.
func (p *Pager) Begin() error {
	if p.journal != nil {
		return serrors.NewArgument("transaction", "already open")
	}
	if p.header.IsWALMode() {
		return serrors.NewUnsupported("writing to a WAL-mode database")
	}
	j, err := NewJournal(p.path+JournalSuffix, p.pageSize, p.header.DatabaseSize)
	if err != nil {
		return err
	}
	p.journal = j
	p.dirty = make(map[uint32][]byte)
	p.journaled = make(map[uint32]bool)
	p.origSize = p.header.DatabaseSize
	p.newSize = p.origSize
	return nil
}

// GetWritable returns the mutable logical buffer for a page, capturing
// the raw pre-image in the journal on first touch.
func (p *Pager) GetWritable(pgno uint32) ([]byte, error) {
	if p.journal == nil {
		return nil, serrors.NewArgument("transaction", "not open")
	}
	if buf, ok := p.dirty[pgno]; ok {
		return buf, nil
	}
	if pgno == 0 || pgno > p.newSize {
		return nil, serrors.NewPage(pgno, -1, "get writable page", "page beyond database end")
	}

	buf := make([]byte, p.pageSize)
	if pgno <= p.origSize {
		// Journal the raw on-disk bytes so replay restores the file
		// byte-for-byte, then hand out the logical view.
		raw, err := p.file.ReadPage(pgno)
		if err != nil {
			return nil, err
		}
		if !p.journaled[pgno] {
			if err := p.journal.AppendPage(pgno, raw); err != nil {
				return nil, err
			}
			p.journaled[pgno] = true
		}
		logical, err := p.read.ReadPage(pgno)
		if err != nil {
			return nil, err
		}
		copy(buf, logical)
	}
	p.dirty[pgno] = buf
	return buf, nil
}

// Allocate implements btree.PageManager: freelist first, else extend.
func (p *Pager) Allocate() (uint32, []byte, error) {
	if p.journal == nil {
		return 0, nil, serrors.NewArgument("transaction", "not open")
	}

	if p.header.FreelistTrunk != 0 {
		pgno, err := p.allocateFromFreelist()
		if err != nil {
			return 0, nil, err
		}
		if pgno != 0 {
			buf, err := p.GetWritable(pgno)
			if err != nil {
				return 0, nil, err
			}
			for i := range buf {
				buf[i] = 0
			}
			return pgno, buf, nil
		}
	}

	p.newSize++
	pgno := p.newSize
	buf := make([]byte, p.pageSize)
	p.dirty[pgno] = buf
	p.header.DatabaseSize = p.newSize
	return pgno, buf, nil
}

// freelist trunk layout: [0:4] next trunk, [4:8] leaf count, then leaves.
const trunkHeaderSize = 8

// allocateFromFreelist pops a page from the freelist chain: the head
// trunk's last leaf, or the trunk page itself once it has no leaves.
func (p *Pager) allocateFromFreelist() (uint32, error) {
	trunkPgno := p.header.FreelistTrunk
	trunk, err := p.GetWritable(trunkPgno)
	if err != nil {
		return 0, err
	}
	leafCount := binary.BigEndian.Uint32(trunk[4:])

	if leafCount > 0 {
		leaf := binary.BigEndian.Uint32(trunk[trunkHeaderSize+(leafCount-1)*4:])
		binary.BigEndian.PutUint32(trunk[4:], leafCount-1)
		p.header.FreelistCount--
		if leaf == 0 || leaf > p.newSize {
			return 0, serrors.NewPage(trunkPgno, int(trunkHeaderSize+(leafCount-1)*4), "allocate", "freelist leaf out of range")
		}
		return leaf, nil
	}

	// Empty trunk: the trunk page itself is reused.
	p.header.FreelistTrunk = binary.BigEndian.Uint32(trunk[0:])
	p.header.FreelistCount--
	return trunkPgno, nil
}

// Free implements btree.PageManager: the page joins the freelist head.
func (p *Pager) Free(pgno uint32) error {
	if p.journal == nil {
		return serrors.NewArgument("transaction", "not open")
	}

	maxLeaves := uint32(p.usableSize)/4 - 2

	if p.header.FreelistTrunk != 0 {
		trunk, err := p.GetWritable(p.header.FreelistTrunk)
		if err != nil {
			return err
		}
		leafCount := binary.BigEndian.Uint32(trunk[4:])
		if leafCount < maxLeaves {
			binary.BigEndian.PutUint32(trunk[trunkHeaderSize+leafCount*4:], pgno)
			binary.BigEndian.PutUint32(trunk[4:], leafCount+1)
			p.header.FreelistCount++
			return nil
		}
	}

	// Freed page becomes the new trunk head.
	buf, err := p.GetWritable(pgno)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(buf[0:], p.header.FreelistTrunk)
	binary.BigEndian.PutUint32(buf[4:], 0)
	for i := trunkHeaderSize; i < len(buf); i++ {
		buf[i] = 0
	}
	p.header.FreelistTrunk = pgno
	p.header.FreelistCount++
	return nil
}

// Commit makes the transaction durable: sync the journal, apply the dirty
// set, sync the database, then drop the journal. The fsync ordering is
// the crash-safety contract — a failure at any point leaves either a
// replayable journal or a fully applied database.
func (p *Pager) Commit() error {
	if p.journal == nil {
		return serrors.NewArgument("transaction", "not open")
	}

	// Fold the updated header into page 1 before applying.
	p.header.FileChangeCounter++
	p.header.VersionValidFor = p.header.FileChangeCounter
	page1, err := p.GetWritable(1)
	if err != nil {
		return err
	}
	copy(page1[:pageio.DatabaseHeaderSize], p.header.Serialize())

	if err := p.journal.Sync(); err != nil {
		return err
	}

	for pgno, buf := range p.dirty {
		out := buf
		if p.cipher != nil {
			enc := make([]byte, p.pageSize)
			copy(enc, buf)
			if err := p.cipher.EncryptPage(pgno, enc); err != nil {
				return err
			}
			out = enc
		}
		if err := p.file.WritePage(pgno, out); err != nil {
			return err
		}
		if p.cache != nil {
			p.cache.Invalidate(pgno)
		}
	}
	if p.newSize < p.origSize {
		if err := p.file.Truncate(p.newSize); err != nil {
			return err
		}
	}
	if err := p.file.Sync(); err != nil {
		return err
	}

	if err := p.journal.Delete(); err != nil {
		return err
	}
	if r, ok := p.read.(pageio.Refresher); ok {
		if err := r.Refresh(); err != nil {
			return err
		}
	}
	p.endTransaction()
	return nil
}

// Rollback abandons the transaction. The database file was never touched,
// so discarding the dirty set and the journal restores the pre-begin
// state exactly.
func (p *Pager) Rollback() error {
	if p.journal == nil {
		return serrors.NewArgument("transaction", "not open")
	}
	// Undo in-memory header mutations from a fresh read of page 1.
	raw, err := p.read.ReadPage(1)
	if err == nil {
		if h, herr := pageio.ParseDatabaseHeader(raw); herr == nil {
			*p.header = *h
		}
	}
	if err := p.journal.Delete(); err != nil {
		return err
	}
	p.endTransaction()
	return nil
}

// endTransaction clears per-transaction state.
func (p *Pager) endTransaction() {
	p.journal = nil
	p.dirty = nil
	p.journaled = nil
}

// ReadInTx returns a page as this transaction sees it: the dirty buffer
// when the page has been touched, the committed logical view otherwise.
// Reading does not journal the page.
func (p *Pager) ReadInTx(pgno uint32) ([]byte, error) {
	if p.dirty != nil {
		if buf, ok := p.dirty[pgno]; ok {
			return buf, nil
		}
	}
	return p.read.ReadPage(pgno)
}

// txSource adapts the transaction view to pageio.PageSource so cursors
// can traverse uncommitted trees.
type txSource struct {
	p *Pager
}

func (s txSource) ReadPage(pgno uint32) ([]byte, error) { return s.p.ReadInTx(pgno) }
func (s txSource) PageCount() uint32 {
	if s.p.journal != nil {
		return s.p.newSize
	}
	return s.p.read.PageCount()
}
func (s txSource) PageSize() int { return s.p.pageSize }
func (s txSource) Close() error  { return nil }

// TxSource returns the transaction-scoped page source.
func (p *Pager) TxSource() pageio.PageSource { return txSource{p: p} }
