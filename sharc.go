// Package sharc is a read/write engine for databases in the SQLite 3
// on-disk format: typed row access, a compiled query pipeline, journaled
// transactions, and optional transparent AES-256-GCM page encryption.
package sharc

import (
	"os"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/btree"
	"github.com/revred/sharc/internal/crypto"
	"github.com/revred/sharc/internal/logging"
	"github.com/revred/sharc/internal/pageio"
	"github.com/revred/sharc/internal/record"
	"github.com/revred/sharc/internal/schema"
	"github.com/revred/sharc/internal/writer"
)

// DB is one open database handle. A handle owns its cache, buffers, and
// transaction state; handles to the same file are independent.
type DB struct {
	path      string
	header    *pageio.DatabaseHeader
	raw       pageio.PageSource
	logical   pageio.PageSource
	cache     *pageio.CachedSource
	file      *pageio.FileSource // nil for memory and read-only handles
	cipher    *crypto.PageCipher
	reader    *btree.Reader
	sch       *schema.Schema
	enc       record.Encoding
	pager     *writer.Pager
	observers []writer.CommitObserver
	readOnly  bool
	inTx      bool
}

// Open opens a database file. A hot journal from an interrupted commit is
// replayed first unless the handle is read-only.
func Open(path string, opts *Options) (*DB, error) {
	opts = opts.withDefaults()

	if !opts.ReadOnly {
		if err := writer.RecoverJournal(path); err != nil {
			return nil, err
		}
	}

	cipher, err := opts.buildCipher()
	if err != nil {
		return nil, err
	}

	pageSize, err := probePageSize(path, opts, cipher != nil)
	if err != nil {
		return nil, err
	}

	db := &DB{path: path, cipher: cipher, readOnly: opts.ReadOnly}

	if opts.ReadOnly {
		mm, err := pageio.NewMmapSource(path, pageSize)
		if err == nil {
			db.raw = mm
		} else {
			// No mmap on this platform: a plain read-only file works too.
			read, ferr := pageio.NewFileSource(path, pageSize, true)
			if ferr != nil {
				return nil, err
			}
			db.raw = read
		}
	} else {
		db.file, err = pageio.NewFileSource(path, pageSize, false)
		if err != nil {
			return nil, err
		}
		read, err := pageio.NewFileSource(path, pageSize, true)
		if err != nil {
			db.file.Close()
			return nil, err
		}
		db.raw = read
	}

	if err := db.finishOpen(opts); err != nil {
		db.Close()
		return nil, err
	}
	logging.Debug("database opened", "path", path, "pages", db.header.DatabaseSize, "encrypted", cipher != nil)
	return db, nil
}

// OpenMemory opens a fully loaded database image. Memory handles are
// read-only: the journaled write path needs a backing file.
func OpenMemory(buf []byte, opts *Options) (*DB, error) {
	opts = opts.withDefaults()
	cipher, err := opts.buildCipher()
	if err != nil {
		return nil, err
	}

	pageSize := opts.PageSize
	if cipher == nil {
		h, err := pageio.ParseDatabaseHeader(buf)
		if err != nil {
			return nil, err
		}
		pageSize = h.GetPageSize()
	}

	src, err := pageio.NewMemorySource(buf, pageSize)
	if err != nil {
		return nil, err
	}
	db := &DB{raw: src, cipher: cipher, readOnly: true}
	if err := db.finishOpen(opts); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// probePageSize determines the page size: from the header for cleartext
// files, from the options for encrypted ones (the size field itself is
// inside the encrypted region).
func probePageSize(path string, opts *Options, encrypted bool) (int, error) {
	if encrypted {
		return opts.PageSize, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, &serrors.DatabaseError{Path: path, Message: "cannot open", Err: err}
	}
	defer f.Close()
	hdr := make([]byte, pageio.DatabaseHeaderSize)
	if _, err := f.Read(hdr); err != nil {
		return 0, serrors.NewDatabase(path, "header truncated")
	}
	h, err := pageio.ParseDatabaseHeader(hdr)
	if err != nil {
		return 0, err
	}
	return h.GetPageSize(), nil
}

// finishOpen layers decryption and the cache, parses the header, and
// loads the schema.
func (db *DB) finishOpen(opts *Options) error {
	var transform pageio.PageTransform = pageio.IdentityTransform{}
	if db.cipher != nil {
		transform = db.cipher
	}
	logical := pageio.NewTransformedSource(db.raw, transform)
	db.cache = pageio.NewCachedSource(logical, opts.CacheCapacity)
	db.logical = db.cache

	page1, err := db.logical.ReadPage(1)
	if err != nil {
		return err
	}
	header, err := pageio.ParseDatabaseHeader(page1)
	if err != nil {
		return err
	}
	if err := header.Validate(); err != nil {
		return err
	}
	db.header = header

	switch header.TextEncoding {
	case pageio.EncodingUTF16LE:
		db.enc = record.EncodingUTF16LE
	case pageio.EncodingUTF16BE:
		db.enc = record.EncodingUTF16BE
	default:
		db.enc = record.EncodingUTF8
	}

	db.reader = btree.NewReader(db.logical, uint32(header.UsableSize()))
	sch, err := schema.Load(db.reader, db.enc)
	if err != nil {
		return err
	}
	db.sch = sch

	if db.file != nil {
		db.pager = writer.NewPager(db.file, db.logical, db.cache, db.cipher, db.header, db.path)
	}
	return nil
}

// Create initializes a new empty database file and opens it.
func Create(path string, opts *Options) (*DB, error) {
	opts = opts.withDefaults()
	cipher, err := opts.buildCipher()
	if err != nil {
		return nil, err
	}
	if err := writer.InitDatabase(path, opts.PageSize, cipher); err != nil {
		return nil, err
	}
	return Open(path, opts)
}

// Schema returns the decoded catalog.
func (db *DB) Schema() *schema.Schema { return db.sch }

// Header returns the parsed database header.
func (db *DB) Header() *pageio.DatabaseHeader { return db.header }

// RegisterCommitObserver adds an observer invoked after every durable
// commit on this handle.
func (db *DB) RegisterCommitObserver(obs writer.CommitObserver) {
	db.observers = append(db.observers, obs)
}

// Begin opens the handle's single writer transaction.
func (db *DB) Begin() (*Tx, error) {
	if db.pager == nil {
		return nil, serrors.NewArgument("database", "handle is read-only")
	}
	if db.inTx {
		return nil, serrors.NewArgument("transaction", "already open")
	}
	inner, err := writer.Begin(db.pager, db.sch, db.enc, db.observers)
	if err != nil {
		return nil, err
	}
	db.inTx = true
	return &Tx{db: db, inner: inner}, nil
}

// reloadSchema re-reads the catalog after DDL.
func (db *DB) reloadSchema() error {
	sch, err := schema.Load(db.reader, db.enc)
	if err != nil {
		return err
	}
	db.sch = sch
	return nil
}

// Close releases the handle's sources. An open transaction is rolled
// back first.
func (db *DB) Close() error {
	if db.inTx && db.pager != nil && db.pager.InTransaction() {
		_ = db.pager.Rollback()
		db.inTx = false
	}
	var firstErr error
	if db.cache != nil {
		// Closing the cache closes the wrapped logical/raw chain.
		if err := db.cache.Close(); err != nil {
			firstErr = err
		}
	} else if db.raw != nil {
		if err := db.raw.Close(); err != nil {
			firstErr = err
		}
	}
	if db.file != nil {
		if err := db.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
