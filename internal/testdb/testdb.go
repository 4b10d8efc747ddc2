// Package testdb builds in-memory databases for engine tests: a page
// store seeded with an empty catalog, plus helpers to create tables and
// rows without the journaling stack.
package testdb

import (
	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/btree"
	"github.com/revred/sharc/internal/record"
	"github.com/revred/sharc/internal/schema"
)

// MemPager is an in-memory page store implementing btree.PageManager and
// pageio.PageSource. Page 1 starts as an empty catalog leaf.
type MemPager struct {
	Pages    map[uint32][]byte
	next     uint32
	pageSize int
	Freed    map[uint32]bool
}

// NewMemPager creates a store with the catalog page initialized.
func NewMemPager(pageSize int) *MemPager {
	m := &MemPager{
		Pages:    map[uint32][]byte{},
		next:     2,
		pageSize: pageSize,
		Freed:    map[uint32]bool{},
	}
	page1 := make([]byte, pageSize)
	btree.InitPage(page1, 1, btree.PageTypeLeafTable, uint32(pageSize))
	m.Pages[1] = page1
	return m
}

func (m *MemPager) GetWritable(pgno uint32) ([]byte, error) {
	p, ok := m.Pages[pgno]
	if !ok {
		return nil, serrors.NewPage(pgno, -1, "get page", "no such page")
	}
	return p, nil
}

func (m *MemPager) Allocate() (uint32, []byte, error) {
	pgno := m.next
	m.next++
	buf := make([]byte, m.pageSize)
	m.Pages[pgno] = buf
	return pgno, buf, nil
}

func (m *MemPager) Free(pgno uint32) error {
	m.Freed[pgno] = true
	return nil
}

func (m *MemPager) UsableSize() uint32                   { return uint32(m.pageSize) }
func (m *MemPager) PageSize() int                        { return m.pageSize }
func (m *MemPager) ReadPage(pgno uint32) ([]byte, error) { return m.GetWritable(pgno) }
func (m *MemPager) PageCount() uint32                    { return m.next - 1 }
func (m *MemPager) Close() error                         { return nil }

// DB bundles the page store with a live schema and a mutator.
type DB struct {
	PM     *MemPager
	Schema *schema.Schema
	Mut    *btree.Mutator

	catalogRowid int64
}

// New creates an empty database with the given page size.
func New(pageSize int) *DB {
	pm := NewMemPager(pageSize)
	return &DB{
		PM: pm,
		Schema: &schema.Schema{
			Tables:  map[string]*schema.TableInfo{},
			Indexes: map[string]*schema.IndexInfo{},
			Views:   map[string]*schema.ViewInfo{},
		},
		Mut: btree.NewMutator(pm),
	}
}

// Reader returns a B-tree reader over the store.
func (d *DB) Reader() *btree.Reader {
	return btree.NewReader(d.PM, d.PM.UsableSize())
}

// CreateTable parses ddl, allocates a root, and registers the table in
// both the catalog page and the in-memory schema.
func (d *DB) CreateTable(ddl string) error {
	info, err := schema.ParseCreateTable(ddl)
	if err != nil {
		return err
	}
	root, err := d.Mut.CreateTree()
	if err != nil {
		return err
	}
	info.RootPage = root
	info.SQL = ddl

	row, err := record.EncodeRecord([]record.Value{
		record.Text([]byte("table"), record.EncodingUTF8),
		record.Text([]byte(info.Name), record.EncodingUTF8),
		record.Text([]byte(info.Name), record.EncodingUTF8),
		record.Integer(int64(root)),
		record.Text([]byte(ddl), record.EncodingUTF8),
	}, -1)
	if err != nil {
		return err
	}
	d.catalogRowid++
	if err := d.Mut.Insert(schema.SchemaRootPage, d.catalogRowid, row); err != nil {
		return err
	}
	d.Schema.Tables[info.Name] = info
	return nil
}

// Insert adds a row, honoring the rowid-alias rule, and returns the
// assigned rowid.
func (d *DB) Insert(table string, values ...record.Value) (int64, error) {
	t, ok := d.Schema.Table(table)
	if !ok {
		return 0, serrors.NewArgument("table", "no such table: "+table)
	}
	var rowid int64
	if t.RowidAlias >= 0 && !values[t.RowidAlias].IsNull() {
		rowid = values[t.RowidAlias].Int
	} else {
		var err error
		rowid, err = d.Mut.NextRowID(t.RootPage)
		if err != nil {
			return 0, err
		}
	}
	payload, err := record.EncodeRecord(values, t.RowidAlias)
	if err != nil {
		return 0, err
	}
	if err := d.Mut.Insert(t.RootPage, rowid, payload); err != nil {
		return 0, err
	}
	return rowid, nil
}
