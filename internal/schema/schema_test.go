package schema

import (
	"testing"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/btree"
	"github.com/revred/sharc/internal/record"
)

func TestParseCreateTableBasic(t *testing.T) {
	info, err := ParseCreateTable(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, age INT DEFAULT 21)`)
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "users" {
		t.Errorf("name = %q", info.Name)
	}
	if len(info.Columns) != 3 {
		t.Fatalf("got %d columns", len(info.Columns))
	}
	if !info.Columns[0].PrimaryKey || info.Columns[0].DeclaredType != "INTEGER" {
		t.Errorf("column 0 = %+v", info.Columns[0])
	}
	if !info.Columns[1].NotNull || info.Columns[1].DeclaredType != "TEXT" {
		t.Errorf("column 1 = %+v", info.Columns[1])
	}
	if info.Columns[2].Default != "21" {
		t.Errorf("column 2 default = %q", info.Columns[2].Default)
	}
	if info.RowidAlias != 0 {
		t.Errorf("RowidAlias = %d, want 0", info.RowidAlias)
	}
}

func TestParseCreateTableQuoting(t *testing.T) {
	cases := []struct {
		sql  string
		cols []string
	}{
		{`CREATE TABLE "order" ("select" TEXT, [group] INT, ` + "`from`" + ` BLOB)`,
			[]string{"select", "group", "from"}},
		{`CREATE TABLE IF NOT EXISTS t2 ("a ""b""" TEXT)`, []string{`a "b"`}},
	}
	for _, c := range cases {
		info, err := ParseCreateTable(c.sql)
		if err != nil {
			t.Fatalf("%s: %v", c.sql, err)
		}
		for i, want := range c.cols {
			if info.Columns[i].Name != want {
				t.Errorf("%s: column %d = %q, want %q", c.sql, i, info.Columns[i].Name, want)
			}
		}
	}
}

func TestParseCreateTableConstraints(t *testing.T) {
	info, err := ParseCreateTable(`CREATE TABLE t (
		a INTEGER PRIMARY KEY AUTOINCREMENT,
		b VARCHAR(40) COLLATE NOCASE,
		c DECIMAL(10,2) NOT NULL,
		d INT REFERENCES parent(id) ON DELETE CASCADE,
		UNIQUE (b, c)
	)`)
	if err != nil {
		t.Fatal(err)
	}
	if info.Columns[1].Collate != "NOCASE" || info.Columns[1].DeclaredType != "VARCHAR" {
		t.Errorf("column b = %+v", info.Columns[1])
	}
	if info.Columns[3].References != "parent" {
		t.Errorf("column d references = %q", info.Columns[3].References)
	}
	if info.RowidAlias != 0 {
		t.Errorf("RowidAlias = %d, want 0", info.RowidAlias)
	}
}

func TestRowidAliasRules(t *testing.T) {
	cases := []struct {
		sql   string
		alias int
	}{
		{`CREATE TABLE t (id INTEGER PRIMARY KEY, x TEXT)`, 0},
		{`CREATE TABLE t (id INT PRIMARY KEY, x TEXT)`, -1}, // INT is not INTEGER
		{`CREATE TABLE t (x TEXT, id INTEGER PRIMARY KEY)`, 1},
		{`CREATE TABLE t (id INTEGER, x TEXT)`, -1}, // no PK
		{`CREATE TABLE t (a TEXT, id INTEGER, PRIMARY KEY (id))`, 1},
		{`CREATE TABLE t (id INTEGER PRIMARY KEY) WITHOUT ROWID`, -1},
	}
	for _, c := range cases {
		info, err := ParseCreateTable(c.sql)
		if err != nil {
			t.Fatalf("%s: %v", c.sql, err)
		}
		if info.RowidAlias != c.alias {
			t.Errorf("%s: RowidAlias = %d, want %d", c.sql, info.RowidAlias, c.alias)
		}
	}
}

func TestParseCreateTableErrors(t *testing.T) {
	for _, sql := range []string{
		``,
		`CREATE INDEX foo ON t(a)`,
		`CREATE TABLE t`,
	} {
		if _, err := ParseCreateTable(sql); !serrors.Is(err, serrors.ErrArgument) {
			t.Errorf("%q: got %v, want ErrArgument", sql, err)
		}
	}
}

// memPM backs a catalog B-tree in memory for Load tests. Page 1 carries
// the catalog root exactly as in a real database file.
type memPM struct {
	pages    map[uint32][]byte
	next     uint32
	pageSize int
}

func newMemPM(pageSize int) *memPM {
	pm := &memPM{pages: map[uint32][]byte{}, next: 2, pageSize: pageSize}
	page1 := make([]byte, pageSize)
	btree.InitPage(page1, 1, btree.PageTypeLeafTable, uint32(pageSize))
	pm.pages[1] = page1
	return pm
}

func (m *memPM) GetWritable(pgno uint32) ([]byte, error) {
	p, ok := m.pages[pgno]
	if !ok {
		return nil, serrors.NewPage(pgno, -1, "get page", "no such page")
	}
	return p, nil
}

func (m *memPM) Allocate() (uint32, []byte, error) {
	pgno := m.next
	m.next++
	buf := make([]byte, m.pageSize)
	m.pages[pgno] = buf
	return pgno, buf, nil
}

func (m *memPM) Free(pgno uint32) error               { return nil }
func (m *memPM) UsableSize() uint32                   { return uint32(m.pageSize) }
func (m *memPM) PageSize() int                        { return m.pageSize }
func (m *memPM) ReadPage(pgno uint32) ([]byte, error) { return m.GetWritable(pgno) }
func (m *memPM) PageCount() uint32                    { return m.next - 1 }
func (m *memPM) Close() error                         { return nil }

func catalogRow(t *testing.T, objType, name, tblName string, rootPage int64, sql string) []byte {
	t.Helper()
	rec, err := record.EncodeRecord([]record.Value{
		record.Text([]byte(objType), record.EncodingUTF8),
		record.Text([]byte(name), record.EncodingUTF8),
		record.Text([]byte(tblName), record.EncodingUTF8),
		record.Integer(rootPage),
		record.Text([]byte(sql), record.EncodingUTF8),
	}, -1)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestLoad(t *testing.T) {
	pm := newMemPM(4096)
	mut := btree.NewMutator(pm)

	rows := [][]byte{
		catalogRow(t, "table", "users", "users", 2, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`),
		catalogRow(t, "table", "sqlite_sequence", "sqlite_sequence", 3, `CREATE TABLE sqlite_sequence(name,seq)`),
		catalogRow(t, "index", "idx_users_name", "users", 4, `CREATE INDEX idx_users_name ON users(name)`),
		catalogRow(t, "view", "v_users", "v_users", 0, `CREATE VIEW v_users AS SELECT name FROM users`),
	}
	for i, r := range rows {
		if err := mut.Insert(SchemaRootPage, int64(i+1), r); err != nil {
			t.Fatal(err)
		}
	}

	s, err := Load(btree.NewReader(pm, pm.UsableSize()), record.EncodingUTF8)
	if err != nil {
		t.Fatal(err)
	}

	u, ok := s.Table("users")
	if !ok {
		t.Fatal("users not loaded")
	}
	if u.RootPage != 2 || u.RowidAlias != 0 || len(u.Columns) != 2 {
		t.Errorf("users = %+v", u)
	}
	if _, ok := s.Tables["sqlite_sequence"]; ok {
		t.Error("internal table surfaced")
	}
	if idx, ok := s.Indexes["idx_users_name"]; !ok || idx.Table != "users" || idx.RootPage != 4 {
		t.Errorf("index = %+v", s.Indexes["idx_users_name"])
	}
	if _, ok := s.Views["v_users"]; !ok {
		t.Error("view not loaded")
	}

	// Case-insensitive lookup
	if _, ok := s.Table("USERS"); !ok {
		t.Error("case-insensitive table lookup failed")
	}
}
