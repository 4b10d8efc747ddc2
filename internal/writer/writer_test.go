package writer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zeebo/blake3"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/btree"
	"github.com/revred/sharc/internal/pageio"
	"github.com/revred/sharc/internal/record"
	"github.com/revred/sharc/internal/schema"
)

const testPageSize = 4096

// openPager builds the write stack over an existing database file.
func openPager(t *testing.T, path string) (*Pager, *schema.Schema, func()) {
	t.Helper()

	file, err := pageio.NewFileSource(path, testPageSize, false)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := file.ReadPage(1)
	if err != nil {
		t.Fatal(err)
	}
	header, err := pageio.ParseDatabaseHeader(raw)
	if err != nil {
		t.Fatal(err)
	}

	read, err := pageio.NewFileSource(path, testPageSize, true)
	if err != nil {
		t.Fatal(err)
	}
	cache := pageio.NewCachedSource(read, 100)
	p := NewPager(file, cache, cache, nil, header, path)

	s, err := schema.Load(btree.NewReader(p.TxSource(), p.UsableSize()), record.EncodingUTF8)
	if err != nil {
		t.Fatal(err)
	}
	cleanup := func() {
		file.Close()
		cache.Close()
	}
	return p, s, cleanup
}

func newTestDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	if err := InitDatabase(path, testPageSize, nil); err != nil {
		t.Fatal(err)
	}
	return path
}

func fileDigest(t *testing.T, path string) [32]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return blake3.Sum256(data)
}

func scanRowIDs(t *testing.T, p *Pager, root uint32) []int64 {
	t.Helper()
	cur := btree.NewCursor(btree.NewReader(p.TxSource(), p.UsableSize()), root)
	var ids []int64
	for {
		ok, err := cur.MoveNext()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			return ids
		}
		ids = append(ids, cur.RowID())
	}
}

func TestCreateInsertCommit(t *testing.T) {
	path := newTestDB(t)
	p, s, cleanup := openPager(t, path)
	defer cleanup()

	tx, err := Begin(p, s, record.EncodingUTF8, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Execute(`CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatal(err)
	}
	rowid, err := tx.Insert("t", []record.Value{record.Integer(42), record.Text([]byte("alice"), record.EncodingUTF8)})
	if err != nil {
		t.Fatal(err)
	}
	if rowid != 42 {
		t.Fatalf("rowid = %d, want 42 (alias column selects the rowid)", rowid)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	// Reopen and verify through a fresh stack.
	p2, s2, cleanup2 := openPager(t, path)
	defer cleanup2()
	tbl, ok := s2.Table("t")
	if !ok {
		t.Fatal("table t missing after reopen")
	}
	if err := p2.Begin(); err != nil {
		t.Fatal(err)
	}
	defer p2.Rollback()
	ids := scanRowIDs(t, p2, tbl.RootPage)
	if len(ids) != 1 || ids[0] != 42 {
		t.Fatalf("rows after reopen: %v", ids)
	}
}

func TestAutoRowID(t *testing.T) {
	path := newTestDB(t)
	p, s, cleanup := openPager(t, path)
	defer cleanup()

	tx, err := Begin(p, s, record.EncodingUTF8, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Execute(`CREATE TABLE logs (msg TEXT)`); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		rowid, err := tx.Insert("logs", []record.Value{record.Text([]byte("m"), record.EncodingUTF8)})
		if err != nil {
			t.Fatal(err)
		}
		if rowid != int64(i+1) {
			t.Fatalf("auto rowid = %d, want %d", rowid, i+1)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestDuplicateRowID(t *testing.T) {
	path := newTestDB(t)
	p, s, cleanup := openPager(t, path)
	defer cleanup()

	tx, _ := Begin(p, s, record.EncodingUTF8, nil)
	if err := tx.Execute(`CREATE TABLE t (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Insert("t", []record.Value{record.Integer(1)}); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Insert("t", []record.Value{record.Integer(1)}); !serrors.Is(err, serrors.ErrArgument) {
		t.Fatalf("duplicate insert: got %v, want ErrArgument", err)
	}
	tx.Rollback()
}

func TestDeleteRollbackRestoresFile(t *testing.T) {
	path := newTestDB(t)
	p, s, cleanup := openPager(t, path)
	defer cleanup()

	tx, _ := Begin(p, s, record.EncodingUTF8, nil)
	if err := tx.Execute(`CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatal(err)
	}
	for i := int64(1); i <= 3; i++ {
		if _, err := tx.Insert("t", []record.Value{record.Integer(i), record.Text([]byte("v"), record.EncodingUTF8)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	before := fileDigest(t, path)

	tx2, err := Begin(p, s, record.EncodingUTF8, nil)
	if err != nil {
		t.Fatal(err)
	}
	found, err := tx2.Delete("t", 2)
	if err != nil || !found {
		t.Fatalf("delete: found=%v err=%v", found, err)
	}
	if err := tx2.Rollback(); err != nil {
		t.Fatal(err)
	}

	if after := fileDigest(t, path); after != before {
		t.Fatal("rollback left the file changed")
	}

	// All three rows still present.
	tbl, _ := s.Table("t")
	if err := p.Begin(); err != nil {
		t.Fatal(err)
	}
	defer p.Rollback()
	ids := scanRowIDs(t, p, tbl.RootPage)
	if len(ids) != 3 {
		t.Fatalf("rows after rollback: %v", ids)
	}
}

func TestUpdate(t *testing.T) {
	path := newTestDB(t)
	p, s, cleanup := openPager(t, path)
	defer cleanup()

	tx, _ := Begin(p, s, record.EncodingUTF8, nil)
	if err := tx.Execute(`CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Insert("t", []record.Value{record.Integer(1), record.Text([]byte("old"), record.EncodingUTF8)}); err != nil {
		t.Fatal(err)
	}
	found, err := tx.Update("t", 1, []record.Value{record.Integer(1), record.Text([]byte("new"), record.EncodingUTF8)})
	if err != nil || !found {
		t.Fatalf("update: found=%v err=%v", found, err)
	}
	found, err = tx.Update("t", 99, []record.Value{record.Integer(99), record.Null()})
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("update of missing rowid reported found")
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tbl, _ := s.Table("t")
	if err := p.Begin(); err != nil {
		t.Fatal(err)
	}
	defer p.Rollback()
	cur := btree.NewCursor(btree.NewReader(p.TxSource(), p.UsableSize()), tbl.RootPage)
	ok, err := cur.MoveNext()
	if err != nil || !ok {
		t.Fatal(err)
	}
	payload, err := cur.Payload()
	if err != nil {
		t.Fatal(err)
	}
	v, err := record.DecodeColumn(payload, 1, record.EncodingUTF8)
	if err != nil {
		t.Fatal(err)
	}
	if string(v.Bytes) != "new" {
		t.Fatalf("value after update = %q", v.Bytes)
	}
}

func TestDropTableRecyclesPages(t *testing.T) {
	path := newTestDB(t)
	p, s, cleanup := openPager(t, path)
	defer cleanup()

	tx, _ := Begin(p, s, record.EncodingUTF8, nil)
	if err := tx.Execute(`CREATE TABLE big (v TEXT)`); err != nil {
		t.Fatal(err)
	}
	pad := make([]byte, 1000)
	for i := 0; i < 50; i++ {
		if _, err := tx.Insert("big", []record.Value{record.Blob(pad)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2, _ := Begin(p, s, record.EncodingUTF8, nil)
	if err := tx2.Execute(`DROP TABLE big`); err != nil {
		t.Fatal(err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}

	if p.Header().FreelistCount == 0 {
		t.Fatal("dropped table pages did not reach the freelist")
	}
	if _, ok := s.Table("big"); ok {
		t.Fatal("table still in schema after drop")
	}

	// Freed pages are reused before the file grows.
	sizeBefore := p.Header().DatabaseSize
	tx3, _ := Begin(p, s, record.EncodingUTF8, nil)
	if err := tx3.Execute(`CREATE TABLE small (v TEXT)`); err != nil {
		t.Fatal(err)
	}
	if _, err := tx3.Insert("small", []record.Value{record.Blob(pad)}); err != nil {
		t.Fatal(err)
	}
	if err := tx3.Commit(); err != nil {
		t.Fatal(err)
	}
	if p.Header().DatabaseSize > sizeBefore {
		t.Fatalf("file grew from %d to %d pages despite a populated freelist", sizeBefore, p.Header().DatabaseSize)
	}
}

func TestCommitObserver(t *testing.T) {
	path := newTestDB(t)
	p, s, cleanup := openPager(t, path)
	defer cleanup()

	var gotTx string
	var gotMuts []Mutation
	obs := observerFunc(func(txID string, muts []Mutation) {
		gotTx = txID
		gotMuts = muts
	})

	tx, _ := Begin(p, s, record.EncodingUTF8, []CommitObserver{obs})
	if err := tx.Execute(`CREATE TABLE t (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Insert("t", []record.Value{record.Integer(5)}); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Delete("t", 5); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if gotTx != tx.ID() || gotTx == "" {
		t.Errorf("observer tx id = %q, want %q", gotTx, tx.ID())
	}
	if len(gotMuts) != 2 || gotMuts[0].Kind != MutationInsert || gotMuts[1].Kind != MutationDelete {
		t.Errorf("observer mutations = %+v", gotMuts)
	}
}

type observerFunc func(string, []Mutation)

func (f observerFunc) OnCommit(txID string, muts []Mutation) { f(txID, muts) }

func TestHotJournalRecovery(t *testing.T) {
	path := newTestDB(t)
	p, s, cleanup := openPager(t, path)

	tx, _ := Begin(p, s, record.EncodingUTF8, nil)
	if err := tx.Execute(`CREATE TABLE t (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Insert("t", []record.Value{record.Integer(1)}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	before := fileDigest(t, path)

	// Simulate a crash mid-apply: journal synced, database half written,
	// journal never deleted.
	tx2, err := Begin(p, s, record.EncodingUTF8, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx2.Insert("t", []record.Value{record.Integer(2)}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.GetWritable(1); err != nil {
		t.Fatal(err)
	}
	if err := p.journal.Sync(); err != nil {
		t.Fatal(err)
	}
	garbage := make([]byte, testPageSize)
	if err := p.file.WritePage(1, garbage); err != nil {
		t.Fatal(err)
	}
	if err := p.file.Sync(); err != nil {
		t.Fatal(err)
	}
	p.journal.file.Close() // leave the journal on disk
	cleanup()

	if err := RecoverJournal(path); err != nil {
		t.Fatal(err)
	}
	if after := fileDigest(t, path); after != before {
		t.Fatal("recovery did not restore the pre-transaction image")
	}
	if _, err := os.Stat(path + JournalSuffix); !os.IsNotExist(err) {
		t.Fatal("journal survived recovery")
	}

	// Recovery with no journal is a no-op.
	if err := RecoverJournal(path); err != nil {
		t.Fatal(err)
	}
}

func TestBeginTwiceFails(t *testing.T) {
	path := newTestDB(t)
	p, s, cleanup := openPager(t, path)
	defer cleanup()

	tx, err := Begin(p, s, record.EncodingUTF8, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Begin(p, s, record.EncodingUTF8, nil); !serrors.Is(err, serrors.ErrArgument) {
		t.Fatalf("second Begin: got %v, want ErrArgument", err)
	}
	tx.Rollback()
}
