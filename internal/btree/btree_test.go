package btree

import (
	"bytes"
	"fmt"
	"testing"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/record"
)

// memPM is an in-memory PageManager. Page 1 is reserved (it would carry
// the file header), so trees start at page 2.
type memPM struct {
	pages    map[uint32][]byte
	next     uint32
	pageSize int
	freed    map[uint32]bool
}

func newMemPM(pageSize int) *memPM {
	return &memPM{
		pages:    map[uint32][]byte{1: make([]byte, pageSize)},
		next:     2,
		pageSize: pageSize,
		freed:    map[uint32]bool{},
	}
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

func (m *memPM) Free(pgno uint32) error {
	m.freed[pgno] = true
	return nil
}

func (m *memPM) UsableSize() uint32 { return uint32(m.pageSize) }
func (m *memPM) PageSize() int      { return m.pageSize }

// ReadPage lets memPM double as a pageio.PageSource for cursors.
func (m *memPM) ReadPage(pgno uint32) ([]byte, error) { return m.GetWritable(pgno) }
func (m *memPM) PageCount() uint32                    { return m.next - 1 }
func (m *memPM) Close() error                         { return nil }

func encodeRow(t *testing.T, vals ...record.Value) []byte {
	t.Helper()
	rec, err := record.EncodeRecord(vals, -1)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func buildTree(t *testing.T, pm *memPM, rows map[int64][]byte) uint32 {
	t.Helper()
	mut := NewMutator(pm)
	root, err := mut.CreateTree()
	if err != nil {
		t.Fatal(err)
	}
	for rowid, payload := range rows {
		if err := mut.Insert(root, rowid, payload); err != nil {
			t.Fatalf("insert %d: %v", rowid, err)
		}
	}
	return root
}

func TestFullScanAscending(t *testing.T) {
	pm := newMemPM(512)
	rows := map[int64][]byte{}
	const n = 2000 // enough to force two interior levels at 512 bytes
	for i := int64(1); i <= n; i++ {
		rows[i] = encodeRow(t, record.Integer(i), record.Text([]byte(fmt.Sprintf("row-%d", i)), record.EncodingUTF8))
	}
	root := buildTree(t, pm, rows)

	cur := NewCursor(NewReader(pm, pm.UsableSize()), root)
	var got []int64
	for {
		ok, err := cur.MoveNext()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, cur.RowID())
	}
	if len(got) != n {
		t.Fatalf("scanned %d rows, want %d", len(got), n)
	}
	for i, r := range got {
		if r != int64(i+1) {
			t.Fatalf("row %d has rowid %d, want %d (rowids must ascend)", i, r, i+1)
		}
	}

	// MoveNext after exhaustion stays exhausted.
	for i := 0; i < 3; i++ {
		ok, err := cur.MoveNext()
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatal("MoveNext returned true after exhaustion")
		}
	}
}

func TestInteriorTraversalOrder(t *testing.T) {
	pm := newMemPM(512)
	rows := map[int64][]byte{}
	// Wide rows: only two fit on a 512-byte leaf, so the eight rows spread
	// over several leaves under an interior root.
	pad := bytes.Repeat([]byte("x"), 180)
	for i := int64(1); i <= 8; i++ {
		rows[i] = encodeRow(t, record.Blob(pad))
	}
	root := buildTree(t, pm, rows)

	cur := NewCursor(NewReader(pm, pm.UsableSize()), root)
	want := []int64{1, 2, 3, 4, 5, 6, 7, 8}
	for _, w := range want {
		ok, err := cur.MoveNext()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("tree exhausted before rowid %d", w)
		}
		if cur.RowID() != w {
			t.Fatalf("got rowid %d, want %d", cur.RowID(), w)
		}
	}
	if ok, _ := cur.MoveNext(); ok {
		t.Fatal("expected exhaustion after 8 rows")
	}
}

func TestSeek(t *testing.T) {
	pm := newMemPM(512)
	rows := map[int64][]byte{}
	for i := int64(2); i <= 400; i += 2 { // even rowids only
		rows[i] = encodeRow(t, record.Integer(i))
	}
	root := buildTree(t, pm, rows)
	cur := NewCursor(NewReader(pm, pm.UsableSize()), root)

	found, err := cur.Seek(42)
	if err != nil {
		t.Fatal(err)
	}
	if !found || cur.RowID() != 42 {
		t.Fatalf("Seek(42): found=%v rowid=%d", found, cur.RowID())
	}

	// Missing rowid positions at the next larger key.
	found, err = cur.Seek(43)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("Seek(43) reported exact match")
	}
	if !cur.Valid() || cur.RowID() != 44 {
		t.Fatalf("Seek(43) positioned at %d, want 44", cur.RowID())
	}

	// Past the end of the tree.
	found, err = cur.Seek(401)
	if err != nil {
		t.Fatal(err)
	}
	if found || cur.Valid() {
		t.Fatal("Seek past end should leave the cursor exhausted")
	}

	// Seek then continue scanning.
	if _, err := cur.Seek(100); err != nil {
		t.Fatal(err)
	}
	ok, err := cur.MoveNext()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || cur.RowID() != 102 {
		t.Fatalf("MoveNext after Seek(100) = %d, want 102", cur.RowID())
	}
}

func TestOverflowPayloadRoundTrip(t *testing.T) {
	pm := newMemPM(512)
	big := make([]byte, 10000)
	for i := range big {
		big[i] = byte(i % 251)
	}
	payload := encodeRow(t, record.Blob(big))

	mut := NewMutator(pm)
	root, err := mut.CreateTree()
	if err != nil {
		t.Fatal(err)
	}
	if err := mut.Insert(root, 1, payload); err != nil {
		t.Fatal(err)
	}

	cur := NewCursor(NewReader(pm, pm.UsableSize()), root)
	ok, err := cur.MoveNext()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("row not found")
	}
	if cur.PayloadSize() != uint32(len(payload)) {
		t.Fatalf("payload size %d, want %d", cur.PayloadSize(), len(payload))
	}
	got, err := cur.Payload()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("assembled overflow payload differs from input")
	}

	vals, err := record.DecodeRecord(got, record.EncodingUTF8)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(vals[0].Bytes, big) {
		t.Fatal("decoded blob differs from input")
	}
}

func TestOverflowThreshold(t *testing.T) {
	// For usable size 4096 a table-leaf payload of X = 4061 bytes is fully
	// inline; 4062 bytes spills with inline = M = 489.
	if x := maxLocal(4096, true); x != 4061 {
		t.Errorf("maxLocal(4096) = %d, want 4061", x)
	}
	if m := minLocal(4096); m != 489 {
		t.Errorf("minLocal(4096) = %d, want 489", m)
	}
	if l := localPayload(4061, 4096, true); l != 4061 {
		t.Errorf("localPayload(4061) = %d, want 4061 (fully inline)", l)
	}
	if l := localPayload(4062, 4096, true); l != 489 {
		t.Errorf("localPayload(4062) = %d, want 489", l)
	}
}

func TestDelete(t *testing.T) {
	pm := newMemPM(512)
	rows := map[int64][]byte{}
	for i := int64(1); i <= 50; i++ {
		rows[i] = encodeRow(t, record.Integer(i))
	}
	root := buildTree(t, pm, rows)
	mut := NewMutator(pm)

	deleted, err := mut.Delete(root, 25)
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatal("Delete(25) reported not found")
	}
	deleted, err = mut.Delete(root, 25)
	if err != nil {
		t.Fatal(err)
	}
	if deleted {
		t.Fatal("second Delete(25) reported found")
	}

	cur := NewCursor(NewReader(pm, pm.UsableSize()), root)
	count := 0
	for {
		ok, err := cur.MoveNext()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		if cur.RowID() == 25 {
			t.Fatal("deleted rowid still present")
		}
		count++
	}
	if count != 49 {
		t.Fatalf("scan found %d rows, want 49", count)
	}
}

func TestNextRowID(t *testing.T) {
	pm := newMemPM(512)
	mut := NewMutator(pm)
	root, err := mut.CreateTree()
	if err != nil {
		t.Fatal(err)
	}
	id, err := mut.NextRowID(root)
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Fatalf("empty tree NextRowID = %d, want 1", id)
	}
	if err := mut.Insert(root, 7, encodeRow(t, record.Integer(7))); err != nil {
		t.Fatal(err)
	}
	id, err = mut.NextRowID(root)
	if err != nil {
		t.Fatal(err)
	}
	if id != 8 {
		t.Fatalf("NextRowID = %d, want 8", id)
	}
}

func TestFreeTree(t *testing.T) {
	pm := newMemPM(512)
	rows := map[int64][]byte{}
	for i := int64(1); i <= 200; i++ {
		rows[i] = encodeRow(t, record.Integer(i), record.Blob(bytes.Repeat([]byte("y"), 40)))
	}
	root := buildTree(t, pm, rows)

	allocated := int(pm.next) - 2 // pages 2..next-1
	if err := NewMutator(pm).FreeTree(root); err != nil {
		t.Fatal(err)
	}
	if len(pm.freed) != allocated {
		t.Errorf("freed %d pages, allocated %d", len(pm.freed), allocated)
	}
}

func TestCorruptPageType(t *testing.T) {
	pm := newMemPM(512)
	root := buildTree(t, pm, map[int64][]byte{1: encodeRow(t, record.Integer(1))})
	pm.pages[root][0] = 0x07 // not a valid page type

	cur := NewCursor(NewReader(pm, pm.UsableSize()), root)
	if _, err := cur.MoveNext(); !serrors.Is(err, serrors.ErrCorruptPage) {
		t.Errorf("got %v, want ErrCorruptPage", err)
	}
}
