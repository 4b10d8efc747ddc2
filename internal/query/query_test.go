package query

import (
	"context"
	"testing"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/record"
	"github.com/revred/sharc/internal/testdb"
)

func text(s string) record.Value { return record.Text([]byte(s), record.EncodingUTF8) }

// fixture builds users/depts tables mirroring the join scenario: five
// users across three departments.
func fixture(t *testing.T) *testdb.DB {
	t.Helper()
	db := testdb.New(4096)
	for _, ddl := range []string{
		`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, dept TEXT, age INT)`,
		`CREATE TABLE depts (dept TEXT, name TEXT)`,
	} {
		if err := db.CreateTable(ddl); err != nil {
			t.Fatal(err)
		}
	}
	users := []struct {
		id   int64
		name string
		dept string
		age  int64
	}{
		{1, "alice", "eng", 34},
		{2, "bob", "eng", 41},
		{3, "carol", "ops", 29},
		{4, "dave", "sales", 55},
		{5, "erin", "eng", 23},
	}
	for _, u := range users {
		if _, err := db.Insert("users", record.Integer(u.id), text(u.name), text(u.dept), record.Integer(u.age)); err != nil {
			t.Fatal(err)
		}
	}
	for _, d := range [][2]string{{"eng", "Engineering"}, {"ops", "Operations"}, {"hr", "People"}} {
		if _, err := db.Insert("depts", text(d[0]), text(d[1])); err != nil {
			t.Fatal(err)
		}
	}
	return db
}

func exec(t *testing.T, db *testdb.DB, intent *Intent) [][]record.Value {
	t.Helper()
	e := New(db.Reader(), db.Schema, record.EncodingUTF8)
	s, err := e.Run(context.Background(), intent)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	var rows [][]record.Value
	for {
		row, ok, err := s.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			return rows
		}
		rows = append(rows, copyRow(row))
	}
}

func execErr(t *testing.T, db *testdb.DB, intent *Intent) error {
	t.Helper()
	e := New(db.Reader(), db.Schema, record.EncodingUTF8)
	s, err := e.Run(context.Background(), intent)
	if err != nil {
		return err
	}
	defer s.Close()
	for {
		_, ok, err := s.Next()
		if err != nil || !ok {
			return err
		}
	}
}

func filterOne(n PredicateNode) *FilterTree {
	return &FilterTree{Nodes: []PredicateNode{n}, Root: 0}
}

func TestScanAll(t *testing.T) {
	db := fixture(t)
	rows := exec(t, db, &Intent{Table: "users", Limit: -1, Offset: -1})
	if len(rows) != 5 {
		t.Fatalf("got %d rows", len(rows))
	}
	if rows[0][0].Int != 1 || string(rows[0][1].Bytes) != "alice" {
		t.Errorf("first row = %v", rows[0])
	}
}

func TestFilterComparisons(t *testing.T) {
	db := fixture(t)
	cases := []struct {
		name string
		node PredicateNode
		want int
	}{
		{"eq", PredicateNode{Op: OpEq, Column: ColumnRef{Column: "dept"}, Value: Str("eng")}, 3},
		{"neq", PredicateNode{Op: OpNeq, Column: ColumnRef{Column: "dept"}, Value: Str("eng")}, 2},
		{"gt", PredicateNode{Op: OpGt, Column: ColumnRef{Column: "age"}, Value: Int64(34)}, 2},
		{"gte", PredicateNode{Op: OpGte, Column: ColumnRef{Column: "age"}, Value: Int64(34)}, 3},
		{"between", PredicateNode{Op: OpBetween, Column: ColumnRef{Column: "age"}, Value: Int64(29), Value2: Int64(41)}, 3},
		{"in", PredicateNode{Op: OpIn, Column: ColumnRef{Column: "id"}, Value: Int64Set(1, 3, 9)}, 2},
		{"notin", PredicateNode{Op: OpNotIn, Column: ColumnRef{Column: "id"}, Value: Int64Set(1, 3)}, 3},
		{"like", PredicateNode{Op: OpLike, Column: ColumnRef{Column: "name"}, Value: Str("%a%")}, 3},
		{"startswith", PredicateNode{Op: OpStartsWith, Column: ColumnRef{Column: "name"}, Value: Str("a")}, 1},
		{"endswith", PredicateNode{Op: OpEndsWith, Column: ColumnRef{Column: "name"}, Value: Str("e")}, 2},
		{"contains", PredicateNode{Op: OpContains, Column: ColumnRef{Column: "name"}, Value: Str("ar")}, 1},
		{"float promotion", PredicateNode{Op: OpGt, Column: ColumnRef{Column: "age"}, Value: Real(40.5)}, 2},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rows := exec(t, db, &Intent{Table: "users", Filter: filterOne(c.node), Limit: -1, Offset: -1})
			if len(rows) != c.want {
				t.Errorf("got %d rows, want %d", len(rows), c.want)
			}
		})
	}
}

func TestThreeValuedLogic(t *testing.T) {
	db := testdb.New(4096)
	if err := db.CreateTable(`CREATE TABLE t (a INT, b INT)`); err != nil {
		t.Fatal(err)
	}
	// (1, NULL), (2, 5)
	if _, err := db.Insert("t", record.Integer(1), record.Null()); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Insert("t", record.Integer(2), record.Integer(5)); err != nil {
		t.Fatal(err)
	}

	// b = 5 matches only the non-NULL row; NULL is not false-but-matchable.
	rows := exec(t, db, &Intent{Table: "t", Limit: -1, Offset: -1,
		Filter: filterOne(PredicateNode{Op: OpEq, Column: ColumnRef{Column: "b"}, Value: Int64(5)})})
	if len(rows) != 1 {
		t.Errorf("b=5: got %d rows", len(rows))
	}

	// NOT (b = 5) excludes the NULL row too: NOT NULL is NULL.
	f := &FilterTree{Nodes: []PredicateNode{
		{Op: OpEq, Column: ColumnRef{Column: "b"}, Value: Int64(5)},
		{Op: OpNot, Left: 0},
	}, Root: 1}
	rows = exec(t, db, &Intent{Table: "t", Filter: f, Limit: -1, Offset: -1})
	if len(rows) != 0 {
		t.Errorf("NOT b=5: got %d rows, want 0", len(rows))
	}

	// a = 1 OR b = 5: true OR NULL = true, so both rows match.
	f = &FilterTree{Nodes: []PredicateNode{
		{Op: OpEq, Column: ColumnRef{Column: "a"}, Value: Int64(1)},
		{Op: OpEq, Column: ColumnRef{Column: "b"}, Value: Int64(5)},
		{Op: OpOr, Left: 0, Right: 1},
	}, Root: 2}
	rows = exec(t, db, &Intent{Table: "t", Filter: f, Limit: -1, Offset: -1})
	if len(rows) != 2 {
		t.Errorf("a=1 OR b=5: got %d rows, want 2", len(rows))
	}

	// IS NULL is the only operator that sees NULL.
	rows = exec(t, db, &Intent{Table: "t", Limit: -1, Offset: -1,
		Filter: filterOne(PredicateNode{Op: OpIsNull, Column: ColumnRef{Column: "b"}})})
	if len(rows) != 1 || rows[0][0].Int != 1 {
		t.Errorf("b IS NULL: %v", rows)
	}
}

func TestProjectionAndLimit(t *testing.T) {
	db := fixture(t)
	rows := exec(t, db, &Intent{
		Table:   "users",
		Columns: []ColumnRef{{Column: "name"}, {Column: "age"}},
		OrderBy: []OrderTerm{{Column: ColumnRef{Column: "age"}, Desc: true}},
		Limit:   2,
		Offset:  1,
	})
	if len(rows) != 2 {
		t.Fatalf("got %d rows", len(rows))
	}
	// Ages descending: 55, 41, 34, ... offset 1 -> bob(41), alice(34)
	if string(rows[0][0].Bytes) != "bob" || rows[0][1].Int != 41 {
		t.Errorf("row 0 = %v", rows[0])
	}
	if string(rows[1][0].Bytes) != "alice" {
		t.Errorf("row 1 = %v", rows[1])
	}
}

func TestOrderByUnknownColumn(t *testing.T) {
	db := fixture(t)
	err := execErr(t, db, &Intent{
		Table:   "users",
		OrderBy: []OrderTerm{{Column: ColumnRef{Column: "nope"}}},
		Limit:   -1, Offset: -1,
	})
	if !serrors.Is(err, serrors.ErrArgumentOutOfRange) {
		t.Errorf("got %v, want ErrArgumentOutOfRange", err)
	}
}

func TestInnerJoin(t *testing.T) {
	db := fixture(t)
	intent := &Intent{
		Table: "users",
		Joins: []Join{{
			Kind:     JoinInner,
			Table:    "depts",
			LeftCol:  ColumnRef{Table: "users", Column: "dept"},
			RightCol: ColumnRef{Table: "depts", Column: "dept"},
		}},
		Limit: -1, Offset: -1,
	}
	rows := exec(t, db, intent)
	// eng matches 3 users, ops 1; sales and hr have no partner.
	if len(rows) != 4 {
		t.Fatalf("inner join: %d rows, want 4", len(rows))
	}

	// users.id > 2 pushes down to the users scan: carol and erin survive
	// the join, dave's department has no partner.
	intent.Filter = filterOne(PredicateNode{Op: OpGt, Column: ColumnRef{Table: "users", Column: "id"}, Value: Int64(2)})
	rows = exec(t, db, intent)
	if len(rows) != 2 {
		t.Fatalf("filtered join: %d rows, want 2", len(rows))
	}
	names := map[string]bool{}
	for _, r := range rows {
		names[string(r[1].Bytes)] = true
	}
	if !names["carol"] || !names["erin"] {
		t.Fatalf("filtered join names: %v", names)
	}
}

func TestLeftJoin(t *testing.T) {
	db := fixture(t)
	rows := exec(t, db, &Intent{
		Table: "users",
		Joins: []Join{{
			Kind:     JoinLeft,
			Table:    "depts",
			LeftCol:  ColumnRef{Table: "users", Column: "dept"},
			RightCol: ColumnRef{Table: "depts", Column: "dept"},
		}},
		Limit: -1, Offset: -1,
	})
	if len(rows) != 5 {
		t.Fatalf("left join: %d rows, want 5", len(rows))
	}
	// dave (sales) has no department row: right side padded with NULLs.
	var daveRow []record.Value
	for _, r := range rows {
		if string(r[1].Bytes) == "dave" {
			daveRow = r
		}
	}
	if daveRow == nil || !daveRow[4].IsNull() || !daveRow[5].IsNull() {
		t.Errorf("dave row = %v", daveRow)
	}
}

func TestCrossJoin(t *testing.T) {
	db := fixture(t)
	rows := exec(t, db, &Intent{
		Table: "users",
		Joins: []Join{{Kind: JoinCross, Table: "depts"}},
		Limit: -1, Offset: -1,
	})
	if len(rows) != 15 {
		t.Fatalf("cross join: %d rows, want 15", len(rows))
	}
}

func TestRightJoinUnsupported(t *testing.T) {
	db := fixture(t)
	err := execErr(t, db, &Intent{
		Table: "users",
		Joins: []Join{{Kind: JoinRight, Table: "depts"}},
		Limit: -1, Offset: -1,
	})
	if !serrors.Is(err, serrors.ErrUnsupportedFeature) {
		t.Errorf("got %v, want ErrUnsupportedFeature", err)
	}
}

func TestJoinNullKeysDoNotMatch(t *testing.T) {
	db := testdb.New(4096)
	if err := db.CreateTable(`CREATE TABLE a (k INT)`); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateTable(`CREATE TABLE b (k INT)`); err != nil {
		t.Fatal(err)
	}
	for _, v := range []record.Value{record.Integer(1), record.Null()} {
		if _, err := db.Insert("a", v); err != nil {
			t.Fatal(err)
		}
		if _, err := db.Insert("b", v); err != nil {
			t.Fatal(err)
		}
	}
	rows := exec(t, db, &Intent{
		Table: "a",
		Joins: []Join{{
			Kind:     JoinInner,
			Table:    "b",
			LeftCol:  ColumnRef{Table: "a", Column: "k"},
			RightCol: ColumnRef{Table: "b", Column: "k"},
		}},
		Limit: -1, Offset: -1,
	})
	if len(rows) != 1 {
		t.Fatalf("NULL join keys matched: %d rows, want 1", len(rows))
	}
}

func TestAggregates(t *testing.T) {
	db := fixture(t)
	rows := exec(t, db, &Intent{
		Table:   "users",
		GroupBy: []ColumnRef{{Column: "dept"}},
		Aggregates: []Aggregate{
			{Func: AggCount, Star: true, Alias: "n"},
			{Func: AggSum, Column: ColumnRef{Column: "age"}, Alias: "total"},
			{Func: AggMin, Column: ColumnRef{Column: "age"}, Alias: "youngest"},
			{Func: AggMax, Column: ColumnRef{Column: "age"}, Alias: "oldest"},
			{Func: AggAvg, Column: ColumnRef{Column: "age"}, Alias: "mean"},
		},
		OrderBy: []OrderTerm{{Column: ColumnRef{Column: "dept"}}},
		Limit:   -1, Offset: -1,
	})
	if len(rows) != 3 {
		t.Fatalf("got %d groups", len(rows))
	}
	// eng: alice 34, bob 41, erin 23
	eng := rows[0]
	if string(eng[0].Bytes) != "eng" || eng[1].Int != 3 || eng[2].Int != 98 {
		t.Errorf("eng group = %v", eng)
	}
	if eng[3].Int != 23 || eng[4].Int != 41 {
		t.Errorf("eng min/max = %v / %v", eng[3], eng[4])
	}
	if mean := eng[5].Float; mean < 32.6 || mean > 32.7 {
		t.Errorf("eng mean = %v", mean)
	}
}

func TestUngroupedAggregateEmitsOneRow(t *testing.T) {
	db := fixture(t)
	rows := exec(t, db, &Intent{
		Table:      "users",
		Filter:     filterOne(PredicateNode{Op: OpEq, Column: ColumnRef{Column: "dept"}, Value: Str("nowhere")}),
		Aggregates: []Aggregate{{Func: AggCount, Star: true, Alias: "n"}},
		Limit:      -1, Offset: -1,
	})
	if len(rows) != 1 || rows[0][0].Int != 0 {
		t.Fatalf("empty aggregate = %v", rows)
	}
}

func TestHaving(t *testing.T) {
	db := fixture(t)
	rows := exec(t, db, &Intent{
		Table:      "users",
		GroupBy:    []ColumnRef{{Column: "dept"}},
		Aggregates: []Aggregate{{Func: AggCount, Star: true, Alias: "n"}},
		Having:     filterOne(PredicateNode{Op: OpGt, Column: ColumnRef{Column: "n"}, Value: Int64(1)}),
		Limit:      -1, Offset: -1,
	})
	if len(rows) != 1 || string(rows[0][0].Bytes) != "eng" {
		t.Fatalf("having: %v", rows)
	}
}

func TestSetOps(t *testing.T) {
	db := fixture(t)
	eng := &Intent{Table: "users", Columns: []ColumnRef{{Column: "name"}}, Limit: -1, Offset: -1,
		Filter: filterOne(PredicateNode{Op: OpEq, Column: ColumnRef{Column: "dept"}, Value: Str("eng")})}
	young := &Intent{Table: "users", Columns: []ColumnRef{{Column: "name"}}, Limit: -1, Offset: -1,
		Filter: filterOne(PredicateNode{Op: OpLt, Column: ColumnRef{Column: "age"}, Value: Int64(35)})}

	cases := []struct {
		kind SetOpKind
		want int
	}{
		{SetUnionAll, 6},  // 3 eng + 3 young
		{SetUnion, 4},     // alice, bob, erin, carol
		{SetIntersect, 2}, // alice, erin
		{SetExcept, 1},    // bob
	}
	for _, c := range cases {
		rows := exec(t, db, &Intent{SetOp: &SetOp{Kind: c.kind, Left: eng, Right: young}, Limit: -1, Offset: -1})
		if len(rows) != c.want {
			t.Errorf("set op %d: got %d rows, want %d", c.kind, len(rows), c.want)
		}
	}
}

func TestSetOpArityMismatch(t *testing.T) {
	db := fixture(t)
	err := execErr(t, db, &Intent{SetOp: &SetOp{
		Kind:  SetUnion,
		Left:  &Intent{Table: "users", Columns: []ColumnRef{{Column: "name"}}, Limit: -1, Offset: -1},
		Right: &Intent{Table: "users", Columns: []ColumnRef{{Column: "name"}, {Column: "age"}}, Limit: -1, Offset: -1},
	}, Limit: -1, Offset: -1})
	if !serrors.Is(err, serrors.ErrArgument) {
		t.Errorf("got %v, want ErrArgument", err)
	}
}

func TestCote(t *testing.T) {
	db := fixture(t)
	rows := exec(t, db, &Intent{
		Cotes: []CoteBinding{{
			Name: "engineers",
			Intent: &Intent{Table: "users", Limit: -1, Offset: -1,
				Filter: filterOne(PredicateNode{Op: OpEq, Column: ColumnRef{Column: "dept"}, Value: Str("eng")})},
		}},
		Table:   "engineers",
		Columns: []ColumnRef{{Column: "name"}},
		Filter:  filterOne(PredicateNode{Op: OpLt, Column: ColumnRef{Column: "age"}, Value: Int64(40)}),
		OrderBy: []OrderTerm{{Column: ColumnRef{Column: "name"}}},
		Limit:   -1, Offset: -1,
	})
	if len(rows) != 2 || string(rows[0][0].Bytes) != "alice" || string(rows[1][0].Bytes) != "erin" {
		t.Fatalf("cote rows: %v", rows)
	}
}

func TestCancellation(t *testing.T) {
	db := fixture(t)
	e := New(db.Reader(), db.Schema, record.EncodingUTF8)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := e.Run(ctx, &Intent{Table: "users", Limit: -1, Offset: -1})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, ok, err := s.Next(); err != nil || !ok {
		t.Fatal(err)
	}
	cancel()
	if _, _, err := s.Next(); err == nil {
		t.Fatal("Next after cancel returned no error")
	}
}

func TestMatchTrackerTiers(t *testing.T) {
	for _, n := range []int{10, 256, 257, 8192, 8193, 20000} {
		tr := newMatchTracker(n)
		for _, i := range []int{0, n / 2, n - 1} {
			if tr.marked(i) {
				t.Errorf("n=%d: %d marked before mark", n, i)
			}
			tr.mark(i)
			if !tr.marked(i) {
				t.Errorf("n=%d: %d not marked after mark", n, i)
			}
		}
	}
}

func TestIntSetBackwardShiftDelete(t *testing.T) {
	s := newIntSet(4)
	for i := int64(0); i < 100; i++ {
		s.add(i)
	}
	for i := int64(0); i < 100; i += 2 {
		s.remove(i)
	}
	for i := int64(0); i < 100; i++ {
		want := i%2 == 1
		if s.contains(i) != want {
			t.Fatalf("contains(%d) = %v, want %v", i, !want, want)
		}
	}
}

func TestLikeMatch(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"a%", "alice", true},
		{"%ce", "alice", true},
		{"%li%", "alice", true},
		{"a_ice", "alice", true},
		{"a_ice", "ace", false},
		{"%", "", true},
		{"_", "", false},
		{"alice", "alice", true},
	}
	for _, c := range cases {
		if got := likeMatch(c.pattern, c.s); got != c.want {
			t.Errorf("likeMatch(%q, %q) = %v", c.pattern, c.s, got)
		}
	}
}
