// Package query executes pre-parsed query intents against the storage
// engine: filtering, projection, hash joins, streaming aggregation,
// ordering, set operations, and cote materialization.
package query

// Intent is a fully resolved query: the parser (an external collaborator)
// produces it, the executor consumes it.
type Intent struct {
	// Table is the primary table name; Alias optionally renames it.
	Table string
	Alias string

	// Columns is the projection; empty means every column.
	Columns []ColumnRef

	// Filter is the predicate tree, nil for none.
	Filter *FilterTree

	// Joins are applied in order to the primary table.
	Joins []Join

	// Aggregates with optional GroupBy and Having.
	Aggregates []Aggregate
	GroupBy    []ColumnRef
	Having     *FilterTree

	// OrderBy sorts the final stream; with a Limit the executor keeps a
	// bounded heap instead of sorting everything.
	OrderBy []OrderTerm

	// Limit and Offset; -1 means absent.
	Limit  int
	Offset int

	// SetOp combines this intent with another; when set, the other
	// fields of the two sub-intents describe the operand queries.
	SetOp *SetOp

	// Cotes are non-recursive bindings materialized once before the
	// outer query runs.
	Cotes []CoteBinding
}

// ColumnRef names a column, optionally qualified by a table alias.
type ColumnRef struct {
	Table  string // alias or table name; empty = unqualified
	Column string
}

// OrderTerm is one ORDER BY entry.
type OrderTerm struct {
	Column ColumnRef
	Desc   bool
}

// JoinKind selects the join semantics.
type JoinKind int

const (
	JoinInner JoinKind = iota
	JoinLeft
	JoinRight // declared unsupported: the engine rejects it
	JoinFull
	JoinCross
)

// Join describes one equi-join step against a further table.
type Join struct {
	Kind     JoinKind
	Table    string
	Alias    string
	LeftCol  ColumnRef // column on the already-joined side
	RightCol ColumnRef // column on the newly joined table
}

// AggFunc selects an aggregate function.
type AggFunc int

const (
	AggCount AggFunc = iota
	AggSum
	AggMin
	AggMax
	AggAvg
)

// Aggregate is one aggregate output column.
type Aggregate struct {
	Func   AggFunc
	Column ColumnRef // ignored when Star
	Star   bool      // COUNT(*)
	Alias  string    // output column name
}

// SetOpKind selects the set operation.
type SetOpKind int

const (
	SetUnion SetOpKind = iota
	SetUnionAll
	SetIntersect
	SetExcept
)

// SetOp combines two sub-intents.
type SetOp struct {
	Kind  SetOpKind
	Left  *Intent
	Right *Intent
}

// CoteBinding names a materialized sub-query usable as a table source.
type CoteBinding struct {
	Name   string
	Intent *Intent
}

// PredicateOp is the operator of one filter node.
type PredicateOp int

const (
	OpAnd PredicateOp = iota
	OpOr
	OpNot
	OpEq
	OpNeq
	OpGt
	OpGte
	OpLt
	OpLte
	OpIsNull
	OpIsNotNull
	OpBetween
	OpIn
	OpNotIn
	OpLike
	OpNotLike
	OpStartsWith
	OpEndsWith
	OpContains
)

// PredicateNode is one node of the flat filter tree. Logical nodes use
// Left/Right (Right unused for NOT) as indices into the node array;
// comparison nodes bind a column to one or two intent values.
type PredicateNode struct {
	Op     PredicateOp
	Left   int
	Right  int
	Column ColumnRef
	Value  IntentValue
	Value2 IntentValue // upper bound for BETWEEN
}

// FilterTree is a flat predicate array with a root index.
type FilterTree struct {
	Nodes []PredicateNode
	Root  int
}

// IntentValueKind tags an IntentValue.
type IntentValueKind int

const (
	KindNull IntentValueKind = iota
	KindSigned64
	KindReal
	KindText
	KindBlob
	KindSigned64Set
	KindTextSet
)

// IntentValue is a literal bound into a predicate.
type IntentValue struct {
	Kind    IntentValueKind
	Int     int64
	Real    float64
	Text    string
	Blob    []byte
	IntSet  []int64
	TextSet []string
}

// Int64 returns a signed integer literal.
func Int64(v int64) IntentValue { return IntentValue{Kind: KindSigned64, Int: v} }

// Real returns a floating point literal.
func Real(v float64) IntentValue { return IntentValue{Kind: KindReal, Real: v} }

// Str returns a text literal.
func Str(v string) IntentValue { return IntentValue{Kind: KindText, Text: v} }

// Bytes returns a blob literal.
func Bytes(v []byte) IntentValue { return IntentValue{Kind: KindBlob, Blob: v} }

// Int64Set returns an integer set literal for IN / NOT IN.
func Int64Set(v ...int64) IntentValue { return IntentValue{Kind: KindSigned64Set, IntSet: v} }

// StrSet returns a text set literal for IN / NOT IN.
func StrSet(v ...string) IntentValue { return IntentValue{Kind: KindTextSet, TextSet: v} }
