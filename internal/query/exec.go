package query

import (
	"context"
	"strings"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/btree"
	"github.com/revred/sharc/internal/record"
	"github.com/revred/sharc/internal/schema"
)

// RowStream is the pull boundary between operators: Next returns the next
// row or false at end. Rows are valid until the following Next call;
// consumers that hold rows across calls must copy them.
type RowStream interface {
	Columns() []string
	Next() ([]record.Value, bool, error)
	Close()
}

// colMeta is one output column of a stream: its owning alias and name.
type colMeta struct {
	table string
	name  string
}

func colNames(cols []colMeta) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	return names
}

// makeLookup builds a resolver over a column layout. Unqualified names
// that match more than one table require qualification.
func makeLookup(cols []colMeta) columnLookup {
	return func(ref ColumnRef) (int, error) {
		found := -1
		for i, c := range cols {
			if !strings.EqualFold(c.name, ref.Column) {
				continue
			}
			if ref.Table != "" && !strings.EqualFold(c.table, ref.Table) {
				continue
			}
			if found >= 0 {
				return 0, serrors.NewArgument("column", "ambiguous name requires qualification: "+ref.Column)
			}
			found = i
		}
		if found < 0 {
			return 0, serrors.NewArgument("column", "no such column: "+ref.Column)
		}
		return found, nil
	}
}

// Executor runs intents against one database handle.
type Executor struct {
	reader *btree.Reader
	sch    *schema.Schema
	enc    record.Encoding
}

// New creates an executor over a B-tree reader and its schema.
func New(reader *btree.Reader, sch *schema.Schema, enc record.Encoding) *Executor {
	return &Executor{reader: reader, sch: sch, enc: enc}
}

// Run executes an intent and returns the result stream. The context is
// checked between rows; cancellation discards any partial result.
func (e *Executor) Run(ctx context.Context, intent *Intent) (RowStream, error) {
	cotes, err := e.materializeCotes(ctx, intent.Cotes)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, intent, cotes)
}

func (e *Executor) run(ctx context.Context, intent *Intent, cotes coteMap) (RowStream, error) {
	if intent.SetOp != nil {
		return e.runSetOp(ctx, intent, cotes)
	}
	if len(intent.Joins) > 0 {
		return e.runJoin(ctx, intent, cotes)
	}
	return e.runSingle(ctx, intent, cotes)
}

// runSingle executes a one-table pipeline: scan+filter, then aggregate or
// sort, then offset/limit, then projection — streaming except where an
// ORDER BY or aggregate forces materialization.
func (e *Executor) runSingle(ctx context.Context, intent *Intent, cotes coteMap) (RowStream, error) {
	src, err := e.tableStream(ctx, intent.Table, intent.Alias, intent.Filter, cotes)
	if err != nil {
		return nil, err
	}

	if len(intent.Aggregates) > 0 {
		return e.finishAggregate(ctx, src, intent)
	}
	return e.finishRows(ctx, src, intent)
}

// finishRows applies ORDER BY, OFFSET/LIMIT, and projection to a stream.
func (e *Executor) finishRows(ctx context.Context, src RowStream, intent *Intent) (RowStream, error) {
	if len(intent.OrderBy) > 0 {
		sorted, err := sortStream(ctx, src, intent.OrderBy, intent.Limit, intent.Offset)
		if err != nil {
			src.Close()
			return nil, err
		}
		src = sorted
	}
	src = limitStream(src, intent.Limit, intent.Offset)
	return e.projectStream(src, intent.Columns)
}

// tableStream opens a scan over a base table or a materialized cote,
// applying the given filter during the scan.
func (e *Executor) tableStream(ctx context.Context, table, alias string, filter *FilterTree, cotes coteMap) (RowStream, error) {
	if table == "" {
		return nil, serrors.NewArgument("table", "empty name")
	}
	if alias == "" {
		alias = table
	}

	if m, ok := cotes[strings.ToLower(table)]; ok {
		return m.filtered(ctx, alias, filter)
	}

	t, ok := e.sch.Table(table)
	if !ok {
		return nil, serrors.NewArgument("table", "no such table: "+table)
	}

	cols := make([]colMeta, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = colMeta{table: alias, name: c.Name}
	}
	s := &scanStream{
		ctx:        ctx,
		cur:        btree.NewCursor(e.reader, t.RootPage),
		cols:       cols,
		rowidAlias: t.RowidAlias,
		filter:     filter,
		enc:        e.enc,
	}
	s.lookup = makeLookup(cols)
	return s, nil
}

// scanStream pulls rows from a table cursor, synthesizing the rowid-alias
// column and applying a filter. The value slice is reused across rows.
type scanStream struct {
	ctx        context.Context
	cur        *btree.Cursor
	cols       []colMeta
	rowidAlias int
	filter     *FilterTree
	lookup     columnLookup
	enc        record.Encoding
	vals       []record.Value
}

func (s *scanStream) Columns() []string { return colNames(s.cols) }

func (s *scanStream) Next() ([]record.Value, bool, error) {
	for {
		if err := s.ctx.Err(); err != nil {
			return nil, false, err
		}
		ok, err := s.cur.MoveNext()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		payload, err := s.cur.Payload()
		if err != nil {
			return nil, false, err
		}

		s.vals = s.vals[:0]
		s.vals, err = record.AppendRecord(s.vals, payload, s.enc)
		if err != nil {
			return nil, false, err
		}
		// Older rows may predate later schema columns: read as NULL.
		for len(s.vals) < len(s.cols) {
			s.vals = append(s.vals, record.Null())
		}
		if s.rowidAlias >= 0 && s.rowidAlias < len(s.vals) {
			s.vals[s.rowidAlias] = record.Integer(s.cur.RowID())
		}

		match, err := evalFilter(s.filter, s.vals, s.lookup)
		if err != nil {
			return nil, false, err
		}
		if match {
			return s.vals, true, nil
		}
	}
}

func (s *scanStream) Close() { s.cur.Reset() }

// projectStream narrows a stream to the requested columns. An empty
// projection passes everything through.
func (e *Executor) projectStream(src RowStream, columns []ColumnRef) (RowStream, error) {
	if len(columns) == 0 {
		return src, nil
	}
	srcCols := streamMeta(src)
	lookup := makeLookup(srcCols)
	idx := make([]int, len(columns))
	outCols := make([]colMeta, len(columns))
	for i, ref := range columns {
		j, err := lookup(ref)
		if err != nil {
			src.Close()
			return nil, err
		}
		idx[i] = j
		outCols[i] = srcCols[j]
	}
	return &projStream{src: src, idx: idx, cols: outCols, out: make([]record.Value, len(idx))}, nil
}

type projStream struct {
	src  RowStream
	idx  []int
	cols []colMeta
	out  []record.Value
}

func (p *projStream) Columns() []string { return colNames(p.cols) }

func (p *projStream) Next() ([]record.Value, bool, error) {
	row, ok, err := p.src.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	for i, j := range p.idx {
		p.out[i] = row[j]
	}
	return p.out, true, nil
}

func (p *projStream) Close() { p.src.Close() }

// limitStream applies OFFSET then LIMIT; -1 disables either.
func limitStream(src RowStream, limit, offset int) RowStream {
	if limit < 0 && offset <= 0 {
		return src
	}
	return &limStream{src: src, limit: limit, offset: offset}
}

type limStream struct {
	src     RowStream
	limit   int
	offset  int
	emitted int
}

func (l *limStream) Columns() []string { return l.src.Columns() }

func (l *limStream) Next() ([]record.Value, bool, error) {
	for {
		if l.limit >= 0 && l.emitted >= l.limit {
			return nil, false, nil
		}
		row, ok, err := l.src.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		if l.offset > 0 {
			l.offset--
			continue
		}
		l.emitted++
		return row, true, nil
	}
}

func (l *limStream) Close() { l.src.Close() }

// streamMeta recovers the colMeta layout of any stream in this package;
// streams from other sources degrade to unqualified names.
func streamMeta(s RowStream) []colMeta {
	type metaer interface{ meta() []colMeta }
	if m, ok := s.(metaer); ok {
		return m.meta()
	}
	names := s.Columns()
	cols := make([]colMeta, len(names))
	for i, n := range names {
		cols[i] = colMeta{name: n}
	}
	return cols
}

func (s *scanStream) meta() []colMeta { return s.cols }
func (p *projStream) meta() []colMeta { return p.cols }
func (l *limStream) meta() []colMeta  { return streamMeta(l.src) }

// copyRow deep-copies a row so it survives the source's next advance.
func copyRow(row []record.Value) []record.Value {
	out := make([]record.Value, len(row))
	for i, v := range row {
		if v.Bytes != nil {
			b := make([]byte, len(v.Bytes))
			copy(b, v.Bytes)
			v.Bytes = b
		}
		out[i] = v
	}
	return out
}

// materialize drains a stream into owned rows.
func materialize(ctx context.Context, src RowStream) (*materialized, error) {
	defer src.Close()
	m := &materialized{cols: streamMeta(src)}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, ok, err := src.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return m, nil
		}
		m.rows = append(m.rows, copyRow(row))
	}
}

// materialized is a fully buffered table: cote results and join sides.
type materialized struct {
	cols []colMeta
	rows [][]record.Value
}

// stream replays the buffered rows.
func (m *materialized) stream() RowStream {
	return &memStream{cols: m.cols, rows: m.rows}
}

// filtered replays the buffered rows under a new alias with a filter.
func (m *materialized) filtered(ctx context.Context, alias string, filter *FilterTree) (RowStream, error) {
	cols := make([]colMeta, len(m.cols))
	for i, c := range m.cols {
		cols[i] = colMeta{table: alias, name: c.name}
	}
	return &memStream{ctx: ctx, cols: cols, rows: m.rows, filter: filter, lookup: makeLookup(cols)}, nil
}

type memStream struct {
	ctx    context.Context
	cols   []colMeta
	rows   [][]record.Value
	filter *FilterTree
	lookup columnLookup
	pos    int
}

func (m *memStream) Columns() []string { return colNames(m.cols) }
func (m *memStream) meta() []colMeta   { return m.cols }

func (m *memStream) Next() ([]record.Value, bool, error) {
	for m.pos < len(m.rows) {
		if m.ctx != nil {
			if err := m.ctx.Err(); err != nil {
				return nil, false, err
			}
		}
		row := m.rows[m.pos]
		m.pos++
		if m.filter != nil {
			match, err := evalFilter(m.filter, row, m.lookup)
			if err != nil {
				return nil, false, err
			}
			if !match {
				continue
			}
		}
		return row, true, nil
	}
	return nil, false, nil
}

func (m *memStream) Close() {}

// coteMap holds materialized cote bindings by lowercased name.
type coteMap map[string]*materialized

// materializeCotes runs every binding once, in order; later bindings may
// reference earlier ones.
func (e *Executor) materializeCotes(ctx context.Context, bindings []CoteBinding) (coteMap, error) {
	if len(bindings) == 0 {
		return nil, nil
	}
	cotes := make(coteMap, len(bindings))
	for _, b := range bindings {
		if b.Name == "" || b.Intent == nil {
			return nil, serrors.NewArgument("cote", "binding requires a name and a query")
		}
		src, err := e.run(ctx, b.Intent, cotes)
		if err != nil {
			return nil, err
		}
		m, err := materialize(ctx, src)
		if err != nil {
			return nil, err
		}
		// The binding's own name qualifies its columns at reference sites.
		for i := range m.cols {
			m.cols[i].table = b.Name
		}
		cotes[strings.ToLower(b.Name)] = m
	}
	return cotes, nil
}
