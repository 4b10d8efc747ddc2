package sharc

import (
	"context"
	"strings"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/btree"
	"github.com/revred/sharc/internal/query"
	"github.com/revred/sharc/internal/record"
	"github.com/revred/sharc/internal/schema"
)

// ColumnType is the logical type of a reader column value.
type ColumnType int

const (
	TypeNull ColumnType = iota
	TypeInteger
	TypeFloat
	TypeText
	TypeBlob
)

// DataReader is the typed row surface: a forward scan with optional
// rowid seeks over a table, or the result stream of a query. Getter
// results are valid until the next Read or Seek.
type DataReader struct {
	// table mode
	cur      *btree.Cursor
	table    *schema.TableInfo
	ordinals []int // projected source ordinals
	enc      record.Encoding
	vals     []record.Value
	row      []record.Value
	rowid    int64

	// query mode
	stream query.RowStream

	names []string
	err   error
}

// CreateReader opens a typed reader over a table, optionally narrowed to
// the named columns.
func (db *DB) CreateReader(table string, columns ...string) (*DataReader, error) {
	if table == "" {
		return nil, serrors.NewArgument("table", "empty name")
	}
	t, ok := db.sch.Table(table)
	if !ok {
		return nil, serrors.NewArgument("table", "no such table: "+table)
	}

	var ordinals []int
	var names []string
	if len(columns) == 0 {
		ordinals = make([]int, len(t.Columns))
		names = make([]string, len(t.Columns))
		for i, c := range t.Columns {
			ordinals[i] = i
			names[i] = c.Name
		}
	} else {
		for _, want := range columns {
			found := -1
			for i, c := range t.Columns {
				if strings.EqualFold(c.Name, want) {
					found = i
					break
				}
			}
			if found < 0 {
				return nil, serrors.NewArgument("column", "no such column: "+want)
			}
			ordinals = append(ordinals, found)
			names = append(names, t.Columns[found].Name)
		}
	}

	return &DataReader{
		cur:      btree.NewCursor(db.reader, t.RootPage),
		table:    t,
		ordinals: ordinals,
		enc:      db.enc,
		names:    names,
		row:      make([]record.Value, len(ordinals)),
	}, nil
}

// Query executes an intent, binding any parameter placeholders, and
// returns its result stream as a reader.
func (db *DB) Query(ctx context.Context, intent *query.Intent, params ...query.IntentValue) (*DataReader, error) {
	bound, err := query.BindParams(intent, params)
	if err != nil {
		return nil, err
	}
	exec := query.New(db.reader, db.sch, db.enc)
	stream, err := exec.Run(ctx, bound)
	if err != nil {
		return nil, err
	}
	return &DataReader{stream: stream, names: stream.Columns()}, nil
}

// Read advances to the next row, returning false at the end of the scan
// or stream.
func (r *DataReader) Read() (bool, error) {
	if r.stream != nil {
		row, ok, err := r.stream.Next()
		if err != nil || !ok {
			r.err = err
			return false, err
		}
		r.row = row
		return true, nil
	}

	ok, err := r.cur.MoveNext()
	if err != nil || !ok {
		r.err = err
		return false, err
	}
	return true, r.loadRow()
}

// Seek positions a table reader at the given rowid. True only on an
// exact match; a miss leaves the reader on the next larger rowid.
func (r *DataReader) Seek(rowid int64) (bool, error) {
	if r.cur == nil {
		return false, serrors.NewArgument("reader", "seek requires a table reader")
	}
	found, err := r.cur.Seek(rowid)
	if err != nil {
		return false, err
	}
	if !r.cur.Valid() {
		return false, nil
	}
	if err := r.loadRow(); err != nil {
		return false, err
	}
	return found, nil
}

// loadRow decodes the projected columns of the current cell.
func (r *DataReader) loadRow() error {
	payload, err := r.cur.Payload()
	if err != nil {
		return err
	}
	r.vals = r.vals[:0]
	r.vals, err = record.AppendRecord(r.vals, payload, r.enc)
	if err != nil {
		return err
	}
	r.rowid = r.cur.RowID()

	for i, ord := range r.ordinals {
		var v record.Value
		if ord < len(r.vals) {
			v = r.vals[ord]
		} else {
			v = record.Null()
		}
		if ord == r.table.RowidAlias {
			v = record.Integer(r.rowid)
		}
		r.row[i] = v
	}
	return nil
}

// ColumnCount returns the number of projected columns.
func (r *DataReader) ColumnCount() int { return len(r.names) }

// ColumnName returns the name of a projected column.
func (r *DataReader) ColumnName(ordinal int) (string, error) {
	if ordinal < 0 || ordinal >= len(r.names) {
		return "", serrors.NewRange("ordinal", ordinal, len(r.names)-1)
	}
	return r.names[ordinal], nil
}

// value bounds-checks and returns a current-row value.
func (r *DataReader) value(ordinal int) (record.Value, error) {
	if ordinal < 0 || ordinal >= len(r.row) {
		return record.Value{}, serrors.NewRange("ordinal", ordinal, len(r.row)-1)
	}
	return r.row[ordinal], nil
}

// IsNull reports whether a column of the current row is NULL.
func (r *DataReader) IsNull(ordinal int) (bool, error) {
	v, err := r.value(ordinal)
	if err != nil {
		return false, err
	}
	return v.IsNull(), nil
}

// ColumnType returns the logical type of a column in the current row.
func (r *DataReader) ColumnType(ordinal int) (ColumnType, error) {
	v, err := r.value(ordinal)
	if err != nil {
		return TypeNull, err
	}
	switch v.Type {
	case record.TypeInteger:
		return TypeInteger, nil
	case record.TypeFloat:
		return TypeFloat, nil
	case record.TypeText:
		return TypeText, nil
	case record.TypeBlob:
		return TypeBlob, nil
	}
	return TypeNull, nil
}

// GetInt64 returns an integer column, truncating floats toward zero.
func (r *DataReader) GetInt64(ordinal int) (int64, error) {
	v, err := r.value(ordinal)
	if err != nil {
		return 0, err
	}
	switch v.Type {
	case record.TypeInteger:
		return v.Int, nil
	case record.TypeFloat:
		return int64(v.Float), nil
	}
	return 0, serrors.NewArgument("column", "not a numeric value")
}

// GetFloat64 returns a floating point column, widening integers.
func (r *DataReader) GetFloat64(ordinal int) (float64, error) {
	v, err := r.value(ordinal)
	if err != nil {
		return 0, err
	}
	switch v.Type {
	case record.TypeInteger:
		return float64(v.Int), nil
	case record.TypeFloat:
		return v.Float, nil
	}
	return 0, serrors.NewArgument("column", "not a numeric value")
}

// GetString returns a text column. The string is an owned copy.
func (r *DataReader) GetString(ordinal int) (string, error) {
	v, err := r.value(ordinal)
	if err != nil {
		return "", err
	}
	if v.Type != record.TypeText {
		return "", serrors.NewArgument("column", "not a text value")
	}
	return string(v.Bytes), nil
}

// GetBlob returns a blob column. The slice is an owned copy.
func (r *DataReader) GetBlob(ordinal int) ([]byte, error) {
	v, err := r.value(ordinal)
	if err != nil {
		return nil, err
	}
	if v.Type != record.TypeBlob {
		return nil, serrors.NewArgument("column", "not a blob value")
	}
	out := make([]byte, len(v.Bytes))
	copy(out, v.Bytes)
	return out, nil
}

// RowID returns the current row's rowid (table readers only).
func (r *DataReader) RowID() int64 { return r.rowid }

// Close releases the reader.
func (r *DataReader) Close() {
	if r.stream != nil {
		r.stream.Close()
	}
	if r.cur != nil {
		r.cur.Reset()
	}
}
