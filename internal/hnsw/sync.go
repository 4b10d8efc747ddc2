package hnsw

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/btree"
	"github.com/revred/sharc/internal/logging"
	"github.com/revred/sharc/internal/record"
	"github.com/revred/sharc/internal/schema"
	"github.com/revred/sharc/internal/writer"
)

// ShadowTableName returns the catalog name of the persistence table for
// an indexed column.
func ShadowTableName(table, column string) string {
	return fmt.Sprintf("_hnsw_%s_%s", table, column)
}

// ShadowTableDDL returns the CREATE TABLE statement for a shadow table.
func ShadowTableDDL(table, column string) string {
	return fmt.Sprintf("CREATE TABLE %s (id INTEGER PRIMARY KEY, graph_data BLOB)", ShadowTableName(table, column))
}

// DecodeVector parses a blob of little-endian float32s.
func DecodeVector(blob []byte, dimensions int) ([]float32, error) {
	if len(blob) != dimensions*4 {
		return nil, serrors.NewArgument("vector", "blob length does not match dimensionality")
	}
	vec := make([]float32, dimensions)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

// EncodeVector serializes a vector as a blob of little-endian float32s.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// MemResolver resolves vectors from an in-memory map.
type MemResolver map[int64][]float32

// Vector implements VectorResolver.
func (m MemResolver) Vector(rowID int64) ([]float32, error) {
	v, ok := m[rowID]
	if !ok {
		return nil, serrors.NewArgument("rowid", "no vector for row")
	}
	return v, nil
}

// Count implements VectorResolver.
func (m MemResolver) Count() (int, error) { return len(m), nil }

// TableResolver reads vectors from a blob column of a source table.
type TableResolver struct {
	Reader     *btree.Reader
	Table      *schema.TableInfo
	Column     int // ordinal of the vector blob column
	Dimensions int
	Enc        record.Encoding
}

// Vector implements VectorResolver by point lookup.
func (t *TableResolver) Vector(rowID int64) ([]float32, error) {
	cur := btree.NewCursor(t.Reader, t.Table.RootPage)
	found, err := cur.Seek(rowID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, serrors.NewArgument("rowid", "no such row")
	}
	payload, err := cur.Payload()
	if err != nil {
		return nil, err
	}
	v, err := record.DecodeColumn(payload, t.Column, t.Enc)
	if err != nil {
		return nil, err
	}
	if v.Type != record.TypeBlob {
		return nil, serrors.NewArgument("vector", "column is not a blob")
	}
	return DecodeVector(v.Bytes, t.Dimensions)
}

// Count implements VectorResolver by a full scan.
func (t *TableResolver) Count() (int, error) {
	cur := btree.NewCursor(t.Reader, t.Table.RootPage)
	n := 0
	for {
		ok, err := cur.MoveNext()
		if err != nil {
			return 0, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

// Index binds a graph to its source table and keeps it current through
// commit notifications.
type Index struct {
	Graph    *Graph
	Table    string
	Column   string
	resolver VectorResolver
}

// NewIndex wraps a graph with its sync binding.
func NewIndex(g *Graph, table, column string, resolver VectorResolver) *Index {
	return &Index{Graph: g, Table: table, Column: column, resolver: resolver}
}

// OnCommit implements writer.CommitObserver: for every mutation touching
// the source table, the vector is re-read and upserted, or tombstoned on
// delete.
func (ix *Index) OnCommit(txID string, mutations []writer.Mutation) {
	for _, m := range mutations {
		if !strings.EqualFold(m.Table, ix.Table) {
			continue
		}
		switch m.Kind {
		case writer.MutationDelete:
			ix.Graph.Delete(m.RowID)
		default:
			vec, err := ix.resolver.Vector(m.RowID)
			if err != nil {
				logging.Warn("vector index sync skipped row", "tx", txID, "table", ix.Table, "rowid", m.RowID, "error", err)
				continue
			}
			if err := ix.Graph.Upsert(m.RowID, vec); err != nil {
				logging.Warn("vector index upsert failed", "tx", txID, "table", ix.Table, "rowid", m.RowID, "error", err)
			}
		}
	}
}

// Save persists the graph blob into the shadow table through an open
// transaction, creating the shadow table on first save.
func (ix *Index) Save(tx *writer.Tx, sch *schema.Schema) error {
	name := ShadowTableName(ix.Table, ix.Column)
	if _, ok := sch.Table(name); !ok {
		if err := tx.Execute(ShadowTableDDL(ix.Table, ix.Column)); err != nil {
			return err
		}
	}
	blob := ix.Graph.Serialize()
	row := []record.Value{record.Integer(1), record.Blob(blob)}
	found, err := tx.Update(name, 1, row)
	if err != nil {
		return err
	}
	if !found {
		_, err = tx.Insert(name, row)
	}
	return err
}

// LoadIndex reads a persisted graph from its shadow table and resolves
// vectors from the source.
func LoadIndex(r *btree.Reader, sch *schema.Schema, table, column string, resolver VectorResolver, enc record.Encoding) (*Index, error) {
	name := ShadowTableName(table, column)
	shadow, ok := sch.Table(name)
	if !ok {
		return nil, serrors.NewArgument("index", "no shadow table "+name)
	}
	cur := btree.NewCursor(r, shadow.RootPage)
	found, err := cur.Seek(1)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, serrors.NewArgument("index", "shadow table has no graph row")
	}
	payload, err := cur.Payload()
	if err != nil {
		return nil, err
	}
	blobVal, err := record.DecodeColumn(payload, 1, enc)
	if err != nil {
		return nil, err
	}
	g, err := Deserialize(blobVal.Bytes, name, resolver)
	if err != nil {
		return nil, err
	}
	return NewIndex(g, table, column, resolver), nil
}
