// Package schema reads the sqlite_schema catalog and parses CREATE TABLE
// statements into column metadata.
package schema

import (
	"strings"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/btree"
	"github.com/revred/sharc/internal/record"
)

// sqlite_schema table layout:
//
//	CREATE TABLE sqlite_schema (
//	  type TEXT,      -- "table", "index", "trigger", "view"
//	  name TEXT,      -- object name
//	  tbl_name TEXT,  -- table name (for indexes/triggers)
//	  rootpage INT,   -- root B-tree page
//	  sql TEXT        -- CREATE statement
//	);
//
// The catalog is always rooted at page 1.

// SchemaRootPage is the root of the sqlite_schema B-tree.
const SchemaRootPage = 1

// Column describes one column of a table.
type Column struct {
	Name         string // Identifier, unquoted
	DeclaredType string // Type as written, may be empty
	Ordinal      int
	PrimaryKey   bool
	NotNull      bool
	Default      string // DEFAULT expression text, empty if none
	References   string // REFERENCES target, empty if none
	Collate      string // COLLATE name, empty if none
}

// TableInfo describes a table: its root page, columns, and whether one
// column aliases the rowid.
type TableInfo struct {
	Name         string
	RootPage     uint32
	SQL          string
	Columns      []Column
	WithoutRowid bool

	// RowidAlias is the ordinal of the INTEGER PRIMARY KEY column whose
	// stored value is the cell rowid, or -1 when there is none.
	RowidAlias int
}

// IndexInfo describes an index entry in the catalog.
type IndexInfo struct {
	Name     string
	Table    string
	RootPage uint32
	SQL      string
}

// ViewInfo describes a view entry in the catalog (definition only).
type ViewInfo struct {
	Name string
	SQL  string
}

// Schema is the decoded catalog of one database.
type Schema struct {
	Tables  map[string]*TableInfo
	Indexes map[string]*IndexInfo
	Views   map[string]*ViewInfo
}

// Table returns a table by name, case-insensitively as SQLite does.
func (s *Schema) Table(name string) (*TableInfo, bool) {
	if t, ok := s.Tables[name]; ok {
		return t, true
	}
	for n, t := range s.Tables {
		if strings.EqualFold(n, name) {
			return t, true
		}
	}
	return nil, false
}

// Load walks the catalog B-tree and decodes every object.
func Load(r *btree.Reader, enc record.Encoding) (*Schema, error) {
	s := &Schema{
		Tables:  make(map[string]*TableInfo),
		Indexes: make(map[string]*IndexInfo),
		Views:   make(map[string]*ViewInfo),
	}

	cur := btree.NewCursor(r, SchemaRootPage)
	var vals []record.Value
	for {
		ok, err := cur.MoveNext()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		payload, err := cur.Payload()
		if err != nil {
			return nil, err
		}
		vals = vals[:0]
		vals, err = record.AppendRecord(vals, payload, enc)
		if err != nil {
			return nil, err
		}
		if len(vals) < 5 {
			return nil, serrors.NewPage(SchemaRootPage, -1, "read schema", "catalog row has fewer than 5 columns")
		}

		objType := string(vals[0].Bytes)
		name := string(vals[1].Bytes)
		tblName := string(vals[2].Bytes)
		rootPage := uint32(vals[3].Int)
		sql := string(vals[4].Bytes)

		switch objType {
		case "table":
			if strings.HasPrefix(name, "sqlite_") {
				continue
			}
			table, err := ParseCreateTable(sql)
			if err != nil {
				return nil, serrors.Wrap(err, "parse table "+name)
			}
			table.RootPage = rootPage
			table.SQL = sql
			s.Tables[table.Name] = table

		case "index":
			if strings.HasPrefix(name, "sqlite_autoindex") {
				continue
			}
			s.Indexes[name] = &IndexInfo{Name: name, Table: tblName, RootPage: rootPage, SQL: sql}

		case "view":
			s.Views[name] = &ViewInfo{Name: name, SQL: sql}
		}
	}
	return s, nil
}
