package writer

import (
	"strings"

	"github.com/google/uuid"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/btree"
	"github.com/revred/sharc/internal/logging"
	"github.com/revred/sharc/internal/record"
	"github.com/revred/sharc/internal/schema"
)

// MutationKind classifies a row mutation reported to commit observers.
type MutationKind int

const (
	// MutationInsert is a newly inserted row.
	MutationInsert MutationKind = iota
	// MutationUpdate is a rewritten row.
	MutationUpdate
	// MutationDelete is a removed row.
	MutationDelete
)

// Mutation is one committed row change.
type Mutation struct {
	Table string
	RowID int64
	Kind  MutationKind
}

// CommitObserver is notified after a transaction becomes durable and
// before control returns to the committing caller.
type CommitObserver interface {
	OnCommit(txID string, mutations []Mutation)
}

// Tx is a single-writer transaction. All mutations stay in memory until
// Commit; Rollback (or crash recovery) restores the pre-begin state
// byte-for-byte.
type Tx struct {
	pager     *Pager
	mutator   *btree.Mutator
	schema    *schema.Schema
	enc       record.Encoding
	id        string
	mutations []Mutation
	observers []CommitObserver
	done      bool

	// SchemaChanged reports whether DDL ran; the owning handle reloads
	// its schema after Commit or Rollback when set.
	SchemaChanged bool
}

// Begin opens a transaction over the pager.
func Begin(p *Pager, s *schema.Schema, enc record.Encoding, observers []CommitObserver) (*Tx, error) {
	if err := p.Begin(); err != nil {
		return nil, err
	}
	return &Tx{
		pager:     p,
		mutator:   btree.NewMutator(p),
		schema:    s,
		enc:       enc,
		id:        uuid.NewString(),
		observers: observers,
	}, nil
}

// ID returns the transaction id.
func (tx *Tx) ID() string { return tx.id }

// table resolves a table by name within this transaction's schema view.
func (tx *Tx) table(name string) (*schema.TableInfo, error) {
	if name == "" {
		return nil, serrors.NewArgument("table", "empty name")
	}
	t, ok := tx.schema.Table(name)
	if !ok {
		return nil, serrors.NewArgument("table", "no such table: "+name)
	}
	return t, nil
}

// cursor returns a cursor that sees this transaction's uncommitted pages.
func (tx *Tx) cursor(root uint32) *btree.Cursor {
	return btree.NewCursor(btree.NewReader(tx.pager.TxSource(), tx.pager.UsableSize()), root)
}

// Insert adds a row and returns its rowid. When the table has a rowid
// alias column, a non-NULL value there selects the rowid; otherwise the
// next unused rowid is assigned.
func (tx *Tx) Insert(tableName string, values []record.Value) (int64, error) {
	if tx.done {
		return 0, serrors.NewArgument("transaction", "already finished")
	}
	t, err := tx.table(tableName)
	if err != nil {
		return 0, err
	}
	if len(values) != len(t.Columns) {
		return 0, serrors.NewArgument("values", "column count mismatch")
	}

	var rowid int64
	if t.RowidAlias >= 0 && !values[t.RowidAlias].IsNull() {
		rowid = values[t.RowidAlias].Int
		cur := tx.cursor(t.RootPage)
		exists, err := cur.Seek(rowid)
		if err != nil {
			return 0, err
		}
		if exists {
			return 0, serrors.NewArgument("rowid", "duplicate primary key")
		}
	} else {
		rowid, err = tx.mutator.NextRowID(t.RootPage)
		if err != nil {
			return 0, err
		}
	}

	payload, err := record.EncodeRecord(values, t.RowidAlias)
	if err != nil {
		return 0, err
	}
	if err := tx.mutator.Insert(t.RootPage, rowid, payload); err != nil {
		return 0, err
	}
	tx.mutations = append(tx.mutations, Mutation{Table: t.Name, RowID: rowid, Kind: MutationInsert})
	return rowid, nil
}

// Update rewrites the row with the given rowid. Returns false when the
// rowid does not exist.
func (tx *Tx) Update(tableName string, rowid int64, values []record.Value) (bool, error) {
	if tx.done {
		return false, serrors.NewArgument("transaction", "already finished")
	}
	t, err := tx.table(tableName)
	if err != nil {
		return false, err
	}
	if len(values) != len(t.Columns) {
		return false, serrors.NewArgument("values", "column count mismatch")
	}

	found, err := tx.mutator.Delete(t.RootPage, rowid)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	payload, err := record.EncodeRecord(values, t.RowidAlias)
	if err != nil {
		return false, err
	}
	if err := tx.mutator.Insert(t.RootPage, rowid, payload); err != nil {
		return false, err
	}
	tx.mutations = append(tx.mutations, Mutation{Table: t.Name, RowID: rowid, Kind: MutationUpdate})
	return true, nil
}

// Delete removes the row with the given rowid. Returns false when the
// rowid does not exist.
func (tx *Tx) Delete(tableName string, rowid int64) (bool, error) {
	if tx.done {
		return false, serrors.NewArgument("transaction", "already finished")
	}
	t, err := tx.table(tableName)
	if err != nil {
		return false, err
	}
	found, err := tx.mutator.Delete(t.RootPage, rowid)
	if err != nil || !found {
		return found, err
	}
	tx.mutations = append(tx.mutations, Mutation{Table: t.Name, RowID: rowid, Kind: MutationDelete})
	return true, nil
}

// Execute runs a DDL statement: CREATE TABLE or DROP TABLE.
func (tx *Tx) Execute(ddl string) error {
	if tx.done {
		return serrors.NewArgument("transaction", "already finished")
	}
	fields := strings.Fields(ddl)
	if len(fields) < 2 {
		return serrors.NewArgument("sql", "empty statement")
	}
	verb := strings.ToUpper(fields[0])
	noun := strings.ToUpper(fields[1])
	switch {
	case verb == "CREATE" && noun == "TABLE":
		return tx.createTable(ddl)
	case verb == "DROP" && noun == "TABLE":
		return tx.dropTable(fields)
	default:
		return serrors.NewUnsupported("DDL statement " + verb + " " + noun)
	}
}

// createTable allocates a root page and records the table in the catalog.
func (tx *Tx) createTable(ddl string) error {
	info, err := schema.ParseCreateTable(ddl)
	if err != nil {
		return err
	}
	if _, exists := tx.schema.Table(info.Name); exists {
		return serrors.NewArgument("table", "already exists: "+info.Name)
	}

	root, err := tx.mutator.CreateTree()
	if err != nil {
		return err
	}
	info.RootPage = root
	info.SQL = ddl

	if err := tx.insertCatalogRow("table", info.Name, info.Name, root, ddl); err != nil {
		return err
	}
	tx.schema.Tables[info.Name] = info
	tx.SchemaChanged = true
	return nil
}

// dropTable frees the table's tree and removes its catalog row.
func (tx *Tx) dropTable(fields []string) error {
	idx := 2
	if len(fields) > 3 && strings.EqualFold(fields[2], "IF") {
		idx = 4 // DROP TABLE IF EXISTS name
	}
	if len(fields) <= idx {
		return serrors.NewArgument("sql", "missing table name")
	}
	name := strings.TrimSuffix(fields[idx], ";")

	t, ok := tx.schema.Table(name)
	if !ok {
		if idx == 4 {
			return nil
		}
		return serrors.NewArgument("table", "no such table: "+name)
	}

	if err := tx.mutator.FreeTree(t.RootPage); err != nil {
		return err
	}
	if err := tx.deleteCatalogRow(t.Name); err != nil {
		return err
	}
	delete(tx.schema.Tables, t.Name)
	tx.SchemaChanged = true
	return nil
}

// insertCatalogRow appends an object row to sqlite_schema.
func (tx *Tx) insertCatalogRow(objType, name, tblName string, rootPage uint32, sql string) error {
	payload, err := record.EncodeRecord([]record.Value{
		record.Text([]byte(objType), tx.enc),
		record.Text([]byte(name), tx.enc),
		record.Text([]byte(tblName), tx.enc),
		record.Integer(int64(rootPage)),
		record.Text([]byte(sql), tx.enc),
	}, -1)
	if err != nil {
		return err
	}
	rowid, err := tx.mutator.NextRowID(schema.SchemaRootPage)
	if err != nil {
		return err
	}
	return tx.mutator.Insert(schema.SchemaRootPage, rowid, payload)
}

// deleteCatalogRow removes the catalog row naming an object.
func (tx *Tx) deleteCatalogRow(name string) error {
	cur := tx.cursor(schema.SchemaRootPage)
	for {
		ok, err := cur.MoveNext()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		payload, err := cur.Payload()
		if err != nil {
			return err
		}
		nameVal, err := record.DecodeColumn(payload, 1, tx.enc)
		if err != nil {
			return err
		}
		if string(nameVal.Bytes) == name {
			_, err := tx.mutator.Delete(schema.SchemaRootPage, cur.RowID())
			return err
		}
	}
}

// Commit makes the transaction durable and notifies observers.
func (tx *Tx) Commit() error {
	if tx.done {
		return serrors.NewArgument("transaction", "already finished")
	}
	if err := tx.pager.Commit(); err != nil {
		return err
	}
	tx.done = true
	logging.Debug("transaction committed", "tx", tx.id, "mutations", len(tx.mutations))

	for _, obs := range tx.observers {
		obs.OnCommit(tx.id, tx.mutations)
	}
	return nil
}

// Rollback abandons the transaction.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	logging.Debug("transaction rolled back", "tx", tx.id)
	return tx.pager.Rollback()
}
