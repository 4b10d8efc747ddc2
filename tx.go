package sharc

import (
	"github.com/revred/sharc/internal/record"
	"github.com/revred/sharc/internal/writer"
)

// Value re-exports the engine's runtime value for transaction inputs.
type Value = record.Value

// Null returns a NULL value.
func Null() Value { return record.Null() }

// Integer returns an integer value.
func Integer(v int64) Value { return record.Integer(v) }

// Float returns a floating point value.
func Float(v float64) Value { return record.Float(v) }

// Text returns a UTF-8 text value.
func Text(s string) Value { return record.Text([]byte(s), record.EncodingUTF8) }

// Blob returns a blob value.
func Blob(b []byte) Value { return record.Blob(b) }

// Tx is the handle's single writer transaction.
type Tx struct {
	db    *DB
	inner *writer.Tx
}

// ID returns the transaction id carried on commit observer events.
func (tx *Tx) ID() string { return tx.inner.ID() }

// Execute runs a DDL statement (CREATE TABLE / DROP TABLE).
func (tx *Tx) Execute(ddl string) error { return tx.inner.Execute(ddl) }

// Insert adds a row and returns its rowid.
func (tx *Tx) Insert(table string, values ...Value) (int64, error) {
	return tx.inner.Insert(table, values)
}

// Update rewrites the row with the given rowid; false when absent.
func (tx *Tx) Update(table string, rowid int64, values ...Value) (bool, error) {
	return tx.inner.Update(table, rowid, values)
}

// Delete removes the row with the given rowid; false when absent.
func (tx *Tx) Delete(table string, rowid int64) (bool, error) {
	return tx.inner.Delete(table, rowid)
}

// Commit makes the transaction durable, notifies observers, and reloads
// the handle's schema after DDL.
func (tx *Tx) Commit() error {
	err := tx.inner.Commit()
	tx.db.inTx = false
	if err != nil {
		return err
	}
	if tx.inner.SchemaChanged {
		return tx.db.reloadSchema()
	}
	return nil
}

// Rollback abandons the transaction; the file keeps its pre-begin bytes.
func (tx *Tx) Rollback() error {
	err := tx.inner.Rollback()
	tx.db.inTx = false
	if err != nil {
		return err
	}
	if tx.inner.SchemaChanged {
		return tx.db.reloadSchema()
	}
	return nil
}
