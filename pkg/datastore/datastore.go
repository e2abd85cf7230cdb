// Package datastore defines the contract between the engine and the backing
// key/value store, and provides an in-memory adapter built on go-memdb.
//
// Each datastore (candidate, running, startup, audit, import, state) is an
// independent row set with the same logical tables per key type: main,
// controller overlay, rename and deleted-pending-audit. Rows are addressed by
// (datastore, table, key type, key) plus the owning controller and domain for
// the owned tables.
package datastore

import (
	"context"

	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
)

// MatchMode selects which rows a read returns.
type MatchMode uint8

const (
	// MatchExact returns the rows with exactly the requested key.
	MatchExact MatchMode = iota

	// MatchChildren returns rows of the requested type whose key starts with
	// the requested parts (all rows of the type when Parts is empty).
	MatchChildren

	// MatchSibling returns rows sharing the parent of the requested key that
	// sort after it.
	MatchSibling

	// MatchSiblingBegin returns every row sharing the parent of the requested key.
	MatchSiblingBegin

	// MatchAll returns every row of the requested type.
	MatchAll
)

// ReadRequest addresses rows of one key type in one table of one datastore.
type ReadRequest struct {
	Datastore engine.Datastore
	Table     engine.Table
	Key       keyval.Key
	Match     MatchMode

	// Owner filters owned tables by controller (and domain when set).
	Owner keyval.Ownership

	// Limit caps the number of rows returned, 0 for no limit.
	Limit int

	// Scope and Global restrict the rows to a config-mode scope.
	Scope  engine.Scope
	Global bool
}

// DiffRequest compares one table of a key type between two datastores.
type DiffRequest struct {
	KeyType engine.KeyType
	Table   engine.Table

	// New is the desired side (candidate) and Old the current side (running).
	New engine.Datastore
	Old engine.Datastore

	// Op selects rows only in New (create), only in Old (delete) or in
	// both with a different configuration (update).
	Op engine.Operation

	Owner  keyval.Ownership
	Scope  engine.Scope
	Global bool
}

// DiffRow is one differing row. New is nil for deletes and Old is nil for creates.
type DiffRow struct {
	New *keyval.Envelope
	Old *keyval.Envelope
}

// Key returns the key of the differing row.
func (r DiffRow) Key() keyval.Key {
	if r.New != nil {
		return r.New.Key
	}
	return r.Old.Key
}

// Cursor iterates over diff rows.
type Cursor interface {
	Next() bool
	Row() DiffRow
	Err() error
	Close() error
}

// QueryTemplate names a bulk statement.
type QueryTemplate string

const (
	// QueryCopyTable replaces the Dst rows of a key type and table with the Src rows.
	QueryCopyTable QueryTemplate = "copy_table"

	// QueryClearTable removes the Dst rows of a key type and table.
	QueryClearTable QueryTemplate = "clear_table"
)

// Query is a templated bulk statement over one key type and table.
type Query struct {
	Template QueryTemplate
	KeyType  engine.KeyType
	Table    engine.Table
	Src      engine.Datastore
	Dst      engine.Datastore
	Owner    keyval.Ownership
	Scope    engine.Scope
	Global   bool
}

// Reader reads rows.
type Reader interface {
	// Read returns the matching rows ordered by key then owner, or a
	// NoSuchInstance error when nothing matches.
	Read(ctx context.Context, req ReadRequest) ([]*keyval.Envelope, error)
}

// Writer writes rows.
type Writer interface {
	// Write applies op to the row of env in the given datastore and table.
	// Create fails with InstanceExists on a duplicate; update and delete
	// fail with NoSuchInstance when the row is absent.
	Write(ctx context.Context, ds engine.Datastore, table engine.Table, op engine.Operation, env *keyval.Envelope) error
}

// ReadWriter reads and writes rows.
type ReadWriter interface {
	Reader
	Writer
}

// Tx is a transaction with read-your-writes semantics.
type Tx interface {
	ReadWriter

	// ExecuteTemplatedQuery runs a bulk statement inside the transaction.
	ExecuteTemplatedQuery(ctx context.Context, q Query) error

	Commit() error
	Rollback() error
}

// Adapter is the full datastore contract consumed by the engine.
type Adapter interface {
	ReadWriter

	// Diff returns a cursor over rows differing between two datastores.
	Diff(ctx context.Context, req DiffRequest) (Cursor, error)

	// ExecuteTemplatedQuery runs a bulk statement.
	ExecuteTemplatedQuery(ctx context.Context, q Query) error

	// IsTableDirty reports whether Diff would return at least one row.
	IsTableDirty(ctx context.Context, req DiffRequest) (bool, error)

	// Begin starts a transaction.
	Begin(ctx context.Context) (Tx, error)
}

// RecordTable returns the record tag stored in a table's rows.
func RecordTable(t engine.Table) engine.Table {
	if t == engine.TableDeleted {
		return engine.TableController
	}
	return t
}

// RowEnvelope returns the copy of env persisted in table t: the key, the
// ownership for owned tables and the single record the table stores.
func RowEnvelope(env *keyval.Envelope, t engine.Table) *keyval.Envelope {
	row := env.Only(RecordTable(t))
	if len(row.Records) == 0 && t == engine.TableDeleted {
		row = env.Only(engine.TableMain)
	}
	if !t.HasOwner() {
		row.Owner = keyval.Ownership{}
	}
	return row
}

// InScope reports whether a key belongs to the scope of a request.
func InScope(scope engine.Scope, global bool, key keyval.Key) bool {
	return scope.Includes(global, key.Part(0))
}

// OwnerMatches reports whether row ownership satisfies a filter.
func OwnerMatches(filter, owner keyval.Ownership) bool {
	if filter.Controller != "" && filter.Controller != owner.Controller {
		return false
	}
	if filter.Domain != "" && filter.Domain != owner.Domain {
		return false
	}
	return true
}

// ReadOptional reads rows and converts NoSuchInstance into an empty result.
func ReadOptional(ctx context.Context, r Reader, req ReadRequest) ([]*keyval.Envelope, error) {
	envs, err := r.Read(ctx, req)
	if engine.IsNoSuchInstance(err) {
		return nil, nil
	}
	return envs, err
}

// Exists reports whether the exact key has a row in table.
func Exists(ctx context.Context, r Reader, ds engine.Datastore, table engine.Table, key keyval.Key) (bool, error) {
	envs, err := ReadOptional(ctx, r, ReadRequest{Datastore: ds, Table: table, Key: key, Match: MatchExact, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(envs) > 0, nil
}

// Upsert updates the row of env or creates it when absent.
func Upsert(ctx context.Context, w ReadWriter, ds engine.Datastore, table engine.Table, env *keyval.Envelope) error {
	err := w.Write(ctx, ds, table, engine.OpUpdate, env)
	if engine.IsNoSuchInstance(err) {
		return w.Write(ctx, ds, table, engine.OpCreate, env)
	}
	return err
}

// DeleteOptional deletes the row of env, treating an absent row as success.
func DeleteOptional(ctx context.Context, w Writer, ds engine.Datastore, table engine.Table, env *keyval.Envelope) error {
	err := w.Write(ctx, ds, table, engine.OpDelete, env)
	if engine.IsNoSuchInstance(err) {
		return nil
	}
	return err
}
