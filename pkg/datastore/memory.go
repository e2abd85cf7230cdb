package datastore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-memdb"

	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
)

const rowTable = "rows"

// row is one stored envelope. Fields are plain strings so go-memdb can
// index them.
type row struct {
	ID         string
	Datastore  string
	Table      string
	KeyType    string
	Path       string
	Controller string
	Domain     string
	Env        *keyval.Envelope
}

var memorySchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		rowTable: {
			Name: rowTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"kt": {
					Name: "kt",
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Datastore"},
							&memdb.StringFieldIndex{Field: "Table"},
							&memdb.StringFieldIndex{Field: "KeyType"},
						},
					},
				},
				"key": {
					Name: "key",
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Datastore"},
							&memdb.StringFieldIndex{Field: "Table"},
							&memdb.StringFieldIndex{Field: "KeyType"},
							&memdb.StringFieldIndex{Field: "Path"},
						},
					},
				},
			},
		},
	},
}

// rowID builds the primary identity of a row.
func rowID(ds engine.Datastore, table engine.Table, key keyval.Key, owner keyval.Ownership) string {
	parts := []string{string(ds), string(table), string(key.Type), key.Path()}
	if table.HasOwner() {
		parts = append(parts, owner.Controller, owner.Domain)
	}
	return strings.Join(parts, "\x1f")
}

// Memory is an in-memory Adapter backed by go-memdb. It is used by tests
// and by the dry-run check command.
type Memory struct {
	db *memdb.MemDB
}

// NewMemory creates an empty in-memory datastore.
func NewMemory() (*Memory, error) {
	db, err := memdb.NewMemDB(memorySchema)
	if err != nil {
		return nil, fmt.Errorf("failed to create memdb: %w", err)
	}
	return &Memory{db: db}, nil
}

// Read implements Reader.
func (m *Memory) Read(ctx context.Context, req ReadRequest) ([]*keyval.Envelope, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	return readRows(txn, req)
}

// Write implements Writer.
func (m *Memory) Write(ctx context.Context, ds engine.Datastore, table engine.Table, op engine.Operation, env *keyval.Envelope) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	if err := writeRow(txn, ds, table, op, env); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Diff implements Adapter.
func (m *Memory) Diff(ctx context.Context, req DiffRequest) (Cursor, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	rows, err := diffRows(txn, req)
	if err != nil {
		return nil, err
	}
	return NewSliceCursor(rows), nil
}

// IsTableDirty implements Adapter.
func (m *Memory) IsTableDirty(ctx context.Context, req DiffRequest) (bool, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	rows, err := diffRows(txn, req)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// ExecuteTemplatedQuery implements Adapter.
func (m *Memory) ExecuteTemplatedQuery(ctx context.Context, q Query) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	if err := execQuery(txn, q); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Begin implements Adapter. Only one transaction can be open at a time;
// Begin blocks until the previous one finishes. Calls on the Memory itself
// that write must not be made while a transaction is open in the same
// goroutine.
func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	return &memoryTx{txn: m.db.Txn(true)}, nil
}

type memoryTx struct {
	txn  *memdb.Txn
	done bool
}

func (t *memoryTx) Read(ctx context.Context, req ReadRequest) ([]*keyval.Envelope, error) {
	if t.done {
		return nil, fmt.Errorf("transaction already finished")
	}
	return readRows(t.txn, req)
}

func (t *memoryTx) Write(ctx context.Context, ds engine.Datastore, table engine.Table, op engine.Operation, env *keyval.Envelope) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	return writeRow(t.txn, ds, table, op, env)
}

func (t *memoryTx) ExecuteTemplatedQuery(ctx context.Context, q Query) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	return execQuery(t.txn, q)
}

func (t *memoryTx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	t.txn.Commit()
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.txn.Abort()
	return nil
}

// typeRows returns every row of a key type in one table of one datastore.
func typeRows(txn *memdb.Txn, ds engine.Datastore, table engine.Table, kt engine.KeyType) ([]*row, error) {
	it, err := txn.Get(rowTable, "kt", string(ds), string(table), string(kt))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s %s %s: %w", ds, table, kt, err)
	}
	var out []*row
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*row))
	}
	return out, nil
}

func readRows(txn *memdb.Txn, req ReadRequest) ([]*keyval.Envelope, error) {
	if err := req.Datastore.Validate(); err != nil {
		return nil, engine.NewError(engine.CodeBadRequest, err.Error(), nil)
	}

	var candidates []*row
	if req.Match == MatchExact {
		it, err := txn.Get(rowTable, "key", string(req.Datastore), string(req.Table), string(req.Key.Type), req.Key.Path())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", req.Key, err)
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			candidates = append(candidates, obj.(*row))
		}
	} else {
		all, err := typeRows(txn, req.Datastore, req.Table, req.Key.Type)
		if err != nil {
			return nil, err
		}
		candidates = all
	}

	var out []*keyval.Envelope
	for _, r := range candidates {
		if !Matches(req, r.Env) {
			continue
		}
		out = append(out, r.Env.Clone())
	}
	SortEnvelopes(out)
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	if len(out) == 0 {
		return nil, engine.Errorf(engine.CodeNoSuchInstance, "no %s rows match %s", req.Table, req.Key).
			WithKey(req.Key.Type, req.Key.Path()).
			WithDatastore(req.Datastore)
	}
	return out, nil
}

// Matches reports whether a stored envelope satisfies a read request.
func Matches(req ReadRequest, env *keyval.Envelope) bool {
	if !InScope(req.Scope, req.Global, env.Key) {
		return false
	}
	if req.Table.HasOwner() && !OwnerMatches(req.Owner, env.Owner) {
		return false
	}
	switch req.Match {
	case MatchExact:
		return env.Key.Equal(req.Key)
	case MatchChildren:
		return env.Key.HasPrefix(req.Key.Parts)
	case MatchSibling, MatchSiblingBegin:
		n := len(req.Key.Parts)
		if n == 0 {
			return true
		}
		if len(env.Key.Parts) != n || !env.Key.HasPrefix(req.Key.Parts[:n-1]) {
			return false
		}
		if req.Match == MatchSibling {
			return env.Key.Compare(req.Key) > 0
		}
		return true
	case MatchAll:
		return true
	default:
		return false
	}
}

// SortEnvelopes orders envelopes by key then owner.
func SortEnvelopes(envs []*keyval.Envelope) {
	sort.SliceStable(envs, func(i, j int) bool {
		if c := envs[i].Key.Compare(envs[j].Key); c != 0 {
			return c < 0
		}
		return envs[i].Owner.String() < envs[j].Owner.String()
	})
}

func writeRow(txn *memdb.Txn, ds engine.Datastore, table engine.Table, op engine.Operation, env *keyval.Envelope) error {
	if err := ds.Validate(); err != nil {
		return engine.NewError(engine.CodeBadRequest, err.Error(), nil)
	}
	if err := table.Validate(); err != nil {
		return engine.NewError(engine.CodeBadRequest, err.Error(), nil)
	}

	id := rowID(ds, table, env.Key, env.Owner)
	existing, err := txn.First(rowTable, "id", id)
	if err != nil {
		return fmt.Errorf("failed to look up %s: %w", env.Key, err)
	}

	switch op {
	case engine.OpCreate, engine.OpUpdate:
		if op == engine.OpCreate && existing != nil {
			return engine.Errorf(engine.CodeInstanceExists, "%s already exists in %s %s table", env.Key, ds, table).
				WithKey(env.Key.Type, env.Key.Path()).WithDatastore(ds)
		}
		if op == engine.OpUpdate && existing == nil {
			return engine.Errorf(engine.CodeNoSuchInstance, "%s does not exist in %s %s table", env.Key, ds, table).
				WithKey(env.Key.Type, env.Key.Path()).WithDatastore(ds)
		}
		stored := RowEnvelope(env, table)
		r := &row{
			ID:        id,
			Datastore: string(ds),
			Table:     string(table),
			KeyType:   string(env.Key.Type),
			Path:      env.Key.Path(),
			Env:       stored,
		}
		if table.HasOwner() {
			r.Controller = env.Owner.Controller
			r.Domain = env.Owner.Domain
		}
		if err := txn.Insert(rowTable, r); err != nil {
			return fmt.Errorf("failed to store %s: %w", env.Key, err)
		}
		return nil

	case engine.OpDelete:
		if existing == nil {
			return engine.Errorf(engine.CodeNoSuchInstance, "%s does not exist in %s %s table", env.Key, ds, table).
				WithKey(env.Key.Type, env.Key.Path()).WithDatastore(ds)
		}
		if err := txn.Delete(rowTable, existing); err != nil {
			return fmt.Errorf("failed to delete %s: %w", env.Key, err)
		}
		return nil

	default:
		return engine.Errorf(engine.CodeBadRequest, "unsupported write operation %s", op)
	}
}

// rowIdentity is the identity of a row within one datastore and table.
func rowIdentity(table engine.Table, env *keyval.Envelope) string {
	if table.HasOwner() {
		return env.Key.Path() + "\x1f" + env.Owner.Controller + "\x1f" + env.Owner.Domain
	}
	return env.Key.Path()
}

func scopedRows(txn *memdb.Txn, ds engine.Datastore, req DiffRequest) (map[string]*keyval.Envelope, error) {
	rows, err := typeRows(txn, ds, req.Table, req.KeyType)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*keyval.Envelope, len(rows))
	for _, r := range rows {
		if !InScope(req.Scope, req.Global, r.Env.Key) {
			continue
		}
		if req.Table.HasOwner() && !OwnerMatches(req.Owner, r.Env.Owner) {
			continue
		}
		out[rowIdentity(req.Table, r.Env)] = r.Env
	}
	return out, nil
}

func diffRows(txn *memdb.Txn, req DiffRequest) ([]DiffRow, error) {
	newRows, err := scopedRows(txn, req.New, req)
	if err != nil {
		return nil, err
	}
	oldRows, err := scopedRows(txn, req.Old, req)
	if err != nil {
		return nil, err
	}
	rt := RecordTable(req.Table)

	var out []DiffRow
	switch req.Op {
	case engine.OpCreate:
		for id, n := range newRows {
			if _, ok := oldRows[id]; !ok {
				out = append(out, DiffRow{New: n.Clone()})
			}
		}
	case engine.OpDelete:
		for id, o := range oldRows {
			if _, ok := newRows[id]; !ok {
				out = append(out, DiffRow{Old: o.Clone()})
			}
		}
	case engine.OpUpdate:
		for id, n := range newRows {
			o, ok := oldRows[id]
			if !ok {
				continue
			}
			if !n.Record(rt).SameConfig(o.Record(rt)) {
				out = append(out, DiffRow{New: n.Clone(), Old: o.Clone()})
			}
		}
	default:
		return nil, engine.Errorf(engine.CodeBadRequest, "unsupported diff operation %s", req.Op)
	}

	SortDiffRows(out)
	return out, nil
}

// SortDiffRows orders diff rows by key then owner.
func SortDiffRows(rows []DiffRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if c := a.Key().Compare(b.Key()); c != 0 {
			return c < 0
		}
		return diffOwner(a).String() < diffOwner(b).String()
	})
}

func diffOwner(r DiffRow) keyval.Ownership {
	if r.New != nil {
		return r.New.Owner
	}
	return r.Old.Owner
}

func execQuery(txn *memdb.Txn, q Query) error {
	dst, err := typeRows(txn, q.Dst, q.Table, q.KeyType)
	if err != nil {
		return err
	}

	in := func(env *keyval.Envelope) bool {
		if !InScope(q.Scope, q.Global, env.Key) {
			return false
		}
		return !q.Table.HasOwner() || OwnerMatches(q.Owner, env.Owner)
	}

	switch q.Template {
	case QueryClearTable, QueryCopyTable:
	default:
		return engine.Errorf(engine.CodeBadRequest, "unknown query template %q", q.Template)
	}

	for _, r := range dst {
		if !in(r.Env) {
			continue
		}
		if err := txn.Delete(rowTable, r); err != nil {
			return fmt.Errorf("failed to clear %s: %w", r.Env.Key, err)
		}
	}
	if q.Template == QueryClearTable {
		return nil
	}

	src, err := typeRows(txn, q.Src, q.Table, q.KeyType)
	if err != nil {
		return err
	}
	for _, r := range src {
		if !in(r.Env) {
			continue
		}
		cp := *r
		cp.Datastore = string(q.Dst)
		cp.ID = rowID(q.Dst, q.Table, r.Env.Key, r.Env.Owner)
		cp.Env = r.Env.Clone()
		if err := txn.Insert(rowTable, &cp); err != nil {
			return fmt.Errorf("failed to copy %s: %w", r.Env.Key, err)
		}
	}
	return nil
}
