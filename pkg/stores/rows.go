package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/upll/pkg/binding"
	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/registry"
)

// querier is the subset of *sql.DB and *sql.Tx the row store needs.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// rowStore maps envelopes onto config_rows through a querier.
type rowStore struct {
	q   querier
	reg *registry.Registry
}

const rowColumns = "key_path, ctrlr_name, domain_id, flags, rec_table, config, status"

// storedRow is one scanned config_rows row.
type storedRow struct {
	path     string
	ctrlr    string
	domain   string
	flags    int64
	recTable string
	config   string
	status   string
}

func scanRow(sc scanner) (storedRow, error) {
	var r storedRow
	err := sc.Scan(&r.path, &r.ctrlr, &r.domain, &r.flags, &r.recTable, &r.config, &r.status)
	return r, err
}

func (s *rowStore) bindings(kt engine.KeyType) (*binding.Set, error) {
	mt, err := s.reg.Lookup(kt)
	if err != nil {
		return nil, err
	}
	set := mt.Bindings()
	if set == nil {
		return nil, fmt.Errorf("%s has no column bindings", kt)
	}
	return set, nil
}

// decode rebuilds the envelope of a stored row.
func (s *rowStore) decode(set *binding.Set, kt engine.KeyType, r storedRow) (*keyval.Envelope, error) {
	env := &keyval.Envelope{
		Key:   keyval.ParseKey(kt, r.path),
		Owner: keyval.Ownership{Controller: r.ctrlr, Domain: r.domain},
		Flags: keyval.RenameFlags(r.flags),
	}
	if r.recTable == "" {
		return env, nil
	}
	sc, err := set.Schema(engine.Table(r.recTable))
	if err != nil {
		return nil, err
	}
	rec, err := sc.Unmarshal([]byte(r.config), []byte(r.status))
	if err != nil {
		return nil, err
	}
	if rec != nil {
		env.SetRecord(rec)
	}
	return env, nil
}

// encode returns the rec_table, config and status columns of the row
// table t persists for env.
func (s *rowStore) encode(set *binding.Set, t engine.Table, env *keyval.Envelope) (*keyval.Envelope, string, string, string, error) {
	row := datastore.RowEnvelope(env, t)
	if len(row.Records) == 0 {
		return row, "", "null", "{}", nil
	}
	rec := row.Records[0]
	sc, err := set.Schema(rec.Table)
	if err != nil {
		return nil, "", "", "", err
	}
	config, err := sc.MarshalConfig(rec)
	if err != nil {
		return nil, "", "", "", err
	}
	status, err := sc.MarshalStatus(rec)
	if err != nil {
		return nil, "", "", "", err
	}
	return row, string(rec.Table), string(config), string(status), nil
}

func (s *rowStore) read(ctx context.Context, req datastore.ReadRequest) ([]*keyval.Envelope, error) {
	if err := req.Datastore.Validate(); err != nil {
		return nil, engine.NewError(engine.CodeBadRequest, err.Error(), nil)
	}
	set, err := s.bindings(req.Key.Type)
	if err != nil {
		return nil, err
	}

	var where []string
	args := []interface{}{req.Datastore, req.Table, req.Key.Type}
	if req.Match == datastore.MatchExact {
		where = append(where, "key_path = ?")
		args = append(args, req.Key.Path())
	}
	if req.Table.HasOwner() {
		if req.Owner.Controller != "" {
			where = append(where, "ctrlr_name = ?")
			args = append(args, req.Owner.Controller)
		}
		if req.Owner.Domain != "" {
			where = append(where, "domain_id = ?")
			args = append(args, req.Owner.Domain)
		}
	}
	query := "SELECT " + rowColumns + " FROM config_rows WHERE datastore = ? AND tbl = ? AND key_type = ?"
	for _, w := range where {
		query += " AND " + w
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", req.Key, err)
	}
	defer rows.Close()

	var out []*keyval.Envelope
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", req.Key.Type, err)
		}
		env, err := s.decode(set, req.Key.Type, r)
		if err != nil {
			return nil, err
		}
		if datastore.Matches(req, env) {
			out = append(out, env)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", req.Key.Type, err)
	}

	datastore.SortEnvelopes(out)
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

// identity returns the owner columns of a row of table t.
func identity(t engine.Table, env *keyval.Envelope) (string, string) {
	if !t.HasOwner() {
		return "", ""
	}
	return env.Owner.Controller, env.Owner.Domain
}

func (s *rowStore) exists(ctx context.Context, ds engine.Datastore, t engine.Table, env *keyval.Envelope) (bool, error) {
	ctrlr, domain := identity(t, env)
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM config_rows
		WHERE datastore = ? AND tbl = ? AND key_type = ? AND key_path = ? AND ctrlr_name = ? AND domain_id = ?
	`, ds, t, env.Key.Type, env.Key.Path(), ctrlr, domain).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", env.Key, err)
	}
	return n > 0, nil
}

func (s *rowStore) write(ctx context.Context, ds engine.Datastore, t engine.Table, op engine.Operation, env *keyval.Envelope) error {
	if err := ds.Validate(); err != nil {
		return engine.NewError(engine.CodeBadRequest, err.Error(), nil)
	}
	if err := t.Validate(); err != nil {
		return engine.NewError(engine.CodeBadRequest, err.Error(), nil)
	}
	set, err := s.bindings(env.Key.Type)
	if err != nil {
		return err
	}
	ctrlr, domain := identity(t, env)

	switch op {
	case engine.OpCreate:
		found, err := s.exists(ctx, ds, t, env)
		if err != nil {
			return err
		}
		if found {
			return engine.Errorf(engine.CodeInstanceExists, "%s already exists in %s %s table", env.Key, ds, t).
				WithKey(env.Key.Type, env.Key.Path()).WithDatastore(ds)
		}
		row, recTable, config, status, err := s.encode(set, t, env)
		if err != nil {
			return err
		}
		_, err = s.q.ExecContext(ctx, `
			INSERT INTO config_rows (datastore, tbl, key_type, key_path, ctrlr_name, domain_id, vtn, flags, rec_table, config, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ds, t, env.Key.Type, env.Key.Path(), ctrlr, domain, env.Key.Part(0), int64(row.Flags), recTable, config, status, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to store %s: %w", env.Key, err)
		}
		return nil

	case engine.OpUpdate:
		row, recTable, config, status, err := s.encode(set, t, env)
		if err != nil {
			return err
		}
		result, err := s.q.ExecContext(ctx, `
			UPDATE config_rows
			SET flags = ?, rec_table = ?, config = ?, status = ?, updated_at = ?
			WHERE datastore = ? AND tbl = ? AND key_type = ? AND key_path = ? AND ctrlr_name = ? AND domain_id = ?
		`, int64(row.Flags), recTable, config, status, time.Now().UTC(), ds, t, env.Key.Type, env.Key.Path(), ctrlr, domain)
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", env.Key, err)
		}
		return affected(result, ds, t, env)

	case engine.OpDelete:
		result, err := s.q.ExecContext(ctx, `
			DELETE FROM config_rows
			WHERE datastore = ? AND tbl = ? AND key_type = ? AND key_path = ? AND ctrlr_name = ? AND domain_id = ?
		`, ds, t, env.Key.Type, env.Key.Path(), ctrlr, domain)
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", env.Key, err)
		}
		return affected(result, ds, t, env)

	default:
		return engine.Errorf(engine.CodeBadRequest, "unsupported write operation %s", op)
	}
}

func affected(result sql.Result, ds engine.Datastore, t engine.Table, env *keyval.Envelope) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return engine.Errorf(engine.CodeNoSuchInstance, "%s does not exist in %s %s table", env.Key, ds, t).
			WithKey(env.Key.Type, env.Key.Path()).WithDatastore(ds)
	}
	return nil
}

// Diff statements. The update statement prefilters on the encoded config
// and the caller confirms with Record.SameConfig.
const (
	diffOnlyIn = `
		SELECT a.key_path, a.ctrlr_name, a.domain_id, a.flags, a.rec_table, a.config, a.status
		FROM config_rows a
		WHERE a.datastore = ? AND a.tbl = ? AND a.key_type = ? %s
		AND NOT EXISTS (
			SELECT 1 FROM config_rows b
			WHERE b.datastore = ? AND b.tbl = a.tbl AND b.key_type = a.key_type
			AND b.key_path = a.key_path AND b.ctrlr_name = a.ctrlr_name AND b.domain_id = a.domain_id
		)
	`
	diffChanged = `
		SELECT n.key_path, n.ctrlr_name, n.domain_id, n.flags, n.rec_table, n.config, n.status,
		       o.key_path, o.ctrlr_name, o.domain_id, o.flags, o.rec_table, o.config, o.status
		FROM config_rows n
		JOIN config_rows o
		  ON o.datastore = ? AND o.tbl = n.tbl AND o.key_type = n.key_type
		 AND o.key_path = n.key_path AND o.ctrlr_name = n.ctrlr_name AND o.domain_id = n.domain_id
		WHERE n.datastore = ? AND n.tbl = ? AND n.key_type = ? %s
		AND (n.config <> o.config OR n.rec_table <> o.rec_table)
	`
)

func ownerFilter(alias string, t engine.Table, owner keyval.Ownership) (string, []interface{}) {
	if !t.HasOwner() {
		return "", nil
	}
	var clause string
	var args []interface{}
	if owner.Controller != "" {
		clause += " AND " + alias + ".ctrlr_name = ?"
		args = append(args, owner.Controller)
	}
	if owner.Domain != "" {
		clause += " AND " + alias + ".domain_id = ?"
		args = append(args, owner.Domain)
	}
	return clause, args
}

func (s *rowStore) diff(ctx context.Context, req datastore.DiffRequest) ([]datastore.DiffRow, error) {
	set, err := s.bindings(req.KeyType)
	if err != nil {
		return nil, err
	}
	rt := datastore.RecordTable(req.Table)

	var out []datastore.DiffRow
	switch req.Op {
	case engine.OpCreate, engine.OpDelete:
		from, other := req.New, req.Old
		if req.Op == engine.OpDelete {
			from, other = other, from
		}
		clause, oargs := ownerFilter("a", req.Table, req.Owner)
		args := append([]interface{}{from, req.Table, req.KeyType}, oargs...)
		args = append(args, other)

		rows, err := s.q.QueryContext(ctx, fmt.Sprintf(diffOnlyIn, clause), args...)
		if err != nil {
			return nil, fmt.Errorf("failed to diff %s: %w", req.KeyType, err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRow(rows)
			if err != nil {
				return nil, fmt.Errorf("failed to scan %s diff row: %w", req.KeyType, err)
			}
			env, err := s.decode(set, req.KeyType, r)
			if err != nil {
				return nil, err
			}
			if !datastore.InScope(req.Scope, req.Global, env.Key) {
				continue
			}
			if req.Op == engine.OpCreate {
				out = append(out, datastore.DiffRow{New: env})
			} else {
				out = append(out, datastore.DiffRow{Old: env})
			}
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating %s diff: %w", req.KeyType, err)
		}

	case engine.OpUpdate:
		clause, oargs := ownerFilter("n", req.Table, req.Owner)
		args := append([]interface{}{req.Old, req.New, req.Table, req.KeyType}, oargs...)

		rows, err := s.q.QueryContext(ctx, fmt.Sprintf(diffChanged, clause), args...)
		if err != nil {
			return nil, fmt.Errorf("failed to diff %s: %w", req.KeyType, err)
		}
		defer rows.Close()
		for rows.Next() {
			var n, o storedRow
			if err := rows.Scan(
				&n.path, &n.ctrlr, &n.domain, &n.flags, &n.recTable, &n.config, &n.status,
				&o.path, &o.ctrlr, &o.domain, &o.flags, &o.recTable, &o.config, &o.status,
			); err != nil {
				return nil, fmt.Errorf("failed to scan %s diff row: %w", req.KeyType, err)
			}
			ne, err := s.decode(set, req.KeyType, n)
			if err != nil {
				return nil, err
			}
			oe, err := s.decode(set, req.KeyType, o)
			if err != nil {
				return nil, err
			}
			if !datastore.InScope(req.Scope, req.Global, ne.Key) {
				continue
			}
			if ne.Record(rt).SameConfig(oe.Record(rt)) {
				continue
			}
			out = append(out, datastore.DiffRow{New: ne, Old: oe})
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating %s diff: %w", req.KeyType, err)
		}

	default:
		return nil, engine.Errorf(engine.CodeBadRequest, "unsupported diff operation %s", req.Op)
	}

	datastore.SortDiffRows(out)
	return out, nil
}

func (s *rowStore) exec(ctx context.Context, q datastore.Query) error {
	if _, err := s.bindings(q.KeyType); err != nil {
		return err
	}
	stmts, args, err := renderQuery(q)
	if err != nil {
		return err
	}
	for i, stmt := range stmts {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.q.ExecContext(ctx, stmt, args[i]...); err != nil {
			return fmt.Errorf("failed to run %s for %s: %w", q.Template, q.KeyType, err)
		}
	}
	return nil
}

// Read implements datastore.Reader.
func (s *SQLiteStore) Read(ctx context.Context, req datastore.ReadRequest) ([]*keyval.Envelope, error) {
	rs, err := s.rows()
	if err != nil {
		return nil, err
	}
	return rs.read(ctx, req)
}

// Write implements datastore.Writer.
func (s *SQLiteStore) Write(ctx context.Context, ds engine.Datastore, table engine.Table, op engine.Operation, env *keyval.Envelope) error {
	rs, err := s.rows()
	if err != nil {
		return err
	}
	return rs.write(ctx, ds, table, op, env)
}

// Diff implements datastore.Adapter. Rows are materialized before the
// cursor is returned so the connection is free for the caller.
func (s *SQLiteStore) Diff(ctx context.Context, req datastore.DiffRequest) (datastore.Cursor, error) {
	rs, err := s.rows()
	if err != nil {
		return nil, err
	}
	rows, err := rs.diff(ctx, req)
	if err != nil {
		return nil, err
	}
	return datastore.NewSliceCursor(rows), nil
}

// IsTableDirty implements datastore.Adapter.
func (s *SQLiteStore) IsTableDirty(ctx context.Context, req datastore.DiffRequest) (bool, error) {
	rs, err := s.rows()
	if err != nil {
		return false, err
	}
	rows, err := rs.diff(ctx, req)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// ExecuteTemplatedQuery implements datastore.Adapter.
func (s *SQLiteStore) ExecuteTemplatedQuery(ctx context.Context, q datastore.Query) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.ExecuteTemplatedQuery(ctx, q); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// sqlTx is a datastore.Tx over a database transaction.
type sqlTx struct {
	tx   *sql.Tx
	rows *rowStore
}

func (t *sqlTx) Read(ctx context.Context, req datastore.ReadRequest) ([]*keyval.Envelope, error) {
	return t.rows.read(ctx, req)
}

func (t *sqlTx) Write(ctx context.Context, ds engine.Datastore, table engine.Table, op engine.Operation, env *keyval.Envelope) error {
	return t.rows.write(ctx, ds, table, op, env)
}

func (t *sqlTx) ExecuteTemplatedQuery(ctx context.Context, q datastore.Query) error {
	return t.rows.exec(ctx, q)
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}
