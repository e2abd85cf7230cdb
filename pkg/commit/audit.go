package commit

import (
	"context"
	"fmt"
	"sort"

	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/registry"
	"github.com/openfroyo/upll/pkg/rename"
	"github.com/openfroyo/upll/pkg/status"
	"github.com/openfroyo/upll/pkg/stores"
)

// AuditReport compares the rows one controller reported with running.
type AuditReport struct {
	// Matched rows carry the running configuration.
	Matched int

	// Differing rows exist on both sides with another configuration.
	Differing int

	// Missing rows are in running but were not reported.
	Missing int

	// Extra rows were reported but are not in running.
	Extra int
}

// InSync reports whether the controller carries exactly the running configuration.
func (r AuditReport) InSync() bool {
	return r.Differing == 0 && r.Missing == 0 && r.Extra == 0
}

type auditRow struct {
	key     keyval.Key
	table   engine.Table
	running *keyval.Envelope
	audit   *keyval.Envelope
	same    bool
}

// StageAudit loads the configuration a controller reported into the audit
// datastore. Names are translated to canonical names with the rename rows
// of running; a reported object whose parent is not in running is kept.
func (p *Pipeline) StageAudit(ctx context.Context, owner keyval.Ownership, envs []*keyval.Envelope) (int, error) {
	if owner.Controller == "" {
		return 0, engine.Errorf(engine.CodeBadRequest, "audit needs a controller")
	}
	return p.stage(ctx, engine.DatastoreAudit, engine.DatastoreRunning, engine.TableController, owner, envs, rename.TolerateMissing())
}

// AuditDiff returns the rows of kt where the staged audit rows of owner
// differ from running. New is the running row and Old the reported one.
func (p *Pipeline) AuditDiff(ctx context.Context, kt engine.KeyType, owner keyval.Ownership) ([]datastore.DiffRow, AuditReport, error) {
	mt, err := p.reg.Lookup(kt)
	if err != nil {
		return nil, AuditReport{}, err
	}
	rows, rep, err := p.auditRows(ctx, p.adapter, mt, owner)
	if err != nil {
		return nil, AuditReport{}, err
	}
	var out []datastore.DiffRow
	for _, r := range rows {
		if !r.same {
			out = append(out, datastore.DiffRow{New: r.running, Old: r.audit})
		}
	}
	return out, rep, nil
}

// TxCopyAudit closes the audit of kt on one controller. After a successful
// resync every running row of the controller is APPLIED; otherwise only
// the rows the controller reported unchanged are, and the rest become
// NOT_APPLIED. Main rows are re-consolidated, and the staged audit rows and
// deleted-pending-audit rows of the controller are cleared.
func (p *Pipeline) TxCopyAudit(ctx context.Context, kt engine.KeyType, owner keyval.Ownership, result engine.ResultCode) (AuditReport, error) {
	mt, err := p.reg.Lookup(kt)
	if err != nil {
		return AuditReport{}, err
	}
	if owner.Controller == "" {
		return AuditReport{}, engine.Errorf(engine.CodeBadRequest, "audit needs a controller")
	}

	rows, rep, err := p.auditRows(ctx, p.adapter, mt, owner)
	if err != nil {
		return AuditReport{}, err
	}

	ep := stores.NewEpisode(stores.EpisodeKindAudit, kt, engine.GlobalScope())
	ep.Controller = owner.Controller
	err = p.runEpisode(ctx, ep, func(ctx context.Context) (int, error) {
		tx, err := p.adapter.Begin(ctx)
		if err != nil {
			return 0, err
		}
		n, err := p.applyAudit(ctx, tx, mt, owner, rows, result)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to commit audit of %s: %w", kt, err)
		}
		return n, nil
	})
	if err != nil {
		return rep, err
	}

	p.logger.Info().
		Str("key_type", string(kt)).
		Str("controller", owner.Controller).
		Str("result", string(result)).
		Int("matched", rep.Matched).
		Int("differing", rep.Differing).
		Int("missing", rep.Missing).
		Int("extra", rep.Extra).
		Msg("Audit finished")
	return rep, nil
}

func (p *Pipeline) applyAudit(ctx context.Context, tx datastore.Tx, mt *registry.MOType, owner keyval.Ownership, rows []auditRow, result engine.ResultCode) (int, error) {
	n := 0
	for _, r := range rows {
		if r.running == nil {
			continue
		}
		rec := r.running.Record(datastore.RecordTable(r.table))
		switch {
		case result.IsSuccess() || r.same:
			status.SetValidAudit(rec)
		default:
			var reported *keyval.Record
			if r.audit != nil {
				reported = r.audit.Record(engine.TableController)
			}
			markNotApplied(rec, reported)
		}
		if err := tx.Write(ctx, engine.DatastoreRunning, r.table, engine.OpUpdate, r.running); err != nil {
			return n, err
		}

		if mt.ControllerTable {
			mains, err := tx.Read(ctx, datastore.ReadRequest{
				Datastore: engine.DatastoreRunning,
				Table:     engine.TableMain,
				Key:       r.key,
			})
			if err != nil {
				return n, err
			}
			main := mains[0]
			if err := p.consolidate(ctx, tx, mt, main); err != nil {
				return n, err
			}
			if err := tx.Write(ctx, engine.DatastoreRunning, engine.TableMain, engine.OpUpdate, main); err != nil {
				return n, err
			}
		}
		n++
	}

	for _, q := range []datastore.Query{
		{Template: datastore.QueryClearTable, Table: engine.TableController, Dst: engine.DatastoreAudit},
		{Template: datastore.QueryClearTable, Table: engine.TableDeleted, Dst: engine.DatastoreRunning},
	} {
		q.KeyType = mt.KeyType
		q.Owner = keyval.Ownership{Controller: owner.Controller}
		q.Scope = engine.GlobalScope()
		q.Global = mt.Global
		if err := tx.ExecuteTemplatedQuery(ctx, q); err != nil {
			return n, err
		}
	}
	return n, nil
}

// auditRows pairs the running rows of owner with the rows it reported.
func (p *Pipeline) auditRows(ctx context.Context, rd datastore.Reader, mt *registry.MOType, owner keyval.Ownership) ([]auditRow, AuditReport, error) {
	filter := keyval.Ownership{Controller: owner.Controller}
	reported, err := datastore.ReadOptional(ctx, rd, datastore.ReadRequest{
		Datastore: engine.DatastoreAudit,
		Table:     engine.TableController,
		Key:       keyval.NewKey(mt.KeyType),
		Match:     datastore.MatchAll,
		Owner:     filter,
	})
	if err != nil {
		return nil, AuditReport{}, err
	}

	running, table, err := p.runningRows(ctx, rd, mt, filter)
	if err != nil {
		return nil, AuditReport{}, err
	}

	byKey := make(map[string]*auditRow)
	for _, env := range running {
		byKey[env.Key.String()] = &auditRow{key: env.Key, table: table, running: env}
	}
	for _, env := range reported {
		r, ok := byKey[env.Key.String()]
		if !ok {
			r = &auditRow{key: env.Key, table: table}
			byKey[env.Key.String()] = r
		}
		r.audit = env
	}

	var rep AuditReport
	rows := make([]auditRow, 0, len(byKey))
	for _, r := range byKey {
		switch {
		case r.audit == nil:
			rep.Missing++
		case r.running == nil:
			rep.Extra++
		case sameAsReported(r.running.Record(datastore.RecordTable(table)), r.audit.Record(engine.TableController)):
			r.same = true
			rep.Matched++
		default:
			rep.Differing++
		}
		rows = append(rows, *r)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].key.Compare(rows[j].key) < 0
	})
	return rows, rep, nil
}

// runningRows returns the rows of mt in running that owner carries: its
// controller rows, or the main rows it owns for types without them.
func (p *Pipeline) runningRows(ctx context.Context, rd datastore.Reader, mt *registry.MOType, owner keyval.Ownership) ([]*keyval.Envelope, engine.Table, error) {
	if mt.ControllerTable {
		envs, err := datastore.ReadOptional(ctx, rd, datastore.ReadRequest{
			Datastore: engine.DatastoreRunning,
			Table:     engine.TableController,
			Key:       keyval.NewKey(mt.KeyType),
			Match:     datastore.MatchAll,
			Owner:     owner,
		})
		return envs, engine.TableController, err
	}
	if mt.Owner == nil {
		return nil, engine.TableMain, nil
	}

	mains, err := datastore.ReadOptional(ctx, rd, datastore.ReadRequest{
		Datastore: engine.DatastoreRunning,
		Table:     engine.TableMain,
		Key:       keyval.NewKey(mt.KeyType),
		Match:     datastore.MatchAll,
	})
	if err != nil {
		return nil, engine.TableMain, err
	}
	var out []*keyval.Envelope
	for _, env := range mains {
		o, err := mt.Owner(ctx, rd, engine.DatastoreRunning, env)
		if err != nil {
			return nil, engine.TableMain, err
		}
		if datastore.OwnerMatches(owner, o) {
			out = append(out, env)
		}
	}
	return out, engine.TableMain, nil
}

// sameAsReported compares a running record with a reported one. Attributes
// the controller does not support are not expected in the report.
func sameAsReported(running, reported *keyval.Record) bool {
	if running == nil || reported == nil {
		return running == reported
	}
	want := running.Clone()
	for i := range want.Attrs {
		if want.Attrs[i].Valid == keyval.NotSupported {
			want.Attrs[i] = keyval.Attr{}
		}
	}
	return want.SameConfig(reported)
}

// markNotApplied flags a running record the controller failed to resync.
// Attributes the controller reported with the running value stay APPLIED.
func markNotApplied(rec, reported *keyval.Record) {
	if !rec.Status.IsAbsorbing() {
		rec.Status = keyval.StatusNotApplied
	}
	for i := range rec.Attrs {
		a := &rec.Attrs[i]
		if a.Valid != keyval.Valid || a.Status.IsAbsorbing() {
			continue
		}
		if reported == nil {
			a.Status = keyval.StatusNotApplied
			continue
		}
		if r := reported.Attr(i); r != nil && r.Valid == keyval.Valid && r.Value.Equal(a.Value) {
			a.Status = keyval.StatusApplied
			continue
		}
		a.Status = keyval.StatusNotApplied
	}
}
