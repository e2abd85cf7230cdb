package commit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/registry"
	"github.com/openfroyo/upll/pkg/status"
	"github.com/openfroyo/upll/pkg/telemetry"
)

// change is one main row written to running, announced after commit.
type change struct {
	op  engine.Operation
	env *keyval.Envelope
}

// TxCopyCandidateToRunning applies the rows of kt that differ between
// candidate and running to running, in delete, create, update order.
// Controller rows take the status of the votes in results and every main
// row is re-consolidated from its controller rows. Each operation commits
// in its own transaction: a failure leaves the earlier operations in place.
// It returns the number of main rows written.
func (p *Pipeline) TxCopyCandidateToRunning(ctx context.Context, kt engine.KeyType, results *Results, scope engine.Scope) (int, error) {
	mt, err := p.reg.Lookup(kt)
	if err != nil {
		return 0, err
	}
	if err := scope.Validate(); err != nil {
		return 0, engine.NewError(engine.CodeBadRequest, err.Error(), nil)
	}
	return p.copy(ctx, mt, engine.CommitOperations, results, scope, "")
}

func (p *Pipeline) copy(ctx context.Context, mt *registry.MOType, ops []engine.Operation, results *Results, scope engine.Scope, episode string) (int, error) {
	total := 0
	for _, op := range ops {
		n, err := p.copyOperation(ctx, mt, op, results, scope, episode)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (p *Pipeline) copyOperation(ctx context.Context, mt *registry.MOType, op engine.Operation, results *Results, scope engine.Scope, episode string) (int, error) {
	// The diff is read before the transaction opens: a single-connection
	// store cannot serve both at once.
	rows, err := p.diff(ctx, mt, op, engine.DatastoreCandidate, engine.DatastoreRunning, scope)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := p.adapter.Begin(ctx)
	if err != nil {
		return 0, err
	}

	changes := make([]change, 0, len(rows))
	for _, row := range rows {
		var ch change
		switch op {
		case engine.OpCreate:
			ch, err = p.copyCreate(ctx, tx, mt, row, results, scope)
		case engine.OpUpdate:
			ch, err = p.copyUpdate(ctx, tx, mt, row, results, scope)
		case engine.OpDelete:
			ch, err = p.copyDelete(ctx, tx, mt, row, results, scope)
		default:
			err = engine.Errorf(engine.CodeBadRequest, "unsupported commit operation %s", op)
		}
		if err != nil {
			_ = tx.Rollback()
			p.logger.Error().
				Err(err).
				Str("key_type", string(mt.KeyType)).
				Str("operation", string(op)).
				Str("key", row.Key().String()).
				Msg("Commit aborted")
			return 0, err
		}
		changes = append(changes, ch)
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to commit %s %s: %w", mt.KeyType, op, err)
	}

	p.announce(ctx, mt, changes, episode)
	return len(changes), nil
}

// announce records metrics and enqueues a change notification per row. The
// rows are already durable in running: a notification that cannot be
// enqueued is logged and counted, and the remaining rows are still
// announced.
func (p *Pipeline) announce(ctx context.Context, mt *registry.MOType, changes []change, episode string) {
	m := p.metrics()
	span := trace.SpanFromContext(ctx)
	failed := 0
	for _, ch := range changes {
		m.RecordRowCommitted(string(mt.KeyType), string(ch.op))
		st := keyval.StatusUnknown
		if rec := ch.env.Main(); rec != nil {
			st = rec.Status
		}
		if ch.op != engine.OpDelete {
			m.RecordConsolidation(string(mt.KeyType), st.String())
		}

		err := p.events().Notify(ctx, telemetry.Event{
			Type:      telemetry.ConfigEventType(string(ch.op)),
			Source:    "commit",
			EpisodeID: episode,
			KeyType:   string(mt.KeyType),
			Key:       ch.env.Key.Path(),
			Datastore: string(engine.DatastoreRunning),
			Message:   fmt.Sprintf("%s %s", ch.op, ch.env.Key),
			Data: map[string]interface{}{
				"status": st.String(),
			},
		})
		if err != nil {
			failed++
			m.RecordNotificationFailed(string(mt.KeyType))
			telemetry.AddEvent(span, "notification.failed",
				telemetry.AttrKey.String(ch.env.Key.Path()),
				telemetry.AttrOperation.String(string(ch.op)))
			p.logger.Error().
				Err(err).
				Str("episode_id", episode).
				Str("key", ch.env.Key.String()).
				Msg("Failed to enqueue change notification")
		}
	}
	if failed > 0 {
		p.logger.Warn().
			Str("episode_id", episode).
			Str("key_type", string(mt.KeyType)).
			Int("failed", failed).
			Int("rows", len(changes)).
			Msg("Change notifications missing for committed rows")
	}
}

func (p *Pipeline) copyCreate(ctx context.Context, tx datastore.Tx, mt *registry.MOType, row datastore.DiffRow, results *Results, scope engine.Scope) (change, error) {
	env := row.New.Only(engine.TableMain)
	main := env.Main()
	main.ResetStatus()

	if !scope.SkipsFanout() && mt.Pushed() {
		owners, err := p.owners(ctx, tx, mt, engine.OpCreate, row)
		if err != nil {
			return change{}, err
		}
		if mt.ControllerTable {
			for _, o := range owners {
				if err := p.writeControllerRow(ctx, tx, mt, engine.OpCreate, row, o, nil, results); err != nil {
					return change{}, err
				}
			}
			if err := p.consolidate(ctx, tx, mt, env); err != nil {
				return change{}, err
			}
		} else {
			for _, o := range owners {
				p.stampMain(mt, engine.OpCreate, row, o, nil, results, main)
			}
		}
	}

	if err := tx.Write(ctx, engine.DatastoreRunning, engine.TableMain, engine.OpCreate, env); err != nil {
		return change{}, err
	}
	p.logRow(ctx, engine.OpCreate, env)
	return change{op: engine.OpCreate, env: env}, nil
}

func (p *Pipeline) copyUpdate(ctx context.Context, tx datastore.Tx, mt *registry.MOType, row datastore.DiffRow, results *Results, scope engine.Scope) (change, error) {
	env := row.New.Only(engine.TableMain)
	main := env.Main()
	prev := row.Old.Main()

	switch {
	case scope.SkipsFanout() || !mt.Pushed():
		main.ResetStatus()

	case mt.ControllerTable:
		ctrls, err := datastore.ReadOptional(ctx, tx, datastore.ReadRequest{
			Datastore: engine.DatastoreRunning,
			Table:     engine.TableController,
			Key:       env.Key,
		})
		if err != nil {
			return change{}, err
		}
		for _, c := range ctrls {
			if err := p.writeControllerRow(ctx, tx, mt, engine.OpUpdate, row, c.Owner, c, results); err != nil {
				return change{}, err
			}
		}
		if err := p.consolidate(ctx, tx, mt, env); err != nil {
			return change{}, err
		}

	default:
		owners, err := p.owners(ctx, tx, mt, engine.OpUpdate, row)
		if err != nil {
			return change{}, err
		}
		for _, o := range owners {
			p.stampMain(mt, engine.OpUpdate, row, o, prev, results, main)
		}
	}

	if err := tx.Write(ctx, engine.DatastoreRunning, engine.TableMain, engine.OpUpdate, env); err != nil {
		return change{}, err
	}
	p.logRow(ctx, engine.OpUpdate, env)
	return change{op: engine.OpUpdate, env: env}, nil
}

func (p *Pipeline) copyDelete(ctx context.Context, tx datastore.Tx, mt *registry.MOType, row datastore.DiffRow, results *Results, scope engine.Scope) (change, error) {
	env := row.Old.Only(engine.TableMain)
	result := func(o keyval.Ownership) keyval.ConfigStatus {
		if scope.SkipsFanout() {
			return keyval.StatusUnknown
		}
		return results.Status(engine.OpDelete, env.Key, o)
	}

	switch {
	case mt.ControllerTable:
		ctrls, err := datastore.ReadOptional(ctx, tx, datastore.ReadRequest{
			Datastore: engine.DatastoreRunning,
			Table:     engine.TableController,
			Key:       env.Key,
		})
		if err != nil {
			return change{}, err
		}
		for _, c := range ctrls {
			rec := c.Record(engine.TableController).Clone()
			status.UpdateConfigStatus(engine.OpDelete, result(c.Owner), nil, rec)
			gone := keyval.New(env.Key, rec).WithOwner(c.Owner)
			gone.Flags = c.Flags
			if err := datastore.Upsert(ctx, tx, engine.DatastoreRunning, engine.TableDeleted, gone); err != nil {
				return change{}, err
			}
			if err := tx.Write(ctx, engine.DatastoreRunning, engine.TableController, engine.OpDelete, c); err != nil {
				return change{}, err
			}
		}

	case mt.Owner != nil:
		o, err := mt.Owner(ctx, tx, engine.DatastoreRunning, row.Old)
		if err != nil {
			return change{}, err
		}
		rec := env.Main().Clone()
		status.UpdateConfigStatus(engine.OpDelete, result(o), nil, rec)
		gone := keyval.New(env.Key, rec).WithOwner(o)
		gone.Flags = env.Flags
		if err := datastore.Upsert(ctx, tx, engine.DatastoreRunning, engine.TableDeleted, gone); err != nil {
			return change{}, err
		}
	}

	if mt.Renameable {
		if err := p.resolver.Forget(ctx, tx, engine.DatastoreRunning, env.Key, keyval.Ownership{}); err != nil {
			return change{}, err
		}
	}
	if err := tx.Write(ctx, engine.DatastoreRunning, engine.TableMain, engine.OpDelete, env); err != nil {
		return change{}, err
	}
	p.logRow(ctx, engine.OpDelete, env)
	return change{op: engine.OpDelete, env: env}, nil
}

// writeControllerRow creates or updates the controller row of owner from
// the candidate row and stamps it with the controller's vote. prior is the
// stored controller row on update.
func (p *Pipeline) writeControllerRow(ctx context.Context, tx datastore.Tx, mt *registry.MOType, op engine.Operation, row datastore.DiffRow, owner keyval.Ownership, prior *keyval.Envelope, results *Results) error {
	env, table, ferr := p.outbound(mt, op, row, owner)
	rec := env.Record(table)
	result := results.Status(op, env.Key, owner)
	if ferr != nil {
		result = statusOf(ferr)
	}

	if prior == nil {
		status.UpdateConfigStatus(engine.OpCreate, result, nil, rec)
		return datastore.Upsert(ctx, tx, engine.DatastoreRunning, engine.TableController, env)
	}

	before := prior.Record(engine.TableController)
	env.Flags = prior.Flags
	status.MarkUnmodified(rec, before)
	status.UpdateConfigStatus(engine.OpUpdate, result, before, rec)
	status.RestoreModified(rec)
	return tx.Write(ctx, engine.DatastoreRunning, engine.TableController, engine.OpUpdate, env)
}

// stampMain carries the vote of the single owner of a row without
// controller rows onto the main record. Validity stays as configured.
func (p *Pipeline) stampMain(mt *registry.MOType, op engine.Operation, row datastore.DiffRow, owner keyval.Ownership, prev *keyval.Record, results *Results, main *keyval.Record) {
	probe, table, ferr := p.outbound(mt, op, row, owner)
	rec := probe.Record(table)
	result := results.Status(op, probe.Key, owner)
	if ferr != nil {
		result = statusOf(ferr)
	}
	if prev != nil {
		status.MarkUnmodified(rec, prev)
	}
	status.UpdateConfigStatus(op, result, prev, rec)

	main.Status = rec.Status
	for i := range main.Attrs {
		if a := rec.Attr(i); a != nil {
			main.Attrs[i].Status = a.Status
		}
	}
}

// consolidate recomputes the status of a main row from the controller rows
// written in tx.
func (p *Pipeline) consolidate(ctx context.Context, tx datastore.Tx, mt *registry.MOType, env *keyval.Envelope) error {
	res, err := p.reconciler.Consolidate(ctx, tx, engine.DatastoreRunning, env.Key, len(mt.Attrs))
	if err != nil {
		return err
	}
	res.Apply(env.Main())
	return nil
}

func (p *Pipeline) logRow(ctx context.Context, op engine.Operation, env *keyval.Envelope) {
	st := keyval.StatusUnknown
	if rec := env.Main(); rec != nil {
		st = rec.Status
	}
	telemetry.AddRowEvent(trace.SpanFromContext(ctx), env.Key.Path(), string(op), st.String())
	p.logger.Debug().
		Str("operation", string(op)).
		Str("key", env.Key.String()).
		Str("status", st.String()).
		Msg("Committed row")
}

// statusOf maps a capability rejection to the status it leaves on a row.
func statusOf(err error) keyval.ConfigStatus {
	return status.FromResult(engine.CodeOf(err))
}

// markUnmodified tags the attributes of the outbound record that an update
// leaves unchanged.
func markUnmodified(env *keyval.Envelope, prev *keyval.Record) {
	if prev == nil || len(env.Records) == 0 {
		return
	}
	status.MarkUnmodified(env.Records[0], prev)
}
