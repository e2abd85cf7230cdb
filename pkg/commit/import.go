package commit

import (
	"context"
	"fmt"

	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/registry"
	"github.com/openfroyo/upll/pkg/stores"
)

// StageImport loads the configuration imported from a controller into the
// import datastore. Every object's parent must be imported with it or
// before it.
func (p *Pipeline) StageImport(ctx context.Context, owner keyval.Ownership, envs []*keyval.Envelope) (int, error) {
	if owner.Controller == "" {
		return 0, engine.Errorf(engine.CodeBadRequest, "import needs a controller")
	}
	return p.stage(ctx, engine.DatastoreImport, engine.DatastoreImport, engine.TableMain, owner, envs)
}

// MergeValidate fails with MergeConflict when an imported row of kt exists
// in the candidate with another configuration.
func (p *Pipeline) MergeValidate(ctx context.Context, kt engine.KeyType, scope engine.Scope) error {
	mt, err := p.reg.Lookup(kt)
	if err != nil {
		return err
	}
	return p.mergeValidate(ctx, mt, scope)
}

func (p *Pipeline) mergeValidate(ctx context.Context, mt *registry.MOType, scope engine.Scope) error {
	conflicts, err := p.diff(ctx, mt, engine.OpUpdate, engine.DatastoreImport, engine.DatastoreCandidate, scope)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		return nil
	}

	first := conflicts[0].Key()
	p.logger.Warn().
		Str("key_type", string(mt.KeyType)).
		Str("key", first.String()).
		Int("conflicts", len(conflicts)).
		Msg("Import conflicts with candidate")
	return engine.Errorf(engine.CodeMergeConflict, "%d imported %s rows conflict with the candidate, first %s", len(conflicts), mt.KeyType, first.Path()).
		WithKey(mt.KeyType, first.Path()).
		WithDatastore(engine.DatastoreImport).
		WithDetail("conflicts", len(conflicts))
}

// MergeImportToCandidate adds the imported rows of kt missing from the
// candidate and clears them from the import datastore. Rows identical to
// the candidate are dropped. Parents must already be in the candidate, so
// key types merge in commit order. It returns the number of rows added.
func (p *Pipeline) MergeImportToCandidate(ctx context.Context, kt engine.KeyType, scope engine.Scope) (int, error) {
	mt, err := p.reg.Lookup(kt)
	if err != nil {
		return 0, err
	}
	if err := scope.Validate(); err != nil {
		return 0, engine.NewError(engine.CodeBadRequest, err.Error(), nil)
	}
	if err := p.mergeValidate(ctx, mt, scope); err != nil {
		return 0, err
	}
	rows, err := p.diff(ctx, mt, engine.OpCreate, engine.DatastoreImport, engine.DatastoreCandidate, scope)
	if err != nil {
		return 0, err
	}

	var parent *registry.MOType
	if mt.Parent != "" {
		if parent, err = p.reg.Lookup(mt.Parent); err != nil {
			return 0, err
		}
	}

	ep := stores.NewEpisode(stores.EpisodeKindImport, kt, scope)
	err = p.runEpisode(ctx, ep, func(ctx context.Context) (int, error) {
		tx, err := p.adapter.Begin(ctx)
		if err != nil {
			return 0, err
		}
		n, err := p.mergeRows(ctx, tx, mt, parent, rows, scope)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to commit import of %s: %w", kt, err)
		}
		return n, nil
	})
	return ep.Rows, err
}

func (p *Pipeline) mergeRows(ctx context.Context, tx datastore.Tx, mt, parent *registry.MOType, rows []datastore.DiffRow, scope engine.Scope) (int, error) {
	for _, row := range rows {
		env := row.New.Only(engine.TableMain)
		env.Main().ResetStatus()
		if parent != nil {
			pk := mt.ParentKey(env.Key, parent)
			found, err := datastore.Exists(ctx, tx, engine.DatastoreCandidate, engine.TableMain, pk)
			if err != nil {
				return 0, err
			}
			if !found {
				return 0, engine.Errorf(engine.CodeParentDoesNotExist, "parent %s of imported %s is not in the candidate", pk, env.Key).
					WithKey(env.Key.Type, env.Key.Path()).
					WithDatastore(engine.DatastoreCandidate)
			}
		}
		if err := tx.Write(ctx, engine.DatastoreCandidate, engine.TableMain, engine.OpCreate, env); err != nil {
			return 0, err
		}
	}

	err := tx.ExecuteTemplatedQuery(ctx, datastore.Query{
		Template: datastore.QueryClearTable,
		KeyType:  mt.KeyType,
		Table:    engine.TableMain,
		Dst:      engine.DatastoreImport,
		Scope:    scope,
		Global:   mt.Global,
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
