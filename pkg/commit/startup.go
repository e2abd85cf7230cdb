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

// SaveStartup replaces the startup configuration with running: the main
// rows of every key type and the rename rows of renameable ones.
func (p *Pipeline) SaveStartup(ctx context.Context) (int, error) {
	return p.bulk(ctx, stores.EpisodeKindStartup, engine.GlobalScope(), func(mt *registry.MOType) []datastore.Query {
		qs := []datastore.Query{copyQuery(mt, engine.TableMain, engine.DatastoreRunning, engine.DatastoreStartup)}
		if mt.Renameable {
			qs = append(qs, copyQuery(mt, engine.TableRename, engine.DatastoreRunning, engine.DatastoreStartup))
		}
		return qs
	}, engine.DatastoreRunning)
}

// LoadStartup makes the startup configuration the candidate and empties
// running, so the next commit pushes every object again. Rename rows are
// restored to running.
func (p *Pipeline) LoadStartup(ctx context.Context) (int, error) {
	return p.bulk(ctx, stores.EpisodeKindStartup, engine.GlobalScope(), func(mt *registry.MOType) []datastore.Query {
		qs := []datastore.Query{
			copyQuery(mt, engine.TableMain, engine.DatastoreStartup, engine.DatastoreCandidate),
			clearQuery(mt, engine.TableMain, engine.DatastoreRunning),
			clearQuery(mt, engine.TableController, engine.DatastoreRunning),
			clearQuery(mt, engine.TableDeleted, engine.DatastoreRunning),
		}
		if mt.Renameable {
			qs = append(qs, copyQuery(mt, engine.TableRename, engine.DatastoreStartup, engine.DatastoreRunning))
		}
		return qs
	}, engine.DatastoreStartup)
}

// AbortCandidate discards the uncommitted changes within scope by copying
// running back over the candidate.
func (p *Pipeline) AbortCandidate(ctx context.Context, scope engine.Scope) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, engine.NewError(engine.CodeBadRequest, err.Error(), nil)
	}
	return p.bulk(ctx, stores.EpisodeKindAbort, scope, func(mt *registry.MOType) []datastore.Query {
		q := copyQuery(mt, engine.TableMain, engine.DatastoreRunning, engine.DatastoreCandidate)
		q.Scope = scope
		return []datastore.Query{q}
	}, engine.DatastoreRunning)
}

// bulk runs the queries of every key type in one transaction. The episode
// counts the main rows of src within scope.
func (p *Pipeline) bulk(ctx context.Context, kind stores.EpisodeKind, scope engine.Scope, queries func(mt *registry.MOType) []datastore.Query, src engine.Datastore) (int, error) {
	order, err := p.reg.CommitOrder()
	if err != nil {
		return 0, err
	}

	ep := stores.NewEpisode(kind, "", scope)
	err = p.runEpisode(ctx, ep, func(ctx context.Context) (int, error) {
		tx, err := p.adapter.Begin(ctx)
		if err != nil {
			return 0, err
		}
		n := 0
		for _, mt := range order {
			rows, err := datastore.ReadOptional(ctx, tx, datastore.ReadRequest{
				Datastore: src,
				Table:     engine.TableMain,
				Key:       keyval.NewKey(mt.KeyType),
				Match:     datastore.MatchAll,
				Scope:     scope,
				Global:    mt.Global,
			})
			if err != nil {
				_ = tx.Rollback()
				return 0, err
			}
			n += len(rows)
			for _, q := range queries(mt) {
				if err := tx.ExecuteTemplatedQuery(ctx, q); err != nil {
					_ = tx.Rollback()
					return 0, fmt.Errorf("failed to run %s on %s %s: %w", q.Template, mt.KeyType, q.Table, err)
				}
			}
		}
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to commit %s: %w", kind, err)
		}
		return n, nil
	})
	return ep.Rows, err
}

func copyQuery(mt *registry.MOType, t engine.Table, src, dst engine.Datastore) datastore.Query {
	return datastore.Query{
		Template: datastore.QueryCopyTable,
		KeyType:  mt.KeyType,
		Table:    t,
		Src:      src,
		Dst:      dst,
		Scope:    engine.GlobalScope(),
		Global:   mt.Global,
	}
}

func clearQuery(mt *registry.MOType, t engine.Table, dst engine.Datastore) datastore.Query {
	return datastore.Query{
		Template: datastore.QueryClearTable,
		KeyType:  mt.KeyType,
		Table:    t,
		Dst:      dst,
		Scope:    engine.GlobalScope(),
		Global:   mt.Global,
	}
}
