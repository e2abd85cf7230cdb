package commit

import (
	"context"
	"fmt"
	"sort"

	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/rename"
)

// stage writes rows reported by owner into table t of ds, translated to
// canonical names with the rename rows of names. Rows are written parents
// first so a parent staged in the same call is found.
func (p *Pipeline) stage(ctx context.Context, ds, names engine.Datastore, t engine.Table, owner keyval.Ownership, envs []*keyval.Envelope, opts ...rename.Option) (int, error) {
	rank, err := p.commitRank()
	if err != nil {
		return 0, err
	}
	sorted := keyval.CloneAll(envs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return rank[sorted[i].Key.Type] < rank[sorted[j].Key.Type]
	})

	tx, err := p.adapter.Begin(ctx)
	if err != nil {
		return 0, err
	}
	for _, env := range sorted {
		if err := p.stageRow(ctx, tx, ds, names, t, owner, env, opts...); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to stage %s rows: %w", ds, err)
	}

	p.logger.Debug().
		Str("datastore", string(ds)).
		Str("controller", owner.Controller).
		Int("rows", len(sorted)).
		Msg("Staged controller rows")
	return len(sorted), nil
}

func (p *Pipeline) stageRow(ctx context.Context, tx datastore.Tx, ds, names engine.Datastore, t engine.Table, owner keyval.Ownership, env *keyval.Envelope, opts ...rename.Option) error {
	mt, err := p.reg.Lookup(env.Key.Type)
	if err != nil {
		return err
	}
	if len(env.Key.Parts) != len(mt.Keys) {
		return engine.Errorf(engine.CodeBadRequest, "%s needs %d key fields, got %d", mt.KeyType, len(mt.Keys), len(env.Key.Parts)).
			WithKey(env.Key.Type, env.Key.Path())
	}

	src := env.Main()
	if src == nil && len(env.Records) > 0 {
		src = env.Records[0]
	}
	rec := mt.NewRecord(t)
	if src != nil {
		rec.Overlay(src)
	}
	rec.Normalize()
	rec.ResetStatus()
	env.Records = []*keyval.Record{rec}

	if err := p.resolver.ToCanonical(ctx, tx, names, env, owner, opts...); err != nil {
		return err
	}
	env.Owner = keyval.Ownership{}
	if t.HasOwner() {
		env.Owner = owner
	}
	return datastore.Upsert(ctx, tx, ds, t, env)
}

func (p *Pipeline) commitRank() (map[engine.KeyType]int, error) {
	order, err := p.reg.CommitOrder()
	if err != nil {
		return nil, err
	}
	rank := make(map[engine.KeyType]int, len(order))
	for i, mt := range order {
		rank[mt.KeyType] = i
	}
	return rank, nil
}
