package commit

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/driver"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/registry"
)

type push struct {
	row   datastore.DiffRow
	owner keyval.Ownership
}

// TxUpdateController pushes every row of kt that differs between candidate
// and running to the controllers that carry it and collects their votes.
// Names are localized per controller and unsupported attributes are
// filtered before sending. Nothing is pushed in the virtual mode.
func (p *Pipeline) TxUpdateController(ctx context.Context, kt engine.KeyType, scope engine.Scope) (*Results, error) {
	mt, err := p.reg.Lookup(kt)
	if err != nil {
		return nil, err
	}
	if err := scope.Validate(); err != nil {
		return nil, engine.NewError(engine.CodeBadRequest, err.Error(), nil)
	}
	res := NewResults()
	if err := p.vote(ctx, mt, engine.CommitOperations, scope, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) vote(ctx context.Context, mt *registry.MOType, ops []engine.Operation, scope engine.Scope, res *Results) error {
	if scope.SkipsFanout() || !mt.Pushed() {
		return nil
	}

	for _, op := range ops {
		rows, err := p.diff(ctx, mt, op, engine.DatastoreCandidate, engine.DatastoreRunning, scope)
		if err != nil {
			return err
		}

		var pushes []push
		for _, row := range rows {
			owners, err := p.owners(ctx, p.adapter, mt, op, row)
			if err != nil {
				return err
			}
			for _, o := range owners {
				pushes = append(pushes, push{row: row, owner: o})
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.parallelism)
		for _, ps := range pushes {
			ps := ps
			g.Go(func() error {
				v, err := p.send(gctx, mt, op, ps)
				if err != nil {
					return err
				}
				res.Add(v)
				return nil
			})
		}
		// Every vote of op is in before the next operation starts.
		if err := g.Wait(); err != nil {
			return err
		}

		p.logger.Debug().
			Str("key_type", string(mt.KeyType)).
			Str("operation", string(op)).
			Int("rows", len(rows)).
			Int("pushes", len(pushes)).
			Msg("Controllers voted")
	}
	return nil
}

// send pushes one row to one controller. Capability rejections and driver
// failures become votes; adapter errors are returned.
func (p *Pipeline) send(ctx context.Context, mt *registry.MOType, op engine.Operation, ps push) (Vote, error) {
	key := ps.row.Key()
	v := Vote{Operation: op, Key: key, Owner: ps.owner}

	env, _, err := p.outbound(mt, op, ps.row, ps.owner)
	if err != nil {
		v.Result, v.Err = engine.CodeOf(err), err
		return v, nil
	}
	if op == engine.OpUpdate && ps.row.Old != nil {
		markUnmodified(env, ps.row.Old.Main())
	}

	if err := p.resolver.ToControllerLocal(ctx, p.adapter, engine.DatastoreRunning, env, ps.owner); err != nil {
		return v, err
	}

	resp := p.sender.Send(ctx, driver.Request{
		Operation: op,
		Datastore: engine.DatastoreCandidate,
		Owner:     ps.owner,
		Env:       env,
	})
	v.Result, v.Err = resp.Result, resp.Err
	return v, nil
}
