package momgr

import (
	"context"

	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/driver"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/registry"
	"github.com/openfroyo/upll/pkg/rename"
	"github.com/openfroyo/upll/pkg/validate"
)

// ReadRequest addresses the rows of a read.
type ReadRequest struct {
	Datastore engine.Datastore
	Scope     engine.Scope
	Key       keyval.Key

	// Option1 ReadDetail adds the controller rows after each main row.
	Option1 engine.ReadOption
	Option2 driver.Option2

	// Owner restricts controller rows and state reads to one controller.
	Owner keyval.Ownership

	// Limit caps sibling reads, 0 for no limit.
	Limit int
}

// ReadMo returns the row of req.Key. Reads of the state datastore are
// forwarded to the controllers carrying the object.
func (m *Manager) ReadMo(ctx context.Context, req ReadRequest) ([]*keyval.Envelope, error) {
	return m.read(ctx, engine.OpRead, datastore.MatchExact, req)
}

// ReadSiblingMo returns the rows sharing the parent of req.Key. The rows
// after the key are returned, or every sibling when begin is set.
func (m *Manager) ReadSiblingMo(ctx context.Context, req ReadRequest, begin bool) ([]*keyval.Envelope, error) {
	if begin {
		return m.read(ctx, engine.OpReadSiblingBegin, datastore.MatchSiblingBegin, req)
	}
	return m.read(ctx, engine.OpReadSibling, datastore.MatchSibling, req)
}

// ReadSiblingCount returns the number of rows sharing the parent of req.Key.
func (m *Manager) ReadSiblingCount(ctx context.Context, req ReadRequest) (int, error) {
	req.Option1 = engine.ReadNormal
	req.Limit = 0
	envs, err := m.read(ctx, engine.OpReadSiblingCount, datastore.MatchSiblingBegin, req)
	if engine.IsNoSuchInstance(err) {
		return 0, nil
	}
	return len(envs), err
}

func (m *Manager) read(ctx context.Context, op engine.Operation, match datastore.MatchMode, req ReadRequest) ([]*keyval.Envelope, error) {
	if req.Scope.Mode == "" {
		req.Scope = engine.GlobalScope()
	}
	var out []*keyval.Envelope
	err := m.instrument(ctx, op, req.Datastore, req.Key, func(ctx context.Context) error {
		mt, err := m.reg.Lookup(req.Key.Type)
		if err != nil {
			return err
		}
		if err := req.Datastore.Validate(); err != nil {
			return engine.NewError(engine.CodeBadRequest, err.Error(), nil).WithOperation(op)
		}
		err = m.validator.Validate(ctx, nil, validate.Request{
			Operation: op,
			Datastore: req.Datastore,
			Scope:     req.Scope,
			Env:       keyval.New(req.Key),
		})
		if err != nil {
			return err
		}

		if req.Datastore == engine.DatastoreState {
			out, err = m.readState(ctx, mt, op, req)
			return err
		}

		out, err = m.adapter.Read(ctx, datastore.ReadRequest{
			Datastore: req.Datastore,
			Table:     engine.TableMain,
			Key:       req.Key,
			Match:     match,
			Limit:     req.Limit,
			Scope:     req.Scope,
			Global:    mt.Global,
		})
		if err != nil {
			return err
		}
		if req.Option1 == engine.ReadDetail && mt.ControllerTable && req.Datastore.HasControllerTable() {
			out, err = m.withControllerRows(ctx, req, out)
		}
		return err
	})
	return out, err
}

// withControllerRows follows each main row with its controller rows.
func (m *Manager) withControllerRows(ctx context.Context, req ReadRequest, mains []*keyval.Envelope) ([]*keyval.Envelope, error) {
	out := make([]*keyval.Envelope, 0, len(mains))
	for _, main := range mains {
		out = append(out, main)
		ctrls, err := datastore.ReadOptional(ctx, m.adapter, datastore.ReadRequest{
			Datastore: req.Datastore,
			Table:     engine.TableController,
			Key:       main.Key,
			Owner:     req.Owner,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, ctrls...)
	}
	return out, nil
}

// readState asks every controller carrying the object for its live view and
// returns the replies in canonical names, tagged with their owner.
func (m *Manager) readState(ctx context.Context, mt *registry.MOType, op engine.Operation, req ReadRequest) ([]*keyval.Envelope, error) {
	if m.sender == nil {
		return nil, engine.Errorf(engine.CodeNotAllowedForThisDatatype, "state reads are not served").
			WithKey(req.Key.Type, req.Key.Path()).
			WithDatastore(engine.DatastoreState)
	}
	owners, err := m.stateOwners(ctx, mt, req)
	if err != nil {
		return nil, err
	}
	if len(owners) == 0 {
		return nil, engine.Errorf(engine.CodeNoSuchInstance, "%s is not committed to any controller", req.Key).
			WithKey(req.Key.Type, req.Key.Path()).
			WithDatastore(engine.DatastoreRunning)
	}

	var out []*keyval.Envelope
	for _, owner := range owners {
		env := keyval.New(req.Key.Clone(), mt.NewRecord(engine.TableMain))
		if m.negotiator != nil {
			if _, err := m.negotiator.Filter(env, engine.TableMain, owner, engine.OpRead, engine.DatastoreState); err != nil {
				return nil, err
			}
		}
		if err := m.resolver.ToControllerLocal(ctx, m.adapter, engine.DatastoreRunning, env, owner); err != nil {
			return nil, err
		}

		resp := m.sender.Send(ctx, driver.Request{
			Operation: op,
			Datastore: engine.DatastoreState,
			Option1:   req.Option1,
			Option2:   req.Option2,
			Owner:     owner,
			Env:       env,
		})
		if !resp.Result.IsSuccess() {
			if resp.Err != nil {
				return nil, resp.Err
			}
			return nil, engine.Errorf(resp.Result, "controller %s answered %s", owner.Controller, resp.Result).
				WithKey(req.Key.Type, req.Key.Path())
		}

		for _, r := range resp.Envs {
			r.Owner = owner
			if err := m.resolver.ToCanonical(ctx, m.adapter, engine.DatastoreRunning, r, owner, rename.TolerateMissing()); err != nil {
				return nil, err
			}
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, engine.Errorf(engine.CodeNoSuchInstance, "no controller reported %s", req.Key).
			WithKey(req.Key.Type, req.Key.Path()).
			WithDatastore(engine.DatastoreState)
	}
	datastore.SortEnvelopes(out)
	return out, nil
}

// stateOwners returns the controllers an object of running is pushed to.
func (m *Manager) stateOwners(ctx context.Context, mt *registry.MOType, req ReadRequest) ([]keyval.Ownership, error) {
	if mt.ControllerTable {
		rows, err := datastore.ReadOptional(ctx, m.adapter, datastore.ReadRequest{
			Datastore: engine.DatastoreRunning,
			Table:     engine.TableController,
			Key:       req.Key,
			Owner:     req.Owner,
		})
		if err != nil {
			return nil, err
		}
		owners := make([]keyval.Ownership, 0, len(rows))
		for _, r := range rows {
			owners = append(owners, r.Owner)
		}
		return owners, nil
	}
	if mt.Owner == nil {
		return nil, nil
	}

	found, err := datastore.Exists(ctx, m.adapter, engine.DatastoreRunning, engine.TableMain, req.Key)
	if err != nil || !found {
		return nil, err
	}
	owner, err := mt.Owner(ctx, m.adapter, engine.DatastoreRunning, keyval.New(req.Key))
	if err != nil {
		return nil, err
	}
	if !datastore.OwnerMatches(req.Owner, owner) {
		return nil, nil
	}
	return []keyval.Ownership{owner}, nil
}
