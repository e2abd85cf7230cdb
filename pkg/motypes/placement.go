package motypes

import (
	"context"
	"sort"

	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
)

// VnodeOwner returns the controller and domain a virtual node is placed on.
func VnodeOwner(ctx context.Context, r datastore.Reader, ds engine.Datastore, env *keyval.Envelope) (keyval.Ownership, error) {
	rec := env.Main()
	if rec == nil || !rec.Present(VnodeControllerID) {
		envs, err := r.Read(ctx, datastore.ReadRequest{Datastore: ds, Table: engine.TableMain, Key: env.Key})
		if err != nil {
			return keyval.Ownership{}, err
		}
		rec = envs[0].Main()
	}
	if rec == nil || !rec.Present(VnodeControllerID) {
		return keyval.Ownership{}, engine.Errorf(engine.CodeCfgSemantic, "%s has no controller", env.Key).
			WithKey(env.Key.Type, env.Key.Path())
	}
	return keyval.Ownership{
		Controller: rec.Attrs[VnodeControllerID].Value.Str,
		Domain:     rec.Attrs[VnodeDomainID].Value.Str,
	}, nil
}

// VTNPlacement returns the distinct owners of the virtual nodes of a tenant.
func VTNPlacement(ctx context.Context, r datastore.Reader, ds engine.Datastore, env *keyval.Envelope) ([]keyval.Ownership, error) {
	return tenantOwners(ctx, r, ds, env.Key.Part(0))
}

func tenantOwners(ctx context.Context, r datastore.Reader, ds engine.Datastore, vtn string) ([]keyval.Ownership, error) {
	seen := make(map[keyval.Ownership]bool)
	for _, kt := range Vnodes {
		envs, err := datastore.ReadOptional(ctx, r, datastore.ReadRequest{
			Datastore: ds,
			Table:     engine.TableMain,
			Key:       keyval.NewKey(kt, vtn),
			Match:     datastore.MatchChildren,
		})
		if err != nil {
			return nil, err
		}
		for _, e := range envs {
			o, err := VnodeOwner(ctx, r, ds, e)
			if err != nil {
				return nil, err
			}
			seen[o] = true
		}
	}
	return sortedOwners(seen), nil
}

// VTNFlowFilterPlacement places a tenant flow filter on every controller of its tenant.
func VTNFlowFilterPlacement(ctx context.Context, r datastore.Reader, ds engine.Datastore, env *keyval.Envelope) ([]keyval.Ownership, error) {
	return tenantOwners(ctx, r, ds, env.Key.Part(0))
}

// VBRFlowFilterOwner places a bridge flow filter on the controller of its bridge.
func VBRFlowFilterOwner(ctx context.Context, r datastore.Reader, ds engine.Datastore, env *keyval.Envelope) (keyval.Ownership, error) {
	bridge := keyval.NewKey(VBridge, env.Key.Part(0), env.Key.Part(1))
	return VnodeOwner(ctx, r, ds, keyval.New(bridge))
}

// FlowListPlacement places a flow list on every controller that carries a
// flow filter referencing it.
func FlowListPlacement(ctx context.Context, r datastore.Reader, ds engine.Datastore, env *keyval.Envelope) ([]keyval.Ownership, error) {
	return flowListOwners(ctx, r, ds, env.Key.Part(0))
}

// FlowListEntryPlacement follows the placement of the parent flow list.
func FlowListEntryPlacement(ctx context.Context, r datastore.Reader, ds engine.Datastore, env *keyval.Envelope) ([]keyval.Ownership, error) {
	return flowListOwners(ctx, r, ds, env.Key.Part(0))
}

func flowListOwners(ctx context.Context, r datastore.Reader, ds engine.Datastore, name string) ([]keyval.Ownership, error) {
	seen := make(map[keyval.Ownership]bool)

	vtnFilters, err := datastore.ReadOptional(ctx, r, datastore.ReadRequest{
		Datastore: ds,
		Table:     engine.TableMain,
		Key:       keyval.NewKey(VTNFlowFilterEntry),
		Match:     datastore.MatchAll,
	})
	if err != nil {
		return nil, err
	}
	tenants := make(map[string]bool)
	for _, e := range vtnFilters {
		if referencesFlowList(e, VTNFFFlowListName, name) {
			tenants[e.Key.Part(0)] = true
		}
	}
	for vtn := range tenants {
		owners, err := tenantOwners(ctx, r, ds, vtn)
		if err != nil {
			return nil, err
		}
		for _, o := range owners {
			seen[o] = true
		}
	}

	vbrFilters, err := datastore.ReadOptional(ctx, r, datastore.ReadRequest{
		Datastore: ds,
		Table:     engine.TableMain,
		Key:       keyval.NewKey(VBRFlowFilterEntry),
		Match:     datastore.MatchAll,
	})
	if err != nil {
		return nil, err
	}
	for _, e := range vbrFilters {
		if !referencesFlowList(e, VBRFFFlowListName, name) {
			continue
		}
		o, err := VBRFlowFilterOwner(ctx, r, ds, e)
		if err != nil {
			return nil, err
		}
		seen[o] = true
	}

	return sortedOwners(seen), nil
}

func referencesFlowList(env *keyval.Envelope, attr int, name string) bool {
	rec := env.Main()
	return rec != nil && rec.Present(attr) && rec.Attrs[attr].Value.Str == name
}

func sortedOwners(set map[keyval.Ownership]bool) []keyval.Ownership {
	out := make([]keyval.Ownership, 0, len(set))
	for o := range set {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}
