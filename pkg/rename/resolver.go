// Package rename translates names between the canonical namespace and the
// controller-local namespace of each controller.
//
// A rename row is keyed by the canonical key of a renameable object and
// owned by the controller the name applies to. Its record holds the
// controller-local value of every key field.
package rename

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/registry"
)

type options struct {
	tolerateMissing bool
}

// Option configures a resolution.
type Option func(*options)

// TolerateMissing accepts a canonical key whose parent is absent.
func TolerateMissing() Option {
	return func(o *options) {
		o.tolerateMissing = true
	}
}

// Resolver rewrites envelope keys and name references. It holds no state
// besides the registry; rename rows are read from the datastore handed to
// each call.
type Resolver struct {
	reg    *registry.Registry
	logger zerolog.Logger
}

// New creates a resolver.
func New(reg *registry.Registry, logger zerolog.Logger) *Resolver {
	return &Resolver{
		reg:    reg,
		logger: logger.With().Str("component", "rename").Logger(),
	}
}

// Record stores the controller-local key of a canonical key for owner.
func (r *Resolver) Record(ctx context.Context, w datastore.ReadWriter, ds engine.Datastore, canonical keyval.Key, owner keyval.Ownership, local keyval.Key) error {
	mt, err := r.reg.Lookup(canonical.Type)
	if err != nil {
		return err
	}
	if !mt.Renameable {
		return engine.Errorf(engine.CodeNotAllowedForThisKeyType, "%s cannot be renamed", mt.KeyType).
			WithKey(canonical.Type, canonical.Path())
	}
	if owner.IsZero() {
		return engine.Errorf(engine.CodeBadRequest, "rename of %s needs a controller", canonical).
			WithKey(canonical.Type, canonical.Path())
	}
	if len(local.Parts) != len(mt.Keys) || len(canonical.Parts) != len(mt.Keys) {
		return engine.Errorf(engine.CodeBadRequest, "rename of %s needs %d key fields", canonical, len(mt.Keys)).
			WithKey(canonical.Type, canonical.Path())
	}

	rec := keyval.NewRecord(engine.TableRename, len(mt.Keys))
	for i, p := range local.Parts {
		rec.Set(i, keyval.String(p))
	}
	env := keyval.New(canonical, rec)
	env.Owner = owner
	if err := datastore.Upsert(ctx, w, ds, engine.TableRename, env); err != nil {
		return err
	}
	r.logger.Debug().
		Str("key", canonical.String()).
		Str("controller", owner.Controller).
		Str("local", local.Path()).
		Msg("Recorded rename")
	return nil
}

// Forget removes the rename rows of a canonical key. A zero owner removes
// the rows of every controller.
func (r *Resolver) Forget(ctx context.Context, w datastore.ReadWriter, ds engine.Datastore, canonical keyval.Key, owner keyval.Ownership) error {
	if !owner.IsZero() {
		return datastore.DeleteOptional(ctx, w, ds, engine.TableRename, keyval.New(canonical).WithOwner(owner))
	}
	rows, err := datastore.ReadOptional(ctx, w, datastore.ReadRequest{
		Datastore: ds,
		Table:     engine.TableRename,
		Key:       canonical,
	})
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := datastore.DeleteOptional(ctx, w, ds, engine.TableRename, row); err != nil {
			return err
		}
	}
	return nil
}

// LocalName returns the controller-local key of a canonical key, or false
// when the object was never renamed for that controller.
func (r *Resolver) LocalName(ctx context.Context, rd datastore.Reader, ds engine.Datastore, canonical keyval.Key, owner keyval.Ownership) (keyval.Key, bool, error) {
	rows, err := datastore.ReadOptional(ctx, rd, datastore.ReadRequest{
		Datastore: ds,
		Table:     engine.TableRename,
		Key:       canonical,
		Owner:     keyval.Ownership{Controller: owner.Controller},
		Limit:     1,
	})
	if err != nil || len(rows) == 0 {
		return keyval.Key{}, false, err
	}
	return localKey(canonical.Type, rows[0]), true, nil
}

// CanonicalName returns the canonical key of an object known to the
// controller as local, or false when no rename row maps it.
func (r *Resolver) CanonicalName(ctx context.Context, rd datastore.Reader, ds engine.Datastore, local keyval.Key, owner keyval.Ownership) (keyval.Key, bool, error) {
	rows, err := datastore.ReadOptional(ctx, rd, datastore.ReadRequest{
		Datastore: ds,
		Table:     engine.TableRename,
		Key:       keyval.NewKey(local.Type),
		Match:     datastore.MatchAll,
		Owner:     keyval.Ownership{Controller: owner.Controller},
	})
	if err != nil {
		return keyval.Key{}, false, err
	}
	for _, row := range rows {
		if localKey(local.Type, row).Equal(local) {
			return row.Key, true, nil
		}
	}
	return keyval.Key{}, false, nil
}

func localKey(kt engine.KeyType, row *keyval.Envelope) keyval.Key {
	rec := row.Record(engine.TableRename)
	if rec == nil {
		return row.Key
	}
	parts := make([]string, rec.Len())
	for i := range rec.Attrs {
		parts[i] = rec.Attrs[i].Value.Str
	}
	return keyval.NewKey(kt, parts...)
}

// lineage returns the renameable types whose key is a prefix of a key of
// mt, root first, with the index of the first key field each one owns.
func (r *Resolver) lineage(mt *registry.MOType) ([]*registry.MOType, []int, error) {
	var chain []*registry.MOType
	for t := mt; t != nil; {
		chain = append([]*registry.MOType{t}, chain...)
		if t.Parent == "" {
			break
		}
		parent, err := r.reg.Lookup(t.Parent)
		if err != nil {
			return nil, nil, err
		}
		t = parent
	}

	var out []*registry.MOType
	var starts []int
	prev := 0
	for _, t := range chain {
		if t.Renameable {
			out = append(out, t)
			starts = append(starts, prev)
		}
		prev = len(t.Keys)
	}
	return out, starts, nil
}
