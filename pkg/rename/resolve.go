package rename

import (
	"context"

	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/registry"
)

// ToControllerLocal rewrites env from canonical names to the names owner
// knows. The key fields of every renamed ancestor are replaced and each
// name reference is substituted with the local name of the first target
// type, in probe order, that has a rename row. Objects that were never
// renamed are left as they are.
func (r *Resolver) ToControllerLocal(ctx context.Context, rd datastore.Reader, ds engine.Datastore, env *keyval.Envelope, owner keyval.Ownership) error {
	mt, err := r.reg.Lookup(env.Key.Type)
	if err != nil {
		return err
	}
	chain, starts, err := r.lineage(mt)
	if err != nil {
		return err
	}

	local := env.Key.Clone()
	for i, t := range chain {
		canonical := env.Key.Prefix(t.KeyType, len(t.Keys))
		lk, ok, err := r.LocalName(ctx, rd, ds, canonical, owner)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if replaceTail(&local, lk, starts[i], len(t.Keys)) {
			env.Flags.Set(t.RenameFlag, true)
		}
	}

	for _, ref := range mt.NameRefs {
		if err := r.localizeRef(ctx, rd, ds, env, owner, ref); err != nil {
			return err
		}
	}

	env.Key = local
	return nil
}

func (r *Resolver) localizeRef(ctx context.Context, rd datastore.Reader, ds engine.Datastore, env *keyval.Envelope, owner keyval.Ownership, ref registry.NameRef) error {
	for _, rec := range env.Records {
		if !rec.Present(ref.Attr) {
			continue
		}
		name := rec.Attrs[ref.Attr].Value.Str
		for _, target := range ref.Targets {
			lk, ok, err := r.LocalName(ctx, rd, ds, ref.TargetKey(env, target, name), owner)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if n := lk.Part(len(lk.Parts) - 1); n != name {
				rec.Attrs[ref.Attr].Value = keyval.String(n)
				env.Flags.Set(ref.Flag, true)
			}
			break
		}
	}
	return nil
}

// ToCanonical rewrites env from the names owner reports to canonical
// names. A name without a rename row is already canonical. Unless
// TolerateMissing is given, the canonical parent must exist in the main
// table of ds.
func (r *Resolver) ToCanonical(ctx context.Context, rd datastore.Reader, ds engine.Datastore, env *keyval.Envelope, owner keyval.Ownership, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	mt, err := r.reg.Lookup(env.Key.Type)
	if err != nil {
		return err
	}
	chain, starts, err := r.lineage(mt)
	if err != nil {
		return err
	}

	reported := env.Key.Clone()
	canonical := env.Key.Clone()
	for i, t := range chain {
		if len(reported.Parts) < len(t.Keys) {
			break
		}
		ck, ok, err := r.CanonicalName(ctx, rd, ds, reported.Prefix(t.KeyType, len(t.Keys)), owner)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if replaceTail(&canonical, ck, starts[i], len(t.Keys)) {
			env.Flags.Set(t.RenameFlag, true)
		}
	}

	for _, ref := range mt.NameRefs {
		if err := r.canonicalizeRef(ctx, rd, ds, env, reported, owner, ref); err != nil {
			return err
		}
	}
	env.Key = canonical

	if mt.Parent == "" || o.tolerateMissing {
		return nil
	}
	pt, err := r.reg.Lookup(mt.Parent)
	if err != nil {
		return err
	}
	parent := mt.ParentKey(canonical, pt)
	found, err := datastore.Exists(ctx, rd, ds, engine.TableMain, parent)
	if err != nil {
		return err
	}
	if !found {
		return engine.Errorf(engine.CodeGeneric, "canonical parent %s of %s does not exist in %s", parent, reported, ds).
			WithKey(canonical.Type, canonical.Path()).
			WithDatastore(ds).
			WithDetail("controller", owner.Controller)
	}
	return nil
}

func (r *Resolver) canonicalizeRef(ctx context.Context, rd datastore.Reader, ds engine.Datastore, env *keyval.Envelope, reported keyval.Key, owner keyval.Ownership, ref registry.NameRef) error {
	for _, rec := range env.Records {
		if !rec.Present(ref.Attr) {
			continue
		}
		name := rec.Attrs[ref.Attr].Value.Str
		for _, target := range ref.Targets {
			// The reported envelope is scoped by the tenant name the controller knows.
			local := ref.TargetKey(&keyval.Envelope{Key: reported}, target, name)
			ck, ok, err := r.CanonicalName(ctx, rd, ds, local, owner)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if n := ck.Part(len(ck.Parts) - 1); n != name {
				rec.Attrs[ref.Attr].Value = keyval.String(n)
				env.Flags.Set(ref.Flag, true)
			}
			break
		}
	}
	return nil
}

// replaceTail copies fields [from, to) of src into dst and reports whether
// any of them changed.
func replaceTail(dst *keyval.Key, src keyval.Key, from, to int) bool {
	changed := false
	for i := from; i < to && i < len(dst.Parts) && i < len(src.Parts); i++ {
		if dst.Parts[i] != src.Parts[i] {
			dst.Parts[i] = src.Parts[i]
			changed = true
		}
	}
	return changed
}
