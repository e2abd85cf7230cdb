// Package validate gates every request before it reaches a datastore: key
// and value syntax, the update policy for cleared attributes, per-type
// rules spanning several attributes, and cross-object references.
package validate

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/registry"
)

// Request is one request to validate.
type Request struct {
	Operation engine.Operation
	Datastore engine.Datastore
	Scope     engine.Scope

	// Env is the envelope as submitted. Its main record is normalized in place.
	Env *keyval.Envelope

	// Stored is the current row for updates, nil otherwise.
	Stored *keyval.Envelope
}

// Pipeline runs the validation stages. It is safe for concurrent use.
type Pipeline struct {
	reg    *registry.Registry
	fields *validator.Validate
	logger zerolog.Logger
}

// New creates a validation pipeline over the registered types.
func New(reg *registry.Registry, logger zerolog.Logger) (*Pipeline, error) {
	fields, err := newFieldValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to register field rules: %w", err)
	}
	return &Pipeline{
		reg:    reg,
		fields: fields,
		logger: logger.With().Str("component", "validate").Logger(),
	}, nil
}

// Validate runs every stage and returns the first violation.
//
// Stages, in order: key syntax, value syntax, the cleared-attribute policy,
// immutability and required attributes, per-type rules on the effective
// record, parent existence and references. rd is read for the parent and for
// referenced objects; it is not needed for deletes and reads.
func (p *Pipeline) Validate(ctx context.Context, rd datastore.Reader, req Request) error {
	if req.Env == nil {
		return engine.Errorf(engine.CodeBadRequest, "request carries no envelope").WithOperation(req.Operation)
	}
	key := req.Env.Key
	mt, err := p.reg.Lookup(key.Type)
	if err != nil {
		return err
	}
	if err := req.Scope.Validate(); err != nil {
		return engine.NewError(engine.CodeBadRequest, err.Error(), nil).WithOperation(req.Operation)
	}

	if err := p.checkKey(mt, req.Operation, key); err != nil {
		return err
	}

	rec := req.Env.Main()
	switch {
	case rec != nil:
	case req.Operation == engine.OpCreate:
		rec = mt.NewRecord(engine.TableMain)
		req.Env.SetRecord(rec)
	case req.Operation == engine.OpUpdate:
		return engine.Errorf(engine.CodeBadRequest, "update of %s carries no value", key).
			WithKey(key.Type, key.Path()).WithOperation(req.Operation)
	default:
		return nil
	}

	if err := p.checkValue(mt, req.Operation, key, rec); err != nil {
		return err
	}
	cleared := clearedAttrs(rec)
	applyClearPolicy(req.Operation, rec)

	effective := rec
	if req.Operation == engine.OpUpdate && req.Stored != nil && req.Stored.Main() != nil {
		if err := checkImmutable(mt, key, rec, req.Stored.Main()); err != nil {
			return err
		}
		effective = req.Stored.Main().Clone()
		effective.Overlay(rec)
	}
	if req.Operation == engine.OpCreate {
		for i, d := range mt.Attrs {
			if d.Required && !rec.IsValid(i) {
				return syntaxError(key, req.Operation, "attribute %s is required", d.Name)
			}
		}
	}

	var parent *keyval.Envelope
	if mt.Parent != "" && rd != nil && (req.Operation == engine.OpCreate || req.Operation == engine.OpUpdate) {
		pt, err := p.reg.Lookup(mt.Parent)
		if err != nil {
			return err
		}
		envs, err := datastore.ReadOptional(ctx, rd, datastore.ReadRequest{
			Datastore: req.Datastore,
			Table:     engine.TableMain,
			Key:       mt.ParentKey(key, pt),
		})
		if err != nil {
			return err
		}
		if len(envs) > 0 {
			parent = envs[0]
		}
	}

	checked := effective
	if len(cleared) > 0 {
		checked = effective.Clone()
		for _, i := range cleared {
			checked.Unset(i)
		}
	}
	in := registry.CheckInput{
		Operation: req.Operation,
		Request:   req.Env,
		Record:    checked,
		Parent:    parent,
		Attrs:     mt.Attrs,
	}
	for _, check := range mt.Checks {
		if err := check(in); err != nil {
			return err
		}
	}

	if req.Operation != engine.OpCreate && req.Operation != engine.OpUpdate {
		return nil
	}
	if mt.Parent != "" && parent == nil && req.Operation == engine.OpCreate {
		return engine.Errorf(engine.CodeParentDoesNotExist, "parent %s of %s does not exist in %s", mt.Parent, key, req.Datastore).
			WithKey(key.Type, key.Path()).WithOperation(req.Operation).WithDatastore(req.Datastore)
	}
	if rd == nil {
		return nil
	}
	return p.checkReferences(ctx, rd, mt, req, keyval.New(key, effective))
}

// clearedAttrs returns the indices the request asks to clear. The type
// checks see them as absent.
func clearedAttrs(rec *keyval.Record) []int {
	var out []int
	for i := range rec.Attrs {
		if rec.Attrs[i].Valid == keyval.ValidNoValue {
			out = append(out, i)
		}
	}
	return out
}

// applyClearPolicy resolves VALID_NO_VALUE. On update the attribute is reset
// to its zero value and persisted as VALID; on create there is nothing to
// clear and the attribute is dropped.
func applyClearPolicy(op engine.Operation, rec *keyval.Record) {
	for i := range rec.Attrs {
		if rec.Attrs[i].Valid != keyval.ValidNoValue {
			continue
		}
		switch op {
		case engine.OpUpdate:
			rec.Attrs[i].Value = keyval.Value{}
			rec.Attrs[i].Valid = keyval.Valid
		case engine.OpCreate:
			rec.Attrs[i] = keyval.Attr{}
		}
	}
}

func checkImmutable(mt *registry.MOType, key keyval.Key, rec, stored *keyval.Record) error {
	for i, d := range mt.Attrs {
		if !d.Immutable || !rec.Attrs[i].Valid.IsSet() || !stored.IsValid(i) {
			continue
		}
		if !rec.Attrs[i].Value.Equal(stored.Attrs[i].Value) {
			return syntaxError(key, engine.OpUpdate, "attribute %s cannot be modified", d.Name)
		}
	}
	return nil
}

// checkReferences requires every referenced object to exist in the
// datastore of the request and, for a tenant-scoped candidate change, to be
// committed to running as well.
func (p *Pipeline) checkReferences(ctx context.Context, rd datastore.Reader, mt *registry.MOType, req Request, effective *keyval.Envelope) error {
	for _, ref := range mt.References {
		target, ok := ref.Key(effective)
		if !ok {
			continue
		}
		found, err := datastore.Exists(ctx, rd, req.Datastore, engine.TableMain, target)
		if err != nil {
			return err
		}
		if !found {
			return engine.Errorf(engine.CodeParentDoesNotExist, "referenced %s does not exist in %s", target, req.Datastore).
				WithKey(effective.Key.Type, effective.Key.Path()).
				WithOperation(req.Operation).
				WithDatastore(req.Datastore)
		}

		if req.Scope.Mode != engine.ModeVTN || req.Datastore != engine.DatastoreCandidate {
			continue
		}
		committed, err := datastore.Exists(ctx, rd, engine.DatastoreRunning, engine.TableMain, target)
		if err != nil {
			return err
		}
		if !committed {
			p.logger.Debug().
				Str("key", effective.Key.String()).
				Str("reference", target.String()).
				Msg("Reference not committed to running")
			return engine.Errorf(engine.CodeCfgSemantic, "referenced %s is not committed to running", target).
				WithKey(effective.Key.Type, effective.Key.Path()).
				WithOperation(req.Operation).
				WithDatastore(engine.DatastoreRunning)
		}
	}
	return nil
}
