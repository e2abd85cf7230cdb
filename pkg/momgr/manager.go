// Package momgr is the managed-object manager: the entry point of the
// API layer. It validates requests and applies them to the candidate,
// serves reads from every datastore including the live controller state,
// and hands commits to the commit pipeline.
package momgr

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/upll/pkg/capability"
	"github.com/openfroyo/upll/pkg/commit"
	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/registry"
	"github.com/openfroyo/upll/pkg/rename"
	"github.com/openfroyo/upll/pkg/telemetry"
	"github.com/openfroyo/upll/pkg/validate"
)

// Config holds the dependencies of a manager.
type Config struct {
	Registry *registry.Registry
	Adapter  datastore.Adapter
	Pipeline *commit.Pipeline

	// Validator and Resolver are built from Registry when nil.
	Validator *validate.Pipeline
	Resolver  *rename.Resolver

	// Negotiator and Sender serve state reads; without a Sender state
	// reads are refused.
	Negotiator *capability.Negotiator
	Sender     commit.Sender

	Telemetry *telemetry.Telemetry
	Logger    zerolog.Logger
}

// Manager applies managed-object requests. It is safe for concurrent use;
// overlapping commits of the same scope are the caller's to prevent.
type Manager struct {
	reg        *registry.Registry
	adapter    datastore.Adapter
	pipeline   *commit.Pipeline
	validator  *validate.Pipeline
	resolver   *rename.Resolver
	negotiator *capability.Negotiator
	sender     commit.Sender
	tel        *telemetry.Telemetry
	logger     zerolog.Logger
}

// New creates a manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("datastore adapter is required")
	}
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("commit pipeline is required")
	}
	if cfg.Validator == nil {
		v, err := validate.New(cfg.Registry, cfg.Logger)
		if err != nil {
			return nil, err
		}
		cfg.Validator = v
	}
	if cfg.Resolver == nil {
		cfg.Resolver = rename.New(cfg.Registry, cfg.Logger)
	}

	return &Manager{
		reg:        cfg.Registry,
		adapter:    cfg.Adapter,
		pipeline:   cfg.Pipeline,
		validator:  cfg.Validator,
		resolver:   cfg.Resolver,
		negotiator: cfg.Negotiator,
		sender:     cfg.Sender,
		tel:        cfg.Telemetry,
		logger:     cfg.Logger.With().Str("component", "momgr").Logger(),
	}, nil
}

func (m *Manager) tracer() *telemetry.Tracer {
	if m.tel == nil {
		return nil
	}
	return m.tel.Tracer
}

func (m *Manager) metrics() *telemetry.Metrics {
	if m.tel == nil {
		return nil
	}
	return m.tel.Metrics
}

// instrument runs fn inside an operation span and counts its failure.
func (m *Manager) instrument(ctx context.Context, op engine.Operation, ds engine.Datastore, key keyval.Key, fn func(ctx context.Context) error) error {
	ctx, span := m.tracer().StartOperationSpan(ctx, string(op), string(ds), string(key.Type), key.Path())
	defer span.End()

	err := fn(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		m.metrics().RecordError(string(engine.CodeOf(err)))
		m.logger.Debug().
			Str("operation", string(op)).
			Str("datastore", string(ds)).
			Str("key", key.String()).
			Err(err).
			Msg("Request failed")
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

// checkScope refuses writes outside a tenant-scoped transaction.
func checkScope(mt *registry.MOType, scope engine.Scope, key keyval.Key, op engine.Operation) error {
	if datastore.InScope(scope, mt.Global, key) {
		return nil
	}
	return engine.Errorf(engine.CodeNotAllowedAtThisTime, "%s is outside the %s transaction", key, scope).
		WithKey(key.Type, key.Path()).
		WithOperation(op)
}

// CreateCandidateMo validates env and creates its row in the candidate.
func (m *Manager) CreateCandidateMo(ctx context.Context, scope engine.Scope, env *keyval.Envelope) error {
	if env == nil {
		return engine.Errorf(engine.CodeBadRequest, "create carries no envelope").WithOperation(engine.OpCreate)
	}
	return m.instrument(ctx, engine.OpCreate, engine.DatastoreCandidate, env.Key, func(ctx context.Context) error {
		mt, err := m.reg.Lookup(env.Key.Type)
		if err != nil {
			return err
		}
		err = m.validator.Validate(ctx, m.adapter, validate.Request{
			Operation: engine.OpCreate,
			Datastore: engine.DatastoreCandidate,
			Scope:     scope,
			Env:       env,
		})
		if err != nil {
			return err
		}
		if err := checkScope(mt, scope, env.Key, engine.OpCreate); err != nil {
			return err
		}

		row := env.Only(engine.TableMain)
		row.Main().Normalize()
		row.Main().ResetStatus()
		return m.adapter.Write(ctx, engine.DatastoreCandidate, engine.TableMain, engine.OpCreate, row)
	})
}

// UpdateMo validates env against the stored candidate row and overlays its
// VALID attributes on it. Cleared attributes are persisted as their zero
// value. Updates are refused in virtual mode.
func (m *Manager) UpdateMo(ctx context.Context, scope engine.Scope, env *keyval.Envelope) error {
	if env == nil {
		return engine.Errorf(engine.CodeBadRequest, "update carries no envelope").WithOperation(engine.OpUpdate)
	}
	return m.instrument(ctx, engine.OpUpdate, engine.DatastoreCandidate, env.Key, func(ctx context.Context) error {
		if scope.SkipsFanout() {
			return engine.Errorf(engine.CodeNotAllowedAtThisTime, "update is not allowed in %s mode", scope.Mode).
				WithKey(env.Key.Type, env.Key.Path()).
				WithOperation(engine.OpUpdate)
		}
		mt, err := m.reg.Lookup(env.Key.Type)
		if err != nil {
			return err
		}

		stored, err := m.adapter.Read(ctx, datastore.ReadRequest{
			Datastore: engine.DatastoreCandidate,
			Table:     engine.TableMain,
			Key:       env.Key,
		})
		if err != nil {
			return err
		}
		err = m.validator.Validate(ctx, m.adapter, validate.Request{
			Operation: engine.OpUpdate,
			Datastore: engine.DatastoreCandidate,
			Scope:     scope,
			Env:       env,
			Stored:    stored[0],
		})
		if err != nil {
			return err
		}
		if err := checkScope(mt, scope, env.Key, engine.OpUpdate); err != nil {
			return err
		}

		row := stored[0].Only(engine.TableMain)
		rec := row.Main()
		rec.Overlay(env.Main())
		rec.Normalize()
		return m.adapter.Write(ctx, engine.DatastoreCandidate, engine.TableMain, engine.OpUpdate, row)
	})
}

// DeleteMo deletes a candidate row together with its descendants. The row
// and its descendants must not be referenced by other objects.
func (m *Manager) DeleteMo(ctx context.Context, scope engine.Scope, key keyval.Key) error {
	return m.instrument(ctx, engine.OpDelete, engine.DatastoreCandidate, key, func(ctx context.Context) error {
		mt, err := m.reg.Lookup(key.Type)
		if err != nil {
			return err
		}
		err = m.validator.Validate(ctx, nil, validate.Request{
			Operation: engine.OpDelete,
			Datastore: engine.DatastoreCandidate,
			Scope:     scope,
			Env:       keyval.New(key),
		})
		if err != nil {
			return err
		}
		if err := checkScope(mt, scope, key, engine.OpDelete); err != nil {
			return err
		}

		tx, err := m.adapter.Begin(ctx)
		if err != nil {
			return err
		}
		n, err := m.cascade(ctx, tx, mt, key)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to commit delete of %s: %w", key, err)
		}

		m.logger.Debug().
			Str("key", key.String()).
			Int("rows", n).
			Msg("Deleted from candidate")
		return nil
	})
}

// cascade deletes key and its descendants in tx, deepest first, and returns
// the number of rows removed.
func (m *Manager) cascade(ctx context.Context, tx datastore.Tx, mt *registry.MOType, key keyval.Key) (int, error) {
	found, err := datastore.Exists(ctx, tx, engine.DatastoreCandidate, engine.TableMain, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, engine.Errorf(engine.CodeNoSuchInstance, "%s does not exist in the candidate", key).
			WithKey(key.Type, key.Path()).
			WithOperation(engine.OpDelete).
			WithDatastore(engine.DatastoreCandidate)
	}
	if err := m.refuseReferenced(ctx, tx, key); err != nil {
		return 0, err
	}

	n := 0
	for _, child := range m.reg.Children(mt.KeyType) {
		rows, err := datastore.ReadOptional(ctx, tx, datastore.ReadRequest{
			Datastore: engine.DatastoreCandidate,
			Table:     engine.TableMain,
			Key:       keyval.NewKey(child.KeyType, key.Parts...),
			Match:     datastore.MatchChildren,
		})
		if err != nil {
			return n, err
		}
		for _, r := range rows {
			c, err := m.cascade(ctx, tx, child, r.Key)
			n += c
			if err != nil {
				return n, err
			}
		}
	}

	if err := tx.Write(ctx, engine.DatastoreCandidate, engine.TableMain, engine.OpDelete, keyval.New(key)); err != nil {
		return n, err
	}
	return n + 1, nil
}

func (m *Manager) refuseReferenced(ctx context.Context, rd datastore.Reader, key keyval.Key) error {
	by, err := m.referrer(ctx, rd, engine.DatastoreCandidate, key)
	if err != nil {
		return err
	}
	if by == nil {
		return nil
	}
	return engine.Errorf(engine.CodeCfgSemantic, "%s is referenced by %s", key, by.Key).
		WithKey(key.Type, key.Path()).
		WithOperation(engine.OpDelete).
		WithDatastore(engine.DatastoreCandidate).
		WithDetail("referrer", by.Key.String())
}

// IsReferenced reports whether an object of ds references key.
func (m *Manager) IsReferenced(ctx context.Context, ds engine.Datastore, key keyval.Key) (bool, error) {
	by, err := m.referrer(ctx, m.adapter, ds, key)
	return by != nil, err
}

func (m *Manager) referrer(ctx context.Context, rd datastore.Reader, ds engine.Datastore, key keyval.Key) (*keyval.Envelope, error) {
	for _, ref := range m.reg.Referrers(key.Type) {
		rows, err := datastore.ReadOptional(ctx, rd, datastore.ReadRequest{
			Datastore: ds,
			Table:     engine.TableMain,
			Key:       keyval.NewKey(ref.Type.KeyType),
			Match:     datastore.MatchAll,
		})
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if target, ok := ref.Ref.Key(r); ok && target.Equal(key) {
				return r, nil
			}
		}
	}
	return nil, nil
}

// Rename records that owner knows the committed object canonical as local.
func (m *Manager) Rename(ctx context.Context, canonical keyval.Key, owner keyval.Ownership, local keyval.Key) error {
	return m.instrument(ctx, engine.OpUpdate, engine.DatastoreRunning, canonical, func(ctx context.Context) error {
		if owner.Controller == "" {
			return engine.Errorf(engine.CodeBadRequest, "rename needs a controller").WithKey(canonical.Type, canonical.Path())
		}
		found, err := datastore.Exists(ctx, m.adapter, engine.DatastoreRunning, engine.TableMain, canonical)
		if err != nil {
			return err
		}
		if !found {
			return engine.Errorf(engine.CodeNoSuchInstance, "%s is not committed", canonical).
				WithKey(canonical.Type, canonical.Path()).
				WithDatastore(engine.DatastoreRunning)
		}
		return m.resolver.Record(ctx, m.adapter, engine.DatastoreRunning, canonical, owner, local)
	})
}

// MergeValidate detects imported rows of kt that conflict with the candidate.
func (m *Manager) MergeValidate(ctx context.Context, kt engine.KeyType, scope engine.Scope) error {
	return m.pipeline.MergeValidate(ctx, kt, scope)
}

// TxUpdateController sends the pending changes of kt to the controllers.
func (m *Manager) TxUpdateController(ctx context.Context, kt engine.KeyType, scope engine.Scope) (*commit.Results, error) {
	return m.pipeline.TxUpdateController(ctx, kt, scope)
}

// TxCopyCandidateToRunning copies the pending changes of kt to running with
// the controller results of the vote.
func (m *Manager) TxCopyCandidateToRunning(ctx context.Context, kt engine.KeyType, results *commit.Results, scope engine.Scope) (int, error) {
	return m.pipeline.TxCopyCandidateToRunning(ctx, kt, results, scope)
}

// Commit commits every pending change within scope.
func (m *Manager) Commit(ctx context.Context, scope engine.Scope) (*commit.Report, error) {
	return m.pipeline.Commit(ctx, scope)
}
