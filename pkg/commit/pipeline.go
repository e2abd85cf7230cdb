// Package commit moves configuration between datastores: the candidate to
// running commit with its per-controller fan-out, the audit resync of one
// controller, the import merge into the candidate and the startup copies.
package commit

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/upll/pkg/capability"
	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/driver"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/registry"
	"github.com/openfroyo/upll/pkg/rename"
	"github.com/openfroyo/upll/pkg/status"
	"github.com/openfroyo/upll/pkg/stores"
	"github.com/openfroyo/upll/pkg/telemetry"
)

// DefaultParallelism is the number of driver calls in flight per operation.
const DefaultParallelism = 8

// Sender delivers one request to a controller driver.
type Sender interface {
	Send(ctx context.Context, req driver.Request) driver.Response
}

// Config holds the dependencies of a pipeline. Journal and Telemetry are optional.
type Config struct {
	Registry   *registry.Registry
	Adapter    datastore.Adapter
	Negotiator *capability.Negotiator
	Resolver   *rename.Resolver
	Sender     Sender
	Journal    stores.Journal
	Telemetry  *telemetry.Telemetry
	Logger     zerolog.Logger

	// Parallelism bounds concurrent driver calls, DefaultParallelism when 0.
	Parallelism int
}

// Pipeline runs commit, audit, import and startup episodes.
type Pipeline struct {
	reg         *registry.Registry
	adapter     datastore.Adapter
	negotiator  *capability.Negotiator
	resolver    *rename.Resolver
	sender      Sender
	reconciler  *status.Reconciler
	journal     stores.Journal
	tel         *telemetry.Telemetry
	logger      zerolog.Logger
	parallelism int
}

// New creates a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("datastore adapter is required")
	}
	if cfg.Negotiator == nil {
		return nil, fmt.Errorf("capability negotiator is required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("driver sender is required")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = rename.New(cfg.Registry, cfg.Logger)
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}

	return &Pipeline{
		reg:         cfg.Registry,
		adapter:     cfg.Adapter,
		negotiator:  cfg.Negotiator,
		resolver:    cfg.Resolver,
		sender:      cfg.Sender,
		reconciler:  status.NewReconciler(cfg.Logger),
		journal:     cfg.Journal,
		tel:         cfg.Telemetry,
		logger:      cfg.Logger.With().Str("component", "commit").Logger(),
		parallelism: cfg.Parallelism,
	}, nil
}

func (p *Pipeline) metrics() *telemetry.Metrics {
	if p.tel == nil {
		return nil
	}
	return p.tel.Metrics
}

func (p *Pipeline) events() *telemetry.EventPublisher {
	if p.tel == nil {
		return nil
	}
	return p.tel.Events
}

// diff materializes the main-table rows that differ between two datastores.
func (p *Pipeline) diff(ctx context.Context, mt *registry.MOType, op engine.Operation, newDS, oldDS engine.Datastore, scope engine.Scope) ([]datastore.DiffRow, error) {
	cur, err := p.adapter.Diff(ctx, datastore.DiffRequest{
		KeyType: mt.KeyType,
		Table:   engine.TableMain,
		New:     newDS,
		Old:     oldDS,
		Op:      op,
		Scope:   scope,
		Global:  mt.Global,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s %s: %w", mt.KeyType, op, err)
	}
	return datastore.Collect(cur)
}

// dirty reports whether any of ops has a differing row for mt.
func (p *Pipeline) dirty(ctx context.Context, mt *registry.MOType, ops []engine.Operation, scope engine.Scope) (bool, error) {
	for _, op := range ops {
		d, err := p.adapter.IsTableDirty(ctx, datastore.DiffRequest{
			KeyType: mt.KeyType,
			Table:   engine.TableMain,
			New:     engine.DatastoreCandidate,
			Old:     engine.DatastoreRunning,
			Op:      op,
			Scope:   scope,
			Global:  mt.Global,
		})
		if err != nil {
			return false, err
		}
		if d {
			return true, nil
		}
	}
	return false, nil
}

// owners returns the controllers a differing row is pushed to. Creates
// follow the placement of the candidate row; updates and deletes go to the
// controllers that hold the row in running.
func (p *Pipeline) owners(ctx context.Context, rd datastore.Reader, mt *registry.MOType, op engine.Operation, row datastore.DiffRow) ([]keyval.Ownership, error) {
	if mt.ControllerTable {
		if op == engine.OpCreate {
			if mt.Placement == nil {
				return nil, nil
			}
			return mt.Placement(ctx, rd, engine.DatastoreCandidate, row.New)
		}
		rows, err := datastore.ReadOptional(ctx, rd, datastore.ReadRequest{
			Datastore: engine.DatastoreRunning,
			Table:     engine.TableController,
			Key:       row.Key(),
		})
		if err != nil {
			return nil, err
		}
		out := make([]keyval.Ownership, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.Owner)
		}
		return out, nil
	}

	if mt.Owner == nil {
		return nil, nil
	}
	env, ds := row.New, engine.DatastoreCandidate
	if op == engine.OpDelete {
		env, ds = row.Old, engine.DatastoreRunning
	}
	o, err := mt.Owner(ctx, rd, ds, env)
	if err != nil {
		return nil, err
	}
	return []keyval.Ownership{o}, nil
}

// outbound builds the record a controller receives for one row. The
// returned error is the capability rejection, if any; the envelope is
// still usable for recording status.
func (p *Pipeline) outbound(mt *registry.MOType, op engine.Operation, row datastore.DiffRow, owner keyval.Ownership) (*keyval.Envelope, engine.Table, error) {
	src, table := row.New, engine.TableController
	if op == engine.OpDelete {
		src = row.Old
	}
	if !mt.ControllerTable {
		table = engine.TableMain
	}

	rec := src.Main().CloneAs(table)
	env := keyval.New(src.Key.Clone(), rec).WithOwner(owner)
	env.Flags = src.Flags
	_, err := p.negotiator.Filter(env, table, owner, op, engine.DatastoreCandidate)
	return env, table, err
}
