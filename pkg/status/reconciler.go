package status

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
)

// Reconciler recomputes main-row statuses from stored controller rows.
type Reconciler struct {
	logger zerolog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(logger zerolog.Logger) *Reconciler {
	return &Reconciler{logger: logger.With().Str("component", "status").Logger()}
}

// Consolidate reads every controller row of key in ds, skipping the owners
// listed in exclude, and consolidates their statuses. A key with no
// controller rows consolidates to UNKNOWN.
func (r *Reconciler) Consolidate(ctx context.Context, rd datastore.Reader, ds engine.Datastore, key keyval.Key, attrs int, exclude ...keyval.Ownership) (Result, error) {
	envs, err := datastore.ReadOptional(ctx, rd, datastore.ReadRequest{
		Datastore: ds,
		Table:     engine.TableController,
		Key:       key,
		Match:     datastore.MatchExact,
	})
	if err != nil {
		return Result{}, err
	}

	skip := make(map[keyval.Ownership]bool, len(exclude))
	for _, o := range exclude {
		skip[o] = true
	}

	rows := make([]*keyval.Record, 0, len(envs))
	for _, env := range envs {
		if skip[env.Owner] {
			continue
		}
		if rec := env.Record(engine.TableController); rec != nil {
			rows = append(rows, rec)
		}
	}

	res := Consolidate(rows, attrs)
	r.logger.Debug().
		Str("key", key.String()).
		Int("rows", len(rows)).
		Str("status", res.Row.String()).
		Msg("Consolidated controller rows")
	return res, nil
}
