package capability

import (
	"github.com/rs/zerolog"

	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/registry"
	"github.com/openfroyo/upll/pkg/telemetry"
)

// Filter outcomes reported to metrics.
const (
	outcomePassed   = "passed"
	outcomeFiltered = "filtered"
	outcomeRejected = "rejected"
)

// Negotiator applies the capability table to envelopes bound for one controller.
type Negotiator struct {
	reg       *registry.Registry
	table     *Table
	inventory *Inventory
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
}

// NewNegotiator creates a negotiator. metrics may be nil.
func NewNegotiator(reg *registry.Registry, table *Table, inv *Inventory, logger zerolog.Logger, metrics *telemetry.Metrics) *Negotiator {
	return &Negotiator{
		reg:       reg,
		table:     table,
		inventory: inv,
		logger:    logger.With().Str("component", "capability").Logger(),
		metrics:   metrics,
	}
}

// Inventory returns the controller inventory.
func (n *Negotiator) Inventory() *Inventory {
	return n.inventory
}

// Filter checks that the controller owning the row can carry the key type
// and operation, then flips every VALID or VALID_NO_VALUE attribute of the
// record tagged with table that the controller does not support to
// NOT_SUPPORTED. It returns the number of attributes flipped.
//
// A create or update carrying attributes fails when the controller supports
// no attribute of the key type for that operation. The envelope is left
// untouched when Filter fails, so running it again yields the same result.
func (n *Negotiator) Filter(env *keyval.Envelope, table engine.Table, owner keyval.Ownership, op engine.Operation, ds engine.Datastore) (int, error) {
	kt := env.Key.Type
	mt, err := n.reg.Lookup(kt)
	if err != nil {
		return 0, err
	}
	ctrl, err := n.inventory.Lookup(owner.Controller)
	if err != nil {
		return 0, err
	}

	if !n.table.SupportsKeyType(ctrl, kt) {
		n.metrics.RecordCapabilityFilter(string(kt), outcomeRejected)
		return 0, n.unsupported(env, op, ctrl, "key type %s is not supported by controller %s", kt, ctrl.ID)
	}

	capOp := ForRequest(op, ds)
	if capOp == "" {
		n.metrics.RecordCapabilityFilter(string(kt), outcomePassed)
		return 0, nil
	}

	ops, _ := n.table.lookup(ctrl, kt)
	set, ok := ops[capOp]
	if !ok {
		n.metrics.RecordCapabilityFilter(string(kt), outcomeRejected)
		return 0, n.unsupported(env, op, ctrl, "%s of %s is not supported by controller %s", capOp, kt, ctrl.ID)
	}

	rec := env.Record(table)
	if rec == nil {
		n.metrics.RecordCapabilityFilter(string(kt), outcomePassed)
		return 0, nil
	}

	var flip []int
	var slots []*keyval.Validity
	requested := 0
	for i := range rec.Attrs {
		if i >= len(mt.Attrs) {
			continue
		}
		slot, err := validitySlot(mt, env, rec, i, table)
		if err != nil {
			return 0, err
		}
		if slot == nil || !slot.IsSet() {
			continue
		}
		requested++
		if !set.has(mt.Attrs[i].Name) {
			flip = append(flip, i)
			slots = append(slots, slot)
		}
	}

	if (capOp == OpCreate || capOp == OpUpdate) && requested > 0 && set.empty() {
		n.metrics.RecordCapabilityFilter(string(kt), outcomeRejected)
		return 0, n.unsupported(env, op, ctrl, "controller %s supports no %s attributes for %s", ctrl.ID, kt, capOp)
	}

	for j, i := range flip {
		*slots[j] = keyval.NotSupported
		n.logger.Debug().
			Str("key", env.Key.String()).
			Str("controller", ctrl.ID).
			Str("attribute", mt.Attrs[i].Name).
			Msg("Attribute not supported by controller")
	}

	if len(flip) > 0 {
		n.metrics.RecordCapabilityFilter(string(kt), outcomeFiltered)
	} else {
		n.metrics.RecordCapabilityFilter(string(kt), outcomePassed)
	}
	return len(flip), nil
}

// validitySlot resolves the validity tag of attribute i through the type's
// bindings. It returns nil for an attribute the table does not carry. A
// table without a binding uses rec.
func validitySlot(mt *registry.MOType, env *keyval.Envelope, rec *keyval.Record, i int, table engine.Table) (*keyval.Validity, error) {
	set := mt.Bindings()
	if set == nil {
		return &rec.Attrs[i].Valid, nil
	}
	if _, err := set.Schema(table); err != nil {
		return &rec.Attrs[i].Valid, nil
	}
	slot, err := set.GetValid(env, i, table)
	if engine.IsCode(err, engine.CodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// Unbound controller attributes resolve to the main row, which is not ours to flip.
	if slot != &rec.Attrs[i].Valid {
		return nil, nil
	}
	return slot, nil
}

func (n *Negotiator) unsupported(env *keyval.Envelope, op engine.Operation, ctrl Controller, format string, args ...interface{}) error {
	return engine.Errorf(engine.CodeNotSupportedByController, format, args...).
		WithKey(env.Key.Type, env.Key.Path()).
		WithOperation(op).
		WithDetail("controller", ctrl.ID).
		WithDetail("controller_type", string(ctrl.Type))
}
