// Package registry holds the managed-object type descriptors the engine is
// driven by: key layout, attribute definitions, parent and reference edges,
// semantic checks and controller placement.
//
// The engine core has no per-type code. Adding a managed-object type means
// registering one MOType.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/upll/pkg/binding"
	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
)

// KeyField describes one key field.
type KeyField struct {
	Name string
	Kind keyval.Kind

	// Tag is a validator tag applied to string fields.
	Tag string

	// Min and Max bound numeric fields, inclusive. Max 0 means the kind's maximum.
	Min, Max uint64

	// Enum lists the accepted values of a string field, empty for any.
	Enum []string

	Width int
}

// AttrDef describes one value attribute.
type AttrDef struct {
	Name string
	Kind keyval.Kind

	// Tag is a validator tag applied to string attributes.
	Tag string

	// Min and Max bound numeric attributes. Max 0 means the kind's maximum.
	Min, Max     uint64
	MinExclusive bool
	MaxExclusive bool

	// Enum lists the accepted numeric values, empty for any.
	Enum []uint64

	Width int

	// Immutable attributes cannot change once created.
	Immutable bool

	// Required attributes must be set on create.
	Required bool

	// MainOnly attributes are not pushed to controllers and have no
	// controller-table column.
	MainOnly bool
}

// Reference is a cross-type reference held in an attribute.
type Reference struct {
	// Attr is the attribute index that carries the reference.
	Attr int

	// Target is the referenced key type.
	Target engine.KeyType

	// Key returns the referenced key, or false when the reference is unset.
	Key func(env *keyval.Envelope) (keyval.Key, bool)
}

// NameRef is an attribute that carries the name of another renameable
// object and must be rewritten between namespaces.
type NameRef struct {
	Attr int

	// Targets lists the key types the name may designate, in probe order.
	Targets []engine.KeyType

	// Scoped names are relative to the tenant in the first key field.
	Scoped bool

	// Flag is set on the envelope when the name is rewritten.
	Flag keyval.RenameFlags
}

// TargetKey returns the key of target kt designated by name.
func (n NameRef) TargetKey(env *keyval.Envelope, kt engine.KeyType, name string) keyval.Key {
	if n.Scoped {
		return keyval.NewKey(kt, env.Key.Part(0), name)
	}
	return keyval.NewKey(kt, name)
}

// CheckInput is handed to semantic checks.
type CheckInput struct {
	Operation engine.Operation

	// Request is the envelope as submitted.
	Request *keyval.Envelope

	// Record is the effective main record: the request overlaid on the
	// stored row for updates.
	Record *keyval.Record

	// Parent is the stored parent envelope, nil for root types.
	Parent *keyval.Envelope

	// Attrs are the attribute definitions of the checked type.
	Attrs []AttrDef
}

// Supplied reports whether attribute i of Record carries a value of its
// declared kind.
func (in CheckInput) Supplied(i int) bool {
	if i < 0 || i >= len(in.Attrs) {
		return in.Record.Present(i)
	}
	return in.Record.Supplied(i, in.Attrs[i].Kind)
}

// Check is a per-type semantic rule.
type Check func(in CheckInput) error

// PlacementFunc resolves the controllers an instance must be pushed to.
type PlacementFunc func(ctx context.Context, r datastore.Reader, ds engine.Datastore, env *keyval.Envelope) ([]keyval.Ownership, error)

// OwnerFunc resolves the single owner of an instance.
type OwnerFunc func(ctx context.Context, r datastore.Reader, ds engine.Datastore, env *keyval.Envelope) (keyval.Ownership, error)

// MOType is the descriptor of one managed-object type.
type MOType struct {
	KeyType engine.KeyType

	// Parent is the containing type, empty for roots.
	Parent engine.KeyType

	// Global types are not tenant-rooted and are excluded from VTN mode.
	Global bool

	Keys  []KeyField
	Attrs []AttrDef

	// ControllerTable adds a per-controller overlay table.
	ControllerTable bool

	// Renameable types keep controller-local names in a rename table.
	Renameable bool
	RenameFlag keyval.RenameFlags

	References []Reference
	NameRefs   []NameRef
	Checks     []Check

	// Placement is required for types with a controller table.
	Placement PlacementFunc

	// Owner resolves the single owner of types without a controller table.
	Owner OwnerFunc

	bindings *binding.Set
}

// Bindings returns the column bindings derived at registration.
func (t *MOType) Bindings() *binding.Set {
	return t.bindings
}

// NewRecord returns an empty record of this type.
func (t *MOType) NewRecord(table engine.Table) *keyval.Record {
	return keyval.NewRecord(table, len(t.Attrs))
}

// Attr returns the index of the named attribute.
func (t *MOType) Attr(name string) (int, bool) {
	for i, a := range t.Attrs {
		if a.Name == name {
			return i, true
		}
	}
	return -1, false
}

// ParentKey returns the key of the parent instance.
func (t *MOType) ParentKey(k keyval.Key, parent *MOType) keyval.Key {
	return k.Prefix(parent.KeyType, len(parent.Keys))
}

// Pushed reports whether instances are sent to controllers by the commit
// pipeline, either through a controller table or a single owner.
func (t *MOType) Pushed() bool {
	return t.ControllerTable || t.Owner != nil
}

func (t *MOType) buildBindings() error {
	spec := binding.Spec{
		KeyType:    t.KeyType,
		Renameable: t.Renameable,
	}
	for i, k := range t.Keys {
		spec.Keys = append(spec.Keys, binding.Column{Name: k.Name, Index: i, Kind: k.Kind, Width: k.Width})
	}
	for i, a := range t.Attrs {
		spec.Values = append(spec.Values, binding.Column{Name: a.Name, Index: i, Kind: a.Kind, Width: a.Width})
	}
	if t.ControllerTable {
		spec.ControllerAttrs = []int{}
		for i, a := range t.Attrs {
			if !a.MainOnly {
				spec.ControllerAttrs = append(spec.ControllerAttrs, i)
			}
		}
	}
	set, err := binding.NewSet(spec)
	if err != nil {
		return err
	}
	t.bindings = set
	return nil
}

// Referrer is a type holding a reference to another type.
type Referrer struct {
	Type *MOType
	Ref  Reference
}

// Registry maps key types to descriptors.
type Registry struct {
	types    map[engine.KeyType]*MOType
	ordered  []engine.KeyType
	children map[engine.KeyType][]engine.KeyType
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		types:    make(map[engine.KeyType]*MOType),
		children: make(map[engine.KeyType][]engine.KeyType),
	}
}

// Register adds a descriptor. Parents must be registered first.
func (r *Registry) Register(t *MOType) error {
	if t.KeyType == "" {
		return fmt.Errorf("key type is required")
	}
	if _, exists := r.types[t.KeyType]; exists {
		return fmt.Errorf("key type %s already registered", t.KeyType)
	}
	if len(t.Keys) == 0 {
		return fmt.Errorf("key type %s has no key fields", t.KeyType)
	}
	if t.Parent != "" {
		parent, ok := r.types[t.Parent]
		if !ok {
			return fmt.Errorf("parent %s of %s is not registered", t.Parent, t.KeyType)
		}
		if len(parent.Keys) >= len(t.Keys) {
			return fmt.Errorf("%s must extend the key of its parent %s", t.KeyType, t.Parent)
		}
	}
	if t.ControllerTable && t.Placement == nil {
		return fmt.Errorf("%s has a controller table but no placement", t.KeyType)
	}
	for _, ref := range t.References {
		if ref.Key == nil {
			return fmt.Errorf("reference on attribute %d of %s has no key function", ref.Attr, t.KeyType)
		}
	}
	if err := t.buildBindings(); err != nil {
		return fmt.Errorf("failed to bind %s: %w", t.KeyType, err)
	}

	r.types[t.KeyType] = t
	r.ordered = append(r.ordered, t.KeyType)
	if t.Parent != "" {
		r.children[t.Parent] = append(r.children[t.Parent], t.KeyType)
	}
	return nil
}

// Lookup returns the descriptor of kt.
func (r *Registry) Lookup(kt engine.KeyType) (*MOType, error) {
	t, ok := r.types[kt]
	if !ok {
		return nil, engine.Errorf(engine.CodeNotAllowedForThisKeyType, "unknown key type %s", kt)
	}
	return t, nil
}

// Types returns every descriptor in registration order.
func (r *Registry) Types() []*MOType {
	out := make([]*MOType, len(r.ordered))
	for i, kt := range r.ordered {
		out[i] = r.types[kt]
	}
	return out
}

// Children returns the direct child types of kt.
func (r *Registry) Children(kt engine.KeyType) []*MOType {
	var out []*MOType
	for _, c := range r.children[kt] {
		out = append(out, r.types[c])
	}
	return out
}

// Referrers returns every reference pointing at kt.
func (r *Registry) Referrers(kt engine.KeyType) []Referrer {
	var out []Referrer
	for _, name := range r.ordered {
		t := r.types[name]
		for _, ref := range t.References {
			if ref.Target == kt {
				out = append(out, Referrer{Type: t, Ref: ref})
			}
		}
	}
	return out
}

// CommitOrder returns the key types so that every parent and every
// referenced type precedes its dependents. Creates and updates run in this
// order and deletes in reverse. Ties keep registration order.
func (r *Registry) CommitOrder() ([]*MOType, error) {
	position := make(map[engine.KeyType]int, len(r.ordered))
	for i, kt := range r.ordered {
		position[kt] = i
	}

	inDegree := make(map[engine.KeyType]int, len(r.ordered))
	dependents := make(map[engine.KeyType][]engine.KeyType, len(r.ordered))
	addEdge := func(from, to engine.KeyType) {
		dependents[from] = append(dependents[from], to)
		inDegree[to]++
	}
	for _, kt := range r.ordered {
		t := r.types[kt]
		if t.Parent != "" {
			addEdge(t.Parent, kt)
		}
		for _, ref := range t.References {
			if _, ok := r.types[ref.Target]; !ok {
				return nil, fmt.Errorf("%s references unregistered type %s", kt, ref.Target)
			}
			if ref.Target != kt {
				addEdge(ref.Target, kt)
			}
		}
	}

	// Kahn's algorithm with a queue kept in registration order
	var ready []engine.KeyType
	for _, kt := range r.ordered {
		if inDegree[kt] == 0 {
			ready = append(ready, kt)
		}
	}

	out := make([]*MOType, 0, len(r.ordered))
	for len(ready) > 0 {
		kt := ready[0]
		ready = ready[1:]
		out = append(out, r.types[kt])

		for _, dep := range dependents[kt] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
				sort.SliceStable(ready, func(i, j int) bool {
					return position[ready[i]] < position[ready[j]]
				})
			}
		}
	}

	if len(out) != len(r.ordered) {
		var stuck []string
		for _, kt := range r.ordered {
			if inDegree[kt] > 0 {
				stuck = append(stuck, string(kt))
			}
		}
		return nil, fmt.Errorf("circular dependency between key types: %s", strings.Join(stuck, ", "))
	}
	return out, nil
}
