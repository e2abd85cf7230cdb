// Package binding declares how the logical attributes of a managed-object
// type map onto the physical columns of each of its tables.
//
// One Set per key type drives bind, read and write for every adapter: key
// columns, value columns, ownership columns and the validity/status columns
// that shadow each value column.
package binding

import (
	"fmt"

	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
)

// Role is the role of a column within a table.
type Role uint8

const (
	RoleKey Role = iota
	RoleValue
	RoleOwner
)

// Column binds one logical attribute or key field to a physical column.
type Column struct {
	// Name is the physical column name.
	Name string

	// Index is the key field index (RoleKey) or attribute index (RoleValue).
	Index int

	// Kind is the storage kind.
	Kind keyval.Kind

	// Width is the maximum encoded length for strings, 0 for unbounded.
	Width int

	// Role is the column role.
	Role Role
}

// Ownership columns shared by every overlay table.
var ownerColumns = []Column{
	{Name: "ctrlr_name", Index: -1, Kind: keyval.KindString, Width: 32, Role: RoleOwner},
	{Name: "domain_id", Index: -1, Kind: keyval.KindString, Width: 32, Role: RoleOwner},
	{Name: "flags", Index: -1, Kind: keyval.KindUint8, Role: RoleOwner},
}

// Schema is the binding of one table variant.
type Schema struct {
	KeyType engine.KeyType
	Table   engine.Table
	Keys    []Column
	Values  []Column
	Owner   []Column

	// attrs is the number of attribute slots of records bound by this schema.
	attrs  int
	byAttr map[int]int
}

func newSchema(kt engine.KeyType, table engine.Table, keys, values []Column, attrs int, owned bool) *Schema {
	s := &Schema{
		KeyType: kt,
		Table:   table,
		Keys:    keys,
		Values:  values,
		attrs:   attrs,
		byAttr:  make(map[int]int, len(values)),
	}
	if owned {
		s.Owner = ownerColumns
	}
	for i, c := range values {
		s.byAttr[c.Index] = i
	}
	return s
}

// Column returns the value column bound to attribute index attr.
func (s *Schema) Column(attr int) (Column, bool) {
	i, ok := s.byAttr[attr]
	if !ok {
		return Column{}, false
	}
	return s.Values[i], true
}

// Has reports whether attribute attr is physically present in this table.
func (s *Schema) Has(attr int) bool {
	_, ok := s.byAttr[attr]
	return ok
}

// Attrs returns the number of attribute slots of records bound by this schema.
func (s *Schema) Attrs() int {
	return s.attrs
}

// ValidColumn returns the validity column name shadowing a value column.
func ValidColumn(c Column) string {
	return "valid_" + c.Name
}

// StatusColumn returns the config-status column name shadowing a value column.
func StatusColumn(c Column) string {
	return "cs_" + c.Name
}

// Set holds the schemas of every table variant of one key type.
type Set struct {
	KeyType    engine.KeyType
	Main       *Schema
	Controller *Schema
	Rename     *Schema
}

// Spec describes a key type for NewSet.
type Spec struct {
	KeyType engine.KeyType
	Keys    []Column
	Values  []Column

	// ControllerAttrs lists attribute indexes present in the controller
	// table. Nil means the type has no controller table; attributes it
	// omits resolve to the main-table slot.
	ControllerAttrs []int

	// Renameable adds a rename table holding one controller-local name per key field.
	Renameable bool
}

// NewSet derives the bindings of every table variant from a Spec.
func NewSet(spec Spec) (*Set, error) {
	for i, c := range spec.Keys {
		if c.Index != i {
			return nil, fmt.Errorf("key column %s of %s has index %d, want %d", c.Name, spec.KeyType, c.Index, i)
		}
		spec.Keys[i].Role = RoleKey
	}
	seen := make(map[int]bool, len(spec.Values))
	for i, c := range spec.Values {
		if seen[c.Index] {
			return nil, fmt.Errorf("attribute %d of %s is bound twice", c.Index, spec.KeyType)
		}
		seen[c.Index] = true
		spec.Values[i].Role = RoleValue
	}
	n := len(spec.Values)

	set := &Set{
		KeyType: spec.KeyType,
		Main:    newSchema(spec.KeyType, engine.TableMain, spec.Keys, spec.Values, n, false),
	}

	if spec.ControllerAttrs != nil {
		var cols []Column
		for _, attr := range spec.ControllerAttrs {
			c, ok := set.Main.Column(attr)
			if !ok {
				return nil, fmt.Errorf("controller attribute %d of %s has no main column", attr, spec.KeyType)
			}
			cols = append(cols, c)
		}
		set.Controller = newSchema(spec.KeyType, engine.TableController, spec.Keys, cols, n, true)
	}

	if spec.Renameable {
		cols := make([]Column, len(spec.Keys))
		for i, k := range spec.Keys {
			cols[i] = Column{Name: "ctrlr_" + k.Name, Index: i, Kind: keyval.KindString, Width: k.Width, Role: RoleValue}
		}
		set.Rename = newSchema(spec.KeyType, engine.TableRename, spec.Keys, cols, len(cols), true)
	}

	return set, nil
}

// Schema returns the binding of a table variant. Deleted-pending-audit rows
// share the controller binding, or the main binding when the type has no
// controller table.
func (s *Set) Schema(t engine.Table) (*Schema, error) {
	var sc *Schema
	switch t {
	case engine.TableMain:
		sc = s.Main
	case engine.TableController:
		sc = s.Controller
	case engine.TableRename:
		sc = s.Rename
	case engine.TableDeleted:
		sc = s.Controller
		if sc == nil {
			sc = s.Main
		}
	}
	if sc == nil {
		return nil, engine.Errorf(engine.CodeNotFound, "%s has no %s table", s.KeyType, t)
	}
	return sc, nil
}

// GetValid resolves the validity-tag slot of attribute attr for table t.
// Controller-table attributes that are physically absent resolve to the
// main-table slot, since the overlay shares validity semantics with the
// canonical row.
func (s *Set) GetValid(env *keyval.Envelope, attr int, t engine.Table) (*keyval.Validity, error) {
	sc, err := s.Schema(t)
	if err != nil {
		return nil, err
	}
	if attr < 0 || attr >= sc.attrs {
		return nil, engine.Errorf(engine.CodeNotFound, "attribute %d out of range for %s %s table", attr, s.KeyType, t).
			WithKey(s.KeyType, env.Key.Path())
	}

	table := t
	if t == engine.TableDeleted {
		table = sc.Table
	}
	if !sc.Has(attr) {
		if t != engine.TableController && t != engine.TableDeleted {
			return nil, engine.Errorf(engine.CodeNotFound, "attribute %d not bound in %s %s table", attr, s.KeyType, t)
		}
		table = engine.TableMain
	}

	rec := env.Record(table)
	if rec == nil {
		return nil, engine.Errorf(engine.CodeNotFound, "envelope has no %s record", table).
			WithKey(s.KeyType, env.Key.Path())
	}
	a := rec.Attr(attr)
	if a == nil {
		return nil, engine.Errorf(engine.CodeNotFound, "record has no slot %d", attr)
	}
	return &a.Valid, nil
}
