// Package capability decides which managed-object types and attributes each
// controller can carry, and filters envelopes accordingly before they are
// persisted or sent to a driver.
package capability

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/registry"
)

// Operation is a capability operation.
type Operation string

const (
	OpCreate    Operation = "create"
	OpUpdate    Operation = "update"
	OpRead      Operation = "read"
	OpStateRead Operation = "state_read"
)

// ForRequest maps a request operation and datastore to the capability
// operation that governs it. Deletes map to "" and are governed by key-type
// support alone.
func ForRequest(op engine.Operation, ds engine.Datastore) Operation {
	switch {
	case op == engine.OpCreate:
		return OpCreate
	case op == engine.OpUpdate:
		return OpUpdate
	case op.IsRead() && ds == engine.DatastoreState:
		return OpStateRead
	case op.IsRead():
		return OpRead
	default:
		return ""
	}
}

// Wildcard in an attribute list means every attribute of the key type.
const Wildcard = "*"

// File is the YAML layout of a capability table.
type File struct {
	Controllers []ControllerCapabilities `yaml:"controllers" validate:"omitempty,dive"`
}

// ControllerCapabilities lists what one controller software type and version supports.
type ControllerCapabilities struct {
	Type ControllerType `yaml:"type" validate:"required,oneof=odc pfc legacy"`

	// Version selects a software version. Empty matches any version without
	// a more specific entry.
	Version string `yaml:"version"`

	KeyTypes []KeyTypeCapabilities `yaml:"keytypes" validate:"dive"`
}

// KeyTypeCapabilities lists the supported attributes of one key type per operation.
type KeyTypeCapabilities struct {
	KeyType    engine.KeyType         `yaml:"keytype" validate:"required"`
	Operations map[Operation][]string `yaml:"operations" validate:"dive,keys,oneof=create update read state_read,endkeys"`
}

type tableKey struct {
	ctype   ControllerType
	version string
	kt      engine.KeyType
}

type attrSet struct {
	all   bool
	names map[string]bool
}

func (s attrSet) has(name string) bool {
	return s.all || s.names[name]
}

func (s attrSet) empty() bool {
	return !s.all && len(s.names) == 0
}

// Table answers capability lookups. It is read-only after loading.
type Table struct {
	entries map[tableKey]map[Operation]attrSet
}

// LoadTable reads a capability table from a YAML file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read capability table: %w", err)
	}
	return ParseTable(data)
}

// ParseTable parses a capability table from YAML.
func ParseTable(data []byte) (*Table, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse capability table: %w", err)
	}
	return NewTable(f)
}

// NewTable builds a table from its decoded form.
func NewTable(f File) (*Table, error) {
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("invalid capability table: %w", err)
	}

	t := &Table{entries: make(map[tableKey]map[Operation]attrSet)}
	for _, c := range f.Controllers {
		for _, k := range c.KeyTypes {
			key := tableKey{ctype: c.Type, version: c.Version, kt: k.KeyType}
			if _, dup := t.entries[key]; dup {
				return nil, fmt.Errorf("duplicate capabilities for %s %q %s", c.Type, c.Version, k.KeyType)
			}
			ops := make(map[Operation]attrSet, len(k.Operations))
			for op, names := range k.Operations {
				set := attrSet{names: make(map[string]bool, len(names))}
				for _, n := range names {
					if n == Wildcard {
						set.all = true
						continue
					}
					set.names[n] = true
				}
				ops[op] = set
			}
			t.entries[key] = ops
		}
	}
	return t, nil
}

func (t *Table) lookup(ctrl Controller, kt engine.KeyType) (map[Operation]attrSet, bool) {
	if ops, ok := t.entries[tableKey{ctype: ctrl.Type, version: ctrl.Version, kt: kt}]; ok {
		return ops, true
	}
	ops, ok := t.entries[tableKey{ctype: ctrl.Type, kt: kt}]
	return ops, ok
}

// SupportsKeyType reports whether the controller carries kt at all.
func (t *Table) SupportsKeyType(ctrl Controller, kt engine.KeyType) bool {
	_, ok := t.lookup(ctrl, kt)
	return ok
}

// SupportsAttribute reports whether the controller carries attribute name
// of kt for op.
func (t *Table) SupportsAttribute(ctrl Controller, kt engine.KeyType, op Operation, name string) bool {
	ops, ok := t.lookup(ctrl, kt)
	if !ok {
		return false
	}
	set, ok := ops[op]
	return ok && set.has(name)
}

// Verify checks every key type and attribute named by the table against
// the registry.
func (t *Table) Verify(reg *registry.Registry) error {
	var problems []string
	for key, ops := range t.entries {
		mt, err := reg.Lookup(key.kt)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: unknown key type %s", key.ctype, key.kt))
			continue
		}
		for op, set := range ops {
			for name := range set.names {
				if _, ok := mt.Attr(name); !ok {
					problems = append(problems, fmt.Sprintf("%s %s %s: unknown attribute %s", key.ctype, key.kt, op, name))
				}
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("capability table does not match the registry:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
