package capability

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/upll/pkg/engine"
)

// ControllerType is the software type of a controller.
type ControllerType string

const (
	TypeODC    ControllerType = "odc"
	TypePFC    ControllerType = "pfc"
	TypeLegacy ControllerType = "legacy"
)

// Controller is one entry of the controller inventory.
type Controller struct {
	ID      string         `yaml:"id" validate:"required,max=31"`
	Type    ControllerType `yaml:"type" validate:"required,oneof=odc pfc legacy"`
	Version string         `yaml:"version"`
	Domains []string       `yaml:"domains" validate:"dive,required"`
}

// Inventory is the set of known controllers. It is read-only after construction.
type Inventory struct {
	byID  map[string]Controller
	order []string
}

// NewInventory validates and indexes the given controllers.
func NewInventory(ctrls []Controller) (*Inventory, error) {
	v := validator.New()
	inv := &Inventory{byID: make(map[string]Controller, len(ctrls))}
	for _, c := range ctrls {
		if err := v.Struct(c); err != nil {
			return nil, fmt.Errorf("invalid controller %q: %w", c.ID, err)
		}
		if _, dup := inv.byID[c.ID]; dup {
			return nil, fmt.Errorf("duplicate controller %q", c.ID)
		}
		inv.byID[c.ID] = c
		inv.order = append(inv.order, c.ID)
	}
	return inv, nil
}

// Lookup returns the controller with the given id.
func (i *Inventory) Lookup(id string) (Controller, error) {
	c, ok := i.byID[id]
	if !ok {
		return Controller{}, engine.Errorf(engine.CodeCfgSemantic, "unknown controller %q", id)
	}
	return c, nil
}

// List returns every controller in configuration order.
func (i *Inventory) List() []Controller {
	out := make([]Controller, len(i.order))
	for n, id := range i.order {
		out[n] = i.byID[id]
	}
	return out
}
