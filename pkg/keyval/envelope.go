package keyval

import (
	"strings"

	"github.com/openfroyo/upll/pkg/engine"
)

// Ownership identifies the controller and domain owning a row.
type Ownership struct {
	Controller string `json:"controller,omitempty"`
	Domain     string `json:"domain,omitempty"`
}

// IsZero returns true if no controller is set.
func (o Ownership) IsZero() bool {
	return o.Controller == ""
}

// String renders the ownership for logs.
func (o Ownership) String() string {
	if o.Domain == "" {
		return o.Controller
	}
	return o.Controller + "/" + o.Domain
}

// RenameFlags records which names of an envelope were rewritten between
// the canonical and controller-local namespaces. Bits are independent.
type RenameFlags uint8

const (
	FlagTenantRenamed RenameFlags = 1 << iota
	FlagVnodeRenamed
	FlagFlowListRenamed
	FlagRedirectRenamed
)

// Has returns true if every bit of f is set.
func (f RenameFlags) Has(bits RenameFlags) bool {
	return f&bits == bits
}

// Set turns the given bits on or off, leaving the others untouched.
func (f *RenameFlags) Set(bits RenameFlags, on bool) {
	if on {
		*f |= bits
	} else {
		*f &^= bits
	}
}

// IsTenantRenamed returns true if the tenant name was rewritten.
func (f RenameFlags) IsTenantRenamed() bool { return f.Has(FlagTenantRenamed) }

// SetTenantRenamed sets the tenant bit.
func (f *RenameFlags) SetTenantRenamed(on bool) { f.Set(FlagTenantRenamed, on) }

// IsVnodeRenamed returns true if the vnode name was rewritten.
func (f RenameFlags) IsVnodeRenamed() bool { return f.Has(FlagVnodeRenamed) }

// SetVnodeRenamed sets the vnode bit.
func (f *RenameFlags) SetVnodeRenamed(on bool) { f.Set(FlagVnodeRenamed, on) }

// IsFlowListRenamed returns true if a flow-list name was rewritten.
func (f RenameFlags) IsFlowListRenamed() bool { return f.Has(FlagFlowListRenamed) }

// SetFlowListRenamed sets the flow-list bit.
func (f *RenameFlags) SetFlowListRenamed(on bool) { f.Set(FlagFlowListRenamed, on) }

// IsRedirectRenamed returns true if a redirect destination name was rewritten.
func (f RenameFlags) IsRedirectRenamed() bool { return f.Has(FlagRedirectRenamed) }

// SetRedirectRenamed sets the redirect bit.
func (f *RenameFlags) SetRedirectRenamed(on bool) { f.Set(FlagRedirectRenamed, on) }

// String lists the set bits.
func (f RenameFlags) String() string {
	var names []string
	if f.IsTenantRenamed() {
		names = append(names, "tenant")
	}
	if f.IsVnodeRenamed() {
		names = append(names, "vnode")
	}
	if f.IsFlowListRenamed() {
		names = append(names, "flowlist")
	}
	if f.IsRedirectRenamed() {
		names = append(names, "redirect")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Envelope is the addressable unit of configuration: one key, zero or more
// value records tagged by table, an ownership tag and rename flags.
// Envelopes are built per request and never cached across requests.
type Envelope struct {
	Key     Key         `json:"key"`
	Records []*Record   `json:"records,omitempty"`
	Owner   Ownership   `json:"owner"`
	Flags   RenameFlags `json:"flags,omitempty"`
}

// New builds an envelope for key with the given records.
func New(key Key, records ...*Record) *Envelope {
	env := &Envelope{Key: key}
	for _, r := range records {
		if r != nil {
			env.SetRecord(r)
		}
	}
	return env
}

// Record returns the first record tagged with table, or nil.
func (e *Envelope) Record(table engine.Table) *Record {
	for _, r := range e.Records {
		if r.Table == table {
			return r
		}
	}
	return nil
}

// Main returns the main-table record, or nil.
func (e *Envelope) Main() *Record {
	return e.Record(engine.TableMain)
}

// SetRecord replaces the record with the same table tag or appends it.
func (e *Envelope) SetRecord(r *Record) {
	for i, cur := range e.Records {
		if cur.Table == r.Table {
			e.Records[i] = r
			return
		}
	}
	e.Records = append(e.Records, r)
}

// DropRecord removes the record tagged with table.
func (e *Envelope) DropRecord(table engine.Table) {
	out := e.Records[:0]
	for _, r := range e.Records {
		if r.Table != table {
			out = append(out, r)
		}
	}
	e.Records = out
}

// Clone returns a deep copy; the copy owns its records.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := &Envelope{
		Key:   e.Key.Clone(),
		Owner: e.Owner,
		Flags: e.Flags,
	}
	if len(e.Records) > 0 {
		c.Records = make([]*Record, len(e.Records))
		for i, r := range e.Records {
			c.Records[i] = r.Clone()
		}
	}
	return c
}

// WithOwner returns a deep copy owned by o.
func (e *Envelope) WithOwner(o Ownership) *Envelope {
	c := e.Clone()
	c.Owner = o
	return c
}

// Only returns a deep copy carrying just the record tagged with table.
func (e *Envelope) Only(table engine.Table) *Envelope {
	c := &Envelope{Key: e.Key.Clone(), Owner: e.Owner, Flags: e.Flags}
	if r := e.Record(table); r != nil {
		c.Records = []*Record{r.Clone()}
	}
	return c
}

// CloneAll deep-copies a result list.
func CloneAll(envs []*Envelope) []*Envelope {
	out := make([]*Envelope, len(envs))
	for i, e := range envs {
		out[i] = e.Clone()
	}
	return out
}
