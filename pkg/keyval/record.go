package keyval

import (
	"github.com/openfroyo/upll/pkg/engine"
)

// Record is one value struct of an envelope: the attributes of one table
// variant together with the row-level config status.
type Record struct {
	// Table tells which logical table this record represents.
	Table engine.Table `json:"table"`

	// Attrs is indexed by the managed-object type's attribute index.
	Attrs []Attr `json:"attrs"`

	// Status is the row-level config status.
	Status ConfigStatus `json:"status"`
}

// NewRecord returns an empty record with n attribute slots.
func NewRecord(table engine.Table, n int) *Record {
	return &Record{
		Table: table,
		Attrs: make([]Attr, n),
	}
}

// Len returns the number of attribute slots.
func (r *Record) Len() int {
	return len(r.Attrs)
}

// Attr returns the slot at index i, or nil when i is out of range.
func (r *Record) Attr(i int) *Attr {
	if i < 0 || i >= len(r.Attrs) {
		return nil
	}
	return &r.Attrs[i]
}

// Set stores v at index i and marks it VALID.
func (r *Record) Set(i int, v Value) *Record {
	if a := r.Attr(i); a != nil {
		a.Value = v
		a.Valid = Valid
	}
	return r
}

// Clear marks index i VALID_NO_VALUE, a request to clear the attribute.
func (r *Record) Clear(i int) *Record {
	if a := r.Attr(i); a != nil {
		a.Value = Value{}
		a.Valid = ValidNoValue
	}
	return r
}

// Unset drops the attribute from the record.
func (r *Record) Unset(i int) *Record {
	if a := r.Attr(i); a != nil {
		*a = Attr{}
	}
	return r
}

// Get returns the value and validity at index i.
func (r *Record) Get(i int) (Value, Validity) {
	a := r.Attr(i)
	if a == nil {
		return Value{}, Invalid
	}
	return a.Value, a.Valid
}

// IsValid returns true if index i is VALID.
func (r *Record) IsValid(i int) bool {
	a := r.Attr(i)
	return a != nil && a.Valid == Valid
}

// Present returns true if index i is VALID with a non-zero value. Cleared
// attributes persist as VALID zero values and are not present.
func (r *Record) Present(i int) bool {
	a := r.Attr(i)
	return a != nil && a.Valid == Valid && !a.Value.IsZero()
}

// Supplied reports whether index i carries a value of kind k. A VALID
// numeric or boolean attribute is supplied even when it is zero; strings,
// MACs and addresses also need a non-empty value.
func (r *Record) Supplied(i int, k Kind) bool {
	a := r.Attr(i)
	if a == nil || a.Valid != Valid {
		return false
	}
	switch k {
	case KindString, KindMAC:
		return a.Value.Str != ""
	case KindIPv4, KindIPv6:
		return a.Value.Addr.IsValid()
	default:
		return true
	}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := &Record{
		Table:  r.Table,
		Attrs:  make([]Attr, len(r.Attrs)),
		Status: r.Status,
	}
	copy(c.Attrs, r.Attrs)
	return c
}

// CloneAs returns a deep copy tagged with another table.
func (r *Record) CloneAs(table engine.Table) *Record {
	c := r.Clone()
	c.Table = table
	return c
}

// SameConfig reports whether both records carry the same values and
// validity tags. Config status is ignored.
func (r *Record) SameConfig(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	if len(r.Attrs) != len(o.Attrs) {
		return false
	}
	for i := range r.Attrs {
		a, b := r.Attrs[i], o.Attrs[i]
		if persistedValidity(a.Valid) != persistedValidity(b.Valid) {
			return false
		}
		if a.Valid != Invalid && !a.Value.Equal(b.Value) {
			return false
		}
	}
	return true
}

// Normalize converts request-only and commit-only tags to their persisted
// form: VALID_NO_VALUE becomes a VALID zero value and VALUE_NOT_MODIFIED
// becomes VALID again.
func (r *Record) Normalize() {
	for i := range r.Attrs {
		switch r.Attrs[i].Valid {
		case ValidNoValue:
			r.Attrs[i].Value = Value{}
			r.Attrs[i].Valid = Valid
		case ValueNotModified:
			r.Attrs[i].Valid = Valid
		}
	}
}

// Overlay copies every VALID or VALID_NO_VALUE attribute of src onto r.
// Attributes left INVALID in src are untouched.
func (r *Record) Overlay(src *Record) {
	for i := range src.Attrs {
		if i >= len(r.Attrs) {
			break
		}
		if src.Attrs[i].Valid.IsSet() {
			r.Attrs[i].Value = src.Attrs[i].Value
			r.Attrs[i].Valid = src.Attrs[i].Valid
		}
	}
}

// ResetStatus sets the row and every attribute to UNKNOWN.
func (r *Record) ResetStatus() {
	r.Status = StatusUnknown
	for i := range r.Attrs {
		r.Attrs[i].Status = StatusUnknown
	}
}

// CountSet returns the number of attributes a write would carry.
func (r *Record) CountSet() int {
	n := 0
	for i := range r.Attrs {
		if r.Attrs[i].Valid.IsSet() {
			n++
		}
	}
	return n
}

func persistedValidity(v Validity) Validity {
	switch v {
	case ValidNoValue, ValueNotModified:
		return Valid
	default:
		return v
	}
}
