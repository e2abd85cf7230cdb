package keyval

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Validity tells whether and how an attribute participates in a write.
type Validity uint8

const (
	// Invalid means the attribute carries no value.
	Invalid Validity = iota

	// Valid means the attribute carries a value.
	Valid

	// ValidNoValue means the caller requested the attribute be cleared. Request-only.
	ValidNoValue

	// NotSupported means the target controller cannot carry the attribute.
	NotSupported

	// ValueNotModified is a commit-time marker: unchanged, skip write.
	ValueNotModified
)

var validityNames = [...]string{"INVALID", "VALID", "VALID_NO_VALUE", "NOT_SUPPORTED", "VALUE_NOT_MODIFIED"}

// String returns the wire name of the tag.
func (v Validity) String() string {
	if int(v) < len(validityNames) {
		return validityNames[v]
	}
	return fmt.Sprintf("VALIDITY(%d)", uint8(v))
}

// IsSet returns true for VALID and VALID_NO_VALUE, the tags a write carries.
func (v Validity) IsSet() bool {
	return v == Valid || v == ValidNoValue
}

// MarshalText implements encoding.TextMarshaler.
func (v Validity) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Validity) UnmarshalText(b []byte) error {
	for i, name := range validityNames {
		if name == string(b) {
			*v = Validity(i)
			return nil
		}
	}
	return fmt.Errorf("invalid validity tag: %s", b)
}

// ConfigStatus is the outcome of applying a write to a controller.
type ConfigStatus uint8

const (
	StatusUnknown ConfigStatus = iota
	StatusApplied
	StatusNotApplied
	StatusPartiallyApplied
	StatusInvalid
	StatusNotSupported
)

var statusNames = [...]string{"UNKNOWN", "APPLIED", "NOT_APPLIED", "PARTIALLY_APPLIED", "INVALID", "NOT_SUPPORTED"}

// String returns the wire name of the status.
func (s ConfigStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("STATUS(%d)", uint8(s))
}

// IsAbsorbing returns true for INVALID and NOT_SUPPORTED, which later merges never downgrade.
func (s ConfigStatus) IsAbsorbing() bool {
	return s == StatusInvalid || s == StatusNotSupported
}

// MarshalText implements encoding.TextMarshaler.
func (s ConfigStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ConfigStatus) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = ConfigStatus(i)
			return nil
		}
	}
	return fmt.Errorf("invalid config status: %s", b)
}

// Kind is the storage kind of an attribute or key field.
type Kind uint8

const (
	KindString Kind = iota
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindBool
	KindIPv4
	KindIPv6
	KindMAC
)

var kindNames = [...]string{"string", "uint8", "uint16", "uint32", "uint64", "bool", "ipv4", "ipv6", "mac"}

// String returns the kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsNumeric returns true for unsigned integer kinds.
func (k Kind) IsNumeric() bool {
	return k == KindUint8 || k == KindUint16 || k == KindUint32 || k == KindUint64
}

// MaxUint returns the largest value representable by a numeric kind.
func (k Kind) MaxUint() uint64 {
	switch k {
	case KindUint8:
		return 1<<8 - 1
	case KindUint16:
		return 1<<16 - 1
	case KindUint32:
		return 1<<32 - 1
	case KindBool:
		return 1
	default:
		return ^uint64(0)
	}
}

// Value holds one typed attribute value. Only the field matching the
// attribute's Kind is meaningful; the rest stay zero.
type Value struct {
	Str  string     `json:"s,omitempty"`
	Num  uint64     `json:"n,omitempty"`
	Addr netip.Addr `json:"a"`
}

// String returns a string value.
func String(s string) Value {
	return Value{Str: strings.TrimRight(s, "\x00")}
}

// Uint returns an unsigned integer value.
func Uint(n uint64) Value {
	return Value{Num: n}
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	if b {
		return Value{Num: 1}
	}
	return Value{}
}

// Addr returns an IP address value.
func Addr(a netip.Addr) Value {
	return Value{Addr: a}
}

// MustAddr parses an IP address and panics on failure. Intended for tables and tests.
func MustAddr(s string) Value {
	return Value{Addr: netip.MustParseAddr(s)}
}

// MAC returns a hardware address value in canonical colon form.
func MAC(hw net.HardwareAddr) Value {
	return Value{Str: hw.String()}
}

// IsZero returns true if the value is the zero value of every kind.
func (v Value) IsZero() bool {
	return v.Str == "" && v.Num == 0 && !v.Addr.IsValid()
}

// Equal compares two values structurally.
func (v Value) Equal(o Value) bool {
	return v.Str == o.Str && v.Num == o.Num && v.Addr == o.Addr
}

// AsBool interprets a numeric value as a boolean.
func (v Value) AsBool() bool {
	return v.Num != 0
}

// Render formats the value for the given kind.
func (v Value) Render(k Kind) string {
	switch {
	case k == KindString || k == KindMAC:
		return v.Str
	case k == KindIPv4 || k == KindIPv6:
		if !v.Addr.IsValid() {
			return ""
		}
		return v.Addr.String()
	case k == KindBool:
		if v.AsBool() {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%d", v.Num)
	}
}

// Attr is one attribute slot of a record.
type Attr struct {
	Value  Value        `json:"value"`
	Valid  Validity     `json:"valid"`
	Status ConfigStatus `json:"status"`
}
