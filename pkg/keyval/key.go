package keyval

import (
	"strconv"
	"strings"

	"github.com/openfroyo/upll/pkg/engine"
)

// pathSeparator joins key fields in rendered paths. Names never contain it.
const pathSeparator = "/"

// Key is the ordered tuple of key fields of one managed object.
type Key struct {
	Type  engine.KeyType `json:"type"`
	Parts []string       `json:"parts"`
}

// NewKey builds a key. Fixed-width padding is trimmed so that fields
// compare by their logical length.
func NewKey(kt engine.KeyType, parts ...string) Key {
	k := Key{Type: kt, Parts: make([]string, len(parts))}
	for i, p := range parts {
		k.Parts[i] = strings.TrimRight(p, "\x00")
	}
	return k
}

// ParseKey rebuilds a key from its rendered path.
func ParseKey(kt engine.KeyType, path string) Key {
	if path == "" {
		return Key{Type: kt}
	}
	return NewKey(kt, strings.Split(path, pathSeparator)...)
}

// Part returns field i, or "" when out of range.
func (k Key) Part(i int) string {
	if i < 0 || i >= len(k.Parts) {
		return ""
	}
	return k.Parts[i]
}

// Path renders the key fields joined by "/".
func (k Key) Path() string {
	return strings.Join(k.Parts, pathSeparator)
}

// String renders the key as "type:path".
func (k Key) String() string {
	return string(k.Type) + ":" + k.Path()
}

// Equal compares keys structurally and case-sensitively.
func (k Key) Equal(o Key) bool {
	if k.Type != o.Type || len(k.Parts) != len(o.Parts) {
		return false
	}
	for i := range k.Parts {
		if k.Parts[i] != o.Parts[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy with its own parts slice.
func (k Key) Clone() Key {
	return NewKey(k.Type, k.Parts...)
}

// Prefix returns a key of type kt holding the first n fields of k.
func (k Key) Prefix(kt engine.KeyType, n int) Key {
	if n > len(k.Parts) {
		n = len(k.Parts)
	}
	return NewKey(kt, k.Parts[:n]...)
}

// HasPrefix returns true if the first fields of k equal parts.
func (k Key) HasPrefix(parts []string) bool {
	if len(parts) > len(k.Parts) {
		return false
	}
	for i := range parts {
		if k.Parts[i] != parts[i] {
			return false
		}
	}
	return true
}

// WithPart returns a copy of k with field i replaced.
func (k Key) WithPart(i int, v string) Key {
	c := k.Clone()
	if i >= 0 && i < len(c.Parts) {
		c.Parts[i] = v
	}
	return c
}

// Compare orders keys field by field. Fields that are both unsigned
// integers compare numerically so sequence numbers sort naturally.
func (k Key) Compare(o Key) int {
	n := len(k.Parts)
	if len(o.Parts) < n {
		n = len(o.Parts)
	}
	for i := 0; i < n; i++ {
		if c := compareField(k.Parts[i], o.Parts[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(k.Parts) < len(o.Parts):
		return -1
	case len(k.Parts) > len(o.Parts):
		return 1
	default:
		return 0
	}
}

func compareField(a, b string) int {
	an, aerr := strconv.ParseUint(a, 10, 64)
	bn, berr := strconv.ParseUint(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
