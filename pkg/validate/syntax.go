package validate

import (
	"regexp"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/registry"
)

// uncNamePattern is the shape of every user-supplied object name.
var uncNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_]*$`)

func newFieldValidator() (*validator.Validate, error) {
	v := validator.New()
	if err := v.RegisterValidation("unc_name", func(fl validator.FieldLevel) bool {
		return uncNamePattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, err
	}
	return v, nil
}

func syntaxError(key keyval.Key, op engine.Operation, format string, args ...interface{}) *engine.EngineError {
	return engine.Errorf(engine.CodeCfgSyntax, format, args...).
		WithKey(key.Type, key.Path()).
		WithOperation(op)
}

func upperBound(kind keyval.Kind, max uint64) uint64 {
	if max == 0 || max > kind.MaxUint() {
		return kind.MaxUint()
	}
	return max
}

// checkKey validates every key field present in key. Reads may address a
// key prefix; writes need the complete key.
func (p *Pipeline) checkKey(mt *registry.MOType, op engine.Operation, key keyval.Key) error {
	if len(key.Parts) > len(mt.Keys) {
		return engine.Errorf(engine.CodeBadRequest, "%s key has %d fields, want %d", mt.KeyType, len(key.Parts), len(mt.Keys)).
			WithKey(key.Type, key.Path()).WithOperation(op)
	}
	if op.IsWrite() && len(key.Parts) != len(mt.Keys) {
		return engine.Errorf(engine.CodeBadRequest, "%s key has %d fields, want %d", mt.KeyType, len(key.Parts), len(mt.Keys)).
			WithKey(key.Type, key.Path()).WithOperation(op)
	}

	for i, part := range key.Parts {
		f := mt.Keys[i]
		if part == "" {
			if op.IsWrite() || i < len(key.Parts)-1 {
				return syntaxError(key, op, "key field %s is empty", f.Name)
			}
			continue
		}
		if err := p.checkKeyField(f, part); err != "" {
			return syntaxError(key, op, "key field %s: %s", f.Name, err)
		}
	}
	return nil
}

func (p *Pipeline) checkKeyField(f registry.KeyField, part string) string {
	if f.Kind.IsNumeric() {
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return "not a number"
		}
		if n < f.Min || n > upperBound(f.Kind, f.Max) {
			return "out of range"
		}
		return ""
	}

	if f.Width > 0 && len(part) > f.Width {
		return "too long"
	}
	if len(f.Enum) > 0 {
		for _, e := range f.Enum {
			if e == part {
				return ""
			}
		}
		return "not an accepted value"
	}
	if f.Tag != "" {
		if err := p.fields.Var(part, f.Tag); err != nil {
			return "malformed"
		}
	}
	return ""
}

// checkValue validates the VALID attributes of rec against their definitions.
func (p *Pipeline) checkValue(mt *registry.MOType, op engine.Operation, key keyval.Key, rec *keyval.Record) error {
	if len(rec.Attrs) != len(mt.Attrs) {
		return engine.Errorf(engine.CodeBadRequest, "%s record has %d attributes, want %d", mt.KeyType, len(rec.Attrs), len(mt.Attrs)).
			WithKey(key.Type, key.Path()).WithOperation(op)
	}
	for i := range rec.Attrs {
		a := rec.Attrs[i]
		switch a.Valid {
		case keyval.Invalid, keyval.ValidNoValue:
			continue
		case keyval.NotSupported, keyval.ValueNotModified:
			return engine.Errorf(engine.CodeBadRequest, "attribute %s carries engine-only tag %s", mt.Attrs[i].Name, a.Valid).
				WithKey(key.Type, key.Path()).WithOperation(op)
		}
		if msg := p.checkAttr(mt.Attrs[i], a.Value); msg != "" {
			return syntaxError(key, op, "attribute %s: %s", mt.Attrs[i].Name, msg)
		}
	}
	return nil
}

func (p *Pipeline) checkAttr(d registry.AttrDef, v keyval.Value) string {
	switch {
	case d.Kind == keyval.KindIPv4:
		if !v.Addr.Is4() {
			return "not an IPv4 address"
		}
		return ""

	case d.Kind == keyval.KindIPv6:
		if !v.Addr.Is6() || v.Addr.Is4In6() {
			return "not an IPv6 address"
		}
		return ""

	case d.Kind == keyval.KindBool:
		if v.Num > 1 {
			return "not a boolean"
		}
		return ""

	case d.Kind.IsNumeric():
		n := v.Num
		max := upperBound(d.Kind, d.Max)
		if n > max || (d.MaxExclusive && n == max) {
			return "above maximum"
		}
		if n < d.Min || (d.MinExclusive && n == d.Min) {
			return "below minimum"
		}
		if len(d.Enum) > 0 {
			for _, e := range d.Enum {
				if e == n {
					return ""
				}
			}
			return "not an accepted value"
		}
		return ""

	default:
		if d.Width > 0 && len(v.Str) > d.Width {
			return "too long"
		}
		if d.Tag != "" {
			if err := p.fields.Var(v.Str, d.Tag); err != nil {
				return "malformed"
			}
		}
		return ""
	}
}
