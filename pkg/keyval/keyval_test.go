package keyval

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/openfroyo/upll/pkg/engine"
	"pgregory.net/rapid"
)

func TestKeyEquality(t *testing.T) {
	a := NewKey("flowlist", "fl1\x00\x00\x00")
	b := NewKey("flowlist", "fl1")
	if !a.Equal(b) {
		t.Fatalf("padded key %q should equal %q", a.Path(), b.Path())
	}

	if a.Equal(NewKey("flowlist", "FL1")) {
		t.Error("key comparison must be case-sensitive")
	}
	if a.Equal(NewKey("vtn", "fl1")) {
		t.Error("keys of different types must not be equal")
	}
}

func TestKeyCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Key
		want int
	}{
		{"numeric sequence", NewKey("e", "fl", "9"), NewKey("e", "fl", "10"), -1},
		{"lexical name", NewKey("e", "fla", "1"), NewKey("e", "flb", "1"), -1},
		{"equal", NewKey("e", "fl", "10"), NewKey("e", "fl", "10"), 0},
		{"shorter first", NewKey("e", "fl"), NewKey("e", "fl", "1"), -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Errorf("Compare(%s, %s) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
			if got := tt.b.Compare(tt.a); got != -tt.want {
				t.Errorf("Compare(%s, %s) = %d, want %d", tt.b, tt.a, got, -tt.want)
			}
		})
	}
}

func TestParseKeyRoundTrip(t *testing.T) {
	k := NewKey("vbr_flowfilter_entry", "vtn1", "vbr1", "in", "20")
	got := ParseKey(k.Type, k.Path())
	if diff := cmp.Diff(k, got); diff != "" {
		t.Errorf("ParseKey() mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordNormalize(t *testing.T) {
	r := NewRecord(engine.TableMain, 3)
	r.Set(0, String("a"))
	r.Clear(1)
	r.Attrs[2] = Attr{Value: Uint(7), Valid: ValueNotModified}

	r.Normalize()

	if r.Attrs[1].Valid != Valid || !r.Attrs[1].Value.IsZero() {
		t.Errorf("cleared attribute = %+v, want VALID zero value", r.Attrs[1])
	}
	if r.Attrs[2].Valid != Valid || r.Attrs[2].Value.Num != 7 {
		t.Errorf("unmodified attribute = %+v, want VALID 7", r.Attrs[2])
	}
}

func TestRecordSupplied(t *testing.T) {
	r := NewRecord(engine.TableMain, 6)
	r.Set(0, Uint(0))
	r.Set(1, Value{})
	r.Set(2, String("vbr1"))
	r.Clear(3)
	r.Attrs[4] = Attr{Value: Uint(5), Valid: NotSupported}

	tests := []struct {
		i    int
		kind Kind
		want bool
	}{
		{0, KindUint8, true},
		{0, KindBool, true},
		{1, KindIPv4, false},
		{1, KindString, false},
		{2, KindString, true},
		{3, KindUint16, false},
		{4, KindUint16, false},
		{5, KindUint16, false},
		{6, KindUint16, false},
	}
	for _, tt := range tests {
		if got := r.Supplied(tt.i, tt.kind); got != tt.want {
			t.Errorf("Supplied(%d, %s) = %v, want %v", tt.i, tt.kind, got, tt.want)
		}
	}
	if r.Present(0) {
		t.Error("Present(0) reports a zero value")
	}
}

func TestRecordOverlay(t *testing.T) {
	cur := NewRecord(engine.TableMain, 3)
	cur.Set(0, String("keep"))
	cur.Set(1, Uint(1))

	req := NewRecord(engine.TableMain, 3)
	req.Clear(1)
	req.Set(2, Uint(3))

	cur.Overlay(req)

	if v, valid := cur.Get(0); valid != Valid || v.Str != "keep" {
		t.Errorf("attribute 0 = %v/%v, want keep/VALID", v, valid)
	}
	if _, valid := cur.Get(1); valid != ValidNoValue {
		t.Errorf("attribute 1 validity = %v, want VALID_NO_VALUE", valid)
	}
	if v, _ := cur.Get(2); v.Num != 3 {
		t.Errorf("attribute 2 = %d, want 3", v.Num)
	}
}

func TestRecordSameConfigIgnoresStatus(t *testing.T) {
	a := NewRecord(engine.TableMain, 2).Set(0, Uint(5))
	b := a.Clone()
	b.Status = StatusApplied
	b.Attrs[0].Status = StatusApplied

	if !a.SameConfig(b) {
		t.Error("records differing only in status should have the same config")
	}

	b.Set(1, Uint(1))
	if a.SameConfig(b) {
		t.Error("records with different validity should differ")
	}
}

func TestEnvelopeClone(t *testing.T) {
	env := New(NewKey("flowlist", "fl1"), NewRecord(engine.TableMain, 1).Set(0, Uint(1)))
	env.Owner = Ownership{Controller: "c1", Domain: "d1"}
	env.Flags.SetFlowListRenamed(true)

	c := env.Clone()
	c.Main().Set(0, Uint(2))
	c.Key.Parts[0] = "other"

	if env.Main().Attrs[0].Value.Num != 1 {
		t.Error("mutating a clone changed the original record")
	}
	if env.Key.Part(0) != "fl1" {
		t.Error("mutating a clone changed the original key")
	}
	if !c.Flags.IsFlowListRenamed() || c.Owner != env.Owner {
		t.Error("clone lost ownership or flags")
	}
}

func TestValidityJSON(t *testing.T) {
	a := Attr{Value: MustAddr("10.0.0.1"), Valid: NotSupported, Status: StatusNotSupported}
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var got Attr
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if got != a {
		t.Errorf("attr = %+v, want %+v", got, a)
	}
}

func TestRenameFlagsIndependent(t *testing.T) {
	bits := []RenameFlags{FlagTenantRenamed, FlagVnodeRenamed, FlagFlowListRenamed, FlagRedirectRenamed}

	rapid.Check(t, func(t *rapid.T) {
		var f RenameFlags
		for _, b := range bits {
			f.Set(b, rapid.Bool().Draw(t, b.String()))
		}
		before := f
		target := rapid.SampledFrom(bits).Draw(t, "target")

		f.Set(target, false)

		for _, b := range bits {
			if b == target {
				if f.Has(b) {
					t.Fatalf("bit %s still set after clearing", b)
				}
				continue
			}
			if f.Has(b) != before.Has(b) {
				t.Fatalf("clearing %s changed %s", target, b)
			}
		}
	})
}
