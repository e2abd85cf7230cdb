package registry

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
)

func noPlacement(ctx context.Context, r datastore.Reader, ds engine.Datastore, env *keyval.Envelope) ([]keyval.Ownership, error) {
	return nil, nil
}

func nameKey(name string) []KeyField {
	return []KeyField{{Name: name, Kind: keyval.KindString, Width: 32}}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		mt   *MOType
	}{
		{"empty key type", &MOType{Keys: nameKey("a")}},
		{"no keys", &MOType{KeyType: "a"}},
		{"unknown parent", &MOType{KeyType: "child", Parent: "missing", Keys: nameKey("a")}},
		{"controller table without placement", &MOType{KeyType: "a", Keys: nameKey("a"), ControllerTable: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := New().Register(tt.mt); err == nil {
				t.Error("expected registration to fail")
			}
		})
	}

	t.Run("duplicate", func(t *testing.T) {
		r := New()
		if err := r.Register(&MOType{KeyType: "a", Keys: nameKey("a")}); err != nil {
			t.Fatalf("register failed: %v", err)
		}
		if err := r.Register(&MOType{KeyType: "a", Keys: nameKey("a")}); err == nil {
			t.Error("expected duplicate registration to fail")
		}
	})
}

func TestLookupUnknown(t *testing.T) {
	_, err := New().Lookup("nope")
	if !engine.IsCode(err, engine.CodeNotAllowedForThisKeyType) {
		t.Errorf("expected NOT_ALLOWED_FOR_THIS_KEYTYPE, got %v", err)
	}
}

func TestBindingsFollowDescriptor(t *testing.T) {
	r := New()
	mt := &MOType{
		KeyType:         "vtn",
		Keys:            nameKey("vtn_name"),
		Attrs:           []AttrDef{{Name: "description", Kind: keyval.KindString, MainOnly: true}, {Name: "mode", Kind: keyval.KindUint8}},
		ControllerTable: true,
		Renameable:      true,
		Placement:       noPlacement,
	}
	if err := r.Register(mt); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	set := mt.Bindings()
	if set.Controller == nil || set.Rename == nil {
		t.Fatal("expected controller and rename bindings")
	}
	if set.Controller.Has(0) {
		t.Error("main-only attribute must not be bound in the controller table")
	}
	if !set.Controller.Has(1) {
		t.Error("attribute mode must be bound in the controller table")
	}
	if idx, ok := mt.Attr("mode"); !ok || idx != 1 {
		t.Errorf("Attr(mode) = %d, %v", idx, ok)
	}
}

func TestCommitOrder(t *testing.T) {
	r := New()
	register := func(mt *MOType) {
		t.Helper()
		if err := r.Register(mt); err != nil {
			t.Fatalf("register %s failed: %v", mt.KeyType, err)
		}
	}

	register(&MOType{KeyType: "vtn", Keys: nameKey("vtn")})
	register(&MOType{KeyType: "vtn_ff", Parent: "vtn", Keys: append(nameKey("vtn"), KeyField{Name: "seq", Kind: keyval.KindUint16}),
		References: []Reference{{Attr: 0, Target: "flowlist", Key: func(env *keyval.Envelope) (keyval.Key, bool) {
			return keyval.Key{}, false
		}}},
	})
	register(&MOType{KeyType: "flowlist", Keys: nameKey("fl"), Global: true})
	register(&MOType{KeyType: "flowlist_entry", Parent: "flowlist", Keys: append(nameKey("fl"), KeyField{Name: "seq", Kind: keyval.KindUint16})})

	order, err := r.CommitOrder()
	if err != nil {
		t.Fatalf("CommitOrder failed: %v", err)
	}
	var got []engine.KeyType
	for _, mt := range order {
		got = append(got, mt.KeyType)
	}
	want := []engine.KeyType{"vtn", "flowlist", "vtn_ff", "flowlist_entry"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("commit order mismatch (-want +got):\n%s", diff)
	}

	if refs := r.Referrers("flowlist"); len(refs) != 1 || refs[0].Type.KeyType != "vtn_ff" {
		t.Errorf("Referrers(flowlist) = %+v", refs)
	}
	if kids := r.Children("vtn"); len(kids) != 1 || kids[0].KeyType != "vtn_ff" {
		t.Errorf("Children(vtn) = %+v", kids)
	}
}

func TestCommitOrderCycle(t *testing.T) {
	r := New()
	ref := func(target engine.KeyType) []Reference {
		return []Reference{{Target: target, Key: func(*keyval.Envelope) (keyval.Key, bool) { return keyval.Key{}, false }}}
	}
	if err := r.Register(&MOType{KeyType: "a", Keys: nameKey("a"), References: ref("b")}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.Register(&MOType{KeyType: "b", Keys: nameKey("b"), References: ref("a")}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := r.CommitOrder(); err == nil {
		t.Error("expected a cycle error")
	}
}
