package capability

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"pgregory.net/rapid"

	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/motypes"
	"github.com/openfroyo/upll/pkg/registry"
)

const testTable = `
controllers:
  - type: odc
    keytypes:
      - keytype: flowlist
        operations:
          create: ["*"]
          update: ["*"]
          read: ["*"]
      - keytype: flowlist_entry
        operations:
          create: [dst_ip, dst_ip_prefix, ip_proto, l4_dst_port]
          update: [dst_ip, dst_ip_prefix]
          read: ["*"]
          state_read: []
  - type: odc
    version: "2.0"
    keytypes:
      - keytype: flowlist_entry
        operations:
          create: ["*"]
  - type: pfc
    keytypes:
      - keytype: flowlist_entry
        operations:
          create: [ip_proto, ip_dscp]
          update: []
`

func setupNegotiator(t *testing.T) *Negotiator {
	t.Helper()

	reg, err := motypes.Default()
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	table, err := ParseTable([]byte(testTable))
	if err != nil {
		t.Fatalf("failed to parse table: %v", err)
	}
	if err := table.Verify(reg); err != nil {
		t.Fatalf("table does not match registry: %v", err)
	}
	inv, err := NewInventory([]Controller{
		{ID: "c1", Type: TypeODC, Version: "1.0", Domains: []string{"default"}},
		{ID: "c2", Type: TypePFC, Domains: []string{"default"}},
		{ID: "c3", Type: TypeODC, Version: "2.0"},
		{ID: "c4", Type: TypeLegacy},
	})
	if err != nil {
		t.Fatalf("failed to build inventory: %v", err)
	}
	return NewNegotiator(reg, table, inv, zerolog.Nop(), nil)
}

func entry() *keyval.Envelope {
	rec := keyval.NewRecord(engine.TableController, motypes.FLEIcmpv6Code+1).
		Set(motypes.FLEDstIP, keyval.MustAddr("10.0.0.1")).
		Set(motypes.FLEIPProto, keyval.Uint(6))
	return keyval.New(keyval.NewKey(motypes.FlowListEntry, "fl1", "10"), rec)
}

func notSupported(rec *keyval.Record) []int {
	var out []int
	for i, a := range rec.Attrs {
		if a.Valid == keyval.NotSupported {
			out = append(out, i)
		}
	}
	return out
}

func TestFilter(t *testing.T) {
	n := setupNegotiator(t)

	tests := []struct {
		name    string
		ctrl    string
		op      engine.Operation
		ds      engine.Datastore
		want    []int
		wantErr engine.ResultCode
	}{
		{name: "all supported", ctrl: "c1", op: engine.OpCreate, ds: engine.DatastoreCandidate},
		{name: "version specific wildcard", ctrl: "c3", op: engine.OpCreate, ds: engine.DatastoreCandidate},
		{name: "one filtered", ctrl: "c2", op: engine.OpCreate, ds: engine.DatastoreCandidate, want: []int{motypes.FLEDstIP}},
		{name: "update subset", ctrl: "c1", op: engine.OpUpdate, ds: engine.DatastoreCandidate, want: []int{motypes.FLEIPProto}},
		{name: "no supported attributes", ctrl: "c2", op: engine.OpUpdate, ds: engine.DatastoreCandidate, wantErr: engine.CodeNotSupportedByController},
		{name: "operation not listed", ctrl: "c3", op: engine.OpUpdate, ds: engine.DatastoreCandidate, wantErr: engine.CodeNotSupportedByController},
		{name: "key type unsupported", ctrl: "c4", op: engine.OpCreate, ds: engine.DatastoreCandidate, wantErr: engine.CodeNotSupportedByController},
		{name: "delete needs key type only", ctrl: "c2", op: engine.OpDelete, ds: engine.DatastoreCandidate},
		{name: "state read filters everything", ctrl: "c1", op: engine.OpRead, ds: engine.DatastoreState, want: []int{motypes.FLEDstIP, motypes.FLEIPProto}},
		{name: "unknown controller", ctrl: "nope", op: engine.OpCreate, ds: engine.DatastoreCandidate, wantErr: engine.CodeCfgSemantic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := entry()
			before := env.Clone()

			flipped, err := n.Filter(env, engine.TableController, keyval.Ownership{Controller: tt.ctrl}, tt.op, tt.ds)
			if tt.wantErr != "" {
				if !engine.IsCode(err, tt.wantErr) {
					t.Fatalf("Filter error = %v, want %s", err, tt.wantErr)
				}
				if diff := cmp.Diff(before, env); diff != "" {
					t.Errorf("failed Filter mutated the envelope (-before +after):\n%s", diff)
				}
				return
			}
			if err != nil {
				t.Fatalf("Filter failed: %v", err)
			}

			got := notSupported(env.Record(engine.TableController))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("NOT_SUPPORTED set mismatch (-want +got):\n%s", diff)
			}
			if flipped != len(tt.want) {
				t.Errorf("flipped = %d, want %d", flipped, len(tt.want))
			}
		})
	}
}

func TestFilterIdempotent(t *testing.T) {
	n := setupNegotiator(t)
	ctrls := []string{"c1", "c2", "c3", "c4"}
	ops := []engine.Operation{engine.OpCreate, engine.OpUpdate, engine.OpDelete, engine.OpRead}

	rapid.Check(t, func(t *rapid.T) {
		rec := keyval.NewRecord(engine.TableController, motypes.FLEIcmpv6Code+1)
		for i := range rec.Attrs {
			switch rapid.IntRange(0, 3).Draw(t, "validity") {
			case 1:
				rec.Set(i, keyval.Uint(1))
			case 2:
				rec.Clear(i)
			}
		}
		env := keyval.New(keyval.NewKey(motypes.FlowListEntry, "fl1", "10"), rec)
		owner := keyval.Ownership{Controller: rapid.SampledFrom(ctrls).Draw(t, "ctrl")}
		op := rapid.SampledFrom(ops).Draw(t, "op")

		_, err1 := n.Filter(env, engine.TableController, owner, op, engine.DatastoreCandidate)
		once := notSupported(env.Record(engine.TableController))

		_, err2 := n.Filter(env, engine.TableController, owner, op, engine.DatastoreCandidate)
		twice := notSupported(env.Record(engine.TableController))

		if engine.CodeOf(err1) != engine.CodeOf(err2) {
			t.Fatalf("second Filter result %v differs from first %v", err2, err1)
		}
		if diff := cmp.Diff(once, twice); diff != "" {
			t.Fatalf("NOT_SUPPORTED set changed on second run (-once +twice):\n%s", diff)
		}
	})
}

func TestInventory(t *testing.T) {
	if _, err := NewInventory([]Controller{{ID: "c1", Type: "onos"}}); err == nil {
		t.Error("expected error for unknown controller type")
	}
	if _, err := NewInventory([]Controller{{ID: "c1", Type: TypeODC}, {ID: "c1", Type: TypePFC}}); err == nil {
		t.Error("expected error for duplicate controller")
	}

	inv, err := NewInventory([]Controller{{ID: "b", Type: TypePFC}, {ID: "a", Type: TypeODC}})
	if err != nil {
		t.Fatalf("NewInventory failed: %v", err)
	}
	var ids []string
	for _, c := range inv.List() {
		ids = append(ids, c.ID)
	}
	if diff := cmp.Diff([]string{"b", "a"}, ids); diff != "" {
		t.Errorf("List order mismatch (-want +got):\n%s", diff)
	}
}

func TestParseTableRejectsUnknownOperation(t *testing.T) {
	_, err := ParseTable([]byte(`
controllers:
  - type: odc
    keytypes:
      - keytype: vtn
        operations:
          replace: ["*"]
`))
	if err == nil {
		t.Fatal("expected error for unknown operation")
	}
}

func TestEmptyTable(t *testing.T) {
	table, err := NewTable(File{})
	if err != nil {
		t.Fatalf("NewTable with no controllers failed: %v", err)
	}
	reg, err := motypes.Default()
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	if err := table.Verify(reg); err != nil {
		t.Errorf("empty table does not verify: %v", err)
	}

	ctrl := Controller{ID: "c1", Type: TypeODC}
	if table.SupportsKeyType(ctrl, motypes.FlowList) {
		t.Error("empty table supports flowlist")
	}
	if table.SupportsAttribute(ctrl, motypes.FlowListEntry, OpCreate, "dst_ip") {
		t.Error("empty table supports flowlist_entry dst_ip")
	}
}

func TestFilterFollowsBindings(t *testing.T) {
	const counter engine.KeyType = "counter"
	reg := registry.New()
	err := reg.Register(&registry.MOType{
		KeyType: counter,
		Global:  true,
		Keys:    []registry.KeyField{{Name: "counter_name", Kind: keyval.KindString, Width: 32}},
		Attrs: []registry.AttrDef{
			{Name: "limit", Kind: keyval.KindUint32},
			{Name: "note", Kind: keyval.KindString, MainOnly: true},
			{Name: "burst", Kind: keyval.KindUint32},
		},
		ControllerTable: true,
		Placement: func(context.Context, datastore.Reader, engine.Datastore, *keyval.Envelope) ([]keyval.Ownership, error) {
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	table, err := ParseTable([]byte("controllers:\n  - type: odc\n    keytypes:\n      - {keytype: counter, operations: {create: [limit]}}\n"))
	if err != nil {
		t.Fatalf("failed to parse table: %v", err)
	}
	inv, err := NewInventory([]Controller{{ID: "c1", Type: TypeODC}})
	if err != nil {
		t.Fatalf("failed to build inventory: %v", err)
	}
	n := NewNegotiator(reg, table, inv, zerolog.Nop(), nil)

	rec := keyval.NewRecord(engine.TableController, 3).
		Set(0, keyval.Uint(10)).
		Set(1, keyval.String("lab")).
		Set(2, keyval.Uint(5))
	env := keyval.New(keyval.NewKey(counter, "cnt1"), rec)

	flipped, err := n.Filter(env, engine.TableController, keyval.Ownership{Controller: "c1"}, engine.OpCreate, engine.DatastoreCandidate)
	if err != nil {
		t.Fatalf("Filter failed: %v", err)
	}
	// note has no controller column: it is left to the main row.
	if flipped != 1 {
		t.Errorf("flipped = %d, want 1", flipped)
	}
	got := []keyval.Validity{rec.Attrs[0].Valid, rec.Attrs[1].Valid, rec.Attrs[2].Valid}
	want := []keyval.Validity{keyval.Valid, keyval.Valid, keyval.NotSupported}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("validity mismatch (-want +got):\n%s", diff)
	}

	main := keyval.NewRecord(engine.TableMain, 3).
		Set(0, keyval.Uint(10)).
		Set(1, keyval.String("lab"))
	ctrl := keyval.NewRecord(engine.TableController, 3).
		Set(0, keyval.Uint(10)).
		Set(1, keyval.String("lab"))
	env = keyval.New(keyval.NewKey(counter, "cnt1"), main, ctrl)
	if _, err := n.Filter(env, engine.TableController, keyval.Ownership{Controller: "c1"}, engine.OpCreate, engine.DatastoreCandidate); err != nil {
		t.Fatalf("Filter failed: %v", err)
	}
	if main.Attrs[1].Valid != keyval.Valid {
		t.Errorf("main note validity = %v, want VALID", main.Attrs[1].Valid)
	}
}
