package validate

import (
	"context"
	"encoding/binary"
	"net/netip"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"pgregory.net/rapid"

	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/motypes"
)

func setupPipeline(t *testing.T) (*Pipeline, *datastore.Memory) {
	t.Helper()

	reg, err := motypes.Default()
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	p, err := New(reg, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	store, err := datastore.NewMemory()
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return p, store
}

func seed(t *testing.T, store *datastore.Memory, ds engine.Datastore, env *keyval.Envelope) {
	t.Helper()
	if err := store.Write(context.Background(), ds, engine.TableMain, engine.OpCreate, env); err != nil {
		t.Fatalf("failed to seed %s: %v", env.Key, err)
	}
}

func flowList(name string, ipType uint64) *keyval.Envelope {
	rec := keyval.NewRecord(engine.TableMain, 1).Set(motypes.FlowListIPType, keyval.Uint(ipType))
	return keyval.New(keyval.NewKey(motypes.FlowList, name), rec)
}

func entryRecord() *keyval.Record {
	return keyval.NewRecord(engine.TableMain, motypes.FLEIcmpv6Code+1)
}

func entry(seq string, rec *keyval.Record) *keyval.Envelope {
	return keyval.New(keyval.NewKey(motypes.FlowListEntry, "fl1", seq), rec)
}

func TestValidateFlowListEntry(t *testing.T) {
	ctx := context.Background()
	p, store := setupPipeline(t)
	seed(t, store, engine.DatastoreCandidate, flowList("fl1", motypes.IPTypeIPv4))

	tests := []struct {
		name    string
		env     *keyval.Envelope
		wantErr engine.ResultCode
	}{
		{
			name: "valid",
			env: entry("10", entryRecord().
				Set(motypes.FLEDstIP, keyval.MustAddr("10.0.0.1")).
				Set(motypes.FLEDstIPPrefix, keyval.Uint(24)).
				Set(motypes.FLEL4DstPort, keyval.Uint(80)).
				Set(motypes.FLEL4DstPortEndpt, keyval.Uint(90))),
		},
		{
			name:    "sequence out of range",
			env:     entry("0", entryRecord()),
			wantErr: engine.CodeCfgSyntax,
		},
		{
			name:    "sequence not a number",
			env:     entry("ten", entryRecord()),
			wantErr: engine.CodeCfgSyntax,
		},
		{
			name:    "bad flow list name",
			env:     keyval.New(keyval.NewKey(motypes.FlowListEntry, "_fl", "1"), entryRecord()),
			wantErr: engine.CodeCfgSyntax,
		},
		{
			name:    "key too long",
			env:     keyval.New(keyval.NewKey(motypes.FlowListEntry, "fl1", "1", "x"), entryRecord()),
			wantErr: engine.CodeBadRequest,
		},
		{
			name:    "prefix out of range",
			env:     entry("10", entryRecord().Set(motypes.FLEDstIP, keyval.MustAddr("10.0.0.1")).Set(motypes.FLEDstIPPrefix, keyval.Uint(33))),
			wantErr: engine.CodeCfgSyntax,
		},
		{
			name:    "wrong address family in field",
			env:     entry("10", entryRecord().Set(motypes.FLEDstIP, keyval.MustAddr("2001:db8::1"))),
			wantErr: engine.CodeCfgSyntax,
		},
		{
			name:    "prefix without address",
			env:     entry("10", entryRecord().Set(motypes.FLESrcIPPrefix, keyval.Uint(8))),
			wantErr: engine.CodeCfgSyntax,
		},
		{
			name:    "icmp with ports",
			env:     entry("10", entryRecord().Set(motypes.FLEIcmpType, keyval.Uint(8)).Set(motypes.FLEL4SrcPort, keyval.Uint(22))),
			wantErr: engine.CodeCfgSyntax,
		},
		{
			name:    "icmp type zero with ports",
			env:     entry("10", entryRecord().Set(motypes.FLEIcmpType, keyval.Uint(0)).Set(motypes.FLEL4DstPort, keyval.Uint(80))),
			wantErr: engine.CodeCfgSyntax,
		},
		{
			name: "port range from zero",
			env:  entry("10", entryRecord().Set(motypes.FLEL4DstPort, keyval.Uint(0)).Set(motypes.FLEL4DstPortEndpt, keyval.Uint(10))),
		},
		{
			name:    "port range reversed",
			env:     entry("10", entryRecord().Set(motypes.FLEL4DstPort, keyval.Uint(90)).Set(motypes.FLEL4DstPortEndpt, keyval.Uint(80))),
			wantErr: engine.CodeCfgSyntax,
		},
		{
			name:    "ipv6 fields under ipv4 flow list",
			env:     entry("10", entryRecord().Set(motypes.FLEDstIPv6, keyval.MustAddr("2001:db8::1"))),
			wantErr: engine.CodeCfgSemantic,
		},
		{
			name:    "engine-only tag",
			env:     entry("10", func() *keyval.Record { r := entryRecord(); r.Attrs[motypes.FLEIPProto].Valid = keyval.NotSupported; return r }()),
			wantErr: engine.CodeBadRequest,
		},
		{
			name:    "missing parent",
			env:     keyval.New(keyval.NewKey(motypes.FlowListEntry, "fl2", "1"), entryRecord()),
			wantErr: engine.CodeParentDoesNotExist,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(ctx, store, Request{
				Operation: engine.OpCreate,
				Datastore: engine.DatastoreCandidate,
				Scope:     engine.GlobalScope(),
				Env:       tt.env,
			})
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate failed: %v", err)
				}
				return
			}
			if !engine.IsCode(err, tt.wantErr) {
				t.Errorf("Validate error = %v, want %s", err, tt.wantErr)
			}
		})
	}
}

func TestClearPolicy(t *testing.T) {
	ctx := context.Background()
	p, store := setupPipeline(t)
	seed(t, store, engine.DatastoreCandidate, flowList("fl1", motypes.IPTypeIPv4))

	stored := entry("10", entryRecord().Set(motypes.FLEIPDscp, keyval.Uint(10)))

	t.Run("update resets to zero value", func(t *testing.T) {
		env := entry("10", entryRecord().Clear(motypes.FLEIPDscp))
		err := p.Validate(ctx, store, Request{
			Operation: engine.OpUpdate,
			Datastore: engine.DatastoreCandidate,
			Scope:     engine.GlobalScope(),
			Env:       env,
			Stored:    stored,
		})
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		v, valid := env.Main().Get(motypes.FLEIPDscp)
		if valid != keyval.Valid || !v.IsZero() {
			t.Errorf("cleared attribute = (%v, %s), want VALID zero value", v, valid)
		}
	})

	t.Run("create drops the attribute", func(t *testing.T) {
		env := entry("11", entryRecord().Clear(motypes.FLEIPDscp))
		err := p.Validate(ctx, store, Request{
			Operation: engine.OpCreate,
			Datastore: engine.DatastoreCandidate,
			Scope:     engine.GlobalScope(),
			Env:       env,
		})
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if _, valid := env.Main().Get(motypes.FLEIPDscp); valid != keyval.Invalid {
			t.Errorf("validity = %s, want INVALID", valid)
		}
	})

	t.Run("cleared icmp fields give way to ports", func(t *testing.T) {
		withICMP := entry("13", entryRecord().
			Set(motypes.FLEIcmpType, keyval.Uint(0)).
			Set(motypes.FLEIcmpCode, keyval.Uint(0)))
		env := entry("13", entryRecord().
			Clear(motypes.FLEIcmpType).
			Clear(motypes.FLEIcmpCode).
			Set(motypes.FLEL4DstPort, keyval.Uint(80)))
		err := p.Validate(ctx, store, Request{
			Operation: engine.OpUpdate,
			Datastore: engine.DatastoreCandidate,
			Scope:     engine.GlobalScope(),
			Env:       env,
			Stored:    withICMP,
		})
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
	})

	t.Run("clearing an address keeps its prefix check", func(t *testing.T) {
		withPrefix := entry("12", entryRecord().
			Set(motypes.FLEDstIP, keyval.MustAddr("10.0.0.1")).
			Set(motypes.FLEDstIPPrefix, keyval.Uint(24)))
		env := entry("12", entryRecord().Clear(motypes.FLEDstIP))
		err := p.Validate(ctx, store, Request{
			Operation: engine.OpUpdate,
			Datastore: engine.DatastoreCandidate,
			Scope:     engine.GlobalScope(),
			Env:       env,
			Stored:    withPrefix,
		})
		if !engine.IsCode(err, engine.CodeCfgSyntax) {
			t.Errorf("Validate error = %v, want CFG_SYNTAX", err)
		}
	})
}

func TestImmutableAndRequired(t *testing.T) {
	ctx := context.Background()
	p, store := setupPipeline(t)

	stored := flowList("fl1", motypes.IPTypeIPv4)
	err := p.Validate(ctx, store, Request{
		Operation: engine.OpUpdate,
		Datastore: engine.DatastoreCandidate,
		Scope:     engine.GlobalScope(),
		Env:       flowList("fl1", motypes.IPTypeIPv6),
		Stored:    stored,
	})
	if !engine.IsCode(err, engine.CodeCfgSyntax) {
		t.Errorf("changing ip_type: error = %v, want CFG_SYNTAX", err)
	}

	err = p.Validate(ctx, store, Request{
		Operation: engine.OpUpdate,
		Datastore: engine.DatastoreCandidate,
		Scope:     engine.GlobalScope(),
		Env:       flowList("fl1", motypes.IPTypeIPv4),
		Stored:    stored,
	})
	if err != nil {
		t.Errorf("unchanged ip_type: %v", err)
	}

	seed(t, store, engine.DatastoreCandidate, keyval.New(keyval.NewKey(motypes.VTN, "vtn1"), keyval.NewRecord(engine.TableMain, 1)))
	bridge := keyval.New(keyval.NewKey(motypes.VBridge, "vtn1", "vbr1"),
		keyval.NewRecord(engine.TableMain, 3).Set(motypes.VnodeDomainID, keyval.String("default")))
	err = p.Validate(ctx, store, Request{
		Operation: engine.OpCreate,
		Datastore: engine.DatastoreCandidate,
		Scope:     engine.GlobalScope(),
		Env:       bridge,
	})
	if !engine.IsCode(err, engine.CodeCfgSyntax) {
		t.Errorf("missing controller_id: error = %v, want CFG_SYNTAX", err)
	}
}

func TestReferences(t *testing.T) {
	ctx := context.Background()
	p, store := setupPipeline(t)
	seed(t, store, engine.DatastoreCandidate, keyval.New(keyval.NewKey(motypes.VTN, "vtn1"), keyval.NewRecord(engine.TableMain, 1)))

	filter := func() *keyval.Envelope {
		rec := keyval.NewRecord(engine.TableMain, motypes.VTNFFPriority+1).
			Set(motypes.VTNFFFlowListName, keyval.String("fl1")).
			Set(motypes.VTNFFAction, keyval.Uint(motypes.ActionPass))
		return keyval.New(keyval.NewKey(motypes.VTNFlowFilterEntry, "vtn1", "in", "1"), rec)
	}
	validate := func(scope engine.Scope) error {
		return p.Validate(ctx, store, Request{
			Operation: engine.OpCreate,
			Datastore: engine.DatastoreCandidate,
			Scope:     scope,
			Env:       filter(),
		})
	}

	if err := validate(engine.GlobalScope()); !engine.IsCode(err, engine.CodeParentDoesNotExist) {
		t.Errorf("missing flow list: error = %v, want PARENT_DOES_NOT_EXIST", err)
	}

	seed(t, store, engine.DatastoreCandidate, flowList("fl1", motypes.IPTypeIPv4))
	if err := validate(engine.GlobalScope()); err != nil {
		t.Errorf("flow list in candidate: %v", err)
	}
	if err := validate(engine.VTNScope("vtn1")); !engine.IsCode(err, engine.CodeCfgSemantic) {
		t.Errorf("flow list not in running: error = %v, want CFG_SEMANTIC", err)
	}

	seed(t, store, engine.DatastoreRunning, flowList("fl1", motypes.IPTypeIPv4))
	if err := validate(engine.VTNScope("vtn1")); err != nil {
		t.Errorf("flow list committed: %v", err)
	}
}

func TestAddressFamiliesExclusive(t *testing.T) {
	p, store := setupPipeline(t)
	seed(t, store, engine.DatastoreCandidate, flowList("fl1", motypes.IPTypeIPv4))
	ops := []engine.Operation{engine.OpCreate, engine.OpUpdate, engine.OpDelete, engine.OpRead}

	rapid.Check(t, func(t *rapid.T) {
		v4 := rapid.SampledFrom([]int{motypes.FLEDstIP, motypes.FLESrcIP}).Draw(t, "v4")
		v6 := rapid.SampledFrom([]int{motypes.FLEDstIPv6, motypes.FLESrcIPv6}).Draw(t, "v6")
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], rapid.Uint32().Draw(t, "v4addr"))
		v4addr := keyval.Addr(netip.AddrFrom4(b))

		rec := entryRecord().
			Set(v4, v4addr).
			Set(v6, keyval.MustAddr("2001:db8::1"))
		seq := rapid.IntRange(1, 65535).Draw(t, "seq")
		env := keyval.New(keyval.NewKey(motypes.FlowListEntry, "fl1", strconv.Itoa(seq)), rec)
		op := rapid.SampledFrom(ops).Draw(t, "op")

		err := p.Validate(context.Background(), store, Request{
			Operation: op,
			Datastore: engine.DatastoreCandidate,
			Scope:     engine.GlobalScope(),
			Env:       env,
			Stored:    entry(strconv.Itoa(seq), entryRecord()),
		})
		if !engine.IsCode(err, engine.CodeCfgSyntax) {
			t.Fatalf("%s with IPv4 and IPv6 fields: error = %v, want CFG_SYNTAX", op, err)
		}
	})
}
