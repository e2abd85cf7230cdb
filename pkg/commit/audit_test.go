package commit_test

import (
	"context"
	"testing"

	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/motypes"
)

func setupAudit(t *testing.T, kind adapterKind) *fixture {
	t.Helper()
	f := setupPipeline(t, kind)
	f.seed(t)
	f.commit(t, engine.GlobalScope())
	return f
}

func (f *fixture) reported(t *testing.T, key keyval.Key, proto uint64, dst string) *keyval.Envelope {
	t.Helper()
	rec := f.record(t, motypes.FlowListEntry).Set(motypes.FLEIPProto, keyval.Uint(proto))
	if dst != "" {
		rec.Set(motypes.FLEDstIP, keyval.MustAddr(dst))
	}
	return keyval.New(key, rec)
}

func TestAuditMatchesRunning(t *testing.T) {
	for _, kind := range adapters {
		t.Run(string(kind), func(t *testing.T) {
			f := setupAudit(t, kind)
			ctx := context.Background()

			if _, err := f.pipeline.StageAudit(ctx, c1, []*keyval.Envelope{f.reported(t, entryKey, 6, "10.0.0.1")}); err != nil {
				t.Fatalf("StageAudit failed: %v", err)
			}
			staged := f.read(t, engine.DatastoreAudit, engine.TableController, entryKey)
			if len(staged) != 1 || staged[0].Owner != c1 {
				t.Fatalf("staged audit rows = %v", staged)
			}

			diff, rep, err := f.pipeline.AuditDiff(ctx, motypes.FlowListEntry, c1)
			if err != nil {
				t.Fatalf("AuditDiff failed: %v", err)
			}
			if len(diff) != 0 || !rep.InSync() || rep.Matched != 1 {
				t.Errorf("AuditDiff = %d rows, %+v", len(diff), rep)
			}

			rep, err = f.pipeline.TxCopyAudit(ctx, motypes.FlowListEntry, c1, engine.CodeSuccess)
			if err != nil {
				t.Fatalf("TxCopyAudit failed: %v", err)
			}
			if rep.Matched != 1 {
				t.Errorf("matched = %d, want 1", rep.Matched)
			}
			if rows := f.read(t, engine.DatastoreAudit, engine.TableController, entryKey); len(rows) != 0 {
				t.Errorf("%d audit rows left after the audit", len(rows))
			}
			main := f.read(t, engine.DatastoreRunning, engine.TableMain, entryKey)[0].Main()
			if main.Status != keyval.StatusApplied {
				t.Errorf("main status = %s, want APPLIED", main.Status)
			}
		})
	}
}

func TestAuditDifferingRows(t *testing.T) {
	for _, kind := range adapters {
		t.Run(string(kind), func(t *testing.T) {
			f := setupAudit(t, kind)
			ctx := context.Background()

			extra := keyval.NewKey(motypes.FlowListEntry, "fl1", "20")
			envs := []*keyval.Envelope{
				f.reported(t, entryKey, 17, ""),
				f.reported(t, extra, 6, ""),
			}
			if _, err := f.pipeline.StageAudit(ctx, c2, envs); err != nil {
				t.Fatalf("StageAudit failed: %v", err)
			}

			diff, rep, err := f.pipeline.AuditDiff(ctx, motypes.FlowListEntry, c2)
			if err != nil {
				t.Fatalf("AuditDiff failed: %v", err)
			}
			if rep.InSync() || rep.Differing != 1 || rep.Extra != 1 {
				t.Errorf("report = %+v, want one differing and one extra", rep)
			}
			if len(diff) != 2 {
				t.Fatalf("expected 2 diff rows, got %d", len(diff))
			}
			if diff[0].New == nil || diff[0].Old == nil || !diff[0].Key().Equal(entryKey) {
				t.Errorf("first diff row = %+v", diff[0])
			}
			if diff[1].New != nil {
				t.Error("extra row must have no running side")
			}

			if _, err := f.pipeline.TxCopyAudit(ctx, motypes.FlowListEntry, c2, engine.CodeGeneric); err != nil {
				t.Fatalf("TxCopyAudit failed: %v", err)
			}
			r2 := controllerRow(t, f.read(t, engine.DatastoreRunning, engine.TableController, entryKey), c2)
			if r2.Status != keyval.StatusNotApplied {
				t.Errorf("c2 status = %s, want NOT_APPLIED", r2.Status)
			}
			if st := r2.Attrs[motypes.FLEIPProto].Status; st != keyval.StatusNotApplied {
				t.Errorf("c2 ip_proto status = %s, want NOT_APPLIED", st)
			}
			if st := r2.Attrs[motypes.FLEDstIP].Status; st != keyval.StatusNotSupported {
				t.Errorf("c2 dst_ip status = %s, want NOT_SUPPORTED", st)
			}

			main := f.read(t, engine.DatastoreRunning, engine.TableMain, entryKey)[0].Main()
			if main.Status != keyval.StatusPartiallyApplied {
				t.Errorf("main status = %s, want PARTIALLY_APPLIED", main.Status)
			}
			if rows := f.read(t, engine.DatastoreAudit, engine.TableController, extra); len(rows) != 0 {
				t.Error("extra audit row left after the audit")
			}
		})
	}
}

func TestAuditClearsDeletedRows(t *testing.T) {
	f := setupAudit(t, memoryAdapter)
	ctx := context.Background()

	f.write(t, engine.DatastoreCandidate, engine.OpDelete, keyval.New(entryKey))
	f.commit(t, engine.GlobalScope())
	if n := len(f.read(t, engine.DatastoreRunning, engine.TableDeleted, entryKey)); n != 2 {
		t.Fatalf("expected 2 deleted rows, got %d", n)
	}

	if _, err := f.pipeline.TxCopyAudit(ctx, motypes.FlowListEntry, c2, engine.CodeSuccess); err != nil {
		t.Fatalf("TxCopyAudit failed: %v", err)
	}
	deleted := f.read(t, engine.DatastoreRunning, engine.TableDeleted, entryKey)
	if len(deleted) != 1 || deleted[0].Owner != c1 {
		t.Errorf("deleted rows after c2 audit = %v, want only c1", deleted)
	}
}

func TestAuditNeedsController(t *testing.T) {
	f := setupPipeline(t, memoryAdapter)
	ctx := context.Background()

	if _, err := f.pipeline.StageAudit(ctx, keyval.Ownership{}, nil); !engine.IsCode(err, engine.CodeBadRequest) {
		t.Errorf("StageAudit without controller = %v, want BAD_REQUEST", err)
	}
	if _, err := f.pipeline.TxCopyAudit(ctx, motypes.FlowListEntry, keyval.Ownership{}, engine.CodeSuccess); !engine.IsCode(err, engine.CodeBadRequest) {
		t.Errorf("TxCopyAudit without controller = %v, want BAD_REQUEST", err)
	}
}
