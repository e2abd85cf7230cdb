package commit_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/upll/pkg/capability"
	"github.com/openfroyo/upll/pkg/commit"
	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/driver"
	"github.com/openfroyo/upll/pkg/driver/drivertest"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/motypes"
	"github.com/openfroyo/upll/pkg/registry"
	"github.com/openfroyo/upll/pkg/rename"
	"github.com/openfroyo/upll/pkg/stores"
	"github.com/openfroyo/upll/pkg/telemetry"
)

const testCapabilities = `
controllers:
  - type: odc
    keytypes:
      - {keytype: vtn, operations: {create: ["*"], update: ["*"], read: ["*"]}}
      - {keytype: vbridge, operations: {create: ["*"], update: ["*"], read: ["*"]}}
      - {keytype: flowlist, operations: {create: ["*"], update: ["*"], read: ["*"]}}
      - {keytype: flowlist_entry, operations: {create: ["*"], update: ["*"], read: ["*"]}}
      - {keytype: vtn_flowfilter_entry, operations: {create: ["*"], update: ["*"], read: ["*"]}}
  - type: pfc
    keytypes:
      - {keytype: vtn, operations: {create: ["*"], update: ["*"], read: ["*"]}}
      - {keytype: vbridge, operations: {create: ["*"], update: ["*"], read: ["*"]}}
      - {keytype: flowlist, operations: {create: ["*"], update: ["*"], read: ["*"]}}
      - {keytype: flowlist_entry, operations: {create: [ip_proto, ip_dscp], update: [ip_proto], read: ["*"]}}
      - {keytype: vtn_flowfilter_entry, operations: {create: ["*"], update: ["*"], read: ["*"]}}
`

var (
	c1 = keyval.Ownership{Controller: "c1", Domain: "d1"}
	c2 = keyval.Ownership{Controller: "c2", Domain: "d1"}

	entryKey = keyval.NewKey(motypes.FlowListEntry, "fl1", "10")
)

type fixture struct {
	reg      *registry.Registry
	ds       datastore.Adapter
	fake     *drivertest.Fake
	journal  stores.Journal
	resolver *rename.Resolver
	neg      *capability.Negotiator
	sender   commit.Sender
	pipeline *commit.Pipeline
}

type adapterKind string

const (
	memoryAdapter adapterKind = "memory"
	sqliteAdapter adapterKind = "sqlite"
)

var adapters = []adapterKind{memoryAdapter, sqliteAdapter}

func setupPipeline(t *testing.T, kind adapterKind) *fixture {
	t.Helper()

	reg, err := motypes.Default()
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	f := &fixture{reg: reg}
	switch kind {
	case memoryAdapter:
		mem, err := datastore.NewMemory()
		if err != nil {
			t.Fatalf("failed to create memory datastore: %v", err)
		}
		f.ds = mem
		f.journal = stores.NewMemoryJournal()
	case sqliteAdapter:
		store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"}, reg, zerolog.Nop())
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		ctx := context.Background()
		if err := store.Init(ctx); err != nil {
			t.Fatalf("failed to init store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("failed to migrate store: %v", err)
		}
		f.ds = store
		f.journal = store
	}

	table, err := capability.ParseTable([]byte(testCapabilities))
	if err != nil {
		t.Fatalf("failed to parse capabilities: %v", err)
	}
	inv, err := capability.NewInventory([]capability.Controller{
		{ID: "c1", Type: capability.TypeODC, Version: "1.0", Domains: []string{"d1"}},
		{ID: "c2", Type: capability.TypePFC, Domains: []string{"d1"}},
	})
	if err != nil {
		t.Fatalf("failed to build inventory: %v", err)
	}

	f.fake = drivertest.New()
	disp := driver.NewDispatcher(inv, time.Second, zerolog.Nop(), nil)
	disp.Register(capability.TypeODC, f.fake)
	disp.Register(capability.TypePFC, f.fake)

	f.sender = disp
	f.neg = capability.NewNegotiator(reg, table, inv, zerolog.Nop(), nil)
	f.resolver = rename.New(reg, zerolog.Nop())
	f.pipeline = f.newPipeline(t, f.ds)
	return f
}

func (f *fixture) newPipeline(t *testing.T, ds datastore.Adapter) *commit.Pipeline {
	t.Helper()
	p, err := commit.New(commit.Config{
		Registry:   f.reg,
		Adapter:    ds,
		Negotiator: f.neg,
		Resolver:   f.resolver,
		Sender:     f.sender,
		Journal:    f.journal,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return p
}

func (f *fixture) record(t *testing.T, kt engine.KeyType) *keyval.Record {
	t.Helper()
	mt, err := f.reg.Lookup(kt)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	return mt.NewRecord(engine.TableMain)
}

func (f *fixture) write(t *testing.T, ds engine.Datastore, op engine.Operation, env *keyval.Envelope) {
	t.Helper()
	if err := f.ds.Write(context.Background(), ds, engine.TableMain, op, env); err != nil {
		t.Fatalf("%s of %s in %s failed: %v", op, env.Key, ds, err)
	}
}

func (f *fixture) entry(t *testing.T, proto uint64) *keyval.Envelope {
	rec := f.record(t, motypes.FlowListEntry).
		Set(motypes.FLEDstIP, keyval.MustAddr("10.0.0.1")).
		Set(motypes.FLEIPProto, keyval.Uint(proto))
	return keyval.New(entryKey, rec)
}

// seed fills the candidate with a tenant bridged onto c1 and c2 whose flow
// filter uses flow list fl1 with one entry.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	bridge := func(name, ctrl string) *keyval.Envelope {
		rec := f.record(t, motypes.VBridge).
			Set(motypes.VnodeControllerID, keyval.String(ctrl)).
			Set(motypes.VnodeDomainID, keyval.String("d1"))
		return keyval.New(keyval.NewKey(motypes.VBridge, "vtn1", name), rec)
	}
	envs := []*keyval.Envelope{
		keyval.New(keyval.NewKey(motypes.VTN, "vtn1"), f.record(t, motypes.VTN)),
		bridge("br1", "c1"),
		bridge("br2", "c2"),
		keyval.New(keyval.NewKey(motypes.FlowList, "fl1"),
			f.record(t, motypes.FlowList).Set(motypes.FlowListIPType, keyval.Uint(motypes.IPTypeIPv4))),
		f.entry(t, 6),
		keyval.New(keyval.NewKey(motypes.VTNFlowFilterEntry, "vtn1", "in", "1"),
			f.record(t, motypes.VTNFlowFilterEntry).
				Set(motypes.VTNFFFlowListName, keyval.String("fl1")).
				Set(motypes.VTNFFAction, keyval.Uint(motypes.ActionPass))),
	}
	for _, env := range envs {
		f.write(t, engine.DatastoreCandidate, engine.OpCreate, env)
	}
}

func (f *fixture) read(t *testing.T, ds engine.Datastore, table engine.Table, key keyval.Key) []*keyval.Envelope {
	t.Helper()
	envs, err := datastore.ReadOptional(context.Background(), f.ds, datastore.ReadRequest{
		Datastore: ds,
		Table:     table,
		Key:       key,
	})
	if err != nil {
		t.Fatalf("read of %s %s %s failed: %v", ds, table, key, err)
	}
	return envs
}

func (f *fixture) commit(t *testing.T, scope engine.Scope) *commit.Report {
	t.Helper()
	rep, err := f.pipeline.Commit(context.Background(), scope)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return rep
}

func controllerRow(t *testing.T, rows []*keyval.Envelope, owner keyval.Ownership) *keyval.Record {
	t.Helper()
	for _, r := range rows {
		if r.Owner == owner {
			return r.Record(engine.TableController)
		}
	}
	t.Fatalf("no controller row for %s", owner)
	return nil
}

func TestNewValidation(t *testing.T) {
	if _, err := commit.New(commit.Config{}); err == nil {
		t.Error("expected error without a registry")
	}
	reg, err := motypes.Default()
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	if _, err := commit.New(commit.Config{Registry: reg}); err == nil {
		t.Error("expected error without an adapter")
	}
}

func TestCommitCreateFansOut(t *testing.T) {
	for _, kind := range adapters {
		t.Run(string(kind), func(t *testing.T) {
			f := setupPipeline(t, kind)
			f.seed(t)

			rep := f.commit(t, engine.GlobalScope())
			if rep.Rows != 6 {
				t.Errorf("committed %d rows, want 6", rep.Rows)
			}
			if len(rep.Failed) != 0 {
				t.Errorf("unexpected failed votes: %v", rep.Failed)
			}

			mains := f.read(t, engine.DatastoreRunning, engine.TableMain, entryKey)
			if len(mains) != 1 {
				t.Fatalf("expected 1 running row, got %d", len(mains))
			}
			main := mains[0].Main()
			if main.Status != keyval.StatusApplied {
				t.Errorf("main status = %s, want APPLIED", main.Status)
			}
			if got := main.Attrs[motypes.FLEDstIP].Status; got != keyval.StatusApplied {
				t.Errorf("main dst_ip status = %s, want APPLIED", got)
			}

			ctrls := f.read(t, engine.DatastoreRunning, engine.TableController, entryKey)
			if len(ctrls) != 2 {
				t.Fatalf("expected 2 controller rows, got %d", len(ctrls))
			}
			r1 := controllerRow(t, ctrls, c1)
			if a := r1.Attrs[motypes.FLEDstIP]; a.Valid != keyval.Valid || a.Status != keyval.StatusApplied {
				t.Errorf("c1 dst_ip = %s/%s, want VALID/APPLIED", a.Valid, a.Status)
			}
			r2 := controllerRow(t, ctrls, c2)
			if a := r2.Attrs[motypes.FLEDstIP]; a.Valid != keyval.NotSupported || a.Status != keyval.StatusNotSupported {
				t.Errorf("c2 dst_ip = %s/%s, want NOT_SUPPORTED/NOT_SUPPORTED", a.Valid, a.Status)
			}
			if a := r2.Attrs[motypes.FLEIPProto]; a.Status != keyval.StatusApplied {
				t.Errorf("c2 ip_proto status = %s, want APPLIED", a.Status)
			}

			// The bridge has no controller rows and carries its vote itself.
			br := f.read(t, engine.DatastoreRunning, engine.TableMain, keyval.NewKey(motypes.VBridge, "vtn1", "br2"))
			if len(br) != 1 || br[0].Main().Status != keyval.StatusApplied {
				t.Errorf("bridge not applied: %v", br)
			}

			for _, req := range f.fake.CallsFor("c2") {
				if req.Env.Key.Type != motypes.FlowListEntry {
					continue
				}
				if req.Env.Records[0].Attrs[motypes.FLEDstIP].Valid != keyval.NotSupported {
					t.Error("dst_ip was sent to c2")
				}
			}

			again := f.commit(t, engine.GlobalScope())
			if again.Rows != 0 || len(again.Episodes) != 0 {
				t.Errorf("second commit wrote %d rows in %d episodes", again.Rows, len(again.Episodes))
			}
		})
	}
}

func TestCommitUpdateMergesStatus(t *testing.T) {
	for _, kind := range adapters {
		t.Run(string(kind), func(t *testing.T) {
			f := setupPipeline(t, kind)
			f.seed(t)
			f.commit(t, engine.GlobalScope())

			f.fake.Reset()
			f.fake.SetKeyResult("c2", entryKey, engine.CodeGeneric)
			f.write(t, engine.DatastoreCandidate, engine.OpUpdate, f.entry(t, 17))

			rep := f.commit(t, engine.GlobalScope())
			if rep.Rows != 1 {
				t.Errorf("committed %d rows, want 1", rep.Rows)
			}
			if len(rep.Failed) != 1 || rep.Failed[0].Owner != c2 {
				t.Errorf("failed votes = %v, want one from c2", rep.Failed)
			}

			main := f.read(t, engine.DatastoreRunning, engine.TableMain, entryKey)[0].Main()
			got := []keyval.ConfigStatus{
				main.Status,
				main.Attrs[motypes.FLEIPProto].Status,
				main.Attrs[motypes.FLEDstIP].Status,
			}
			want := []keyval.ConfigStatus{
				keyval.StatusPartiallyApplied,
				keyval.StatusPartiallyApplied,
				keyval.StatusApplied,
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("main statuses mismatch (-want +got):\n%s", diff)
			}
			if v := main.Attrs[motypes.FLEIPProto].Value.Num; v != 17 {
				t.Errorf("ip_proto = %d, want 17", v)
			}

			calls := f.fake.CallsFor("c1")
			if len(calls) != 1 {
				t.Fatalf("expected 1 call to c1, got %d", len(calls))
			}
			sent := calls[0].Env.Records[0]
			if sent.Attrs[motypes.FLEDstIP].Valid != keyval.ValueNotModified {
				t.Errorf("unchanged dst_ip sent as %s", sent.Attrs[motypes.FLEDstIP].Valid)
			}
			if sent.Attrs[motypes.FLEIPProto].Valid != keyval.Valid {
				t.Errorf("changed ip_proto sent as %s", sent.Attrs[motypes.FLEIPProto].Valid)
			}

			r1 := controllerRow(t, f.read(t, engine.DatastoreRunning, engine.TableController, entryKey), c1)
			if r1.Attrs[motypes.FLEDstIP].Valid != keyval.Valid {
				t.Errorf("stored c1 dst_ip validity = %s, want VALID", r1.Attrs[motypes.FLEDstIP].Valid)
			}
		})
	}
}

func TestCommitDeleteWithUnreachableController(t *testing.T) {
	for _, kind := range adapters {
		t.Run(string(kind), func(t *testing.T) {
			f := setupPipeline(t, kind)
			f.seed(t)
			f.commit(t, engine.GlobalScope())

			f.fake.SetError("c2", errors.New("connection refused"))
			f.write(t, engine.DatastoreCandidate, engine.OpDelete, keyval.New(entryKey))

			rep := f.commit(t, engine.GlobalScope())
			if len(rep.Failed) != 1 || rep.Failed[0].Result != engine.CodeCtrlrDisconnected {
				t.Errorf("failed votes = %v, want one disconnected", rep.Failed)
			}

			if rows := f.read(t, engine.DatastoreRunning, engine.TableMain, entryKey); len(rows) != 0 {
				t.Errorf("main row still in running")
			}
			if rows := f.read(t, engine.DatastoreRunning, engine.TableController, entryKey); len(rows) != 0 {
				t.Errorf("%d controller rows still in running", len(rows))
			}

			deleted := f.read(t, engine.DatastoreRunning, engine.TableDeleted, entryKey)
			if len(deleted) != 2 {
				t.Fatalf("expected 2 deleted rows, got %d", len(deleted))
			}
			if st := controllerRow(t, deleted, c1).Status; st != keyval.StatusApplied {
				t.Errorf("c1 delete status = %s, want APPLIED", st)
			}
			if st := controllerRow(t, deleted, c2).Status; st != keyval.StatusNotApplied {
				t.Errorf("c2 delete status = %s, want NOT_APPLIED", st)
			}
		})
	}
}

func TestCommitVirtualModeSkipsFanout(t *testing.T) {
	f := setupPipeline(t, memoryAdapter)
	f.seed(t)

	rep := f.commit(t, engine.VirtualScope())
	if rep.Rows != 6 {
		t.Errorf("committed %d rows, want 6", rep.Rows)
	}
	if n := len(f.fake.Calls()); n != 0 {
		t.Errorf("virtual commit made %d driver calls", n)
	}
	main := f.read(t, engine.DatastoreRunning, engine.TableMain, entryKey)[0].Main()
	if main.Status != keyval.StatusUnknown {
		t.Errorf("main status = %s, want UNKNOWN", main.Status)
	}
	if rows := f.read(t, engine.DatastoreRunning, engine.TableController, entryKey); len(rows) != 0 {
		t.Errorf("virtual commit created %d controller rows", len(rows))
	}
}

func TestCommitVTNScope(t *testing.T) {
	f := setupPipeline(t, memoryAdapter)
	f.seed(t)

	rep := f.commit(t, engine.VTNScope("vtn1"))
	// Flow lists are global and stay out of a tenant commit.
	if rep.Rows != 4 {
		t.Errorf("committed %d rows, want 4", rep.Rows)
	}
	if rows := f.read(t, engine.DatastoreRunning, engine.TableMain, entryKey); len(rows) != 0 {
		t.Error("global flow list entry committed in a tenant scope")
	}
}

func TestTxUpdateControllerLocalizesNames(t *testing.T) {
	f := setupPipeline(t, memoryAdapter)
	f.seed(t)

	ctx := context.Background()
	err := f.resolver.Record(ctx, f.ds, engine.DatastoreRunning, keyval.NewKey(motypes.FlowList, "fl1"), c1, keyval.NewKey(motypes.FlowList, "c1fl"))
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	res, err := f.pipeline.TxUpdateController(ctx, motypes.FlowListEntry, engine.GlobalScope())
	if err != nil {
		t.Fatalf("TxUpdateController failed: %v", err)
	}
	if res.Len() != 2 {
		t.Fatalf("expected 2 votes, got %d", res.Len())
	}

	got := map[string][]string{}
	for _, req := range f.fake.Calls() {
		got[req.Owner.Controller] = req.Env.Key.Parts
	}
	want := map[string][]string{
		"c1": {"c1fl", "10"},
		"c2": {"fl1", "10"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pushed keys mismatch (-want +got):\n%s", diff)
	}
	if v, ok := res.Get(engine.OpCreate, entryKey, c1); !ok || v.Result != engine.CodeSuccess {
		t.Errorf("c1 vote = %+v, %v", v, ok)
	}
}

func TestTxCopyCandidateToRunningUsesVotes(t *testing.T) {
	f := setupPipeline(t, memoryAdapter)
	f.seed(t)

	res := commit.NewResults()
	res.Add(commit.Vote{Operation: engine.OpCreate, Key: entryKey, Owner: c1, Result: engine.CodeSuccess})

	n, err := f.pipeline.TxCopyCandidateToRunning(context.Background(), motypes.FlowListEntry, res, engine.GlobalScope())
	if err != nil {
		t.Fatalf("TxCopyCandidateToRunning failed: %v", err)
	}
	if n != 1 {
		t.Errorf("copied %d rows, want 1", n)
	}

	ctrls := f.read(t, engine.DatastoreRunning, engine.TableController, entryKey)
	if st := controllerRow(t, ctrls, c2).Status; st != keyval.StatusNotApplied {
		t.Errorf("c2 without a vote = %s, want NOT_APPLIED", st)
	}
	main := f.read(t, engine.DatastoreRunning, engine.TableMain, entryKey)[0].Main()
	if main.Status != keyval.StatusPartiallyApplied {
		t.Errorf("main status = %s, want PARTIALLY_APPLIED", main.Status)
	}
}

func TestResults(t *testing.T) {
	res := commit.NewResults()
	k2 := keyval.NewKey(motypes.FlowListEntry, "fl1", "2")
	res.Add(commit.Vote{Operation: engine.OpUpdate, Key: entryKey, Owner: c2, Result: engine.CodeCfgSemantic})
	res.Add(commit.Vote{Operation: engine.OpUpdate, Key: entryKey, Owner: c1, Result: engine.CodeSuccess})
	res.Add(commit.Vote{Operation: engine.OpDelete, Key: k2, Owner: c1, Result: engine.CodeSuccess})

	tests := []struct {
		name  string
		op    engine.Operation
		key   keyval.Key
		owner keyval.Ownership
		want  keyval.ConfigStatus
	}{
		{"success", engine.OpUpdate, entryKey, c1, keyval.StatusApplied},
		{"semantic error", engine.OpUpdate, entryKey, c2, keyval.StatusInvalid},
		{"no vote", engine.OpCreate, entryKey, c1, keyval.StatusNotApplied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := res.Status(tt.op, tt.key, tt.owner); got != tt.want {
				t.Errorf("Status = %s, want %s", got, tt.want)
			}
		})
	}

	votes := res.Votes()
	if len(votes) != 3 || votes[0].Operation != engine.OpDelete || votes[1].Owner != c1 {
		t.Errorf("votes out of order: %+v", votes)
	}
	if failed := res.Failed(); len(failed) != 1 || failed[0].Owner != c2 {
		t.Errorf("Failed = %+v", failed)
	}

	var empty *commit.Results
	if empty.Len() != 0 || empty.Status(engine.OpCreate, entryKey, c1) != keyval.StatusNotApplied {
		t.Error("nil results must behave as empty")
	}
}

func TestCommitJournalsEpisodes(t *testing.T) {
	for _, kind := range adapters {
		t.Run(string(kind), func(t *testing.T) {
			f := setupPipeline(t, kind)
			f.seed(t)
			rep := f.commit(t, engine.GlobalScope())

			eps, err := f.journal.ListEpisodes(context.Background(), 100, 0)
			if err != nil {
				t.Fatalf("ListEpisodes failed: %v", err)
			}
			if len(eps) != len(rep.Episodes) {
				t.Fatalf("journal has %d episodes, report %d", len(eps), len(rep.Episodes))
			}
			total := 0
			for _, ep := range eps {
				if ep.Status != stores.EpisodeStatusCompleted {
					t.Errorf("episode %s of %s is %s", ep.ID, ep.KeyType, ep.Status)
				}
				if ep.Kind != stores.EpisodeKindCommit {
					t.Errorf("episode kind = %s", ep.Kind)
				}
				total += ep.Rows
			}
			if total != rep.Rows {
				t.Errorf("journal rows = %d, report rows = %d", total, rep.Rows)
			}
		})
	}
}

type failingAdapter struct {
	datastore.Adapter
}

func (failingAdapter) Begin(context.Context) (datastore.Tx, error) {
	return nil, errors.New("store unavailable")
}

func TestCommitAdapterFailure(t *testing.T) {
	f := setupPipeline(t, memoryAdapter)
	f.seed(t)

	p := f.newPipeline(t, failingAdapter{f.ds})

	rep, err := p.Commit(context.Background(), engine.GlobalScope())
	if err == nil {
		t.Fatal("expected commit to fail")
	}
	if len(rep.Episodes) != 1 || rep.Episodes[0].Status != stores.EpisodeStatusFailed {
		t.Fatalf("expected one failed episode, got %+v", rep.Episodes)
	}
	ep, err := f.journal.GetEpisode(context.Background(), rep.Episodes[0].ID)
	if err != nil {
		t.Fatalf("GetEpisode failed: %v", err)
	}
	if ep.Status != stores.EpisodeStatusFailed || ep.Error == nil {
		t.Errorf("journaled episode = %+v", ep)
	}
}

func TestCommitSurvivesStalledNotifications(t *testing.T) {
	f := setupPipeline(t, memoryAdapter)
	f.seed(t)

	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:        true,
		EnableAsync:    true,
		PublishTimeout: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	release := make(chan struct{})
	events.Subscribe(func(telemetry.Event) { <-release }, nil)
	defer func() {
		close(release)
		_ = events.Shutdown(context.Background())
	}()

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "upll"})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	tel := telemetry.Nop()
	tel.Events = events
	tel.Metrics = metrics

	p, err := commit.New(commit.Config{
		Registry:   f.reg,
		Adapter:    f.ds,
		Negotiator: f.neg,
		Resolver:   f.resolver,
		Sender:     f.sender,
		Journal:    f.journal,
		Telemetry:  tel,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}

	rep, err := p.Commit(context.Background(), engine.GlobalScope())
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if rep.Rows != 6 {
		t.Errorf("committed %d rows, want 6", rep.Rows)
	}

	keys := []keyval.Key{
		keyval.NewKey(motypes.VTN, "vtn1"),
		keyval.NewKey(motypes.VBridge, "vtn1", "br1"),
		keyval.NewKey(motypes.VBridge, "vtn1", "br2"),
		keyval.NewKey(motypes.FlowList, "fl1"),
		entryKey,
		keyval.NewKey(motypes.VTNFlowFilterEntry, "vtn1", "in", "1"),
	}
	for _, k := range keys {
		if rows := f.read(t, engine.DatastoreRunning, engine.TableMain, k); len(rows) != 1 {
			t.Errorf("%s has %d running rows, want 1", k, len(rows))
		}
	}

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "upll_change_notifications_failed_total") {
		t.Error("failed notifications were not counted")
	}
}
