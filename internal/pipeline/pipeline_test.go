package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/runsync/internal/attrs"
	"github.com/seantiz/runsync/internal/backend"
	"github.com/seantiz/runsync/internal/convert"
	"github.com/seantiz/runsync/internal/dispatch"
	"github.com/seantiz/runsync/internal/fsm"
	"github.com/seantiz/runsync/internal/kind"
	"github.com/seantiz/runsync/internal/model"
	"github.com/seantiz/runsync/internal/pipeline"
	"github.com/seantiz/runsync/internal/store"
)

const sampleKind = "sample"

type sampleSpec struct{ Target string }

var sampleConverter = convert.Funcs[sampleSpec]{
	To: func(p sampleSpec) (*attrs.Map, error) {
		m := attrs.New()
		m.Set("target", p.Target)
		return m, nil
	},
	From: func(m *attrs.Map) (sampleSpec, error) {
		s, err := convert.NewFieldAccessor(m).RequireString("target")
		return sampleSpec{Target: s}, err
	},
}

func (p sampleSpec) ExternalRef(*model.Record) string { return "sample/" + p.Target }

// fakeFetcher returns the phase set for a ref, or err.
type fakeFetcher struct {
	mu     sync.Mutex
	phases map[string]string
	err    error
	calls  int
	refs   []string
}

func (f *fakeFetcher) FetchStatus(_ context.Context, ref string, _ time.Duration) (*attrs.Map, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.refs = append(f.refs, ref)
	if f.err != nil {
		return nil, f.err
	}
	m := attrs.New()
	m.Set("phase", f.phases[ref])
	return m, nil
}

func (f *fakeFetcher) Capabilities() backend.Capabilities { return backend.Capabilities{Name: "fake"} }

func (f *fakeFetcher) set(ref, phase string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phases == nil {
		f.phases = map[string]string{}
	}
	f.phases[ref] = phase
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []dispatch.Message
}

func (p *recordingPublisher) Publish(m dispatch.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m)
	return nil
}

type fixture struct {
	store   *store.SQLiteStore
	fetcher *fakeFetcher
	kinds   *kind.Registry
	deps    pipeline.Deps
	wf      *pipeline.Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	kinds := kind.NewRegistry()
	err = kinds.Register(sampleKind, kind.Entry{
		Accessor: convert.NewAccessorFactory(func(f *convert.FieldAccessor) (model.Phase, string) {
			p, _ := f.String("phase")
			if p == "" {
				return model.PhasePending, ""
			}
			return model.Phase(p), "sample says " + p
		}),
		Converter: convert.Erase[sampleSpec](sampleConverter),
	})
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{store: st, fetcher: &fakeFetcher{}, kinds: kinds}
	f.deps = pipeline.Deps{
		Machines: fsm.Tables(),
		Fetcher:  f.fetcher,
		Store:    st,
		Timeout:  time.Second,
	}
	f.wf, err = kinds.Workflow(sampleKind, f.deps)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) create(t *testing.T, target string, state model.State) *model.Record {
	t.Helper()
	spec := attrs.New()
	spec.Set("target", target)
	rec := &model.Record{
		ID:     model.NewID(),
		Entity: model.EntityRun,
		Kind:   sampleKind,
		Name:   target,
		State:  state,
		Spec:   spec,
	}
	if err := f.store.Create(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func (f *fixture) load(t *testing.T, id string) *model.Record {
	t.Helper()
	rec, err := f.store.Load(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestRunningSucceededCompletesOnce(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "a", model.StateRunning)
	f.fetcher.set("sample/a", "succeeded")

	out := f.wf.Run(context.Background(), rec)
	if out.Err != nil || !out.Emit {
		t.Fatalf("Outcome = %+v", out)
	}
	if out.Trigger != model.TriggerSucceed || out.Record.State != model.StateCompleted {
		t.Errorf("got %s -> %s", out.Trigger, out.Record.State)
	}
	if phase, _ := out.Record.Status.String("phase"); phase != "succeeded" {
		t.Errorf("status not recorded: %v", out.Record.Status.ToMap())
	}

	// The same stale record ticking again must not complete it twice.
	dup := f.wf.Run(context.Background(), rec)
	if dup.Emit {
		t.Error("duplicate tick emitted a second message")
	}
	if !errors.Is(dup.Err, store.ErrStaleWrite) {
		t.Errorf("duplicate tick err = %v, want stale write", dup.Err)
	}

	// Ticking the committed terminal record is a silent no-op.
	again := f.wf.Run(context.Background(), out.Record)
	if again.Emit || again.Err != nil {
		t.Errorf("terminal tick = %+v", again)
	}
	if got := f.load(t, rec.ID); got.State != model.StateCompleted || got.Version != 2 {
		t.Errorf("stored = %s v%d", got.State, got.Version)
	}
}

func TestIllegalTransitionOnTerminalIsIgnored(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "a", model.StateCompleted)

	force := func(_ context.Context, s pipeline.State) (pipeline.State, error) {
		s.Trigger = model.TriggerSucceed
		return s, nil
	}
	wf := pipeline.New("forced", f.deps, force, pipeline.Transition(f.deps.Machines), pipeline.Commit(f.store))

	out := wf.Run(context.Background(), rec)
	if out.Emit || out.Err != nil {
		t.Errorf("Outcome = %+v, want silent no-op", out)
	}
}

func TestIllegalTransitionOnActiveRecordSurfacesError(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "a", model.StateReady)

	force := func(_ context.Context, s pipeline.State) (pipeline.State, error) {
		s.Trigger = model.TriggerSucceed
		return s, nil
	}
	wf := pipeline.New("forced", f.deps, force, pipeline.Transition(f.deps.Machines), pipeline.Commit(f.store))

	out := wf.Run(context.Background(), rec)
	var ite *fsm.IllegalTransitionError
	if !errors.As(out.Err, &ite) {
		t.Fatalf("Err = %v, want IllegalTransitionError", out.Err)
	}
	if !out.Emit || out.Trigger != model.TriggerFail || out.Record.State != model.StateError {
		t.Errorf("Outcome = %+v", out)
	}
	got := f.load(t, rec.ID)
	if got.State != model.StateError || got.Note == "" {
		t.Errorf("stored = %s note %q", got.State, got.Note)
	}
}

func TestTimeoutLeavesStateAndAttachesNote(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "slow", model.StateRunning)
	f.fetcher.err = &backend.StatusError{Kind: sampleKind, Ref: "sample/slow", Err: backend.ErrTimeout}

	out := f.wf.Run(context.Background(), rec)
	if out.Emit {
		t.Error("timeout emitted a message")
	}
	if !pipeline.Transient(out.Err) {
		t.Errorf("Err = %v, want transient", out.Err)
	}
	got := f.load(t, rec.ID)
	if got.State != model.StateRunning {
		t.Errorf("state = %s, want running", got.State)
	}
	if got.Note == "" {
		t.Error("no note attached")
	}

	// Recovery on the next tick.
	f.fetcher.err = nil
	f.fetcher.set("sample/slow", "failed")
	out = f.wf.Run(context.Background(), got)
	if !out.Emit || out.Record.State != model.StateError || out.Record.Note != "sample says failed" {
		t.Errorf("recovery Outcome = %+v", out)
	}
}

// forgetfulKinds resolves specs but no longer knows the kind's accessor, as
// after the kind was deregistered.
type forgetfulKinds struct{ pipeline.Kinds }

func (forgetfulKinds) Accessor(k string, _ *attrs.Map) (convert.StatusAccessor, error) {
	return nil, &convert.UnsupportedKindError{Kind: k}
}

func TestPermanentErrorAttachesNote(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "orphaned", model.StateRunning)
	f.fetcher.set("sample/orphaned", "running")

	deps := f.deps
	deps.Kind = sampleKind
	deps.Kinds = forgetfulKinds{f.kinds}
	wf := pipeline.Standard(deps)

	out := wf.Run(context.Background(), rec)
	var uke *convert.UnsupportedKindError
	if !errors.As(out.Err, &uke) {
		t.Fatalf("Err = %v, want UnsupportedKindError", out.Err)
	}
	if pipeline.Transient(out.Err) || out.Emit {
		t.Errorf("Outcome = %+v, want non-transient without message", out)
	}
	got := f.load(t, rec.ID)
	if got.State != model.StateRunning {
		t.Errorf("state = %s, want running", got.State)
	}
	if got.Note != uke.Error() {
		t.Errorf("note = %q, want %q", got.Note, uke.Error())
	}
}

func TestLifecycleProgression(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "b", model.StateCreated)
	ctx := context.Background()

	out := f.wf.Run(ctx, rec)
	if out.Record.State != model.StateReady || out.Trigger != model.TriggerPrepareReady {
		t.Fatalf("created tick = %s via %s", out.Record.State, out.Trigger)
	}
	if f.fetcher.calls != 0 {
		t.Errorf("backend queried during prepare: %d calls", f.fetcher.calls)
	}

	f.fetcher.set("sample/b", "pending")
	noop := f.wf.Run(ctx, out.Record)
	if noop.Emit || noop.Err != nil {
		t.Fatalf("pending tick = %+v", noop)
	}

	f.fetcher.set("sample/b", "succeeded")
	out = f.wf.Run(ctx, out.Record)
	if out.Record.State != model.StateRunning || out.Trigger != model.TriggerStart {
		t.Fatalf("ready tick = %s via %s", out.Record.State, out.Trigger)
	}
	out = f.wf.Run(ctx, out.Record)
	if out.Record.State != model.StateCompleted {
		t.Fatalf("running tick = %s", out.Record.State)
	}
	if f.fetcher.refs[0] != "sample/b" {
		t.Errorf("ref = %q, want sample/b", f.fetcher.refs[0])
	}
}

func TestMalformedSpecIsTransient(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "c", model.StateRunning)
	rec.Spec = attrs.New()

	out := f.wf.Run(context.Background(), rec)
	var ce *convert.ConversionError
	if !errors.As(out.Err, &ce) || ce.Key != "target" {
		t.Errorf("Err = %v, want ConversionError on target", out.Err)
	}
	if out.Emit {
		t.Error("malformed spec emitted a message")
	}
}

func TestSweepPublishesOnlyTransitions(t *testing.T) {
	f := newFixture(t)
	done := f.create(t, "done", model.StateRunning)
	f.create(t, "busy", model.StateRunning)
	f.create(t, "old", model.StateCompleted)
	fresh := f.create(t, "fresh", model.StateCreated)
	f.fetcher.set("sample/done", "succeeded")
	f.fetcher.set("sample/busy", "running")

	pub := &recordingPublisher{}
	sweep := pipeline.NewSweep(f.wf, f.store, pub, pipeline.WithConcurrency(2))
	if sweep.Name() != "sweep/sample" {
		t.Errorf("Name() = %q", sweep.Name())
	}
	if err := sweep.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got := map[string]model.State{}
	for _, m := range pub.msgs {
		got[m.RecordID()] = m.Record().State
	}
	want := map[string]model.State{done.ID: model.StateCompleted, fresh.ID: model.StateReady}
	if len(got) != len(want) || len(pub.msgs) != 2 {
		t.Fatalf("published %v, want %v", got, want)
	}
	for id, st := range want {
		if got[id] != st {
			t.Errorf("record %s published as %s, want %s", id, got[id], st)
		}
	}
}

func TestTriggerFor(t *testing.T) {
	tests := []struct {
		state model.State
		phase model.Phase
		want  model.Trigger
	}{
		{model.StateReady, model.PhasePending, ""},
		{model.StateReady, model.PhaseRunning, model.TriggerStart},
		{model.StateReady, model.PhaseSucceeded, model.TriggerStart},
		{model.StateReady, model.PhaseFailed, model.TriggerFail},
		{model.StateRunning, model.PhaseRunning, ""},
		{model.StateRunning, model.PhaseSucceeded, model.TriggerSucceed},
		{model.StateRunning, model.PhaseFailed, model.TriggerFail},
		{model.StateRunning, model.PhaseUnknown, ""},
		{model.StateCompleted, model.PhaseFailed, ""},
	}
	for _, tt := range tests {
		if got := pipeline.TriggerFor(tt.state, tt.phase); got != tt.want {
			t.Errorf("TriggerFor(%s, %s) = %q, want %q", tt.state, tt.phase, got, tt.want)
		}
	}
}
