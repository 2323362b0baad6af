package journey

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/playperu/cityjourney/internal/geo"
	"github.com/playperu/cityjourney/internal/identity"
)

type memStore struct {
	mu          sync.Mutex
	journeys    map[string]Journey
	steps       map[string][]Step
	progress    map[string]Progress
	completions map[string]CompletionRecord
	upserts     int

	failUpsert error
	failSave   error

	// When set, UpsertCompletion signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		journeys:    map[string]Journey{},
		steps:       map[string][]Step{},
		progress:    map[string]Progress{},
		completions: map[string]CompletionRecord{},
	}
}

func (m *memStore) FetchJourney(_ context.Context, id string) (Journey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.journeys[id]
	if !ok {
		return Journey{}, ErrNotFound
	}
	return j, nil
}

func (m *memStore) FetchSteps(_ context.Context, journeyID string) ([]Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps[journeyID], nil
}

func (m *memStore) FetchUserProgress(_ context.Context, journeyID, userID string) (*Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[journeyID+"|"+userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *memStore) StartProgress(_ context.Context, journeyID, userID string) (Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := Progress{ID: "p-" + journeyID + "-" + userID, UserID: userID, JourneyID: journeyID}
	m.progress[journeyID+"|"+userID] = p
	return p, nil
}

func (m *memStore) UpsertCompletion(_ context.Context, rec CompletionRecord, next Progress) (bool, error) {
	if m.entered != nil {
		m.entered <- struct{}{}
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.failUpsert != nil {
		return false, m.failUpsert
	}
	key := rec.UserID + "|" + rec.StepID
	_, exists := m.completions[key]
	if !exists {
		m.completions[key] = rec
	} else {
		next.Points -= rec.Points
	}
	m.progress[next.JourneyID+"|"+next.UserID] = next
	return !exists, nil
}

func (m *memStore) SaveProgress(_ context.Context, p Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return m.failSave
	}
	m.progress[p.JourneyID+"|"+p.UserID] = p
	return nil
}

func (m *memStore) completionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completions)
}

var testUser = identity.User{ID: "u1", Email: "ana@example.com", Name: "Ana", Role: identity.RoleVisitor, Language: "fr"}

// Three Lausanne steps roughly 300 m apart.
var threeSteps = []Step{
	{ID: "s0", Name: "Cathedral", Location: geo.Point{Latitude: 46.520, Longitude: 6.632}, Points: 10},
	{ID: "s1", Name: "Place de la Palud", Location: geo.Point{Latitude: 46.5225, Longitude: 6.6351}, Points: 20, HasQuiz: true},
	{ID: "s2", Name: "Ouchy", Location: geo.Point{Latitude: 46.5069, Longitude: 6.6266}, Points: 30},
}

func seededStore(steps []Step) *memStore {
	m := newMemStore()
	m.journeys["j1"] = Journey{ID: "j1", CityID: "lausanne", Name: "Old Town", Active: true}
	m.steps["j1"] = steps
	return m
}

type recorder struct {
	mu        sync.Mutex
	updates   []*State
	loading   []bool
	completes []int
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnJourneyUpdate: func(s *State) {
			r.mu.Lock()
			r.updates = append(r.updates, s)
			r.mu.Unlock()
		},
		OnLoadingChange: func(v bool) {
			r.mu.Lock()
			r.loading = append(r.loading, v)
			r.mu.Unlock()
		},
		OnComplete: func(points int) {
			r.mu.Lock()
			r.completes = append(r.completes, points)
			r.mu.Unlock()
		},
	}
}

func newTestSession(t *testing.T, store Store, rec *recorder) *Session {
	t.Helper()
	var h Handlers
	if rec != nil {
		h = rec.handlers()
	}
	s := NewSession(testUser, store, Config{AcceptanceRadius: 50}, h, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(s.Cleanup)
	return s
}

func at(st Step) *geo.Position {
	return &geo.Position{Latitude: st.Location.Latitude, Longitude: st.Location.Longitude, Accuracy: 5}
}

func TestInitializeNotFound(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*memStore)
	}{
		{"missing journey", func(m *memStore) { delete(m.journeys, "j1") }},
		{"inactive journey", func(m *memStore) {
			j := m.journeys["j1"]
			j.Active = false
			m.journeys["j1"] = j
		}},
		{"no steps", func(m *memStore) { m.steps["j1"] = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seededStore(threeSteps)
			tt.setup(store)
			rec := &recorder{}
			s := newTestSession(t, store, rec)

			err := s.Initialize(context.Background(), "j1")
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
			if len(rec.updates) != 1 || rec.updates[0] != nil {
				t.Errorf("expected a single nil journey update, got %v", rec.updates)
			}
			if _, err := s.ValidateStep(context.Background(), 0, at(threeSteps[0])); !errors.Is(err, ErrNotLoaded) {
				t.Errorf("validate before load err = %v, want ErrNotLoaded", err)
			}
		})
	}
}

func TestInitializeStartsProgress(t *testing.T) {
	store := seededStore(threeSteps)
	rec := &recorder{}
	s := newTestSession(t, store, rec)

	if err := s.Initialize(context.Background(), "j1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	st := s.State()
	if st.ProgressID != "p-j1-u1" {
		t.Errorf("progress id = %q", st.ProgressID)
	}
	if st.CurrentIndex != 0 || st.Points != 0 || len(st.Completed) != 0 || st.Loading {
		t.Errorf("unexpected initial state %+v", st)
	}
	if len(rec.loading) != 2 || !rec.loading[0] || rec.loading[1] {
		t.Errorf("loading transitions = %v, want [true false]", rec.loading)
	}
	if len(rec.updates) != 1 || rec.updates[0] == nil || len(rec.updates[0].Steps) != 3 {
		t.Errorf("expected one populated update, got %v", rec.updates)
	}
}

func TestInitializeResumesProgress(t *testing.T) {
	store := seededStore(threeSteps)
	store.progress["j1|u1"] = Progress{
		ID: "p9", UserID: "u1", JourneyID: "j1",
		CurrentIndex: 7, Completed: []int{0, 1, 5}, Points: 30,
	}
	s := newTestSession(t, store, nil)

	if err := s.Initialize(context.Background(), "j1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	st := s.State()
	if st.CurrentIndex != 2 {
		t.Errorf("current index = %d, want clamped to 2", st.CurrentIndex)
	}
	if len(st.Completed) != 2 || !st.IsCompleted(0) || !st.IsCompleted(1) {
		t.Errorf("completed = %v, want [0 1]", st.Completed)
	}
	if st.Points != 30 {
		t.Errorf("points = %d, want 30", st.Points)
	}
}

func TestEndToEndJourney(t *testing.T) {
	ctx := context.Background()
	store := seededStore(threeSteps)
	rec := &recorder{}
	s := newTestSession(t, store, rec)
	if err := s.Initialize(ctx, "j1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	want := []struct{ points, current int }{{10, 1}, {30, 2}, {60, 2}}
	for i, w := range want {
		out, err := s.ValidateStep(ctx, i, at(threeSteps[i]))
		if err != nil {
			t.Fatalf("validate step %d: %v", i, err)
		}
		if !out.Validated || out.Awarded != threeSteps[i].Points {
			t.Errorf("step %d outcome = %+v", i, out)
		}
		st := s.State()
		if st.Points != w.points || st.CurrentIndex != w.current {
			t.Errorf("after step %d: points=%d current=%d, want %d/%d", i, st.Points, st.CurrentIndex, w.points, w.current)
		}
	}

	st := s.State()
	if !st.Complete {
		t.Fatal("journey should be complete")
	}
	if len(rec.completes) != 1 || rec.completes[0] != 60 {
		t.Fatalf("OnComplete calls = %v, want [60]", rec.completes)
	}

	// Further validation is rejected and the handoff does not repeat.
	if _, err := s.ValidateStep(ctx, 2, at(threeSteps[2])); !errors.Is(err, ErrJourneyComplete) {
		t.Errorf("err = %v, want ErrJourneyComplete", err)
	}
	if len(rec.completes) != 1 {
		t.Errorf("OnComplete fired again: %v", rec.completes)
	}

	saved := store.progress["j1|u1"]
	if !saved.Complete || saved.Points != 60 || saved.CompletedAt == nil {
		t.Errorf("persisted progress = %+v", saved)
	}
}

func TestValidateTooFar(t *testing.T) {
	ctx := context.Background()
	store := seededStore(threeSteps)
	s := newTestSession(t, store, nil)
	if err := s.Initialize(ctx, "j1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	far := &geo.Position{Latitude: 46.530, Longitude: 6.632}
	out, err := s.ValidateStep(ctx, 0, far)
	if !errors.Is(err, ErrTooFar) {
		t.Fatalf("err = %v, want ErrTooFar", err)
	}
	var tf *TooFarError
	if !errors.As(err, &tf) || tf.Distance < 1000 || tf.Radius != 50 {
		t.Errorf("TooFarError = %+v", tf)
	}
	if out.Validated {
		t.Error("outcome should not be validated")
	}
	st := s.State()
	if st.Points != 0 || st.CurrentIndex != 0 || len(st.Completed) != 0 {
		t.Errorf("state mutated on rejection: %+v", st)
	}
	if store.upserts != 0 {
		t.Errorf("store written on rejection")
	}
}

func TestValidateRequiresLocation(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, seededStore(threeSteps), nil)
	if err := s.Initialize(ctx, "j1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := s.ValidateStep(ctx, 0, nil); !errors.Is(err, ErrNoLocation) {
		t.Errorf("err = %v, want ErrNoLocation", err)
	}
	if _, err := s.ValidateStep(ctx, 9, at(threeSteps[0])); !errors.Is(err, ErrStepOutOfRange) {
		t.Errorf("err = %v, want ErrStepOutOfRange", err)
	}
}

func TestValidateIdempotent(t *testing.T) {
	ctx := context.Background()
	store := seededStore(threeSteps)
	s := newTestSession(t, store, nil)
	if err := s.Initialize(ctx, "j1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := s.ValidateStep(ctx, 0, at(threeSteps[0])); err != nil {
		t.Fatalf("first validate: %v", err)
	}
	out, err := s.ValidateStep(ctx, 0, at(threeSteps[0]))
	if err != nil {
		t.Fatalf("second validate: %v", err)
	}
	if !out.AlreadyCompleted || out.Awarded != 0 {
		t.Errorf("second outcome = %+v", out)
	}
	if got := store.completionCount(); got != 1 {
		t.Errorf("completion records = %d, want 1", got)
	}
	if got := s.State().Points; got != 10 {
		t.Errorf("points = %d, want 10", got)
	}
}

func TestValidateExistingRecordAwardsNothing(t *testing.T) {
	ctx := context.Background()
	store := seededStore(threeSteps)
	// A record from an earlier session the progress document lost track of.
	store.completions["u1|s0"] = CompletionRecord{UserID: "u1", StepID: "s0", Points: 10}
	s := newTestSession(t, store, nil)
	if err := s.Initialize(ctx, "j1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	out, err := s.ValidateStep(ctx, 0, at(threeSteps[0]))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if out.Awarded != 0 || s.State().Points != 0 {
		t.Errorf("awarded %d, points %d; want 0/0", out.Awarded, s.State().Points)
	}
	if !s.State().IsCompleted(0) || s.State().CurrentIndex != 1 {
		t.Errorf("step should still be marked completed and advanced: %+v", s.State())
	}
	if p := store.progress["j1|u1"]; p.Points != 0 {
		t.Errorf("persisted points = %d, want 0", p.Points)
	}
}

func TestValidateDropsOverlappingCall(t *testing.T) {
	ctx := context.Background()
	store := seededStore(threeSteps)
	s := newTestSession(t, store, nil)
	if err := s.Initialize(ctx, "j1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	store.entered = make(chan struct{})
	store.release = make(chan struct{})

	type result struct {
		out Outcome
		err error
	}
	first := make(chan result, 1)
	go func() {
		out, err := s.ValidateStep(ctx, 0, at(threeSteps[0]))
		first <- result{out, err}
	}()
	<-store.entered

	if !s.State().Validating {
		t.Error("state should report validating while in flight")
	}
	out, err := s.ValidateStep(ctx, 0, at(threeSteps[0]))
	if err != nil || !out.Ignored {
		t.Errorf("overlapping call = %+v, %v; want ignored", out, err)
	}
	if _, err := s.UpdateState(ctx, Patch{AddPoints: 5}); !errors.Is(err, ErrBusy) {
		t.Errorf("patch during validation err = %v, want ErrBusy", err)
	}

	close(store.release)
	r := <-first
	if r.err != nil || !r.out.Validated {
		t.Fatalf("first call = %+v, %v", r.out, r.err)
	}
	if store.upserts != 1 {
		t.Errorf("upserts = %d, want 1", store.upserts)
	}
	if got := s.State().Points; got != 10 {
		t.Errorf("points = %d, want 10", got)
	}
}

func TestValidatePersistenceFailure(t *testing.T) {
	ctx := context.Background()
	store := seededStore(threeSteps)
	s := newTestSession(t, store, nil)
	if err := s.Initialize(ctx, "j1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	store.failUpsert = errors.New("disk full")
	if _, err := s.ValidateStep(ctx, 0, at(threeSteps[0])); !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	st := s.State()
	if st.Points != 0 || st.IsCompleted(0) || st.CurrentIndex != 0 || st.Validating {
		t.Errorf("state changed after failed write: %+v", st)
	}

	store.failUpsert = nil
	if _, err := s.ValidateStep(ctx, 0, at(threeSteps[0])); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := s.State().Points; got != 10 {
		t.Errorf("points after retry = %d, want 10", got)
	}
}

func TestCleanupIgnoresLateResult(t *testing.T) {
	ctx := context.Background()
	store := seededStore(threeSteps)
	rec := &recorder{}
	s := newTestSession(t, store, rec)
	if err := s.Initialize(ctx, "j1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	store.entered = make(chan struct{})
	store.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := s.ValidateStep(ctx, 0, at(threeSteps[0]))
		done <- err
	}()
	<-store.entered

	rec.mu.Lock()
	before := len(rec.updates)
	rec.mu.Unlock()

	s.Cleanup()
	close(store.release)

	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if st := s.State(); st.Points != 0 || st.IsCompleted(0) {
		t.Errorf("state mutated after cleanup: %+v", st)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.updates) != before || len(rec.completes) != 0 {
		t.Errorf("callbacks fired after cleanup")
	}
}

func TestUpdateState(t *testing.T) {
	ctx := context.Background()
	store := seededStore(threeSteps)
	s := newTestSession(t, store, nil)
	if err := s.Initialize(ctx, "j1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	two := 2
	st, err := s.UpdateState(ctx, Patch{AddCompleted: []int{1}, CurrentIndex: &two, AddPoints: 15})
	if err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	if st.CurrentIndex != 2 || !st.IsCompleted(1) || st.Points != 15 {
		t.Errorf("state = %+v", st)
	}
	if p := store.progress["j1|u1"]; p.CurrentIndex != 2 || p.Points != 15 {
		t.Errorf("persisted = %+v", p)
	}

	bad := 3
	invalid := []Patch{
		{AddPoints: -1},
		{AddCompleted: []int{3}},
		{CurrentIndex: &bad},
	}
	for _, p := range invalid {
		if _, err := s.UpdateState(ctx, p); err == nil {
			t.Errorf("patch %+v accepted", p)
		}
	}

	store.failSave = errors.New("locked")
	if _, err := s.UpdateState(ctx, Patch{AddPoints: 5}); !errors.Is(err, ErrPersistence) {
		t.Errorf("err = %v, want ErrPersistence", err)
	}
	if got := s.State().Points; got != 15 {
		t.Errorf("points = %d after failed patch, want 15", got)
	}
}

func TestPointsNeverDecrease(t *testing.T) {
	ctx := context.Background()
	steps := append([]Step{}, threeSteps...)
	steps = append(steps,
		Step{ID: "s3", Name: "Flon", Location: geo.Point{Latitude: 46.5210, Longitude: 6.6300}, Points: 15},
		Step{ID: "s4", Name: "Olympic Museum", Location: geo.Point{Latitude: 46.5087, Longitude: 6.6343}, Points: 25},
	)
	store := seededStore(steps)
	s := newTestSession(t, store, nil)
	if err := s.Initialize(ctx, "j1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var g Guard
	last := 0
	check := func(label string) {
		t.Helper()
		p := s.State().Points
		if p < last {
			t.Fatalf("%s: points decreased from %d to %d", label, last, p)
		}
		last = p
	}

	s.ValidateStep(ctx, 0, at(steps[0]))
	check("validate 0")
	s.ValidateStep(ctx, 1, &geo.Position{Latitude: 0, Longitude: 0})
	check("rejected validate")
	s.UpdateState(ctx, Patch{AddPoints: 7})
	check("quiz bonus")
	if d, _ := g.Request(4, s.State()); d.Allowed {
		t.Fatal("jump to 4 should be blocked")
	}
	patch, _ := g.ForceUnlock(s.State())
	s.UpdateState(ctx, patch)
	check("force unlock")
	s.ValidateStep(ctx, 4, at(steps[4]))
	check("validate last")
	if got := s.State().Points; got != 10+7+25 {
		t.Errorf("points = %d, want %d", got, 10+7+25)
	}
}

func TestValidateOnlyCurrentStep(t *testing.T) {
	ctx := context.Background()
	store := seededStore(threeSteps)
	rec := &recorder{}
	s := newTestSession(t, store, rec)
	if err := s.Initialize(ctx, "j1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var g Guard
	if d, _ := g.Request(2, s.State()); d.Allowed {
		t.Fatal("jump to the last step should be blocked")
	}
	g.Cancel()

	_, err := s.ValidateStep(ctx, 2, at(threeSteps[2]))
	if !errors.Is(err, ErrNotCurrentStep) {
		t.Fatalf("validate ahead err = %v, want ErrNotCurrentStep", err)
	}
	st := s.State()
	if st.Complete || len(st.Completed) != 0 || st.Points != 0 || st.CurrentIndex != 0 {
		t.Errorf("state after rejected validation = %+v", st)
	}
	if store.completionCount() != 0 || len(rec.completes) != 0 {
		t.Error("rejected validation wrote a completion")
	}

	out, err := s.ValidateStep(ctx, 0, at(threeSteps[0]))
	if err != nil || !out.Validated || out.Awarded != 10 || out.State.CurrentIndex != 1 {
		t.Fatalf("validate current = %+v, %v", out, err)
	}
	if _, err := s.ValidateStep(ctx, 2, at(threeSteps[2])); !errors.Is(err, ErrNotCurrentStep) {
		t.Errorf("validate two ahead err = %v, want ErrNotCurrentStep", err)
	}
}
