package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/playperu/cityjourney/internal/database"
	"github.com/playperu/cityjourney/internal/identity"
	"github.com/playperu/cityjourney/internal/journal"
	"github.com/playperu/cityjourney/internal/journey"
	"github.com/playperu/cityjourney/internal/migrations"
	"github.com/playperu/cityjourney/internal/quiz"
)

func setupStore(t *testing.T) *DocStore {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := migrations.Run(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	s := New(db)
	if err := s.SeedDemo(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), ""); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	return s
}

func userPoints(t *testing.T, s *DocStore, id string) int {
	t.Helper()
	p, err := s.UserPoints(context.Background(), id)
	if err != nil {
		t.Fatalf("UserPoints: %v", err)
	}
	return p
}

func TestSeedDemo(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	cities, err := s.ListCities(ctx)
	if err != nil {
		t.Fatalf("ListCities: %v", err)
	}
	if len(cities) != 2 || cities[0].Name != "Geneva" || cities[1].Name != "Lausanne" {
		t.Errorf("cities = %+v", cities)
	}

	// A second run leaves the data alone.
	if err := s.SeedDemo(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), ""); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	if again, _ := s.ListCities(ctx); len(again) != 2 {
		t.Errorf("cities after reseed = %d", len(again))
	}
}

func TestListJourneys(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	js, err := s.ListJourneys(ctx, "geneva")
	if err != nil {
		t.Fatalf("ListJourneys: %v", err)
	}
	if len(js) != 1 || js[0].ID != "geneva-rive-gauche" || js[0].StepCount != 3 || js[0].TotalPoints != 50 {
		t.Errorf("journeys = %+v", js)
	}
	if _, err := s.ListJourneys(ctx, "atlantis"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown city err = %v", err)
	}
}

func TestFetchJourney(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	j, err := s.FetchJourney(ctx, "lausanne-old-town")
	if err != nil {
		t.Fatalf("FetchJourney: %v", err)
	}
	if j.Name != "Old Town" || j.CityID != "lausanne" || !j.Active {
		t.Errorf("journey = %+v", j)
	}
	steps, err := s.FetchSteps(ctx, "lausanne-old-town")
	if err != nil {
		t.Fatalf("FetchSteps: %v", err)
	}
	if len(steps) != 3 || steps[0].Location.Latitude != 46.520 || !steps[0].HasQuiz || steps[1].HasQuiz {
		t.Errorf("steps = %+v", steps)
	}
	if _, err := s.FetchJourney(ctx, "nope"); !errors.Is(err, journey.ErrNotFound) {
		t.Errorf("err = %v, want journey.ErrNotFound", err)
	}
	if draft, err := s.FetchJourney(ctx, "geneva-draft"); err != nil || draft.Active {
		t.Errorf("draft = %+v, %v", draft, err)
	}
}

func TestProgressLifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	p, err := s.FetchUserProgress(ctx, "lausanne-old-town", "u-ana")
	if err != nil || p != nil {
		t.Fatalf("FetchUserProgress before start = %v, %v", p, err)
	}
	started, err := s.StartProgress(ctx, "lausanne-old-town", "u-ana")
	if err != nil {
		t.Fatalf("StartProgress: %v", err)
	}
	again, err := s.StartProgress(ctx, "lausanne-old-town", "u-ana")
	if err != nil || again.ID != started.ID {
		t.Errorf("second StartProgress = %+v, %v; want existing %s", again, err, started.ID)
	}

	rec := journey.CompletionRecord{UserID: "u-ana", StepID: "lot-cathedral", ProgressID: started.ID, Points: 10, CompletedAt: time.Now()}
	next := started
	next.Completed = []int{0}
	next.CurrentIndex = 1
	next.Points = 10

	created, err := s.UpsertCompletion(ctx, rec, next)
	if err != nil || !created {
		t.Fatalf("UpsertCompletion = %v, %v", created, err)
	}
	if got := userPoints(t, s, "u-ana"); got != 10 {
		t.Errorf("user points = %d, want 10", got)
	}

	// Replaying the same validation does not credit anything.
	created, err = s.UpsertCompletion(ctx, rec, next)
	if err != nil || created {
		t.Fatalf("replayed UpsertCompletion = %v, %v", created, err)
	}
	if got := userPoints(t, s, "u-ana"); got != 10 {
		t.Errorf("user points after replay = %d, want 10", got)
	}
	saved, _ := s.FetchUserProgress(ctx, "lausanne-old-town", "u-ana")
	if saved.Points != 0 || saved.CurrentIndex != 1 {
		t.Errorf("replay saved progress = %+v", saved)
	}

	next.Points = 10
	two := next
	two.CurrentIndex = 2
	two.Completed = []int{0, 1}
	if err := s.SaveProgress(ctx, two); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}
	saved, _ = s.FetchUserProgress(ctx, "lausanne-old-town", "u-ana")
	if saved.CurrentIndex != 2 || len(saved.Completed) != 2 || saved.Points != 10 {
		t.Errorf("saved = %+v", saved)
	}
}

func TestQuizCompletion(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	qs, err := s.FetchQuizQuestions(ctx, "lot-cathedral")
	if err != nil {
		t.Fatalf("FetchQuizQuestions: %v", err)
	}
	if len(qs) != 2 || qs[0].ID != "lot-cathedral-q1" || qs[1].Correct != 1 {
		t.Errorf("questions = %+v", qs)
	}

	if r, err := s.FetchExistingQuizCompletion(ctx, "u-ana", "lot-cathedral"); err != nil || r != nil {
		t.Fatalf("existing before finish = %v, %v", r, err)
	}

	ok, err := s.UpsertQuizCompletion(ctx, "u-ana", "lot-cathedral", quiz.Result{Correct: 2, Points: 8})
	if err != nil || !ok {
		t.Fatalf("first UpsertQuizCompletion = %v, %v", ok, err)
	}
	ok, err = s.UpsertQuizCompletion(ctx, "u-ana", "lot-cathedral", quiz.Result{Correct: 0, Points: 0})
	if err != nil || ok {
		t.Fatalf("second UpsertQuizCompletion = %v, %v", ok, err)
	}
	r, err := s.FetchExistingQuizCompletion(ctx, "u-ana", "lot-cathedral")
	if err != nil || r == nil || *r != (quiz.Result{Correct: 2, Points: 8}) {
		t.Errorf("stored = %v, %v", r, err)
	}
	if got := userPoints(t, s, "u-ana"); got != 8 {
		t.Errorf("user points = %d, want 8", got)
	}

	// Validating the step afterwards still creates its completion.
	p, _ := s.StartProgress(ctx, "lausanne-old-town", "u-ana")
	next := p
	next.Completed = []int{0}
	next.Points = 10
	created, err := s.UpsertCompletion(ctx, journey.CompletionRecord{
		UserID: "u-ana", StepID: "lot-cathedral", ProgressID: p.ID, Points: 10, CompletedAt: time.Now(),
	}, next)
	if err != nil || !created {
		t.Errorf("validation after quiz = %v, %v", created, err)
	}
	if got := userPoints(t, s, "u-ana"); got != 18 {
		t.Errorf("user points = %d, want 18", got)
	}
}

func TestRatingAndJournal(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	p, err := s.StartProgress(ctx, "lausanne-old-town", "u-ana")
	if err != nil {
		t.Fatalf("StartProgress: %v", err)
	}
	if err := s.UpdateJourneyRating(ctx, p.ID, 4, "early"); !errors.Is(err, journal.ErrNotComplete) {
		t.Errorf("rating an open journey err = %v", err)
	}

	stepIDs := []string{"lot-cathedral", "lot-palud", "lot-ouchy"}
	points := []int{10, 20, 30}
	next := p
	for i, id := range stepIDs {
		next.Completed = append(next.Completed, i)
		next.Points += points[i]
		if i == len(stepIDs)-1 {
			done := time.Now().UTC()
			next.Complete = true
			next.CompletedAt = &done
		}
		if _, err := s.UpsertCompletion(ctx, journey.CompletionRecord{
			UserID: "u-ana", StepID: id, ProgressID: p.ID, Points: points[i], CompletedAt: time.Now(),
		}, next); err != nil {
			t.Fatalf("UpsertCompletion %s: %v", id, err)
		}
	}

	if err := s.UpdateJourneyRating(ctx, p.ID, 4, "Great walk"); err != nil {
		t.Fatalf("UpdateJourneyRating: %v", err)
	}
	if err := s.UpdateJourneyRating(ctx, "missing", 4, ""); !errors.Is(err, journey.ErrNotFound) {
		t.Errorf("unknown progress err = %v", err)
	}

	j, err := s.JournalData(ctx, p.ID)
	if err != nil {
		t.Fatalf("JournalData: %v", err)
	}
	if j.JourneyName != "Old Town" || j.CityName != "Lausanne" || j.Visitor != "Ana" || j.Points != 60 {
		t.Errorf("journal = %+v", j)
	}
	if j.Rating != 4 || j.Comment != "Great walk" || j.CompletedAt.IsZero() {
		t.Errorf("journal rating = %d %q %v", j.Rating, j.Comment, j.CompletedAt)
	}
	if len(j.Steps) != 3 || j.Steps[2].CompletedAt == nil || j.Steps[2].Points != 30 {
		t.Errorf("journal steps = %+v", j.Steps)
	}
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	u, hash, err := s.UserByEmail(ctx, "Ana@Example.com")
	if err != nil {
		t.Fatalf("UserByEmail: %v", err)
	}
	if u.ID != "u-ana" || u.Role != identity.RoleVisitor || u.Language != "fr" || hash == "" {
		t.Errorf("user = %+v", u)
	}
	if _, _, err := s.UserByEmail(ctx, "ghost@example.com"); !errors.Is(err, identity.ErrNotFound) {
		t.Errorf("err = %v, want identity.ErrNotFound", err)
	}

	created, err := s.CreateUser(ctx, identity.User{Email: " Bo@Example.com ", Name: "Bo"}, "hash")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if created.ID == "" || created.Email != "bo@example.com" || created.Role != identity.RoleVisitor {
		t.Errorf("created = %+v", created)
	}
	if _, err := s.CreateUser(ctx, identity.User{Email: "bo@example.com"}, "hash"); err == nil {
		t.Error("duplicate email accepted")
	}
}

func TestLoginAgainstSeed(t *testing.T) {
	s := setupStore(t)
	svc := identity.NewService(s, nopRevoker{}, "secret", time.Hour)
	if _, u, err := svc.Login(context.Background(), "ana@example.com", "walker"); err != nil || u.Name != "Ana" {
		t.Errorf("Login = %+v, %v", u, err)
	}
}

type nopRevoker struct{}

func (nopRevoker) Revoke(context.Context, string, time.Duration) error { return nil }
func (nopRevoker) IsRevoked(context.Context, string) (bool, error)     { return false, nil }
