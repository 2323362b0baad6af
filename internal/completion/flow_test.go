package completion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/playperu/cityjourney/internal/identity"
	"github.com/playperu/cityjourney/internal/notify"
)

type fakeRatings struct {
	mu      sync.Mutex
	saved   map[string][2]any
	err     error
	entered chan struct{}
	release chan struct{}
}

func (f *fakeRatings) UpdateJourneyRating(_ context.Context, progressID string, rating int, comment string) error {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.saved == nil {
		f.saved = map[string][2]any{}
	}
	f.saved[progressID] = [2]any{rating, comment}
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.CompletionEmail
	err  error
}

func (f *fakeNotifier) SendCompletionEmail(_ context.Context, e notify.CompletionEmail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, e)
	return f.err
}

type fakeJournals struct{ err error }

func (f fakeJournals) GenerateJournal(_ context.Context, progressID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://s3.local/journals/" + progressID + ".html", nil
}

var walker = identity.User{ID: "u1", Email: "ana@example.com", Name: "Ana", Language: "en"}

var summary = Summary{JourneyID: "j1", JourneyName: "Old Town", ProgressID: "p1", Points: 60}

func newTestFlow(t *testing.T, r RatingStore, n notify.Notifier, j JournalGenerator) (*Flow, *[]View) {
	t.Helper()
	var mu sync.Mutex
	var views []View
	f := NewFlow(walker, summary, r, n, j, Config{CommentMax: 500}, func(v View) {
		mu.Lock()
		views = append(views, v)
		mu.Unlock()
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(f.Wait)
	return f, &views
}

func TestRatingFlow(t *testing.T) {
	ctx := context.Background()
	ratings := &fakeRatings{}
	mail := &fakeNotifier{}
	f, views := newTestFlow(t, ratings, mail, fakeJournals{})

	if v := f.State(); v.Stage != StageCelebration || v.Points != 60 || v.JourneyName != "Old Town" {
		t.Fatalf("initial view = %+v", v)
	}
	if _, err := f.SubmitRating(ctx, 4, ""); !errors.Is(err, ErrWrongStage) {
		t.Errorf("rating during celebration err = %v", err)
	}
	if _, err := f.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	v, err := f.SubmitRating(ctx, 4, "Great walk")
	if err != nil {
		t.Fatalf("SubmitRating: %v", err)
	}
	if v.Stage != StageCompleted || v.Rating != 4 || v.Comment != "Great walk" {
		t.Errorf("view = %+v", v)
	}
	if got := ratings.saved["p1"]; got != [2]any{4, "Great walk"} {
		t.Errorf("saved = %v", got)
	}

	f.Wait()
	if len(mail.sent) != 1 {
		t.Fatalf("emails = %d, want 1", len(mail.sent))
	}
	want := notify.CompletionEmail{Recipient: "ana@example.com", Name: "Ana", Language: "en", JourneyName: "Old Town", Points: 60, Rating: 4}
	if mail.sent[0] != want {
		t.Errorf("email = %+v", mail.sent[0])
	}

	if v, err := f.GenerateJournal(ctx); err != nil || v.JournalURL == "" || v.Stage != StageCompleted {
		t.Errorf("GenerateJournal = %+v, %v", v, err)
	}
	if v := f.Close(); v.Stage != StageClosed {
		t.Errorf("Close stage = %s", v.Stage)
	}
	if len(*views) != 4 {
		t.Errorf("views emitted = %d, want 4", len(*views))
	}
}

func TestRatingValidation(t *testing.T) {
	f, _ := newTestFlow(t, &fakeRatings{}, nil, nil)
	f.Continue()

	tests := []struct {
		stars   int
		comment string
		want    error
	}{
		{0, "", ErrInvalidRating},
		{6, "", ErrInvalidRating},
		{-1, "", ErrInvalidRating},
		{3, strings.Repeat("é", 501), ErrCommentTooLong},
	}
	for _, tt := range tests {
		if _, err := f.SubmitRating(context.Background(), tt.stars, tt.comment); !errors.Is(err, tt.want) {
			t.Errorf("SubmitRating(%d, %d runes) err = %v, want %v", tt.stars, len([]rune(tt.comment)), err, tt.want)
		}
	}
	if _, err := f.SubmitRating(context.Background(), 5, strings.Repeat("é", 500)); err != nil {
		t.Errorf("500 rune comment rejected: %v", err)
	}
}

func TestRatingPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	ratings := &fakeRatings{err: errors.New("db locked")}
	mail := &fakeNotifier{}
	f, _ := newTestFlow(t, ratings, mail, nil)
	f.Continue()

	if _, err := f.SubmitRating(ctx, 4, ""); !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if v := f.State(); v.Stage != StageRating || v.Rating != 0 {
		t.Errorf("view after failure = %+v", v)
	}
	f.Wait()
	if len(mail.sent) != 0 {
		t.Error("email sent for an unsaved rating")
	}

	ratings.err = nil
	if v, err := f.SubmitRating(ctx, 4, ""); err != nil || v.Stage != StageCompleted {
		t.Errorf("retry = %+v, %v", v, err)
	}
}

func TestEmailFailureDoesNotFailRating(t *testing.T) {
	f, _ := newTestFlow(t, &fakeRatings{}, &fakeNotifier{err: errors.New("relay down")}, nil)
	f.Continue()
	v, err := f.SubmitRating(context.Background(), 2, "")
	if err != nil || v.Stage != StageCompleted {
		t.Errorf("SubmitRating = %+v, %v", v, err)
	}
}

func TestRatingSubmissionInFlight(t *testing.T) {
	ratings := &fakeRatings{entered: make(chan struct{}), release: make(chan struct{})}
	f, _ := newTestFlow(t, ratings, nil, nil)
	f.Continue()

	done := make(chan error, 1)
	go func() {
		_, err := f.SubmitRating(context.Background(), 5, "")
		done <- err
	}()
	<-ratings.entered
	if !f.State().Submitting {
		t.Error("view should report submitting")
	}
	if _, err := f.SubmitRating(context.Background(), 3, ""); !errors.Is(err, ErrBusy) {
		t.Errorf("second submission err = %v, want ErrBusy", err)
	}
	close(ratings.release)
	if err := <-done; err != nil {
		t.Fatalf("first submission: %v", err)
	}
}

func TestSkip(t *testing.T) {
	ratings := &fakeRatings{}
	f, _ := newTestFlow(t, ratings, nil, nil)

	if v, err := f.Skip(); err != nil || v.Stage != StageClosed {
		t.Fatalf("Skip = %+v, %v", v, err)
	}
	if len(ratings.saved) != 0 {
		t.Error("skip persisted a rating")
	}
	if _, err := f.Continue(); !errors.Is(err, ErrWrongStage) {
		t.Errorf("Continue after skip err = %v", err)
	}
	if _, err := f.Skip(); !errors.Is(err, ErrWrongStage) {
		t.Errorf("second Skip err = %v", err)
	}
}

func TestGenerateJournal(t *testing.T) {
	ctx := context.Background()

	f, _ := newTestFlow(t, &fakeRatings{}, nil, nil)
	if _, err := f.GenerateJournal(ctx); !errors.Is(err, ErrWrongStage) {
		t.Errorf("journal before completion err = %v", err)
	}
	f.Continue()
	f.SubmitRating(ctx, 5, "")
	if _, err := f.GenerateJournal(ctx); !errors.Is(err, ErrJournalUnavailable) {
		t.Errorf("err = %v, want ErrJournalUnavailable", err)
	}

	g, _ := newTestFlow(t, &fakeRatings{}, nil, fakeJournals{err: errors.New("s3 down")})
	g.Continue()
	g.SubmitRating(ctx, 5, "")
	if _, err := g.GenerateJournal(ctx); err == nil {
		t.Error("expected journal error")
	}
	if g.State().Stage != StageCompleted {
		t.Error("journal failure changed the stage")
	}
}

func TestLatePointsReachEmail(t *testing.T) {
	ctx := context.Background()
	mail := &fakeNotifier{}
	f, views := newTestFlow(t, &fakeRatings{}, mail, nil)

	f.SetPoints(68)
	if v := f.State(); v.Points != 68 {
		t.Errorf("points after update = %d, want 68", v.Points)
	}
	f.SetPoints(68)
	if len(*views) != 1 {
		t.Errorf("views emitted = %d, want 1", len(*views))
	}

	f.Continue()
	if _, err := f.SubmitRating(ctx, 5, ""); err != nil {
		t.Fatalf("SubmitRating: %v", err)
	}
	f.Wait()
	if len(mail.sent) != 1 || mail.sent[0].Points != 68 || mail.sent[0].Rating != 5 {
		t.Errorf("emails = %+v", mail.sent)
	}
}
