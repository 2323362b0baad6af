// Package completion drives the dialog shown once a journey is finished:
// a celebration, an optional star rating and the follow-up actions.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/playperu/cityjourney/internal/identity"
	"github.com/playperu/cityjourney/internal/notify"
)

var (
	ErrWrongStage         = errors.New("action not allowed in current completion stage")
	ErrInvalidRating      = errors.New("rating must be an integer from 1 to 5")
	ErrCommentTooLong     = errors.New("rating comment too long")
	ErrBusy               = errors.New("rating submission in progress")
	ErrPersistence        = errors.New("persistence failure")
	ErrJournalUnavailable = errors.New("travel journal generation not configured")
)

type Stage string

const (
	StageCelebration Stage = "celebration"
	StageRating      Stage = "rating"
	StageCompleted   Stage = "completed"
	StageClosed      Stage = "closed"
)

type RatingStore interface {
	UpdateJourneyRating(ctx context.Context, progressID string, rating int, comment string) error
}

type JournalGenerator interface {
	GenerateJournal(ctx context.Context, progressID string) (string, error)
}

// Summary is what the state store hands over when the last step validates.
type Summary struct {
	JourneyID   string `json:"journeyId"`
	JourneyName string `json:"journeyName"`
	ProgressID  string `json:"progressId"`
	Points      int    `json:"points"`
}

type Config struct {
	CommentMax int
}

type View struct {
	Summary
	Stage      Stage  `json:"stage"`
	Rating     int    `json:"rating,omitempty"`
	Comment    string `json:"comment,omitempty"`
	JournalURL string `json:"journalUrl,omitempty"`
	Submitting bool   `json:"submitting"`
}

type Flow struct {
	user     identity.User
	summary  Summary
	ratings  RatingStore
	notifier notify.Notifier
	journals JournalGenerator
	cfg      Config
	logger   *slog.Logger
	onChange func(View)

	mu         sync.Mutex
	stage      Stage
	submitting bool
	rating     int
	comment    string
	journalURL string

	emails sync.WaitGroup
}

// NewFlow opens the dialog in the celebration stage. journals may be nil.
func NewFlow(user identity.User, summary Summary, ratings RatingStore, notifier notify.Notifier, journals JournalGenerator, cfg Config, onChange func(View), logger *slog.Logger) *Flow {
	return &Flow{
		user:     user,
		summary:  summary,
		ratings:  ratings,
		notifier: notifier,
		journals: journals,
		cfg:      cfg,
		logger:   logger,
		onChange: onChange,
		stage:    StageCelebration,
	}
}

// Continue leaves the celebration for the rating form.
func (f *Flow) Continue() (View, error) {
	f.mu.Lock()
	if f.stage != StageCelebration {
		f.mu.Unlock()
		return View{}, fmt.Errorf("%w: %s", ErrWrongStage, f.stage)
	}
	f.stage = StageRating
	v := f.viewLocked()
	f.mu.Unlock()

	f.emit(v)
	return v, nil
}

// SubmitRating saves the rating against the progress record and, once it
// is stored, requests the congratulation email in the background. A failed
// write leaves the flow in the rating stage so the visitor can retry.
func (f *Flow) SubmitRating(ctx context.Context, stars int, comment string) (View, error) {
	if stars < 1 || stars > 5 {
		return View{}, ErrInvalidRating
	}
	if f.cfg.CommentMax > 0 && utf8.RuneCountInString(comment) > f.cfg.CommentMax {
		return View{}, fmt.Errorf("%w: at most %d characters", ErrCommentTooLong, f.cfg.CommentMax)
	}

	f.mu.Lock()
	if f.stage != StageRating {
		f.mu.Unlock()
		return View{}, fmt.Errorf("%w: %s", ErrWrongStage, f.stage)
	}
	if f.submitting {
		f.mu.Unlock()
		return View{}, ErrBusy
	}
	f.submitting = true
	progressID := f.summary.ProgressID
	f.mu.Unlock()

	err := f.ratings.UpdateJourneyRating(ctx, progressID, stars, comment)

	f.mu.Lock()
	f.submitting = false
	if err != nil {
		f.mu.Unlock()
		return View{}, fmt.Errorf("%w: saving rating: %w", ErrPersistence, err)
	}
	if f.stage == StageRating {
		f.stage = StageCompleted
	}
	f.rating = stars
	f.comment = comment
	v := f.viewLocked()
	f.mu.Unlock()

	f.sendEmail(ctx, v)
	f.emit(v)
	return v, nil
}

func (f *Flow) sendEmail(ctx context.Context, v View) {
	if f.notifier == nil {
		return
	}
	email := notify.CompletionEmail{
		Recipient:   f.user.Email,
		Name:        f.user.Name,
		Language:    f.user.Language,
		JourneyName: v.JourneyName,
		Points:      v.Points,
		Rating:      v.Rating,
	}
	ctx = context.WithoutCancel(ctx)
	f.emails.Add(1)
	go func() {
		defer f.emails.Done()
		if err := f.notifier.SendCompletionEmail(ctx, email); err != nil {
			f.logger.Warn("completion email failed",
				"user_id", f.user.ID,
				"journey_id", v.JourneyID,
				"error", err,
			)
		}
	}()
}

// SetPoints updates the journey total shown in the dialog and sent in the
// congratulation email, for points earned after the last step.
func (f *Flow) SetPoints(points int) {
	f.mu.Lock()
	if points == f.summary.Points {
		f.mu.Unlock()
		return
	}
	f.summary.Points = points
	v := f.viewLocked()
	f.mu.Unlock()

	f.emit(v)
}

// Skip closes the dialog without a rating. The journey stays complete.
func (f *Flow) Skip() (View, error) {
	f.mu.Lock()
	if f.stage != StageCelebration && f.stage != StageRating {
		f.mu.Unlock()
		return View{}, fmt.Errorf("%w: %s", ErrWrongStage, f.stage)
	}
	f.stage = StageClosed
	v := f.viewLocked()
	f.mu.Unlock()

	f.emit(v)
	return v, nil
}

// GenerateJournal asks the journal service for a travel journal of the
// finished journey. The stage does not change.
func (f *Flow) GenerateJournal(ctx context.Context) (View, error) {
	f.mu.Lock()
	if f.stage != StageCompleted {
		f.mu.Unlock()
		return View{}, fmt.Errorf("%w: %s", ErrWrongStage, f.stage)
	}
	v0 := f.viewLocked()
	f.mu.Unlock()
	if f.journals == nil {
		return View{}, ErrJournalUnavailable
	}

	url, err := f.journals.GenerateJournal(ctx, v0.ProgressID)
	if err != nil {
		return View{}, fmt.Errorf("generating journal: %w", err)
	}

	f.mu.Lock()
	f.journalURL = url
	v := f.viewLocked()
	f.mu.Unlock()

	f.emit(v)
	return v, nil
}

// Close is always allowed.
func (f *Flow) Close() View {
	f.mu.Lock()
	f.stage = StageClosed
	v := f.viewLocked()
	f.mu.Unlock()

	f.emit(v)
	return v
}

func (f *Flow) State() View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.viewLocked()
}

// Wait blocks until every background email attempt has returned.
func (f *Flow) Wait() {
	f.emails.Wait()
}

func (f *Flow) viewLocked() View {
	return View{
		Summary:    f.summary,
		Stage:      f.stage,
		Rating:     f.rating,
		Comment:    f.comment,
		JournalURL: f.journalURL,
		Submitting: f.submitting,
	}
}

func (f *Flow) emit(v View) {
	if f.onChange != nil {
		f.onChange(v)
	}
}
