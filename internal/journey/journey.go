// Package journey runs one visitor's play session through an ordered tour
// of geolocated steps: loading progress, validating steps against the
// visitor's position, and gating navigation to steps further ahead.
package journey

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/playperu/cityjourney/internal/geo"
)

var (
	ErrNotFound        = errors.New("journey not found")
	ErrNotLoaded       = errors.New("journey not loaded")
	ErrClosed          = errors.New("journey session closed")
	ErrBusy            = errors.New("journey session busy")
	ErrNoLocation      = errors.New("no location reading")
	ErrTooFar          = errors.New("too far from step")
	ErrJourneyComplete = errors.New("journey already complete")
	ErrStepOutOfRange  = errors.New("step index out of range")
	ErrNotCurrentStep  = errors.New("step is not the current step")
	ErrInvalidPatch    = errors.New("invalid state patch")
	ErrPersistence     = errors.New("persistence failure")
	ErrGuardClosed     = errors.New("no navigation request pending")
)

// TooFarError reports a rejected validation. It matches ErrTooFar.
type TooFarError struct {
	Distance float64
	Radius   float64
}

func (e *TooFarError) Error() string {
	return fmt.Sprintf("too far from step: %.0f m away, must be within %.0f m", e.Distance, e.Radius)
}

func (e *TooFarError) Is(target error) bool { return target == ErrTooFar }

type Journey struct {
	ID          string `json:"id"`
	CityID      string `json:"cityId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
}

type Step struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Location    geo.Point `json:"location"`
	Points      int       `json:"points"`
	HasQuiz     bool      `json:"hasQuiz"`
}

// Progress is the durable record a session is rebuilt from.
type Progress struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	JourneyID    string     `json:"journeyId"`
	CurrentIndex int        `json:"currentIndex"`
	Completed    []int      `json:"completed"`
	Points       int        `json:"points"`
	Complete     bool       `json:"complete"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// CompletionRecord ties a (user, step) pair to the points its validation earned.
type CompletionRecord struct {
	UserID      string
	StepID      string
	ProgressID  string
	Points      int
	CompletedAt time.Time
}

// Store is the persistence collaborator of a session.
type Store interface {
	FetchJourney(ctx context.Context, id string) (Journey, error)
	FetchSteps(ctx context.Context, journeyID string) ([]Step, error)
	// FetchUserProgress returns nil when the user never started the journey.
	FetchUserProgress(ctx context.Context, journeyID, userID string) (*Progress, error)
	StartProgress(ctx context.Context, journeyID, userID string) (Progress, error)
	// UpsertCompletion stores rec unless a record for (rec.UserID, rec.StepID)
	// already exists, and saves next in the same transaction. When the record
	// existed, created is false and next is saved without rec.Points.
	UpsertCompletion(ctx context.Context, rec CompletionRecord, next Progress) (created bool, err error)
	SaveProgress(ctx context.Context, p Progress) error
}

// Handlers receive state changes so hosts can render without polling.
// A nil state passed to OnJourneyUpdate means the journey is gone.
type Handlers struct {
	OnJourneyUpdate func(*State)
	OnLoadingChange func(bool)
	OnComplete      func(totalPoints int)
}

type Config struct {
	AcceptanceRadius float64 // meters
}

// State is a read-only snapshot of a session.
type State struct {
	Journey      Journey `json:"journey"`
	Steps        []Step  `json:"steps"`
	CurrentIndex int     `json:"currentIndex"`
	Completed    []int   `json:"completed"`
	Points       int     `json:"points"`
	Complete     bool    `json:"complete"`
	ProgressID   string  `json:"progressId"`
	Loading      bool    `json:"loading"`
	Validating   bool    `json:"validating"`
}

func (s State) IsCompleted(i int) bool {
	idx := sort.SearchInts(s.Completed, i)
	return idx < len(s.Completed) && s.Completed[idx] == i
}

func (s State) CurrentStep() *Step {
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.Steps) {
		return nil
	}
	st := s.Steps[s.CurrentIndex]
	return &st
}

// Patch is a trusted override applied by UpdateState.
type Patch struct {
	AddCompleted []int
	CurrentIndex *int
	AddPoints    int
}

// Outcome describes what ValidateStep did.
type Outcome struct {
	Validated        bool    `json:"validated"`
	AlreadyCompleted bool    `json:"alreadyCompleted,omitempty"`
	Ignored          bool    `json:"ignored,omitempty"`
	Awarded          int     `json:"awarded"`
	Distance         float64 `json:"distance"`
	JourneyComplete  bool    `json:"journeyComplete"`
	State            *State  `json:"state,omitempty"`
}
