// Package quiz runs the per-step question flow: a timed question, a timed
// result view, and a single scored completion per (user, step).
package quiz

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed        = errors.New("quiz closed")
	ErrWrongPhase    = errors.New("action not allowed in current quiz phase")
	ErrInvalidOption = errors.New("invalid option")
	ErrNoQuestions   = errors.New("quiz has no questions")
)

type Phase string

const (
	PhaseLoading       Phase = "loading"
	PhaseInProgress    Phase = "in_progress"
	PhaseShowingResult Phase = "showing_result"
	PhaseCompleted     Phase = "completed"
	PhaseReview        Phase = "review"
	PhaseUnavailable   Phase = "unavailable"
)

type Question struct {
	ID          string   `json:"id"`
	Prompt      string   `json:"prompt"`
	Options     []string `json:"options"`
	Correct     int      `json:"correct"`
	Points      int      `json:"points"`
	Explanation string   `json:"explanation,omitempty"`
}

// Result is the scored outcome stored once per (user, step).
type Result struct {
	Correct int `json:"correct"`
	Points  int `json:"points"`
}

type Store interface {
	FetchQuizQuestions(ctx context.Context, stepID string) ([]Question, error)
	// FetchExistingQuizCompletion returns nil when the user has not
	// finished this step's quiz.
	FetchExistingQuizCompletion(ctx context.Context, userID, stepID string) (*Result, error)
	// UpsertQuizCompletion records r unless a result already exists for
	// (userID, stepID). It reports whether r was recorded.
	UpsertQuizCompletion(ctx context.Context, userID, stepID string, r Result) (bool, error)
}

type Handlers struct {
	// OnQuizComplete receives the points the finished quiz adds.
	OnQuizComplete func(points int)
	// Notify surfaces a dismissible error to the visitor.
	Notify func(err error)
	// OnChange receives every new view.
	OnChange func(View)
}

type Config struct {
	QuestionTime time.Duration
	ResultTime   time.Duration
	// Finished is a result already scored for this step that the store may
	// not hold. When set, the quiz opens in review instead of a new run.
	Finished *Result
}

// QuestionView is a question as the visitor may see it. Correct is only
// set once the answer is revealed.
type QuestionView struct {
	ID          string   `json:"id"`
	Prompt      string   `json:"prompt"`
	Options     []string `json:"options"`
	Points      int      `json:"points"`
	Correct     *int     `json:"correct,omitempty"`
	Explanation string   `json:"explanation,omitempty"`
}

type View struct {
	StepID   string         `json:"stepId"`
	Phase    Phase          `json:"phase"`
	Index    int            `json:"index"`
	Total    int            `json:"total"`
	Question *QuestionView  `json:"question,omitempty"`
	Selected *int           `json:"selected,omitempty"`
	Score    int            `json:"score"`
	Right    int            `json:"right"`
	LastOK   *bool          `json:"lastCorrect,omitempty"`
	Deadline *time.Time     `json:"deadline,omitempty"`
	Review   []QuestionView `json:"review,omitempty"`
	Result   *Result        `json:"result,omitempty"`
	Closed   bool           `json:"closed"`
}

func reveal(q Question) QuestionView {
	v := hide(q)
	c := q.Correct
	v.Correct = &c
	v.Explanation = q.Explanation
	return v
}

func hide(q Question) QuestionView {
	return QuestionView{
		ID:      q.ID,
		Prompt:  q.Prompt,
		Options: append([]string(nil), q.Options...),
		Points:  q.Points,
	}
}
