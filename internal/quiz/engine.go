package quiz

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/playperu/cityjourney/internal/identity"
)

// Engine drives one opened quiz dialog. Exactly one of the question timer
// and the result timer is pending at a time; every transition bumps gen so
// a timer that fires late finds a different generation and does nothing.
type Engine struct {
	user     identity.User
	stepID   string
	store    Store
	clock    Clock
	cfg      Config
	handlers Handlers
	logger   *slog.Logger

	mu       sync.Mutex
	opened   bool
	closed   bool
	phase    Phase
	gen      uint64
	timer    Timer
	deadline time.Time

	questions []Question
	index     int
	selected  int
	score     int
	right     int
	lastOK    *bool
	result    *Result
}

func NewEngine(user identity.User, stepID string, store Store, clock Clock, cfg Config, handlers Handlers, logger *slog.Logger) *Engine {
	if clock == nil {
		clock = SystemClock
	}
	return &Engine{
		user:     user,
		stepID:   stepID,
		store:    store,
		clock:    clock,
		cfg:      cfg,
		handlers: handlers,
		logger:   logger,
		phase:    PhaseLoading,
		selected: -1,
	}
}

// Open loads the quiz. A user who already finished it, as recorded in the
// store or passed in Config.Finished, gets the review view; a fetch failure is reported through Notify and leaves the quiz
// unavailable.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.opened {
		e.mu.Unlock()
		return ErrWrongPhase
	}
	e.opened = true
	e.mu.Unlock()

	existing, err := e.store.FetchExistingQuizCompletion(ctx, e.user.ID, e.stepID)
	var questions []Question
	if err == nil {
		questions, err = e.store.FetchQuizQuestions(ctx, e.stepID)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		e.phase = PhaseUnavailable
		v := e.viewLocked()
		e.mu.Unlock()
		err = fmt.Errorf("loading quiz for step %q: %w", e.stepID, err)
		e.notify(err)
		e.emit(v)
		return err
	}

	if existing == nil && e.cfg.Finished != nil {
		existing = e.cfg.Finished
	}
	e.questions = questions
	switch {
	case existing != nil:
		r := *existing
		e.result = &r
		e.phase = PhaseReview
	case len(questions) == 0:
		e.phase = PhaseUnavailable
	default:
		e.phase = PhaseInProgress
		e.index = 0
		e.startTimerLocked(e.cfg.QuestionTime, e.expireQuestion)
	}
	v := e.viewLocked()
	e.mu.Unlock()

	e.emit(v)
	return nil
}

func (e *Engine) Select(option int) (View, error) {
	e.mu.Lock()
	if err := e.expectLocked(PhaseInProgress); err != nil {
		e.mu.Unlock()
		return View{}, err
	}
	if option < 0 || option >= len(e.questions[e.index].Options) {
		e.mu.Unlock()
		return View{}, fmt.Errorf("%w: %d", ErrInvalidOption, option)
	}
	e.selected = option
	v := e.viewLocked()
	e.mu.Unlock()

	e.emit(v)
	return v, nil
}

// Submit scores the current selection, possibly none, and shows the result.
func (e *Engine) Submit() (View, error) {
	e.mu.Lock()
	if err := e.expectLocked(PhaseInProgress); err != nil {
		e.mu.Unlock()
		return View{}, err
	}
	e.submitLocked()
	v := e.viewLocked()
	e.mu.Unlock()

	e.emit(v)
	return v, nil
}

// Next leaves the result view for the next question, or finalizes the quiz
// after the last one.
func (e *Engine) Next(ctx context.Context) (View, error) {
	e.mu.Lock()
	if err := e.expectLocked(PhaseShowingResult); err != nil {
		e.mu.Unlock()
		return View{}, err
	}
	return e.advanceLocked(ctx), nil
}

// Close cancels any pending timer. A finalization already under way still
// completes.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.stopTimerLocked()
	e.gen++
}

func (e *Engine) State() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

func (e *Engine) StepID() string { return e.stepID }

func (e *Engine) expectLocked(p Phase) error {
	if e.closed {
		return ErrClosed
	}
	if e.phase != p {
		return fmt.Errorf("%w: %s", ErrWrongPhase, e.phase)
	}
	return nil
}

func (e *Engine) submitLocked() {
	q := e.questions[e.index]
	ok := e.selected == q.Correct
	if ok {
		e.score += q.Points
		e.right++
	}
	e.lastOK = &ok
	e.phase = PhaseShowingResult
	e.startTimerLocked(e.cfg.ResultTime, e.expireResult)
}

// advanceLocked is entered with e.mu held and releases it.
func (e *Engine) advanceLocked(ctx context.Context) View {
	if e.index+1 < len(e.questions) {
		e.index++
		e.selected = -1
		e.lastOK = nil
		e.phase = PhaseInProgress
		e.startTimerLocked(e.cfg.QuestionTime, e.expireQuestion)
		v := e.viewLocked()
		e.mu.Unlock()
		e.emit(v)
		return v
	}
	return e.finalizeLocked(ctx)
}

// finalizeLocked is entered with e.mu held and releases it.
func (e *Engine) finalizeLocked(ctx context.Context) View {
	r := Result{Correct: e.right, Points: e.score}
	e.stopTimerLocked()
	e.gen++
	e.phase = PhaseCompleted
	e.result = &r
	e.index = 0
	e.selected = -1
	e.score = 0
	e.right = 0
	e.lastOK = nil
	v := e.viewLocked()
	e.mu.Unlock()

	e.emit(v)

	awarded := r.Points
	recorded, err := e.store.UpsertQuizCompletion(context.WithoutCancel(ctx), e.user.ID, e.stepID, r)
	switch {
	case err != nil:
		e.logger.Warn("quiz completion not saved",
			"user_id", e.user.ID,
			"step_id", e.stepID,
			"points", r.Points,
			"error", err,
		)
	case !recorded:
		awarded = 0
		e.logger.Info("quiz already completed", "user_id", e.user.ID, "step_id", e.stepID)
	default:
		e.logger.Info("quiz completed",
			"user_id", e.user.ID,
			"step_id", e.stepID,
			"correct", r.Correct,
			"points", r.Points,
		)
	}

	if e.handlers.OnQuizComplete != nil {
		e.handlers.OnQuizComplete(awarded)
	}
	return v
}

func (e *Engine) expireQuestion(gen uint64) {
	e.mu.Lock()
	if e.closed || gen != e.gen || e.phase != PhaseInProgress {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.submitLocked()
	v := e.viewLocked()
	e.mu.Unlock()
	e.emit(v)
}

func (e *Engine) expireResult(gen uint64) {
	e.mu.Lock()
	if e.closed || gen != e.gen || e.phase != PhaseShowingResult {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.advanceLocked(context.Background())
}

func (e *Engine) startTimerLocked(d time.Duration, fire func(uint64)) {
	e.stopTimerLocked()
	e.gen++
	gen := e.gen
	e.deadline = e.clock.Now().Add(d)
	e.timer = e.clock.AfterFunc(d, func() { fire(gen) })
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.deadline = time.Time{}
}

func (e *Engine) viewLocked() View {
	v := View{
		StepID: e.stepID,
		Phase:  e.phase,
		Index:  e.index,
		Total:  len(e.questions),
		Score:  e.score,
		Right:  e.right,
		Closed: e.closed,
	}
	if e.lastOK != nil {
		ok := *e.lastOK
		v.LastOK = &ok
	}
	if !e.deadline.IsZero() {
		d := e.deadline
		v.Deadline = &d
	}
	if e.result != nil {
		r := *e.result
		v.Result = &r
	}

	switch e.phase {
	case PhaseInProgress, PhaseShowingResult:
		q := e.questions[e.index]
		var qv QuestionView
		if e.phase == PhaseShowingResult {
			qv = reveal(q)
		} else {
			qv = hide(q)
		}
		v.Question = &qv
		if e.selected >= 0 {
			s := e.selected
			v.Selected = &s
		}
	case PhaseReview:
		v.Review = make([]QuestionView, len(e.questions))
		for i, q := range e.questions {
			v.Review[i] = reveal(q)
		}
	}
	return v
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) emit(v View) {
	if e.handlers.OnChange != nil && !e.isClosed() {
		e.handlers.OnChange(v)
	}
}

func (e *Engine) notify(err error) {
	if e.handlers.Notify != nil && !e.isClosed() {
		e.handlers.Notify(err)
	}
}
