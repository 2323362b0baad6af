package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playperu/cityjourney/internal/completion"
	"github.com/playperu/cityjourney/internal/geo"
	"github.com/playperu/cityjourney/internal/identity"
	"github.com/playperu/cityjourney/internal/journey"
	"github.com/playperu/cityjourney/internal/quiz"
)

var (
	errNoPlay      = errors.New("no active session for this journey")
	errNoQuiz      = errors.New("step has no quiz")
	errQuizNotOpen = errors.New("quiz not open for this step")
	errNotComplete = errors.New("journey not complete")
)

const (
	quizPointsRetries = 50
	quizPointsBackoff = 20 * time.Millisecond
)

// Play is one user's live session on one journey: the state store, its
// navigation guard, at most one open quiz and the completion dialog.
type Play struct {
	key    string
	user   identity.User
	deps   Deps
	broker *Broker
	logger *slog.Logger

	session *journey.Session
	guard   journey.Guard

	lastSeen atomic.Int64

	mu        sync.Mutex
	quiz      *quiz.Engine
	quizIndex int
	// finished holds the quiz results scored in this play by step index,
	// including ones the store failed to record.
	finished map[int]quiz.Result
	flow     *completion.Flow
}

func playKey(userID, journeyID string) string {
	return userID + "|" + journeyID
}

func newPlay(user identity.User, journeyID string, deps Deps, broker *Broker, logger *slog.Logger) *Play {
	p := &Play{
		key:    playKey(user.ID, journeyID),
		user:   user,
		deps:   deps,
		broker:   broker,
		logger:   logger.With("user_id", user.ID, "journey_id", journeyID),
		finished: make(map[int]quiz.Result),
	}
	p.session = journey.NewSession(user, deps.Store,
		journey.Config{AcceptanceRadius: deps.Journey.AcceptanceRadiusMeters},
		journey.Handlers{
			OnJourneyUpdate: p.onJourneyUpdate,
			OnLoadingChange: p.onLoadingChange,
			OnComplete:      p.onComplete,
		},
		p.logger,
	)
	p.touch()
	return p
}

func (p *Play) touch() { p.lastSeen.Store(time.Now().UnixNano()) }

func (p *Play) idleSince() time.Time { return time.Unix(0, p.lastSeen.Load()) }

func (p *Play) publish(e Event) { p.broker.Publish(p.key, e) }

func (p *Play) onJourneyUpdate(st *journey.State) {
	if st == nil {
		p.publish(Event{Type: EventJourneyGone})
		return
	}
	p.publish(Event{Type: EventJourney, Journey: st})
}

func (p *Play) onLoadingChange(v bool) {
	p.publish(Event{Type: EventLoading, Loading: &v})
}

func (p *Play) onComplete(points int) {
	p.publish(Event{Type: EventComplete, Points: points})
	f, err := p.Completion()
	if err != nil {
		p.logger.Error("opening completion dialog", "error", err)
		return
	}
	v := f.State()
	p.publish(Event{Type: EventCompletion, Completion: &v})
}

// Validate runs a step validation under the cross-instance lock. A call
// that cannot take the lock is dropped like an overlapping local call.
func (p *Play) Validate(ctx context.Context, index int, pos *geo.Position) (journey.Outcome, error) {
	if p.deps.Locker != nil {
		release, ok, err := p.deps.Locker.TryLock(ctx, "validate:"+p.key, 15*time.Second)
		switch {
		case err != nil:
			p.logger.Warn("validation lock unavailable", "error", err)
		case !ok:
			return journey.Outcome{Ignored: true}, nil
		default:
			defer release()
		}
	}
	return p.session.ValidateStep(ctx, index, pos)
}

// Navigate asks the guard for a move to target and applies an allowed move.
// A blocked move leaves the state untouched and opens a request.
func (p *Play) Navigate(ctx context.Context, target int) (journey.Decision, journey.State, error) {
	st := p.session.State()
	d, err := p.guard.Request(target, st)
	if err != nil {
		return journey.Decision{}, journey.State{}, err
	}
	if !d.Allowed || target == st.CurrentIndex {
		return d, st, nil
	}
	st, err = p.session.UpdateState(ctx, journey.Patch{CurrentIndex: &target})
	if err != nil {
		return journey.Decision{}, journey.State{}, err
	}
	return d, st, nil
}

// ForceUnlock applies the pending skip of the navigation guard.
func (p *Play) ForceUnlock(ctx context.Context) (journey.State, error) {
	patch, err := p.guard.ForceUnlock(p.session.State())
	if err != nil {
		return journey.State{}, err
	}
	st, err := p.session.UpdateState(ctx, patch)
	if err != nil {
		return journey.State{}, err
	}
	p.logger.Info("steps skipped", "skipped", patch.AddCompleted, "current_index", st.CurrentIndex)
	return st, nil
}

// OpenQuiz starts the quiz of the step at index, replacing any quiz open on
// another step. Reopening the same step returns the running quiz.
func (p *Play) OpenQuiz(ctx context.Context, index int) (*quiz.Engine, error) {
	st := p.session.State()
	if index < 0 || index >= len(st.Steps) {
		return nil, journey.ErrStepOutOfRange
	}
	step := st.Steps[index]
	if !step.HasQuiz {
		return nil, errNoQuiz
	}

	p.mu.Lock()
	if p.quiz != nil && p.quizIndex == index && p.quiz.State().Phase != quiz.PhaseUnavailable {
		e := p.quiz
		p.mu.Unlock()
		return e, nil
	}
	if p.quiz != nil {
		p.quiz.Close()
	}
	cfg := quiz.Config{
		QuestionTime: p.deps.Journey.QuestionTime(),
		ResultTime:   p.deps.Journey.ResultTime(),
	}
	if r, ok := p.finished[index]; ok {
		cfg.Finished = &r
	}
	var e *quiz.Engine
	e = quiz.NewEngine(p.user, step.ID, p.deps.Store, p.deps.Clock, cfg,
		quiz.Handlers{
			OnQuizComplete: func(points int) { p.onQuizComplete(index, e, points) },
			Notify: func(err error) {
				p.publish(Event{Type: EventNotice, Message: err.Error()})
			},
			OnChange: func(v quiz.View) {
				p.publish(Event{Type: EventQuiz, Quiz: &v})
			},
		},
		p.logger,
	)
	p.quiz = e
	p.quizIndex = index
	p.mu.Unlock()

	if err := e.Open(ctx); err != nil {
		return e, err
	}
	return e, nil
}

// Quiz returns the quiz open on the step at index.
func (p *Play) Quiz(index int) (*quiz.Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quiz == nil || p.quizIndex != index {
		return nil, errQuizNotOpen
	}
	return p.quiz, nil
}

func (p *Play) CloseQuiz(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quiz == nil || p.quizIndex != index {
		return errQuizNotOpen
	}
	p.quiz.Close()
	p.quiz = nil
	return nil
}

// onQuizComplete remembers the result of the step's quiz and folds its
// points into the journey total. The session refuses patches while a
// validation is in flight, so the patch is retried for a short while.
func (p *Play) onQuizComplete(index int, e *quiz.Engine, points int) {
	if r := e.State().Result; r != nil {
		p.mu.Lock()
		if _, ok := p.finished[index]; !ok {
			p.finished[index] = *r
		}
		p.mu.Unlock()
	}

	p.publish(Event{Type: EventQuizComplete, Points: points})
	if points <= 0 {
		return
	}
	var st journey.State
	for attempt := 0; ; attempt++ {
		var err error
		st, err = p.session.UpdateState(context.Background(), journey.Patch{AddPoints: points})
		if err == nil {
			break
		}
		if errors.Is(err, journey.ErrBusy) && attempt < quizPointsRetries {
			time.Sleep(quizPointsBackoff)
			continue
		}
		if !errors.Is(err, journey.ErrClosed) {
			p.logger.Warn("quiz points not added to journey", "points", points, "error", err)
		}
		return
	}
	p.publish(Event{Type: EventProfile, Points: points})

	p.mu.Lock()
	flow := p.flow
	p.mu.Unlock()
	if flow != nil {
		flow.SetPoints(st.Points)
	}
}

// Completion returns the completion dialog, opening it the first time it
// is asked for on a complete journey.
func (p *Play) Completion() (*completion.Flow, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flow != nil {
		return p.flow, nil
	}
	st := p.session.State()
	if !st.Complete {
		return nil, errNotComplete
	}
	if st.ProgressID == "" {
		return nil, fmt.Errorf("completed journey %q has no progress record", st.Journey.ID)
	}
	p.flow = completion.NewFlow(p.user,
		completion.Summary{
			JourneyID:   st.Journey.ID,
			JourneyName: st.Journey.Name,
			ProgressID:  st.ProgressID,
			Points:      st.Points,
		},
		p.deps.Store, p.deps.Notifier, p.deps.Journals,
		completion.Config{CommentMax: p.deps.Journey.RatingCommentMax},
		func(v completion.View) {
			p.publish(Event{Type: EventCompletion, Completion: &v})
		},
		p.logger,
	)
	return p.flow, nil
}

func (p *Play) close() {
	p.mu.Lock()
	if p.quiz != nil {
		p.quiz.Close()
		p.quiz = nil
	}
	flow := p.flow
	p.mu.Unlock()

	p.session.Cleanup()
	if flow != nil {
		flow.Wait()
	}
}
