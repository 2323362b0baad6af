package journey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/playperu/cityjourney/internal/geo"
	"github.com/playperu/cityjourney/internal/identity"
)

// Session is the single writer of one visitor's journey state. All
// persistence runs outside the lock; at most one write is in flight.
type Session struct {
	user     identity.User
	store    Store
	handlers Handlers
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	// ctx is cancelled by Cleanup and bounds every persistence call.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	loading    bool
	loaded     bool
	validating bool
	patching   bool

	journey   Journey
	steps     []Step
	completed map[int]bool
	current   int
	points    int
	complete  bool
	progress  Progress
}

func NewSession(user identity.User, store Store, cfg Config, handlers Handlers, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		user:      user,
		store:     store,
		handlers:  handlers,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		completed: make(map[int]bool),
	}
}

// opContext derives a context for one persistence call that also ends when
// the session is cleaned up.
func (s *Session) opContext(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Initialize loads the journey, its steps and the user's progress. A missing
// or inactive journey yields ErrNotFound.
func (s *Session) Initialize(ctx context.Context, journeyID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.loading || s.validating || s.patching {
		s.mu.Unlock()
		return ErrBusy
	}
	s.loading = true
	s.mu.Unlock()
	s.emitLoading(true)

	opCtx, done := s.opContext(ctx)
	j, steps, p, err := s.load(opCtx, journeyID)
	done()

	s.mu.Lock()
	s.loading = false
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		s.mu.Unlock()
		s.emitLoading(false)
		if errors.Is(err, ErrNotFound) {
			s.emitUpdate(nil)
		}
		return err
	}

	s.journey = j
	s.steps = steps
	s.completed = make(map[int]bool, len(p.Completed))
	for _, i := range p.Completed {
		if i >= 0 && i < len(steps) {
			s.completed[i] = true
		}
	}
	s.current = min(max(p.CurrentIndex, 0), len(steps)-1)
	s.points = max(p.Points, 0)
	s.complete = p.Complete
	s.progress = p
	s.loaded = true
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.emitLoading(false)
	s.emitUpdate(&snap)
	return nil
}

func (s *Session) load(ctx context.Context, journeyID string) (Journey, []Step, Progress, error) {
	j, err := s.store.FetchJourney(ctx, journeyID)
	if err != nil {
		return Journey{}, nil, Progress{}, fmt.Errorf("fetching journey %q: %w", journeyID, err)
	}
	if !j.Active {
		return Journey{}, nil, Progress{}, fmt.Errorf("journey %q is inactive: %w", journeyID, ErrNotFound)
	}

	steps, err := s.store.FetchSteps(ctx, journeyID)
	if err != nil {
		return Journey{}, nil, Progress{}, fmt.Errorf("fetching steps: %w", err)
	}
	if len(steps) == 0 {
		return Journey{}, nil, Progress{}, fmt.Errorf("journey %q has no steps: %w", journeyID, ErrNotFound)
	}

	p, err := s.store.FetchUserProgress(ctx, journeyID, s.user.ID)
	if err != nil {
		return Journey{}, nil, Progress{}, fmt.Errorf("fetching progress: %w", err)
	}
	if p == nil {
		started, err := s.store.StartProgress(ctx, journeyID, s.user.ID)
		if err != nil {
			return Journey{}, nil, Progress{}, fmt.Errorf("starting progress: %w", err)
		}
		p = &started
	}
	return j, steps, *p, nil
}

// ValidateStep completes the current step when pos lies within the
// acceptance radius. index must name the current step; any other
// uncompleted step is rejected with ErrNotCurrentStep. A call arriving
// while another write is in flight is dropped and reported as
// Outcome.Ignored.
func (s *Session) ValidateStep(ctx context.Context, index int, pos *geo.Position) (Outcome, error) {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return Outcome{}, err
	}
	if s.validating || s.patching {
		s.mu.Unlock()
		return Outcome{Ignored: true}, nil
	}
	if s.complete {
		s.mu.Unlock()
		return Outcome{}, ErrJourneyComplete
	}
	if pos == nil {
		s.mu.Unlock()
		return Outcome{}, ErrNoLocation
	}
	if index < 0 || index >= len(s.steps) {
		s.mu.Unlock()
		return Outcome{}, ErrStepOutOfRange
	}
	if s.completed[index] {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return Outcome{AlreadyCompleted: true, State: &snap}, nil
	}
	if index != s.current {
		cur := s.current
		s.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: step %d, current is %d", ErrNotCurrentStep, index, cur)
	}

	step := s.steps[index]
	dist := geo.Distance(pos.Point(), step.Location)
	// NaN never passes the comparison.
	if !(dist <= s.cfg.AcceptanceRadius) {
		s.mu.Unlock()
		return Outcome{Distance: dist}, &TooFarError{Distance: dist, Radius: s.cfg.AcceptanceRadius}
	}

	now := s.now().UTC()
	next := s.progressLocked()
	next.Completed = insertSorted(next.Completed, index)
	next.Points += step.Points
	if index == len(s.steps)-1 {
		next.Complete = true
		next.CompletedAt = &now
		next.CurrentIndex = index
	} else {
		next.CurrentIndex = index + 1
	}
	rec := CompletionRecord{
		UserID:      s.user.ID,
		StepID:      step.ID,
		ProgressID:  s.progress.ID,
		Points:      step.Points,
		CompletedAt: now,
	}
	s.validating = true
	busy := s.snapshotLocked()
	s.mu.Unlock()
	s.emitUpdate(&busy)

	opCtx, done := s.opContext(ctx)
	created, err := s.store.UpsertCompletion(opCtx, rec, next)
	done()

	s.mu.Lock()
	s.validating = false
	if s.closed {
		s.mu.Unlock()
		return Outcome{}, ErrClosed
	}
	if err != nil {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.emitUpdate(&snap)
		return Outcome{Distance: dist}, fmt.Errorf("%w: saving completion of step %q: %w", ErrPersistence, step.ID, err)
	}

	awarded := 0
	if created {
		awarded = step.Points
	} else {
		next.Points -= step.Points
	}
	s.completed[index] = true
	s.points += awarded
	s.current = next.CurrentIndex
	s.complete = next.Complete
	s.progress = next
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("step validated",
		"user_id", s.user.ID,
		"journey_id", snap.Journey.ID,
		"step_index", index,
		"distance_m", dist,
		"awarded", awarded,
	)

	s.emitUpdate(&snap)
	if snap.Complete {
		s.emitComplete(snap.Points)
	}
	return Outcome{
		Validated:       true,
		Awarded:         awarded,
		Distance:        dist,
		JourneyComplete: snap.Complete,
		State:           &snap,
	}, nil
}

// UpdateState applies a trusted patch. No gameplay rules are checked, but
// completion stays add-only, points never decrease and the current index
// stays within the step range.
func (s *Session) UpdateState(ctx context.Context, p Patch) (State, error) {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return State{}, err
	}
	if s.validating || s.patching {
		s.mu.Unlock()
		return State{}, ErrBusy
	}
	if p.AddPoints < 0 {
		s.mu.Unlock()
		return State{}, fmt.Errorf("%w: negative points", ErrInvalidPatch)
	}
	for _, i := range p.AddCompleted {
		if i < 0 || i >= len(s.steps) {
			s.mu.Unlock()
			return State{}, fmt.Errorf("%w: completed index %d", ErrStepOutOfRange, i)
		}
	}
	if p.CurrentIndex != nil && (*p.CurrentIndex < 0 || *p.CurrentIndex >= len(s.steps)) {
		s.mu.Unlock()
		return State{}, fmt.Errorf("%w: current index %d", ErrStepOutOfRange, *p.CurrentIndex)
	}

	next := s.progressLocked()
	for _, i := range p.AddCompleted {
		next.Completed = insertSorted(next.Completed, i)
	}
	if p.CurrentIndex != nil {
		next.CurrentIndex = *p.CurrentIndex
	}
	next.Points += p.AddPoints
	s.patching = true
	s.mu.Unlock()

	opCtx, done := s.opContext(ctx)
	err := s.store.SaveProgress(opCtx, next)
	done()

	s.mu.Lock()
	s.patching = false
	if s.closed {
		s.mu.Unlock()
		return State{}, ErrClosed
	}
	if err != nil {
		s.mu.Unlock()
		return State{}, fmt.Errorf("%w: saving progress: %w", ErrPersistence, err)
	}
	for _, i := range p.AddCompleted {
		s.completed[i] = true
	}
	s.current = next.CurrentIndex
	s.points = next.Points
	s.progress = next
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.emitUpdate(&snap)
	return snap, nil
}

// Cleanup abandons in-flight persistence and silences all callbacks.
func (s *Session) Cleanup() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) User() identity.User { return s.user }

func (s *Session) usableLocked() error {
	if s.closed {
		return ErrClosed
	}
	if !s.loaded || s.loading {
		return ErrNotLoaded
	}
	return nil
}

func (s *Session) progressLocked() Progress {
	p := s.progress
	p.Completed = s.completedLocked()
	p.CurrentIndex = s.current
	p.Points = s.points
	p.Complete = s.complete
	return p
}

func (s *Session) completedLocked() []int {
	out := make([]int, 0, len(s.completed))
	for i := range s.completed {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (s *Session) snapshotLocked() State {
	return State{
		Journey:      s.journey,
		Steps:        slices.Clone(s.steps),
		CurrentIndex: s.current,
		Completed:    s.completedLocked(),
		Points:       s.points,
		Complete:     s.complete,
		ProgressID:   s.progress.ID,
		Loading:      s.loading,
		Validating:   s.validating,
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) emitUpdate(st *State) {
	if s.handlers.OnJourneyUpdate != nil && !s.isClosed() {
		s.handlers.OnJourneyUpdate(st)
	}
}

func (s *Session) emitLoading(v bool) {
	if s.handlers.OnLoadingChange != nil && !s.isClosed() {
		s.handlers.OnLoadingChange(v)
	}
}

func (s *Session) emitComplete(points int) {
	if s.handlers.OnComplete != nil && !s.isClosed() {
		s.handlers.OnComplete(points)
	}
}

func insertSorted(xs []int, v int) []int {
	i, found := slices.BinarySearch(xs, v)
	if found {
		return xs
	}
	return slices.Insert(xs, i, v)
}
