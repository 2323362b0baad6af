package journey

import "sync"

// NavigationRequest describes a blocked jump, shown to the visitor as a
// confirmation before skipping ahead.
type NavigationRequest struct {
	Target      int    `json:"target"`
	Current     int    `json:"current"`
	StepName    string `json:"stepName"`
	MissedSteps int    `json:"missedSteps"`
}

type Decision struct {
	Allowed bool               `json:"allowed"`
	Request *NavigationRequest `json:"request,omitempty"`
}

// Allowed reports whether target is reachable from current without
// confirmation. Rules, in order: revisiting, the immediate next step, an
// already completed step, a step whose predecessor is completed.
func Allowed(target, current int, completed func(int) bool) bool {
	switch {
	case target <= current:
		return true
	case target == current+1:
		return true
	case completed(target):
		return true
	case completed(target - 1):
		return true
	}
	return false
}

// Guard holds at most one pending NavigationRequest. It never touches a
// Session; ForceUnlock hands back the Patch for the caller to apply.
type Guard struct {
	mu   sync.Mutex
	open *NavigationRequest
}

// Request decides on a jump to target. A blocked jump replaces any pending
// request.
func (g *Guard) Request(target int, st State) (Decision, error) {
	if target < 0 || target >= len(st.Steps) {
		return Decision{}, ErrStepOutOfRange
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if Allowed(target, st.CurrentIndex, st.IsCompleted) {
		g.open = nil
		return Decision{Allowed: true}, nil
	}

	req := &NavigationRequest{
		Target:      target,
		Current:     st.CurrentIndex,
		StepName:    st.Steps[target].Name,
		MissedSteps: target - st.CurrentIndex,
	}
	g.open = req
	cp := *req
	return Decision{Request: &cp}, nil
}

// Pending returns the open request, if any.
func (g *Guard) Pending() *NavigationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open == nil {
		return nil
	}
	cp := *g.open
	return &cp
}

func (g *Guard) Cancel() {
	g.mu.Lock()
	g.open = nil
	g.mu.Unlock()
}

// ForceUnlock closes the pending request and returns the skip against the
// live state st: every index strictly between the current step and the
// target is marked completed with no points, and the target becomes
// current. A target the visitor has since reached or passed needs no skip.
func (g *Guard) ForceUnlock(st State) (Patch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open == nil {
		return Patch{}, ErrGuardClosed
	}
	target := g.open.Target
	g.open = nil

	if target < 0 || target >= len(st.Steps) {
		return Patch{}, ErrStepOutOfRange
	}
	if target <= st.CurrentIndex {
		return Patch{CurrentIndex: &target}, nil
	}

	var skipped []int
	for i := st.CurrentIndex + 1; i < target; i++ {
		skipped = append(skipped, i)
	}
	return Patch{AddCompleted: skipped, CurrentIndex: &target}, nil
}
