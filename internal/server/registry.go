package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/playperu/cityjourney/internal/identity"
)

// Registry holds the live plays, one per (user, journey).
type Registry struct {
	deps   Deps
	broker *Broker
	logger *slog.Logger

	group singleflight.Group

	mu    sync.RWMutex
	plays map[string]*Play
}

func NewRegistry(deps Deps, broker *Broker, logger *slog.Logger) *Registry {
	return &Registry{
		deps:   deps,
		broker: broker,
		logger: logger,
		plays:  make(map[string]*Play),
	}
}

func (r *Registry) Get(userID, journeyID string) (*Play, bool) {
	r.mu.RLock()
	p, ok := r.plays[playKey(userID, journeyID)]
	r.mu.RUnlock()
	if ok {
		p.touch()
	}
	return p, ok
}

// Open returns the user's play on journeyID, initializing it on first use.
// Concurrent first calls share one initialization.
func (r *Registry) Open(ctx context.Context, user identity.User, journeyID string) (*Play, error) {
	if p, ok := r.Get(user.ID, journeyID); ok {
		return p, nil
	}

	key := playKey(user.ID, journeyID)
	v, err, _ := r.group.Do(key, func() (any, error) {
		// Double-check after winning the flight.
		if p, ok := r.Get(user.ID, journeyID); ok {
			return p, nil
		}

		p := newPlay(user, journeyID, r.deps, r.broker, r.logger)
		if err := p.session.Initialize(ctx, journeyID); err != nil {
			p.session.Cleanup()
			return nil, err
		}

		r.mu.Lock()
		r.plays[key] = p
		r.mu.Unlock()
		r.logger.Info("play opened", "user_id", user.ID, "journey_id", journeyID)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Play), nil
}

// Close ends the play, if any.
func (r *Registry) Close(userID, journeyID string) bool {
	key := playKey(userID, journeyID)
	r.mu.Lock()
	p, ok := r.plays[key]
	delete(r.plays, key)
	r.mu.Unlock()
	if ok {
		p.close()
	}
	return ok
}

// CloseUser ends every play of the user.
func (r *Registry) CloseUser(userID string) {
	r.mu.Lock()
	var closing []*Play
	for key, p := range r.plays {
		if p.user.ID == userID {
			closing = append(closing, p)
			delete(r.plays, key)
		}
	}
	r.mu.Unlock()

	for _, p := range closing {
		p.close()
	}
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	plays := r.plays
	r.plays = make(map[string]*Play)
	r.mu.Unlock()

	for _, p := range plays {
		p.close()
	}
}

// Reap closes plays untouched for longer than idle and without stream
// subscribers. It returns the number closed.
func (r *Registry) Reap(now time.Time, idle time.Duration) int {
	r.mu.Lock()
	var closing []*Play
	for key, p := range r.plays {
		if now.Sub(p.idleSince()) > idle && r.broker.Subscribers(key) == 0 {
			closing = append(closing, p)
			delete(r.plays, key)
		}
	}
	r.mu.Unlock()

	for _, p := range closing {
		p.close()
	}
	return len(closing)
}

// RunReaper calls Reap every interval until ctx is done.
func (r *Registry) RunReaper(ctx context.Context, every, idle time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			if n := r.Reap(now, idle); n > 0 {
				r.logger.Info("idle plays closed", "count", n)
			}
		}
	}
}
