package server

import (
	"context"

	"github.com/playperu/cityjourney/internal/completion"
	"github.com/playperu/cityjourney/internal/journey"
	"github.com/playperu/cityjourney/internal/quiz"
	"github.com/playperu/cityjourney/internal/store"
)

// Store is everything the HTTP host reads and writes. *store.DocStore
// implements it.
type Store interface {
	journey.Store
	quiz.Store
	completion.RatingStore

	ListCities(ctx context.Context) ([]store.City, error)
	ListJourneys(ctx context.Context, cityID string) ([]store.JourneySummary, error)
	UserPoints(ctx context.Context, userID string) (int, error)
}

var _ Store = (*store.DocStore)(nil)
