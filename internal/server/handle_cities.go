package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/playperu/cityjourney/internal/store"
)

func handleListCities(logger *slog.Logger, s Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cities, err := s.ListCities(r.Context())
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		if cities == nil {
			cities = []store.City{}
		}
		writeJSON(w, http.StatusOK, cities)
	}
}

func handleListJourneys(logger *slog.Logger, s Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		journeys, err := s.ListJourneys(r.Context(), chi.URLParam(r, "cityID"))
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "city not found")
			return
		}
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		if journeys == nil {
			journeys = []store.JourneySummary{}
		}
		writeJSON(w, http.StatusOK, journeys)
	}
}
