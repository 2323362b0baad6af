package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/playperu/cityjourney/internal/geo"
	"github.com/playperu/cityjourney/internal/journey"
)

type SessionResponse struct {
	State   journey.State              `json:"state"`
	Pending *journey.NavigationRequest `json:"pendingNavigation,omitempty"`
}

// LocationReading is what the browser's geolocation API reported: either
// coordinates or a GeolocationPositionError code.
type LocationReading struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Accuracy  float64  `json:"accuracy,omitempty"`
	// Timestamp is in milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp,omitempty"`
	ErrorCode int   `json:"errorCode,omitempty"`
}

func (l LocationReading) reading() geo.Reading {
	rd := geo.Reading{
		Latitude:  l.Latitude,
		Longitude: l.Longitude,
		Accuracy:  l.Accuracy,
		ErrorCode: l.ErrorCode,
	}
	if l.Timestamp > 0 {
		rd.Timestamp = time.UnixMilli(l.Timestamp)
	}
	return rd
}

type ValidateRequest struct {
	StepIndex int              `json:"stepIndex"`
	Location  *LocationReading `json:"location"`
}

type TooFarResponse struct {
	Error    string  `json:"error"`
	Distance float64 `json:"distance"`
	Radius   float64 `json:"radius"`
}

type NavigateRequest struct {
	Target int `json:"target"`
}

// NavigateResponse carries the guard's decision and the state after an
// allowed move was applied.
type NavigateResponse struct {
	journey.Decision
	State journey.State `json:"state"`
}

func sessionResponse(p *Play) SessionResponse {
	return SessionResponse{State: p.session.State(), Pending: p.guard.Pending()}
}

func handleStartSession(logger *slog.Logger, plays *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := plays.Open(r.Context(), userFrom(r), chi.URLParam(r, "journeyID"))
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse(p))
	}
}

func handleGetSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sessionResponse(playFrom(r)))
	}
}

func handleCloseSession(plays *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plays.Close(userFrom(r).ID, chi.URLParam(r, "journeyID"))
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleValidate(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ValidateRequest
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var pos *geo.Position
		if req.Location != nil {
			got, err := req.Location.reading().CurrentPosition(r.Context(), geo.DefaultOptions)
			if err != nil {
				writeDomainError(w, logger, err)
				return
			}
			pos = &got
		}

		out, err := playFrom(r).Validate(r.Context(), req.StepIndex, pos)
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleNavigate(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req NavigateRequest
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		d, st, err := playFrom(r).Navigate(r.Context(), req.Target)
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, NavigateResponse{Decision: d, State: st})
	}
}

func handleCancelNavigation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := playFrom(r)
		p.guard.Cancel()
		writeJSON(w, http.StatusOK, sessionResponse(p))
	}
}

func handleForceNavigation(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := playFrom(r)
		if _, err := p.ForceUnlock(r.Context()); err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse(p))
	}
}
