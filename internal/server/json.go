package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/playperu/cityjourney/internal/completion"
	"github.com/playperu/cityjourney/internal/geo"
	"github.com/playperu/cityjourney/internal/identity"
	"github.com/playperu/cityjourney/internal/journey"
	"github.com/playperu/cityjourney/internal/quiz"
	"github.com/playperu/cityjourney/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps core errors onto HTTP statuses. Unknown errors are
// logged and reported as a generic 500.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var far *journey.TooFarError
	if errors.As(err, &far) {
		writeJSON(w, http.StatusUnprocessableEntity, TooFarResponse{
			Error:    far.Error(),
			Distance: far.Distance,
			Radius:   far.Radius,
		})
		return
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		writeError(w, status, "internal error")
		return
	}
	if status == http.StatusServiceUnavailable {
		logger.Warn("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, identity.ErrUnauthenticated),
		errors.Is(err, identity.ErrInvalidCredentials):
		return http.StatusUnauthorized

	case errors.Is(err, journey.ErrNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, errNoPlay),
		errors.Is(err, errNoQuiz),
		errors.Is(err, errQuizNotOpen):
		return http.StatusNotFound

	case errors.Is(err, journey.ErrNoLocation),
		errors.Is(err, geo.ErrPermissionDenied),
		errors.Is(err, geo.ErrPositionUnavailable),
		errors.Is(err, geo.ErrTimeout),
		errors.Is(err, journey.ErrStepOutOfRange),
		errors.Is(err, journey.ErrInvalidPatch),
		errors.Is(err, quiz.ErrInvalidOption),
		errors.Is(err, completion.ErrInvalidRating),
		errors.Is(err, completion.ErrCommentTooLong):
		return http.StatusBadRequest

	case errors.Is(err, journey.ErrJourneyComplete),
		errors.Is(err, journey.ErrNotCurrentStep),
		errors.Is(err, journey.ErrGuardClosed),
		errors.Is(err, journey.ErrBusy),
		errors.Is(err, journey.ErrNotLoaded),
		errors.Is(err, journey.ErrClosed),
		errors.Is(err, quiz.ErrWrongPhase),
		errors.Is(err, quiz.ErrClosed),
		errors.Is(err, completion.ErrWrongStage),
		errors.Is(err, completion.ErrBusy),
		errors.Is(err, errNotComplete):
		return http.StatusConflict

	case errors.Is(err, journey.ErrPersistence),
		errors.Is(err, completion.ErrPersistence),
		errors.Is(err, completion.ErrJournalUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
