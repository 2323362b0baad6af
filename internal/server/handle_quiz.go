package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/playperu/cityjourney/internal/quiz"
)

type SelectRequest struct {
	Option int `json:"option"`
}

func stepIndex(r *http.Request) (int, bool) {
	i, err := strconv.Atoi(chi.URLParam(r, "stepIndex"))
	return i, err == nil
}

func handleOpenQuiz(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idx, ok := stepIndex(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid step index")
			return
		}

		e, err := playFrom(r).OpenQuiz(r.Context(), idx)
		if e == nil {
			writeDomainError(w, logger, err)
			return
		}
		if err != nil {
			// The engine already reported the failure and sits unavailable.
			logger.Warn("quiz unavailable", "step_index", idx, "error", err)
			writeError(w, http.StatusServiceUnavailable, "quiz unavailable")
			return
		}
		writeJSON(w, http.StatusOK, e.State())
	}
}

// quizAction runs fn against the quiz open on {stepIndex}.
func quizAction(logger *slog.Logger, fn func(*http.Request, *quiz.Engine) (quiz.View, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idx, ok := stepIndex(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid step index")
			return
		}
		e, err := playFrom(r).Quiz(idx)
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		v, err := fn(r, e)
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func handleGetQuiz(logger *slog.Logger) http.HandlerFunc {
	return quizAction(logger, func(_ *http.Request, e *quiz.Engine) (quiz.View, error) {
		return e.State(), nil
	})
}

func handleSelectOption(logger *slog.Logger) http.HandlerFunc {
	return quizAction(logger, func(r *http.Request, e *quiz.Engine) (quiz.View, error) {
		var req SelectRequest
		if err := readJSON(r, &req); err != nil {
			return quiz.View{}, quiz.ErrInvalidOption
		}
		return e.Select(req.Option)
	})
}

func handleSubmitAnswer(logger *slog.Logger) http.HandlerFunc {
	return quizAction(logger, func(_ *http.Request, e *quiz.Engine) (quiz.View, error) {
		return e.Submit()
	})
}

func handleNextQuestion(logger *slog.Logger) http.HandlerFunc {
	return quizAction(logger, func(r *http.Request, e *quiz.Engine) (quiz.View, error) {
		return e.Next(r.Context())
	})
}

func handleCloseQuiz(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idx, ok := stepIndex(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid step index")
			return
		}
		if err := playFrom(r).CloseQuiz(idx); err != nil {
			writeDomainError(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
