package server

import (
	"log/slog"
	"net/http"

	"github.com/playperu/cityjourney/internal/completion"
)

type RatingRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

func completionAction(logger *slog.Logger, fn func(*http.Request, *completion.Flow) (completion.View, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := playFrom(r).Completion()
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		v, err := fn(r, f)
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func handleGetCompletion(logger *slog.Logger) http.HandlerFunc {
	return completionAction(logger, func(_ *http.Request, f *completion.Flow) (completion.View, error) {
		return f.State(), nil
	})
}

func handleContinueCompletion(logger *slog.Logger) http.HandlerFunc {
	return completionAction(logger, func(_ *http.Request, f *completion.Flow) (completion.View, error) {
		return f.Continue()
	})
}

func handleSubmitRating(logger *slog.Logger) http.HandlerFunc {
	return completionAction(logger, func(r *http.Request, f *completion.Flow) (completion.View, error) {
		var req RatingRequest
		if err := readJSON(r, &req); err != nil {
			return completion.View{}, completion.ErrInvalidRating
		}
		return f.SubmitRating(r.Context(), req.Rating, req.Comment)
	})
}

func handleSkipRating(logger *slog.Logger) http.HandlerFunc {
	return completionAction(logger, func(_ *http.Request, f *completion.Flow) (completion.View, error) {
		return f.Skip()
	})
}

func handleGenerateJournal(logger *slog.Logger) http.HandlerFunc {
	return completionAction(logger, func(r *http.Request, f *completion.Flow) (completion.View, error) {
		return f.GenerateJournal(r.Context())
	})
}

func handleCloseCompletion(logger *slog.Logger) http.HandlerFunc {
	return completionAction(logger, func(_ *http.Request, f *completion.Flow) (completion.View, error) {
		return f.Close(), nil
	})
}
