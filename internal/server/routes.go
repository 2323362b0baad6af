package server

import (
	"log/slog"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/swaggest/swgui/v5emb"
)

func addRoutes(r chi.Router, logger *slog.Logger, deps Deps, plays *Registry, broker *Broker) {
	r.Get("/openapi.json", handleOpenAPI())
	r.Mount("/docs", v5emb.New("CityJourney API", "/openapi.json", "/docs"))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", handleLogin(logger, deps.Identity))

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(deps.Identity))

			r.Post("/auth/logout", handleLogout(logger, deps.Identity, plays))
			r.Get("/me", handleMe(logger, deps.Store))
			r.Get("/cities", handleListCities(logger, deps.Store))
			r.Get("/cities/{cityID}/journeys", handleListJourneys(logger, deps.Store))

			r.Route("/journeys/{journeyID}", func(r chi.Router) {
				r.Post("/session", handleStartSession(logger, plays))
				r.Delete("/session", handleCloseSession(plays))
				r.Get("/session/events", handleEvents(broker, plays))
				r.Get("/session/ws", handleStream(logger, broker, plays))

				// Routes below need a live play, resolved by playMiddleware.
				r.Group(func(r chi.Router) {
					r.Use(playMiddleware(plays))

					r.Get("/session", handleGetSession())
					r.Post("/session/validate", handleValidate(logger))
					r.Post("/session/navigate", handleNavigate(logger))
					r.Post("/session/navigate/cancel", handleCancelNavigation())
					r.Post("/session/navigate/force", handleForceNavigation(logger))

					r.Post("/steps/{stepIndex}/quiz", handleOpenQuiz(logger))
					r.Get("/steps/{stepIndex}/quiz", handleGetQuiz(logger))
					r.Delete("/steps/{stepIndex}/quiz", handleCloseQuiz(logger))
					r.Post("/steps/{stepIndex}/quiz/select", handleSelectOption(logger))
					r.Post("/steps/{stepIndex}/quiz/submit", handleSubmitAnswer(logger))
					r.Post("/steps/{stepIndex}/quiz/next", handleNextQuestion(logger))

					r.Get("/completion", handleGetCompletion(logger))
					r.Delete("/completion", handleCloseCompletion(logger))
					r.Post("/completion/continue", handleContinueCompletion(logger))
					r.Post("/completion/rating", handleSubmitRating(logger))
					r.Post("/completion/skip", handleSkipRating(logger))
					r.Post("/completion/journal", handleGenerateJournal(logger))
				})
			})
		})
	})

	if deps.SPADir != "" {
		if info, err := os.Stat(deps.SPADir); err == nil && info.IsDir() {
			logger.Info("serving SPA", "dir", deps.SPADir)
			r.NotFound(handleSPA(deps.SPADir))
		}
	}
}
