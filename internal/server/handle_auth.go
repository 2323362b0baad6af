package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/playperu/cityjourney/internal/identity"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string        `json:"token"`
	User  identity.User `json:"user"`
}

type MeResponse struct {
	identity.User
	Points int `json:"points"`
}

func handleLogin(logger *slog.Logger, ids *identity.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.Email = strings.TrimSpace(req.Email)
		if req.Email == "" || req.Password == "" {
			writeError(w, http.StatusBadRequest, "email and password are required")
			return
		}

		token, user, err := ids.Login(r.Context(), req.Email, req.Password)
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, LoginResponse{Token: token, User: user})
	}
}

// handleLogout revokes the token and ends the user's plays.
func handleLogout(logger *slog.Logger, ids *identity.Service, plays *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := ids.SignOut(r.Context(), tokenFrom(r)); err != nil {
			writeDomainError(w, logger, err)
			return
		}
		plays.CloseUser(userFrom(r).ID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleMe(logger *slog.Logger, store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r)
		points, err := store.UserPoints(r.Context(), user.ID)
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, MeResponse{User: user, Points: points})
	}
}
