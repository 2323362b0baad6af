package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/playperu/cityjourney/internal/identity"
)

func (u userDoc) user() identity.User {
	return identity.User{
		ID:       u.ID,
		Email:    u.Email,
		Name:     u.Name,
		Role:     identity.Role(u.Role),
		Language: u.Language,
	}
}

// UserByEmail implements identity.UserStore.
func (s *DocStore) UserByEmail(ctx context.Context, email string) (identity.User, string, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT json(data) FROM users WHERE email = ?`, strings.ToLower(email),
	).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return identity.User{}, "", identity.ErrNotFound
		}
		return identity.User{}, "", err
	}
	var u userDoc
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return identity.User{}, "", err
	}
	return u.user(), u.PasswordHash, nil
}

// CreateUser stores a new user with an already hashed password.
func (s *DocStore) CreateUser(ctx context.Context, u identity.User, passwordHash string) (identity.User, error) {
	if u.ID == "" {
		u.ID = newID()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Role == "" {
		u.Role = identity.RoleVisitor
	}
	doc := userDoc{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		Role:         string(u.Role),
		Language:     u.Language,
		PasswordHash: passwordHash,
		CreatedAt:    s.now().UTC(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return identity.User{}, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, data) VALUES (?, ?, jsonb(?))`,
		doc.ID, doc.Email, string(data),
	); err != nil {
		return identity.User{}, fmt.Errorf("inserting user: %w", err)
	}
	return u, nil
}

// UserPoints returns the profile points counter.
func (s *DocStore) UserPoints(ctx context.Context, userID string) (int, error) {
	var points int
	err := s.db.QueryRowContext(ctx, `SELECT points FROM users WHERE id = ?`, userID).Scan(&points)
	if isNoRows(err) {
		return 0, identity.ErrNotFound
	}
	return points, err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
