// Package identity provides the current user, role and language for a
// request, and signs visitors in and out with bearer tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("not authenticated")
	ErrNotFound           = errors.New("user not found")
)

type Role string

const (
	RoleVisitor Role = "visitor"
	RoleAdmin   Role = "admin"
)

// User is the ambient identity handed to the journey core at construction.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	Language string `json:"language"`
}

// UserStore looks up credentials by email.
type UserStore interface {
	UserByEmail(ctx context.Context, email string) (User, string, error)
}

// Revoker remembers signed-out token ids until they would expire anyway.
type Revoker interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

type claims struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	Language string `json:"lang"`
	jwt.RegisteredClaims
}

type Service struct {
	users   UserStore
	revoker Revoker
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
}

func NewService(users UserStore, revoker Revoker, secret string, ttl time.Duration) *Service {
	return &Service{
		users:   users,
		revoker: revoker,
		secret:  []byte(secret),
		ttl:     ttl,
		now:     time.Now,
	}
}

// HashPassword returns a bcrypt hash suitable for storing with a user.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(h), nil
}

// Login verifies the password and issues a signed token.
func (s *Service) Login(ctx context.Context, email, password string) (string, User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return "", User{}, ErrInvalidCredentials
	}

	u, hash, err := s.users.UserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return "", User{}, ErrInvalidCredentials
	}
	if err != nil {
		return "", User{}, fmt.Errorf("looking up user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", User{}, ErrInvalidCredentials
	}

	token, err := s.issue(u)
	if err != nil {
		return "", User{}, err
	}
	return token, u, nil
}

func (s *Service) issue(u User) (string, error) {
	now := s.now()
	c := claims{
		Email:    u.Email,
		Name:     u.Name,
		Role:     u.Role,
		Language: u.Language,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func (s *Service) parse(token string) (*claims, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrUnauthenticated
	}
	return &c, nil
}

// Authenticate resolves a bearer token to its user.
func (s *Service) Authenticate(ctx context.Context, token string) (User, error) {
	c, err := s.parse(token)
	if err != nil {
		return User{}, err
	}
	revoked, err := s.revoker.IsRevoked(ctx, c.ID)
	if err != nil {
		return User{}, fmt.Errorf("checking revocation: %w", err)
	}
	if revoked {
		return User{}, ErrUnauthenticated
	}
	return User{
		ID:       c.Subject,
		Email:    c.Email,
		Name:     c.Name,
		Role:     c.Role,
		Language: c.Language,
	}, nil
}

// SignOut revokes the token for the rest of its lifetime.
func (s *Service) SignOut(ctx context.Context, token string) error {
	c, err := s.parse(token)
	if err != nil {
		return err
	}
	ttl := c.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	return s.revoker.Revoke(ctx, c.ID, ttl)
}
