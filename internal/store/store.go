// Package store persists cities, journeys, progress and completion records
// in libSQL tables that keep each model as a JSONB document.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

const timeFormat = "2006-01-02T15:04:05.000Z"

type userDoc struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	Language     string    `json:"language"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

type cityDoc struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Country     string `json:"country"`
	Description string `json:"description"`
}

type journeyDoc struct {
	ID          string    `json:"id"`
	CityID      string    `json:"cityId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	Steps       []stepDoc `json:"steps"`
}

type stepDoc struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Points      int     `json:"points"`
	HasQuiz     bool    `json:"hasQuiz"`
}

type questionDoc struct {
	ID          string   `json:"id"`
	StepID      string   `json:"stepId"`
	Prompt      string   `json:"prompt"`
	Options     []string `json:"options"`
	Correct     int      `json:"correct"`
	Points      int      `json:"points"`
	Explanation string   `json:"explanation,omitempty"`
}

type progressDoc struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	JourneyID    string     `json:"journeyId"`
	CurrentIndex int        `json:"currentIndex"`
	Completed    []int      `json:"completed"`
	Points       int        `json:"points"`
	Complete     bool       `json:"complete"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Rating       int        `json:"rating,omitempty"`
	Comment      string     `json:"comment,omitempty"`
	RatedAt      *time.Time `json:"ratedAt,omitempty"`
}

// DocStore implements the persistence contracts of the journey, quiz,
// completion, journal and identity packages.
type DocStore struct {
	db  *sql.DB
	now func() time.Time
}

// New expects a migrated database.
func New(db *sql.DB) *DocStore {
	return &DocStore{db: db, now: time.Now}
}

// Check implements health.Checker.
func (s *DocStore) Check(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, q queryer, table, id string, dest any) error {
	var data string
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT json(data) FROM %s WHERE id = ?`, table), id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), dest)
}

// scanDocs decodes every row's single JSON column into a T.
func scanDocs[T any](rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func newID() string {
	return uuid.NewString()
}

func (s *DocStore) stamp() string {
	return s.now().UTC().Format(timeFormat)
}

func (s *DocStore) putProgress(ctx context.Context, tx *sql.Tx, p progressDoc) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE journey_progress SET data = jsonb(?) WHERE id = ?`,
		string(data), p.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// modifyProgress loads a progress document, applies fn, and saves it in a
// transaction.
func (s *DocStore) modifyProgress(ctx context.Context, id string, fn func(*progressDoc) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var p progressDoc
	if err := get(ctx, tx, "journey_progress", id, &p); err != nil {
		return err
	}
	if err := fn(&p); err != nil {
		return err
	}
	if err := s.putProgress(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}
