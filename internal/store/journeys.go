package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/playperu/cityjourney/internal/geo"
	"github.com/playperu/cityjourney/internal/journey"
)

type City struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Country     string `json:"country"`
	Description string `json:"description"`
}

type JourneySummary struct {
	journey.Journey
	StepCount   int `json:"stepCount"`
	TotalPoints int `json:"totalPoints"`
}

func (s *DocStore) ListCities(ctx context.Context) ([]City, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT json(data) FROM cities ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing cities: %w", err)
	}
	docs, err := scanDocs[cityDoc](rows)
	if err != nil {
		return nil, fmt.Errorf("listing cities: %w", err)
	}
	out := make([]City, len(docs))
	for i, c := range docs {
		out[i] = City(c)
	}
	return out, nil
}

// ListJourneys returns the active journeys of a city.
func (s *DocStore) ListJourneys(ctx context.Context, cityID string) ([]JourneySummary, error) {
	var c cityDoc
	if err := get(ctx, s.db, "cities", cityID, &c); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT json(data) FROM journeys WHERE city_id = ? AND active = 1 ORDER BY id`, cityID)
	if err != nil {
		return nil, fmt.Errorf("listing journeys: %w", err)
	}
	docs, err := scanDocs[journeyDoc](rows)
	if err != nil {
		return nil, fmt.Errorf("listing journeys: %w", err)
	}
	out := make([]JourneySummary, len(docs))
	for i, d := range docs {
		total := 0
		for _, st := range d.Steps {
			total += st.Points
		}
		out[i] = JourneySummary{Journey: d.journey(), StepCount: len(d.Steps), TotalPoints: total}
	}
	return out, nil
}

func (d journeyDoc) journey() journey.Journey {
	return journey.Journey{
		ID:          d.ID,
		CityID:      d.CityID,
		Name:        d.Name,
		Description: d.Description,
		Active:      d.Active,
	}
}

func (s *DocStore) journeyDoc(ctx context.Context, id string) (journeyDoc, error) {
	var d journeyDoc
	err := get(ctx, s.db, "journeys", id, &d)
	if errors.Is(err, ErrNotFound) {
		return d, journey.ErrNotFound
	}
	return d, err
}

func (s *DocStore) FetchJourney(ctx context.Context, id string) (journey.Journey, error) {
	d, err := s.journeyDoc(ctx, id)
	if err != nil {
		return journey.Journey{}, err
	}
	return d.journey(), nil
}

func (s *DocStore) FetchSteps(ctx context.Context, journeyID string) ([]journey.Step, error) {
	d, err := s.journeyDoc(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	steps := make([]journey.Step, len(d.Steps))
	for i, st := range d.Steps {
		steps[i] = journey.Step{
			ID:          st.ID,
			Name:        st.Name,
			Description: st.Description,
			Location:    geo.Point{Latitude: st.Latitude, Longitude: st.Longitude},
			Points:      st.Points,
			HasQuiz:     st.HasQuiz,
		}
	}
	return steps, nil
}

func (p progressDoc) progress() journey.Progress {
	return journey.Progress{
		ID:           p.ID,
		UserID:       p.UserID,
		JourneyID:    p.JourneyID,
		CurrentIndex: p.CurrentIndex,
		Completed:    p.Completed,
		Points:       p.Points,
		Complete:     p.Complete,
		StartedAt:    p.StartedAt,
		CompletedAt:  p.CompletedAt,
	}
}

// FetchUserProgress returns nil when the user has not started the journey.
func (s *DocStore) FetchUserProgress(ctx context.Context, journeyID, userID string) (*journey.Progress, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT json(data) FROM journey_progress WHERE journey_id = ? AND user_id = ?`,
		journeyID, userID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p progressDoc
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, err
	}
	out := p.progress()
	return &out, nil
}

// StartProgress creates the progress record, or returns the existing one
// when a concurrent request created it first.
func (s *DocStore) StartProgress(ctx context.Context, journeyID, userID string) (journey.Progress, error) {
	p := progressDoc{
		ID:        newID(),
		UserID:    userID,
		JourneyID: journeyID,
		Completed: []int{},
		StartedAt: s.now().UTC(),
	}
	data, err := json.Marshal(p)
	if err != nil {
		return journey.Progress{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO journey_progress (id, user_id, journey_id, data) VALUES (?, ?, ?, jsonb(?))
		 ON CONFLICT(user_id, journey_id) DO NOTHING`,
		p.ID, userID, journeyID, string(data),
	)
	if err != nil {
		return journey.Progress{}, fmt.Errorf("inserting progress: %w", err)
	}
	existing, err := s.FetchUserProgress(ctx, journeyID, userID)
	if err != nil {
		return journey.Progress{}, err
	}
	if existing == nil {
		return journey.Progress{}, fmt.Errorf("progress for %s/%s vanished", journeyID, userID)
	}
	return *existing, nil
}

// UpsertCompletion records the validation of rec.StepID and saves next in
// one transaction. A step the user already validated keeps its original
// record: the call reports false and next is saved without rec.Points.
func (s *DocStore) UpsertCompletion(ctx context.Context, rec journey.CompletionRecord, next journey.Progress) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO step_completions (user_id, step_id, progress_id, completed_at, points_earned)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, step_id) DO UPDATE SET
			progress_id = excluded.progress_id,
			completed_at = excluded.completed_at,
			points_earned = excluded.points_earned
		 WHERE step_completions.completed_at IS NULL`,
		rec.UserID, rec.StepID, rec.ProgressID, rec.CompletedAt.UTC().Format(timeFormat), rec.Points,
	)
	if err != nil {
		return false, fmt.Errorf("upserting completion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	created := n > 0

	if created {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET points = points + ? WHERE id = ?`, rec.Points, rec.UserID,
		); err != nil {
			return false, fmt.Errorf("crediting points: %w", err)
		}
	} else {
		next.Points -= rec.Points
	}

	if err := s.saveProgress(ctx, tx, next); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return created, nil
}

// SaveProgress overwrites the position, completed set and points of a
// progress record, keeping its rating.
func (s *DocStore) SaveProgress(ctx context.Context, p journey.Progress) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.saveProgress(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *DocStore) saveProgress(ctx context.Context, tx *sql.Tx, p journey.Progress) error {
	var doc progressDoc
	err := get(ctx, tx, "journey_progress", p.ID, &doc)
	if errors.Is(err, ErrNotFound) {
		return journey.ErrNotFound
	}
	if err != nil {
		return err
	}
	doc.CurrentIndex = p.CurrentIndex
	doc.Completed = p.Completed
	doc.Points = p.Points
	doc.Complete = p.Complete
	doc.CompletedAt = p.CompletedAt
	if err := s.putProgress(ctx, tx, doc); err != nil {
		return fmt.Errorf("saving progress: %w", err)
	}
	return nil
}
