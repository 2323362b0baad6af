package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/playperu/cityjourney/internal/journal"
	"github.com/playperu/cityjourney/internal/journey"
)

// UpdateJourneyRating stores the visitor's rating on the progress record.
// Rating again overwrites the previous rating.
func (s *DocStore) UpdateJourneyRating(ctx context.Context, progressID string, rating int, comment string) error {
	err := s.modifyProgress(ctx, progressID, func(p *progressDoc) error {
		if !p.Complete {
			return fmt.Errorf("rating progress %s: %w", progressID, journal.ErrNotComplete)
		}
		now := s.now().UTC()
		p.Rating = rating
		p.Comment = comment
		p.RatedAt = &now
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return journey.ErrNotFound
	}
	return err
}

// JournalData gathers a finished journey for the travel journal.
func (s *DocStore) JournalData(ctx context.Context, progressID string) (journal.Journal, error) {
	var p progressDoc
	if err := get(ctx, s.db, "journey_progress", progressID, &p); err != nil {
		if errors.Is(err, ErrNotFound) {
			return journal.Journal{}, journey.ErrNotFound
		}
		return journal.Journal{}, err
	}
	j, err := s.journeyDoc(ctx, p.JourneyID)
	if err != nil {
		return journal.Journal{}, err
	}
	var c cityDoc
	if err := get(ctx, s.db, "cities", j.CityID, &c); err != nil && !errors.Is(err, ErrNotFound) {
		return journal.Journal{}, err
	}
	var u userDoc
	if err := get(ctx, s.db, "users", p.UserID, &u); err != nil && !errors.Is(err, ErrNotFound) {
		return journal.Journal{}, err
	}

	type row struct {
		completedAt *time.Time
		quizPoints  int
	}
	byStep := map[string]row{}
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, completed_at, quiz_points FROM step_completions WHERE user_id = ?`, p.UserID)
	if err != nil {
		return journal.Journal{}, fmt.Errorf("loading completions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var stepID string
		var completedAt sql.NullString
		var quizPoints sql.NullInt64
		if err := rows.Scan(&stepID, &completedAt, &quizPoints); err != nil {
			return journal.Journal{}, err
		}
		var r row
		if completedAt.Valid {
			if t, err := time.Parse(timeFormat, completedAt.String); err == nil {
				r.completedAt = &t
			}
		}
		r.quizPoints = int(quizPoints.Int64)
		byStep[stepID] = r
	}
	if err := rows.Err(); err != nil {
		return journal.Journal{}, err
	}

	out := journal.Journal{
		ProgressID:  p.ID,
		Visitor:     u.Name,
		JourneyName: j.Name,
		CityName:    c.Name,
		Language:    u.Language,
		Points:      p.Points,
		Rating:      p.Rating,
		Comment:     p.Comment,
		StartedAt:   p.StartedAt,
	}
	if p.CompletedAt != nil {
		out.CompletedAt = *p.CompletedAt
	}
	for _, st := range j.Steps {
		r := byStep[st.ID]
		out.Steps = append(out.Steps, journal.StepEntry{
			Name:        st.Name,
			Description: st.Description,
			Points:      st.Points,
			QuizPoints:  r.quizPoints,
			CompletedAt: r.completedAt,
		})
	}
	return out, nil
}
