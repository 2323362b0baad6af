package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/playperu/cityjourney/internal/quiz"
)

func (s *DocStore) FetchQuizQuestions(ctx context.Context, stepID string) ([]quiz.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT json(data) FROM quiz_questions WHERE step_id = ? ORDER BY position`, stepID)
	if err != nil {
		return nil, fmt.Errorf("fetching questions: %w", err)
	}
	docs, err := scanDocs[questionDoc](rows)
	if err != nil {
		return nil, fmt.Errorf("fetching questions: %w", err)
	}
	out := make([]quiz.Question, len(docs))
	for i, d := range docs {
		out[i] = quiz.Question{
			ID:          d.ID,
			Prompt:      d.Prompt,
			Options:     d.Options,
			Correct:     d.Correct,
			Points:      d.Points,
			Explanation: d.Explanation,
		}
	}
	return out, nil
}

func (s *DocStore) FetchExistingQuizCompletion(ctx context.Context, userID, stepID string) (*quiz.Result, error) {
	var r quiz.Result
	err := s.db.QueryRowContext(ctx,
		`SELECT quiz_correct, quiz_points FROM step_completions
		 WHERE user_id = ? AND step_id = ? AND quiz_completed_at IS NOT NULL`,
		userID, stepID,
	).Scan(&r.Correct, &r.Points)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching quiz completion: %w", err)
	}
	return &r, nil
}

// UpsertQuizCompletion stores the first quiz result for (userID, stepID)
// and credits its points to the user. Later results change nothing.
func (s *DocStore) UpsertQuizCompletion(ctx context.Context, userID, stepID string, r quiz.Result) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO step_completions (user_id, step_id, quiz_correct, quiz_points, quiz_completed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, step_id) DO UPDATE SET
			quiz_correct = excluded.quiz_correct,
			quiz_points = excluded.quiz_points,
			quiz_completed_at = excluded.quiz_completed_at
		 WHERE step_completions.quiz_completed_at IS NULL`,
		userID, stepID, r.Correct, r.Points, s.stamp(),
	)
	if err != nil {
		return false, fmt.Errorf("upserting quiz completion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET points = points + ? WHERE id = ?`, r.Points, userID,
	); err != nil {
		return false, fmt.Errorf("crediting quiz points: %w", err)
	}
	return true, tx.Commit()
}
