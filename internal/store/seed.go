package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/playperu/cityjourney/internal/identity"
)

//go:embed demo.yaml
var demoSeed []byte

type seedFile struct {
	Users  []seedUser `yaml:"users"`
	Cities []seedCity `yaml:"cities"`
}

type seedUser struct {
	ID       string `yaml:"id"`
	Email    string `yaml:"email"`
	Name     string `yaml:"name"`
	Role     string `yaml:"role"`
	Language string `yaml:"language"`
	Password string `yaml:"password"`
}

type seedCity struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Country     string        `yaml:"country"`
	Description string        `yaml:"description"`
	Journeys    []seedJourney `yaml:"journeys"`
}

type seedJourney struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Active      *bool      `yaml:"active"`
	Steps       []seedStep `yaml:"steps"`
}

type seedStep struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Latitude    float64        `yaml:"latitude"`
	Longitude   float64        `yaml:"longitude"`
	Points      int            `yaml:"points"`
	Quiz        []seedQuestion `yaml:"quiz"`
}

type seedQuestion struct {
	ID          string   `yaml:"id"`
	Prompt      string   `yaml:"prompt"`
	Options     []string `yaml:"options"`
	Correct     int      `yaml:"correct"`
	Points      int      `yaml:"points"`
	Explanation string   `yaml:"explanation"`
}

// SeedDemo loads path, or the built-in demo data when path is empty, into
// an empty database. It does nothing once any city exists.
func (s *DocStore) SeedDemo(ctx context.Context, logger *slog.Logger, path string) error {
	data := demoSeed
	if path != "" {
		var err error
		data, err = os.ReadFile(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("reading seed file: %w", err)
		}
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cities`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing seed file: %w", err)
	}
	if err := s.seed(ctx, f); err != nil {
		return err
	}
	logger.Info("demo data seeded", "cities", len(f.Cities), "users", len(f.Users))
	return nil
}

func (s *DocStore) seed(ctx context.Context, f seedFile) error {
	users := make([]userDoc, len(f.Users))
	for i, u := range f.Users {
		hash, err := identity.HashPassword(u.Password)
		if err != nil {
			return err
		}
		role := u.Role
		if role == "" {
			role = string(identity.RoleVisitor)
		}
		users[i] = userDoc{
			ID:           u.ID,
			Email:        u.Email,
			Name:         u.Name,
			Role:         role,
			Language:     u.Language,
			PasswordHash: hash,
			CreatedAt:    s.now().UTC(),
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, u := range users {
		if err := insertDoc(ctx, tx, `INSERT INTO users (id, email, data) VALUES (?, ?, jsonb(?))`, u, u.ID, u.Email); err != nil {
			return fmt.Errorf("seeding user %s: %w", u.Email, err)
		}
	}

	for _, c := range f.Cities {
		city := cityDoc{ID: c.ID, Name: c.Name, Country: c.Country, Description: c.Description}
		if err := insertDoc(ctx, tx, `INSERT INTO cities (id, name, data) VALUES (?, ?, jsonb(?))`, city, city.ID, city.Name); err != nil {
			return fmt.Errorf("seeding city %s: %w", c.ID, err)
		}

		for _, j := range c.Journeys {
			doc := journeyDoc{
				ID:          j.ID,
				CityID:      c.ID,
				Name:        j.Name,
				Description: j.Description,
				Active:      j.Active == nil || *j.Active,
			}
			for _, st := range j.Steps {
				doc.Steps = append(doc.Steps, stepDoc{
					ID:          st.ID,
					Name:        st.Name,
					Description: st.Description,
					Latitude:    st.Latitude,
					Longitude:   st.Longitude,
					Points:      st.Points,
					HasQuiz:     len(st.Quiz) > 0,
				})
				for pos, q := range st.Quiz {
					qd := questionDoc{
						ID:          q.ID,
						StepID:      st.ID,
						Prompt:      q.Prompt,
						Options:     q.Options,
						Correct:     q.Correct,
						Points:      q.Points,
						Explanation: q.Explanation,
					}
					if err := insertDoc(ctx, tx,
						`INSERT INTO quiz_questions (id, step_id, position, data) VALUES (?, ?, ?, jsonb(?))`,
						qd, qd.ID, st.ID, pos,
					); err != nil {
						return fmt.Errorf("seeding question %s: %w", q.ID, err)
					}
				}
			}
			if err := insertDoc(ctx, tx,
				`INSERT INTO journeys (id, city_id, active, data) VALUES (?, ?, ?, jsonb(?))`,
				doc, doc.ID, doc.CityID, boolInt(doc.Active),
			); err != nil {
				return fmt.Errorf("seeding journey %s: %w", j.ID, err)
			}
		}
	}
	return tx.Commit()
}

// insertDoc runs query with args followed by doc encoded as JSON.
func insertDoc(ctx context.Context, tx *sql.Tx, query string, doc any, args ...any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, append(args, string(data))...)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
