// Package journal renders a finished journey as a travel-journal page and
// publishes it behind a time-limited link.
package journal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"
)

var ErrNotComplete = errors.New("journey not complete")

type Journal struct {
	ProgressID  string
	Visitor     string
	JourneyName string
	CityName    string
	Language    string
	Points      int
	Rating      int
	Comment     string
	StartedAt   time.Time
	CompletedAt time.Time
	Steps       []StepEntry
}

type StepEntry struct {
	Name        string
	Description string
	Points      int
	QuizPoints  int
	CompletedAt *time.Time
}

// Source loads everything a journal shows for one progress record.
type Source interface {
	JournalData(ctx context.Context, progressID string) (Journal, error)
}

// Uploader stores a rendered document and returns a link to it.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

type Service struct {
	source   Source
	uploader Uploader
}

func NewService(source Source, uploader Uploader) *Service {
	return &Service{source: source, uploader: uploader}
}

// GenerateJournal renders the journal of a completed journey and returns
// its download link. Regenerating replaces the previous document.
func (s *Service) GenerateJournal(ctx context.Context, progressID string) (string, error) {
	j, err := s.source.JournalData(ctx, progressID)
	if err != nil {
		return "", fmt.Errorf("loading journal data: %w", err)
	}
	if j.CompletedAt.IsZero() {
		return "", ErrNotComplete
	}
	body, err := Render(j)
	if err != nil {
		return "", err
	}
	url, err := s.uploader.Upload(ctx, "journals/"+progressID+".html", body, "text/html; charset=utf-8")
	if err != nil {
		return "", fmt.Errorf("uploading journal: %w", err)
	}
	return url, nil
}

var pageTmpl = template.Must(template.New("journal").Funcs(template.FuncMap{
	"date": func(t time.Time) string { return t.Format("2 January 2006") },
	"clock": func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.Format("15:04")
	},
	"inc": func(i int) int { return i + 1 },
}).Parse(`<!DOCTYPE html>
<html lang="{{.Language}}">
<head>
<meta charset="utf-8">
<title>{{.JourneyName}}</title>
<style>
body { font-family: Georgia, serif; max-width: 720px; margin: 0 auto; padding: 24px; color: #2b2b2b; }
h1 { margin-bottom: 0; }
.meta { color: #777; }
.step { border-left: 3px solid #0a7d4f; padding-left: 12px; margin: 18px 0; }
.points { font-weight: bold; color: #0a7d4f; }
</style>
</head>
<body>
<h1>{{.JourneyName}}</h1>
<p class="meta">{{if .CityName}}{{.CityName}} · {{end}}{{date .CompletedAt}}{{if .Visitor}} · {{.Visitor}}{{end}}</p>
<p class="points">{{.Points}} pts</p>
{{range $i, $s := .Steps}}
<div class="step">
<h3>{{inc $i}}. {{$s.Name}}</h3>
{{if $s.Description}}<p>{{$s.Description}}</p>{{end}}
<p class="meta">{{clock $s.CompletedAt}} +{{$s.Points}}{{if $s.QuizPoints}} (+{{$s.QuizPoints}} quiz){{end}}</p>
</div>
{{end}}
{{if .Rating}}<p>{{.Rating}}/5{{if .Comment}} · “{{.Comment}}”{{end}}</p>{{end}}
</body>
</html>
`))

func Render(j Journal) ([]byte, error) {
	var buf bytes.Buffer
	if err := pageTmpl.Execute(&buf, j); err != nil {
		return nil, fmt.Errorf("rendering journal: %w", err)
	}
	return buf.Bytes(), nil
}
