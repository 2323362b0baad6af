package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"mime"
	"net/smtp"
	"strings"

	"github.com/playperu/cityjourney/internal/config"
)

// SMTPSender sends HTML email through a plain SMTP relay.
type SMTPSender struct {
	cfg  config.SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, send: smtp.SendMail}
}

func (s *SMTPSender) SendCompletionEmail(ctx context.Context, e CompletionEmail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Recipient == "" {
		return fmt.Errorf("completion email: empty recipient")
	}
	subject, body, err := renderCompletion(e)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if s.cfg.Username != "" || s.cfg.Password != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	if err := s.send(addr, auth, s.cfg.From, []string{e.Recipient}, s.message(e.Recipient, subject, body)); err != nil {
		return fmt.Errorf("sending completion email: %w", err)
	}
	return nil
}

func (s *SMTPSender) message(to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

type completionCopy struct {
	Subject  string
	Greeting string
	Body     string
	Rating   string
	Footer   string
}

var completionText = map[string]completionCopy{
	"en": {
		Subject:  "Congratulations, you finished %s!",
		Greeting: "Well done",
		Body:     "You completed every step of the journey and earned",
		Rating:   "Your rating",
		Footer:   "This is an automated message from CityJourney.",
	},
	"fr": {
		Subject:  "Félicitations, vous avez terminé %s !",
		Greeting: "Bravo",
		Body:     "Vous avez terminé toutes les étapes du parcours et gagné",
		Rating:   "Votre note",
		Footer:   "Ceci est un message automatique de CityJourney.",
	},
}

var completionTmpl = template.Must(template.New("completion").Parse(`
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .points { font-size: 32px; font-weight: bold; color: #0a7d4f; margin: 20px 0; }
        .footer { margin-top: 30px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <h2>{{.Copy.Greeting}}{{if .Name}}, {{.Name}}{{end}}!</h2>
        <p>{{.Copy.Body}} <strong>{{.Journey}}</strong>:</p>
        <div class="points">{{.Points}} pts</div>
        {{if .Stars}}<p>{{.Copy.Rating}}: {{.Stars}}</p>{{end}}
        <div class="footer">
            <p>{{.Copy.Footer}}</p>
        </div>
    </div>
</body>
</html>
`))

// renderCompletion builds the subject and HTML body in the recipient's
// language, falling back to English.
func renderCompletion(e CompletionEmail) (string, string, error) {
	c, ok := completionText[e.Language]
	if !ok {
		c = completionText["en"]
	}
	var body bytes.Buffer
	err := completionTmpl.Execute(&body, map[string]any{
		"Copy":    c,
		"Name":    e.Name,
		"Journey": e.JourneyName,
		"Points":  e.Points,
		"Stars":   strings.Repeat("★", max(0, min(e.Rating, 5))),
	})
	if err != nil {
		return "", "", fmt.Errorf("rendering completion email: %w", err)
	}
	return fmt.Sprintf(c.Subject, e.JourneyName), body.String(), nil
}
