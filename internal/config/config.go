package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	HTTPAddr string     `env:"HTTP_ADDR" envDefault:":8080"`
	DBPath   string     `env:"DB_PATH" envDefault:"data/cityjourney.db"`
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	SPADir   string     `env:"SPA_DIR" envDefault:"../web/dist"`
	SeedFile string     `env:"SEED_FILE"`

	// Optional integrations stay disabled while their address is empty.
	RedisURL    string `env:"REDIS_URL"`
	AMQPURL     string `env:"AMQP_URL"`
	NotifyQueue string `env:"NOTIFY_QUEUE" envDefault:"journey.completed"`

	SMTP SMTPConfig `envPrefix:"SMTP_"`
	S3   S3Config   `envPrefix:"S3_"`

	JWTSecret string        `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"720h"`

	// Live plays without requests or stream subscribers are closed after
	// SessionIdle.
	SessionIdle time.Duration `env:"SESSION_IDLE" envDefault:"30m"`

	Journey JourneyConfig
}

type SMTPConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"587"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	From     string `env:"FROM" envDefault:"CityJourney <no-reply@cityjourney.local>"`
}

type S3Config struct {
	Endpoint  string `env:"ENDPOINT"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Bucket    string `env:"BUCKET" envDefault:"journals"`
	UseSSL    bool   `env:"USE_SSL" envDefault:"false"`
}

// JourneyConfig holds the gameplay constants exposed as configuration.
type JourneyConfig struct {
	AcceptanceRadiusMeters float64 `env:"ACCEPTANCE_RADIUS_M" envDefault:"50"`
	QuestionSeconds        int     `env:"QUIZ_QUESTION_SECONDS" envDefault:"30"`
	ResultSeconds          int     `env:"QUIZ_RESULT_SECONDS" envDefault:"10"`
	RatingCommentMax       int     `env:"RATING_COMMENT_MAX" envDefault:"500"`
}

func (c JourneyConfig) QuestionTime() time.Duration {
	return time.Duration(c.QuestionSeconds) * time.Second
}

func (c JourneyConfig) ResultTime() time.Duration {
	return time.Duration(c.ResultSeconds) * time.Second
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.Journey.AcceptanceRadiusMeters <= 0 {
		return nil, fmt.Errorf("ACCEPTANCE_RADIUS_M must be positive, got %v", cfg.Journey.AcceptanceRadiusMeters)
	}
	if cfg.Journey.QuestionSeconds <= 0 || cfg.Journey.ResultSeconds <= 0 {
		return nil, fmt.Errorf("quiz timers must be positive")
	}
	if cfg.SessionIdle <= 0 {
		return nil, fmt.Errorf("SESSION_IDLE must be positive, got %v", cfg.SessionIdle)
	}
	return &cfg, nil
}
