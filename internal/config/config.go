package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

type Config struct {
	Port         string `validate:"required,numeric"`
	DatabaseURL  string `validate:"required_if=StoreBackend postgres"`
	StoreBackend string `validate:"oneof=memory postgres"`
	OfficesFile  string `validate:"required_if=StoreBackend memory"`

	RedisAddr         string
	RedisDB           int `validate:"gte=0"`
	NATSURL           string
	NATSSubjectPrefix string `validate:"required"`
	WebhookURL        string `validate:"omitempty,url"`
	WebhookToken      string

	Timezone          string
	Location          *time.Location
	LockTimeout       time.Duration `validate:"gt=0"`
	EnforceTokenLimit bool

	RateLimitPerMinute        int
	RateLimitBurst            int
	StudentRateLimitPerMinute int
	StudentRateLimitBurst     int
	CORSAllowedOrigins        []string

	LogLevel     string
	LogFormat    string
	OTLPEndpoint string
	OTLPInsecure bool
}

// Load reads an optional .env file and then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromViper(NewViper())
}

func NewViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PORT", "8080")
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("OFFICES_FILE", "configs/offices.yaml")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("NATS_SUBJECT_PREFIX", "tokens")
	v.SetDefault("LOCK_TIMEOUT_MS", 2000)
	v.SetDefault("ENFORCE_TOKEN_LIMIT", false)
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("STUDENT_RATE_LIMIT_PER_MIN", 30)
	v.SetDefault("STUDENT_RATE_LIMIT_BURST", 10)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	return v
}

func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Port:                      v.GetString("PORT"),
		DatabaseURL:               v.GetString("DB_DSN"),
		StoreBackend:              strings.ToLower(v.GetString("STORE_BACKEND")),
		OfficesFile:               v.GetString("OFFICES_FILE"),
		RedisAddr:                 v.GetString("REDIS_ADDR"),
		RedisDB:                   v.GetInt("REDIS_DB"),
		NATSURL:                   v.GetString("NATS_URL"),
		NATSSubjectPrefix:         v.GetString("NATS_SUBJECT_PREFIX"),
		WebhookURL:                v.GetString("NOTIFY_WEBHOOK_URL"),
		WebhookToken:              v.GetString("NOTIFY_WEBHOOK_TOKEN"),
		Timezone:                  v.GetString("TIMEZONE"),
		LockTimeout:               readDurationMillis(v, "LOCK_TIMEOUT_MS"),
		EnforceTokenLimit:         v.GetBool("ENFORCE_TOKEN_LIMIT"),
		RateLimitPerMinute:        v.GetInt("RATE_LIMIT_PER_MIN"),
		RateLimitBurst:            v.GetInt("RATE_LIMIT_BURST"),
		StudentRateLimitPerMinute: v.GetInt("STUDENT_RATE_LIMIT_PER_MIN"),
		StudentRateLimitBurst:     v.GetInt("STUDENT_RATE_LIMIT_BURST"),
		CORSAllowedOrigins:        readList(v, "CORS_ALLOWED_ORIGINS"),
		LogLevel:                  v.GetString("LOG_LEVEL"),
		LogFormat:                 v.GetString("LOG_FORMAT"),
		OTLPEndpoint:              v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:              v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
	}

	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return Config{}, err
	}
	cfg.Location = loc

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", name, err)
	}
	return loc, nil
}

func readDurationMillis(v *viper.Viper, key string) time.Duration {
	value := v.GetInt(key)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func readList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range strings.Split(v.GetString(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
