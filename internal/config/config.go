package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	StoreDriver  string `validate:"oneof=postgres memory"`
	DatabaseURL  string `validate:"required_if=StoreDriver postgres"`
	DatabaseName string
	AutoMigrate  bool

	HTTPAddr           string `validate:"required"`
	Environment        string
	CORSAllowedOrigins []string `validate:"min=1"`
	MetricsAddr        string

	NATSURL           string
	NATSSubjectPrefix string `validate:"required"`
	LogNATSSubjects   bool

	LogLevel  string `validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFormat string `validate:"oneof=json text"`

	WSSendBuffer   int           `validate:"gte=1"`
	WSPingInterval time.Duration `validate:"gt=0"`

	ArchiveRetrySchedule string `validate:"required"`
	ArchiveRetryMax      int    `validate:"gte=1"`
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		StoreDriver:          strings.ToLower(getenvDefault("STORE_DRIVER", StoreDriverPostgres)),
		DatabaseName:         os.Getenv("TRACKER_DB_NAME"),
		AutoMigrate:          getenvBool("AUTO_MIGRATE", true),
		HTTPAddr:             getenvDefault("HTTP_ADDR", ":3000"),
		Environment:          getenvDefault("ENVIRONMENT", "development"),
		CORSAllowedOrigins:   splitList(getenvDefault("CORS_ALLOWED_ORIGINS", "*")),
		MetricsAddr:          os.Getenv("METRICS_ADDR"),
		NATSURL:              os.Getenv("NATS_URL"),
		NATSSubjectPrefix:    getenvDefault("NATS_SUBJECT_PREFIX", "tracker"),
		LogNATSSubjects:      getenvBool("LOG_NATS_SUBJECTS", false),
		LogLevel:             strings.ToLower(getenvDefault("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(getenvDefault("LOG_FORMAT", "json")),
		ArchiveRetrySchedule: getenvDefault("ARCHIVE_RETRY_SCHEDULE", "@every 30s"),
	}

	if cfg.StoreDriver == StoreDriverPostgres {
		cfg.DatabaseURL = databaseURL()
	}

	var err error
	if cfg.WSSendBuffer, err = getenvInt("WS_SEND_BUFFER", 64); err != nil {
		return nil, err
	}
	sec, err := getenvInt("WS_PING_INTERVAL_SEC", 25)
	if err != nil {
		return nil, err
	}
	cfg.WSPingInterval = time.Duration(sec) * time.Second
	if cfg.ArchiveRetryMax, err = getenvInt("ARCHIVE_RETRY_MAX", 1000); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// IsProduction reports whether gin should run in release mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a DSN from PG* vars.
// It returns "" when nothing usable is set.
func databaseURL() string {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn
	}
	db := os.Getenv("PGDATABASE")
	if db == "" {
		return ""
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
