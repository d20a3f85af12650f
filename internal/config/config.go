package config // package config loads application configuration from environment variables

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration values. Each field corresponds to
// an environment variable.
type Config struct {
	Env            string // application environment (e.g. "dev", "prod")
	Port           string // HTTP port to listen on
	DB             DBConfig
	JWTSecret      string         // secret used to sign JWTs
	AccessTTLMin   int            // access token time-to-live in minutes
	RefreshTTLDays int            // refresh token time-to-live in days
	BcryptCost     int            // bcrypt cost for password hashing
	Location       *time.Location // calendar-day boundary for counters and stats
	Dispatch       DispatchConfig
	Housekeeping   HousekeepingConfig
}

// DBConfig selects the SQL driver and how to reach it. DSN wins over the
// individual fields when set.
type DBConfig struct {
	Driver string // mysql, pgx or sqlite
	DSN    string
	User   string
	Pass   string
	Host   string
	Port   string
	Name   string
}

// DispatchConfig tunes the call-dispatch engine.
type DispatchConfig struct {
	RetryLimit       int           // attempts for a transaction that hit a serialization conflict
	EmptyCompletes   bool          // an empty callNext still completes the current ticket
	SubscriberBuffer int           // per-subscriber event buffer
	OperationTimeout time.Duration // deadline for a single engine operation
	RetryBackoff     time.Duration
}

// HousekeepingConfig drives the cron jobs that prune derived tables.
type HousekeepingConfig struct {
	Schedule             string
	CounterRetentionDays int
	EventRetentionDays   int
}

// Load reads configuration values from environment variables. Every missing
// required variable is reported in a single error.
func Load() (Config, error) {
	l := &loader{}
	cfg := Config{
		Env:            envStr("APP_ENV", "dev"),
		Port:           envStr("APP_PORT", "8080"),
		JWTSecret:      l.must("JWT_SECRET"),
		AccessTTLMin:   l.intOr("ACCESS_TOKEN_TTL_MIN", 15),
		RefreshTTLDays: l.intOr("REFRESH_TOKEN_TTL_DAYS", 7),
		BcryptCost:     l.intOr("BCRYPT_COST", 10),
		Dispatch: DispatchConfig{
			RetryLimit:       envInt("CALL_RETRY_LIMIT", 3),
			EmptyCompletes:   envBool("CALL_EMPTY_COMPLETES_CURRENT", false),
			SubscriberBuffer: envInt("SUBSCRIBER_BUFFER", 64),
			OperationTimeout: envDur("DISPATCH_TIMEOUT", 5*time.Second),
			RetryBackoff:     envDur("CALL_RETRY_BACKOFF", 20*time.Millisecond),
		},
		Housekeeping: HousekeepingConfig{
			Schedule:             envStr("HOUSEKEEPING_SCHEDULE", "15 0 * * *"),
			CounterRetentionDays: envInt("COUNTER_RETENTION_DAYS", 30),
			EventRetentionDays:   envInt("EVENT_RETENTION_DAYS", 90),
		},
	}
	cfg.DB = l.loadDB()

	loc, err := time.LoadLocation(envStr("APP_TIMEZONE", "UTC"))
	if err != nil {
		l.invalid = append(l.invalid, fmt.Sprintf("APP_TIMEZONE: %v", err))
		loc = time.UTC
	}
	cfg.Location = loc

	if cfg.Dispatch.RetryLimit < 1 {
		cfg.Dispatch.RetryLimit = 1
	}
	if cfg.Dispatch.SubscriberBuffer < 1 {
		cfg.Dispatch.SubscriberBuffer = 1
	}
	if err := l.err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (l *loader) loadDB() DBConfig {
	db := DBConfig{
		Driver: strings.ToLower(envStr("DB_DRIVER", "mysql")),
		DSN:    os.Getenv("DB_DSN"),
	}
	switch db.Driver {
	case "mysql", "pgx":
	case "postgres":
		db.Driver = "pgx"
	case "sqlite":
		if db.DSN == "" {
			db.DSN = envStr("DB_PATH", "queue.db")
		}
	default:
		l.invalid = append(l.invalid, fmt.Sprintf("DB_DRIVER: unsupported driver %q", db.Driver))
	}
	if db.DSN != "" {
		return db
	}
	db.User = l.must("DB_USER")    // database user
	db.Pass = os.Getenv("DB_PASS") // database password (empty allowed)
	db.Host = l.must("DB_HOST")    // database host
	db.Port = l.must("DB_PORT")    // database port
	db.Name = l.must("DB_NAME")    // database name
	return db
}

// loader accumulates problems so Load can report them together.
type loader struct {
	missing []string
	invalid []string
}

// must retrieves the value of a required environment variable.
func (l *loader) must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		l.missing = append(l.missing, key)
	}
	return v
}

// intOr is like envInt but records a malformed value instead of silently
// falling back.
func (l *loader) intOr(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		l.invalid = append(l.invalid, fmt.Sprintf("invalid int for %s: %q", key, s))
		return def
	}
	return n
}

func (l *loader) err() error {
	var parts []string
	if len(l.missing) > 0 {
		parts = append(parts, "missing required env var: "+strings.Join(l.missing, ", "))
	}
	parts = append(parts, l.invalid...)
	if len(parts) == 0 {
		return nil
	}
	return fmt.Errorf("config: %s", strings.Join(parts, "; "))
}
