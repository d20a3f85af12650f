package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"JWT_SECRET", "DB_DRIVER", "DB_DSN", "DB_PATH", "DB_USER", "DB_PASS", "DB_HOST", "DB_PORT", "DB_NAME",
		"APP_TIMEZONE", "BCRYPT_COST", "CALL_RETRY_LIMIT", "SUBSCRIBER_BUFFER", "CALL_EMPTY_COMPLETES_CURRENT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadReportsEveryMissingVariable(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_DRIVER", "mysql")

	_, err := Load()
	if err == nil {
		t.Fatal("Load succeeded without required variables")
	}
	for _, key := range []string{"JWT_SECRET", "DB_USER", "DB_HOST", "DB_PORT", "DB_NAME"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestLoadSQLiteDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_DRIVER", "sqlite")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DB.Driver != "sqlite" || cfg.DB.DSN != "queue.db" {
		t.Fatalf("db = %+v", cfg.DB)
	}
	if cfg.Location != time.UTC {
		t.Fatalf("location = %v, want UTC", cfg.Location)
	}
	if cfg.Dispatch.RetryLimit != 3 || cfg.Dispatch.EmptyCompletes {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Housekeeping.Schedule == "" {
		t.Fatal("empty housekeeping schedule")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_DSN", "postgres://queue@localhost/queue")
	t.Setenv("APP_TIMEZONE", "Europe/Berlin")
	t.Setenv("CALL_EMPTY_COMPLETES_CURRENT", "true")
	t.Setenv("SUBSCRIBER_BUFFER", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DB.Driver != "pgx" {
		t.Fatalf("driver = %s, want pgx", cfg.DB.Driver)
	}
	if cfg.Location.String() != "Europe/Berlin" {
		t.Fatalf("location = %v", cfg.Location)
	}
	if !cfg.Dispatch.EmptyCompletes || cfg.Dispatch.SubscriberBuffer != 1 {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_DRIVER", "oracle")
	t.Setenv("DB_DSN", "x")
	t.Setenv("APP_TIMEZONE", "Mars/Olympus")
	t.Setenv("BCRYPT_COST", "high")

	_, err := Load()
	if err == nil {
		t.Fatal("Load accepted bad values")
	}
	for _, want := range []string{"DB_DRIVER", "APP_TIMEZONE", "BCRYPT_COST"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
