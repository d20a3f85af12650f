package database

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/iliyamo/queue-dispatch/internal/config"
)

// Driver names as registered with database/sql.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know about.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Open connects to the configured database and verifies the connection.
func Open(cfg config.DBConfig) (*sqlx.DB, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, err
	}

	// Pool settings
	if cfg.Driver == DriverSQLite {
		// one writer at a time; a single connection avoids SQLITE_BUSY storms
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	// Ping with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func buildDSN(cfg config.DBConfig) (string, error) {
	switch cfg.Driver {
	case DriverMySQL:
		if cfg.DSN != "" {
			return cfg.DSN, nil
		}
		auth := cfg.User
		if cfg.Pass != "" {
			auth = fmt.Sprintf("%s:%s", cfg.User, cfg.Pass)
		}
		// parseTime=true -> DATETIME -> time.Time | loc=UTC keeps times consistent
		return fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
			auth, cfg.Host, cfg.Port, cfg.Name), nil
	case DriverPostgres:
		if cfg.DSN != "" {
			return cfg.DSN, nil
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.User, cfg.Pass),
			Host:     cfg.Host + ":" + cfg.Port,
			Path:     cfg.Name,
			RawQuery: "sslmode=disable&timezone=UTC",
		}
		return u.String(), nil
	case DriverSQLite:
		return SQLiteDSN(cfg.DSN), nil
	}
	return "", fmt.Errorf("database: unsupported driver %q", cfg.Driver)
}

// SQLiteDSN turns a bare file path into a modernc DSN with WAL, a busy
// timeout and immediate write transactions. DSNs that already carry
// parameters are returned unchanged.
func SQLiteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return "file:" + path +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// ForUpdate returns the row-locking suffix for SELECTs inside a write
// transaction. SQLite serializes writers already and has no row locks.
func ForUpdate(driver string) string {
	if driver == DriverSQLite {
		return ""
	}
	return " FOR UPDATE"
}

// ForShare is the shared-lock counterpart of ForUpdate.
func ForShare(driver string) string {
	switch driver {
	case DriverMySQL:
		return " LOCK IN SHARE MODE"
	case DriverPostgres:
		return " FOR SHARE"
	}
	return ""
}
