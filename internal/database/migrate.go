package database

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the schema for the connected driver. Every statement is
// idempotent so Migrate may run on each start.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	raw, err := migrations.ReadFile("migrations/" + db.DriverName() + ".sql")
	if err != nil {
		return fmt.Errorf("migrate: no schema for driver %q: %w", db.DriverName(), err)
	}
	for _, stmt := range splitStatements(string(raw)) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w\n%s", err, stmt)
		}
	}
	return nil
}

// splitStatements cuts a schema file on semicolons that end a line and drops
// comment-only chunks.
func splitStatements(src string) []string {
	var out []string
	for _, chunk := range strings.Split(src, ";\n") {
		var b strings.Builder
		for _, line := range strings.Split(chunk, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
		stmt := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(b.String()), ";"))
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
