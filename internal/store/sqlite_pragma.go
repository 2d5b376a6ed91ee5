package store

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
)

// ApplySQLitePragmas applies optional tuning when KICKMON_SQLITE_TUNING=1.
func ApplySQLitePragmas(ctx context.Context, db *sql.DB) {
	if os.Getenv("KICKMON_SQLITE_TUNING") != "1" {
		return
	}

	pragmas := []string{
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}

	for _, pragma := range pragmas {
		value, err := applyPragma(ctx, db, pragma)
		if err != nil {
			log.Printf("store: pragma %s failed: %v", pragma, err)
			continue
		}
		log.Printf("store: pragma %s => %v", pragma, value)
	}
}

func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	var value any
	err := db.QueryRowContext(ctx, pragma).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			return nil, execErr
		}
		return "ok", nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}
