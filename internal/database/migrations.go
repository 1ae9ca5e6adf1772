package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// baselineDetectors mark a migration as already applied on stores created
// before the ledger existed. A detector returning true records the migration
// without executing it.
var baselineDetectors = map[string]func(q querier) (bool, error){
	"0001_initial_schema": func(q querier) (bool, error) {
		return tableExists(q, "tracks")
	},
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

// RunMigrations applies every embedded migration not yet recorded in
// schema_migrations, in lexical order, each in its own transaction. It
// returns the names it applied.
func RunMigrations(database *sql.DB) ([]string, error) {
	if _, err := database.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(entries)

	var applied []string
	for _, entry := range entries {
		name := migrationName(entry)

		done, err := migrationApplied(database, name)
		if err != nil {
			return applied, err
		}
		if done {
			continue
		}

		tx, err := database.Begin()
		if err != nil {
			return applied, fmt.Errorf("start migration tx %s: %w", name, err)
		}

		baseline := false
		if detect, ok := baselineDetectors[name]; ok {
			if baseline, err = detect(tx); err != nil {
				tx.Rollback()
				return applied, fmt.Errorf("detect baseline %s: %w", name, err)
			}
		}

		if !baseline {
			body, err := migrationsFS.ReadFile(entry)
			if err != nil {
				tx.Rollback()
				return applied, fmt.Errorf("read migration %s: %w", name, err)
			}
			if _, err := tx.Exec(string(body)); err != nil {
				tx.Rollback()
				return applied, fmt.Errorf("execute migration %s: %w", name, err)
			}
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations(name, applied_at) VALUES (?, ?)",
			name,
			time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("record migration %s: %w", name, err)
		}

		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("commit migration %s: %w", name, err)
		}
		applied = append(applied, name)
	}

	return applied, nil
}

// AppliedMigrations lists the ledger in application order.
func AppliedMigrations(database *sql.DB) ([]string, error) {
	rows, err := database.Query("SELECT name FROM schema_migrations ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func migrationName(entry string) string {
	return strings.TrimSuffix(path.Base(entry), ".sql")
}

func migrationApplied(database *sql.DB, name string) (bool, error) {
	var count int
	if err := database.QueryRow("SELECT COUNT(1) FROM schema_migrations WHERE name = ?", name).Scan(&count); err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}

	return count > 0, nil
}

func tableExists(q querier, table string) (bool, error) {
	var count int
	err := q.QueryRow("SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
