package database

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func openTestDB(t *testing.T, path string) *Database {
	t.Helper()
	db, err := NewDatabase(path, quietLogger())
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	return db
}

var allMigrations = []string{
	"0001_initial_schema",
	"0002_pinned_items",
	"0003_track_search_index",
	"0004_duplicate_tracking",
	"0005_artwork_store",
	"0006_folded_search_index",
}

func TestMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	t.Run("FreshStoreAppliesAllInOrder", func(t *testing.T) {
		db := openTestDB(t, dbPath)
		defer db.Close()

		names, err := AppliedMigrations(db.Conn())
		if err != nil {
			t.Fatalf("Failed to list migrations: %v", err)
		}
		if len(names) != len(allMigrations) {
			t.Fatalf("Expected %d migrations, got %d: %v", len(allMigrations), len(names), names)
		}
		for i, name := range allMigrations {
			if names[i] != name {
				t.Errorf("Expected migration %d to be %s, got %s", i, name, names[i])
			}
		}

		for _, table := range []string{"folders", "tracks", "artists", "albums", "genres", "playlists", "pinned_items", "tracks_fts", "artwork"} {
			ok, err := tableExists(db.Conn(), table)
			if err != nil {
				t.Fatalf("Failed to check table %s: %v", table, err)
			}
			if !ok {
				t.Errorf("Expected table %s to exist", table)
			}
		}
	})

	t.Run("ReopenIsIdempotent", func(t *testing.T) {
		db := openTestDB(t, dbPath)
		defer db.Close()

		applied, err := RunMigrations(db.Conn())
		if err != nil {
			t.Fatalf("Failed to rerun migrations: %v", err)
		}
		if len(applied) != 0 {
			t.Errorf("Expected no migrations on reopen, got %v", applied)
		}
	})
}

func TestBaselineDetection(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	// A store created before the ledger: the initial schema exists, nothing is recorded.
	raw, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("Failed to open raw database: %v", err)
	}
	body, err := migrationsFS.ReadFile("migrations/0001_initial_schema.sql")
	if err != nil {
		t.Fatalf("Failed to read initial schema: %v", err)
	}
	if _, err := raw.Exec(string(body)); err != nil {
		t.Fatalf("Failed to create legacy schema: %v", err)
	}
	if _, err := raw.Exec(`INSERT INTO folders (path, date_added, date_updated) VALUES ('/music', ?, ?)`, time.Now(), time.Now()); err != nil {
		t.Fatalf("Failed to seed legacy folder: %v", err)
	}
	raw.Close()

	db := openTestDB(t, dbPath)
	defer db.Close()

	names, err := AppliedMigrations(db.Conn())
	if err != nil {
		t.Fatalf("Failed to list migrations: %v", err)
	}
	if len(names) != len(allMigrations) {
		t.Fatalf("Expected all migrations recorded, got %v", names)
	}

	var folders int
	if err := db.Conn().QueryRow("SELECT COUNT(*) FROM folders").Scan(&folders); err != nil {
		t.Fatalf("Failed to count folders: %v", err)
	}
	if folders != 1 {
		t.Errorf("Expected legacy data to survive, got %d folders", folders)
	}
}

func TestWithWriteTx(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "tx.db"))
	defer db.Close()
	ctx := context.Background()

	t.Run("CommitsOnSuccess", func(t *testing.T) {
		err := db.WithWriteTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.Exec(`INSERT INTO folders (path, date_added, date_updated) VALUES ('/a', ?, ?)`, time.Now(), time.Now())
			return err
		})
		if err != nil {
			t.Fatalf("Write transaction failed: %v", err)
		}
		var count int
		db.Conn().QueryRow("SELECT COUNT(*) FROM folders WHERE path = '/a'").Scan(&count)
		if count != 1 {
			t.Errorf("Expected committed row, got %d", count)
		}
	})

	t.Run("RollsBackOnError", func(t *testing.T) {
		boom := errors.New("boom")
		err := db.WithWriteTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.Exec(`INSERT INTO folders (path, date_added, date_updated) VALUES ('/b', ?, ?)`, time.Now(), time.Now()); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Expected boom, got %v", err)
		}
		var count int
		db.Conn().QueryRow("SELECT COUNT(*) FROM folders WHERE path = '/b'").Scan(&count)
		if count != 0 {
			t.Errorf("Expected rolled back row, got %d", count)
		}
	})

	t.Run("UniqueViolationIsDetected", func(t *testing.T) {
		err := db.WithWriteTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.Exec(`INSERT INTO folders (path, date_added, date_updated) VALUES ('/a', ?, ?)`, time.Now(), time.Now())
			return err
		})
		if !IsUniqueViolation(err) {
			t.Errorf("Expected unique violation, got %v", err)
		}
	})
}

func TestFoldFunction(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "fold.db"))
	defer db.Close()

	var folded string
	if err := db.Conn().QueryRow("SELECT fold(?)", "Über ÉTÉ").Scan(&folded); err != nil {
		t.Fatalf("fold query failed: %v", err)
	}
	if folded != "uber ete" {
		t.Errorf("Expected %q, got %q", "uber ete", folded)
	}

	t.Run("IndexHoldsFoldedText", func(t *testing.T) {
		if _, err := db.Conn().Exec(`INSERT INTO folders (id, path, date_added, date_updated) VALUES (1, '/m', ?, ?)`, time.Now(), time.Now()); err != nil {
			t.Fatalf("Failed to insert folder: %v", err)
		}
		if _, err := db.Conn().Exec(`
			INSERT INTO tracks (folder_id, path, filename, title, artist, album, album_artist, composer, genre, date_added)
			VALUES (1, '/m/a.mp3', 'a.mp3', 'Ölsen', 'Björk', 'Début', '', '', '', ?)`, time.Now()); err != nil {
			t.Fatalf("Failed to insert track: %v", err)
		}
		var title, artist string
		if err := db.Conn().QueryRow("SELECT title, artist FROM tracks_fts").Scan(&title, &artist); err != nil {
			t.Fatalf("Failed to read index row: %v", err)
		}
		if title != "olsen" || artist != "bjork" {
			t.Errorf("Expected folded index columns, got %q %q", title, artist)
		}
	})
}
