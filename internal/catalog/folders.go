package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"legato/internal/database"
	"legato/pkg/models"
)

// ErrFolderNotFound is returned for unknown folder ids or paths.
var ErrFolderNotFound = errors.New("folder not found")

// Folders stores library roots.
type Folders struct {
	db *database.Database
}

// NewFolders creates a folder repository.
func NewFolders(db *database.Database) *Folders {
	return &Folders{db: db}
}

const folderColumns = "id, path, track_count, bookmark, date_added, date_updated, last_scanned"

// Add registers a folder root. Adding an existing path returns the stored
// folder, refreshing its bookmark when one is given.
func (f *Folders) Add(ctx context.Context, path string, bookmark []byte) (models.Folder, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return models.Folder{}, errors.New("path is required")
	}
	path = filepath.Clean(path)

	now := time.Now().UTC()
	err := f.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO folders (path, bookmark, date_added, date_updated)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				bookmark = COALESCE(excluded.bookmark, folders.bookmark),
				date_updated = CASE WHEN excluded.bookmark IS NULL THEN folders.date_updated ELSE excluded.date_updated END`,
			path, bookmark, now, now)
		return err
	})
	if err != nil {
		return models.Folder{}, fmt.Errorf("insert folder: %w", err)
	}
	return f.GetByPath(ctx, path)
}

// List returns all folders ordered by path.
func (f *Folders) List(ctx context.Context) ([]models.Folder, error) {
	rows, err := f.db.Conn().QueryContext(ctx, "SELECT "+folderColumns+" FROM folders ORDER BY path COLLATE NOCASE")
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	folders := make([]models.Folder, 0)
	for rows.Next() {
		folder, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan folder row: %w", err)
		}
		folders = append(folders, folder)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folder rows: %w", err)
	}
	return folders, nil
}

// Get returns one folder by id.
func (f *Folders) Get(ctx context.Context, id int64) (models.Folder, error) {
	row := f.db.Conn().QueryRowContext(ctx, "SELECT "+folderColumns+" FROM folders WHERE id = ?", id)
	folder, err := scanFolder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Folder{}, ErrFolderNotFound
		}
		return models.Folder{}, fmt.Errorf("get folder %d: %w", id, err)
	}
	return folder, nil
}

// GetByPath returns one folder by its root path.
func (f *Folders) GetByPath(ctx context.Context, path string) (models.Folder, error) {
	row := f.db.Conn().QueryRowContext(ctx, "SELECT "+folderColumns+" FROM folders WHERE path = ?", filepath.Clean(path))
	folder, err := scanFolder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Folder{}, ErrFolderNotFound
		}
		return models.Folder{}, fmt.Errorf("get folder %s: %w", path, err)
	}
	return folder, nil
}

// UpdateBookmark persists refreshed access bytes.
func (f *Folders) UpdateBookmark(ctx context.Context, id int64, bookmark []byte) error {
	return f.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE folders SET bookmark = ?, date_updated = ? WHERE id = ?",
			bookmark, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("update folder bookmark: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrFolderNotFound
		}
		return nil
	})
}

// RemoveTx deletes a folder and, through cascades, its tracks. It returns the
// duplicate buckets the removed tracks belonged to.
func (f *Folders) RemoveTx(tx *sql.Tx, id int64) ([]string, error) {
	keys, err := stringColumn(tx, "SELECT DISTINCT dedup_artist FROM tracks WHERE folder_id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("collect folder duplicate buckets: %w", err)
	}

	// Tracks go first so their search index triggers run as plain deletes.
	if _, err := tx.Exec("DELETE FROM tracks WHERE folder_id = ?", id); err != nil {
		return nil, fmt.Errorf("delete folder %d tracks: %w", id, err)
	}
	res, err := tx.Exec("DELETE FROM folders WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("delete folder %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrFolderNotFound
	}
	return keys, nil
}

// RefreshCountTx recomputes track_count, writing only when it changed, and
// stamps last_scanned.
func (f *Folders) RefreshCountTx(tx *sql.Tx, id int64, scannedAt time.Time) (int, error) {
	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM tracks WHERE folder_id = ?", id).Scan(&count); err != nil {
		return 0, fmt.Errorf("count folder tracks: %w", err)
	}
	if _, err := tx.Exec(
		"UPDATE folders SET track_count = ?, date_updated = ? WHERE id = ? AND track_count != ?",
		count, scannedAt.UTC(), id, count,
	); err != nil {
		return 0, fmt.Errorf("update folder track count: %w", err)
	}
	if _, err := tx.Exec("UPDATE folders SET last_scanned = ? WHERE id = ?", scannedAt.UTC(), id); err != nil {
		return 0, fmt.Errorf("update folder scan time: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFolder(row rowScanner) (models.Folder, error) {
	var folder models.Folder
	var lastScanned sql.NullTime
	if err := row.Scan(&folder.ID, &folder.Path, &folder.TrackCount, &folder.Bookmark,
		&folder.DateAdded, &folder.DateUpdated, &lastScanned); err != nil {
		return models.Folder{}, err
	}
	if lastScanned.Valid {
		t := lastScanned.Time
		folder.LastScanned = &t
	}
	return folder, nil
}

func stringColumn(tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
