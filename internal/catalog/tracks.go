package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"legato/internal/database"
	"legato/internal/events"
	"legato/pkg/models"
)

// ErrTrackNotFound is returned for unknown track ids or paths.
var ErrTrackNotFound = errors.New("track not found")

// TrackColumns is the select list ScanTrack expects, qualified with alias t.
const TrackColumns = `t.id, t.folder_id, t.album_id, t.path, t.filename, t.title, t.artist, t.album,
	t.album_artist, t.composer, t.genre, t.year, t.release_date, t.track_number, t.track_total,
	t.disc_number, t.disc_total, t.duration, t.format, t.codec, t.bitrate, t.sample_rate,
	t.bit_depth, t.channels, t.file_size, t.artwork_id, t.is_favorite, t.play_count,
	t.last_played, t.is_duplicate, t.primary_track_id, t.duplicate_group_id,
	t.extended_metadata, t.date_added, t.date_modified, t.updated_at`

// ScanTrack reads one row selected with TrackColumns.
func ScanTrack(row interface{ Scan(dest ...any) error }) (models.Track, error) {
	var (
		tr         models.Track
		albumID    sql.NullInt64
		artworkID  sql.NullString
		lastPlayed sql.NullTime
		primaryID  sql.NullInt64
		groupID    sql.NullString
		extended   string
	)
	if err := row.Scan(
		&tr.ID, &tr.FolderID, &albumID, &tr.Path, &tr.Filename, &tr.Title, &tr.Artist, &tr.Album,
		&tr.AlbumArtist, &tr.Composer, &tr.Genre, &tr.Year, &tr.ReleaseDate, &tr.TrackNumber, &tr.TrackTotal,
		&tr.DiscNumber, &tr.DiscTotal, &tr.Duration, &tr.Format, &tr.Codec, &tr.Bitrate, &tr.SampleRate,
		&tr.BitDepth, &tr.Channels, &tr.FileSize, &artworkID, &tr.IsFavorite, &tr.PlayCount,
		&lastPlayed, &tr.IsDuplicate, &primaryID, &groupID,
		&extended, &tr.DateAdded, &tr.DateModified, &tr.UpdatedAt,
	); err != nil {
		return models.Track{}, err
	}

	if albumID.Valid {
		id := albumID.Int64
		tr.AlbumID = &id
	}
	tr.ArtworkID = artworkID.String
	if lastPlayed.Valid {
		t := lastPlayed.Time
		tr.LastPlayed = &t
	}
	if primaryID.Valid {
		id := primaryID.Int64
		tr.PrimaryTrackID = &id
	}
	tr.DuplicateGroupID = groupID.String
	if extended != "" && extended != "{}" {
		if err := json.Unmarshal([]byte(extended), &tr.ExtendedMetadata); err != nil {
			return models.Track{}, fmt.Errorf("decode extended metadata for track %d: %w", tr.ID, err)
		}
	}
	return tr, nil
}

// ScanTracks drains rows selected with TrackColumns.
func ScanTracks(rows *sql.Rows) ([]models.Track, error) {
	defer rows.Close()
	tracks := make([]models.Track, 0)
	for rows.Next() {
		tr, err := ScanTrack(rows)
		if err != nil {
			return nil, fmt.Errorf("scan track row: %w", err)
		}
		tracks = append(tracks, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate track rows: %w", err)
	}
	return tracks, nil
}

// Known is the staleness state of a stored track.
type Known struct {
	ID           int64
	DateModified int64
}

// Tracks reads track rows and applies user-driven mutations.
type Tracks struct {
	db       *database.Database
	notifier *events.Notifier
}

// NewTracks creates a track repository. notifier may be nil.
func NewTracks(db *database.Database, notifier *events.Notifier) *Tracks {
	return &Tracks{db: db, notifier: notifier}
}

// Get returns one track by id.
func (r *Tracks) Get(ctx context.Context, id int64) (models.Track, error) {
	row := r.db.Conn().QueryRowContext(ctx, "SELECT "+TrackColumns+" FROM tracks t WHERE t.id = ?", id)
	tr, err := ScanTrack(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Track{}, ErrTrackNotFound
		}
		return models.Track{}, fmt.Errorf("get track %d: %w", id, err)
	}
	return tr, nil
}

// GetByPath returns one track by its file path.
func (r *Tracks) GetByPath(ctx context.Context, path string) (models.Track, error) {
	row := r.db.Conn().QueryRowContext(ctx, "SELECT "+TrackColumns+" FROM tracks t WHERE t.path = ?", path)
	tr, err := ScanTrack(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Track{}, ErrTrackNotFound
		}
		return models.Track{}, fmt.Errorf("get track %s: %w", path, err)
	}
	return tr, nil
}

// Version returns the row version of a track.
func (r *Tracks) Version(ctx context.Context, id int64) (int64, error) {
	var version int64
	err := r.db.Conn().QueryRowContext(ctx, "SELECT updated_at FROM tracks WHERE id = ?", id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrTrackNotFound
	}
	return version, err
}

// KnownForFolder maps every stored path of a folder to its staleness state.
func (r *Tracks) KnownForFolder(ctx context.Context, folderID int64) (map[string]Known, error) {
	rows, err := r.db.Conn().QueryContext(ctx, "SELECT id, path, date_modified FROM tracks WHERE folder_id = ?", folderID)
	if err != nil {
		return nil, fmt.Errorf("list folder tracks: %w", err)
	}
	defer rows.Close()

	known := make(map[string]Known)
	for rows.Next() {
		var path string
		var k Known
		if err := rows.Scan(&k.ID, &path, &k.DateModified); err != nil {
			return nil, fmt.Errorf("scan folder track: %w", err)
		}
		known[path] = k
	}
	return known, rows.Err()
}

// SetFavorite flags or unflags a track.
func (r *Tracks) SetFavorite(ctx context.Context, id int64, favorite bool) error {
	err := r.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		return SetFavoriteTx(tx, id, favorite)
	})
	if err != nil {
		return err
	}
	r.notifier.Publish(events.Event{Kind: events.TrackUpdated, TrackIDs: []int64{id}})
	return nil
}

// SetFavoriteTx flags or unflags a track inside tx.
func SetFavoriteTx(tx *sql.Tx, id int64, favorite bool) error {
	res, err := tx.Exec(
		"UPDATE tracks SET is_favorite = ?, updated_at = MAX(updated_at + 1, ?) WHERE id = ?",
		favorite, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("set favorite on track %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTrackNotFound
	}
	return nil
}

// RecordPlay increments the play count and stamps last_played.
func (r *Tracks) RecordPlay(ctx context.Context, id int64, at time.Time) error {
	err := r.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tracks SET play_count = play_count + 1, last_played = ?,
				updated_at = MAX(updated_at + 1, ?)
			WHERE id = ?`, at.UTC(), time.Now().UnixNano(), id)
		if err != nil {
			return fmt.Errorf("record play on track %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTrackNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.notifier.Publish(events.Event{Kind: events.TrackUpdated, TrackIDs: []int64{id}})
	return nil
}
