// Package resolver turns track tag values into deduplicated artist, album and
// genre rows and keeps the junction tables, statistics and duplicate groups
// consistent. Every method takes the caller's write transaction.
package resolver

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"legato/internal/normalize"
	"legato/pkg/models"
)

// ErrMissingID is returned when an insert did not yield a generated id.
var ErrMissingID = errors.New("resolver: insert returned no id")

// DuplicateOptions controls which tracks count as the same recording.
type DuplicateOptions struct {
	Enabled           bool
	DurationTolerance float64
	TitleSimilarity   float64
}

// Resolver resolves entities inside write transactions.
type Resolver struct {
	exceptions []string
	dupes      DuplicateOptions
	logger     *logrus.Logger
}

// New creates a resolver. exceptions lists artist names that must never be
// split into several artists.
func New(exceptions []string, dupes DuplicateOptions, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{
		exceptions: exceptions,
		dupes:      dupes,
		logger:     logger,
	}
}

// TrackEntities is the entity view of one track row.
type TrackEntities struct {
	Artists      []string
	AlbumArtists []string
	Composers    []string
	Genres       []string

	Album       string
	ReleaseYear int
	ReleaseDate string
	TrackTotal  int
	DiscTotal   int
	Label       string

	ArtworkID string
}

// PrimaryAlbumArtist is the first album artist, else the first track artist.
func (e TrackEntities) PrimaryAlbumArtist() string {
	if len(e.AlbumArtists) > 0 {
		return e.AlbumArtists[0]
	}
	if len(e.Artists) > 0 {
		return e.Artists[0]
	}
	return ""
}

// Entities derives the entity view of a track. Placeholder values never
// become entity rows.
func (r *Resolver) Entities(track models.Track, label string) TrackEntities {
	e := TrackEntities{
		ReleaseYear: track.Year,
		ReleaseDate: track.ReleaseDate,
		TrackTotal:  track.TrackTotal,
		DiscTotal:   track.DiscTotal,
		Label:       label,
		ArtworkID:   track.ArtworkID,
	}
	if track.Artist != models.UnknownArtist {
		e.Artists = normalize.SplitArtists(track.Artist, r.exceptions)
	}
	if track.AlbumArtist != models.UnknownAlbumArtist {
		e.AlbumArtists = normalize.SplitArtists(track.AlbumArtist, r.exceptions)
	}
	if track.Composer != models.UnknownComposer {
		e.Composers = normalize.SplitArtists(track.Composer, r.exceptions)
	}
	if track.Genre != models.UnknownGenre {
		e.Genres = normalize.SplitGenres(track.Genre)
	}
	if track.Album != models.UnknownAlbum {
		e.Album = track.Album
	}
	return e
}

// DedupKeys returns the (title, artist) keys duplicate detection buckets on.
// The artist key is empty for tracks without a known artist, which keeps them
// out of duplicate groups.
func (r *Resolver) DedupKeys(track models.Track) (title, artist string) {
	title = normalize.TitleKey(track.Title)
	if track.Artist == models.UnknownArtist {
		return title, ""
	}
	names := normalize.SplitArtists(track.Artist, r.exceptions)
	if len(names) == 0 {
		return title, ""
	}
	return title, normalize.ArtistKey(names[0])
}

// LinkTrack rebuilds the track's artist, genre and album relationships.
func (r *Resolver) LinkTrack(tx *sql.Tx, trackID int64, e TrackEntities) error {
	if _, err := tx.Exec("DELETE FROM track_artists WHERE track_id = ?", trackID); err != nil {
		return fmt.Errorf("clear track artists: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM track_genres WHERE track_id = ?", trackID); err != nil {
		return fmt.Errorf("clear track genres: %w", err)
	}

	roles := []struct {
		role  string
		names []string
	}{
		{models.RoleArtist, e.Artists},
		{models.RoleComposer, e.Composers},
		{models.RoleAlbumArtist, e.AlbumArtists},
	}
	for _, rl := range roles {
		for position, name := range rl.names {
			artistID, err := r.findOrCreateArtist(tx, name)
			if err != nil {
				return err
			}
			if artistID == 0 {
				continue
			}
			if _, err := tx.Exec(
				"INSERT OR IGNORE INTO track_artists (track_id, artist_id, role, position) VALUES (?, ?, ?, ?)",
				trackID, artistID, rl.role, position,
			); err != nil {
				return fmt.Errorf("link track artist: %w", err)
			}
		}
	}

	for _, name := range e.Genres {
		genreID, err := findOrCreateGenre(tx, name)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO track_genres (track_id, genre_id) VALUES (?, ?)",
			trackID, genreID,
		); err != nil {
			return fmt.Errorf("link track genre: %w", err)
		}
	}

	var albumID any
	if e.Album != "" {
		id, err := r.resolveAlbum(tx, e)
		if err != nil {
			return err
		}
		albumID = id
	}
	if _, err := tx.Exec(
		"UPDATE tracks SET album_id = ? WHERE id = ? AND album_id IS NOT ?",
		albumID, trackID, albumID,
	); err != nil {
		return fmt.Errorf("set track album: %w", err)
	}

	return nil
}

// findOrCreateArtist returns 0 for names that fold to an empty key.
func (r *Resolver) findOrCreateArtist(tx *sql.Tx, name string) (int64, error) {
	key := normalize.ArtistKey(name)
	if key == "" {
		return 0, nil
	}

	var id int64
	err := tx.QueryRow("SELECT id FROM artists WHERE normalized_name = ?", key).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("find artist %q: %w", name, err)
	}

	res, err := tx.Exec(
		"INSERT INTO artists (name, normalized_name, sort_name) VALUES (?, ?, ?)",
		name, key, normalize.SortName(name),
	)
	if err != nil {
		return 0, fmt.Errorf("create artist %q: %w", name, err)
	}
	return insertedID(res)
}

func findOrCreateGenre(tx *sql.Tx, name string) (int64, error) {
	var id int64
	err := tx.QueryRow("SELECT id FROM genres WHERE name = ?", name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("find genre %q: %w", name, err)
	}

	res, err := tx.Exec("INSERT INTO genres (name) VALUES (?)", name)
	if err != nil {
		return 0, fmt.Errorf("create genre %q: %w", name, err)
	}
	return insertedID(res)
}

// resolveAlbum finds or creates the album for (title, primary album artist),
// filling unset album fields from the track and linking album artists.
func (r *Resolver) resolveAlbum(tx *sql.Tx, e TrackEntities) (int64, error) {
	titleKey := normalize.AlbumKey(e.Album)
	artistKey := normalize.ArtistKey(e.PrimaryAlbumArtist())

	var albumID int64
	err := tx.QueryRow(
		"SELECT id FROM albums WHERE normalized_title = ? AND artist_key = ?",
		titleKey, artistKey,
	).Scan(&albumID)

	switch {
	case err == nil:
		// Existing values win; only NULL fields are filled.
		if _, err := tx.Exec(`
			UPDATE albums SET
				release_year = COALESCE(release_year, ?),
				release_date = COALESCE(release_date, ?),
				track_total = COALESCE(track_total, ?),
				disc_total = COALESCE(disc_total, ?),
				label = COALESCE(label, ?)
			WHERE id = ?`,
			nullInt(e.ReleaseYear), nullString(e.ReleaseDate), nullInt(e.TrackTotal),
			nullInt(e.DiscTotal), nullString(e.Label), albumID,
		); err != nil {
			return 0, fmt.Errorf("merge album %q: %w", e.Album, err)
		}
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.Exec(`
			INSERT INTO albums (title, normalized_title, artist_key, sort_title, release_year, release_date, track_total, disc_total, label)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Album, titleKey, artistKey, normalize.SortName(e.Album),
			nullInt(e.ReleaseYear), nullString(e.ReleaseDate), nullInt(e.TrackTotal),
			nullInt(e.DiscTotal), nullString(e.Label),
		)
		if err != nil {
			return 0, fmt.Errorf("create album %q: %w", e.Album, err)
		}
		if albumID, err = insertedID(res); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("find album %q: %w", e.Album, err)
	}

	albumArtistIDs, err := r.linkAlbumArtists(tx, albumID, e)
	if err != nil {
		return 0, err
	}

	if e.ArtworkID != "" {
		if err := assignArtwork(tx, "albums", albumID, e.ArtworkID); err != nil {
			return 0, err
		}
		for _, artistID := range albumArtistIDs {
			if err := assignArtwork(tx, "artists", artistID, e.ArtworkID); err != nil {
				return 0, err
			}
		}
	}

	return albumID, nil
}

// linkAlbumArtists adds album artists not yet linked. The first name becomes
// the primary artist only when the album has none yet; later names are
// featured.
func (r *Resolver) linkAlbumArtists(tx *sql.Tx, albumID int64, e TrackEntities) ([]int64, error) {
	names := e.AlbumArtists
	if len(names) == 0 {
		names = e.Artists
	}
	if len(names) == 0 {
		return nil, nil
	}

	linked := make(map[int64]bool)
	hasPrimary := false
	nextPosition := 0
	rows, err := tx.Query("SELECT artist_id, role, position FROM album_artists WHERE album_id = ?", albumID)
	if err != nil {
		return nil, fmt.Errorf("load album artists: %w", err)
	}
	for rows.Next() {
		var artistID int64
		var role string
		var position int
		if err := rows.Scan(&artistID, &role, &position); err != nil {
			rows.Close()
			return nil, err
		}
		linked[artistID] = true
		if role == models.RolePrimary {
			hasPrimary = true
		}
		if position >= nextPosition {
			nextPosition = position + 1
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var ids []int64
	for i, name := range names {
		artistID, err := r.findOrCreateArtist(tx, name)
		if err != nil {
			return nil, err
		}
		if artistID == 0 {
			continue
		}
		ids = append(ids, artistID)
		if linked[artistID] {
			continue
		}

		role := models.RoleFeatured
		if i == 0 && !hasPrimary {
			role = models.RolePrimary
			hasPrimary = true
		}
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO album_artists (album_id, artist_id, role, position) VALUES (?, ?, ?, ?)",
			albumID, artistID, role, nextPosition,
		); err != nil {
			return nil, fmt.Errorf("link album artist: %w", err)
		}
		linked[artistID] = true
		nextPosition++
	}
	return ids, nil
}

// StoreArtwork saves image bytes content-addressed and returns their id.
func StoreArtwork(tx *sql.Tx, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	sum := blake2b.Sum256(data)
	id := hex.EncodeToString(sum[:])

	if _, err := tx.Exec(
		"INSERT OR IGNORE INTO artwork (id, mime_type, data, size, date_added) VALUES (?, ?, ?, ?, ?)",
		id, mimeType, data, len(data), time.Now().UTC(),
	); err != nil {
		return "", fmt.Errorf("store artwork: %w", err)
	}
	return id, nil
}

// Artwork loads stored image bytes by id.
func Artwork(q interface {
	QueryRow(query string, args ...any) *sql.Row
}, id string) ([]byte, string, error) {
	var data []byte
	var mimeType string
	err := q.QueryRow("SELECT data, mime_type FROM artwork WHERE id = ?", id).Scan(&data, &mimeType)
	if err != nil {
		return nil, "", fmt.Errorf("load artwork %s: %w", id, err)
	}
	return data, mimeType, nil
}

// assignArtwork is first-write-wins: rows that already have artwork keep it.
func assignArtwork(tx *sql.Tx, table string, id int64, artworkID string) error {
	query := fmt.Sprintf("UPDATE %s SET artwork_id = ? WHERE id = ? AND artwork_id IS NULL", table)
	if _, err := tx.Exec(query, artworkID, id); err != nil {
		return fmt.Errorf("assign %s artwork: %w", table, err)
	}
	return nil
}

func insertedID(res sql.Result) (int64, error) {
	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		return 0, ErrMissingID
	}
	return id, nil
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
