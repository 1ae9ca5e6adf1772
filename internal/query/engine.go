package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"legato/internal/cache"
	"legato/internal/catalog"
	"legato/internal/config"
	"legato/internal/database"
	"legato/pkg/models"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// ErrUnknownDimension is returned for dimensions the engine does not browse.
var ErrUnknownDimension = errors.New("unknown browse dimension")

// Page asks for one window of a listing.
type Page struct {
	Limit  int
	Offset int
}

// PageInfo describes the window that was returned.
type PageInfo struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// Engine answers browse and filter queries over the catalog. Every
// track-enumerating query reads the hide-duplicates preference when it runs.
type Engine struct {
	db     *database.Database
	prefs  *config.Preferences
	tracks *catalog.Tracks
	cache  *cache.TrackCache
	logger *logrus.Logger
}

// New creates a query engine. trackCache may be nil.
func New(db *database.Database, prefs *config.Preferences, trackCache *cache.TrackCache, logger *logrus.Logger) *Engine {
	return &Engine{
		db:     db,
		prefs:  prefs,
		tracks: catalog.NewTracks(db, nil),
		cache:  trackCache,
		logger: logger,
	}
}

// TrackByID returns one track, served from the cache while its row version
// is unchanged.
func (e *Engine) TrackByID(ctx context.Context, id int64) (models.Track, error) {
	version, err := e.tracks.Version(ctx, id)
	if err != nil {
		return models.Track{}, err
	}
	if e.cache != nil {
		if tr, ok := e.cache.Get(id, version); ok {
			return tr, nil
		}
	}

	tr, err := e.tracks.Get(ctx, id)
	if err != nil {
		return models.Track{}, err
	}
	if e.cache != nil {
		e.cache.Put(tr)
	}
	return tr, nil
}

// Tracks returns one page of all tracks in the preferred sort order.
func (e *Engine) Tracks(ctx context.Context, page Page) ([]models.Track, PageInfo, error) {
	limit, offset := normalizePagination(page.Limit, page.Offset, defaultPageLimit)
	scope := DuplicateScope(e.prefs, "t")

	var total int
	if err := e.db.Conn().QueryRowContext(ctx, "SELECT COUNT(*) FROM tracks t WHERE 1 = 1"+scope).Scan(&total); err != nil {
		return nil, PageInfo{}, fmt.Errorf("count tracks: %w", err)
	}

	field, desc := e.prefs.TrackSort()
	rows, err := e.db.Conn().QueryContext(ctx,
		"SELECT "+catalog.TrackColumns+" FROM tracks t WHERE 1 = 1"+scope+
			" ORDER BY "+OrderBy(field, desc)+" LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, PageInfo{}, fmt.Errorf("list tracks: %w", err)
	}
	tracks, err := catalog.ScanTracks(rows)
	if err != nil {
		return nil, PageInfo{}, err
	}
	return tracks, PageInfo{Limit: limit, Offset: offset, Total: total}, nil
}

// OrderBy renders an ORDER BY list over alias t for a track sort field.
// Unknown fields sort by artist.
func OrderBy(field string, desc bool) string {
	dir := ""
	if desc {
		dir = " DESC"
	}
	albumOrder := "t.album COLLATE NOCASE, t.disc_number, t.track_number"
	switch field {
	case "title":
		return "t.title COLLATE NOCASE" + dir + ", t.id"
	case "album":
		return "t.album COLLATE NOCASE" + dir + ", t.disc_number, t.track_number, t.id"
	case "album_artist":
		return "t.album_artist COLLATE NOCASE" + dir + ", " + albumOrder + ", t.id"
	case "year":
		return "t.year" + dir + ", " + albumOrder + ", t.id"
	case "date_added":
		return "t.date_added" + dir + ", t.id"
	case "duration":
		return "t.duration" + dir + ", t.id"
	case "play_count":
		return "t.play_count" + dir + ", t.title COLLATE NOCASE, t.id"
	case "last_played":
		// Never-played tracks sort last in either direction.
		return "t.last_played IS NULL, t.last_played" + dir + ", t.id"
	default:
		return "t.artist COLLATE NOCASE" + dir + ", " + albumOrder + ", t.id"
	}
}

func normalizePagination(limit, offset, defaultLimit int) (int, int) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
